package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"docqa-go/internal/chunker"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/loader"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocRepo struct {
	doc       *model.Document
	statusLog []string
}

func (f *fakeDocRepo) Create(doc *model.Document) error { return nil }
func (f *fakeDocRepo) FindByID(id string) (*model.Document, error) {
	if f.doc == nil || f.doc.ID != id {
		return nil, errors.New("not found")
	}
	return f.doc, nil
}
func (f *fakeDocRepo) FindByMD5AndUser(fileMD5 string, userID uint) (*model.Document, error) {
	return nil, errors.New("not found")
}
func (f *fakeDocRepo) FindByUserID(userID uint) ([]model.Document, error) { return nil, nil }
func (f *fakeDocRepo) UpdateStatus(id, status string) error {
	f.doc.Status = status
	f.statusLog = append(f.statusLog, status)
	return nil
}
func (f *fakeDocRepo) MarkFailed(id, stage, cause string) error {
	f.doc.Status = model.StatusFailed
	f.doc.FailedStage = stage
	f.doc.FailureCause = cause
	f.statusLog = append(f.statusLog, model.StatusFailed)
	return nil
}
func (f *fakeDocRepo) Update(doc *model.Document) error { return nil }
func (f *fakeDocRepo) Delete(id string) error           { return nil }

type fakePageRepo struct {
	pages []*model.Page
}

func (f *fakePageRepo) BatchCreate(pages []*model.Page) error {
	f.pages = append(f.pages, pages...)
	return nil
}
func (f *fakePageRepo) FindByDocumentID(documentID string) ([]model.Page, error) {
	return nil, nil
}
func (f *fakePageRepo) DeleteByDocumentID(documentID string) error {
	f.pages = nil
	return nil
}

type fakeChunkRepo struct {
	rows map[string]model.Chunk
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{rows: make(map[string]model.Chunk)}
}

func (f *fakeChunkRepo) Create(chunk *model.Chunk) error {
	f.rows[chunk.ChunkID] = *chunk
	return nil
}
func (f *fakeChunkRepo) FindByDocumentID(documentID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	for _, c := range f.rows {
		if c.DocumentID == documentID {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}
func (f *fakeChunkRepo) FindByIDs(chunkIDs []string) ([]model.Chunk, error) { return nil, nil }
func (f *fakeChunkRepo) Delete(chunkID string) error {
	delete(f.rows, chunkID)
	return nil
}
func (f *fakeChunkRepo) DeleteByDocumentID(documentID string) error {
	for id, c := range f.rows {
		if c.DocumentID == documentID {
			delete(f.rows, id)
		}
	}
	return nil
}
func (f *fakeChunkRepo) FindPage(offset, limit int) ([]model.Chunk, error) { return nil, nil }

type fakeLeaseRepo struct {
	held     bool
	acquired int
	released int
}

func (f *fakeLeaseRepo) Acquire(ctx context.Context, documentID string, ttl time.Duration) (string, bool, error) {
	if f.held {
		return "", false, nil
	}
	f.acquired++
	return "lease-token", true, nil
}
func (f *fakeLeaseRepo) Release(ctx context.Context, documentID, lease string) error {
	f.released++
	return nil
}

type fakeOCR struct {
	recognize func(page int, preprocess string) (*ocr.Result, error)
	calls     int
}

func (f *fakeOCR) Recognize(ctx context.Context, data []byte, fileName string, page int, preprocess string) (*ocr.Result, error) {
	f.calls++
	return f.recognize(page, preprocess)
}

type fakeEmbedder struct {
	batchCalls int
	embedded   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	f.embedded += len(texts)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}
func (f *fakeEmbedder) ModelVersion() string { return "test-embed-v1" }

type fakeIndex struct {
	upserts map[string]model.EsChunk
	deletes []string
	failOn  string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: make(map[string]model.EsChunk)}
}

func (f *fakeIndex) Upsert(ctx context.Context, chunk model.EsChunk) error {
	if f.failOn != "" && chunk.ChunkID == f.failOn {
		return errors.New("index unavailable")
	}
	f.upserts[chunk.ChunkID] = chunk
	return nil
}
func (f *fakeIndex) Delete(ctx context.Context, modelVersion, chunkID string) error {
	f.deletes = append(f.deletes, chunkID)
	delete(f.upserts, chunkID)
	return nil
}

type fakeFetcher struct {
	data []byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, objectName string) ([]byte, error) {
	return f.data, nil
}

type testEnv struct {
	processor *Processor
	docRepo   *fakeDocRepo
	pageRepo  *fakePageRepo
	chunkRepo *fakeChunkRepo
	leaseRepo *fakeLeaseRepo
	ocrClient *fakeOCR
	embedder  *fakeEmbedder
	index     *fakeIndex
}

func newTestEnv(load func(data []byte, mimeType string) ([]loader.Page, error)) *testEnv {
	env := &testEnv{
		docRepo: &fakeDocRepo{doc: &model.Document{
			ID:         "doc-1",
			FileName:   "report.pdf",
			MimeType:   "application/pdf",
			ObjectName: "documents/1/abc",
			Status:     model.StatusPending,
			UserID:     1,
		}},
		pageRepo:  &fakePageRepo{},
		chunkRepo: newFakeChunkRepo(),
		leaseRepo: &fakeLeaseRepo{},
		ocrClient: &fakeOCR{recognize: func(page int, preprocess string) (*ocr.Result, error) {
			return &ocr.Result{Text: "OCR 文本", Confidence: 0.9}, nil
		}},
		embedder: &fakeEmbedder{},
		index:    newFakeIndex(),
	}

	pipelineCfg := config.PipelineConfig{
		ChunkSize:       120,
		ChunkOverlap:    0.1,
		OCRMaxAttempts:  2,
		LeaseTTLSeconds: 60,
	}
	env.processor = &Processor{
		ocrClient:       env.ocrClient,
		embeddingClient: env.embedder,
		index:           env.index,
		objects:         &fakeFetcher{data: []byte("raw-bytes")},
		docRepo:         env.docRepo,
		pageRepo:        env.pageRepo,
		chunkRepo:       env.chunkRepo,
		leaseRepo:       env.leaseRepo,
		splitter:        chunker.New(pipelineCfg.ChunkSize, pipelineCfg.ChunkOverlap),
		pipelineCfg:     pipelineCfg,
		ocrCfg:          config.OCRConfig{MinConfidence: 0.5},
		load:            load,
	}
	return env
}

func pageText(page, sentences int) string {
	var sb strings.Builder
	for s := 0; s < sentences; s++ {
		sb.WriteString(fmt.Sprintf("第%d页第%d句内容。", page, s))
	}
	return sb.String()
}

func threePages(data []byte, mimeType string) ([]loader.Page, error) {
	return []loader.Page{
		{Number: 1, HasTextLayer: true, Text: pageText(1, 12)},
		{Number: 2, HasTextLayer: false},
		{Number: 3, HasTextLayer: false},
	}, nil
}

func ingestTask() tasks.IngestTask {
	return tasks.IngestTask{
		DocumentID: "doc-1",
		ObjectName: "documents/1/abc",
		FileName:   "report.pdf",
		MimeType:   "application/pdf",
		UserID:     1,
	}
}

func TestProcessHappyPath(t *testing.T) {
	env := newTestEnv(threePages)

	err := env.processor.Process(context.Background(), ingestTask())
	require.NoError(t, err)

	assert.Equal(t, model.StatusReady, env.docRepo.doc.Status)
	assert.Equal(t, []string{
		model.StatusLoading,
		model.StatusExtracting,
		model.StatusChunking,
		model.StatusEmbedding,
		model.StatusIndexing,
		model.StatusReady,
	}, env.docRepo.statusLog)

	// 带文本层的页面不经过 OCR，其余页面各识别一次
	assert.Equal(t, 2, env.ocrClient.calls)
	require.Len(t, env.pageRepo.pages, 3)
	assert.Equal(t, 1.0, env.pageRepo.pages[0].Confidence)
	assert.True(t, env.pageRepo.pages[0].HasTextLayer)

	// 分块元数据与索引内容一一对应
	assert.NotEmpty(t, env.chunkRepo.rows)
	assert.Len(t, env.index.upserts, len(env.chunkRepo.rows))
	for id, row := range env.chunkRepo.rows {
		indexed, ok := env.index.upserts[id]
		require.True(t, ok)
		assert.Equal(t, row.TextContent, indexed.TextContent)
		assert.Equal(t, "test-embed-v1", indexed.ModelVersion)
		assert.Equal(t, uint(1), indexed.UserID)
		assert.NotEmpty(t, row.Vector)
	}
	assert.Equal(t, 1, env.leaseRepo.released)
}

func TestProcessPageFailureDoesNotFailDocument(t *testing.T) {
	env := newTestEnv(threePages)
	// 第 2 页的 OCR 永久失败
	env.ocrClient.recognize = func(page int, preprocess string) (*ocr.Result, error) {
		if page == 2 {
			return &ocr.Result{Text: "", Confidence: 0.1}, nil
		}
		return &ocr.Result{Text: pageText(page, 10), Confidence: 0.9}, nil
	}

	err := env.processor.Process(context.Background(), ingestTask())
	require.NoError(t, err)

	assert.Equal(t, model.StatusReady, env.docRepo.doc.Status)
	require.Len(t, env.pageRepo.pages, 3)
	assert.False(t, env.pageRepo.pages[0].Failed)
	assert.True(t, env.pageRepo.pages[1].Failed)
	assert.False(t, env.pageRepo.pages[2].Failed)

	// 失败页重试时使用对比度预处理：第 2 页 2 次 + 第 3 页 1 次
	assert.Equal(t, 3, env.ocrClient.calls)

	// 失败页的内容不进入任何分块
	for _, row := range env.chunkRepo.rows {
		assert.NotContains(t, row.TextContent, "第2页")
	}
}

func TestProcessAllPagesFailedMarksDocumentFailed(t *testing.T) {
	env := newTestEnv(func(data []byte, mimeType string) ([]loader.Page, error) {
		return []loader.Page{
			{Number: 1, HasTextLayer: false},
			{Number: 2, HasTextLayer: false},
		}, nil
	})
	env.ocrClient.recognize = func(page int, preprocess string) (*ocr.Result, error) {
		return nil, errors.New("ocr down")
	}

	err := env.processor.Process(context.Background(), ingestTask())
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, env.docRepo.doc.Status)
	assert.Equal(t, model.StatusExtracting, env.docRepo.doc.FailedStage)
	assert.Empty(t, env.chunkRepo.rows)
	assert.Empty(t, env.index.upserts)
}

func TestProcessReingestIsIdempotent(t *testing.T) {
	env := newTestEnv(threePages)

	require.NoError(t, env.processor.Process(context.Background(), ingestTask()))
	firstUpserts := len(env.index.upserts)
	firstEmbedded := env.embedder.embedded
	require.Greater(t, firstUpserts, 0)

	// 相同内容再次摄取：无新增向量化，索引内容不变
	task := ingestTask()
	task.Reingest = true
	require.NoError(t, env.processor.Process(context.Background(), task))

	assert.Equal(t, firstEmbedded, env.embedder.embedded, "内容未变时不应重复向量化")
	assert.Len(t, env.index.upserts, firstUpserts)
	assert.Empty(t, env.index.deletes)
	assert.Equal(t, model.StatusReady, env.docRepo.doc.Status)
}

func TestProcessLeaseConflictReturnsError(t *testing.T) {
	env := newTestEnv(threePages)
	env.leaseRepo.held = true

	err := env.processor.Process(context.Background(), ingestTask())
	require.Error(t, err)
	assert.Empty(t, env.docRepo.statusLog)
	assert.Empty(t, env.index.upserts)
}

func TestProcessUnsupportedFormatFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(func(data []byte, mimeType string) ([]loader.Page, error) {
		return nil, fmt.Errorf("%w: application/zip", model.ErrUnsupportedFormat)
	})

	// 结构性错误返回 nil，避免消息队列无意义的重投
	err := env.processor.Process(context.Background(), ingestTask())
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, env.docRepo.doc.Status)
	assert.Equal(t, model.StatusLoading, env.docRepo.doc.FailedStage)
	assert.Contains(t, env.docRepo.doc.FailureCause, "unsupported")
}

func TestProcessIndexFailureRollsBackMetadata(t *testing.T) {
	env := newTestEnv(threePages)

	// 先取得将要写入的分块 ID，让索引在该分块上失败
	require.NoError(t, env.processor.Process(context.Background(), ingestTask()))
	var victim string
	for id := range env.index.upserts {
		victim = id
		break
	}
	require.NotEmpty(t, victim)

	env2 := newTestEnv(threePages)
	env2.index.failOn = victim

	err := env2.processor.Process(context.Background(), ingestTask())
	require.Error(t, err)

	// 写入失败的分块元数据已被回滚，不存在有元数据而无向量的记录
	_, exists := env2.chunkRepo.rows[victim]
	assert.False(t, exists)
	for id := range env2.chunkRepo.rows {
		_, ok := env2.index.upserts[id]
		assert.True(t, ok, "分块 %s 有元数据但没有向量", id)
	}
}
