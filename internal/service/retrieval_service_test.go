package service

import (
	"context"
	"testing"

	"docqa-go/internal/config"
	"docqa-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	version string
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.5, 0.5}, nil
}
func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.5, 0.5}
	}
	return vectors, nil
}
func (s *stubEmbedder) ModelVersion() string { return s.version }

type stubSearchIndex struct {
	active  string
	results []model.RetrievedChunk
	lastK   int
}

func (s *stubSearchIndex) Search(ctx context.Context, modelVersion string, vector []float32, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error) {
	s.lastK = k
	if len(s.results) > k {
		return s.results[:k], nil
	}
	return s.results, nil
}
func (s *stubSearchIndex) ActiveModelVersion(ctx context.Context) (string, error) {
	return s.active, nil
}

// stubChunkRepo 默认认为索引命中的所有分块都有元数据。
type stubChunkRepo struct {
	missing map[string]bool
}

func (s *stubChunkRepo) Create(chunk *model.Chunk) error { return nil }
func (s *stubChunkRepo) FindByDocumentID(documentID string) ([]model.Chunk, error) {
	return nil, nil
}
func (s *stubChunkRepo) FindByIDs(chunkIDs []string) ([]model.Chunk, error) {
	var rows []model.Chunk
	for _, id := range chunkIDs {
		if s.missing[id] {
			continue
		}
		rows = append(rows, model.Chunk{ChunkID: id})
	}
	return rows, nil
}
func (s *stubChunkRepo) Delete(chunkID string) error               { return nil }
func (s *stubChunkRepo) DeleteByDocumentID(documentID string) error { return nil }
func (s *stubChunkRepo) FindPage(offset, limit int) ([]model.Chunk, error) {
	return nil, nil
}

func retrievedChunk(id string, score float64) model.RetrievedChunk {
	return model.RetrievedChunk{
		ChunkID:     id,
		DocumentID:  "doc-1",
		FileName:    "report.pdf",
		TextContent: "分块 " + id + " 的内容",
		Score:       score,
	}
}

func newRetrievalForTest(index *stubSearchIndex, repo *stubChunkRepo, cfg config.RetrievalConfig) *retrievalService {
	return &retrievalService{
		embeddingClient: &stubEmbedder{version: "embed-v1"},
		index:           index,
		chunkRepo:       repo,
		cfg:             cfg,
	}
}

func TestRetrieveFewerEligibleThanK(t *testing.T) {
	index := &stubSearchIndex{
		active: "embed-v1",
		results: []model.RetrievedChunk{
			retrievedChunk("c1", 0.95),
			retrievedChunk("c2", 0.90),
			retrievedChunk("c3", 0.85),
		},
	}
	svc := newRetrievalForTest(index, &stubChunkRepo{}, config.RetrievalConfig{MinSimilarity: 0.5})

	results, err := svc.Retrieve(context.Background(), "测试查询", 5, model.QueryFilters{UserID: 1})
	require.NoError(t, err)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestRetrieveEmptyIndexReturnsEmptySlice(t *testing.T) {
	index := &stubSearchIndex{active: "embed-v1"}
	svc := newRetrievalForTest(index, &stubChunkRepo{}, config.RetrievalConfig{})

	results, err := svc.Retrieve(context.Background(), "没有任何文档", 5, model.QueryFilters{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveAppliesSimilarityThreshold(t *testing.T) {
	index := &stubSearchIndex{
		active: "embed-v1",
		results: []model.RetrievedChunk{
			retrievedChunk("c1", 0.92),
			retrievedChunk("c2", 0.40),
		},
	}
	svc := newRetrievalForTest(index, &stubChunkRepo{}, config.RetrievalConfig{MinSimilarity: 0.6})

	results, err := svc.Retrieve(context.Background(), "阈值测试", 5, model.QueryFilters{})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestRetrieveModelVersionMismatch(t *testing.T) {
	index := &stubSearchIndex{active: "embed-v0"}
	svc := newRetrievalForTest(index, &stubChunkRepo{}, config.RetrievalConfig{})

	_, err := svc.Retrieve(context.Background(), "版本不一致", 5, model.QueryFilters{})
	require.ErrorIs(t, err, model.ErrModelVersionMismatch)
}

func TestRetrieveEmptyQueryRejected(t *testing.T) {
	svc := newRetrievalForTest(&stubSearchIndex{active: "embed-v1"}, &stubChunkRepo{}, config.RetrievalConfig{})

	_, err := svc.Retrieve(context.Background(), "   ", 5, model.QueryFilters{})
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRetrieveDropsOrphansAndTriggersCallback(t *testing.T) {
	index := &stubSearchIndex{
		active: "embed-v1",
		results: []model.RetrievedChunk{
			retrievedChunk("c1", 0.95),
			retrievedChunk("ghost", 0.93),
			retrievedChunk("c2", 0.90),
		},
	}
	// 通过构造函数注入回调，保证对外装配路径是通的
	triggered := false
	svc := NewRetrievalService(
		&stubEmbedder{version: "embed-v1"},
		index,
		&stubChunkRepo{missing: map[string]bool{"ghost": true}},
		config.RetrievalConfig{},
		func() { triggered = true },
	)

	results, err := svc.Retrieve(context.Background(), "孤儿向量", 5, model.QueryFilters{})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "c2", results[1].ChunkID)
	assert.Equal(t, []int{1, 2}, []int{results[0].Rank, results[1].Rank})
	assert.True(t, triggered, "发现孤儿向量时应触发不一致回调")
}

func TestRetrieveRerankExpandsCandidates(t *testing.T) {
	index := &stubSearchIndex{
		active: "embed-v1",
		results: []model.RetrievedChunk{
			{ChunkID: "c1", TextContent: "完全无关的内容", Score: 0.95},
			{ChunkID: "c2", TextContent: "合同解除的违约责任条款", Score: 0.90},
		},
	}
	svc := newRetrievalForTest(index, &stubChunkRepo{}, config.RetrievalConfig{
		RerankEnabled:       true,
		CandidateMultiplier: 4,
	})

	results, err := svc.Retrieve(context.Background(), "违约责任", 2, model.QueryFilters{})
	require.NoError(t, err)

	// 召回扩大为 k * multiplier
	assert.Equal(t, 8, index.lastK)
	// 词面重合度更高的分块排到前面
	require.Len(t, results, 2)
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.Equal(t, 1, results[0].Rank)
}

func TestTokenizeSplitsHanPerRune(t *testing.T) {
	tokens := tokenize("违约 liability 2024")
	assert.Contains(t, tokens, "违")
	assert.Contains(t, tokens, "约")
	assert.Contains(t, tokens, "liability")
	assert.Contains(t, tokens, "2024")
}
