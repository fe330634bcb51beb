// Package pipeline 定义了文档摄取的核心流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docqa-go/internal/chunker"
	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/loader"
	"docqa-go/pkg/log"
	"docqa-go/pkg/ocr"
	"docqa-go/pkg/tasks"
)

// VectorIndex 抽象了摄取阶段需要的向量索引写入操作。
type VectorIndex interface {
	Upsert(ctx context.Context, chunk model.EsChunk) error
	Delete(ctx context.Context, modelVersion, chunkID string) error
}

// ObjectFetcher 抽象了原始文档字节的读取。
type ObjectFetcher interface {
	Fetch(ctx context.Context, objectName string) ([]byte, error)
}

// Processor 封装了文档摄取的所有依赖和逻辑。
// 每个文档独立走完 Pending → Loading → Extracting → Chunking → Embedding →
// Indexing → Ready 的状态机；结构性错误让文档进入 Failed 并携带失败阶段与原因。
type Processor struct {
	ocrClient       ocr.Client
	embeddingClient embedding.Client
	index           VectorIndex
	objects         ObjectFetcher
	docRepo         repository.DocumentRepository
	pageRepo        repository.PageRepository
	chunkRepo       repository.ChunkRepository
	leaseRepo       repository.LeaseRepository
	splitter        *chunker.Splitter
	pipelineCfg     config.PipelineConfig
	ocrCfg          config.OCRConfig

	// load 默认为 loader.Load，测试时可替换
	load func(data []byte, mimeType string) ([]loader.Page, error)
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	ocrClient ocr.Client,
	embeddingClient embedding.Client,
	index VectorIndex,
	objects ObjectFetcher,
	docRepo repository.DocumentRepository,
	pageRepo repository.PageRepository,
	chunkRepo repository.ChunkRepository,
	leaseRepo repository.LeaseRepository,
	pipelineCfg config.PipelineConfig,
	ocrCfg config.OCRConfig,
) *Processor {
	return &Processor{
		ocrClient:       ocrClient,
		embeddingClient: embeddingClient,
		index:           index,
		objects:         objects,
		docRepo:         docRepo,
		pageRepo:        pageRepo,
		chunkRepo:       chunkRepo,
		leaseRepo:       leaseRepo,
		splitter:        chunker.New(pipelineCfg.ChunkSize, pipelineCfg.ChunkOverlap),
		pipelineCfg:     pipelineCfg,
		ocrCfg:          ocrCfg,
		load:            loader.Load,
	}
}

// Process 是文档摄取的主函数。返回 error 表示瞬时失败，任务会被重新投递；
// 结构性失败会把文档标记为 Failed 并返回 nil，终止重试。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理文档, DocumentID: %s, FileName: %s", task.DocumentID, task.FileName)

	// 获取该文档的摄取租约，阻止并发摄取竞争索引写入
	leaseTTL := time.Duration(p.pipelineCfg.LeaseTTLSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	lease, ok, err := p.leaseRepo.Acquire(ctx, task.DocumentID, leaseTTL)
	if err != nil {
		return fmt.Errorf("获取摄取租约失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("文档 %s 正在被另一次摄取处理", task.DocumentID)
	}
	// 无论成功失败都释放租约
	defer func() {
		if err := p.leaseRepo.Release(context.Background(), task.DocumentID, lease); err != nil {
			log.Warnf("[Processor] 释放摄取租约失败, DocumentID: %s, err: %v", task.DocumentID, err)
		}
	}()

	doc, err := p.docRepo.FindByID(task.DocumentID)
	if err != nil {
		return fmt.Errorf("查询文档记录失败: %w", err)
	}

	// 1. 加载：下载原始文件并解析页面
	p.setStatus(doc.ID, model.StatusLoading)
	data, err := p.objects.Fetch(ctx, doc.ObjectName)
	if err != nil {
		return fmt.Errorf("下载原始文件失败: %w", err)
	}
	if len(data) == 0 {
		p.markFailed(doc.ID, model.StatusLoading, fmt.Errorf("%w: 文件内容为空", model.ErrCorruptInput))
		return nil
	}

	pages, err := p.load(data, doc.MimeType)
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedFormat) || errors.Is(err, model.ErrCorruptInput) {
			// 结构性错误：标记失败并终止重试
			p.markFailed(doc.ID, model.StatusLoading, err)
			return nil
		}
		return fmt.Errorf("解析页面失败: %w", err)
	}
	log.Infof("[Processor] 加载完成, DocumentID: %s, 共 %d 页", doc.ID, len(pages))

	// 2. 提取：逐页取得文本，单页失败不影响其余页面
	p.setStatus(doc.ID, model.StatusExtracting)
	pageRecords, okPages := p.extractPages(ctx, doc, data, pages)
	// 重新摄取前清理旧页面记录（幂等）
	if err := p.pageRepo.DeleteByDocumentID(doc.ID); err != nil {
		return fmt.Errorf("清理旧页面记录失败: %w", err)
	}
	if err := p.pageRepo.BatchCreate(pageRecords); err != nil {
		return fmt.Errorf("保存页面记录失败: %w", err)
	}
	if okPages == 0 {
		p.markFailed(doc.ID, model.StatusExtracting, fmt.Errorf("%w: 所有页面提取失败", model.ErrExtractionFailed))
		return nil
	}
	log.Infof("[Processor] 提取完成, DocumentID: %s, 成功 %d/%d 页", doc.ID, okPages, len(pageRecords))

	// 3. 切块
	p.setStatus(doc.ID, model.StatusChunking)
	var pageTexts []chunker.PageText
	for _, rec := range pageRecords {
		if rec.Failed {
			continue
		}
		pageTexts = append(pageTexts, chunker.PageText{Number: rec.PageNo, Text: rec.Text})
	}
	newChunks := p.splitter.Split(doc.ID, pageTexts)
	if len(newChunks) == 0 {
		p.markFailed(doc.ID, model.StatusChunking, fmt.Errorf("%w: 未生成任何文本分块", model.ErrExtractionFailed))
		return nil
	}
	log.Infof("[Processor] 切块完成, DocumentID: %s, 共 %d 个分块", doc.ID, len(newChunks))

	// 4. 向量化：与既有分块做差分，内容未变的分块不重复向量化
	p.setStatus(doc.ID, model.StatusEmbedding)
	existing, err := p.chunkRepo.FindByDocumentID(doc.ID)
	if err != nil {
		return fmt.Errorf("查询既有分块失败: %w", err)
	}
	existingByID := make(map[string]model.Chunk, len(existing))
	for _, c := range existing {
		existingByID[c.ChunkID] = c
	}

	modelVersion := p.embeddingClient.ModelVersion()
	newIDs := make(map[string]struct{}, len(newChunks))
	var toAdd []chunker.Chunk
	for _, c := range newChunks {
		newIDs[c.ID] = struct{}{}
		if prev, found := existingByID[c.ID]; found && prev.ModelVersion == modelVersion {
			continue // 内容与模型版本都未变
		}
		toAdd = append(toAdd, c)
	}
	log.Infof("[Processor] 差分结果, DocumentID: %s, 新增/变更 %d, 未变 %d", doc.ID, len(toAdd), len(newChunks)-len(toAdd))

	var vectors [][]float32
	if len(toAdd) > 0 {
		texts := make([]string, len(toAdd))
		for i, c := range toAdd {
			texts[i] = c.Text
		}
		vectors, err = p.embeddingClient.EmbedBatch(ctx, texts)
		if err != nil {
			if errors.Is(err, model.ErrEmbeddingFailed) {
				p.markFailed(doc.ID, model.StatusEmbedding, err)
				return nil
			}
			return fmt.Errorf("分块向量化失败: %w", err)
		}
	}

	// 5. 索引：元数据先行，索引写入失败时回滚元数据
	p.setStatus(doc.ID, model.StatusIndexing)
	now := time.Now()
	for i, c := range toAdd {
		record := &model.Chunk{
			ChunkID:      c.ID,
			DocumentID:   doc.ID,
			PageStart:    c.PageStart,
			PageEnd:      c.PageEnd,
			StartOffset:  c.StartOffset,
			EndOffset:    c.EndOffset,
			TextContent:  c.Text,
			TokenCount:   c.TokenCount,
			ModelVersion: modelVersion,
			Vector:       vectors[i],
		}
		// 同 ID 旧版本记录先清理（例如模型版本升级后的重建）
		if _, found := existingByID[c.ID]; found {
			if err := p.chunkRepo.Delete(c.ID); err != nil {
				return fmt.Errorf("清理旧分块记录失败: %w", err)
			}
		}
		if err := p.chunkRepo.Create(record); err != nil {
			return fmt.Errorf("保存分块元数据失败: %w", err)
		}

		esChunk := model.EsChunk{
			ChunkID:      c.ID,
			DocumentID:   doc.ID,
			FileName:     doc.FileName,
			PageStart:    c.PageStart,
			PageEnd:      c.PageEnd,
			TextContent:  c.Text,
			Vector:       vectors[i],
			ModelVersion: modelVersion,
			UserID:       doc.UserID,
			IngestedAt:   now,
		}
		if err := p.index.Upsert(ctx, esChunk); err != nil {
			// 回滚元数据，避免出现无向量的已提交记录
			if rbErr := p.chunkRepo.Delete(c.ID); rbErr != nil {
				log.Errorf("[Processor] 回滚分块元数据失败, ChunkID: %s, err: %v", c.ID, rbErr)
			}
			return fmt.Errorf("索引分块 %s 失败: %w", c.ID, err)
		}
	}

	// 6. 清理陈旧分块：先删向量再删元数据，保证索引中不残留孤儿向量
	for id, prev := range existingByID {
		if _, keep := newIDs[id]; keep {
			continue
		}
		if err := p.index.Delete(ctx, prev.ModelVersion, id); err != nil {
			return fmt.Errorf("删除陈旧向量 %s 失败: %w", id, err)
		}
		if err := p.chunkRepo.Delete(id); err != nil {
			return fmt.Errorf("删除陈旧分块记录 %s 失败: %w", id, err)
		}
	}

	p.setStatus(doc.ID, model.StatusReady)
	log.Infof("[Processor] 文档摄取完成, DocumentID: %s", doc.ID)
	return nil
}

// setStatus 更新文档状态并记录日志。
func (p *Processor) setStatus(docID, status string) {
	if err := p.docRepo.UpdateStatus(docID, status); err != nil {
		log.Warnf("[Processor] 更新文档状态失败, DocumentID: %s, status: %s, err: %v", docID, status, err)
		return
	}
	log.Infof("[Processor] 文档状态变更, DocumentID: %s -> %s", docID, status)
}

// markFailed 将文档标记为失败，携带失败阶段与原因。
func (p *Processor) markFailed(docID, stage string, cause error) {
	log.Errorf("[Processor] 文档摄取失败, DocumentID: %s, stage: %s, cause: %v", docID, stage, cause)
	if err := p.docRepo.MarkFailed(docID, stage, cause.Error()); err != nil {
		log.Errorf("[Processor] 标记文档失败状态时出错, DocumentID: %s, err: %v", docID, err)
	}
}
