package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/log"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tasks"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDocumentNotFound 表示文档不存在或不属于当前用户。
var ErrDocumentNotFound = errors.New("文档不存在")

// IndexAdmin 抽象了摄取服务需要的索引管理操作。
type IndexAdmin interface {
	Delete(ctx context.Context, modelVersion, chunkID string) error
	Rebuild(ctx context.Context, modelVersion string, source es.ChunkSource) error
}

// IngestService 定义了文档管理与摄取相关的业务逻辑接口。
type IngestService interface {
	// Ingest 接收一份原始文档，登记元数据并投递异步摄取任务。
	// 同一用户重复上传相同内容时复用已有文档记录，触发一次幂等的重新摄取。
	Ingest(ctx context.Context, userID uint, fileName, mimeType string, data []byte) (*model.Document, error)
	Status(userID uint, documentID string) (*model.Document, []model.Page, error)
	ListDocuments(userID uint) ([]model.Document, error)
	// Delete 移除文档及其全部派生数据：先删索引中的向量，再删元数据，最后删原始文件。
	Delete(ctx context.Context, userID uint, documentID string) error
	DownloadURL(userID uint, documentID string) (string, error)
	// RebuildIndex 从元数据存储中冗余保存的向量重建当前模型版本的索引。
	RebuildIndex(ctx context.Context) error
}

type ingestService struct {
	docRepo         repository.DocumentRepository
	pageRepo        repository.PageRepository
	chunkRepo       repository.ChunkRepository
	index           IndexAdmin
	embeddingClient embedding.Client
	minioCfg        config.MinIOConfig

	// produce 默认为 kafka.ProduceIngestTask，测试时可替换
	produce func(task tasks.IngestTask) error
}

// NewIngestService 创建一个新的 IngestService 实例。
func NewIngestService(
	docRepo repository.DocumentRepository,
	pageRepo repository.PageRepository,
	chunkRepo repository.ChunkRepository,
	index IndexAdmin,
	embeddingClient embedding.Client,
	minioCfg config.MinIOConfig,
) IngestService {
	return &ingestService{
		docRepo:         docRepo,
		pageRepo:        pageRepo,
		chunkRepo:       chunkRepo,
		index:           index,
		embeddingClient: embeddingClient,
		minioCfg:        minioCfg,
		produce:         kafka.ProduceIngestTask,
	}
}

// Ingest 登记文档并投递摄取任务。
func (s *ingestService) Ingest(ctx context.Context, userID uint, fileName, mimeType string, data []byte) (*model.Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: 文件内容为空", model.ErrCorruptInput)
	}

	fileMD5 := fmt.Sprintf("%x", md5.Sum(data))

	// 内容级去重：同一用户上传相同内容时复用文档记录
	existing, err := s.docRepo.FindByMD5AndUser(fileMD5, userID)
	if err == nil {
		log.Infof("[IngestService] 检测到重复上传, DocumentID: %s, UserID: %d", existing.ID, userID)
		if err := s.docRepo.UpdateStatus(existing.ID, model.StatusPending); err != nil {
			return nil, fmt.Errorf("更新文档状态失败: %w", err)
		}
		existing.Status = model.StatusPending
		if err := s.produce(tasks.IngestTask{
			DocumentID: existing.ID,
			ObjectName: existing.ObjectName,
			FileName:   existing.FileName,
			MimeType:   existing.MimeType,
			UserID:     userID,
			Reingest:   true,
		}); err != nil {
			return nil, fmt.Errorf("投递摄取任务失败: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询文档记录失败: %w", err)
	}

	objectName := fmt.Sprintf("documents/%d/%s", userID, fileMD5)
	if err := storage.PutObject(ctx, s.minioCfg.BucketName, objectName, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}

	doc := &model.Document{
		ID:         uuid.NewString(),
		FileMD5:    fileMD5,
		FileName:   fileName,
		MimeType:   mimeType,
		ObjectName: objectName,
		Status:     model.StatusPending,
		UserID:     userID,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	if err := s.produce(tasks.IngestTask{
		DocumentID: doc.ID,
		ObjectName: objectName,
		FileName:   fileName,
		MimeType:   mimeType,
		UserID:     userID,
	}); err != nil {
		return nil, fmt.Errorf("投递摄取任务失败: %w", err)
	}

	log.Infof("[IngestService] 文档已登记并投递摄取任务, DocumentID: %s, FileName: %s", doc.ID, fileName)
	return doc, nil
}

// Status 返回文档的摄取状态与页面明细。
func (s *ingestService) Status(userID uint, documentID string) (*model.Document, []model.Page, error) {
	doc, err := s.findOwned(userID, documentID)
	if err != nil {
		return nil, nil, err
	}
	pages, err := s.pageRepo.FindByDocumentID(documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("查询页面记录失败: %w", err)
	}
	return doc, pages, nil
}

// ListDocuments 返回用户的全部文档。
func (s *ingestService) ListDocuments(userID uint) ([]model.Document, error) {
	return s.docRepo.FindByUserID(userID)
}

// Delete 删除文档及其派生数据。
// 删除顺序固定为：索引向量 -> 分块元数据 -> 页面 -> 文档记录 -> 原始文件，
// 中途失败时索引中不会残留孤儿向量。
func (s *ingestService) Delete(ctx context.Context, userID uint, documentID string) error {
	doc, err := s.findOwned(userID, documentID)
	if err != nil {
		return err
	}

	chunks, err := s.chunkRepo.FindByDocumentID(documentID)
	if err != nil {
		return fmt.Errorf("查询分块记录失败: %w", err)
	}
	for _, chunk := range chunks {
		if err := s.index.Delete(ctx, chunk.ModelVersion, chunk.ChunkID); err != nil {
			return fmt.Errorf("删除向量 %s 失败: %w", chunk.ChunkID, err)
		}
	}

	if err := s.chunkRepo.DeleteByDocumentID(documentID); err != nil {
		return fmt.Errorf("删除分块记录失败: %w", err)
	}
	if err := s.pageRepo.DeleteByDocumentID(documentID); err != nil {
		return fmt.Errorf("删除页面记录失败: %w", err)
	}
	if err := s.docRepo.Delete(documentID); err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}

	if err := storage.RemoveObject(ctx, s.minioCfg.BucketName, doc.ObjectName); err != nil {
		// 原始文件删除失败不影响元数据一致性，记录后继续
		log.Warnf("[IngestService] 删除原始文件失败, ObjectName: %s, err: %v", doc.ObjectName, err)
	}

	log.Infof("[IngestService] 文档已删除, DocumentID: %s, 分块数: %d", documentID, len(chunks))
	return nil
}

// DownloadURL 为文档原始文件生成限时下载链接。
func (s *ingestService) DownloadURL(userID uint, documentID string) (string, error) {
	doc, err := s.findOwned(userID, documentID)
	if err != nil {
		return "", err
	}
	return storage.GetPresignedURL(s.minioCfg.BucketName, doc.ObjectName, 15*time.Minute)
}

// RebuildIndex 以元数据存储为数据源重建当前模型版本的索引命名空间。
func (s *ingestService) RebuildIndex(ctx context.Context) error {
	modelVersion := s.embeddingClient.ModelVersion()
	log.Infof("[IngestService] 开始重建索引, ModelVersion: %s", modelVersion)

	// 分块行不携带文件名与归属用户，按文档缓存一次查询结果
	docCache := make(map[string]*model.Document)
	source := func(offset, limit int) ([]model.EsChunk, error) {
		rows, err := s.chunkRepo.FindPage(offset, limit)
		if err != nil {
			return nil, err
		}
		chunks := make([]model.EsChunk, 0, len(rows))
		for _, row := range rows {
			doc, ok := docCache[row.DocumentID]
			if !ok {
				doc, err = s.docRepo.FindByID(row.DocumentID)
				if err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						// 文档记录缺失的分块仍然重建，避免丢失可检索内容
						log.Warnf("[IngestService] 分块缺少文档记录, ChunkID: %s, DocumentID: %s", row.ChunkID, row.DocumentID)
						doc = &model.Document{ID: row.DocumentID}
					} else {
						return nil, err
					}
				}
				docCache[row.DocumentID] = doc
			}
			chunks = append(chunks, model.EsChunk{
				ChunkID:      row.ChunkID,
				DocumentID:   row.DocumentID,
				FileName:     doc.FileName,
				PageStart:    row.PageStart,
				PageEnd:      row.PageEnd,
				TextContent:  row.TextContent,
				Vector:       row.Vector,
				ModelVersion: row.ModelVersion,
				UserID:       doc.UserID,
				IngestedAt:   row.CreatedAt,
			})
		}
		return chunks, nil
	}

	return s.index.Rebuild(ctx, modelVersion, source)
}

// findOwned 查找文档并校验归属。
func (s *ingestService) findOwned(userID uint, documentID string) (*model.Document, error) {
	doc, err := s.docRepo.FindByID(documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询文档记录失败: %w", err)
	}
	if doc.UserID != userID {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}
