package repository

import (
	"docqa-go/internal/model"

	"gorm.io/gorm"
)

// ChunkRepository 接口定义了对 chunks 表的数据操作。
type ChunkRepository interface {
	Create(chunk *model.Chunk) error
	FindByDocumentID(documentID string) ([]model.Chunk, error)
	FindByIDs(chunkIDs []string) ([]model.Chunk, error)
	Delete(chunkID string) error
	DeleteByDocumentID(documentID string) error
	// FindPage 分页遍历全部分块（含向量），供索引重建使用。
	FindPage(offset, limit int) ([]model.Chunk, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// Create 创建一条分块记录。
func (r *chunkRepository) Create(chunk *model.Chunk) error {
	return r.db.Create(chunk).Error
}

// FindByDocumentID 根据文档 ID 查找所有分块记录，按偏移排序。
func (r *chunkRepository) FindByDocumentID(documentID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Where("document_id = ?", documentID).Order("start_offset asc").Find(&chunks).Error
	return chunks, err
}

// FindByIDs 批量查找分块记录。
func (r *chunkRepository) FindByIDs(chunkIDs []string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	if len(chunkIDs) == 0 {
		return chunks, nil
	}
	err := r.db.Where("chunk_id IN ?", chunkIDs).Find(&chunks).Error
	return chunks, err
}

// Delete 删除单条分块记录（索引写入失败时的元数据回滚）。
func (r *chunkRepository) Delete(chunkID string) error {
	return r.db.Where("chunk_id = ?", chunkID).Delete(&model.Chunk{}).Error
}

// DeleteByDocumentID 删除文档的所有分块记录。
func (r *chunkRepository) DeleteByDocumentID(documentID string) error {
	return r.db.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error
}

// FindPage 按主键顺序分页返回分块记录。
func (r *chunkRepository) FindPage(offset, limit int) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.Order("chunk_id asc").Offset(offset).Limit(limit).Find(&chunks).Error
	return chunks, err
}
