package repository

import (
	"docqa-go/internal/model"

	"gorm.io/gorm"
)

// PageRepository 接口定义了对 pages 表的数据操作。
type PageRepository interface {
	BatchCreate(pages []*model.Page) error
	FindByDocumentID(documentID string) ([]model.Page, error)
	DeleteByDocumentID(documentID string) error
}

type pageRepository struct {
	db *gorm.DB
}

// NewPageRepository 创建一个新的 PageRepository 实例。
func NewPageRepository(db *gorm.DB) PageRepository {
	return &pageRepository{db: db}
}

// BatchCreate 批量创建页面记录。
func (r *pageRepository) BatchCreate(pages []*model.Page) error {
	if len(pages) == 0 {
		return nil
	}
	return r.db.CreateInBatches(pages, 100).Error
}

// FindByDocumentID 按页码顺序返回文档的所有页面。
func (r *pageRepository) FindByDocumentID(documentID string) ([]model.Page, error) {
	var pages []model.Page
	err := r.db.Where("document_id = ?", documentID).Order("page_no asc").Find(&pages).Error
	return pages, err
}

// DeleteByDocumentID 删除文档的所有页面记录（重新摄取前的清理，幂等）。
func (r *pageRepository) DeleteByDocumentID(documentID string) error {
	return r.db.Where("document_id = ?", documentID).Delete(&model.Page{}).Error
}
