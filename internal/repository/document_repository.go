// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"docqa-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 接口定义了对 documents 表的数据操作。
type DocumentRepository interface {
	Create(doc *model.Document) error
	FindByID(id string) (*model.Document, error)
	FindByMD5AndUser(fileMD5 string, userID uint) (*model.Document, error)
	FindByUserID(userID uint) ([]model.Document, error)
	UpdateStatus(id, status string) error
	MarkFailed(id, stage, cause string) error
	Update(doc *model.Document) error
	Delete(id string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 创建一条新的文档记录。
func (r *documentRepository) Create(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByID 根据文档 ID 查找文档记录。
func (r *documentRepository) FindByID(id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("id = ?", id).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByMD5AndUser 根据文件内容 MD5 和用户 ID 查找文档记录，用于重复上传检测。
func (r *documentRepository) FindByMD5AndUser(fileMD5 string, userID uint) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("file_md5 = ? AND user_id = ?", fileMD5, userID).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByUserID 查找指定用户的所有文档。
func (r *documentRepository) FindByUserID(userID uint) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Find(&docs).Error
	return docs, err
}

// UpdateStatus 更新文档的摄取状态，同时清空失败信息。
func (r *documentRepository) UpdateStatus(id, status string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "failed_stage": "", "failure_cause": ""}).Error
}

// MarkFailed 将文档标记为失败，并记录失败阶段与原因。
func (r *documentRepository) MarkFailed(id, stage, cause string) error {
	return r.db.Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"failed_stage":  stage,
			"failure_cause": cause,
		}).Error
}

// Update 保存文档记录的全部字段。
func (r *documentRepository) Update(doc *model.Document) error {
	return r.db.Save(doc).Error
}

// Delete 删除文档记录。
func (r *documentRepository) Delete(id string) error {
	return r.db.Where("id = ?", id).Delete(&model.Document{}).Error
}
