// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 文档摄取状态机的各个状态。FAILED 可从任意非终态进入。
const (
	StatusPending    = "PENDING"
	StatusLoading    = "LOADING"
	StatusExtracting = "EXTRACTING"
	StatusChunking   = "CHUNKING"
	StatusEmbedding  = "EMBEDDING"
	StatusIndexing   = "INDEXING"
	StatusReady      = "READY"
	StatusFailed     = "FAILED"
)

// Document 对应于数据库中的 documents 表，记录每个已上传文档的元数据与摄取状态。
type Document struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	FileMD5      string    `gorm:"type:varchar(32);not null;index" json:"fileMd5"`
	FileName     string    `gorm:"type:varchar(255);not null" json:"fileName"`
	MimeType     string    `gorm:"type:varchar(100);not null" json:"mimeType"`
	ObjectName   string    `gorm:"type:varchar(255);not null" json:"objectName"` // MinIO 中的原始文件对象名
	Status       string    `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	FailedStage  string    `gorm:"type:varchar(20)" json:"failedStage,omitempty"`
	FailureCause string    `gorm:"type:text" json:"failureCause,omitempty"`
	UserID       uint      `gorm:"not null;index" json:"userId"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Page 对应于数据库中的 pages 表。由文本提取阶段写入，写入后不可变。
type Page struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;index" json:"documentId"`
	PageNo     int       `gorm:"not null" json:"pageNo"`
	// HasTextLayer 表示该页自带文本层，可直接提取而无需 OCR。
	HasTextLayer bool    `gorm:"not null;default:false" json:"hasTextLayer"`
	Text         string  `gorm:"type:longtext" json:"text"`
	Confidence   float64 `gorm:"not null;default:0" json:"confidence"`
	// Failed 表示该页在重试后仍提取失败，其余页面照常处理。
	Failed    bool      `gorm:"not null;default:false" json:"failed"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Page) TableName() string {
	return "pages"
}

// Chunk 对应于数据库中的 chunks 表。
// ChunkID 由文档 ID、偏移区间与内容哈希确定性派生，保证重复摄取的幂等性。
// Vector 冗余保存一份向量，供索引损坏后的 rebuild 使用。
type Chunk struct {
	ChunkID      string    `gorm:"type:varchar(64);primaryKey;column:chunk_id" json:"chunkId"`
	DocumentID   string    `gorm:"type:varchar(64);not null;index" json:"documentId"`
	PageStart    int       `gorm:"not null" json:"pageStart"`
	PageEnd      int       `gorm:"not null" json:"pageEnd"`
	StartOffset  int       `gorm:"not null" json:"startOffset"` // 全文中的 rune 偏移
	EndOffset    int       `gorm:"not null" json:"endOffset"`
	TextContent  string    `gorm:"type:text" json:"textContent"`
	TokenCount   int       `gorm:"not null" json:"tokenCount"`
	ModelVersion string    `gorm:"type:varchar(50)" json:"modelVersion"`
	Vector       []float32 `gorm:"serializer:json;type:longtext" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "chunks"
}
