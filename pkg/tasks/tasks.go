// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask represents the data structure for a document ingestion job.
type IngestTask struct {
	DocumentID string `json:"document_id"`
	ObjectName string `json:"object_name"` // MinIO 中的原始文件对象名
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	UserID     uint   `json:"user_id"`
	Reingest   bool   `json:"reingest"` // 重新摄取已存在的文档
}
