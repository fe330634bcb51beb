package model

import "time"

// EsChunk 代表存储在 Elasticsearch 向量索引中的文档结构。
// 物理索引按 ModelVersion 划分命名空间，避免跨模型版本的相似度比较。
type EsChunk struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	FileName     string    `json:"file_name"`
	PageStart    int       `json:"page_start"`
	PageEnd      int       `json:"page_end"`
	TextContent  string    `json:"text_content"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	UserID       uint      `json:"user_id"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// QueryFilters 限定检索范围的可选过滤条件。
type QueryFilters struct {
	DocumentIDs []string   `json:"documentIds,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	// UserID 由服务端根据登录用户填充，不接受外部传入。
	UserID uint `json:"-"`
}

// RetrievedChunk 是一次检索返回的单条结果，按相似度降序排列。
type RetrievedChunk struct {
	ChunkID     string  `json:"chunkId"`
	DocumentID  string  `json:"documentId"`
	FileName    string  `json:"fileName"`
	PageStart   int     `json:"pageStart"`
	PageEnd     int     `json:"pageEnd"`
	TextContent string  `json:"textContent"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}
