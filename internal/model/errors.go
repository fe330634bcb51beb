// Package model 包含了应用的数据模型定义。
package model

import "errors"

// 摄取与查询流程中使用的错误分类。
// 结构性错误（格式不支持、输入损坏、页面永久失败）会让文档进入 FAILED 状态；
// 瞬时错误（网络超时、限流）在各自的客户端内部做有界重试，不在此列。
var (
	// ErrUnsupportedFormat 表示文档的 MIME 类型不受支持（文档级，致命）。
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptInput 表示文档无法完整解析出页面（文档级，致命，不返回部分页）。
	ErrCorruptInput = errors.New("corrupt document input")
	// ErrExtractionFailed 表示单页 OCR 在重试后仍低于置信度阈值（页级，非致命）。
	ErrExtractionFailed = errors.New("text extraction failed")
	// ErrEmbeddingFailed 表示分块在批次减半重试后仍然向量化失败。
	ErrEmbeddingFailed = errors.New("embedding failed")
	// ErrModelVersionMismatch 表示查询使用的向量模型与索引命名空间不一致（查询级，致命）。
	ErrModelVersionMismatch = errors.New("embedding model version mismatch")
	// ErrIndexInconsistency 表示向量索引与元数据存储出现不一致，需要触发重建。
	ErrIndexInconsistency = errors.New("index inconsistency detected")
	// ErrGenerationFailed 表示生成服务在重试后仍然失败，不得伪造答案。
	ErrGenerationFailed = errors.New("answer generation failed")
)
