package model

// 答案的溯源状态。系统绝不在溯源状态未知的情况下返回生成内容。
const (
	// GroundingGrounded 表示答案内容可追溯到具体检索分块。
	GroundingGrounded = "grounded"
	// GroundingUngrounded 表示检索为空，答案来自模型通用知识并被显式标记。
	GroundingUngrounded = "ungrounded"
	// GroundingRefused 表示检索为空且配置为拒答。
	GroundingRefused = "refused"
)

// Answer 是一次问答的最终结果。除非显式缓存，否则不持久化。
type Answer struct {
	ID           string           `json:"id"`
	Text         string           `json:"text"`
	Grounding    string           `json:"grounding"`
	Citations    []string         `json:"citations"` // 被引用的 chunk id，按引用顺序
	Sources      []RetrievedChunk `json:"sources,omitempty"`
	LatencyMs    int64            `json:"latencyMs"`
	ModelVersion string           `json:"modelVersion"`
}
