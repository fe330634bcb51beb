package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultMaxContextChars = 6000
	defaultRefStart        = "【参考资料】"
	defaultRefEnd          = "【参考资料结束】"

	// refusalText 是拒答模式下返回的固定答案。
	refusalText = "抱歉，我在已上传的文档中没有找到与这个问题相关的内容，无法作答。"

	defaultRules = "你是一个严谨的文档问答助手。只依据给出的参考资料回答问题，" +
		"不要编造参考资料中不存在的内容。引用某条资料时在句末标注其编号，如 [1]。" +
		"回答的最后单独一行输出实际引用的资料编号，格式为：引用: [1][3]。" +
		"如果参考资料与问题无关，请直接说明无法从资料中得到答案。"

	generalRules = "你是一个文档问答助手。当前没有可用的参考资料，" +
		"请基于通用知识谨慎回答，并明确告知用户该回答未依据其上传的文档。"
)

var (
	citeTailRe = regexp.MustCompile(`(?m)^\s*引用[:：]\s*((?:\[\d+\][\s,，]*)+)\s*$`)
	citeMarkRe = regexp.MustCompile(`\[(\d+)\]`)
)

// AnswerService 定义了基于检索结果生成答案的业务逻辑接口。
type AnswerService interface {
	// Answer 检索相关分块并生成带引用的答案。
	Answer(ctx context.Context, query string, k int, filters model.QueryFilters) (*model.Answer, error)
	// StreamAnswer 与 Answer 流程一致，但生成内容以流式分块写入 writer，
	// 结束后返回汇总的完整答案（含引用与来源）。
	StreamAnswer(ctx context.Context, query string, k int, filters model.QueryFilters, writer llm.MessageWriter) (*model.Answer, error)
}

type answerService struct {
	retrieval RetrievalService
	llmClient llm.Client
	cfg       config.GenerationConfig
	llmModel  string
}

// NewAnswerService 创建一个新的 AnswerService 实例。
func NewAnswerService(retrieval RetrievalService, llmClient llm.Client, cfg config.GenerationConfig, llmModel string) AnswerService {
	return &answerService{
		retrieval: retrieval,
		llmClient: llmClient,
		cfg:       cfg,
		llmModel:  llmModel,
	}
}

// Answer 生成非流式答案。
func (s *answerService) Answer(ctx context.Context, query string, k int, filters model.QueryFilters) (*model.Answer, error) {
	start := time.Now()

	chunks, err := s.retrieval.Retrieve(ctx, query, k, filters)
	if err != nil {
		return nil, err
	}

	included, refs := s.buildContext(chunks)

	// 无可用上下文：按配置拒答或退化为通用回答
	if len(included) == 0 {
		if s.emptyContextMode() != "general" {
			return s.newAnswer(refusalText, model.GroundingRefused, nil, nil, start), nil
		}
		text, err := s.llmClient.Generate(ctx, []llm.Message{
			{Role: "system", Content: generalRules},
			{Role: "user", Content: query},
		}, nil)
		if err != nil {
			return nil, err
		}
		return s.newAnswer(text, model.GroundingUngrounded, nil, nil, start), nil
	}

	text, err := s.llmClient.Generate(ctx, s.buildMessages(query, refs), nil)
	if err != nil {
		return nil, err
	}

	citations, cleaned := parseCitations(text, included)
	return s.newAnswer(cleaned, model.GroundingGrounded, citations, included, start), nil
}

// StreamAnswer 生成流式答案，内容分块写入 writer。
func (s *answerService) StreamAnswer(ctx context.Context, query string, k int, filters model.QueryFilters, writer llm.MessageWriter) (*model.Answer, error) {
	start := time.Now()

	chunks, err := s.retrieval.Retrieve(ctx, query, k, filters)
	if err != nil {
		return nil, err
	}

	included, refs := s.buildContext(chunks)

	if len(included) == 0 {
		if s.emptyContextMode() != "general" {
			if err := writer.WriteMessage(websocket.TextMessage, []byte(refusalText)); err != nil {
				return nil, fmt.Errorf("写入拒答消息失败: %w", err)
			}
			return s.newAnswer(refusalText, model.GroundingRefused, nil, nil, start), nil
		}
		capture := &captureWriter{inner: writer}
		if err := s.llmClient.StreamChatMessages(ctx, []llm.Message{
			{Role: "system", Content: generalRules},
			{Role: "user", Content: query},
		}, nil, capture); err != nil {
			return nil, err
		}
		return s.newAnswer(capture.String(), model.GroundingUngrounded, nil, nil, start), nil
	}

	// 先下发溯源帧，客户端在内容到达前就能展示来源
	if err := s.writeSourcesFrame(writer, included); err != nil {
		return nil, err
	}

	capture := &captureWriter{inner: writer}
	if err := s.llmClient.StreamChatMessages(ctx, s.buildMessages(query, refs), nil, capture); err != nil {
		return nil, err
	}

	citations, cleaned := parseCitations(capture.String(), included)
	return s.newAnswer(cleaned, model.GroundingGrounded, citations, included, start), nil
}

// buildMessages 组装提示词：系统规则 + 编号参考资料 + 用户问题。
func (s *answerService) buildMessages(query, refs string) []llm.Message {
	rules := s.cfg.Rules
	if rules == "" {
		rules = defaultRules
	}
	refStart := s.cfg.RefStart
	if refStart == "" {
		refStart = defaultRefStart
	}
	refEnd := s.cfg.RefEnd
	if refEnd == "" {
		refEnd = defaultRefEnd
	}

	var sb strings.Builder
	sb.WriteString(refStart)
	sb.WriteString("\n")
	sb.WriteString(refs)
	sb.WriteString(refEnd)
	sb.WriteString("\n\n问题：")
	sb.WriteString(query)

	return []llm.Message{
		{Role: "system", Content: rules},
		{Role: "user", Content: sb.String()},
	}
}

// buildContext 按相关度顺序把分块装入上下文，超出长度上限时
// 先截断越界的那一条，其后的低相关分块整体丢弃。
func (s *answerService) buildContext(chunks []model.RetrievedChunk) ([]model.RetrievedChunk, string) {
	budget := s.cfg.MaxContextChars
	if budget <= 0 {
		budget = defaultMaxContextChars
	}

	var included []model.RetrievedChunk
	var sb strings.Builder
	used := 0
	for _, chunk := range chunks {
		text := chunk.TextContent
		runes := []rune(text)
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		if len(runes) > remaining {
			text = string(runes[:remaining])
		}

		entry := chunk
		entry.TextContent = text
		included = append(included, entry)
		used += len([]rune(text))

		sb.WriteString(fmt.Sprintf("[%d] (%s, 第%d-%d页) %s\n", len(included), chunk.FileName, chunk.PageStart, chunk.PageEnd, text))

		if used >= budget {
			break
		}
	}
	return included, sb.String()
}

// writeSourcesFrame 在流式内容开始前发送一条 JSON 溯源帧。
func (s *answerService) writeSourcesFrame(writer llm.MessageWriter, included []model.RetrievedChunk) error {
	frame, err := json.Marshal(map[string]interface{}{
		"type":    "sources",
		"sources": included,
	})
	if err != nil {
		return err
	}
	if err := writer.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("写入溯源帧失败: %w", err)
	}
	return nil
}

func (s *answerService) emptyContextMode() string {
	if s.cfg.EmptyContextMode == "general" {
		return "general"
	}
	return "refuse"
}

func (s *answerService) newAnswer(text, grounding string, citations []string, sources []model.RetrievedChunk, start time.Time) *model.Answer {
	if citations == nil {
		citations = []string{}
	}
	if sources == nil {
		sources = []model.RetrievedChunk{}
	}
	return &model.Answer{
		ID:           uuid.NewString(),
		Text:         text,
		Grounding:    grounding,
		Citations:    citations,
		Sources:      sources,
		LatencyMs:    time.Since(start).Milliseconds(),
		ModelVersion: s.llmModel,
	}
}

// parseCitations 从生成文本中提取引用的分块 ID。
// 优先解析结尾的结构化引用行（解析后从正文中移除），
// 其次扫描正文中的 [n] 标记，都没有时保守地引用全部上下文分块。
func parseCitations(text string, included []model.RetrievedChunk) ([]string, string) {
	var markers string
	cleaned := text

	if m := citeTailRe.FindStringSubmatchIndex(text); m != nil {
		markers = text[m[2]:m[3]]
		cleaned = strings.TrimSpace(text[:m[0]] + text[m[1]:])
	} else {
		markers = text
	}

	seen := make(map[int]struct{})
	var citations []string
	for _, match := range citeMarkRe.FindAllStringSubmatch(markers, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(included) {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		citations = append(citations, included[n-1].ChunkID)
	}

	if len(citations) == 0 {
		log.Debugf("[AnswerService] 生成文本中没有引用标记，回退为引用全部上下文分块")
		for _, chunk := range included {
			citations = append(citations, chunk.ChunkID)
		}
	}
	return citations, cleaned
}

// captureWriter 在转发流式消息的同时拼接完整答案文本。
type captureWriter struct {
	inner llm.MessageWriter
	buf   strings.Builder
}

func (w *captureWriter) WriteMessage(messageType int, data []byte) error {
	if messageType == websocket.TextMessage {
		w.buf.Write(data)
	}
	return w.inner.WriteMessage(messageType, data)
}

func (w *captureWriter) String() string {
	return w.buf.String()
}
