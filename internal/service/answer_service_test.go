package service

import (
	"context"
	"strings"
	"testing"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/llm"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetrieval struct {
	chunks []model.RetrievedChunk
	err    error
}

func (f *fakeRetrieval) Retrieve(ctx context.Context, query string, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error) {
	return f.chunks, f.err
}

type fakeLLMClient struct {
	generateCalls int
	lastMessages  []llm.Message
	response      string
	streamChunks  []string
}

func (f *fakeLLMClient) Generate(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	f.generateCalls++
	f.lastMessages = messages
	return f.response, nil
}

func (f *fakeLLMClient) StreamChatMessages(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.MessageWriter) error {
	f.lastMessages = messages
	for _, chunk := range f.streamChunks {
		if err := writer.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
			return err
		}
	}
	return nil
}

type collectWriter struct {
	frames []string
}

func (w *collectWriter) WriteMessage(messageType int, data []byte) error {
	w.frames = append(w.frames, string(data))
	return nil
}

func sourceChunk(id, text string, rank int) model.RetrievedChunk {
	return model.RetrievedChunk{
		ChunkID:     id,
		DocumentID:  "doc-1",
		FileName:    "report.pdf",
		PageStart:   1,
		PageEnd:     2,
		TextContent: text,
		Score:       0.9,
		Rank:        rank,
	}
}

func newAnswerForTest(retrieval RetrievalService, llmClient llm.Client, cfg config.GenerationConfig) AnswerService {
	return NewAnswerService(retrieval, llmClient, cfg, "chat-v1")
}

func TestAnswerRefusesOnEmptyContext(t *testing.T) {
	llmClient := &fakeLLMClient{}
	svc := newAnswerForTest(&fakeRetrieval{}, llmClient, config.GenerationConfig{EmptyContextMode: "refuse"})

	answer, err := svc.Answer(context.Background(), "无关问题", 5, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, model.GroundingRefused, answer.Grounding)
	assert.Equal(t, refusalText, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, answer.Sources)
	// 拒答不调用生成服务
	assert.Zero(t, llmClient.generateCalls)
}

func TestAnswerGeneralModeOnEmptyContext(t *testing.T) {
	llmClient := &fakeLLMClient{response: "这是通用回答。"}
	svc := newAnswerForTest(&fakeRetrieval{}, llmClient, config.GenerationConfig{EmptyContextMode: "general"})

	answer, err := svc.Answer(context.Background(), "通用问题", 5, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, model.GroundingUngrounded, answer.Grounding)
	assert.Equal(t, "这是通用回答。", answer.Text)
	assert.Equal(t, 1, llmClient.generateCalls)
	// 通用模式下提示词不包含参考资料段
	require.Len(t, llmClient.lastMessages, 2)
	assert.NotContains(t, llmClient.lastMessages[1].Content, defaultRefStart)
}

func TestAnswerGroundedWithStructuredCitations(t *testing.T) {
	retrieval := &fakeRetrieval{chunks: []model.RetrievedChunk{
		sourceChunk("c1", "违约金上限为合同总价的百分之二十。", 1),
		sourceChunk("c2", "解除合同需提前三十日书面通知。", 2),
	}}
	llmClient := &fakeLLMClient{response: "根据合同约定，违约金不超过总价的20% [1]。\n引用: [1]"}
	svc := newAnswerForTest(retrieval, llmClient, config.GenerationConfig{})

	answer, err := svc.Answer(context.Background(), "违约金上限是多少", 5, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, model.GroundingGrounded, answer.Grounding)
	assert.Equal(t, []string{"c1"}, answer.Citations)
	assert.NotContains(t, answer.Text, "引用:")
	assert.Len(t, answer.Sources, 2)
	assert.Equal(t, "chat-v1", answer.ModelVersion)
	assert.GreaterOrEqual(t, answer.LatencyMs, int64(0))

	// 提示词包含编号参考资料与页码来源
	require.Len(t, llmClient.lastMessages, 2)
	userContent := llmClient.lastMessages[1].Content
	assert.Contains(t, userContent, defaultRefStart)
	assert.Contains(t, userContent, "[1] (report.pdf, 第1-2页)")
	assert.Contains(t, userContent, "[2] (report.pdf, 第1-2页)")
	assert.Contains(t, userContent, "违约金上限是多少")
}

func TestAnswerCitationFallbackToAllSources(t *testing.T) {
	retrieval := &fakeRetrieval{chunks: []model.RetrievedChunk{
		sourceChunk("c1", "第一条内容。", 1),
		sourceChunk("c2", "第二条内容。", 2),
	}}
	llmClient := &fakeLLMClient{response: "没有任何引用标记的回答。"}
	svc := newAnswerForTest(retrieval, llmClient, config.GenerationConfig{})

	answer, err := svc.Answer(context.Background(), "问题", 5, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, answer.Citations)
}

func TestAnswerIgnoresOutOfRangeCitations(t *testing.T) {
	retrieval := &fakeRetrieval{chunks: []model.RetrievedChunk{
		sourceChunk("c1", "唯一的一条资料。", 1),
	}}
	llmClient := &fakeLLMClient{response: "回答 [1][7]。\n引用: [1][7]"}
	svc := newAnswerForTest(retrieval, llmClient, config.GenerationConfig{})

	answer, err := svc.Answer(context.Background(), "问题", 5, model.QueryFilters{})
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, answer.Citations)
}

func TestAnswerContextTruncation(t *testing.T) {
	long := strings.Repeat("甲", 40)
	retrieval := &fakeRetrieval{chunks: []model.RetrievedChunk{
		sourceChunk("c1", long, 1),
		sourceChunk("c2", strings.Repeat("乙", 40), 2),
		sourceChunk("c3", strings.Repeat("丙", 40), 3),
	}}
	llmClient := &fakeLLMClient{response: "回答 [1]"}
	svc := newAnswerForTest(retrieval, llmClient, config.GenerationConfig{MaxContextChars: 50})

	answer, err := svc.Answer(context.Background(), "问题", 5, model.QueryFilters{})
	require.NoError(t, err)

	// 第一条完整进入，第二条被截断到剩余预算，第三条整体丢弃
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, long, answer.Sources[0].TextContent)
	assert.Equal(t, 10, len([]rune(answer.Sources[1].TextContent)))
	assert.NotContains(t, llmClient.lastMessages[1].Content, "丙")
}

func TestStreamAnswerAssemblesFullText(t *testing.T) {
	retrieval := &fakeRetrieval{chunks: []model.RetrievedChunk{
		sourceChunk("c1", "资料一。", 1),
		sourceChunk("c2", "资料二。", 2),
	}}
	llmClient := &fakeLLMClient{streamChunks: []string{"流式", "回答 ", "[2]"}}
	svc := newAnswerForTest(retrieval, llmClient, config.GenerationConfig{})

	writer := &collectWriter{}
	answer, err := svc.StreamAnswer(context.Background(), "问题", 5, model.QueryFilters{}, writer)
	require.NoError(t, err)

	// 首帧是 JSON 溯源帧，其后按序收到每个内容分块
	require.Len(t, writer.frames, 4)
	assert.Contains(t, writer.frames[0], `"type":"sources"`)
	assert.Contains(t, writer.frames[0], `"chunkId":"c1"`)
	assert.Equal(t, []string{"流式", "回答 ", "[2]"}, writer.frames[1:])
	// 汇总答案包含完整文本与从标记解析出的引用
	assert.Equal(t, "流式回答 [2]", answer.Text)
	assert.Equal(t, []string{"c2"}, answer.Citations)
	assert.Equal(t, model.GroundingGrounded, answer.Grounding)
}

func TestStreamAnswerRefusesWithoutLLMCall(t *testing.T) {
	llmClient := &fakeLLMClient{}
	svc := newAnswerForTest(&fakeRetrieval{}, llmClient, config.GenerationConfig{})

	writer := &collectWriter{}
	answer, err := svc.StreamAnswer(context.Background(), "问题", 5, model.QueryFilters{}, writer)
	require.NoError(t, err)

	require.Len(t, writer.frames, 1)
	assert.Equal(t, refusalText, writer.frames[0])
	assert.Equal(t, model.GroundingRefused, answer.Grounding)
}
