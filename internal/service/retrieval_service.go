package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/internal/repository"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/log"
)

// ErrEmptyQuery 表示查询内容为空。
var ErrEmptyQuery = errors.New("查询内容不能为空")

// SearchIndex 抽象了检索服务需要的向量索引读取操作。
type SearchIndex interface {
	Search(ctx context.Context, modelVersion string, vector []float32, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error)
	ActiveModelVersion(ctx context.Context) (string, error)
}

// RetrievalService 定义了相似度检索的业务逻辑接口。
type RetrievalService interface {
	// Retrieve 将查询向量化后在索引中做 k 近邻检索。
	// 符合条件的结果不足 k 条时返回全部符合条件的结果，空索引返回空列表而非错误。
	Retrieve(ctx context.Context, query string, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error)
}

type retrievalService struct {
	embeddingClient embedding.Client
	index           SearchIndex
	chunkRepo       repository.ChunkRepository
	cfg             config.RetrievalConfig

	// onInconsistency 在检索发现孤儿向量时触发，见 NewRetrievalService。
	onInconsistency func()
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
// onInconsistency 在检索发现索引与元数据不一致时被调用（可为 nil），
// 调用方用它挂接索引自动重建。
func NewRetrievalService(
	embeddingClient embedding.Client,
	index SearchIndex,
	chunkRepo repository.ChunkRepository,
	cfg config.RetrievalConfig,
	onInconsistency func(),
) RetrievalService {
	return &retrievalService{
		embeddingClient: embeddingClient,
		index:           index,
		chunkRepo:       chunkRepo,
		cfg:             cfg,
		onInconsistency: onInconsistency,
	}
}

// Retrieve 执行完整的检索流程：模型版本校验、查询向量化、近邻检索、
// 相似度过滤、元数据交叉校验与可选的重排序。
func (s *retrievalService) Retrieve(ctx context.Context, query string, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = 5
	}

	// 索引当前激活的模型版本必须与查询侧一致，否则相似度没有可比性
	current := s.embeddingClient.ModelVersion()
	active, err := s.index.ActiveModelVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询索引模型版本失败: %w", err)
	}
	if active != current {
		return nil, fmt.Errorf("%w: 索引使用 %s, 当前配置 %s, 需要重建索引", model.ErrModelVersionMismatch, active, current)
	}

	vector, err := s.embeddingClient.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}

	fetchK := k
	if s.cfg.RerankEnabled {
		multiplier := s.cfg.CandidateMultiplier
		if multiplier <= 1 {
			multiplier = 3
		}
		fetchK = k * multiplier
	}

	candidates, err := s.index.Search(ctx, current, vector, fetchK, filters)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}

	// 相似度阈值过滤
	eligible := make([]model.RetrievedChunk, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= s.cfg.MinSimilarity {
			eligible = append(eligible, c)
		}
	}

	// 元数据交叉校验：索引命中但元数据缺失的分块视为索引不一致
	eligible, err = s.dropOrphans(eligible)
	if err != nil {
		return nil, err
	}

	if s.cfg.RerankEnabled {
		eligible = rerankByOverlap(query, eligible)
	}

	if len(eligible) > k {
		eligible = eligible[:k]
	}
	for i := range eligible {
		eligible[i].Rank = i + 1
	}
	return eligible, nil
}

// dropOrphans 校验命中的分块在元数据存储中仍然存在。
// 发现孤儿向量时记录严重日志并触发不一致回调，孤儿结果被丢弃。
func (s *retrievalService) dropOrphans(results []model.RetrievedChunk) ([]model.RetrievedChunk, error) {
	if len(results) == 0 {
		return results, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	rows, err := s.chunkRepo.FindByIDs(ids)
	if err != nil {
		return nil, fmt.Errorf("分块元数据校验失败: %w", err)
	}
	known := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		known[row.ChunkID] = struct{}{}
	}

	kept := results[:0]
	orphans := 0
	for _, r := range results {
		if _, ok := known[r.ChunkID]; ok {
			kept = append(kept, r)
			continue
		}
		orphans++
		log.Errorf("[RetrievalService] 索引不一致：分块 %s 在索引中存在但元数据缺失: %v", r.ChunkID, model.ErrIndexInconsistency)
	}
	if orphans > 0 && s.onInconsistency != nil {
		s.onInconsistency()
	}
	return kept, nil
}

// rerankByOverlap 用查询词与分块文本的词面重合度对候选重排序。
// 重合度相同时保持向量相似度排序，再同分按 chunk id 保证确定性。
func rerankByOverlap(query string, results []model.RetrievedChunk) []model.RetrievedChunk {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return results
	}

	overlaps := make(map[string]int, len(results))
	for _, r := range results {
		text := strings.ToLower(r.TextContent)
		count := 0
		for token := range queryTokens {
			if strings.Contains(text, token) {
				count++
			}
		}
		overlaps[r.ChunkID] = count
	}

	sort.SliceStable(results, func(i, j int) bool {
		oi, oj := overlaps[results[i].ChunkID], overlaps[results[j].ChunkID]
		if oi != oj {
			return oi > oj
		}
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

// tokenize 将查询拆分为小写词集合。CJK 字符逐字成词。
func tokenize(query string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			tokens[strings.ToLower(sb.String())] = struct{}{}
			sb.Reset()
		}
	}
	for _, r := range query {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens[string(r)] = struct{}{}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
