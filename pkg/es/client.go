// Package es 提供了基于 Elasticsearch 的向量索引存储。
//
// 每个 Embedding 模型版本对应一个独立的命名空间（别名 <base>_<版本>），
// 避免不同模型版本的向量在同一索引内做相似度比较；
// 主别名 <base> 指向当前激活的命名空间，检索时据此校验模型版本是否一致。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Store 封装了对向量索引的全部操作。
type Store struct {
	client     *elasticsearch.Client
	baseName   string
	similarity string
	dims       int
}

// NewStore 初始化 Elasticsearch 客户端。
func NewStore(cfg config.IndexConfig, dims int) (*Store, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.Addresses},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, err
	}

	similarity := cfg.Similarity
	if similarity != "dot_product" {
		similarity = "cosine"
	}

	return &Store{
		client:     client,
		baseName:   cfg.BaseName,
		similarity: similarity,
		dims:       dims,
	}, nil
}

var versionSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// namespaceAlias 返回某个模型版本对应的命名空间别名。
func (s *Store) namespaceAlias(modelVersion string) string {
	return s.baseName + "_" + versionSanitizer.ReplaceAllString(strings.ToLower(modelVersion), "_")
}

// mapping 构造命名空间索引的 mapping，_meta 中记录模型版本原文。
func (s *Store) mapping(modelVersion string) string {
	return fmt.Sprintf(`{
		"mappings": {
			"_meta": { "model_version": %q },
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"file_name": { "type": "keyword" },
				"page_start": { "type": "integer" },
				"page_end": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": %q
				},
				"model_version": { "type": "keyword" },
				"user_id": { "type": "long" },
				"ingested_at": { "type": "date" }
			}
		}
	}`, modelVersion, s.dims, s.similarity)
}

// EnsureNamespace 确保模型版本对应的命名空间存在。
// 主别名只在尚不存在时才指向新命名空间：配置切换模型版本后，
// 主别名仍停留在旧命名空间上，直到执行一次 Rebuild 完成迁移。
func (s *Store) EnsureNamespace(ctx context.Context, modelVersion string) error {
	nsAlias := s.namespaceAlias(modelVersion)

	exists, err := s.aliasExists(ctx, nsAlias)
	if err != nil {
		return err
	}
	if !exists {
		physical := fmt.Sprintf("%s_g%d", nsAlias, time.Now().Unix())
		if err := s.createIndex(ctx, physical, modelVersion); err != nil {
			return err
		}
		if err := s.putAlias(ctx, physical, nsAlias); err != nil {
			return err
		}
		log.Infof("命名空间 '%s' 创建成功 (物理索引 %s)", nsAlias, physical)
	}

	baseExists, err := s.aliasExists(ctx, s.baseName)
	if err != nil {
		return err
	}
	if !baseExists {
		physical, err := s.resolveAlias(ctx, nsAlias)
		if err != nil {
			return err
		}
		if err := s.putAlias(ctx, physical, s.baseName); err != nil {
			return err
		}
		log.Infof("主别名 '%s' 指向 '%s'", s.baseName, physical)
	}
	return nil
}

// ActiveModelVersion 返回主别名当前指向的命名空间所使用的模型版本。
func (s *Store) ActiveModelVersion(ctx context.Context) (string, error) {
	physical, err := s.resolveAlias(ctx, s.baseName)
	if err != nil {
		return "", err
	}

	res, err := s.client.Indices.GetMapping(
		s.client.Indices.GetMapping.WithContext(ctx),
		s.client.Indices.GetMapping.WithIndex(physical),
	)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", fmt.Errorf("获取索引 mapping 失败: %s", res.String())
	}

	var body map[string]struct {
		Mappings struct {
			Meta struct {
				ModelVersion string `json:"model_version"`
			} `json:"_meta"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", err
	}
	for _, idx := range body {
		return idx.Mappings.Meta.ModelVersion, nil
	}
	return "", errors.New("索引 mapping 中缺少模型版本信息")
}

// Upsert 插入或替换一条向量记录。refresh=true 保证写入完成后立即可被检索。
func (s *Store) Upsert(ctx context.Context, chunk model.EsChunk) error {
	docBytes, err := json.Marshal(chunk)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      s.namespaceAlias(chunk.ModelVersion),
		DocumentID: chunk.ChunkID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// Delete 删除一条向量记录，记录不存在时视为成功。
func (s *Store) Delete(ctx context.Context, modelVersion, chunkID string) error {
	req := esapi.DeleteRequest{
		Index:      s.namespaceAlias(modelVersion),
		DocumentID: chunkID,
		Refresh:    "true",
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		log.Errorf("从 Elasticsearch 删除文档出错: %s", res.String())
		return errors.New("failed to delete document")
	}
	return nil
}

// Search 执行 k 近邻检索，结果按相似度降序排列，同分时按 chunk id 升序保证确定性。
// 过滤后不足 k 条时返回全部符合条件的结果。
func (s *Store) Search(ctx context.Context, modelVersion string, vector []float32, k int, filters model.QueryFilters) ([]model.RetrievedChunk, error) {
	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}

	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": numCandidates,
	}
	if filterClause := buildFilter(filters); filterClause != nil {
		knn["filter"] = filterClause
	}

	esQuery := map[string]interface{}{
		"knn":  knn,
		"size": k,
		"_source": map[string]interface{}{
			"excludes": []string{"vector"},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.namespaceAlias(modelVersion)),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	results := make([]model.RetrievedChunk, 0, len(esResponse.Hits.Hits))
	for _, hit := range esResponse.Hits.Hits {
		results = append(results, model.RetrievedChunk{
			ChunkID:     hit.Source.ChunkID,
			DocumentID:  hit.Source.DocumentID,
			FileName:    hit.Source.FileName,
			PageStart:   hit.Source.PageStart,
			PageEnd:     hit.Source.PageEnd,
			TextContent: hit.Source.TextContent,
			Score:       hit.Score,
		})
	}

	// 确定性排序：分数降序，同分按 chunk id 升序
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// ChunkSource 按页提供重建所需的分块（含向量），由元数据存储实现。
type ChunkSource func(offset, limit int) ([]model.EsChunk, error)

// Rebuild 从元数据存储重建指定模型版本的命名空间。
// 先写入影子索引，完成后原子切换别名；中途失败时删除影子索引，原索引保持不变。
func (s *Store) Rebuild(ctx context.Context, modelVersion string, source ChunkSource) error {
	nsAlias := s.namespaceAlias(modelVersion)
	shadow := fmt.Sprintf("%s_g%d", nsAlias, time.Now().Unix())

	log.Infof("开始重建命名空间 '%s'，影子索引: %s", nsAlias, shadow)
	if err := s.createIndex(ctx, shadow, modelVersion); err != nil {
		return err
	}

	const pageSize = 200
	total := 0
	for offset := 0; ; offset += pageSize {
		chunks, err := source(offset, pageSize)
		if err != nil {
			s.dropIndex(ctx, shadow)
			return fmt.Errorf("读取重建数据源失败: %w", err)
		}
		if len(chunks) == 0 {
			break
		}
		for _, chunk := range chunks {
			if chunk.ModelVersion != modelVersion || len(chunk.Vector) == 0 {
				continue
			}
			docBytes, err := json.Marshal(chunk)
			if err != nil {
				s.dropIndex(ctx, shadow)
				return err
			}
			req := esapi.IndexRequest{
				Index:      shadow,
				DocumentID: chunk.ChunkID,
				Body:       bytes.NewReader(docBytes),
			}
			res, err := req.Do(ctx, s.client)
			if err != nil {
				s.dropIndex(ctx, shadow)
				return err
			}
			if res.IsError() {
				resStr := res.String()
				res.Body.Close()
				s.dropIndex(ctx, shadow)
				return fmt.Errorf("重建时索引文档失败: %s", resStr)
			}
			res.Body.Close()
			total++
		}
	}

	refresh, err := s.client.Indices.Refresh(s.client.Indices.Refresh.WithIndex(shadow))
	if err != nil {
		s.dropIndex(ctx, shadow)
		return err
	}
	refresh.Body.Close()

	// 原子切换：影子索引接管命名空间别名与主别名，旧物理索引随后删除
	oldPhysical, err := s.resolveAlias(ctx, nsAlias)
	if err != nil && !errors.Is(err, errAliasNotFound) {
		s.dropIndex(ctx, shadow)
		return err
	}
	basePhysical, err := s.resolveAlias(ctx, s.baseName)
	if err != nil && !errors.Is(err, errAliasNotFound) {
		s.dropIndex(ctx, shadow)
		return err
	}

	var actions []map[string]interface{}
	if oldPhysical != "" {
		actions = append(actions, map[string]interface{}{
			"remove": map[string]interface{}{"index": oldPhysical, "alias": "*"},
		})
	}
	// 模型版本迁移时主别名还停留在旧版本的命名空间上，必须一并摘除，
	// 否则主别名会同时挂在两个物理索引上，激活版本变得不确定
	if basePhysical != "" && basePhysical != oldPhysical {
		actions = append(actions, map[string]interface{}{
			"remove": map[string]interface{}{"index": basePhysical, "alias": s.baseName},
		})
	}
	actions = append(actions,
		map[string]interface{}{"add": map[string]interface{}{"index": shadow, "alias": nsAlias}},
		map[string]interface{}{"add": map[string]interface{}{"index": shadow, "alias": s.baseName}},
	)
	if err := s.updateAliases(ctx, actions); err != nil {
		s.dropIndex(ctx, shadow)
		return err
	}

	if oldPhysical != "" && oldPhysical != shadow {
		s.dropIndex(ctx, oldPhysical)
	}

	log.Infof("命名空间 '%s' 重建完成，共 %d 条向量", nsAlias, total)
	return nil
}

var errAliasNotFound = errors.New("alias not found")

func (s *Store) createIndex(ctx context.Context, name, modelVersion string) error {
	res, err := s.client.Indices.Create(
		name,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(s.mapping(modelVersion))),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引 '%s' 失败: %s", name, res.String())
	}
	return nil
}

func (s *Store) dropIndex(ctx context.Context, name string) {
	res, err := s.client.Indices.Delete([]string{name}, s.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		log.Warnf("删除索引 '%s' 失败: %v", name, err)
		return
	}
	res.Body.Close()
}

func (s *Store) aliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := s.client.Indices.ExistsAlias([]string{alias}, s.client.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK, nil
}

// resolveAlias 返回别名指向的物理索引名。
func (s *Store) resolveAlias(ctx context.Context, alias string) (string, error) {
	res, err := s.client.Indices.GetAlias(
		s.client.Indices.GetAlias.WithContext(ctx),
		s.client.Indices.GetAlias.WithName(alias),
	)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return "", errAliasNotFound
	}
	if res.IsError() {
		return "", fmt.Errorf("解析别名 '%s' 失败: %s", alias, res.String())
	}

	var body map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", err
	}
	for physical := range body {
		return physical, nil
	}
	return "", errAliasNotFound
}

func (s *Store) putAlias(ctx context.Context, index, alias string) error {
	return s.updateAliases(ctx, []map[string]interface{}{
		{"add": map[string]interface{}{"index": index, "alias": alias}},
	})
}

// updateAliases 以单次请求原子地执行一组别名变更。
func (s *Store) updateAliases(ctx context.Context, actions []map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return err
	}
	res, err := s.client.Indices.UpdateAliases(
		bytes.NewReader(body),
		s.client.Indices.UpdateAliases.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("更新别名失败: %s", res.String())
	}
	return nil
}

// buildFilter 将查询过滤条件转换为 ES bool 过滤子句，无条件时返回 nil。
func buildFilter(filters model.QueryFilters) map[string]interface{} {
	var must []map[string]interface{}
	if filters.UserID > 0 {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"user_id": filters.UserID},
		})
	}
	if len(filters.DocumentIDs) > 0 {
		must = append(must, map[string]interface{}{
			"terms": map[string]interface{}{"document_id": filters.DocumentIDs},
		})
	}
	if filters.From != nil || filters.To != nil {
		rangeClause := map[string]interface{}{}
		if filters.From != nil {
			rangeClause["gte"] = filters.From.Format(time.RFC3339)
		}
		if filters.To != nil {
			rangeClause["lte"] = filters.To.Format(time.RFC3339)
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"ingested_at": rangeClause},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{"must": must},
	}
}
