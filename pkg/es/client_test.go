package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"docqa-go/internal/model"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeESTransport 按请求路径返回预设响应，并记录所有请求，
// 让别名切换逻辑不依赖真实的 Elasticsearch 就能验证。
type fakeESTransport struct {
	handle   func(r *http.Request) (int, string)
	requests []string
	bodies   map[string]string
}

func (t *fakeESTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	key := r.Method + " " + r.URL.Path
	t.requests = append(t.requests, key)
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		t.bodies[key] = string(b)
	}

	status, body := t.handle(r)
	header := http.Header{}
	header.Set("X-Elastic-Product", "Elasticsearch")
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
}

func newStoreForTest(t *testing.T, transport *fakeESTransport) *Store {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{"http://elasticsearch.test:9200"},
		Transport: transport,
	})
	require.NoError(t, err)
	return &Store{client: client, baseName: "docqa_chunks", similarity: "cosine", dims: 4}
}

type aliasPayload struct {
	Actions []map[string]map[string]string `json:"actions"`
}

func splitActions(t *testing.T, body string) (removed, added []map[string]string) {
	var payload aliasPayload
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	for _, action := range payload.Actions {
		if r, ok := action["remove"]; ok {
			removed = append(removed, r)
		}
		if a, ok := action["add"]; ok {
			added = append(added, a)
		}
	}
	return removed, added
}

func TestRebuildMovesBaseAliasOffOldModelNamespace(t *testing.T) {
	// 迁移场景：主别名还停留在 v1 的物理索引上，为 v2 重建
	transport := &fakeESTransport{bodies: map[string]string{}}
	transport.handle = func(r *http.Request) (int, string) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/docqa_chunks_v2":
			return http.StatusOK, `{"docqa_chunks_v2_g100":{"aliases":{"docqa_chunks_v2":{}}}}`
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/docqa_chunks":
			return http.StatusOK, `{"docqa_chunks_v1_g50":{"aliases":{"docqa_chunks":{}}}}`
		default:
			return http.StatusOK, `{"acknowledged":true}`
		}
	}
	store := newStoreForTest(t, transport)

	source := func(offset, limit int) ([]model.EsChunk, error) { return nil, nil }
	require.NoError(t, store.Rebuild(context.Background(), "v2", source))

	body, ok := transport.bodies["POST /_aliases"]
	require.True(t, ok, "别名切换必须在单次 _aliases 请求中完成")
	removed, added := splitActions(t, body)

	// 旧版本的物理索引必须交出主别名，否则主别名同时挂在两个索引上
	assert.Contains(t, removed, map[string]string{"index": "docqa_chunks_v1_g50", "alias": "docqa_chunks"})
	assert.Contains(t, removed, map[string]string{"index": "docqa_chunks_v2_g100", "alias": "*"})
	require.Len(t, added, 2)
	for _, a := range added {
		assert.True(t, strings.HasPrefix(a["index"], "docqa_chunks_v2_g"), "新别名应指向影子索引: %v", a)
	}

	// v1 的物理索引仍持有自己的命名空间别名，不能删除
	assert.NotContains(t, transport.requests, "DELETE /docqa_chunks_v1_g50")
	assert.Contains(t, transport.requests, "DELETE /docqa_chunks_v2_g100")
}

func TestRebuildSameVersionSwapsSinglePhysical(t *testing.T) {
	// 恢复场景：命名空间别名与主别名都在同一个物理索引上
	transport := &fakeESTransport{bodies: map[string]string{}}
	transport.handle = func(r *http.Request) (int, string) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/docqa_chunks_v1":
			return http.StatusOK, `{"docqa_chunks_v1_g50":{"aliases":{"docqa_chunks_v1":{},"docqa_chunks":{}}}}`
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/docqa_chunks":
			return http.StatusOK, `{"docqa_chunks_v1_g50":{"aliases":{"docqa_chunks_v1":{},"docqa_chunks":{}}}}`
		default:
			return http.StatusOK, `{"acknowledged":true}`
		}
	}
	store := newStoreForTest(t, transport)

	pages := [][]model.EsChunk{
		{{ChunkID: "c1", DocumentID: "doc-1", ModelVersion: "v1", Vector: []float32{0.1, 0.2, 0.3, 0.4}}},
	}
	source := func(offset, limit int) ([]model.EsChunk, error) {
		if offset == 0 {
			return pages[0], nil
		}
		return nil, nil
	}
	require.NoError(t, store.Rebuild(context.Background(), "v1", source))

	// 分块写入了影子索引
	indexed := false
	for _, req := range transport.requests {
		if strings.HasPrefix(req, "PUT /docqa_chunks_v1_g") && strings.HasSuffix(req, "/_doc/c1") {
			indexed = true
		}
	}
	assert.True(t, indexed, "重建应把数据源分块写入影子索引")

	removed, added := splitActions(t, transport.bodies["POST /_aliases"])
	// 同版本重建只需从旧物理索引上摘掉全部别名
	require.Len(t, removed, 1)
	assert.Equal(t, map[string]string{"index": "docqa_chunks_v1_g50", "alias": "*"}, removed[0])
	require.Len(t, added, 2)
	assert.Contains(t, transport.requests, "DELETE /docqa_chunks_v1_g50")
}
