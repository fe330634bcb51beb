// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// Client defines the interface for an embedding client.
type Client interface {
	// Embed 返回单条文本的向量，用于查询时。
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch 批量向量化，返回与输入同序的向量。
	// 超过最大批次大小时自动切片；失败的批次减半重试一次后仍失败则返回 ErrEmbeddingFailed。
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelVersion 返回当前配置的模型版本标识。
	ModelVersion() string
}

type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

// NewClient creates a new embedding client based on the provider in the config.
func NewClient(cfg config.EmbeddingConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// ModelVersion 返回配置中的模型标识，用于索引命名空间匹配。
func (c *openAICompatibleClient) ModelVersion() string {
	return c.cfg.Model
}

// Embed 对单条文本调用 EmbedBatch。
func (c *openAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 按最大批次大小切片后逐批调用 Embedding API。
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := c.cfg.MaxBatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		batchVectors, err := c.embedOnce(ctx, batch)
		if err != nil {
			// 整批失败后减半重试一次，隔离掉可能超限的单条输入
			log.Warnf("[EmbeddingClient] 批次向量化失败(size=%d)，减半重试: %v", len(batch), err)
			batchVectors, err = c.embedHalved(ctx, batch)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrEmbeddingFailed, err)
			}
		}
		vectors = append(vectors, batchVectors...)
	}
	return vectors, nil
}

// embedHalved 将失败的批次一分为二，各自重试一次。
func (c *openAICompatibleClient) embedHalved(ctx context.Context, batch []string) ([][]float32, error) {
	if len(batch) <= 1 {
		return c.embedOnce(ctx, batch)
	}
	mid := len(batch) / 2
	first, err := c.embedOnce(ctx, batch[:mid])
	if err != nil {
		return nil, err
	}
	second, err := c.embedOnce(ctx, batch[mid:])
	if err != nil {
		return nil, err
	}
	return append(first, second...), nil
}

// embedOnce calls the OpenAI-compatible API to get vectors for a batch of texts.
func (c *openAICompatibleClient) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	log.Debugf("[EmbeddingClient] 调用 Embedding API, model: %s, batch: %d", c.cfg.Model, len(texts))
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding api returned non-200 status: %s", resp.Status)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts))
	}

	vectors := make([][]float32, len(embeddingResp.Data))
	for i, d := range embeddingResp.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("received empty embedding at position %d", i)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
