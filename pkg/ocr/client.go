// Package ocr 提供了与 OCR 识别服务交互的客户端。
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"docqa-go/internal/config"
)

// PreprocessContrast 要求识别服务在识别前做对比度归一化，用于低置信度页面的重试。
const PreprocessContrast = "contrast"

// Result 是一次识别的结果，Confidence 取值范围 [0,1]。
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Client defines the interface for an OCR client.
type Client interface {
	// Recognize 识别文档第 page 页（从 1 开始）的文本。
	// preprocess 为空表示不做图像预处理。
	Recognize(ctx context.Context, data []byte, fileName string, page int, preprocess string) (*Result, error)
}

type httpClient struct {
	cfg    config.OCRConfig
	client *http.Client
}

// NewClient 创建一个新的 OCR 客户端实例。
func NewClient(cfg config.OCRConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Recognize 将文档字节 PUT 到识别服务，通过请求头传递页码与预处理策略。
func (c *httpClient) Recognize(ctx context.Context, data []byte, fileName string, page int, preprocess string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.cfg.ServerURL+"/recognize", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建 OCR 请求失败: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Name", fileName)
	req.Header.Set("X-Page", strconv.Itoa(page))
	if preprocess != "" {
		req.Header.Set("X-Preprocess", preprocess)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 OCR 服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OCR 服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析 OCR 响应失败: %w", err)
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return &result, nil
}
