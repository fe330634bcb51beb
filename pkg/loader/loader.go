// Package loader 负责把原始文档字节解析为有序的页面序列。
// 它是纯函数式的：相同输入总是产生相同的页面列表，可安全重试。
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"docqa-go/internal/model"

	"github.com/dslipak/pdf"
)

// Page 是加载阶段产出的单个页面。
// HasTextLayer 为 true 时 Text 携带内嵌文本层，后续无需 OCR。
type Page struct {
	Number       int
	HasTextLayer bool
	Text         string
}

// 单页文本层读取的超时上限。个别损坏的 PDF 页会让解析陷入死循环。
const pageReadTimeout = 10 * time.Second

// Load 将文档字节按 MIME 类型解析为页面序列。
// 不支持的类型返回 ErrUnsupportedFormat；解析中途失败返回 ErrCorruptInput，
// 不返回部分页面列表（全有或全无）。
func Load(data []byte, mimeType string) ([]Page, error) {
	switch normalizeMime(mimeType) {
	case "application/pdf":
		return loadPDF(data)
	case "image/png", "image/jpeg", "image/tiff", "image/bmp":
		// 纯图片输入视为单页扫描件，交由 OCR 提取
		return []Page{{Number: 1, HasTextLayer: false}}, nil
	case "text/plain":
		return []Page{{Number: 1, HasTextLayer: true, Text: string(data)}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedFormat, mimeType)
	}
}

// loadPDF 逐页读取 PDF。任何一页读取失败都判定整个文档损坏。
func loadPDF(data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCorruptInput, err)
	}

	numPages := reader.NumPage()
	if numPages <= 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", model.ErrCorruptInput)
	}

	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			return nil, fmt.Errorf("%w: page %d is null", model.ErrCorruptInput, i)
		}

		text, err := readPageText(p)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", model.ErrCorruptInput, i, err)
		}

		// 文本层为空（或只有空白）说明该页是扫描图像，需要走 OCR
		trimmed := strings.TrimSpace(text)
		pages = append(pages, Page{
			Number:       i,
			HasTextLayer: trimmed != "",
			Text:         text,
		})
	}
	return pages, nil
}

// readPageText 在独立 goroutine 中读取页面文本层，并施加超时保护。
func readPageText(page pdf.Page) (string, error) {
	type result struct {
		content string
		err     error
	}
	resChan := make(chan result, 1)

	go func() {
		content, err := page.GetPlainText(nil)
		resChan <- result{content, err}
	}()
	select {
	case r := <-resChan:
		return r.content, r.err
	case <-time.After(pageReadTimeout):
		return "", errors.New("page read timeout")
	}
}

// normalizeMime 去除 MIME 类型中的参数部分（如 charset）。
func normalizeMime(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
