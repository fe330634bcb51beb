package pipeline

import (
	"context"
	"strings"

	"docqa-go/internal/model"
	"docqa-go/pkg/loader"
	"docqa-go/pkg/log"
	"docqa-go/pkg/ocr"
)

// extractPages 逐页提取文本。自带文本层的页面直接读取（置信度 1.0，不产生 OCR 开销）；
// 其余页面走 OCR，低于置信度阈值时在有限次数内用对比度归一化预处理重试，
// 仍失败的页面被标记为 Failed，不影响其余页面。
// 返回全部页面记录与成功提取的页面数。
func (p *Processor) extractPages(ctx context.Context, doc *model.Document, raw []byte, pages []loader.Page) ([]*model.Page, int) {
	maxAttempts := p.pipelineCfg.OCRMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	minConfidence := p.ocrCfg.MinConfidence

	records := make([]*model.Page, 0, len(pages))
	okCount := 0
	for _, page := range pages {
		record := &model.Page{
			DocumentID:   doc.ID,
			PageNo:       page.Number,
			HasTextLayer: page.HasTextLayer,
		}

		if page.HasTextLayer {
			record.Text = page.Text
			record.Confidence = 1.0
			okCount++
			records = append(records, record)
			continue
		}

		text, confidence, ok := p.recognizePage(ctx, doc, raw, page.Number, maxAttempts, minConfidence)
		if ok {
			record.Text = text
			record.Confidence = confidence
			okCount++
		} else {
			record.Failed = true
			log.Warnf("[Processor] 页面提取永久失败, DocumentID: %s, page: %d", doc.ID, page.Number)
		}
		records = append(records, record)
	}
	return records, okCount
}

// recognizePage 对单页执行有界重试的 OCR。首次不做预处理，
// 后续尝试附加对比度归一化提示。
func (p *Processor) recognizePage(ctx context.Context, doc *model.Document, raw []byte, pageNo, maxAttempts int, minConfidence float64) (string, float64, bool) {
	preprocess := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := p.ocrClient.Recognize(ctx, raw, doc.FileName, pageNo, preprocess)
		if err != nil {
			log.Warnf("[Processor] OCR 调用失败, DocumentID: %s, page: %d, attempt: %d, err: %v", doc.ID, pageNo, attempt, err)
		} else if strings.TrimSpace(result.Text) == "" || result.Confidence < minConfidence {
			log.Warnf("[Processor] OCR 结果低于置信度阈值, DocumentID: %s, page: %d, attempt: %d, confidence: %.2f", doc.ID, pageNo, attempt, result.Confidence)
		} else {
			return result.Text, result.Confidence, true
		}
		preprocess = ocr.PreprocessContrast
	}
	return "", 0, false
}
