// Package chunker 将提取后的文档文本切分为带重叠的语义分块。
//
// 切分是确定性的：相同输入与配置总是产生相同的分块与分块 ID，
// 这是重复摄取幂等性的基础。相邻分块的非重叠部分按序拼接可无损还原全文。
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// PageText 是一页已提取的文本，Number 为页码（从 1 开始）。
type PageText struct {
	Number int
	Text   string
}

// Chunk 是一个切分产物。偏移以拼接后全文的 rune 计。
type Chunk struct {
	ID          string
	PageStart   int
	PageEnd     int
	StartOffset int
	EndOffset   int
	Text        string
	TokenCount  int
}

// Splitter 按固定最大长度与重叠比例切分文本。
type Splitter struct {
	chunkSize    int
	overlapRunes int
}

// 分块边界回退搜索窗口占 chunkSize 的比例分母。
const boundaryWindowDiv = 4

// New 创建一个 Splitter。chunkSize 以 rune 计；overlapFraction 取值 [0,1)，
// 非法配置回退到无重叠。
func New(chunkSize int, overlapFraction float64) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	overlap := 0
	if overlapFraction > 0 && overlapFraction < 1 {
		overlap = int(float64(chunkSize) * overlapFraction)
	}
	if overlap >= chunkSize {
		overlap = 0
	}
	return &Splitter{chunkSize: chunkSize, overlapRunes: overlap}
}

// Split 将按页序排列的文本切分为有序分块。
// 页与页之间以换行符拼接，分块携带其覆盖的页码范围与 rune 偏移。
func (s *Splitter) Split(docID string, pages []PageText) []Chunk {
	var sb strings.Builder
	pageStarts := make([]int, len(pages))
	pageNumbers := make([]int, len(pages))
	total := 0
	for i, p := range pages {
		if i > 0 {
			sb.WriteString("\n")
			total++
		}
		pageStarts[i] = total
		pageNumbers[i] = p.Number
		sb.WriteString(p.Text)
		total += utf8.RuneCountInString(p.Text)
	}

	runes := []rune(sb.String())
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + s.chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = s.snapBoundary(runes, start, end)
		}

		text := string(runes[start:end])
		chunks = append(chunks, Chunk{
			ID:          ComputeID(docID, start, end, text),
			PageStart:   pageAt(pageStarts, pageNumbers, start),
			PageEnd:     pageAt(pageStarts, pageNumbers, end-1),
			StartOffset: start,
			EndOffset:   end,
			Text:        text,
			TokenCount:  end - start,
		})

		if end == len(runes) {
			break
		}
		next := end - s.overlapRunes
		// 保证前进，避免小分块上的死循环
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// snapBoundary 在 end 之前的回退窗口内寻找最近的句子或段落边界。
// 找不到时保持硬切分位置不变。
func (s *Splitter) snapBoundary(runes []rune, start, end int) int {
	window := s.chunkSize / boundaryWindowDiv
	limit := end - window
	if limit <= start {
		limit = start + 1
	}
	for i := end - 1; i >= limit; i-- {
		if isBoundaryRune(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isBoundaryRune(r rune) bool {
	switch r {
	case '\n', '。', '！', '？', '.', '!', '?', '；', ';':
		return true
	}
	return false
}

// pageAt 返回包含指定 rune 偏移的页码。
func pageAt(pageStarts, pageNumbers []int, offset int) int {
	if len(pageStarts) == 0 {
		return 0
	}
	idx := sort.Search(len(pageStarts), func(i int) bool {
		return pageStarts[i] > offset
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return pageNumbers[idx]
}

// ComputeID 从文档 ID、偏移区间与内容哈希确定性派生分块 ID。
// 内容参与哈希意味着：内容未变的分块保持原 ID（可跳过重复向量化），
// 被编辑的区域产生新 ID（旧分块作为陈旧项被清理）。
func ComputeID(docID string, start, end int, text string) string {
	textHash := sha256.Sum256([]byte(text))
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d:%x", docID, start, end, textHash)))
	return hex.EncodeToString(h[:])[:32]
}
