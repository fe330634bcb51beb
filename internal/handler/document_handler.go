package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"docqa-go/internal/config"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 默认的上传大小上限：16MB。
const defaultMaxUploadSize = 16 << 20

// DocumentHandler 负责处理文档上传与管理相关的 API 请求。
type DocumentHandler struct {
	ingestService service.IngestService
	serverCfg     config.ServerConfig
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(ingestService service.IngestService, serverCfg config.ServerConfig) *DocumentHandler {
	return &DocumentHandler{
		ingestService: ingestService,
		serverCfg:     serverCfg,
	}
}

// Upload 接收 multipart 文件上传，登记文档并触发异步摄取。
// 接口立即返回文档 ID，摄取进度通过状态接口查询。
func (h *DocumentHandler) Upload(c *gin.Context) {
	maxSize := h.serverCfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = defaultMaxUploadSize
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的上传请求：缺少 file 字段或文件超过大小限制",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败"})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(fileHeader.Filename))
	}

	user := currentUser(c)
	doc, err := h.ingestService.Ingest(c.Request.Context(), user.ID, fileHeader.Filename, mimeType, data)
	if err != nil {
		log.Errorf("Upload: 文档登记失败, FileName: %s, error: %v", fileHeader.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "文档上传失败"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "文档已接收，正在后台处理",
		"data": gin.H{
			"documentId": doc.ID,
			"fileName":   doc.FileName,
			"status":     doc.Status,
		},
	})
}

// Status 返回文档的摄取状态与页面明细。
func (h *DocumentHandler) Status(c *gin.Context) {
	user := currentUser(c)
	doc, pages, err := h.ingestService.Status(user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	type pageStatus struct {
		PageNo       int     `json:"pageNo"`
		HasTextLayer bool    `json:"hasTextLayer"`
		Confidence   float64 `json:"confidence"`
		Failed       bool    `json:"failed"`
	}
	pageList := make([]pageStatus, 0, len(pages))
	for _, p := range pages {
		pageList = append(pageList, pageStatus{
			PageNo:       p.PageNo,
			HasTextLayer: p.HasTextLayer,
			Confidence:   p.Confidence,
			Failed:       p.Failed,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data": gin.H{
			"document": doc,
			"pages":    pageList,
		},
	})
}

// List 返回当前用户的全部文档。
func (h *DocumentHandler) List(c *gin.Context) {
	user := currentUser(c)
	docs, err := h.ingestService.ListDocuments(user.ID)
	if err != nil {
		log.Errorf("List: 查询文档列表失败, UserID: %d, error: %v", user.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询文档列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    docs,
	})
}

// Delete 删除文档及其全部派生数据。
func (h *DocumentHandler) Delete(c *gin.Context) {
	user := currentUser(c)
	if err := h.ingestService.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "文档已删除",
	})
}

// Download 返回文档原始文件的限时下载链接。
func (h *DocumentHandler) Download(c *gin.Context) {
	user := currentUser(c)
	url, err := h.ingestService.DownloadURL(user.ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"url": url},
	})
}

func (h *DocumentHandler) respondError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error()})
		return
	}
	log.Errorf("DocumentHandler: 请求处理失败, path: %s, error: %v", c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "内部错误"})
}
