package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"docqa-go/internal/model"
	"docqa-go/internal/service"
	"docqa-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// QueryHandler 负责处理问答与索引管理相关的 API 请求。
type QueryHandler struct {
	answerService service.AnswerService
	ingestService service.IngestService
}

// NewQueryHandler 创建一个新的 QueryHandler 实例。
func NewQueryHandler(answerService service.AnswerService, ingestService service.IngestService) *QueryHandler {
	return &QueryHandler{
		answerService: answerService,
		ingestService: ingestService,
	}
}

// QueryRequest 定义了问答 API 的请求体结构。
type QueryRequest struct {
	Query       string   `json:"query" binding:"required"`
	TopK        int      `json:"topK"`
	DocumentIDs []string `json:"documentIds"`
	From        string   `json:"from"` // RFC3339，按摄取时间过滤
	To          string   `json:"to"`
}

// filters 把请求参数转换为检索过滤条件，并绑定当前用户。
func (r *QueryRequest) filters(userID uint) (model.QueryFilters, error) {
	f := model.QueryFilters{
		DocumentIDs: r.DocumentIDs,
		UserID:      userID,
	}
	if r.From != "" {
		t, err := time.Parse(time.RFC3339, r.From)
		if err != nil {
			return f, fmt.Errorf("无效的 from 时间格式: %w", err)
		}
		f.From = &t
	}
	if r.To != "" {
		t, err := time.Parse(time.RFC3339, r.To)
		if err != nil {
			return f, fmt.Errorf("无效的 to 时间格式: %w", err)
		}
		f.To = &t
	}
	return f, nil
}

// Query 处理非流式问答请求，返回带引用与来源的完整答案。
func (h *QueryHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：query 不能为空",
		})
		return
	}

	user := currentUser(c)
	filters, err := req.filters(user.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
		return
	}

	answer, err := h.answerService.Answer(c.Request.Context(), req.Query, req.TopK, filters)
	if err != nil {
		h.respondQueryError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    answer,
	})
}

// Stream 处理 WebSocket 问答连接。每条收到的消息都是一次独立的问答请求，
// 答案内容以流式分块下发，结束后发送一条 completion 帧携带引用与来源。
func (h *QueryHandler) Stream(c *gin.Context) {
	user := currentUser(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 问答连接已建立，用户: %s", user.Username)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// 消息既可以是 JSON 请求体，也可以是纯文本问题
		var req QueryRequest
		if len(message) > 0 && message[0] == '{' {
			if err := json.Unmarshal(message, &req); err != nil {
				h.writeStreamError(conn, "无效的请求格式")
				continue
			}
		} else {
			req.Query = string(message)
		}

		filters, err := req.filters(user.ID)
		if err != nil {
			h.writeStreamError(conn, err.Error())
			continue
		}

		answer, err := h.answerService.StreamAnswer(c.Request.Context(), req.Query, req.TopK, filters, conn)
		if err != nil {
			log.Errorf("处理流式问答失败: %v", err)
			h.writeStreamError(conn, "问答服务暂时不可用，请稍后重试")
			continue
		}

		// 流式内容结束后发送 completion 帧，携带引用与来源
		completion := map[string]interface{}{
			"type":      "completion",
			"status":    "finished",
			"answerId":  answer.ID,
			"grounding": answer.Grounding,
			"citations": answer.Citations,
			"sources":   answer.Sources,
			"latencyMs": answer.LatencyMs,
			"timestamp": time.Now().UnixMilli(),
		}
		b, _ := json.Marshal(completion)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("发送 completion 帧失败: %v", err)
			break
		}
	}
}

// RebuildIndex 从元数据存储重建当前模型版本的向量索引。
// 重建期间旧索引照常提供检索，完成后原子切换。
func (h *QueryHandler) RebuildIndex(c *gin.Context) {
	if err := h.ingestService.RebuildIndex(c.Request.Context()); err != nil {
		log.Errorf("RebuildIndex: 索引重建失败, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "索引重建失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "索引重建完成",
	})
}

func (h *QueryHandler) respondQueryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyQuery):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error()})
	case errors.Is(err, model.ErrModelVersionMismatch):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "索引与当前向量模型版本不一致，请先重建索引"})
	case errors.Is(err, model.ErrGenerationFailed):
		c.JSON(http.StatusBadGateway, gin.H{"code": http.StatusBadGateway, "message": "答案生成服务暂时不可用，请稍后重试"})
	default:
		log.Errorf("Query: 请求处理失败, error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "内部错误"})
	}
}

func (h *QueryHandler) writeStreamError(conn *websocket.Conn, message string) {
	b, _ := json.Marshal(map[string]string{"type": "error", "error": message})
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
