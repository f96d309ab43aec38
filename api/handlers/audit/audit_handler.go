package audit

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	response "audittrail/api/handlers/common"
	"audittrail/internal/auditconfig"
	"audittrail/internal/capture"
	"audittrail/internal/classify"
	"audittrail/internal/event"
	"audittrail/internal/middleware"
	"audittrail/internal/processor"
	"audittrail/internal/store"
	"audittrail/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// AuditHandler 审计子系统 HTTP 入口
type AuditHandler struct {
	queue     *capture.Queue
	frontend  *capture.FrontendAdapter
	store     *store.Store
	configs   *auditconfig.Store
	proc      *processor.Processor
	hub       *stream.Hub
	retention classify.RetentionPolicy
	upgrader  websocket.Upgrader
}

// NewAuditHandler 创建处理器
// retention 为部署级保留期覆盖，零值字段由生成器回退默认保留期
func NewAuditHandler(
	queue *capture.Queue,
	frontend *capture.FrontendAdapter,
	st *store.Store,
	configs *auditconfig.Store,
	proc *processor.Processor,
	hub *stream.Hub,
	retention classify.RetentionPolicy,
) *AuditHandler {
	return &AuditHandler{
		queue:     queue,
		frontend:  frontend,
		store:     st,
		configs:   configs,
		proc:      proc,
		hub:       hub,
		retention: retention,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// IngestRequest 事件批量上报请求
type IngestRequest struct {
	Events []event.Event `json:"events" binding:"required"`
}

// IngestEvents 批量接收外部系统上报的审计事件
func (h *AuditHandler) IngestEvents(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "事件列表不能为空"})
		return
	}

	correlationID := middleware.GetCorrelationIDFromGin(c)
	accepted, rejected := 0, 0
	for i := range req.Events {
		ev := req.Events[i]
		if ev.EntityType == "" || ev.Operation == "" {
			rejected++
			continue
		}
		if ev.CorrelationID == "" {
			ev.CorrelationID = correlationID
		}
		if ev.IPAddress == "" {
			ev.IPAddress = c.ClientIP()
		}
		if err := h.queue.Push(&ev); err != nil {
			rejected++
			continue
		}
		accepted++
	}

	c.JSON(http.StatusAccepted, response.APIResponse{
		Success: true,
		Data: gin.H{
			"accepted": accepted,
			"rejected": rejected,
		},
	})
}

// FrontendBatchRequest 前端行为批量上报请求
type FrontendBatchRequest struct {
	Events []capture.FrontendEvent `json:"events" binding:"required,dive"`
}

// CollectFrontend 接收前端行为事件批次
func (h *AuditHandler) CollectFrontend(c *gin.Context) {
	var req FrontendBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	ctx := capture.WithActor(c.Request.Context(), capture.Actor{
		UserID:    c.GetString("user_id"),
		IPAddress: c.ClientIP(),
	})

	accepted := 0
	for _, fe := range req.Events {
		if err := h.frontend.Collect(ctx, fe); err != nil {
			continue
		}
		accepted++
	}

	c.JSON(http.StatusAccepted, response.APIResponse{
		Success: true,
		Data:    gin.H{"accepted": accepted, "rejected": len(req.Events) - accepted},
	})
}

// QueryEvents 按条件检索审计事件
func (h *AuditHandler) QueryEvents(c *gin.Context) {
	var criteria store.Criteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	result, err := h.store.Query(c.Request.Context(), criteria)
	if err != nil {
		if errors.Is(err, event.ErrQuery) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.ListResponse{
		Items: result.Items,
		Pagination: response.PaginationMeta{
			Limit:  criteria.Limit,
			Offset: criteria.Offset,
			Total:  result.Total,
		},
	})
}

// GetEvent 按 ID 取单条审计事件
func (h *AuditHandler) GetEvent(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "事件不存在或已过期"})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	item := store.StoredEvent{Record: *rec}
	if ev, err := h.store.Decode(c.Request.Context(), rec); err == nil {
		item.Event = ev
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: item})
}

// Aggregate 按时间粒度聚合审计事件
func (h *AuditHandler) Aggregate(c *gin.Context) {
	var criteria store.AggregateCriteria
	if err := c.ShouldBindQuery(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	buckets, err := h.store.Aggregate(c.Request.Context(), criteria)
	if err != nil {
		if errors.Is(err, event.ErrQuery) {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "聚合失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: buckets})
}

// HoldRequest 法律保全请求
type HoldRequest struct {
	Hold   bool   `json:"hold"`
	Reason string `json:"reason"`
}

// SetLegalHold 对单条记录设置/解除法律保全
func (h *AuditHandler) SetLegalHold(c *gin.Context) {
	id := c.Param("id")

	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	if err := h.store.SetLegalHold(c.Request.Context(), id, req.Hold); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "事件不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "操作失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "保全状态已更新"})
}

// EntityHoldRequest 实体级保全请求
type EntityHoldRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
	Reason     string `json:"reason"`
}

// HoldEntity 对实体的全部记录（含未来写入）设置法律保全
func (h *AuditHandler) HoldEntity(c *gin.Context) {
	var req EntityHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	err := h.store.HoldEntity(c.Request.Context(), req.EntityType, req.EntityID, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "操作失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "实体保全已登记"})
}

// GenerateConfigRequest 配置生成请求
type GenerateConfigRequest struct {
	Schema       auditconfig.EntitySchema `json:"schema" binding:"required"`
	MinimumLevel auditconfig.AuditLevel   `json:"minimum_level"`
}

// GenerateConfig 由实体模式生成审计配置并保存为新版本
func (h *AuditHandler) GenerateConfig(c *gin.Context) {
	var req GenerateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: "参数错误: " + err.Error()})
		return
	}

	cfg, err := auditconfig.Generate(req.Schema, auditconfig.Options{
		MinimumLevel: req.MinimumLevel,
		Retention:    h.retention,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Message: err.Error()})
		return
	}

	saved, err := h.configs.Save(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "保存配置失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: saved})
}

// ListConfigs 列出各实体的最新审计配置
func (h *AuditHandler) ListConfigs(c *gin.Context) {
	records, err := h.configs.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: records})
}

// GetConfig 取指定实体的最新审计配置
func (h *AuditHandler) GetConfig(c *gin.Context) {
	entity := c.Param("entity")

	cfg, err := h.configs.Latest(c.Request.Context(), entity)
	if err != nil {
		if errors.Is(err, event.ErrConfiguration) {
			c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Message: "实体尚未生成审计配置"})
			return
		}
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Message: "查询失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: cfg})
}

// Stream 升级为 WebSocket，实时推送新落盘事件的摘要
func (h *AuditHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, response.ErrorResponse{Success: false, Message: "实时推送未启用"})
		return
	}

	entityType := c.Query("entity_type")
	minRisk, _ := strconv.Atoi(c.DefaultQuery("min_risk", "0"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	})

	h.hub.Register(conn, entityType, minRisk)
	_ = conn.WriteJSON(gin.H{"type": "connected", "entity_type": entityType, "min_risk": minRisk})

	go h.readLoop(conn)
}

func (h *AuditHandler) readLoop(conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
