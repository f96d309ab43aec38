package stream

import (
	"sync"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/logger"
	"audittrail/internal/store"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Notice 推送给订阅方的事件摘要。
// 只携带索引级字段，载荷内容（即使已脱敏）不经实时通道外发。
type Notice struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Operation     string    `json:"operation"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	RiskScore     int       `json:"risk_score"`
}

type clientConn struct {
	conn       *websocket.Conn
	entityType string // 空值订阅全部实体
	minRisk    int
	mu         sync.Mutex
}

// Hub 审计事件实时订阅中心。
// 慢消费者直接断开，不在服务端为其排队。
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*clientConn
}

// NewHub 创建订阅中心
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*clientConn)}
}

// Register 注册连接及其过滤条件
func (h *Hub) Register(conn *websocket.Conn, entityType string, minRisk int) {
	h.mu.Lock()
	h.clients[conn] = &clientConn{conn: conn, entityType: entityType, minRisk: minRisk}
	h.mu.Unlock()
}

// Unregister 移除连接
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// Count 当前订阅数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 向命中过滤条件的订阅方推送记录摘要。
// 作为处理器的持久化回调挂载，在工作协程内执行。
func (h *Hub) Publish(rec *store.Record, _ *event.Event) {
	notice := Notice{
		Type:          "audit_event",
		ID:            rec.ID,
		Timestamp:     rec.Timestamp,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Operation:     rec.Operation,
		Source:        rec.Source,
		CorrelationID: rec.CorrelationID,
		RiskScore:     rec.RiskScore,
	}

	h.mu.RLock()
	targets := make([]*clientConn, 0, len(h.clients))
	for _, client := range h.clients {
		if client.entityType != "" && client.entityType != rec.EntityType {
			continue
		}
		if rec.RiskScore < client.minRisk {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := client.conn.WriteJSON(notice)
		client.mu.Unlock()

		if err != nil {
			logger.Debug("实时推送失败，断开订阅方", zap.Error(err))
			h.Unregister(client.conn)
			_ = client.conn.Close()
		}
	}
}
