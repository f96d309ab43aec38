package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// 上下文键
type contextKey string

const (
	// CorrelationIDKey 关联 ID 上下文键
	CorrelationIDKey contextKey = "correlation_id"
	// SessionIDKey 会话 ID 上下文键
	SessionIDKey contextKey = "session_id"
)

// HTTP 头常量
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderSessionID     = "X-Session-ID"
)

// CorrelationMiddleware 关联 ID 中间件
// 透传上游的关联 ID；没有上游值时优先复用环境中的 Trace ID，最后才生成新值。
// 同一逻辑操作下各适配器产出的事件靠它串联。
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				correlationID = sc.TraceID().String()
			}
		}
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		sessionID := c.GetHeader(HeaderSessionID)

		// 设置到 Gin 上下文
		c.Set(string(CorrelationIDKey), correlationID)
		if sessionID != "" {
			c.Set(string(SessionIDKey), sessionID)
		}

		// 注入到 context.Context
		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
		if sessionID != "" {
			ctx = context.WithValue(ctx, SessionIDKey, sessionID)
		}
		c.Request = c.Request.WithContext(ctx)

		// 设置响应头
		c.Header(HeaderCorrelationID, correlationID)

		c.Next()
	}
}

// GetCorrelationID 从上下文获取关联 ID
func GetCorrelationID(ctx context.Context) string {
	if v := ctx.Value(CorrelationIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetSessionID 从上下文获取会话 ID
func GetSessionID(ctx context.Context) string {
	if v := ctx.Value(SessionIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// GetCorrelationIDFromGin 从 Gin 上下文获取关联 ID
func GetCorrelationIDFromGin(c *gin.Context) string {
	if id, exists := c.Get(string(CorrelationIDKey)); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
