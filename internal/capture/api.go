package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"audittrail/internal/classify"
	"audittrail/internal/config"
	"audittrail/internal/event"
	"audittrail/internal/middleware"
	"audittrail/internal/processor"

	"github.com/gin-gonic/gin"
)

// defaultSensitiveHeaders 始终脱敏的请求头
var defaultSensitiveHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-auth-token",
}

// APIAdapter 接口请求采集适配器。
// 以 gin 中间件形式挂载，响应返回后异步生成审计事件，
// 请求路径上只付出读取请求体（可选）的开销。
type APIAdapter struct {
	queue            *Queue
	cfg              config.CaptureConfig
	sensitiveHeaders map[string]bool
	sensitivePaths   map[string]bool
}

// NewAPIAdapter 创建接口适配器
func NewAPIAdapter(queue *Queue, cfg config.CaptureConfig) *APIAdapter {
	headers := make(map[string]bool)
	for _, h := range defaultSensitiveHeaders {
		headers[h] = true
	}
	for _, h := range cfg.SensitiveHeaders {
		headers[strings.ToLower(h)] = true
	}

	paths := make(map[string]bool)
	for _, p := range cfg.SensitivePaths {
		paths[strings.ToLower(p)] = true
	}

	return &APIAdapter{
		queue:            queue,
		cfg:              cfg,
		sensitiveHeaders: headers,
		sensitivePaths:   paths,
	}
}

// Middleware 请求审计中间件
func (a *APIAdapter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var requestBody interface{}
		if a.cfg.CaptureBodies {
			requestBody = a.readBody(c)
		}

		c.Next()

		duration := time.Since(start)
		ev := a.buildEvent(c, requestBody, duration)
		// 入队失败只计数，不影响请求响应
		_ = a.queue.Push(ev)
	}
}

func (a *APIAdapter) buildEvent(c *gin.Context, requestBody interface{}, duration time.Duration) *event.Event {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}

	metadata := map[string]interface{}{
		"method":  c.Request.Method,
		"path":    path,
		"headers": a.sanitizeHeaders(c),
	}
	if query := c.Request.URL.RawQuery; query != "" {
		metadata["query"] = query
	}
	if requestBody != nil {
		metadata["request_body"] = requestBody
	}

	status := c.Writer.Status()
	ev := &event.Event{
		EntityType:    "ApiRequest",
		EntityID:      c.Request.Method + " " + path,
		Operation:     operationOf(c.Request.Method),
		UserID:        c.GetString("user_id"),
		SessionID:     middleware.GetSessionID(c.Request.Context()),
		IPAddress:     c.ClientIP(),
		CorrelationID: middleware.GetCorrelationIDFromGin(c),
		Source:        event.SourceAPI,
		Metadata:      metadata,
		Performance: &event.PerformanceDetail{
			DurationMs:   duration.Milliseconds(),
			StatusCode:   status,
			ResponseSize: int64(c.Writer.Size()),
		},
	}

	// 认证失败与禁止访问作为安全事件记录
	if status == 401 || status == 403 {
		ev.Security = &event.SecurityDetail{
			Severity:    event.SeverityWarning,
			ThreatType:  "access_denied",
			Description: c.Request.Method + " " + path,
		}
	}

	ev.EnsureDefaults()
	return ev
}

// operationOf HTTP 方法到审计操作的映射
func operationOf(method string) event.Operation {
	switch method {
	case "POST":
		return event.OpCreate
	case "PUT", "PATCH":
		return event.OpUpdate
	case "DELETE":
		return event.OpDelete
	default:
		return event.OpSelect
	}
}

// sanitizeHeaders 采集请求头，敏感头以标记替换
func (a *APIAdapter) sanitizeHeaders(c *gin.Context) map[string]string {
	out := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) == 0 {
			continue
		}
		if a.sensitiveHeaders[strings.ToLower(name)] {
			out[name] = processor.RedactionMarker
			continue
		}
		out[name] = values[0]
	}
	return out
}

// readBody 读取并还原 JSON 请求体，超限或非 JSON 时放弃采集
func (a *APIAdapter) readBody(c *gin.Context) interface{} {
	if c.Request.Body == nil {
		return nil
	}
	if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		return nil
	}

	maxBytes := a.cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	if c.Request.ContentLength > int64(maxBytes) {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(maxBytes)+1))
	if err != nil {
		return nil
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))

	if len(raw) > maxBytes {
		return nil
	}

	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return a.redactValue(body)
}

// redactValue 递归脱敏请求体：
// 命中敏感字段名（显式配置或分类规则）的值整体替换
func (a *APIAdapter) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if a.isSensitiveField(k) {
				out[k] = processor.RedactionMarker
				continue
			}
			out[k] = a.redactValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = a.redactValue(inner)
		}
		return out
	default:
		return v
	}
}

func (a *APIAdapter) isSensitiveField(name string) bool {
	if a.sensitivePaths[strings.ToLower(name)] {
		return true
	}
	return classify.IsSensitive(classify.Classify(name, ""))
}
