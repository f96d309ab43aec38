package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	response "audittrail/api/handlers/common"
	"audittrail/internal/auditconfig"
	"audittrail/internal/capture"
	"audittrail/internal/classify"
	"audittrail/internal/event"
	"audittrail/internal/infra"
	"audittrail/internal/kms"
	"audittrail/internal/processor"
	"audittrail/internal/store"
	"audittrail/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	router   *gin.Engine
	store    *store.Store
	configs  *auditconfig.Store
	proc     *processor.Processor
	queue    *capture.Queue
	frontend *capture.FrontendAdapter
	hub      *stream.Hub
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := infra.OpenMemoryDatabase()
	require.NoError(t, err)

	keys := kms.NewLocalKeyService()
	masker := processor.NewMasker("test_salt", keys, "audit-default")

	configs := auditconfig.NewStore(db)
	require.NoError(t, configs.Migrate())

	st := store.NewStore(db, store.WithKeyService(keys))
	require.NoError(t, st.Migrate())

	proc := processor.NewProcessor(configs, masker, st, nil, processor.Options{Workers: 1})
	hub := stream.NewHub()
	proc.OnPersisted(hub.Publish)
	proc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Stop(ctx)
	})

	q := capture.NewQueue("api", 64, capture.DropOldest, proc)
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	frontend := capture.NewFrontendAdapter(proc, 10, time.Hour)
	frontend.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = frontend.Stop(ctx)
	})

	retention := classify.RetentionPolicy{Credential: 30, Financial: 400, Sensitive: 1200, NonSensitive: 2600}
	h := NewAuditHandler(q, frontend, st, configs, proc, hub, retention)

	router := gin.New()
	v1 := router.Group("/api/v1")
	audit := v1.Group("/audit")
	audit.POST("/events", h.IngestEvents)
	audit.POST("/events/frontend", h.CollectFrontend)
	audit.GET("/events", h.QueryEvents)
	audit.GET("/events/:id", h.GetEvent)
	audit.GET("/aggregate", h.Aggregate)
	audit.PUT("/events/:id/hold", h.SetLegalHold)
	audit.POST("/holds", h.HoldEntity)
	audit.POST("/configs/generate", h.GenerateConfig)
	audit.GET("/configs", h.ListConfigs)
	audit.GET("/configs/:entity", h.GetConfig)
	audit.GET("/stream", h.Stream)

	return &handlerFixture{
		router:   router,
		store:    st,
		configs:  configs,
		proc:     proc,
		queue:    q,
		frontend: frontend,
		hub:      hub,
	}
}

func (f *handlerFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

// seed 同步写入一条事件，便于查询类用例做确定性断言
func (f *handlerFixture) seed(t *testing.T, ev *event.Event) {
	t.Helper()
	require.NoError(t, f.proc.Process(context.Background(), ev))
}

func sampleEvent(id, entityID string, op event.Operation) *event.Event {
	return &event.Event{
		ID:            id,
		Timestamp:     time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		EntityType:    "Order",
		EntityID:      entityID,
		Operation:     op,
		UserID:        "u-1",
		CorrelationID: "corr-1",
		Source:        event.SourceAPI,
		NewValues:     map[string]interface{}{"status": "paid"},
	}
}

func TestIngestEvents(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("批量上报入队并异步落盘", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/events", gin.H{
			"events": []interface{}{
				sampleEvent("in-1", "o-1", event.OpCreate),
				sampleEvent("in-2", "o-2", event.OpUpdate),
			},
		})
		require.Equal(t, http.StatusAccepted, resp.Code)

		var body response.APIResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		data := body.Data.(map[string]interface{})
		assert.Equal(t, float64(2), data["accepted"])
		assert.Equal(t, float64(0), data["rejected"])

		require.Eventually(t, func() bool {
			result, err := f.store.Query(context.Background(), store.Criteria{EntityType: "Order"})
			return err == nil && result.Total == 2
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("缺少实体类型的事件被拒绝", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/events", gin.H{
			"events": []interface{}{
				gin.H{"operation": "CREATE"},
			},
		})
		require.Equal(t, http.StatusAccepted, resp.Code)

		var body response.APIResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		data := body.Data.(map[string]interface{})
		assert.Equal(t, float64(0), data["accepted"])
		assert.Equal(t, float64(1), data["rejected"])
	})

	t.Run("空事件列表返回400", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/events", gin.H{"events": []interface{}{}})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestCollectFrontendEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.do(http.MethodPost, "/api/v1/audit/events/frontend", gin.H{
		"events": []interface{}{
			gin.H{"event_type": "click", "target": "#buy", "page": "/checkout"},
			gin.H{"event_type": "navigation", "page": "/orders"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.Code)

	var body response.APIResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["accepted"])

	// 批量未满、未到刷新间隔，事件应在适配器缓冲中
	assert.Equal(t, 2, f.frontend.Pending())
}

func TestQueryAndGetEvent(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, sampleEvent("q-1", "o-1", event.OpCreate))
	f.seed(t, sampleEvent("q-2", "o-2", event.OpDelete))

	t.Run("条件查询", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/events?entity_type=Order&operations=DELETE", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var body response.ListResponse
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, int64(1), body.Pagination.Total)
	})

	t.Run("非法查询条件返回400", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/events?limit=100000", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("按ID取回并解码", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/events/q-1", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"entity_type":"Order"`)
		assert.Contains(t, resp.Body.String(), `"status"`)
	})

	t.Run("不存在的ID返回404", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/events/missing", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestAggregateEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, sampleEvent("a-1", "o-1", event.OpCreate))
	f.seed(t, sampleEvent("a-2", "o-2", event.OpCreate))

	resp := f.do(http.MethodGet, "/api/v1/audit/aggregate?period=day", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body response.APIResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	buckets := body.Data.([]interface{})
	require.Len(t, buckets, 1)
	bucket := buckets[0].(map[string]interface{})
	assert.Equal(t, float64(2), bucket["count"])
}

func TestLegalHoldEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, sampleEvent("h-1", "o-1", event.OpUpdate))

	t.Run("单条保全", func(t *testing.T) {
		resp := f.do(http.MethodPut, "/api/v1/audit/events/h-1/hold", gin.H{"hold": true, "reason": "诉讼取证"})
		require.Equal(t, http.StatusOK, resp.Code)

		rec, err := f.store.GetByID(context.Background(), "h-1")
		require.NoError(t, err)
		assert.True(t, rec.LegalHold)
	})

	t.Run("不存在的记录返回404", func(t *testing.T) {
		resp := f.do(http.MethodPut, "/api/v1/audit/events/missing/hold", gin.H{"hold": true})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("实体级保全", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/holds", gin.H{
			"entity_type": "Order",
			"entity_id":   "o-1",
			"reason":      "监管调查",
		})
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("缺少实体标识返回400", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/holds", gin.H{"reason": "x"})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestConfigEndpoints(t *testing.T) {
	f := newHandlerFixture(t)

	t.Run("生成并保存配置", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/configs/generate", gin.H{
			"schema": gin.H{
				"entity_name": "User",
				"fields": []interface{}{
					gin.H{"name": "username", "type": "string"},
					gin.H{"name": "password", "type": "string"},
				},
			},
		})
		require.Equal(t, http.StatusCreated, resp.Code)
		assert.Contains(t, resp.Body.String(), `"entity_name":"User"`)
	})

	t.Run("部署级保留期覆盖写入字段配置", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/configs/User", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Data auditconfig.EntityConfig `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))

		password := body.Data.FieldByName("password")
		require.NotNil(t, password)
		assert.Equal(t, 30, password.RetentionPeriodDays)

		username := body.Data.FieldByName("username")
		require.NotNil(t, username)
		assert.Equal(t, 2600, username.RetentionPeriodDays)
	})

	t.Run("查询最新配置", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/configs/User", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), `"password"`)
	})

	t.Run("列出全部配置", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/configs", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), "User")
	})

	t.Run("未生成配置的实体返回404", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/api/v1/audit/configs/Unknown", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("空字段列表返回400", func(t *testing.T) {
		resp := f.do(http.MethodPost, "/api/v1/audit/configs/generate", gin.H{
			"schema": gin.H{"entity_name": "Empty"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestStreamEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	server := httptest.NewServer(f.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/audit/stream?min_risk=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var hello map[string]interface{}
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello["type"])

	f.seed(t, sampleEvent("s-1", "o-9", event.OpDelete))

	var notice stream.Notice
	require.NoError(t, conn.ReadJSON(&notice))
	assert.Equal(t, "audit_event", notice.Type)
	assert.Equal(t, "s-1", notice.ID)
	assert.Equal(t, "Order", notice.EntityType)
	assert.Equal(t, "DELETE", notice.Operation)
}
