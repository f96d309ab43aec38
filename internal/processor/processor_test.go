package processor

import (
	"context"
	"strings"
	"testing"
	"time"

	"audittrail/internal/auditconfig"
	"audittrail/internal/classify"
	"audittrail/internal/event"
	"audittrail/internal/infra"
	"audittrail/internal/kms"
	"audittrail/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *auditconfig.EntityConfig {
	return &auditconfig.EntityConfig{
		EntityName: "User",
		AuditLevel: auditconfig.LevelFull,
		Fields: []auditconfig.FieldConfig{
			{FieldName: "password", IsSensitive: true, PIIType: classify.PIICredential, MaskingStrategy: classify.MaskHash, RetentionPeriodDays: 90},
			{FieldName: "email", IsSensitive: true, PIIType: classify.PIIEmail, MaskingStrategy: classify.MaskPartial, RetentionPeriodDays: 1095},
			{FieldName: "ssn", IsSensitive: true, PIIType: classify.PIISSN, MaskingStrategy: classify.MaskEncrypt, RetentionPeriodDays: 365},
			{FieldName: "username", IsSensitive: false, MaskingStrategy: classify.MaskNone, RetentionPeriodDays: 2555},
		},
		Version:     1,
		GeneratedAt: time.Now().UTC(),
	}
}

func TestMasker(t *testing.T) {
	keys := kms.NewLocalKeyService()
	m := NewMasker("test-salt", keys, "k1")
	ctx := context.Background()

	t.Run("哈希脱敏确定性", func(t *testing.T) {
		a, err := m.MaskValue(ctx, classify.MaskHash, "secret123")
		require.NoError(t, err)
		b, err := m.MaskValue(ctx, classify.MaskHash, "secret123")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.True(t, strings.HasPrefix(a.(string), "h:"))
		assert.NotContains(t, a.(string), "secret123")
	})

	t.Run("不同盐产生不同哈希", func(t *testing.T) {
		other := NewMasker("other-salt", keys, "k1")
		a, _ := m.MaskValue(ctx, classify.MaskHash, "secret123")
		b, _ := other.MaskValue(ctx, classify.MaskHash, "secret123")
		assert.NotEqual(t, a, b)
	})

	t.Run("邮箱部分可见", func(t *testing.T) {
		v, err := m.MaskValue(ctx, classify.MaskPartial, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "a***@example.com", v)
	})

	t.Run("完全遮盖", func(t *testing.T) {
		v, err := m.MaskValue(ctx, classify.MaskFull, "Beijing Road 1")
		require.NoError(t, err)
		assert.Equal(t, RedactionMarker, v)
	})

	t.Run("加密可由密钥服务还原", func(t *testing.T) {
		v, err := m.MaskValue(ctx, classify.MaskEncrypt, "110-22-3333")
		require.NoError(t, err)
		s := v.(string)
		require.True(t, strings.HasPrefix(s, "enc:k1:"))
		assert.NotContains(t, s, "110-22-3333")
	})

	t.Run("nil 值原样返回", func(t *testing.T) {
		v, err := m.MaskValue(ctx, classify.MaskHash, nil)
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestMaskEvent(t *testing.T) {
	keys := kms.NewLocalKeyService()
	m := NewMasker("test-salt", keys, "k1")
	cfg := testConfig()
	ctx := context.Background()

	ev := &event.Event{
		EntityType: "User",
		EntityID:   "u-1",
		Operation:  event.OpUpdate,
		OldValues: map[string]interface{}{
			"password": "oldpass",
			"username": "alice",
		},
		NewValues: map[string]interface{}{
			"password": "newpass",
			"username": "alice2",
		},
	}
	ev.ChangeSet = event.ComputeChangeSet(ev.OldValues, ev.NewValues)

	masked, residual, err := m.MaskEvent(ctx, ev, cfg)
	require.NoError(t, err)

	t.Run("敏感字段新旧值均被脱敏", func(t *testing.T) {
		assert.NotEqual(t, "oldpass", masked.OldValues["password"])
		assert.NotEqual(t, "newpass", masked.NewValues["password"])
		assert.NotEqual(t, "oldpass", masked.ChangeSet["password"].Old)
		assert.NotEqual(t, "newpass", masked.ChangeSet["password"].New)
	})

	t.Run("非敏感字段保持明文", func(t *testing.T) {
		assert.Equal(t, "alice", masked.OldValues["username"])
		assert.Equal(t, "alice2", masked.NewValues["username"])
	})

	t.Run("哈希脱敏标记残留敏感", func(t *testing.T) {
		assert.True(t, residual)
	})

	t.Run("原事件不被修改", func(t *testing.T) {
		assert.Equal(t, "oldpass", ev.OldValues["password"])
	})

	t.Run("无配置实体不脱敏", func(t *testing.T) {
		m2, res, err := m.MaskEvent(ctx, ev, nil)
		require.NoError(t, err)
		assert.False(t, res)
		assert.Equal(t, "oldpass", m2.OldValues["password"])
	})
}

func TestRiskScore(t *testing.T) {
	cfg := testConfig()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC) // 工作时段

	t.Run("确定性", func(t *testing.T) {
		ev := &event.Event{Operation: event.OpDelete, Timestamp: base, IPAddress: "10.0.0.1"}
		assert.Equal(t, RiskScore(ev, cfg), RiskScore(ev, cfg))
	})

	t.Run("删除高于创建", func(t *testing.T) {
		del := &event.Event{Operation: event.OpDelete, Timestamp: base}
		create := &event.Event{Operation: event.OpCreate, Timestamp: base}
		assert.Greater(t, RiskScore(del, cfg), RiskScore(create, cfg))
	})

	t.Run("非工作时段加分", func(t *testing.T) {
		day := &event.Event{Operation: event.OpUpdate, Timestamp: base}
		night := &event.Event{Operation: event.OpUpdate, Timestamp: base.Add(13 * time.Hour)}
		assert.Greater(t, RiskScore(night, cfg), RiskScore(day, cfg))
	})

	t.Run("公网地址加分", func(t *testing.T) {
		private := &event.Event{Operation: event.OpUpdate, Timestamp: base, IPAddress: "192.168.1.5"}
		public := &event.Event{Operation: event.OpUpdate, Timestamp: base, IPAddress: "203.0.113.8"}
		assert.Greater(t, RiskScore(public, cfg), RiskScore(private, cfg))
	})

	t.Run("触及敏感字段加分", func(t *testing.T) {
		plain := &event.Event{Operation: event.OpUpdate, Timestamp: base,
			ChangeSet: map[string]event.FieldChange{"username": {}}}
		sensitive := &event.Event{Operation: event.OpUpdate, Timestamp: base,
			ChangeSet: map[string]event.FieldChange{"password": {}}}
		assert.Greater(t, RiskScore(sensitive, cfg), RiskScore(plain, cfg))
	})

	t.Run("评分不超过上限", func(t *testing.T) {
		ev := &event.Event{
			Operation: event.OpDelete,
			Timestamp: base.Add(13 * time.Hour),
			IPAddress: "203.0.113.8",
			ChangeSet: map[string]event.FieldChange{"password": {}},
			Security:  &event.SecurityDetail{Severity: event.SeverityCritical},
		}
		score := RiskScore(ev, cfg)
		assert.LessOrEqual(t, score, 100)
		assert.GreaterOrEqual(t, score, 0)
	})
}

func TestBuildTokens(t *testing.T) {
	keys := kms.NewLocalKeyService()
	m := NewMasker("test-salt", keys, "k1")
	cfg := testConfig()

	ev := &event.Event{
		EntityType: "User",
		EntityID:   "u-1",
		Operation:  event.OpUpdate,
		Source:     event.SourceAPI,
		UserID:     "admin-7",
		IPAddress:  "10.0.0.1",
		Tags:       []string{"billing", "Batch"},
		Metadata: map[string]interface{}{
			"department": "Finance",
			"ssn":        "110-22-3333",
		},
	}

	tokens := BuildTokens(ev, cfg, m)
	joined := " " + strings.Join(tokens, " ") + " "

	t.Run("基础维度入索引", func(t *testing.T) {
		assert.Contains(t, tokens, "user")
		assert.Contains(t, tokens, "update")
		assert.Contains(t, tokens, "user:admin-7")
		assert.Contains(t, tokens, "ip:10.0.0.1")
		assert.Contains(t, tokens, "tag:billing")
		assert.Contains(t, tokens, "tag:batch")
	})

	t.Run("非敏感元数据明文可检索", func(t *testing.T) {
		assert.Contains(t, tokens, "finance")
	})

	t.Run("敏感元数据只以哈希入索引", func(t *testing.T) {
		assert.NotContains(t, joined, "110-22-3333")
		assert.Contains(t, tokens, m.HashToken("110-22-3333"))
	})
}

type staticConfigs struct{ cfg *auditconfig.EntityConfig }

func (s staticConfigs) Latest(ctx context.Context, entityName string) (*auditconfig.EntityConfig, error) {
	if s.cfg != nil && s.cfg.EntityName == entityName {
		return s.cfg, nil
	}
	return nil, event.ErrConfiguration
}

func newTestProcessor(t *testing.T) (*Processor, *store.Store) {
	t.Helper()
	db, err := infra.OpenMemoryDatabase()
	require.NoError(t, err)

	keys := kms.NewLocalKeyService()
	st := store.NewStore(db, store.WithKeyService(keys))
	require.NoError(t, st.Migrate())

	m := NewMasker("test-salt", keys, "k1")
	p := NewProcessor(staticConfigs{cfg: testConfig()}, m, st, nil, Options{Workers: 2, QueueSize: 16})
	return p, st
}

func TestBuildRecord(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	ev := &event.Event{
		EntityType:    "User",
		EntityID:      "u-1",
		Operation:     event.OpUpdate,
		UserID:        "admin-7",
		CorrelationID: "corr-1",
		Timestamp:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		OldValues:     map[string]interface{}{"password": "oldpass", "username": "alice"},
		NewValues:     map[string]interface{}{"password": "newpass", "username": "alice"},
		Performance:   &event.PerformanceDetail{DurationMs: 42, StatusCode: 200},
	}
	ev.ChangeSet = event.ComputeChangeSet(ev.OldValues, ev.NewValues)

	rec, err := p.BuildRecord(ctx, ev)
	require.NoError(t, err)

	t.Run("含敏感残留的载荷被加密", func(t *testing.T) {
		assert.True(t, rec.Encrypted)
		assert.Equal(t, "k1", rec.KeyID)
	})

	t.Run("保留期取捕获字段最小值", func(t *testing.T) {
		// password 保留 90 天，username 保留 2555 天，取最小
		expected := ev.Timestamp.Add(90 * 24 * time.Hour)
		assert.Equal(t, expected, rec.ExpiresAt)
	})

	t.Run("性能维度下沉到索引列", func(t *testing.T) {
		assert.Equal(t, int64(42), rec.DurationMs)
		assert.Equal(t, 200, rec.StatusCode)
	})

	t.Run("载荷可解码且敏感值已脱敏", func(t *testing.T) {
		require.NoError(t, st.Insert(ctx, rec))
		got, err := st.GetByID(ctx, rec.ID)
		require.NoError(t, err)

		decoded, err := st.Decode(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, ev.EntityID, decoded.EntityID)
		assert.Equal(t, "corr-1", decoded.CorrelationID)
		assert.NotEqual(t, "oldpass", decoded.OldValues["password"])
		assert.Equal(t, "alice", decoded.OldValues["username"])
	})

	t.Run("相同事件两次构建产生等价记录", func(t *testing.T) {
		again, err := p.BuildRecord(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, again.ID)
		assert.Equal(t, rec.SearchTokens, again.SearchTokens)
		assert.Equal(t, rec.RiskScore, again.RiskScore)
		assert.Equal(t, rec.ExpiresAt, again.ExpiresAt)
	})
}

func TestProcessorAsync(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()
	p.Start()

	t.Run("同实体事件保持先后次序", func(t *testing.T) {
		base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, p.Enqueue(&event.Event{
				EntityType: "Order",
				EntityID:   "o-1",
				Operation:  event.OpUpdate,
				Timestamp:  base.Add(time.Duration(i) * time.Second),
			}))
		}

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, p.Stop(stopCtx))

		result, err := st.Query(ctx, store.Criteria{
			EntityType:     "Order",
			EntityID:       "o-1",
			OrderBy:        "timestamp",
			OrderDirection: "asc",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), result.Total)
		for i := 1; i < len(result.Items); i++ {
			prev := result.Items[i-1].Record.Timestamp
			assert.False(t, result.Items[i].Record.Timestamp.Before(prev))
		}
	})
}

func TestProcessSync(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	ev := &event.Event{
		EntityType: "User",
		EntityID:   "u-9",
		Operation:  event.OpDelete,
		OldValues:  map[string]interface{}{"username": "bob"},
	}
	require.NoError(t, p.Process(ctx, ev))

	got, err := st.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, string(event.OpDelete), got.Operation)

	t.Run("重复处理同一事件幂等", func(t *testing.T) {
		require.NoError(t, p.Process(ctx, ev))
		result, err := st.Query(ctx, store.Criteria{EntityType: "User", EntityID: "u-9"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
	})
}
