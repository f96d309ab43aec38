package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/infra"
	"audittrail/internal/kms"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// simClock 可推进的模拟时钟
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSimClock(start time.Time) *simClock {
	return &simClock{now: start.UTC()}
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := infra.OpenMemoryDatabase()
	require.NoError(t, err)

	s := NewStore(db, opts...)
	require.NoError(t, s.Migrate())
	return s
}

// makeRecord 构造一条最小可写入记录，载荷为 gzip 后的事件 JSON
func makeRecord(t *testing.T, ev event.Event, expiresAt time.Time) *Record {
	t.Helper()
	ev.EnsureDefaults()

	raw, err := json.Marshal(&ev)
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return &Record{
		ID:            ev.ID,
		Timestamp:     ev.Timestamp.UTC(),
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Operation:     string(ev.Operation),
		UserID:        ev.UserID,
		SessionID:     ev.SessionID,
		IPAddress:     ev.IPAddress,
		CorrelationID: ev.CorrelationID,
		Source:        string(ev.Source),
		Status:        string(event.StatusPersisted),
		ExpiresAt:     expiresAt,
		SearchTokens:  JoinTokens(append(SplitTokens(ev.EntityType), string(ev.Operation))),
		Payload:       buf.Bytes(),
	}
}

func TestInsertAndGet(t *testing.T) {
	clock := newSimClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	ev := event.Event{
		EntityType: "User",
		EntityID:   "u-1",
		Operation:  event.OpCreate,
		Timestamp:  clock.Now(),
	}
	rec := makeRecord(t, ev, clock.Now().Add(90*24*time.Hour))
	require.NoError(t, s.Insert(ctx, rec))

	t.Run("按 ID 取回并解码", func(t *testing.T) {
		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "User", got.EntityType)

		decoded, err := s.Decode(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, "u-1", decoded.EntityID)
		assert.Equal(t, event.OpCreate, decoded.Operation)
	})

	t.Run("同一 ID 重复写入幂等", func(t *testing.T) {
		require.NoError(t, s.Insert(ctx, rec))
		result, err := s.Query(ctx, Criteria{EntityType: "User", EntityID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
	})

	t.Run("缺少 ID 拒绝写入", func(t *testing.T) {
		bad := &Record{Timestamp: clock.Now()}
		err := s.Insert(ctx, bad)
		assert.ErrorIs(t, err, event.ErrPersistence)
	})

	t.Run("不存在的 ID", func(t *testing.T) {
		_, err := s.GetByID(ctx, uuid.New().String())
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestTTLVisibility(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	ev := event.Event{EntityType: "User", EntityID: "u-ttl", Operation: event.OpUpdate, Timestamp: start}
	rec := makeRecord(t, ev, start.Add(90*24*time.Hour))
	require.NoError(t, s.Insert(ctx, rec))

	t.Run("保留期内可见", func(t *testing.T) {
		clock.Advance(89 * 24 * time.Hour)
		_, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
	})

	t.Run("过期后对查询不可见", func(t *testing.T) {
		clock.Advance(2 * 24 * time.Hour) // 第 91 天
		_, err := s.GetByID(ctx, rec.ID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

		result, err := s.Query(ctx, Criteria{EntityType: "User", EntityID: "u-ttl"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Total)
	})

	t.Run("法律保全恢复可见性并阻止清理", func(t *testing.T) {
		require.NoError(t, s.SetLegalHold(ctx, rec.ID, true))

		_, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)

		purged, err := s.Purge(ctx)
		require.NoError(t, err)
		assert.Empty(t, purged)
	})

	t.Run("解除保全后分区整体清理", func(t *testing.T) {
		require.NoError(t, s.SetLegalHold(ctx, rec.ID, false))

		purged, err := s.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"20260310"}, purged)

		parts, err := s.listPartitions(ctx)
		require.NoError(t, err)
		assert.Empty(t, parts)
	})
}

func TestEntityHold(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()

	ev := event.Event{EntityType: "Contract", EntityID: "c-1", Operation: event.OpCreate, Timestamp: start}
	rec := makeRecord(t, ev, start.Add(24*time.Hour))
	require.NoError(t, s.Insert(ctx, rec))

	require.NoError(t, s.HoldEntity(ctx, "Contract", "c-1", "诉讼保全"))

	t.Run("既有记录被标记保全", func(t *testing.T) {
		got, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.LegalHold)
	})

	t.Run("后续写入自动继承保全", func(t *testing.T) {
		later := event.Event{EntityType: "Contract", EntityID: "c-1", Operation: event.OpUpdate, Timestamp: start.Add(time.Hour)}
		rec2 := makeRecord(t, later, start.Add(24*time.Hour))
		require.NoError(t, s.Insert(ctx, rec2))

		got, err := s.GetByID(ctx, rec2.ID)
		require.NoError(t, err)
		assert.True(t, got.LegalHold)
	})

	t.Run("保全实体过期后仍可见", func(t *testing.T) {
		clock.Advance(48 * time.Hour)
		_, err := s.GetByID(ctx, rec.ID)
		require.NoError(t, err)
	})
}

func TestQueryFilters(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	seed := []event.Event{
		{EntityType: "User", EntityID: "u-1", Operation: event.OpCreate, UserID: "admin", Timestamp: start},
		{EntityType: "User", EntityID: "u-1", Operation: event.OpUpdate, UserID: "admin", Timestamp: start.Add(time.Minute)},
		{EntityType: "User", EntityID: "u-2", Operation: event.OpDelete, UserID: "root", Timestamp: start.Add(2 * time.Minute)},
		{EntityType: "Order", EntityID: "o-1", Operation: event.OpCreate, UserID: "admin", Timestamp: start.Add(3 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, s.Insert(ctx, makeRecord(t, seed[i], expiry)))
	}

	t.Run("按实体类型过滤", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{EntityType: "User"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.Total)
	})

	t.Run("按操作类型过滤", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{Operations: []event.Operation{event.OpDelete}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
		assert.Equal(t, "u-2", result.Items[0].Record.EntityID)
	})

	t.Run("按用户过滤", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{UserID: "root"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
	})

	t.Run("全文检索命中 token", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{SearchText: "order"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
	})

	t.Run("分页", func(t *testing.T) {
		page1, err := s.Query(ctx, Criteria{Limit: 2, OrderBy: "timestamp", OrderDirection: "asc"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), page1.Total)
		require.Len(t, page1.Items, 2)

		page2, err := s.Query(ctx, Criteria{Limit: 2, Offset: 2, OrderBy: "timestamp", OrderDirection: "asc"})
		require.NoError(t, err)
		require.Len(t, page2.Items, 2)
		assert.NotEqual(t, page1.Items[0].Record.ID, page2.Items[0].Record.ID)
	})

	t.Run("默认按时间倒序", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{})
		require.NoError(t, err)
		require.NotEmpty(t, result.Items)
		assert.Equal(t, "Order", result.Items[0].Record.EntityType)
	})

	t.Run("非法条件", func(t *testing.T) {
		_, err := s.Query(ctx, Criteria{Limit: -1})
		assert.ErrorIs(t, err, event.ErrQuery)

		_, err = s.Query(ctx, Criteria{Limit: maxLimit + 1})
		assert.ErrorIs(t, err, event.ErrQuery)

		_, err = s.Query(ctx, Criteria{OrderBy: "payload"})
		assert.ErrorIs(t, err, event.ErrQuery)

		end := start.Add(-time.Hour)
		_, err = s.Query(ctx, Criteria{StartDate: &start, EndDate: &end})
		assert.ErrorIs(t, err, event.ErrQuery)
	})
}

func TestQueryByCorrelation(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	// 同一次请求经数据库、接口、前端三个适配器各产生一个事件
	corr := "corr-shared"
	sources := []event.Source{event.SourceDatabase, event.SourceAPI, event.SourceFrontend}
	for i, src := range sources {
		ev := event.Event{
			EntityType:    "User",
			EntityID:      "u-1",
			Operation:     event.OpUpdate,
			Source:        src,
			CorrelationID: corr,
			Timestamp:     start.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Insert(ctx, makeRecord(t, ev, expiry)))
	}

	result, err := s.Query(ctx, Criteria{
		CorrelationID:  corr,
		OrderBy:        "timestamp",
		OrderDirection: "asc",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Total)

	for i, src := range sources {
		assert.Equal(t, string(src), result.Items[i].Record.Source)
	}
}

func TestConcurrentInsert(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := event.Event{
				EntityType: "Job",
				EntityID:   fmt.Sprintf("j-%d", i),
				Operation:  event.OpCreate,
				Timestamp:  start.Add(time.Duration(i) * time.Millisecond),
			}
			errs <- s.Insert(ctx, makeRecord(t, ev, expiry))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	result, err := s.Query(ctx, Criteria{EntityType: "Job", Limit: maxLimit})
	require.NoError(t, err)
	assert.Equal(t, int64(n), result.Total)
}

func TestPartitioning(t *testing.T) {
	start := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	// 跨 UTC 日界的两条记录落入不同分区
	ev1 := event.Event{EntityType: "User", EntityID: "u-1", Operation: event.OpCreate, Timestamp: start}
	ev2 := event.Event{EntityType: "User", EntityID: "u-1", Operation: event.OpUpdate, Timestamp: start.Add(time.Hour)}
	require.NoError(t, s.Insert(ctx, makeRecord(t, ev1, expiry)))
	require.NoError(t, s.Insert(ctx, makeRecord(t, ev2, expiry)))

	parts, err := s.listPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "20260310", parts[0].Key)
	assert.Equal(t, "20260311", parts[1].Key)

	t.Run("跨分区查询合并结果", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{EntityType: "User", EntityID: "u-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Total)
	})

	t.Run("时间范围裁剪分区", func(t *testing.T) {
		end := start.Add(10 * time.Minute)
		result, err := s.Query(ctx, Criteria{StartDate: &start, EndDate: &end})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)
	})
}

func TestAggregate(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	seed := []struct {
		ts     time.Time
		user   string
		durMs  int64
		status int
	}{
		{start, "alice", 100, 200},
		{start.Add(10 * time.Minute), "bob", 300, 200},
		{start.Add(20 * time.Minute), "alice", 200, 500},
		{start.Add(25 * time.Hour), "alice", 50, 200},
	}
	for i, sd := range seed {
		ev := event.Event{
			EntityType:  "Api",
			EntityID:    fmt.Sprintf("r-%d", i),
			Operation:   event.OpSelect,
			UserID:      sd.user,
			Timestamp:   sd.ts,
			Performance: &event.PerformanceDetail{DurationMs: sd.durMs, StatusCode: sd.status},
		}
		rec := makeRecord(t, ev, expiry)
		rec.DurationMs = sd.durMs
		rec.StatusCode = sd.status
		require.NoError(t, s.Insert(ctx, rec))
	}

	t.Run("按日聚合", func(t *testing.T) {
		buckets, err := s.Aggregate(ctx, AggregateCriteria{Period: PeriodDay})
		require.NoError(t, err)
		require.Len(t, buckets, 2)

		day1 := buckets[0]
		assert.Equal(t, start.Truncate(24*time.Hour), day1.PeriodStart)
		assert.Equal(t, int64(3), day1.Count)
		assert.Equal(t, int64(2), day1.UniqueUsers)
		assert.InDelta(t, 200.0, day1.AvgDurationMs, 0.01)
		assert.InDelta(t, 1.0/3.0, day1.ErrorRate, 0.01)

		assert.Equal(t, int64(1), buckets[1].Count)
	})

	t.Run("按小时聚合", func(t *testing.T) {
		buckets, err := s.Aggregate(ctx, AggregateCriteria{Period: PeriodHour})
		require.NoError(t, err)
		assert.Len(t, buckets, 2)
		assert.Equal(t, int64(3), buckets[0].Count)
	})

	t.Run("按周对齐周一", func(t *testing.T) {
		buckets, err := s.Aggregate(ctx, AggregateCriteria{Period: PeriodWeek})
		require.NoError(t, err)
		require.NotEmpty(t, buckets)
		assert.Equal(t, time.Monday, buckets[0].PeriodStart.Weekday())
	})

	t.Run("非法粒度", func(t *testing.T) {
		_, err := s.Aggregate(ctx, AggregateCriteria{Period: "year"})
		assert.ErrorIs(t, err, event.ErrQuery)
	})
}

func TestTagsAndTokens(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	s := newTestStore(t, WithNowFunc(clock.Now))
	ctx := context.Background()
	expiry := start.Add(365 * 24 * time.Hour)

	ev := event.Event{EntityType: "Invoice", EntityID: "i-1", Operation: event.OpCreate, Timestamp: start}
	rec := makeRecord(t, ev, expiry)
	rec.SearchTokens = JoinTokens([]string{"invoice", "create", "tag:billing"})
	tags, _ := json.Marshal([]string{"billing"})
	rec.Tags = tags
	require.NoError(t, s.Insert(ctx, rec))

	t.Run("按标签过滤", func(t *testing.T) {
		result, err := s.Query(ctx, Criteria{Tags: []string{"billing"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Total)

		result, err = s.Query(ctx, Criteria{Tags: []string{"shipping"}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Total)
	})

	t.Run("token 完整词匹配", func(t *testing.T) {
		// "voice" 是 "invoice" 的子串但不是完整 token
		result, err := s.Query(ctx, Criteria{SearchText: "voice"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.Total)
	})
}

func TestEncryptedPayloadRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := newSimClock(start)
	keys := kms.NewLocalKeyService()
	s := newTestStore(t, WithNowFunc(clock.Now), WithKeyService(keys))
	ctx := context.Background()

	ev := event.Event{EntityType: "User", EntityID: "u-1", Operation: event.OpUpdate, Timestamp: start}
	rec := makeRecord(t, ev, start.Add(24*time.Hour))

	cipher, err := keys.Encrypt(ctx, rec.Payload, "k1")
	require.NoError(t, err)
	rec.Payload = cipher
	rec.Encrypted = true
	rec.KeyID = "k1"
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)

	decoded, err := s.Decode(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "u-1", decoded.EntityID)
}
