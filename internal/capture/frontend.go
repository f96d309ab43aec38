package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/logger"
	"audittrail/internal/metrics"
	"audittrail/internal/middleware"

	"go.uber.org/zap"
)

// FrontendEvent 前端上报的用户行为事件
type FrontendEvent struct {
	EventType string                 `json:"event_type" binding:"required"` // click, navigation, form_submit ...
	Target    string                 `json:"target"`
	Page      string                 `json:"page"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// frontendBufferCap 缓冲上限，与共享队列默认容量一致
const frontendBufferCap = 4096

// FrontendAdapter 前端行为采集适配器。
// 事件先进入本地缓冲，攒够一批或到达刷新间隔时整批下发；
// 下发失败的事件回插缓冲头部，下一轮重试，保持上报顺序。
// 缓冲有界：下游持续不可用时丢弃最旧事件并计数，内存不随积压增长。
type FrontendAdapter struct {
	emitter   Emitter
	batchSize int
	maxBuffer int
	interval  time.Duration

	mu  sync.Mutex
	buf []*event.Event

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFrontendAdapter 创建前端适配器。batchSize、interval 非法时取默认 50 条 / 5 秒。
func NewFrontendAdapter(emitter Emitter, batchSize int, interval time.Duration) *FrontendAdapter {
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxBuffer := frontendBufferCap
	if maxBuffer < batchSize {
		maxBuffer = batchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FrontendAdapter{
		emitter:   emitter,
		batchSize: batchSize,
		maxBuffer: maxBuffer,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 启动定时刷新协程
func (a *FrontendAdapter) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop 尽力下发残余缓冲后停止
func (a *FrontendAdapter) Stop(ctx context.Context) error {
	a.cancel()
	a.wg.Wait()
	return a.Flush(ctx)
}

// Collect 接收单个前端事件并归一化入缓冲
func (a *FrontendAdapter) Collect(ctx context.Context, fe FrontendEvent) error {
	if fe.EventType == "" {
		metrics.EventsDropped.WithLabelValues("frontend", "invalid").Inc()
		return fmt.Errorf("%w: 前端事件缺少 event_type", event.ErrCapture)
	}

	actor := ActorFromContext(ctx)
	ev := &event.Event{
		EntityType:    "UserInteraction",
		EntityID:      fe.Target,
		Operation:     event.OpCreate,
		UserID:        actor.UserID,
		SessionID:     middleware.GetSessionID(ctx),
		IPAddress:     actor.IPAddress,
		CorrelationID: middleware.GetCorrelationID(ctx),
		Source:        event.SourceFrontend,
		Timestamp:     fe.Timestamp,
		Metadata: map[string]interface{}{
			"event_type": fe.EventType,
			"page":       fe.Page,
		},
	}
	if actor.SessionID != "" && ev.SessionID == "" {
		ev.SessionID = actor.SessionID
	}
	for k, v := range fe.Metadata {
		ev.Metadata[k] = v
	}
	ev.EnsureDefaults()

	a.mu.Lock()
	a.buf = append(a.buf, ev)
	a.enforceCapLocked()
	full := len(a.buf) >= a.batchSize
	a.mu.Unlock()

	metrics.EventsCaptured.WithLabelValues("frontend").Inc()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush 下发当前缓冲。
// 中途失败时未下发部分回插头部，返回错误交由下一轮重试。
func (a *FrontendAdapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	metrics.CaptureQueueDepth.WithLabelValues("frontend").Set(0)

	for i, ev := range batch {
		if err := a.emitter.Enqueue(ev); err != nil {
			a.mu.Lock()
			a.buf = append(batch[i:], a.buf...)
			a.enforceCapLocked()
			depth := len(a.buf)
			a.mu.Unlock()

			metrics.CaptureQueueDepth.WithLabelValues("frontend").Set(float64(depth))
			logger.Warn("前端事件批量下发失败，剩余事件待重试",
				zap.Int("remaining", len(batch)-i),
				zap.Error(err))
			return fmt.Errorf("%w: 前端批量下发失败: %v", event.ErrCapture, err)
		}
	}
	return nil
}

// enforceCapLocked 超过上限时丢弃最旧事件，调用方须持有 a.mu
func (a *FrontendAdapter) enforceCapLocked() {
	if len(a.buf) <= a.maxBuffer {
		return
	}
	dropped := len(a.buf) - a.maxBuffer
	a.buf = append([]*event.Event(nil), a.buf[dropped:]...)
	metrics.EventsDropped.WithLabelValues("frontend", "buffer_full").Add(float64(dropped))
}

// Pending 当前缓冲的事件数
func (a *FrontendAdapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *FrontendAdapter) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Flush(a.ctx); err != nil {
				// 错误已记录，事件仍在缓冲中等待下一轮
				continue
			}
		case <-a.ctx.Done():
			return
		}
	}
}
