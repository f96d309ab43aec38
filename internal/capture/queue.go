package capture

import (
	"context"
	"fmt"
	"sync"

	"audittrail/internal/event"
	"audittrail/internal/logger"
	"audittrail/internal/metrics"

	"go.uber.org/zap"
)

// Emitter 事件下游出口，处理器实现该接口
type Emitter interface {
	Enqueue(ev *event.Event) error
}

// DropPolicy 队列饱和时的丢弃策略
type DropPolicy string

const (
	DropOldest   DropPolicy = "drop_oldest"   // 丢弃队首最旧事件，接纳新事件
	RejectNewest DropPolicy = "reject_newest" // 拒绝新事件，保留既有积压
)

// Queue 适配器与处理器之间的有界缓冲。
// 采集方永不阻塞业务路径：队列满时按策略丢弃并计数。
type Queue struct {
	adapter string
	policy  DropPolicy
	ch      chan *event.Event
	emitter Emitter

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue 创建有界队列，size <= 0 时取默认 4096
func NewQueue(adapter string, size int, policy DropPolicy, emitter Emitter) *Queue {
	if size <= 0 {
		size = 4096
	}
	if policy != RejectNewest {
		policy = DropOldest
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		adapter: adapter,
		policy:  policy,
		ch:      make(chan *event.Event, size),
		emitter: emitter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动转发协程
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.drain()
}

// Stop 排空队列后停止，ctx 超时则放弃剩余事件
func (q *Queue) Stop(ctx context.Context) error {
	close(q.ch)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("采集队列 %s 停止超时: %w", q.adapter, ctx.Err())
	}
	q.cancel()
	return nil
}

// Push 非阻塞入队。
// 队列满时 drop_oldest 腾出一个位置，reject_newest 返回错误。
func (q *Queue) Push(ev *event.Event) error {
	ev.EnsureDefaults()

	select {
	case q.ch <- ev:
		metrics.EventsCaptured.WithLabelValues(q.adapter).Inc()
		metrics.CaptureQueueDepth.WithLabelValues(q.adapter).Set(float64(len(q.ch)))
		return nil
	default:
	}

	if q.policy == RejectNewest {
		metrics.EventsDropped.WithLabelValues(q.adapter, "queue_full").Inc()
		return fmt.Errorf("%w: 采集队列 %s 已满", event.ErrCapture, q.adapter)
	}

	// drop_oldest：弹出队首再入队，两步之间有并发窗口，最多各丢一个
	select {
	case dropped := <-q.ch:
		metrics.EventsDropped.WithLabelValues(q.adapter, "queue_full").Inc()
		logger.Warn("采集队列已满，丢弃最旧事件",
			zap.String("adapter", q.adapter),
			zap.String("dropped_event_id", dropped.ID))
	default:
	}

	select {
	case q.ch <- ev:
		metrics.EventsCaptured.WithLabelValues(q.adapter).Inc()
		return nil
	default:
		metrics.EventsDropped.WithLabelValues(q.adapter, "queue_full").Inc()
		return fmt.Errorf("%w: 采集队列 %s 已满", event.ErrCapture, q.adapter)
	}
}

// Depth 当前队列深度
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for ev := range q.ch {
		metrics.CaptureQueueDepth.WithLabelValues(q.adapter).Set(float64(len(q.ch)))
		if err := q.emitter.Enqueue(ev); err != nil {
			metrics.EventsDropped.WithLabelValues(q.adapter, "emit_failed").Inc()
			logger.Error("事件转发失败",
				zap.String("adapter", q.adapter),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}
