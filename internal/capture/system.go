package capture

import (
	"context"
	"runtime"
	"sync"
	"time"

	"audittrail/internal/event"
	"audittrail/internal/logger"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SystemAdapter 系统事件采集适配器。
// 记录进程生命周期、运行配置漂移和内存压力三类事件。
type SystemAdapter struct {
	queue           *Queue
	snapshotEvery   time.Duration
	memoryThreshold float64
	configSource    func() interface{}
	lastSnapshot    string
	snapshotInit    bool

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSystemAdapter 创建系统适配器。
// configSource 返回当前生效配置，用于周期性漂移检测；可以为 nil。
func NewSystemAdapter(queue *Queue, snapshotEvery time.Duration, memoryThreshold float64, configSource func() interface{}) *SystemAdapter {
	if snapshotEvery <= 0 {
		snapshotEvery = time.Minute
	}
	if memoryThreshold <= 0 || memoryThreshold > 1 {
		memoryThreshold = 0.9
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemAdapter{
		queue:           queue,
		snapshotEvery:   snapshotEvery,
		memoryThreshold: memoryThreshold,
		configSource:    configSource,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 记录启动事件并开始周期巡检
func (a *SystemAdapter) Start() {
	a.emitLifecycle("process_start", event.SeverityInfo, "服务进程启动")

	a.wg.Add(1)
	go a.run()
}

// Stop 记录停止事件并结束巡检
func (a *SystemAdapter) Stop() {
	a.cancel()
	a.wg.Wait()
	a.emitLifecycle("process_stop", event.SeverityInfo, "服务进程停止")
}

// EmitConfigChange 外部显式上报一次配置变更（热加载回调等场景）
func (a *SystemAdapter) EmitConfigChange(description string) {
	a.emitLifecycle("config_change", event.SeverityWarning, description)
}

func (a *SystemAdapter) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.snapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkConfigDrift()
			a.checkMemory()
		case <-a.ctx.Done():
			return
		}
	}
}

// checkConfigDrift 对比本轮与上轮配置快照，漂移时上报差异
func (a *SystemAdapter) checkConfigDrift() {
	if a.configSource == nil {
		return
	}

	raw, err := yaml.Marshal(a.configSource())
	if err != nil {
		logger.Warn("生成配置快照失败", zap.Error(err))
		return
	}
	current := string(raw)

	a.mu.Lock()
	previous := a.lastSnapshot
	initialized := a.snapshotInit
	a.lastSnapshot = current
	a.snapshotInit = true
	a.mu.Unlock()

	if !initialized || previous == current {
		return
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: "previous",
		ToFile:   "current",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)

	ev := a.newEvent("config_drift", event.SeverityWarning, "运行配置发生漂移")
	ev.Metadata["diff"] = text
	_ = a.queue.Push(ev)
}

// checkMemory 堆内存占比超过阈值时上报
func (a *SystemAdapter) checkMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	if stats.Sys == 0 {
		return
	}
	ratio := float64(stats.HeapAlloc) / float64(stats.Sys)
	if ratio < a.memoryThreshold {
		return
	}

	severity := event.SeverityWarning
	if ratio >= 0.95 {
		severity = event.SeverityCritical
	}

	ev := a.newEvent("memory_pressure", severity, "堆内存占用超过阈值")
	ev.Metadata["heap_alloc_bytes"] = stats.HeapAlloc
	ev.Metadata["sys_bytes"] = stats.Sys
	ev.Metadata["ratio"] = ratio
	ev.Metadata["goroutines"] = runtime.NumGoroutine()
	_ = a.queue.Push(ev)
}

func (a *SystemAdapter) emitLifecycle(eventType string, severity event.Severity, description string) {
	ev := a.newEvent(eventType, severity, description)
	_ = a.queue.Push(ev)
}

func (a *SystemAdapter) newEvent(eventType string, severity event.Severity, description string) *event.Event {
	ev := &event.Event{
		EntityType: "System",
		EntityID:   eventType,
		Operation:  event.OpCreate,
		Source:     event.SourceSystem,
		Metadata: map[string]interface{}{
			"event_type": eventType,
		},
		Security: &event.SecurityDetail{
			Severity:    severity,
			Description: description,
		},
	}
	ev.EnsureDefaults()
	return ev
}
