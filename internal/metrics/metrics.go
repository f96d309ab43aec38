package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 事件采集指标
var (
	// EventsCaptured 各适配器成功采集的事件数
	EventsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audittrail_events_captured_total",
			Help: "各适配器成功采集的审计事件总数",
		},
		[]string{"adapter"},
	)

	// EventsDropped 因队列饱和或归一化失败被丢弃的事件数
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audittrail_events_dropped_total",
			Help: "被丢弃的审计事件总数",
		},
		[]string{"adapter", "reason"},
	)

	// CaptureQueueDepth 各适配器当前队列深度
	CaptureQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audittrail_capture_queue_depth",
			Help: "各适配器有界队列的当前深度",
		},
		[]string{"adapter"},
	)
)

// 处理器指标
var (
	// ProcessingDuration 事件处理耗时（脱敏+压缩+加密+写入）
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audittrail_processing_duration_seconds",
			Help:    "单个事件从脱敏到持久化的耗时",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PersistRetries 持久化重试次数
	PersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_persist_retries_total",
			Help: "存储写入重试总次数",
		},
	)

	// DeadLettered 进入死信队列的事件数
	DeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_dead_lettered_total",
			Help: "重试耗尽后进入死信队列的事件总数",
		},
	)

	// EncryptionFailures 加密失败次数（事件被保留在缓冲区）
	EncryptionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_encryption_failures_total",
			Help: "加密协作方调用失败总次数",
		},
	)
)

// 存储指标
var (
	// RecordsPersisted 成功持久化的记录数
	RecordsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_records_persisted_total",
			Help: "成功写入存储的审计记录总数",
		},
	)

	// PartitionsPurged 已清理的时间分区数
	PartitionsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_partitions_purged_total",
			Help: "TTL 到期后被整体删除的分区总数",
		},
	)

	// PartitionsArchived 已归档的时间分区数
	PartitionsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audittrail_partitions_archived_total",
			Help: "转入冷归档的分区总数",
		},
	)

	// QueriesTotal 查询请求数
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audittrail_queries_total",
			Help: "查询引擎处理的请求总数",
		},
		[]string{"status"},
	)
)
