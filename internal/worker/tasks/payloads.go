package tasks

import (
	"time"

	"audittrail/internal/event"
)

// 任务类型
const (
	TypeDeadLetter      = "audit:dead_letter"
	TypePurgePartitions = "audit:purge_partitions"
	TypeArchiveSweep    = "audit:archive_sweep"
)

// DeadLetterPayload 死信任务载荷：原始事件与失败原因
type DeadLetterPayload struct {
	Event    event.Event `json:"event"`
	Cause    string      `json:"cause"`
	FailedAt time.Time   `json:"failed_at"`
}

// PurgePayload 分区清理任务载荷，空结构体即可触发一轮清理
type PurgePayload struct{}

// ArchivePayload 归档扫描任务载荷
type ArchivePayload struct{}
