package store

import (
	"time"

	"gorm.io/datatypes"
)

// Record 持久化的审计记录。
// 一经写入不再更新（唯一例外是法律保全标志，它是运维元数据而非审计内容）。
type Record struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"not null;index:idx_audit_ts" json:"timestamp"`
	EntityType    string    `gorm:"type:varchar(200);index:idx_audit_entity" json:"entity_type"`
	EntityID      string    `gorm:"type:varchar(200);index:idx_audit_entity" json:"entity_id"`
	Operation     string    `gorm:"type:varchar(10);not null" json:"operation"`
	UserID        string    `gorm:"type:varchar(200);index:idx_audit_user" json:"user_id"`
	SessionID     string    `gorm:"type:varchar(200)" json:"session_id"`
	IPAddress     string    `gorm:"type:varchar(100)" json:"ip_address"`
	CorrelationID string    `gorm:"type:varchar(100);index:idx_audit_corr" json:"correlation_id"`
	Source        string    `gorm:"type:varchar(20)" json:"source"`
	RiskScore     int       `gorm:"type:int" json:"risk_score"`

	// 生命周期
	Status    string    `gorm:"type:varchar(20);not null" json:"status"`
	LegalHold bool      `gorm:"not null;default:false" json:"legal_hold"`
	ExpiresAt time.Time `gorm:"not null;index:idx_audit_expires" json:"expires_at"`

	// 检索与聚合用的预计算列
	SearchTokens string         `gorm:"type:text" json:"-"`
	Tags         datatypes.JSON `json:"tags,omitempty"`
	DurationMs   int64          `gorm:"type:bigint" json:"duration_ms,omitempty"`
	StatusCode   int            `gorm:"type:int" json:"status_code,omitempty"`

	// 压缩（可能再加密）后的完整事件载荷
	Payload   []byte `gorm:"type:bytea" json:"-"`
	Encrypted bool   `gorm:"not null;default:false" json:"encrypted"`
	KeyID     string `gorm:"type:varchar(100)" json:"key_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// Partition 时间分区登记表。
// 每个 UTC 日一张物理表，TTL 清理以分区为单位整体删除。
type Partition struct {
	Key       string    `gorm:"type:varchar(10);primaryKey" json:"key"` // 20060102
	Table     string    `gorm:"column:table_name;type:varchar(64);not null" json:"table_name"`
	Archived  bool      `gorm:"not null;default:false" json:"archived"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName 指定表名
func (Partition) TableName() string {
	return "audit_partitions"
}

// EntityHold 实体级法律保全。
// 命中的实体其全部记录（含未来写入）暂停 TTL 清理。
type EntityHold struct {
	EntityType string    `gorm:"type:varchar(200);primaryKey" json:"entity_type"`
	EntityID   string    `gorm:"type:varchar(200);primaryKey" json:"entity_id"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// TableName 指定表名
func (EntityHold) TableName() string {
	return "audit_entity_holds"
}
