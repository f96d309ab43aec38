package event

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Operation 审计操作类型
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpSelect Operation = "SELECT"
)

// Source 事件来源适配器
type Source string

const (
	SourceDatabase Source = "database"
	SourceAPI      Source = "api"
	SourceFrontend Source = "frontend"
	SourceSystem   Source = "system"
)

// Severity 系统事件级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Status 记录生命周期状态
// Created → Buffered → Persisted → Archived → Purged，不允许回退
type Status string

const (
	StatusCreated   Status = "created"
	StatusBuffered  Status = "buffered"
	StatusPersisted Status = "persisted"
	StatusArchived  Status = "archived"
	StatusPurged    Status = "purged"
)

// FieldChange 单个字段的变更
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Event 审计事件基础记录
type Event struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	Operation     Operation              `json:"operation"`
	UserID        string                 `json:"user_id,omitempty"`
	SessionID     string                 `json:"session_id"`
	IPAddress     string                 `json:"ip_address"`
	CorrelationID string                 `json:"correlation_id"`
	Source        Source                 `json:"source"`
	OldValues     map[string]interface{} `json:"old_values,omitempty"`
	NewValues     map[string]interface{} `json:"new_values,omitempty"`
	ChangeSet     map[string]FieldChange `json:"change_set,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	RiskScore     *int                   `json:"risk_score,omitempty"`

	// 特化子对象，同一时间至多一个非空
	Security    *SecurityDetail    `json:"security,omitempty"`
	Compliance  *ComplianceDetail  `json:"compliance,omitempty"`
	Performance *PerformanceDetail `json:"performance,omitempty"`
}

// SecurityDetail 安全审计事件附加信息
type SecurityDetail struct {
	Severity    Severity `json:"severity"`
	ThreatType  string   `json:"threat_type,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ComplianceDetail 合规审计事件附加信息
type ComplianceDetail struct {
	Framework   string `json:"framework,omitempty"` // GDPR, HIPAA ...
	Requirement string `json:"requirement,omitempty"`
	LegalBasis  string `json:"legal_basis,omitempty"`
}

// PerformanceDetail 性能审计事件附加信息
type PerformanceDetail struct {
	DurationMs   int64 `json:"duration_ms"`
	StatusCode   int   `json:"status_code,omitempty"`
	ResponseSize int64 `json:"response_size,omitempty"`
}

// EnsureDefaults 补全缺失的 ID、时间戳和关联 ID。
// 关联 ID 必须始终存在，上游未提供时在此生成。
func (e *Event) EnsureDefaults() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
}

// ComputeChangeSet 由新旧值计算字段级变更。
// 仅在新旧值同时存在时生成，任一缺失则返回 nil。
func ComputeChangeSet(oldValues, newValues map[string]interface{}) map[string]FieldChange {
	if len(oldValues) == 0 || len(newValues) == 0 {
		return nil
	}

	changes := make(map[string]FieldChange)
	for field, newVal := range newValues {
		oldVal, existed := oldValues[field]
		if !existed || !valueEqual(oldVal, newVal) {
			changes[field] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	// 新值中已不存在的字段同样视为变更
	for field, oldVal := range oldValues {
		if _, ok := newValues[field]; !ok {
			changes[field] = FieldChange{Old: oldVal, New: nil}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}

// valueEqual 宽松相等比较，规避 JSON 反序列化后的数值类型差异。
// 切片、map 等不可比较类型来自 JSON 列和字节列，必须走深度比较。
func valueEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
