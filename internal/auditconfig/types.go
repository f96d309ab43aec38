package auditconfig

import (
	"fmt"
	"time"

	"audittrail/internal/classify"
	"audittrail/internal/event"

	"github.com/Knetic/govaluate"
)

// AuditLevel 实体审计级别
type AuditLevel string

const (
	LevelNone     AuditLevel = "none"
	LevelBasic    AuditLevel = "basic"
	LevelDetailed AuditLevel = "detailed"
	LevelFull     AuditLevel = "full"
)

// levelRank 审计级别排序，用于取调用方下限与推导值的较大者
var levelRank = map[AuditLevel]int{
	LevelNone:     0,
	LevelBasic:    1,
	LevelDetailed: 2,
	LevelFull:     3,
}

// Rank 返回级别序号，未知级别按 none 处理
func (l AuditLevel) Rank() int {
	return levelRank[l]
}

// MaxLevel 返回两个级别中较高者
func MaxLevel(a, b AuditLevel) AuditLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// ParseLevel 校验并返回审计级别
func ParseLevel(s string) (AuditLevel, error) {
	l := AuditLevel(s)
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("%w: 未知审计级别 %q", event.ErrConfiguration, s)
	}
	return l, nil
}

// FieldConfig 单字段审计配置
type FieldConfig struct {
	FieldName           string                   `json:"field_name"`
	IsSensitive         bool                     `json:"is_sensitive"`
	PIIType             classify.PIIType         `json:"pii_type"`
	MaskingStrategy     classify.MaskingStrategy `json:"masking_strategy"`
	RetentionPeriodDays int                      `json:"retention_period_days"`
}

// Trigger 审计触发器规格
type Trigger struct {
	Operation        event.Operation `json:"operation"`
	CaptureFields    []string        `json:"capture_fields"`
	CaptureOldValues bool            `json:"capture_old_values"`
	CaptureNewValues bool            `json:"capture_new_values"`
	Condition        string          `json:"condition,omitempty"` // govaluate 表达式，空值表示无条件触发
}

// CompileCondition 仅做表达式语法检查，供配置校验使用
func (t *Trigger) CompileCondition() error {
	if t.Condition == "" {
		return nil
	}
	if _, err := govaluate.NewEvaluableExpression(t.Condition); err != nil {
		return fmt.Errorf("解析触发条件失败: %w", err)
	}
	return nil
}

// Matches 评估触发条件。无条件触发器恒为 true。
// 表达式参数为变更涉及的字段值（如 status == "disabled" && amount > 1000）。
func (t *Trigger) Matches(params map[string]interface{}) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}

	expr, err := govaluate.NewEvaluableExpression(t.Condition)
	if err != nil {
		return false, fmt.Errorf("解析触发条件失败: %w", err)
	}

	// 数值统一为 float64（govaluate 只认 float64），
	// 表达式引用但参数中缺失的变量按 nil 处理
	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		args[k] = normalizeParam(v)
	}
	for _, v := range expr.Vars() {
		if _, ok := args[v]; !ok {
			args[v] = nil
		}
	}

	result, err := expr.Evaluate(args)
	if err != nil {
		return false, fmt.Errorf("评估触发条件失败: %w", err)
	}

	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("触发条件必须返回布尔值: %s", t.Condition)
	}
	return matched, nil
}

func normalizeParam(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// EntityConfig 实体级审计配置。
// 模式变更时整体重新生成（版本号递增），从不原地修改。
type EntityConfig struct {
	EntityName  string        `json:"entity_name"`
	StorageName string        `json:"storage_name"`
	AuditLevel  AuditLevel    `json:"audit_level"`
	Fields      []FieldConfig `json:"fields"`
	Triggers    []Trigger     `json:"triggers"`
	Version     int           `json:"version"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// FieldByName 按名称查找字段配置
func (c *EntityConfig) FieldByName(name string) *FieldConfig {
	for i := range c.Fields {
		if c.Fields[i].FieldName == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// SensitiveFields 返回全部敏感字段名
func (c *EntityConfig) SensitiveFields() []string {
	var names []string
	for _, f := range c.Fields {
		if f.IsSensitive {
			names = append(names, f.FieldName)
		}
	}
	return names
}

// MinRetentionDays 返回一组字段中的最小保留天数；
// 记录的有效 TTL 即其捕获字段的最小保留期。
func (c *EntityConfig) MinRetentionDays(fields []string) int {
	min := 0
	for _, name := range fields {
		f := c.FieldByName(name)
		if f == nil || f.RetentionPeriodDays <= 0 {
			continue
		}
		if min == 0 || f.RetentionPeriodDays < min {
			min = f.RetentionPeriodDays
		}
	}
	if min == 0 {
		min = classify.DefaultRetentionPolicy().NonSensitive
	}
	return min
}

// TriggersFor 返回指定操作的触发器
func (c *EntityConfig) TriggersFor(op event.Operation) []Trigger {
	var out []Trigger
	for _, t := range c.Triggers {
		if t.Operation == op {
			out = append(out, t)
		}
	}
	return out
}

// EntitySchema 模式来源（ORM/目录）提供的实体描述
type EntitySchema struct {
	EntityName  string        `json:"entity_name" yaml:"entity_name"`
	StorageName string        `json:"storage_name" yaml:"storage_name"`
	Fields      []FieldSchema `json:"fields" yaml:"fields"`
}

// FieldSchema 字段描述：名称、声明类型和可选显式标注
type FieldSchema struct {
	Name       string           `json:"name" yaml:"name"`
	Type       string           `json:"type" yaml:"type"`
	Annotation classify.PIIType `json:"annotation,omitempty" yaml:"annotation,omitempty"`
	Identifier bool             `json:"identifier,omitempty" yaml:"identifier,omitempty"`
}
