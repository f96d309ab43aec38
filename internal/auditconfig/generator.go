package auditconfig

import (
	"fmt"
	"strings"
	"time"

	"audittrail/internal/classify"
	"audittrail/internal/event"
)

// Options 生成选项
type Options struct {
	// MinimumLevel 调用方要求的审计级别下限
	MinimumLevel AuditLevel
	// Retention 部署级保留期策略，零值使用默认
	Retention classify.RetentionPolicy
	// Version 配置版本号，重新生成时由调用方递增
	Version int
}

// Generate 根据实体模式生成审计配置。
// 字段元数据非法时同步返回 ErrConfiguration 包装错误。
func Generate(schema EntitySchema, opts Options) (*EntityConfig, error) {
	if strings.TrimSpace(schema.EntityName) == "" {
		return nil, fmt.Errorf("%w: 实体名不能为空", event.ErrConfiguration)
	}
	if len(schema.Fields) == 0 {
		return nil, fmt.Errorf("%w: 实体 %s 没有任何字段", event.ErrConfiguration, schema.EntityName)
	}

	storageName := schema.StorageName
	if storageName == "" {
		storageName = schema.EntityName
	}

	seen := make(map[string]bool, len(schema.Fields))
	fields := make([]FieldConfig, 0, len(schema.Fields))
	for _, fs := range schema.Fields {
		name := strings.TrimSpace(fs.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: 实体 %s 存在空字段名", event.ErrConfiguration, schema.EntityName)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: 实体 %s 字段 %s 重复定义", event.ErrConfiguration, schema.EntityName, name)
		}
		seen[name] = true

		piiType := classify.Classify(name, fs.Annotation)
		fields = append(fields, FieldConfig{
			FieldName:           name,
			IsSensitive:         classify.IsSensitive(piiType),
			PIIType:             piiType,
			MaskingStrategy:     classify.StrategyFor(piiType),
			RetentionPeriodDays: opts.Retention.RetentionFor(piiType),
		})
	}

	level := deriveLevel(fields, opts.MinimumLevel)

	cfg := &EntityConfig{
		EntityName:  schema.EntityName,
		StorageName: storageName,
		AuditLevel:  level,
		Fields:      fields,
		Triggers:    buildTriggers(level, fields, identifierField(schema)),
		Version:     opts.Version,
		GeneratedAt: time.Now().UTC(),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deriveLevel 由敏感字段占比与危险度推导审计级别，再与调用方下限取较大者。
// 凭据/证件/卡号任一出现即视为高危实体。
func deriveLevel(fields []FieldConfig, minimum AuditLevel) AuditLevel {
	sensitive := 0
	critical := false
	for _, f := range fields {
		if !f.IsSensitive {
			continue
		}
		sensitive++
		switch f.PIIType {
		case classify.PIICredential, classify.PIISSN, classify.PIICreditCard:
			critical = true
		}
	}

	derived := LevelBasic
	switch {
	case critical:
		derived = LevelFull
	case sensitive > 0 && sensitive*2 >= len(fields):
		derived = LevelFull
	case sensitive > 0:
		derived = LevelDetailed
	}

	return MaxLevel(derived, minimum)
}

// identifierField 确定标识字段：显式标记 > 名为 id 的字段 > 首个字段
func identifierField(schema EntitySchema) string {
	for _, f := range schema.Fields {
		if f.Identifier {
			return f.Name
		}
	}
	for _, f := range schema.Fields {
		if strings.EqualFold(f.Name, "id") {
			return f.Name
		}
	}
	return schema.Fields[0].Name
}

// buildTriggers 按审计级别合成触发器。
//   - 敏感字段变更恒生成 UPDATE 触发器，只捕获旧值，绝不捕获新值
//   - full：非敏感字段附加 CREATE/UPDATE/DELETE 全量前后值捕获
//   - detailed：同 full 但不捕获非敏感字段的 CREATE
//   - basic：仅捕获标识字段的 DELETE
func buildTriggers(level AuditLevel, fields []FieldConfig, identifier string) []Trigger {
	if level == LevelNone {
		return nil
	}

	var sensitive, plain []string
	for _, f := range fields {
		if f.IsSensitive {
			sensitive = append(sensitive, f.FieldName)
		} else {
			plain = append(plain, f.FieldName)
		}
	}

	var triggers []Trigger

	if len(sensitive) > 0 && level.Rank() >= LevelDetailed.Rank() {
		triggers = append(triggers, Trigger{
			Operation:        event.OpUpdate,
			CaptureFields:    sensitive,
			CaptureOldValues: true,
			CaptureNewValues: false,
		})
	}

	switch level {
	case LevelBasic:
		triggers = append(triggers, Trigger{
			Operation:        event.OpDelete,
			CaptureFields:    []string{identifier},
			CaptureOldValues: true,
			CaptureNewValues: false,
		})
	case LevelDetailed:
		if len(plain) > 0 {
			triggers = append(triggers,
				Trigger{Operation: event.OpUpdate, CaptureFields: plain, CaptureOldValues: true, CaptureNewValues: true},
				Trigger{Operation: event.OpDelete, CaptureFields: plain, CaptureOldValues: true, CaptureNewValues: false},
			)
		}
	case LevelFull:
		if len(plain) > 0 {
			triggers = append(triggers,
				Trigger{Operation: event.OpCreate, CaptureFields: plain, CaptureOldValues: false, CaptureNewValues: true},
				Trigger{Operation: event.OpUpdate, CaptureFields: plain, CaptureOldValues: true, CaptureNewValues: true},
				Trigger{Operation: event.OpDelete, CaptureFields: plain, CaptureOldValues: true, CaptureNewValues: false},
			)
		}
	}

	return triggers
}

// Validate 校验配置不变式：
//   - 敏感字段必须有非 none 的脱敏策略且保留期大于零
//   - 触发器不得捕获敏感字段的新值
//   - 触发条件表达式必须可解析
func Validate(cfg *EntityConfig) error {
	for _, f := range cfg.Fields {
		if f.IsSensitive {
			if f.MaskingStrategy == classify.MaskNone || f.MaskingStrategy == "" {
				return fmt.Errorf("%w: 敏感字段 %s.%s 缺少脱敏策略", event.ErrConfiguration, cfg.EntityName, f.FieldName)
			}
			if f.RetentionPeriodDays <= 0 {
				return fmt.Errorf("%w: 敏感字段 %s.%s 保留期必须大于零", event.ErrConfiguration, cfg.EntityName, f.FieldName)
			}
		}
	}

	for i := range cfg.Triggers {
		t := &cfg.Triggers[i]
		if t.CaptureNewValues {
			for _, name := range t.CaptureFields {
				if f := cfg.FieldByName(name); f != nil && f.IsSensitive {
					return fmt.Errorf("%w: 触发器 %s 不得捕获敏感字段 %s 的新值", event.ErrConfiguration, t.Operation, name)
				}
			}
		}
		if err := t.CompileCondition(); err != nil {
			return fmt.Errorf("%w: %v", event.ErrConfiguration, err)
		}
	}

	return nil
}
