package capture

import (
	"context"
	"fmt"
	"reflect"

	"audittrail/internal/auditconfig"
	"audittrail/internal/event"
	"audittrail/internal/logger"
	"audittrail/internal/processor"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const oldValuesKey = "audittrail:old_values"

// 审计子系统自身的模型不参与采集，防止审计写入再触发审计
var internalEntities = map[string]struct{}{
	"Record":       {},
	"Partition":    {},
	"EntityHold":   {},
	"ConfigRecord": {},
}

// DatabaseAdapter 数据库变更采集适配器。
// 以 gorm 插件方式挂入业务连接，拦截实体的增改删；
// full 级别实体的敏感变更走同步路径：审计写入加入业务事务，
// 失败时业务变更一并回滚。其余变更异步入队，不阻塞业务。
type DatabaseAdapter struct {
	queue   *Queue
	configs processor.ConfigSource
	proc    *processor.Processor
}

// NewDatabaseAdapter 创建数据库适配器
func NewDatabaseAdapter(queue *Queue, configs processor.ConfigSource, proc *processor.Processor) *DatabaseAdapter {
	return &DatabaseAdapter{queue: queue, configs: configs, proc: proc}
}

// Name 实现 gorm.Plugin
func (a *DatabaseAdapter) Name() string {
	return "audittrail"
}

// Initialize 实现 gorm.Plugin：注册增改删回调
func (a *DatabaseAdapter) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").
		Register("audittrail:after_create", a.afterCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").
		Register("audittrail:before_update", a.beforeUpdate); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").
		Register("audittrail:after_update", a.afterUpdate); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").
		Register("audittrail:before_delete", a.beforeDelete); err != nil {
		return err
	}
	if err := db.Callback().Delete().After("gorm:delete").
		Register("audittrail:after_delete", a.afterDelete); err != nil {
		return err
	}
	return nil
}

// ---- gorm 回调 ----

func (a *DatabaseAdapter) afterCreate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	entityType, entityID, values := a.statementValues(db)
	if entityType == "" {
		return
	}
	a.record(db, event.OpCreate, entityType, entityID, nil, values)
}

func (a *DatabaseAdapter) beforeUpdate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	entityType, entityID, _ := a.statementValues(db)
	if entityType == "" || entityID == "" {
		return
	}
	if _, internal := internalEntities[entityType]; internal {
		return
	}
	// 审计需要变更前的旧值，改写执行前按主键快照一份
	pk := db.Statement.Schema.PrioritizedPrimaryField
	if pk == nil {
		return
	}
	old := map[string]interface{}{}
	err := db.Session(&gorm.Session{NewDB: true}).
		Table(db.Statement.Table).
		Where(fmt.Sprintf("%s = ?", pk.DBName), entityID).
		Take(&old).Error
	if err != nil {
		return
	}
	db.InstanceSet(oldValuesKey, old)
}

func (a *DatabaseAdapter) afterUpdate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil || db.RowsAffected == 0 {
		return
	}
	entityType, entityID, newValues := a.statementValues(db)
	if entityType == "" {
		return
	}

	var oldValues map[string]interface{}
	if v, ok := db.InstanceGet(oldValuesKey); ok {
		oldValues, _ = v.(map[string]interface{})
	}
	a.record(db, event.OpUpdate, entityType, entityID, oldValues, newValues)
}

func (a *DatabaseAdapter) beforeDelete(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	entityType, entityID, _ := a.statementValues(db)
	if entityType == "" || entityID == "" {
		return
	}
	if _, internal := internalEntities[entityType]; internal {
		return
	}
	pk := db.Statement.Schema.PrioritizedPrimaryField
	if pk == nil {
		return
	}
	old := map[string]interface{}{}
	err := db.Session(&gorm.Session{NewDB: true}).
		Table(db.Statement.Table).
		Where(fmt.Sprintf("%s = ?", pk.DBName), entityID).
		Take(&old).Error
	if err != nil {
		return
	}
	db.InstanceSet(oldValuesKey, old)
}

func (a *DatabaseAdapter) afterDelete(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil || db.RowsAffected == 0 {
		return
	}
	entityType, entityID, _ := a.statementValues(db)
	if entityType == "" {
		return
	}

	var oldValues map[string]interface{}
	if v, ok := db.InstanceGet(oldValuesKey); ok {
		oldValues, _ = v.(map[string]interface{})
	}
	a.record(db, event.OpDelete, entityType, entityID, oldValues, nil)
}

// statementValues 从 gorm 语句提取实体名、主键值和字段值
func (a *DatabaseAdapter) statementValues(db *gorm.DB) (entityType, entityID string, values map[string]interface{}) {
	stmt := db.Statement
	entityType = stmt.Schema.Name

	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		values = make(map[string]interface{}, len(dest))
		for k, v := range dest {
			values[k] = v
		}
	default:
		rv := stmt.ReflectValue
		if rv.Kind() == reflect.Struct {
			values = make(map[string]interface{}, len(stmt.Schema.Fields))
			for _, f := range stmt.Schema.Fields {
				v, isZero := f.ValueOf(stmt.Context, rv)
				if !isZero {
					values[f.DBName] = v
				}
			}
		}
	}

	if pk := stmt.Schema.PrioritizedPrimaryField; pk != nil && stmt.ReflectValue.Kind() == reflect.Struct {
		if v, isZero := pk.ValueOf(stmt.Context, stmt.ReflectValue); !isZero {
			entityID = fmt.Sprintf("%v", v)
		}
	}
	return entityType, entityID, values
}

// ---- 显式记录入口（服务层直接调用，或供测试使用）----

// RecordCreate 记录实体创建
func (a *DatabaseAdapter) RecordCreate(ctx context.Context, entityType, entityID string, newValues map[string]interface{}) error {
	return a.capture(ctx, nil, event.OpCreate, entityType, entityID, nil, newValues)
}

// RecordUpdate 记录实体更新
func (a *DatabaseAdapter) RecordUpdate(ctx context.Context, entityType, entityID string, oldValues, newValues map[string]interface{}) error {
	return a.capture(ctx, nil, event.OpUpdate, entityType, entityID, oldValues, newValues)
}

// RecordDelete 记录实体删除
func (a *DatabaseAdapter) RecordDelete(ctx context.Context, entityType, entityID string, oldValues map[string]interface{}) error {
	return a.capture(ctx, nil, event.OpDelete, entityType, entityID, oldValues, nil)
}

// record gorm 回调出口：同步路径失败时向语句挂错误，触发事务回滚
func (a *DatabaseAdapter) record(db *gorm.DB, op event.Operation, entityType, entityID string, oldValues, newValues map[string]interface{}) {
	err := a.capture(db.Statement.Context, db, op, entityType, entityID, oldValues, newValues)
	if err != nil {
		db.AddError(err)
	}
}

// capture 按实体配置裁剪并分发事件。
// tx 非空且命中同步条件（full 级别 + 敏感字段变更）时走事务内写入。
func (a *DatabaseAdapter) capture(ctx context.Context, tx *gorm.DB, op event.Operation, entityType, entityID string, oldValues, newValues map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, internal := internalEntities[entityType]; internal {
		return nil
	}

	cfg := a.lookupConfig(ctx, entityType)
	if cfg != nil && cfg.AuditLevel == auditconfig.LevelNone {
		return nil
	}

	events := a.buildEvents(ctx, cfg, op, entityType, entityID, oldValues, newValues)
	for _, ev := range events {
		if tx != nil && a.proc != nil && a.syncRequired(cfg, ev) {
			// 强一致路径：审计失败导致业务变更回滚
			if err := a.proc.ProcessWith(ctx, tx, ev); err != nil {
				return fmt.Errorf("同步审计写入失败: %w", err)
			}
			continue
		}
		if err := a.queue.Push(ev); err != nil {
			logger.WithContext(ctx).Warn("数据库审计事件入队失败",
				zap.String("entity_type", entityType),
				zap.Error(err))
		}
	}
	return nil
}

// syncRequired full 级别实体的敏感字段变更必须同步落盘
func (a *DatabaseAdapter) syncRequired(cfg *auditconfig.EntityConfig, ev *event.Event) bool {
	if cfg == nil || cfg.AuditLevel != auditconfig.LevelFull {
		return false
	}
	for field := range ev.ChangeSet {
		if f := cfg.FieldByName(field); f != nil && f.IsSensitive {
			return true
		}
	}
	// 删除操作的旧值触及敏感字段同样视为敏感变更
	if ev.Operation == event.OpDelete {
		for field := range ev.OldValues {
			if f := cfg.FieldByName(field); f != nil && f.IsSensitive {
				return true
			}
		}
	}
	return false
}

// buildEvents 依据触发器裁剪捕获范围。
// 无配置实体按兜底规则整体捕获；有配置实体逐触发器生成事件。
func (a *DatabaseAdapter) buildEvents(ctx context.Context, cfg *auditconfig.EntityConfig, op event.Operation, entityType, entityID string, oldValues, newValues map[string]interface{}) []*event.Event {
	actor := ActorFromContext(ctx)

	newEvent := func(oldVals, newVals map[string]interface{}) *event.Event {
		ev := &event.Event{
			EntityType:    entityType,
			EntityID:      entityID,
			Operation:     op,
			UserID:        actor.UserID,
			SessionID:     actor.SessionID,
			IPAddress:     actor.IPAddress,
			CorrelationID: logger.GetCorrelationID(ctx),
			Source:        event.SourceDatabase,
			OldValues:     oldVals,
			NewValues:     newVals,
		}
		ev.ChangeSet = event.ComputeChangeSet(oldVals, newVals)
		ev.EnsureDefaults()
		return ev
	}

	if cfg == nil {
		return []*event.Event{newEvent(oldValues, newValues)}
	}

	triggers := cfg.TriggersFor(op)
	if len(triggers) == 0 {
		return nil
	}

	params := mergeValues(oldValues, newValues)
	var events []*event.Event
	for _, trig := range triggers {
		matched, err := trig.Matches(params)
		if err != nil {
			logger.WithContext(ctx).Warn("触发条件评估失败，按命中处理",
				zap.String("entity_type", entityType),
				zap.Error(err))
			matched = true
		}
		if !matched {
			continue
		}

		var capturedOld, capturedNew map[string]interface{}
		if trig.CaptureOldValues {
			capturedOld = filterFields(oldValues, trig.CaptureFields)
		}
		if trig.CaptureNewValues {
			capturedNew = filterFields(newValues, trig.CaptureFields)
		}
		if len(capturedOld) == 0 && len(capturedNew) == 0 {
			continue
		}
		events = append(events, newEvent(capturedOld, capturedNew))
	}
	return events
}

func (a *DatabaseAdapter) lookupConfig(ctx context.Context, entityType string) *auditconfig.EntityConfig {
	if a.configs == nil {
		return nil
	}
	cfg, err := a.configs.Latest(ctx, entityType)
	if err != nil {
		return nil
	}
	return cfg
}

// filterFields 裁剪到触发器声明的捕获字段；空声明表示全量捕获
func filterFields(values map[string]interface{}, fields []string) map[string]interface{} {
	if values == nil {
		return nil
	}
	if len(fields) == 0 {
		out := make(map[string]interface{}, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out
	}

	out := make(map[string]interface{})
	for _, f := range fields {
		if v, ok := values[f]; ok {
			out[f] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeValues 新值覆盖旧值，作为触发条件的参数集
func mergeValues(oldValues, newValues map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(oldValues)+len(newValues))
	for k, v := range oldValues {
		out[k] = v
	}
	for k, v := range newValues {
		out[k] = v
	}
	return out
}
