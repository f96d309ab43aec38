package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"audittrail/internal/processor"
	"audittrail/internal/store"
	"audittrail/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AuditHandler 审计后台任务处理器：死信重放、分区清理与归档扫描
type AuditHandler struct {
	proc   *processor.Processor
	store  *store.Store
	logger *zap.Logger
}

func NewAuditHandler(proc *processor.Processor, st *store.Store, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		proc:   proc,
		store:  st,
		logger: logger,
	}
}

// HandleDeadLetter 重放死信事件：重新走完整处理管线
func (h *AuditHandler) HandleDeadLetter(ctx context.Context, t *asynq.Task) error {
	var p tasks.DeadLetterPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始重放死信事件",
		zap.String("event_id", p.Event.ID),
		zap.String("cause", p.Cause))

	if err := h.proc.Process(ctx, &p.Event); err != nil {
		h.logger.Error("死信事件重放失败",
			zap.String("event_id", p.Event.ID),
			zap.Error(err))
		return err
	}

	h.logger.Info("死信事件重放完成", zap.String("event_id", p.Event.ID))
	return nil
}

// HandlePurge 清理全部记录均已过期的时间分区
func (h *AuditHandler) HandlePurge(ctx context.Context, t *asynq.Task) error {
	purged, err := h.store.Purge(ctx)
	if err != nil {
		h.logger.Error("分区清理失败", zap.Error(err))
		return err
	}

	h.logger.Info("分区清理完成",
		zap.Int("purged_count", len(purged)),
		zap.Strings("partitions", purged))
	return nil
}
