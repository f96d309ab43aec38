package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"audittrail/internal/config"
	"audittrail/internal/event"
	"audittrail/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	// Capture 将重试耗尽的事件写入死信队列
	Capture(ctx context.Context, ev *event.Event, cause string) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &asynqClient{client: client}
}

func (c *asynqClient) Capture(ctx context.Context, ev *event.Event, cause string) error {
	payload, err := json.Marshal(tasks.DeadLetterPayload{
		Event:    *ev,
		Cause:    cause,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeDeadLetter, payload)

	// 死信重放任务自身带重试，保留 7 天供人工排查
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Queue("audit_dead"),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
