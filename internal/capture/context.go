package capture

import (
	"context"
)

// Actor 触发操作的主体信息，由认证/请求层写入上下文
type Actor struct {
	UserID    string
	SessionID string
	IPAddress string
}

type actorKey struct{}

// WithActor 将操作主体写入上下文
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext 读取操作主体，未设置时返回零值
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Actor{}
}
