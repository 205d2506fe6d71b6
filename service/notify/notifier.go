package notify

import (
	"context"
	"time"
)

// PresenceEvent 广播给其他网关节点的在线状态迁移。
type PresenceEvent struct {
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	AtMilli int64  `json:"at_ms"` // store 侧时间
}

// EvictionEvent 广播被踢会话，便于其他节点无需轮询即可观察到互踢。
type EvictionEvent struct {
	UserID      string `json:"user_id"`
	DeviceClass string `json:"device_class"`
	DeviceID    string `json:"device_id"`
	Reason      string `json:"reason"`
	KickedAtMS  int64  `json:"kicked_at_ms"`
}

// Notifier 是事件侧刊物边界。发布失败只记日志，从不阻塞主流程。
type Notifier interface {
	PresenceChanged(ctx context.Context, userID, status string, at time.Time) error
	SessionEvicted(ctx context.Context, ev EvictionEvent) error
	Close()
}

// Noop 在未配置 NATS 时使用。
type Noop struct{}

func (Noop) PresenceChanged(context.Context, string, string, time.Time) error { return nil }
func (Noop) SessionEvicted(context.Context, EvictionEvent) error              { return nil }
func (Noop) Close()                                                           {}
