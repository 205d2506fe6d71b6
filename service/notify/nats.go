package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"SyncCore/tools/errs"

	"github.com/nats-io/nats.go"
)

// 主题：
//   presence.status.<userId>
//   session.evicted.<deviceId>
const (
	subjectPresencePrefix = "presence.status."
	subjectEvictionPrefix = "session.evicted."
)

// NatsConfig 客户端配置
type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsNotifier 把状态迁移与互踢事件发到 NATS core 主题。
type NatsNotifier struct {
	nc *nats.Conn
}

func NewNatsNotifier(cfg NatsConfig) (*NatsNotifier, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsNotifier{nc: nc}, nil
}

func (n *NatsNotifier) PresenceChanged(ctx context.Context, userID, status string, at time.Time) error {
	data, err := json.Marshal(PresenceEvent{UserID: userID, Status: status, AtMilli: at.UnixMilli()})
	if err != nil {
		return err
	}
	return n.nc.Publish(subjectPresencePrefix+userID, data)
}

func (n *NatsNotifier) SessionEvicted(ctx context.Context, ev EvictionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(subjectEvictionPrefix+ev.DeviceID, data)
}

func (n *NatsNotifier) Close() {
	_ = n.nc.Drain()
}
