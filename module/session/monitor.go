package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"SyncCore/logger"
	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
	"SyncCore/tools/safe"
)

// ForcedLogoutCountdown 被踢端展示倒计时后才真正断开的时长。
const ForcedLogoutCountdown = 3 * time.Second

// 强制登出的触发原因。
const (
	// ReasonKicked 观察到自己名下的被踢记录（含互踢与管理端强踢）。
	ReasonKicked = "kicked_by_another_device"
	// ReasonSessionDeleted 自己的会话键先在后无：被远端直接删除。
	ReasonSessionDeleted = "session_deleted_externally"
)

// ForcedLogout 是仅触发一次的登出通知。Record 只在 Reason 为
// kicked 时携带。
type ForcedLogout struct {
	Reason string
	Record EvictionRecord
}

// Monitor 替某个已登录设备盯梢两条信道：
//
//  1. 文档存储里的被踢记录（持久，掉线也不会错过）；
//  2. 瞬态存储里自己的会话键（先出现、后消失 = 被删）。
//
// 两条信道谁先命中都只触发一次回调；主动登出会压制触发。
type Monitor struct {
	eph  prstore.Store
	docs docstore.Store

	userID      string
	deviceClass string
	deviceID    string

	once      sync.Once
	voluntary atomic.Bool
	cancel    context.CancelFunc
}

func NewMonitor(eph prstore.Store, docs docstore.Store, userID, deviceClass, deviceID string) *Monitor {
	return &Monitor{
		eph:         eph,
		docs:        docs,
		userID:      userID,
		deviceClass: deviceClass,
		deviceID:    deviceID,
	}
}

// Watch 启动两路监听。onLogout 至多被调用一次，且在独立协程里完成
// 记录消费后调用。ctx 取消即停止监听。
func (m *Monitor) Watch(ctx context.Context, onLogout func(ForcedLogout)) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	recordCh, stopRecords, err := m.docs.Listen(ctx, docstore.CollKickedSessions, EvictionKey(m.deviceID))
	if err != nil {
		cancel()
		return err
	}
	sessionKey := prstore.SessionKey(m.userID, m.deviceClass, m.deviceID)
	sessionCh, stopSession, err := m.eph.Listen(ctx, sessionKey)
	if err != nil {
		stopRecords()
		cancel()
		return err
	}

	safe.SafeGo("session.monitor.records:"+m.deviceID, func() {
		defer stopRecords()
		for ev := range recordCh {
			if ev.Deleted || ev.Fields == nil {
				continue
			}
			rec, ok := decodeEvictionDoc(ev.Fields)
			if !ok {
				continue
			}
			m.consumeRecord(ctx, rec)
			m.fire(onLogout, ForcedLogout{Reason: ReasonKicked, Record: rec})
		}
	})

	safe.SafeGo("session.monitor.session:"+m.deviceID, func() {
		defer stopSession()
		seen := false // 只认"先在后无"，初始缺席不算被删
		for ev := range sessionCh {
			if !ev.Deleted {
				seen = true
				continue
			}
			if seen {
				m.fire(onLogout, ForcedLogout{Reason: ReasonSessionDeleted})
			}
		}
	})
	return nil
}

// MarkVoluntaryLogout 声明本端正在主动登出：
// 随之而来的会话键删除不再被当成被踢。
func (m *Monitor) MarkVoluntaryLogout() { m.voluntary.Store(true) }

// Stop 停止监听。不触发回调。
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) fire(onLogout func(ForcedLogout), fl ForcedLogout) {
	if m.voluntary.Load() {
		return
	}
	m.once.Do(func() { onLogout(fl) })
}

// consumeRecord 读后即删，防止重启后重复弹窗。
// 删除幂等：第二个消费者删到空属正常。
func (m *Monitor) consumeRecord(ctx context.Context, rec EvictionRecord) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.docs.Delete(cctx, docstore.CollKickedSessions, EvictionKey(rec.DeviceID))
	if err != nil && !errs.IsNotFound(err) {
		logger.Warnf("session: consume eviction record failed for %s: %v", rec.DeviceID, err)
	}
}

// RunForcedLogout 是被踢端的标准收尾：先倒计时（给 UI 展示窗口），
// 再执行真正的断开动作。ctx 取消可跳过等待直接断开。
func RunForcedLogout(ctx context.Context, fl ForcedLogout, terminate func()) {
	logger.Warnf("session: forced logout (%s), disconnecting in %s", fl.Reason, ForcedLogoutCountdown)
	select {
	case <-ctx.Done():
	case <-time.After(ForcedLogoutCountdown):
	}
	terminate()
}

func decodeEvictionDoc(doc map[string]any) (EvictionRecord, bool) {
	rec := EvictionRecord{
		UserID:      asString(doc["user_id"]),
		DeviceClass: asString(doc["device_class"]),
		DeviceID:    asString(doc["device_id"]),
		Reason:      asString(doc["reason"]),
		ByDeviceID:  asString(doc["by_device_id"]),
	}
	switch v := doc["kicked_at_ms"].(type) {
	case int64:
		rec.KickedAtMS = v
	case float64:
		rec.KickedAtMS = int64(v)
	case int:
		rec.KickedAtMS = int64(v)
	}
	if rec.DeviceID == "" {
		return EvictionRecord{}, false
	}
	return rec, true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
