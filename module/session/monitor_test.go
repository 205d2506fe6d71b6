package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
)

type logoutCapture struct {
	count   atomic.Int32
	lastRea atomic.Value // string
}

func (l *logoutCapture) fn(fl ForcedLogout) {
	l.count.Add(1)
	l.lastRea.Store(fl.Reason)
}

func (l *logoutCapture) reason() string {
	v, _ := l.lastRea.Load().(string)
	return v
}

func seedSession(t *testing.T, eph *prstore.MemoryStore, userID, class, deviceID string) {
	t.Helper()
	s := DeviceSession{DeviceID: deviceID, DeviceClass: class, Status: SessionActive}
	_, err := eph.Set(context.Background(), prstore.SessionKey(userID, class, deviceID), s.Encode())
	require.NoError(t, err)
}

func TestMonitorFiresOnEvictionRecord(t *testing.T) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	ctx := context.Background()

	seedSession(t, eph, "a", "web", "web_1")
	m := NewMonitor(eph, docs, "a", "web", "web_1")
	defer m.Stop()

	var lc logoutCapture
	require.NoError(t, m.Watch(ctx, lc.fn))

	require.NoError(t, docs.SetMerge(ctx, docstore.CollKickedSessions, EvictionKey("web_1"), map[string]any{
		"user_id": "a", "device_class": "web", "device_id": "web_1",
		"reason": ReasonNewDeviceLogin, "kicked_at_ms": int64(123),
	}))

	require.Eventually(t, func() bool { return lc.count.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ReasonKicked, lc.reason())

	// 记录读后即删（消费幂等：第二个消费者读到空）
	require.Eventually(t, func() bool {
		_, err := docs.Get(ctx, docstore.CollKickedSessions, EvictionKey("web_1"))
		return errs.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorFiresOnSessionKeyDeleted(t *testing.T) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	ctx := context.Background()

	seedSession(t, eph, "a", "web", "web_1")
	m := NewMonitor(eph, docs, "a", "web", "web_1")
	defer m.Stop()

	var lc logoutCapture
	require.NoError(t, m.Watch(ctx, lc.fn))

	// 等初始快照被消费（seen=true），再删键
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, eph.Delete(ctx, prstore.SessionKey("a", "web", "web_1")))

	require.Eventually(t, func() bool { return lc.count.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ReasonSessionDeleted, lc.reason())
}

func TestMonitorInitialAbsenceDoesNotFire(t *testing.T) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()

	// 会话键从未出现过：缺席不算被删
	m := NewMonitor(eph, docs, "a", "web", "web_1")
	defer m.Stop()

	var lc logoutCapture
	require.NoError(t, m.Watch(context.Background(), lc.fn))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, lc.count.Load())
}

func TestMonitorFiresExactlyOnce(t *testing.T) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	ctx := context.Background()

	seedSession(t, eph, "a", "web", "web_1")
	m := NewMonitor(eph, docs, "a", "web", "web_1")
	defer m.Stop()

	var lc logoutCapture
	require.NoError(t, m.Watch(ctx, lc.fn))
	time.Sleep(50 * time.Millisecond)

	// 两路条件同时成立：被踢记录 + 会话键消失
	require.NoError(t, docs.SetMerge(ctx, docstore.CollKickedSessions, EvictionKey("web_1"), map[string]any{
		"user_id": "a", "device_class": "web", "device_id": "web_1",
		"reason": ReasonNewDeviceLogin, "kicked_at_ms": int64(1),
	}))
	require.NoError(t, eph.Delete(ctx, prstore.SessionKey("a", "web", "web_1")))

	require.Eventually(t, func() bool { return lc.count.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond) // 给第二路触发留时间窗
	assert.Equal(t, int32(1), lc.count.Load(), "闩锁保证至多触发一次")
}

func TestMonitorVoluntaryLogoutSuppresses(t *testing.T) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	ctx := context.Background()

	seedSession(t, eph, "a", "web", "web_1")
	m := NewMonitor(eph, docs, "a", "web", "web_1")
	defer m.Stop()

	var lc logoutCapture
	require.NoError(t, m.Watch(ctx, lc.fn))
	time.Sleep(50 * time.Millisecond)

	m.MarkVoluntaryLogout()
	require.NoError(t, eph.Delete(ctx, prstore.SessionKey("a", "web", "web_1")))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, lc.count.Load(), "主动登出不触发强制登出")
}

func TestRunForcedLogoutWaitsCountdown(t *testing.T) {
	var done atomic.Bool
	start := time.Now()
	RunForcedLogout(context.Background(), ForcedLogout{Reason: ReasonKicked}, func() {
		done.Store(true)
	})
	assert.True(t, done.Load())
	assert.GreaterOrEqual(t, time.Since(start), ForcedLogoutCountdown)
}

func TestRunForcedLogoutCancelSkipsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var done atomic.Bool
	start := time.Now()
	RunForcedLogout(ctx, ForcedLogout{Reason: ReasonSessionDeleted}, func() {
		done.Store(true)
	})
	assert.True(t, done.Load())
	assert.Less(t, time.Since(start), time.Second)
}
