package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SyncCore/service/notify"
	"SyncCore/service/storage/docstore"
	prstore "SyncCore/service/storage/presence"
	"SyncCore/tools/errs"
	"SyncCore/tools/ids"
)

// captureNotifier 收集广播出去的互踢事件。
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.EvictionEvent
}

func (c *captureNotifier) PresenceChanged(context.Context, string, string, time.Time) error {
	return nil
}

func (c *captureNotifier) SessionEvicted(_ context.Context, ev notify.EvictionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureNotifier) Close() {}

func (c *captureNotifier) all() []notify.EvictionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.EvictionEvent(nil), c.events...)
}

func newTestRegistry() (*Registry, *prstore.MemoryStore, *docstore.MemoryStore, *captureNotifier) {
	eph := prstore.NewMemoryStore()
	docs := docstore.NewMemoryStore()
	notif := &captureNotifier{}
	r := NewRegistry(eph, docs, notif)
	r.SetGrace(10 * time.Millisecond)
	return r, eph, docs, notif
}

func TestRegisterFirstSession(t *testing.T) {
	r, eph, _, notif := newTestRegistry()
	ctx := context.Background()

	s, err := r.RegisterSession(ctx, "a", DeviceSession{
		DeviceID: "web_1", DeviceClass: "web", Browser: "firefox",
	})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, s.Status)
	assert.NotZero(t, s.Epoch)
	assert.NotZero(t, s.LoginAtMS)

	got, err := r.ListSessions(ctx, "a", "web")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "web_1", got[0].DeviceID)
	assert.Empty(t, notif.all())

	// 断开即删已预埋
	assert.Equal(t, 1, eph.ArmedCount())
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	r, _, docs, notif := newTestRegistry()
	ctx := context.Background()

	_, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)
	_, err = r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_2", DeviceClass: "web"})
	require.NoError(t, err)

	got, err := r.ListSessions(ctx, "a", "web")
	require.NoError(t, err)
	require.Len(t, got, 1, "宽限期后只剩一个胜者")
	assert.Equal(t, "web_2", got[0].DeviceID)

	// 每个败者恰好一条被踢记录
	rec, err := docs.Get(ctx, docstore.CollKickedSessions, EvictionKey("web_1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNewDeviceLogin, rec["reason"])
	assert.Equal(t, "web_2", rec["by_device_id"])

	events := notif.all()
	require.Len(t, events, 1)
	assert.Equal(t, "web_1", events[0].DeviceID)
}

func TestSameDeviceReloginIsNotConflict(t *testing.T) {
	r, _, docs, notif := newTestRegistry()
	ctx := context.Background()

	first, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)
	second, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch, "重登换代")

	_, err = docs.Get(ctx, docstore.CollKickedSessions, EvictionKey("web_1"))
	assert.True(t, errs.IsNotFound(err), "同设备重登不产生被踢记录")
	assert.Empty(t, notif.all())
}

func TestDifferentClassesCoexist(t *testing.T) {
	r, _, _, notif := newTestRegistry()
	ctx := context.Background()

	_, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)
	_, err = r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "m_1", DeviceClass: "mobile"})
	require.NoError(t, err)

	all, err := r.ListAllSessions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, all, 2, "不同类别互不挤占")
	assert.Empty(t, notif.all())
}

func TestVoluntaryExitDuringGraceSkipsEviction(t *testing.T) {
	r, eph, docs, notif := newTestRegistry()
	r.SetGrace(2 * time.Second)
	ctx := context.Background()

	_, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)

	// 宽限期内旧端主动退出
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = eph.Delete(context.Background(), prstore.SessionKey("a", "web", "web_1"))
	}()

	_, err = r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_2", DeviceClass: "web"})
	require.NoError(t, err)

	_, err = docs.Get(ctx, docstore.CollKickedSessions, EvictionKey("web_1"))
	assert.True(t, errs.IsNotFound(err), "主动退出不产生被踢记录")
	assert.Empty(t, notif.all())
}

func TestEpochGuardRefusesNewerSession(t *testing.T) {
	r, eph, _, _ := newTestRegistry()
	r.SetGrace(300 * time.Millisecond)
	ctx := context.Background()

	_, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)

	// 宽限期间同一个键被一次"更新的登录"占据
	go func() {
		time.Sleep(50 * time.Millisecond)
		newer := DeviceSession{
			DeviceID: "web_1", DeviceClass: "web",
			Status: SessionActive, Epoch: ids.Generate(),
		}
		_, _ = eph.Set(context.Background(), prstore.SessionKey("a", "web", "web_1"), newer.Encode())
	}()

	_, err = r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_2", DeviceClass: "web"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	// 被保护的新会话仍然活着
	raw, _, gerr := eph.Get(ctx, prstore.SessionKey("a", "web", "web_1"))
	require.NoError(t, gerr)
	s, derr := DecodeSession(raw)
	require.NoError(t, derr)
	assert.Equal(t, "web_1", s.DeviceID)
}

func TestAdminEvict(t *testing.T) {
	r, _, docs, notif := newTestRegistry()
	ctx := context.Background()

	_, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)

	require.NoError(t, r.Evict(ctx, "a", "web", "web_1", "ops"))

	got, err := r.ListSessions(ctx, "a", "web")
	require.NoError(t, err)
	assert.Empty(t, got)

	rec, err := docs.Get(ctx, docstore.CollKickedSessions, EvictionKey("web_1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonAdminForced, rec["reason"])
	assert.Equal(t, "ops", rec["by_device_id"])
	require.Len(t, notif.all(), 1)

	// 没有会话可踢是 NotFound
	err = r.Evict(ctx, "a", "web", "web_1", "ops")
	assert.True(t, errs.IsNotFound(err))
}

func TestTouchUpdatesLastActive(t *testing.T) {
	r, eph, _, _ := newTestRegistry()
	ctx := context.Background()

	s, err := r.RegisterSession(ctx, "a", DeviceSession{DeviceID: "web_1", DeviceClass: "web"})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Touch(ctx, "a", "web", "web_1"))

	raw, _, err := eph.Get(ctx, prstore.SessionKey("a", "web", "web_1"))
	require.NoError(t, err)
	got, err := DecodeSession(raw)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.LastActive, s.LastActive)
	assert.Equal(t, s.Epoch, got.Epoch, "Touch 不换代")
}
