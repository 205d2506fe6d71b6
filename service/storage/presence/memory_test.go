package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SyncCore/tools/errs"
)

func TestMemoryStoreSetGet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	ts1, err := m.Set(ctx, StatusKey("u1"), []byte(`{"status":"online"}`))
	require.NoError(t, err)

	got, ts2, err := m.Get(ctx, StatusKey("u1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"online"}`, string(got))
	assert.Equal(t, ts1, ts2)

	_, _, err = m.Get(ctx, StatusKey("nobody"))
	assert.True(t, errs.IsNotFound(err))
}

func TestMemoryStoreTimeMonotonic(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		ts, err := m.Set(ctx, "k", []byte("v"))
		require.NoError(t, err)
		assert.True(t, ts.After(prev), "store time must strictly advance")
		prev = ts
	}
}

func TestMemoryStoreListPrefix(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, _ = m.Set(ctx, SessionKey("u1", "web", "web_1"), []byte("a"))
	_, _ = m.Set(ctx, SessionKey("u1", "mobile", "m_1"), []byte("b"))
	_, _ = m.Set(ctx, SessionKey("u2", "web", "web_9"), []byte("c"))

	out, err := m.List(ctx, SessionScanPrefix("u1", "web"))
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = m.List(ctx, UserSessionsPrefix("u1"))
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMemoryStoreListenSnapshotAndEvents(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.Set(ctx, "k", []byte("v0"))
	require.NoError(t, err)

	ch, cancel, err := m.Listen(ctx, "k")
	require.NoError(t, err)
	defer cancel()

	// 订阅时已有值：先收到快照
	ev := <-ch
	assert.Equal(t, []byte("v0"), ev.Value)
	assert.False(t, ev.Deleted)

	_, _ = m.Set(ctx, "k", []byte("v1"))
	ev = <-ch
	assert.Equal(t, []byte("v1"), ev.Value)

	require.NoError(t, m.Delete(ctx, "k"))
	ev = <-ch
	assert.True(t, ev.Deleted)
}

func TestMemoryStoreDisconnectAppliesArmedWrites(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, _ = m.Set(ctx, StatusKey("u1"), []byte(`{"status":"online"}`))
	_, _ = m.Set(ctx, SessionKey("u1", "web", "web_1"), []byte("s"))

	require.NoError(t, m.ArmDisconnectWrite(ctx, StatusKey("u1"), []byte(`{"status":"offline"}`)))
	require.NoError(t, m.ArmDisconnectWrite(ctx, SessionKey("u1", "web", "web_1"), nil))
	assert.Equal(t, 2, m.ArmedCount())

	m.TriggerDisconnect()

	got, _, err := m.Get(ctx, StatusKey("u1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"offline"}`, string(got)) // 预埋写生效

	_, _, err = m.Get(ctx, SessionKey("u1", "web", "web_1"))
	assert.True(t, errs.IsNotFound(err)) // nil 预埋 = 删除

	assert.Zero(t, m.ArmedCount())
}

func TestMemoryStoreDisarmCancelsWrite(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, _ = m.Set(ctx, StatusKey("u1"), []byte(`{"status":"online"}`))
	require.NoError(t, m.ArmDisconnectWrite(ctx, StatusKey("u1"), []byte(`{"status":"offline"}`)))
	require.NoError(t, m.DisarmDisconnectWrite(ctx, StatusKey("u1")))

	m.TriggerDisconnect()

	got, _, err := m.Get(ctx, StatusKey("u1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"online"}`, string(got))
}

func TestMemoryStoreCloseDropsArmedWrites(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, _ = m.Set(ctx, "k", []byte("v"))
	require.NoError(t, m.ArmDisconnectWrite(ctx, "k", nil))
	require.NoError(t, m.Close(ctx))

	// 主动退出：预埋写不执行
	got, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryStoreConnectivityFanout(t *testing.T) {
	m := NewMemoryStore()
	ch := m.Connectivity()

	m.SetConnected(true)
	assert.True(t, <-ch)
	m.SetConnected(false)
	assert.False(t, <-ch)
}
