package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SyncCore/tools/errs"
)

func TestMemoryStoreMergeDottedPath(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.SetMerge(ctx, CollMessages, "m1", map[string]any{
		"chat_id":   "c1",
		"sender_id": "x",
	}))
	require.NoError(t, m.SetMerge(ctx, CollMessages, "m1", map[string]any{
		"delivered_to.y": int64(100),
	}))
	require.NoError(t, m.SetMerge(ctx, CollMessages, "m1", map[string]any{
		"delivered_to.z": int64(200),
	}))

	doc, err := m.Get(ctx, CollMessages, "m1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc["chat_id"]) // 合并不覆盖兄弟字段
	dt := doc["delivered_to"].(map[string]any)
	assert.Equal(t, int64(100), dt["y"])
	assert.Equal(t, int64(200), dt["z"])
}

func TestMemoryStoreQueryEquality(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.SetMerge(ctx, CollMessages, "m1", map[string]any{"chat_id": "c1"})
	_ = m.SetMerge(ctx, CollMessages, "m2", map[string]any{"chat_id": "c1"})
	_ = m.SetMerge(ctx, CollMessages, "m3", map[string]any{"chat_id": "c2"})

	docs, err := m.Query(ctx, CollMessages, map[string]any{"chat_id": "c1"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemoryStoreBatchWrite(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.SetMerge(ctx, CollMessages, "gone", map[string]any{"chat_id": "c1"})

	err := m.BatchWrite(ctx, []WriteOp{
		{Collection: CollMessages, Key: "m1", Merge: map[string]any{"read_by.u": int64(1)}},
		{Collection: CollMessages, Key: "m2", Merge: map[string]any{"read_by.u": int64(2)}},
		{Collection: CollMessages, Key: "gone", Delete: true},
	})
	require.NoError(t, err)

	_, err = m.Get(ctx, CollMessages, "gone")
	assert.True(t, errs.IsNotFound(err))
	doc, err := m.Get(ctx, CollMessages, "m2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc["read_by"].(map[string]any)["u"])
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	assert.NoError(t, m.Delete(ctx, CollUsers, "nobody"))
	assert.NoError(t, m.Delete(ctx, CollUsers, "nobody"))
}

func TestMemoryStoreListen(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.SetMerge(ctx, CollKickedSessions, "d1", map[string]any{"reason": "seed"})

	ch, cancel, err := m.Listen(ctx, CollKickedSessions, "d1")
	require.NoError(t, err)
	defer cancel()

	ev := <-ch // 初始快照
	assert.Equal(t, "seed", ev.Fields["reason"])

	_ = m.SetMerge(ctx, CollKickedSessions, "d1", map[string]any{"reason": "updated"})
	ev = <-ch
	assert.Equal(t, "updated", ev.Fields["reason"])

	require.NoError(t, m.Delete(ctx, CollKickedSessions, "d1"))
	ev = <-ch
	assert.True(t, ev.Deleted)
}
