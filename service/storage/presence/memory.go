package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"SyncCore/tools/errs"
)

// MemoryStore 是 Store 的进程内实现：单测与本地联调用。
// 断开语义通过 TriggerDisconnect 手工触发（等价于清扫器判定失联）。
type MemoryStore struct {
	mu        sync.Mutex
	data      map[string]memEntry
	armed     map[string][]byte // key -> payload（nil=删除）
	listeners map[string][]*memListener
	connSubs  []chan bool
	online    bool
	lastMS    int64 // store 时间单调递增
	closed    bool
}

type memEntry struct {
	value []byte
	at    time.Time
}

type memListener struct {
	ch     chan Event
	ctx    context.Context
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:      make(map[string]memEntry),
		armed:     make(map[string][]byte),
		listeners: make(map[string][]*memListener),
	}
}

// now 返回单调不减的 store 时间（同毫秒内写入也保持顺序）。
func (m *MemoryStore) now() time.Time {
	ms := time.Now().UnixMilli()
	if ms <= m.lastMS {
		ms = m.lastMS + 1
	}
	m.lastMS = ms
	return time.UnixMilli(ms)
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	cp := append([]byte(nil), value...)
	m.data[key] = memEntry{value: cp, at: ts}
	m.notifyLocked(Event{Key: key, Value: cp, StoreTime: ts})
	return ts, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, time.Time{}, errs.NotFound("presence key absent").WithDetail(key)
	}
	return append([]byte(nil), e.value...), e.at, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil // 幂等
	}
	delete(m.data, key)
	m.notifyLocked(Event{Key: key, Deleted: true, StoreTime: m.now()})
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (m *MemoryStore) Listen(ctx context.Context, key string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &memListener{ch: make(chan Event, 32), ctx: ctx}
	m.listeners[key] = append(m.listeners[key], l)
	if e, ok := m.data[key]; ok {
		l.ch <- Event{Key: key, Value: append([]byte(nil), e.value...), StoreTime: e.at}
	}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !l.closed {
			l.closed = true
			close(l.ch)
		}
	}
	return l.ch, cancel, nil
}

func (m *MemoryStore) notifyLocked(ev Event) {
	for _, l := range m.listeners[ev.Key] {
		if l.closed {
			continue
		}
		select {
		case l.ch <- ev:
		default:
		}
	}
}

func (m *MemoryStore) ArmDisconnectWrite(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		m.armed[key] = nil
	} else {
		m.armed[key] = append([]byte(nil), value...)
	}
	return nil
}

func (m *MemoryStore) DisarmDisconnectWrite(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, key)
	return nil
}

func (m *MemoryStore) Connectivity() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 16)
	m.connSubs = append(m.connSubs, ch)
	if m.online {
		ch <- true
	}
	return ch
}

func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.armed = make(map[string][]byte) // 主动退出不执行预埋写
	m.setOnlineLocked(false)
	return nil
}

// ===== 测试辅助：模拟连接生命周期 =====

// SetConnected 驱动连接状态迁移（true 推送给所有 Connectivity 订阅者）。
func (m *MemoryStore) SetConnected(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOnlineLocked(online)
}

func (m *MemoryStore) setOnlineLocked(online bool) {
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.connSubs {
		select {
		case ch <- online:
		default:
		}
	}
}

// TriggerDisconnect 模拟"失联被清扫"：执行全部预埋写并清空，随后置为离线。
func (m *MemoryStore) TriggerDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.armed {
		if v == nil {
			if _, ok := m.data[key]; ok {
				delete(m.data, key)
				m.notifyLocked(Event{Key: key, Deleted: true, StoreTime: m.now()})
			}
			continue
		}
		ts := m.now()
		cp := append([]byte(nil), v...)
		m.data[key] = memEntry{value: cp, at: ts}
		m.notifyLocked(Event{Key: key, Value: cp, StoreTime: ts})
	}
	m.armed = make(map[string][]byte)
	m.setOnlineLocked(false)
}

// ArmedCount 返回当前预埋写数量（测试断言用）。
func (m *MemoryStore) ArmedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}
