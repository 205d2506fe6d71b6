package docstore

import (
	"context"
	"strings"
	"sync"

	"SyncCore/tools/errs"
)

// MemoryStore 是 Store 的进程内实现（单测/本地联调）。
// 点号路径合并语义与 Mongo 的 $set 对齐。
type MemoryStore struct {
	mu        sync.Mutex
	colls     map[string]map[string]map[string]any
	listeners map[string][]*memDocListener
}

type memDocListener struct {
	ch     chan Event
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls:     make(map[string]map[string]map[string]any),
		listeners: make(map[string][]*memDocListener),
	}
}

func listenerKey(collection, key string) string { return collection + "\x00" + key }

func (m *MemoryStore) docLocked(collection, key string, create bool) map[string]any {
	coll, ok := m.colls[collection]
	if !ok {
		if !create {
			return nil
		}
		coll = make(map[string]map[string]any)
		m.colls[collection] = coll
	}
	doc, ok := coll[key]
	if !ok {
		if !create {
			return nil
		}
		doc = make(map[string]any)
		coll[key] = doc
	}
	return doc
}

// mergeField 按点号路径写入（"delivered_to.u1" -> doc["delivered_to"]["u1"]）。
func mergeField(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// lookupField 按点号路径读取。
func lookupField(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func deepCopy(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if sub, ok := v.(map[string]any); ok {
			out[k] = deepCopy(sub)
			continue
		}
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Get(ctx context.Context, collection, key string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docLocked(collection, key, false)
	if doc == nil {
		return nil, errs.NotFound("document absent").WithDetail(collection + "/" + key)
	}
	return deepCopy(doc), nil
}

func (m *MemoryStore) SetMerge(ctx context.Context, collection, key string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMergeLocked(collection, key, fields)
	return nil
}

func (m *MemoryStore) setMergeLocked(collection, key string, fields map[string]any) {
	doc := m.docLocked(collection, key, true)
	for path, v := range fields {
		mergeField(doc, path, v)
	}
	m.notifyLocked(Event{Collection: collection, Key: key, Fields: deepCopy(doc)})
}

func (m *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.colls[collection]
	if !ok {
		return nil
	}
	if _, ok := coll[key]; !ok {
		return nil // 幂等
	}
	delete(coll, key)
	m.notifyLocked(Event{Collection: collection, Key: key, Deleted: true})
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, filter map[string]any) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Doc
	for key, doc := range m.colls[collection] {
		match := true
		for path, want := range filter {
			got, ok := lookupField(doc, path)
			if !ok || got != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, Doc{Collection: collection, Key: key, Fields: deepCopy(doc)})
		}
	}
	return out, nil
}

func (m *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			if coll, ok := m.colls[op.Collection]; ok {
				if _, ok := coll[op.Key]; ok {
					delete(coll, op.Key)
					m.notifyLocked(Event{Collection: op.Collection, Key: op.Key, Deleted: true})
				}
			}
			continue
		}
		m.setMergeLocked(op.Collection, op.Key, op.Merge)
	}
	return nil
}

func (m *MemoryStore) Listen(ctx context.Context, collection, key string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &memDocListener{ch: make(chan Event, 32)}
	lk := listenerKey(collection, key)
	m.listeners[lk] = append(m.listeners[lk], l)
	if doc := m.docLocked(collection, key, false); doc != nil {
		l.ch <- Event{Collection: collection, Key: key, Fields: deepCopy(doc)}
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
	for _, l := range m.listeners[listenerKey(ev.Collection, ev.Key)] {
		if l.closed {
			continue
		}
		select {
		case l.ch <- ev:
		default:
		}
	}
}
