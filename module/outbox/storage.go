package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"SyncCore/tools/errs"
)

// MemoryLedger 给测试与无 Redis 的单机场景用。
type MemoryLedger struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{items: make(map[string]Item)}
}

func (l *MemoryLedger) Put(_ context.Context, item Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[item.ID] = item
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.items[id]
	if !ok {
		return Item{}, errs.NotFound("outbox: item not found").WithDetail(id)
	}
	return it, nil
}

func (l *MemoryLedger) All(_ context.Context) ([]Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (l *MemoryLedger) Delete(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[id]; !ok {
		return errs.NotFound("outbox: item not found").WithDetail(id)
	}
	delete(l.items, id)
	return nil
}

// RedisLedger 把某个 owner 的出站台账放进一个 hash
// （outbox:<owner>，field 为条目 id），重启、换端不丢。
type RedisLedger struct {
	rdb   redis.UniversalClient
	owner string
}

func NewRedisLedger(rdb redis.UniversalClient, ownerID string) *RedisLedger {
	return &RedisLedger{rdb: rdb, owner: ownerID}
}

func (l *RedisLedger) key() string { return "outbox:" + l.owner }

func (l *RedisLedger) Put(ctx context.Context, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return l.rdb.HSet(ctx, l.key(), item.ID, raw).Err()
}

func (l *RedisLedger) Get(ctx context.Context, id string) (Item, error) {
	raw, err := l.rdb.HGet(ctx, l.key(), id).Result()
	if err == redis.Nil {
		return Item{}, errs.NotFound("outbox: item not found").WithDetail(id)
	}
	if err != nil {
		return Item{}, errs.Transient("outbox: redis read").WrapCause(err)
	}
	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return Item{}, errs.WrapMsg(err, "outbox: bad ledger payload", "id", id)
	}
	return it, nil
}

func (l *RedisLedger) All(ctx context.Context) ([]Item, error) {
	entries, err := l.rdb.HGetAll(ctx, l.key()).Result()
	if err != nil {
		return nil, errs.Transient("outbox: redis scan").WrapCause(err)
	}
	out := make([]Item, 0, len(entries))
	for id, raw := range entries {
		var it Item
		if uerr := json.Unmarshal([]byte(raw), &it); uerr != nil {
			return nil, errs.WrapMsg(uerr, "outbox: bad ledger payload", "id", id)
		}
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (l *RedisLedger) Delete(ctx context.Context, id string) error {
	n, err := l.rdb.HDel(ctx, l.key(), id).Result()
	if err != nil {
		return errs.Transient("outbox: redis delete").WrapCause(err)
	}
	if n == 0 {
		return errs.NotFound("outbox: item not found").WithDetail(id)
	}
	return nil
}

// 入队先后 = 创建时间，同毫秒按 id（雪花号本身单调）稳定排序。
func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtMS != items[j].CreatedAtMS {
			return items[i].CreatedAtMS < items[j].CreatedAtMS
		}
		return items[i].ID < items[j].ID
	})
}
