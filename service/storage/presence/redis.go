package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"SyncCore/logger"
	"SyncCore/tools/errs"
	"SyncCore/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ===== 配置 =====

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	ConnID         string        // 本连接ID（参与 armed-write 归属），默认雪花
	HeartbeatTTL   time.Duration // 心跳失联判定窗口，默认 30s
	HeartbeatEvery time.Duration // 心跳周期，默认 10s
	SweepEvery     time.Duration // 清扫周期，默认 5s
}

func (c *RedisConfig) withDefaults() {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 10 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
}

// ===== Key 构造 =====
//
// prs:<key>        数据键，value 编码为 "<storeMillis>|<payload>"
// prsch:<key>      该键的变更事件频道
// prs:arm:<conn>   某连接预埋的断开写（hash: key -> 'd' / 'w'+payload）
// prs:conns        连接生存期索引（ZSET: member=connID, score=心跳截止毫秒）

const (
	dataPrefix    = "prs:"
	channelPrefix = "prsch:"
	armPrefix     = "prs:arm:"
	connIndexKey  = "prs:conns"
)

// ===== Lua 脚本 =====
//
// 所有写路径都在脚本里取 redis.call('TIME') 作为 store-assigned 时间戳，
// 写值与发布事件共用同一个时间，保证镜像侧 last-write-wins 按存储时间判定。

// KEYS[1] = data key; ARGV[1] = payload; ARGV[2] = channel; ARGV[3] = logical key
// 返回：storeMillis
const luaSet = `
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('SET', KEYS[1], ms .. '|' .. ARGV[1])
redis.call('PUBLISH', ARGV[2], cjson.encode({k = ARGV[3], v = ARGV[1], d = 0, t = ms}))
return ms
`

// KEYS[1] = data key; ARGV[1] = channel; ARGV[2] = logical key
// 返回：1=删掉了；0=本来就不存在（幂等）
const luaDelete = `
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
local existed = redis.call('DEL', KEYS[1])
if existed == 1 then
  redis.call('PUBLISH', ARGV[1], cjson.encode({k = ARGV[2], d = 1, t = ms}))
end
return existed
`

// ===== Store =====

// RedisStore 用"心跳 + 截止时间索引 + 清扫脚本"模拟原生的 on-disconnect
// 原语：连接活着就续期，断了（crash/断网/kill -9）截止时间一过，任意
// 存活节点的清扫器都会替它落下预埋的写。
type RedisStore struct {
	conf RedisConfig
	rdb  *redis.Client

	setScript    *redis.Script
	deleteScript *redis.Script
	hbScript     *redis.Script
	sweepScript  *redis.Script

	mu       sync.Mutex
	connSubs []chan bool
	online   bool

	stop   chan struct{}
	closed sync.Once
}

func NewRedisStore(conf RedisConfig) (*RedisStore, error) {
	conf.withDefaults()
	if conf.ConnID == "" {
		return nil, errs.New("presence: ConnID is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
		PoolSize: conf.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "presence: redis ping")
	}

	s := &RedisStore{
		conf:         conf,
		rdb:          rdb,
		setScript:    redis.NewScript(luaSet),
		deleteScript: redis.NewScript(luaDelete),
		hbScript:     redis.NewScript(luaHeartbeat),
		sweepScript:  redis.NewScript(luaSweep),
		stop:         make(chan struct{}),
	}
	safe.SafeGo("presence.heartbeat", s.heartbeatLoop)
	safe.SafeGo("presence.sweeper", s.sweepLoop)
	return s, nil
}

func dataKey(key string) string    { return dataPrefix + key }
func channelKey(key string) string { return channelPrefix + key }

// decodeStored 拆 "<ms>|<payload>"
func decodeStored(raw string) ([]byte, time.Time, error) {
	i := strings.IndexByte(raw, '|')
	if i < 0 {
		return nil, time.Time{}, errs.New("presence: malformed stored value")
	}
	ms, err := strconv.ParseInt(raw[:i], 10, 64)
	if err != nil {
		return nil, time.Time{}, errs.New("presence: malformed store time", "value", raw[:i])
	}
	return []byte(raw[i+1:]), time.UnixMilli(ms), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) (time.Time, error) {
	ms, err := s.setScript.Run(ctx, s.rdb,
		[]string{dataKey(key)},
		string(value), channelKey(key), key,
	).Int64()
	if err != nil {
		return time.Time{}, errs.Transient("presence set failed").WrapCause(err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	raw, err := s.rdb.Get(ctx, dataKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, errs.NotFound("presence key absent").WithDetail(key)
	}
	if err != nil {
		return nil, time.Time{}, errs.Transient("presence get failed").WrapCause(err)
	}
	return decodeStored(raw)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteScript.Run(ctx, s.rdb,
		[]string{dataKey(key)},
		channelKey(key), key,
	).Int64(); err != nil {
		return errs.Transient("presence delete failed").WrapCause(err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.rdb.Scan(ctx, 0, dataPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		raw, err := s.rdb.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			continue // 扫描与删除并发，跳过即可
		}
		if err != nil {
			return nil, errs.Transient("presence list failed").WrapCause(err)
		}
		v, _, err := decodeStored(raw)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(full, dataPrefix)] = v
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Transient("presence scan failed").WrapCause(err)
	}
	return out, nil
}

// wireEvent 是频道上的事件编码（cjson 侧生成）。
type wireEvent struct {
	K string `json:"k"`
	V string `json:"v"`
	D int    `json:"d"`
	T int64  `json:"t"`
}

// Listen 先推当前快照（若存在），随后转发频道上的每次变更。
func (s *RedisStore) Listen(ctx context.Context, key string) (<-chan Event, func(), error) {
	sub := s.rdb.Subscribe(ctx, channelKey(key))
	// 确认订阅建立后再读快照，避免掉事件
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errs.Transient("presence listen failed").WrapCause(err)
	}

	out := make(chan Event, 16)
	if v, ts, err := s.Get(ctx, key); err == nil {
		out <- Event{Key: key, Value: v, StoreTime: ts}
	} else if !errs.IsNotFound(err) {
		_ = sub.Close()
		return nil, nil, err
	}

	safe.SafeGo("presence.listen:"+key, func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
					logger.Warnf("presence: bad event payload on %s: %v", key, err)
					continue
				}
				ev := Event{Key: we.K, Deleted: we.D == 1, StoreTime: time.UnixMilli(we.T)}
				if !ev.Deleted {
					ev.Value = []byte(we.V)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// ArmDisconnectWrite 预埋断开写。value=nil 表示断开时删除该 key。
func (s *RedisStore) ArmDisconnectWrite(ctx context.Context, key string, value []byte) error {
	field := "d"
	if value != nil {
		field = "w" + string(value)
	}
	deadline := time.Now().Add(s.conf.HeartbeatTTL).UnixMilli()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, armPrefix+s.conf.ConnID, key, field)
	pipe.ZAddNX(ctx, connIndexKey, redis.Z{Score: float64(deadline), Member: s.conf.ConnID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Transient("presence arm failed").WrapCause(err)
	}
	return nil
}

func (s *RedisStore) DisarmDisconnectWrite(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, armPrefix+s.conf.ConnID, key).Err(); err != nil {
		return errs.Transient("presence disarm failed").WrapCause(err)
	}
	return nil
}

// Connectivity 返回一个新的订阅通道。首个事件在第一次心跳成功后到达。
func (s *RedisStore) Connectivity() <-chan bool {
	ch := make(chan bool, 16)
	s.mu.Lock()
	s.connSubs = append(s.connSubs, ch)
	if s.online {
		ch <- true
	}
	s.mu.Unlock()
	return ch
}

func (s *RedisStore) setOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.connSubs {
		select {
		case ch <- online:
		default:
			// 订阅者积压时丢弃中间迁移，保留最终状态语义由下一次迁移补足
		}
	}
}

// Close 主动退出：撤销本连接全部预埋写（不执行），摘掉索引成员，断开客户端。
func (s *RedisStore) Close(ctx context.Context) error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, armPrefix+s.conf.ConnID)
		pipe.ZRem(ctx, connIndexKey, s.conf.ConnID)
		if _, e := pipe.Exec(ctx); e != nil {
			err = errs.Transient("presence close failed").WrapCause(e)
		}
		s.setOnline(false)
		_ = s.rdb.Close()
	})
	return err
}
