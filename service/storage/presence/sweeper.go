package presence

import (
	"context"
	"strings"
	"time"

	"SyncCore/logger"
)

// 心跳 + 清扫：用"连接截止时间索引"模拟原生 on-disconnect。
// 每个存活连接周期性把自己的截止时间往后推；清扫器（任意节点）
// 把截止时间已过的连接视为失联，替它落下预埋的断开写。

// 心跳续期：把本连接的截止时间推到 now+ttl。
// KEYS[1] = conn index; ARGV[1] = connID; ARGV[2] = ttlMillis
const luaHeartbeat = `
local t = redis.call('TIME')
local ms = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('ZADD', KEYS[1], ms + tonumber(ARGV[2]), ARGV[1])
return ms
`

// 清扫失联连接：对每个截止时间已过的 connID，执行其预埋的断开写，
// 然后删除预埋 hash 与索引成员。任何存活节点都可以代为清扫。
// KEYS[1] = conn index; ARGV[1] = arm hash 前缀; ARGV[2] = data 前缀; ARGV[3] = channel 前缀
// 返回：被清扫的 connID 数组
const luaSweep = `
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local victims = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, conn in ipairs(victims) do
  local h = ARGV[1] .. conn
  local fields = redis.call('HGETALL', h)
  for i = 1, #fields, 2 do
    local key = fields[i]
    local v = fields[i + 1]
    local t2 = redis.call('TIME')
    local ms = t2[1] * 1000 + math.floor(t2[2] / 1000)
    if string.sub(v, 1, 1) == 'd' then
      local existed = redis.call('DEL', ARGV[2] .. key)
      if existed == 1 then
        redis.call('PUBLISH', ARGV[3] .. key, cjson.encode({k = key, d = 1, t = ms}))
      end
    else
      local payload = string.sub(v, 2)
      redis.call('SET', ARGV[2] .. key, ms .. '|' .. payload)
      redis.call('PUBLISH', ARGV[3] .. key, cjson.encode({k = key, v = payload, d = 0, t = ms}))
    end
  end
  redis.call('DEL', h)
  redis.call('ZREM', KEYS[1], conn)
end
return victims
`

// heartbeatLoop 周期续期，同时把续期成败作为连通信号扇出。
func (s *RedisStore) heartbeatLoop() {
	tick := time.NewTicker(s.conf.HeartbeatEvery)
	defer tick.Stop()
	beat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := s.hbScript.Run(ctx, s.rdb,
			[]string{connIndexKey},
			s.conf.ConnID, s.conf.HeartbeatTTL.Milliseconds(),
		).Int64()
		if err != nil {
			logger.Warnf("presence: heartbeat failed: %v", err)
			s.setOnline(false)
			return
		}
		s.setOnline(true)
	}
	beat()
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			beat()
		}
	}
}

func (s *RedisStore) sweepLoop() {
	tick := time.NewTicker(s.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			victims, err := s.sweepScript.Run(ctx, s.rdb,
				[]string{connIndexKey},
				armPrefix, dataPrefix, channelPrefix,
			).StringSlice()
			cancel()
			if err != nil {
				logger.Warnf("presence: sweep failed: %v", err)
				continue
			}
			if len(victims) > 0 {
				logger.Infof("presence: swept %d dead connection(s): %s", len(victims), strings.Join(victims, ","))
			}
		}
	}
}
