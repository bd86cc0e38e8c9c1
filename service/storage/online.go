package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	usermodel "PPChat/module/user/model"
	"PPChat/service/presence"
	"PPChat/tools/errs"
)

// ===== 配置 =====
type OnlineConfig struct {
	NodeID        string // 节点ID，记录本节点对每个用户的连接贡献
	UseClusterTag bool   // 是否使用Redis Cluster hash-tag对齐
}

// ===== Lua 脚本 =====

// 原子增减连接数并翻转在线标记
// KEYS[1] = presence hash (im:presence:{<user>})
// ARGV[1] = delta (+1 / -1 / -n)
// ARGV[2] = node field (gw:<node>)，空串表示不记录
// ARGV[3] = nowUnixMilli
// 返回：{conns, changed(0/1), floored(0/1), last_online_ms 或 -1}
const luaPresenceDelta = `
local key   = KEYS[1]
local delta = tonumber(ARGV[1])
local field = ARGV[2]
local now   = ARGV[3]

local n = tonumber(redis.call("HGET", key, "conns") or "0")
local floored = 0
if n + delta < 0 then
  floored = 1
  delta = -n
end
n = n + delta
redis.call("HSET", key, "conns", n)

if field ~= "" and delta ~= 0 then
  local g = tonumber(redis.call("HGET", key, field) or "0") + delta
  if g <= 0 then
    redis.call("HDEL", key, field)
  else
    redis.call("HSET", key, field, g)
  end
end

local was = redis.call("HGET", key, "online") == "1"
local changed = 0
if n > 0 and not was then
  redis.call("HSET", key, "online", "1")
  redis.call("HDEL", key, "last_online")
  changed = 1
elseif n == 0 and was then
  redis.call("HSET", key, "online", "0")
  redis.call("HSET", key, "last_online", now)
  changed = 1
end

local last = redis.call("HGET", key, "last_online")
if not last then
  last = "-1"
end
return {n, changed, floored, last}
`

var presenceDelta = redis.NewScript(luaPresenceDelta)

// RedisRegistry is a presence.Registry shared by every gateway node. Each
// node also records its own share of a user's count so a restarted node can
// give back connections it lost in a crash (ResetNode).
type RedisRegistry struct {
	rdb redis.UniversalClient
	cfg OnlineConfig
	now func() time.Time
}

func NewRedisRegistry(rdb redis.UniversalClient, cfg OnlineConfig) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, cfg: cfg, now: time.Now}
}

func (r *RedisRegistry) presenceKey(user int64) string {
	if r.cfg.UseClusterTag {
		return fmt.Sprintf("im:presence:{%d}", user)
	}
	return fmt.Sprintf("im:presence:%d", user)
}

func (r *RedisRegistry) nodeKey() string {
	if r.cfg.UseClusterTag {
		return "im:presence:node:{" + r.cfg.NodeID + "}"
	}
	return "im:presence:node:" + r.cfg.NodeID
}

func (r *RedisRegistry) nodeField() string {
	if r.cfg.NodeID == "" {
		return ""
	}
	return "gw:" + r.cfg.NodeID
}

func (r *RedisRegistry) Open(ctx context.Context, user int64) (presence.Transition, error) {
	tr, _, err := r.apply(ctx, user, 1)
	if err != nil {
		return tr, err
	}
	if r.cfg.NodeID != "" {
		if err := r.rdb.SAdd(ctx, r.nodeKey(), user).Err(); err != nil {
			// the join fails, so nothing will ever Close this increment
			if _, _, uerr := r.apply(ctx, user, -1); uerr != nil {
				return tr, errs.ErrUpstream.Wrap(err, "index node user", "user", user, "undo", uerr.Error())
			}
			return presence.Transition{User: user}, errs.ErrUpstream.Wrap(err, "index node user", "user", user)
		}
	}
	return tr, nil
}

func (r *RedisRegistry) Close(ctx context.Context, user int64) (presence.Transition, error) {
	tr, floored, err := r.apply(ctx, user, -1)
	if err != nil {
		return tr, err
	}
	if floored {
		return tr, presence.Violation(ctx, user)
	}
	return tr, nil
}

func (r *RedisRegistry) Presence(ctx context.Context, user int64) (usermodel.Presence, error) {
	vals, err := r.rdb.HMGet(ctx, r.presenceKey(user), "conns", "last_online").Result()
	if err != nil {
		return usermodel.Presence{}, errs.ErrUpstream.Wrap(err, "read presence", "user", user)
	}
	var p usermodel.Presence
	if s, ok := vals[0].(string); ok {
		p.Connections, _ = strconv.ParseInt(s, 10, 64)
	}
	p.Online = p.Connections > 0
	if s, ok := vals[1].(string); ok && !p.Online {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
			ts := time.UnixMilli(ms).UTC()
			p.LastOnline = &ts
		}
	}
	return p, nil
}

// ResetNode removes the connections this node contributed before a restart.
// It returns the transitions that flipped a user offline so the caller can
// notify partners.
func (r *RedisRegistry) ResetNode(ctx context.Context) ([]presence.Transition, error) {
	field := r.nodeField()
	if field == "" {
		return nil, nil
	}
	members, err := r.rdb.SMembers(ctx, r.nodeKey()).Result()
	if err != nil {
		return nil, errs.ErrUpstream.Wrap(err, "list node users", "node", r.cfg.NodeID)
	}
	var flipped []presence.Transition
	for _, m := range members {
		user, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		g, err := r.rdb.HGet(ctx, r.presenceKey(user), field).Int64()
		if err != nil && err != redis.Nil {
			return flipped, errs.ErrUpstream.Wrap(err, "read node share", "user", user)
		}
		if g > 0 {
			tr, _, err := r.apply(ctx, user, -g)
			if err != nil {
				return flipped, err
			}
			if tr.Changed {
				flipped = append(flipped, tr)
			}
		}
		if err := r.rdb.SRem(ctx, r.nodeKey(), m).Err(); err != nil {
			return flipped, errs.ErrUpstream.Wrap(err, "unindex node user", "user", user)
		}
	}
	return flipped, nil
}

func (r *RedisRegistry) apply(ctx context.Context, user, delta int64) (presence.Transition, bool, error) {
	tr := presence.Transition{User: user}
	res, err := presenceDelta.Run(ctx, r.rdb,
		[]string{r.presenceKey(user)},
		delta, r.nodeField(), r.now().UnixMilli(),
	).Slice()
	if err != nil {
		return tr, false, errs.ErrUpstream.Wrap(err, "presence script", "user", user)
	}
	if len(res) != 4 {
		return tr, false, errs.ErrInvariant.WrapMsg("presence script reply", "len", len(res))
	}
	tr.Count = toInt64(res[0])
	tr.Changed = toInt64(res[1]) == 1
	floored := toInt64(res[2]) == 1
	tr.Presence = usermodel.Presence{Online: tr.Count > 0, Connections: tr.Count}
	if !tr.Presence.Online {
		if ms := toInt64(res[3]); ms >= 0 {
			ts := time.UnixMilli(ms).UTC()
			tr.Presence.LastOnline = &ts
		}
	}
	return tr, floored, nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return -1
		}
		return n
	default:
		return -1
	}
}
