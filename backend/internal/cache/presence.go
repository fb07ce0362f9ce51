package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// relay 侧的在线名单缓存：记录每个会话里谁还活着。
// TTL 是逻辑 TTL（score=expireAt），靠客户端心跳续命。

type Member struct {
	UserID   string
	Username string
}

type PresenceCache interface {
	// Touch 登记/续命一个成员。心跳到达时直接再调一次即可。
	Touch(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error
	Remove(ctx context.Context, sessionID, userID string) error
	AliveMembers(ctx context.Context, sessionID string) ([]Member, error)
	Sessions(ctx context.Context) ([]string, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Touch(ctx context.Context, sessionID, userID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, sessionKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, sessionID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, sessionKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := p.rdb.Scan(ctx, 0, "presence:session:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:session: 开头，要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		sid := strings.TrimPrefix(k, "presence:session:{sid:")
		sid = strings.TrimSuffix(sid, "}")
		if sid != "" {
			sessions = append(sessions, sid)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) AliveMembers(ctx context.Context, sessionID string) ([]Member, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = sessionKey(sid)
	-- KEYS[2] = namesKey(sid)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{sessionKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, sessionKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, Member{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}
