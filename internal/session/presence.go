package session

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence is a directory of live sessions shared by every relay instance.
// Entries are "<instance>/<sessionID>" members of a per-user set.
type Presence interface {
	Add(ctx context.Context, userID, member string)
	Remove(ctx context.Context, userID, member string)
	Members(ctx context.Context, userID string) ([]string, error)
}

// presenceClient is the subset of *redis.Client the presence directory uses.
type presenceClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisPresence keeps the directory in one sorted set per user. Each member is
// scored with its own expiry, so entries left behind by a crashed instance
// lapse even while other sessions of the same user stay registered. Live
// entries are kept fresh by Registry.RefreshPresence. Write failures are
// logged and ignored.
type RedisPresence struct {
	client presenceClient
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewRedisPresence creates a RedisPresence.
func NewRedisPresence(client presenceClient, ttl time.Duration, log *zap.Logger) *RedisPresence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPresence{client: client, ttl: ttl, log: log.Named("presence"), now: time.Now}
}

// TTL is how long an entry survives without a refresh.
func (p *RedisPresence) TTL() time.Duration { return p.ttl }

func presenceKey(userID string) string {
	return "relay:presence:" + userID
}

func (p *RedisPresence) Add(ctx context.Context, userID, member string) {
	key := presenceKey(userID)
	now := p.now()
	expiry := float64(now.Add(p.ttl).UnixMilli())
	if err := p.client.ZAdd(ctx, key, redis.Z{Score: expiry, Member: member}).Err(); err != nil {
		p.log.Warn("presence add failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := p.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10)).Err(); err != nil {
		p.log.Debug("presence prune failed", zap.String("user_id", userID), zap.Error(err))
	}
	// The key outlives its newest member by one TTL at most.
	if err := p.client.Expire(ctx, key, p.ttl).Err(); err != nil {
		p.log.Warn("presence expire failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *RedisPresence) Remove(ctx context.Context, userID, member string) {
	if err := p.client.ZRem(ctx, presenceKey(userID), member).Err(); err != nil {
		p.log.Warn("presence remove failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Members returns the unexpired entries for userID.
func (p *RedisPresence) Members(ctx context.Context, userID string) ([]string, error) {
	return p.client.ZRangeByScore(ctx, presenceKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(p.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}
