package consumer

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProcessedMarker remembers event ids that were fully processed so that
// redeliveries can be acked without touching the store. It is an
// optimization only: the store's upsert is the real idempotency guarantee.
type ProcessedMarker interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

type noopMarker struct{}

func (noopMarker) Seen(context.Context, string) bool { return false }
func (noopMarker) Mark(context.Context, string)      {}

// markerClient is the subset of *redis.Client the marker uses.
type markerClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisMarker stores processed ids as expiring keys. Redis failures are
// logged and treated as "not seen".
type RedisMarker struct {
	client markerClient
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedisMarker creates a RedisMarker. ttl bounds how long a redelivery can
// take the fast path.
func NewRedisMarker(client markerClient, ttl time.Duration, log *zap.Logger) *RedisMarker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisMarker{client: client, ttl: ttl, prefix: "relay:processed:", log: log.Named("marker")}
}

func (m *RedisMarker) Seen(ctx context.Context, eventID string) bool {
	n, err := m.client.Exists(ctx, m.prefix+eventID).Result()
	if err != nil {
		m.log.Warn("processed marker lookup failed, falling back to store", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return n > 0
}

func (m *RedisMarker) Mark(ctx context.Context, eventID string) {
	if err := m.client.Set(ctx, m.prefix+eventID, 1, m.ttl).Err(); err != nil {
		m.log.Warn("processed marker write failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
