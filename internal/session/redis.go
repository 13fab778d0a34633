package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"mountproxy/internal/metrics"
)

// RedisStore persists serialized jars in Redis so multiple proxy instances
// can share session state. Expiry is owned by Redis via the key TTL,
// refreshed on every Save.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRedisStore creates a RedisStore. A zero ttl means keys never expire.
// The metrics parameter is optional; pass nil to disable corruption counting.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *RedisStore {
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		logger:  logger.With("component", "session_store", "backend", "redis"),
		metrics: m,
	}
}

func sessionRedisKey(id string) string {
	return fmt.Sprintf("mountproxy:session:%s", id)
}

// Load returns the jar stored for id, or a fresh empty jar when the key is
// absent or the payload unreadable. A non-nil error indicates a Redis
// failure, not missing or corrupt state.
func (s *RedisStore) Load(ctx context.Context, id string) (*Jar, error) {
	data, err := s.client.Get(ctx, sessionRedisKey(id)).Bytes()
	if err == redis.Nil {
		return NewJar(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session load %s: %w", id, err)
	}
	return decodeStored(data, id, s.logger, s.metrics), nil
}

// Save serializes jar and replaces any prior value for id, refreshing the TTL.
func (s *RedisStore) Save(ctx context.Context, id string, jar *Jar) error {
	data, err := jar.Marshal()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionRedisKey(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session save %s: %w", id, err)
	}
	return nil
}
