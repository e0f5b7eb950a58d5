package storagelock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyLockTime is the Redis key template for a client's lock time.
const KeyLockTime = "url_metric_storage_lock:%s"

// RedisStore keeps lock times in Redis so every collector instance
// behind a load balancer shares them.  Keys expire after the
// retention.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) key(client string) string {
	return fmt.Sprintf(KeyLockTime, client)
}

func (s *RedisStore) LastLockTime(ctx context.Context, client string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.key(client)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("GET lock time failed: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Treat garbage as no lock rather than locking the client out.
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *RedisStore) SetLastLockTime(ctx context.Context, client string, t time.Time) error {
	err := s.client.Set(ctx, s.key(client), strconv.FormatInt(t.UnixMilli(), 10), s.retention).Err()
	if err != nil {
		return fmt.Errorf("SET lock time failed: %w", err)
	}
	return nil
}
