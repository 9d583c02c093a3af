package runner

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisLocker takes a per-(tenant, minute) key with SET NX. Keys expire
// after ttl and are never released early.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "cadence:lock:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) Key(tenant string, minute time.Time) string {
	return l.prefix + tenant + ":" + minute.UTC().Format("200601021504")
}

func (l *RedisLocker) TryLock(ctx context.Context, tenant string, minute time.Time) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.Key(tenant, minute), time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lock tenant %s", tenant)
	}
	return ok, nil
}

func (l *RedisLocker) Close() error { return l.client.Close() }
