package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"cadence/internal/domain"
)

// DefaultKeyPrefix prefixes the list key of every redis queue.
const DefaultKeyPrefix = "cadence:queue:"

// RedisQueue pushes messages onto a redis list (LPUSH). Consumers pop from
// the other end.
type RedisQueue struct {
	client *redis.Client
	name   string
	key    string
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, password string, db int, prefix, name string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect to redis for queue %q", name)
	}
	return NewRedisQueue(client, prefix, name), nil
}

func NewRedisQueue(client *redis.Client, prefix, name string) *RedisQueue {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisQueue{client: client, name: name, key: prefix + name}
}

func (q *RedisQueue) Key() string { return q.key }

func (q *RedisQueue) Push(ctx context.Context, command string, args map[string]string) error {
	body, err := encode(command, args, time.Now())
	if err != nil {
		return domain.QueueFailure(err, q.name)
	}
	return domain.QueueFailure(q.client.LPush(ctx, q.key, body).Err(), q.name)
}

func (q *RedisQueue) Close() error { return q.client.Close() }
