package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SyncLockKey is the Redis key guarding sync runs.
const SyncLockKey = "clinic-calendar-sync:sync-lock"

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Locker shared by every process pointing at the same Redis.
// The TTL bounds how long a crashed holder blocks other runs.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisLocker parses a redis:// URL and returns a locker on SyncLockKey.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisLocker{
		client: redis.NewClient(opts),
		key:    SyncLockKey,
		ttl:    ttl,
		token:  uuid.NewString(),
	}, nil
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
