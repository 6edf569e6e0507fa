package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock serializes sweeps across instances.
type Lock interface {
	// TryAcquire attempts to take key for ttl without blocking. When
	// acquired is true the caller must invoke release.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// NoopLock always acquires. Used when a single instance sweeps.
type NoopLock struct{}

func (NoopLock) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the key only while it still holds our token, so a
// sweep that outlived its TTL cannot release another instance's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock is a Lock backed by SET NX PX.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wraps an existing client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// DialRedisLock connects to redisURL and verifies the connection.
func DialRedisLock(ctx context.Context, redisURL string) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLock(client), nil
}

// TryAcquire implements Lock.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Ping checks the Redis connection.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
