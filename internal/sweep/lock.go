package sweep

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker elects a single sweeping instance. ok is false when another holder
// owns the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// NoopLocker always grants the lock; used for single-instance deployments.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lease. The TTL bounds how long a crashed holder
// blocks the others.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(addr, password, key string, ttl time.Duration) *RedisLocker {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLocker{client: c, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLocker) Ping(ctx context.Context) error { return l.client.Ping(ctx).Err() }

func (l *RedisLocker) Close() error { return l.client.Close() }
