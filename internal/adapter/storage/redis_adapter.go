package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lineageLockPrefix = "lock:lineage:"
	idempotencyKeyTTL = 24 * time.Hour
	defaultLockTTL    = 10 * time.Second
	minLockBackoff    = 5 * time.Millisecond
	maxLockBackoff    = 200 * time.Millisecond
)

var ErrLockNotAcquired = errors.New("lock not acquired")

// only the holder's token may release the lock
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// RedisLocker serializes lineage writers across server instances. The TTL
// bounds how long a crashed holder can block a lineage.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Lock(ctx context.Context, bidID string) (func(), error) {
	key := lineageLockPrefix + bidID
	token := uuid.NewString()
	backoff := minLockBackoff

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockNotAcquired, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxLockBackoff {
				backoff = maxLockBackoff
			}
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	// the caller's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	released, err := releaseLockScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		// the lineage stays blocked until the TTL expires
		l.logger.Error("lineage lock release failed",
			zap.String("key", key),
			zap.Duration("ttl", l.ttl),
			zap.Error(err),
		)
		return
	}
	if released == 0 {
		l.logger.Warn("lineage lock expired before release", zap.String("key", key))
	}
}
