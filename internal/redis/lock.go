package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("order lock not acquired")
)

// OrderLocker serializes webhook processing for one order across instances.
type OrderLocker interface {
	WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisOrderLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisOrderLocker creates a locker that uses a per order Redis key
func NewRedisOrderLocker(client *redis.Client, ttl time.Duration) OrderLocker {
	return &redisOrderLocker{
		client: client,
		ttl:    ttl,
	}
}

func orderLockKey(orderID uuid.UUID) string {
	return fmt.Sprintf("lock:order:%s", orderID.String())
}

func (l *redisOrderLocker) WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(ctx context.Context) error) error {
	key := orderLockKey(orderID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	// Release with a fresh context so a cancelled request still frees the key.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisOrderLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release order lock: %w", err)
	}
	return nil
}

// NoopOrderLocker runs fn directly. Used when Redis is not configured.
type NoopOrderLocker struct{}

func (NoopOrderLocker) WithOrderLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
