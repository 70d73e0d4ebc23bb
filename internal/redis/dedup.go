package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers webhook event ids that were applied successfully.
// It is a fast path only; the database ledger stays authoritative.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type redisEventDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventDeduper(client *redis.Client, ttl time.Duration) EventDeduper {
	return &redisEventDeduper{client: client, ttl: ttl}
}

func dedupKey(eventID string) string {
	return "webhook:processed:" + eventID
}

func (d *redisEventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := d.client.Get(ctx, dedupKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

func (d *redisEventDeduper) Mark(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, dedupKey(eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	return nil
}

// NoopEventDeduper never reports an event as seen.
type NoopEventDeduper struct{}

func (NoopEventDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopEventDeduper) Mark(context.Context, string) error         { return nil }
