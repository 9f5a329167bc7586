// internal/cache/dedupe.go
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers delivery callbacks that were already applied so gateway
// retries can be acknowledged without touching the database.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisDeduper struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{Client: client, Prefix: "delivery:", TTL: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.Client.Exists(ctx, d.Prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	_, err := d.Client.SetNX(ctx, d.Prefix+key, 1, d.TTL).Result()
	return err
}

// NoopDeduper is used when no cache is configured.
type NoopDeduper struct{}

func (NoopDeduper) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopDeduper) Mark(context.Context, string) error         { return nil }
