package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ SentCache  = (*RedisCache)(nil)
	_ ReplyCache = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	ProviderRef string    `json:"providerRef"`
	SentAt      time.Time `json:"sentAt"`
}

func sentKey(jobID int64) string { return fmt.Sprintf("job:%d:sent", jobID) }

func replyKey(providerMessageID string) string { return "inbound:" + providerMessageID + ":reply" }

func (c *RedisCache) StoreSent(ctx context.Context, jobID int64, providerRef string, sentAt time.Time) error {
	val := sentValue{
		ProviderRef: providerRef,
		SentAt:      sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(jobID), b, c.ttl).Err()
}

func (c *RedisCache) LookupReply(ctx context.Context, providerMessageID string) (string, bool, error) {
	if providerMessageID == "" {
		return "", false, nil
	}
	reply, err := c.rdb.Get(ctx, replyKey(providerMessageID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reply, true, nil
}

// RememberReply keeps the first reply stored for a message id.
func (c *RedisCache) RememberReply(ctx context.Context, providerMessageID, reply string) error {
	if providerMessageID == "" {
		return nil
	}
	return c.rdb.SetNX(ctx, replyKey(providerMessageID), reply, c.ttl).Err()
}
