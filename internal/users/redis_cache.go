package users

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource is a read-through Redis cache in front of another Source.
// Only found users are cached, so new accounts show up without waiting
// for the TTL.
type CachedSource struct {
	client *redis.Client
	next   Source
	prefix string
	ttl    time.Duration
}

func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewCachedSource(client *redis.Client, next Source, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{client: client, next: next, prefix: "forum:user:", ttl: ttl}
}

func (c *CachedSource) key(id string) string {
	return c.prefix + id
}

func (c *CachedSource) Lookup(ctx context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}

	var missing []string
	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		missing = ids
	} else {
		for i, value := range cached {
			raw, ok := value.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			var record Record
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = record
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := c.next.Lookup(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for id, record := range found {
		out[id] = record
		payload, err := json.Marshal(record)
		if err != nil {
			continue
		}
		pipe.Set(ctx, c.key(id), payload, c.ttl)
	}
	// Cache fill errors are ignored.
	_, _ = pipe.Exec(ctx)
	return out, nil
}
