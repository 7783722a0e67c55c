package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "nscpd:conn:"

// Redis stores entries as JSON values under prefix+id with a TTL so
// entries from a crashed daemon expire on their own.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string {
	return r.prefix + strings.TrimSpace(id)
}

func (r *Redis) Register(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrInvalidEntry
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(e.ID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("registry: redis set %s: %w", e.ID, err)
	}
	return nil
}

func (r *Redis) Unregister(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("registry: redis del %s: %w", id, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: redis get %s: %w", iter.Val(), err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: redis scan: %w", err)
	}
	sortEntries(out)
	return out, nil
}
