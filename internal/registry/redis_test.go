package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisDefaultsAndKeys(t *testing.T) {
	r := NewRedis(nil, "", 0)
	assert.Equal(t, DefaultRedisPrefix, r.prefix)
	assert.Equal(t, 5*time.Minute, r.ttl)
	assert.Equal(t, "nscpd:conn:abc", r.key(" abc "))
}

func TestRedisSurfacesUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	r := NewRedis(client, "test:conn:", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, r.Register(ctx, Entry{}), ErrInvalidEntry)
	assert.Error(t, r.Register(ctx, Entry{ID: "c1"}))
	assert.Error(t, r.Unregister(ctx, "c1"))
	_, err := r.List(ctx)
	assert.Error(t, err)
}
