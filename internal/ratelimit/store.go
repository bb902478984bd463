package ratelimit

import (
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewStore returns a Redis-backed store shared between replicas, or an in-process store
// when client is nil.
func NewStore(client *redis.Client, prefix string) (limiter.Store, error) {
	opts := limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute}
	if client == nil {
		return memory.NewStoreWithOptions(opts), nil
	}
	store, err := limiterredis.NewStoreWithOptions(client, opts)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return store, nil
}

// New builds a fixed-window limiter allowing max requests per window.
func New(store limiter.Store, window time.Duration, max int64) *limiter.Limiter {
	return limiter.New(store, limiter.Rate{Period: window, Limit: max})
}
