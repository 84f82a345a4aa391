// Package cache is an optional Redis read-through cache for materialized
// subject states. A nil *StateCache is valid and does nothing, so the
// engine never branches on whether caching is configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"diaryd/internal/event"
)

// ErrMiss reports that the key is not cached. Callers fall through to
// the store.
var ErrMiss = errors.New("cache miss")

// Options configures the Redis connection and entry lifetime.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// StateCache caches event.State values keyed by tenant and subject.
type StateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies it is reachable.
func New(opts Options) (*StateCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StateCache{client: client, ttl: ttl}, nil
}

// Get returns the cached state or ErrMiss.
func (c *StateCache) Get(ctx context.Context, tenant, subject string) (*event.State, error) {
	if c == nil {
		return nil, ErrMiss
	}
	raw, err := c.client.Get(ctx, stateKey(tenant, subject)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var st event.State
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt entry is treated as a miss; the store is the truth.
		return nil, ErrMiss
	}
	return &st, nil
}

// Put stores a state under the configured TTL.
func (c *StateCache) Put(ctx context.Context, st *event.State) error {
	if c == nil || st == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, stateKey(st.TenantID, st.SubjectID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate drops a subject's entry. Called after every accepted
// append so readers never see a stale head.
func (c *StateCache) Invalidate(ctx context.Context, tenant, subject string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, stateKey(tenant, subject)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Close releases the client. Safe on nil.
func (c *StateCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

func stateKey(tenant, subject string) string {
	return fmt.Sprintf("state:%s:%s", tenant, subject)
}
