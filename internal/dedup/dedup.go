// Package dedup claims provider message ids in Redis so that several relay
// processes behind one webhook run the pipeline once per message.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a claimed id is remembered. Providers retry
	// failed webhook deliveries for well under a day.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "wprelay:seen:"
)

// Filter tracks claimed message ids. A nil *Filter claims everything.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a filter backed by rdb. ttl <= 0 uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// Claim reports whether id was not seen before and marks it seen (SETNX).
func (f *Filter) Claim(ctx context.Context, id string) (bool, error) {
	if f == nil || id == "" {
		return true, nil
	}
	set, err := f.rdb.SetNX(ctx, keyPrefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release forgets id so a later delivery can retry it.
func (f *Filter) Release(ctx context.Context, id string) error {
	if f == nil || id == "" {
		return nil
	}
	if err := f.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (f *Filter) Ping(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (f *Filter) Close() error {
	if f == nil {
		return nil
	}
	return f.rdb.Close()
}
