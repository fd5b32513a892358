// Package rate implements fixed-window rate limiting on the shared
// key-value store. Window boundaries are baked into the counter key, so
// the TTL only garbage-collects stale windows.
package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/federato/identity-core/internal/kv"
)

// Result reports one admission check.
type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

// Limiter admits or rejects a keyed request against a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// KVLimiter counts hits per key per window via atomic increments.
type KVLimiter struct {
	store  kv.Store
	prefix string
	max    int64
	window time.Duration
}

// NewLimiter builds a limiter admitting max hits per window.
func NewLimiter(store kv.Store, prefix string, max int, window time.Duration) *KVLimiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &KVLimiter{store: store, prefix: prefix, max: int64(max), window: window}
}

func (l *KVLimiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.AllowN(ctx, key, l.max, l.window)
}

// AllowN checks key against an explicit limit and window, for endpoints
// with stricter budgets than the limiter's default.
func (l *KVLimiter) AllowN(ctx context.Context, key string, max int64, window time.Duration) (Result, error) {
	now := time.Now().UTC()
	winStart := now.Truncate(window)
	counterKey := fmt.Sprintf("%s:%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), winStart.Unix())

	hits, err := l.store.AtomicIncrement(ctx, counterKey, window)
	if err != nil {
		return Result{}, err
	}

	remaining := max - hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:     hits <= max,
		Remaining:   remaining,
		CurrentHits: hits,
	}
	if !res.Allowed {
		res.RetryAfter = winStart.Add(window).Sub(now)
	}
	return res, nil
}
