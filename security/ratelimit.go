package security

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/relayauth/broker/storage"
)

const rateLimitKeyPrefix = "ratelimit:"

// RateLimiter is a fixed-window rate limiter whose counters live in the
// shared store, so the limit holds across every broker process behind the
// same backend. Each (client IP, endpoint) pair gets its own window.
type RateLimiter struct {
	kv     storage.KV
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window from
// each source. A non-positive limit or window disables the limiter.
func NewRateLimiter(kv storage.KV, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		kv:     kv,
		limit:  int64(limit),
		window: window,
	}
}

// Enabled reports whether the limiter enforces anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0 && rl.window > 0
}

// Allow records one request from ip against endpoint and reports whether it
// is within the limit. The counter key expires with the window, so windows
// reset themselves without any bookkeeping.
func (rl *RateLimiter) Allow(ctx context.Context, ip, endpoint string) (bool, error) {
	if !rl.Enabled() {
		return true, nil
	}

	key := rateLimitKeyPrefix + endpoint + ":" + ip

	count, err := rl.increment(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}
	return count <= rl.limit, nil
}

// increment bumps the window counter. Stores with the Incrementer capability
// do this atomically; otherwise a read-modify-write is the best available,
// which can undercount under concurrency. Undercounting admits a few extra
// requests at the window boundary and never locks a client out early.
func (rl *RateLimiter) increment(ctx context.Context, key string) (int64, error) {
	if inc, ok := rl.kv.(storage.Incrementer); ok {
		return inc.Increment(ctx, key, rl.window)
	}

	var count int64
	data, err := rl.kv.Get(ctx, key)
	switch {
	case err == nil:
		count, err = strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			count = 0
		}
	case errors.Is(err, storage.ErrNotFound):
		count = 0
	default:
		return 0, err
	}

	count++
	if err := rl.kv.Put(ctx, key, []byte(strconv.FormatInt(count, 10)), rl.window); err != nil {
		return 0, err
	}
	return count, nil
}
