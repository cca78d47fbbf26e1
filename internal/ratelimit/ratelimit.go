// Package ratelimit throttles inbound HTTP calls per client key.
//
// MemoryLimiter is the only implementation; the Limiter interface lets the
// server run with NoopLimiter when throttling is disabled.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. An error means the
	// limiter itself failed; callers let the request through.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// retryAdvisor is implemented by limiters that know how long a throttled
// client should wait.
type retryAdvisor interface {
	RetryAfter() time.Duration
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
