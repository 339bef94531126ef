package cloudtaskmq

import (
	"context"
	"strings"
)

// RateLimitStatus is the caller-facing view of one rate-limit check.
type RateLimitStatus struct {
	Allowed bool
	// Count is the window counter after the increment.
	Count int64
	// Limit echoes the configured maximum.
	Limit int
	// ResetTime is the absolute moment (ms) the window expires.
	ResetTime int64
	// Remaining is max(0, Limit-Count).
	Remaining int64
}

// RateLimiter is a thin facade over the storage adapter's atomic window
// counter. All mutation goes through IncrementRateLimit; no other path may
// touch the counters.
type RateLimiter struct {
	storage StorageAdapter
}

// NewRateLimiter creates a rate limiter on top of the given adapter.
func NewRateLimiter(storage StorageAdapter) *RateLimiter {
	return &RateLimiter{storage: storage}
}

// CheckRateLimit consumes one slot of the window for key. A non-positive
// MaxRequests denies without touching storage.
func (l *RateLimiter) CheckRateLimit(ctx context.Context, key string, cfg RateLimiterConfig) (*RateLimitStatus, error) {
	if cfg.MaxRequests <= 0 {
		return &RateLimitStatus{Allowed: false, Limit: cfg.MaxRequests}, nil
	}
	res, err := l.storage.IncrementRateLimit(ctx, key, cfg.Window, cfg.MaxRequests)
	if err != nil {
		return nil, err
	}
	return statusFrom(res, cfg.MaxRequests), nil
}

// GetStatus returns the current window for key without incrementing, or nil
// when no live window exists.
func (l *RateLimiter) GetStatus(ctx context.Context, key string, cfg RateLimiterConfig) (*RateLimitStatus, error) {
	res, err := l.storage.GetRateLimit(ctx, key)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return statusFrom(res, cfg.MaxRequests), nil
}

func statusFrom(res *RateLimitResult, limit int) *RateLimitStatus {
	remaining := int64(limit) - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitStatus{
		Allowed:   res.Count <= int64(limit),
		Count:     res.Count,
		Limit:     limit,
		ResetTime: res.ResetTime,
		Remaining: remaining,
	}
}

// Structured rate-limit key builders. Keys group related windows under a
// stable prefix so operators can inspect and reset them per scope.

// QueueRateKey is the ingress window for one queue.
func QueueRateKey(queue string) string { return "queue:" + queue }

// UserRateKey scopes a window to a user, optionally per endpoint.
func UserRateKey(userID string, endpoint ...string) string {
	return scopedKey("user:"+userID, endpoint)
}

// IPRateKey scopes a window to a client IP, optionally per endpoint.
func IPRateKey(ip string, endpoint ...string) string {
	return scopedKey("ip:"+ip, endpoint)
}

// ProcessorRateKey scopes a window to one named processor on a queue.
func ProcessorRateKey(queue, taskName string) string {
	return "processor:" + queue + ":" + taskName
}

// globalRateKey is the engine-wide window used by Config.GlobalRateLimiter.
const globalRateKey = "global"

func scopedKey(base string, parts []string) string {
	if len(parts) == 0 {
		return base
	}
	return base + ":" + strings.Join(parts, ":")
}
