package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	ctmq "github.com/UniQw/cloudtaskmq-go"
)

// IsUniquenessKeyActive reports whether a live lock key exists. Expired locks
// are gone via native TTL.
func (a *Adapter) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, a.keys.Unique(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/redis: uniqueness check: %w", err)
	}
	return n > 0, nil
}

// SetUniquenessKeyActive acquires the lock with a single SETNX carrying the
// TTL, which is the whole test-and-set.
func (a *Adapter) SetUniquenessKeyActive(ctx context.Context, key, taskID string, ttl time.Duration) (bool, error) {
	ok, err := a.rdb.SetNX(ctx, a.keys.Unique(key), taskID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cloudtaskmq/redis: uniqueness acquire: %w", err)
	}
	return ok, nil
}

// RemoveUniquenessKey releases the lock.
func (a *Adapter) RemoveUniquenessKey(ctx context.Context, key string) error {
	if err := a.rdb.Del(ctx, a.keys.Unique(key)).Err(); err != nil {
		return fmt.Errorf("cloudtaskmq/redis: uniqueness release: %w", err)
	}
	return nil
}

// incrRateScript opens or advances one fixed rate-limit window atomically.
// HSETNX fixes resetTime at window creation; later increments inside the same
// window never touch it, and the TTL is only set when the window opens.
var incrRateScript = goredis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local reset  = redis.call('HGET', key, 'resetTime')
if reset and tonumber(reset) <= now then
  redis.call('DEL', key)
  reset = false
end
local count = redis.call('HINCRBY', key, 'count', 1)
if not reset then
  reset = string.format('%.0f', now + window)
  redis.call('HSETNX', key, 'resetTime', reset)
  redis.call('PEXPIRE', key, window)
end
return {count, reset}
`)

// IncrementRateLimit runs the window script and interprets its reply.
func (a *Adapter) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*ctmq.RateLimitResult, error) {
	reply, err := incrRateScript.Run(ctx, a.rdb, []string{a.keys.Rate(key)},
		nowMillis(), window.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: rate increment: %w", err)
	}
	parts, ok := reply.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("cloudtaskmq/redis: rate increment: unexpected reply %v", reply)
	}
	count, err := cast.ToInt64E(parts[0])
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: rate count: %w", err)
	}
	reset, err := cast.ToInt64E(parts[1])
	if err != nil {
		return nil, fmt.Errorf("cloudtaskmq/redis: rate resetTime: %w", err)
	}
	return &ctmq.RateLimitResult{
		Allowed:   count <= int64(maxRequests),
		Count:     count,
		ResetTime: reset,
	}, nil
}

// GetRateLimit reads the window hash without incrementing. A missing or
// expired window reads as absent.
func (a *Adapter) GetRateLimit(ctx context.Context, key string) (*ctmq.RateLimitResult, error) {
	fields, err := a.rdb.HGetAll(ctx, a.keys.Rate(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cloudtaskmq/redis: rate get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	count := cast.ToInt64(fields["count"])
	reset := cast.ToInt64(fields["resetTime"])
	if reset <= nowMillis() {
		return nil, nil
	}
	return &ctmq.RateLimitResult{Count: count, ResetTime: reset}, nil
}

// DeleteRateLimit drops the window hash.
func (a *Adapter) DeleteRateLimit(ctx context.Context, key string) error {
	if err := a.rdb.Del(ctx, a.keys.Rate(key)).Err(); err != nil {
		return fmt.Errorf("cloudtaskmq/redis: rate delete: %w", err)
	}
	return nil
}
