package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter caps outbound deliveries per subscriber per second.
//
// With a Redis client it runs a sliding window in a sorted set, shared by
// every instance. Without one it falls back to an in-process token bucket.
type RateLimiter struct {
	redisClient  *redis.Client
	logger       *slog.Logger
	script       *redis.Script
	pollInterval time.Duration

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// Lua script for atomic sliding window rate limiting.
// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. If under the limit, add a new entry and return 1 (allowed)
// 4. If at/over the limit, return 0 (denied)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
end
return 0
`)

const rateWindowMs = 1000

// NewRateLimiter builds a limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient:  redisClient,
		logger:       logger,
		script:       slidingWindowScript,
		pollInterval: 50 * time.Millisecond,
		local:        make(map[string]*rate.Limiter),
	}
}

func rlKey(subscriberID string) string {
	return fmt.Sprintf("webhook:rl:%s", subscriberID)
}

// Allow reports whether one more delivery to the subscriber fits in the
// current window. limit <= 0 means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, subscriberID string, limit int) bool {
	if limit <= 0 {
		return true
	}
	if rl.redisClient == nil {
		return rl.localLimiter(subscriberID, limit).Allow()
	}

	now := time.Now().UnixMilli()
	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(subscriberID)},
		now, rateWindowMs, limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscriber_id", subscriberID)
		return true // fail open
	}

	if result == 0 {
		rl.logger.Debug("rate limited",
			"subscriber_id", subscriberID,
			"limit", limit,
		)
		return false
	}
	return true
}

// Wait blocks until a delivery to the subscriber is allowed or ctx ends.
// It reports whether the caller had to wait at all.
func (rl *RateLimiter) Wait(ctx context.Context, subscriberID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if rl.redisClient == nil {
		lim := rl.localLimiter(subscriberID, limit)
		if lim.Allow() {
			return false, nil
		}
		if err := lim.Wait(ctx); err != nil {
			return true, fmt.Errorf("waiting for rate limit: %w", err)
		}
		return true, nil
	}

	waited := false
	for {
		if rl.Allow(ctx, subscriberID, limit) {
			return waited, nil
		}
		waited = true
		select {
		case <-ctx.Done():
			return waited, fmt.Errorf("waiting for rate limit: %w", ctx.Err())
		case <-time.After(rl.pollInterval):
		}
	}
}

func (rl *RateLimiter) localLimiter(subscriberID string, limit int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.local[subscriberID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit), limit)
		rl.local[subscriberID] = lim
		return lim
	}
	if lim.Burst() != limit {
		lim.SetLimit(rate.Limit(limit))
		lim.SetBurst(limit)
	}
	return lim
}
