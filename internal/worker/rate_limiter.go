package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// PublishRateLimiter enforces the hourly publish cap per (platform, account)
// with an atomic Redis Lua script. The check-then-increment runs as one
// script so concurrent workers cannot both pass a cap with one slot left.
type PublishRateLimiter struct {
	redis     *redis.Client
	platforms map[string]config.PlatformConfig
	capScript *redis.Script
	nowFn     func() time.Time
}

// Lua script: check the hourly counter against the cap, increment only when
// the publish fits. Returns {allowed, current}.
const hourlyCapScript = `
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > cap then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

func NewPublishRateLimiter(redisClient *redis.Client, platforms map[string]config.PlatformConfig) *PublishRateLimiter {
	return &PublishRateLimiter{
		redis:     redisClient,
		platforms: platforms,
		capScript: redis.NewScript(hourlyCapScript),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow consumes one publish slot on the (platform, account) bucket. When the
// cap is hit it returns false and the wait until the next hourly window. A
// Redis outage fails open: publishing keeps working, the cap does not.
func (rl *PublishRateLimiter) Allow(ctx context.Context, platform domain.Platform, accountID string) (bool, time.Duration, error) {
	pc, ok := rl.platforms[string(platform)]
	if !ok || pc.HourlyPublishCap <= 0 {
		return true, 0, nil
	}
	if rl.redis == nil {
		return true, 0, nil
	}

	now := rl.nowFn()
	key := fmt.Sprintf("publishcap:%s:%s:%d", platform, accountID, now.Unix()/3600)

	result, err := rl.capScript.Run(ctx, rl.redis,
		[]string{key},
		pc.HourlyPublishCap,
		7200, // two windows, so a clock-skewed reader still sees the bucket
	).Slice()
	if err != nil {
		logger.Warn("publish cap check failed, allowing",
			"platform", string(platform), "account_id", accountID, "error", err.Error())
		return true, 0, nil
	}

	allowed, _ := result[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}

	nextWindow := now.Truncate(time.Hour).Add(time.Hour)
	return false, nextWindow.Sub(now), nil
}

// Usage reports the current hour's counter for an account, for the health
// endpoint.
func (rl *PublishRateLimiter) Usage(ctx context.Context, platform domain.Platform, accountID string) (int64, int, error) {
	pc := rl.platforms[string(platform)]
	if rl.redis == nil {
		return 0, pc.HourlyPublishCap, nil
	}
	key := fmt.Sprintf("publishcap:%s:%s:%d", platform, accountID, rl.nowFn().Unix()/3600)
	current, err := rl.redis.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return 0, pc.HourlyPublishCap, err
	}
	return current, pc.HourlyPublishCap, nil
}
