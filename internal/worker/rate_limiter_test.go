package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

func newLimiterFixture(t *testing.T, hourlyCap int) (*PublishRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewPublishRateLimiter(client, map[string]config.PlatformConfig{
		"instagram": {HourlyPublishCap: hourlyCap},
		"tiktok":    {HourlyPublishCap: 0},
	})
	rl.nowFn = func() time.Time { return testNow }
	return rl, mr
}

func TestRateLimiterEnforcesHourlyCap(t *testing.T) {
	rl, _ := newLimiterFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.Allow(ctx, domain.PlatformInstagram, "acct-1")
		if err != nil {
			t.Fatalf("Allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("publish %d should fit under cap 2", i+1)
		}
	}

	allowed, wait, err := rl.Allow(ctx, domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("third publish should be denied under cap 2")
	}
	// testNow sits exactly on the hour, so the wait is the full window.
	if wait != time.Hour {
		t.Errorf("wait = %s, want 1h", wait)
	}
}

func TestRateLimiterBucketsPerAccount(t *testing.T) {
	rl, _ := newLimiterFixture(t, 1)
	ctx := context.Background()

	if allowed, _, _ := rl.Allow(ctx, domain.PlatformInstagram, "acct-1"); !allowed {
		t.Fatal("first publish on acct-1 should pass")
	}
	if allowed, _, _ := rl.Allow(ctx, domain.PlatformInstagram, "acct-1"); allowed {
		t.Fatal("second publish on acct-1 should be denied")
	}
	// A different account has its own bucket.
	if allowed, _, _ := rl.Allow(ctx, domain.PlatformInstagram, "acct-2"); !allowed {
		t.Fatal("acct-2 must not share acct-1's bucket")
	}
}

func TestRateLimiterCaplessPlatformAlwaysAllows(t *testing.T) {
	rl, mr := newLimiterFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := rl.Allow(ctx, domain.PlatformTikTok, "acct-1")
		if err != nil || !allowed {
			t.Fatalf("capless platform publish %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if got := len(mr.Keys()); got != 0 {
		t.Errorf("capless platform must not touch redis, found %d keys", got)
	}
}

func TestRateLimiterNilRedisFailsOpen(t *testing.T) {
	rl := NewPublishRateLimiter(nil, map[string]config.PlatformConfig{
		"instagram": {HourlyPublishCap: 1},
	})

	for i := 0; i < 3; i++ {
		allowed, _, err := rl.Allow(context.Background(), domain.PlatformInstagram, "acct-1")
		if err != nil || !allowed {
			t.Fatalf("nil redis publish %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
}

func TestRateLimiterRedisOutageFailsOpen(t *testing.T) {
	rl, mr := newLimiterFixture(t, 1)
	mr.Close()

	allowed, _, err := rl.Allow(context.Background(), domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("outage must not surface an error, got %v", err)
	}
	if !allowed {
		t.Fatal("a redis outage fails open: publishing keeps working")
	}
}

func TestRateLimiterUsage(t *testing.T) {
	rl, _ := newLimiterFixture(t, 5)
	ctx := context.Background()

	rl.Allow(ctx, domain.PlatformInstagram, "acct-1")
	rl.Allow(ctx, domain.PlatformInstagram, "acct-1")

	current, limit, err := rl.Usage(ctx, domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if current != 2 || limit != 5 {
		t.Errorf("Usage = (%d, %d), want (2, 5)", current, limit)
	}
}

func TestRateLimiterUsageEmptyBucket(t *testing.T) {
	rl, _ := newLimiterFixture(t, 5)

	current, limit, err := rl.Usage(context.Background(), domain.PlatformInstagram, "acct-9")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if current != 0 || limit != 5 {
		t.Errorf("Usage = (%d, %d), want (0, 5)", current, limit)
	}
}
