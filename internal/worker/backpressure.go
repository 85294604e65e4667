package worker

import (
	"context"
	"sync"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// DepthStore samples the active publish queue.
type DepthStore interface {
	QueueDepth(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.PublishStatus]int, error)
}

// BackpressureMonitor watches publish queue depth and trips a saturation
// flag. Saturation never rejects writes; the scheduler tags new logs
// deferred while the flag is up. Hysteresis keeps the flag from flapping:
// it trips at the high-water mark and clears only at the low-water mark.
type BackpressureMonitor struct {
	cfg   config.BackpressureConfig
	depth DepthStore
	beats HeartbeatStore

	mu        sync.RWMutex
	saturated bool
	lastDepth int64
}

// NewBackpressureMonitor wires the monitor. beats may be nil in tests.
func NewBackpressureMonitor(cfg config.BackpressureConfig, depth DepthStore, beats HeartbeatStore) *BackpressureMonitor {
	return &BackpressureMonitor{cfg: cfg, depth: depth, beats: beats}
}

// Run samples depth until ctx is cancelled. An immediate first check means
// a restart under load rediscovers saturation before the first tick.
func (bp *BackpressureMonitor) Run(ctx context.Context) {
	bp.check(ctx)

	ticker := time.NewTicker(bp.cfg.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.check(ctx)
		}
	}
}

func (bp *BackpressureMonitor) check(ctx context.Context) {
	defer func() {
		beat(ctx, bp.beats, ComponentBackpressure, map[string]interface{}{
			"depth":     bp.LastDepth(),
			"saturated": bp.Saturated(),
		})
	}()

	depth, err := bp.depth.QueueDepth(ctx)
	if err != nil {
		// Keep the previous state; a read error is not evidence of drain.
		logger.Warn("backpressure depth check failed", "error", err.Error())
		return
	}

	if counts, err := bp.depth.CountByStatus(ctx); err == nil {
		for status, n := range counts {
			observability.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.lastDepth = depth
	was := bp.saturated
	switch {
	case depth >= int64(bp.cfg.HighWaterMark):
		bp.saturated = true
	case depth <= int64(bp.cfg.LowWaterMark):
		bp.saturated = false
	}
	// Between the marks the previous state holds.

	if bp.saturated != was {
		if bp.saturated {
			observability.BackpressureActive.Set(1)
			logger.Warn("backpressure engaged",
				"depth", depth, "high_water_mark", bp.cfg.HighWaterMark)
		} else {
			observability.BackpressureActive.Set(0)
			logger.Info("backpressure released",
				"depth", depth, "low_water_mark", bp.cfg.LowWaterMark)
		}
	}
}

// Saturated reports whether the queue is past the high-water mark and has
// not yet drained to the low-water mark. The scheduler consults this on
// every write.
func (bp *BackpressureMonitor) Saturated() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.saturated
}

// LastDepth returns the depth seen by the most recent check, for health
// reporting.
func (bp *BackpressureMonitor) LastDepth() int64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.lastDepth
}
