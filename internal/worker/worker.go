package worker

import (
	"context"
	"time"

	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// Component names as they appear in the heartbeat registry and in master
// control commands.
const (
	ComponentPromoter     = "promoter"
	ComponentPublisher    = "publisher"
	ComponentReconciler   = "reconciler"
	ComponentOptimizer    = "optimizer"
	ComponentABEvaluator  = "ab_evaluator"
	ComponentBackpressure = "backpressure"
	ComponentMaster       = "master_control"
)

// HeartbeatStore is the liveness registry every loop reports into.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, component string, stats map[string]interface{}) error
}

// runLoop drives fn on the interval until ctx cancels. The first call is
// immediate so a restarted loop heartbeats before its first full interval.
func runLoop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// beat writes one heartbeat row. Failures are logged, never fatal: a loop
// must outlive its own liveness reporting.
func beat(ctx context.Context, beats HeartbeatStore, component string, stats map[string]interface{}) {
	if beats == nil {
		return
	}
	if err := beats.UpsertHeartbeat(ctx, component, stats); err != nil {
		logger.Warn("heartbeat write failed", "component", component, "error", err.Error())
	}
}
