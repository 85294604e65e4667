package worker

import (
	"context"
	"sync/atomic"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// ABSweeper evaluates every due A/B test once.
type ABSweeper interface {
	EvaluateDue(ctx context.Context) (int, error)
}

// ABEvaluatorLoop drives the A/B evaluator on a timer. Evaluation itself
// lives in the abtest package; this loop only adds cadence and liveness.
type ABEvaluatorLoop struct {
	cfg    config.ABTestConfig
	sweeps ABSweeper
	beats  HeartbeatStore

	decided int64
	runs    int64
}

func NewABEvaluatorLoop(cfg config.ABTestConfig, sweeps ABSweeper, beats HeartbeatStore) *ABEvaluatorLoop {
	return &ABEvaluatorLoop{cfg: cfg, sweeps: sweeps, beats: beats}
}

// Run sweeps until ctx is cancelled.
func (l *ABEvaluatorLoop) Run(ctx context.Context) {
	logger.Info("ab evaluator starting", "sweep_interval", l.cfg.SweepInterval().String())
	runLoop(ctx, l.cfg.SweepInterval(), func(c context.Context) { l.Tick(c) })
}

// Tick runs one sweep. Exported so run-once invocations share the loop body.
func (l *ABEvaluatorLoop) Tick(ctx context.Context) int {
	defer l.heartbeat(ctx)

	atomic.AddInt64(&l.runs, 1)
	decided, err := l.sweeps.EvaluateDue(ctx)
	if err != nil {
		logger.Error("ab evaluation sweep failed", "error", err.Error())
		return 0
	}
	if decided > 0 {
		atomic.AddInt64(&l.decided, int64(decided))
		logger.Info("ab evaluation sweep done", "winners", decided)
	}
	return decided
}

func (l *ABEvaluatorLoop) heartbeat(ctx context.Context) {
	beat(ctx, l.beats, ComponentABEvaluator, map[string]interface{}{
		"sweeps":  atomic.LoadInt64(&l.runs),
		"decided": atomic.LoadInt64(&l.decided),
	})
}
