package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// PromoteStore is the queue-promotion slice of the publish log repository.
type PromoteStore interface {
	PromoteDueScheduled(ctx context.Context, slack time.Duration) ([]string, error)
	PromoteDueRetries(ctx context.Context) ([]string, error)
}

// Promoter is the queue's clock. It flips scheduled logs whose slot has
// arrived to pending and returns backoff-expired retry logs to pending.
// Claiming is the publisher's job; the promoter only moves time. Promotion
// is mechanical, not a decision, so it writes no ledger events.
type Promoter struct {
	cfg   config.SchedulerConfig
	logs  PromoteStore
	beats HeartbeatStore

	promoted int64
}

func NewPromoter(cfg config.SchedulerConfig, logs PromoteStore, beats HeartbeatStore) *Promoter {
	return &Promoter{cfg: cfg, logs: logs, beats: beats}
}

// Run ticks until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context) {
	logger.Info("promoter starting", "interval", p.cfg.PromoteInterval().String())
	runLoop(ctx, p.cfg.PromoteInterval(), p.Tick)
}

// Tick promotes one batch of due logs. The slack equals the tick interval so
// a slot landing between ticks is promoted on the tick before it, not after.
func (p *Promoter) Tick(ctx context.Context) {
	scheduled, err := p.logs.PromoteDueScheduled(ctx, p.cfg.PromoteInterval())
	if err != nil {
		logger.Error("promote scheduled failed", "error", err.Error())
	}
	retries, err := p.logs.PromoteDueRetries(ctx)
	if err != nil {
		logger.Error("promote retries failed", "error", err.Error())
	}

	n := len(scheduled) + len(retries)
	atomic.AddInt64(&p.promoted, int64(n))
	if n > 0 {
		logger.Info("queue promoted", "scheduled", len(scheduled), "retries", len(retries))
	}

	beat(ctx, p.beats, ComponentPromoter, map[string]interface{}{
		"promoted_total": atomic.LoadInt64(&p.promoted),
		"last_batch":     n,
	})
}
