package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// reconcileBatch bounds one sweep; leftovers wait for the next tick.
const reconcileBatch = 100

// ReconcileStore is the stuck-log slice of the publish log repository.
type ReconcileStore interface {
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.PublishLog, error)
	ReconcileSuccess(ctx context.Context, id string) error
	ReconcileFailed(ctx context.Context, id, reason string) error
}

// Reconciler terminalizes publications the worker lost track of: crashed
// mid-flight, or whose provider answered after the attempt gave up. It is
// the only component allowed to bypass retry semantics, and only on webhook
// evidence or timeout.
type Reconciler struct {
	cfg    config.ReconcilerConfig
	logs   ReconcileStore
	events ledger.Recorder
	beats  HeartbeatStore

	nowFn func() time.Time

	confirmed int64
	timedOut  int64
}

func NewReconciler(cfg config.ReconcilerConfig, logs ReconcileStore, events ledger.Recorder, beats HeartbeatStore) *Reconciler {
	return &Reconciler{
		cfg:    cfg,
		logs:   logs,
		events: events,
		beats:  beats,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	logger.Info("reconciler starting",
		"interval", r.cfg.Interval().String(),
		"reconcile_window", r.cfg.ReconcileWindow().String(),
		"webhook_timeout", r.cfg.WebhookTimeout().String())
	runLoop(ctx, r.cfg.Interval(), func(ctx context.Context) { r.Tick(ctx) })
}

// Tick sweeps one batch of stuck logs. It returns the confirmed and timed
// out counts for run-once reporting.
func (r *Reconciler) Tick(ctx context.Context) (confirmed, timedOut int) {
	defer func() {
		beat(ctx, r.beats, ComponentReconciler, map[string]interface{}{
			"confirmed_total": atomic.LoadInt64(&r.confirmed),
			"timed_out_total": atomic.LoadInt64(&r.timedOut),
		})
	}()

	now := r.nowFn()
	cutoff := now.Add(-r.cfg.ReconcileWindow())

	stuck, err := r.logs.ListStuck(ctx, cutoff, reconcileBatch)
	if err != nil {
		logger.Error("list stuck logs failed", "error", err.Error())
		return 0, 0
	}

	for i := range stuck {
		switch r.reconcile(ctx, now, &stuck[i]) {
		case "webhook_confirmed":
			confirmed++
		case "webhook_timeout":
			timedOut++
		}
	}
	if confirmed+timedOut > 0 {
		logger.Info("reconcile sweep done",
			"examined", len(stuck), "confirmed", confirmed, "timed_out", timedOut)
	}
	return confirmed, timedOut
}

// reconcile decides one stuck log. Webhook evidence wins over any timeout:
// the platform said the post exists, so the log is a success no matter how
// long the worker was silent.
func (r *Reconciler) reconcile(ctx context.Context, now time.Time, log *domain.PublishLog) string {
	silentFor := now.Sub(log.UpdatedAt)

	if log.WebhookReceived() {
		if err := r.logs.ReconcileSuccess(ctx, log.ID); err != nil {
			// Either a concurrent mark won the row or the log carries
			// webhook evidence without an external id; both are skips.
			logger.Warn("reconcile confirm skipped", "log_id", log.ID, "error", err.Error())
			observability.ReconcileCount.WithLabelValues("skipped").Inc()
			return "skipped"
		}
		atomic.AddInt64(&r.confirmed, 1)
		observability.ReconcileCount.WithLabelValues("webhook_confirmed").Inc()
		r.events.Log(ctx, domain.EventPublishReconciled, domain.EntityPublishLog, log.ID,
			domain.SeverityInfo, map[string]interface{}{
				"outcome":    "webhook_confirmed",
				"silent_for": silentFor.String(),
			})
		logger.Info("stuck log confirmed by webhook", "log_id", log.ID, "silent_for", silentFor.String())
		return "webhook_confirmed"
	}

	if silentFor > r.cfg.WebhookTimeout() {
		if err := r.logs.ReconcileFailed(ctx, log.ID, "webhook_timeout"); err != nil {
			logger.Warn("reconcile fail skipped", "log_id", log.ID, "error", err.Error())
			observability.ReconcileCount.WithLabelValues("skipped").Inc()
			return "skipped"
		}
		atomic.AddInt64(&r.timedOut, 1)
		observability.ReconcileCount.WithLabelValues("webhook_timeout").Inc()
		r.events.Log(ctx, domain.EventPublishReconciled, domain.EntityPublishLog, log.ID,
			domain.SeverityWarn, map[string]interface{}{
				"outcome":    "webhook_timeout",
				"silent_for": silentFor.String(),
			})
		logger.Warn("stuck log timed out", "log_id", log.ID, "silent_for", silentFor.String())
		return "webhook_timeout"
	}

	observability.ReconcileCount.WithLabelValues("skipped").Inc()
	return "skipped"
}
