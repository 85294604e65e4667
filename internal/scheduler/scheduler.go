// Package scheduler is the auto-publisher intelligence layer: it scores clip
// candidates, asks the slot oracle for a publish instant, resolves slot
// conflicts per (platform, account) partition and emits scheduled publish
// logs for the queue to drain.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/distlock"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// Sentinel errors surfaced to the API layer. Configuration and lookup
// failures are fatal to the request; partition contention is retryable.
var (
	ErrPlatformNotConfigured = errors.New("platform not configured")
	ErrEmergencyStopped      = errors.New("emergency stop active, refusing to schedule")
	ErrPartitionBusy         = errors.New("scheduling partition is busy")
	ErrNoActiveAccount       = errors.New("no active account on platform")
)

// maxSlotProbes bounds the free-slot search; beyond this the partition is
// saturated far past any sane horizon.
const maxSlotProbes = 96

// ClipStore resolves clips and their campaign budget weight.
type ClipStore interface {
	Get(ctx context.Context, id string) (*domain.Clip, error)
	CampaignWeightCents(ctx context.Context, clipID string) (int64, error)
}

// AccountStore resolves publishing accounts.
type AccountStore interface {
	Get(ctx context.Context, id string) (*domain.SocialAccount, error)
	ListActive(ctx context.Context, platform string) ([]domain.SocialAccount, error)
}

// LogStore is the write side of the publish queue the scheduler needs.
type LogStore interface {
	SlotStore
	Create(ctx context.Context, l *domain.PublishLog) (string, error)
	NonTerminalInWindow(ctx context.Context, platform, accountID string, from, to time.Time) ([]domain.PublishLog, error)
	ShiftScheduledFor(ctx context.Context, id string, newSlot time.Time) error
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.PublishLog, error)
}

// FlagStore exposes the master-control flags the scheduler consults before
// writing.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (string, bool, error)
}

// DepthMonitor reports queue saturation; a saturated queue does not reject
// writes, it tags them deferred.
type DepthMonitor interface {
	Saturated() bool
}

// Request is one scheduling ask.
type Request struct {
	ClipID         string
	Platform       domain.Platform
	AccountID      string     // optional; first active account on the platform when empty
	ForceSlot      *time.Time // operator override, skips the oracle
	CampaignID     *string
	ScheduledBy    domain.ScheduledBy // defaults to auto_intelligence
	IdempotencyKey string
	Metadata       map[string]interface{} // merged into extra_metadata
}

// Scheduler is the C1 entry point. One instance serves all platforms.
type Scheduler struct {
	cfg      config.SchedulerConfig
	oracle   *Forecaster
	logs     LogStore
	clips    ClipStore
	accounts AccountStore
	flags    FlagStore
	events   ledger.Recorder
	depth    DepthMonitor // nil means never saturated

	// newLock builds the per-partition mutex; swapped in tests.
	newLock func(key string) distlock.DistLock
	nowFn   func() time.Time
}

// New wires a scheduler. redisClient may be nil; locking then falls back to
// Postgres advisory locks on db.
func New(
	cfg config.SchedulerConfig,
	platforms map[string]config.PlatformConfig,
	logs LogStore,
	clips ClipStore,
	accounts AccountStore,
	flags FlagStore,
	events ledger.Recorder,
	depth DepthMonitor,
	redisClient *redis.Client,
	db *sql.DB,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		oracle:   NewForecaster(platforms, logs),
		logs:     logs,
		clips:    clips,
		accounts: accounts,
		flags:    flags,
		events:   events,
		depth:    depth,
		newLock: func(key string) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, 30*time.Second)
		},
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Oracle exposes the forecaster for the API layer.
func (s *Scheduler) Oracle() *Forecaster { return s.oracle }

// Priority computes the clip's scheduling priority. Every term is clamped to
// [0,100] before weighting and the final score is capped at 100.
func Priority(clip *domain.Clip, platform domain.Platform, campaignWeightCents int64, now time.Time) float64 {
	visual := clamp100(clip.VisualScore)
	engagement := clamp100(clip.EngagementScore())
	virality := clamp100(visual * 0.6 * platform.ViralityMultiplier())
	weight := clamp100(domain.CampaignWeightPoints(campaignWeightCents))

	p := 0.4*visual + 0.3*engagement + 0.2*virality + 0.1*weight
	p += domain.DelayPenalty(now.Sub(clip.CreatedAt))
	if p > 100 {
		p = 100
	}
	return math.Round(p*100) / 100
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Schedule scores the clip, picks a slot and writes one scheduled publish
// log. The operation is atomic per (platform, account): a distributed lock
// serializes conflict resolution so no two non-terminal logs end up closer
// than min_gap.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*domain.PublishLog, error) {
	if _, stopped, err := s.flags.GetFlag(ctx, domain.FlagEmergencyStop); err != nil {
		return nil, fmt.Errorf("check emergency stop: %w", err)
	} else if stopped {
		return nil, ErrEmergencyStopped
	}

	if req.IdempotencyKey != "" {
		existing, err := s.logs.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
	}

	pc, err := s.oracle.platformConfig(req.Platform)
	if err != nil {
		return nil, err
	}

	clip, err := s.clips.Get(ctx, req.ClipID)
	if err != nil {
		return nil, err
	}

	account, err := s.resolveAccount(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	weightCents, err := s.clips.CampaignWeightCents(ctx, clip.ID)
	if err != nil {
		return nil, err
	}
	priority := Priority(clip, req.Platform, weightCents, now)

	// Slot selection happens inside the partition lock so concurrent
	// schedulers see each other's writes.
	lock := s.newLock(partitionKey(req.Platform, account.ID))
	ok, err := distlock.AcquireWithRetry(ctx, lock, 5, 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire partition lock: %w", err)
	}
	if !ok {
		return nil, ErrPartitionBusy
	}
	defer lock.Release(ctx)

	var slot time.Time
	if req.ForceSlot != nil {
		slot = req.ForceSlot.UTC()
	} else {
		slot, err = s.oracle.NextSlot(ctx, req.Platform, account.ID, now)
		if err != nil {
			return nil, err
		}
	}

	log := &domain.PublishLog{
		ID:              uuid.New().String(),
		ClipID:          clip.ID,
		CampaignID:      req.CampaignID,
		Platform:        req.Platform,
		SocialAccountID: &account.ID,
		Status:          domain.PublishScheduled,
		ScheduledBy:     scheduledBy(req),
		ExtraMetadata:   map[string]interface{}{domain.MetaPriority: priority},
	}
	for k, v := range req.Metadata {
		log.ExtraMetadata[k] = v
	}
	if req.IdempotencyKey != "" {
		log.ExtraMetadata[domain.MetaIdempotencyKey] = req.IdempotencyKey
	}
	if s.depth != nil && s.depth.Saturated() {
		log.ExtraMetadata[domain.MetaDeferred] = true
	}

	horizonEnd := now.Add(s.cfg.Horizon())
	slot, deferred, err := s.resolveConflicts(ctx, pc, req.Platform, account.ID, log, slot, priority, horizonEnd)
	if err != nil {
		return nil, err
	}
	if deferred {
		log.ExtraMetadata[domain.MetaDeferred] = true
	}
	log.ScheduledFor = &slot

	if _, err := s.logs.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("create scheduled log: %w", err)
	}

	s.events.Log(ctx, domain.EventPublicationScheduled, domain.EntityPublishLog, log.ID,
		domain.SeverityInfo, map[string]interface{}{
			"clip_id":       clip.ID,
			"platform":      string(req.Platform),
			"account_id":    account.ID,
			"scheduled_for": slot.Format(time.RFC3339),
			"priority":      priority,
			"scheduled_by":  string(log.ScheduledBy),
		})
	if deferred {
		s.events.Log(ctx, domain.EventScheduleDeferred, domain.EntityPublishLog, log.ID,
			domain.SeverityWarn, map[string]interface{}{
				"platform":    string(req.Platform),
				"account_id":  account.ID,
				"horizon_end": horizonEnd.Format(time.RFC3339),
			})
	}

	outcome := "scheduled"
	if deferred {
		outcome = "deferred"
	}
	observability.ScheduleCount.WithLabelValues(string(req.Platform), outcome).Inc()
	logger.Info("publication scheduled",
		"log_id", log.ID, "clip_id", clip.ID, "platform", string(req.Platform),
		"slot", slot.Format(time.RFC3339), "priority", priority, "deferred", deferred)
	return log, nil
}

// resolveConflicts places the new log at slot or shifts it, evicting weaker
// neighbors when the new priority strictly wins. Returns the final slot and
// whether the request was deferred to the horizon end.
func (s *Scheduler) resolveConflicts(ctx context.Context, pc config.PlatformConfig, platform domain.Platform, accountID string, log *domain.PublishLog, slot time.Time, priority float64, horizonEnd time.Time) (time.Time, bool, error) {
	gap := pc.MinGap()
	conflicts, err := s.logs.NonTerminalInWindow(ctx, string(platform), accountID, slot.Add(-gap), slot.Add(gap))
	if err != nil {
		return time.Time{}, false, err
	}
	if len(conflicts) == 0 {
		if slot.After(horizonEnd) {
			return horizonEnd, true, nil
		}
		return slot, false, nil
	}

	conflictIDs := make([]string, 0, len(conflicts))
	strongest := 0.0
	for _, c := range conflicts {
		conflictIDs = append(conflictIDs, c.ID)
		if p := c.Priority(); p > strongest {
			strongest = p
		}
	}
	s.events.Log(ctx, domain.EventScheduleConflictDetected, domain.EntityPublishLog, log.ID,
		domain.SeverityInfo, map[string]interface{}{
			"slot":         slot.Format(time.RFC3339),
			"priority":     priority,
			"conflict_ids": conflictIDs,
		})

	// Ties keep the incumbent: only a strictly higher priority evicts.
	if priority <= strongest {
		shifted, err := s.nextFreeSlot(ctx, pc, platform, accountID, slot.Add(gap), "")
		if err != nil {
			return time.Time{}, false, err
		}
		if shifted.After(horizonEnd) {
			return horizonEnd, true, nil
		}
		return shifted, false, nil
	}

	// The new log takes the slot; every conflicting neighbor moves to the
	// next free slot past it, one after another so they stay gap-spaced.
	after := slot.Add(gap)
	for _, c := range conflicts {
		newSlot, err := s.nextFreeSlot(ctx, pc, platform, accountID, after, c.ID)
		if err != nil {
			return time.Time{}, false, err
		}
		if err := s.logs.ShiftScheduledFor(ctx, c.ID, newSlot); err != nil {
			// The conflict got claimed or terminalized mid-flight; it no
			// longer occupies a future slot, so placement can proceed.
			logger.Warn("conflict shift skipped", "log_id", c.ID, "error", err.Error())
			continue
		}
		s.events.Log(ctx, domain.EventScheduleConflictResolved, domain.EntityPublishLog, c.ID,
			domain.SeverityInfo, map[string]interface{}{
				"shifted_to": newSlot.Format(time.RFC3339),
				"evicted_by": log.ID,
				"priority":   c.Priority(),
			})
		after = newSlot.Add(gap)
	}
	if slot.After(horizonEnd) {
		return horizonEnd, true, nil
	}
	return slot, false, nil
}

// nextFreeSlot walks forward from `after` until a window-aligned instant has
// no non-terminal neighbor within min_gap. excludeID ignores the log being
// moved so it does not collide with itself.
func (s *Scheduler) nextFreeSlot(ctx context.Context, pc config.PlatformConfig, platform domain.Platform, accountID string, after time.Time, excludeID string) (time.Time, error) {
	gap := pc.MinGap()
	candidate := alignToWindow(pc, after)
	for i := 0; i < maxSlotProbes; i++ {
		neighbors, err := s.logs.NonTerminalInWindow(ctx, string(platform), accountID, candidate.Add(-gap), candidate.Add(gap))
		if err != nil {
			return time.Time{}, err
		}
		latest := time.Time{}
		for _, n := range neighbors {
			if n.ID == excludeID || n.ScheduledFor == nil {
				continue
			}
			if n.ScheduledFor.After(latest) {
				latest = *n.ScheduledFor
			}
		}
		if latest.IsZero() {
			return candidate, nil
		}
		candidate = alignToWindow(pc, latest.Add(gap))
	}
	return time.Time{}, fmt.Errorf("no free slot within %d probes on %s/%s", maxSlotProbes, platform, accountID)
}

func (s *Scheduler) resolveAccount(ctx context.Context, req Request) (*domain.SocialAccount, error) {
	if req.AccountID != "" {
		return s.accounts.Get(ctx, req.AccountID)
	}
	active, err := s.accounts.ListActive(ctx, string(req.Platform))
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveAccount, req.Platform)
	}
	return &active[0], nil
}

func scheduledBy(req Request) domain.ScheduledBy {
	if req.ScheduledBy != "" {
		return req.ScheduledBy
	}
	return domain.ScheduledAuto
}

func partitionKey(platform domain.Platform, accountID string) string {
	return fmt.Sprintf("schedule:%s:%s", platform, accountID)
}
