package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

// SaturationRisk buckets slot utilization for operators.
type SaturationRisk string

const (
	RiskLow    SaturationRisk = "low"
	RiskMedium SaturationRisk = "medium"
	RiskHigh   SaturationRisk = "high"
)

// Forecast is the slot-occupancy projection for one (platform, account)
// partition on the current day.
type Forecast struct {
	Platform       domain.Platform `json:"platform"`
	AccountID      string          `json:"account_id"`
	MaxSlotsPerDay int             `json:"max_slots_per_day"`
	ScheduledToday int             `json:"scheduled_today"`
	SlotsRemaining int             `json:"slots_remaining"`
	Utilization    float64         `json:"utilization"`
	Risk           SaturationRisk  `json:"risk"`
	NextSlot       time.Time       `json:"next_slot"`
}

// SlotStore is the read view of publish_logs the oracle needs.
type SlotStore interface {
	NonTerminalSlotTimes(ctx context.Context, platform, accountID string, from, to time.Time) ([]time.Time, error)
	LatestNonTerminalSlot(ctx context.Context, platform, accountID string) (*time.Time, error)
}

// Forecaster derives slot availability from platform windows and the
// non-terminal publish logs of a partition. It holds no state of its own;
// every answer is recomputed from the store. All window math is UTC.
type Forecaster struct {
	platforms map[string]config.PlatformConfig
	store     SlotStore
}

// NewForecaster creates a slot oracle over the given platform windows.
func NewForecaster(platforms map[string]config.PlatformConfig, store SlotStore) *Forecaster {
	return &Forecaster{platforms: platforms, store: store}
}

// platformConfig resolves the window settings of a platform or fails with
// ErrPlatformNotConfigured.
func (f *Forecaster) platformConfig(p domain.Platform) (config.PlatformConfig, error) {
	pc, ok := f.platforms[string(p)]
	if !ok {
		return config.PlatformConfig{}, fmt.Errorf("%w: %s", ErrPlatformNotConfigured, p)
	}
	return pc, nil
}

// Forecast computes today's saturation and the next available slot for one
// (platform, account) partition.
func (f *Forecaster) Forecast(ctx context.Context, platform domain.Platform, accountID string, now time.Time) (*Forecast, error) {
	pc, err := f.platformConfig(platform)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	dayStart := windowStart(pc, now)
	dayEnd := windowEnd(pc, now)

	slots, err := f.store.NonTerminalSlotTimes(ctx, string(platform), accountID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("forecast slots: %w", err)
	}

	maxSlots := pc.WindowEndHour - pc.WindowStartHour
	maxSlots = maxSlots * 60 / pc.MinGapMinutes
	if maxSlots < 1 {
		maxSlots = 1
	}

	scheduled := len(slots)
	remaining := maxSlots - scheduled
	if remaining < 0 {
		remaining = 0
	}
	utilization := float64(scheduled) / float64(maxSlots)

	next, err := f.NextSlot(ctx, platform, accountID, now)
	if err != nil {
		return nil, err
	}

	return &Forecast{
		Platform:       platform,
		AccountID:      accountID,
		MaxSlotsPerDay: maxSlots,
		ScheduledToday: scheduled,
		SlotsRemaining: remaining,
		Utilization:    utilization,
		Risk:           riskFor(utilization),
		NextSlot:       next,
	}, nil
}

// NextSlot returns the first instant at or after now that lies inside a
// posting window and at least min_gap after the partition's latest
// non-terminal slot.
func (f *Forecaster) NextSlot(ctx context.Context, platform domain.Platform, accountID string, now time.Time) (time.Time, error) {
	pc, err := f.platformConfig(platform)
	if err != nil {
		return time.Time{}, err
	}

	earliest := now.UTC().Truncate(time.Minute).Add(time.Minute)
	latest, err := f.store.LatestNonTerminalSlot(ctx, string(platform), accountID)
	if err != nil {
		return time.Time{}, fmt.Errorf("next slot: %w", err)
	}
	if latest != nil {
		if c := latest.UTC().Add(pc.MinGap()); c.After(earliest) {
			earliest = c
		}
	}
	return alignToWindow(pc, earliest), nil
}

func riskFor(u float64) SaturationRisk {
	switch {
	case u < 0.5:
		return RiskLow
	case u < 0.8:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// windowStart returns the posting window opening on t's UTC day.
func windowStart(pc config.PlatformConfig, t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), pc.WindowStartHour, 0, 0, 0, time.UTC)
}

// windowEnd returns the posting window close on t's UTC day (exclusive).
func windowEnd(pc config.PlatformConfig, t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), pc.WindowEndHour, 0, 0, 0, time.UTC)
}

// alignToWindow snaps t forward into the nearest posting window: before
// today's opening it moves to the opening, past the close it moves to
// tomorrow's opening.
func alignToWindow(pc config.PlatformConfig, t time.Time) time.Time {
	t = t.UTC()
	start := windowStart(pc, t)
	end := windowEnd(pc, t)
	if t.Before(start) {
		return start
	}
	if t.Before(end) {
		return t
	}
	return start.AddDate(0, 0, 1)
}
