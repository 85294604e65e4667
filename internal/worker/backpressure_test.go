package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

type fakeDepthStore struct {
	mu       sync.Mutex
	depth    int64
	depthErr error
	counts   map[domain.PublishStatus]int
}

func (f *fakeDepthStore) QueueDepth(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	return f.depth, nil
}

func (f *fakeDepthStore) CountByStatus(_ context.Context) (map[domain.PublishStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

func (f *fakeDepthStore) setDepth(d int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth = d
}

func newBackpressureFixture() (*BackpressureMonitor, *fakeDepthStore, *fakeBeats) {
	store := &fakeDepthStore{}
	beats := &fakeBeats{}
	bp := NewBackpressureMonitor(config.BackpressureConfig{
		HighWaterMark:        1000,
		LowWaterMark:         600,
		CheckIntervalSeconds: 30,
	}, store, beats)
	return bp, store, beats
}

func TestBackpressureHysteresis(t *testing.T) {
	bp, store, _ := newBackpressureFixture()
	ctx := context.Background()

	store.setDepth(500)
	bp.check(ctx)
	if bp.Saturated() {
		t.Fatal("below high-water mark should not saturate")
	}

	store.setDepth(1200)
	bp.check(ctx)
	if !bp.Saturated() {
		t.Fatal("past high-water mark should saturate")
	}

	// Between the marks the previous state holds.
	store.setDepth(800)
	bp.check(ctx)
	if !bp.Saturated() {
		t.Fatal("between the marks the flag must hold")
	}

	store.setDepth(500)
	bp.check(ctx)
	if bp.Saturated() {
		t.Fatal("at the low-water mark the flag must clear")
	}
}

func TestBackpressureExactMarks(t *testing.T) {
	bp, store, _ := newBackpressureFixture()
	ctx := context.Background()

	store.setDepth(1000)
	bp.check(ctx)
	if !bp.Saturated() {
		t.Error("depth equal to the high-water mark saturates")
	}

	store.setDepth(600)
	bp.check(ctx)
	if bp.Saturated() {
		t.Error("depth equal to the low-water mark clears")
	}
}

func TestBackpressureReadErrorKeepsState(t *testing.T) {
	bp, store, _ := newBackpressureFixture()
	ctx := context.Background()

	store.setDepth(1200)
	bp.check(ctx)
	if !bp.Saturated() {
		t.Fatal("setup: expected saturation")
	}

	store.mu.Lock()
	store.depthErr = errors.New("db unavailable")
	store.mu.Unlock()
	bp.check(ctx)
	if !bp.Saturated() {
		t.Error("a read error is not evidence of drain; the flag must hold")
	}
}

func TestBackpressureHeartbeatCarriesDepth(t *testing.T) {
	bp, store, beats := newBackpressureFixture()
	store.setDepth(1200)

	bp.check(context.Background())

	stats := beats.statsFor(ComponentBackpressure)
	if stats == nil {
		t.Fatal("backpressure heartbeat was not written")
	}
	if got := stats["depth"].(int64); got != 1200 {
		t.Errorf("heartbeat depth = %d, want 1200", got)
	}
	if got := stats["saturated"].(bool); !got {
		t.Error("heartbeat should report saturation")
	}
}
