package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/clipcast/autopilot/internal/config"
)

type fakeSweeper struct {
	decided int
	err     error
	calls   int
}

func (f *fakeSweeper) EvaluateDue(_ context.Context) (int, error) {
	f.calls++
	return f.decided, f.err
}

func TestABEvaluatorLoopTick(t *testing.T) {
	sweeper := &fakeSweeper{decided: 2}
	beats := &fakeBeats{}
	loop := NewABEvaluatorLoop(config.ABTestConfig{SweepIntervalMinutes: 10}, sweeper, beats)

	if got := loop.Tick(context.Background()); got != 2 {
		t.Fatalf("Tick = %d, want 2", got)
	}
	if got := loop.Tick(context.Background()); got != 2 {
		t.Fatalf("Tick = %d, want 2", got)
	}
	if sweeper.calls != 2 {
		t.Errorf("sweeps = %d, want 2", sweeper.calls)
	}

	stats := beats.statsFor(ComponentABEvaluator)
	if stats == nil {
		t.Fatal("expected a heartbeat")
	}
	if got := stats["sweeps"]; got != int64(2) {
		t.Errorf("sweeps stat = %v, want 2", got)
	}
	if got := stats["decided"]; got != int64(4) {
		t.Errorf("decided stat = %v, want 4", got)
	}
}

func TestABEvaluatorLoopSweepErrorStillBeats(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("clickhouse down")}
	beats := &fakeBeats{}
	loop := NewABEvaluatorLoop(config.ABTestConfig{SweepIntervalMinutes: 10}, sweeper, beats)

	if got := loop.Tick(context.Background()); got != 0 {
		t.Fatalf("Tick = %d, want 0 on sweep error", got)
	}

	stats := beats.statsFor(ComponentABEvaluator)
	if stats == nil {
		t.Fatal("liveness must survive a failed sweep")
	}
	if got := stats["decided"]; got != int64(0) {
		t.Errorf("decided stat = %v, want 0", got)
	}
}
