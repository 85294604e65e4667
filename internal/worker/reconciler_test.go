package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

// ===== in-memory fakes =====

type fakeReconcileStore struct {
	mu         sync.Mutex
	stuck      []domain.PublishLog
	confirmErr error
	failErr    error
	confirmed  []string
	failed     []markCall
}

func (f *fakeReconcileStore) ListStuck(_ context.Context, _ time.Time, _ int) ([]domain.PublishLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stuck, nil
}

func (f *fakeReconcileStore) ReconcileSuccess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeReconcileStore) ReconcileFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.failed = append(f.failed, markCall{id: id, reason: reason})
	return nil
}

// ===== harness =====

func newReconcilerFixture() (*Reconciler, *fakeReconcileStore, *fakeLedger, *fakeBeats) {
	store := &fakeReconcileStore{}
	events := &fakeLedger{}
	beats := &fakeBeats{}
	r := NewReconciler(
		config.ReconcilerConfig{
			IntervalMinutes:        5,
			ReconcileWindowMinutes: 15,
			WebhookTimeoutMinutes:  120,
		},
		store, events, beats,
	)
	r.nowFn = func() time.Time { return testNow }
	return r, store, events, beats
}

func stuckLog(id string, silentFor time.Duration, webhook bool) domain.PublishLog {
	l := processingLog(id, 1)
	l.UpdatedAt = testNow.Add(-silentFor)
	if webhook {
		ext := "post-99"
		l.ExternalPostID = &ext
		l.ExtraMetadata = map[string]interface{}{domain.MetaWebhookReceived: true}
	}
	return l
}

// ===== tests =====

func TestReconcilerWebhookEvidenceConfirms(t *testing.T) {
	r, store, events, beats := newReconcilerFixture()
	store.stuck = []domain.PublishLog{stuckLog("log-1", 30*time.Minute, true)}

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 1 || timedOut != 0 {
		t.Fatalf("Tick = (%d, %d), want (1, 0)", confirmed, timedOut)
	}
	if len(store.confirmed) != 1 || store.confirmed[0] != "log-1" {
		t.Fatalf("expected log-1 confirmed, got %v", store.confirmed)
	}

	ev := events.last(domain.EventPublishReconciled)
	if ev == nil {
		t.Fatal("expected a reconciled event")
	}
	if ev.Severity != domain.SeverityInfo {
		t.Errorf("confirm event severity = %s, want info", ev.Severity)
	}
	if got := ev.Payload["outcome"]; got != "webhook_confirmed" {
		t.Errorf("outcome = %v, want webhook_confirmed", got)
	}

	if beats.statsFor(ComponentReconciler) == nil {
		t.Error("reconciler heartbeat was not written")
	}
}

func TestReconcilerTimesOutSilentLog(t *testing.T) {
	r, store, events, _ := newReconcilerFixture()
	store.stuck = []domain.PublishLog{stuckLog("log-1", 3*time.Hour, false)}

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 0 || timedOut != 1 {
		t.Fatalf("Tick = (%d, %d), want (0, 1)", confirmed, timedOut)
	}
	if len(store.failed) != 1 || store.failed[0].reason != "webhook_timeout" {
		t.Fatalf("expected webhook_timeout failure, got %v", store.failed)
	}

	ev := events.last(domain.EventPublishReconciled)
	if ev == nil {
		t.Fatal("expected a reconciled event")
	}
	if ev.Severity != domain.SeverityWarn {
		t.Errorf("timeout event severity = %s, want warn", ev.Severity)
	}
	if got := ev.Payload["outcome"]; got != "webhook_timeout" {
		t.Errorf("outcome = %v, want webhook_timeout", got)
	}
}

func TestReconcilerWebhookEvidenceBeatsTimeout(t *testing.T) {
	r, store, _, _ := newReconcilerFixture()
	// Silent far past the webhook timeout, but the platform confirmed it.
	store.stuck = []domain.PublishLog{stuckLog("log-1", 3*time.Hour, true)}

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 1 || timedOut != 0 {
		t.Fatalf("Tick = (%d, %d), want (1, 0)", confirmed, timedOut)
	}
	if len(store.failed) != 0 {
		t.Errorf("webhook evidence must win over timeout, got failures %v", store.failed)
	}
}

func TestReconcilerLeavesFreshLogsAlone(t *testing.T) {
	r, store, events, _ := newReconcilerFixture()
	store.stuck = []domain.PublishLog{stuckLog("log-1", 30*time.Minute, false)}

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 0 || timedOut != 0 {
		t.Fatalf("Tick = (%d, %d), want (0, 0)", confirmed, timedOut)
	}
	if len(store.confirmed)+len(store.failed) != 0 {
		t.Error("a log inside the webhook window must not be touched")
	}
	if len(events.events) != 0 {
		t.Errorf("no events for a skipped log, got %d", len(events.events))
	}
}

func TestReconcilerSkipsWhenMarkRefused(t *testing.T) {
	r, store, events, _ := newReconcilerFixture()
	store.stuck = []domain.PublishLog{stuckLog("log-1", 30*time.Minute, true)}
	store.confirmErr = errors.New("row already terminal")

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 0 || timedOut != 0 {
		t.Fatalf("Tick = (%d, %d), want (0, 0)", confirmed, timedOut)
	}
	if len(events.events) != 0 {
		t.Error("a refused mark must not produce a reconciled event")
	}
}

func TestReconcilerMixedBatch(t *testing.T) {
	r, store, _, _ := newReconcilerFixture()
	store.stuck = []domain.PublishLog{
		stuckLog("log-confirm", 45*time.Minute, true),
		stuckLog("log-timeout", 4*time.Hour, false),
		stuckLog("log-fresh", 20*time.Minute, false),
	}

	confirmed, timedOut := r.Tick(context.Background())
	if confirmed != 1 || timedOut != 1 {
		t.Fatalf("Tick = (%d, %d), want (1, 1)", confirmed, timedOut)
	}
	if len(store.confirmed) != 1 || store.confirmed[0] != "log-confirm" {
		t.Errorf("confirmed = %v", store.confirmed)
	}
	if len(store.failed) != 1 || store.failed[0].id != "log-timeout" {
		t.Errorf("failed = %v", store.failed)
	}
}
