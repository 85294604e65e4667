package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

// ===== in-memory fakes =====

type fakeControlStore struct {
	mu        sync.Mutex
	beats     map[string]domain.Heartbeat
	flags     map[string]string
	flagTimes map[string]time.Time
}

func newFakeControlStore() *fakeControlStore {
	return &fakeControlStore{
		beats:     map[string]domain.Heartbeat{},
		flags:     map[string]string{},
		flagTimes: map[string]time.Time{},
	}
}

func (f *fakeControlStore) UpsertHeartbeat(_ context.Context, component string, stats map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats[component] = domain.Heartbeat{Component: component, LastSeen: testNow, Stats: stats}
	return nil
}

func (f *fakeControlStore) ListHeartbeats(_ context.Context) ([]domain.Heartbeat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Heartbeat, 0, len(f.beats))
	for _, hb := range f.beats {
		out = append(out, hb)
	}
	return out, nil
}

func (f *fakeControlStore) GetFlag(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.flags[key]
	return v, ok, nil
}

func (f *fakeControlStore) SetFlag(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[key] = value
	f.flagTimes[key] = testNow
	return nil
}

func (f *fakeControlStore) DeleteFlag(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, key)
	delete(f.flagTimes, key)
	return nil
}

func (f *fakeControlStore) FlagSetSince(_ context.Context, key string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.flagTimes[key]
	if !ok {
		return false, nil
	}
	return !t.Before(since), nil
}

func (f *fakeControlStore) seedBeat(component string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats[component] = domain.Heartbeat{Component: component, LastSeen: testNow.Add(-age)}
}

func (f *fakeControlStore) flag(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.flags[key]
	return v, ok
}

type fakeErrCounter struct{ count int }

func (f *fakeErrCounter) CountSince(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.count, nil
}

type fakeAdsPauser struct {
	mu     sync.Mutex
	calls  int
	paused []string
}

func (f *fakeAdsPauser) PauseAll(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.paused, nil
}

// ===== harness =====

type masterFixture struct {
	mc      *MasterControl
	control *fakeControlStore
	events  *fakeLedger
	errs    *fakeErrCounter
	ads     *fakeAdsPauser
}

func newMasterFixture() *masterFixture {
	f := &masterFixture{
		control: newFakeControlStore(),
		events:  &fakeLedger{},
		errs:    &fakeErrCounter{count: 7},
		ads:     &fakeAdsPauser{paused: []string{"camp-1", "camp-2"}},
	}
	f.mc = NewMasterControl(config.MasterConfig{
		HeartbeatIntervalSeconds: 30,
		DegradedAfterSeconds:     90,
		OfflineAfterSeconds:      300,
		RestartCooldownMinutes:   10,
	}, f.control, f.events, f.errs, f.ads)
	f.mc.nowFn = func() time.Time { return testNow }
	return f
}

// blockingLoop registers a loop that signals each launch and parks on ctx.
func (f *masterFixture) blockingLoop(name string) chan struct{} {
	launches := make(chan struct{}, 8)
	f.mc.Register(name, func(ctx context.Context) {
		launches <- struct{}{}
		<-ctx.Done()
	})
	return launches
}

// ===== tests =====

func TestMasterControlStartStop(t *testing.T) {
	f := newMasterFixture()
	launches := f.blockingLoop("demo")

	f.mc.StartAll()
	<-launches
	if !f.mc.Running("demo") {
		t.Fatal("component should be running after StartAll")
	}

	f.mc.Stop("demo")
	if f.mc.Running("demo") {
		t.Fatal("component should be stopped")
	}

	// Stopping a stopped component is a no-op.
	f.mc.Stop("demo")
}

func TestMasterControlRestartBouncesLoop(t *testing.T) {
	f := newMasterFixture()
	launches := f.blockingLoop("demo")
	f.mc.StartAll()
	<-launches

	if err := f.mc.Restart(context.Background(), "demo"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	select {
	case <-launches:
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not relaunch the loop")
	}

	ev := f.events.last(domain.EventComponentRestarted)
	if ev == nil {
		t.Fatal("expected a restarted event")
	}
	if got := ev.Payload["trigger"]; got != "operator" {
		t.Errorf("trigger = %v, want operator", got)
	}
}

func TestMasterControlRestartUnknownComponent(t *testing.T) {
	f := newMasterFixture()
	if err := f.mc.Restart(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for an unregistered component")
	}
}

func TestMasterControlEmergencyStop(t *testing.T) {
	f := newMasterFixture()
	pub := f.blockingLoop(ComponentPublisher)
	opt := f.blockingLoop(ComponentOptimizer)
	prom := f.blockingLoop(ComponentPromoter)
	f.mc.StartAll()
	<-pub
	<-opt
	<-prom

	if err := f.mc.EmergencyStop(context.Background(), "roas anomaly"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	if v, ok := f.control.flag(domain.FlagEmergencyStop); !ok || v != "roas anomaly" {
		t.Errorf("emergency flag = (%q, %v), want the reason set", v, ok)
	}
	if f.mc.Running(ComponentPublisher) || f.mc.Running(ComponentOptimizer) {
		t.Error("the mutating loops must be stopped")
	}
	if !f.mc.Running(ComponentPromoter) {
		t.Error("the promoter only moves queue state; it keeps running")
	}
	if f.ads.calls != 1 {
		t.Errorf("PauseAll calls = %d, want 1", f.ads.calls)
	}

	ev := f.events.last(domain.EventEmergencyStop)
	if ev == nil {
		t.Fatal("expected an emergency stop event")
	}
	if ev.Severity != domain.SeverityError {
		t.Errorf("severity = %s, want error", ev.Severity)
	}
	if got := ev.Payload["paused_campaigns"]; got != 2 {
		t.Errorf("paused_campaigns = %v, want 2", got)
	}
}

func TestMasterControlResumeRestartsLoopsNotCampaigns(t *testing.T) {
	f := newMasterFixture()
	pub := f.blockingLoop(ComponentPublisher)
	f.mc.StartAll()
	<-pub
	if err := f.mc.EmergencyStop(context.Background(), "drill"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	if err := f.mc.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if _, ok := f.control.flag(domain.FlagEmergencyStop); ok {
		t.Error("emergency flag should be cleared")
	}
	select {
	case <-pub:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher was not restarted")
	}
	// Campaigns stay paused: restoring spend is a per-campaign decision.
	if f.ads.calls != 1 {
		t.Errorf("PauseAll calls = %d, want 1 (resume must not touch campaigns)", f.ads.calls)
	}
	if f.events.count(domain.EventEmergencyResume) != 1 {
		t.Error("expected an emergency resume event")
	}
}

func TestMasterControlHealthClassification(t *testing.T) {
	f := newMasterFixture()
	f.control.seedBeat(ComponentPublisher, 30*time.Second) // online
	f.control.seedBeat(ComponentOptimizer, 2*time.Minute)  // degraded
	f.control.seedBeat(ComponentPromoter, 10*time.Minute)  // offline
	f.control.seedBeat(ComponentMaster, time.Hour)         // skipped: that's us

	report := f.mc.RunHealthCheck(context.Background())

	if len(report.Components) != 3 {
		t.Fatalf("components = %d, want 3 (master excluded)", len(report.Components))
	}
	states := map[string]domain.HealthState{}
	for _, c := range report.Components {
		states[c.Component] = c.State
	}
	if states[ComponentPublisher] != domain.HealthOnline {
		t.Errorf("publisher = %s, want online", states[ComponentPublisher])
	}
	if states[ComponentOptimizer] != domain.HealthDegraded {
		t.Errorf("optimizer = %s, want degraded", states[ComponentOptimizer])
	}
	if states[ComponentPromoter] != domain.HealthOffline {
		t.Errorf("promoter = %s, want offline", states[ComponentPromoter])
	}

	if !report.Critical {
		t.Error("an offline component makes the system critical")
	}
	if v, ok := f.control.flag(domain.FlagSystemCritical); !ok || v != ComponentPromoter {
		t.Errorf("critical flag = (%q, %v), want the offline component", v, ok)
	}
	if report.Errors24h != 7 {
		t.Errorf("errors_24h = %d, want 7", report.Errors24h)
	}

	// The check itself heartbeats as master control.
	if _, ok := f.control.beats[ComponentMaster]; !ok {
		t.Error("health check should write the master heartbeat")
	}
}

func TestMasterControlCriticalFlagConverges(t *testing.T) {
	f := newMasterFixture()
	f.control.seedBeat(ComponentPublisher, 10*time.Minute)

	report := f.mc.RunHealthCheck(context.Background())
	if !report.Critical {
		t.Fatal("setup: expected critical")
	}
	if _, ok := f.control.flag(domain.FlagSystemCritical); !ok {
		t.Fatal("setup: expected the critical flag set")
	}

	// The component recovers; the next check clears the flag.
	f.control.seedBeat(ComponentPublisher, 10*time.Second)
	report = f.mc.RunHealthCheck(context.Background())
	if report.Critical {
		t.Error("recovered system should not be critical")
	}
	if _, ok := f.control.flag(domain.FlagSystemCritical); ok {
		t.Error("critical flag should be cleared on recovery")
	}
}

func TestMasterControlAutoRestartOncePerCooldown(t *testing.T) {
	f := newMasterFixture()
	launches := f.blockingLoop(ComponentPublisher)
	f.mc.StartAll()
	<-launches
	f.control.seedBeat(ComponentPublisher, 10*time.Minute) // offline

	f.mc.RunHealthCheck(context.Background())

	select {
	case <-launches:
	case <-time.After(2 * time.Second):
		t.Fatal("offline component was not auto-restarted")
	}
	ev := f.events.last(domain.EventComponentRestarted)
	if ev == nil || ev.Payload["trigger"] != "auto" {
		t.Fatalf("expected an auto restart event, got %v", ev)
	}

	// Still offline inside the cooldown: escalate instead of flapping.
	f.control.seedBeat(ComponentPublisher, 10*time.Minute)
	f.mc.RunHealthCheck(context.Background())

	if got := f.events.count(domain.EventComponentRestarted); got != 1 {
		t.Errorf("restart events = %d, want 1", got)
	}
	if got := f.events.count(domain.EventComponentEscalated); got != 1 {
		t.Errorf("escalation events = %d, want 1", got)
	}
}

func TestMasterControlLeavesForeignHeartbeatsAlone(t *testing.T) {
	f := newMasterFixture()
	// Offline heartbeat from a component this process never registered.
	f.control.seedBeat("webhook_ingestor", 10*time.Minute)

	report := f.mc.RunHealthCheck(context.Background())

	if !report.Critical {
		t.Error("a foreign offline component still counts as critical")
	}
	if f.events.count(domain.EventComponentRestarted) != 0 {
		t.Error("must not restart a loop another process owns")
	}
	if f.events.count(domain.EventComponentEscalated) != 0 {
		t.Error("must not escalate a loop another process owns")
	}
}

func TestMasterControlReportsEmergencyDuringChecks(t *testing.T) {
	f := newMasterFixture()
	f.control.SetFlag(context.Background(), domain.FlagEmergencyStop, "drill")
	f.control.seedBeat(ComponentPublisher, 10*time.Second)

	report := f.mc.RunHealthCheck(context.Background())

	if !report.EmergencyStop {
		t.Error("report should surface the engaged emergency stop")
	}
	if len(report.Components) != 1 {
		t.Error("health classification keeps running during an emergency")
	}
}
