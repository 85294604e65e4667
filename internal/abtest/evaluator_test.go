package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
)

// ===== in-memory fakes =====

type fakeTestStore struct {
	mu     sync.Mutex
	tests  map[string]*domain.ABTest
	status map[string][]domain.ABTestStatus

	// raceLogID, when set, makes SetPublishedWinnerLogID lose as if another
	// publisher landed first.
	raceLogID string
}

func newFakeTestStore(tests ...*domain.ABTest) *fakeTestStore {
	f := &fakeTestStore{
		tests:  map[string]*domain.ABTest{},
		status: map[string][]domain.ABTestStatus{},
	}
	for _, t := range tests {
		f.tests[t.ID] = t
	}
	return f
}

func (f *fakeTestStore) Get(_ context.Context, id string) (*domain.ABTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return nil, postgres.ErrABTestNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTestStore) ListEvaluable(_ context.Context) ([]*domain.ABTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ABTest
	for _, t := range f.tests {
		if t.CanEvaluate() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTestStore) UpdateStatus(_ context.Context, id string, status domain.ABTestStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return postgres.ErrABTestNotFound
	}
	t.Status = status
	f.status[id] = append(f.status[id], status)
	return nil
}

func (f *fakeTestStore) SetWinner(_ context.Context, id, clipID string, snapshot map[string]interface{}, stats *domain.StatisticalResults) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return postgres.ErrABTestNotFound
	}
	if t.WinnerClipID != nil {
		return postgres.ErrWinnerAlreadySet
	}
	now := time.Now()
	t.WinnerClipID = &clipID
	t.WinnerDecidedAt = &now
	t.Status = domain.ABTestCompleted
	t.MetricsSnapshot = snapshot
	t.Statistical = stats
	return nil
}

func (f *fakeTestStore) SetPublishedWinnerLogID(_ context.Context, id, logID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tests[id]
	if !ok {
		return postgres.ErrABTestNotFound
	}
	if f.raceLogID != "" {
		t.PublishedWinnerLogID = &f.raceLogID
		return postgres.ErrWinnerAlreadyPublished
	}
	if t.PublishedWinnerLogID != nil {
		return postgres.ErrWinnerAlreadyPublished
	}
	t.PublishedWinnerLogID = &logID
	return nil
}

func (f *fakeTestStore) get(id string) *domain.ABTest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tests[id]
}

type fakeInsights struct {
	rows map[string]domain.AdInsight
	err  error

	lastSince time.Time
}

func (f *fakeInsights) AggregateInsights(_ context.Context, adIDs []string, since time.Time) (map[string]domain.AdInsight, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastSince = since
	out := map[string]domain.AdInsight{}
	for _, id := range adIDs {
		if row, ok := f.rows[id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

type fakeScheduler struct {
	mu       sync.Mutex
	requests []scheduler.Request
	err      error
}

func (f *fakeScheduler) Schedule(_ context.Context, req scheduler.Request) (*domain.PublishLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &domain.PublishLog{
		ID:     fmt.Sprintf("log-%d", len(f.requests)),
		ClipID: req.ClipID,
	}, nil
}

func (f *fakeScheduler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeLedger struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeLedger) Record(_ context.Context, eventType, _, _ string, _ domain.Severity, _ map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return "ev-1", nil
}

func (f *fakeLedger) Log(ctx context.Context, eventType, entityType, entityID string, sev domain.Severity, payload map[string]interface{}) string {
	id, _ := f.Record(ctx, eventType, entityType, entityID, sev, payload)
	return id
}

func (f *fakeLedger) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// ===== harness =====

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testConfig() config.ABTestConfig {
	return config.ABTestConfig{
		MinImpressions:    1000,
		MinDurationHours:  24,
		SignificanceAlpha: 0.05,
	}
}

func twoVariantTest(startedAgo time.Duration) *domain.ABTest {
	return &domain.ABTest{
		ID:            "test-1",
		AdsCampaignID: "camp-1",
		Name:          "thumbnail shootout",
		Status:        domain.ABTestActive,
		Variants: []domain.ABVariant{
			{ID: "var-1", TestID: "test-1", ClipID: "clip-a", AdID: "ad-a", Position: 0},
			{ID: "var-2", TestID: "test-1", ClipID: "clip-b", AdID: "ad-b", Position: 1},
		},
		CreatedAt: testNow.Add(-startedAgo),
		StartTime: testNow.Add(-startedAgo),
	}
}

func newEvaluator(store *fakeTestStore, insights *fakeInsights, sched *fakeScheduler, led *fakeLedger) *Evaluator {
	e := New(testConfig(), store, insights, sched, led)
	e.nowFn = func() time.Time { return testNow }
	return e
}

// ===== evaluation =====

func TestEvaluateUnderDurationEmbargo(t *testing.T) {
	store := newFakeTestStore(twoVariantTest(10 * time.Hour))
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 5000, Clicks: 100, SpendCents: 2000},
		"ad-b": {AdID: "ad-b", Impressions: 5000, Clicks: 120, SpendCents: 2000},
	}}
	led := &fakeLedger{}
	e := newEvaluator(store, insights, &fakeScheduler{}, led)

	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.NeedsMoreData() {
		t.Fatal("expected embargo to block the decision")
	}
	if math.Abs(out.Deficit.HoursShort-14) > 0.01 {
		t.Errorf("HoursShort = %v, want 14", out.Deficit.HoursShort)
	}
	if out.Deficit.ImpressionsShort != 0 {
		t.Errorf("ImpressionsShort = %d, want 0", out.Deficit.ImpressionsShort)
	}
	if got := store.get("test-1").Status; got != domain.ABTestActive {
		t.Errorf("status = %s, want active", got)
	}
	if led.count(domain.EventABNeedsMoreData) != 1 {
		t.Errorf("needs-more-data events = %d, want 1", led.count(domain.EventABNeedsMoreData))
	}
	if led.count(domain.EventABWinnerSelected) != 0 {
		t.Error("no winner event expected under embargo")
	}
}

func TestEvaluateUnderImpressionsEmbargo(t *testing.T) {
	store := newFakeTestStore(twoVariantTest(48 * time.Hour))
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 5000, Clicks: 100},
		"ad-b": {AdID: "ad-b", Impressions: 400, Clicks: 10},
	}}
	e := newEvaluator(store, insights, &fakeScheduler{}, &fakeLedger{})

	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.NeedsMoreData() {
		t.Fatal("expected embargo to block the decision")
	}
	if out.Deficit.ImpressionsShort != 600 {
		t.Errorf("ImpressionsShort = %d, want 600", out.Deficit.ImpressionsShort)
	}
	if out.Deficit.DeficientAdID != "ad-b" {
		t.Errorf("DeficientAdID = %s, want ad-b", out.Deficit.DeficientAdID)
	}
	if out.Deficit.HoursShort != 0 {
		t.Errorf("HoursShort = %v, want 0", out.Deficit.HoursShort)
	}
}

func TestEvaluatePerTestThresholdsOverrideConfig(t *testing.T) {
	test := twoVariantTest(10 * time.Hour)
	test.MinDurationHours = 8
	test.MinImpressions = 100
	store := newFakeTestStore(test)
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 150, Clicks: 9, SpendCents: 500, RevenueCents: 900},
		"ad-b": {AdID: "ad-b", Impressions: 150, Clicks: 3, SpendCents: 500, RevenueCents: 250},
	}}
	e := newEvaluator(store, insights, &fakeScheduler{}, &fakeLedger{})

	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.NeedsMoreData() {
		t.Fatalf("per-test thresholds should clear the embargo, deficit %+v", out.Deficit)
	}
}

func TestEvaluateSelectsWinnerByCompositeScore(t *testing.T) {
	store := newFakeTestStore(twoVariantTest(48 * time.Hour))
	// B dominates on ROAS, CTR and CPC.
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 10000, Clicks: 200, Conversions: 10, SpendCents: 10000, RevenueCents: 15000},
		"ad-b": {AdID: "ad-b", Impressions: 10000, Clicks: 300, Conversions: 30, SpendCents: 10000, RevenueCents: 30000},
	}}
	led := &fakeLedger{}
	e := newEvaluator(store, insights, &fakeScheduler{}, led)

	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Winner == nil || out.Winner.AdID != "ad-b" {
		t.Fatalf("winner = %+v, want ad-b", out.Winner)
	}
	if out.Winner.ClipID != "clip-b" {
		t.Errorf("winner clip = %s, want clip-b", out.Winner.ClipID)
	}

	// score = 0.5*ROAS + 0.3*CTR + 0.2*max(0, 1-CPC/maxCPC)
	wantB := 0.5*3.0 + 0.3*0.03 + 0.2*(1-(10000.0/300)/50)
	if math.Abs(out.Winner.Score-wantB) > 1e-9 {
		t.Errorf("winner score = %v, want %v", out.Winner.Score, wantB)
	}

	persisted := store.get("test-1")
	if persisted.Status != domain.ABTestCompleted {
		t.Errorf("status = %s, want completed", persisted.Status)
	}
	if persisted.WinnerClipID == nil || *persisted.WinnerClipID != "clip-b" {
		t.Error("winner clip not persisted")
	}
	if persisted.MetricsSnapshot["winner_ad_id"] != "ad-b" {
		t.Errorf("snapshot winner_ad_id = %v", persisted.MetricsSnapshot["winner_ad_id"])
	}
	if persisted.Statistical == nil || !persisted.Statistical.Significant {
		t.Errorf("stats = %+v, want significant", persisted.Statistical)
	}
	if out.Confidence < 0.95 {
		t.Errorf("confidence = %v, want >= 0.95 for a clear split", out.Confidence)
	}
	if led.count(domain.EventABWinnerSelected) != 1 {
		t.Errorf("winner events = %d, want 1", led.count(domain.EventABWinnerSelected))
	}
}

func TestEvaluateTieBreaksOnConversionsThenAdID(t *testing.T) {
	// No clicks and no spend anywhere: every composite score is zero.
	base := func() *fakeInsights {
		return &fakeInsights{rows: map[string]domain.AdInsight{
			"ad-a": {AdID: "ad-a", Impressions: 2000},
			"ad-b": {AdID: "ad-b", Impressions: 2000},
		}}
	}

	insights := base()
	row := insights.rows["ad-b"]
	row.Conversions = 5
	insights.rows["ad-b"] = row
	store := newFakeTestStore(twoVariantTest(48 * time.Hour))
	e := newEvaluator(store, insights, &fakeScheduler{}, &fakeLedger{})
	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Winner.AdID != "ad-b" {
		t.Errorf("winner = %s, want ad-b (more conversions)", out.Winner.AdID)
	}

	// Full tie: the smaller ad id wins regardless of variant order.
	test := twoVariantTest(48 * time.Hour)
	test.Variants[0], test.Variants[1] = test.Variants[1], test.Variants[0]
	store = newFakeTestStore(test)
	e = newEvaluator(store, base(), &fakeScheduler{}, &fakeLedger{})
	out, err = e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Winner.AdID != "ad-a" {
		t.Errorf("winner = %s, want ad-a (smaller ad id)", out.Winner.AdID)
	}
	// Degenerate contingency (zero clicks) skips the chi-square.
	if out.Statistical.Significant || out.Statistical.PValue != 1 {
		t.Errorf("stats = %+v, want non-significant p=1", out.Statistical)
	}
	if out.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", out.Confidence)
	}
}

func TestEvaluateChiSquareNonBlocking(t *testing.T) {
	store := newFakeTestStore(twoVariantTest(48 * time.Hour))
	// Near-identical CTRs: not significant, but revenue still picks B.
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 10000, Clicks: 250, SpendCents: 10000, RevenueCents: 12000},
		"ad-b": {AdID: "ad-b", Impressions: 10000, Clicks: 255, SpendCents: 10000, RevenueCents: 20000},
	}}
	e := newEvaluator(store, insights, &fakeScheduler{}, &fakeLedger{})

	out, err := e.Evaluate(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Winner == nil || out.Winner.AdID != "ad-b" {
		t.Fatalf("winner = %+v, want ad-b despite non-significance", out.Winner)
	}
	if out.Statistical.Significant {
		t.Errorf("stats = %+v, want non-significant", out.Statistical)
	}
	if out.Confidence > 0.5 {
		t.Errorf("confidence = %v, want lowered below 0.5", out.Confidence)
	}
	if store.get("test-1").Status != domain.ABTestCompleted {
		t.Error("non-significance must not block completion")
	}
}

func TestEvaluateWinnerMonotonic(t *testing.T) {
	store := newFakeTestStore(twoVariantTest(48 * time.Hour))
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 5000, Clicks: 100, SpendCents: 1000, RevenueCents: 4000},
		"ad-b": {AdID: "ad-b", Impressions: 5000, Clicks: 50, SpendCents: 1000, RevenueCents: 1000},
	}}
	e := newEvaluator(store, insights, &fakeScheduler{}, &fakeLedger{})

	if _, err := e.Evaluate(context.Background(), "test-1"); err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	_, err := e.Evaluate(context.Background(), "test-1")
	if !errors.Is(err, ErrNotEvaluable) {
		t.Fatalf("second Evaluate err = %v, want ErrNotEvaluable", err)
	}

	// A stale evaluating copy racing SetWinner hits the store guard.
	store.get("test-1").Status = domain.ABTestEvaluating
	_, err = e.Evaluate(context.Background(), "test-1")
	if !errors.Is(err, postgres.ErrWinnerAlreadySet) {
		t.Fatalf("raced Evaluate err = %v, want ErrWinnerAlreadySet", err)
	}
}

func TestEvaluateDueSweepsAllEvaluable(t *testing.T) {
	ripe := twoVariantTest(48 * time.Hour)
	green := twoVariantTest(time.Hour)
	green.ID = "test-2"
	for i := range green.Variants {
		green.Variants[i].TestID = "test-2"
	}
	store := newFakeTestStore(ripe, green)
	insights := &fakeInsights{rows: map[string]domain.AdInsight{
		"ad-a": {AdID: "ad-a", Impressions: 5000, Clicks: 200, SpendCents: 1000, RevenueCents: 5000},
		"ad-b": {AdID: "ad-b", Impressions: 5000, Clicks: 100, SpendCents: 1000, RevenueCents: 2000},
	}}
	led := &fakeLedger{}
	e := newEvaluator(store, insights, &fakeScheduler{}, led)

	decided, err := e.EvaluateDue(context.Background())
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if decided != 1 {
		t.Errorf("decided = %d, want 1", decided)
	}
	if got := store.get("test-1").Status; got != domain.ABTestCompleted {
		t.Errorf("ripe test status = %s, want completed", got)
	}
	if got := store.get("test-2").Status; got != domain.ABTestActive {
		t.Errorf("green test status = %s, want active", got)
	}
	if led.count(domain.EventABWinnerSelected) != 1 || led.count(domain.EventABNeedsMoreData) != 1 {
		t.Errorf("events = %v", led.events)
	}
}

func TestEvaluateRejectsTerminalStatuses(t *testing.T) {
	for _, status := range []domain.ABTestStatus{domain.ABTestCompleted, domain.ABTestArchived} {
		test := twoVariantTest(48 * time.Hour)
		test.Status = status
		store := newFakeTestStore(test)
		e := newEvaluator(store, &fakeInsights{}, &fakeScheduler{}, &fakeLedger{})
		if _, err := e.Evaluate(context.Background(), "test-1"); !errors.Is(err, ErrNotEvaluable) {
			t.Errorf("status %s: err = %v, want ErrNotEvaluable", status, err)
		}
	}
}

// ===== winner publication =====

func completedTest() *domain.ABTest {
	test := twoVariantTest(72 * time.Hour)
	clip := "clip-b"
	decidedAt := testNow.Add(-time.Hour)
	test.Status = domain.ABTestCompleted
	test.WinnerClipID = &clip
	test.WinnerDecidedAt = &decidedAt
	test.MetricsSnapshot = map[string]interface{}{"winner_ad_id": "ad-b"}
	return test
}

func TestPublishWinnerSchedulesThroughAutopilot(t *testing.T) {
	store := newFakeTestStore(completedTest())
	sched := &fakeScheduler{}
	led := &fakeLedger{}
	e := newEvaluator(store, &fakeInsights{}, sched, led)

	logID, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("PublishWinner: %v", err)
	}
	if logID == "" {
		t.Fatal("expected a log id")
	}
	if sched.calls() != 1 {
		t.Fatalf("scheduler calls = %d, want 1", sched.calls())
	}

	req := sched.requests[0]
	if req.ClipID != "clip-b" {
		t.Errorf("scheduled clip = %s, want clip-b", req.ClipID)
	}
	if req.ScheduledBy != domain.ScheduledABWinner {
		t.Errorf("scheduled_by = %s, want ab_winner", req.ScheduledBy)
	}
	if req.IdempotencyKey != "ab-winner-test-1" {
		t.Errorf("idempotency key = %s", req.IdempotencyKey)
	}
	if req.Metadata[domain.MetaABTestID] != "test-1" {
		t.Errorf("metadata ab_test_id = %v", req.Metadata[domain.MetaABTestID])
	}
	if req.Metadata["winner_snapshot"] == nil {
		t.Error("metadata missing winner snapshot")
	}

	persisted := store.get("test-1")
	if persisted.PublishedWinnerLogID == nil || *persisted.PublishedWinnerLogID != logID {
		t.Error("published winner log id not persisted")
	}
	if led.count(domain.EventABWinnerPublished) != 1 {
		t.Errorf("published events = %d, want 1", led.count(domain.EventABWinnerPublished))
	}
}

func TestPublishWinnerIdempotent(t *testing.T) {
	store := newFakeTestStore(completedTest())
	sched := &fakeScheduler{}
	led := &fakeLedger{}
	e := newEvaluator(store, &fakeInsights{}, sched, led)

	first, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("first PublishWinner: %v", err)
	}
	second, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("second PublishWinner: %v", err)
	}
	if first != second {
		t.Errorf("log ids differ: %s vs %s", first, second)
	}
	if sched.calls() != 1 {
		t.Errorf("scheduler calls = %d, want 1", sched.calls())
	}
	if led.count(domain.EventABWinnerPublished) != 1 {
		t.Errorf("published events = %d, want 1", led.count(domain.EventABWinnerPublished))
	}
}

func TestPublishWinnerRequiresDecision(t *testing.T) {
	undecided := twoVariantTest(time.Hour)
	store := newFakeTestStore(undecided)
	e := newEvaluator(store, &fakeInsights{}, &fakeScheduler{}, &fakeLedger{})
	if _, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, ""); !errors.Is(err, ErrWinnerNotDecided) {
		t.Fatalf("active test: err = %v, want ErrWinnerNotDecided", err)
	}

	headless := completedTest()
	headless.WinnerClipID = nil
	store = newFakeTestStore(headless)
	e = newEvaluator(store, &fakeInsights{}, &fakeScheduler{}, &fakeLedger{})
	if _, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, ""); !errors.Is(err, ErrWinnerNotDecided) {
		t.Fatalf("winnerless test: err = %v, want ErrWinnerNotDecided", err)
	}
}

func TestPublishWinnerKeepsExistingLogOnRace(t *testing.T) {
	store := newFakeTestStore(completedTest())
	store.raceLogID = "log-first"
	sched := &fakeScheduler{}
	e := newEvaluator(store, &fakeInsights{}, sched, &fakeLedger{})

	logID, err := e.PublishWinner(context.Background(), "test-1", domain.PlatformInstagram, "acct-1")
	if err != nil {
		t.Fatalf("PublishWinner: %v", err)
	}
	if logID != "log-first" {
		t.Errorf("log id = %s, want the racing writer's log-first", logID)
	}
}

// ===== statistics =====

func TestChiSquareSurvivalKnownValues(t *testing.T) {
	cases := []struct {
		chi2 float64
		df   int
		want float64
	}{
		{0, 1, 1},
		{2.706, 1, 0.10},
		{3.841, 1, 0.05},
		{6.635, 1, 0.01},
		{5.991, 2, 0.05},
		{9.488, 4, 0.05},
	}
	for _, c := range cases {
		got := chiSquareSurvival(c.chi2, c.df)
		if math.Abs(got-c.want) > 1e-3 {
			t.Errorf("survival(%v, %d) = %v, want %v", c.chi2, c.df, got, c.want)
		}
	}
}

func TestClickContingencyDegenerateTables(t *testing.T) {
	zeroImp := []domain.VariantMetrics{
		{AdID: "a", Impressions: 0},
		{AdID: "b", Impressions: 100, Clicks: 10},
	}
	if _, _, ok := clickContingency(zeroImp); ok {
		t.Error("zero-impression variant must skip the check")
	}

	noClicks := []domain.VariantMetrics{
		{AdID: "a", Impressions: 100},
		{AdID: "b", Impressions: 100},
	}
	if _, _, ok := clickContingency(noClicks); ok {
		t.Error("no clicks anywhere must skip the check")
	}

	allClicks := []domain.VariantMetrics{
		{AdID: "a", Impressions: 100, Clicks: 100},
		{AdID: "b", Impressions: 100, Clicks: 100},
	}
	if _, _, ok := clickContingency(allClicks); ok {
		t.Error("everything clicked must skip the check")
	}
}

func TestClickContingencyStatistic(t *testing.T) {
	metrics := []domain.VariantMetrics{
		{AdID: "a", Impressions: 10000, Clicks: 200},
		{AdID: "b", Impressions: 10000, Clicks: 300},
	}
	chi2, df, ok := clickContingency(metrics)
	if !ok {
		t.Fatal("expected a valid table")
	}
	if df != 1 {
		t.Errorf("df = %d, want 1", df)
	}
	// Expected 250 clicks per arm: 2*(50^2/250 + 50^2/9750).
	want := 2 * (2500.0/250 + 2500.0/9750)
	if math.Abs(chi2-want) > 1e-9 {
		t.Errorf("chi2 = %v, want %v", chi2, want)
	}
}
