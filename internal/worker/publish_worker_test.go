package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/identity"
	"github.com/clipcast/autopilot/internal/provider"
	"github.com/clipcast/autopilot/internal/service/publication"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// ===== in-memory fakes =====
// Shared by the worker tests in this package.

type fakeBeats struct {
	mu    sync.Mutex
	stats map[string]map[string]interface{}
}

func (f *fakeBeats) UpsertHeartbeat(_ context.Context, component string, stats map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		f.stats = map[string]map[string]interface{}{}
	}
	f.stats[component] = stats
	return nil
}

func (f *fakeBeats) statsFor(component string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[component]
}

type recordedEvent struct {
	Type     string
	Entity   string
	EntityID string
	Severity domain.Severity
	Payload  map[string]interface{}
}

type fakeLedger struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeLedger) Record(_ context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{eventType, entityType, entityID, severity, payload})
	return fmt.Sprintf("ev-%d", len(f.events)), nil
}

func (f *fakeLedger) Log(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) string {
	id, _ := f.Record(ctx, eventType, entityType, entityID, severity, payload)
	return id
}

func (f *fakeLedger) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeLedger) last(eventType string) *recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType {
			ev := f.events[i]
			return &ev
		}
	}
	return nil
}

type fakeFlags struct {
	mu    sync.Mutex
	flags map[string]string
	err   error
}

func (f *fakeFlags) GetFlag(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.flags[key]
	return v, ok, nil
}

func (f *fakeFlags) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags == nil {
		f.flags = map[string]string{}
	}
	f.flags[key] = value
}

type markCall struct {
	id     string
	reason string
	at     time.Time
}

type fakeQueue struct {
	mu         sync.Mutex
	due        []domain.PublishLog
	claimErr   error
	successErr error
	succeeded  []string
	retries    []markCall
	failures   []markCall
	released   []markCall
	external   map[string][2]string
}

func (f *fakeQueue) ClaimDue(_ context.Context, limit int) ([]domain.PublishLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.due) > limit {
		out := f.due[:limit]
		f.due = f.due[limit:]
		return out, nil
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeQueue) MarkSuccess(_ context.Context, id, externalPostID, externalURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successErr != nil {
		return f.successErr
	}
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *fakeQueue) MarkRetry(_ context.Context, id, reason string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, markCall{id: id, reason: reason, at: nextAttemptAt})
	return nil
}

func (f *fakeQueue) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, markCall{id: id, reason: reason})
	return nil
}

func (f *fakeQueue) ReleaseClaim(_ context.Context, id string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, markCall{id: id, at: until})
	return nil
}

func (f *fakeQueue) RecordExternalIDs(_ context.Context, id, externalPostID, externalURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.external == nil {
		f.external = map[string][2]string{}
	}
	f.external[id] = [2]string{externalPostID, externalURL}
	return nil
}

type fakeClips struct {
	mu    sync.Mutex
	clips map[string]*domain.Clip
}

func (f *fakeClips) Get(_ context.Context, id string) (*domain.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clips[id]
	if !ok {
		return nil, fmt.Errorf("clip %s not found", id)
	}
	return c, nil
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.SocialAccount
}

func (f *fakeAccounts) Get(_ context.Context, id string) (*domain.SocialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not found", id)
	}
	return a, nil
}

type fakeRouter struct {
	mu     sync.Mutex
	errFor map[string]error
	calls  []string
}

func (f *fakeRouter) Resolve(_ context.Context, accountID string, component domain.ComponentType) (*domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID+"/"+string(component))
	if err := f.errFor[accountID]; err != nil {
		return nil, err
	}
	return &domain.Identity{
		ID:        "ident-" + accountID,
		AccountID: accountID,
		ProxyURL:  "http://127.0.0.1:3128",
	}, nil
}

type fakeResolver struct {
	prov provider.Provider
	err  error
}

func (f *fakeResolver) For(_ *domain.SocialAccount, _ *domain.Identity) (provider.Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prov, nil
}

type fakeProvider struct {
	mu         sync.Mutex
	platform   domain.Platform
	uploadErr  error
	publishErr error
	budgetErr  error
	pauseErr   error
	insights   []domain.AdInsight

	uploads []provider.CreativeSpec
	posts   []provider.PublishRequest
	budgets map[string]int64
	paused  []string
	resumed []string
}

func (f *fakeProvider) Platform() domain.Platform { return f.platform }
func (f *fakeProvider) SupportsRealAPI() bool     { return false }

func (f *fakeProvider) UploadCreative(_ context.Context, spec provider.CreativeSpec) (*provider.Creative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, spec)
	return &provider.Creative{ExternalID: fmt.Sprintf("cr-%d", len(f.uploads)), URL: spec.MediaURL}, nil
}

func (f *fakeProvider) PublishPost(_ context.Context, req provider.PublishRequest) (*provider.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.posts = append(f.posts, req)
	id := fmt.Sprintf("post-%d", len(f.posts))
	return &provider.Post{ExternalPostID: id, ExternalURL: "https://" + string(f.platform) + ".test/" + id}, nil
}

func (f *fakeProvider) CreateCampaign(_ context.Context, spec provider.CampaignSpec) (*provider.Entity, error) {
	return &provider.Entity{ExternalID: "ext-campaign-" + spec.Name}, nil
}

func (f *fakeProvider) CreateAdSet(_ context.Context, spec provider.AdSetSpec) (*provider.Entity, error) {
	return &provider.Entity{ExternalID: "ext-adset-" + spec.Name}, nil
}

func (f *fakeProvider) CreateAd(_ context.Context, spec provider.AdSpec) (*provider.Entity, error) {
	return &provider.Entity{ExternalID: "ext-ad-" + spec.Name}, nil
}

func (f *fakeProvider) GetInsights(_ context.Context, _ []string, _, _ time.Time) ([]domain.AdInsight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insights, nil
}

func (f *fakeProvider) UpdateBudget(_ context.Context, externalID string, budgetCents int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budgetErr != nil {
		return f.budgetErr
	}
	if f.budgets == nil {
		f.budgets = map[string]int64{}
	}
	f.budgets[externalID] = budgetCents
	return nil
}

func (f *fakeProvider) PauseEntity(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, externalID)
	return nil
}

func (f *fakeProvider) ResumeEntity(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, externalID)
	return nil
}

type fakeMedia struct {
	err error
}

func (f *fakeMedia) ResolveMediaURL(_ context.Context, mediaKey string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://media.test/" + mediaKey, nil
}

type fakeLimiter struct {
	mu    sync.Mutex
	deny  bool
	wait  time.Duration
	err   error
	calls int
}

func (f *fakeLimiter) Allow(_ context.Context, _ domain.Platform, _ string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	return !f.deny, f.wait, nil
}

// ===== harness =====

type publisherFixture struct {
	worker   *PublishWorker
	queue    *fakeQueue
	clips    *fakeClips
	accounts *fakeAccounts
	router   *fakeRouter
	prov     *fakeProvider
	media    *fakeMedia
	limiter  *fakeLimiter
	flags    *fakeFlags
	events   *fakeLedger
	beats    *fakeBeats
}

func newPublisherFixture() *publisherFixture {
	f := &publisherFixture{
		queue: &fakeQueue{},
		clips: &fakeClips{clips: map[string]*domain.Clip{
			"clip-1": {
				ID:       "clip-1",
				MediaKey: "clips/clip-1.mp4",
				Params:   map[string]interface{}{"title": "morning surf lines", "topics": []interface{}{"surf"}},
			},
		}},
		accounts: &fakeAccounts{accounts: map[string]*domain.SocialAccount{
			"acct-1": {ID: "acct-1", Platform: domain.PlatformInstagram, Handle: "@clipcast"},
			"acct-2": {ID: "acct-2", Platform: domain.PlatformInstagram, Handle: "@clipcast.daily"},
		}},
		router:  &fakeRouter{},
		prov:    &fakeProvider{platform: domain.PlatformInstagram},
		media:   &fakeMedia{},
		limiter: &fakeLimiter{},
		flags:   &fakeFlags{},
		events:  &fakeLedger{},
		beats:   &fakeBeats{},
	}
	f.worker = NewPublishWorker(
		config.PublisherConfig{
			PollIntervalSeconds:    5,
			BatchSize:              10,
			WorkerCount:            1,
			MaxRetries:             3,
			ProviderTimeoutSeconds: 30,
		},
		map[string]config.PlatformConfig{
			"instagram": {HourlyPublishCap: 10},
			"tiktok":    {HourlyPublishCap: 10},
		},
		f.queue, f.clips, f.accounts, f.router, &fakeResolver{prov: f.prov}, f.media,
		f.limiter, f.flags, f.events, f.beats,
	)
	f.worker.nowFn = func() time.Time { return testNow }
	return f
}

func processingLog(id string, retryCount int) domain.PublishLog {
	acct := "acct-1"
	return domain.PublishLog{
		ID:              id,
		ClipID:          "clip-1",
		Platform:        domain.PlatformInstagram,
		SocialAccountID: &acct,
		Status:          domain.PublishProcessing,
		RetryCount:      retryCount,
		MaxRetries:      3,
		ScheduledBy:     domain.ScheduledAuto,
		RequestedAt:     testNow.Add(-time.Minute),
		UpdatedAt:       testNow.Add(-time.Minute),
	}
}

// ===== tests =====

func TestPublishWorkerSuccess(t *testing.T) {
	f := newPublisherFixture()
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	retries := f.worker.Tick(context.Background())
	if retries != 0 {
		t.Fatalf("expected 0 retries, got %d", retries)
	}

	if len(f.queue.succeeded) != 1 || f.queue.succeeded[0] != "log-1" {
		t.Fatalf("expected log-1 marked success, got %v", f.queue.succeeded)
	}
	ext, ok := f.queue.external["log-1"]
	if !ok {
		t.Fatal("external ids were not recorded")
	}
	if ext[0] != "post-1" {
		t.Errorf("expected external post id post-1, got %s", ext[0])
	}

	if len(f.prov.posts) != 1 {
		t.Fatalf("expected 1 provider publish, got %d", len(f.prov.posts))
	}
	if f.prov.posts[0].MediaURL != "https://media.test/clips/clip-1.mp4" {
		t.Errorf("unexpected media url %s", f.prov.posts[0].MediaURL)
	}
	if f.prov.posts[0].Caption == "" {
		t.Error("expected a rendered caption")
	}
	if len(f.prov.uploads) != 1 {
		t.Errorf("expected 1 creative upload, got %d", len(f.prov.uploads))
	}

	if len(f.events.events) != 2 {
		t.Fatalf("expected 2 ledger events, got %d", len(f.events.events))
	}
	if f.events.events[0].Type != domain.EventPublishStarted {
		t.Errorf("first event should be %s, got %s", domain.EventPublishStarted, f.events.events[0].Type)
	}
	if f.events.events[1].Type != domain.EventPublishSuccessful {
		t.Errorf("second event should be %s, got %s", domain.EventPublishSuccessful, f.events.events[1].Type)
	}

	stats := f.beats.statsFor(ComponentPublisher)
	if stats == nil {
		t.Fatal("publisher heartbeat was not written")
	}
	if got := stats["succeeded"].(int64); got != 1 {
		t.Errorf("heartbeat succeeded = %d, want 1", got)
	}
}

func TestPublishWorkerRetryBackoffProgression(t *testing.T) {
	f := newPublisherFixture()
	f.prov.publishErr = &provider.Error{Kind: provider.KindServer, StatusCode: 502, Message: "temporarily unavailable"}

	for attempt := 0; attempt < 3; attempt++ {
		f.queue.due = []domain.PublishLog{processingLog("log-1", attempt)}
		if got := f.worker.Tick(context.Background()); got != 1 {
			t.Fatalf("attempt %d: Tick returned %d retries, want 1", attempt, got)
		}
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(f.queue.retries) != len(wantDelays) {
		t.Fatalf("expected %d retry marks, got %d", len(wantDelays), len(f.queue.retries))
	}
	for i, want := range wantDelays {
		if got := f.queue.retries[i].at.Sub(testNow); got != want {
			t.Errorf("retry %d: backoff = %s, want %s", i+1, got, want)
		}
	}

	// Budget spent: the fourth attempt terminalizes instead of retrying.
	f.queue.due = []domain.PublishLog{processingLog("log-1", 3)}
	if got := f.worker.Tick(context.Background()); got != 0 {
		t.Fatalf("exhausted attempt returned %d retries, want 0", got)
	}
	if len(f.queue.failures) != 1 {
		t.Fatalf("expected 1 failure mark, got %d", len(f.queue.failures))
	}

	if got := f.events.count(domain.EventPublishLogRetry); got != 3 {
		t.Errorf("expected 3 retry events, got %d", got)
	}
	failed := f.events.last(domain.EventPublishLogFailed)
	if failed == nil {
		t.Fatal("expected a failed event")
	}
	if failed.Severity != domain.SeverityError {
		t.Errorf("failed event severity = %s, want error", failed.Severity)
	}
	if fatal, _ := failed.Payload["fatal"].(bool); fatal {
		t.Error("exhaustion should not be flagged fatal")
	}
}

func TestPublishWorkerIsolationViolationFailsOneLog(t *testing.T) {
	f := newPublisherFixture()
	f.router.errFor = map[string]error{
		"acct-1": &identity.ViolationError{
			AccountID: "acct-1",
			Component: domain.ComponentPublisher,
			Reason:    "identity pinned to another account",
		},
	}
	acct2 := "acct-2"
	second := processingLog("log-2", 0)
	second.SocialAccountID = &acct2
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0), second}

	f.worker.Tick(context.Background())

	if len(f.queue.failures) != 1 || f.queue.failures[0].id != "log-1" {
		t.Fatalf("expected log-1 failed, got %v", f.queue.failures)
	}
	if !strings.Contains(f.queue.failures[0].reason, "isolation violation") {
		t.Errorf("failure reason should name the violation, got %q", f.queue.failures[0].reason)
	}
	if len(f.queue.retries) != 0 {
		t.Errorf("a violation must not consume retries, got %v", f.queue.retries)
	}

	// The loop keeps draining: the clean account still publishes.
	if len(f.queue.succeeded) != 1 || f.queue.succeeded[0] != "log-2" {
		t.Fatalf("expected log-2 to publish, got %v", f.queue.succeeded)
	}
	if len(f.prov.posts) != 1 {
		t.Errorf("expected exactly 1 provider publish, got %d", len(f.prov.posts))
	}

	failed := f.events.last(domain.EventPublishLogFailed)
	if failed == nil {
		t.Fatal("expected a failed event")
	}
	if fatal, _ := failed.Payload["fatal"].(bool); !fatal {
		t.Error("violation failure should be flagged fatal")
	}
}

func TestPublishWorkerAuthErrorIsFatal(t *testing.T) {
	f := newPublisherFixture()
	f.prov.publishErr = &provider.Error{Kind: provider.KindAuth, StatusCode: 401, Message: "token expired"}
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	f.worker.Tick(context.Background())

	if len(f.queue.retries) != 0 {
		t.Errorf("auth errors must not retry, got %v", f.queue.retries)
	}
	if len(f.queue.failures) != 1 {
		t.Fatalf("expected 1 failure mark, got %d", len(f.queue.failures))
	}
	if !strings.Contains(f.queue.failures[0].reason, "token expired") {
		t.Errorf("failure reason should carry the provider message, got %q", f.queue.failures[0].reason)
	}
}

func TestPublishWorkerPlatformMismatchIsFatal(t *testing.T) {
	f := newPublisherFixture()
	log := processingLog("log-1", 0)
	log.Platform = domain.PlatformTikTok
	f.queue.due = []domain.PublishLog{log}

	f.worker.Tick(context.Background())

	if len(f.queue.failures) != 1 {
		t.Fatalf("expected 1 failure mark, got %d", len(f.queue.failures))
	}
	if !strings.Contains(f.queue.failures[0].reason, "platform mismatch") {
		t.Errorf("unexpected failure reason %q", f.queue.failures[0].reason)
	}
	if len(f.router.calls) != 0 {
		t.Error("mismatch should fail before identity resolution")
	}
}

func TestPublishWorkerHourlyCapDefersClaim(t *testing.T) {
	f := newPublisherFixture()
	f.limiter.deny = true
	f.limiter.wait = 40 * time.Minute
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	retries := f.worker.Tick(context.Background())
	if retries != 0 {
		t.Fatalf("deferral is not a retry, got %d", retries)
	}

	if len(f.queue.released) != 1 {
		t.Fatalf("expected 1 released claim, got %d", len(f.queue.released))
	}
	if got, want := f.queue.released[0].at, testNow.Add(40*time.Minute); !got.Equal(want) {
		t.Errorf("release until = %s, want %s", got, want)
	}
	if len(f.queue.retries)+len(f.queue.failures) != 0 {
		t.Error("deferral must not mark retry or failure")
	}
	if len(f.prov.posts)+len(f.prov.uploads) != 0 {
		t.Error("deferral must not reach the provider")
	}
	if len(f.events.events) != 0 {
		t.Errorf("deferral writes no ledger events, got %d", len(f.events.events))
	}
}

func TestPublishWorkerRateLimitHintOverridesBackoff(t *testing.T) {
	f := newPublisherFixture()
	f.prov.publishErr = &provider.Error{
		Kind:       provider.KindRateLimit,
		StatusCode: 429,
		Message:    "too many posts",
		RetryAfter: 25 * time.Second,
	}
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	f.worker.Tick(context.Background())

	if len(f.queue.retries) != 1 {
		t.Fatalf("expected 1 retry mark, got %d", len(f.queue.retries))
	}
	if got := f.queue.retries[0].at.Sub(testNow); got != 25*time.Second {
		t.Errorf("retry delay = %s, want platform hint 25s", got)
	}
}

func TestPublishWorkerEmergencyStopIdles(t *testing.T) {
	f := newPublisherFixture()
	f.flags.set(domain.FlagEmergencyStop, "operator")
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	f.worker.Tick(context.Background())

	if len(f.queue.due) != 1 {
		t.Error("emergency stop must not claim work")
	}
	if len(f.prov.posts)+len(f.prov.uploads) != 0 {
		t.Error("emergency stop must not reach the provider")
	}
}

func TestPublishWorkerCancelRaceKeepsExternalIDs(t *testing.T) {
	f := newPublisherFixture()
	f.queue.successErr = publication.ErrInvalidTransition
	f.queue.due = []domain.PublishLog{processingLog("log-1", 0)}

	f.worker.Tick(context.Background())

	// The post exists on the platform even though the row was cancelled
	// underneath us; the external ids must survive for auditing.
	if _, ok := f.queue.external["log-1"]; !ok {
		t.Fatal("external ids should be recorded before the terminal mark")
	}
	if len(f.queue.failures) != 0 {
		t.Errorf("a lost cancel race must not double-mark the row, got %v", f.queue.failures)
	}
	if f.events.count(domain.EventPublishSuccessful) != 0 {
		t.Error("no success event when the success mark was refused")
	}
}

func TestPublishWorkerMissingAccountIsFatal(t *testing.T) {
	f := newPublisherFixture()
	log := processingLog("log-1", 0)
	log.SocialAccountID = nil
	f.queue.due = []domain.PublishLog{log}

	f.worker.Tick(context.Background())

	if len(f.queue.failures) != 1 {
		t.Fatalf("expected 1 failure mark, got %d", len(f.queue.failures))
	}
	if !strings.Contains(f.queue.failures[0].reason, "no social account") {
		t.Errorf("unexpected failure reason %q", f.queue.failures[0].reason)
	}
	if f.limiter.calls != 0 {
		t.Error("an unroutable log should fail before the cap check")
	}
}
