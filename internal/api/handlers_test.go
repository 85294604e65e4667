package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/abtest"
	"github.com/clipcast/autopilot/internal/ads"
	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
	"github.com/clipcast/autopilot/internal/service/publication"
	"github.com/clipcast/autopilot/internal/worker"
)

var apiNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// ===== in-memory fakes =====

type fakePubService struct {
	logs      map[string]*domain.PublishLog
	byPostID  map[string]*domain.PublishLog
	depths    map[domain.PublishStatus]int
	timeline  []domain.LedgerEvent
	total     int
	cancelErr error

	lastFilter   publication.ListFilter
	lastPlatform string
	lastEvent    publication.WebhookEvent
}

func (f *fakePubService) Get(_ context.Context, id string) (*domain.PublishLog, error) {
	log, ok := f.logs[id]
	if !ok {
		return nil, publication.ErrNotFound
	}
	return log, nil
}

func (f *fakePubService) List(_ context.Context, filter publication.ListFilter) ([]domain.PublishLog, int, error) {
	f.lastFilter = filter
	out := make([]domain.PublishLog, 0, len(f.logs))
	for _, l := range f.logs {
		out = append(out, *l)
	}
	return out, f.total, nil
}

func (f *fakePubService) QueueDepths(context.Context) (map[domain.PublishStatus]int, error) {
	return f.depths, nil
}

func (f *fakePubService) Timeline(_ context.Context, id string, _ int) ([]domain.LedgerEvent, error) {
	if _, ok := f.logs[id]; !ok {
		return nil, publication.ErrNotFound
	}
	return f.timeline, nil
}

func (f *fakePubService) Cancel(_ context.Context, id, _ string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.logs[id]; !ok {
		return publication.ErrNotFound
	}
	return nil
}

func (f *fakePubService) IngestWebhook(_ context.Context, platform string, ev publication.WebhookEvent) (*domain.PublishLog, error) {
	f.lastPlatform = platform
	f.lastEvent = ev
	if ev.ExternalPostID == "" {
		return nil, publication.ErrMissingPostID
	}
	log, ok := f.byPostID[ev.ExternalPostID]
	if !ok {
		return nil, publication.ErrNotFound
	}
	return log, nil
}

func (f *fakePubService) CampaignWinner(_ context.Context, campaignID string) (*domain.PublishLog, error) {
	for _, l := range f.logs {
		if l.IsCurrentWinner && l.CampaignID != nil && *l.CampaignID == campaignID {
			return l, nil
		}
	}
	return nil, publication.ErrNotFound
}

func (f *fakePubService) PinCampaignWinner(_ context.Context, campaignID, logID, _ string) error {
	log, ok := f.logs[logID]
	if !ok {
		return publication.ErrNotFound
	}
	if log.Status != domain.PublishSuccess {
		return publication.ErrNotSuccessful
	}
	for _, l := range f.logs {
		l.IsCurrentWinner = false
	}
	log.IsCurrentWinner = true
	log.CampaignID = &campaignID
	return nil
}

type fakeScheduleService struct {
	log     *domain.PublishLog
	err     error
	lastReq scheduler.Request
}

func (f *fakeScheduleService) Schedule(_ context.Context, req scheduler.Request) (*domain.PublishLog, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.log, nil
}

type fakeForecastService struct {
	forecast *scheduler.Forecast
	slot     time.Time
	err      error

	lastPlatform domain.Platform
	lastAccount  string
	lastNow      time.Time
}

func (f *fakeForecastService) Forecast(_ context.Context, platform domain.Platform, accountID string, now time.Time) (*scheduler.Forecast, error) {
	f.lastPlatform, f.lastAccount, f.lastNow = platform, accountID, now
	if f.err != nil {
		return nil, f.err
	}
	return f.forecast, nil
}

func (f *fakeForecastService) NextSlot(_ context.Context, platform domain.Platform, accountID string, now time.Time) (time.Time, error) {
	f.lastPlatform, f.lastAccount, f.lastNow = platform, accountID, now
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.slot, nil
}

type fakeAdsService struct {
	result  *ads.Result
	err     error
	lastReq ads.Request
}

func (f *fakeAdsService) Orchestrate(_ context.Context, req ads.Request) (*ads.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeABTestService struct {
	outcome    *abtest.Outcome
	evalErr    error
	logID      string
	publishErr error

	lastTestID string
}

func (f *fakeABTestService) Evaluate(_ context.Context, testID string) (*abtest.Outcome, error) {
	f.lastTestID = testID
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	return f.outcome, nil
}

func (f *fakeABTestService) PublishWinner(_ context.Context, testID string, _ domain.Platform, _ string) (string, error) {
	f.lastTestID = testID
	if f.publishErr != nil {
		return "", f.publishErr
	}
	return f.logID, nil
}

type fakeABTestStore struct {
	tests   map[string]*domain.ABTest
	created *domain.ABTest
}

func (f *fakeABTestStore) Create(_ context.Context, t *domain.ABTest) error {
	t.ID = "test-new"
	t.Status = domain.ABTestActive
	if t.StartTime.IsZero() {
		t.StartTime = apiNow
	}
	f.created = t
	return nil
}

func (f *fakeABTestStore) Get(_ context.Context, id string) (*domain.ABTest, error) {
	t, ok := f.tests[id]
	if !ok {
		return nil, postgres.ErrABTestNotFound
	}
	return t, nil
}

type fakeActionService struct {
	action     *domain.OptimizationAction
	approveErr error
	cancelErr  error
	executeErr error

	lastID     string
	approvedBy string
	reason     string
}

func (f *fakeActionService) Approve(_ context.Context, id, approvedBy string) (*domain.OptimizationAction, error) {
	f.lastID, f.approvedBy = id, approvedBy
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	return f.action, nil
}

func (f *fakeActionService) Cancel(_ context.Context, id, reason string) error {
	f.lastID, f.reason = id, reason
	return f.cancelErr
}

func (f *fakeActionService) Execute(_ context.Context, id string) (*domain.OptimizationAction, error) {
	f.lastID = id
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return f.action, nil
}

type fakeActionStore struct {
	actions    map[string]*domain.OptimizationAction
	listed     []domain.OptimizationAction
	lastStatus domain.ActionStatus
	lastLimit  int
}

func (f *fakeActionStore) Get(_ context.Context, id string) (*domain.OptimizationAction, error) {
	a, ok := f.actions[id]
	if !ok {
		return nil, postgres.ErrActionNotFound
	}
	return a, nil
}

func (f *fakeActionStore) ListByStatus(_ context.Context, status domain.ActionStatus, limit int) ([]domain.OptimizationAction, error) {
	f.lastStatus, f.lastLimit = status, limit
	return f.listed, nil
}

type fakeControlService struct {
	report *worker.HealthReport

	started    int
	stopped    int
	restarted  []string
	restartErr error
	stopReason string
	resumed    int
	sweeps     int
}

func (f *fakeControlService) StartAll() { f.started++ }
func (f *fakeControlService) StopAll()  { f.stopped++ }

func (f *fakeControlService) Restart(_ context.Context, name string) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeControlService) EmergencyStop(_ context.Context, reason string) error {
	f.stopReason = reason
	return nil
}

func (f *fakeControlService) Resume(context.Context) error {
	f.resumed++
	return nil
}

func (f *fakeControlService) RunHealthCheck(context.Context) *worker.HealthReport {
	f.sweeps++
	return f.report
}

type fakeLedgerReader struct {
	events []domain.LedgerEvent

	lastSeverity string
	lastEntity   string
	lastEntityID string
}

func (f *fakeLedgerReader) ListRecent(_ context.Context, severity string, _ int) ([]domain.LedgerEvent, error) {
	f.lastSeverity = severity
	return f.events, nil
}

func (f *fakeLedgerReader) ListByEntity(_ context.Context, entityType, entityID string, _ int) ([]domain.LedgerEvent, error) {
	f.lastEntity, f.lastEntityID = entityType, entityID
	return f.events, nil
}

// ===== fixture =====

type apiFixture struct {
	pubs     *fakePubService
	sched    *fakeScheduleService
	oracle   *fakeForecastService
	ads      *fakeAdsService
	abtests  *fakeABTestService
	abstore  *fakeABTestStore
	actions  *fakeActionService
	actstore *fakeActionStore
	control  *fakeControlService
	ledger   *fakeLedgerReader

	handler http.Handler
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		pubs: &fakePubService{
			logs:     map[string]*domain.PublishLog{},
			byPostID: map[string]*domain.PublishLog{},
			depths:   map[domain.PublishStatus]int{},
		},
		sched:    &fakeScheduleService{},
		oracle:   &fakeForecastService{},
		ads:      &fakeAdsService{},
		abtests:  &fakeABTestService{},
		abstore:  &fakeABTestStore{tests: map[string]*domain.ABTest{}},
		actions:  &fakeActionService{},
		actstore: &fakeActionStore{actions: map[string]*domain.OptimizationAction{}},
		control:  &fakeControlService{},
		ledger:   &fakeLedgerReader{},
	}

	h := NewHandlers(f.pubs, f.sched, f.oracle, f.ledger)
	h.nowFn = func() time.Time { return apiNow }
	h.SetAds(f.ads)
	h.SetABTesting(f.abtests, f.abstore)
	h.SetOptimization(f.actions, f.actstore)
	h.SetControl(f.control)

	health := NewHealthChecker(nil, nil, nil, "")
	f.handler = SetupRoutes(h, health, config.ServerConfig{CORSOrigins: []string{"*"}})
	return f
}

// do runs one request through the full router and returns the recorder.
func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals a recorded JSON body.
func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// rawRequest builds a request from a raw body, bypassing JSON marshaling.
func rawRequest(method, path, body string) (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req, httptest.NewRecorder()
}

func seedLog(f *apiFixture, id, postID string, status domain.PublishStatus, meta map[string]interface{}) *domain.PublishLog {
	account := "acct-1"
	slot := apiNow.Add(2 * time.Hour)
	log := &domain.PublishLog{
		ID:              id,
		ClipID:          "clip-1",
		Platform:        domain.PlatformTikTok,
		SocialAccountID: &account,
		Status:          status,
		ScheduledFor:    &slot,
		RequestedAt:     apiNow,
		MaxRetries:      3,
		ScheduledBy:     domain.ScheduledAuto,
		ExtraMetadata:   meta,
	}
	f.pubs.logs[id] = log
	if postID != "" {
		f.pubs.byPostID[postID] = log
		log.ExternalPostID = &postID
	}
	return log
}
