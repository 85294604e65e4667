// Package api is the operator-facing HTTP surface: publication CRUD, slot
// forecasts, ads provisioning, A/B tests, optimization-action review, control
// commands and the platform webhook sink. Handlers translate between HTTP and
// the service layer; no business rules live here.
package api

import (
	"context"
	"time"

	"github.com/clipcast/autopilot/internal/abtest"
	"github.com/clipcast/autopilot/internal/ads"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/scheduler"
	"github.com/clipcast/autopilot/internal/service/publication"
	"github.com/clipcast/autopilot/internal/worker"
)

// PublicationService is the publish-log surface the API fronts.
type PublicationService interface {
	Get(ctx context.Context, id string) (*domain.PublishLog, error)
	List(ctx context.Context, f publication.ListFilter) ([]domain.PublishLog, int, error)
	QueueDepths(ctx context.Context) (map[domain.PublishStatus]int, error)
	Timeline(ctx context.Context, id string, limit int) ([]domain.LedgerEvent, error)
	Cancel(ctx context.Context, id, reason string) error
	IngestWebhook(ctx context.Context, platform string, ev publication.WebhookEvent) (*domain.PublishLog, error)
	CampaignWinner(ctx context.Context, campaignID string) (*domain.PublishLog, error)
	PinCampaignWinner(ctx context.Context, campaignID, logID, reason string) error
}

// ScheduleService books publication slots.
type ScheduleService interface {
	Schedule(ctx context.Context, req scheduler.Request) (*domain.PublishLog, error)
}

// ForecastService answers slot-occupancy questions per (platform, account).
type ForecastService interface {
	Forecast(ctx context.Context, platform domain.Platform, accountID string, now time.Time) (*scheduler.Forecast, error)
	NextSlot(ctx context.Context, platform domain.Platform, accountID string, now time.Time) (time.Time, error)
}

// AdsService provisions paid campaigns.
type AdsService interface {
	Orchestrate(ctx context.Context, req ads.Request) (*ads.Result, error)
}

// ABTestService evaluates experiments and publishes winners.
type ABTestService interface {
	Evaluate(ctx context.Context, testID string) (*abtest.Outcome, error)
	PublishWinner(ctx context.Context, testID string, platform domain.Platform, accountID string) (string, error)
}

// ABTestStore persists and reads experiments.
type ABTestStore interface {
	Create(ctx context.Context, t *domain.ABTest) error
	Get(ctx context.Context, id string) (*domain.ABTest, error)
}

// ActionService drives the optimization-action review lifecycle.
type ActionService interface {
	Approve(ctx context.Context, id, approvedBy string) (*domain.OptimizationAction, error)
	Cancel(ctx context.Context, id, reason string) error
	Execute(ctx context.Context, id string) (*domain.OptimizationAction, error)
}

// ActionStore reads optimization actions.
type ActionStore interface {
	Get(ctx context.Context, id string) (*domain.OptimizationAction, error)
	ListByStatus(ctx context.Context, status domain.ActionStatus, limit int) ([]domain.OptimizationAction, error)
}

// ControlService is the master-control command surface.
type ControlService interface {
	StartAll()
	StopAll()
	Restart(ctx context.Context, name string) error
	EmergencyStop(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	RunHealthCheck(ctx context.Context) *worker.HealthReport
}

// LedgerReader queries the event ledger.
type LedgerReader interface {
	ListRecent(ctx context.Context, severity string, limit int) ([]domain.LedgerEvent, error)
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]domain.LedgerEvent, error)
}

// Handlers carries every service the HTTP layer fronts. The publication
// pipeline is mandatory; the remaining surfaces are wired with setters and
// their routes answer 503 until set.
type Handlers struct {
	pubs   PublicationService
	sched  ScheduleService
	oracle ForecastService
	events LedgerReader

	ads      AdsService
	abtests  ABTestService
	abstore  ABTestStore
	actions  ActionService
	actstore ActionStore
	control  ControlService

	nowFn func() time.Time
}

// NewHandlers wires the mandatory publication surfaces.
func NewHandlers(pubs PublicationService, sched ScheduleService, oracle ForecastService, events LedgerReader) *Handlers {
	return &Handlers{
		pubs:   pubs,
		sched:  sched,
		oracle: oracle,
		events: events,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetAds wires the ads orchestration surface.
func (h *Handlers) SetAds(svc AdsService) { h.ads = svc }

// SetABTesting wires the experiment surfaces.
func (h *Handlers) SetABTesting(svc ABTestService, store ABTestStore) {
	h.abtests = svc
	h.abstore = store
}

// SetOptimization wires the action review surfaces.
func (h *Handlers) SetOptimization(svc ActionService, store ActionStore) {
	h.actions = svc
	h.actstore = store
}

// SetControl wires the master-control command surface.
func (h *Handlers) SetControl(svc ControlService) { h.control = svc }
