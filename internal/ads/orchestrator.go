// Package ads provisions paid campaigns on the platform providers. One
// request walks the full chain campaign, ad set, creative, ad and an initial
// insights sync; every created entity is mirrored locally so a failure at any
// step leaves an auditable trail instead of unaccounted provider spend.
package ads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
	"github.com/clipcast/autopilot/internal/provider"
)

// Sentinel errors enforced at this layer regardless of provider validation.
var (
	ErrEmergencyStopped = errors.New("ads orchestration refused: emergency stop engaged")
	ErrBudgetNegative   = errors.New("daily budget must not be negative")
	ErrNameEmpty        = errors.New("campaign name must not be empty")
)

// Saga step names, in execution order. The first four double as orphan-mark
// levels in the mirror store.
const (
	StepCampaign = "campaign"
	StepAdSet    = "adset"
	StepCreative = "creative"
	StepAd       = "ad"
	StepInsights = "insights"
)

// initialInsightWindow is how far back the first insights sync reaches.
const initialInsightWindow = 24 * time.Hour

// StepError reports a provisioning run that stopped partway: which step
// failed, which steps had already succeeded, and the underlying cause.
// Entities persisted before the failure are orphan-marked, never deleted.
type StepError struct {
	Step      string
	Completed []string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ads saga failed at step %s (completed: %s): %v",
		e.Step, strings.Join(e.Completed, ","), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Store is the slice of the ads mirror repository the orchestrator needs.
type Store interface {
	GetCampaignByRequestID(ctx context.Context, requestID string) (*domain.AdsCampaign, error)
	CreateCampaign(ctx context.Context, c *domain.AdsCampaign) error
	CreateAdSet(ctx context.Context, s *domain.AdSet) error
	CreateCreative(ctx context.Context, c *domain.AdCreative) error
	GetCreative(ctx context.Context, id string) (*domain.AdCreative, error)
	CreateAd(ctx context.Context, a *domain.Ad) error
	AdSetsByCampaign(ctx context.Context, campaignID string) ([]*domain.AdSet, error)
	AdsByCampaign(ctx context.Context, campaignID string) ([]*domain.Ad, error)
	ListActiveCampaigns(ctx context.Context) ([]*domain.AdsCampaign, error)
	PauseActiveCampaigns(ctx context.Context) ([]string, error)
	MarkOrphaned(ctx context.Context, level string, ids []string) error
	UpsertInsight(ctx context.Context, in *domain.AdInsight) error
}

// ClipStore resolves the clip a creative is derived from.
type ClipStore interface {
	Get(ctx context.Context, id string) (*domain.Clip, error)
}

// AccountStore resolves the platform account campaigns run under.
type AccountStore interface {
	Get(ctx context.Context, id string) (*domain.SocialAccount, error)
}

// IdentityRouter validates the outbound identity for every provider call.
type IdentityRouter interface {
	Resolve(ctx context.Context, accountID string, component domain.ComponentType) (*domain.Identity, error)
}

// ProviderResolver hands out the platform adapter for an account.
type ProviderResolver interface {
	For(account *domain.SocialAccount, identity *domain.Identity) (provider.Provider, error)
}

// FlagStore exposes the shared operator flags.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (string, bool, error)
}

// MediaStore resolves clip media keys to provider-fetchable URLs.
type MediaStore interface {
	ResolveMediaURL(ctx context.Context, mediaKey string) (string, error)
}

// Request describes one campaign provisioning run. RequestID is the
// idempotency key: replays return the already-provisioned entities.
type Request struct {
	RequestID        string                 `json:"request_id"`
	AccountID        string                 `json:"account_id"`
	ClipID           string                 `json:"clip_id"`
	CampaignName     string                 `json:"campaign_name"`
	Objective        string                 `json:"objective"`
	DailyBudgetCents int64                  `json:"daily_budget_cents"`
	AdSetName        string                 `json:"adset_name"`
	Targeting        map[string]interface{} `json:"targeting"`
	StartTime        *time.Time             `json:"start_time"`
	EndTime          *time.Time             `json:"end_time"`
	CreativeTitle    string                 `json:"creative_title"`
	ThumbnailURL     string                 `json:"thumbnail_url"`
}

// Result is the fully provisioned entity chain.
type Result struct {
	Campaign    *domain.AdsCampaign `json:"campaign"`
	AdSet       *domain.AdSet       `json:"adset"`
	Creative    *domain.AdCreative  `json:"creative"`
	Ad          *domain.Ad          `json:"ad"`
	InsightRows int                 `json:"insight_rows"`
	Reused      bool                `json:"reused"`
}

// Orchestrator drives the provisioning saga.
type Orchestrator struct {
	store      Store
	clips      ClipStore
	accounts   AccountStore
	flags      FlagStore
	identities IdentityRouter
	providers  ProviderResolver
	media      MediaStore
	events     ledger.Recorder

	nowFn func() time.Time
}

// New creates the ads orchestrator.
func New(store Store, clips ClipStore, accounts AccountStore, flags FlagStore,
	identities IdentityRouter, providers ProviderResolver, media MediaStore,
	events ledger.Recorder) *Orchestrator {
	return &Orchestrator{
		store:      store,
		clips:      clips,
		accounts:   accounts,
		flags:      flags,
		identities: identities,
		providers:  providers,
		media:      media,
		events:     events,
		nowFn:      time.Now,
	}
}

// Orchestrate provisions the campaign chain. On failure at any step the
// already-persisted entities are marked orphan_pending_cleanup and the
// returned *StepError enumerates what succeeded.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	if _, stopped, err := o.flags.GetFlag(ctx, domain.FlagEmergencyStop); err != nil {
		return nil, fmt.Errorf("check emergency stop: %w", err)
	} else if stopped {
		return nil, ErrEmergencyStopped
	}

	if strings.TrimSpace(req.CampaignName) == "" {
		return nil, ErrNameEmpty
	}
	if req.DailyBudgetCents < 0 {
		return nil, fmt.Errorf("%w: got %d cents", ErrBudgetNegative, req.DailyBudgetCents)
	}

	if req.RequestID != "" {
		existing, err := o.store.GetCampaignByRequestID(ctx, req.RequestID)
		if err == nil {
			return o.reassemble(ctx, existing)
		}
	}

	account, err := o.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	clip, err := o.clips.Get(ctx, req.ClipID)
	if err != nil {
		return nil, fmt.Errorf("resolve clip: %w", err)
	}

	// Isolation check happens before the first provider call; a violation
	// fails this request without touching the provider.
	id, err := o.identities.Resolve(ctx, account.ID, domain.ComponentAdsAPI)
	if err != nil {
		return nil, err
	}
	prov, err := o.providers.For(account, id)
	if err != nil {
		return nil, err
	}

	run := &sagaRun{o: o, req: req}

	campaign, err := run.createCampaign(ctx, prov)
	if err != nil {
		return nil, run.fail(ctx, StepCampaign, err)
	}
	adset, err := run.createAdSet(ctx, prov, campaign)
	if err != nil {
		return nil, run.fail(ctx, StepAdSet, err)
	}
	creative, err := run.createCreative(ctx, prov, clip)
	if err != nil {
		return nil, run.fail(ctx, StepCreative, err)
	}
	ad, err := run.createAd(ctx, prov, campaign, adset, creative)
	if err != nil {
		return nil, run.fail(ctx, StepAd, err)
	}
	rows, err := run.syncInsights(ctx, prov, ad)
	if err != nil {
		return nil, run.fail(ctx, StepInsights, err)
	}

	o.events.Log(ctx, domain.EventAdsCampaignOrchestrated, domain.EntityAdsCampaign, campaign.ID,
		domain.SeverityInfo, map[string]interface{}{
			"request_id":   req.RequestID,
			"external_id":  campaign.ExternalID,
			"adset_id":     adset.ID,
			"creative_id":  creative.ID,
			"ad_id":        ad.ID,
			"insight_rows": rows,
		})
	logger.Info("ads campaign orchestrated",
		"campaign_id", campaign.ID, "ad_id", ad.ID, "request_id", req.RequestID)

	return &Result{
		Campaign:    campaign,
		AdSet:       adset,
		Creative:    creative,
		Ad:          ad,
		InsightRows: rows,
	}, nil
}

// PauseAll pauses every active campaign. The local mirror flips first so the
// optimizer stops acting on them even when the platform is unreachable; the
// provider-side pause is best effort per campaign, logged but never fatal.
// Master control calls this on emergency stop.
func (o *Orchestrator) PauseAll(ctx context.Context) ([]string, error) {
	active, err := o.store.ListActiveCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	ids, err := o.store.PauseActiveCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("pause campaign mirror: %w", err)
	}

	for _, c := range active {
		if err := o.pauseOnProvider(ctx, c); err != nil {
			logger.Error("provider pause failed",
				"campaign_id", c.ID, "external_id", c.ExternalID, "error", err.Error())
		}
	}
	return ids, nil
}

func (o *Orchestrator) pauseOnProvider(ctx context.Context, c *domain.AdsCampaign) error {
	if c.AccountID == "" || c.ExternalID == "" {
		return nil
	}
	account, err := o.accounts.Get(ctx, c.AccountID)
	if err != nil {
		return err
	}
	id, err := o.identities.Resolve(ctx, account.ID, domain.ComponentAdsAPI)
	if err != nil {
		return err
	}
	prov, err := o.providers.For(account, id)
	if err != nil {
		return err
	}
	return prov.PauseEntity(ctx, c.ExternalID)
}

// reassemble rebuilds the result of an earlier run for an idempotent replay.
func (o *Orchestrator) reassemble(ctx context.Context, campaign *domain.AdsCampaign) (*Result, error) {
	res := &Result{Campaign: campaign, Reused: true}

	adsets, err := o.store.AdSetsByCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("reassemble adsets: %w", err)
	}
	if len(adsets) > 0 {
		res.AdSet = adsets[0]
	}
	ads, err := o.store.AdsByCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("reassemble ads: %w", err)
	}
	if len(ads) > 0 {
		res.Ad = ads[0]
		if creative, err := o.store.GetCreative(ctx, ads[0].CreativeID); err == nil {
			res.Creative = creative
		}
	}
	return res, nil
}

// sagaRun tracks persisted entities of one provisioning pass for orphan
// marking.
type sagaRun struct {
	o   *Orchestrator
	req Request

	completed []string
	persisted []persistedEntity
}

type persistedEntity struct {
	level      string
	entityType string
	id         string
}

func (r *sagaRun) done(step string, entityType, id string) {
	r.completed = append(r.completed, step)
	if step != StepInsights {
		r.persisted = append(r.persisted, persistedEntity{level: step, entityType: entityType, id: id})
	}
	observability.SagaSteps.WithLabelValues(step, "ok").Inc()
}

func (r *sagaRun) createCampaign(ctx context.Context, prov provider.Provider) (*domain.AdsCampaign, error) {
	objective := r.req.Objective
	if objective == "" {
		objective = "VIDEO_VIEWS"
	}
	ext, err := prov.CreateCampaign(ctx, provider.CampaignSpec{
		Name:             r.req.CampaignName,
		Objective:        objective,
		DailyBudgetCents: r.req.DailyBudgetCents,
	})
	if err != nil {
		return nil, err
	}

	campaign := &domain.AdsCampaign{
		AccountID:        r.req.AccountID,
		ExternalID:       ext.ExternalID,
		Name:             r.req.CampaignName,
		Objective:        objective,
		DailyBudgetCents: r.req.DailyBudgetCents,
		RequestID:        r.req.RequestID,
	}
	if err := r.o.store.CreateCampaign(ctx, campaign); err != nil {
		return nil, err
	}
	r.done(StepCampaign, domain.EntityAdsCampaign, campaign.ID)
	return campaign, nil
}

func (r *sagaRun) createAdSet(ctx context.Context, prov provider.Provider, campaign *domain.AdsCampaign) (*domain.AdSet, error) {
	name := r.req.AdSetName
	if name == "" {
		name = r.req.CampaignName + " adset"
	}
	ext, err := prov.CreateAdSet(ctx, provider.AdSetSpec{
		CampaignExternalID: campaign.ExternalID,
		Name:               name,
		Targeting:          r.req.Targeting,
		DailyBudgetCents:   r.req.DailyBudgetCents,
		StartTime:          r.req.StartTime,
		EndTime:            r.req.EndTime,
	})
	if err != nil {
		return nil, err
	}

	adset := &domain.AdSet{
		AdsCampaignID:    campaign.ID,
		ExternalID:       ext.ExternalID,
		Name:             name,
		Targeting:        r.req.Targeting,
		DailyBudgetCents: r.req.DailyBudgetCents,
		StartTime:        r.req.StartTime,
		EndTime:          r.req.EndTime,
	}
	if err := r.o.store.CreateAdSet(ctx, adset); err != nil {
		return nil, err
	}
	r.done(StepAdSet, domain.EntityAdSet, adset.ID)
	return adset, nil
}

func (r *sagaRun) createCreative(ctx context.Context, prov provider.Provider, clip *domain.Clip) (*domain.AdCreative, error) {
	mediaURL, err := r.o.media.ResolveMediaURL(ctx, clip.MediaKey)
	if err != nil {
		return nil, err
	}
	title := r.req.CreativeTitle
	if title == "" {
		title = r.req.CampaignName
	}
	ext, err := prov.UploadCreative(ctx, provider.CreativeSpec{
		Title:        title,
		MediaURL:     mediaURL,
		ThumbnailURL: r.req.ThumbnailURL,
	})
	if err != nil {
		return nil, err
	}

	creative := &domain.AdCreative{
		ClipID:       clip.ID,
		ExternalID:   ext.ExternalID,
		Title:        title,
		MediaURL:     mediaURL,
		ThumbnailURL: r.req.ThumbnailURL,
	}
	if err := r.o.store.CreateCreative(ctx, creative); err != nil {
		return nil, err
	}
	r.done(StepCreative, domain.EntityCreative, creative.ID)
	return creative, nil
}

func (r *sagaRun) createAd(ctx context.Context, prov provider.Provider, campaign *domain.AdsCampaign, adset *domain.AdSet, creative *domain.AdCreative) (*domain.Ad, error) {
	name := campaign.Name + " ad"
	ext, err := prov.CreateAd(ctx, provider.AdSpec{
		AdSetExternalID:    adset.ExternalID,
		CreativeExternalID: creative.ExternalID,
		Name:               name,
	})
	if err != nil {
		return nil, err
	}

	ad := &domain.Ad{
		AdSetID:    adset.ID,
		CreativeID: creative.ID,
		ExternalID: ext.ExternalID,
		Name:       name,
	}
	if err := r.o.store.CreateAd(ctx, ad); err != nil {
		return nil, err
	}
	r.done(StepAd, domain.EntityAd, ad.ID)
	return ad, nil
}

// syncInsights backfills the initial metrics window. Provider rows come back
// keyed by external id and are remapped to the local mirror id.
func (r *sagaRun) syncInsights(ctx context.Context, prov provider.Provider, ad *domain.Ad) (int, error) {
	now := r.o.nowFn().UTC()
	insights, err := prov.GetInsights(ctx, []string{ad.ExternalID}, now.Add(-initialInsightWindow), now)
	if err != nil {
		return 0, err
	}

	for i := range insights {
		insights[i].AdID = ad.ID
		if err := r.o.store.UpsertInsight(ctx, &insights[i]); err != nil {
			return 0, err
		}
	}
	r.done(StepInsights, "", "")
	return len(insights), nil
}

// fail orphan-marks everything persisted so far and wraps the cause in a
// StepError. Mark failures are logged, not surfaced; the original cause wins.
func (r *sagaRun) fail(ctx context.Context, step string, cause error) error {
	observability.SagaSteps.WithLabelValues(step, "failed").Inc()

	byLevel := map[string][]string{}
	for _, p := range r.persisted {
		byLevel[p.level] = append(byLevel[p.level], p.id)
	}
	for level, ids := range byLevel {
		if err := r.o.store.MarkOrphaned(ctx, level, ids); err != nil {
			logger.Error("orphan mark failed", "level", level, "error", err.Error())
		}
	}
	for _, p := range r.persisted {
		r.o.events.Log(ctx, domain.EventAdsEntityOrphaned, p.entityType, p.id,
			domain.SeverityWarn, map[string]interface{}{
				"request_id":  r.req.RequestID,
				"failed_step": step,
			})
	}

	r.o.events.Log(ctx, domain.EventAdsSagaStepFailed, domain.EntityAdsCampaign, r.req.RequestID,
		domain.SeverityError, map[string]interface{}{
			"step":      step,
			"completed": strings.Join(r.completed, ","),
			"error":     cause.Error(),
		})
	logger.Error("ads saga step failed",
		"step", step, "request_id", r.req.RequestID, "error", cause.Error())

	return &StepError{Step: step, Completed: r.completed, Err: cause}
}
