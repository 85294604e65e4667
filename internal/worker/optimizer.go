package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
	"github.com/clipcast/autopilot/internal/provider"
)

// ErrActionNotPending is returned by Execute when the action has not been
// approved, or was already picked up by another executor.
var ErrActionNotPending = errors.New("action not pending")

// AdsStore is the slice of the ads repository the optimizer reads and, on
// execution, mirrors provider changes back into.
type AdsStore interface {
	ListActiveCampaigns(ctx context.Context) ([]*domain.AdsCampaign, error)
	GetCampaign(ctx context.Context, id string) (*domain.AdsCampaign, error)
	SetCampaignStatus(ctx context.Context, id string, status domain.AdsEntityStatus) error
	AdSetsByCampaign(ctx context.Context, campaignID string) ([]*domain.AdSet, error)
	GetAdSet(ctx context.Context, id string) (*domain.AdSet, error)
	UpdateAdSetBudget(ctx context.Context, id string, budgetCents int64) error
	AdsByCampaign(ctx context.Context, campaignID string) ([]*domain.Ad, error)
	GetAd(ctx context.Context, id string) (*domain.Ad, error)
	SetAdStatus(ctx context.Context, id string, status domain.AdsEntityStatus) error
	AggregateInsights(ctx context.Context, adIDs []string, since time.Time) (map[string]domain.AdInsight, error)
}

// ActionStore persists optimization actions and answers the guard lookups.
type ActionStore interface {
	Get(ctx context.Context, id string) (*domain.OptimizationAction, error)
	Create(ctx context.Context, a *domain.OptimizationAction) (string, error)
	Transition(ctx context.Context, id string, from, to domain.ActionStatus) error
	SetExecutionResult(ctx context.Context, id string, result map[string]interface{}) error
	ExpireStale(ctx context.Context, now time.Time) ([]string, error)
	CountSince(ctx context.Context, adsCampaignID string, since time.Time) (int, error)
	LastExecutedAt(ctx context.Context, targetLevel, targetID string) (*time.Time, error)
	HasOpenAction(ctx context.Context, targetLevel, targetID string) (bool, error)
}

// SaturationMonitor reports publish-queue backpressure. The optimizer skips
// scale_up candidates while the queue is saturated.
type SaturationMonitor interface {
	Saturated() bool
}

// TickStats summarizes one optimizer pass.
type TickStats struct {
	Campaigns int
	Suggested int
	Executed  int
	Expired   int
	Refused   int
}

// runState carries the per-tick counters the run and campaign caps read.
type runState struct {
	now         time.Time
	emitted     int
	perCampaign map[string]int
}

// candidate is one classified action before the guard stack has judged it.
type candidate struct {
	action      *domain.OptimizationAction
	insight     domain.AdInsight
	campaignAge time.Duration
}

// Optimizer is the ROAS loop: classify ad performance over a lookback
// window, run candidates through the guard stack, persist survivors as
// suggestions, and in auto mode execute the ones that clear the stricter
// unattended thresholds.
type Optimizer struct {
	cfg        config.OptimizerConfig
	ads        AdsStore
	actions    ActionStore
	accounts   AccountStore
	identities IdentityRouter
	providers  ProviderResolver
	flags      FlagStore
	pressure   SaturationMonitor
	events     ledger.Recorder
	beats      HeartbeatStore

	nowFn func() time.Time

	suggested int64
	executed  int64
	failed    int64
	expired   int64
}

// NewOptimizer wires the loop. pressure may be nil when no backpressure
// monitor runs in this process.
func NewOptimizer(
	cfg config.OptimizerConfig,
	ads AdsStore,
	actions ActionStore,
	accounts AccountStore,
	identities IdentityRouter,
	providers ProviderResolver,
	flags FlagStore,
	pressure SaturationMonitor,
	events ledger.Recorder,
	beats HeartbeatStore,
) *Optimizer {
	return &Optimizer{
		cfg:        cfg,
		ads:        ads,
		actions:    actions,
		accounts:   accounts,
		identities: identities,
		providers:  providers,
		flags:      flags,
		pressure:   pressure,
		events:     events,
		beats:      beats,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	logger.Info("optimizer starting",
		"interval", o.cfg.Interval().String(), "mode", o.cfg.Mode,
		"lookback_days", o.cfg.LookbackDays)
	runLoop(ctx, o.cfg.Interval(), func(c context.Context) { o.Tick(c) })
}

// Tick expires stale suggestions, then walks every active campaign and
// proposes actions. Exported so run-once invocations share the loop body.
func (o *Optimizer) Tick(ctx context.Context) TickStats {
	defer o.heartbeat(ctx)

	var stats TickStats
	now := o.nowFn()

	// TTL expiry first, so a dead suggestion never blocks a fresh one
	// through the open-action guard.
	expired, err := o.actions.ExpireStale(ctx, now)
	if err != nil {
		logger.Error("expire stale actions failed", "error", err.Error())
	}
	for _, id := range expired {
		o.events.Log(ctx, domain.EventActionExpired, domain.EntityAction, id,
			domain.SeverityInfo, map[string]interface{}{
				"expired_at": now.Format(time.RFC3339),
			})
	}
	stats.Expired = len(expired)
	atomic.AddInt64(&o.expired, int64(len(expired)))

	if stop, critical := o.systemFlags(ctx); stop || critical {
		observability.GuardRefusals.WithLabelValues(GuardSystemHealth).Inc()
		logger.Warn("optimizer idle: system health guard",
			"emergency_stop", stop, "system_critical", critical)
		return stats
	}

	campaigns, err := o.ads.ListActiveCampaigns(ctx)
	if err != nil {
		logger.Error("list active campaigns failed", "error", err.Error())
		return stats
	}
	stats.Campaigns = len(campaigns)

	run := &runState{now: now, perCampaign: map[string]int{}}
	for _, c := range campaigns {
		if ctx.Err() != nil {
			break
		}
		if run.emitted >= o.cfg.Guards.MaxPerRun {
			logger.Warn("optimizer run cap reached", "cap", o.cfg.Guards.MaxPerRun)
			break
		}
		o.optimizeCampaign(ctx, c, run, &stats)
	}

	if stats.Suggested > 0 || stats.Refused > 0 {
		logger.Info("optimizer tick done",
			"campaigns", stats.Campaigns, "suggested", stats.Suggested,
			"executed", stats.Executed, "refused", stats.Refused, "expired", stats.Expired)
	}
	return stats
}

// systemFlags reads the operator flags the health guard consults. A read
// error counts as a stop: a blind optimizer must not mutate budgets.
func (o *Optimizer) systemFlags(ctx context.Context) (stop, critical bool) {
	if _, set, err := o.flags.GetFlag(ctx, domain.FlagEmergencyStop); err != nil {
		logger.Error("emergency stop check failed", "error", err.Error())
		return true, false
	} else if set {
		return true, false
	}
	if _, set, err := o.flags.GetFlag(ctx, domain.FlagSystemCritical); err != nil {
		logger.Error("system critical check failed", "error", err.Error())
		return true, false
	} else if set {
		return false, true
	}
	return false, false
}

func (o *Optimizer) saturated() bool {
	return o.pressure != nil && o.pressure.Saturated()
}

func (o *Optimizer) optimizeCampaign(ctx context.Context, c *domain.AdsCampaign, run *runState, stats *TickStats) {
	age := run.now.Sub(c.CreatedAt)
	if age < o.cfg.Guards.Embargo() {
		observability.GuardRefusals.WithLabelValues(GuardEmbargo).Inc()
		logger.Debug("campaign under embargo",
			"campaign_id", c.ID, "age", age.Round(time.Hour).String())
		return
	}

	ads, err := o.ads.AdsByCampaign(ctx, c.ID)
	if err != nil {
		logger.Error("load ads failed", "campaign_id", c.ID, "error", err.Error())
		return
	}
	if len(ads) == 0 {
		return
	}
	adsets, err := o.adsetIndex(ctx, c.ID)
	if err != nil {
		logger.Error("load adsets failed", "campaign_id", c.ID, "error", err.Error())
		return
	}

	adIDs := make([]string, 0, len(ads))
	for _, ad := range ads {
		adIDs = append(adIDs, ad.ID)
	}
	since := run.now.AddDate(0, 0, -o.cfg.LookbackDays)
	insights, err := o.ads.AggregateInsights(ctx, adIDs, since)
	if err != nil {
		logger.Error("aggregate insights failed", "campaign_id", c.ID, "error", err.Error())
		return
	}

	for _, ad := range ads {
		if ad.Status != domain.AdsEntityActive {
			continue
		}
		in, ok := insights[ad.ID]
		if !ok {
			// No rows in the lookback window. The min-data guard would
			// refuse anyway; skip the lookups.
			continue
		}
		if cand := o.classify(c, ad, in, age); cand != nil {
			o.propose(ctx, cand, run, stats)
		}
	}

	if cand := o.reallocationCandidate(c, ads, adsets, insights, age); cand != nil {
		o.propose(ctx, cand, run, stats)
	}
}

// classify maps one ad's aggregated lookback performance to a candidate, or
// nil when the numbers sit in the dead band between thresholds.
//
// Budget moves target the adset: that is where the budget lives. Pauses
// target the ad itself.
func (o *Optimizer) classify(c *domain.AdsCampaign, ad *domain.Ad, in domain.AdInsight, age time.Duration) *candidate {
	th := o.cfg.Thresholds
	roas := in.ROAS()
	conf := dataConfidence(in.Impressions)

	a := &domain.OptimizationAction{
		AdsCampaignID: c.ID,
		ROASValue:     roas,
		Confidence:    conf,
	}

	switch {
	case roas < th.PauseBelow:
		a.ActionType = domain.ActionPause
		a.TargetLevel = domain.TargetAd
		a.TargetID = ad.ID
		a.ReasonCode = "roas_below_pause_threshold"
	case roas <= th.ScaleDownMax:
		a.ActionType = domain.ActionScaleDown
		a.TargetLevel = domain.TargetAdSet
		a.TargetID = ad.AdSetID
		a.AmountPct = -th.ScaleDownStepPct
		a.ReasonCode = "roas_under_scale_down_max"
	case roas >= th.ScaleUpMin && conf >= o.cfg.Guards.MinConfidence:
		if o.saturated() {
			observability.GuardRefusals.WithLabelValues(GuardBackpressure).Inc()
			logger.Debug("scale up skipped, queue saturated", "ad_id", ad.ID)
			return nil
		}
		a.ActionType = domain.ActionScaleUp
		a.TargetLevel = domain.TargetAdSet
		a.TargetID = ad.AdSetID
		a.AmountPct = scaleUpStep(roas)
		a.ReasonCode = "roas_band_scale_up"
	default:
		return nil
	}
	return &candidate{action: a, insight: in, campaignAge: age}
}

// reallocationCandidate proposes rebalancing adset budgets toward the
// stronger performers once the campaign's ads have drifted far enough apart.
// New budgets are proportional to ROAS times confidence and preserve the
// campaign total. Reallocations always wait for operator approval.
func (o *Optimizer) reallocationCandidate(c *domain.AdsCampaign, ads []*domain.Ad, adsets map[string]*domain.AdSet, insights map[string]domain.AdInsight, age time.Duration) *candidate {
	th := o.cfg.Thresholds
	if len(ads) < th.ReallocateMinAds {
		return nil
	}

	var (
		agg     domain.AdInsight
		weights = map[string]float64{}
		minR    = math.Inf(1)
		maxR    = math.Inf(-1)
		scored  int
	)
	for _, ad := range ads {
		in, ok := insights[ad.ID]
		if !ok {
			continue
		}
		scored++
		roas := in.ROAS()
		if roas < minR {
			minR = roas
		}
		if roas > maxR {
			maxR = roas
		}
		weights[ad.AdSetID] += roas * dataConfidence(in.Impressions)
		agg.SpendCents += in.SpendCents
		agg.Impressions += in.Impressions
		agg.Clicks += in.Clicks
		agg.Conversions += in.Conversions
		agg.RevenueCents += in.RevenueCents
	}
	if scored < th.ReallocateMinAds || len(weights) < 2 {
		return nil
	}
	// Spread test. A zero floor with any positive ceiling counts as
	// infinite spread.
	if minR <= 0 {
		if maxR <= 0 {
			return nil
		}
	} else if maxR/minR <= th.ReallocateSpread {
		return nil
	}

	var total int64
	ids := make([]string, 0, len(weights))
	for id := range weights {
		s, ok := adsets[id]
		if !ok {
			// Mirror is missing an adset the ads reference. Planning over
			// a partial total would shrink the campaign; skip.
			return nil
		}
		total += s.DailyBudgetCents
		ids = append(ids, id)
	}
	if total <= 0 {
		return nil
	}
	var wsum float64
	for _, w := range weights {
		wsum += w
	}
	if wsum <= 0 {
		return nil
	}

	sort.Strings(ids)
	largest := ids[0]
	plan := make(map[string]int64, len(ids))
	var allocated int64
	for _, id := range ids {
		if weights[id] > weights[largest] {
			largest = id
		}
		share := int64(float64(total) * weights[id] / wsum)
		plan[id] = share
		allocated += share
	}
	// Integer remainder lands on the strongest adset.
	plan[largest] += total - allocated

	return &candidate{
		action: &domain.OptimizationAction{
			TargetLevel:      domain.TargetCampaign,
			TargetID:         c.ID,
			AdsCampaignID:    c.ID,
			ActionType:       domain.ActionReallocate,
			ReasonCode:       "roas_spread_reallocate",
			ROASValue:        maxR,
			Confidence:       dataConfidence(agg.Impressions),
			ReallocationPlan: plan,
		},
		insight:     agg,
		campaignAge: age,
	}
}

// propose runs the guard stack over a candidate and persists survivors as
// suggested. In auto mode, actions that also clear the stricter unattended
// thresholds execute immediately; the rest stay suggested for review.
func (o *Optimizer) propose(ctx context.Context, cand *candidate, run *runState, stats *TickStats) {
	a := cand.action
	in, err := o.gatherInputs(ctx, cand, run)
	if err != nil {
		logger.Error("guard input lookup failed", "target_id", a.TargetID, "error", err.Error())
		return
	}

	if gerr := evaluateGuards(in, o.cfg.Guards, guardSuggest); gerr != nil {
		stats.Refused++
		observability.GuardRefusals.WithLabelValues(gerr.Guard).Inc()
		o.events.Log(ctx, domain.EventGuardRefusal, domain.EntityAction, a.TargetID,
			domain.SeverityInfo, map[string]interface{}{
				"guard":        gerr.Guard,
				"reason":       gerr.Reason,
				"action_type":  string(a.ActionType),
				"target_level": string(a.TargetLevel),
				"campaign_id":  a.AdsCampaignID,
			})
		logger.Debug("action refused",
			"guard", gerr.Guard, "reason", gerr.Reason, "target_id", a.TargetID)
		return
	}

	a.ID = uuid.New().String()
	a.Status = domain.ActionSuggested
	a.ExpiresAt = run.now.Add(o.cfg.ActionTTL())
	a.Snapshot = guardSnapshot(in, o.cfg.Guards)
	a.Snapshot["roas"] = a.ROASValue
	a.Snapshot["reason_code"] = a.ReasonCode

	evID := o.events.Log(ctx, domain.EventActionSuggested, domain.EntityAction, a.ID,
		domain.SeverityInfo, map[string]interface{}{
			"action_type":  string(a.ActionType),
			"target_level": string(a.TargetLevel),
			"target_id":    a.TargetID,
			"campaign_id":  a.AdsCampaignID,
			"amount_pct":   a.AmountPct,
			"roas":         a.ROASValue,
			"confidence":   a.Confidence,
			"reason_code":  a.ReasonCode,
		})
	if evID != "" {
		a.LedgerEventID = &evID
	}

	if _, err := o.actions.Create(ctx, a); err != nil {
		logger.Error("create action failed", "target_id", a.TargetID, "error", err.Error())
		return
	}
	run.emitted++
	run.perCampaign[a.AdsCampaignID]++
	stats.Suggested++
	atomic.AddInt64(&o.suggested, 1)
	observability.OptimizerActions.WithLabelValues(string(a.ActionType), "suggested").Inc()
	logger.Info("action suggested",
		"action_id", a.ID, "action_type", string(a.ActionType),
		"target_id", a.TargetID, "amount_pct", a.AmountPct,
		"roas", a.ROASValue, "confidence", a.Confidence)

	if !o.cfg.AutoExecute() {
		return
	}
	if gerr := evaluateGuards(in, o.cfg.Guards, guardAuto); gerr != nil {
		// Stays suggested for human review. Auto mode only narrows what
		// runs unattended, it never discards.
		logger.Info("action held for approval",
			"action_id", a.ID, "guard", gerr.Guard, "reason", gerr.Reason)
		return
	}
	if _, err := o.Approve(ctx, a.ID, "auto"); err != nil {
		logger.Error("auto execution failed", "action_id", a.ID, "error", err.Error())
		return
	}
	stats.Executed++
}

// gatherInputs resolves the store-backed guard inputs for one candidate.
func (o *Optimizer) gatherInputs(ctx context.Context, cand *candidate, run *runState) (guardInputs, error) {
	a := cand.action
	last, err := o.actions.LastExecutedAt(ctx, string(a.TargetLevel), a.TargetID)
	if err != nil {
		return guardInputs{}, fmt.Errorf("cooldown lookup: %w", err)
	}
	open, err := o.actions.HasOpenAction(ctx, string(a.TargetLevel), a.TargetID)
	if err != nil {
		return guardInputs{}, fmt.Errorf("open action lookup: %w", err)
	}
	prior, err := o.actions.CountSince(ctx, a.AdsCampaignID, run.now.Add(-24*time.Hour))
	if err != nil {
		return guardInputs{}, fmt.Errorf("campaign cap lookup: %w", err)
	}
	return guardInputs{
		ActionType:    a.ActionType,
		AmountPct:     a.AmountPct,
		CampaignAge:   cand.campaignAge,
		SpendCents:    cand.insight.SpendCents,
		Impressions:   cand.insight.Impressions,
		Confidence:    a.Confidence,
		LastExecuted:  last,
		OpenAction:    open,
		CampaignCount: prior + run.perCampaign[a.AdsCampaignID],
		RunCount:      run.emitted,
		Now:           run.now,
	}, nil
}

// Approve moves a suggested action to pending and executes it. approvedBy
// lands on the ledger event: "auto" for unattended mode, otherwise the
// operator handle the API passed through.
func (o *Optimizer) Approve(ctx context.Context, id, approvedBy string) (*domain.OptimizationAction, error) {
	if err := o.actions.Transition(ctx, id, domain.ActionSuggested, domain.ActionPending); err != nil {
		return nil, err
	}
	o.events.Log(ctx, domain.EventActionApproved, domain.EntityAction, id,
		domain.SeverityInfo, map[string]interface{}{"approved_by": approvedBy})
	return o.Execute(ctx, id)
}

// Cancel withdraws a non-terminal action.
func (o *Optimizer) Cancel(ctx context.Context, id, reason string) error {
	a, err := o.actions.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.actions.Transition(ctx, id, a.Status, domain.ActionCancelled); err != nil {
		return err
	}
	o.events.Log(ctx, domain.EventActionCancelled, domain.EntityAction, id,
		domain.SeverityInfo, map[string]interface{}{"reason": reason})
	observability.OptimizerActions.WithLabelValues(string(a.ActionType), "cancelled").Inc()
	logger.Info("action cancelled", "action_id", id, "reason", reason)
	return nil
}

// Execute runs one pending action against the provider and mirrors the
// change locally. Only the system health guard is re-read here; every other
// guard was judged at suggestion time and its inputs live in the snapshot.
func (o *Optimizer) Execute(ctx context.Context, id string) (*domain.OptimizationAction, error) {
	a, err := o.actions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.ActionPending {
		return nil, fmt.Errorf("action %s is %s: %w", id, a.Status, ErrActionNotPending)
	}

	if stop, critical := o.systemFlags(ctx); stop || critical {
		observability.GuardRefusals.WithLabelValues(GuardSystemHealth).Inc()
		o.events.Log(ctx, domain.EventGuardRefusal, domain.EntityAction, id,
			domain.SeverityInfo, map[string]interface{}{
				"guard":           GuardSystemHealth,
				"reason":          "execution blocked",
				"emergency_stop":  stop,
				"system_critical": critical,
			})
		return nil, &GuardError{GuardSystemHealth, "execution blocked"}
	}

	if err := o.actions.Transition(ctx, id, domain.ActionPending, domain.ActionExecuting); err != nil {
		return nil, err
	}

	result, execErr := o.apply(ctx, a)
	if execErr != nil {
		res := map[string]interface{}{"error": execErr.Error()}
		if err := o.actions.SetExecutionResult(ctx, id, res); err != nil {
			logger.Error("record execution error failed", "action_id", id, "error", err.Error())
		}
		if err := o.actions.Transition(ctx, id, domain.ActionExecuting, domain.ActionFailed); err != nil {
			logger.Error("mark action failed errored", "action_id", id, "error", err.Error())
		}
		atomic.AddInt64(&o.failed, 1)
		observability.OptimizerActions.WithLabelValues(string(a.ActionType), "failed").Inc()
		o.events.Log(ctx, domain.EventActionFailed, domain.EntityAction, id,
			domain.SeverityError, map[string]interface{}{
				"action_type": string(a.ActionType),
				"target_id":   a.TargetID,
				"error":       execErr.Error(),
			})
		logger.Error("action execution failed",
			"action_id", id, "action_type", string(a.ActionType), "error", execErr.Error())
		return nil, execErr
	}

	if err := o.actions.SetExecutionResult(ctx, id, result); err != nil {
		logger.Error("record execution result failed", "action_id", id, "error", err.Error())
	}
	if err := o.actions.Transition(ctx, id, domain.ActionExecuting, domain.ActionExecuted); err != nil {
		return nil, err
	}
	atomic.AddInt64(&o.executed, 1)
	observability.OptimizerActions.WithLabelValues(string(a.ActionType), "executed").Inc()

	payload := map[string]interface{}{
		"action_type":  string(a.ActionType),
		"target_level": string(a.TargetLevel),
		"target_id":    a.TargetID,
		"amount_pct":   a.AmountPct,
	}
	for k, v := range result {
		payload[k] = v
	}
	o.events.Log(ctx, domain.EventActionExecuted, domain.EntityAction, id,
		domain.SeverityInfo, payload)
	logger.Info("action executed",
		"action_id", id, "action_type", string(a.ActionType), "target_id", a.TargetID)
	return o.actions.Get(ctx, id)
}

// apply translates one action into provider calls plus mirror updates. The
// percentage is authoritative; absolute budgets are derived here against the
// mirror's current figure.
func (o *Optimizer) apply(ctx context.Context, a *domain.OptimizationAction) (map[string]interface{}, error) {
	campaign, err := o.ads.GetCampaign(ctx, a.AdsCampaignID)
	if err != nil {
		return nil, fmt.Errorf("resolve campaign: %w", err)
	}
	prov, err := o.providerFor(ctx, campaign)
	if err != nil {
		return nil, err
	}

	switch a.ActionType {
	case domain.ActionScaleUp, domain.ActionScaleDown:
		return o.applyBudgetChange(ctx, prov, a)
	case domain.ActionPause:
		return o.applyStatusChange(ctx, prov, a, domain.AdsEntityPaused)
	case domain.ActionResume:
		return o.applyStatusChange(ctx, prov, a, domain.AdsEntityActive)
	case domain.ActionReallocate:
		return o.applyReallocation(ctx, prov, a)
	default:
		return nil, fmt.Errorf("unsupported action type %q", a.ActionType)
	}
}

// providerFor resolves the platform adapter through the campaign's account
// identity. Every optimizer mutation presents the optimizer component to the
// identity router.
func (o *Optimizer) providerFor(ctx context.Context, c *domain.AdsCampaign) (provider.Provider, error) {
	if c.AccountID == "" {
		return nil, fmt.Errorf("campaign %s has no account binding", c.ID)
	}
	account, err := o.accounts.Get(ctx, c.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	routed, err := o.identities.Resolve(ctx, account.ID, domain.ComponentOptimizer)
	if err != nil {
		return nil, err
	}
	return o.providers.For(account, routed)
}

func (o *Optimizer) applyBudgetChange(ctx context.Context, prov provider.Provider, a *domain.OptimizationAction) (map[string]interface{}, error) {
	if a.TargetLevel != domain.TargetAdSet {
		return nil, fmt.Errorf("budget change targets an adset, got %s", a.TargetLevel)
	}
	adset, err := o.ads.GetAdSet(ctx, a.TargetID)
	if err != nil {
		return nil, fmt.Errorf("resolve adset: %w", err)
	}
	oldBudget := adset.DailyBudgetCents
	newBudget := scaledBudget(oldBudget, a.AmountPct)

	if err := prov.UpdateBudget(ctx, adset.ExternalID, newBudget); err != nil {
		return nil, err
	}
	if err := o.ads.UpdateAdSetBudget(ctx, adset.ID, newBudget); err != nil {
		return nil, fmt.Errorf("mirror budget: %w", err)
	}
	return map[string]interface{}{
		"external_id":      adset.ExternalID,
		"old_budget_cents": oldBudget,
		"new_budget_cents": newBudget,
	}, nil
}

func (o *Optimizer) applyStatusChange(ctx context.Context, prov provider.Provider, a *domain.OptimizationAction, to domain.AdsEntityStatus) (map[string]interface{}, error) {
	var (
		externalID string
		mirror     func(context.Context) error
	)
	switch a.TargetLevel {
	case domain.TargetAd:
		ad, err := o.ads.GetAd(ctx, a.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve ad: %w", err)
		}
		externalID = ad.ExternalID
		mirror = func(c context.Context) error { return o.ads.SetAdStatus(c, ad.ID, to) }
	case domain.TargetCampaign:
		campaign, err := o.ads.GetCampaign(ctx, a.TargetID)
		if err != nil {
			return nil, fmt.Errorf("resolve campaign: %w", err)
		}
		externalID = campaign.ExternalID
		mirror = func(c context.Context) error { return o.ads.SetCampaignStatus(c, campaign.ID, to) }
	default:
		return nil, fmt.Errorf("cannot %s a %s", a.ActionType, a.TargetLevel)
	}

	call := prov.PauseEntity
	if to == domain.AdsEntityActive {
		call = prov.ResumeEntity
	}
	if err := call(ctx, externalID); err != nil {
		return nil, err
	}
	if err := mirror(ctx); err != nil {
		return nil, fmt.Errorf("mirror status: %w", err)
	}
	return map[string]interface{}{
		"external_id": externalID,
		"status":      string(to),
	}, nil
}

// applyReallocation pushes the stored plan adset by adset in deterministic
// order. A mid-plan provider failure leaves earlier adsets already moved;
// the failed action's result records how far it got.
func (o *Optimizer) applyReallocation(ctx context.Context, prov provider.Provider, a *domain.OptimizationAction) (map[string]interface{}, error) {
	if len(a.ReallocationPlan) == 0 {
		return nil, fmt.Errorf("reallocation action %s has no plan", a.ID)
	}
	ids := make([]string, 0, len(a.ReallocationPlan))
	for id := range a.ReallocationPlan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	applied := make(map[string]interface{}, len(ids))
	for _, adsetID := range ids {
		adset, err := o.ads.GetAdSet(ctx, adsetID)
		if err != nil {
			return nil, fmt.Errorf("resolve adset %s after %d of %d applied: %w",
				adsetID, len(applied), len(ids), err)
		}
		newBudget := a.ReallocationPlan[adsetID]
		if err := prov.UpdateBudget(ctx, adset.ExternalID, newBudget); err != nil {
			return nil, fmt.Errorf("update budget for adset %s after %d of %d applied: %w",
				adsetID, len(applied), len(ids), err)
		}
		if err := o.ads.UpdateAdSetBudget(ctx, adsetID, newBudget); err != nil {
			return nil, fmt.Errorf("mirror budget for adset %s: %w", adsetID, err)
		}
		applied[adsetID] = newBudget
	}
	return map[string]interface{}{
		"plan_applied": applied,
		"adsets":       len(ids),
	}, nil
}

func (o *Optimizer) adsetIndex(ctx context.Context, campaignID string) (map[string]*domain.AdSet, error) {
	sets, err := o.ads.AdSetsByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]*domain.AdSet, len(sets))
	for _, s := range sets {
		idx[s.ID] = s
	}
	return idx, nil
}

func (o *Optimizer) heartbeat(ctx context.Context) {
	beat(ctx, o.beats, ComponentOptimizer, map[string]interface{}{
		"suggested": atomic.LoadInt64(&o.suggested),
		"executed":  atomic.LoadInt64(&o.executed),
		"failed":    atomic.LoadInt64(&o.failed),
		"expired":   atomic.LoadInt64(&o.expired),
	})
}
