package worker

import (
	"fmt"
	"math"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

// Guard names, in evaluation order. The first failing guard aborts with its
// reason; refusals are counted per guard.
const (
	GuardEmbargo      = "embargo"
	GuardMinData      = "min_data"
	GuardConfidence   = "confidence"
	GuardChangeCap    = "change_cap"
	GuardCooldown     = "cooldown"
	GuardOpenAction   = "open_action"
	GuardCampaignCap  = "campaign_cap"
	GuardRunCap       = "run_cap"
	GuardSystemHealth = "system_health"
	GuardBackpressure = "backpressure"
)

// GuardError reports which guard refused an action and why.
type GuardError struct {
	Guard  string
	Reason string
}

func (e *GuardError) Error() string {
	return "guard " + e.Guard + " refused: " + e.Reason
}

// guardMode selects how strict the stack is. Suggesting an action for human
// review uses the base thresholds; unattended execution raises confidence,
// halves the change cap, and forbids reallocations outright.
type guardMode int

const (
	guardSuggest guardMode = iota
	guardAuto
)

// guardInputs is everything the guard stack reads, gathered up front so the
// evaluation itself is pure. The action snapshot persists these values:
// re-running the stack on a stored snapshot reproduces the decision.
type guardInputs struct {
	ActionType     domain.ActionType
	AmountPct      float64
	CampaignAge    time.Duration
	SpendCents     int64
	Impressions    int64
	Confidence     float64
	LastExecuted   *time.Time
	OpenAction     bool
	CampaignCount  int // actions on this campaign in the trailing day, this run included
	RunCount       int // actions already emitted this run
	EmergencyStop  bool
	SystemCritical bool
	Now            time.Time
}

// evaluateGuards runs the stack in order and returns the first refusal, or
// nil when every guard passes.
//
// The change cap binds only in auto mode: an operator approving a suggestion
// is the override for outsized moves, and pauses skip the cap entirely since
// stopping spend is the safe direction.
func evaluateGuards(in guardInputs, g config.GuardConfig, mode guardMode) *GuardError {
	if in.CampaignAge < g.Embargo() {
		return &GuardError{GuardEmbargo, fmt.Sprintf(
			"campaign age %s under embargo %s", in.CampaignAge.Round(time.Hour), g.Embargo())}
	}

	if spendUSD := float64(in.SpendCents) / 100; spendUSD < g.MinSpendUSD {
		return &GuardError{GuardMinData, fmt.Sprintf(
			"spend $%.2f under minimum $%.2f", spendUSD, g.MinSpendUSD)}
	}
	if in.Impressions < g.MinImpressions {
		return &GuardError{GuardMinData, fmt.Sprintf(
			"%d impressions under minimum %d", in.Impressions, g.MinImpressions)}
	}

	minConf := g.MinConfidence
	if mode == guardAuto {
		minConf = g.AutoConfidence
	}
	if in.Confidence < minConf {
		return &GuardError{GuardConfidence, fmt.Sprintf(
			"confidence %.2f under %.2f", in.Confidence, minConf)}
	}

	if mode == guardAuto {
		if in.ActionType == domain.ActionReallocate {
			return &GuardError{GuardChangeCap, "reallocations require operator approval"}
		}
		if in.ActionType != domain.ActionPause {
			limit := g.AutoChangePct
			if g.MaxDailyChangePct < limit {
				limit = g.MaxDailyChangePct
			}
			if math.Abs(in.AmountPct) > limit {
				return &GuardError{GuardChangeCap, fmt.Sprintf(
					"change %+.2f exceeds auto cap %.2f", in.AmountPct, limit)}
			}
		}
	}

	if in.LastExecuted != nil {
		if since := in.Now.Sub(*in.LastExecuted); since < g.Cooldown() {
			return &GuardError{GuardCooldown, fmt.Sprintf(
				"target executed %s ago, cooldown %s", since.Round(time.Minute), g.Cooldown())}
		}
	}

	if in.OpenAction {
		return &GuardError{GuardOpenAction, "target already has an open action"}
	}

	if in.CampaignCount >= g.MaxPerCampaign {
		return &GuardError{GuardCampaignCap, fmt.Sprintf(
			"campaign reached %d-action cap", g.MaxPerCampaign)}
	}
	if in.RunCount >= g.MaxPerRun {
		return &GuardError{GuardRunCap, fmt.Sprintf(
			"run reached %d-action cap", g.MaxPerRun)}
	}

	if in.EmergencyStop {
		return &GuardError{GuardSystemHealth, "emergency stop engaged"}
	}
	if in.SystemCritical {
		return &GuardError{GuardSystemHealth, "system health critical"}
	}
	return nil
}

// guardSnapshot flattens the inputs and the thresholds they were judged
// against into the map persisted on the action. Audits re-run the stack on
// these values to verify an executed action held at decision time.
func guardSnapshot(in guardInputs, g config.GuardConfig) map[string]interface{} {
	snap := map[string]interface{}{
		"campaign_age_hours":   in.CampaignAge.Hours(),
		"spend_cents":          in.SpendCents,
		"impressions":          in.Impressions,
		"confidence":           in.Confidence,
		"amount_pct":           in.AmountPct,
		"open_action":          in.OpenAction,
		"campaign_actions_24h": in.CampaignCount,
		"run_actions":          in.RunCount,
		"emergency_stop":       in.EmergencyStop,
		"system_critical":      in.SystemCritical,
		"evaluated_at":         in.Now.UTC().Format(time.RFC3339),
		"thresholds": map[string]interface{}{
			"embargo_hours":        g.EmbargoHours,
			"min_spend_usd":        g.MinSpendUSD,
			"min_impressions":      g.MinImpressions,
			"min_confidence":       g.MinConfidence,
			"auto_confidence":      g.AutoConfidence,
			"max_daily_change_pct": g.MaxDailyChangePct,
			"auto_change_pct":      g.AutoChangePct,
			"cooldown_hours":       g.CooldownHours,
			"max_per_campaign":     g.MaxPerCampaign,
			"max_per_run":          g.MaxPerRun,
		},
	}
	if in.LastExecuted != nil {
		snap["last_executed_at"] = in.LastExecuted.UTC().Format(time.RFC3339)
	}
	return snap
}

// confidencePrior is the impression count at which data confidence reaches
// one half. Volume over volume-plus-prior saturates toward 1: 2k impressions
// score 0.50, 12k about 0.86.
const confidencePrior = 2000

func dataConfidence(impressions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(impressions) / float64(impressions+confidencePrior)
}

// scaleUpStep maps a ROAS at or above the scale-up floor to its budget step.
func scaleUpStep(roas float64) float64 {
	switch {
	case roas >= 5:
		return 1.00
	case roas >= 4:
		return 0.75
	case roas >= 3.5:
		return 0.50
	case roas >= 3:
		return 0.25
	default:
		return 0.10
	}
}

// scaledBudget applies a percentage change to a budget in cents, never going
// negative.
func scaledBudget(current int64, pct float64) int64 {
	next := int64(math.Round(float64(current) * (1 + pct)))
	if next < 0 {
		return 0
	}
	return next
}
