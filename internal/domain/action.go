package domain

import "time"

// ActionType enumerates what an optimization action does to its target.
type ActionType string

const (
	ActionScaleUp    ActionType = "scale_up"
	ActionScaleDown  ActionType = "scale_down"
	ActionPause      ActionType = "pause"
	ActionResume     ActionType = "resume"
	ActionReallocate ActionType = "reallocate"
)

// TargetLevel identifies which ads entity an action mutates.
type TargetLevel string

const (
	TargetCampaign TargetLevel = "campaign"
	TargetAdSet    TargetLevel = "adset"
	TargetAd       TargetLevel = "ad"
)

// ActionStatus enumerates the optimization action lifecycle.
type ActionStatus string

const (
	ActionSuggested ActionStatus = "suggested"
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionExecuted  ActionStatus = "executed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// DefaultActionTTL is how long a suggested action stays actionable.
const DefaultActionTTL = 48 * time.Hour

// OptimizationAction is one proposed or executed mutation of an ads entity.
// AmountPct is authoritative; absolute budgets are derived at execution time
// from the locally mirrored adset budget, which every executed change keeps
// in sync with the provider.
type OptimizationAction struct {
	ID               string                 `json:"id" db:"id"`
	TargetLevel      TargetLevel            `json:"target_level" db:"target_level"`
	TargetID         string                 `json:"target_id" db:"target_id"`
	AdsCampaignID    string                 `json:"ads_campaign_id" db:"ads_campaign_id"`
	ActionType       ActionType             `json:"action_type" db:"action_type"`
	AmountPct        float64                `json:"amount_pct" db:"amount_pct"`
	AmountAbsolute   *int64                 `json:"amount_absolute" db:"amount_absolute"`
	ReasonCode       string                 `json:"reason_code" db:"reason_code"`
	ROASValue        float64                `json:"roas_value" db:"roas_value"`
	Confidence       float64                `json:"confidence" db:"confidence"`
	Status           ActionStatus           `json:"status" db:"status"`
	ReallocationPlan map[string]int64       `json:"reallocation_plan" db:"reallocation_plan"`
	Snapshot         map[string]interface{} `json:"snapshot" db:"snapshot"`
	ExecutionResult  map[string]interface{} `json:"execution_result" db:"execution_result"`
	LedgerEventID    *string                `json:"ledger_event_id" db:"ledger_event_id"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	ApprovedAt       *time.Time             `json:"approved_at" db:"approved_at"`
	ExecutedAt       *time.Time             `json:"executed_at" db:"executed_at"`
	ExpiresAt        time.Time              `json:"expires_at" db:"expires_at"`
}

// IsTerminal returns true once the action can no longer change state.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionExecuted || s == ActionFailed || s == ActionCancelled
}

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionSuggested: {ActionPending},
	ActionPending:   {ActionExecuting},
	ActionExecuting: {ActionExecuted, ActionFailed},
}

// CanTransition reports whether moving from s to next is legal. Any
// non-terminal action may be cancelled (operator or TTL expiry).
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ActionCancelled {
		return true
	}
	for _, allowed := range actionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Expired reports whether the action outlived its TTL without approval.
func (a *OptimizationAction) Expired(now time.Time) bool {
	return a.Status == ActionSuggested && now.After(a.ExpiresAt)
}
