package domain

import "time"

// Severity classifies ledger events for querying and alerting.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Ledger event types. Every decision-carrying transition writes exactly one
// of these; the set is closed so dashboards and the reconciler can rely on it.
const (
	EventPublicationScheduled     = "publication_scheduled"
	EventScheduleConflictDetected = "schedule_conflict_detected"
	EventScheduleConflictResolved = "schedule_conflict_resolved"
	EventScheduleDeferred         = "schedule_deferred"
	EventPublishStarted           = "publish_started"
	EventPublishSuccessful        = "publish_successful"
	EventPublishLogRetry          = "publish_worker_log_retry"
	EventPublishLogFailed         = "publish_worker_log_failed"
	EventPublishCancelled         = "publish_cancelled"
	EventWebhookReceived          = "publish_webhook_received"
	EventPublishReconciled        = "publish_reconciled"
	EventAdsCampaignOrchestrated  = "ads_campaign_orchestrated"
	EventAdsSagaStepFailed        = "ads_saga_step_failed"
	EventAdsEntityOrphaned        = "ads_entity_orphaned"
	EventABWinnerSelected         = "ab_winner_selected"
	EventABWinnerPublished        = "ab_winner_published"
	EventABNeedsMoreData          = "ab_needs_more_data"
	EventWinnerPinned             = "campaign_winner_pinned"
	EventActionSuggested          = "optimization_suggested"
	EventActionApproved           = "optimization_approved"
	EventActionCancelled          = "optimization_cancelled"
	EventActionExpired            = "optimization_expired"
	EventActionExecuted           = "optimization_executed"
	EventActionFailed             = "optimization_failed"
	EventGuardRefusal             = "guard_rail_refusal"
	EventIdentityAssigned         = "identity_assigned"
	EventIsolationViolation       = "isolation_violation"
	EventEmergencyStop            = "emergency_stop"
	EventEmergencyResume          = "emergency_resume"
	EventComponentRestarted       = "component_restarted"
	EventComponentEscalated       = "component_escalation"
	EventInvariantViolation       = "invariant_violation"
)

// Entity types referenced by ledger events. The ledger stores string pairs,
// never pointers, so events survive any entity's deletion or archival.
const (
	EntityPublishLog  = "publish_log"
	EntityClip        = "clip"
	EntityCampaign    = "campaign"
	EntityAdsCampaign = "ads_campaign"
	EntityAdSet       = "adset"
	EntityAd          = "ad"
	EntityCreative    = "creative"
	EntityABTest      = "ab_test"
	EntityAction      = "optimization_action"
	EntityIdentity    = "identity"
	EntityAccount     = "social_account"
	EntityComponent   = "component"
)

// LedgerEvent is one append-only audit record.
type LedgerEvent struct {
	ID         string                 `json:"id" db:"id"`
	EventType  string                 `json:"event_type" db:"event_type"`
	EntityType string                 `json:"entity_type" db:"entity_type"`
	EntityID   string                 `json:"entity_id" db:"entity_id"`
	Severity   Severity               `json:"severity" db:"severity"`
	Payload    map[string]interface{} `json:"payload" db:"payload"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}
