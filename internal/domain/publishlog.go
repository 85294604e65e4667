package domain

import (
	"math"
	"time"
)

// PublishStatus enumerates the lifecycle states of a publication attempt.
type PublishStatus string

const (
	PublishScheduled  PublishStatus = "scheduled"
	PublishPending    PublishStatus = "pending"
	PublishProcessing PublishStatus = "processing"
	PublishRetry      PublishStatus = "retry"
	PublishSuccess    PublishStatus = "success"
	PublishFailed     PublishStatus = "failed"
	PublishCancelled  PublishStatus = "cancelled"
)

// ScheduledBy identifies which path created a publication record.
type ScheduledBy string

const (
	ScheduledManual    ScheduledBy = "manual"
	ScheduledAuto      ScheduledBy = "auto_intelligence"
	ScheduledABWinner  ScheduledBy = "ab_winner"
	ScheduledOptimizer ScheduledBy = "optimizer"
)

// Extra-metadata keys shared between components. The scheduler writes
// priority, the webhook ingestor writes webhook evidence, the backpressure
// monitor writes deferred.
const (
	MetaPriority         = "priority"
	MetaWebhookReceived  = "webhook_received"
	MetaWebhookTimestamp = "webhook_timestamp"
	MetaWebhookStatus    = "webhook_status"
	MetaMediaURL         = "media_url"
	MetaABTestID         = "ab_test_id"
	MetaDeferred         = "deferred"
	MetaIdempotencyKey   = "idempotency_key"
	MetaCaption          = "caption"
	MetaHashtags         = "hashtags"
)

// DefaultMaxRetries is the retry budget of a publication attempt.
const DefaultMaxRetries = 3

// MaxBackoff caps the exponential retry delay.
const MaxBackoff = 60 * time.Second

// PublishLog is the central state record of one publication attempt.
// It is the durable queue row, the reconciliation subject and the audit
// anchor all at once.
type PublishLog struct {
	ID              string                 `json:"id" db:"id"`
	ClipID          string                 `json:"clip_id" db:"clip_id"`
	CampaignID      *string                `json:"campaign_id" db:"campaign_id"`
	Platform        Platform               `json:"platform" db:"platform"`
	SocialAccountID *string                `json:"social_account_id" db:"social_account_id"`
	Status          PublishStatus          `json:"status" db:"status"`
	ScheduledFor    *time.Time             `json:"scheduled_for" db:"scheduled_for"`
	RequestedAt     time.Time              `json:"requested_at" db:"requested_at"`
	PublishedAt     *time.Time             `json:"published_at" db:"published_at"`
	NextAttemptAt   *time.Time             `json:"next_attempt_at" db:"next_attempt_at"`
	RetryCount      int                    `json:"retry_count" db:"retry_count"`
	MaxRetries      int                    `json:"max_retries" db:"max_retries"`
	LastRetryAt     *time.Time             `json:"last_retry_at" db:"last_retry_at"`
	ExternalPostID  *string                `json:"external_post_id" db:"external_post_id"`
	ExternalURL     *string                `json:"external_url" db:"external_url"`
	ErrorMessage    *string                `json:"error_message" db:"error_message"`
	ScheduledBy     ScheduledBy            `json:"scheduled_by" db:"scheduled_by"`
	IsCurrentWinner bool                   `json:"is_current_winner" db:"is_current_winner"`
	ExtraMetadata   map[string]interface{} `json:"extra_metadata" db:"extra_metadata"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true once a log can no longer change state.
func (s PublishStatus) IsTerminal() bool {
	return s == PublishSuccess || s == PublishFailed || s == PublishCancelled
}

// publishTransitions encodes the legal state machine. Cancellation from any
// non-terminal state is handled separately in CanTransition.
var publishTransitions = map[PublishStatus][]PublishStatus{
	PublishScheduled:  {PublishPending},
	PublishPending:    {PublishProcessing},
	PublishProcessing: {PublishSuccess, PublishRetry, PublishFailed},
	PublishRetry:      {PublishPending, PublishFailed},
}

// CanTransition reports whether moving from s to next is legal.
// Any non-terminal state may be cancelled; terminal states never move.
func (s PublishStatus) CanTransition(next PublishStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == PublishCancelled {
		return true
	}
	for _, allowed := range publishTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the log can no longer change state.
func (p *PublishLog) IsTerminal() bool { return p.Status.IsTerminal() }

// Priority reads the scheduler-assigned priority from metadata; absent
// values rank as 0 so freshly migrated rows lose conflicts by default.
func (p *PublishLog) Priority() float64 {
	if p.ExtraMetadata == nil {
		return 0
	}
	switch v := p.ExtraMetadata[MetaPriority].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// WebhookReceived reports whether platform webhook evidence has been merged
// into this log.
func (p *PublishLog) WebhookReceived() bool {
	if p.ExtraMetadata == nil {
		return false
	}
	v, ok := p.ExtraMetadata[MetaWebhookReceived].(bool)
	return ok && v
}

// RetriesExhausted reports whether the retry budget is spent.
func (p *PublishLog) RetriesExhausted() bool {
	return p.RetryCount >= p.MaxRetries
}

// BackoffDelay returns the wait before the attempt following the given retry
// count: 1s, 2s, 4s, ... capped at MaxBackoff. retryCount is the value after
// the increment, so the first retry (count 1) waits one second.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	secs := math.Pow(2, float64(retryCount-1))
	d := time.Duration(secs * float64(time.Second))
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// DelayPenalty maps clip age to the additive priority penalty that keeps old
// content from rotting in the backlog.
func DelayPenalty(age time.Duration) float64 {
	switch {
	case age <= 24*time.Hour:
		return 0
	case age <= 48*time.Hour:
		return 5
	case age <= 72*time.Hour:
		return 10
	default:
		return 20
	}
}
