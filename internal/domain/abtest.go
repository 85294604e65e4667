package domain

import "time"

// ABTestStatus enumerates the A/B test lifecycle.
type ABTestStatus string

const (
	ABTestActive        ABTestStatus = "active"
	ABTestEvaluating    ABTestStatus = "evaluating"
	ABTestCompleted     ABTestStatus = "completed"
	ABTestArchived      ABTestStatus = "archived"
	ABTestNeedsMoreData ABTestStatus = "needs_more_data"
)

// ABVariant binds one clip/ad pair competing inside a test.
type ABVariant struct {
	ID       string `json:"id" db:"id"`
	TestID   string `json:"test_id" db:"test_id"`
	ClipID   string `json:"clip_id" db:"clip_id"`
	AdID     string `json:"ad_id" db:"ad_id"`
	Position int    `json:"position" db:"position"`
}

// StatisticalResults records the chi-square sanity check on a completed
// evaluation. A non-significant result never blocks winner selection; it
// only lowers the reported confidence.
type StatisticalResults struct {
	ChiSquare   float64 `json:"chi2"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

// VariantMetrics is the per-variant metric snapshot used for scoring.
type VariantMetrics struct {
	AdID         string  `json:"ad_id"`
	ClipID       string  `json:"clip_id"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
	Conversions  int64   `json:"conversions"`
	SpendCents   int64   `json:"spend_cents"`
	RevenueCents int64   `json:"revenue_cents"`
	ROAS         float64 `json:"roas"`
	CTR          float64 `json:"ctr"`
	CPCCents     float64 `json:"cpc_cents"`
	Score        float64 `json:"score"`
}

// ABTest is a creative experiment over two or more variants of one ads
// campaign. Winner selection is monotonic: once set it never changes unless
// the test is archived and recreated. Winner publication is idempotent.
type ABTest struct {
	ID                   string                 `json:"id" db:"id"`
	AdsCampaignID        string                 `json:"ads_campaign_id" db:"ads_campaign_id"`
	Name                 string                 `json:"name" db:"name"`
	Variants             []ABVariant            `json:"variants" db:"-"`
	Status               ABTestStatus           `json:"status" db:"status"`
	WinnerClipID         *string                `json:"winner_clip_id" db:"winner_clip_id"`
	WinnerDecidedAt      *time.Time             `json:"winner_decided_at" db:"winner_decided_at"`
	MetricsSnapshot      map[string]interface{} `json:"metrics_snapshot" db:"metrics_snapshot"`
	Statistical          *StatisticalResults    `json:"statistical_results" db:"statistical_results"`
	PublishedWinnerLogID *string                `json:"published_winner_log_id" db:"published_winner_log_id"`
	MinImpressions       int64                  `json:"min_impressions" db:"min_impressions"`
	MinDurationHours     int                    `json:"min_duration_hours" db:"min_duration_hours"`
	CreatedAt            time.Time              `json:"created_at" db:"created_at"`
	StartTime            time.Time              `json:"start_time" db:"start_time"`
	EndTime              *time.Time             `json:"end_time" db:"end_time"`
}

// CanEvaluate reports whether the test is in a state that may be scored.
func (t *ABTest) CanEvaluate() bool {
	return t.Status == ABTestActive || t.Status == ABTestEvaluating
}

// CanPublishWinner reports whether the test may emit its winner publication.
func (t *ABTest) CanPublishWinner() bool {
	return t.Status == ABTestCompleted && t.WinnerClipID != nil
}

// EmbargoDeficit describes what still blocks a winner decision; zero values
// mean the corresponding requirement is satisfied.
type EmbargoDeficit struct {
	HoursShort       float64 `json:"hours_short"`
	ImpressionsShort int64   `json:"impressions_short"`
	DeficientAdID    string  `json:"deficient_ad_id,omitempty"`
}

// Blocked reports whether any embargo requirement is unmet.
func (d EmbargoDeficit) Blocked() bool {
	return d.HoursShort > 0 || d.ImpressionsShort > 0
}
