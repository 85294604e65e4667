package domain

import "time"

// Clip is an immutable short-video candidate produced by the derivation
// pipeline. Scores arrive precomputed; the core never mutates a clip.
type Clip struct {
	ID            string                 `json:"id" db:"id"`
	SourceVideoID string                 `json:"source_video_id" db:"source_video_id"`
	DurationMS    int64                  `json:"duration_ms" db:"duration_ms"`
	VisualScore   float64                `json:"visual_score" db:"visual_score"`
	MediaKey      string                 `json:"media_key" db:"media_key"`
	Params        map[string]interface{} `json:"params" db:"params"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// EngagementScore reads the externally computed engagement score from the
// clip params; absent or malformed values default to 0.
func (c *Clip) EngagementScore() float64 {
	if c.Params == nil {
		return 0
	}
	switch v := c.Params["engagement_score"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// CampaignStatus enumerates budget-association lifecycle states.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignPaused   CampaignStatus = "paused"
	CampaignArchived CampaignStatus = "archived"
)

// Campaign associates an advertising budget with a clip. Several campaigns
// may reference the same clip; the sum of their budgets is the clip's
// campaign weight in priority scoring. Read-only input to the scheduler.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	ClipID      string         `json:"clip_id" db:"clip_id"`
	Name        string         `json:"name" db:"name"`
	BudgetCents int64          `json:"budget_cents" db:"budget_cents"`
	Status      CampaignStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// CampaignWeightPoints converts a total budget in cents to the 0-100 point
// scale used by the priority formula: 100 points at $500 of budget.
func CampaignWeightPoints(totalBudgetCents int64) float64 {
	if totalBudgetCents <= 0 {
		return 0
	}
	pts := float64(totalBudgetCents) / 50000.0 * 100.0
	if pts > 100 {
		return 100
	}
	return pts
}
