package domain

import "time"

// AdsEntityStatus enumerates per-entity states of externally created ads
// objects. orphan_pending_cleanup marks saga leftovers that must be visible,
// never silently deleted.
type AdsEntityStatus string

const (
	AdsEntityActive   AdsEntityStatus = "active"
	AdsEntityPaused   AdsEntityStatus = "paused"
	AdsEntityOrphaned AdsEntityStatus = "orphan_pending_cleanup"
	AdsEntityArchived AdsEntityStatus = "archived"
)

// AdsCampaign mirrors a campaign created on the ads provider. AccountID binds
// the campaign to the social account whose identity every later provider call
// (optimizer execution, emergency pause) must present.
type AdsCampaign struct {
	ID               string          `json:"id" db:"id"`
	AccountID        string          `json:"account_id" db:"account_id"`
	ExternalID       string          `json:"external_id" db:"external_id"`
	Name             string          `json:"name" db:"name"`
	Objective        string          `json:"objective" db:"objective"`
	DailyBudgetCents int64           `json:"daily_budget_cents" db:"daily_budget_cents"`
	Status           AdsEntityStatus `json:"status" db:"status"`
	RequestID        string          `json:"request_id" db:"request_id"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// AdSet mirrors an ad set under an AdsCampaign.
type AdSet struct {
	ID               string                 `json:"id" db:"id"`
	AdsCampaignID    string                 `json:"ads_campaign_id" db:"ads_campaign_id"`
	ExternalID       string                 `json:"external_id" db:"external_id"`
	Name             string                 `json:"name" db:"name"`
	Targeting        map[string]interface{} `json:"targeting" db:"targeting"`
	DailyBudgetCents int64                  `json:"daily_budget_cents" db:"daily_budget_cents"`
	StartTime        *time.Time             `json:"start_time" db:"start_time"`
	EndTime          *time.Time             `json:"end_time" db:"end_time"`
	Status           AdsEntityStatus        `json:"status" db:"status"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" db:"updated_at"`
}

// AdCreative mirrors an uploaded creative derived from a clip.
type AdCreative struct {
	ID           string          `json:"id" db:"id"`
	ClipID       string          `json:"clip_id" db:"clip_id"`
	ExternalID   string          `json:"external_id" db:"external_id"`
	Title        string          `json:"title" db:"title"`
	MediaURL     string          `json:"media_url" db:"media_url"`
	ThumbnailURL string          `json:"thumbnail_url" db:"thumbnail_url"`
	Status       AdsEntityStatus `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Ad links an AdSet with an AdCreative on the provider.
type Ad struct {
	ID         string          `json:"id" db:"id"`
	AdSetID    string          `json:"adset_id" db:"adset_id"`
	CreativeID string          `json:"creative_id" db:"creative_id"`
	ExternalID string          `json:"external_id" db:"external_id"`
	Name       string          `json:"name" db:"name"`
	Status     AdsEntityStatus `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// AdInsight is a per-ad daily performance row synced from the provider.
type AdInsight struct {
	AdID         string    `json:"ad_id" db:"ad_id"`
	Day          time.Time `json:"day" db:"day"`
	SpendCents   int64     `json:"spend_cents" db:"spend_cents"`
	Impressions  int64     `json:"impressions" db:"impressions"`
	Clicks       int64     `json:"clicks" db:"clicks"`
	Conversions  int64     `json:"conversions" db:"conversions"`
	RevenueCents int64     `json:"revenue_cents" db:"revenue_cents"`
}

// ROAS returns revenue over spend; zero spend yields zero, not infinity.
func (i AdInsight) ROAS() float64 {
	if i.SpendCents <= 0 {
		return 0
	}
	return float64(i.RevenueCents) / float64(i.SpendCents)
}

// CTR returns clicks over impressions.
func (i AdInsight) CTR() float64 {
	if i.Impressions <= 0 {
		return 0
	}
	return float64(i.Clicks) / float64(i.Impressions)
}

// CPCCents returns spend per click.
func (i AdInsight) CPCCents() float64 {
	if i.Clicks <= 0 {
		return 0
	}
	return float64(i.SpendCents) / float64(i.Clicks)
}
