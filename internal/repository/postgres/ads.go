package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clipcast/autopilot/internal/domain"
)

// ErrAdsEntityNotFound is returned when an ads mirror row does not exist.
var ErrAdsEntityNotFound = errors.New("ads entity not found")

// AdsRepo mirrors provider-side ads entities (campaign, adset, creative, ad)
// and their daily insight rows.
type AdsRepo struct{ db *sql.DB }

// NewAdsRepo creates a Postgres-backed ads entity repository.
func NewAdsRepo(db *sql.DB) *AdsRepo { return &AdsRepo{db: db} }

// ===== Campaigns =====

const adsCampaignColumns = `id, account_id, external_id, name, objective, daily_budget_cents,
	       status, request_id, created_at, updated_at`

func scanAdsCampaign(row interface {
	Scan(dest ...interface{}) error
}) (*domain.AdsCampaign, error) {
	c := &domain.AdsCampaign{}
	err := row.Scan(
		&c.ID, &c.AccountID, &c.ExternalID, &c.Name, &c.Objective, &c.DailyBudgetCents,
		&c.Status, &c.RequestID, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCampaign inserts the local mirror of a provider campaign.
func (r *AdsRepo) CreateCampaign(ctx context.Context, c *domain.AdsCampaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.AdsEntityActive
	}

	query := `
		INSERT INTO ads_campaigns (
			id, account_id, external_id, name, objective, daily_budget_cents,
			status, request_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.AccountID, c.ExternalID, c.Name, c.Objective, c.DailyBudgetCents,
		c.Status, c.RequestID,
	)
	if err != nil {
		return fmt.Errorf("create ads campaign: %w", err)
	}
	return nil
}

// GetCampaign returns one campaign mirror row.
func (r *AdsRepo) GetCampaign(ctx context.Context, id string) (*domain.AdsCampaign, error) {
	query := `SELECT ` + adsCampaignColumns + ` FROM ads_campaigns WHERE id = $1`

	c, err := scanAdsCampaign(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrAdsEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ads campaign: %w", err)
	}
	return c, nil
}

// GetCampaignByRequestID resolves the idempotency key of a provisioning run.
// A repeated request returns the existing campaign instead of creating twice.
func (r *AdsRepo) GetCampaignByRequestID(ctx context.Context, requestID string) (*domain.AdsCampaign, error) {
	query := `SELECT ` + adsCampaignColumns + ` FROM ads_campaigns WHERE request_id = $1`

	c, err := scanAdsCampaign(r.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrAdsEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ads campaign by request: %w", err)
	}
	return c, nil
}

// SetCampaignStatus updates a campaign mirror status.
func (r *AdsRepo) SetCampaignStatus(ctx context.Context, id string, status domain.AdsEntityStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ads_campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set ads campaign status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAdsEntityNotFound
	}
	return nil
}

// UpdateCampaignBudget records the budget the provider accepted.
func (r *AdsRepo) UpdateCampaignBudget(ctx context.Context, id string, budgetCents int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ads_campaigns SET daily_budget_cents = $2, updated_at = NOW() WHERE id = $1`,
		id, budgetCents)
	if err != nil {
		return fmt.Errorf("update ads campaign budget: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAdsEntityNotFound
	}
	return nil
}

// ListActiveCampaigns returns every campaign still eligible for optimization,
// oldest first.
func (r *AdsRepo) ListActiveCampaigns(ctx context.Context) ([]*domain.AdsCampaign, error) {
	query := `SELECT ` + adsCampaignColumns + ` FROM ads_campaigns
		WHERE status = 'active'
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active ads campaigns: %w", err)
	}
	defer rows.Close()

	var out []*domain.AdsCampaign
	for rows.Next() {
		c, err := scanAdsCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ads campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PauseActiveCampaigns pauses every active campaign and returns the ids it
// touched. Emergency stop uses this as a blast-radius limiter.
func (r *AdsRepo) PauseActiveCampaigns(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE ads_campaigns
		SET status = 'paused', updated_at = NOW()
		WHERE status = 'active'
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("pause active ads campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan paused campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ===== Ad sets =====

// CreateAdSet inserts the local mirror of a provider ad set.
func (r *AdsRepo) CreateAdSet(ctx context.Context, s *domain.AdSet) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = domain.AdsEntityActive
	}
	rawTargeting, err := json.Marshal(orEmptyMap(s.Targeting))
	if err != nil {
		return fmt.Errorf("marshal adset targeting: %w", err)
	}

	query := `
		INSERT INTO ads_adsets (
			id, ads_campaign_id, external_id, name, targeting,
			daily_budget_cents, start_time, end_time, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`

	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.AdsCampaignID, s.ExternalID, s.Name, rawTargeting,
		s.DailyBudgetCents, s.StartTime, s.EndTime, s.Status,
	)
	if err != nil {
		return fmt.Errorf("create adset: %w", err)
	}
	return nil
}

// AdSetsByCampaign returns the ad sets of one campaign, oldest first.
func (r *AdsRepo) AdSetsByCampaign(ctx context.Context, campaignID string) ([]*domain.AdSet, error) {
	query := `
		SELECT id, ads_campaign_id, external_id, name, COALESCE(targeting, '{}'),
		       daily_budget_cents, start_time, end_time, status, created_at, updated_at
		FROM ads_adsets
		WHERE ads_campaign_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list adsets: %w", err)
	}
	defer rows.Close()

	var sets []*domain.AdSet
	for rows.Next() {
		s := &domain.AdSet{}
		var (
			rawTargeting []byte
			startTime    sql.NullTime
			endTime      sql.NullTime
		)
		err := rows.Scan(
			&s.ID, &s.AdsCampaignID, &s.ExternalID, &s.Name, &rawTargeting,
			&s.DailyBudgetCents, &startTime, &endTime, &s.Status, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan adset: %w", err)
		}
		if startTime.Valid {
			s.StartTime = &startTime.Time
		}
		if endTime.Valid {
			s.EndTime = &endTime.Time
		}
		if len(rawTargeting) > 0 {
			if err := json.Unmarshal(rawTargeting, &s.Targeting); err != nil {
				return nil, fmt.Errorf("unmarshal adset targeting: %w", err)
			}
		}
		sets = append(sets, s)
	}
	return sets, rows.Err()
}

// GetAdSet returns one ad set mirror row.
func (r *AdsRepo) GetAdSet(ctx context.Context, id string) (*domain.AdSet, error) {
	query := `
		SELECT id, ads_campaign_id, external_id, name, COALESCE(targeting, '{}'),
		       daily_budget_cents, start_time, end_time, status, created_at, updated_at
		FROM ads_adsets
		WHERE id = $1`

	s := &domain.AdSet{}
	var (
		rawTargeting []byte
		startTime    sql.NullTime
		endTime      sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.AdsCampaignID, &s.ExternalID, &s.Name, &rawTargeting,
		&s.DailyBudgetCents, &startTime, &endTime, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAdsEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get adset: %w", err)
	}
	if startTime.Valid {
		s.StartTime = &startTime.Time
	}
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}
	if len(rawTargeting) > 0 {
		if err := json.Unmarshal(rawTargeting, &s.Targeting); err != nil {
			return nil, fmt.Errorf("unmarshal adset targeting: %w", err)
		}
	}
	return s, nil
}

// UpdateAdSetBudget records the ad set budget the provider accepted.
func (r *AdsRepo) UpdateAdSetBudget(ctx context.Context, id string, budgetCents int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ads_adsets SET daily_budget_cents = $2, updated_at = NOW() WHERE id = $1`,
		id, budgetCents)
	if err != nil {
		return fmt.Errorf("update adset budget: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAdsEntityNotFound
	}
	return nil
}

// ===== Creatives =====

// CreateCreative inserts the local mirror of an uploaded creative.
func (r *AdsRepo) CreateCreative(ctx context.Context, c *domain.AdCreative) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.AdsEntityActive
	}

	query := `
		INSERT INTO ads_creatives (
			id, clip_id, external_id, title, media_url, thumbnail_url,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.ClipID, c.ExternalID, c.Title, c.MediaURL, c.ThumbnailURL, c.Status,
	)
	if err != nil {
		return fmt.Errorf("create creative: %w", err)
	}
	return nil
}

// GetCreative returns one creative mirror row.
func (r *AdsRepo) GetCreative(ctx context.Context, id string) (*domain.AdCreative, error) {
	query := `
		SELECT id, clip_id, external_id, title, media_url, thumbnail_url,
		       status, created_at, updated_at
		FROM ads_creatives
		WHERE id = $1`

	c := &domain.AdCreative{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ClipID, &c.ExternalID, &c.Title, &c.MediaURL, &c.ThumbnailURL,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAdsEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get creative: %w", err)
	}
	return c, nil
}

// ===== Ads =====

// CreateAd inserts the local mirror of a provider ad.
func (r *AdsRepo) CreateAd(ctx context.Context, a *domain.Ad) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AdsEntityActive
	}

	query := `
		INSERT INTO ads_ads (
			id, adset_id, creative_id, external_id, name, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.AdSetID, a.CreativeID, a.ExternalID, a.Name, a.Status,
	)
	if err != nil {
		return fmt.Errorf("create ad: %w", err)
	}
	return nil
}

// GetAd returns one ad mirror row.
func (r *AdsRepo) GetAd(ctx context.Context, id string) (*domain.Ad, error) {
	query := `
		SELECT id, adset_id, creative_id, external_id, name, status, created_at, updated_at
		FROM ads_ads
		WHERE id = $1`

	a := &domain.Ad{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.AdSetID, &a.CreativeID, &a.ExternalID, &a.Name, &a.Status,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAdsEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ad: %w", err)
	}
	return a, nil
}

// AdsByCampaign returns the ads under one campaign via their ad sets.
func (r *AdsRepo) AdsByCampaign(ctx context.Context, campaignID string) ([]*domain.Ad, error) {
	query := `
		SELECT a.id, a.adset_id, a.creative_id, a.external_id, a.name, a.status,
		       a.created_at, a.updated_at
		FROM ads_ads a
		JOIN ads_adsets s ON s.id = a.adset_id
		WHERE s.ads_campaign_id = $1
		ORDER BY a.created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list ads by campaign: %w", err)
	}
	defer rows.Close()

	var ads []*domain.Ad
	for rows.Next() {
		a := &domain.Ad{}
		err := rows.Scan(
			&a.ID, &a.AdSetID, &a.CreativeID, &a.ExternalID, &a.Name, &a.Status,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ad: %w", err)
		}
		ads = append(ads, a)
	}
	return ads, rows.Err()
}

// SetAdStatus updates one ad mirror status.
func (r *AdsRepo) SetAdStatus(ctx context.Context, id string, status domain.AdsEntityStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ads_ads SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set ad status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAdsEntityNotFound
	}
	return nil
}

// ===== Orphan marking =====

// adsTables maps a saga step level to its mirror table. Only these four may
// be orphan-marked; anything else is a programming error.
var adsTables = map[string]string{
	"campaign": "ads_campaigns",
	"adset":    "ads_adsets",
	"creative": "ads_creatives",
	"ad":       "ads_ads",
}

// MarkOrphaned flags rows left behind by a failed provisioning run. Orphans
// stay visible for manual cleanup; nothing is deleted.
func (r *AdsRepo) MarkOrphaned(ctx context.Context, level string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, ok := adsTables[level]
	if !ok {
		return fmt.Errorf("mark orphaned: unknown entity level %q", level)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'orphan_pending_cleanup', updated_at = NOW()
		WHERE id = ANY($1)`, table)

	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark orphaned %s: %w", level, err)
	}
	return nil
}

// ===== Insights =====

// UpsertInsight stores one per-ad daily metrics row, overwriting any earlier
// sync of the same (ad_id, day).
func (r *AdsRepo) UpsertInsight(ctx context.Context, in *domain.AdInsight) error {
	query := `
		INSERT INTO ad_insights (
			ad_id, day, spend_cents, impressions, clicks, conversions, revenue_cents
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ad_id, day) DO UPDATE SET
			spend_cents = EXCLUDED.spend_cents,
			impressions = EXCLUDED.impressions,
			clicks = EXCLUDED.clicks,
			conversions = EXCLUDED.conversions,
			revenue_cents = EXCLUDED.revenue_cents`

	_, err := r.db.ExecContext(ctx, query,
		in.AdID, in.Day, in.SpendCents, in.Impressions, in.Clicks,
		in.Conversions, in.RevenueCents,
	)
	if err != nil {
		return fmt.Errorf("upsert ad insight: %w", err)
	}
	return nil
}

// AggregateInsights sums insight rows per ad since the cutoff. Ads with no
// rows in the window are absent from the result map.
func (r *AdsRepo) AggregateInsights(ctx context.Context, adIDs []string, since time.Time) (map[string]domain.AdInsight, error) {
	if len(adIDs) == 0 {
		return map[string]domain.AdInsight{}, nil
	}

	query := `
		SELECT ad_id,
		       COALESCE(SUM(spend_cents), 0),
		       COALESCE(SUM(impressions), 0),
		       COALESCE(SUM(clicks), 0),
		       COALESCE(SUM(conversions), 0),
		       COALESCE(SUM(revenue_cents), 0)
		FROM ad_insights
		WHERE ad_id = ANY($1) AND day >= $2
		GROUP BY ad_id`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(adIDs), since)
	if err != nil {
		return nil, fmt.Errorf("aggregate ad insights: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.AdInsight, len(adIDs))
	for rows.Next() {
		var in domain.AdInsight
		err := rows.Scan(&in.AdID, &in.SpendCents, &in.Impressions, &in.Clicks,
			&in.Conversions, &in.RevenueCents)
		if err != nil {
			return nil, fmt.Errorf("scan aggregated insight: %w", err)
		}
		out[in.AdID] = in
	}
	return out, rows.Err()
}

// FirstInsightAt returns the earliest insight day recorded for an ad, or nil
// when the ad has no rows yet. The evaluator uses it for embargo age checks.
func (r *AdsRepo) FirstInsightAt(ctx context.Context, adID string) (*time.Time, error) {
	var first sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(day) FROM ad_insights WHERE ad_id = $1`, adID).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("first insight at: %w", err)
	}
	if !first.Valid {
		return nil, nil
	}
	return &first.Time, nil
}
