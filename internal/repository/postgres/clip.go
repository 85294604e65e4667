package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
)

// ErrClipNotFound is returned when a clip id matches nothing.
var ErrClipNotFound = errors.New("clip not found")

// ClipRepo reads clips and their campaign-budget associations.
type ClipRepo struct{ db *sql.DB }

// NewClipRepo creates a Postgres-backed clip repository.
func NewClipRepo(db *sql.DB) *ClipRepo { return &ClipRepo{db: db} }

func (r *ClipRepo) Get(ctx context.Context, id string) (*domain.Clip, error) {
	c := &domain.Clip{}
	var rawParams []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source_video_id, duration_ms, visual_score, COALESCE(media_key, ''),
		       COALESCE(params, '{}'), created_at
		FROM clips
		WHERE id = $1
	`, id).Scan(&c.ID, &c.SourceVideoID, &c.DurationMS, &c.VisualScore, &c.MediaKey, &rawParams, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrClipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clip: %w", err)
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &c.Params); err != nil {
			return nil, fmt.Errorf("unmarshal clip params: %w", err)
		}
	}
	return c, nil
}

// Create registers an externally produced clip. The core treats clips as
// immutable afterwards.
func (r *ClipRepo) Create(ctx context.Context, c *domain.Clip) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	params := c.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal clip params: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO clips (id, source_video_id, duration_ms, visual_score, media_key, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, c.ID, c.SourceVideoID, c.DurationMS, c.VisualScore, c.MediaKey, raw)
	if err != nil {
		return "", fmt.Errorf("create clip: %w", err)
	}
	return c.ID, nil
}

// CampaignWeightCents sums the budgets of active campaigns referencing the
// clip. The scheduler converts the sum to priority points.
func (r *ClipRepo) CampaignWeightCents(ctx context.Context, clipID string) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(budget_cents) FROM campaigns
		WHERE clip_id = $1 AND status = 'active'
	`, clipID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("campaign weight: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// Campaigns returns every campaign referencing the clip.
func (r *ClipRepo) Campaigns(ctx context.Context, clipID string) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, clip_id, name, budget_cents, status, created_at
		FROM campaigns
		WHERE clip_id = $1
		ORDER BY created_at DESC
	`, clipID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.ClipID, &c.Name, &c.BudgetCents, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
