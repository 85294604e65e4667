package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
)

// Sentinel errors for A/B tests.
var (
	ErrABTestNotFound         = errors.New("ab test not found")
	ErrWinnerAlreadySet       = errors.New("ab test winner already set")
	ErrWinnerAlreadyPublished = errors.New("ab test winner already published")
)

// ABTestRepo manages A/B tests and their variants.
type ABTestRepo struct{ db *sql.DB }

// NewABTestRepo creates a Postgres-backed A/B test repository.
func NewABTestRepo(db *sql.DB) *ABTestRepo { return &ABTestRepo{db: db} }

const abTestColumns = `id, ads_campaign_id, name, status, winner_clip_id, winner_decided_at,
	       COALESCE(metrics_snapshot, '{}'), statistical_results, published_winner_log_id,
	       min_impressions, min_duration_hours, created_at, start_time, end_time`

func scanABTest(row interface {
	Scan(dest ...interface{}) error
}) (*domain.ABTest, error) {
	t := &domain.ABTest{}
	var (
		winnerClipID   sql.NullString
		winnerDecided  sql.NullTime
		rawSnapshot    []byte
		rawStats       []byte
		publishedLogID sql.NullString
		endTime        sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.AdsCampaignID, &t.Name, &t.Status, &winnerClipID, &winnerDecided,
		&rawSnapshot, &rawStats, &publishedLogID,
		&t.MinImpressions, &t.MinDurationHours, &t.CreatedAt, &t.StartTime, &endTime,
	)
	if err != nil {
		return nil, err
	}
	if winnerClipID.Valid {
		t.WinnerClipID = &winnerClipID.String
	}
	if winnerDecided.Valid {
		t.WinnerDecidedAt = &winnerDecided.Time
	}
	if publishedLogID.Valid {
		t.PublishedWinnerLogID = &publishedLogID.String
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	if len(rawSnapshot) > 0 {
		if err := json.Unmarshal(rawSnapshot, &t.MetricsSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal metrics snapshot: %w", err)
		}
	}
	if len(rawStats) > 0 {
		var stats domain.StatisticalResults
		if err := json.Unmarshal(rawStats, &stats); err != nil {
			return nil, fmt.Errorf("unmarshal statistical results: %w", err)
		}
		t.Statistical = &stats
	}
	return t, nil
}

// Get returns a test with its variants loaded.
func (r *ABTestRepo) Get(ctx context.Context, id string) (*domain.ABTest, error) {
	query := `
		SELECT ` + abTestColumns + `
		FROM ab_tests
		WHERE id = $1`

	test, err := scanABTest(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrABTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ab test: %w", err)
	}

	variants, err := r.variants(ctx, id)
	if err != nil {
		return nil, err
	}
	test.Variants = variants
	return test, nil
}

func (r *ABTestRepo) variants(ctx context.Context, testID string) ([]domain.ABVariant, error) {
	query := `
		SELECT id, test_id, clip_id, ad_id, position
		FROM ab_test_variants
		WHERE test_id = $1
		ORDER BY position ASC`

	rows, err := r.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("list ab test variants: %w", err)
	}
	defer rows.Close()

	var variants []domain.ABVariant
	for rows.Next() {
		var v domain.ABVariant
		if err := rows.Scan(&v.ID, &v.TestID, &v.ClipID, &v.AdID, &v.Position); err != nil {
			return nil, fmt.Errorf("scan ab test variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// Create inserts a test and its variants in one transaction.
func (r *ABTestRepo) Create(ctx context.Context, t *domain.ABTest) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.ABTestActive
	}
	if t.StartTime.IsZero() {
		t.StartTime = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create ab test: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO ab_tests (
			id, ads_campaign_id, name, status,
			min_impressions, min_duration_hours, created_at, start_time
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)`

	_, err = tx.ExecContext(ctx, query,
		t.ID, t.AdsCampaignID, t.Name, t.Status,
		t.MinImpressions, t.MinDurationHours, t.StartTime,
	)
	if err != nil {
		return fmt.Errorf("create ab test: %w", err)
	}

	for i := range t.Variants {
		v := &t.Variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.TestID = t.ID
		if v.Position == 0 {
			v.Position = i + 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ab_test_variants (id, test_id, clip_id, ad_id, position)
			VALUES ($1, $2, $3, $4, $5)`,
			v.ID, v.TestID, v.ClipID, v.AdID, v.Position,
		)
		if err != nil {
			return fmt.Errorf("create ab test variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create ab test: %w", err)
	}
	return nil
}

// ListEvaluable returns tests the evaluator may score, oldest first.
func (r *ABTestRepo) ListEvaluable(ctx context.Context) ([]*domain.ABTest, error) {
	query := `
		SELECT ` + abTestColumns + `
		FROM ab_tests
		WHERE status IN ('active', 'evaluating', 'needs_more_data')
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list evaluable ab tests: %w", err)
	}
	defer rows.Close()

	var tests []*domain.ABTest
	for rows.Next() {
		t, err := scanABTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ab test: %w", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range tests {
		variants, err := r.variants(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Variants = variants
	}
	return tests, nil
}

// UpdateStatus moves a test between lifecycle states.
func (r *ABTestRepo) UpdateStatus(ctx context.Context, id string, status domain.ABTestStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ab_tests SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update ab test status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrABTestNotFound
	}
	return nil
}

// SetWinner records the winning clip, metrics snapshot and statistics, and
// completes the test. Winner selection is monotonic: the guard on
// winner_clip_id makes a second call fail instead of overwriting.
func (r *ABTestRepo) SetWinner(ctx context.Context, id, clipID string, snapshot map[string]interface{}, stats *domain.StatisticalResults) error {
	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	var rawStats []byte
	if stats != nil {
		rawStats, err = json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal statistical results: %w", err)
		}
	}

	query := `
		UPDATE ab_tests
		SET status = 'completed',
		    winner_clip_id = $2,
		    winner_decided_at = NOW(),
		    end_time = NOW(),
		    metrics_snapshot = $3,
		    statistical_results = $4
		WHERE id = $1 AND winner_clip_id IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, clipID, rawSnapshot, rawStats)
	if err != nil {
		return fmt.Errorf("set ab test winner: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists bool
		if checkErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM ab_tests WHERE id = $1)`, id).Scan(&exists); checkErr == nil && !exists {
			return ErrABTestNotFound
		}
		return ErrWinnerAlreadySet
	}
	return nil
}

// SetPublishedWinnerLogID links the test to the publish log created for its
// winner. The NULL guard makes winner publication idempotent: a retry that
// lost the race reports ErrWinnerAlreadyPublished and the caller keeps the
// existing log.
func (r *ABTestRepo) SetPublishedWinnerLogID(ctx context.Context, id, logID string) error {
	query := `
		UPDATE ab_tests
		SET published_winner_log_id = $2
		WHERE id = $1 AND published_winner_log_id IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, logID)
	if err != nil {
		return fmt.Errorf("set published winner log: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists bool
		if checkErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM ab_tests WHERE id = $1)`, id).Scan(&exists); checkErr == nil && !exists {
			return ErrABTestNotFound
		}
		return ErrWinnerAlreadyPublished
	}
	return nil
}
