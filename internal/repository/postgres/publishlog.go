package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/service/publication"
)

// PublishLogRepo implements publication.Repository against PostgreSQL, plus
// the slot queries the scheduler and forecaster read.
type PublishLogRepo struct{ db *sql.DB }

// NewPublishLogRepo creates a Postgres-backed publish log repository.
func NewPublishLogRepo(db *sql.DB) *PublishLogRepo { return &PublishLogRepo{db: db} }

const publishLogColumns = `id, clip_id, campaign_id, platform, social_account_id, status,
	       scheduled_for, requested_at, published_at, next_attempt_at,
	       retry_count, max_retries, last_retry_at,
	       external_post_id, external_url, error_message,
	       scheduled_by, is_current_winner, COALESCE(extra_metadata, '{}'), updated_at`

func scanPublishLog(row interface {
	Scan(dest ...interface{}) error
}) (*domain.PublishLog, error) {
	l := &domain.PublishLog{}
	var (
		campaignID     sql.NullString
		accountID      sql.NullString
		scheduledFor   sql.NullTime
		publishedAt    sql.NullTime
		nextAttemptAt  sql.NullTime
		lastRetryAt    sql.NullTime
		externalPostID sql.NullString
		externalURL    sql.NullString
		errorMessage   sql.NullString
		rawMeta        []byte
	)
	err := row.Scan(
		&l.ID, &l.ClipID, &campaignID, &l.Platform, &accountID, &l.Status,
		&scheduledFor, &l.RequestedAt, &publishedAt, &nextAttemptAt,
		&l.RetryCount, &l.MaxRetries, &lastRetryAt,
		&externalPostID, &externalURL, &errorMessage,
		&l.ScheduledBy, &l.IsCurrentWinner, &rawMeta, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if campaignID.Valid {
		l.CampaignID = &campaignID.String
	}
	if accountID.Valid {
		l.SocialAccountID = &accountID.String
	}
	if scheduledFor.Valid {
		l.ScheduledFor = &scheduledFor.Time
	}
	if publishedAt.Valid {
		l.PublishedAt = &publishedAt.Time
	}
	if nextAttemptAt.Valid {
		l.NextAttemptAt = &nextAttemptAt.Time
	}
	if lastRetryAt.Valid {
		l.LastRetryAt = &lastRetryAt.Time
	}
	if externalPostID.Valid {
		l.ExternalPostID = &externalPostID.String
	}
	if externalURL.Valid {
		l.ExternalURL = &externalURL.String
	}
	if errorMessage.Valid {
		l.ErrorMessage = &errorMessage.String
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &l.ExtraMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal extra_metadata: %w", err)
		}
	}
	return l, nil
}

func (r *PublishLogRepo) Get(ctx context.Context, id string) (*domain.PublishLog, error) {
	l, err := scanPublishLog(r.db.QueryRowContext(ctx,
		`SELECT `+publishLogColumns+` FROM publish_logs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publish log: %w", err)
	}
	return l, nil
}

func (r *PublishLogRepo) GetByExternalPostID(ctx context.Context, externalPostID string) (*domain.PublishLog, error) {
	l, err := scanPublishLog(r.db.QueryRowContext(ctx,
		`SELECT `+publishLogColumns+` FROM publish_logs WHERE external_post_id = $1`, externalPostID))
	if err == sql.ErrNoRows {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publish log by external id: %w", err)
	}
	return l, nil
}

func (r *PublishLogRepo) List(ctx context.Context, f publication.ListFilter) ([]domain.PublishLog, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM publish_logs WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		countQ += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Platform != "" {
		countQ += fmt.Sprintf(" AND platform = $%d", idx)
		args = append(args, f.Platform)
		idx++
	}
	if f.ClipID != "" {
		countQ += fmt.Sprintf(" AND clip_id = $%d", idx)
		args = append(args, f.ClipID)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count publish logs: %w", err)
	}

	q := `SELECT ` + publishLogColumns + ` FROM publish_logs WHERE 1=1`
	qArgs := []interface{}{}
	qIdx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", qIdx)
		qArgs = append(qArgs, f.Status)
		qIdx++
	}
	if f.Platform != "" {
		q += fmt.Sprintf(" AND platform = $%d", qIdx)
		qArgs = append(qArgs, f.Platform)
		qIdx++
	}
	if f.ClipID != "" {
		q += fmt.Sprintf(" AND clip_id = $%d", qIdx)
		qArgs = append(qArgs, f.ClipID)
		qIdx++
	}
	q += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d OFFSET $%d", qIdx, qIdx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list publish logs: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishLog
	for rows.Next() {
		l, err := scanPublishLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan publish log: %w", err)
		}
		out = append(out, *l)
	}
	return out, total, rows.Err()
}

// Create inserts a new publish log and returns its id.
func (r *PublishLogRepo) Create(ctx context.Context, l *domain.PublishLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = domain.DefaultMaxRetries
	}
	meta := l.ExtraMetadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal extra_metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO publish_logs
			(id, clip_id, campaign_id, platform, social_account_id, status,
			 scheduled_for, requested_at, max_retries, scheduled_by,
			 is_current_winner, extra_metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8, $9, $10, $11, NOW())
	`, l.ID, l.ClipID, l.CampaignID, l.Platform, l.SocialAccountID, l.Status,
		l.ScheduledFor, l.MaxRetries, l.ScheduledBy, l.IsCurrentWinner, raw)
	if err != nil {
		return "", fmt.Errorf("create publish log: %w", err)
	}
	return l.ID, nil
}

// Cancel moves a non-terminal log to cancelled. The status guard in the
// WHERE clause makes concurrent worker claims lose gracefully.
func (r *PublishLogRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel publish log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var status string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM publish_logs WHERE id = $1`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return publication.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel publish log: %w", err)
		}
		return publication.ErrTerminal
	}
	return nil
}

// MergeMetadata folds patch keys into extra_metadata without touching status.
func (r *PublishLogRepo) MergeMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET extra_metadata = COALESCE(extra_metadata, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, id, raw)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrNotFound
	}
	return nil
}

func (r *PublishLogRepo) CountByStatus(ctx context.Context) (map[domain.PublishStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM publish_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[domain.PublishStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[domain.PublishStatus(status)] = n
	}
	return out, rows.Err()
}

// NonTerminalSlotTimes returns the scheduled_for instants of non-terminal
// logs on one (platform, account) partition inside [from, to], ascending.
// The forecaster derives remaining capacity from it.
func (r *PublishLogRepo) NonTerminalSlotTimes(ctx context.Context, platform, accountID string, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scheduled_for FROM publish_logs
		WHERE platform = $1 AND social_account_id = $2
		  AND status NOT IN ('success', 'failed', 'cancelled')
		  AND scheduled_for BETWEEN $3 AND $4
		ORDER BY scheduled_for ASC
	`, platform, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("slot times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan slot time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestNonTerminalSlot returns the latest scheduled_for on a partition, or
// nil when the partition is empty.
func (r *PublishLogRepo) LatestNonTerminalSlot(ctx context.Context, platform, accountID string) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(scheduled_for) FROM publish_logs
		WHERE platform = $1 AND social_account_id = $2
		  AND status NOT IN ('success', 'failed', 'cancelled')
	`, platform, accountID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("latest slot: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// SetCurrentWinner flips the winner flag to one log. Demotion of the old
// winner and promotion of the new one commit together so the partial index
// never shows two winners for a campaign.
func (r *PublishLogRepo) SetCurrentWinner(ctx context.Context, campaignID, logID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin winner flip: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE publish_logs
		SET is_current_winner = FALSE, updated_at = NOW()
		WHERE campaign_id = $1 AND is_current_winner = TRUE
	`, campaignID)
	if err != nil {
		return fmt.Errorf("demote winner: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE publish_logs
		SET is_current_winner = TRUE, updated_at = NOW()
		WHERE id = $1 AND campaign_id = $2
	`, logID, campaignID)
	if err != nil {
		return fmt.Errorf("promote winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit winner flip: %w", err)
	}
	return nil
}

// CurrentWinner returns the active winner log for a campaign, if any.
func (r *PublishLogRepo) CurrentWinner(ctx context.Context, campaignID string) (*domain.PublishLog, error) {
	l, err := scanPublishLog(r.db.QueryRowContext(ctx,
		`SELECT `+publishLogColumns+` FROM publish_logs WHERE campaign_id = $1 AND is_current_winner = TRUE`, campaignID))
	if err == sql.ErrNoRows {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current winner: %w", err)
	}
	return l, nil
}
