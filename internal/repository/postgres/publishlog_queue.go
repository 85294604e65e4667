package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/service/publication"
)

// Queue-side operations on publish_logs: promotion, claiming, terminal marks
// and the slot queries the scheduler needs for conflict resolution. The table
// itself is the durable queue; there is no separate queue structure.

// PromoteDueScheduled moves scheduled logs whose slot has arrived (within
// slack) to pending and returns the promoted ids.
func (r *PublishLogRepo) PromoteDueScheduled(ctx context.Context, slack time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE publish_logs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'scheduled'
		  AND scheduled_for <= NOW() + $1::interval
		RETURNING id
	`, slack.String())
	if err != nil {
		return nil, fmt.Errorf("promote scheduled: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// PromoteDueRetries moves retry logs whose backoff has elapsed back to
// pending and returns the promoted ids.
func (r *PublishLogRepo) PromoteDueRetries(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE publish_logs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'retry'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("promote retries: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDue atomically claims up to limit due pending logs by flipping them to
// processing. SKIP LOCKED lets parallel workers claim disjoint sets, and the
// window function caps the claim at one log per (platform, account) partition
// so a partition never has two in-flight attempts.
func (r *PublishLogRepo) ClaimDue(ctx context.Context, limit int) ([]domain.PublishLog, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id,
			       ROW_NUMBER() OVER (
			           PARTITION BY platform, social_account_id
			           ORDER BY scheduled_for ASC NULLS FIRST, requested_at ASC
			       ) AS rn
			FROM publish_logs p
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			  AND NOT EXISTS (
			      SELECT 1 FROM publish_logs q
			      WHERE q.status = 'processing'
			        AND q.platform = p.platform
			        AND q.social_account_id IS NOT DISTINCT FROM p.social_account_id
			  )
		),
		claimed AS (
			SELECT id FROM publish_logs
			WHERE id IN (SELECT id FROM due WHERE rn = 1)
			ORDER BY scheduled_for ASC NULLS FIRST
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE publish_logs
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING `+publishLogColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due logs: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishLog
	for rows.Next() {
		l, err := scanPublishLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed log: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkSuccess terminalizes a processing log as success. The status guard means
// a concurrent cancel wins and the mark reports ErrInvalidTransition.
func (r *PublishLogRepo) MarkSuccess(ctx context.Context, id, externalPostID, externalURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'success',
		    external_post_id = $2,
		    external_url = NULLIF($3, ''),
		    published_at = NOW(),
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, externalPostID, externalURL)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// MarkRetry moves a processing log to retry, incrementing retry_count and
// parking it until nextAttemptAt.
func (r *PublishLogRepo) MarkRetry(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'retry',
		    retry_count = retry_count + 1,
		    last_retry_at = NOW(),
		    next_attempt_at = $3,
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, reason, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// ReleaseClaim puts a processing log back to pending and parks it until
// `until`. This is a claim return, not an attempt outcome: retry_count stays
// untouched. The worker uses it when the hourly platform cap defers a publish
// before any provider call is made.
func (r *PublishLogRepo) ReleaseClaim(ctx context.Context, id string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'pending',
		    next_attempt_at = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, until)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// MarkFailed terminalizes a processing log as failed.
func (r *PublishLogRepo) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'failed',
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// RecordExternalIDs stores provider identifiers on an in-flight log so a later
// crash or webhook can still correlate the attempt.
func (r *PublishLogRepo) RecordExternalIDs(ctx context.Context, id, externalPostID, externalURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET external_post_id = $2,
		    external_url = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $1
	`, id, externalPostID, externalURL)
	if err != nil {
		return fmt.Errorf("record external ids: %w", err)
	}
	return nil
}

// ListStuck returns processing/retry logs untouched since before cutoff, the
// reconciler's sweep set.
func (r *PublishLogRepo) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.PublishLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+publishLogColumns+` FROM publish_logs
		WHERE status IN ('processing', 'retry')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck logs: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishLog
	for rows.Next() {
		l, err := scanPublishLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck log: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ReconcileSuccess terminalizes a stuck log as success on webhook evidence.
// The external_post_id guard keeps the success invariant intact: a log that
// never reported an external id cannot be confirmed.
func (r *PublishLogRepo) ReconcileSuccess(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'success',
		    published_at = COALESCE(published_at, NOW()),
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('processing', 'retry')
		  AND external_post_id IS NOT NULL
	`, id)
	if err != nil {
		return fmt.Errorf("reconcile success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// ReconcileFailed terminalizes a stuck log as failed (webhook timeout).
func (r *PublishLogRepo) ReconcileFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET status = 'failed',
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('processing', 'retry')
	`, id, reason)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// NonTerminalInWindow returns non-terminal logs on a (platform, account)
// partition with scheduled_for strictly inside (from, to). The scheduler reads
// this to find conflicts around a candidate slot.
func (r *PublishLogRepo) NonTerminalInWindow(ctx context.Context, platform, accountID string, from, to time.Time) ([]domain.PublishLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+publishLogColumns+` FROM publish_logs
		WHERE platform = $1 AND social_account_id = $2
		  AND status NOT IN ('success', 'failed', 'cancelled')
		  AND scheduled_for > $3 AND scheduled_for < $4
		ORDER BY scheduled_for ASC
	`, platform, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("conflict window: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishLog
	for rows.Next() {
		l, err := scanPublishLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict log: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ShiftScheduledFor moves a not-yet-claimed log to a new slot. Only scheduled
// and pending rows may move; anything in flight keeps its slot.
func (r *PublishLogRepo) ShiftScheduledFor(ctx context.Context, id string, newSlot time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE publish_logs
		SET scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'pending')
	`, id, newSlot)
	if err != nil {
		return fmt.Errorf("shift slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return publication.ErrInvalidTransition
	}
	return nil
}

// FindByIdempotencyKey resolves an earlier schedule request by its client key.
func (r *PublishLogRepo) FindByIdempotencyKey(ctx context.Context, key string) (*domain.PublishLog, error) {
	l, err := scanPublishLog(r.db.QueryRowContext(ctx, `
		SELECT `+publishLogColumns+` FROM publish_logs
		WHERE extra_metadata->>'idempotency_key' = $1
		ORDER BY requested_at ASC
		LIMIT 1
	`, key))
	if err == sql.ErrNoRows {
		return nil, publication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return l, nil
}

// QueueDepth counts logs currently in the active queue (pending, processing
// or retry). The backpressure monitor polls it.
func (r *PublishLogRepo) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM publish_logs
		WHERE status IN ('pending', 'processing', 'retry')
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
