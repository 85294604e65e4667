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

// Sentinel errors for optimization actions.
var (
	ErrActionNotFound   = errors.New("optimization action not found")
	ErrActionTransition = errors.New("invalid action status transition")
)

// ActionRepo manages optimization actions.
type ActionRepo struct{ db *sql.DB }

// NewActionRepo creates a Postgres-backed optimization action repository.
func NewActionRepo(db *sql.DB) *ActionRepo { return &ActionRepo{db: db} }

const actionColumns = `id, target_level, target_id, ads_campaign_id, action_type,
	       amount_pct, amount_absolute, reason_code, roas_value, confidence, status,
	       COALESCE(reallocation_plan, '{}'), COALESCE(snapshot, '{}'),
	       COALESCE(execution_result, '{}'), ledger_event_id,
	       created_at, approved_at, executed_at, expires_at`

func scanAction(row interface {
	Scan(dest ...interface{}) error
}) (*domain.OptimizationAction, error) {
	a := &domain.OptimizationAction{}
	var (
		amountAbs     sql.NullInt64
		ledgerEventID sql.NullString
		approvedAt    sql.NullTime
		executedAt    sql.NullTime
		rawPlan       []byte
		rawSnapshot   []byte
		rawResult     []byte
	)
	err := row.Scan(
		&a.ID, &a.TargetLevel, &a.TargetID, &a.AdsCampaignID, &a.ActionType,
		&a.AmountPct, &amountAbs, &a.ReasonCode, &a.ROASValue, &a.Confidence, &a.Status,
		&rawPlan, &rawSnapshot, &rawResult, &ledgerEventID,
		&a.CreatedAt, &approvedAt, &executedAt, &a.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if amountAbs.Valid {
		a.AmountAbsolute = &amountAbs.Int64
	}
	if ledgerEventID.Valid {
		a.LedgerEventID = &ledgerEventID.String
	}
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.Time
	}
	if executedAt.Valid {
		a.ExecutedAt = &executedAt.Time
	}
	if len(rawPlan) > 0 {
		if err := json.Unmarshal(rawPlan, &a.ReallocationPlan); err != nil {
			return nil, fmt.Errorf("unmarshal reallocation plan: %w", err)
		}
	}
	if len(rawSnapshot) > 0 {
		if err := json.Unmarshal(rawSnapshot, &a.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	if len(rawResult) > 0 {
		if err := json.Unmarshal(rawResult, &a.ExecutionResult); err != nil {
			return nil, fmt.Errorf("unmarshal execution result: %w", err)
		}
	}
	return a, nil
}

func (r *ActionRepo) Get(ctx context.Context, id string) (*domain.OptimizationAction, error) {
	a, err := scanAction(r.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM optimization_actions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

func (r *ActionRepo) Create(ctx context.Context, a *domain.OptimizationAction) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	plan, err := json.Marshal(orEmptyPlan(a.ReallocationPlan))
	if err != nil {
		return "", fmt.Errorf("marshal reallocation plan: %w", err)
	}
	snapshot, err := json.Marshal(orEmptyMap(a.Snapshot))
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO optimization_actions
			(id, target_level, target_id, ads_campaign_id, action_type,
			 amount_pct, amount_absolute, reason_code, roas_value, confidence, status,
			 reallocation_plan, snapshot, ledger_event_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), $15)
	`, a.ID, a.TargetLevel, a.TargetID, a.AdsCampaignID, a.ActionType,
		a.AmountPct, a.AmountAbsolute, a.ReasonCode, a.ROASValue, a.Confidence, a.Status,
		plan, snapshot, a.LedgerEventID, a.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("create action: %w", err)
	}
	return a.ID, nil
}

// Transition moves an action between states with an optimistic status guard.
func (r *ActionRepo) Transition(ctx context.Context, id string, from, to domain.ActionStatus) error {
	if !from.CanTransition(to) {
		return ErrActionTransition
	}
	var set string
	switch to {
	case domain.ActionPending:
		set = `status = $3, approved_at = NOW()`
	case domain.ActionExecuted, domain.ActionFailed:
		set = `status = $3, executed_at = NOW()`
	default:
		set = `status = $3`
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE optimization_actions SET `+set+` WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := r.db.QueryRowContext(ctx, `SELECT status FROM optimization_actions WHERE id = $1`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrActionNotFound
		}
		if err != nil {
			return fmt.Errorf("transition action: %w", err)
		}
		return ErrActionTransition
	}
	return nil
}

// SetExecutionResult records what the provider reported after execution.
func (r *ActionRepo) SetExecutionResult(ctx context.Context, id string, result map[string]interface{}) error {
	raw, err := json.Marshal(orEmptyMap(result))
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE optimization_actions SET execution_result = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("set execution result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrActionNotFound
	}
	return nil
}

// ListByStatus returns actions in one status, oldest first so operator
// queues drain fairly.
func (r *ActionRepo) ListByStatus(ctx context.Context, status domain.ActionStatus, limit int) ([]domain.OptimizationAction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM optimization_actions WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ExpireStale cancels suggested actions whose TTL has lapsed and returns
// the ids it touched.
func (r *ActionRepo) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE optimization_actions
		SET status = 'cancelled'
		WHERE status = 'suggested' AND expires_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("expire actions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountSince returns how many non-cancelled actions targeted a campaign
// after the cutoff. The per-campaign daily cap guard reads this.
func (r *ActionRepo) CountSince(ctx context.Context, adsCampaignID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM optimization_actions
		WHERE ads_campaign_id = $1 AND created_at >= $2 AND status != 'cancelled'
	`, adsCampaignID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count campaign actions: %w", err)
	}
	return n, nil
}

// LastExecutedAt returns when an action against a target last executed.
// The cooldown guard reads this; suggested-but-unapproved actions do not
// restart the clock.
func (r *ActionRepo) LastExecutedAt(ctx context.Context, targetLevel, targetID string) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(executed_at) FROM optimization_actions
		WHERE target_level = $1 AND target_id = $2 AND status = 'executed'
	`, targetLevel, targetID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("last executed at: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// HasOpenAction reports whether a suggested or pending action already targets
// the entity, so consecutive ticks do not pile up duplicates.
func (r *ActionRepo) HasOpenAction(ctx context.Context, targetLevel, targetID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM optimization_actions
			WHERE target_level = $1 AND target_id = $2 AND status IN ('suggested', 'pending')
		)
	`, targetLevel, targetID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("open action check: %w", err)
	}
	return exists, nil
}

func collectActions(rows *sql.Rows) ([]domain.OptimizationAction, error) {
	var out []domain.OptimizationAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func orEmptyPlan(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
