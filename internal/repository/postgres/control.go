package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
)

// ControlRepo persists component heartbeats and operator flags. Both tables
// are tiny and shared by every process, so all writes are single-row upserts.
type ControlRepo struct{ db *sql.DB }

// NewControlRepo creates a Postgres-backed control-plane repository.
func NewControlRepo(db *sql.DB) *ControlRepo { return &ControlRepo{db: db} }

// UpsertHeartbeat records that a component loop completed a tick.
func (r *ControlRepo) UpsertHeartbeat(ctx context.Context, component string, stats map[string]interface{}) error {
	rawStats, err := json.Marshal(orEmptyMap(stats))
	if err != nil {
		return fmt.Errorf("marshal heartbeat stats: %w", err)
	}

	query := `
		INSERT INTO component_heartbeats (component, last_seen, stats)
		VALUES ($1, NOW(), $2)
		ON CONFLICT (component) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			stats = EXCLUDED.stats`

	if _, err := r.db.ExecContext(ctx, query, component, rawStats); err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// ListHeartbeats returns every component's last heartbeat.
func (r *ControlRepo) ListHeartbeats(ctx context.Context) ([]domain.Heartbeat, error) {
	query := `
		SELECT component, last_seen, COALESCE(stats, '{}')
		FROM component_heartbeats
		ORDER BY component ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []domain.Heartbeat
	for rows.Next() {
		var (
			hb       domain.Heartbeat
			rawStats []byte
		)
		if err := rows.Scan(&hb.Component, &hb.LastSeen, &rawStats); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if len(rawStats) > 0 {
			if err := json.Unmarshal(rawStats, &hb.Stats); err != nil {
				return nil, fmt.Errorf("unmarshal heartbeat stats: %w", err)
			}
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}

// GetHeartbeat returns one component's heartbeat, or nil if it never ticked.
func (r *ControlRepo) GetHeartbeat(ctx context.Context, component string) (*domain.Heartbeat, error) {
	query := `
		SELECT component, last_seen, COALESCE(stats, '{}')
		FROM component_heartbeats
		WHERE component = $1`

	var (
		hb       domain.Heartbeat
		rawStats []byte
	)
	err := r.db.QueryRowContext(ctx, query, component).Scan(&hb.Component, &hb.LastSeen, &rawStats)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	if len(rawStats) > 0 {
		if err := json.Unmarshal(rawStats, &hb.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal heartbeat stats: %w", err)
		}
	}
	return &hb, nil
}

// SetFlag upserts one operator flag.
func (r *ControlRepo) SetFlag(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO control_flags (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("set control flag: %w", err)
	}
	return nil
}

// GetFlag returns a flag value and whether it is set.
func (r *ControlRepo) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM control_flags WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get control flag: %w", err)
	}
	return value, true, nil
}

// DeleteFlag clears one operator flag.
func (r *ControlRepo) DeleteFlag(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM control_flags WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete control flag: %w", err)
	}
	return nil
}

// FlagSetSince reports whether a flag was set within the window. The master
// loop uses it to rate-limit automatic restarts.
func (r *ControlRepo) FlagSetSince(ctx context.Context, key string, since time.Time) (bool, error) {
	var set bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM control_flags
			WHERE key = $1 AND updated_at >= $2
		)`, key, since).Scan(&set)
	if err != nil {
		return false, fmt.Errorf("check control flag age: %w", err)
	}
	return set, nil
}
