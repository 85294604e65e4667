// Package ledger is the append-only event store. Every decision-carrying
// transition in the pipeline writes exactly one event here; the reconciler
// and the audit API read them back. Writes go to Postgres; an optional
// ClickHouse mirror receives the same rows asynchronously for analytics.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// Recorder is the write side consumed by every component.
type Recorder interface {
	Record(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) (string, error)
	Log(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) string
}

// Ledger writes events to Postgres and fans out to the mirror when set.
type Ledger struct {
	db     *sql.DB
	mirror *Mirror
}

// New creates a ledger backed by the given database. mirror may be nil.
func New(db *sql.DB, mirror *Mirror) *Ledger {
	return &Ledger{db: db, mirror: mirror}
}

// Record appends one event and returns its id. The caller decides whether
// a write failure aborts the surrounding operation; most loops use Log
// instead and carry on.
func (l *Ledger) Record(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal ledger payload: %w", err)
	}

	ev := domain.LedgerEvent{
		ID:         uuid.New().String(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Severity:   severity,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, event_type, entity_type, entity_id, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.EventType, ev.EntityType, ev.EntityID, string(ev.Severity), raw, ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert ledger event: %w", err)
	}

	observability.LedgerEvents.WithLabelValues(eventType).Inc()
	if l.mirror != nil {
		l.mirror.Enqueue(ev)
	}
	return ev.ID, nil
}

// Log records an event and swallows the error after logging it. Business
// operations never fail because the audit trail hiccuped. Returns the event
// id, or "" when the write failed.
func (l *Ledger) Log(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) string {
	id, err := l.Record(ctx, eventType, entityType, entityID, severity, payload)
	if err != nil {
		logger.Warn("ledger write failed", "event_type", eventType, "entity_id", entityID, "error", err.Error())
		return ""
	}
	return id
}

// ListByEntity returns the newest events for one entity, newest first.
func (l *Ledger) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, entity_type, entity_id, severity, payload, created_at
		FROM ledger_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the newest events across all entities, optionally
// filtered by severity.
func (l *Ledger) ListRecent(ctx context.Context, severity string, limit int) ([]domain.LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
		SELECT id, event_type, entity_type, entity_id, severity, payload, created_at
		FROM ledger_events`
	args := []interface{}{}
	if severity != "" {
		q += ` WHERE severity = $1`
		args = append(args, severity)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent ledger events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountSince returns how many events of the given severity were written
// after the cutoff. Master control uses this for 24h error rates.
func (l *Ledger) CountSince(ctx context.Context, severity string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_events WHERE severity = $1 AND created_at >= $2
	`, severity, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger events: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]domain.LedgerEvent, error) {
	var out []domain.LedgerEvent
	for rows.Next() {
		var ev domain.LedgerEvent
		var severity string
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.EntityType, &ev.EntityID, &severity, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		ev.Severity = domain.Severity(severity)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal ledger payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	return out, nil
}
