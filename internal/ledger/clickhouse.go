package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

const (
	mirrorQueueSize  = 1024
	mirrorBatchSize  = 100
	mirrorFlushEvery = 2 * time.Second
)

// Mirror ships ledger events to ClickHouse in the background. Enqueue never
// blocks; when the queue is full the event is dropped and counted. Postgres
// remains the source of truth either way.
type Mirror struct {
	db    *sql.DB
	table string

	events chan domain.LedgerEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool

	written int64
	dropped int64
}

// NewMirror connects to ClickHouse and ensures the events table exists.
func NewMirror(cfg config.ClickHouseConfig) (*Mirror, error) {
	dsn := fmt.Sprintf("clickhouse://%s/%s", cfg.Addr, cfg.Database)
	if cfg.Username != "" {
		dsn += fmt.Sprintf("?username=%s&password=%s", cfg.Username, cfg.Password)
	}
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(10)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
       id          String,
       event_type  String,
       entity_type String,
       entity_id   String,
       severity    String,
       payload     String,
       created_at  DateTime64(3)
   ) ENGINE=MergeTree() ORDER BY (event_type, created_at)`, cfg.Table)
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	logger.Info("connected to clickhouse mirror", "addr", cfg.Addr, "table", cfg.Table)
	return newMirrorWithDB(db, cfg.Table), nil
}

func newMirrorWithDB(db *sql.DB, table string) *Mirror {
	return &Mirror{
		db:     db,
		table:  table,
		events: make(chan domain.LedgerEvent, mirrorQueueSize),
	}
}

// Start launches the background flush loop.
func (m *Mirror) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop flushes what is queued and shuts the loop down.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if err := m.db.Close(); err != nil {
		logger.Warn("clickhouse close", "error", err.Error())
	}
}

// Enqueue hands an event to the mirror without blocking the caller.
func (m *Mirror) Enqueue(ev domain.LedgerEvent) {
	select {
	case m.events <- ev:
	default:
		atomic.AddInt64(&m.dropped, 1)
	}
}

// Stats returns the written and dropped counters.
func (m *Mirror) Stats() (written, dropped int64) {
	return atomic.LoadInt64(&m.written), atomic.LoadInt64(&m.dropped)
}

func (m *Mirror) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(mirrorFlushEvery)
	defer ticker.Stop()

	batch := make([]domain.LedgerEvent, 0, mirrorBatchSize)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever arrived before shutdown.
			for {
				select {
				case ev := <-m.events:
					batch = append(batch, ev)
				default:
					m.flush(batch)
					return
				}
			}
		case ev := <-m.events:
			batch = append(batch, ev)
			if len(batch) >= mirrorBatchSize {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (m *Mirror) flush(batch []domain.LedgerEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Warn("clickhouse begin batch", "error", err.Error())
		atomic.AddInt64(&m.dropped, int64(len(batch)))
		return
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, event_type, entity_type, entity_id, severity, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, m.table))
	if err != nil {
		logger.Warn("clickhouse prepare batch", "error", err.Error())
		_ = tx.Rollback()
		atomic.AddInt64(&m.dropped, int64(len(batch)))
		return
	}
	for _, ev := range batch {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			raw = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.EventType, ev.EntityType, ev.EntityID, string(ev.Severity), string(raw), ev.CreatedAt); err != nil {
			logger.Warn("clickhouse append row", "event_id", ev.ID, "error", err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		logger.Warn("clickhouse commit batch", "error", err.Error())
		atomic.AddInt64(&m.dropped, int64(len(batch)))
		return
	}
	atomic.AddInt64(&m.written, int64(len(batch)))
}
