package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
)

// Sentinel errors for identity assignment.
var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrIdentityExists     = errors.New("account already has an active identity")
	ErrNoProxyAvailable   = errors.New("no unclaimed proxy in class")
	ErrFingerprintTaken   = errors.New("fingerprint already bound to another account")
	ErrExclusiveVPNSingle = errors.New("exclusive vpn identity already assigned")
)

// IdentityRepo owns the identity and proxy tables. No other repository
// mutates them; every other component reads through the router.
type IdentityRepo struct{ db *sql.DB }

// NewIdentityRepo creates a Postgres-backed identity repository.
func NewIdentityRepo(db *sql.DB) *IdentityRepo { return &IdentityRepo{db: db} }

const identityColumns = `id, account_id, proxy_id, proxy_url, fingerprint,
	       device_class, class, status, last_used_at, created_at`

func scanIdentity(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Identity, error) {
	id := &domain.Identity{}
	var lastUsed sql.NullTime
	err := row.Scan(
		&id.ID, &id.AccountID, &id.ProxyID, &id.ProxyURL, &id.Fingerprint,
		&id.DeviceClass, &id.Class, &id.Status, &lastUsed, &id.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		id.LastUsedAt = &lastUsed.Time
	}
	return id, nil
}

// AddProxy seeds one pool entry.
func (r *IdentityRepo) AddProxy(ctx context.Context, p *domain.Proxy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Class == "" {
		p.Class = domain.IdentityClassAccount
	}

	query := `
		INSERT INTO identity_proxies (id, url, class, created_at)
		VALUES ($1, $2, $3, NOW())`

	if _, err := r.db.ExecContext(ctx, query, p.ID, p.URL, p.Class); err != nil {
		return fmt.Errorf("add proxy: %w", err)
	}
	return nil
}

// CountUnclaimed returns the number of free proxies in a class.
func (r *IdentityRepo) CountUnclaimed(ctx context.Context, class domain.IdentityClass) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_proxies WHERE class = $1 AND claimed_by IS NULL`,
		class).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unclaimed proxies: %w", err)
	}
	return n, nil
}

// Create atomically claims a free proxy of the identity's class and inserts
// the identity bound to it. The whole assignment runs in one transaction so
// concurrent assigners either get distinct proxies or ErrNoProxyAvailable;
// a fingerprint collision with another account aborts with
// ErrFingerprintTaken and the caller retries with a fresh fingerprint.
func (r *IdentityRepo) Create(ctx context.Context, id *domain.Identity) error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	if id.Status == "" {
		id.Status = domain.IdentityActive
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity create: %w", err)
	}
	defer tx.Rollback()

	var exists bool

	if id.Class == domain.IdentityClassExclusiveVPN {
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM identities
				WHERE class = 'exclusive_vpn' AND status = 'active'
			)`).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check exclusive vpn tenancy: %w", err)
		}
		if exists {
			return ErrExclusiveVPNSingle
		}
	}

	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM identities
			WHERE account_id = $1 AND status = 'active'
		)`, id.AccountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check active identity: %w", err)
	}
	if exists {
		return ErrIdentityExists
	}

	// Fingerprints are never shared across accounts, active or retired. Rows
	// of the same account do not block so a recreated identity keeps its
	// deterministic fingerprint.
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM identities
			WHERE fingerprint = $1 AND account_id <> $2
		)`, id.Fingerprint, id.AccountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check fingerprint: %w", err)
	}
	if exists {
		return ErrFingerprintTaken
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE identity_proxies
		SET claimed_by = $1
		WHERE id = (
			SELECT id FROM identity_proxies
			WHERE class = $2 AND claimed_by IS NULL
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, url`, id.ID, id.Class).Scan(&id.ProxyID, &id.ProxyURL)
	if err == sql.ErrNoRows {
		return ErrNoProxyAvailable
	}
	if err != nil {
		return fmt.Errorf("claim proxy: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (
			id, account_id, proxy_id, proxy_url, fingerprint,
			device_class, class, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		id.ID, id.AccountID, id.ProxyID, id.ProxyURL, id.Fingerprint,
		id.DeviceClass, id.Class, id.Status,
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity create: %w", err)
	}
	return nil
}

// GetActiveByAccount resolves the active identity bound to an account.
func (r *IdentityRepo) GetActiveByAccount(ctx context.Context, accountID string) (*domain.Identity, error) {
	query := `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE account_id = $1 AND status = 'active'`

	id, err := scanIdentity(r.db.QueryRowContext(ctx, query, accountID))
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity by account: %w", err)
	}
	return id, nil
}

// Get returns one identity row by id.
func (r *IdentityRepo) Get(ctx context.Context, identityID string) (*domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`

	id, err := scanIdentity(r.db.QueryRowContext(ctx, query, identityID))
	if err == sql.ErrNoRows {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

// ScraperPool returns active rotating-pool identities, least recently used
// first, so callers that take the head rotate the pool naturally.
func (r *IdentityRepo) ScraperPool(ctx context.Context, limit int) ([]*domain.Identity, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE class = 'scraper_pool' AND status = 'active'
		ORDER BY last_used_at ASC NULLS FIRST
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list scraper pool: %w", err)
	}
	defer rows.Close()

	var ids []*domain.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchLastUsed stamps an identity after a successful outbound call.
func (r *IdentityRepo) TouchLastUsed(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities SET last_used_at = NOW() WHERE id = $1`, identityID)
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}
	return nil
}

// Retire deactivates an identity and releases its proxy back to the pool.
// The fingerprint row stays behind so no other account can ever take it.
func (r *IdentityRepo) Retire(ctx context.Context, identityID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin identity retire: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE identities
		SET status = 'retired'
		WHERE id = $1 AND status = 'active'`, identityID)
	if err != nil {
		return fmt.Errorf("retire identity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrIdentityNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE identity_proxies SET claimed_by = NULL WHERE claimed_by = $1`, identityID)
	if err != nil {
		return fmt.Errorf("release proxy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity retire: %w", err)
	}
	return nil
}
