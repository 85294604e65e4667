package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
)

// ErrAccountNotFound is returned when a social account id matches nothing.
var ErrAccountNotFound = errors.New("social account not found")

// AccountRepo manages social accounts.
type AccountRepo struct{ db *sql.DB }

// NewAccountRepo creates a Postgres-backed social account repository.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

const accountColumns = `id, platform, handle, credentials, COALESCE(identity_handle, ''), status, created_at, updated_at`

func scanAccount(row interface {
	Scan(dest ...interface{}) error
}) (*domain.SocialAccount, error) {
	a := &domain.SocialAccount{}
	var creds []byte
	err := row.Scan(&a.ID, &a.Platform, &a.Handle, &creds, &a.IdentityHandle, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Credentials = creds
	return a, nil
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*domain.SocialAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM social_accounts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepo) GetByHandle(ctx context.Context, platform, handle string) (*domain.SocialAccount, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM social_accounts WHERE platform = $1 AND handle = $2`, platform, handle))
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by handle: %w", err)
	}
	return a, nil
}

// ListActive returns active accounts, optionally restricted to a platform.
func (r *AccountRepo) ListActive(ctx context.Context, platform string) ([]domain.SocialAccount, error) {
	q := `SELECT ` + accountColumns + ` FROM social_accounts WHERE status = 'active'`
	args := []interface{}{}
	if platform != "" {
		q += ` AND platform = $1`
		args = append(args, platform)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.SocialAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AccountRepo) Create(ctx context.Context, a *domain.SocialAccount) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = domain.AccountActive
	}
	creds := []byte(a.Credentials)
	if len(creds) == 0 {
		creds = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO social_accounts (id, platform, handle, credentials, identity_handle, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, a.ID, a.Platform, a.Handle, creds, a.IdentityHandle, a.Status)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return a.ID, nil
}

func (r *AccountRepo) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE social_accounts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
