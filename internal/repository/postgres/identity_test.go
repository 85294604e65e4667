package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clipcast/autopilot/internal/domain"
)

func expectExistsCheck(mock sqlmock.Sqlmock, pattern string, exists bool, args ...driver.Value) {
	mock.ExpectQuery(pattern).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestIdentityCreateClaimsProxy(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	expectExistsCheck(mock, "SELECT EXISTS", false, "acct-1")
	expectExistsCheck(mock, "SELECT EXISTS", false, "fp-1", "acct-1")
	mock.ExpectQuery("UPDATE identity_proxies").
		WithArgs(sqlmock.AnyArg(), domain.IdentityClassAccount).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url"}).
			AddRow("proxy-1", "socks5://10.0.0.1:1080"))
	mock.ExpectExec("INSERT INTO identities").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewIdentityRepo(db)
	id := &domain.Identity{
		AccountID:   "acct-1",
		Fingerprint: "fp-1",
		DeviceClass: domain.DeviceAndroid,
		Class:       domain.IdentityClassAccount,
	}
	if err := repo.Create(context.Background(), id); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if id.ProxyID != "proxy-1" || id.ProxyURL != "socks5://10.0.0.1:1080" {
		t.Errorf("claimed proxy = (%s, %s), want proxy-1", id.ProxyID, id.ProxyURL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIdentityCreatePoolExhausted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	expectExistsCheck(mock, "SELECT EXISTS", false, "acct-1")
	expectExistsCheck(mock, "SELECT EXISTS", false, "fp-1", "acct-1")
	mock.ExpectQuery("UPDATE identity_proxies").
		WithArgs(sqlmock.AnyArg(), domain.IdentityClassAccount).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url"}))
	mock.ExpectRollback()

	repo := NewIdentityRepo(db)
	id := &domain.Identity{
		AccountID:   "acct-1",
		Fingerprint: "fp-1",
		Class:       domain.IdentityClassAccount,
	}
	if err := repo.Create(context.Background(), id); !errors.Is(err, ErrNoProxyAvailable) {
		t.Errorf("Create() error = %v, want ErrNoProxyAvailable", err)
	}
}

func TestIdentityCreateFingerprintCollision(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	expectExistsCheck(mock, "SELECT EXISTS", false, "acct-2")
	// fp-1 already belongs to another account, active or retired.
	expectExistsCheck(mock, "SELECT EXISTS", true, "fp-1", "acct-2")
	mock.ExpectRollback()

	repo := NewIdentityRepo(db)
	id := &domain.Identity{
		AccountID:   "acct-2",
		Fingerprint: "fp-1",
		Class:       domain.IdentityClassAccount,
	}
	if err := repo.Create(context.Background(), id); !errors.Is(err, ErrFingerprintTaken) {
		t.Errorf("Create() error = %v, want ErrFingerprintTaken", err)
	}
}

func TestIdentityCreateExclusiveVPNSingleTenant(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	expectExistsCheck(mock, "SELECT EXISTS", true)
	mock.ExpectRollback()

	repo := NewIdentityRepo(db)
	id := &domain.Identity{
		AccountID:   "bot-2",
		Fingerprint: "fp-9",
		Class:       domain.IdentityClassExclusiveVPN,
	}
	if err := repo.Create(context.Background(), id); !errors.Is(err, ErrExclusiveVPNSingle) {
		t.Errorf("Create() error = %v, want ErrExclusiveVPNSingle", err)
	}
}

func TestIdentityRetireReleasesProxy(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE identities").
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE identity_proxies SET claimed_by = NULL").
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewIdentityRepo(db)
	if err := repo.Retire(context.Background(), "id-1"); err != nil {
		t.Fatalf("Retire() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
