package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clipcast/autopilot/internal/domain"
)

func TestActionTransitionGuard(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Row exists but another worker already moved it; the optimistic guard
	// sees zero rows and the probe surfaces the conflict.
	mock.ExpectExec("UPDATE optimization_actions").
		WithArgs("act-1", domain.ActionPending, domain.ActionExecuting).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM optimization_actions").
		WithArgs("act-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("executing"))

	repo := NewActionRepo(db)
	err := repo.Transition(context.Background(), "act-1", domain.ActionPending, domain.ActionExecuting)
	if !errors.Is(err, ErrActionTransition) {
		t.Errorf("Transition() error = %v, want ErrActionTransition", err)
	}
}

func TestActionTransitionIllegalPair(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	// executed is terminal; no SQL should run at all.
	repo := NewActionRepo(db)
	err := repo.Transition(context.Background(), "act-1", domain.ActionExecuted, domain.ActionPending)
	if !errors.Is(err, ErrActionTransition) {
		t.Errorf("Transition() error = %v, want ErrActionTransition", err)
	}
}

func TestActionTransitionMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE optimization_actions").
		WithArgs("ghost", domain.ActionSuggested, domain.ActionPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM optimization_actions").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	repo := NewActionRepo(db)
	err := repo.Transition(context.Background(), "ghost", domain.ActionSuggested, domain.ActionPending)
	if !errors.Is(err, ErrActionNotFound) {
		t.Errorf("Transition() error = %v, want ErrActionNotFound", err)
	}
}

func TestActionExpireStale(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE optimization_actions").
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("act-1").
			AddRow("act-2"))

	repo := NewActionRepo(db)
	ids, err := repo.ExpireStale(context.Background(), now)
	if err != nil {
		t.Fatalf("ExpireStale() error: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expired %d actions, want 2", len(ids))
	}
}

func TestActionLastExecutedAtEmpty(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT MAX\\(executed_at\\) FROM optimization_actions").
		WithArgs("campaign", "camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	repo := NewActionRepo(db)
	at, err := repo.LastExecutedAt(context.Background(), "campaign", "camp-1")
	if err != nil {
		t.Fatalf("LastExecutedAt() error: %v", err)
	}
	if at != nil {
		t.Errorf("LastExecutedAt() = %v, want nil for untouched target", at)
	}
}
