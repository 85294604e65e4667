package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/clipcast/autopilot/internal/domain"
)

func TestABTestSetWinnerMonotonic(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// First decision lands.
	mock.ExpectExec("UPDATE ab_tests").
		WithArgs("test-1", "clip-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Second decision hits the winner_clip_id IS NULL guard.
	mock.ExpectExec("UPDATE ab_tests").
		WithArgs("test-1", "clip-b", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("test-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewABTestRepo(db)
	snapshot := map[string]interface{}{"winner_score": 0.91}
	stats := &domain.StatisticalResults{ChiSquare: 5.2, PValue: 0.02, Significant: true}

	if err := repo.SetWinner(context.Background(), "test-1", "clip-a", snapshot, stats); err != nil {
		t.Fatalf("SetWinner() first call error: %v", err)
	}
	err := repo.SetWinner(context.Background(), "test-1", "clip-b", snapshot, stats)
	if !errors.Is(err, ErrWinnerAlreadySet) {
		t.Errorf("SetWinner() second call error = %v, want ErrWinnerAlreadySet", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestABTestSetPublishedWinnerIdempotent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ab_tests").
		WithArgs("test-1", "log-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ab_tests").
		WithArgs("test-1", "log-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("test-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewABTestRepo(db)
	if err := repo.SetPublishedWinnerLogID(context.Background(), "test-1", "log-1"); err != nil {
		t.Fatalf("SetPublishedWinnerLogID() first call error: %v", err)
	}
	err := repo.SetPublishedWinnerLogID(context.Background(), "test-1", "log-2")
	if !errors.Is(err, ErrWinnerAlreadyPublished) {
		t.Errorf("SetPublishedWinnerLogID() second call error = %v, want ErrWinnerAlreadyPublished", err)
	}
}

func TestABTestSetWinnerMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE ab_tests").
		WithArgs("ghost", "clip-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	repo := NewABTestRepo(db)
	err := repo.SetWinner(context.Background(), "ghost", "clip-a", nil, nil)
	if !errors.Is(err, ErrABTestNotFound) {
		t.Errorf("SetWinner() error = %v, want ErrABTestNotFound", err)
	}
}

func TestABTestCreateInsertsVariants(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ab_tests").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ab_test_variants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ab_test_variants").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	repo := NewABTestRepo(db)
	test := &domain.ABTest{
		AdsCampaignID:    "camp-1",
		Name:             "hook comparison",
		MinImpressions:   1000,
		MinDurationHours: 24,
		Variants: []domain.ABVariant{
			{ClipID: "clip-a", AdID: "ad-a"},
			{ClipID: "clip-b", AdID: "ad-b"},
		},
	}
	if err := repo.Create(context.Background(), test); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if test.Status != domain.ABTestActive {
		t.Errorf("status = %s, want active", test.Status)
	}
	if test.Variants[0].Position != 1 || test.Variants[1].Position != 2 {
		t.Errorf("variant positions = %d,%d, want 1,2",
			test.Variants[0].Position, test.Variants[1].Position)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
