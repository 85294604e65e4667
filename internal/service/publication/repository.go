package publication

import (
	"context"

	"github.com/clipcast/autopilot/internal/domain"
)

// Repository defines the data access contract for publish logs.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single log. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.PublishLog, error)

	// GetByExternalPostID locates the log a platform webhook refers to.
	GetByExternalPostID(ctx context.Context, externalPostID string) (*domain.PublishLog, error)

	// List returns logs matching the filter, ordered by requested_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.PublishLog, int, error)

	// Cancel moves a non-terminal log to cancelled. Returns ErrTerminal when
	// the log already reached a terminal state.
	Cancel(ctx context.Context, id string) error

	// MergeMetadata folds the given keys into extra_metadata without
	// touching status. Existing keys are overwritten.
	MergeMetadata(ctx context.Context, id string, patch map[string]interface{}) error

	// CountByStatus returns queue depth per status.
	CountByStatus(ctx context.Context) (map[domain.PublishStatus]int, error)

	// SetCurrentWinner atomically moves the campaign's winner flag to the
	// given log. Returns ErrNotFound when the log does not belong to the
	// campaign.
	SetCurrentWinner(ctx context.Context, campaignID, logID string) error

	// CurrentWinner returns the campaign's flagged winner log, if any.
	CurrentWinner(ctx context.Context, campaignID string) (*domain.PublishLog, error)
}

// ListFilter controls pagination and filtering for publish log lists.
type ListFilter struct {
	Status   string
	Platform string
	ClipID   string
	Limit    int
	Offset   int
}
