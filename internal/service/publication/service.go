package publication

import (
	"context"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/logger"
)

// EventLog is the slice of the ledger this service needs.
type EventLog interface {
	Log(ctx context.Context, eventType, entityType, entityID string, severity domain.Severity, payload map[string]interface{}) string
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]domain.LedgerEvent, error)
}

// Service implements publish-log business logic outside the worker loops.
type Service struct {
	repo   Repository
	events EventLog
}

// NewService creates a publication service backed by the given repository.
func NewService(repo Repository, events EventLog) *Service {
	return &Service{repo: repo, events: events}
}

// Get returns a single publish log.
func (s *Service) Get(ctx context.Context, id string) (*domain.PublishLog, error) {
	return s.repo.Get(ctx, id)
}

// List returns publish logs matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.PublishLog, int, error) {
	return s.repo.List(ctx, f)
}

// QueueDepths returns the number of logs per status.
func (s *Service) QueueDepths(ctx context.Context) (map[domain.PublishStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Timeline returns the ledger trail for one publish log, newest first.
func (s *Service) Timeline(ctx context.Context, id string, limit int) ([]domain.LedgerEvent, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListByEntity(ctx, domain.EntityPublishLog, id, limit)
}

// Cancel terminates a non-terminal log on operator request.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	log, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if log.IsTerminal() {
		return ErrTerminal
	}
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	s.events.Log(ctx, domain.EventPublishCancelled, domain.EntityPublishLog, id,
		domain.SeverityInfo, map[string]interface{}{
			"reason":      reason,
			"from_status": string(log.Status),
			"platform":    string(log.Platform),
			"clip_id":     log.ClipID,
		})
	logger.Info("publish log cancelled", "log_id", id, "from_status", string(log.Status), "reason", reason)
	return nil
}

// CampaignWinner returns the publication currently flagged as the campaign's
// live winner.
func (s *Service) CampaignWinner(ctx context.Context, campaignID string) (*domain.PublishLog, error) {
	return s.repo.CurrentWinner(ctx, campaignID)
}

// PinCampaignWinner flags one successful publication as the campaign's live
// winner, demoting whichever log held the flag before. The flip is atomic,
// so readers never observe two winners.
func (s *Service) PinCampaignWinner(ctx context.Context, campaignID, logID, reason string) error {
	log, err := s.repo.Get(ctx, logID)
	if err != nil {
		return err
	}
	if log.Status != domain.PublishSuccess {
		return ErrNotSuccessful
	}
	if err := s.repo.SetCurrentWinner(ctx, campaignID, logID); err != nil {
		return err
	}
	s.events.Log(ctx, domain.EventWinnerPinned, domain.EntityCampaign, campaignID,
		domain.SeverityInfo, map[string]interface{}{
			"log_id":       logID,
			"clip_id":      log.ClipID,
			"platform":     string(log.Platform),
			"scheduled_by": string(log.ScheduledBy),
			"reason":       reason,
		})
	logger.Info("campaign winner pinned", "campaign_id", campaignID, "log_id", logID, "clip_id", log.ClipID)
	return nil
}

// WebhookEvent is the normalized form of a platform callback. Platform
// handlers map their payloads into this before ingestion; unrecognized
// fields travel in Extra.
type WebhookEvent struct {
	ExternalPostID string
	Status         string
	MediaURL       string
	Timestamp      time.Time
	Extra          map[string]interface{}
}

// IngestWebhook merges platform webhook evidence into the matching log's
// metadata. It never forces a status change; the worker may still be
// mid-flight and the reconciler owns terminalization. Duplicate webhooks
// only refresh the timestamp.
func (s *Service) IngestWebhook(ctx context.Context, platform string, ev WebhookEvent) (*domain.PublishLog, error) {
	if ev.ExternalPostID == "" {
		return nil, ErrMissingPostID
	}

	log, err := s.repo.GetByExternalPostID(ctx, ev.ExternalPostID)
	if err != nil {
		return nil, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var patch map[string]interface{}
	if log.WebhookReceived() {
		patch = map[string]interface{}{domain.MetaWebhookTimestamp: ts.Format(time.RFC3339Nano)}
	} else {
		patch = map[string]interface{}{
			domain.MetaWebhookReceived:  true,
			domain.MetaWebhookTimestamp: ts.Format(time.RFC3339Nano),
		}
		if ev.Status != "" {
			patch[domain.MetaWebhookStatus] = ev.Status
		}
		if ev.MediaURL != "" {
			patch[domain.MetaMediaURL] = ev.MediaURL
		}
		for k, v := range ev.Extra {
			patch[k] = v
		}
	}

	if err := s.repo.MergeMetadata(ctx, log.ID, patch); err != nil {
		return nil, err
	}

	s.events.Log(ctx, domain.EventWebhookReceived, domain.EntityPublishLog, log.ID,
		domain.SeverityInfo, map[string]interface{}{
			"platform":         platform,
			"external_post_id": ev.ExternalPostID,
			"webhook_status":   ev.Status,
			"duplicate":        log.WebhookReceived(),
		})
	return log, nil
}
