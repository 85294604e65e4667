package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
	"github.com/clipcast/autopilot/internal/service/publication"
)

type scheduleRequest struct {
	ClipID         string                 `json:"clip_id"`
	Platform       string                 `json:"platform"`
	AccountID      string                 `json:"account_id"`
	CampaignID     *string                `json:"campaign_id"`
	ForceSlot      *time.Time             `json:"force_slot"`
	ScheduledBy    string                 `json:"scheduled_by"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// HandleSchedulePublication books a slot for one clip. Replays with the same
// idempotency key return the original log.
func (h *Handlers) HandleSchedulePublication(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ClipID == "" {
		httputil.BadRequest(w, "clip_id is required")
		return
	}
	platform := domain.Platform(req.Platform)
	if !platform.Valid() {
		httputil.BadRequest(w, "unknown platform: "+req.Platform)
		return
	}
	scheduledBy, ok := parseScheduledBy(req.ScheduledBy)
	if !ok {
		httputil.BadRequest(w, "unknown scheduled_by: "+req.ScheduledBy)
		return
	}
	// The header wins over the body field when both are present.
	idem := r.Header.Get("X-Idempotency-Key")
	if idem == "" {
		idem = req.IdempotencyKey
	}

	log, err := h.sched.Schedule(r.Context(), scheduler.Request{
		ClipID:         req.ClipID,
		Platform:       platform,
		AccountID:      req.AccountID,
		ForceSlot:      req.ForceSlot,
		CampaignID:     req.CampaignID,
		ScheduledBy:    scheduledBy,
		IdempotencyKey: idem,
		Metadata:       req.Metadata,
	})
	switch {
	case errors.Is(err, scheduler.ErrEmergencyStopped):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "emergency_stop")
	case errors.Is(err, scheduler.ErrPlatformNotConfigured):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, scheduler.ErrNoActiveAccount):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "no_active_account")
	case errors.Is(err, scheduler.ErrPartitionBusy):
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, postgres.ErrClipNotFound), errors.Is(err, postgres.ErrAccountNotFound):
		httputil.NotFound(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.Created(w, log)
	}
}

// parseScheduledBy validates the origin field. Operator requests default to
// manual; the automated origins are accepted for internal callers.
func parseScheduledBy(s string) (domain.ScheduledBy, bool) {
	switch domain.ScheduledBy(s) {
	case "":
		return domain.ScheduledManual, true
	case domain.ScheduledManual, domain.ScheduledAuto, domain.ScheduledABWinner, domain.ScheduledOptimizer:
		return domain.ScheduledBy(s), true
	default:
		return "", false
	}
}

// HandleListPublications lists publish logs, newest first.
func (h *Handlers) HandleListPublications(w http.ResponseWriter, r *http.Request) {
	params := ParsePagination(r, 50, 200)
	q := r.URL.Query()

	filter := publication.ListFilter{
		Status:   q.Get("status"),
		Platform: q.Get("platform"),
		ClipID:   q.Get("clip_id"),
		Limit:    params.Limit,
		Offset:   params.Offset,
	}
	logs, total, err := h.pubs.List(r.Context(), filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(logs, params, total))
}

// HandleGetPublication returns one publish log.
func (h *Handlers) HandleGetPublication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := h.pubs.Get(r.Context(), id)
	switch {
	case errors.Is(err, publication.ErrNotFound):
		httputil.NotFound(w, "publication not found")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, log)
	}
}

// HandlePublicationTimeline returns the ledger trail of one publication.
func (h *Handlers) HandlePublicationTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.pubs.Timeline(r.Context(), id, queryLimit(r, 50))
	switch {
	case errors.Is(err, publication.ErrNotFound):
		httputil.NotFound(w, "publication not found")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]interface{}{"log_id": id, "events": events})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// HandleCancelPublication cancels a non-terminal publication.
func (h *Handlers) HandleCancelPublication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	err := h.pubs.Cancel(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, publication.ErrNotFound):
		httputil.NotFound(w, "publication not found")
	case errors.Is(err, publication.ErrTerminal):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "terminal_state")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"id": id, "status": string(domain.PublishCancelled)})
	}
}

// HandleQueueDepths reports queue depth per status plus the grand total.
func (h *Handlers) HandleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := h.pubs.QueueDepths(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	total := 0
	for _, n := range depths {
		total += n
	}
	httputil.OK(w, map[string]interface{}{"depths": depths, "total": total})
}

// HandleCampaignWinner returns the publication currently pinned as the
// campaign's live winner.
func (h *Handlers) HandleCampaignWinner(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	log, err := h.pubs.CampaignWinner(r.Context(), campaignID)
	switch {
	case errors.Is(err, publication.ErrNotFound):
		httputil.NotFound(w, "campaign has no pinned winner")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, log)
	}
}

type pinWinnerRequest struct {
	LogID  string `json:"log_id"`
	Reason string `json:"reason"`
}

// HandlePinCampaignWinner flags one successful publication as the campaign's
// live winner, demoting the previous holder.
func (h *Handlers) HandlePinCampaignWinner(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	var req pinWinnerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.LogID == "" {
		httputil.BadRequest(w, "log_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	err := h.pubs.PinCampaignWinner(r.Context(), campaignID, req.LogID, req.Reason)
	switch {
	case errors.Is(err, publication.ErrNotFound):
		httputil.NotFound(w, "publication not found for campaign")
	case errors.Is(err, publication.ErrNotSuccessful):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "not_successful")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"campaign_id": campaignID, "winner_log_id": req.LogID})
	}
}
