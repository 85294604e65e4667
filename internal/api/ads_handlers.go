package api

import (
	"errors"
	"net/http"

	"github.com/clipcast/autopilot/internal/ads"
	"github.com/clipcast/autopilot/internal/identity"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/repository/postgres"
)

// HandleOrchestrateCampaign provisions the campaign/adset/creative/ad chain.
// Replays with the same request_id return the existing chain with 200; a
// fresh run answers 201. Partial failures come back as 502 naming the failed
// step so operators know what was provisioned before the stop.
func (h *Handlers) HandleOrchestrateCampaign(w http.ResponseWriter, r *http.Request) {
	if h.ads == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "ads orchestration not configured")
		return
	}

	var req ads.Request
	if !httputil.Decode(w, r, &req) {
		return
	}

	result, err := h.ads.Orchestrate(r.Context(), req)
	// A StepError wraps its cause, so it must be matched before the
	// sentinel checks or a mid-saga not-found would answer 404.
	var stepErr *ads.StepError
	switch {
	case errors.As(err, &stepErr):
		httputil.JSON(w, http.StatusBadGateway, httputil.ErrorResponse{
			Error: stepErr.Error(),
			Code:  "saga_step_failed",
			Details: map[string]interface{}{
				"step":      stepErr.Step,
				"completed": stepErr.Completed,
			},
		})
	case errors.Is(err, ads.ErrEmergencyStopped):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "emergency_stop")
	case errors.Is(err, ads.ErrNameEmpty), errors.Is(err, ads.ErrBudgetNegative):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, postgres.ErrClipNotFound), errors.Is(err, postgres.ErrAccountNotFound):
		httputil.NotFound(w, err.Error())
	case identity.IsViolation(err):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "isolation_violation")
	case err != nil:
		httputil.InternalError(w, err)
	case result.Reused:
		httputil.OK(w, result)
	default:
		httputil.Created(w, result)
	}
}
