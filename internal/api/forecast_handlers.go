package api

import (
	"errors"
	"net/http"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/scheduler"
)

// HandleForecast reports today's slot occupancy for one (platform, account)
// partition.
func (h *Handlers) HandleForecast(w http.ResponseWriter, r *http.Request) {
	platform, accountID, ok := partitionParams(w, r)
	if !ok {
		return
	}
	fc, err := h.oracle.Forecast(r.Context(), platform, accountID, h.nowFn())
	switch {
	case errors.Is(err, scheduler.ErrPlatformNotConfigured):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, fc)
	}
}

// HandleNextSlot returns only the next bookable slot.
func (h *Handlers) HandleNextSlot(w http.ResponseWriter, r *http.Request) {
	platform, accountID, ok := partitionParams(w, r)
	if !ok {
		return
	}
	slot, err := h.oracle.NextSlot(r.Context(), platform, accountID, h.nowFn())
	switch {
	case errors.Is(err, scheduler.ErrPlatformNotConfigured):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]interface{}{
			"platform":   platform,
			"account_id": accountID,
			"next_slot":  slot,
		})
	}
}

// partitionParams reads the platform/account_id query pair shared by the
// forecast endpoints.
func partitionParams(w http.ResponseWriter, r *http.Request) (domain.Platform, string, bool) {
	q := r.URL.Query()
	platform := domain.Platform(q.Get("platform"))
	if !platform.Valid() {
		httputil.BadRequest(w, "unknown platform: "+q.Get("platform"))
		return "", "", false
	}
	accountID := q.Get("account_id")
	if accountID == "" {
		httputil.BadRequest(w, "account_id is required")
		return "", "", false
	}
	return platform, accountID, true
}
