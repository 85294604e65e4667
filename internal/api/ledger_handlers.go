package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
)

// HandleListEvents returns recent ledger events, optionally filtered by
// severity.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	severity := q.Get("severity")
	switch domain.Severity(severity) {
	case "", domain.SeverityInfo, domain.SeverityWarn, domain.SeverityError:
	default:
		httputil.BadRequest(w, "unknown severity: "+severity)
		return
	}
	limit := queryLimit(r, 100)

	events, err := h.events.ListRecent(r.Context(), severity, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"count": len(events), "events": events})
}

// HandleEntityEvents returns the audit trail of one entity, newest first.
func (h *Handlers) HandleEntityEvents(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID := chi.URLParam(r, "entityID")
	limit := queryLimit(r, 50)

	events, err := h.events.ListByEntity(r.Context(), entityType, entityID, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"events":      events,
	})
}

// queryLimit reads a positive limit query param, defaulting when absent or
// invalid.
func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
