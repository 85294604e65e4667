package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/provider"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/worker"
)

// HandleListActions lists optimization actions by status, newest first.
// Without a status filter the review queue (suggested) is returned.
func (h *Handlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	if h.actstore == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "optimization not configured")
		return
	}

	q := r.URL.Query()
	status := domain.ActionStatus(q.Get("status"))
	if status == "" {
		status = domain.ActionSuggested
	}
	if !validActionStatus(status) {
		httputil.BadRequest(w, "unknown status: "+string(status))
		return
	}

	actions, err := h.actstore.ListByStatus(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":  status,
		"count":   len(actions),
		"actions": actions,
	})
}

func validActionStatus(s domain.ActionStatus) bool {
	switch s {
	case domain.ActionSuggested, domain.ActionPending, domain.ActionExecuting,
		domain.ActionExecuted, domain.ActionFailed, domain.ActionCancelled:
		return true
	default:
		return false
	}
}

// HandleGetAction returns one optimization action.
func (h *Handlers) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	if h.actstore == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "optimization not configured")
		return
	}
	a, err := h.actstore.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, postgres.ErrActionNotFound):
		httputil.NotFound(w, "action not found")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, a)
	}
}

type approveActionRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// HandleApproveAction approves a suggested action and executes it inline.
// The response carries the action after execution, so the caller sees
// executed or failed, not pending.
func (h *Handlers) HandleApproveAction(w http.ResponseWriter, r *http.Request) {
	if h.actions == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "optimization not configured")
		return
	}

	var req approveActionRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = "operator"
	}

	a, err := h.actions.Approve(r.Context(), chi.URLParam(r, "id"), req.ApprovedBy)
	h.respondActionOutcome(w, a, err)
}

// HandleCancelAction withdraws a non-terminal action.
func (h *Handlers) HandleCancelAction(w http.ResponseWriter, r *http.Request) {
	if h.actions == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "optimization not configured")
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	id := chi.URLParam(r, "id")
	err := h.actions.Cancel(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, postgres.ErrActionNotFound):
		httputil.NotFound(w, "action not found")
	case errors.Is(err, postgres.ErrActionTransition):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "invalid_transition")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"id": id, "status": string(domain.ActionCancelled)})
	}
}

// HandleExecuteAction runs an already-approved action.
func (h *Handlers) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	if h.actions == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "optimization not configured")
		return
	}
	a, err := h.actions.Execute(r.Context(), chi.URLParam(r, "id"))
	h.respondActionOutcome(w, a, err)
}

// respondActionOutcome maps the shared approve/execute error surface. A
// provider failure answers 502; the action is already marked failed with
// the cause in its execution result.
func (h *Handlers) respondActionOutcome(w http.ResponseWriter, a *domain.OptimizationAction, err error) {
	var guardErr *worker.GuardError
	var provErr *provider.Error
	switch {
	case errors.Is(err, postgres.ErrActionNotFound):
		httputil.NotFound(w, "action not found")
	case errors.As(err, &guardErr):
		httputil.ErrorCode(w, http.StatusConflict, guardErr.Error(), "guard_"+guardErr.Guard)
	case errors.Is(err, worker.ErrActionNotPending):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "not_pending")
	case errors.Is(err, postgres.ErrActionTransition):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "invalid_transition")
	case errors.As(err, &provErr):
		httputil.ErrorCode(w, http.StatusBadGateway,
			"action execution failed at the provider", "provider_"+string(provErr.Kind))
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, a)
	}
}
