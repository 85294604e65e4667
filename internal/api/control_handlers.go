package api

import (
	"errors"
	"net/http"

	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/worker"
)

// HandleControlHealth runs a health sweep and returns the report.
func (h *Handlers) HandleControlHealth(w http.ResponseWriter, r *http.Request) {
	if h.control == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "master control not configured")
		return
	}
	httputil.OK(w, h.control.RunHealthCheck(r.Context()))
}

type controlCommand struct {
	Command   string `json:"command"`
	Component string `json:"component,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HandleControlCommand executes one operator command against the component
// supervisor: start_all, stop_all, restart, emergency_stop, resume, or
// run_health_check. Commands run synchronously; the ack means done.
func (h *Handlers) HandleControlCommand(w http.ResponseWriter, r *http.Request) {
	if h.control == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "master control not configured")
		return
	}

	var cmd controlCommand
	if !httputil.Decode(w, r, &cmd) {
		return
	}

	ctx := r.Context()
	switch cmd.Command {
	case "start_all":
		h.control.StartAll()
		httputil.OK(w, commandAck(cmd.Command))

	case "stop_all":
		h.control.StopAll()
		httputil.OK(w, commandAck(cmd.Command))

	case "restart":
		if cmd.Component == "" {
			httputil.BadRequest(w, "restart requires a component")
			return
		}
		err := h.control.Restart(ctx, cmd.Component)
		switch {
		case errors.Is(err, worker.ErrUnknownComponent):
			httputil.NotFound(w, err.Error())
		case err != nil:
			httputil.InternalError(w, err)
		default:
			httputil.OK(w, commandAck(cmd.Command))
		}

	case "emergency_stop":
		if cmd.Reason == "" {
			cmd.Reason = "operator request"
		}
		if err := h.control.EmergencyStop(ctx, cmd.Reason); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, commandAck(cmd.Command))

	case "resume":
		if err := h.control.Resume(ctx); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, commandAck(cmd.Command))

	case "run_health_check":
		httputil.OK(w, map[string]interface{}{
			"command": cmd.Command,
			"report":  h.control.RunHealthCheck(ctx),
		})

	default:
		httputil.BadRequest(w, "unknown command: "+cmd.Command)
	}
}

func commandAck(cmd string) map[string]string {
	return map[string]string{"command": cmd, "result": "ok"}
}
