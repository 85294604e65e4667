package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/service/publication"
)

// HandlePlatformWebhook ingests one platform publish notification. Field
// names differ per platform, so the payload is normalized into a single
// event shape before it reaches the service. Duplicate deliveries are
// acknowledged with 200 like the first one.
func (h *Handlers) HandlePlatformWebhook(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	if !platform.Valid() {
		observability.WebhookCount.WithLabelValues(string(platform), "unknown_platform").Inc()
		httputil.NotFound(w, "unknown platform")
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		observability.WebhookCount.WithLabelValues(string(platform), "bad_payload").Inc()
		httputil.BadRequest(w, "invalid JSON payload")
		return
	}

	ev := normalizeWebhook(platform, payload)
	if ev.ExternalPostID == "" {
		observability.WebhookCount.WithLabelValues(string(platform), "missing_post_id").Inc()
		httputil.BadRequest(w, "payload has no post id")
		return
	}

	log, err := h.pubs.IngestWebhook(r.Context(), string(platform), ev)
	switch {
	case errors.Is(err, publication.ErrMissingPostID):
		observability.WebhookCount.WithLabelValues(string(platform), "missing_post_id").Inc()
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, publication.ErrNotFound):
		observability.WebhookCount.WithLabelValues(string(platform), "unmatched").Inc()
		httputil.NotFound(w, "no publication matches post id")
	case err != nil:
		observability.WebhookCount.WithLabelValues(string(platform), "error").Inc()
		httputil.InternalError(w, err)
	default:
		observability.WebhookCount.WithLabelValues(string(platform), "merged").Inc()
		// The service returns the pre-merge log, so WebhookReceived reports
		// whether this delivery was a repeat.
		httputil.OK(w, map[string]interface{}{
			"log_id":    log.ID,
			"duplicate": log.WebhookReceived(),
		})
	}
}

// normalizeWebhook maps platform-specific payload fields onto one event.
// Instagram sends Graph media ids and RFC3339 timestamps, TikTok sends
// video_id/share_url with unix create_time, YouTube sends video ids with
// published_at. Generic keys act as fallback for all three.
func normalizeWebhook(platform domain.Platform, payload map[string]interface{}) publication.WebhookEvent {
	var ev publication.WebhookEvent

	switch platform {
	case domain.PlatformInstagram:
		ev.ExternalPostID = stringField(payload, "media_id", "id", "external_post_id")
		ev.MediaURL = stringField(payload, "permalink", "media_url")
		ev.Timestamp = timeField(payload, "timestamp")
	case domain.PlatformTikTok:
		ev.ExternalPostID = stringField(payload, "video_id", "external_post_id")
		ev.MediaURL = stringField(payload, "share_url", "media_url")
		ev.Timestamp = timeField(payload, "create_time", "timestamp")
	case domain.PlatformYouTube:
		ev.ExternalPostID = stringField(payload, "video_id", "id", "external_post_id")
		ev.MediaURL = stringField(payload, "url", "media_url")
		ev.Timestamp = timeField(payload, "published_at", "timestamp")
	}
	ev.Status = stringField(payload, "status", "state")
	return ev
}

// stringField returns the first non-empty string among the candidate keys.
func stringField(payload map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// timeField parses the first usable timestamp among the candidate keys,
// accepting RFC3339 strings or unix seconds.
func timeField(payload map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts.UTC()
			}
		case float64:
			if v > 0 {
				return time.Unix(int64(v), 0).UTC()
			}
		}
	}
	return time.Time{}
}
