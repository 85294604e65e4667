package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
)

func TestWebhookTikTokNormalization(t *testing.T) {
	f := newAPIFixture()
	seedLog(f, "log-1", "tt-9", domain.PublishProcessing, nil)

	rec := f.do(t, http.MethodPost, "/webhooks/tiktok", map[string]interface{}{
		"video_id":    "tt-9",
		"status":      "PUBLISHED",
		"share_url":   "https://tiktok.example/v/tt-9",
		"create_time": 1743580800,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	ev := f.pubs.lastEvent
	if ev.ExternalPostID != "tt-9" {
		t.Fatalf("external post id = %q", ev.ExternalPostID)
	}
	if ev.MediaURL != "https://tiktok.example/v/tt-9" {
		t.Fatalf("media url = %q", ev.MediaURL)
	}
	if ev.Status != "PUBLISHED" {
		t.Fatalf("status = %q", ev.Status)
	}
	if want := time.Unix(1743580800, 0).UTC(); !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if f.pubs.lastPlatform != "tiktok" {
		t.Fatalf("platform = %q", f.pubs.lastPlatform)
	}

	var resp struct {
		LogID     string `json:"log_id"`
		Duplicate bool   `json:"duplicate"`
	}
	decode(t, rec, &resp)
	if resp.LogID != "log-1" || resp.Duplicate {
		t.Fatalf("response = %+v", resp)
	}
}

func TestWebhookInstagramNormalization(t *testing.T) {
	f := newAPIFixture()
	seedLog(f, "log-2", "ig-5", domain.PublishProcessing, nil)

	rec := f.do(t, http.MethodPost, "/webhooks/instagram", map[string]interface{}{
		"media_id":  "ig-5",
		"status":    "FINISHED",
		"permalink": "https://instagram.example/p/ig-5",
		"timestamp": "2026-04-02T09:30:00Z",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	ev := f.pubs.lastEvent
	if ev.ExternalPostID != "ig-5" || ev.MediaURL != "https://instagram.example/p/ig-5" {
		t.Fatalf("event = %+v", ev)
	}
	if want := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC); !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}
}

func TestWebhookGenericKeysAccepted(t *testing.T) {
	f := newAPIFixture()
	seedLog(f, "log-3", "yt-7", domain.PublishSuccess, nil)

	rec := f.do(t, http.MethodPost, "/webhooks/youtube", map[string]interface{}{
		"external_post_id": "yt-7",
		"media_url":        "https://youtube.example/watch?v=yt-7",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.pubs.lastEvent.ExternalPostID != "yt-7" {
		t.Fatalf("event = %+v", f.pubs.lastEvent)
	}
}

func TestWebhookMissingPostID(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/webhooks/instagram", map[string]interface{}{
		"status": "FINISHED",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownPlatform(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/webhooks/myspace", map[string]interface{}{
		"external_post_id": "x-1",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookUnmatchedPostID(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodPost, "/webhooks/tiktok", map[string]interface{}{
		"video_id": "never-seen",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookDuplicateAcknowledged(t *testing.T) {
	f := newAPIFixture()
	seedLog(f, "log-4", "tt-dup", domain.PublishSuccess,
		map[string]interface{}{domain.MetaWebhookReceived: true})

	rec := f.do(t, http.MethodPost, "/webhooks/tiktok", map[string]interface{}{
		"video_id": "tt-dup",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Duplicate bool `json:"duplicate"`
	}
	decode(t, rec, &resp)
	if !resp.Duplicate {
		t.Fatal("expected the repeat delivery to be flagged duplicate")
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture()

	req, rec := rawRequest(http.MethodPost, "/webhooks/tiktok", "{not json")
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
