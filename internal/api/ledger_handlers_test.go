package api

import (
	"net/http"
	"testing"

	"github.com/clipcast/autopilot/internal/domain"
)

func TestListLedgerEvents(t *testing.T) {
	f := newAPIFixture()
	f.ledger.events = []domain.LedgerEvent{
		{ID: "evt-1", EventType: domain.EventPublishSuccessful, Severity: domain.SeverityInfo},
		{ID: "evt-2", EventType: domain.EventPublishLogFailed, Severity: domain.SeverityError},
	}

	rec := f.do(t, http.MethodGet, "/api/ledger/events?severity=error", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.ledger.lastSeverity != "error" {
		t.Fatalf("severity = %q", f.ledger.lastSeverity)
	}

	var resp struct {
		Count  int                  `json:"count"`
		Events []domain.LedgerEvent `json:"events"`
	}
	decode(t, rec, &resp)
	if resp.Count != 2 || resp.Events[0].ID != "evt-1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestListLedgerEventsRejectsUnknownSeverity(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, http.MethodGet, "/api/ledger/events?severity=verbose", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEntityLedgerEvents(t *testing.T) {
	f := newAPIFixture()
	f.ledger.events = []domain.LedgerEvent{
		{ID: "evt-1", EntityType: domain.EntityPublishLog, EntityID: "log-1"},
	}

	rec := f.do(t, http.MethodGet, "/api/ledger/events/publish_log/log-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.ledger.lastEntity != "publish_log" || f.ledger.lastEntityID != "log-1" {
		t.Fatalf("entity = %s/%s", f.ledger.lastEntity, f.ledger.lastEntityID)
	}

	var resp struct {
		EntityType string               `json:"entity_type"`
		EntityID   string               `json:"entity_id"`
		Events     []domain.LedgerEvent `json:"events"`
	}
	decode(t, rec, &resp)
	if resp.EntityID != "log-1" || len(resp.Events) != 1 {
		t.Fatalf("response = %+v", resp)
	}
}
