package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipcast/autopilot/internal/abtest"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httputil"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
)

type createABTestRequest struct {
	Name          string `json:"name"`
	AdsCampaignID string `json:"ads_campaign_id"`
	Variants      []struct {
		ClipID string `json:"clip_id"`
		AdID   string `json:"ad_id"`
	} `json:"variants"`
	MinImpressions   int64      `json:"min_impressions"`
	MinDurationHours int        `json:"min_duration_hours"`
	StartTime        *time.Time `json:"start_time"`
}

// HandleCreateABTest registers an experiment. Embargo thresholds left at
// zero fall back to the config defaults at evaluation time.
func (h *Handlers) HandleCreateABTest(w http.ResponseWriter, r *http.Request) {
	if h.abstore == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "ab testing not configured")
		return
	}

	var req createABTestRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if req.AdsCampaignID == "" {
		httputil.BadRequest(w, "ads_campaign_id is required")
		return
	}
	if len(req.Variants) < 2 {
		httputil.BadRequest(w, "at least two variants are required")
		return
	}

	test := &domain.ABTest{
		Name:             req.Name,
		AdsCampaignID:    req.AdsCampaignID,
		MinImpressions:   req.MinImpressions,
		MinDurationHours: req.MinDurationHours,
	}
	if req.StartTime != nil {
		test.StartTime = req.StartTime.UTC()
	}
	for _, v := range req.Variants {
		if v.ClipID == "" || v.AdID == "" {
			httputil.BadRequest(w, "every variant needs clip_id and ad_id")
			return
		}
		test.Variants = append(test.Variants, domain.ABVariant{ClipID: v.ClipID, AdID: v.AdID})
	}

	if err := h.abstore.Create(r.Context(), test); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, test)
}

// HandleGetABTest returns one experiment with its variants.
func (h *Handlers) HandleGetABTest(w http.ResponseWriter, r *http.Request) {
	if h.abstore == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "ab testing not configured")
		return
	}
	test, err := h.abstore.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, postgres.ErrABTestNotFound):
		httputil.NotFound(w, "ab test not found")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, test)
	}
}

type evaluationResponse struct {
	TestID      string                     `json:"test_id"`
	Decided     bool                       `json:"decided"`
	Winner      *domain.VariantMetrics     `json:"winner,omitempty"`
	Variants    []domain.VariantMetrics    `json:"variants"`
	Statistical *domain.StatisticalResults `json:"statistical,omitempty"`
	Confidence  float64                    `json:"confidence"`
	Deficit     *domain.EmbargoDeficit     `json:"deficit,omitempty"`
}

// HandleEvaluateABTest forces one evaluation pass. Under embargo the test
// stays active and the response carries the remaining deficit.
func (h *Handlers) HandleEvaluateABTest(w http.ResponseWriter, r *http.Request) {
	if h.abtests == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "ab testing not configured")
		return
	}

	outcome, err := h.abtests.Evaluate(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, postgres.ErrABTestNotFound):
		httputil.NotFound(w, "ab test not found")
	case errors.Is(err, abtest.ErrNotEvaluable):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "not_evaluable")
	case errors.Is(err, abtest.ErrNoVariants):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "no_variants")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		resp := evaluationResponse{
			TestID:      outcome.TestID,
			Decided:     !outcome.NeedsMoreData(),
			Winner:      outcome.Winner,
			Variants:    outcome.Variants,
			Statistical: outcome.Statistical,
			Confidence:  outcome.Confidence,
		}
		if outcome.NeedsMoreData() {
			d := outcome.Deficit
			resp.Deficit = &d
		}
		httputil.OK(w, resp)
	}
}

type publishWinnerRequest struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

// HandlePublishABWinner routes the decided winner through the scheduler.
// The operation is idempotent; repeats return the original log id.
func (h *Handlers) HandlePublishABWinner(w http.ResponseWriter, r *http.Request) {
	if h.abtests == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "ab testing not configured")
		return
	}

	var req publishWinnerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	platform := domain.Platform(req.Platform)
	if !platform.Valid() {
		httputil.BadRequest(w, "unknown platform: "+req.Platform)
		return
	}

	testID := chi.URLParam(r, "id")
	logID, err := h.abtests.PublishWinner(r.Context(), testID, platform, req.AccountID)
	switch {
	case errors.Is(err, postgres.ErrABTestNotFound):
		httputil.NotFound(w, "ab test not found")
	case errors.Is(err, abtest.ErrWinnerNotDecided):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "winner_not_decided")
	case errors.Is(err, scheduler.ErrEmergencyStopped):
		httputil.ErrorCode(w, http.StatusConflict, err.Error(), "emergency_stop")
	case errors.Is(err, scheduler.ErrPlatformNotConfigured):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"test_id": testID, "log_id": logID})
	}
}
