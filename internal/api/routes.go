package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/observability"
)

// SetupRoutes builds the router: probes and metrics at the root where
// infrastructure expects them, the platform webhook sink, and the operator
// API under /api.
func SetupRoutes(h *Handlers, health *HealthChecker, cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", health.HandleHealth)
	r.Get("/health/live", health.HandleLiveness)
	r.Get("/health/ready", health.HandleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	// Platform callbacks arrive bare, not under /api.
	r.Post("/webhooks/{platform}", h.HandlePlatformWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/publications", func(r chi.Router) {
			r.Post("/", h.HandleSchedulePublication)
			r.Get("/", h.HandleListPublications)
			r.Get("/queue", h.HandleQueueDepths)
			r.Get("/{id}", h.HandleGetPublication)
			r.Get("/{id}/timeline", h.HandlePublicationTimeline)
			r.Post("/{id}/cancel", h.HandleCancelPublication)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/{campaignID}/winner", h.HandleCampaignWinner)
			r.Put("/{campaignID}/winner", h.HandlePinCampaignWinner)
		})

		r.Route("/forecast", func(r chi.Router) {
			r.Get("/", h.HandleForecast)
			r.Get("/next-slot", h.HandleNextSlot)
		})

		r.Route("/ads", func(r chi.Router) {
			r.Post("/campaigns", h.HandleOrchestrateCampaign)
		})

		r.Route("/ab-tests", func(r chi.Router) {
			r.Post("/", h.HandleCreateABTest)
			r.Get("/{id}", h.HandleGetABTest)
			r.Post("/{id}/evaluate", h.HandleEvaluateABTest)
			r.Post("/{id}/publish-winner", h.HandlePublishABWinner)
		})

		r.Route("/actions", func(r chi.Router) {
			r.Get("/", h.HandleListActions)
			r.Get("/{id}", h.HandleGetAction)
			r.Post("/{id}/approve", h.HandleApproveAction)
			r.Post("/{id}/cancel", h.HandleCancelAction)
			r.Post("/{id}/execute", h.HandleExecuteAction)
		})

		r.Route("/control", func(r chi.Router) {
			r.Get("/health", h.HandleControlHealth)
			r.Post("/commands", h.HandleControlCommand)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/events", h.HandleListEvents)
			r.Get("/events/{entityType}/{entityID}", h.HandleEntityEvents)
		})
	})

	return r
}

// metricsMiddleware records request count and latency per matched route
// pattern, so path parameters don't explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestCount.WithLabelValues(pattern, r.Method, strconv.Itoa(status)).Inc()
		observability.RequestLatency.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
	})
}
