package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/clipcast/autopilot/internal/pkg/httputil"
)

// CheckStatus classifies one dependency probe.
type CheckStatus string

const (
	CheckHealthy   CheckStatus = "healthy"
	CheckDegraded  CheckStatus = "degraded"
	CheckUnhealthy CheckStatus = "unhealthy"
	CheckSkipped   CheckStatus = "skipped"
)

// CheckResult is one dependency probe outcome.
type CheckResult struct {
	Name      string      `json:"name"`
	Status    CheckStatus `json:"status"`
	LatencyMS int64       `json:"latency_ms"`
	Error     string      `json:"error,omitempty"`
}

// HealthStatus is the full health document.
type HealthStatus struct {
	Status    CheckStatus   `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Checks    []CheckResult `json:"checks"`
}

// HealthChecker probes the process dependencies: Postgres, Redis and the
// media bucket. Nil dependencies are reported as skipped, so stub-mode
// deployments without Redis or S3 still answer healthy.
type HealthChecker struct {
	db        *sql.DB
	redis     *redis.Client
	s3        *s3.Client
	s3Bucket  string
	startTime time.Time
}

// NewHealthChecker wires the probe targets. Any of them may be nil.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, s3Client *s3.Client, s3Bucket string) *HealthChecker {
	return &HealthChecker{
		db:        db,
		redis:     redisClient,
		s3:        s3Client,
		s3Bucket:  s3Bucket,
		startTime: time.Now(),
	}
}

// HandleHealth runs every dependency probe concurrently and reports the
// aggregate. Degraded dependencies answer 200; a hard failure answers 503.
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Timestamp: time.Now().UTC(),
		Uptime:    formatUptime(time.Since(hc.startTime)),
		Checks:    hc.runAllChecks(r.Context()),
	}
	status.Status = overallStatus(status.Checks)

	code := http.StatusOK
	if status.Status == CheckUnhealthy {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, status)
}

// HandleLiveness answers 200 while the process is able to serve at all.
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "alive"})
}

// HandleReadiness gates traffic on the database alone: without Postgres no
// endpoint can do useful work, while Redis and S3 outages only degrade.
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	check := hc.checkDatabase(r.Context())
	if check.Status == CheckUnhealthy {
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"check":  check,
		})
		return
	}
	httputil.OK(w, map[string]string{"status": "ready"})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) []CheckResult {
	checks := []func(context.Context) CheckResult{
		hc.checkDatabase,
		hc.checkRedis,
		hc.checkMediaBucket,
	}

	results := make(chan CheckResult, len(checks))
	for _, check := range checks {
		go func(fn func(context.Context) CheckResult) {
			results <- fn(ctx)
		}(check)
	}

	out := make([]CheckResult, 0, len(checks))
	for range checks {
		out = append(out, <-results)
	}
	return out
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) CheckResult {
	res := CheckResult{Name: "database"}
	if hc.db == nil {
		res.Status = CheckSkipped
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(ctx)
	res.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		res.Status = CheckUnhealthy
		res.Error = err.Error()
	case res.LatencyMS > 1000:
		res.Status = CheckDegraded
	default:
		res.Status = CheckHealthy
	}
	return res
}

func (hc *HealthChecker) checkRedis(ctx context.Context) CheckResult {
	res := CheckResult{Name: "redis"}
	if hc.redis == nil {
		res.Status = CheckSkipped
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redis.Ping(ctx).Err()
	res.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		// Locking falls back to Postgres advisory locks without Redis.
		res.Status = CheckDegraded
		res.Error = err.Error()
	case res.LatencyMS > 500:
		res.Status = CheckDegraded
	default:
		res.Status = CheckHealthy
	}
	return res
}

func (hc *HealthChecker) checkMediaBucket(ctx context.Context) CheckResult {
	res := CheckResult{Name: "media_bucket"}
	if hc.s3 == nil || hc.s3Bucket == "" {
		res.Status = CheckSkipped
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := hc.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(hc.s3Bucket)})
	res.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		// Media is needed for publishing but not for reads or control.
		res.Status = CheckDegraded
		res.Error = err.Error()
		return res
	}
	res.Status = CheckHealthy
	return res
}

// overallStatus folds per-check results: any unhealthy check fails the
// whole, any degraded check degrades it, skipped checks count as healthy.
func overallStatus(checks []CheckResult) CheckStatus {
	overall := CheckHealthy
	for _, c := range checks {
		switch c.Status {
		case CheckUnhealthy:
			return CheckUnhealthy
		case CheckDegraded:
			overall = CheckDegraded
		}
	}
	return overall
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
