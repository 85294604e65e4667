// Package abtest evaluates creative experiments: it enforces the data
// embargo, scores variants on a composite of ROAS, CTR and inverse CPC, runs
// a chi-square sanity check and routes the winning clip back through the
// auto-scheduler for publication.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
	"github.com/clipcast/autopilot/internal/repository/postgres"
	"github.com/clipcast/autopilot/internal/scheduler"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotEvaluable     = errors.New("ab test cannot be evaluated in its current status")
	ErrWinnerNotDecided = errors.New("ab test has no decided winner to publish")
	ErrNoVariants       = errors.New("ab test has no variants")
)

// Composite score weights. Highest score wins; ties break on conversions,
// then on the smaller ad id.
const (
	weightROAS = 0.5
	weightCTR  = 0.3
	weightCPC  = 0.2
)

// TestStore is the persistence the evaluator needs for tests and winners.
type TestStore interface {
	Get(ctx context.Context, id string) (*domain.ABTest, error)
	ListEvaluable(ctx context.Context) ([]*domain.ABTest, error)
	UpdateStatus(ctx context.Context, id string, status domain.ABTestStatus) error
	SetWinner(ctx context.Context, id, clipID string, snapshot map[string]interface{}, stats *domain.StatisticalResults) error
	SetPublishedWinnerLogID(ctx context.Context, id, logID string) error
}

// InsightStore aggregates ad performance rows per variant.
type InsightStore interface {
	AggregateInsights(ctx context.Context, adIDs []string, since time.Time) (map[string]domain.AdInsight, error)
}

// WinnerScheduler publishes the winning clip. In production this is the
// auto-scheduler, so platform windows and conflict resolution apply to
// winner publications like any other.
type WinnerScheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*domain.PublishLog, error)
}

// Outcome is the result of one evaluation pass.
type Outcome struct {
	TestID      string
	Winner      *domain.VariantMetrics // nil while the embargo blocks
	Variants    []domain.VariantMetrics
	Statistical *domain.StatisticalResults
	Confidence  float64
	Deficit     domain.EmbargoDeficit
}

// NeedsMoreData reports whether the pass ended without a decision.
func (o *Outcome) NeedsMoreData() bool { return o.Winner == nil }

// Evaluator is the C8 entry point.
type Evaluator struct {
	cfg      config.ABTestConfig
	tests    TestStore
	insights InsightStore
	sched    WinnerScheduler
	events   ledger.Recorder

	nowFn func() time.Time
}

// New wires an evaluator.
func New(cfg config.ABTestConfig, tests TestStore, insights InsightStore, sched WinnerScheduler, events ledger.Recorder) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		tests:    tests,
		insights: insights,
		sched:    sched,
		events:   events,
		nowFn:    time.Now,
	}
}

// Evaluate scores one test. Under embargo the test stays active and the
// returned outcome carries the deficit; past it the best variant is recorded
// as the monotonic winner and the test completes.
func (e *Evaluator) Evaluate(ctx context.Context, testID string) (*Outcome, error) {
	test, err := e.tests.Get(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !test.CanEvaluate() {
		return nil, fmt.Errorf("ab test %s is %s: %w", test.ID, test.Status, ErrNotEvaluable)
	}
	if len(test.Variants) == 0 {
		return nil, fmt.Errorf("ab test %s: %w", test.ID, ErrNoVariants)
	}

	if test.Status == domain.ABTestActive {
		if err := e.tests.UpdateStatus(ctx, test.ID, domain.ABTestEvaluating); err != nil {
			return nil, fmt.Errorf("mark ab test evaluating: %w", err)
		}
	}

	adIDs := make([]string, len(test.Variants))
	for i, v := range test.Variants {
		adIDs[i] = v.AdID
	}
	rows, err := e.insights.AggregateInsights(ctx, adIDs, test.StartTime)
	if err != nil {
		return nil, fmt.Errorf("aggregate variant insights: %w", err)
	}

	now := e.nowFn()
	deficit := e.embargoDeficit(test, rows, now)
	if deficit.Blocked() {
		// needs_more_data is a verdict, not a resting status: the test
		// stays active so the next sweep picks it up again.
		if err := e.tests.UpdateStatus(ctx, test.ID, domain.ABTestActive); err != nil {
			return nil, fmt.Errorf("return ab test to active: %w", err)
		}
		e.events.Log(ctx, domain.EventABNeedsMoreData, domain.EntityABTest, test.ID,
			domain.SeverityInfo, map[string]interface{}{
				"hours_short":       deficit.HoursShort,
				"impressions_short": deficit.ImpressionsShort,
				"deficient_ad_id":   deficit.DeficientAdID,
			})
		observability.ABEvaluations.WithLabelValues("needs_more_data").Inc()
		logger.Info("ab test under embargo",
			"test_id", test.ID, "hours_short", deficit.HoursShort,
			"impressions_short", deficit.ImpressionsShort)
		return &Outcome{TestID: test.ID, Deficit: deficit}, nil
	}

	metrics := scoreVariants(test.Variants, rows)
	winner := pickWinner(metrics)

	stats := &domain.StatisticalResults{PValue: 1}
	if chi2, df, ok := clickContingency(metrics); ok {
		stats.ChiSquare = chi2
		stats.PValue = chiSquareSurvival(chi2, df)
		stats.Significant = stats.PValue < e.alpha()
	}
	confidence := clamp01(1 - stats.PValue)

	snapshot := map[string]interface{}{
		"variants":     metrics,
		"winner_ad_id": winner.AdID,
		"confidence":   confidence,
	}
	if err := e.tests.SetWinner(ctx, test.ID, winner.ClipID, snapshot, stats); err != nil {
		return nil, fmt.Errorf("set ab test winner: %w", err)
	}

	e.events.Log(ctx, domain.EventABWinnerSelected, domain.EntityABTest, test.ID,
		domain.SeverityInfo, map[string]interface{}{
			"winner_clip_id": winner.ClipID,
			"winner_ad_id":   winner.AdID,
			"score":          winner.Score,
			"confidence":     confidence,
			"chi2":           stats.ChiSquare,
			"p_value":        stats.PValue,
			"significant":    stats.Significant,
		})
	observability.ABEvaluations.WithLabelValues("winner").Inc()
	logger.Info("ab test winner selected",
		"test_id", test.ID, "winner_clip_id", winner.ClipID,
		"score", winner.Score, "confidence", confidence, "significant", stats.Significant)

	return &Outcome{
		TestID:      test.ID,
		Winner:      winner,
		Variants:    metrics,
		Statistical: stats,
		Confidence:  confidence,
	}, nil
}

// EvaluateDue sweeps every evaluable test once. Per-test failures are logged
// and skipped so one broken test cannot stall the rest. Returns the number
// of winners decided this pass.
func (e *Evaluator) EvaluateDue(ctx context.Context) (int, error) {
	tests, err := e.tests.ListEvaluable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list evaluable ab tests: %w", err)
	}

	decided := 0
	for _, t := range tests {
		out, err := e.Evaluate(ctx, t.ID)
		if err != nil {
			logger.Error("ab test evaluation failed", "test_id", t.ID, "error", err.Error())
			continue
		}
		if !out.NeedsMoreData() {
			decided++
		}
	}
	return decided, nil
}

// PublishWinner emits the winning clip as a scheduled publication. Once
// published_winner_log_id is set, every later call returns that same id.
func (e *Evaluator) PublishWinner(ctx context.Context, testID string, platform domain.Platform, accountID string) (string, error) {
	test, err := e.tests.Get(ctx, testID)
	if err != nil {
		return "", err
	}
	if test.PublishedWinnerLogID != nil {
		return *test.PublishedWinnerLogID, nil
	}
	if !test.CanPublishWinner() {
		return "", fmt.Errorf("ab test %s is %s: %w", test.ID, test.Status, ErrWinnerNotDecided)
	}

	log, err := e.sched.Schedule(ctx, scheduler.Request{
		ClipID:         *test.WinnerClipID,
		Platform:       platform,
		AccountID:      accountID,
		ScheduledBy:    domain.ScheduledABWinner,
		IdempotencyKey: "ab-winner-" + test.ID,
		Metadata: map[string]interface{}{
			domain.MetaABTestID: test.ID,
			"winner_snapshot":   test.MetricsSnapshot,
		},
	})
	if err != nil {
		return "", fmt.Errorf("schedule winner publication: %w", err)
	}

	if err := e.tests.SetPublishedWinnerLogID(ctx, test.ID, log.ID); err != nil {
		// Lost a publish race: the log recorded first wins, ours is benign
		// (the scheduler idempotency key collapses retries onto one log).
		if errors.Is(err, postgres.ErrWinnerAlreadyPublished) {
			current, getErr := e.tests.Get(ctx, test.ID)
			if getErr == nil && current.PublishedWinnerLogID != nil {
				logger.Warn("ab winner publish raced, keeping existing log",
					"test_id", test.ID, "log_id", *current.PublishedWinnerLogID)
				return *current.PublishedWinnerLogID, nil
			}
		}
		return "", fmt.Errorf("record published winner log: %w", err)
	}

	e.events.Log(ctx, domain.EventABWinnerPublished, domain.EntityABTest, test.ID,
		domain.SeverityInfo, map[string]interface{}{
			"log_id":         log.ID,
			"winner_clip_id": *test.WinnerClipID,
			"platform":       string(platform),
		})
	logger.Info("ab winner publication scheduled",
		"test_id", test.ID, "log_id", log.ID, "clip_id", *test.WinnerClipID)
	return log.ID, nil
}

// embargoDeficit measures how far the test is from evaluability. Per-test
// thresholds override the config defaults when set.
func (e *Evaluator) embargoDeficit(test *domain.ABTest, rows map[string]domain.AdInsight, now time.Time) domain.EmbargoDeficit {
	minHours := test.MinDurationHours
	if minHours <= 0 {
		minHours = e.cfg.MinDurationHours
	}
	minImpressions := test.MinImpressions
	if minImpressions <= 0 {
		minImpressions = e.cfg.MinImpressions
	}

	var d domain.EmbargoDeficit
	elapsed := now.Sub(test.StartTime).Hours()
	if short := float64(minHours) - elapsed; short > 0 {
		d.HoursShort = short
	}
	for _, v := range test.Variants {
		if got := rows[v.AdID].Impressions; got < minImpressions {
			d.ImpressionsShort = minImpressions - got
			d.DeficientAdID = v.AdID
			break
		}
	}
	return d
}

func (e *Evaluator) alpha() float64 {
	if e.cfg.SignificanceAlpha > 0 {
		return e.cfg.SignificanceAlpha
	}
	return 0.05
}

// scoreVariants derives per-variant metrics and the composite score.
// inv_CPC is normalized against the most expensive variant in the test, so
// the cheapest clicks score highest on that term.
func scoreVariants(variants []domain.ABVariant, rows map[string]domain.AdInsight) []domain.VariantMetrics {
	metrics := make([]domain.VariantMetrics, len(variants))
	for i, v := range variants {
		in := rows[v.AdID]
		m := domain.VariantMetrics{
			AdID:         v.AdID,
			ClipID:       v.ClipID,
			Impressions:  in.Impressions,
			Clicks:       in.Clicks,
			Conversions:  in.Conversions,
			SpendCents:   in.SpendCents,
			RevenueCents: in.RevenueCents,
		}
		if m.SpendCents > 0 {
			m.ROAS = float64(m.RevenueCents) / float64(m.SpendCents)
		}
		if m.Impressions > 0 {
			m.CTR = float64(m.Clicks) / float64(m.Impressions)
		}
		if m.Clicks > 0 {
			m.CPCCents = float64(m.SpendCents) / float64(m.Clicks)
		}
		metrics[i] = m
	}

	var maxCPC float64
	for _, m := range metrics {
		if m.Clicks > 0 && m.CPCCents > maxCPC {
			maxCPC = m.CPCCents
		}
	}
	for i := range metrics {
		invCPC := 0.0
		if maxCPC > 0 {
			invCPC = math.Max(0, 1-metrics[i].CPCCents/maxCPC)
		}
		metrics[i].Score = weightROAS*metrics[i].ROAS + weightCTR*metrics[i].CTR + weightCPC*invCPC
	}
	return metrics
}

// pickWinner returns the best-scored variant. Ties go to the variant with
// more conversions, then to the smaller ad id.
func pickWinner(metrics []domain.VariantMetrics) *domain.VariantMetrics {
	best := &metrics[0]
	for i := 1; i < len(metrics); i++ {
		m := &metrics[i]
		switch {
		case m.Score > best.Score:
			best = m
		case m.Score == best.Score && m.Conversions > best.Conversions:
			best = m
		case m.Score == best.Score && m.Conversions == best.Conversions && m.AdID < best.AdID:
			best = m
		}
	}
	return best
}

// clickContingency builds the Pearson statistic over the clicked/not-clicked
// split per variant. Degenerate tables (no impressions somewhere, all or no
// clicks overall) report ok=false and the check is skipped.
func clickContingency(metrics []domain.VariantMetrics) (chi2 float64, df int, ok bool) {
	var totalClicks, totalImp int64
	for _, m := range metrics {
		if m.Impressions == 0 || m.Clicks > m.Impressions {
			return 0, 0, false
		}
		totalClicks += m.Clicks
		totalImp += m.Impressions
	}
	if totalClicks == 0 || totalClicks == totalImp {
		return 0, 0, false
	}

	clickRate := float64(totalClicks) / float64(totalImp)
	for _, m := range metrics {
		expClicked := float64(m.Impressions) * clickRate
		expNot := float64(m.Impressions) * (1 - clickRate)
		dClicked := float64(m.Clicks) - expClicked
		dNot := float64(m.Impressions-m.Clicks) - expNot
		chi2 += dClicked * dClicked / expClicked
		chi2 += dNot * dNot / expNot
	}
	return chi2, len(metrics) - 1, true
}

// chiSquareSurvival returns P(X >= chi2) for a chi-square distribution with
// df degrees of freedom, via the regularized upper incomplete gamma
// Q(df/2, chi2/2).
func chiSquareSurvival(chi2 float64, df int) float64 {
	if chi2 <= 0 || df <= 0 {
		return 1
	}
	return regularizedGammaQ(float64(df)/2, chi2/2)
}

// regularizedGammaQ evaluates Q(a, x) by series expansion below a+1 and by
// Lentz continued fraction above, the standard split for numerical
// stability.
func regularizedGammaQ(a, x float64) float64 {
	if x <= 0 {
		return 1
	}
	if x < a+1 {
		return 1 - lowerGammaSeries(a, x)
	}
	return upperGammaFraction(a, x)
}

const (
	gammaMaxIter = 300
	gammaEps     = 3e-14
)

func lowerGammaSeries(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	ap := a
	sum := 1 / a
	del := sum
	for i := 0; i < gammaMaxIter; i++ {
		ap++
		del *= x / ap
		sum += del
		if math.Abs(del) < math.Abs(sum)*gammaEps {
			break
		}
	}
	return sum * math.Exp(-x+a*math.Log(x)-lg)
}

func upperGammaFraction(a, x float64) float64 {
	const tiny = 1e-300
	lg, _ := math.Lgamma(a)
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i <= gammaMaxIter; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < gammaEps {
			break
		}
	}
	return math.Exp(-x+a*math.Log(x)-lg) * h
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
