package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipcast/autopilot/internal/caption"
	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/identity"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
	"github.com/clipcast/autopilot/internal/provider"
	"github.com/clipcast/autopilot/internal/service/publication"
)

// QueueStore is the claim-and-mark slice of the publish log repository.
type QueueStore interface {
	ClaimDue(ctx context.Context, limit int) ([]domain.PublishLog, error)
	MarkSuccess(ctx context.Context, id, externalPostID, externalURL string) error
	MarkRetry(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	ReleaseClaim(ctx context.Context, id string, until time.Time) error
	RecordExternalIDs(ctx context.Context, id, externalPostID, externalURL string) error
}

// ClipStore resolves the clip a log publishes.
type ClipStore interface {
	Get(ctx context.Context, id string) (*domain.Clip, error)
}

// AccountStore resolves the account a log publishes under.
type AccountStore interface {
	Get(ctx context.Context, id string) (*domain.SocialAccount, error)
}

// IdentityRouter validates the outbound identity before any provider call.
type IdentityRouter interface {
	Resolve(ctx context.Context, accountID string, component domain.ComponentType) (*domain.Identity, error)
}

// ProviderResolver hands out the platform adapter for an account.
type ProviderResolver interface {
	For(account *domain.SocialAccount, identity *domain.Identity) (provider.Provider, error)
}

// MediaStore turns clip media keys into provider-fetchable URLs.
type MediaStore interface {
	ResolveMediaURL(ctx context.Context, mediaKey string) (string, error)
}

// RateLimiter meters publishes per (platform, account).
type RateLimiter interface {
	Allow(ctx context.Context, platform domain.Platform, accountID string) (bool, time.Duration, error)
}

// FlagStore exposes the shared operator flags.
type FlagStore interface {
	GetFlag(ctx context.Context, key string) (string, bool, error)
}

// attemptOutcome classifies one processed claim.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetry
	outcomeFailed
	outcomeDeferred
)

// PublishWorker drains the publish queue: claim, resolve identity, call the
// provider, mark the result. One claim per (platform, account) partition is
// in flight at a time; parallelism across partitions comes from WorkerCount.
type PublishWorker struct {
	cfg        config.PublisherConfig
	platforms  map[string]config.PlatformConfig
	logs       QueueStore
	clips      ClipStore
	accounts   AccountStore
	identities IdentityRouter
	providers  ProviderResolver
	media      MediaStore
	captions   *caption.Renderer
	limiter    RateLimiter
	flags      FlagStore
	events     ledger.Recorder
	beats      HeartbeatStore

	nowFn func() time.Time

	processed int64
	succeeded int64
	retried   int64
	failed    int64
	deferred  int64
}

func NewPublishWorker(
	cfg config.PublisherConfig,
	platforms map[string]config.PlatformConfig,
	logs QueueStore,
	clips ClipStore,
	accounts AccountStore,
	identities IdentityRouter,
	providers ProviderResolver,
	media MediaStore,
	limiter RateLimiter,
	flags FlagStore,
	events ledger.Recorder,
	beats HeartbeatStore,
) *PublishWorker {
	return &PublishWorker{
		cfg:        cfg,
		platforms:  platforms,
		logs:       logs,
		clips:      clips,
		accounts:   accounts,
		identities: identities,
		providers:  providers,
		media:      media,
		captions:   caption.NewRenderer(),
		limiter:    limiter,
		flags:      flags,
		events:     events,
		beats:      beats,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Run drains the queue until ctx is cancelled. After a tick that produced
// retries the next wait doubles once, so a wobbling provider sees a thinner
// herd instead of a synchronized one.
func (w *PublishWorker) Run(ctx context.Context) {
	logger.Info("publisher starting",
		"poll_interval", w.cfg.PollInterval().String(),
		"batch_size", w.cfg.BatchSize, "workers", w.cfg.WorkerCount)

	for {
		retries := w.Tick(ctx)
		wait := w.cfg.PollInterval()
		if retries > 0 {
			wait *= 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Tick claims one batch and processes it, returning the number of retry
// outcomes. Exported so run-once invocations and master control restarts
// share the loop body.
func (w *PublishWorker) Tick(ctx context.Context) int {
	defer w.heartbeat(ctx)

	if _, stopped, err := w.flags.GetFlag(ctx, domain.FlagEmergencyStop); err != nil {
		logger.Error("emergency stop check failed", "error", err.Error())
		return 0
	} else if stopped {
		logger.Warn("publisher idle: emergency stop engaged")
		return 0
	}

	claimed, err := w.logs.ClaimDue(ctx, w.cfg.BatchSize)
	if err != nil {
		logger.Error("claim due logs failed", "error", err.Error())
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}
	return w.processBatch(ctx, claimed)
}

// processBatch fans the claims out over WorkerCount goroutines. Claims are
// partition-disjoint by construction, so parallel processing cannot race on
// an account.
func (w *PublishWorker) processBatch(ctx context.Context, logs []domain.PublishLog) int {
	workers := w.cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}

	var retries int64
	if workers == 1 || len(logs) == 1 {
		for i := range logs {
			if w.process(ctx, &logs[i]) == outcomeRetry {
				retries++
			}
			if ctx.Err() != nil {
				break
			}
		}
		return int(retries)
	}

	jobs := make(chan *domain.PublishLog)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range jobs {
				if w.process(ctx, l) == outcomeRetry {
					atomic.AddInt64(&retries, 1)
				}
			}
		}()
	}
	for i := range logs {
		if ctx.Err() != nil {
			break
		}
		jobs <- &logs[i]
	}
	close(jobs)
	wg.Wait()
	return int(atomic.LoadInt64(&retries))
}

// process runs one claimed log to an outcome. Every path out of here marks
// the log exactly once: success, retry, failed, or released back to pending.
func (w *PublishWorker) process(ctx context.Context, log *domain.PublishLog) attemptOutcome {
	atomic.AddInt64(&w.processed, 1)

	if log.SocialAccountID == nil || *log.SocialAccountID == "" {
		return w.fatal(ctx, log, "log has no social account")
	}
	accountID := *log.SocialAccountID

	// Cap check first: a deferred claim returns to pending without burning
	// a retry or touching identity and provider.
	if allowed, wait, err := w.limiter.Allow(ctx, log.Platform, accountID); err != nil {
		logger.Warn("publish cap check errored, proceeding",
			"log_id", log.ID, "error", err.Error())
	} else if !allowed {
		return w.deferClaim(ctx, log, wait)
	}

	clip, err := w.clips.Get(ctx, log.ClipID)
	if err != nil {
		return w.failAttempt(ctx, log, err)
	}
	account, err := w.accounts.Get(ctx, accountID)
	if err != nil {
		return w.failAttempt(ctx, log, err)
	}
	if account.Platform != log.Platform {
		return w.fatal(ctx, log, "account platform mismatch: log "+string(log.Platform)+", account "+string(account.Platform))
	}

	// Isolation check before the provider is even resolved. A violation
	// fails this log; the loop itself keeps draining.
	routed, err := w.identities.Resolve(ctx, account.ID, domain.ComponentPublisher)
	if err != nil {
		if identity.IsViolation(err) {
			return w.fatal(ctx, log, err.Error())
		}
		return w.failAttempt(ctx, log, err)
	}

	prov, err := w.providers.For(account, routed)
	if err != nil {
		return w.failAttempt(ctx, log, err)
	}

	mediaURL, err := w.media.ResolveMediaURL(ctx, clip.MediaKey)
	if err != nil {
		return w.failAttempt(ctx, log, err)
	}

	rendered := w.captions.Render(log.Platform, w.platforms[string(log.Platform)].CaptionTemplate, clip)
	tags := caption.Hashtags(clip)

	w.events.Log(ctx, domain.EventPublishStarted, domain.EntityPublishLog, log.ID,
		domain.SeverityInfo, map[string]interface{}{
			"clip_id":    clip.ID,
			"platform":   string(log.Platform),
			"account_id": account.ID,
			"attempt":    log.RetryCount + 1,
		})

	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout())
	defer cancel()

	start := w.nowFn()
	_, err = prov.UploadCreative(pctx, provider.CreativeSpec{
		Title:    clipTitle(clip),
		MediaURL: mediaURL,
	})
	if err != nil {
		observability.ProviderLatency.WithLabelValues(string(log.Platform)).Observe(w.nowFn().Sub(start).Seconds())
		return w.failAttempt(ctx, log, err)
	}
	post, err := prov.PublishPost(pctx, provider.PublishRequest{
		Clip:     clip,
		Account:  account,
		Caption:  rendered,
		Hashtags: tags,
		MediaURL: mediaURL,
	})
	observability.ProviderLatency.WithLabelValues(string(log.Platform)).Observe(w.nowFn().Sub(start).Seconds())
	if err != nil {
		return w.failAttempt(ctx, log, err)
	}

	// External ids land before the terminal mark so a crash between the two
	// still leaves the reconciler something to correlate webhooks against.
	if err := w.logs.RecordExternalIDs(ctx, log.ID, post.ExternalPostID, post.ExternalURL); err != nil {
		logger.Warn("record external ids failed", "log_id", log.ID, "error", err.Error())
	}
	if err := w.logs.MarkSuccess(ctx, log.ID, post.ExternalPostID, post.ExternalURL); err != nil {
		if errors.Is(err, publication.ErrInvalidTransition) {
			// A concurrent cancel won the row. The post exists on the
			// platform; the recorded external ids keep it auditable.
			logger.Warn("publish landed after cancel", "log_id", log.ID, "external_post_id", post.ExternalPostID)
			return outcomeFailed
		}
		logger.Error("mark success failed", "log_id", log.ID, "error", err.Error())
		return outcomeFailed
	}

	atomic.AddInt64(&w.succeeded, 1)
	observability.PublishAttempts.WithLabelValues(string(log.Platform), "success").Inc()
	w.events.Log(ctx, domain.EventPublishSuccessful, domain.EntityPublishLog, log.ID,
		domain.SeverityInfo, map[string]interface{}{
			"external_post_id": post.ExternalPostID,
			"external_url":     post.ExternalURL,
			"platform":         string(log.Platform),
			"attempt":          log.RetryCount + 1,
		})
	logger.Info("publish successful",
		"log_id", log.ID, "platform", string(log.Platform), "external_post_id", post.ExternalPostID)
	return outcomeSuccess
}

// deferClaim returns a cap-limited claim to pending. No retry is consumed:
// the platform said "not this hour", not "this attempt failed".
func (w *PublishWorker) deferClaim(ctx context.Context, log *domain.PublishLog, wait time.Duration) attemptOutcome {
	until := w.nowFn().Add(wait)
	if err := w.logs.ReleaseClaim(ctx, log.ID, until); err != nil {
		logger.Error("release claim failed", "log_id", log.ID, "error", err.Error())
		return outcomeFailed
	}
	atomic.AddInt64(&w.deferred, 1)
	observability.RateLimitDeferred.WithLabelValues(string(log.Platform)).Inc()
	logger.Info("publish deferred by hourly cap",
		"log_id", log.ID, "platform", string(log.Platform), "until", until.Format(time.RFC3339))
	return outcomeDeferred
}

// failAttempt classifies err and marks the log: fatal kinds terminalize
// immediately, everything else consumes a retry until the budget is spent.
func (w *PublishWorker) failAttempt(ctx context.Context, log *domain.PublishLog, err error) attemptOutcome {
	kind := provider.KindOf(err)
	if kind == provider.KindAuth || kind == provider.KindValidation {
		return w.fatal(ctx, log, err.Error())
	}

	if log.RetriesExhausted() {
		return w.exhausted(ctx, log, err.Error())
	}

	delay := domain.BackoffDelay(log.RetryCount + 1)
	if kind == provider.KindRateLimit {
		if hint := provider.RetryAfterHint(err); hint > 0 {
			delay = hint
		}
	}
	nextAt := w.nowFn().Add(delay)

	if mErr := w.logs.MarkRetry(ctx, log.ID, err.Error(), nextAt); mErr != nil {
		logger.Error("mark retry failed", "log_id", log.ID, "error", mErr.Error())
		return outcomeFailed
	}
	atomic.AddInt64(&w.retried, 1)
	observability.PublishAttempts.WithLabelValues(string(log.Platform), "retry").Inc()
	w.events.Log(ctx, domain.EventPublishLogRetry, domain.EntityPublishLog, log.ID,
		domain.SeverityWarn, map[string]interface{}{
			"reason":          err.Error(),
			"error_kind":      string(kind),
			"retry_count":     log.RetryCount + 1,
			"next_attempt_at": nextAt.Format(time.RFC3339),
		})
	logger.Warn("publish retry scheduled",
		"log_id", log.ID, "platform", string(log.Platform),
		"retry_count", log.RetryCount+1, "delay", delay.String(), "error", err.Error())
	return outcomeRetry
}

// fatal terminalizes a log without consuming retries: auth, validation,
// platform mismatch, isolation violation.
func (w *PublishWorker) fatal(ctx context.Context, log *domain.PublishLog, reason string) attemptOutcome {
	if err := w.logs.MarkFailed(ctx, log.ID, reason); err != nil {
		logger.Error("mark failed errored", "log_id", log.ID, "error", err.Error())
		return outcomeFailed
	}
	atomic.AddInt64(&w.failed, 1)
	observability.PublishAttempts.WithLabelValues(string(log.Platform), "failed").Inc()
	w.events.Log(ctx, domain.EventPublishLogFailed, domain.EntityPublishLog, log.ID,
		domain.SeverityError, map[string]interface{}{
			"reason":      reason,
			"retry_count": log.RetryCount,
			"fatal":       true,
		})
	logger.Error("publish failed",
		"log_id", log.ID, "platform", string(log.Platform), "reason", reason)
	return outcomeFailed
}

// exhausted terminalizes a log whose retry budget is spent.
func (w *PublishWorker) exhausted(ctx context.Context, log *domain.PublishLog, reason string) attemptOutcome {
	if err := w.logs.MarkFailed(ctx, log.ID, reason); err != nil {
		logger.Error("mark failed errored", "log_id", log.ID, "error", err.Error())
		return outcomeFailed
	}
	atomic.AddInt64(&w.failed, 1)
	observability.PublishAttempts.WithLabelValues(string(log.Platform), "failed").Inc()
	w.events.Log(ctx, domain.EventPublishLogFailed, domain.EntityPublishLog, log.ID,
		domain.SeverityError, map[string]interface{}{
			"reason":      reason,
			"retry_count": log.RetryCount,
			"fatal":       false,
		})
	logger.Error("publish failed, retries exhausted",
		"log_id", log.ID, "platform", string(log.Platform),
		"retry_count", log.RetryCount, "reason", reason)
	return outcomeFailed
}

func (w *PublishWorker) heartbeat(ctx context.Context) {
	beat(ctx, w.beats, ComponentPublisher, map[string]interface{}{
		"processed": atomic.LoadInt64(&w.processed),
		"succeeded": atomic.LoadInt64(&w.succeeded),
		"retried":   atomic.LoadInt64(&w.retried),
		"failed":    atomic.LoadInt64(&w.failed),
		"deferred":  atomic.LoadInt64(&w.deferred),
	})
}

func clipTitle(clip *domain.Clip) string {
	if v, ok := clip.Params["title"].(string); ok && v != "" {
		return v
	}
	return "clip " + clip.ID
}
