// Package identity is the isolation substrate: every outbound platform call
// presents a per-account network identity (proxy + fingerprint). The router
// owns assignment and validation; nothing else touches the identity tables.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/ledger"
	"github.com/clipcast/autopilot/internal/observability"
	"github.com/clipcast/autopilot/internal/pkg/logger"
	"github.com/clipcast/autopilot/internal/repository/postgres"
)

// fingerprintAttempts bounds the claim-or-retry loop on fingerprint
// collisions. Collisions require a 128-bit hash clash across accounts, so
// more than a couple of retries means something is systematically wrong.
const fingerprintAttempts = 5

// ViolationError reports an identity isolation failure. Callers hard-fail
// the offending action and carry on; the loop itself never dies over one.
type ViolationError struct {
	AccountID string
	Component domain.ComponentType
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("isolation violation: account %s, component %s: %s", e.AccountID, e.Component, e.Reason)
}

// IsViolation reports whether err is an isolation violation.
func IsViolation(err error) bool {
	var ve *ViolationError
	return errors.As(err, &ve)
}

// Store is the slice of the identity repository the router drives.
type Store interface {
	Create(ctx context.Context, id *domain.Identity) error
	GetActiveByAccount(ctx context.Context, accountID string) (*domain.Identity, error)
	ScraperPool(ctx context.Context, limit int) ([]*domain.Identity, error)
	TouchLastUsed(ctx context.Context, identityID string) error
	Retire(ctx context.Context, identityID string) error
}

// Router assigns identities to accounts and validates every outbound call.
type Router struct {
	store  Store
	events ledger.Recorder
}

// NewRouter creates the identity router.
func NewRouter(store Store, events ledger.Recorder) *Router {
	return &Router{store: store, events: events}
}

// SynthesizeFingerprint derives the device fingerprint for an account. The
// value is deterministic for (account, device class, attempt) so a recreated
// identity gets its old fingerprint back, yet never collides across accounts.
func SynthesizeFingerprint(accountID string, class domain.DeviceClass, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", accountID, class, attempt)))
	return fmt.Sprintf("%s-%s", devicePrefix(class), hex.EncodeToString(sum[:16]))
}

func devicePrefix(class domain.DeviceClass) string {
	switch class {
	case domain.DeviceAndroid:
		return "and"
	case domain.DeviceIOS:
		return "ios"
	default:
		return "gpc"
	}
}

// Assign binds a fresh (proxy, fingerprint) pair to the account. Fingerprint
// collisions retry with the next deterministic candidate; proxy exhaustion
// and double assignment surface unchanged.
func (r *Router) Assign(ctx context.Context, accountID string, device domain.DeviceClass, class domain.IdentityClass) (*domain.Identity, error) {
	if class == "" {
		class = domain.IdentityClassAccount
	}
	if device == "" {
		device = domain.DeviceGenericPC
	}

	var lastErr error
	for attempt := 0; attempt < fingerprintAttempts; attempt++ {
		id := &domain.Identity{
			AccountID:   accountID,
			Fingerprint: SynthesizeFingerprint(accountID, device, attempt),
			DeviceClass: device,
			Class:       class,
		}
		err := r.store.Create(ctx, id)
		if err == nil {
			r.events.Log(ctx, domain.EventIdentityAssigned, domain.EntityIdentity, id.ID,
				domain.SeverityInfo, map[string]interface{}{
					"account_id":   accountID,
					"class":        string(class),
					"device_class": string(device),
					"proxy_id":     id.ProxyID,
				})
			logger.Info("identity assigned", "account_id", accountID, "identity_id", id.ID, "class", string(class))
			return id, nil
		}
		if !errors.Is(err, postgres.ErrFingerprintTaken) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("assign identity after %d fingerprint attempts: %w", fingerprintAttempts, lastErr)
}

// Resolve validates an outbound call and returns the identity it must use.
// Scraper components draw from the rotating pool; everything else resolves
// the account binding. A missing, retired or wrongly-classed identity is an
// isolation violation: the action fails, the account stays untouched.
func (r *Router) Resolve(ctx context.Context, accountID string, component domain.ComponentType) (*domain.Identity, error) {
	if component == domain.ComponentScraper {
		return r.resolveScraper(ctx, component)
	}

	id, err := r.store.GetActiveByAccount(ctx, accountID)
	if errors.Is(err, postgres.ErrIdentityNotFound) {
		return nil, r.violation(ctx, accountID, component, "no active identity assigned")
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	switch id.Class {
	case domain.IdentityClassExclusiveVPN:
		// Single tenant: only the messaging bot may present this identity.
		if component != domain.ComponentMessagingBot {
			return nil, r.violation(ctx, accountID, component, "exclusive vpn identity refused to component "+string(component))
		}
	case domain.IdentityClassScraperPool:
		return nil, r.violation(ctx, accountID, component, "scraper pool identity bound to an account")
	}

	if err := r.store.TouchLastUsed(ctx, id.ID); err != nil {
		logger.Warn("identity touch failed", "identity_id", id.ID, "error", err.Error())
	}
	return id, nil
}

// resolveScraper rotates the shared pool: least recently used first, touched
// on the way out so the next caller gets a different exit.
func (r *Router) resolveScraper(ctx context.Context, component domain.ComponentType) (*domain.Identity, error) {
	pool, err := r.store.ScraperPool(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("scraper pool: %w", err)
	}
	if len(pool) == 0 {
		return nil, r.violation(ctx, "", component, "scraper pool is empty")
	}
	id := pool[0]
	if err := r.store.TouchLastUsed(ctx, id.ID); err != nil {
		logger.Warn("identity touch failed", "identity_id", id.ID, "error", err.Error())
	}
	return id, nil
}

// Retire releases an account's identity; the proxy returns to the pool, the
// fingerprint stays burned.
func (r *Router) Retire(ctx context.Context, identityID string) error {
	return r.store.Retire(ctx, identityID)
}

func (r *Router) violation(ctx context.Context, accountID string, component domain.ComponentType, reason string) error {
	observability.IsolationViolations.WithLabelValues(string(component)).Inc()
	entityID := accountID
	if entityID == "" {
		entityID = string(component)
	}
	r.events.Log(ctx, domain.EventIsolationViolation, domain.EntityAccount, entityID,
		domain.SeverityError, map[string]interface{}{
			"component": string(component),
			"reason":    reason,
		})
	return &ViolationError{AccountID: accountID, Component: component, Reason: reason}
}
