// Package provider holds the per-platform adapters the workers publish and
// orchestrate ads through. Every adapter speaks the same interface; the
// resolver decides per account whether calls hit the real platform API or
// the deterministic simulator.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httpretry"
)

// Creative is the provider's handle for an uploaded media asset.
type Creative struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// Post is the provider's handle for a published post.
type Post struct {
	ExternalPostID string `json:"external_post_id"`
	ExternalURL    string `json:"external_url"`
}

// Entity is the provider's handle for an ads object.
type Entity struct {
	ExternalID string `json:"external_id"`
}

// PublishRequest carries everything one organic publish needs. MediaURL is
// already resolved against the media store; the adapter never touches S3.
type PublishRequest struct {
	Clip     *domain.Clip
	Account  *domain.SocialAccount
	Caption  string
	Hashtags []string
	MediaURL string
}

// CampaignSpec describes a campaign to create on the ads side.
type CampaignSpec struct {
	Name             string
	Objective        string
	DailyBudgetCents int64
}

// AdSetSpec describes an ad set under an existing external campaign.
type AdSetSpec struct {
	CampaignExternalID string
	Name               string
	Targeting          map[string]interface{}
	DailyBudgetCents   int64
	StartTime          *time.Time
	EndTime            *time.Time
}

// AdSpec links an external ad set with an external creative.
type AdSpec struct {
	AdSetExternalID    string
	CreativeExternalID string
	Name               string
}

// CreativeSpec describes a creative upload for the ads side.
type CreativeSpec struct {
	Title        string
	MediaURL     string
	ThumbnailURL string
}

// Provider is the uniform adapter surface. Real adapters translate these to
// platform endpoints; the simulator fabricates deterministic results.
type Provider interface {
	Platform() domain.Platform
	SupportsRealAPI() bool

	UploadCreative(ctx context.Context, spec CreativeSpec) (*Creative, error)
	PublishPost(ctx context.Context, req PublishRequest) (*Post, error)

	CreateCampaign(ctx context.Context, spec CampaignSpec) (*Entity, error)
	CreateAdSet(ctx context.Context, spec AdSetSpec) (*Entity, error)
	CreateAd(ctx context.Context, spec AdSpec) (*Entity, error)

	GetInsights(ctx context.Context, externalIDs []string, from, to time.Time) ([]domain.AdInsight, error)
	UpdateBudget(ctx context.Context, externalID string, budgetCents int64) error
	PauseEntity(ctx context.Context, externalID string) error
	ResumeEntity(ctx context.Context, externalID string) error
}

// Credentials is the decoded shape of SocialAccount.Credentials.
type Credentials struct {
	AccessToken string `json:"access_token"`
	AccountRef  string `json:"account_ref"`
	BusinessID  string `json:"business_id"`
}

// ParseCredentials decodes the opaque credentials blob of an account.
func ParseCredentials(account *domain.SocialAccount) (*Credentials, error) {
	if !account.HasCredentials() {
		return nil, validationError("account %s has no credentials", account.ID)
	}
	var creds Credentials
	if err := json.Unmarshal(account.Credentials, &creds); err != nil {
		return nil, validationError("account %s credentials malformed: %v", account.ID, err)
	}
	if creds.AccessToken == "" {
		return nil, validationError("account %s credentials missing access token", account.ID)
	}
	return &creds, nil
}

// newHTTPClient builds the client stack for a real adapter: proxy transport
// from the account's identity, oauth2 token injection, then retry with
// backoff on top so re-auth happens on every attempt.
func newHTTPClient(creds *Credentials, proxyURL string, timeout time.Duration) (httpretry.HTTPDoer, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	base := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
	}))
	authed.Timeout = timeout

	return httpretry.NewRetryClient(authed, 2), nil
}

// Resolver hands out the adapter for an account. Mode stub, or any account
// without credentials, gets the simulator; live accounts with credentials
// get the real adapter bound to the account's network identity.
type Resolver struct {
	cfg *config.Config
}

// NewResolver creates a provider resolver over the loaded configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// For returns the provider for one account. identity may be nil only for
// simulator paths; real calls always carry the routed identity.
func (r *Resolver) For(account *domain.SocialAccount, identity *domain.Identity) (Provider, error) {
	if !account.Platform.Valid() {
		return nil, validationError("unknown platform %q", account.Platform)
	}
	if !r.cfg.Live() || !account.HasCredentials() {
		return NewSimulator(account.Platform), nil
	}

	creds, err := ParseCredentials(account)
	if err != nil {
		return nil, err
	}
	proxyURL := ""
	if identity != nil {
		proxyURL = identity.ProxyURL
	}
	timeout := r.cfg.Publisher.ProviderTimeout()
	base := r.cfg.Platforms[string(account.Platform)].APIBaseURL

	switch account.Platform {
	case domain.PlatformInstagram:
		return NewInstagram(base, creds, proxyURL, timeout)
	case domain.PlatformTikTok:
		return NewTikTok(base, creds, proxyURL, timeout)
	case domain.PlatformYouTube:
		return NewYouTube(base, creds, proxyURL, timeout)
	default:
		return nil, validationError("unknown platform %q", account.Platform)
	}
}
