package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/clipcast/autopilot/internal/domain"
)

// Simulator fabricates provider responses without any network I/O. Results
// are deterministic functions of the inputs so stub-mode runs are
// reproducible end to end: the same clip always gets the same external ids
// and the same insight curve.
type Simulator struct {
	platform domain.Platform
}

// NewSimulator creates the stub adapter for one platform.
func NewSimulator(platform domain.Platform) *Simulator {
	return &Simulator{platform: platform}
}

func (s *Simulator) Platform() domain.Platform { return s.platform }

func (s *Simulator) SupportsRealAPI() bool { return false }

func (s *Simulator) simID(kind, seed string) string {
	h := fnv.New64a()
	h.Write([]byte(string(s.platform) + ":" + kind + ":" + seed))
	return fmt.Sprintf("sim_%s_%016x", kind, h.Sum64())
}

// UploadCreative fabricates a stable creative handle for the media.
func (s *Simulator) UploadCreative(_ context.Context, spec CreativeSpec) (*Creative, error) {
	if spec.MediaURL == "" {
		return nil, validationError("creative media url required")
	}
	id := s.simID("creative", spec.MediaURL)
	return &Creative{
		ExternalID: id,
		URL:        fmt.Sprintf("https://cdn.simulated.%s/%s", s.platform, id),
	}, nil
}

// PublishPost fabricates a stable post handle for the clip/account pair.
func (s *Simulator) PublishPost(_ context.Context, req PublishRequest) (*Post, error) {
	if req.Clip == nil || req.Account == nil {
		return nil, validationError("publish requires clip and account")
	}
	id := s.simID("post", req.Clip.ID+":"+req.Account.ID)
	return &Post{
		ExternalPostID: id,
		ExternalURL:    fmt.Sprintf("https://www.simulated.%s/p/%s", s.platform, id),
	}, nil
}

// CreateCampaign fabricates a campaign handle. Input validation mirrors the
// real platforms so stub mode exercises the same failure paths.
func (s *Simulator) CreateCampaign(_ context.Context, spec CampaignSpec) (*Entity, error) {
	if spec.Name == "" {
		return nil, validationError("campaign name required")
	}
	if spec.DailyBudgetCents <= 0 {
		return nil, validationError("campaign budget must be positive, got %d", spec.DailyBudgetCents)
	}
	return &Entity{ExternalID: s.simID("campaign", spec.Name+uuid.New().String())}, nil
}

func (s *Simulator) CreateAdSet(_ context.Context, spec AdSetSpec) (*Entity, error) {
	if spec.CampaignExternalID == "" {
		return nil, validationError("adset requires campaign external id")
	}
	return &Entity{ExternalID: s.simID("adset", spec.CampaignExternalID+":"+spec.Name)}, nil
}

func (s *Simulator) CreateAd(_ context.Context, spec AdSpec) (*Entity, error) {
	if spec.AdSetExternalID == "" || spec.CreativeExternalID == "" {
		return nil, validationError("ad requires adset and creative external ids")
	}
	return &Entity{ExternalID: s.simID("ad", spec.AdSetExternalID+":"+spec.CreativeExternalID)}, nil
}

// GetInsights synthesizes a stable daily metrics series per external id.
// Spend, impressions and conversions are hash-derived so two syncs of the
// same window agree row for row.
func (s *Simulator) GetInsights(_ context.Context, externalIDs []string, from, to time.Time) ([]domain.AdInsight, error) {
	var out []domain.AdInsight
	for _, id := range externalIDs {
		for day := from.Truncate(24 * time.Hour); !day.After(to); day = day.Add(24 * time.Hour) {
			h := fnv.New64a()
			h.Write([]byte(id + day.Format("2006-01-02")))
			v := h.Sum64()

			impressions := int64(1000 + v%20000)
			clicks := impressions / int64(20+v%60)
			spend := int64(2000 + v%48000)
			conversions := clicks / int64(8+v%12)
			out = append(out, domain.AdInsight{
				AdID:         id,
				Day:          day,
				SpendCents:   spend,
				Impressions:  impressions,
				Clicks:       clicks,
				Conversions:  conversions,
				RevenueCents: spend * int64(1+v%4),
			})
		}
	}
	return out, nil
}

func (s *Simulator) UpdateBudget(_ context.Context, externalID string, budgetCents int64) error {
	if budgetCents <= 0 {
		return validationError("budget must be positive, got %d", budgetCents)
	}
	if externalID == "" {
		return validationError("external id required")
	}
	return nil
}

func (s *Simulator) PauseEntity(_ context.Context, externalID string) error {
	if externalID == "" {
		return validationError("external id required")
	}
	return nil
}

func (s *Simulator) ResumeEntity(_ context.Context, externalID string) error {
	if externalID == "" {
		return validationError("external id required")
	}
	return nil
}
