package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httpretry"
)

// InstagramProvider speaks the Graph API: reels publishing for the organic
// side, the marketing endpoints for the ads side. Budgets cross the wire in
// cents, spend comes back as dollar strings.
type InstagramProvider struct {
	baseURL    string
	businessID string
	accountRef string
	httpClient httpretry.HTTPDoer
}

// NewInstagram creates a Graph API adapter bound to one account's identity.
func NewInstagram(baseURL string, creds *Credentials, proxyURL string, timeout time.Duration) (*InstagramProvider, error) {
	client, err := newHTTPClient(creds, proxyURL, timeout)
	if err != nil {
		return nil, err
	}
	return &InstagramProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		businessID: creds.BusinessID,
		accountRef: creds.AccountRef,
		httpClient: client,
	}, nil
}

func (p *InstagramProvider) Platform() domain.Platform { return domain.PlatformInstagram }

func (p *InstagramProvider) SupportsRealAPI() bool { return true }

// doRequest posts form-encoded parameters, the Graph API's native dialect,
// and classifies non-2xx responses into the provider error taxonomy.
func (p *InstagramProvider) doRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	fullURL := p.baseURL + path

	var reqBody io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}
	} else if params != nil {
		reqBody = bytes.NewReader([]byte(params.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp, body)
	}
	return body, nil
}

type graphIDResponse struct {
	ID string `json:"id"`
}

// UploadCreative creates a media container for the reel without publishing.
func (p *InstagramProvider) UploadCreative(ctx context.Context, spec CreativeSpec) (*Creative, error) {
	if spec.MediaURL == "" {
		return nil, validationError("creative media url required")
	}
	params := url.Values{}
	params.Set("media_type", "REELS")
	params.Set("video_url", spec.MediaURL)
	if spec.ThumbnailURL != "" {
		params.Set("thumb_offset", "0")
		params.Set("cover_url", spec.ThumbnailURL)
	}

	body, err := p.doRequest(ctx, http.MethodPost, "/"+p.businessID+"/media", params)
	if err != nil {
		return nil, fmt.Errorf("uploading creative: %w", err)
	}

	var resp graphIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing creative response: %w", err)
	}
	return &Creative{ExternalID: resp.ID, URL: spec.MediaURL}, nil
}

// PublishPost runs the two-step reel flow: create the media container, then
// publish it. The container id never leaves this method.
func (p *InstagramProvider) PublishPost(ctx context.Context, req PublishRequest) (*Post, error) {
	if req.MediaURL == "" {
		return nil, validationError("publish requires a media url")
	}

	caption := req.Caption
	if len(req.Hashtags) > 0 {
		caption = caption + "\n\n" + strings.Join(req.Hashtags, " ")
	}

	params := url.Values{}
	params.Set("media_type", "REELS")
	params.Set("video_url", req.MediaURL)
	params.Set("caption", caption)

	body, err := p.doRequest(ctx, http.MethodPost, "/"+p.businessID+"/media", params)
	if err != nil {
		return nil, fmt.Errorf("creating media container: %w", err)
	}
	var container graphIDResponse
	if err := json.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("parsing container response: %w", err)
	}

	publishParams := url.Values{}
	publishParams.Set("creation_id", container.ID)
	body, err = p.doRequest(ctx, http.MethodPost, "/"+p.businessID+"/media_publish", publishParams)
	if err != nil {
		return nil, fmt.Errorf("publishing media: %w", err)
	}
	var published graphIDResponse
	if err := json.Unmarshal(body, &published); err != nil {
		return nil, fmt.Errorf("parsing publish response: %w", err)
	}

	return &Post{
		ExternalPostID: published.ID,
		ExternalURL:    "https://www.instagram.com/reel/" + published.ID,
	}, nil
}

// CreateCampaign creates a marketing campaign under the ad account.
func (p *InstagramProvider) CreateCampaign(ctx context.Context, spec CampaignSpec) (*Entity, error) {
	if spec.Name == "" {
		return nil, validationError("campaign name required")
	}
	if spec.DailyBudgetCents <= 0 {
		return nil, validationError("campaign budget must be positive, got %d", spec.DailyBudgetCents)
	}

	params := url.Values{}
	params.Set("name", spec.Name)
	params.Set("objective", spec.Objective)
	params.Set("daily_budget", strconv.FormatInt(spec.DailyBudgetCents, 10))
	params.Set("status", "ACTIVE")

	body, err := p.doRequest(ctx, http.MethodPost, "/act_"+p.accountRef+"/campaigns", params)
	if err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}
	var resp graphIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing campaign response: %w", err)
	}
	return &Entity{ExternalID: resp.ID}, nil
}

// CreateAdSet creates an ad set under an external campaign.
func (p *InstagramProvider) CreateAdSet(ctx context.Context, spec AdSetSpec) (*Entity, error) {
	if spec.CampaignExternalID == "" {
		return nil, validationError("adset requires campaign external id")
	}

	params := url.Values{}
	params.Set("campaign_id", spec.CampaignExternalID)
	params.Set("name", spec.Name)
	params.Set("daily_budget", strconv.FormatInt(spec.DailyBudgetCents, 10))
	params.Set("status", "ACTIVE")
	if spec.Targeting != nil {
		raw, err := json.Marshal(spec.Targeting)
		if err != nil {
			return nil, validationError("adset targeting malformed: %v", err)
		}
		params.Set("targeting", string(raw))
	}
	if spec.StartTime != nil {
		params.Set("start_time", spec.StartTime.UTC().Format(time.RFC3339))
	}
	if spec.EndTime != nil {
		params.Set("end_time", spec.EndTime.UTC().Format(time.RFC3339))
	}

	body, err := p.doRequest(ctx, http.MethodPost, "/act_"+p.accountRef+"/adsets", params)
	if err != nil {
		return nil, fmt.Errorf("creating adset: %w", err)
	}
	var resp graphIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing adset response: %w", err)
	}
	return &Entity{ExternalID: resp.ID}, nil
}

// CreateAd binds an external creative to an external ad set.
func (p *InstagramProvider) CreateAd(ctx context.Context, spec AdSpec) (*Entity, error) {
	if spec.AdSetExternalID == "" || spec.CreativeExternalID == "" {
		return nil, validationError("ad requires adset and creative external ids")
	}

	params := url.Values{}
	params.Set("adset_id", spec.AdSetExternalID)
	params.Set("name", spec.Name)
	params.Set("creative", fmt.Sprintf(`{"creative_id":%q}`, spec.CreativeExternalID))
	params.Set("status", "ACTIVE")

	body, err := p.doRequest(ctx, http.MethodPost, "/act_"+p.accountRef+"/ads", params)
	if err != nil {
		return nil, fmt.Errorf("creating ad: %w", err)
	}
	var resp graphIDResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing ad response: %w", err)
	}
	return &Entity{ExternalID: resp.ID}, nil
}

type graphInsightsResponse struct {
	Data []struct {
		DateStart   string `json:"date_start"`
		Spend       string `json:"spend"`
		Impressions string `json:"impressions"`
		Clicks      string `json:"clicks"`
		Actions     []struct {
			ActionType string `json:"action_type"`
			Value      string `json:"value"`
		} `json:"actions"`
		ActionValues []struct {
			ActionType string `json:"action_type"`
			Value      string `json:"value"`
		} `json:"action_values"`
	} `json:"data"`
}

// GetInsights fetches the per-day breakdown for each ad. Dollar strings are
// converted to cents; purchase actions map to conversions and revenue.
func (p *InstagramProvider) GetInsights(ctx context.Context, externalIDs []string, from, to time.Time) ([]domain.AdInsight, error) {
	var out []domain.AdInsight
	for _, id := range externalIDs {
		params := url.Values{}
		params.Set("fields", "spend,impressions,clicks,actions,action_values")
		params.Set("time_increment", "1")
		params.Set("time_range", fmt.Sprintf(`{"since":%q,"until":%q}`,
			from.Format("2006-01-02"), to.Format("2006-01-02")))

		body, err := p.doRequest(ctx, http.MethodGet, "/"+id+"/insights", params)
		if err != nil {
			return nil, fmt.Errorf("fetching insights for %s: %w", id, err)
		}

		var resp graphInsightsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parsing insights for %s: %w", id, err)
		}

		for _, row := range resp.Data {
			day, err := time.Parse("2006-01-02", row.DateStart)
			if err != nil {
				continue
			}
			in := domain.AdInsight{
				AdID:        id,
				Day:         day,
				SpendCents:  dollarsToCents(row.Spend),
				Impressions: atoi64(row.Impressions),
				Clicks:      atoi64(row.Clicks),
			}
			for _, a := range row.Actions {
				if a.ActionType == "purchase" {
					in.Conversions = atoi64(a.Value)
				}
			}
			for _, a := range row.ActionValues {
				if a.ActionType == "purchase" {
					in.RevenueCents = dollarsToCents(a.Value)
				}
			}
			out = append(out, in)
		}
	}
	return out, nil
}

// UpdateBudget sets the daily budget on a campaign or ad set.
func (p *InstagramProvider) UpdateBudget(ctx context.Context, externalID string, budgetCents int64) error {
	if budgetCents <= 0 {
		return validationError("budget must be positive, got %d", budgetCents)
	}
	params := url.Values{}
	params.Set("daily_budget", strconv.FormatInt(budgetCents, 10))

	if _, err := p.doRequest(ctx, http.MethodPost, "/"+externalID, params); err != nil {
		return fmt.Errorf("updating budget for %s: %w", externalID, err)
	}
	return nil
}

func (p *InstagramProvider) PauseEntity(ctx context.Context, externalID string) error {
	return p.setStatus(ctx, externalID, "PAUSED")
}

func (p *InstagramProvider) ResumeEntity(ctx context.Context, externalID string) error {
	return p.setStatus(ctx, externalID, "ACTIVE")
}

func (p *InstagramProvider) setStatus(ctx context.Context, externalID, status string) error {
	if externalID == "" {
		return validationError("external id required")
	}
	params := url.Values{}
	params.Set("status", status)
	if _, err := p.doRequest(ctx, http.MethodPost, "/"+externalID, params); err != nil {
		return fmt.Errorf("setting %s status to %s: %w", externalID, status, err)
	}
	return nil
}

// dollarsToCents parses the Graph API's dollar-string money format.
func dollarsToCents(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f * 100)
}

func atoi64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
