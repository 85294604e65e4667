package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clipcast/autopilot/internal/domain"
	"github.com/clipcast/autopilot/internal/pkg/httpretry"
)

// TikTokProvider speaks the Business API. Every response arrives in the
// {code, message, data} envelope; code zero means success regardless of the
// HTTP status, so both layers are classified.
type TikTokProvider struct {
	baseURL      string
	advertiserID string
	httpClient   httpretry.HTTPDoer
}

// NewTikTok creates a Business API adapter bound to one account's identity.
func NewTikTok(baseURL string, creds *Credentials, proxyURL string, timeout time.Duration) (*TikTokProvider, error) {
	client, err := newHTTPClient(creds, proxyURL, timeout)
	if err != nil {
		return nil, err
	}
	return &TikTokProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		advertiserID: creds.AccountRef,
		httpClient:   client,
	}, nil
}

func (p *TikTokProvider) Platform() domain.Platform { return domain.PlatformTikTok }

func (p *TikTokProvider) SupportsRealAPI() bool { return true }

type tiktokEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// classifyCode maps the Business API code space onto the taxonomy: 401xx
// auth, 429xx throttling, 400xx validation, else unknown.
func classifyCode(code int, message string) *Error {
	e := &Error{Message: message}
	switch {
	case code >= 40100 && code < 40200:
		e.Kind = KindAuth
	case code >= 42900 && code < 43000:
		e.Kind = KindRateLimit
	case code >= 40000 && code < 40100:
		e.Kind = KindValidation
	case code >= 50000:
		e.Kind = KindServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

// doRequest posts a JSON body and unwraps the TikTok envelope.
func (p *TikTokProvider) doRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	fullURL := p.baseURL + path

	var reqBody io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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

	var envelope tiktokEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing response envelope: %w", err)
	}
	if envelope.Code != 0 {
		return nil, classifyCode(envelope.Code, envelope.Message)
	}
	return envelope.Data, nil
}

// UploadCreative registers the media with the ad video library.
func (p *TikTokProvider) UploadCreative(ctx context.Context, spec CreativeSpec) (*Creative, error) {
	if spec.MediaURL == "" {
		return nil, validationError("creative media url required")
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/file/video/ad/upload/", map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"upload_type":   "UPLOAD_BY_URL",
		"video_url":     spec.MediaURL,
		"file_name":     spec.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading creative: %w", err)
	}

	var resp struct {
		VideoID string `json:"video_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing upload response: %w", err)
	}
	return &Creative{ExternalID: resp.VideoID, URL: spec.MediaURL}, nil
}

// PublishPost publishes an organic video to the account.
func (p *TikTokProvider) PublishPost(ctx context.Context, req PublishRequest) (*Post, error) {
	if req.MediaURL == "" {
		return nil, validationError("publish requires a media url")
	}

	caption := req.Caption
	if len(req.Hashtags) > 0 {
		caption = caption + " " + strings.Join(req.Hashtags, " ")
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/post/publish/video/", map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"video_url":     req.MediaURL,
		"caption":       caption,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing post: %w", err)
	}

	var resp struct {
		PublishID string `json:"publish_id"`
		ShareURL  string `json:"share_url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing publish response: %w", err)
	}
	return &Post{ExternalPostID: resp.PublishID, ExternalURL: resp.ShareURL}, nil
}

// CreateCampaign creates a campaign under the advertiser.
func (p *TikTokProvider) CreateCampaign(ctx context.Context, spec CampaignSpec) (*Entity, error) {
	if spec.Name == "" {
		return nil, validationError("campaign name required")
	}
	if spec.DailyBudgetCents <= 0 {
		return nil, validationError("campaign budget must be positive, got %d", spec.DailyBudgetCents)
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/campaign/create/", map[string]interface{}{
		"advertiser_id":  p.advertiserID,
		"campaign_name":  spec.Name,
		"objective_type": spec.Objective,
		"budget_mode":    "BUDGET_MODE_DAY",
		"budget":         float64(spec.DailyBudgetCents) / 100,
	})
	if err != nil {
		return nil, fmt.Errorf("creating campaign: %w", err)
	}

	var resp struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing campaign response: %w", err)
	}
	return &Entity{ExternalID: resp.CampaignID}, nil
}

// CreateAdSet creates an ad group under an external campaign.
func (p *TikTokProvider) CreateAdSet(ctx context.Context, spec AdSetSpec) (*Entity, error) {
	if spec.CampaignExternalID == "" {
		return nil, validationError("adset requires campaign external id")
	}

	payload := map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"campaign_id":   spec.CampaignExternalID,
		"adgroup_name":  spec.Name,
		"budget_mode":   "BUDGET_MODE_DAY",
		"budget":        float64(spec.DailyBudgetCents) / 100,
	}
	if spec.Targeting != nil {
		payload["targeting"] = spec.Targeting
	}
	if spec.StartTime != nil {
		payload["schedule_start_time"] = spec.StartTime.UTC().Format("2006-01-02 15:04:05")
	}
	if spec.EndTime != nil {
		payload["schedule_end_time"] = spec.EndTime.UTC().Format("2006-01-02 15:04:05")
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/adgroup/create/", payload)
	if err != nil {
		return nil, fmt.Errorf("creating adgroup: %w", err)
	}

	var resp struct {
		AdGroupID string `json:"adgroup_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing adgroup response: %w", err)
	}
	return &Entity{ExternalID: resp.AdGroupID}, nil
}

// CreateAd binds an uploaded video to an ad group.
func (p *TikTokProvider) CreateAd(ctx context.Context, spec AdSpec) (*Entity, error) {
	if spec.AdSetExternalID == "" || spec.CreativeExternalID == "" {
		return nil, validationError("ad requires adset and creative external ids")
	}

	data, err := p.doRequest(ctx, http.MethodPost, "/ad/create/", map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"adgroup_id":    spec.AdSetExternalID,
		"creatives": []map[string]interface{}{
			{"ad_name": spec.Name, "video_id": spec.CreativeExternalID, "ad_format": "SINGLE_VIDEO"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating ad: %w", err)
	}

	var resp struct {
		AdIDs []string `json:"ad_ids"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing ad response: %w", err)
	}
	if len(resp.AdIDs) == 0 {
		return nil, &Error{Kind: KindUnknown, Message: "ad create returned no ids"}
	}
	return &Entity{ExternalID: resp.AdIDs[0]}, nil
}

// GetInsights pulls the integrated report broken down by ad and day.
func (p *TikTokProvider) GetInsights(ctx context.Context, externalIDs []string, from, to time.Time) ([]domain.AdInsight, error) {
	data, err := p.doRequest(ctx, http.MethodPost, "/report/integrated/get/", map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"report_type":   "BASIC",
		"data_level":    "AUCTION_AD",
		"dimensions":    []string{"ad_id", "stat_time_day"},
		"metrics":       []string{"spend", "impressions", "clicks", "conversion", "total_purchase_value"},
		"start_date":    from.Format("2006-01-02"),
		"end_date":      to.Format("2006-01-02"),
		"filters": []map[string]interface{}{
			{"field_name": "ad_ids", "filter_type": "IN", "filter_value": externalIDs},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching report: %w", err)
	}

	var resp struct {
		List []struct {
			Dimensions struct {
				AdID        string `json:"ad_id"`
				StatTimeDay string `json:"stat_time_day"`
			} `json:"dimensions"`
			Metrics struct {
				Spend              string `json:"spend"`
				Impressions        string `json:"impressions"`
				Clicks             string `json:"clicks"`
				Conversion         string `json:"conversion"`
				TotalPurchaseValue string `json:"total_purchase_value"`
			} `json:"metrics"`
		} `json:"list"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}

	var out []domain.AdInsight
	for _, row := range resp.List {
		day, err := time.Parse("2006-01-02 15:04:05", row.Dimensions.StatTimeDay)
		if err != nil {
			day, err = time.Parse("2006-01-02", row.Dimensions.StatTimeDay)
			if err != nil {
				continue
			}
		}
		out = append(out, domain.AdInsight{
			AdID:         row.Dimensions.AdID,
			Day:          day,
			SpendCents:   dollarsToCents(row.Metrics.Spend),
			Impressions:  atoi64(row.Metrics.Impressions),
			Clicks:       atoi64(row.Metrics.Clicks),
			Conversions:  atoi64(row.Metrics.Conversion),
			RevenueCents: dollarsToCents(row.Metrics.TotalPurchaseValue),
		})
	}
	return out, nil
}

// UpdateBudget sets the daily budget on an ad group.
func (p *TikTokProvider) UpdateBudget(ctx context.Context, externalID string, budgetCents int64) error {
	if budgetCents <= 0 {
		return validationError("budget must be positive, got %d", budgetCents)
	}
	_, err := p.doRequest(ctx, http.MethodPost, "/adgroup/budget/update/", map[string]interface{}{
		"advertiser_id": p.advertiserID,
		"adgroup_id":    externalID,
		"budget":        float64(budgetCents) / 100,
	})
	if err != nil {
		return fmt.Errorf("updating budget for %s: %w", externalID, err)
	}
	return nil
}

func (p *TikTokProvider) PauseEntity(ctx context.Context, externalID string) error {
	return p.setStatus(ctx, externalID, "DISABLE")
}

func (p *TikTokProvider) ResumeEntity(ctx context.Context, externalID string) error {
	return p.setStatus(ctx, externalID, "ENABLE")
}

func (p *TikTokProvider) setStatus(ctx context.Context, externalID, operation string) error {
	if externalID == "" {
		return validationError("external id required")
	}
	_, err := p.doRequest(ctx, http.MethodPost, "/ad/status/update/", map[string]interface{}{
		"advertiser_id":    p.advertiserID,
		"ad_ids":           []string{externalID},
		"operation_status": operation,
	})
	if err != nil {
		return fmt.Errorf("setting %s status to %s: %w", externalID, operation, err)
	}
	return nil
}
