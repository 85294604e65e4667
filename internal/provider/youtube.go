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

// YouTubeProvider covers the organic side through the Data API. Ads
// management lives in a separate Google Ads surface this deployment does
// not integrate, so ads operations return validation errors instead of
// pretending.
type YouTubeProvider struct {
	baseURL    string
	channelRef string
	httpClient httpretry.HTTPDoer
}

// NewYouTube creates a Data API adapter bound to one account's identity.
func NewYouTube(baseURL string, creds *Credentials, proxyURL string, timeout time.Duration) (*YouTubeProvider, error) {
	client, err := newHTTPClient(creds, proxyURL, timeout)
	if err != nil {
		return nil, err
	}
	return &YouTubeProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		channelRef: creds.AccountRef,
		httpClient: client,
	}, nil
}

func (p *YouTubeProvider) Platform() domain.Platform { return domain.PlatformYouTube }

func (p *YouTubeProvider) SupportsRealAPI() bool { return true }

func (p *YouTubeProvider) doRequest(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
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
	return body, nil
}

// UploadCreative has no separate upload step on this surface; a short is
// created at publish time.
func (p *YouTubeProvider) UploadCreative(ctx context.Context, spec CreativeSpec) (*Creative, error) {
	return nil, validationError("youtube creatives are created at publish time")
}

// PublishPost creates a public short from the resolved media URL.
func (p *YouTubeProvider) PublishPost(ctx context.Context, req PublishRequest) (*Post, error) {
	if req.MediaURL == "" {
		return nil, validationError("publish requires a media url")
	}

	title := req.Caption
	if len(title) > 100 {
		title = title[:100]
	}
	tags := make([]string, 0, len(req.Hashtags))
	for _, h := range req.Hashtags {
		tags = append(tags, strings.TrimPrefix(h, "#"))
	}

	body, err := p.doRequest(ctx, http.MethodPost, "/videos?part=snippet,status", map[string]interface{}{
		"snippet": map[string]interface{}{
			"channelId":   p.channelRef,
			"title":       title,
			"description": req.Caption,
			"tags":        tags,
		},
		"status": map[string]interface{}{
			"privacyStatus": "public",
		},
		"mediaUrl": req.MediaURL,
	})
	if err != nil {
		return nil, fmt.Errorf("publishing video: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing video response: %w", err)
	}
	return &Post{
		ExternalPostID: resp.ID,
		ExternalURL:    "https://www.youtube.com/shorts/" + resp.ID,
	}, nil
}

func (p *YouTubeProvider) CreateCampaign(ctx context.Context, spec CampaignSpec) (*Entity, error) {
	return nil, validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) CreateAdSet(ctx context.Context, spec AdSetSpec) (*Entity, error) {
	return nil, validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) CreateAd(ctx context.Context, spec AdSpec) (*Entity, error) {
	return nil, validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) GetInsights(ctx context.Context, externalIDs []string, from, to time.Time) ([]domain.AdInsight, error) {
	return nil, validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) UpdateBudget(ctx context.Context, externalID string, budgetCents int64) error {
	return validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) PauseEntity(ctx context.Context, externalID string) error {
	return validationError("youtube ads management requires the google ads integration")
}

func (p *YouTubeProvider) ResumeEntity(ctx context.Context, externalID string) error {
	return validationError("youtube ads management requires the google ads integration")
}
