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

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/faults"
)

// LateDev publishes posts through the Late.dev API.
type LateDev struct {
	baseURL  string
	apiKey   string
	accounts map[string]string
	client   *http.Client
}

// NewLateDev builds a client. accounts maps platform to Late.dev account id.
func NewLateDev(baseURL, apiKey string, accounts map[string]string, client *http.Client) *LateDev {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LateDev{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		accounts: accounts,
		client:   client,
	}
}

type latePlatform struct {
	Platform  string `json:"platform"`
	AccountID string `json:"accountId"`
}

type lateMediaItem struct {
	URL string `json:"url"`
}

type latePostRequest struct {
	Content      string          `json:"content"`
	Platforms    []latePlatform  `json:"platforms"`
	MediaItems   []lateMediaItem `json:"mediaItems,omitempty"`
	ScheduledFor string          `json:"scheduledFor,omitempty"`
	PublishNow   bool            `json:"publishNow"`
}

type latePostResponse struct {
	Post *struct {
		ID     string `json:"_id"`
		Status string `json:"status"`
	} `json:"post"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Publish creates a post, immediately unless ScheduledFor is set.
func (l *LateDev) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := l.checkConfigured(req.Platforms); err != nil {
		return PublishResult{}, err
	}

	body := latePostRequest{Content: req.Content, PublishNow: req.ScheduledFor == nil}
	for _, p := range req.Platforms {
		body.Platforms = append(body.Platforms, latePlatform{Platform: p, AccountID: l.accounts[p]})
	}
	for _, u := range req.MediaURLs {
		body.MediaItems = append(body.MediaItems, lateMediaItem{URL: u})
	}
	if req.ScheduledFor != nil {
		body.ScheduledFor = req.ScheduledFor.UTC().Format(time.RFC3339)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal post: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/posts", bytes.NewReader(raw))
	if err != nil {
		return PublishResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+l.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return PublishResult{}, &faults.ProviderError{Provider: "Late.dev", Context: "publish", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PublishResult{}, &faults.ProviderError{Provider: "Late.dev", Context: "publish", Err: err}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		log.Error().Str("component", "provider").Str("provider", "Late.dev").Str("context", "publish").Int("status", resp.StatusCode).Msg("provider error")
		return PublishResult{}, &faults.ProviderError{Provider: "Late.dev", Context: "publish", Status: resp.StatusCode, Body: snippet(data)}
	}

	var out latePostResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return PublishResult{}, faults.Permanent(fmt.Errorf("decode Late.dev response: %w", err))
	}
	result := PublishResult{PostID: out.ID, Status: out.Status}
	if out.Post != nil {
		if out.Post.ID != "" {
			result.PostID = out.Post.ID
		}
		if out.Post.Status != "" {
			result.Status = out.Post.Status
		}
	}
	if result.Status == "" {
		result.Status = "unknown"
	}
	return result, nil
}

func (l *LateDev) checkConfigured(platforms []string) error {
	var missing []string
	if l.apiKey == "" {
		missing = append(missing, "LATE_DEV_API_KEY")
	}
	if len(platforms) == 0 {
		return faults.Invalid("platforms", "at least one platform is required")
	}
	for _, p := range platforms {
		if !SupportedPlatform(p) {
			return faults.Invalid("platforms", fmt.Sprintf("unsupported platform %q", p))
		}
		if l.accounts[p] == "" {
			missing = append(missing, "LATE_"+strings.ToUpper(p)+"_ACCOUNT_ID")
		}
	}
	if len(missing) > 0 {
		return faults.Permanent(fmt.Errorf("Late.dev configuration missing: %s", strings.Join(missing, ", ")))
	}
	return nil
}
