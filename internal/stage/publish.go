package stage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/reelpilot/internal/domain"
)

// defaultRateLimitBackoff applies when a platform answers 429 without Retry-After.
const defaultRateLimitBackoff = 15 * time.Minute

// Post is what gets published to a platform.
type Post struct {
	JobID       string   `json:"job_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
	ManifestURL string   `json:"manifest_url"`
}

// Receipt identifies a published post.
type Receipt struct {
	PostID string `json:"id"`
	URL    string `json:"url"`
}

// Publisher posts content with one account. A platform asking to back off is reported as *domain.RateLimitError.
type Publisher interface {
	Publish(ctx context.Context, platform string, account domain.Account, post Post) (Receipt, error)
}

// PublisherConfig maps each platform to its upload endpoint.
type PublisherConfig struct {
	Endpoints map[string]string
	Timeout   time.Duration
}

// HTTPPublisher posts to per-platform HTTP upload gateways, authenticating with the account credential.
type HTTPPublisher struct {
	client    *resty.Client
	endpoints map[string]string
	nowFn     func() time.Time
}

// NewHTTPPublisher creates a publisher. Platforms without an endpoint fail at publish time.
func NewHTTPPublisher(cfg PublisherConfig) *HTTPPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for platform, url := range cfg.Endpoints {
		endpoints[strings.ToLower(platform)] = url
	}
	return &HTTPPublisher{client: client, endpoints: endpoints, nowFn: time.Now}
}

// Publish uploads post for platform using account.
func (p *HTTPPublisher) Publish(ctx context.Context, platform string, account domain.Account, post Post) (Receipt, error) {
	endpoint, ok := p.endpoints[strings.ToLower(platform)]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: no publish endpoint for platform %s", domain.ErrInvalidInput, platform)
	}

	var receipt Receipt
	httpResp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(string(account.Credential)).
		SetHeader("X-Account-ID", account.ID).
		SetBody(post).
		SetResult(&receipt).
		Post(endpoint)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to call %s publish API: %w", platform, err)
	}

	switch {
	case httpResp.StatusCode() == http.StatusTooManyRequests:
		return Receipt{}, &domain.RateLimitError{
			ResetAt: p.resetAt(httpResp.Header().Get("Retry-After")),
			Message: strings.TrimSpace(string(httpResp.Body())),
		}
	case httpResp.IsError():
		return Receipt{}, fmt.Errorf("%s publish API returned HTTP %d: %s", platform, httpResp.StatusCode(), string(httpResp.Body()))
	}
	if receipt.PostID == "" && receipt.URL == "" {
		return Receipt{}, errors.New("publish API returned an empty receipt")
	}
	return receipt, nil
}

// resetAt interprets Retry-After as delay seconds or an HTTP date.
func (p *HTTPPublisher) resetAt(retryAfter string) time.Time {
	now := p.nowFn()
	retryAfter = strings.TrimSpace(retryAfter)
	if retryAfter == "" {
		return now.Add(defaultRateLimitBackoff)
	}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return t
	}
	return now.Add(defaultRateLimitBackoff)
}
