package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultEndpoint     = "https://api.exa.ai"
	DefaultCrawlTimeout = 10 * time.Second

	// Use cached page content when the discovery service has it, live-fetch
	// otherwise.
	crawlStrategyFallback = "fallback"
)

// PageMetadata is the supplementary page-level data the crawl endpoint can
// surface for a URL. Any field may be nil.
type PageMetadata struct {
	ImageURL   *string
	Author     *string
	FaviconURL *string
	Text       string
}

// Client calls the content-discovery API's crawl-on-demand endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(endpoint, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		base = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultCrawlTimeout
	}
	return &Client{
		endpoint:   base,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type contentsRequest struct {
	URLs      []string `json:"urls"`
	Livecrawl string   `json:"livecrawl"`
	Text      bool     `json:"text"`
}

type contentsResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Author  *string `json:"author"`
		Image   *string `json:"image"`
		Favicon *string `json:"favicon"`
		Text    string  `json:"text"`
	} `json:"results"`
}

// FetchPageMetadata crawls one URL with the fallback strategy and a bounded
// timeout. Callers treat any error as soft: the pipeline proceeds with nil
// metadata rather than failing the delivery.
func (c *Client) FetchPageMetadata(ctx context.Context, pageURL string) (*PageMetadata, error) {
	if c == nil {
		return nil, fmt.Errorf("enrich client is not initialized")
	}

	page := strings.TrimSpace(pageURL)
	if page == "" {
		return nil, fmt.Errorf("page URL is required")
	}

	body, err := json.Marshal(contentsRequest{
		URLs:      []string{page},
		Livecrawl: crawlStrategyFallback,
		Text:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal contents request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint+"/contents", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build contents request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contents request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read contents response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("contents endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed contentsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode contents response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("contents response has no results")
	}

	result := parsed.Results[0]
	return &PageMetadata{
		ImageURL:   normalizeOptional(result.Image),
		Author:     normalizeOptional(result.Author),
		FaviconURL: normalizeOptional(result.Favicon),
		Text:       strings.TrimSpace(result.Text),
	}, nil
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
