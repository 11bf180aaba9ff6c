package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultEndpoint       = "https://api.openai.com/v1/embeddings"
	DefaultModel          = "text-embedding-3-small"
	DefaultDimensions     = 1536
	DefaultRequestTimeout = 45 * time.Second
)

// Client turns text into a fixed-dimension vector via an embedding service.
// Endpoints ending in /v1/embeddings speak the OpenAI request shape; anything
// else gets the plain texts shape.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(endpoint, apiKey, model string, dimensions int, timeout time.Duration) *Client {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		dimensions: dimensions,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimensions reports the vector size this client is configured to produce.
func (c *Client) Dimensions() int {
	return c.dimensions
}

type embedRequest struct {
	Model      string   `json:"model,omitempty"`
	Input      []string `json:"input,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
	Texts      []string `json:"texts,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed produces the embedding vector for one text. A blank text yields a nil
// vector and no upstream call; the caller is expected to skip dedup in that
// case.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("embedding client is not initialized")
	}

	input := strings.TrimSpace(text)
	if input == "" {
		return nil, nil
	}

	payload := embedRequest{
		Texts: []string{input},
	}
	if parsed, err := url.Parse(c.endpoint); err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		payload = embedRequest{
			Model:      c.model,
			Input:      []string{input},
			Dimensions: c.dimensions,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding response missing vectors")
	}

	vector := vectors[0]
	if len(vector) != c.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vector), c.dimensions)
	}
	return vector, nil
}
