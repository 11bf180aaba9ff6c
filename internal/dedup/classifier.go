package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultClassifierEndpoint = "https://api.openai.com/v1/chat/completions"
	DefaultClassifierModel    = "gpt-4o-mini"
	DefaultClassifierTimeout  = 30 * time.Second
)

const classifierSystemPrompt = `You are a news deduplication assistant. Determine if a given news story is a duplicate of any stories in a provided list.
Stories are considered duplicates if they are about the same event or topic, even if they are worded differently.
The stories will end up in a news aggregator, and we don't want to show users highly related stories.
Respond with a JSON object of the form {"is_duplicate": boolean, "confidence": number, "reason": string}.`

// Verdict is the classifier's duplicate decision. Only IsDuplicate drives the
// pipeline; confidence and reason are logged.
type Verdict struct {
	IsDuplicate bool     `json:"is_duplicate"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Reason      *string  `json:"reason,omitempty"`
}

// Classifier submits a candidate title and its recall-stage neighbors to an
// OpenAI-compatible chat completions endpoint for a duplicate verdict.
type Classifier struct {
	endpoint   string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClassifier(endpoint, apiKey, model string, timeout time.Duration) *Classifier {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultClassifierEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultClassifierModel
	}
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	return &Classifier{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Classifier) ClassifyDuplicate(ctx context.Context, candidateTitle string, neighborTitles []string) (Verdict, error) {
	if c == nil {
		return Verdict{}, fmt.Errorf("classifier is not initialized")
	}

	prompt := buildClassifierPrompt(candidateTitle, neighborTitles)

	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	}
	request.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(request)
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal classifier request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("classifier status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Verdict{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Verdict{}, fmt.Errorf("classifier response has no choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return Verdict{}, fmt.Errorf("classifier response content is empty")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("decode classifier verdict: %w", err)
	}
	return verdict, nil
}

func buildClassifierPrompt(candidateTitle string, neighborTitles []string) string {
	var b strings.Builder
	b.WriteString("Is this story a duplicate of any in the list below?\n\n")
	b.WriteString(fmt.Sprintf("Query story: %q\n\n", candidateTitle))
	b.WriteString("Similar stories:\n")
	for _, title := range neighborTitles {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	return b.String()
}
