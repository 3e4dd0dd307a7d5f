// Package summarizer calls the external summarization service. The service
// is opaque: this client only knows the request/response contract.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable reports that the summarization service could not produce a
// summary. The meeting end never blocks on it.
var ErrUnavailable = errors.New("summarizer unavailable")

// Client talks to the summarization service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a summarizer client. An empty baseURL disables it.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// IsConfigured reports whether a service endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

type summarizeRequest struct {
	Title    string          `json:"title"`
	Document json.RawMessage `json:"document"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize sends the note document and returns the generated summary text.
func (c *Client) Summarize(ctx context.Context, title string, document json.RawMessage) (string, error) {
	if !c.IsConfigured() {
		return "", ErrUnavailable
	}

	body, err := json.Marshal(summarizeRequest{Title: title, Document: document})
	if err != nil {
		return "", fmt.Errorf("marshal summarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/summaries", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, payload)
	}

	var parsed summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode summarize response: %w", err)
	}
	if parsed.Summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrUnavailable)
	}
	return parsed.Summary, nil
}
