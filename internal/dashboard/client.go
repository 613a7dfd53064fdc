// Package dashboard is the soft client for the external dashboard: a
// relevance-scored context fetch per turn and fire-and-forget logging.
// Every failure here is swallowed; the dashboard never blocks a turn.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// ContextResponse is the shape of GET /api/context.
type ContextResponse struct {
	Context          string `json:"context"`
	SectionsIncluded int    `json:"sections_included"`
	SectionsTotal    int    `json:"sections_total"`
	TotalTokens      int    `json:"total_tokens"`
	SectionsPruned   int    `json:"sections_pruned"`
}

// Client talks to the dashboard. A nil Client is a no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a dashboard client, or nil when no URL is configured.
func NewClient(baseURL string, fetchTimeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     log.WithComponent("dashboard"),
	}
}

// GetContext fetches the relevance-scored memory block for a query.
func (c *Client) GetContext(ctx context.Context, query string, budget int) (*ContextResponse, error) {
	if c == nil {
		return &ContextResponse{}, nil
	}

	u := c.baseURL + "/api/context?query=" + url.QueryEscape(query) + "&budget=" + strconv.Itoa(budget)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create context request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("context fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("context fetch returned HTTP %d: %s", resp.StatusCode, body)
	}

	var out ContextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode context response: %w", err)
	}
	return &out, nil
}

// LogConversation posts a conversation record in the background.
func (c *Client) LogConversation(payload interface{}) {
	c.fireAndForget("/api/conversations", payload)
}

// LogUsage posts a token-usage record in the background.
func (c *Client) LogUsage(payload interface{}) {
	c.fireAndForget("/api/usage", payload)
}

func (c *Client) fireAndForget(path string, payload interface{}) {
	if c == nil {
		return
	}
	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			c.logger.Debug("failed to marshal log payload", "path", path, "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("dashboard log post failed", "path", path, "error", err)
			return
		}
		resp.Body.Close()
	}()
}
