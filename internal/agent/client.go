// Package agent implements the HTTP+SSE client for the upstream agent
// runtime: session management and one streaming prompt call at a time.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// HTTPStatusError is a non-2xx response from the upstream runtime.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.Code, e.Body)
}

// StreamError is an in-band error event from the upstream stream that left
// the turn with no content.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent stream error: %s", e.Message)
}

// Client talks to the upstream agent runtime.
type Client struct {
	baseURL     string
	agentName   string
	idleTimeout time.Duration
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates a client for the runtime at baseURL. agentName is the
// opaque agent identifier in the stream endpoint path. idleTimeout bounds
// how long the SSE socket may be silent before it is treated as dead.
func NewClient(baseURL, agentName string, idleTimeout time.Duration, log *logger.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL:     baseURL,
		agentName:   agentName,
		idleTimeout: idleTimeout,
		// No client-level timeout: streams run for minutes. The socket
		// idle watchdog and the caller's context bound the call instead.
		httpClient: &http.Client{Transport: transport},
		logger:     log.WithComponent("agent-client"),
	}
}

// WaitForReady polls the runtime health endpoint until it answers 200 or the
// timeout elapses.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
		if err != nil {
			return fmt.Errorf("create ping request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no healthy response within %s", gateway.ErrAgentUnready, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CreateSession creates an upstream session with tools pre-approved, so the
// stream never blocks on a tool confirmation event.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]bool{"tools_approved": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPStatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create session: empty id in response")
	}

	c.logger.Info("created upstream session", "session_id", result.ID)
	return result.ID, nil
}

// ValidateSession reports whether the upstream still holds the session.
// Upstream sessions are in-memory on their side, so a runtime restart
// silently invalidates them.
func (c *Client) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+sessionID, nil)
	if err != nil {
		return false, fmt.Errorf("create validate request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// PromptStream posts message to the session and consumes the SSE stream,
// firing callbacks as events arrive. It returns the accumulated text and
// token usage. Partial text with a late stream error still succeeds; an
// error event with no content fails.
func (c *Client) PromptStream(ctx context.Context, sessionID, message string, cb *gateway.StreamCallbacks) (*gateway.TurnResult, error) {
	payload, _ := json.Marshal([]map[string]string{{"role": "user", "content": message}})
	url := fmt.Sprintf("%s/api/sessions/%s/agent/%s", c.baseURL, sessionID, c.agentName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prompt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	return c.consumeStream(ctx, resp.Body, cb)
}
