package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
)

// streamState accumulates the result of one SSE stream.
type streamState struct {
	text        strings.Builder
	usage       gateway.Usage
	streamError string
	currentTool string
}

// watchdogBody wraps the response body and re-arms the idle timer on every
// byte received. This distinguishes a silently dead peer from a
// long-running tool execution, which still trickles keep-alive frames.
type watchdogBody struct {
	body  io.ReadCloser
	timer *time.Timer
	idle  time.Duration
}

func (w *watchdogBody) Read(p []byte) (int, error) {
	n, err := w.body.Read(p)
	if n > 0 {
		w.timer.Reset(w.idle)
	}
	return n, err
}

func (c *Client) consumeStream(ctx context.Context, body io.ReadCloser, cb *gateway.StreamCallbacks) (*gateway.TurnResult, error) {
	var idleTripped atomic.Bool
	timer := time.AfterFunc(c.idleTimeout, func() {
		idleTripped.Store(true)
		body.Close()
	})
	defer timer.Stop()

	scanner := bufio.NewScanner(&watchdogBody{body: body, timer: timer, idle: c.idleTimeout})
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	state := &streamState{}
	var eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.handleEvent(state, eventType, data.String(), cb)
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	// Trailing frame without a final blank line.
	if eventType != "" || data.Len() > 0 {
		c.handleEvent(state, eventType, data.String(), cb)
	}

	if err := scanner.Err(); err != nil {
		if idleTripped.Load() {
			return nil, gateway.ErrSocketIdle
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if idleTripped.Load() {
		return nil, gateway.ErrSocketIdle
	}

	// End-of-stream policy: an error event with no accumulated content
	// fails the turn; otherwise return the (possibly partial) text.
	if state.streamError != "" && state.text.Len() == 0 {
		return nil, &StreamError{Message: state.streamError}
	}

	return &gateway.TurnResult{Text: state.text.String(), Usage: state.usage}, nil
}

func (c *Client) handleEvent(state *streamState, eventType, data string, cb *gateway.StreamCallbacks) {
	switch eventType {
	case "agent_choice":
		var ev struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Content == "" {
			return
		}
		state.text.WriteString(ev.Content)
		cb.FireToken(ev.Content)

	case "partial_tool_call":
		var ev struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Name == "" {
			return
		}
		if ev.Name != state.currentTool {
			state.currentTool = ev.Name
			cb.FireToolStart(ev.Name)
		}

	case "tool_call":
		var ev struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return
		}
		name := ev.Name
		if name == "" {
			name = state.currentTool
		}
		var args map[string]interface{}
		if ev.Arguments != "" {
			// Arguments may be malformed mid-stream; a nil map is fine.
			_ = json.Unmarshal([]byte(ev.Arguments), &args)
		}
		cb.FireToolDetail(name, args)

	case "tool_call_response":
		var ev struct {
			Name   string `json:"name"`
			Result struct {
				IsError bool `json:"isError"`
			} `json:"result"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return
		}
		name := ev.Name
		if name == "" {
			name = state.currentTool
		}
		cb.FireToolEnd(name, !ev.Result.IsError)
		state.currentTool = ""

	case "token_usage":
		var usage gateway.Usage
		if err := json.Unmarshal([]byte(data), &usage); err == nil {
			state.usage = usage
		}

	case "error":
		var ev struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Message == "" {
			ev.Message = data
		}
		state.streamError = ev.Message
		c.logger.Warn("upstream stream error event", "message", ev.Message)
		cb.FireError(ev.Message)

	default:
		// Lifecycle events we don't act on.
	}
}
