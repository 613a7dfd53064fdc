package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/httperr"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

type promptRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

// apiChannelID derives the synthetic channel for a direct API caller. The
// api: prefix keeps these turns out of channel tracking and short-term memory
// context lines.
func apiChannelID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return "api:" + id
	}
	return "api:" + logger.GenerateRequestID()
}

// handlePrompt runs one buffered turn: the response is returned whole once
// the stream finishes.
func (s *Server) handlePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "message is required", map[string]interface{}{"reason": err.Error()})
		return
	}

	result, err := s.orch.Send(c.Request.Context(), apiChannelID(c), req.Message)
	if err != nil {
		s.logger.WithContext(c.Request.Context()).Error("prompt turn failed", "error", err)
		if errors.Is(err, gateway.ErrAborted) {
			httperr.Internal(c, "turn aborted", nil)
			return
		}
		httperr.Internal(c, "turn failed", map[string]interface{}{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response":   result.Text,
		"session_id": s.sessions.GetSessionID(),
	})
}

// sseWriter serializes events onto one SSE response. Callbacks fire from the
// orchestrator's goroutines, so writes are locked.
type sseWriter struct {
	mu      sync.Mutex
	w       gin.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return
	}
	s.flusher.Flush()
}

// handlePromptStream fans the turn's events out as SSE. Client disconnect is
// detected on the response side: the request body closes as soon as the POST
// payload is read, long before the client goes away.
func (s *Server) handlePromptStream(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "message is required", map[string]interface{}{"reason": err.Error()})
		return
	}

	out, ok := newSSEWriter(c)
	if !ok {
		httperr.Internal(c, "streaming unsupported", nil)
		return
	}

	ctx := c.Request.Context()
	cb := &gateway.StreamCallbacks{
		OnToken: func(text string) {
			out.send("token", gin.H{"text": text})
		},
		OnToolStart: func(name string) {
			out.send("tool", gin.H{"name": name, "status": "start"})
		},
		OnToolDetail: func(name string, args map[string]interface{}) {
			detail := ""
			if raw, err := json.Marshal(args); err == nil {
				detail = string(raw)
			}
			out.send("tool", gin.H{"name": name, "status": "detail", "detail": detail})
		},
		OnToolEnd: func(name string, success bool) {
			out.send("tool", gin.H{"name": name, "status": "done", "success": success})
		},
		OnQueued: func(position int) {
			out.send("queued", gin.H{"position": position})
		},
	}

	result, err := s.orch.SendStream(ctx, apiChannelID(c), req.Message, cb)
	if err != nil {
		s.logger.WithContext(ctx).Error("streaming turn failed", "error", err)
		message := err.Error()
		if errors.Is(err, gateway.ErrAborted) {
			message = "aborted"
		}
		out.send("error", gin.H{"message": message})
		return
	}
	out.send("done", gin.H{
		"text":       result.Text,
		"session_id": s.sessions.GetSessionID(),
	})
}
