package orchestrator

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mobyclaw/mobyclaw/internal/agent"
)

// sessionErrorSubstrings mark an upstream failure as session-class: the
// session over there is no longer usable and the turn should be retried
// once on a fresh one.
var sessionErrorSubstrings = []string{
	"session",
	"sequencing",
	"tool_use_id",
	"invalid_request_error",
	"all models failed",
	"context canceled",
	"aborted",
	"timed out",
	"econnreset",
	"socket idle",
	"connection likely dead",
}

// IsSessionError reports whether err suggests the upstream session is dead:
// a 404 on the stream endpoint, or any of the known failure substrings.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *agent.HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusNotFound {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range sessionErrorSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
