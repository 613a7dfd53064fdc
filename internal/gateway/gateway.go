// Package gateway holds the small set of types shared by every component of
// the personal-agent gateway: channel id conventions, stream callbacks, and
// the sentinel errors that cross package boundaries.
package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved channel platform prefixes. Channels with these platforms are
// internal to the gateway and are never tracked or remembered.
var reservedPlatforms = map[string]bool{
	"api":       true,
	"cli":       true,
	"heartbeat": true,
	"schedule":  true,
}

// SplitChannel parses a "<platform>:<id>" channel string.
func SplitChannel(channel string) (platform, id string, err error) {
	platform, id, ok := strings.Cut(channel, ":")
	if !ok || platform == "" || id == "" {
		return "", "", fmt.Errorf("invalid channel %q: want \"<platform>:<id>\"", channel)
	}
	return platform, id, nil
}

// IsInternalChannel reports whether a channel id belongs to the gateway
// itself (heartbeats, schedules, API/CLI clients, or the system pseudo
// channel) rather than to a messaging platform.
func IsInternalChannel(channelID string) bool {
	if channelID == "system" {
		return true
	}
	platform, _, ok := strings.Cut(channelID, ":")
	if !ok {
		return false
	}
	return reservedPlatforms[platform]
}

// IsReservedPlatform reports whether a platform prefix is reserved for
// internal use.
func IsReservedPlatform(platform string) bool {
	return reservedPlatforms[platform]
}

// IsSelfOriginated reports whether the gateway itself composed the turn:
// heartbeats, scheduled prompts, and the system pseudo channel. API and CLI
// turns are user turns and do not count.
func IsSelfOriginated(channelID string) bool {
	if channelID == "system" {
		return true
	}
	platform, _, ok := strings.Cut(channelID, ":")
	if !ok {
		return false
	}
	return platform == "heartbeat" || platform == "schedule"
}

// Sentinel errors shared across components.
var (
	// ErrAborted is returned for a turn cancelled by the user (/stop).
	// Never retried.
	ErrAborted = errors.New("turn aborted")
	// ErrQueueCleared rejects queued entries dropped by a stop request.
	ErrQueueCleared = errors.New("queue cleared")
	// ErrOverflow rejects the oldest queue entry when the queue is full.
	ErrOverflow = errors.New("queue overflow")
	// ErrAgentUnready means the upstream runtime never became healthy.
	ErrAgentUnready = errors.New("agent runtime not ready")
	// ErrSocketIdle means the upstream stream went silent past the idle
	// timeout. Classified as a session error.
	ErrSocketIdle = errors.New("socket idle: connection likely dead")
)

// Usage is the token accounting reported by the upstream runtime at the end
// of a stream. Zero value means the runtime reported nothing.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// TurnResult is the outcome of one turn through the orchestrator.
type TurnResult struct {
	Text  string
	Usage Usage
}

// StreamCallbacks receive streaming events during a turn. Any field may be
// nil; use the Fire* helpers to invoke them.
type StreamCallbacks struct {
	OnToken      func(text string)
	OnToolStart  func(name string)
	OnToolDetail func(name string, args map[string]interface{})
	OnToolEnd    func(name string, success bool)
	OnQueued     func(position int)
	OnError      func(message string)
}

// FireToken invokes OnToken if set.
func (cb *StreamCallbacks) FireToken(text string) {
	if cb != nil && cb.OnToken != nil {
		cb.OnToken(text)
	}
}

// FireToolStart invokes OnToolStart if set.
func (cb *StreamCallbacks) FireToolStart(name string) {
	if cb != nil && cb.OnToolStart != nil {
		cb.OnToolStart(name)
	}
}

// FireToolDetail invokes OnToolDetail if set.
func (cb *StreamCallbacks) FireToolDetail(name string, args map[string]interface{}) {
	if cb != nil && cb.OnToolDetail != nil {
		cb.OnToolDetail(name, args)
	}
}

// FireToolEnd invokes OnToolEnd if set.
func (cb *StreamCallbacks) FireToolEnd(name string, success bool) {
	if cb != nil && cb.OnToolEnd != nil {
		cb.OnToolEnd(name, success)
	}
}

// FireQueued invokes OnQueued if set.
func (cb *StreamCallbacks) FireQueued(position int) {
	if cb != nil && cb.OnQueued != nil {
		cb.OnQueued(position)
	}
}

// FireError invokes OnError if set.
func (cb *StreamCallbacks) FireError(message string) {
	if cb != nil && cb.OnError != nil {
		cb.OnError(message)
	}
}
