// Package channels tracks the platform channels the gateway has seen and
// the registry of proactive send functions per platform.
package channels

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// Store is a persistent map of platform → last-seen channel id, plus the
// most recently active channel in memory.
type Store struct {
	mu         sync.Mutex
	path       string
	known      map[string]string
	lastActive string
	logger     *logger.Logger
}

// NewStore creates the store and restores channels.json.
func NewStore(dataRoot string, log *logger.Logger) *Store {
	s := &Store{
		path:   filepath.Join(dataRoot, "channels.json"),
		known:  map[string]string{},
		logger: log.WithComponent("channels"),
	}

	var known map[string]string
	if ok, err := gateway.ReadJSON(s.path, &known); err != nil {
		s.logger.Warn("failed to load known channels, starting empty", "error", err)
	} else if ok && known != nil {
		s.known = known
	}

	return s
}

// Track records an inbound channel id. Internal platforms (api, cli,
// heartbeat, schedule) are never tracked.
func (s *Store) Track(channelID string) {
	platform, _, err := gateway.SplitChannel(channelID)
	if err != nil || gateway.IsReservedPlatform(platform) {
		return
	}

	s.mu.Lock()
	s.lastActive = channelID
	changed := s.known[platform] != channelID
	if changed {
		s.known[platform] = channelID
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		if err := gateway.AtomicWriteJSON(s.path, snapshot); err != nil {
			s.logger.Error("failed to persist known channels", "error", err)
		}
	}
}

// Get returns the last-seen channel id for a platform.
func (s *Store) Get(platform string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.known[platform]
	return id, ok
}

// GetAll returns a copy of every known channel.
func (s *Store) GetAll() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetDefault returns the most recently active channel, falling back to the
// first known one (stable order).
func (s *Store) GetDefault() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastActive != "" {
		return s.lastActive
	}

	platforms := make([]string, 0, len(s.known))
	for p := range s.known {
		platforms = append(platforms, p)
	}
	if len(platforms) == 0 {
		return ""
	}
	sort.Strings(platforms)
	return s.known[platforms[0]]
}

// ContextLine renders the situational prefix prepended to inbound messages
// from external platforms. The default channel is included only when it
// differs from the sender's.
func (s *Store) ContextLine(channelID string, now time.Time) string {
	line := fmt.Sprintf("[context: channel=%s, time=%s", channelID, now.UTC().Format(time.RFC3339))
	if def := s.GetDefault(); def != "" && def != channelID {
		line += ", default_channel=" + def
	}
	return line + "]"
}

func (s *Store) snapshotLocked() map[string]string {
	out := make(map[string]string, len(s.known))
	for k, v := range s.known {
		out[k] = v
	}
	return out
}
