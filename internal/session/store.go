// Package session owns the single shared upstream session: its id, busy
// flag, FIFO queue, and lifecycle rules. All mutation goes through the
// store's mutex; the orchestrator is the only dispatcher.
package session

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
)

// Queue modes.
const (
	ModeCollect  = "collect"  // coalesce queued entries into one turn
	ModeFollowup = "followup" // drain one entry at a time
)

// Outcome is the terminal result delivered to a queued entry.
type Outcome struct {
	Result *gateway.TurnResult
	Err    error
}

// QueueEntry is one message waiting for the session to free up. Done is
// buffered and receives exactly one Outcome.
type QueueEntry struct {
	ChannelID  string
	Message    string
	Callbacks  *gateway.StreamCallbacks
	Done       chan Outcome
	EnqueuedAt time.Time
}

// NewQueueEntry creates an entry with its outcome channel.
func NewQueueEntry(channelID, message string, cb *gateway.StreamCallbacks) *QueueEntry {
	return &QueueEntry{
		ChannelID:  channelID,
		Message:    message,
		Callbacks:  cb,
		Done:       make(chan Outcome, 1),
		EnqueuedAt: time.Now(),
	}
}

// Resolve delivers a successful outcome.
func (e *QueueEntry) Resolve(result *gateway.TurnResult) {
	e.Done <- Outcome{Result: result}
}

// Reject delivers a failure outcome.
func (e *QueueEntry) Reject(err error) {
	e.Done <- Outcome{Err: err}
}

// Options configure session lifecycle and queue behavior.
type Options struct {
	MaxTurns         int
	DailyResetHour   int
	IdleResetMinutes int
	MaxQueueSize     int
	QueueMode        string
}

// persisted is the on-disk shape of session.json.
type persisted struct {
	SessionID    string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
	LastResetAt  time.Time `json:"last_reset_at"`
	Updated      time.Time `json:"updated"`
}

// Store is the single shared session.
type Store struct {
	mu sync.Mutex

	path string
	opts Options

	sessionID    string
	busy         bool
	busySince    time.Time
	lastActivity time.Time
	lastResetAt  time.Time
	turnCount    int
	isNew        bool

	queue []*QueueEntry

	logger  *logger.Logger
	metrics *metrics.Metrics

	// now is replaceable for tests.
	now func() time.Time
}

// NewStore creates the store and restores the persisted session id.
func NewStore(dataRoot string, opts Options, log *logger.Logger, m *metrics.Metrics) *Store {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 80
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 20
	}
	if opts.QueueMode == "" {
		opts.QueueMode = ModeCollect
	}

	s := &Store{
		path:    filepath.Join(dataRoot, "session.json"),
		opts:    opts,
		logger:  log.WithComponent("session"),
		metrics: m,
		now:     time.Now,
	}

	var p persisted
	ok, err := gateway.ReadJSON(s.path, &p)
	if err != nil {
		s.logger.Warn("failed to load persisted session, starting fresh", "error", err)
	} else if ok && p.SessionID != "" {
		s.sessionID = p.SessionID
		s.lastActivity = p.LastActivity
		s.lastResetAt = p.LastResetAt
		s.logger.Info("restored persisted session", "session_id", p.SessionID)
	}

	return s
}

// QueueMode returns the configured drain mode.
func (s *Store) QueueMode() string {
	return s.opts.QueueMode
}

// GetSessionID returns the current upstream session id, or "" if none.
func (s *Store) GetSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID installs a fresh session id. Any transition from no session
// to some session marks the session new, so the next turn gets the
// short-term-memory replay.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	if s.sessionID == "" && id != "" {
		s.isNew = true
	}
	s.sessionID = id
	s.mu.Unlock()
	s.persist()
}

// Clear drops the session, resets the turn counter, and records the reset
// time. The next SetSessionID marks the session new.
func (s *Store) Clear() {
	s.mu.Lock()
	s.sessionID = ""
	s.turnCount = 0
	s.lastResetAt = s.now()
	s.mu.Unlock()
	s.persist()
}

// TouchActivity records one turn against the session.
func (s *Store) TouchActivity() {
	s.mu.Lock()
	s.turnCount++
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.persist()
}

// TurnCount returns the number of turns on the current session.
func (s *Store) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// LastActivity returns the wall time of the most recent turn.
func (s *Store) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConsumeNewSessionFlag atomically tests and clears the new-session flag.
func (s *Store) ConsumeNewSessionFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasNew := s.isNew
	s.isNew = false
	return wasNew
}

// ShouldReset reports whether the session must rotate before the next turn,
// and why.
func (s *Store) ShouldReset() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		return false, ""
	}

	// Turn-count cap keeps upstream history bounded.
	if s.turnCount >= s.opts.MaxTurns {
		return true, "max_turns"
	}

	now := s.now()

	// Daily reset: the reset hour has passed since the last activity.
	if !s.lastActivity.IsZero() {
		boundary := time.Date(now.Year(), now.Month(), now.Day(), s.opts.DailyResetHour, 0, 0, 0, now.Location())
		if now.Before(boundary) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		if s.lastActivity.Before(boundary) {
			return true, "daily"
		}
	}

	// Optional idle reset.
	if s.opts.IdleResetMinutes > 0 && !s.lastActivity.IsZero() {
		if now.Sub(s.lastActivity) > time.Duration(s.opts.IdleResetMinutes)*time.Minute {
			return true, "idle"
		}
	}

	return false, ""
}

// IsBusy reports whether a turn is in flight.
func (s *Store) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// TryAcquire atomically checks the busy flag and sets it. Returns false if
// a turn is already in flight. This is the race guard: the flag must be
// taken before any suspension point.
func (s *Store) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.busySince = s.now()
	if s.metrics != nil {
		s.metrics.SessionBusy.Set(1)
	}
	return true
}

// SetBusy sets or clears the busy flag directly.
func (s *Store) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = busy
	if busy {
		s.busySince = s.now()
	} else {
		s.busySince = time.Time{}
	}
	if s.metrics != nil {
		if busy {
			s.metrics.SessionBusy.Set(1)
		} else {
			s.metrics.SessionBusy.Set(0)
		}
	}
}

// CheckBusyWatchdog force-clears a busy flag older than maxBusy. This
// catches a silent upstream death that slipped past the socket watchdog.
func (s *Store) CheckBusyWatchdog(maxBusy time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.busySince.IsZero() {
		return false
	}
	if s.now().Sub(s.busySince) < maxBusy {
		return false
	}
	s.logger.Warn("busy watchdog fired, force-clearing busy flag", "busy_since", s.busySince)
	s.busy = false
	s.busySince = time.Time{}
	if s.metrics != nil {
		s.metrics.SessionBusy.Set(0)
	}
	return true
}

// Enqueue appends an entry, evicting and rejecting the oldest when the
// queue is at capacity. Returns the entry's 1-based position.
func (s *Store) Enqueue(entry *QueueEntry) int {
	s.mu.Lock()
	var dropped *QueueEntry
	if len(s.queue) >= s.opts.MaxQueueSize {
		dropped = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, entry)
	position := len(s.queue)
	s.updateQueueGauge()
	s.mu.Unlock()

	if dropped != nil {
		s.logger.Warn("queue full, dropping oldest entry", "channel", dropped.ChannelID)
		if s.metrics != nil {
			s.metrics.QueueDropsTotal.Inc()
		}
		dropped.Reject(gateway.ErrOverflow)
	}
	return position
}

// Dequeue removes and returns the oldest entry, or nil.
func (s *Store) Dequeue() *QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	s.updateQueueGauge()
	return entry
}

// DequeueAll removes and returns every queued entry in order.
func (s *Store) DequeueAll() []*QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queue
	s.queue = nil
	s.updateQueueGauge()
	return entries
}

// QueueLength returns the number of waiting entries.
func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ClearQueue rejects every queued entry with ErrQueueCleared and returns
// how many were cleared.
func (s *Store) ClearQueue() int {
	s.mu.Lock()
	entries := s.queue
	s.queue = nil
	s.updateQueueGauge()
	s.mu.Unlock()

	for _, entry := range entries {
		entry.Reject(gateway.ErrQueueCleared)
	}
	return len(entries)
}

func (s *Store) updateQueueGauge() {
	if s.metrics != nil {
		s.metrics.QueueLength.Set(float64(len(s.queue)))
	}
}

func (s *Store) persist() {
	s.mu.Lock()
	p := persisted{
		SessionID:    s.sessionID,
		LastActivity: s.lastActivity,
		LastResetAt:  s.lastResetAt,
		Updated:      s.now(),
	}
	s.mu.Unlock()

	if err := gateway.AtomicWriteJSON(s.path, p); err != nil {
		s.logger.Error("failed to persist session state", "error", err)
	}
}
