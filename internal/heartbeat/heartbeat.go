// Package heartbeat wakes the agent periodically for reflection or bounded
// exploration turns, bounded by active hours and backing off after
// consecutive failures until the session rotates.
package heartbeat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/channels"
	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

// ChannelID is the synthetic channel for heartbeat turns.
const ChannelID = "heartbeat:main"

// QuietResponse is the agent's way of saying a heartbeat needed nothing.
const QuietResponse = "HEARTBEAT_OK"

// Sender runs a synthetic turn. Satisfied by the orchestrator.
type Sender interface {
	Send(ctx context.Context, channelID, message string) (*gateway.TurnResult, error)
}

// Options configure the heartbeat.
type Options struct {
	Interval                time.Duration
	ActiveHours             string // "07:00-23:00"
	Timezone                string
	MaxFailures             int
	ExplorationEnabled      bool
	ExplorationFrequency    int
	ExplorationMaxFetches   int
	ExplorationSummaryWords int
	GatewayPort             string
}

// state is persisted at state/heartbeat-state.json.
type state struct {
	HeartbeatCount  int    `json:"heartbeat_count"`
	LastExploration string `json:"last_exploration,omitempty"`
}

// Service is the heartbeat timer.
type Service struct {
	sender   Sender
	sessions *session.Store
	channels *channels.Store
	home     string
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics

	statePath string

	mu                  sync.Mutex
	running             bool
	state               state
	consecutiveFailures int
	failedSessionID     string

	now func() time.Time
}

// New creates the heartbeat service and restores its persisted state.
func New(sender Sender, sessions *session.Store, chans *channels.Store, home string, opts Options, log *logger.Logger, m *metrics.Metrics) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 2
	}
	if opts.ExplorationFrequency <= 0 {
		opts.ExplorationFrequency = 4
	}

	s := &Service{
		sender:    sender,
		sessions:  sessions,
		channels:  chans,
		home:      home,
		opts:      opts,
		logger:    log.WithComponent("heartbeat"),
		metrics:   m,
		statePath: filepath.Join(home, "state", "heartbeat-state.json"),
		now:       time.Now,
	}

	var st state
	if ok, err := gateway.ReadJSON(s.statePath, &st); err != nil {
		s.logger.Warn("failed to load heartbeat state, starting fresh", "error", err)
	} else if ok {
		s.state = st
	}

	return s
}

// Start runs the interval timer until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("heartbeat started", "interval", s.opts.Interval, "active_hours", s.opts.ActiveHours)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat attempt.
func (s *Service) Tick(ctx context.Context) {
	if !s.withinActiveHours(s.now()) {
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	// After too many consecutive failures, wait for the session to rotate
	// before trying again.
	if s.consecutiveFailures >= s.opts.MaxFailures {
		if s.sessions.GetSessionID() == s.failedSessionID {
			s.mu.Unlock()
			s.count("backoff")
			return
		}
		s.consecutiveFailures = 0
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Never contend with user turns.
	if s.sessions.IsBusy() || s.sessions.QueueLength() > 0 {
		s.count("busy_skip")
		return
	}

	s.mu.Lock()
	s.state.HeartbeatCount++
	count := s.state.HeartbeatCount
	isExploration := s.opts.ExplorationEnabled && count%s.opts.ExplorationFrequency == 0
	if isExploration {
		s.state.LastExploration = s.now().UTC().Format(time.RFC3339)
	}
	st := s.state
	s.mu.Unlock()

	if err := gateway.AtomicWriteJSON(s.statePath, st); err != nil {
		s.logger.Error("failed to persist heartbeat state", "error", err)
	}

	prompt := s.composePrompt(count, isExploration)
	result, err := s.sender.Send(ctx, ChannelID, prompt)
	if err != nil {
		s.mu.Lock()
		s.consecutiveFailures++
		s.failedSessionID = s.sessions.GetSessionID()
		failures := s.consecutiveFailures
		s.mu.Unlock()
		s.logger.Error("heartbeat turn failed", "count", count, "consecutive_failures", failures, "error", err)
		s.count("error")
		return
	}

	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()

	if strings.TrimSpace(result.Text) == QuietResponse {
		s.logger.Debug("quiet heartbeat", "count", count)
		s.count("quiet")
		return
	}
	s.logger.Info("heartbeat completed", "count", count, "exploration", isExploration)
	if isExploration {
		s.count("exploration")
	} else {
		s.count("reflection")
	}
}

// withinActiveHours checks the configured local-time window. Everything
// else in the gateway compares UTC; this is the one local-time check.
func (s *Service) withinActiveHours(now time.Time) bool {
	startMin, endMin, err := parseActiveHours(s.opts.ActiveHours)
	if err != nil {
		// Unparseable window means always active.
		return true
	}

	loc := now.Location()
	if s.opts.Timezone != "" {
		if tz, err := time.LoadLocation(s.opts.Timezone); err == nil {
			loc = tz
		}
	}
	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	return minuteOfDay >= startMin && minuteOfDay < endMin
}

func parseActiveHours(window string) (startMin, endMin int, err error) {
	parts := strings.Split(window, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid active hours %q", window)
	}
	startMin, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}
}
