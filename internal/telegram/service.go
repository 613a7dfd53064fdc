package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/channels"
	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/orchestrator"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

const (
	pollTimeoutSeconds = 30
	pollRetryDelay     = 3 * time.Second
	livenessMaxSilence = 5 * time.Minute
	dedupRingSize      = 50
	typingInterval     = 4 * time.Second
)

// Options configures the Telegram adapter.
type Options struct {
	Token        string
	AllowedUsers []int64
	ToolLabels   map[string]string
}

// Service runs the Telegram long-polling loop and renders turns into chats.
type Service struct {
	api      *apiClient
	orch     *orchestrator.Orchestrator
	session  *session.Store
	channels *channels.Store
	logger   *logger.Logger
	allowed  map[int64]bool
	labels   map[string]string

	mu           sync.Mutex
	lastUpdateID int64
	seen         []string
	seenSet      map[string]bool
	lastPollOK   time.Time
}

func NewService(
	opts Options,
	orch *orchestrator.Orchestrator,
	sess *session.Store,
	chans *channels.Store,
	log *logger.Logger,
) *Service {
	allowed := make(map[int64]bool, len(opts.AllowedUsers))
	for _, id := range opts.AllowedUsers {
		allowed[id] = true
	}
	return &Service{
		api:        newAPIClient(opts.Token),
		orch:       orch,
		session:    sess,
		channels:   chans,
		logger:     log.WithComponent("telegram"),
		allowed:    allowed,
		labels:     opts.ToolLabels,
		seenSet:    make(map[string]bool),
		lastPollOK: time.Now(),
	}
}

// Start verifies the token, clears any webhook that would block long polling,
// and launches the poll loop and liveness watchdog.
func (s *Service) Start(ctx context.Context) error {
	me, err := s.api.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe failed: %w", err)
	}
	if err := s.api.deleteWebhook(ctx, false); err != nil {
		s.logger.Warn("failed to delete webhook", "error", err)
	}
	s.logger.Info("telegram adapter started", "bot", me.Username)

	go s.pollLoop(ctx)
	go s.livenessWatchdog(ctx)
	return nil
}

// RegisterWith adds this adapter as the "telegram" platform for proactive
// delivery (schedules, heartbeats).
func (s *Service) RegisterWith(registry *channels.Registry) {
	registry.Register("telegram", s.Send)
}

// Send delivers a plain message to a chat. id is the numeric chat id.
func (s *Service) Send(ctx context.Context, id, text string) error {
	chatID, err := parseChatID(id)
	if err != nil {
		return err
	}
	_, err = s.api.sendMessage(ctx, chatID, text)
	return err
}

func (s *Service) pollLoop(ctx context.Context) {
	for ctx.Err() == nil {
		updates, err := s.api.getUpdates(ctx, s.offset(), pollTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("getUpdates failed", "error", err)
			time.Sleep(pollRetryDelay)
			continue
		}
		s.markAlive()
		for _, update := range updates {
			s.advanceOffset(update.UpdateID)
			s.handleUpdate(ctx, update)
		}
	}
}

// livenessWatchdog recovers from silently dead polling. The usual cause is a
// webhook registered elsewhere, which makes getUpdates return conflicts until
// the webhook is removed.
func (s *Service) livenessWatchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastPollOK)
			s.mu.Unlock()
			if silent < livenessMaxSilence {
				continue
			}
			s.logger.Warn("polling silent, restarting", "silent_for", silent.Round(time.Second))
			if err := s.api.deleteWebhook(ctx, false); err != nil {
				s.logger.Warn("failed to delete webhook", "error", err)
			}
			s.markAlive()
		}
	}
}

func (s *Service) offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUpdateID == 0 {
		return 0
	}
	return s.lastUpdateID + 1
}

func (s *Service) advanceOffset(updateID int64) {
	s.mu.Lock()
	if updateID > s.lastUpdateID {
		s.lastUpdateID = updateID
	}
	s.mu.Unlock()
}

func (s *Service) markAlive() {
	s.mu.Lock()
	s.lastPollOK = time.Now()
	s.mu.Unlock()
}

func (s *Service) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if len(s.allowed) > 0 && !s.allowed[msg.From.ID] {
		s.logger.Warn("message from unauthorized user dropped", "user_id", msg.From.ID)
		return
	}
	if s.isDuplicate(msg.Chat.ID, msg.MessageID) {
		s.logger.Debug("duplicate message dropped", "message_id", msg.MessageID)
		return
	}

	channelID := fmt.Sprintf("telegram:%d", msg.Chat.ID)
	s.channels.Track(channelID)

	if strings.HasPrefix(text, "/") {
		s.handleCommand(ctx, msg.Chat.ID, text)
		return
	}
	go s.runTurn(ctx, msg.Chat.ID, channelID, text)
}

// isDuplicate records the message in a ring of recently seen ids and reports
// whether it was already there. Telegram redelivers updates after restarts
// and network hiccups.
func (s *Service) isDuplicate(chatID, messageID int64) bool {
	key := fmt.Sprintf("%d:%d", chatID, messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenSet[key] {
		return true
	}
	s.seen = append(s.seen, key)
	s.seenSet[key] = true
	if len(s.seen) > dedupRingSize {
		delete(s.seenSet, s.seen[0])
		s.seen = s.seen[1:]
	}
	return false
}

func (s *Service) handleCommand(ctx context.Context, chatID int64, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		s.reply(ctx, chatID, "Hi! Send me a message and I'll pass it to the agent. Commands: /new, /stop, /status.")
	case "/new", "/reset", "/clear":
		s.session.Clear()
		s.reply(ctx, chatID, "Started a new session.")
	case "/stop":
		result := s.orch.Stop()
		if result.Stopped || result.QueueCleared > 0 {
			s.reply(ctx, chatID, fmt.Sprintf("Stopped. Cleared %d queued message(s).", result.QueueCleared))
		} else {
			s.reply(ctx, chatID, "Nothing to stop.")
		}
	case "/status":
		s.reply(ctx, chatID, s.statusText())
	default:
		// Unrecognized slash commands are dropped, not forwarded to the
		// agent and not answered.
		s.logger.Debug("ignoring unknown command", "command", cmd)
	}
}

func (s *Service) statusText() string {
	var b strings.Builder
	if s.session.IsBusy() {
		b.WriteString("Busy with a turn.")
	} else {
		b.WriteString("Idle.")
	}
	if n := s.session.QueueLength(); n > 0 {
		fmt.Fprintf(&b, " %d message(s) queued.", n)
	}
	if id := s.session.GetSessionID(); id != "" {
		fmt.Fprintf(&b, " Session %s, %d turn(s).", id, s.session.TurnCount())
	} else {
		b.WriteString(" No active session.")
	}
	return b.String()
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.api.sendMessage(ctx, chatID, text); err != nil {
		s.logger.Warn("failed to send reply", "error", err)
	}
}

func (s *Service) runTurn(ctx context.Context, chatID int64, channelID, text string) {
	r := newRenderer(s.api, chatID, s.labels, s.logger)

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go s.typingLoop(typingCtx, chatID, r)

	cb := &gateway.StreamCallbacks{
		OnToken:      r.onToken,
		OnToolStart:  r.onToolStart,
		OnToolDetail: r.onToolDetail,
		OnToolEnd:    r.onToolEnd,
		OnQueued:     r.onQueued,
	}
	message := s.channels.ContextLine(channelID, time.Now()) + "\n" + text
	result, err := s.orch.SendStream(ctx, channelID, message, cb)
	stopTyping()

	var finalText string
	if result != nil {
		finalText = result.Text
	}
	r.finish(finalText, err)
	if err != nil {
		s.logger.Error("turn failed", "channel_id", channelID, "error", err)
	}
}

// typingLoop shows the "typing…" indicator until the first message of the
// turn lands in the chat.
func (s *Service) typingLoop(ctx context.Context, chatID int64, r *renderer) {
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		if r.hasSent() {
			return
		}
		if err := s.api.sendChatAction(ctx, chatID, "typing"); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func parseChatID(id string) (int64, error) {
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", id)
	}
	return chatID, nil
}
