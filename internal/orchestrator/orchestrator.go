// Package orchestrator serializes every turn — user messages, heartbeats,
// and scheduled prompts — through the single shared upstream session. It
// owns session rotation, short-term-memory injection, error classification
// with a single retry, and abort handling.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/dashboard"
	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortterm"
	"github.com/nats-io/nats.go"
)

// AgentClient is the slice of the upstream client the orchestrator uses.
type AgentClient interface {
	CreateSession(ctx context.Context) (string, error)
	PromptStream(ctx context.Context, sessionID, message string, cb *gateway.StreamCallbacks) (*gateway.TurnResult, error)
}

// Enricher produces the context prefix for a user message. May return "".
type Enricher interface {
	Enrich(ctx context.Context, message string) string
}

// Options configure orchestrator behavior.
type Options struct {
	RunTimeout    time.Duration
	QueueDebounce time.Duration
}

// Orchestrator is the sole dispatcher for the shared session.
type Orchestrator struct {
	agent    AgentClient
	session  *session.Store
	stm      *shortterm.Memory
	enricher Enricher
	dash     *dashboard.Client
	nats     *nats.Conn
	opts     Options
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	drainTimer  *time.Timer
	abortCancel context.CancelFunc
	aborted     bool
}

// New wires the orchestrator. enricher, dash, and nc may be nil.
func New(
	agent AgentClient,
	store *session.Store,
	stm *shortterm.Memory,
	enricher Enricher,
	dash *dashboard.Client,
	nc *nats.Conn,
	opts Options,
	log *logger.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.QueueDebounce <= 0 {
		opts.QueueDebounce = time.Second
	}
	return &Orchestrator{
		agent:    agent,
		session:  store,
		stm:      stm,
		enricher: enricher,
		dash:     dash,
		nats:     nc,
		opts:     opts,
		logger:   log.WithComponent("orchestrator"),
		metrics:  m,
	}
}

// Send runs one buffered turn and returns the full response.
func (o *Orchestrator) Send(ctx context.Context, channelID, message string) (*gateway.TurnResult, error) {
	return o.SendStream(ctx, channelID, message, nil)
}

// SendStream runs one turn, firing cb as stream events arrive. When a turn
// is already in flight the message is queued and this call blocks until the
// drainer completes it.
func (o *Orchestrator) SendStream(ctx context.Context, channelID, message string, cb *gateway.StreamCallbacks) (*gateway.TurnResult, error) {
	// The busy flag must be taken before any suspension point, so two
	// concurrent callers cannot both pass the busy check.
	if !o.session.TryAcquire() {
		entry := session.NewQueueEntry(channelID, message, cb)
		position := o.session.Enqueue(entry)
		cb.FireQueued(position)
		o.scheduleDrain()
		o.logger.Info("session busy, queued message", "channel", channelID, "position", position)

		select {
		case outcome := <-entry.Done:
			return outcome.Result, outcome.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.executeTurn(ctx, channelID, message, cb)
}

// executeTurn runs one turn. The caller must hold the busy flag; it is
// released here, and a drain is scheduled when entries queued up meanwhile.
func (o *Orchestrator) executeTurn(ctx context.Context, channelID, message string, cb *gateway.StreamCallbacks) (result *gateway.TurnResult, err error) {
	start := time.Now()
	defer func() {
		o.clearAbort()
		o.session.SetBusy(false)
		if o.session.QueueLength() > 0 {
			o.scheduleDrain()
		}
		o.recordTurn(start, err)
	}()

	ctx = logger.WithChannelID(ctx, channelID)
	log := o.logger.WithContext(ctx)

	turnCtx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()
	o.setAbort(cancel)

	// Heartbeat and schedule prompts are composed by the gateway itself
	// and arrive fully assembled; everything else is a user turn.
	enriched := message
	if o.enricher != nil && !gateway.IsSelfOriginated(channelID) {
		if prefix := o.enricher.Enrich(turnCtx, message); prefix != "" {
			enriched = prefix + "\n\n" + message
		}
	}

	sessionID, err := o.ensureSession(turnCtx)
	if err != nil {
		return nil, err
	}

	o.session.TouchActivity()
	prompt := o.withHistoryIfNew(enriched)

	result, err = o.agent.PromptStream(turnCtx, sessionID, prompt, cb)
	if err != nil {
		if o.wasAborted() {
			return nil, gateway.ErrAborted
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("turn timed out after %s: %w", o.opts.RunTimeout, err)
		}
		if !IsSessionError(err) {
			return nil, err
		}

		// Session-class failure: rotate the session and retry exactly once
		// with the same message and callbacks.
		log.Warn("session-class error, rotating session and retrying", "error", err)
		if o.metrics != nil {
			o.metrics.TurnRetriesTotal.Inc()
			o.metrics.SessionResetsTotal.WithLabelValues("error").Inc()
		}
		o.session.Clear()

		retryCtx, retryCancel := context.WithTimeout(ctx, o.opts.RunTimeout)
		defer retryCancel()
		o.setAbort(retryCancel)

		sessionID, err = o.createSession(retryCtx)
		if err != nil {
			return nil, err
		}
		o.session.TouchActivity()
		prompt = o.withHistoryIfNew(enriched)

		result, err = o.agent.PromptStream(retryCtx, sessionID, prompt, cb)
		if err != nil {
			if o.wasAborted() {
				return nil, gateway.ErrAborted
			}
			return nil, err
		}
	}

	o.finishTurn(channelID, message, sessionID, result)
	return result, nil
}

// ensureSession rotates the session when a lifecycle rule fires, creating a
// fresh one as needed, and returns the usable session id.
func (o *Orchestrator) ensureSession(ctx context.Context) (string, error) {
	if reset, reason := o.session.ShouldReset(); reset {
		o.logger.Info("session lifecycle reset", "reason", reason, "turns", o.session.TurnCount())
		if o.metrics != nil {
			o.metrics.SessionResetsTotal.WithLabelValues(reason).Inc()
		}
		o.session.Clear()
	}

	if id := o.session.GetSessionID(); id != "" {
		return id, nil
	}
	return o.createSession(ctx)
}

func (o *Orchestrator) createSession(ctx context.Context) (string, error) {
	id, err := o.agent.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	o.session.SetSessionID(id)
	return id, nil
}

// withHistoryIfNew prepends the short-term-memory replay to the first turn
// of a fresh session.
func (o *Orchestrator) withHistoryIfNew(message string) string {
	if !o.session.ConsumeNewSessionFlag() {
		return message
	}
	if o.stm == nil {
		return message
	}
	block := o.stm.GetHistoryBlock()
	if block == "" {
		return message
	}
	return block + "\n\n" + message
}

// finishTurn records the completed exchange and fires the forget-me logs.
func (o *Orchestrator) finishTurn(channelID, userMessage, sessionID string, result *gateway.TurnResult) {
	if o.stm != nil {
		o.stm.AddExchange(channelID, userMessage, result.Text)
	}

	if o.dash != nil {
		now := time.Now().UTC()
		o.dash.LogConversation(map[string]interface{}{
			"channel":    channelID,
			"user":       shortterm.StripInjectedPrefixes(userMessage),
			"agent":      result.Text,
			"session_id": sessionID,
			"time":       now,
		})
		o.dash.LogUsage(map[string]interface{}{
			"session_id":    sessionID,
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
			"total_tokens":  result.Usage.TotalTokens,
			"time":          now,
		})
	}

	o.publishTurnEvent(channelID, sessionID, result)
}

func (o *Orchestrator) recordTurn(start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, gateway.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "error"
	}
	o.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

// turnEvent is the NATS payload published after each successful turn.
type turnEvent struct {
	Channel   string        `json:"channel"`
	SessionID string        `json:"session_id"`
	TextLen   int           `json:"text_len"`
	Usage     gateway.Usage `json:"usage"`
	Time      time.Time     `json:"time"`
}

func (o *Orchestrator) publishTurnEvent(channelID, sessionID string, result *gateway.TurnResult) {
	if o.nats == nil {
		return
	}
	payload, err := json.Marshal(turnEvent{
		Channel:   channelID,
		SessionID: sessionID,
		TextLen:   len(result.Text),
		Usage:     result.Usage,
		Time:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := o.nats.Publish("mobyclaw.turns", payload); err != nil {
		o.logger.Debug("failed to publish turn event", "error", err)
	}
}

// QueueSnapshot reports the queue length and mode for status endpoints.
func (o *Orchestrator) QueueSnapshot() (length int, mode string) {
	return o.session.QueueLength(), o.session.QueueMode()
}
