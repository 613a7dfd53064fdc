package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/channels"
	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/metrics"
)

// DefaultTick is the fire-loop interval.
const DefaultTick = 30 * time.Second

// PromptSender runs a synthetic turn for prompt-kind schedules. Satisfied
// by the orchestrator.
type PromptSender interface {
	Send(ctx context.Context, channelID, message string) (*gateway.TurnResult, error)
}

// Loop fires due schedules. Delivery is at-least-once: a schedule stays
// pending until its adapter send succeeds.
type Loop struct {
	store    *Store
	registry *channels.Registry
	sender   PromptSender
	tick     time.Duration
	logger   *logger.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewLoop creates the fire loop.
func NewLoop(store *Store, registry *channels.Registry, sender PromptSender, log *logger.Logger, m *metrics.Metrics) *Loop {
	return &Loop{
		store:    store,
		registry: registry,
		sender:   sender,
		tick:     DefaultTick,
		logger:   log.WithComponent("scheduler"),
		metrics:  m,
		now:      time.Now,
	}
}

// Start runs the loop until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.logger.Info("scheduler loop started", "tick", l.tick)
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			l.RunTick(ctx)
		}
	}
}

// RunTick fires every due schedule once.
func (l *Loop) RunTick(ctx context.Context) {
	for _, rec := range l.store.GetDue(l.now()) {
		l.fire(ctx, rec)
	}
}

func (l *Loop) fire(ctx context.Context, rec *Schedule) {
	text, ok := l.resolveText(ctx, rec)
	if !ok {
		// No deliverable text this tick; the schedule stays pending and
		// the next tick retries.
		l.countFire("skipped")
		return
	}

	if err := l.registry.Deliver(ctx, rec.Channel, text); err != nil {
		l.logger.Error("schedule delivery failed, will retry next tick",
			"id", rec.ID, "channel", rec.Channel, "error", err)
		l.countFire("delivery_failed")
		return
	}

	l.store.MarkDelivered(rec.ID)
	l.countFire("delivered")
	l.logger.Info("schedule delivered", "id", rec.ID, "channel", rec.Channel)

	if rec.Repeat == "" {
		return
	}
	next, err := ComputeNext(rec.Due, rec.Repeat)
	if err != nil {
		l.logger.Error("failed to compute next occurrence", "id", rec.ID, "rule", rec.Repeat, "error", err)
		return
	}
	clone, err := l.store.Create(CreateInput{
		Due:     next,
		Message: rec.Message,
		Prompt:  rec.Prompt,
		Repeat:  rec.Repeat,
		Channel: rec.Channel,
	})
	if err != nil {
		l.logger.Error("failed to create recurring clone", "id", rec.ID, "error", err)
		return
	}
	l.logger.Info("created recurring clone", "id", clone.ID, "due", clone.Due)
}

// resolveText determines the delivery text: the agent's response for
// prompt-kind schedules (falling back to the static message), or the static
// message alone.
func (l *Loop) resolveText(ctx context.Context, rec *Schedule) (string, bool) {
	if rec.Prompt == "" {
		return rec.Message, rec.Message != ""
	}

	result, err := l.sender.Send(ctx, "schedule:"+rec.ID, rec.Prompt)
	if err != nil {
		l.logger.Warn("prompt schedule turn failed", "id", rec.ID, "error", err)
	} else if text := strings.TrimSpace(result.Text); text != "" {
		return text, true
	}

	if rec.Message != "" {
		return rec.Message, true
	}
	return "", false
}

func (l *Loop) countFire(outcome string) {
	if l.metrics != nil {
		l.metrics.SchedulesFired.WithLabelValues(outcome).Inc()
	}
}
