package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

const (
	// editMinInterval keeps us under Telegram's edit rate limit.
	editMinInterval = 1200 * time.Millisecond
	// textFirstSendDelay avoids posting a text placeholder that is
	// immediately replaced.
	textFirstSendDelay = 2500 * time.Millisecond
	// textGapNewMessage starts a fresh text segment after a token pause.
	textGapNewMessage = 3 * time.Second
)

type toolStatus int

const (
	toolRunning toolStatus = iota
	toolDone
	toolFailed
)

type toolLine struct {
	name   string
	label  string
	detail string
	status toolStatus
}

// renderer drives the two message segments of one turn: a tool-status
// message and a response-text message, both updated by editing in place.
type renderer struct {
	api    *apiClient
	chatID int64
	labels map[string]string
	logger *logger.Logger

	mu sync.Mutex

	toolMsgID int64
	toolLines []*toolLine
	toolDirty bool

	textMsgID    int64
	textBuf      strings.Builder
	textDirty    bool
	firstTokenAt time.Time
	lastTokenAt  time.Time

	queuedMsgID int64
	sentAny     bool

	editInFlight bool
	flushQueued  bool
	lastEdit     time.Time
	flushTimer   *time.Timer
	done         bool
}

func newRenderer(api *apiClient, chatID int64, labels map[string]string, log *logger.Logger) *renderer {
	return &renderer{
		api:    api,
		chatID: chatID,
		labels: labels,
		logger: log,
	}
}

// hasSent reports whether any message reached the chat yet. Used to stop
// the typing indicator.
func (r *renderer) hasSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentAny
}

func (r *renderer) onQueued(position int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		msgID, err := r.api.sendMessage(ctx, r.chatID, queuedNotice(position))
		if err != nil {
			r.logger.Warn("failed to send queued notice", "error", err)
			return
		}
		r.mu.Lock()
		r.queuedMsgID = msgID
		r.sentAny = true
		r.mu.Unlock()
	}()
}

func (r *renderer) onToken(text string) {
	r.mu.Lock()
	now := time.Now()

	r.deleteQueuedNoticeLocked()

	if r.firstTokenAt.IsZero() {
		r.firstTokenAt = now
	} else if r.textMsgID != 0 && now.Sub(r.lastTokenAt) > textGapNewMessage {
		// Token silence: leave the current text message as-is and start
		// a fresh segment.
		r.textMsgID = 0
		r.textBuf.Reset()
		r.firstTokenAt = now
	}
	r.lastTokenAt = now

	r.textBuf.WriteString(text)
	r.textDirty = true
	r.scheduleFlushLocked(0)
	r.mu.Unlock()
}

func (r *renderer) onToolStart(name string) {
	r.mu.Lock()
	r.toolLines = append(r.toolLines, &toolLine{
		name:  name,
		label: toolLabel(name, r.labels),
	})
	r.toolDirty = true
	r.scheduleFlushLocked(0)
	r.mu.Unlock()
}

func (r *renderer) onToolDetail(name string, args map[string]interface{}) {
	detail := toolDetail(name, args)
	if detail == "" {
		return
	}
	r.mu.Lock()
	if line := r.findPendingLineLocked(name); line != nil {
		line.detail = detail
		r.toolDirty = true
		r.scheduleFlushLocked(0)
	}
	r.mu.Unlock()
}

func (r *renderer) onToolEnd(name string, success bool) {
	r.mu.Lock()
	if line := r.findPendingLineLocked(name); line != nil {
		if success {
			line.status = toolDone
		} else {
			line.status = toolFailed
		}
		r.toolDirty = true
		r.scheduleFlushLocked(0)
	}
	r.mu.Unlock()
}

// finish flushes everything left and renders the turn outcome. Aborted
// turns terminate silently.
func (r *renderer) finish(finalText string, turnErr error) {
	r.mu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.done = true
	r.deleteQueuedNoticeLocked()

	if errors.Is(turnErr, gateway.ErrAborted) {
		r.mu.Unlock()
		return
	}

	if turnErr != nil {
		for _, line := range r.toolLines {
			if line.status == toolRunning {
				line.status = toolFailed
			}
		}
		r.toolDirty = len(r.toolLines) > 0
		if r.textBuf.Len() > 0 {
			r.textBuf.WriteString("\n\nSomething went wrong. Try again.")
		} else {
			r.textBuf.WriteString("Sorry — something went wrong. Try again.")
		}
		r.textDirty = true
	} else if finalText != "" && finalText != r.textBuf.String() {
		// The buffered result is authoritative; catch up any tokens the
		// throttle was still holding.
		r.textBuf.Reset()
		r.textBuf.WriteString(finalText)
		r.textDirty = true
	}

	toolText := renderToolLines(r.toolLines)
	toolMsgID := r.toolMsgID
	toolDirty := r.toolDirty
	text := r.textBuf.String()
	textMsgID := r.textMsgID
	textDirty := r.textDirty && text != ""
	r.toolDirty = false
	r.textDirty = false
	r.mu.Unlock()

	r.waitForEdit()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if toolDirty && toolText != "" {
		r.writeSegment(ctx, &toolMsgID, toolText)
		r.mu.Lock()
		r.toolMsgID = toolMsgID
		r.mu.Unlock()
	}
	if textDirty {
		r.writeSegment(ctx, &textMsgID, text)
		r.mu.Lock()
		r.textMsgID = textMsgID
		r.mu.Unlock()
	}
}

// scheduleFlushLocked arms the flush timer. The caller holds r.mu.
func (r *renderer) scheduleFlushLocked(after time.Duration) {
	if r.flushTimer != nil || r.done {
		return
	}
	r.flushTimer = time.AfterFunc(after, r.flush)
}

func (r *renderer) flush() {
	r.mu.Lock()
	r.flushTimer = nil
	if r.done {
		r.mu.Unlock()
		return
	}
	if r.editInFlight {
		r.flushQueued = true
		r.mu.Unlock()
		return
	}

	now := time.Now()
	if wait := editMinInterval - now.Sub(r.lastEdit); wait > 0 {
		r.scheduleFlushLocked(wait)
		r.mu.Unlock()
		return
	}

	// One edit per flush: tool segment first, then text.
	if r.toolDirty {
		text := renderToolLines(r.toolLines)
		msgID := r.toolMsgID
		r.toolDirty = false
		r.editInFlight = true
		r.mu.Unlock()
		r.performEdit(segmentTool, msgID, text)
		return
	}

	if r.textDirty {
		if r.textMsgID == 0 {
			if since := now.Sub(r.firstTokenAt); since < textFirstSendDelay {
				r.scheduleFlushLocked(textFirstSendDelay - since)
				r.mu.Unlock()
				return
			}
		}
		text := r.textBuf.String()
		msgID := r.textMsgID
		r.textDirty = false
		r.editInFlight = true
		r.mu.Unlock()
		r.performEdit(segmentText, msgID, text)
		return
	}

	r.mu.Unlock()
}

type segmentKind int

const (
	segmentTool segmentKind = iota
	segmentText
)

func (r *renderer) performEdit(kind segmentKind, msgID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newID := msgID
	r.writeSegment(ctx, &newID, text)

	r.mu.Lock()
	r.editInFlight = false
	r.lastEdit = time.Now()
	if kind == segmentTool {
		r.toolMsgID = newID
	} else {
		r.textMsgID = newID
	}
	if !r.done && (r.toolDirty || r.textDirty || r.flushQueued) {
		r.flushQueued = false
		r.scheduleFlushLocked(editMinInterval)
	}
	r.mu.Unlock()
}

// writeSegment sends a new message or edits the existing one in place.
func (r *renderer) writeSegment(ctx context.Context, msgID *int64, text string) {
	if text == "" {
		return
	}
	if *msgID == 0 {
		id, err := r.api.sendMessage(ctx, r.chatID, text)
		if err != nil {
			r.logger.Warn("failed to send segment", "error", err)
			return
		}
		*msgID = id
	} else if err := r.api.editMessageText(ctx, r.chatID, *msgID, text); err != nil {
		// "message is not modified" and friends are harmless.
		r.logger.Debug("failed to edit segment", "error", err)
	}
	r.mu.Lock()
	r.sentAny = true
	r.mu.Unlock()
}

// waitForEdit briefly waits out an in-flight throttled edit so the final
// flush lands last.
func (r *renderer) waitForEdit() {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		inFlight := r.editInFlight
		r.mu.Unlock()
		if !inFlight {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (r *renderer) findPendingLineLocked(name string) *toolLine {
	for i := len(r.toolLines) - 1; i >= 0; i-- {
		if r.toolLines[i].name == name && r.toolLines[i].status == toolRunning {
			return r.toolLines[i]
		}
	}
	return nil
}

func (r *renderer) deleteQueuedNoticeLocked() {
	if r.queuedMsgID == 0 {
		return
	}
	msgID := r.queuedMsgID
	r.queuedMsgID = 0
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.api.deleteMessage(ctx, r.chatID, msgID); err != nil {
			r.logger.Debug("failed to delete queued notice", "error", err)
		}
	}()
}

func renderToolLines(lines []*toolLine) string {
	if len(lines) == 0 {
		return ""
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		icon := "⏳"
		switch line.status {
		case toolDone:
			icon = "✅"
		case toolFailed:
			icon = "❌"
		}
		if line.detail != "" {
			out[i] = icon + " " + line.label + ": " + line.detail
		} else {
			out[i] = icon + " " + line.label
		}
	}
	return strings.Join(out, "\n")
}

func queuedNotice(position int) string {
	return fmt.Sprintf("Queued (position %d)", position)
}
