package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/session"
)

// scheduleDrain arms the single shared drain timer. Collect mode debounces
// so a burst of queued messages coalesces into one turn; followup mode
// drains immediately.
func (o *Orchestrator) scheduleDrain() {
	delay := time.Duration(0)
	if o.session.QueueMode() == session.ModeCollect {
		delay = o.opts.QueueDebounce
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drainTimer != nil {
		return
	}
	o.drainTimer = time.AfterFunc(delay, o.drain)
}

func (o *Orchestrator) drain() {
	o.mu.Lock()
	o.drainTimer = nil
	o.mu.Unlock()

	if !o.session.TryAcquire() {
		// A turn is in flight; its completion re-schedules the drain.
		return
	}

	if o.session.QueueMode() == session.ModeCollect {
		o.drainCollect()
	} else {
		o.drainFollowup()
	}
}

// drainCollect merges every queued entry into one synthetic turn and fans
// the single response out to all of them.
func (o *Orchestrator) drainCollect() {
	entries := o.session.DequeueAll()
	if len(entries) == 0 {
		o.session.SetBusy(false)
		return
	}

	channelID, message := coalesce(entries)
	cb := fanOutCallbacks(entries)

	result, err := o.executeTurn(context.Background(), channelID, message, cb)
	for _, entry := range entries {
		if err != nil {
			entry.Reject(err)
		} else {
			entry.Resolve(result)
		}
	}
}

// drainFollowup runs exactly one queued entry; executeTurn re-schedules the
// drain when more remain.
func (o *Orchestrator) drainFollowup() {
	entry := o.session.Dequeue()
	if entry == nil {
		o.session.SetBusy(false)
		return
	}

	result, err := o.executeTurn(context.Background(), entry.ChannelID, entry.Message, entry.Callbacks)
	if err != nil {
		entry.Reject(err)
	} else {
		entry.Resolve(result)
	}
}

// coalesce builds the synthetic turn for a run of queued entries. The
// coalesced turn uses the last entry's channel.
func coalesce(entries []*session.QueueEntry) (channelID, message string) {
	channelID = entries[len(entries)-1].ChannelID
	if len(entries) == 1 {
		return channelID, entries[0].Message
	}

	messages := make([]string, len(entries))
	for i, entry := range entries {
		messages[i] = entry.Message
	}
	header := fmt.Sprintf("[%d messages were queued while you were busy. Here they are combined:]", len(entries))
	return channelID, header + "\n\n" + strings.Join(messages, "\n\n---\n\n")
}

// fanOutCallbacks forwards stream events to every queued entry's callbacks.
func fanOutCallbacks(entries []*session.QueueEntry) *gateway.StreamCallbacks {
	if len(entries) == 1 {
		return entries[0].Callbacks
	}

	callbacks := make([]*gateway.StreamCallbacks, 0, len(entries))
	for _, entry := range entries {
		if entry.Callbacks != nil {
			callbacks = append(callbacks, entry.Callbacks)
		}
	}
	if len(callbacks) == 0 {
		return nil
	}

	return &gateway.StreamCallbacks{
		OnToken: func(text string) {
			for _, cb := range callbacks {
				cb.FireToken(text)
			}
		},
		OnToolStart: func(name string) {
			for _, cb := range callbacks {
				cb.FireToolStart(name)
			}
		},
		OnToolDetail: func(name string, args map[string]interface{}) {
			for _, cb := range callbacks {
				cb.FireToolDetail(name, args)
			}
		},
		OnToolEnd: func(name string, success bool) {
			for _, cb := range callbacks {
				cb.FireToolEnd(name, success)
			}
		},
		OnError: func(message string) {
			for _, cb := range callbacks {
				cb.FireError(message)
			}
		},
	}
}
