package orchestrator

import (
	"context"
	"time"
)

// StopResult reports what Stop interrupted.
type StopResult struct {
	Stopped      bool `json:"stopped"`
	QueueCleared int  `json:"queue_cleared"`
}

// Stop aborts the in-flight turn (if any), cancels any pending drain, and
// rejects every queued entry.
func (o *Orchestrator) Stop() StopResult {
	o.mu.Lock()
	if o.drainTimer != nil {
		o.drainTimer.Stop()
		o.drainTimer = nil
	}
	cancel := o.abortCancel
	if cancel != nil {
		o.aborted = true
	}
	o.mu.Unlock()

	result := StopResult{}
	if cancel != nil {
		cancel()
		result.Stopped = true
		o.logger.Info("aborted in-flight turn")
	}
	result.QueueCleared = o.session.ClearQueue()
	if result.QueueCleared > 0 {
		o.logger.Info("cleared queue", "entries", result.QueueCleared)
	}
	return result
}

func (o *Orchestrator) setAbort(cancel context.CancelFunc) {
	o.mu.Lock()
	o.abortCancel = cancel
	o.aborted = false
	o.mu.Unlock()
}

func (o *Orchestrator) clearAbort() {
	o.mu.Lock()
	o.abortCancel = nil
	o.mu.Unlock()
}

func (o *Orchestrator) wasAborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aborted
}

// StartBusyWatchdog periodically force-clears a busy flag stuck longer than
// maxBusy — a silent upstream death that slipped past the socket watchdog.
func (o *Orchestrator) StartBusyWatchdog(ctx context.Context, interval, maxBusy time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if o.session.CheckBusyWatchdog(maxBusy) {
					o.logger.Warn("busy watchdog cleared a stuck turn")
					if o.session.QueueLength() > 0 {
						o.scheduleDrain()
					}
				}
			}
		}
	}()
}
