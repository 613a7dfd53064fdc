package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// SendFunc delivers a proactive message to a platform-specific channel id.
// It must be safe to call from any goroutine.
type SendFunc func(ctx context.Context, id, text string) error

// Registry maps platforms to their proactive send functions.
type Registry struct {
	mu     sync.RWMutex
	sends  map[string]SendFunc
	logger *logger.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sends:  map[string]SendFunc{},
		logger: log.WithComponent("adapter-registry"),
	}
}

// Register installs the send function for a platform.
func (r *Registry) Register(platform string, send SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[platform] = send
	r.logger.Info("registered messaging adapter", "platform", platform)
}

// Deliver parses a "<platform>:<id>" channel and dispatches the text to the
// platform's send function.
func (r *Registry) Deliver(ctx context.Context, channel, text string) error {
	platform, id, err := gateway.SplitChannel(channel)
	if err != nil {
		return err
	}

	r.mu.RLock()
	send, ok := r.sends[platform]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter registered for platform %q", platform)
	}

	if err := send(ctx, id, text); err != nil {
		return fmt.Errorf("deliver to %s: %w", channel, err)
	}
	return nil
}
