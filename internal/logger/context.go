package logger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// contextKey is used for context values.
type contextKey string

const (
	// ContextKeyRequestID is the key for request ID in the context.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyChannelID is the key for channel ID in the context.
	ContextKeyChannelID contextKey = "channel_id"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithChannelID adds a channel ID to the context.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, ContextKeyChannelID, channelID)
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}

// WithContext creates a new logger with context-specific attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}

	if channelID, ok := ctx.Value(ContextKeyChannelID).(string); ok && channelID != "" {
		logger = logger.With(slog.String("channel_id", channelID))
	}

	return &Logger{
		Logger: logger,
	}
}
