package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithContextAttachesIDs(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithChannelID(ctx, "telegram:42")

	l.WithContext(ctx).Info("turn started")
	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-123"`) {
		t.Errorf("request_id missing from record: %s", out)
	}
	if !strings.Contains(out, `"channel_id":"telegram:42"`) {
		t.Errorf("channel_id missing from record: %s", out)
	}
}

func TestWithContextEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	l.WithContext(context.Background()).Info("plain")
	out := buf.String()
	if strings.Contains(out, "request_id") || strings.Contains(out, "channel_id") {
		t.Errorf("unexpected context attrs: %s", out)
	}
}

func TestGenerateRequestID(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == "" || a == b {
		t.Fatalf("ids must be unique and non-empty: %q, %q", a, b)
	}
}
