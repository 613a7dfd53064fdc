package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestTrackAndDefault(t *testing.T) {
	s := NewStore(t.TempDir(), testLogger())

	if s.GetDefault() != "" {
		t.Fatal("empty store has no default")
	}

	s.Track("telegram:42")
	if got, ok := s.Get("telegram"); !ok || got != "telegram:42" {
		t.Fatalf("want telegram:42, got %q", got)
	}
	if s.GetDefault() != "telegram:42" {
		t.Fatalf("default must be the last active channel, got %q", s.GetDefault())
	}

	s.Track("discord:99")
	if s.GetDefault() != "discord:99" {
		t.Fatal("default must follow the most recent activity")
	}

	// A later message on the first platform moves the default back.
	s.Track("telegram:42")
	if s.GetDefault() != "telegram:42" {
		t.Fatal("default must follow the most recent activity")
	}
}

func TestTrackIgnoresReservedAndMalformed(t *testing.T) {
	s := NewStore(t.TempDir(), testLogger())

	for _, ch := range []string{"api:abc", "cli:local", "heartbeat:main", "schedule:sch_1", "nocolon", ""} {
		s.Track(ch)
	}
	if got := s.GetAll(); len(got) != 0 {
		t.Fatalf("reserved and malformed channels must not be tracked: %v", got)
	}
	if s.GetDefault() != "" {
		t.Fatal("reserved channels must not become the default")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir, testLogger())
	s.Track("telegram:42")

	restored := NewStore(dir, testLogger())
	if got, ok := restored.Get("telegram"); !ok || got != "telegram:42" {
		t.Fatalf("want restored telegram:42, got %q", got)
	}
	// last_active is in-memory only; the restored default falls back to the
	// first known platform.
	if restored.GetDefault() != "telegram:42" {
		t.Fatalf("restored default wrong: %q", restored.GetDefault())
	}
}

func TestContextLine(t *testing.T) {
	s := NewStore(t.TempDir(), testLogger())
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	s.Track("telegram:42")
	line := s.ContextLine("telegram:42", now)
	want := "[context: channel=telegram:42, time=2026-08-26T09:00:00Z]"
	if line != want {
		t.Fatalf("want %q, got %q", want, line)
	}

	// A different sender sees the default channel.
	s.Track("discord:99")
	line = s.ContextLine("telegram:42", now)
	if !strings.Contains(line, "default_channel=discord:99") {
		t.Fatalf("want default channel in %q", line)
	}
}

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry(testLogger())

	var gotID, gotText string
	reg.Register("telegram", func(_ context.Context, id, text string) error {
		gotID, gotText = id, text
		return nil
	})

	if err := reg.Deliver(context.Background(), "telegram:42", "hello"); err != nil {
		t.Fatal(err)
	}
	if gotID != "42" || gotText != "hello" {
		t.Fatalf("want (42, hello), got (%q, %q)", gotID, gotText)
	}

	if err := reg.Deliver(context.Background(), "matrix:1", "hello"); err == nil {
		t.Fatal("unknown platform must fail")
	}
	if err := reg.Deliver(context.Background(), "nocolon", "hello"); err == nil {
		t.Fatal("malformed channel must fail")
	}

	reg.Register("failing", func(context.Context, string, string) error {
		return errors.New("send failed")
	})
	if err := reg.Deliver(context.Background(), "failing:1", "hello"); err == nil {
		t.Fatal("adapter errors must propagate")
	}
}
