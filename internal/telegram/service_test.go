package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mobyclaw/mobyclaw/internal/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewService(Options{Token: "test-token"}, nil, nil, nil, log)
}

func TestIsDuplicate(t *testing.T) {
	s := newTestService(t)

	if s.isDuplicate(1, 100) {
		t.Fatal("first sighting reported as duplicate")
	}
	if !s.isDuplicate(1, 100) {
		t.Fatal("second sighting not reported as duplicate")
	}
	if s.isDuplicate(2, 100) {
		t.Fatal("same message id in another chat reported as duplicate")
	}
}

func TestIsDuplicateRingEviction(t *testing.T) {
	s := newTestService(t)

	s.isDuplicate(1, 0)
	for i := 1; i <= dedupRingSize; i++ {
		s.isDuplicate(1, int64(i))
	}
	// The oldest entry fell out of the ring, so it looks new again.
	if s.isDuplicate(1, 0) {
		t.Fatal("evicted message still reported as duplicate")
	}
	if len(s.seen) > dedupRingSize {
		t.Fatalf("ring grew to %d entries", len(s.seen))
	}
	if len(s.seenSet) != len(s.seen) {
		t.Fatalf("seenSet has %d entries, ring has %d", len(s.seenSet), len(s.seen))
	}
}

func TestOffsetTracking(t *testing.T) {
	s := newTestService(t)

	if got := s.offset(); got != 0 {
		t.Fatalf("initial offset = %d, want 0", got)
	}
	s.advanceOffset(41)
	if got := s.offset(); got != 42 {
		t.Fatalf("offset after update 41 = %d, want 42", got)
	}
	// Out-of-order updates never move the offset backwards.
	s.advanceOffset(12)
	if got := s.offset(); got != 42 {
		t.Fatalf("offset regressed to %d", got)
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("42")
	if err != nil || id != 42 {
		t.Fatalf("parseChatID(42) = %d, %v", id, err)
	}
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for malformed chat id")
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	var sends int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "sendMessage") {
			sends++
		}
		fmt.Fprint(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	s := newTestService(t)
	s.api = &apiClient{token: "test-token", baseURL: srv.URL, client: srv.Client()}

	s.handleCommand(context.Background(), 1, "/bogus")
	s.handleCommand(context.Background(), 1, "/definitely not a command")
	if sends != 0 {
		t.Fatalf("unknown commands must be silent, got %d replies", sends)
	}

	s.handleCommand(context.Background(), 1, "/start")
	if sends != 1 {
		t.Fatalf("/start must reply, got %d sends", sends)
	}
}

func TestQueuedNotice(t *testing.T) {
	if got := queuedNotice(3); got != fmt.Sprintf("Queued (position %d)", 3) {
		t.Errorf("queuedNotice = %q", got)
	}
}
