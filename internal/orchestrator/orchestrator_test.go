package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
	"github.com/mobyclaw/mobyclaw/internal/session"
	"github.com/mobyclaw/mobyclaw/internal/shortterm"
)

// fakeAgent emulates the upstream runtime. Each PromptStream call consumes
// the next scripted response; a nil script entry blocks until release is
// closed.
type fakeAgent struct {
	mu          sync.Mutex
	sessionSeq  int
	created     int
	prompts     []string
	sessions    []string
	inFlight    int
	maxInFlight int

	errs    []error
	texts   []string
	release chan struct{}
}

func (f *fakeAgent) CreateSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.sessionSeq++
	return fmt.Sprintf("sess-%d", f.sessionSeq), nil
}

func (f *fakeAgent) PromptStream(ctx context.Context, sessionID, message string, cb *gateway.StreamCallbacks) (*gateway.TurnResult, error) {
	f.mu.Lock()
	call := len(f.prompts)
	f.prompts = append(f.prompts, message)
	f.sessions = append(f.sessions, sessionID)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	release := f.release
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if release != nil && call == 0 {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	text := "response"
	if call < len(f.texts) {
		text = f.texts[call]
	}
	cb.FireToken(text)
	return &gateway.TurnResult{Text: text}, nil
}

func (f *fakeAgent) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestOrchestrator(t *testing.T, agent *fakeAgent, queueMode string, stm *shortterm.Memory) (*Orchestrator, *session.Store) {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	store := session.NewStore(t.TempDir(), session.Options{QueueMode: queueMode}, log, nil)
	orch := New(agent, store, stm, nil, nil, nil, Options{
		RunTimeout:    5 * time.Second,
		QueueDebounce: 20 * time.Millisecond,
	}, log, nil)
	return orch, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendCreatesSessionAndReturnsText(t *testing.T) {
	agent := &fakeAgent{texts: []string{"hello there"}}
	orch, store := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	result, err := orch.Send(context.Background(), "telegram:1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "hello there" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if agent.created != 1 {
		t.Fatalf("want 1 session created, got %d", agent.created)
	}
	if store.IsBusy() {
		t.Fatal("busy flag must be released after the turn")
	}
	if store.TurnCount() != 1 {
		t.Fatalf("want 1 turn recorded, got %d", store.TurnCount())
	}
}

func TestCollectModeCoalescesAndFansOut(t *testing.T) {
	agent := &fakeAgent{
		release: make(chan struct{}),
		texts:   []string{"first response", "combined response"},
	}
	orch, store := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	firstDone := make(chan string, 1)
	go func() {
		result, _ := orch.Send(context.Background(), "telegram:1", "first")
		firstDone <- result.Text
	}()
	waitFor(t, "first turn in flight", store.IsBusy)

	// The first turn is blocked, so the queue grows monotonically and
	// enqueue order is deterministic.
	queued := make(chan string, 2)
	for i, msg := range []string{"second", "third"} {
		msg := msg
		want := i + 1
		go func() {
			result, err := orch.Send(context.Background(), "telegram:1", msg)
			if err != nil {
				t.Errorf("queued turn failed: %v", err)
				queued <- ""
				return
			}
			queued <- result.Text
		}()
		waitFor(t, "message queued", func() bool { return store.QueueLength() == want })
	}

	close(agent.release)

	if got := <-firstDone; got != "first response" {
		t.Fatalf("unexpected first response %q", got)
	}
	a, b := <-queued, <-queued
	if a != "combined response" || b != "combined response" {
		t.Fatalf("fan-out must give every entry the same response, got %q and %q", a, b)
	}

	waitFor(t, "all turns finished", func() bool { return agent.promptCount() == 2 })
	if agent.maxInFlight != 1 {
		t.Fatalf("at most one upstream call may be in flight, saw %d", agent.maxInFlight)
	}

	combined := agent.prompts[1]
	if !strings.Contains(combined, "[2 messages were queued while you were busy. Here they are combined:]") {
		t.Fatalf("missing coalesce header: %q", combined)
	}
	if !strings.Contains(combined, "second\n\n---\n\nthird") {
		t.Fatalf("messages not joined in order: %q", combined)
	}
}

func TestFollowupModeDrainsInOrder(t *testing.T) {
	agent := &fakeAgent{release: make(chan struct{})}
	orch, store := newTestOrchestrator(t, agent, session.ModeFollowup, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Send(context.Background(), "telegram:1", "first")
	}()
	waitFor(t, "first turn in flight", store.IsBusy)

	// The first turn is blocked, so the queue grows monotonically and
	// enqueue order is deterministic.
	for i, msg := range []string{"second", "third", "fourth"} {
		msg := msg
		want := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Send(context.Background(), "telegram:1", msg)
		}()
		waitFor(t, "message queued", func() bool { return store.QueueLength() == want })
	}

	close(agent.release)
	wg.Wait()

	if agent.promptCount() != 4 {
		t.Fatalf("want 4 separate turns in followup mode, got %d", agent.promptCount())
	}
	want := []string{"first", "second", "third", "fourth"}
	for i, msg := range want {
		if agent.prompts[i] != msg {
			t.Fatalf("FIFO order broken: want %v, got %v", want, agent.prompts)
		}
	}
}

func TestQueuedCallbackFires(t *testing.T) {
	agent := &fakeAgent{release: make(chan struct{})}
	orch, store := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	go orch.Send(context.Background(), "telegram:1", "first")
	waitFor(t, "first turn in flight", store.IsBusy)

	position := make(chan int, 1)
	go orch.SendStream(context.Background(), "telegram:1", "second", &gateway.StreamCallbacks{
		OnQueued: func(p int) { position <- p },
	})

	select {
	case p := <-position:
		if p != 1 {
			t.Fatalf("want queue position 1, got %d", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnQueued never fired")
	}
	close(agent.release)
}

func TestMaxTurnsRotationInjectsHistory(t *testing.T) {
	agent := &fakeAgent{texts: []string{"first answer", "second answer"}}
	log := logger.New(logger.Config{Level: slog.LevelError})
	home := t.TempDir()
	store := session.NewStore(home, session.Options{MaxTurns: 1}, log, nil)
	stm := shortterm.New(home, 10, 0, log)
	orch := New(agent, store, stm, nil, nil, nil, Options{
		RunTimeout:    5 * time.Second,
		QueueDebounce: 20 * time.Millisecond,
	}, log, nil)

	if _, err := orch.Send(context.Background(), "telegram:1", "remember the first thing"); err != nil {
		t.Fatal(err)
	}
	firstSession := store.GetSessionID()
	if firstSession == "" {
		t.Fatal("no session after first turn")
	}

	if _, err := orch.Send(context.Background(), "telegram:1", "and the second"); err != nil {
		t.Fatal(err)
	}

	if agent.created != 2 {
		t.Fatalf("max-turns rotation must create a fresh session, created=%d", agent.created)
	}
	if got := store.GetSessionID(); got == firstSession {
		t.Fatalf("session id did not rotate: %q", got)
	}
	if strings.Contains(agent.prompts[0], "[SHORT-TERM MEMORY") {
		t.Fatalf("first turn has no history to replay: %q", agent.prompts[0])
	}
	second := agent.prompts[1]
	if !strings.Contains(second, "[SHORT-TERM MEMORY") {
		t.Fatalf("rotated turn must replay short-term memory: %q", second)
	}
	if !strings.Contains(second, "remember the first thing") || !strings.Contains(second, "first answer") {
		t.Fatalf("replayed history missing the first exchange: %q", second)
	}
	if !strings.HasSuffix(second, "and the second") {
		t.Fatalf("user message must follow the history block: %q", second)
	}
}

func TestSessionErrorRotatesAndRetriesOnce(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: slog.LevelError})
	stm := shortterm.New(dir, 20, 1500, log)
	stm.AddExchange("telegram:1", "earlier question", "earlier answer")

	agent := &fakeAgent{
		errs:  []error{errors.New("tool_use_id mismatch in request")},
		texts: []string{"", "recovered"},
	}
	orch, store := newTestOrchestrator(t, agent, session.ModeCollect, stm)

	result, err := orch.Send(context.Background(), "telegram:1", "hi again")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "recovered" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if agent.created != 2 {
		t.Fatalf("want a fresh session for the retry, created=%d", agent.created)
	}
	if agent.promptCount() != 2 {
		t.Fatalf("want exactly one retry, got %d calls", agent.promptCount())
	}
	if agent.sessions[0] == agent.sessions[1] {
		t.Fatal("retry must use the rotated session")
	}

	// Both the first turn and the retry start fresh sessions, so both get
	// the short-term-memory replay.
	for i, prompt := range agent.prompts {
		if !strings.Contains(prompt, "[SHORT-TERM MEMORY") {
			t.Fatalf("call %d missing history replay: %q", i, prompt)
		}
		if !strings.Contains(prompt, "hi again") {
			t.Fatalf("call %d missing original message", i)
		}
	}
	if store.GetSessionID() != agent.sessions[1] {
		t.Fatal("store must hold the rotated session id")
	}
}

func TestNonSessionErrorIsNotRetried(t *testing.T) {
	agent := &fakeAgent{errs: []error{errors.New("upstream exploded")}}
	orch, _ := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	_, err := orch.Send(context.Background(), "telegram:1", "hi")
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("want the original error, got %v", err)
	}
	if agent.promptCount() != 1 {
		t.Fatalf("non-session errors must not retry, got %d calls", agent.promptCount())
	}
}

func TestRetryFailureIsSurfaced(t *testing.T) {
	agent := &fakeAgent{errs: []error{
		errors.New("session not found"),
		errors.New("session not found"),
	}}
	orch, _ := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	_, err := orch.Send(context.Background(), "telegram:1", "hi")
	if err == nil {
		t.Fatal("want error after failed retry")
	}
	if agent.promptCount() != 2 {
		t.Fatalf("exactly one retry allowed, got %d calls", agent.promptCount())
	}
}

func TestStopAbortsInFlightAndClearsQueue(t *testing.T) {
	agent := &fakeAgent{release: make(chan struct{})}
	orch, store := newTestOrchestrator(t, agent, session.ModeCollect, nil)

	inFlight := make(chan error, 1)
	go func() {
		_, err := orch.Send(context.Background(), "telegram:1", "long task")
		inFlight <- err
	}()
	waitFor(t, "turn in flight", store.IsBusy)

	queuedErr := make(chan error, 1)
	go func() {
		_, err := orch.Send(context.Background(), "telegram:1", "queued")
		queuedErr <- err
	}()
	waitFor(t, "message queued", func() bool { return store.QueueLength() == 1 })

	result := orch.Stop()
	if !result.Stopped {
		t.Fatal("Stop must report the aborted turn")
	}
	if result.QueueCleared != 1 {
		t.Fatalf("want 1 queue entry cleared, got %d", result.QueueCleared)
	}

	if err := <-inFlight; !errors.Is(err, gateway.ErrAborted) {
		t.Fatalf("aborted turn must fail with ErrAborted, got %v", err)
	}
	if err := <-queuedErr; !errors.Is(err, gateway.ErrQueueCleared) {
		t.Fatalf("queued entry must fail with ErrQueueCleared, got %v", err)
	}
	if agent.promptCount() != 1 {
		t.Fatalf("aborted turn must not retry, got %d calls", agent.promptCount())
	}
}

type fakeEnricher struct {
	mu     sync.Mutex
	calls  []string
	prefix string
}

func (f *fakeEnricher) Enrich(ctx context.Context, message string) string {
	f.mu.Lock()
	f.calls = append(f.calls, message)
	f.mu.Unlock()
	return f.prefix
}

func TestEnrichmentScope(t *testing.T) {
	log := logger.New(logger.Config{Level: slog.LevelError})
	store := session.NewStore(t.TempDir(), session.Options{}, log, nil)
	enricher := &fakeEnricher{prefix: "[MEMORY CONTEXT]"}
	agent := &fakeAgent{texts: []string{"a", "b", "c"}}
	orch := New(agent, store, nil, enricher, nil, nil, Options{
		RunTimeout:    5 * time.Second,
		QueueDebounce: 20 * time.Millisecond,
	}, log, nil)

	// User turns, API included, get the context prefix.
	if _, err := orch.Send(context.Background(), "api:req-1", "what did I say"); err != nil {
		t.Fatal(err)
	}
	if len(enricher.calls) != 1 {
		t.Fatalf("api turn not enriched, calls=%d", len(enricher.calls))
	}
	if !strings.HasPrefix(agent.prompts[0], "[MEMORY CONTEXT]") {
		t.Fatalf("prefix missing from api prompt: %q", agent.prompts[0])
	}

	// Gateway-composed prompts arrive fully assembled and are left alone.
	if _, err := orch.Send(context.Background(), "heartbeat:main", "wake up"); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Send(context.Background(), "schedule:sch_1", "fire"); err != nil {
		t.Fatal(err)
	}
	if len(enricher.calls) != 1 {
		t.Fatalf("self-originated turns must not be enriched, calls=%d", len(enricher.calls))
	}
}

func TestInternalChannelsSkipShortTermMemory(t *testing.T) {
	dir := t.TempDir()
	log := logger.New(logger.Config{Level: slog.LevelError})
	stm := shortterm.New(dir, 20, 1500, log)

	agent := &fakeAgent{texts: []string{"quiet"}}
	orch, _ := newTestOrchestrator(t, agent, session.ModeCollect, stm)

	if _, err := orch.Send(context.Background(), "heartbeat:main", "wake up"); err != nil {
		t.Fatal(err)
	}
	if block := stm.GetHistoryBlock(); block != "" {
		t.Fatalf("heartbeat turns must not enter short-term memory: %q", block)
	}
}
