package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

// eventRecorder captures stream callbacks in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) callbacks() *gateway.StreamCallbacks {
	add := func(format string, args ...interface{}) {
		r.mu.Lock()
		r.events = append(r.events, fmt.Sprintf(format, args...))
		r.mu.Unlock()
	}
	return &gateway.StreamCallbacks{
		OnToken:      func(text string) { add("token:%s", text) },
		OnToolStart:  func(name string) { add("start:%s", name) },
		OnToolDetail: func(name string, args map[string]interface{}) { add("detail:%s:%v", name, args["path"]) },
		OnToolEnd:    func(name string, success bool) { add("end:%s:%v", name, success) },
		OnError:      func(message string) { add("error:%s", message) },
	}
}

func newStreamServer(t *testing.T, frames string) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/ping":
			fmt.Fprint(w, `{"status":"ok"}`)
		case r.URL.Path == "/api/sessions" && r.Method == http.MethodPost:
			fmt.Fprint(w, `{"id":"sess-test"}`)
		case strings.HasPrefix(r.URL.Path, "/api/sessions/") && strings.Contains(r.URL.Path, "/agent/"):
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, frames)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "agent", time.Minute, testLogger())
}

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func TestPromptStreamAccumulatesTokens(t *testing.T) {
	frames := frame("agent_choice", `{"content":"Hello"}`) +
		frame("agent_choice", `{"content":", world"}`) +
		frame("token_usage", `{"input_tokens":12,"output_tokens":5,"total_tokens":17}`)
	_, client := newStreamServer(t, frames)

	rec := &eventRecorder{}
	result, err := client.PromptStream(context.Background(), "sess-test", "hi", rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "Hello, world" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Usage.TotalTokens != 17 || result.Usage.InputTokens != 12 {
		t.Fatalf("unexpected usage %+v", result.Usage)
	}
	if len(rec.events) != 2 || rec.events[0] != "token:Hello" {
		t.Fatalf("unexpected events %v", rec.events)
	}
}

func TestPromptStreamToolLifecycle(t *testing.T) {
	frames := frame("partial_tool_call", `{"name":"read_file"}`) +
		frame("partial_tool_call", `{"name":"read_file"}`) +
		frame("tool_call", `{"name":"read_file","arguments":"{\"path\":\"/tmp/x\"}"}`) +
		frame("tool_call_response", `{"name":"read_file","result":{"isError":false}}`) +
		frame("agent_choice", `{"content":"done"}`)
	_, client := newStreamServer(t, frames)

	rec := &eventRecorder{}
	result, err := client.PromptStream(context.Background(), "sess-test", "hi", rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "done" {
		t.Fatalf("unexpected text %q", result.Text)
	}

	want := []string{
		"start:read_file", // repeated partial frames dedup to one start
		"detail:read_file:/tmp/x",
		"end:read_file:true",
		"token:done",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("want %v, got %v", want, rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("event %d: want %q, got %q", i, want[i], rec.events[i])
		}
	}
}

func TestPromptStreamFailedTool(t *testing.T) {
	frames := frame("partial_tool_call", `{"name":"fetch_url"}`) +
		frame("tool_call_response", `{"name":"fetch_url","result":{"isError":true}}`) +
		frame("agent_choice", `{"content":"could not fetch"}`)
	_, client := newStreamServer(t, frames)

	rec := &eventRecorder{}
	if _, err := client.PromptStream(context.Background(), "sess-test", "hi", rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range rec.events {
		if e == "end:fetch_url:false" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing failed tool end in %v", rec.events)
	}
}

func TestPromptStreamErrorEventWithoutContentFails(t *testing.T) {
	frames := frame("error", `{"message":"Session corrupted"}`)
	_, client := newStreamServer(t, frames)

	rec := &eventRecorder{}
	_, err := client.PromptStream(context.Background(), "sess-test", "hi", rec.callbacks())
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("want StreamError, got %v", err)
	}
	if streamErr.Message != "Session corrupted" {
		t.Fatalf("unexpected message %q", streamErr.Message)
	}
	if len(rec.events) != 1 || rec.events[0] != "error:Session corrupted" {
		t.Fatalf("unexpected events %v", rec.events)
	}
}

func TestPromptStreamErrorAfterContentSucceeds(t *testing.T) {
	frames := frame("agent_choice", `{"content":"partial answer"}`) +
		frame("error", `{"message":"stream hiccup"}`)
	_, client := newStreamServer(t, frames)

	result, err := client.PromptStream(context.Background(), "sess-test", "hi", (&eventRecorder{}).callbacks())
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "partial answer" {
		t.Fatalf("partial content must survive a late error, got %q", result.Text)
	}
}

func TestPromptStreamHTTP404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not found", http.StatusNotFound)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "agent", time.Minute, testLogger())

	_, err := client.PromptStream(context.Background(), "gone", "hi", nil)
	var httpErr *HTTPStatusError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusNotFound {
		t.Fatalf("want HTTPStatusError 404, got %v", err)
	}
}

func TestPromptStreamSocketIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frame("agent_choice", `{"content":"start"}`))
		w.(http.Flusher).Flush()
		// Go silent without closing; the idle watchdog must trip.
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "agent", 100*time.Millisecond, testLogger())

	_, err := client.PromptStream(context.Background(), "sess-test", "hi", nil)
	if !errors.Is(err, gateway.ErrSocketIdle) {
		t.Fatalf("want ErrSocketIdle, got %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
		fmt.Fprint(w, `{"id":"sess-99"}`)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "agent", time.Minute, testLogger())

	id, err := client.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "sess-99" {
		t.Fatalf("unexpected id %q", id)
	}
	if !strings.Contains(gotBody, `"tools_approved":true`) {
		t.Fatalf("tools must be pre-approved, body=%q", gotBody)
	}
}

func TestValidateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sessions/sess-live" {
			fmt.Fprint(w, `{"id":"sess-live"}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "agent", time.Minute, testLogger())

	ok, err := client.ValidateSession(context.Background(), "sess-live")
	if err != nil || !ok {
		t.Fatalf("live session: ok=%v err=%v", ok, err)
	}
	ok, err = client.ValidateSession(context.Background(), "sess-gone")
	if err != nil || ok {
		t.Fatalf("dead session: ok=%v err=%v", ok, err)
	}
}

func TestWaitForReady(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "agent", time.Minute, testLogger())

	if err := client.WaitForReady(context.Background(), 5*time.Second); err != nil {
		t.Fatal(err)
	}

	down := NewClient("http://127.0.0.1:1", "agent", time.Minute, testLogger())
	err := down.WaitForReady(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, gateway.ErrAgentUnready) {
		t.Fatalf("want ErrAgentUnready, got %v", err)
	}
}
