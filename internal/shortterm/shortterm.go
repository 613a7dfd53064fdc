// Package shortterm keeps a rolling bounded buffer of recent user↔agent
// exchanges. The rendered history block is injected into the first turn of
// every fresh upstream session to restore conversational continuity.
package shortterm

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

// Injected-prefix patterns stripped from user messages before storage, so
// the replay never nests earlier injections.
var (
	memoryContextRe = regexp.MustCompile(`(?s)\[MEMORY CONTEXT[^\]]*\]\s*.*?\[/MEMORY CONTEXT\]\s*`)
	shortTermRe     = regexp.MustCompile(`(?s)\[SHORT-TERM MEMORY[^\]]*\]\s*.*?\[/SHORT-TERM MEMORY\]\s*`)
	contextLineRe   = regexp.MustCompile(`^\[context:[^\]]*\]\s*`)
	queuedHeaderRe  = regexp.MustCompile(`^\[\d+ messages? were queued while you were busy\. Here they are combined:\]\s*`)
)

// Entry is one recorded exchange.
type Entry struct {
	Time    time.Time `json:"time"`
	Channel string    `json:"channel"`
	User    string    `json:"user"`
	Agent   string    `json:"agent"`
}

// Memory is the short-term exchange buffer.
type Memory struct {
	mu           sync.Mutex
	path         string
	maxExchanges int
	maxMsgLength int
	entries      []Entry
	logger       *logger.Logger
}

// New creates the buffer and restores persisted entries.
func New(dataRoot string, maxExchanges, maxMsgLength int, log *logger.Logger) *Memory {
	if maxExchanges <= 0 {
		maxExchanges = 20
	}
	if maxMsgLength <= 0 {
		maxMsgLength = 1500
	}

	m := &Memory{
		path:         filepath.Join(dataRoot, "short-term-memory.json"),
		maxExchanges: maxExchanges,
		maxMsgLength: maxMsgLength,
		logger:       log.WithComponent("shortterm"),
	}

	var entries []Entry
	if ok, err := gateway.ReadJSON(m.path, &entries); err != nil {
		m.logger.Warn("failed to load short-term memory, starting empty", "error", err)
	} else if ok {
		if len(entries) > maxExchanges {
			entries = entries[len(entries)-maxExchanges:]
		}
		m.entries = entries
	}

	return m
}

// AddExchange records one exchange. Heartbeat, schedule, and system turns
// are not remembered.
func (m *Memory) AddExchange(channel, userMessage, agentResponse string) {
	if channel == "system" ||
		strings.HasPrefix(channel, "heartbeat:") ||
		strings.HasPrefix(channel, "schedule:") {
		return
	}

	entry := Entry{
		Time:    time.Now().UTC(),
		Channel: channel,
		User:    m.truncate(StripInjectedPrefixes(userMessage)),
		Agent:   m.truncate(agentResponse),
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	if len(m.entries) > m.maxExchanges {
		m.entries = m.entries[len(m.entries)-m.maxExchanges:]
	}
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.Unlock()

	if err := gateway.AtomicWriteJSON(m.path, snapshot); err != nil {
		m.logger.Error("failed to persist short-term memory", "error", err)
	}
}

// Len returns the number of stored exchanges.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetHistoryBlock renders every stored exchange as the replay block, or ""
// when the buffer is empty.
func (m *Memory) GetHistoryBlock() string {
	m.mu.Lock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[SHORT-TERM MEMORY — last %d conversation exchanges]\n", len(entries))
	b.WriteString("Your upstream session was reset. These are the most recent exchanges; use them to keep continuity.\n")

	for i, e := range entries {
		b.WriteString("\n")
		fmt.Fprintf(&b, "[%s [%s]]\n", e.Time.UTC().Format(time.RFC3339), e.Channel)
		fmt.Fprintf(&b, "User: %s\n", e.User)
		fmt.Fprintf(&b, "Agent: %s\n", e.Agent)
		if i < len(entries)-1 {
			b.WriteString("\n---\n")
		}
	}

	b.WriteString("[/SHORT-TERM MEMORY]")
	return b.String()
}

// StripInjectedPrefixes removes the gateway's own injected blocks from a
// user message.
func StripInjectedPrefixes(message string) string {
	message = memoryContextRe.ReplaceAllString(message, "")
	message = shortTermRe.ReplaceAllString(message, "")
	message = contextLineRe.ReplaceAllString(strings.TrimLeft(message, " \n"), "")
	message = queuedHeaderRe.ReplaceAllString(strings.TrimLeft(message, " \n"), "")
	return strings.TrimSpace(message)
}

// truncate caps a message at maxMsgLength characters, cutting on a rune
// boundary so multibyte text stays valid UTF-8.
func (m *Memory) truncate(s string) string {
	if utf8.RuneCountInString(s) <= m.maxMsgLength {
		return s
	}
	return string([]rune(s)[:m.maxMsgLength]) + "..."
}
