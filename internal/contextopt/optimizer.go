// Package contextopt composes the per-turn context block: relevance-scored
// memory from the dashboard, the agent's inner state and self model, and
// matching exploration notes. All sources fail soft; an empty block never
// delays a turn.
package contextopt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mobyclaw/mobyclaw/internal/dashboard"
	"github.com/mobyclaw/mobyclaw/internal/gateway"
	"github.com/mobyclaw/mobyclaw/internal/logger"
)

const (
	queryMaxChars      = 300
	maxExplorations    = 50
	explorationExcerpt = 500
	selfSectionLines   = 8
	selfMaxSections    = 2
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true,
	"with": true, "that": true, "this": true, "have": true, "from": true,
	"what": true, "about": true, "just": true, "like": true, "can": true,
	"was": true, "are": true, "but": true, "not": true, "get": true,
	"how": true, "all": true, "out": true, "its": true, "dont": true,
	"will": true, "would": true, "could": true, "should": true, "there": true,
	"when": true, "where": true, "then": true, "than": true, "them": true,
	"they": true, "some": true, "any": true, "please": true, "tell": true,
}

// InnerState mirrors state/inner.json, which the agent updates through the
// filesystem and the gateway only reads.
type InnerState struct {
	Mood struct {
		Primary   string `json:"primary"`
		Secondary string `json:"secondary"`
		Note      string `json:"note"`
	} `json:"mood"`
	Energy         interface{} `json:"energy"`
	Preoccupations []string    `json:"preoccupations"`
	CuriosityQueue []string    `json:"curiosity_queue"`
	RecentEvents   []struct {
		Time    string `json:"time"`
		Event   string `json:"event"`
		Notable bool   `json:"notable"`
	} `json:"recent_events"`
}

// Optimizer builds the context prefix for user turns.
type Optimizer struct {
	home      string
	dashboard *dashboard.Client
	budget    int
	topN      int
	logger    *logger.Logger
}

// New creates an optimizer rooted at the data home. dash may be nil.
func New(home string, dash *dashboard.Client, budget, topN int, log *logger.Logger) *Optimizer {
	if topN <= 0 {
		topN = 2
	}
	return &Optimizer{
		home:      home,
		dashboard: dash,
		budget:    budget,
		topN:      topN,
		logger:    log.WithComponent("context-optimizer"),
	}
}

// Enrich returns the context block for message, or "" when every source
// came back empty.
func (o *Optimizer) Enrich(ctx context.Context, message string) string {
	memory := o.fetchMemory(ctx, message)
	inner := o.renderInnerState()
	self := o.renderSelf()
	explorations := o.findExplorations(message)

	if memory == "" && inner == "" && self == "" && explorations == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("[MEMORY CONTEXT — auto-loaded, memory+inner]\n")
	if memory != "" {
		b.WriteString(memory)
		b.WriteString("\n")
	}
	if inner != "" {
		b.WriteString("[INNER STATE — your current emotional/cognitive state]\n")
		b.WriteString(inner)
		b.WriteString("\n[/INNER STATE]\n")
	}
	if self != "" {
		b.WriteString("[SELF — who you think you are]\n")
		b.WriteString(self)
		b.WriteString("\n[/SELF]\n")
	}
	if explorations != "" {
		b.WriteString("[EXPLORATIONS — relevant things you've explored]\n")
		b.WriteString(explorations)
		b.WriteString("\n[/EXPLORATIONS]\n")
	}
	b.WriteString("[/MEMORY CONTEXT]")
	return b.String()
}

func (o *Optimizer) fetchMemory(ctx context.Context, message string) string {
	if o.dashboard == nil {
		return ""
	}
	query := message
	if utf8.RuneCountInString(query) > queryMaxChars {
		query = string([]rune(query)[:queryMaxChars])
	}
	resp, err := o.dashboard.GetContext(ctx, query, o.budget)
	if err != nil {
		o.logger.Debug("context fetch failed, continuing without memory", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Context)
}

func (o *Optimizer) renderInnerState() string {
	var state InnerState
	ok, err := gateway.ReadJSON(filepath.Join(o.home, "state", "inner.json"), &state)
	if err != nil {
		o.logger.Debug("failed to read inner state", "error", err)
		return ""
	}
	if !ok {
		return ""
	}

	var lines []string
	if state.Mood.Primary != "" {
		mood := state.Mood.Primary
		if state.Mood.Secondary != "" {
			mood += ", " + state.Mood.Secondary
		}
		if state.Mood.Note != "" {
			mood += " (" + state.Mood.Note + ")"
		}
		lines = append(lines, "Mood: "+mood)
	}
	if state.Energy != nil {
		lines = append(lines, fmt.Sprintf("Energy: %v", state.Energy))
	}
	if len(state.Preoccupations) > 0 {
		lines = append(lines, "On my mind: "+strings.Join(state.Preoccupations, "; "))
	}
	if len(state.CuriosityQueue) > 0 {
		curious := state.CuriosityQueue
		if len(curious) > 3 {
			curious = curious[:3]
		}
		lines = append(lines, "Curious about: "+strings.Join(curious, "; "))
	}
	for i := len(state.RecentEvents) - 1; i >= 0; i-- {
		if state.RecentEvents[i].Notable {
			lines = append(lines, "Recent notable moment: "+state.RecentEvents[i].Event)
			break
		}
	}

	return strings.Join(lines, "\n")
}

// renderSelf returns the first two "## " sections of SELF.md, capped at 8
// non-blank lines each.
func (o *Optimizer) renderSelf() string {
	data, err := os.ReadFile(filepath.Join(o.home, "SELF.md"))
	if err != nil {
		return ""
	}

	var out []string
	sections := 0
	sectionLines := 0
	inSection := false

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "## ") {
			sections++
			if sections > selfMaxSections {
				break
			}
			inSection = true
			sectionLines = 0
			out = append(out, line)
			continue
		}
		if !inSection || strings.TrimSpace(line) == "" {
			continue
		}
		if sectionLines < selfSectionLines {
			out = append(out, line)
			sectionLines++
		}
	}

	return strings.Join(out, "\n")
}

type scoredNote struct {
	path    string
	score   int
	content string
}

// findExplorations scores exploration notes against the message's word
// tokens and returns excerpts of the top matches.
func (o *Optimizer) findExplorations(message string) string {
	tokens := Tokenize(message)
	if len(tokens) == 0 {
		return ""
	}

	dir := filepath.Join(o.home, "explorations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	type fileInfo struct {
		name string
		mod  int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	if len(files) > maxExplorations {
		files = files[:maxExplorations]
	}

	var scored []scoredNote
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			continue
		}
		content := string(data)
		score := ScoreNote(content, tokens)
		if score > 0 {
			scored = append(scored, scoredNote{path: f.name, score: score, content: content})
		}
	}
	if len(scored) == 0 {
		return ""
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > o.topN {
		scored = scored[:o.topN]
	}

	var parts []string
	for _, note := range scored {
		excerpt := note.content
		if utf8.RuneCountInString(excerpt) > explorationExcerpt {
			excerpt = string([]rune(excerpt)[:explorationExcerpt]) + "\n[...truncated]"
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s", note.path, strings.TrimSpace(excerpt)))
	}
	return strings.Join(parts, "\n\n")
}

// Tokenize extracts the set of lowercase word tokens (3+ chars, stop words
// removed) from a message.
func Tokenize(message string) map[string]bool {
	tokens := map[string]bool{}
	var word strings.Builder
	flush := func() {
		w := word.String()
		word.Reset()
		if len(w) >= 3 && !stopWords[w] {
			tokens[w] = true
		}
	}
	for _, r := range strings.ToLower(message) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// ScoreNote scores one note's content against a token set: +1 per token
// present anywhere, +2 more per token on the frontmatter topic line.
func ScoreNote(content string, tokens map[string]bool) int {
	lower := strings.ToLower(content)
	topic := frontmatterTopic(lower)

	score := 0
	for token := range tokens {
		if strings.Contains(lower, token) {
			score++
		}
		if topic != "" && strings.Contains(topic, token) {
			score += 2
		}
	}
	return score
}

func frontmatterTopic(lowerContent string) string {
	if !strings.HasPrefix(lowerContent, "---") {
		return ""
	}
	rest := lowerContent[3:]
	end := strings.Index(rest, "---")
	if end < 0 {
		return ""
	}
	for _, line := range strings.Split(rest[:end], "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "topic:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "topic:"))
		}
	}
	return ""
}
