package heartbeat

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// composePrompt builds the structured heartbeat prompt: a header, the known
// channels, the files the agent should read, and either the reflection or
// the exploration body.
func (s *Service) composePrompt(count int, isExploration bool) string {
	kind := "reflection"
	if isExploration {
		kind = "exploration"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[HEARTBEAT %s — type=%s count=%d]\n\n",
		s.now().UTC().Format(time.RFC3339), kind, count)

	b.WriteString("Known channels:\n")
	known := s.channels.GetAll()
	platforms := make([]string, 0, len(known))
	for p := range known {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(&b, "- %s: %s\n", p, known[p])
	}
	if def := s.channels.GetDefault(); def != "" {
		fmt.Fprintf(&b, "Default channel: %s\n", def)
	}
	b.WriteString("\n")

	b.WriteString("Files to read first:\n")
	fmt.Fprintf(&b, "- %s\n", filepath.Join(s.home, "state", "inner.json"))
	fmt.Fprintf(&b, "- %s\n", filepath.Join(s.home, "SELF.md"))
	fmt.Fprintf(&b, "- %s\n", filepath.Join(s.home, "journal.md"))
	b.WriteString("\n")

	if isExploration {
		s.writeExplorationBody(&b)
	} else {
		s.writeReflectionBody(&b)
	}

	fmt.Fprintf(&b, "\nIf nothing needs doing or saying, reply with exactly %s.\n", QuietResponse)
	return b.String()
}

func (s *Service) writeReflectionBody(b *strings.Builder) {
	b.WriteString("This is a reflection heartbeat. Do NOT make any web requests.\n\n")
	b.WriteString("Steps:\n")
	fmt.Fprintf(b, "1. Update %s with your current mood, energy, and preoccupations.\n",
		filepath.Join(s.home, "state", "inner.json"))
	b.WriteString("2. Append a short entry to your journal if something is worth noting.\n")
	b.WriteString("3. Check your task list for anything due.\n")
	b.WriteString("4. If you need to reach the user, POST to the gateway:\n")
	fmt.Fprintf(b, "   curl -s -X POST http://localhost:%s/api/deliver \\\n", s.opts.GatewayPort)
	b.WriteString("     -H 'Content-Type: application/json' \\\n")
	b.WriteString("     -d '{\"channel\":\"<channel>\",\"message\":\"<text>\"}'\n")
}

func (s *Service) writeExplorationBody(b *strings.Builder) {
	fmt.Fprintf(b, "This is an exploration heartbeat. Pick ONE topic from your curiosity queue in %s.\n\n",
		filepath.Join(s.home, "state", "inner.json"))
	b.WriteString("Bounds:\n")
	fmt.Fprintf(b, "- At most %d web fetch(es).\n", s.opts.ExplorationMaxFetches)
	fmt.Fprintf(b, "- Summarize in about %d words.\n", s.opts.ExplorationSummaryWords)
	fmt.Fprintf(b, "- Save the note as %s with front-matter:\n",
		filepath.Join(s.home, "explorations", "YYYY-MM-DD-<slug>.md"))
	b.WriteString("  ---\n  topic: <topic>\n  date: <YYYY-MM-DD>\n  sources: [<urls>]\n  ---\n")
	b.WriteString("\nThen briefly do the reflection steps (inner state, journal).\n")
}
