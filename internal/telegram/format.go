package telegram

import (
	"fmt"
	"path/filepath"
	"strings"
)

// defaultToolLabels maps tool names to the short labels shown on the
// tool-status segment. Entries from the config file override these.
var defaultToolLabels = map[string]string{
	"read_file":  "Reading",
	"write_file": "Writing",
	"edit_file":  "Editing",
	"list_dir":   "Listing",
	"bash":       "Running",
	"shell":      "Running",
	"web_fetch":  "Fetching",
	"web_search": "Searching",
	"grep":       "Searching files",
}

// detailFormatter renders parsed tool arguments into a short detail string.
type detailFormatter func(args map[string]interface{}) string

var detailFormatters = map[string]detailFormatter{
	"read_file":  pathDetail,
	"write_file": pathDetail,
	"edit_file":  pathDetail,
	"list_dir":   pathDetail,
	"bash":       commandDetail,
	"shell":      commandDetail,
	"web_fetch":  urlDetail,
	"web_search": queryDetail,
}

func toolLabel(name string, overrides map[string]string) string {
	if label, ok := overrides[name]; ok {
		return label
	}
	if label, ok := defaultToolLabels[name]; ok {
		return label
	}
	return name
}

func toolDetail(name string, args map[string]interface{}) string {
	if args == nil {
		return ""
	}
	if format, ok := detailFormatters[name]; ok {
		return format(args)
	}
	return defaultDetail(args)
}

// pathDetail shows the last two path elements.
func pathDetail(args map[string]interface{}) string {
	path := stringArg(args, "path", "file_path", "file")
	if path == "" {
		return ""
	}
	dir, base := filepath.Split(strings.TrimSuffix(path, "/"))
	if dir == "" {
		return base
	}
	return filepath.Join(filepath.Base(strings.TrimSuffix(dir, "/")), base)
}

func commandDetail(args map[string]interface{}) string {
	cmd := stringArg(args, "command", "cmd")
	return truncateDetail(cmd, 60)
}

// urlDetail drops the query string and truncates.
func urlDetail(args map[string]interface{}) string {
	url := stringArg(args, "url")
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i] + "…"
	}
	return truncateDetail(url, 80)
}

func queryDetail(args map[string]interface{}) string {
	return truncateDetail(stringArg(args, "query", "q"), 60)
}

// defaultDetail falls back to the first string argument value.
func defaultDetail(args map[string]interface{}) string {
	for _, v := range args {
		if s, ok := v.(string); ok && s != "" {
			return truncateDetail(s, 60)
		}
	}
	return ""
}

func stringArg(args map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func truncateDetail(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return fmt.Sprintf("%s…", string(runes[:max]))
}
