// ABOUTME: The actual context compaction behind each fidelity mode, plus the preamble text.
// ABOUTME: Every lossy transform returns a fresh Context; full mode returns the source as is, never mutated.
package attractor

import (
	"fmt"
	"sort"
	"strings"
)

// FidelityOptions tunes the compaction knobs; zero values take mode defaults.
type FidelityOptions struct {
	MaxKeys        int      // truncate: keys kept (default 50)
	MaxValueLength int      // compact/summary:high: value length cap (1024 / 500)
	MaxLogs        int      // compact: log entries kept (default 20)
	Whitelist      []string // summary modes: keys kept, overriding the default list
}

// defaultSummaryWhitelist is what the summary modes always keep.
var defaultSummaryWhitelist = []string{"last_stage", "outcome", "goal", "error"}

// summaryMediumPatterns: key substrings that additionally survive summary:medium.
var summaryMediumPatterns = []string{"result", "output", "status"}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// whitelistSet resolves the option's whitelist (or the default) into a set.
func whitelistSet(opts FidelityOptions) map[string]bool {
	list := opts.Whitelist
	if list == nil {
		list = defaultSummaryWhitelist
	}
	set := make(map[string]bool, len(list))
	for _, k := range list {
		set[k] = true
	}
	return set
}

// ApplyFidelity transforms pctx per mode and returns the new context plus a
// preamble line describing what was dropped. Unknown modes compact.
func ApplyFidelity(pctx *Context, mode FidelityMode, opts FidelityOptions) (*Context, string) {
	if mode == FidelityFull {
		return pctx, ""
	}

	snap := pctx.Snapshot()
	switch mode {
	case FidelityTruncate:
		return truncateKeys(snap, orDefault(opts.MaxKeys, 50))

	case FidelitySummaryLow:
		wl := whitelistSet(opts)
		return filterKeys(snap, "summarized at low detail", func(k string) bool {
			return wl[k]
		})

	case FidelitySummaryMedium:
		wl := whitelistSet(opts)
		return filterKeys(snap, "summarized at medium detail", func(k string) bool {
			return !strings.HasPrefix(k, "_") && (wl[k] || matchesSummaryPattern(k))
		})

	case FidelitySummaryHigh:
		return clipValues(snap, orDefault(opts.MaxValueLength, 500))
	}

	return compactContext(pctx, snap, opts)
}

// filterKeys keeps the keys pred accepts.
func filterKeys(snap map[string]any, what string, pred func(string) bool) (*Context, string) {
	result := NewContext()
	kept := 0
	for k, v := range snap {
		if pred(k) {
			result.Set(k, v)
			kept++
		}
	}
	return result, fmt.Sprintf("Context was %s; %d keys removed.", what, len(snap)-kept)
}

// truncateKeys keeps the alphabetically-first maxKeys keys.
func truncateKeys(snap map[string]any, maxKeys int) (*Context, string) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}

	result := NewContext()
	for _, k := range keys {
		result.Set(k, snap[k])
	}
	return result, fmt.Sprintf("Context was truncated to %d keys; %d keys removed.", maxKeys, len(snap)-len(keys))
}

// clipValues keeps every key but bounds long string values.
func clipValues(snap map[string]any, maxValueLen int) (*Context, string) {
	result := NewContext()
	for k, v := range snap {
		if s, ok := v.(string); ok && len(s) > maxValueLen {
			result.Set(k, s[:maxValueLen])
			continue
		}
		result.Set(k, v)
	}
	return result, "Context was summarized at high detail; 0 keys removed."
}

// compactContext drops _-prefixed internal keys, blanks oversized string
// values, and keeps only the newest log entries.
func compactContext(pctx *Context, snap map[string]any, opts FidelityOptions) (*Context, string) {
	maxValueLen := orDefault(opts.MaxValueLength, 1024)
	maxLogs := orDefault(opts.MaxLogs, 20)

	result := NewContext()
	removed := 0
	for k, v := range snap {
		if strings.HasPrefix(k, "_") {
			removed++
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxValueLen {
			result.Set(k, "[truncated]")
			continue
		}
		result.Set(k, v)
	}

	logs := pctx.Logs()
	if len(logs) > maxLogs {
		logs = logs[len(logs)-maxLogs:]
	}
	for _, l := range logs {
		result.AppendLog(l)
	}

	return result, fmt.Sprintf("Context was compacted; %d keys removed.", removed)
}

func matchesSummaryPattern(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range summaryMediumPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// GeneratePreamble describes the transition from prevNode for the next
// node's prompt.
func GeneratePreamble(prevNode string, mode FidelityMode, removedKeys int) string {
	nodeDesc := prevNode
	if nodeDesc == "" {
		nodeDesc = "previous node"
	}

	phrase := map[FidelityMode]string{
		FidelityFull:          "passed in full fidelity mode (all keys preserved)",
		FidelityTruncate:      "was truncated to limit keys",
		FidelityCompact:       "was compacted",
		FidelitySummaryLow:    "was summarized at low detail",
		FidelitySummaryMedium: "was summarized at medium detail",
		FidelitySummaryHigh:   "was summarized at high detail",
	}[mode]
	if phrase == "" {
		phrase = "was transformed"
	}

	if mode == FidelityFull {
		return fmt.Sprintf("Context from %s %s.", nodeDesc, phrase)
	}
	return fmt.Sprintf("Context from %s %s; %d keys removed.", nodeDesc, phrase, removedKeys)
}
