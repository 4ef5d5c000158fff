// ABOUTME: History reduction for long sessions, keyed by the same fidelity mode strings the engine uses.
// ABOUTME: The mode names are re-declared here so agent doesn't import attractor (and vice versa).

package agent

import (
	"fmt"
	"strings"
	"time"
)

const (
	fidelityFull          = "full"
	fidelityTruncate      = "truncate"
	fidelityCompact       = "compact"
	fidelitySummaryLow    = "summary:low"
	fidelitySummaryMedium = "summary:medium"
	fidelitySummaryHigh   = "summary:high"
)

// minTurnsForReduction: histories shorter than this are never reduced.
const minTurnsForReduction = 10

// summaryTailDivisor maps each summary mode to the fraction of history it
// keeps verbatim (len/divisor). Higher detail keeps a longer tail.
var summaryTailDivisor = map[string]int{
	fidelitySummaryLow:    4,
	fidelitySummaryMedium: 3,
	fidelitySummaryHigh:   2,
}

// ApplyFidelity returns a possibly-reduced copy of history per mode.
// contextWindow (provider tokens) is accepted for future tuning but the
// current heuristics are turn-count based.
//
//	"" / "full"        keep everything
//	"truncate"         keep system + first exchange + recent turns
//	"compact"          keep system turns + a recent tail only
//	"summary:*"        fold older turns into one summary turn
func ApplyFidelity(history []Turn, mode string, contextWindow int) []Turn {
	if len(history) < minTurnsForReduction {
		return copyTurns(history)
	}

	switch {
	case mode == fidelityTruncate:
		return reduceTruncate(history)
	case mode == fidelityCompact:
		return reduceCompact(history)
	case strings.HasPrefix(mode, "summary:"):
		return reduceSummary(history, mode)
	}
	// "", "full", and unrecognized modes keep everything rather than guessing
	return copyTurns(history)
}

// tail returns history's last n turns, never fewer than floor of them.
func tail(history []Turn, n, floor int) []Turn {
	if n < floor {
		n = floor
	}
	if n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}

// reduceTruncate drops the middle: the head (system turns plus the first
// exchange) and the most recent two-thirds survive.
func reduceTruncate(history []Turn) []Turn {
	recent := tail(history, len(history)*2/3, 6)
	head := history[:headLength(history)]

	if len(head)+len(recent) >= len(history) {
		return copyTurns(history)
	}
	return append(append(make([]Turn, 0, len(head)+len(recent)), head...), recent...)
}

// headLength counts the leading system turns plus the first user/assistant
// exchange.
func headLength(history []Turn) int {
	n := 0
	for n < len(history) && history[n].TurnType() == "system" {
		n++
	}
	// first user turn, then first assistant turn
	for range 2 {
		if n < len(history) {
			n++
		}
	}
	return n
}

// reduceCompact keeps only system turns plus the most recent quarter.
func reduceCompact(history []Turn) []Turn {
	var result []Turn
	for _, turn := range history {
		if turn.TurnType() == "system" {
			result = append(result, turn)
		}
	}
	for _, turn := range tail(history, len(history)/4, 4) {
		if turn.TurnType() != "system" {
			result = append(result, turn)
		}
	}
	return result
}

// reduceSummary replaces everything before the kept tail with a single
// synthetic system turn summarizing it.
func reduceSummary(history []Turn, mode string) []Turn {
	divisor, known := summaryTailDivisor[mode]
	if !known {
		divisor = 3
	}
	recent := tail(history, len(history)/divisor, 4)
	if len(recent) >= len(history) {
		return copyTurns(history)
	}

	summarized := history[:len(history)-len(recent)]
	result := make([]Turn, 0, 1+len(recent))
	result = append(result, SystemTurn{
		Content:   summarizeTurns(summarized),
		Timestamp: time.Now(),
	})
	return append(result, recent...)
}

// turnStats is what the summary reports about the folded-away turns.
type turnStats struct {
	users       int
	assistants  int
	toolCalls   int
	toolNames   []string
	lastRequest string
}

func collectStats(turns []Turn) turnStats {
	var stats turnStats
	seen := map[string]bool{}

	for _, turn := range turns {
		switch t := turn.(type) {
		case UserTurn:
			stats.users++
			stats.lastRequest = t.Content
		case AssistantTurn:
			stats.assistants++
			for _, tc := range t.ToolCalls {
				stats.toolCalls++
				if !seen[tc.Name] {
					stats.toolNames = append(stats.toolNames, tc.Name)
					seen[tc.Name] = true
				}
			}
		}
	}
	return stats
}

// summarizeTurns condenses turns into counts plus the last user request.
func summarizeTurns(turns []Turn) string {
	stats := collectStats(turns)

	var b strings.Builder
	b.WriteString("[Context Summary]\n")
	b.WriteString("The following is a condensed summary of earlier conversation:\n\n")
	fmt.Fprintf(&b, "- %d user messages exchanged\n", stats.users)
	fmt.Fprintf(&b, "- %d assistant responses generated\n", stats.assistants)
	if stats.toolCalls > 0 {
		fmt.Fprintf(&b, "- %d tool calls made using: %s\n", stats.toolCalls, strings.Join(stats.toolNames, ", "))
	}
	if stats.lastRequest != "" {
		fmt.Fprintf(&b, "\nLast summarized user request: %s\n", clipTo(stats.lastRequest, 200))
	}
	return b.String()
}

// clipTo bounds s to maxLen with a "..." marker.
func clipTo(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func copyTurns(turns []Turn) []Turn {
	result := make([]Turn, len(turns))
	copy(result, turns)
	return result
}
