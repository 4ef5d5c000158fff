// ABOUTME: WaitForHumanHandler (shape=hexagon) blocks a run until a person picks one outgoing edge.
// ABOUTME: Choices come from edge labels; timeouts fall back to human.default_choice or a retry.
package attractor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GateChoice is one selectable option at a human gate, derived from an
// outgoing edge's label.
type GateChoice struct {
	Key    string // accelerator, e.g. "Y" for "[Y] Yes"
	Label  string
	ToNode string
}

// WaitForHumanHandler runs human gate nodes. It derives a choice per outgoing
// edge, asks the configured Interviewer, and reports the selection through
// SuggestedNextIDs so edge selection lands on the chosen branch.
type WaitForHumanHandler struct {
	// Interviewer is the human interaction frontend. A gate with no
	// interviewer fails immediately rather than hanging.
	Interviewer Interviewer
}

func (h *WaitForHumanHandler) Type() string {
	return "wait.human"
}

// Execute asks the human to pick an outgoing edge.
//
// Node attributes consulted:
//   - timeout: how long to wait for an answer ("5m", "1h", ...).
//   - human.default_choice (or legacy default_choice): label selected when the
//     timeout expires. A timeout with no default yields a RETRY outcome.
//   - reminder_interval: validated here; honored only by interviewers that
//     support periodic re-prompting.
//
// Once the interviewer has been asked, context updates include
// human.timed_out and human.response_time_ms.
func (h *WaitForHumanHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var edges []*Edge
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		edges = g.OutgoingEdges(node.ID)
	}
	if len(edges) == 0 {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No outgoing edges for human gate: " + node.ID,
		}, nil
	}

	choices := gateChoices(edges)
	options := make([]string, len(choices))
	for i, c := range choices {
		options[i] = c.Label
	}

	if h.Interviewer == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No interviewer available for human gate: " + node.ID,
		}, nil
	}

	attrs := nodeAttrs(node)

	var timeout time.Duration
	hasTimeout := false
	if timeoutStr := attrs["timeout"]; timeoutStr != "" {
		var err error
		if timeout, err = time.ParseDuration(timeoutStr); err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("Invalid timeout duration %q: %v", timeoutStr, err),
			}, nil
		}
		hasTimeout = true
	}

	defaultChoice := attrs["human.default_choice"]
	if defaultChoice == "" {
		defaultChoice = attrs["default_choice"]
	}

	if riStr := attrs["reminder_interval"]; riStr != "" {
		if _, err := time.ParseDuration(riStr); err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("Invalid reminder_interval duration %q: %v", riStr, err),
			}, nil
		}
	}

	question := attrs["label"]
	if question == "" {
		question = "Select an option:"
	}

	// Interviewers that rendezvous on (run, node) recover the node id from the
	// context, so attach it before asking.
	askCtx := WithNodeID(ctx, node.ID)
	if hasTimeout {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(askCtx, timeout)
		defer cancel()
	}

	asked := time.Now()
	answer, err := h.Interviewer.Ask(askCtx, question, options)
	responseTimeMs := time.Since(asked).Milliseconds()

	// Our own deadline fired, not the parent's.
	if err != nil && hasTimeout && askCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return h.timedOutOutcome(defaultChoice, choices, node, responseTimeMs)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "Interviewer error: " + err.Error(),
			ContextUpdates: map[string]any{
				"human.timed_out":        false,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	chosen := matchChoice(answer, choices)
	return &Outcome{
		Status:           StatusSuccess,
		SuggestedNextIDs: []string{chosen.ToNode},
		Notes:            "Human selected: " + chosen.Label,
		ContextUpdates: map[string]any{
			"human.gate.selected":    chosen.Key,
			"human.gate.label":       chosen.Label,
			"human.timed_out":        false,
			"human.response_time_ms": responseTimeMs,
		},
	}, nil
}

// timedOutOutcome resolves an expired wait. With a default choice that names a
// real edge the gate still succeeds; without one the node retries so the
// engine's retry policy decides what happens next.
func (h *WaitForHumanHandler) timedOutOutcome(defaultChoice string, choices []GateChoice, node *Node, responseTimeMs int64) (*Outcome, error) {
	if defaultChoice == "" {
		return &Outcome{
			Status:        StatusRetry,
			FailureReason: "timeout, no default",
			ContextUpdates: map[string]any{
				"human.timed_out":        true,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	chosen := matchChoice(defaultChoice, choices)
	if normalizeLabel(chosen.Label) != normalizeLabel(defaultChoice) &&
		!strings.EqualFold(chosen.Key, defaultChoice) {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("default_choice %q does not match any outgoing edge of node %q", defaultChoice, node.ID),
			ContextUpdates: map[string]any{
				"human.timed_out":        true,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	return &Outcome{
		Status:           StatusSuccess,
		PreferredLabel:   defaultChoice,
		SuggestedNextIDs: []string{chosen.ToNode},
		Notes:            fmt.Sprintf("Human gate timed out; selected default choice: %s", defaultChoice),
		ContextUpdates: map[string]any{
			"human.gate.selected":    chosen.Key,
			"human.gate.label":       chosen.Label,
			"human.timed_out":        true,
			"human.response_time_ms": responseTimeMs,
		},
	}, nil
}

// gateChoices derives one choice per outgoing edge. An unlabeled edge uses its
// target node id as the label.
func gateChoices(edges []*Edge) []GateChoice {
	choices := make([]GateChoice, 0, len(edges))
	for _, e := range edges {
		label := e.Attrs["label"]
		if label == "" {
			label = e.To
		}
		choices = append(choices, GateChoice{
			Key:    parseAcceleratorKey(label),
			Label:  label,
			ToNode: e.To,
		})
	}
	return choices
}

// matchChoice resolves a free-form answer: normalized label equality first,
// then case-insensitive accelerator key, then the first choice.
func matchChoice(answer string, choices []GateChoice) GateChoice {
	normalized := normalizeLabel(answer)
	for _, c := range choices {
		if normalizeLabel(c.Label) == normalized {
			return c
		}
	}
	for _, c := range choices {
		if strings.EqualFold(c.Key, answer) {
			return c
		}
	}
	return choices[0]
}

// normalizeLabel lowercases, trims, and strips an accelerator prefix
// ("[k] ", "k) ", "k - ") so label comparisons ignore presentation.
func normalizeLabel(label string) string {
	s := strings.TrimSpace(strings.ToLower(label))
	switch {
	case len(s) >= 4 && s[0] == '[' && s[2] == ']' && s[3] == ' ':
		s = strings.TrimSpace(s[4:])
	case len(s) >= 3 && s[1] == ')' && s[2] == ' ':
		s = strings.TrimSpace(s[3:])
	case len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ':
		s = strings.TrimSpace(s[4:])
	}
	return s
}

// parseAcceleratorKey extracts the shortcut key from a label: "[K] Yes",
// "K) Yes", and "K - Yes" all yield "K"; otherwise the label's first
// alphanumeric, uppercased.
func parseAcceleratorKey(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return ""
	}
	switch {
	case len(s) >= 4 && s[0] == '[' && s[2] == ']':
		return strings.ToUpper(string(s[1]))
	case len(s) >= 2 && s[1] == ')':
		return strings.ToUpper(string(s[0]))
	case len(s) >= 4 && s[1] == ' ' && s[2] == '-':
		return strings.ToUpper(string(s[0]))
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return strings.ToUpper(string(r))
		}
	}
	return strings.ToUpper(string(s[0]))
}
