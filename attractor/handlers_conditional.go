// ABOUTME: Conditional branching handler for the attractor pipeline runner.
// ABOUTME: Either passes through the prior node's outcome, or runs an LLM judgment prompt when one is configured.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// ConditionalHandler handles conditional routing nodes (shape=diamond). With
// no "prompt" attribute it passes through the outcome status set by the
// preceding node, so edge conditions like "outcome=FAIL" evaluate against the
// real upstream result rather than a hard-coded success. With a "prompt"
// attribute it runs that prompt through Backend as a one-shot LLM judgment
// and derives the outcome from an OUTCOME:{PASS,FAIL} marker in the response.
type ConditionalHandler struct {
	// Backend is the agent execution backend for prompt-driven nodes. Required
	// only when the node declares a "prompt" attribute.
	Backend CodergenBackend

	// BaseURL is the default API base URL used when neither the node nor the
	// pipeline context supplies one.
	BaseURL string

	// EventHandler, when set, is threaded into the AgentRunConfig for
	// prompt-driven nodes.
	EventHandler func(EngineEvent)
}

// Type returns the handler type string "conditional".
func (h *ConditionalHandler) Type() string {
	return "conditional"
}

func (h *ConditionalHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := node.Attrs
	if attrs == nil {
		attrs = make(map[string]string)
	}

	prompt := attrs["prompt"]
	if prompt == "" {
		return h.executePassThrough(node, pctx)
	}
	return h.executePrompt(ctx, node, attrs, prompt, pctx, store)
}

// executePassThrough mirrors the outcome status the preceding node left in
// the pipeline context. A diamond with no prompt is pure routing: it never
// originates an outcome of its own.
func (h *ConditionalHandler) executePassThrough(node *Node, pctx *Context) (*Outcome, error) {
	status := StatusSuccess
	if prev, ok := pctx.Get("outcome").(string); ok && prev != "" {
		status = StageStatus(prev)
	}

	return &Outcome{
		Status: status,
		Notes:  "Conditional node evaluated: " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
		},
	}, nil
}

// executePrompt runs prompt through the configured backend and maps the
// response to a stage status.
func (h *ConditionalHandler) executePrompt(ctx context.Context, node *Node, attrs map[string]string, prompt string, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if h.Backend == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("conditional node %q has a prompt but no LLM backend configured", node.ID),
		}, nil
	}

	maxTurns := 20
	if raw := attrs["max_turns"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxTurns = parsed
		}
	}

	goal := ""
	if g, ok := pctx.Get("goal").(string); ok {
		goal = g
	}

	config := AgentRunConfig{
		Prompt:       prompt,
		Model:        attrs["llm_model"],
		Provider:     attrs["llm_provider"],
		BaseURL:      h.resolveBaseURL(attrs, pctx),
		Goal:         goal,
		NodeID:       node.ID,
		MaxTurns:     maxTurns,
		EventHandler: h.EventHandler,
	}

	result, err := h.Backend.RunAgent(ctx, config)
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("conditional node %q backend error: %v", node.ID, err),
			ContextUpdates: map[string]any{
				"last_stage": node.ID,
				"outcome":    string(StatusFail),
			},
		}, nil
	}

	status := StatusSuccess
	if marker, found := DetectOutcomeMarker(result.Output); found {
		if marker == "fail" {
			status = StatusFail
		}
	} else if !result.Success {
		status = StatusFail
	}

	if result.Output != "" {
		if _, storeErr := store.Store(node.ID+".output", "agent_output", []byte(result.Output)); storeErr != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to store conditional agent output artifact: %v", storeErr))
		}
	}

	return &Outcome{
		Status: status,
		Notes:  fmt.Sprintf("Conditional node %q evaluated via LLM (tools: %d, tokens: %d)", node.ID, result.ToolCalls, result.TokensUsed),
		ContextUpdates: map[string]any{
			"last_stage": node.ID,
			"outcome":    string(status),
		},
	}, nil
}

// resolveBaseURL applies the node-attribute > context-value > handler-default
// precedence used across prompt-driven handlers.
func (h *ConditionalHandler) resolveBaseURL(attrs map[string]string, pctx *Context) string {
	if v := attrs["base_url"]; v != "" {
		return v
	}
	if v, ok := pctx.Get("base_url").(string); ok && v != "" {
		return v
	}
	return h.BaseURL
}
