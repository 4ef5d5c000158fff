// ABOUTME: CodergenHandler (shape=box, the default type) hands a node's prompt to an agent backend.
// ABOUTME: Without a backend it records what would run, which is what unit tests and dry runs rely on.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// CodergenHandler executes LLM coding nodes. Backend does the actual work;
// nil Backend degrades to prompt-recording stub behavior.
type CodergenHandler struct {
	Backend CodergenBackend

	// BaseURL applies when a node has no base_url attribute of its own.
	BaseURL string

	// EventHandler rides into every AgentRunConfig so agent-level events
	// (tool calls, LLM turns) surface on the engine's stream.
	EventHandler func(EngineEvent)
}

func (h *CodergenHandler) Type() string {
	return "codergen"
}

// codergenParams is everything Execute resolves from the node before
// deciding how to run.
type codergenParams struct {
	prompt   string
	label    string
	model    string
	provider string
}

func resolveCodergenParams(node *Node) codergenParams {
	attrs := nodeAttrs(node)

	p := codergenParams{
		prompt:   attrs["prompt"],
		label:    attrs["label"],
		model:    attrs["llm_model"],
		provider: attrs["llm_provider"],
	}
	// prompt falls back to label, then to the node id itself
	if p.prompt == "" {
		p.prompt = p.label
	}
	if p.prompt == "" {
		p.prompt = node.ID
	}
	if p.label == "" {
		p.label = node.ID
	}
	return p
}

// Execute resolves the node's parameters and either runs the backend or
// records the stub outcome.
func (h *CodergenHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := resolveCodergenParams(node)
	if h.Backend == nil {
		return stubOutcome(node.ID, params), nil
	}
	return h.runBackend(ctx, node, pctx, store, params)
}

func (h *CodergenHandler) runBackend(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore, params codergenParams) (*Outcome, error) {
	attrs := nodeAttrs(node)

	maxTurns := 20
	if raw := attrs["max_turns"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxTurns = parsed
		}
	}

	goal, _ := pctx.Get("goal").(string)

	// fidelity: node attribute beats the engine-provided context value
	fidelityMode := ""
	if f := attrs["fidelity"]; IsValidFidelity(f) {
		fidelityMode = f
	} else if f, ok := pctx.Get("_fidelity_mode").(string); ok && IsValidFidelity(f) {
		fidelityMode = f
	}

	workDir := attrs["workdir"]
	if workDir == "" {
		workDir = verifyWorkDir(store)
	}

	baseURL := h.BaseURL
	if nodeURL := attrs["base_url"]; nodeURL != "" {
		baseURL = nodeURL
	}

	result, err := h.Backend.RunAgent(ctx, AgentRunConfig{
		Prompt:       params.prompt,
		Model:        params.model,
		Provider:     params.provider,
		BaseURL:      baseURL,
		WorkDir:      workDir,
		Goal:         goal,
		NodeID:       node.ID,
		MaxTurns:     maxTurns,
		FidelityMode: fidelityMode,
		EventHandler: h.EventHandler,
	})
	if err != nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("agent backend error: %v", err),
			ContextUpdates: map[string]any{
				"last_stage":      node.ID,
				"codergen.prompt": params.prompt,
			},
		}, nil
	}

	updates := codergenUpdates(node.ID, params)
	updates["codergen.tool_calls"] = result.ToolCalls
	updates["codergen.tokens_used"] = result.TokensUsed

	if result.Output != "" && store != nil {
		if _, storeErr := store.Store(node.ID+".output", "agent_output", []byte(result.Output)); storeErr != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to store agent output artifact: %v", storeErr))
		}
	}

	if !result.Success {
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  fmt.Sprintf("agent did not complete successfully: %s", result.Output),
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("Stage completed: %s (tools: %d, tokens: %d)", params.label, result.ToolCalls, result.TokensUsed),
		ContextUpdates: updates,
	}, nil
}

// codergenUpdates is the context-update set common to every codergen outcome.
func codergenUpdates(nodeID string, params codergenParams) map[string]any {
	updates := map[string]any{
		"last_stage":      nodeID,
		"codergen.prompt": params.prompt,
	}
	if params.model != "" {
		updates["codergen.model"] = params.model
	}
	if params.provider != "" {
		updates["codergen.provider"] = params.provider
	}
	return updates
}

// stubOutcome records what would have run.
func stubOutcome(nodeID string, params codergenParams) *Outcome {
	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "Stage completed (stub): " + params.label,
		ContextUpdates: codergenUpdates(nodeID, params),
	}
}
