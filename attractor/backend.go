// ABOUTME: CodergenBackend is the seam between the codergen handler and whatever runs the agent.
// ABOUTME: Also carries the run config/result shapes and the OUTCOME marker sniffing.
package attractor

import (
	"context"
	"strings"
	"time"
)

// CodergenBackend runs the agent loop for one codergen node. Keeping it an
// interface means the attractor package never imports agent or llm directly.
type CodergenBackend interface {
	// RunAgent drives one agent execution to completion; ctx carries
	// cancellation and any deadline.
	RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

// AgentRunConfig is everything a backend needs to run one codergen stage.
type AgentRunConfig struct {
	Prompt       string            // instructions for the LLM
	Model        string            // model name, e.g. "claude-sonnet-4-5"
	Provider     string            // provider name: anthropic, openai, gemini, ...
	BaseURL      string            // API base URL override
	WorkDir      string            // working directory for file ops and shell
	Goal         string            // graph-level goal, prepended for context
	NodeID       string            // node id, for logging and event attribution
	MaxTurns     int               // agent loop bound; 0 means the backend default
	FidelityMode string            // conversation-history policy for this stage
	SystemPrompt string            // optional system prompt override
	EventHandler func(EngineEvent) // sink for bridged agent events
}

// TokenUsage is the per-category token accounting for an agent run.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
}

// Add returns the field-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		ReasoningTokens:  u.ReasoningTokens + other.ReasoningTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// ToolCallEntry is one tool invocation in a run's log.
type ToolCallEntry struct {
	ToolName string        `json:"tool_name"`
	CallID   string        `json:"call_id"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"` // truncated to 500 chars
}

// AgentRunResult is what a backend hands back after the agent finishes.
type AgentRunResult struct {
	Output      string          // the agent's final text
	ToolCalls   int             // total tool invocations
	TokensUsed  int             // total tokens across all LLM calls
	Success     bool            // completed without backend-level errors
	ToolCallLog []ToolCallEntry // per-call detail
	TurnCount   int             // LLM rounds
	Usage       TokenUsage      // category breakdown
}

// DetectOutcomeMarker looks for an explicit outcome the agent printed:
// OUTCOME:FAIL, outcome=SUCCESS, OUTCOME:PASS, and so on. Separator may be
// ":" or "=", case doesn't matter. Returns ("fail"|"success", true) when a
// marker is present. A FAIL marker beats a PASS marker when both appear,
// since agents often echo earlier instructions verbatim.
func DetectOutcomeMarker(text string) (string, bool) {
	upper := strings.ToUpper(text)
	hasFail := strings.Contains(upper, "OUTCOME:FAIL") ||
		strings.Contains(upper, "OUTCOME=FAIL")
	hasPass := strings.Contains(upper, "OUTCOME:PASS") ||
		strings.Contains(upper, "OUTCOME=PASS") ||
		strings.Contains(upper, "OUTCOME:SUCCESS") ||
		strings.Contains(upper, "OUTCOME=SUCCESS")

	switch {
	case hasFail:
		return "fail", true
	case hasPass:
		return "success", true
	}
	return "", false
}
