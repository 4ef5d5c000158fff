// ABOUTME: Backend seam tests plus the shared fake/stub CodergenBackend doubles other tests lean on.
package attractor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basaltrun/attractor/agent"
	"github.com/basaltrun/attractor/llm"
)

// fakeBackend records every config it was run with and answers success.
type fakeBackend struct {
	runAgentFn func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
	calls      []AgentRunConfig
}

func (f *fakeBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	f.calls = append(f.calls, config)
	if f.runAgentFn != nil {
		return f.runAgentFn(ctx, config)
	}
	return &AgentRunResult{
		Output:     "fake agent output for: " + config.Prompt,
		ToolCalls:  3,
		TokensUsed: 500,
		Success:    true,
	}, nil
}

// stubCodergenBackend is the lighter double for engine wiring tests.
type stubCodergenBackend struct {
	runFn func(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error)
}

func (s *stubCodergenBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if s.runFn != nil {
		return s.runFn(ctx, config)
	}
	return &AgentRunResult{Success: true}, nil
}

var (
	_ CodergenBackend = (*fakeBackend)(nil)
	_ CodergenBackend = (*stubCodergenBackend)(nil)
)

func TestDetectOutcomeMarker(t *testing.T) {
	cases := []struct {
		text    string
		want    string
		present bool
	}{
		{"all done OUTCOME:PASS", "success", true},
		{"sadly OUTCOME:FAIL", "fail", true},
		{"outcome=success somewhere", "success", true},
		{"outcome=fail somewhere", "fail", true},
		{"OUTCOME:PASS but later OUTCOME:FAIL", "fail", true}, // fail wins
		{"no marker here", "", false},
	}
	for _, tc := range cases {
		got, present := DetectOutcomeMarker(tc.text)
		if got != tc.want || present != tc.present {
			t.Errorf("DetectOutcomeMarker(%q) = (%q,%v), want (%q,%v)", tc.text, got, present, tc.want, tc.present)
		}
	}
}

func TestTokenUsageAdd(t *testing.T) {
	a := TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, ReasoningTokens: 4}
	b := TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, CacheReadTokens: 5}
	sum := a.Add(b)
	if sum.InputTokens != 11 || sum.OutputTokens != 22 || sum.TotalTokens != 33 ||
		sum.ReasoningTokens != 4 || sum.CacheReadTokens != 5 {
		t.Errorf("sum = %+v", sum)
	}
}

func TestBuildAgentInputLayers(t *testing.T) {
	input := buildAgentInput("do the task", "the big goal", "stage_3")
	for _, want := range []string{"## Pipeline Goal", "the big goal", "## Current Stage: stage_3", "## Task", "do the task"} {
		if !strings.Contains(input, want) {
			t.Errorf("input missing %q:\n%s", want, input)
		}
	}

	bare := buildAgentInput("just this", "", "")
	if strings.Contains(bare, "Pipeline Goal") || strings.Contains(bare, "Current Stage") {
		t.Errorf("empty goal/node should omit their sections: %q", bare)
	}
}

func TestExtractResultWalksHistory(t *testing.T) {
	session := agent.NewSession(agent.DefaultSessionConfig())
	session.AppendTurn(agent.UserTurn{Content: "go", Timestamp: time.Now()})
	session.AppendTurn(agent.AssistantTurn{
		Content:   "first pass",
		ToolCalls: []llm.ToolCallData{{ID: "c1", Name: "shell"}},
		Usage:     llm.Usage{TotalTokens: 10},
		Timestamp: time.Now(),
	})
	session.AppendTurn(agent.AssistantTurn{
		Content:   "final answer",
		Usage:     llm.Usage{TotalTokens: 7},
		Timestamp: time.Now(),
	})

	result := extractResult(session)
	if result.Output != "final answer" {
		t.Errorf("Output = %q, want the last assistant text", result.Output)
	}
	if result.ToolCalls != 1 || result.TokensUsed != 17 {
		t.Errorf("tools=%d tokens=%d", result.ToolCalls, result.TokensUsed)
	}
	if !result.Success {
		t.Error("no marker should default to success")
	}
}

func TestExtractResultHonorsFailMarker(t *testing.T) {
	session := agent.NewSession(agent.DefaultSessionConfig())
	session.AppendTurn(agent.AssistantTurn{Content: "tried hard. OUTCOME:FAIL", Timestamp: time.Now()})
	if extractResult(session).Success {
		t.Error("OUTCOME:FAIL must flip Success off")
	}
}

func TestSelectProfilePerProvider(t *testing.T) {
	if selectProfile("openai", "").ID() != "openai" {
		t.Error("openai profile not selected")
	}
	if selectProfile("GEMINI", "").ID() != "gemini" {
		t.Error("provider matching should be case-insensitive")
	}
	if selectProfile("something-else", "").ID() != "anthropic" {
		t.Error("unknown providers should default to anthropic")
	}
}

func TestEventBridgeForwardsAndLogs(t *testing.T) {
	var got []EngineEvent
	bridge := newEventBridge("node_1", func(evt EngineEvent) { got = append(got, evt) })

	now := time.Now()
	bridge.forward(agent.SessionEvent{
		Kind:      agent.EventToolCallStart,
		Timestamp: now,
		Data:      map[string]any{"tool_name": "shell", "call_id": "c9"},
	})
	bridge.forward(agent.SessionEvent{
		Kind:      agent.EventToolCallEnd,
		Timestamp: now,
		Data:      map[string]any{"call_id": "c9", "output": "ran fine"},
	})
	bridge.forward(agent.SessionEvent{
		Kind:      agent.EventAssistantTextEnd,
		Timestamp: now,
		Data:      map[string]any{"text": "hello", "total_tokens": 12},
	})

	if len(got) != 3 {
		t.Fatalf("forwarded %d events, want 3", len(got))
	}
	if got[0].Type != EventAgentToolCallStart || got[0].NodeID != "node_1" {
		t.Errorf("start event = %+v", got[0])
	}
	if got[1].Type != EventAgentToolCallEnd || got[1].Data["tool_name"] != "shell" {
		t.Errorf("end event should recover the tool name: %+v", got[1])
	}
	if got[2].Type != EventAgentLLMTurn || got[2].Data["total_tokens"] != 12 {
		t.Errorf("llm turn event = %+v", got[2])
	}

	log := bridge.toolLogSnapshot()
	if len(log) != 1 || log[0].ToolName != "shell" || log[0].CallID != "c9" {
		t.Errorf("tool log = %+v", log)
	}
	if bridge.turns() != 1 {
		t.Errorf("turns = %d", bridge.turns())
	}
}

func TestClaudeStreamEventParsing(t *testing.T) {
	evt, err := parseClaudeStreamEvent([]byte(`{"type":"result","result":"did it","num_turns":4,"usage":{"input_tokens":100,"output_tokens":50}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Type != "result" || evt.NumTurns != 4 || evt.Usage.InputTokens != 100 {
		t.Errorf("event = %+v", evt)
	}

	if _, err := parseClaudeStreamEvent([]byte("not json")); err == nil {
		t.Error("bad JSON should error")
	}
}

func TestClaudeUsageConversion(t *testing.T) {
	usage := claudeUsageToTokenUsage(&claudeUsage{
		InputTokens:         10,
		OutputTokens:        20,
		ThinkingTokens:      5,
		CacheReadTokens:     2,
		CacheCreationTokens: 1,
	})
	if usage.TotalTokens != 35 || usage.ReasoningTokens != 5 || usage.CacheWriteTokens != 1 {
		t.Errorf("usage = %+v", usage)
	}
	if claudeUsageToTokenUsage(nil).TotalTokens != 0 {
		t.Error("nil usage should be zero")
	}
}

func TestClaudeResultSuccessRules(t *testing.T) {
	if !claudeResultToSuccess("all good", false) {
		t.Error("clean result should succeed")
	}
	if claudeResultToSuccess("x", true) {
		t.Error("is_error must fail")
	}
	if claudeResultToSuccess("OUTCOME:FAIL", false) {
		t.Error("fail marker must fail")
	}
}

func TestClaudeBuildArgs(t *testing.T) {
	b := &ClaudeCodeBackend{
		BinaryPath:      "/bin/true",
		SkipPermissions: true,
		MaxBudgetUSD:    1.5,
		AllowedTools:    []string{"Bash", "Read"},
	}
	args := b.buildArgs("the prompt", AgentRunConfig{Model: "some-model"})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--print", "--verbose", "--output-format stream-json",
		"--dangerously-skip-permissions",
		"--model some-model",
		"--max-budget-usd 1.50",
		"--allowedTools Bash,Read",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "the prompt" {
		t.Error("prompt must be the final positional argument")
	}
}
