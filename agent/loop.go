// ABOUTME: The agentic loop: build a request from session state, call the LLM, run any tool calls, repeat.
// ABOUTME: ProcessInput is the entry point; executeToolCalls/executeSingleTool dispatch against the tool registry.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basaltrun/attractor/llm"
)

// ProcessInput appends userInput to the session and drives turns until the
// model answers with no tool calls, a configured limit is hit, or ctx is
// cancelled. A queued follow-up (FollowUp) is processed recursively once the
// current input settles, before the session returns to idle.
func ProcessInput(ctx context.Context, session *Session, profile ProviderProfile, env ExecutionEnvironment, client *llm.Client, userInput string) error {
	session.SetState(StateProcessing)
	session.AppendTurn(UserTurn{Content: userInput, Timestamp: time.Now()})
	session.Emit(EventUserInput, map[string]any{"content": userInput})

	drainSteering(session)

	roundCount := 0

	for {
		if limited, data := checkRoundLimits(session, roundCount); limited {
			session.Emit(EventTurnLimit, data)
			break
		}
		if ctx.Err() != nil {
			break
		}

		request := buildLLMRequest(session, profile, env)

		response, err := client.Complete(ctx, request)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			session.Emit(EventError, map[string]any{"error": err.Error()})
			session.SetState(StateIdle)
			session.Emit(EventSessionEnd, nil)
			return fmt.Errorf("LLM call failed: %w", err)
		}

		toolCalls := response.ToolCalls()
		recordAssistantTurn(session, response)

		if len(toolCalls) == 0 {
			break
		}

		roundCount++
		results := executeToolCalls(ctx, session, profile, env, toolCalls, profile.SupportsParallelToolCalls())
		session.AppendTurn(ToolResultsTurn{Results: results, Timestamp: time.Now()})

		drainSteering(session)
		detectAndFlagLoop(session)
	}

	if followup := session.DrainFollowup(); followup != "" {
		return ProcessInput(ctx, session, profile, env, client, followup)
	}

	session.SetState(StateIdle)
	session.Emit(EventSessionEnd, nil)
	return nil
}

// checkRoundLimits reports whether the loop should stop because it has
// exhausted its per-input tool-round budget or the session's overall turn
// budget, along with the event payload to report.
func checkRoundLimits(session *Session, roundCount int) (bool, map[string]any) {
	if roundCount >= session.Config.MaxToolRoundsPerInput {
		return true, map[string]any{"round": roundCount}
	}
	if session.Config.MaxTurns > 0 && session.TurnCount() >= session.Config.MaxTurns {
		return true, map[string]any{"total_turns": session.TurnCount()}
	}
	return false, nil
}

// buildLLMRequest assembles the next completion request: a system prompt
// from the profile (plus any UserOverride), the conversation history (fidelity-
// transformed if configured), and the profile's tool set.
func buildLLMRequest(session *Session, profile ProviderProfile, env ExecutionEnvironment) llm.Request {
	projectDocs := DiscoverProjectDocs(env)
	systemPrompt := profile.BuildSystemPrompt(env, projectDocs)
	if session.Config.UserOverride != "" {
		systemPrompt += "\n\n## User Instructions\n\n" + session.Config.UserOverride
	}

	session.mu.Lock()
	historyForLLM := session.History
	if session.Config.FidelityMode != "" {
		historyForLLM = ApplyFidelity(session.History, session.Config.FidelityMode, profile.ContextWindowSize())
	}
	messages := ConvertHistoryToMessages(historyForLLM)
	session.mu.Unlock()

	allMessages := make([]llm.Message, 0, len(messages)+1)
	allMessages = append(allMessages, llm.SystemMessage(systemPrompt))
	allMessages = append(allMessages, messages...)

	return llm.Request{
		Model:           profile.Model(),
		Messages:        allMessages,
		Tools:           profile.Tools(),
		ToolChoice:      &llm.ToolChoice{Mode: llm.ToolChoiceAuto},
		ReasoningEffort: session.Config.ReasoningEffort,
		Provider:        profile.ID(),
		ProviderOptions: profile.ProviderOptions(),
	}
}

// recordAssistantTurn appends the model's reply to history and emits the
// assistant-text-end event carrying its token usage breakdown.
func recordAssistantTurn(session *Session, response *llm.Response) {
	textContent := response.TextContent()
	reasoning := response.Reasoning()

	session.AppendTurn(AssistantTurn{
		Content:    textContent,
		ToolCalls:  response.ToolCalls(),
		Reasoning:  reasoning,
		Usage:      response.Usage,
		ResponseID: response.ID,
		Timestamp:  time.Now(),
	})
	session.Emit(EventAssistantTextEnd, map[string]any{
		"text":               textContent,
		"reasoning":          reasoning,
		"input_tokens":       response.Usage.InputTokens,
		"output_tokens":      response.Usage.OutputTokens,
		"total_tokens":       response.Usage.TotalTokens,
		"reasoning_tokens":   response.Usage.ReasoningTokens,
		"cache_read_tokens":  response.Usage.CacheReadTokens,
		"cache_write_tokens": response.Usage.CacheWriteTokens,
	})
}

// detectAndFlagLoop runs DetectLoop over the session's current history, and
// if a repeating pattern is found, injects a steering turn nudging the model
// toward a different approach.
func detectAndFlagLoop(session *Session) {
	if !session.Config.EnableLoopDetection {
		return
	}

	session.mu.Lock()
	loopDetected := DetectLoop(session.History, session.Config.LoopDetectionWindow)
	session.mu.Unlock()

	if !loopDetected {
		return
	}

	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
		session.Config.LoopDetectionWindow)
	session.AppendTurn(SteeringTurn{Content: warning, Timestamp: time.Now()})
	session.Emit(EventLoopDetection, map[string]any{"message": warning})
}

// drainSteering moves every queued steering message into the session
// history as a SteeringTurn and emits an event for each.
func drainSteering(session *Session) {
	for _, msg := range session.DrainSteering() {
		session.AppendTurn(SteeringTurn{Content: msg, Timestamp: time.Now()})
		session.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
}

// executeToolCalls runs toolCalls sequentially, or concurrently when
// parallel is true and there is more than one call to make. Results line up
// with the input slice regardless of execution order.
func executeToolCalls(ctx context.Context, session *Session, profile ProviderProfile, env ExecutionEnvironment, toolCalls []llm.ToolCallData, parallel bool) []llm.ToolResult {
	if parallel && len(toolCalls) > 1 {
		results := make([]llm.ToolResult, len(toolCalls))
		var wg sync.WaitGroup
		wg.Add(len(toolCalls))
		for i, tc := range toolCalls {
			go func(idx int, call llm.ToolCallData) {
				defer wg.Done()
				results[idx] = executeSingleTool(session, profile, env, call)
			}(i, tc)
		}
		wg.Wait()
		return results
	}

	results := make([]llm.ToolResult, 0, len(toolCalls))
	for _, tc := range toolCalls {
		results = append(results, executeSingleTool(session, profile, env, tc))
	}
	return results
}

// executeSingleTool resolves tc against the profile's tool registry, parses
// its arguments, runs it, and truncates its output for the LLM while the
// event stream still carries the untruncated version.
func executeSingleTool(session *Session, profile ProviderProfile, env ExecutionEnvironment, tc llm.ToolCallData) llm.ToolResult {
	session.Emit(EventToolCallStart, map[string]any{
		"tool_name": tc.Name,
		"call_id":   tc.ID,
	})

	registered := profile.ToolRegistry().Get(tc.Name)
	if registered == nil {
		return toolError(session, tc.ID, fmt.Sprintf("Unknown tool: %s", tc.Name))
	}

	args := make(map[string]any)
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return toolError(session, tc.ID, fmt.Sprintf("Tool error (%s): failed to parse arguments: %s", tc.Name, err))
		}
	}

	rawOutput, err := registered.Execute(args, env)
	if err != nil {
		return toolError(session, tc.ID, fmt.Sprintf("Tool error (%s): %s", tc.Name, err))
	}

	truncatedOutput := TruncateToolOutput(rawOutput, tc.Name, session.Config.ToolOutputLimits)
	session.Emit(EventToolCallEnd, map[string]any{
		"call_id": tc.ID,
		"output":  rawOutput,
	})

	return llm.ToolResult{
		ToolCallID: tc.ID,
		Content:    truncatedOutput,
		IsError:    false,
	}
}

// toolError emits a tool-call-end failure event and builds the matching
// error result.
func toolError(session *Session, callID, message string) llm.ToolResult {
	session.Emit(EventToolCallEnd, map[string]any{
		"call_id": callID,
		"error":   message,
	})
	return llm.ToolResult{
		ToolCallID: callID,
		Content:    message,
		IsError:    true,
	}
}
