// ABOUTME: AgentBackend: the CodergenBackend that runs a real in-process agent session per node.
// ABOUTME: An eventBridge re-emits session events as engine events and builds the tool-call log.
package attractor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/basaltrun/attractor/agent"
	"github.com/basaltrun/attractor/llm"
)

// defaultAgentMaxTurns bounds a codergen node that configures no limit.
const defaultAgentMaxTurns = 20

// AgentBackend runs codergen nodes through agent.ProcessInput.
type AgentBackend struct {
	// Client, when set, is used for every run. Nil means build one from the
	// environment per run (and close it afterwards).
	Client *llm.Client
}

// RunAgent builds the session, environment, and profile for one node, runs
// the loop, and distills the session history into an AgentRunResult.
func (b *AgentBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := b.Client
	if client == nil {
		envClient, err := clientForRun(ctx, config.Provider, config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("create LLM client: %w", err)
		}
		client = envClient
		defer client.Close()
	}

	workDir := config.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "attractor-codergen-*")
		if err != nil {
			return nil, fmt.Errorf("create temp work dir: %w", err)
		}
	}

	// Full env inheritance: the agent's shells need PATH, API keys, etc.
	env := agent.NewLocalExecutionEnvironment(workDir, agent.WithEnvPolicy(agent.EnvPolicyInheritAll))
	if err := env.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize execution environment: %w", err)
	}

	maxTurns := config.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultAgentMaxTurns
	}

	sessionConfig := agent.DefaultSessionConfig()
	sessionConfig.MaxTurns = maxTurns * 3 // history counts user + assistant + tool turns
	sessionConfig.MaxToolRoundsPerInput = maxTurns
	sessionConfig.FidelityMode = config.FidelityMode
	sessionConfig.UserOverride = config.SystemPrompt

	session := agent.NewSession(sessionConfig)
	defer session.Close()

	var bridge *eventBridge
	if config.EventHandler != nil {
		bridge = newEventBridge(config.NodeID, config.EventHandler)
		bridge.attach(session)
		defer bridge.detach(session)
	}

	input := buildAgentInput(config.Prompt, config.Goal, config.NodeID)
	if err := agent.ProcessInput(ctx, session, selectProfile(config.Provider, config.Model), env, client, input); err != nil {
		return nil, fmt.Errorf("agent processing failed: %w", err)
	}

	result := extractResult(session)
	if bridge != nil {
		result.ToolCallLog = bridge.toolLogSnapshot()
		result.TurnCount = bridge.turns()
	}
	return result, nil
}

// clientForRun builds a client from whatever keys the environment has,
// preferring the node's provider as the default. An explicit BaseURL applies
// to the preferred provider; the per-provider *_BASE_URL vars cover the rest.
func clientForRun(ctx context.Context, preferred, baseURL string) (*llm.Client, error) {
	type providerEnv struct {
		name       string
		keyVar     string
		baseURLVar string
	}
	table := []providerEnv{
		{"anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
		{"openai", "OPENAI_API_KEY", "OPENAI_BASE_URL"},
		{"gemini", "GEMINI_API_KEY", "GEMINI_BASE_URL"},
	}

	var opts []llm.ClientOption
	preferredAvailable := false

	for _, p := range table {
		key := os.Getenv(p.keyVar)
		if key == "" {
			continue
		}
		url := os.Getenv(p.baseURLVar)
		if p.name == preferred && baseURL != "" {
			url = baseURL
		}
		adapter := adapterForRun(ctx, p.name, key, url)
		if adapter == nil {
			continue
		}
		opts = append(opts, llm.WithProvider(p.name, adapter))
		if p.name == preferred {
			preferredAvailable = true
		}
	}

	if len(opts) == 0 {
		return nil, fmt.Errorf("no API keys found in environment (checked ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY)")
	}
	if preferredAvailable {
		opts = append(opts, llm.WithDefaultProvider(preferred))
	}
	return llm.NewClient(opts...), nil
}

// adapterForRun mirrors the llm package's construction rules: mux clients by
// default, base-URL-capable adapters when an override is set.
func adapterForRun(ctx context.Context, name, apiKey, baseURL string) llm.ProviderAdapter {
	switch name {
	case "anthropic":
		if baseURL != "" {
			return llm.NewAnthropicAdapter(apiKey, llm.WithAnthropicBaseURL(baseURL))
		}
		return llm.NewMuxAdapter(name, muxllm.NewAnthropicClient(apiKey, ""))
	case "openai":
		if baseURL != "" {
			return llm.NewMuxAdapter(name, llm.NewOpenAICompatClient(apiKey, "", baseURL))
		}
		return llm.NewMuxAdapter(name, muxllm.NewOpenAIClient(apiKey, ""))
	case "gemini":
		if baseURL != "" {
			log.Printf("gemini adapter has no base URL override; ignoring %s", baseURL)
		}
		client, err := muxllm.NewGeminiClient(ctx, apiKey, "")
		if err != nil {
			log.Printf("failed to create Gemini mux client: %v", err)
			return nil
		}
		return llm.NewMuxAdapter(name, client)
	}
	return llm.NewMuxAdapter("anthropic", muxllm.NewAnthropicClient(apiKey, ""))
}

// selectProfile maps a provider name to its agent profile; unknown providers
// get the Anthropic profile.
func selectProfile(provider, model string) agent.ProviderProfile {
	switch strings.ToLower(provider) {
	case "openai":
		return agent.NewOpenAIProfile(model)
	case "gemini":
		return agent.NewGeminiProfile(model)
	}
	return agent.NewAnthropicProfile(model)
}

// buildAgentInput composes the node's user message: pipeline goal, stage
// name, then the task prompt.
func buildAgentInput(prompt, goal, nodeID string) string {
	var b strings.Builder
	if goal != "" {
		b.WriteString("## Pipeline Goal\n\n" + goal + "\n\n")
	}
	if nodeID != "" {
		b.WriteString("## Current Stage: " + nodeID + "\n\n")
	}
	b.WriteString("## Task\n\n" + prompt)
	return b.String()
}

// extractResult walks the finished session's history: last assistant text is
// the output, tool calls and tokens are totalled, and an explicit
// OUTCOME:FAIL marker flips Success. Safe post-ProcessInput; nothing mutates
// the history anymore.
func extractResult(session *agent.Session) *AgentRunResult {
	result := &AgentRunResult{Success: true}

	for _, turn := range session.History {
		at, ok := turn.(agent.AssistantTurn)
		if !ok {
			continue
		}
		if at.Content != "" {
			result.Output = at.Content
		}
		result.ToolCalls += len(at.ToolCalls)
		result.TokensUsed += at.Usage.TotalTokens
		result.Usage = result.Usage.Add(tokenUsageFromLLM(at.Usage))
	}

	if strings.Contains(result.Output, "OUTCOME:FAIL") {
		result.Success = false
	}
	return result
}

// --- event bridging ---

// eventBridge subscribes to a session's events and re-emits them as engine
// events on behalf of one node, tracking per-call durations and the turn
// count along the way.
type eventBridge struct {
	nodeID  string
	handler func(EngineEvent)

	mu         sync.Mutex
	toolStarts map[string]time.Time
	toolNames  map[string]string
	toolLog    []ToolCallEntry
	turnCount  int

	events <-chan agent.SessionEvent
	done   chan struct{}
}

func newEventBridge(nodeID string, handler func(EngineEvent)) *eventBridge {
	return &eventBridge{
		nodeID:     nodeID,
		handler:    handler,
		toolStarts: make(map[string]time.Time),
		toolNames:  make(map[string]string),
		done:       make(chan struct{}),
	}
}

// attach subscribes and starts draining on a goroutine.
func (br *eventBridge) attach(session *agent.Session) {
	br.events = session.EventEmitter.Subscribe()
	go func() {
		defer close(br.done)
		for evt := range br.events {
			br.forward(evt)
		}
	}()
}

// detach unsubscribes and waits for the drain goroutine to finish, so every
// event emitted before detach is forwarded.
func (br *eventBridge) detach(session *agent.Session) {
	session.EventEmitter.Unsubscribe(br.events)
	<-br.done
}

func (br *eventBridge) turns() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.turnCount
}

func (br *eventBridge) toolLogSnapshot() []ToolCallEntry {
	br.mu.Lock()
	defer br.mu.Unlock()
	return append([]ToolCallEntry(nil), br.toolLog...)
}

// forward translates one session event. Unmapped kinds are dropped.
func (br *eventBridge) forward(evt agent.SessionEvent) {
	switch evt.Kind {
	case agent.EventToolCallStart:
		toolName, _ := evt.Data["tool_name"].(string)
		callID, _ := evt.Data["call_id"].(string)

		if callID != "" {
			br.mu.Lock()
			br.toolStarts[callID] = time.Now()
			br.toolNames[callID] = toolName
			br.mu.Unlock()
		}

		br.handler(EngineEvent{
			Type:      EventAgentToolCallStart,
			NodeID:    br.nodeID,
			Timestamp: evt.Timestamp,
			Data:      map[string]any{"tool_name": toolName, "call_id": callID},
		})

	case agent.EventToolCallEnd:
		callID, _ := evt.Data["call_id"].(string)
		output, _ := evt.Data["output"].(string)
		errorMsg, _ := evt.Data["error"].(string)

		snippet := output
		if snippet == "" {
			snippet = errorMsg
		}
		snippet = clipRunes(snippet, 500)

		var duration time.Duration
		var toolName string
		br.mu.Lock()
		if start, ok := br.toolStarts[callID]; ok {
			duration = time.Since(start)
			delete(br.toolStarts, callID)
		}
		toolName = br.toolNames[callID]
		delete(br.toolNames, callID)
		br.toolLog = append(br.toolLog, ToolCallEntry{
			ToolName: toolName,
			CallID:   callID,
			Duration: duration,
			Output:   clipRunes(output, 500),
		})
		br.mu.Unlock()

		br.handler(EngineEvent{
			Type:      EventAgentToolCallEnd,
			NodeID:    br.nodeID,
			Timestamp: evt.Timestamp,
			Data: map[string]any{
				"call_id":        callID,
				"tool_name":      toolName,
				"output_snippet": snippet,
				"duration_ms":    duration.Milliseconds(),
			},
		})

	case agent.EventAssistantTextEnd:
		text, _ := evt.Data["text"].(string)
		reasoning, _ := evt.Data["reasoning"].(string)

		br.mu.Lock()
		br.turnCount++
		br.mu.Unlock()

		data := map[string]any{
			"text_length":   len(text),
			"has_reasoning": reasoning != "",
		}
		for _, key := range []string{
			"input_tokens", "output_tokens", "total_tokens",
			"reasoning_tokens", "cache_read_tokens", "cache_write_tokens",
		} {
			if v, ok := evt.Data[key]; ok {
				data[key] = v
			}
		}
		br.handler(EngineEvent{
			Type:      EventAgentLLMTurn,
			NodeID:    br.nodeID,
			Timestamp: evt.Timestamp,
			Data:      data,
		})

	case agent.EventSteeringInjected:
		content, _ := evt.Data["content"].(string)
		br.handler(EngineEvent{
			Type:      EventAgentSteering,
			NodeID:    br.nodeID,
			Timestamp: evt.Timestamp,
			Data:      map[string]any{"message": content},
		})

	case agent.EventLoopDetection:
		message, _ := evt.Data["message"].(string)
		br.handler(EngineEvent{
			Type:      EventAgentLoopDetected,
			NodeID:    br.nodeID,
			Timestamp: evt.Timestamp,
			Data:      map[string]any{"message": message},
		})
	}
}

// tokenUsageFromLLM flattens llm.Usage's optional pointer fields.
func tokenUsageFromLLM(u llm.Usage) TokenUsage {
	tu := TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.ReasoningTokens != nil {
		tu.ReasoningTokens = *u.ReasoningTokens
	}
	if u.CacheReadTokens != nil {
		tu.CacheReadTokens = *u.CacheReadTokens
	}
	if u.CacheWriteTokens != nil {
		tu.CacheWriteTokens = *u.CacheWriteTokens
	}
	return tu
}

// clipRunes bounds a string to maxLen runes without splitting UTF-8.
func clipRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

var _ CodergenBackend = (*AgentBackend)(nil)
