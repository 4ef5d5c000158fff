// ABOUTME: CodergenBackend that drives the `claude` CLI in --print stream-json mode.
// ABOUTME: Reads the JSONL stream for assistant turns, tool_use blocks, usage, and the final result.
package attractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// killProcessGroup kills the command's whole process group, so shells the
// CLI spawned die with it.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// extractExitCode pulls the exit code out of a Wait error, or -1 when the
// process never reported one.
func extractExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ClaudeCodeBackend runs codergen nodes through the claude CLI. Streaming
// JSONL output gives real token breakdowns and per-turn visibility.
//
// The CLI has no --max-turns flag, so AgentRunConfig.MaxTurns is ignored
// here; MaxBudgetUSD is the cost lever instead.
type ClaudeCodeBackend struct {
	BinaryPath         string   // resolved via exec.LookPath("claude") when empty
	DefaultModel       string   // empty lets the CLI pick
	AllowedTools       []string // e.g. ["Bash","Read","Edit","Write","Glob","Grep"]
	SkipPermissions    bool     // autonomous pipelines need this on
	AppendSystemPrompt string   // extra text appended to the CLI's system prompt
	MaxBudgetUSD       float64  // dollar cap per run; 0 means uncapped
}

// ClaudeCodeOption is a functional option for NewClaudeCodeBackend.
type ClaudeCodeOption func(*ClaudeCodeBackend)

func WithClaudeBinaryPath(path string) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.BinaryPath = path }
}

func WithClaudeModel(model string) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.DefaultModel = model }
}

func WithClaudeAllowedTools(tools []string) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.AllowedTools = tools }
}

func WithClaudeSkipPermissions(skip bool) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.SkipPermissions = skip }
}

func WithClaudeAppendSystemPrompt(prompt string) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.AppendSystemPrompt = prompt }
}

func WithClaudeMaxBudgetUSD(budget float64) ClaudeCodeOption {
	return func(b *ClaudeCodeBackend) { b.MaxBudgetUSD = budget }
}

// NewClaudeCodeBackend resolves the claude binary (from PATH unless a path
// was given) and defaults SkipPermissions on, since a pipeline can't answer
// permission prompts.
func NewClaudeCodeBackend(opts ...ClaudeCodeOption) (*ClaudeCodeBackend, error) {
	b := &ClaudeCodeBackend{SkipPermissions: true}
	for _, opt := range opts {
		opt(b)
	}

	if b.BinaryPath == "" {
		path, err := exec.LookPath("claude")
		if err != nil {
			return nil, fmt.Errorf("claude binary not found in PATH: %w", err)
		}
		b.BinaryPath = path
	} else if _, err := os.Stat(b.BinaryPath); err != nil {
		return nil, fmt.Errorf("claude binary not found at %q: %w", b.BinaryPath, err)
	}

	return b, nil
}

// RunAgent launches the CLI, follows its JSONL stream, and assembles an
// AgentRunResult from the final result event.
func (b *ClaudeCodeBackend) RunAgent(ctx context.Context, config AgentRunConfig) (*AgentRunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	userInput := buildAgentInput(config.Prompt, config.Goal, config.NodeID)
	cmd := exec.CommandContext(ctx, b.BinaryPath, b.buildArgs(userInput, config)...)

	// Own process group, so cancellation kills the whole tree. cmd.Cancel only
	// runs after a successful Start, so cmd.Process is non-nil there.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 3 * time.Second

	if config.WorkDir != "" {
		cmd.Dir = config.WorkDir
	}
	// The CLI needs ANTHROPIC_API_KEY, PATH, etc. from the parent.
	cmd.Env = os.Environ()

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude process: %w", err)
	}

	// --verbose (required with --print + stream-json) also injects extra
	// system events into the stream; the switch below ignores what it
	// doesn't know.
	var resultEvent *claudeStreamEvent
	var lastAssistantText string
	var toolCallCount int
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // assistant content lines can be huge

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		evt, parseErr := parseClaudeStreamEvent(line)
		if parseErr != nil {
			// Progress noise and other unparseable lines are skipped.
			continue
		}

		switch evt.Type {
		case "system":
			if config.EventHandler != nil && evt.SessionID != "" {
				config.EventHandler(EngineEvent{
					Type:      EventStageStarted,
					NodeID:    config.NodeID,
					Timestamp: time.Now(),
					Data: map[string]any{
						"claude_session_id": evt.SessionID,
					},
				})
			}

		case "assistant":
			// The stream only carries whole assistant messages, so tool_use
			// blocks become EventAgentToolCallStart with no matching end
			// event.
			if evt.Message != nil {
				for _, block := range evt.Message.Content {
					if block.Type == "text" && block.Text != "" {
						lastAssistantText = block.Text
					}
					if block.Type == "tool_use" {
						toolCallCount++
						if config.EventHandler != nil {
							config.EventHandler(EngineEvent{
								Type:      EventAgentToolCallStart,
								NodeID:    config.NodeID,
								Timestamp: time.Now(),
								Data: map[string]any{
									"tool_name": block.Name,
									"call_id":   block.ID,
								},
							})
						}
					}
				}

				if config.EventHandler != nil {
					config.EventHandler(EngineEvent{
						Type:      EventAgentLLMTurn,
						NodeID:    config.NodeID,
						Timestamp: time.Now(),
						Data: map[string]any{
							"text_length":   len(lastAssistantText),
							"has_reasoning": false,
						},
					})
				}
			}

		case "result":
			resultEvent = evt
			// Token counts only arrive aggregated in the result event.
			if config.EventHandler != nil && evt.Usage != nil {
				config.EventHandler(EngineEvent{
					Type:      EventAgentLLMTurn,
					NodeID:    config.NodeID,
					Timestamp: time.Now(),
					Data: map[string]any{
						"input_tokens":  evt.Usage.InputTokens,
						"output_tokens": evt.Usage.OutputTokens,
					},
				})
			}
		}
	}

	// e.g. bufio.ErrTooLong on an oversized line
	if scanErr := scanner.Err(); scanErr != nil && resultEvent == nil {
		return nil, fmt.Errorf("reading claude output: %w", scanErr)
	}

	waitErr := cmd.Wait()

	if resultEvent != nil {
		usage := claudeUsageToTokenUsage(resultEvent.Usage)
		return &AgentRunResult{
			Output:     resultEvent.Result,
			Success:    claudeResultToSuccess(resultEvent.Result, resultEvent.IsError),
			TurnCount:  resultEvent.NumTurns,
			ToolCalls:  toolCallCount,
			TokensUsed: usage.TotalTokens,
			Usage:      usage,
		}, nil
	}

	if waitErr != nil {
		return nil, fmt.Errorf("claude process exited with code %d: %s", extractExitCode(waitErr), stderrBuf.String())
	}

	// Clean exit but no result event: fall back to the last assistant text.
	return &AgentRunResult{
		Output:  lastAssistantText,
		Success: lastAssistantText != "",
	}, nil
}

// buildArgs assembles the CLI invocation. --verbose must accompany
// --output-format stream-json under --print or the CLI refuses to run.
func (b *ClaudeCodeBackend) buildArgs(userInput string, config AgentRunConfig) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--no-session-persistence",
	}

	if b.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	model := config.Model
	if model == "" {
		model = b.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if b.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", b.MaxBudgetUSD))
	}
	if len(b.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(b.AllowedTools, ","))
	}
	if b.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", b.AppendSystemPrompt)
	}

	// The prompt itself is the final positional argument.
	return append(args, userInput)
}

// --- stream-json line shapes ---

// claudeStreamEvent is one JSONL line; which fields are set depends on Type.
type claudeStreamEvent struct {
	Type      string              `json:"type"`
	Subtype   string              `json:"subtype,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Result    string              `json:"result,omitempty"`
	IsError   bool                `json:"is_error,omitempty"`
	NumTurns  int                 `json:"num_turns,omitempty"`
	Usage     *claudeUsage        `json:"usage,omitempty"`
	Message   *claudeMessageBlock `json:"message,omitempty"`
	CostUSD   float64             `json:"total_cost_usd,omitempty"`
}

type claudeUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	ThinkingTokens      int `json:"thinking_tokens"`
}

type claudeMessageBlock struct {
	Role    string              `json:"role"`
	Content []claudeContentPart `json:"content"`
}

type claudeContentPart struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func parseClaudeStreamEvent(line []byte) (*claudeStreamEvent, error) {
	var evt claudeStreamEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil, fmt.Errorf("parse claude stream event: %w", err)
	}
	return &evt, nil
}

func claudeUsageToTokenUsage(usage *claudeUsage) TokenUsage {
	if usage == nil {
		return TokenUsage{}
	}
	return TokenUsage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		TotalTokens:      usage.InputTokens + usage.OutputTokens + usage.ThinkingTokens,
		ReasoningTokens:  usage.ThinkingTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheCreationTokens,
	}
}

// claudeResultToSuccess: is_error wins, then an explicit OUTCOME:FAIL marker,
// then success by default.
func claudeResultToSuccess(resultText string, isError bool) bool {
	if isError {
		return false
	}
	return !strings.Contains(resultText, "OUTCOME:FAIL")
}

var _ CodergenBackend = (*ClaudeCodeBackend)(nil)
