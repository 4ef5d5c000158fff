// ABOUTME: Sub-agent supervision: spawn bounded-depth child sessions, rendezvous on completion, forget on close.
// ABOUTME: The parent owns handles; a child only ever touches its own done channel, never the parent.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/basaltrun/attractor/llm"
	"github.com/google/uuid"
)

// SubAgentStatus is a child's lifecycle state.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
)

// SubAgentResult is what a finished child hands back.
type SubAgentResult struct {
	Output    string `json:"output"`
	Success   bool   `json:"success"`
	TurnsUsed int    `json:"turns_used"`
}

// SubAgentHandle is the parent's reference to one child. done closes exactly
// once, when the child's loop returns; result/Status are valid after that.
type SubAgentHandle struct {
	ID      string
	Session *Session
	Status  SubAgentStatus
	Env     ExecutionEnvironment
	Profile ProviderProfile
	Client  *llm.Client

	cancel context.CancelFunc
	done   chan struct{}
	result *SubAgentResult
	mu     sync.Mutex
}

// snapshot returns the status and result under the handle lock.
func (h *SubAgentHandle) snapshot() (SubAgentStatus, *SubAgentResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Status, h.result
}

// SubAgentManager owns a session's children and enforces the depth bound.
type SubAgentManager struct {
	mu       sync.Mutex
	agents   map[string]*SubAgentHandle
	depth    int
	maxDepth int
}

func NewSubAgentManager(currentDepth, maxDepth int) *SubAgentManager {
	return &SubAgentManager{
		agents:   make(map[string]*SubAgentHandle),
		depth:    currentDepth,
		maxDepth: maxDepth,
	}
}

// Spawn starts a child session on task and returns immediately with its
// handle; the child runs on its own goroutine. Depth at or past the bound is
// an error before any session is created.
func (m *SubAgentManager) Spawn(ctx context.Context, task string, env ExecutionEnvironment, profile ProviderProfile, client *llm.Client, maxTurns int) (*SubAgentHandle, error) {
	if m.depth >= m.maxDepth {
		return nil, fmt.Errorf("subagent depth limit exceeded: current depth %d, max depth %d", m.depth, m.maxDepth)
	}

	childConfig := DefaultSessionConfig()
	childConfig.MaxTurns = maxTurns
	childConfig.MaxSubagentDepth = 0 // grandchildren are off by default

	childCtx, cancel := context.WithCancel(ctx)
	handle := &SubAgentHandle{
		ID:      uuid.New().String(),
		Session: NewSession(childConfig),
		Status:  SubAgentRunning,
		Env:     env,
		Profile: profile,
		Client:  client,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.agents[handle.ID] = handle
	m.mu.Unlock()

	go m.runChild(childCtx, handle, task)
	return handle, nil
}

// runChild drives the child to completion and seals its result. Closing done
// is the rendezvous every Wait call blocks on.
func (m *SubAgentManager) runChild(ctx context.Context, handle *SubAgentHandle, task string) {
	defer close(handle.done)

	err := ProcessInput(ctx, handle.Session, handle.Profile, handle.Env, handle.Client, task)

	handle.mu.Lock()
	defer handle.mu.Unlock()

	handle.result = &SubAgentResult{
		Output:    lastAssistantText(handle.Session),
		Success:   err == nil,
		TurnsUsed: handle.Session.TurnCount(),
	}
	if err != nil {
		handle.Status = SubAgentFailed
	} else {
		handle.Status = SubAgentCompleted
	}
}

// lastAssistantText walks a session's history backwards for the final
// assistant message.
func lastAssistantText(session *Session) string {
	session.mu.Lock()
	defer session.mu.Unlock()
	for i := len(session.History) - 1; i >= 0; i-- {
		if at, ok := session.History[i].(AssistantTurn); ok {
			return at.Content
		}
	}
	return ""
}

// Get looks a handle up by id.
func (m *SubAgentManager) Get(agentID string) (*SubAgentHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.agents[agentID]
	return handle, ok
}

// SendInput queues a steering message on a running child.
func (m *SubAgentManager) SendInput(agentID, message string) error {
	handle, ok := m.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if status, _ := handle.snapshot(); status != SubAgentRunning {
		return fmt.Errorf("agent %q is not running (status: %s)", agentID, status)
	}
	handle.Session.Steer(message)
	return nil
}

// maxSubAgentOutputChars caps what Wait returns to the parent's LLM; the
// middle of anything longer is elided.
const maxSubAgentOutputChars = 20000

func truncateMiddle(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	half := maxChars / 2
	return fmt.Sprintf("%s\n... [%d characters elided] ...\n%s", s[:half], len(s)-maxChars, s[len(s)-half:])
}

// Wait blocks until the child finishes and returns its (output-truncated)
// result. A Wait on an already-finished child returns immediately; there is
// no timeout.
func (m *SubAgentManager) Wait(agentID string) (*SubAgentResult, error) {
	handle, ok := m.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %q not found", agentID)
	}

	<-handle.done

	_, result := handle.snapshot()
	if result == nil {
		return nil, nil
	}
	out := *result
	out.Output = truncateMiddle(out.Output, maxSubAgentOutputChars)
	return &out, nil
}

// Close forgets a handle. In-flight work keeps running; the supervisor just
// stops tracking it.
func (m *SubAgentManager) Close(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return fmt.Errorf("agent %q not found", agentID)
	}
	delete(m.agents, agentID)
	return nil
}

// CloseAll cancels every child and waits for their goroutines to drain.
func (m *SubAgentManager) CloseAll() {
	m.mu.Lock()
	handles := make([]*SubAgentHandle, 0, len(m.agents))
	for _, h := range m.agents {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// --- tools ---

// subagentToolResult marshals a small map for the LLM-facing tool result.
func subagentToolResult(fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshalling subagent tool result: %w", err)
	}
	return string(data), nil
}

// NewSpawnAgentTool captures the manager/profile/client; the LLM sees only
// the handle id.
func NewSpawnAgentTool(manager *SubAgentManager, profile ProviderProfile, client *llm.Client) *RegisteredTool {
	return coreTool("spawn_agent",
		"Spawn a subagent to handle a scoped task autonomously.",
		`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "Natural language task description for the subagent"},
				"working_dir": {"type": "string", "description": "Subdirectory to scope the agent to (optional)"},
				"model": {"type": "string", "description": "Model override (optional, default: parent's model)"},
				"max_turns": {"type": "integer", "description": "Turn limit for the subagent (default: 50)"}
			},
			"required": ["task"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			task, err := getStringArg(args, "task", true)
			if err != nil {
				return "", err
			}
			maxTurns, err := getIntArg(args, "max_turns", 50)
			if err != nil {
				return "", err
			}
			// working_dir is accepted but the environment is shared today
			_, _ = getStringArg(args, "working_dir", false)

			handle, err := manager.Spawn(context.Background(), task, env, profile, client, maxTurns)
			if err != nil {
				return "", err
			}
			return subagentToolResult(map[string]any{
				"agent_id": handle.ID,
				"status":   string(SubAgentRunning),
			})
		})
}

// NewSendInputTool steers a running child.
func NewSendInputTool(manager *SubAgentManager) *RegisteredTool {
	return coreTool("send_input",
		"Send a message to a running subagent.",
		`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "ID of the subagent to send the message to"},
				"message": {"type": "string", "description": "Message to send to the subagent"}
			},
			"required": ["agent_id", "message"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			agentID, err := getStringArg(args, "agent_id", true)
			if err != nil {
				return "", err
			}
			message, err := getStringArg(args, "message", true)
			if err != nil {
				return "", err
			}
			if err := manager.SendInput(agentID, message); err != nil {
				return fmt.Sprintf("Error: %s", err.Error()), nil
			}
			return fmt.Sprintf("Message sent to agent %s. Steering message queued.", agentID), nil
		})
}

// NewWaitTool blocks on a child's rendezvous.
func NewWaitTool(manager *SubAgentManager) *RegisteredTool {
	return coreTool("wait",
		"Wait for a subagent to complete and return its result.",
		`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "ID of the subagent to wait for"}
			},
			"required": ["agent_id"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			agentID, err := getStringArg(args, "agent_id", true)
			if err != nil {
				return "", err
			}
			result, err := manager.Wait(agentID)
			if err != nil {
				return fmt.Sprintf("Error: %s", err.Error()), nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return "", fmt.Errorf("marshalling wait result: %w", err)
			}
			return string(data), nil
		})
}

// NewCloseAgentTool releases a handle.
func NewCloseAgentTool(manager *SubAgentManager) *RegisteredTool {
	return coreTool("close_agent",
		"Release a subagent's handle. Does not interrupt in-flight work.",
		`{
			"type": "object",
			"properties": {
				"agent_id": {"type": "string", "description": "ID of the subagent to release"}
			},
			"required": ["agent_id"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			agentID, err := getStringArg(args, "agent_id", true)
			if err != nil {
				return "", err
			}
			if err := manager.Close(agentID); err != nil {
				return fmt.Sprintf("Error: %s", err.Error()), nil
			}
			return subagentToolResult(map[string]any{
				"agent_id": agentID,
				"status":   "terminated",
			})
		})
}

// RegisterSubAgentTools installs the four supervision tools.
func RegisterSubAgentTools(registry *ToolRegistry, manager *SubAgentManager, profile ProviderProfile, client *llm.Client) {
	registry.Register(NewSpawnAgentTool(manager, profile, client))
	registry.Register(NewSendInputTool(manager))
	registry.Register(NewWaitTool(manager))
	registry.Register(NewCloseAgentTool(manager))
}
