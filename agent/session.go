// ABOUTME: Session owns one agent's conversation state: turn history, steering/follow-up queues, lifecycle state.
// ABOUTME: Also home to the loop detector that watches recent tool calls for repeating patterns.

package agent

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/basaltrun/attractor/llm"
	"github.com/google/uuid"
)

// SessionState is where a Session sits in its lifecycle.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateProcessing    SessionState = "processing"
	StateAwaitingInput SessionState = "awaiting_input"
	StateClosed        SessionState = "closed"
)

// SessionConfig bounds how a Session is allowed to run: turn/round limits,
// command timeouts, output truncation, loop detection, and recursion depth.
type SessionConfig struct {
	MaxTurns                int            `json:"max_turns"`
	MaxToolRoundsPerInput   int            `json:"max_tool_rounds_per_input"`
	DefaultCommandTimeoutMs int            `json:"default_command_timeout_ms"`
	MaxCommandTimeoutMs     int            `json:"max_command_timeout_ms"`
	ReasoningEffort         string         `json:"reasoning_effort,omitempty"`
	ToolOutputLimits        map[string]int `json:"tool_output_limits,omitempty"`
	EnableLoopDetection     bool           `json:"enable_loop_detection"`
	LoopDetectionWindow     int            `json:"loop_detection_window"`
	MaxSubagentDepth        int            `json:"max_subagent_depth"`

	// UserOverride, when set, is appended to the generated system prompt
	// verbatim, letting a caller add instructions beyond the profile's own.
	UserOverride string `json:"user_override,omitempty"`

	// FidelityMode controls how much of the conversation history is sent on
	// each LLM call; see ApplyFidelity. Empty means send it in full.
	FidelityMode string `json:"fidelity_mode,omitempty"`
}

// DefaultSessionConfig returns the baseline configuration: unlimited turns,
// 200 tool rounds per input, 10s/600s command timeouts, loop detection on
// over a 10-call window, and sub-agents one level deep.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTurns:                0,
		MaxToolRoundsPerInput:   200,
		DefaultCommandTimeoutMs: 10000,
		MaxCommandTimeoutMs:     600000,
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
		MaxSubagentDepth:        1,
		ToolOutputLimits:        make(map[string]int),
	}
}

// Turn is implemented by every entry that can live in a Session's history.
type Turn interface {
	// TurnType discriminates the concrete kind: "user", "assistant",
	// "tool_results", "system", or "steering".
	TurnType() string
	TurnTimestamp() time.Time
}

// UserTurn is a message the human (or calling pipeline) sent in.
type UserTurn struct {
	Content   string
	Timestamp time.Time
}

func (t UserTurn) TurnType() string         { return "user" }
func (t UserTurn) TurnTimestamp() time.Time { return t.Timestamp }

// AssistantTurn is the model's reply, carrying any tool calls it requested.
type AssistantTurn struct {
	Content    string
	ToolCalls  []llm.ToolCallData
	Reasoning  string
	Usage      llm.Usage
	ResponseID string
	Timestamp  time.Time
}

func (t AssistantTurn) TurnType() string         { return "assistant" }
func (t AssistantTurn) TurnTimestamp() time.Time { return t.Timestamp }

// ToolResultsTurn carries the results of one round of tool execution back
// into the conversation.
type ToolResultsTurn struct {
	Results   []llm.ToolResult
	Timestamp time.Time
}

func (t ToolResultsTurn) TurnType() string         { return "tool_results" }
func (t ToolResultsTurn) TurnTimestamp() time.Time { return t.Timestamp }

// SystemTurn is a system-level instruction inserted into the conversation.
type SystemTurn struct {
	Content   string
	Timestamp time.Time
}

func (t SystemTurn) TurnType() string         { return "system" }
func (t SystemTurn) TurnTimestamp() time.Time { return t.Timestamp }

// SteeringTurn is a mid-flight course-correction injected by the host, shown
// to the model as if the user had spoken up.
type SteeringTurn struct {
	Content   string
	Timestamp time.Time
}

func (t SteeringTurn) TurnType() string         { return "steering" }
func (t SteeringTurn) TurnTimestamp() time.Time { return t.Timestamp }

// Session orchestrates one agent's conversation: history, queued steering
// and follow-up messages, lifecycle state, and its event stream.
type Session struct {
	ID           string
	Config       SessionConfig
	History      []Turn
	State        SessionState
	EventEmitter *EventEmitter

	mu            sync.Mutex
	steeringQueue []string
	followupQueue []string
}

// NewSession allocates a Session with a fresh UUID, idle state, and an
// attached event emitter.
func NewSession(config SessionConfig) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Config:        config,
		History:       make([]Turn, 0),
		State:         StateIdle,
		EventEmitter:  NewEventEmitter(),
		steeringQueue: make([]string, 0),
		followupQueue: make([]string, 0),
	}
}

// Emit publishes a session event, stamping it with this session's ID and the
// current time.
func (s *Session) Emit(kind EventKind, data map[string]any) {
	s.EventEmitter.Emit(SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: s.ID,
		Data:      data,
	})
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// Steer enqueues a message to be spliced into the conversation after the
// current tool round finishes, without waiting for the turn to complete.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steeringQueue = append(s.steeringQueue, message)
}

// FollowUp enqueues a message to be processed once the in-flight input has
// fully completed.
func (s *Session) FollowUp(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followupQueue = append(s.followupQueue, message)
}

// DrainSteering removes and returns every queued steering message, oldest
// first, or nil if none are pending.
func (s *Session) DrainSteering() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steeringQueue) == 0 {
		return nil
	}
	messages := s.steeringQueue
	s.steeringQueue = make([]string, 0)
	return messages
}

// DrainFollowup pops and returns the oldest queued follow-up message, or ""
// if the queue is empty.
func (s *Session) DrainFollowup() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.followupQueue) == 0 {
		return ""
	}
	msg := s.followupQueue[0]
	s.followupQueue = s.followupQueue[1:]
	return msg
}

// AppendTurn records turn at the end of the session's history.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, turn)
}

// TurnCount reports how many turns are in the session's history so far.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.History)
}

// Close marks the session closed and shuts down its event emitter. Further
// calls against the session after Close are the caller's responsibility to
// avoid.
func (s *Session) Close() {
	s.mu.Lock()
	s.State = StateClosed
	s.mu.Unlock()
	s.EventEmitter.Close()
}

// ConvertHistoryToMessages flattens a Session's turn history into the
// message list an LLM provider expects, in chronological order.
func ConvertHistoryToMessages(history []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history))

	for _, turn := range history {
		switch t := turn.(type) {
		case SystemTurn:
			messages = append(messages, llm.SystemMessage(t.Content))

		case UserTurn:
			messages = append(messages, llm.UserMessage(t.Content))

		case AssistantTurn:
			parts := make([]llm.ContentPart, 0)
			if t.Content != "" {
				parts = append(parts, llm.TextPart(t.Content))
			}
			for _, tc := range t.ToolCalls {
				parts = append(parts, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: parts,
			})

		case ToolResultsTurn:
			for _, result := range t.Results {
				messages = append(messages, llm.ToolResultMessage(
					result.ToolCallID,
					result.Content,
					result.IsError,
				))
			}

		case SteeringTurn:
			// Surfaced to the model as a user turn; it has no concept of "steering".
			messages = append(messages, llm.UserMessage(t.Content))
		}
	}

	return messages
}

// DetectLoop reports whether the most recent windowSize tool-call signatures
// form a repeating cycle of period 1, 2, or 3. Fewer than windowSize
// signatures available (not enough tool-call history yet) is never a loop.
func DetectLoop(history []Turn, windowSize int) bool {
	signatures := ExtractToolCallSignatures(history, windowSize)
	if len(signatures) < windowSize {
		return false
	}

	for period := 1; period <= 3; period++ {
		if windowSize%period != 0 {
			continue
		}
		if signaturesCycleWithPeriod(signatures, period) {
			return true
		}
	}

	return false
}

// signaturesCycleWithPeriod reports whether every signature at index i
// equals the one at index i%period, i.e. the slice is period repetitions of
// its own first `period` entries.
func signaturesCycleWithPeriod(signatures []string, period int) bool {
	pattern := signatures[:period]
	for i := period; i < len(signatures); i += period {
		for j := 0; j < period; j++ {
			if signatures[i+j] != pattern[j] {
				return false
			}
		}
	}
	return true
}

// ExtractToolCallSignatures collects the signatures of the last `count` tool
// calls found in AssistantTurn entries, oldest first. A signature is
// "name:sha256(arguments)[:8]" — enough to distinguish calls without
// dragging full argument blobs through loop detection.
func ExtractToolCallSignatures(history []Turn, count int) []string {
	var signatures []string

	for i := len(history) - 1; i >= 0 && len(signatures) < count; i-- {
		at, ok := history[i].(AssistantTurn)
		if !ok {
			continue
		}
		for _, tc := range at.ToolCalls {
			hash := sha256.Sum256(tc.Arguments)
			signatures = append(signatures, fmt.Sprintf("%s:%x", tc.Name, hash[:8]))
		}
	}

	for i, j := 0, len(signatures)-1; i < j; i, j = i+1, j-1 {
		signatures[i], signatures[j] = signatures[j], signatures[i]
	}

	if len(signatures) > count {
		signatures = signatures[len(signatures)-count:]
	}

	return signatures
}
