// ABOUTME: The request half of the data model: Request, tool definitions, tool
// ABOUTME: choice, response formats, and the timeout knobs.

package llm

import (
	"encoding/json"
	"time"
)

// ToolDefinition is the name/description/schema triple advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema with root "type": "object"
}

// Tool pairs a definition with an optional executor.
type Tool struct {
	ToolDefinition
	Execute func(args json.RawMessage) (string, error) `json:"-"`
}

// IsActive reports whether the tool can actually run.
func (t *Tool) IsActive() bool {
	return t.Execute != nil
}

// ToolChoice constrains the model's tool use.
type ToolChoice struct {
	Mode     string `json:"mode"`                // "auto", "none", "required", "named"
	ToolName string `json:"tool_name,omitempty"` // required when mode is "named"
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

// ResponseFormat asks for a particular output shape (e.g. JSON).
type ResponseFormat struct {
	Type       string          `json:"type"` // "text", "json", or "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
	Strict     bool            `json:"strict,omitempty"`
}

// Request is the one input shape shared by Complete and Stream.
type Request struct {
	Model           string            `json:"model"`
	Messages        []Message         `json:"messages"`
	Provider        string            `json:"provider,omitempty"`
	Tools           []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice      *ToolChoice       `json:"tool_choice,omitempty"`
	ResponseFormat  *ResponseFormat   `json:"response_format,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	MaxTokens       *int              `json:"max_tokens,omitempty"`
	StopSequences   []string          `json:"stop_sequences,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"` // "none", "low", "medium", "high"
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProviderOptions map[string]any    `json:"provider_options,omitempty"`
}

// TimeoutConfig bounds a generation call.
type TimeoutConfig struct {
	Total   time.Duration `json:"total,omitempty"`
	PerStep time.Duration `json:"per_step,omitempty"`
}

// AdapterTimeout bounds adapter HTTP activity.
type AdapterTimeout struct {
	Connect    time.Duration `json:"connect"`
	Request    time.Duration `json:"request"`
	StreamRead time.Duration `json:"stream_read"`
}

// DefaultAdapterTimeout is the stock adapter timeout set.
func DefaultAdapterTimeout() AdapterTimeout {
	return AdapterTimeout{
		Connect:    10 * time.Second,
		Request:    120 * time.Second,
		StreamRead: 30 * time.Second,
	}
}

// pointer helpers, for the optional Request fields

func IntPtr(v int) *int             { return &v }
func Float64Ptr(v float64) *float64 { return &v }
