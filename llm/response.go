// ABOUTME: The response half of the data model: Response, usage accounting,
// ABOUTME: finish reasons, rate-limit echoes, and the stream event union.

package llm

import (
	"encoding/json"
	"time"
)

// FinishReason records why generation stopped: the normalized reason plus
// the provider's raw string.
type FinishReason struct {
	Reason string `json:"reason"` // unified: stop, length, tool_calls, content_filter, error, other
	Raw    string `json:"raw,omitempty"`
}

const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
	FinishOther         = "other"
)

// Usage is one call's token accounting.
type Usage struct {
	InputTokens      int              `json:"input_tokens"`
	OutputTokens     int              `json:"output_tokens"`
	TotalTokens      int              `json:"total_tokens"`
	ReasoningTokens  *int             `json:"reasoning_tokens,omitempty"`
	CacheReadTokens  *int             `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int             `json:"cache_write_tokens,omitempty"`
	Raw              *json.RawMessage `json:"raw,omitempty"`
}

// Add sums two Usage values field-wise.
func (u Usage) Add(other Usage) Usage {
	result := Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
	result.ReasoningTokens = addOptionalInt(u.ReasoningTokens, other.ReasoningTokens)
	result.CacheReadTokens = addOptionalInt(u.CacheReadTokens, other.CacheReadTokens)
	result.CacheWriteTokens = addOptionalInt(u.CacheWriteTokens, other.CacheWriteTokens)
	return result
}

// addOptionalInt treats nil as "not reported": nil+nil stays nil, anything
// else sums with nil as zero.
func addOptionalInt(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	val := 0
	if a != nil {
		val += *a
	}
	if b != nil {
		val += *b
	}
	return &val
}

// Warning is a non-fatal note attached to a response.
type Warning struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// RateLimitInfo mirrors the provider's rate-limit response headers.
type RateLimitInfo struct {
	RequestsRemaining *int       `json:"requests_remaining,omitempty"`
	RequestsLimit     *int       `json:"requests_limit,omitempty"`
	TokensRemaining   *int       `json:"tokens_remaining,omitempty"`
	TokensLimit       *int       `json:"tokens_limit,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
}

// ToolCall is a tool invocation lifted out of a response.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    json.RawMessage `json:"arguments"`
	RawArguments string          `json:"raw_arguments,omitempty"`
}

// ToolResult is a tool execution's output, ready to send back.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Response is what Complete returns, provider differences normalized away.
type Response struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Message      Message         `json:"message"`
	FinishReason FinishReason    `json:"finish_reason"`
	Usage        Usage           `json:"usage"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	Warnings     []Warning       `json:"warnings,omitempty"`
	RateLimit    *RateLimitInfo  `json:"rate_limit,omitempty"`
}

// Message accessors, delegated so callers don't reach through.

func (r *Response) TextContent() string {
	return r.Message.TextContent()
}

func (r *Response) ToolCalls() []ToolCallData {
	return r.Message.ToolCalls()
}

func (r *Response) Reasoning() string {
	return r.Message.ReasoningContent()
}

// StreamEventType classifies streaming events.
type StreamEventType string

const (
	StreamStart       StreamEventType = "stream_start"
	StreamTextStart   StreamEventType = "text_start"
	StreamTextDelta   StreamEventType = "text_delta"
	StreamTextEnd     StreamEventType = "text_end"
	StreamReasonStart StreamEventType = "reasoning_start"
	StreamReasonDelta StreamEventType = "reasoning_delta"
	StreamReasonEnd   StreamEventType = "reasoning_end"
	StreamToolStart   StreamEventType = "tool_call_start"
	StreamToolDelta   StreamEventType = "tool_call_delta"
	StreamToolEnd     StreamEventType = "tool_call_end"
	StreamFinish      StreamEventType = "finish"
	StreamErrorEvt    StreamEventType = "error"
	StreamProviderEvt StreamEventType = "provider_event"
)

// StreamEvent is one delta or terminal event on a stream.
type StreamEvent struct {
	Type           StreamEventType  `json:"type"`
	Delta          string           `json:"delta,omitempty"`
	TextID         string           `json:"text_id,omitempty"`
	ReasoningDelta string           `json:"reasoning_delta,omitempty"`
	ToolCall       *ToolCall        `json:"tool_call,omitempty"`
	FinishReason   *FinishReason    `json:"finish_reason,omitempty"`
	Usage          *Usage           `json:"usage,omitempty"`
	Response       *Response        `json:"response,omitempty"`
	Error          error            `json:"-"`
	Raw            *json.RawMessage `json:"raw,omitempty"`
}
