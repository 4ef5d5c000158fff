// ABOUTME: Direct /v1/messages adapter: hand-rolled HTTP + SSE, no second SDK wrapper.
// ABOUTME: Exists for base-URL overrides (proxies, gateways) that the mux client can't express.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/basaltrun/attractor/llm/sse"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-5"
	anthropicDefaultMaxTok  = 4096
)

// AnthropicAdapter talks to the Messages API over plain net/http.
type AnthropicAdapter struct {
	base  *BaseAdapter
	model string
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*AnthropicAdapter)

// WithAnthropicBaseURL points the adapter at a proxy or gateway.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(a *AnthropicAdapter) {
		a.base.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithAnthropicModel overrides the fallback model for requests that name none.
func WithAnthropicModel(model string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.model = model }
}

// NewAnthropicAdapter builds an adapter authenticated with apiKey. The
// Messages API wants x-api-key + anthropic-version rather than bearer auth,
// so those ride in the default headers and the API key stays out of
// BaseAdapter's Authorization path.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	a := &AnthropicAdapter{
		base:  NewBaseAdapter("", anthropicDefaultBaseURL, DefaultAdapterTimeout()),
		model: anthropicDefaultModel,
	}
	a.base.DefaultHeaders["x-api-key"] = apiKey
	a.base.DefaultHeaders["anthropic-version"] = anthropicAPIVersion
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Close() error { return nil }

// SupportsToolChoice: the Messages API accepts auto, any (our "required"),
// and a named tool.
func (a *AnthropicAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "", ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNamed:
		return true
	}
	return false
}

// --- wire shapes ---

type anthropicMessage struct {
	Role    string              `json:"role"`
	Content []anthropicContent  `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model      string             `json:"model"`
	MaxTokens  int                `json:"max_tokens"`
	System     string             `json:"system,omitempty"`
	Messages   []anthropicMessage `json:"messages"`
	Tools      []anthropicTool    `json:"tools,omitempty"`
	ToolChoice map[string]any     `json:"tool_choice,omitempty"`
	Stream     bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Content    []anthropicContent `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildAnthropicRequest converts the neutral Request. System/developer
// messages lift into the system field; same-role neighbors merge because the
// API insists on strict alternation.
func (a *AnthropicAdapter) buildAnthropicRequest(req Request, stream bool) anthropicRequest {
	systemText, rest := ExtractSystemMessages(req.Messages)

	out := anthropicRequest{
		Model:     req.Model,
		MaxTokens: anthropicDefaultMaxTok,
		System:    systemText,
		Stream:    stream,
	}
	if out.Model == "" {
		out.Model = a.model
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}

	for _, msg := range MergeConsecutiveMessages(rest) {
		wire := anthropicMessage{Role: string(msg.Role)}
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				wire.Content = append(wire.Content, anthropicContent{Type: "text", Text: part.Text})
			case ContentToolCall:
				args := part.ToolCall.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				wire.Content = append(wire.Content, anthropicContent{
					Type:  "tool_use",
					ID:    part.ToolCall.ID,
					Name:  part.ToolCall.Name,
					Input: args,
				})
			case ContentToolResult:
				wire.Content = append(wire.Content, anthropicContent{
					Type:      "tool_result",
					ToolUseID: part.ToolResult.ToolCallID,
					Content:   part.ToolResult.Content,
					IsError:   part.ToolResult.IsError,
				})
			case ContentThinking:
				wire.Content = append(wire.Content, anthropicContent{Type: "thinking", Thinking: part.Thinking.Text})
			case ContentRedactedThinking:
				// redacted blocks don't round-trip; skip
			}
		}
		if len(wire.Content) > 0 {
			out.Messages = append(out.Messages, wire)
		}
	}

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case ToolChoiceRequired:
			out.ToolChoice = map[string]any{"type": "any"}
		case ToolChoiceNamed:
			out.ToolChoice = map[string]any{"type": "tool", "name": req.ToolChoice.ToolName}
		case ToolChoiceNone:
			out.Tools = nil
		}
	}

	return out
}

// Complete performs one non-streaming call.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	httpResp, err := a.base.DoRequest(ctx, http.MethodPost, "/v1/messages", a.buildAnthropicRequest(req, false), nil)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: err.Error(), Cause: err}}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: "reading response body", Cause: err}}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, anthropicError(httpResp, body)
	}

	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ProviderError{
			SDKError:   SDKError{Message: fmt.Sprintf("undecodable response: %v", err), Cause: err},
			StatusCode: httpResp.StatusCode,
		}
	}

	return anthropicToResponse(&wire, a.base.ParseRateLimitHeaders(httpResp.Header)), nil
}

// anthropicError classifies a non-200 into the SDK taxonomy, pulling the
// provider's message out of the error envelope when one decodes.
func anthropicError(resp *http.Response, body []byte) error {
	message := strings.TrimSpace(string(body))
	var envelope anthropicResponse
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		message = envelope.Error.Message
	}
	var retryAfter *float64
	if v := resp.Header.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = &secs
		}
	}
	return ErrorFromStatusCode(resp.StatusCode, message, "anthropic", "", json.RawMessage(body), retryAfter)
}

// anthropicToResponse maps the wire response back to the neutral shape.
func anthropicToResponse(wire *anthropicResponse, rl *RateLimitInfo) *Response {
	resp := &Response{
		ID:       wire.ID,
		Model:    wire.Model,
		Provider: "anthropic",
		Message: Message{
			Role: RoleAssistant,
		},
		Usage: Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		RateLimit: rl,
	}

	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			resp.Message.Content = append(resp.Message.Content, TextPart(block.Text))
		case "thinking":
			resp.Message.Content = append(resp.Message.Content, ThinkingPart(block.Thinking, ""))
		case "tool_use":
			resp.Message.Content = append(resp.Message.Content, ToolCallPart(block.ID, block.Name, block.Input))
		}
	}

	switch wire.StopReason {
	case "end_turn", "stop_sequence":
		resp.FinishReason = FinishReason{Reason: FinishStop, Raw: wire.StopReason}
	case "tool_use":
		resp.FinishReason = FinishReason{Reason: FinishToolCalls, Raw: wire.StopReason}
	case "max_tokens":
		resp.FinishReason = FinishReason{Reason: FinishLength, Raw: wire.StopReason}
	default:
		resp.FinishReason = FinishReason{Reason: FinishOther, Raw: wire.StopReason}
	}

	return resp
}

// --- streaming ---

// anthropicStreamEvent is the subset of SSE payloads the adapter reads.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message anthropicResponse `json:"message"`
	Usage   struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Stream opens a streaming call and adapts the SSE event stream onto
// StreamEvent. The final StreamFinish event carries the assembled Response.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	httpResp, err := a.base.DoRequest(ctx, http.MethodPost, "/v1/messages", a.buildAnthropicRequest(req, true), nil)
	if err != nil {
		return nil, &NetworkError{SDKError: SDKError{Message: err.Error(), Cause: err}}
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(httpResp.Body)
		return nil, anthropicError(httpResp, body)
	}

	events := make(chan StreamEvent, 32)
	go a.consumeStream(httpResp.Body, events)
	return events, nil
}

// consumeStream walks the SSE stream, forwarding deltas and accumulating the
// final response. Runs on its own goroutine; closes both body and channel.
func (a *AnthropicAdapter) consumeStream(body io.ReadCloser, events chan<- StreamEvent) {
	defer body.Close()
	defer close(events)

	parser := sse.NewParser(body)
	final := &anthropicResponse{}
	// per-index accumulation for tool_use argument fragments
	toolArgs := map[int]*strings.Builder{}
	toolMeta := map[int]anthropicContent{}
	var textParts []string

	events <- StreamEvent{Type: StreamStart}

	for {
		evt, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			events <- StreamEvent{Type: StreamErrorEvt, Error: &StreamError{SDKError: SDKError{Message: err.Error(), Cause: err}}}
			return
		}

		var payload anthropicStreamEvent
		if json.Unmarshal([]byte(evt.Data), &payload) != nil {
			continue
		}

		switch payload.Type {
		case "message_start":
			final.ID = payload.Message.ID
			final.Model = payload.Message.Model
			final.Usage.InputTokens = payload.Message.Usage.InputTokens

		case "content_block_start":
			if payload.ContentBlock.Type == "tool_use" {
				toolMeta[payload.Index] = anthropicContent{
					ID:   payload.ContentBlock.ID,
					Name: payload.ContentBlock.Name,
				}
				toolArgs[payload.Index] = &strings.Builder{}
				events <- StreamEvent{Type: StreamToolStart, ToolCall: &ToolCall{ID: payload.ContentBlock.ID, Name: payload.ContentBlock.Name}}
			} else {
				events <- StreamEvent{Type: StreamTextStart}
			}

		case "content_block_delta":
			switch payload.Delta.Type {
			case "text_delta":
				textParts = append(textParts, payload.Delta.Text)
				events <- StreamEvent{Type: StreamTextDelta, Delta: payload.Delta.Text}
			case "thinking_delta":
				events <- StreamEvent{Type: StreamReasonDelta, ReasoningDelta: payload.Delta.Thinking}
			case "input_json_delta":
				if b := toolArgs[payload.Index]; b != nil {
					b.WriteString(payload.Delta.PartialJSON)
				}
				events <- StreamEvent{Type: StreamToolDelta, Delta: payload.Delta.PartialJSON}
			}

		case "content_block_end", "content_block_stop":
			if meta, ok := toolMeta[payload.Index]; ok {
				args := "{}"
				if b := toolArgs[payload.Index]; b != nil && b.Len() > 0 {
					args = b.String()
				}
				meta.Type = "tool_use"
				meta.Input = json.RawMessage(args)
				final.Content = append(final.Content, meta)
				delete(toolMeta, payload.Index)
				events <- StreamEvent{Type: StreamToolEnd, ToolCall: &ToolCall{ID: meta.ID, Name: meta.Name, Arguments: meta.Input}}
			} else {
				events <- StreamEvent{Type: StreamTextEnd}
			}

		case "message_delta":
			if payload.Delta.StopReason != "" {
				final.StopReason = payload.Delta.StopReason
			}
			if payload.Usage.OutputTokens > 0 {
				final.Usage.OutputTokens = payload.Usage.OutputTokens
			}

		case "error":
			events <- StreamEvent{Type: StreamErrorEvt, Error: &StreamError{SDKError: SDKError{Message: evt.Data}}}
			return
		}
	}

	if len(textParts) > 0 {
		final.Content = append([]anthropicContent{{Type: "text", Text: strings.Join(textParts, "")}}, final.Content...)
	}
	events <- StreamEvent{Type: StreamFinish, Response: anthropicToResponse(final, nil)}
}

var _ ProviderAdapter = (*AnthropicAdapter)(nil)
var _ ToolChoiceChecker = (*AnthropicAdapter)(nil)
