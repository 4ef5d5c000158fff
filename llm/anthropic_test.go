// ABOUTME: Anthropic adapter tests against a stub Messages API: request shape, conversion, errors, SSE.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// anthropicStub runs a fake /v1/messages endpoint and records what arrived.
func anthropicStub(t *testing.T, status int, body string) (*AnthropicAdapter, *anthropicRequest) {
	t.Helper()
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	return NewAnthropicAdapter("test-key", WithAnthropicBaseURL(server.URL)), &captured
}

const anthropicOKBody = `{
	"id": "msg_1",
	"model": "claude-sonnet-4-5",
	"stop_reason": "end_turn",
	"content": [{"type": "text", "text": "hello back"}],
	"usage": {"input_tokens": 12, "output_tokens": 4}
}`

func TestAnthropicCompleteRoundTrip(t *testing.T) {
	adapter, captured := anthropicStub(t, 200, anthropicOKBody)

	maxTok := 99
	resp, err := adapter.Complete(context.Background(), Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: &maxTok,
		Messages: []Message{
			SystemMessage("stay calm"),
			UserMessage("hello"),
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// request conversion
	if captured.System != "stay calm" {
		t.Errorf("system = %q", captured.System)
	}
	if captured.MaxTokens != 99 {
		t.Errorf("max_tokens = %d", captured.MaxTokens)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", captured.Messages)
	}

	// response conversion
	if resp.TextContent() != "hello back" {
		t.Errorf("text = %q", resp.TextContent())
	}
	if resp.FinishReason.Reason != FinishStop || resp.Usage.TotalTokens != 16 {
		t.Errorf("finish=%+v usage=%+v", resp.FinishReason, resp.Usage)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("provider = %q", resp.Provider)
	}
}

func TestAnthropicToolRoundTrip(t *testing.T) {
	body := `{
		"id": "msg_2", "stop_reason": "tool_use",
		"content": [{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "docs"}}],
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`
	adapter, captured := anthropicStub(t, 200, body)

	resp, err := adapter.Complete(context.Background(), Request{
		Messages: []Message{
			UserMessage("find docs"),
			{Role: RoleAssistant, Content: []ContentPart{
				ToolCallPart("prev", "search", json.RawMessage(`{"q":"old"}`)),
			}},
			ToolResultMessage("prev", "old result", false),
		},
		Tools: []ToolDefinition{{Name: "search", Description: "find things", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// tools advertised on the wire
	if len(captured.Tools) != 1 || captured.Tools[0].Name != "search" {
		t.Errorf("wire tools = %+v", captured.Tools)
	}
	// tool result became a tool_result block on a user message
	foundResult := false
	for _, m := range captured.Messages {
		for _, block := range m.Content {
			if block.Type == "tool_result" && block.ToolUseID == "prev" {
				foundResult = true
			}
		}
	}
	if !foundResult {
		t.Errorf("tool result not converted: %+v", captured.Messages)
	}

	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].ID != "tu_1" {
		t.Errorf("calls = %+v", calls)
	}
	if resp.FinishReason.Reason != FinishToolCalls {
		t.Errorf("finish = %+v", resp.FinishReason)
	}
}

func TestAnthropicErrorClassification(t *testing.T) {
	adapter, _ := anthropicStub(t, 429, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("x")}})

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %T %v", err, err)
	}
	if !strings.Contains(rl.Error(), "slow down") {
		t.Errorf("provider message lost: %v", rl)
	}

	adapter, _ = anthropicStub(t, 401, `{"error":{"type":"authentication_error","message":"bad key"}}`)
	_, err = adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("x")}})
	var auth *AuthenticationError
	if !errors.As(err, &auth) {
		t.Fatalf("err = %T", err)
	}
}

func TestAnthropicStream(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_s","model":"m","usage":{"input_tokens":7}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
	}, "\n") + "\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer server.Close()

	adapter := NewAnthropicAdapter("k", WithAnthropicBaseURL(server.URL))
	events, err := adapter.Stream(context.Background(), Request{Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var deltas []string
	var final *Response
	for ev := range events {
		switch ev.Type {
		case StreamTextDelta:
			deltas = append(deltas, ev.Delta)
		case StreamFinish:
			final = ev.Response
		case StreamErrorEvt:
			t.Fatalf("stream error: %v", ev.Error)
		}
	}

	if strings.Join(deltas, "") != "Hi there" {
		t.Errorf("deltas = %v", deltas)
	}
	if final == nil {
		t.Fatal("no finish event")
	}
	if final.TextContent() != "Hi there" || final.FinishReason.Reason != FinishStop {
		t.Errorf("final = %+v", final)
	}
	if final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestAnthropicToolChoiceMapping(t *testing.T) {
	a := NewAnthropicAdapter("k")

	req := a.buildAnthropicRequest(Request{
		Messages:   []Message{UserMessage("x")},
		Tools:      []ToolDefinition{{Name: "t"}},
		ToolChoice: &ToolChoice{Mode: ToolChoiceRequired},
	}, false)
	if req.ToolChoice["type"] != "any" {
		t.Errorf("required -> %v", req.ToolChoice)
	}

	req = a.buildAnthropicRequest(Request{
		Messages:   []Message{UserMessage("x")},
		Tools:      []ToolDefinition{{Name: "t"}},
		ToolChoice: &ToolChoice{Mode: ToolChoiceNamed, ToolName: "t"},
	}, false)
	if req.ToolChoice["type"] != "tool" || req.ToolChoice["name"] != "t" {
		t.Errorf("named -> %v", req.ToolChoice)
	}

	req = a.buildAnthropicRequest(Request{
		Messages:   []Message{UserMessage("x")},
		Tools:      []ToolDefinition{{Name: "t"}},
		ToolChoice: &ToolChoice{Mode: ToolChoiceNone},
	}, false)
	if len(req.Tools) != 0 {
		t.Error("none should drop the tools")
	}
}

func TestAnthropicDefaultsApplied(t *testing.T) {
	a := NewAnthropicAdapter("k", WithAnthropicModel("custom-model"))
	req := a.buildAnthropicRequest(Request{Messages: []Message{UserMessage("x")}}, false)
	if req.Model != "custom-model" {
		t.Errorf("model = %q", req.Model)
	}
	if req.MaxTokens != anthropicDefaultMaxTok {
		t.Errorf("max_tokens = %d", req.MaxTokens)
	}
}
