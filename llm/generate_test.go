// ABOUTME: Generate-loop and stream-accumulator tests, plus GenerateObject's parse contract.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func toolCallResponse(calls ...ToolCall) *Response {
	msg := Message{Role: RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &Response{
		Message:      msg,
		FinishReason: FinishReason{Reason: FinishToolCalls},
		Usage:        Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}
}

func generateClient(responses ...*Response) (*Client, *fakeAdapter) {
	adapter := &fakeAdapter{name: "fake", responses: responses}
	return NewClient(WithProvider("fake", adapter)), adapter
}

func TestGeneratePlainText(t *testing.T) {
	client, adapter := generateClient(textResponse("the answer"))
	result, err := Generate(context.Background(), GenerateOptions{
		Prompt: "the question",
		System: "be brief",
		Client: client,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Text != "the answer" || len(result.Steps) != 1 {
		t.Errorf("result = %+v", result)
	}

	system, rest := ExtractSystemMessages(adapter.calls[0].Messages)
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].TextContent() != "the question" {
		t.Errorf("messages = %+v", rest)
	}
}

func TestGeneratePromptAndMessagesConflict(t *testing.T) {
	client, _ := generateClient()
	_, err := Generate(context.Background(), GenerateOptions{
		Prompt:   "p",
		Messages: []Message{UserMessage("m")},
		Client:   client,
	})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerateToolLoop(t *testing.T) {
	client, adapter := generateClient(
		toolCallResponse(ToolCall{ID: "c1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}),
		textResponse("found it"),
	)

	executed := 0
	result, err := Generate(context.Background(), GenerateOptions{
		Prompt: "search",
		Client: client,
		Tools: []Tool{{
			ToolDefinition: ToolDefinition{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)},
			Execute: func(args json.RawMessage) (string, error) {
				executed++
				return "result-for:" + string(args), nil
			},
		}},
		MaxToolRounds: 3,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if executed != 1 {
		t.Errorf("tool executed %d times", executed)
	}
	if result.Text != "found it" || len(result.Steps) != 2 {
		t.Errorf("result = %+v", result)
	}
	if result.TotalUsage.TotalTokens != 7 {
		t.Errorf("TotalUsage = %+v", result.TotalUsage)
	}

	// round two must carry the assistant's tool call and a tool message
	second := adapter.calls[1].Messages
	sawToolMsg := false
	for _, m := range second {
		if m.Role == RoleTool && m.ToolCallID == "c1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Errorf("tool results not threaded back: %+v", second)
	}
}

func TestGenerateToolErrorBecomesErrorResult(t *testing.T) {
	client, _ := generateClient(
		toolCallResponse(ToolCall{ID: "c1", Name: "broken", Arguments: json.RawMessage(`{}`)}),
		textResponse("recovered"),
	)

	result, err := Generate(context.Background(), GenerateOptions{
		Prompt: "go",
		Client: client,
		Tools: []Tool{{
			ToolDefinition: ToolDefinition{Name: "broken"},
			Execute: func(json.RawMessage) (string, error) {
				return "", fmt.Errorf("it broke")
			},
		}},
		MaxToolRounds: 2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	first := result.Steps[0]
	if len(first.ToolResults) != 1 || !first.ToolResults[0].IsError || first.ToolResults[0].Content != "it broke" {
		t.Errorf("tool results = %+v", first.ToolResults)
	}
}

func TestGenerateUnknownToolGetsErrorResult(t *testing.T) {
	client, _ := generateClient(
		toolCallResponse(ToolCall{ID: "c1", Name: "ghost", Arguments: json.RawMessage(`{}`)}),
		textResponse("ok"),
	)
	result, err := Generate(context.Background(), GenerateOptions{
		Prompt:        "go",
		Client:        client,
		MaxToolRounds: 2,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tr := result.Steps[0].ToolResults
	if len(tr) != 1 || !tr[0].IsError || tr[0].Content != "Unknown tool: ghost" {
		t.Errorf("results = %+v", tr)
	}
}

func TestGenerateStopWhen(t *testing.T) {
	client, adapter := generateClient(
		toolCallResponse(ToolCall{ID: "c1", Name: "t", Arguments: json.RawMessage(`{}`)}),
		toolCallResponse(ToolCall{ID: "c2", Name: "t", Arguments: json.RawMessage(`{}`)}),
		textResponse("never reached"),
	)
	_, err := Generate(context.Background(), GenerateOptions{
		Prompt: "go",
		Client: client,
		Tools: []Tool{{
			ToolDefinition: ToolDefinition{Name: "t"},
			Execute:        func(json.RawMessage) (string, error) { return "x", nil },
		}},
		MaxToolRounds: 5,
		StopWhen:      func(steps []StepResult) bool { return len(steps) >= 1 },
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(adapter.calls) != 1 {
		t.Errorf("StopWhen ignored; %d LLM calls made", len(adapter.calls))
	}
}

func TestGenerateMaxRoundsBounds(t *testing.T) {
	// model wants tools forever; loop must stop at the round cap
	var responses []*Response
	for i := 0; i < 10; i++ {
		responses = append(responses, toolCallResponse(ToolCall{ID: fmt.Sprintf("c%d", i), Name: "t", Arguments: json.RawMessage(`{}`)}))
	}
	client, adapter := generateClient(responses...)

	_, err := Generate(context.Background(), GenerateOptions{
		Prompt: "go",
		Client: client,
		Tools: []Tool{{
			ToolDefinition: ToolDefinition{Name: "t"},
			Execute:        func(json.RawMessage) (string, error) { return "x", nil },
		}},
		MaxToolRounds: 3,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(adapter.calls) != 3 {
		t.Errorf("LLM calls = %d, want the round cap", len(adapter.calls))
	}
}

func TestGenerateObjectParsesJSON(t *testing.T) {
	client, adapter := generateClient(textResponse(`{"name":"widget","count":3}`))
	result, err := GenerateObject(context.Background(), GenerateOptions{
		Prompt: "give me a widget",
		Client: client,
	}, json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("GenerateObject: %v", err)
	}

	parsed, ok := result.Output.(map[string]any)
	if !ok || parsed["name"] != "widget" {
		t.Errorf("Output = %+v", result.Output)
	}
	if adapter.calls[0].ResponseFormat == nil || adapter.calls[0].ResponseFormat.Type != "json_schema" {
		t.Error("response format not requested")
	}
}

func TestGenerateObjectParseFailure(t *testing.T) {
	client, _ := generateClient(textResponse("not json at all"))
	_, err := GenerateObject(context.Background(), GenerateOptions{Prompt: "p", Client: client}, nil)

	var noObj *NoObjectGeneratedError
	if !errors.As(err, &noObj) {
		t.Fatalf("err = %v", err)
	}
	if noObj.RawText != "not json at all" {
		t.Errorf("RawText = %q", noObj.RawText)
	}
}

func TestStreamGenerate(t *testing.T) {
	client, _ := generateClient()
	sr, err := StreamGenerate(context.Background(), GenerateOptions{Prompt: "p", Client: client})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	var sawDelta bool
	for ev := range sr.Events {
		if ev.Type == StreamTextDelta {
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("no deltas from the fake stream")
	}
}

// --- accumulator ---

func TestStreamAccumulatorTextAndTools(t *testing.T) {
	acc := NewStreamAccumulator()
	for _, ev := range []StreamEvent{
		{Type: StreamTextDelta, Delta: "Hello "},
		{Type: StreamTextDelta, Delta: "world"},
		{Type: StreamToolStart, ToolCall: &ToolCall{ID: "t1", Name: "grep"}},
		{Type: StreamToolDelta, Delta: `{"q":`},
		{Type: StreamToolDelta, Delta: `"x"}`},
		{Type: StreamToolEnd},
		{Type: StreamFinish,
			Usage:        &Usage{TotalTokens: 9},
			FinishReason: &FinishReason{Reason: FinishToolCalls}},
	} {
		acc.Process(ev)
	}

	resp := acc.Response()
	if resp.TextContent() != "Hello world" {
		t.Errorf("text = %q", resp.TextContent())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "grep" {
		t.Fatalf("calls = %+v", calls)
	}
	if string(calls[0].Arguments) != `{"q":"x"}` {
		t.Errorf("accumulated args = %s", calls[0].Arguments)
	}
	if resp.Usage.TotalTokens != 9 || resp.FinishReason.Reason != FinishToolCalls {
		t.Errorf("usage/finish = %+v / %+v", resp.Usage, resp.FinishReason)
	}
}
