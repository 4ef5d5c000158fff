// ABOUTME: muxllm.Client backed by the Chat Completions API, with base-URL override support.
// ABOUTME: The override is what makes Cerebras, OpenRouter, AI-Gateway and friends reachable.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const compatDefaultMaxTokens = 4096

// OpenAICompatClient speaks Chat Completions through the openai-go SDK. mux's
// own OpenAIClient can't point at a different host; this one can, which is
// the whole reason it exists.
type OpenAICompatClient struct {
	client openai.Client
	model  string
}

// NewOpenAICompatClient targets /v1/chat/completions (not /v1/responses),
// since that's the endpoint every compatible provider actually implements.
func NewOpenAICompatClient(apiKey, model, baseURL string) *OpenAICompatClient {
	if model == "" {
		model = "gpt-5.2"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// params converts a mux Request, filling in the client's model and a
// max-tokens default when the request leaves them blank.
func (c *OpenAICompatClient) params(req *muxllm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = compatDefaultMaxTokens
	}

	out := openai.ChatCompletionNewParams{
		Model:               model,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		out.Temperature = openai.Float(*req.Temperature)
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, compatMessage(msg))
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.InputSchema),
			},
		})
	}

	return out
}

// compatMessage maps one mux message onto the Chat Completions union. Tool
// results travel as user messages in mux; here they become tool-role
// messages, which is what the API requires.
func compatMessage(msg muxllm.Message) openai.ChatCompletionMessageParamUnion {
	if msg.Role == muxllm.RoleAssistant {
		return compatAssistantMessage(msg)
	}

	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeToolResult {
			return openai.ToolMessage(block.Text, block.ToolUseID)
		}
	}
	return openai.UserMessage(compatText(msg))
}

// compatText flattens a message to its first text content.
func compatText(msg muxllm.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeText {
			return block.Text
		}
	}
	return ""
}

func compatAssistantMessage(msg muxllm.Message) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, block := range msg.Blocks {
		if block.Type != muxllm.ContentTypeToolUse {
			continue
		}
		argsJSON, _ := json.Marshal(block.Input)
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   block.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      block.Name,
				Arguments: string(argsJSON),
			},
		})
	}

	text := compatText(msg)
	if len(toolCalls) == 0 {
		return openai.AssistantMessage(text)
	}

	wire := openai.ChatCompletionAssistantMessageParam{
		Role:      "assistant",
		ToolCalls: toolCalls,
	}
	if text != "" {
		wire.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &wire}
}

// compatToolInput decodes tool-call arguments, degrading to an empty input
// when the model emitted unparseable JSON.
func compatToolInput(name, args string) map[string]any {
	var input map[string]any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		log.Printf("openai compat: unparseable tool call arguments for %q: %v", name, err)
		return map[string]any{}
	}
	return input
}

// compatResponse maps the SDK response (first choice only) back to mux's
// shape.
func compatResponse(resp *openai.ChatCompletion) *muxllm.Response {
	result := &muxllm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: muxllm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: muxllm.StopReasonEndTurn,
	}
	if len(resp.Choices) == 0 {
		return result
	}
	choice := resp.Choices[0]

	switch choice.FinishReason {
	case "tool_calls":
		result.StopReason = muxllm.StopReasonToolUse
	case "length":
		result.StopReason = muxllm.StopReasonMaxTokens
	}

	if choice.Message.Content != "" {
		result.Content = append(result.Content, muxllm.ContentBlock{
			Type: muxllm.ContentTypeText,
			Text: choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		result.Content = append(result.Content, muxllm.ContentBlock{
			Type:  muxllm.ContentTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: compatToolInput(tc.Function.Name, tc.Function.Arguments),
		})
	}
	return result
}

// CreateMessage performs one non-streaming completion.
func (c *OpenAICompatClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, err
	}
	return compatResponse(resp), nil
}

// CreateMessageStream opens a streaming completion and adapts the SDK's
// chunk stream onto mux's event channel.
func (c *OpenAICompatClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(req))
	events := make(chan muxllm.StreamEvent, 100)
	go pumpCompatStream(stream, events)
	return events, nil
}

// compatChunkStream is the slice of the SDK stream the pump needs; real runs
// pass *ssestream.Stream[openai.ChatCompletionChunk].
type compatChunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
}

// pumpCompatStream forwards chunks as mux events. Text deltas stream as they
// arrive; tool calls surface whole, once the accumulator has all their
// argument fragments.
func pumpCompatStream(stream compatChunkStream, events chan<- muxllm.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			events <- muxllm.StreamEvent{
				Type:  muxllm.EventError,
				Error: fmt.Errorf("panic in stream processing: %v", r),
			}
		}
		close(events)
	}()

	var acc openai.ChatCompletionAccumulator
	events <- muxllm.StreamEvent{Type: muxllm.EventMessageStart}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			events <- muxllm.StreamEvent{
				Type: muxllm.EventContentDelta,
				Text: chunk.Choices[0].Delta.Content,
			}
		}

		if call, ok := acc.JustFinishedToolCall(); ok {
			events <- muxllm.StreamEvent{
				Type: muxllm.EventContentStop,
				Block: &muxllm.ContentBlock{
					Type:  muxllm.ContentTypeToolUse,
					ID:    call.ID,
					Name:  call.Name,
					Input: compatToolInput(call.Name, call.Arguments),
				},
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- muxllm.StreamEvent{Type: muxllm.EventError, Error: err}
		return
	}
	events <- muxllm.StreamEvent{Type: muxllm.EventMessageStop, Response: compatResponse(&acc.ChatCompletion)}
}

var _ muxllm.Client = (*OpenAICompatClient)(nil)
