// ABOUTME: Folds an LLM event stream into a complete llm.Response while mirroring deltas onto the session bus.
// ABOUTME: Text deltas are buffered until 200 chars accumulate before an event is emitted, so chatty providers don't flood subscribers.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basaltrun/attractor/llm"
)

// deltaFlushThreshold: buffered text flushes as one EventAssistantTextDelta
// once it reaches this many characters (or when any non-text event arrives).
const deltaFlushThreshold = 200

// streamAccumulator is the in-flight state of one streamed response.
type streamAccumulator struct {
	text      []byte
	reasoning []byte

	toolCalls []llm.ToolCallData
	// the tool call currently assembling from argument deltas
	curToolID   string
	curToolName string
	curToolArgs []byte

	finishReason *llm.FinishReason
	usage        *llm.Usage

	// metadata lifted from an embedded finish Response
	responseID string
	model      string
	provider   string
}

// finishToolCall seals the in-progress tool call, if any.
func (acc *streamAccumulator) finishToolCall() {
	if acc.curToolID == "" && acc.curToolName == "" {
		return
	}
	acc.toolCalls = append(acc.toolCalls, llm.ToolCallData{
		ID:        acc.curToolID,
		Name:      acc.curToolName,
		Arguments: json.RawMessage(acc.curToolArgs),
	})
	acc.curToolID, acc.curToolName, acc.curToolArgs = "", "", nil
}

// response materializes the accumulated state.
func (acc *streamAccumulator) response() *llm.Response {
	var parts []llm.ContentPart
	if len(acc.reasoning) > 0 {
		parts = append(parts, llm.ContentPart{
			Kind:     llm.ContentThinking,
			Thinking: &llm.ThinkingData{Text: string(acc.reasoning)},
		})
	}
	if len(acc.text) > 0 {
		parts = append(parts, llm.TextPart(string(acc.text)))
	}
	for _, tc := range acc.toolCalls {
		parts = append(parts, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	resp := &llm.Response{
		ID:       acc.responseID,
		Model:    acc.model,
		Provider: acc.provider,
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: parts,
		},
	}
	if acc.finishReason != nil {
		resp.FinishReason = *acc.finishReason
	}
	if acc.usage != nil {
		resp.Usage = *acc.usage
	}
	return resp
}

// consumeStream drains stream into a Response, emitting session events along
// the way. It returns on channel close (normal completion), context
// cancellation, or a stream error event.
func consumeStream(ctx context.Context, session *Session, stream <-chan llm.StreamEvent) (*llm.Response, error) {
	acc := &streamAccumulator{}

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		session.Emit(EventAssistantTextDelta, map[string]any{"text": string(pending)})
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-stream:
			if !ok {
				flush()
				acc.finishToolCall()
				return acc.response(), nil
			}

			// Everything except a text delta forces the buffer out first, so
			// subscribers see text in order relative to other events.
			if ev.Type != llm.StreamTextDelta {
				flush()
			}

			switch ev.Type {
			case llm.StreamTextStart:
				session.Emit(EventAssistantTextStart, nil)

			case llm.StreamTextDelta:
				acc.text = append(acc.text, ev.Delta...)
				pending = append(pending, ev.Delta...)
				if len(pending) >= deltaFlushThreshold {
					flush()
				}

			case llm.StreamReasonDelta:
				acc.reasoning = append(acc.reasoning, ev.ReasoningDelta...)

			case llm.StreamToolStart:
				if ev.ToolCall != nil {
					acc.curToolID = ev.ToolCall.ID
					acc.curToolName = ev.ToolCall.Name
					acc.curToolArgs = nil
				}

			case llm.StreamToolDelta:
				acc.curToolArgs = append(acc.curToolArgs, ev.Delta...)

			case llm.StreamToolEnd:
				acc.finishToolCall()

			case llm.StreamFinish:
				if ev.FinishReason != nil {
					acc.finishReason = ev.FinishReason
				}
				if ev.Usage != nil {
					acc.usage = ev.Usage
				}
				if ev.Response != nil {
					acc.responseID = ev.Response.ID
					acc.model = ev.Response.Model
					acc.provider = ev.Response.Provider
				}

			case llm.StreamErrorEvt:
				if ev.Error != nil {
					return nil, fmt.Errorf("stream error: %w", ev.Error)
				}
				return nil, fmt.Errorf("stream error: unknown")
			}
			// StreamStart / StreamTextEnd / StreamReasonStart / StreamReasonEnd /
			// StreamProviderEvt carry nothing to accumulate.
		}
	}
}
