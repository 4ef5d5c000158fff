// ABOUTME: Bridges a mux/llm.Client into the ProviderAdapter contract.
// ABOUTME: One adapter fronts every mux-supported provider; 429s retry with their own backoff curve.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	muxllm "github.com/2389-research/mux/llm"
)

// MuxAdapter makes a mux client usable wherever a ProviderAdapter is
// expected. All type translation lives here; neither side knows about the
// other.
type MuxAdapter struct {
	client muxllm.Client
	name   string

	// retry tunes the rate-limit backoff. The zero value is replaced with
	// muxRateLimitPolicy at construction.
	retry RetryPolicy
}

// muxRateLimitPolicy: 5 retries, 2s base tripling to a 90s cap. The
// underlying SDKs surface 429s as opaque errors, so backoff is the only
// recovery available at this layer.
func muxRateLimitPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          90 * time.Second,
		BackoffMultiplier: 3.0,
		Jitter:            true,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			log.Printf("component=llm.mux action=rate_limit_retry attempt=%d delay=%s err=%v", attempt+1, delay, err)
		},
	}
}

func NewMuxAdapter(name string, client muxllm.Client) *MuxAdapter {
	return &MuxAdapter{name: name, client: client, retry: muxRateLimitPolicy()}
}

func (a *MuxAdapter) Name() string { return a.name }

// Close is a no-op; mux clients hold no closable resources.
func (a *MuxAdapter) Close() error { return nil }

// looksRateLimited sniffs 429-ish errors out of the SDKs' message text.
func looksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit")
}

// withRateLimitRetry runs fn, sleeping and re-running on rate-limit errors
// until the policy's budget runs out. Other errors return immediately.
func (a *MuxAdapter) withRateLimitRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !looksRateLimited(err) || attempt >= a.retry.MaxRetries {
			return err
		}

		delay := a.retry.CalculateDelay(attempt)
		if a.retry.OnRetry != nil {
			a.retry.OnRetry(err, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// Complete round-trips one request through the mux client.
func (a *MuxAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	var muxResp *muxllm.Response
	err := a.withRateLimitRetry(ctx, func() error {
		var callErr error
		muxResp, callErr = a.client.CreateMessage(ctx, a.toMuxRequest(req))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("mux adapter complete: %w", err)
	}
	return a.fromMuxResponse(muxResp), nil
}

// Stream opens a mux stream and forwards events, re-typing each one. Only
// the initial connection retries on 429; an established stream that dies
// surfaces its error to the consumer.
func (a *MuxAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	var muxCh <-chan muxllm.StreamEvent
	err := a.withRateLimitRetry(ctx, func() error {
		var callErr error
		muxCh, callErr = a.client.CreateMessageStream(ctx, a.toMuxRequest(req))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("mux adapter stream: %w", err)
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		// Delta and stop events don't say what kind of block they belong to;
		// remember the last content_block_start so they map correctly.
		var inToolBlock bool
		for muxEvt := range muxCh {
			if muxEvt.Type == muxllm.EventContentStart && muxEvt.Block != nil {
				inToolBlock = muxEvt.Block.Type == muxllm.ContentTypeToolUse
			}

			select {
			case out <- a.fromMuxStreamEvent(muxEvt, inToolBlock):
			case <-ctx.Done():
				return
			}

			if muxEvt.Type == muxllm.EventContentStop {
				inToolBlock = false
			}
		}
	}()
	return out, nil
}

// --- request translation ---

// toMuxRequest lifts system/developer text into mux's System field and
// re-types messages and tools.
func (a *MuxAdapter) toMuxRequest(req Request) *muxllm.Request {
	systemText, rest := ExtractSystemMessages(req.Messages)

	muxReq := &muxllm.Request{
		Model:       req.Model,
		System:      systemText,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil {
		muxReq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range rest {
		muxReq.Messages = append(muxReq.Messages, a.toMuxMessage(msg))
	}

	for _, tool := range req.Tools {
		var schema map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				log.Printf("mux adapter: failed to unmarshal tool parameters for %q: %v", tool.Name, err)
			}
		}
		muxReq.Tools = append(muxReq.Tools, muxllm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return muxReq
}

// toMuxMessage re-types one message. Tool-role messages become user messages
// carrying tool_result blocks (the Anthropic-style shape mux expects), and a
// lone text part keeps the simpler Content-string form.
func (a *MuxAdapter) toMuxMessage(msg Message) muxllm.Message {
	out := muxllm.Message{Role: muxllm.RoleUser}
	if msg.Role == RoleAssistant {
		out.Role = muxllm.RoleAssistant
	}

	if len(msg.Content) == 1 && msg.Content[0].Kind == ContentText {
		out.Content = msg.Content[0].Text
		return out
	}

	for _, part := range msg.Content {
		switch part.Kind {
		case ContentText:
			out.Blocks = append(out.Blocks, muxllm.ContentBlock{
				Type: muxllm.ContentTypeText,
				Text: part.Text,
			})

		case ContentToolCall:
			if part.ToolCall == nil {
				continue
			}
			var input map[string]any
			if len(part.ToolCall.Arguments) > 0 {
				if err := json.Unmarshal(part.ToolCall.Arguments, &input); err != nil {
					log.Printf("mux adapter: failed to unmarshal tool call arguments for %q: %v", part.ToolCall.Name, err)
				}
			}
			out.Blocks = append(out.Blocks, muxllm.ContentBlock{
				Type:  muxllm.ContentTypeToolUse,
				ID:    part.ToolCall.ID,
				Name:  part.ToolCall.Name,
				Input: input,
			})

		case ContentToolResult:
			if part.ToolResult == nil {
				continue
			}
			out.Blocks = append(out.Blocks, muxllm.ContentBlock{
				Type:      muxllm.ContentTypeToolResult,
				ToolUseID: part.ToolResult.ToolCallID,
				Text:      part.ToolResult.Content,
				IsError:   part.ToolResult.IsError,
			})
		}
		// thinking / media parts have no mux representation and are dropped
	}
	return out
}

// --- response translation ---

func (a *MuxAdapter) fromMuxResponse(resp *muxllm.Response) *Response {
	out := &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.name,
		Message:      Message{Role: RoleAssistant},
		FinishReason: fromMuxStopReason(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case muxllm.ContentTypeText:
			out.Message.Content = append(out.Message.Content, TextPart(block.Text))
		case muxllm.ContentTypeToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.Message.Content = append(out.Message.Content, ToolCallPart(block.ID, block.Name, args))
		case muxllm.ContentTypeToolResult:
			out.Message.Content = append(out.Message.Content, ToolResultPart(block.ToolUseID, block.Text, block.IsError))
		}
	}

	return out
}

func fromMuxStopReason(reason muxllm.StopReason) FinishReason {
	raw := string(reason)
	switch reason {
	case muxllm.StopReasonEndTurn:
		return FinishReason{Reason: FinishStop, Raw: raw}
	case muxllm.StopReasonToolUse:
		return FinishReason{Reason: FinishToolCalls, Raw: raw}
	case muxllm.StopReasonMaxTokens:
		return FinishReason{Reason: FinishLength, Raw: raw}
	}
	return FinishReason{Reason: FinishOther, Raw: raw}
}

func muxUsagePtr(resp *muxllm.Response) *Usage {
	if resp == nil {
		return nil
	}
	return &Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
}

// fromMuxStreamEvent re-types one stream event; inToolBlock disambiguates
// deltas and stops, which mux leaves untyped.
func (a *MuxAdapter) fromMuxStreamEvent(evt muxllm.StreamEvent, inToolBlock bool) StreamEvent {
	switch evt.Type {
	case muxllm.EventMessageStart:
		se := StreamEvent{Type: StreamStart}
		// Anthropic reports input tokens up front; keep them.
		if evt.Response != nil && (evt.Response.Usage.InputTokens > 0 || evt.Response.Usage.OutputTokens > 0) {
			se.Usage = muxUsagePtr(evt.Response)
		}
		return se

	case muxllm.EventContentStart:
		if evt.Block != nil && evt.Block.Type == muxllm.ContentTypeToolUse {
			return StreamEvent{
				Type:     StreamToolStart,
				ToolCall: &ToolCall{ID: evt.Block.ID, Name: evt.Block.Name},
			}
		}
		return StreamEvent{Type: StreamTextStart}

	case muxllm.EventContentDelta:
		if inToolBlock {
			return StreamEvent{Type: StreamToolDelta, Delta: evt.Text}
		}
		return StreamEvent{Type: StreamTextDelta, Delta: evt.Text}

	case muxllm.EventContentStop:
		// compat-style clients surface whole tool calls on the stop event
		if evt.Block != nil && evt.Block.Type == muxllm.ContentTypeToolUse {
			args, err := json.Marshal(evt.Block.Input)
			if err != nil {
				args = []byte("{}")
			}
			return StreamEvent{
				Type:     StreamToolEnd,
				ToolCall: &ToolCall{ID: evt.Block.ID, Name: evt.Block.Name, Arguments: args},
			}
		}
		if inToolBlock {
			return StreamEvent{Type: StreamToolEnd}
		}
		return StreamEvent{Type: StreamTextEnd}

	case muxllm.EventMessageDelta, muxllm.EventMessageStop:
		se := StreamEvent{Type: StreamFinish}
		if evt.Response != nil {
			fr := fromMuxStopReason(evt.Response.StopReason)
			se.FinishReason = &fr
			se.Usage = muxUsagePtr(evt.Response)
		}
		return se

	case muxllm.EventError:
		return StreamEvent{Type: StreamErrorEvt, Error: evt.Error}
	}

	return StreamEvent{Type: StreamProviderEvt}
}

var _ ProviderAdapter = (*MuxAdapter)(nil)
