// ABOUTME: The high-level surface: Generate (with a tool loop), StreamGenerate, and GenerateObject.
// ABOUTME: Tool calls in one step execute concurrently; results come back in call order.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// StopCondition looks at the steps so far and decides whether the tool loop
// should end early.
type StopCondition func(steps []StepResult) bool

// StepResult is one iteration of the generate loop.
type StepResult struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallData
	ToolResults  []ToolResult
	FinishReason FinishReason
	Usage        Usage
	Response     *Response
	Warnings     []Warning
}

// GenerateResult aggregates every step of a Generate call. The top-level
// fields mirror the final step; TotalUsage sums the whole loop.
type GenerateResult struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCallData
	ToolResults  []ToolResult
	FinishReason FinishReason
	Usage        Usage
	TotalUsage   Usage
	Steps        []StepResult
	Response     *Response
	Output       any // GenerateObject's parsed value
}

// GenerateOptions parameterizes Generate, StreamGenerate, and GenerateObject.
type GenerateOptions struct {
	Model           string
	Prompt          string    // simple text prompt (mutually exclusive with Messages)
	Messages        []Message // full message history
	System          string
	Tools           []Tool
	ToolChoice      *ToolChoice
	MaxToolRounds   int // default 1
	StopWhen        StopCondition
	ResponseFormat  *ResponseFormat
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	StopSequences   []string
	ReasoningEffort string
	Provider        string
	ProviderOptions map[string]any
	MaxRetries      int // default 2
	Timeout         *TimeoutConfig
	Client          *Client // override the module default
}

// --- streaming accumulation ---

// StreamResult hands out the event channel plus the final accumulated
// response once the stream drains.
type StreamResult struct {
	Events   <-chan StreamEvent
	mu       sync.Mutex
	response *Response
}

// Response returns the accumulated final response, nil until the stream has
// finished.
func (sr *StreamResult) Response() *Response {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.response
}

// streamToolCall is one tool call assembling from argument deltas.
type streamToolCall struct {
	call ToolCall
	args strings.Builder
}

// StreamAccumulator folds a stream of events into one Response.
type StreamAccumulator struct {
	mu           sync.Mutex
	text         strings.Builder
	order        []string
	calls        map[string]*streamToolCall
	current      string // id of the call receiving deltas
	usage        *Usage
	finishReason *FinishReason
}

func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[string]*streamToolCall)}
}

// Process folds one event into the accumulator.
func (a *StreamAccumulator) Process(event StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch event.Type {
	case StreamTextDelta:
		a.text.WriteString(event.Delta)

	case StreamToolStart:
		if event.ToolCall != nil {
			entry := &streamToolCall{call: *event.ToolCall}
			a.calls[event.ToolCall.ID] = entry
			a.order = append(a.order, event.ToolCall.ID)
			a.current = event.ToolCall.ID
		}

	case StreamToolDelta:
		if entry := a.calls[a.current]; entry != nil {
			entry.args.WriteString(event.Delta)
		}

	case StreamToolEnd:
		a.current = ""

	case StreamFinish:
		if event.Usage != nil {
			u := *event.Usage
			a.usage = &u
		}
		if event.FinishReason != nil {
			fr := *event.FinishReason
			a.finishReason = &fr
		}
	}
}

// Response materializes the accumulated state.
func (a *StreamAccumulator) Response() *Response {
	a.mu.Lock()
	defer a.mu.Unlock()

	var parts []ContentPart
	if a.text.Len() > 0 {
		parts = append(parts, TextPart(a.text.String()))
	}
	for _, id := range a.order {
		entry := a.calls[id]
		if entry == nil {
			continue
		}
		args := entry.call.Arguments
		if entry.args.Len() > 0 {
			args = json.RawMessage(entry.args.String())
		}
		parts = append(parts, ToolCallPart(entry.call.ID, entry.call.Name, args))
	}

	resp := &Response{Message: Message{Role: RoleAssistant, Content: parts}}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	if a.finishReason != nil {
		resp.FinishReason = *a.finishReason
	}
	return resp
}

// --- request assembly ---

// resolveClient picks opts.Client, then the module default.
func resolveClient(opts GenerateOptions) (*Client, error) {
	if opts.Client != nil {
		return opts.Client, nil
	}
	if c := GetDefaultClient(); c != nil {
		return c, nil
	}
	return nil, &ConfigurationError{SDKError: SDKError{
		Message: "no client available: set Client in GenerateOptions or call SetDefaultClient",
	}}
}

// seedMessages turns the options into the opening message list. Prompt and
// Messages are mutually exclusive.
func seedMessages(opts GenerateOptions) ([]Message, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "cannot set both Prompt and Messages in GenerateOptions; use one or the other",
		}}
	}

	var messages []Message
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	if opts.Prompt != "" {
		messages = append(messages, UserMessage(opts.Prompt))
	} else {
		messages = append(messages, opts.Messages...)
	}
	return messages, nil
}

// requestFor builds the wire request for the current message list.
func requestFor(opts GenerateOptions, messages []Message) Request {
	req := Request{
		Model:           opts.Model,
		Messages:        messages,
		Provider:        opts.Provider,
		ToolChoice:      opts.ToolChoice,
		ResponseFormat:  opts.ResponseFormat,
		Temperature:     opts.Temperature,
		TopP:            opts.TopP,
		MaxTokens:       opts.MaxTokens,
		StopSequences:   opts.StopSequences,
		ReasoningEffort: opts.ReasoningEffort,
		ProviderOptions: opts.ProviderOptions,
	}
	for _, t := range opts.Tools {
		req.Tools = append(req.Tools, t.ToolDefinition)
	}
	return req
}

// --- tool execution ---

// runToolCall resolves and executes one call. Unknown tools become error
// results rather than Go errors, so the model can react.
func runToolCall(call ToolCallData, toolMap map[string]*Tool) ToolResult {
	tool, found := toolMap[call.Name]
	if !found {
		return ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Unknown tool: %s", call.Name),
			IsError:    true,
		}
	}
	if tool.Execute == nil {
		// passive tool: the caller handles these outside the loop
		return ToolResult{ToolCallID: call.ID}
	}

	content, err := tool.Execute(call.Arguments)
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{ToolCallID: call.ID, Content: content}
}

// runToolCalls executes every call concurrently, keeping results in call
// order regardless of completion order.
func runToolCalls(calls []ToolCallData, toolMap map[string]*Tool) []ToolResult {
	results := make([]ToolResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		go func(idx int, c ToolCallData) {
			defer wg.Done()
			results[idx] = runToolCall(c, toolMap)
		}(i, call)
	}
	wg.Wait()
	return results
}

// anyRunnable reports whether the loop has anything to do with these calls:
// a known tool with an executor, or an unknown tool (which earns an error
// result the model should see).
func anyRunnable(calls []ToolCallData, toolMap map[string]*Tool) bool {
	for _, call := range calls {
		tool, found := toolMap[call.Name]
		if !found || tool.Execute != nil {
			return true
		}
	}
	return false
}

func toStepResult(resp *Response) StepResult {
	return StepResult{
		Text:         resp.TextContent(),
		Reasoning:    resp.Reasoning(),
		ToolCalls:    resp.ToolCalls(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Response:     resp,
		Warnings:     resp.Warnings,
	}
}

// --- entry points ---

// Generate runs the completion loop: call the model, execute any runnable
// tool calls concurrently, feed the results back, and repeat until the model
// answers without tools, a StopCondition fires, or MaxToolRounds runs out.
func Generate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	client, err := resolveClient(opts)
	if err != nil {
		return nil, err
	}
	messages, err := seedMessages(opts)
	if err != nil {
		return nil, err
	}

	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	retryPolicy := RetryPolicy{MaxRetries: maxRetries, BackoffMultiplier: 2.0}

	toolMap := make(map[string]*Tool, len(opts.Tools))
	for i := range opts.Tools {
		toolMap[opts.Tools[i].Name] = &opts.Tools[i]
	}

	var steps []StepResult
	var totalUsage Usage

	for round := 0; round < maxRounds; round++ {
		req := requestFor(opts, messages)

		var resp *Response
		err := Retry(ctx, retryPolicy, func() error {
			var callErr error
			resp, callErr = client.Complete(ctx, req)
			return callErr
		})
		if err != nil {
			return nil, err
		}

		step := toStepResult(resp)
		totalUsage = totalUsage.Add(resp.Usage)

		calls := resp.ToolCalls()
		runnable := len(calls) > 0 &&
			resp.FinishReason.Reason == FinishToolCalls &&
			anyRunnable(calls, toolMap)

		if !runnable {
			steps = append(steps, step)
			break
		}

		step.ToolResults = runToolCalls(calls, toolMap)
		steps = append(steps, step)

		if opts.StopWhen != nil && opts.StopWhen(steps) {
			break
		}

		messages = append(messages, resp.Message)
		for _, tr := range step.ToolResults {
			messages = append(messages, ToolResultMessage(tr.ToolCallID, tr.Content, tr.IsError))
		}
	}

	last := steps[len(steps)-1]
	return &GenerateResult{
		Text:         last.Text,
		Reasoning:    last.Reasoning,
		ToolCalls:    last.ToolCalls,
		ToolResults:  last.ToolResults,
		FinishReason: last.FinishReason,
		Usage:        last.Usage,
		TotalUsage:   totalUsage,
		Steps:        steps,
		Response:     last.Response,
	}, nil
}

// StreamGenerate opens a streaming completion. The tool loop does not run on
// the streaming path.
func StreamGenerate(ctx context.Context, opts GenerateOptions) (*StreamResult, error) {
	client, err := resolveClient(opts)
	if err != nil {
		return nil, err
	}
	messages, err := seedMessages(opts)
	if err != nil {
		return nil, err
	}

	events, err := client.Stream(ctx, requestFor(opts, messages))
	if err != nil {
		return nil, err
	}
	return &StreamResult{Events: events}, nil
}

// GenerateObject asks for json_schema output and decodes the reply; a reply
// that doesn't parse surfaces as NoObjectGeneratedError.
func GenerateObject(ctx context.Context, opts GenerateOptions, schema json.RawMessage) (*GenerateResult, error) {
	opts.ResponseFormat = &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: schema,
		Strict:     true,
	}

	result, err := Generate(ctx, opts)
	if err != nil {
		return nil, err
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(result.Text), &parsed); err != nil {
		return nil, &NoObjectGeneratedError{
			SDKError: SDKError{
				Message: fmt.Sprintf("failed to parse response as JSON: %s", err.Error()),
				Cause:   err,
			},
			RawText: result.Text,
		}
	}

	result.Output = parsed
	return result, nil
}
