// ABOUTME: Messages and their content parts: the conversation half of the data model.
// ABOUTME: ContentPart is a tagged union; constructors keep exactly one payload live per Kind.

package llm

import (
	"encoding/json"
	"strings"
)

// Role says who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// ContentKind selects which ContentPart payload field is live.
type ContentKind string

const (
	ContentText             ContentKind = "text"
	ContentImage            ContentKind = "image"
	ContentAudio            ContentKind = "audio"
	ContentDocument         ContentKind = "document"
	ContentToolCall         ContentKind = "tool_call"
	ContentToolResult       ContentKind = "tool_result"
	ContentThinking         ContentKind = "thinking"
	ContentRedactedThinking ContentKind = "redacted_thinking"
)

// ImageData carries an image by URL, raw bytes, or both.
type ImageData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Detail    string `json:"detail,omitempty"` // "auto", "low", "high"
}

// AudioData holds audio content.
type AudioData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// DocumentData holds document content (PDF, etc.).
type DocumentData struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

// ToolCallData is a model-initiated tool invocation as it sits inside a
// message part.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Type      string          `json:"type,omitempty"` // "function" (default) or "custom"
}

// ArgumentsMap decodes the raw JSON arguments.
func (tc *ToolCallData) ArgumentsMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(tc.Arguments, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToolResultData is what a tool execution returned, keyed to its call id.
type ToolResultData struct {
	ToolCallID     string `json:"tool_call_id"`
	Content        string `json:"content"`
	IsError        bool   `json:"is_error"`
	ImageData      []byte `json:"image_data,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

// ThinkingData carries the model's reasoning content.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted"`
}

// ContentPart is one unit of message content. Exactly one payload field is
// populated, per Kind.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageData      `json:"image,omitempty"`
	Audio      *AudioData      `json:"audio,omitempty"`
	Document   *DocumentData   `json:"document,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

// part constructors

func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

func ImageURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentImage, Image: &ImageData{URL: url}}
}

func ImageDataPart(data []byte, mediaType string) ContentPart {
	return ContentPart{Kind: ContentImage, Image: &ImageData{Data: data, MediaType: mediaType}}
}

func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Kind: ContentToolCall,
		ToolCall: &ToolCallData{
			ID:        id,
			Name:      name,
			Arguments: args,
			Type:      "function",
		},
	}
}

func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind: ContentToolResult,
		ToolResult: &ToolResultData{
			ToolCallID: toolCallID,
			Content:    content,
			IsError:    isError,
		},
	}
}

func ThinkingPart(text, signature string) ContentPart {
	return ContentPart{
		Kind: ContentThinking,
		Thinking: &ThinkingData{
			Text:      text,
			Signature: signature,
		},
	}
}

func RedactedThinkingPart(text, signature string) ContentPart {
	return ContentPart{
		Kind: ContentRedactedThinking,
		Thinking: &ThinkingData{
			Text:      text,
			Signature: signature,
			Redacted:  true,
		},
	}
}

// Message is one conversation entry: a role plus ordered content parts.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent joins every text part's content.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCalls collects the message's tool_call parts, in order.
func (m *Message) ToolCalls() []ToolCallData {
	var calls []ToolCallData
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ReasoningContent joins every thinking part's content.
func (m *Message) ReasoningContent() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			b.WriteString(part.Thinking.Text)
		}
	}
	return b.String()
}

// textMessage is the shared shape behind the one-line constructors.
func textMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{TextPart(text)}}
}

// Single-part message constructors, one per role.

func SystemMessage(text string) Message    { return textMessage(RoleSystem, text) }
func UserMessage(text string) Message      { return textMessage(RoleUser, text) }
func AssistantMessage(text string) Message { return textMessage(RoleAssistant, text) }
func DeveloperMessage(text string) Message { return textMessage(RoleDeveloper, text) }

// UserMessageWithParts builds a user message with arbitrary parts.
func UserMessageWithParts(parts ...ContentPart) Message {
	return Message{Role: RoleUser, Content: parts}
}

// ToolResultMessage is the tool-role reply carrying one result.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
		ToolCallID: toolCallID,
	}
}
