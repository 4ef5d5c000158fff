// ABOUTME: ProviderAdapter is the per-provider seam; BaseAdapter carries the shared HTTP plumbing.
// ABOUTME: Also holds the cross-provider message helpers (system extraction, role merging, call ids).

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProviderAdapter is what every provider implementation (OpenAI, Anthropic,
// Gemini, compatibles) exposes to the client.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	Close() error
}

// Initializer is optional one-time setup (credential checks, cache warming).
type Initializer interface {
	Initialize() error
}

// ToolChoiceChecker lets an adapter advertise which tool choice modes it
// accepts.
type ToolChoiceChecker interface {
	SupportsToolChoice(mode string) bool
}

// BaseAdapter is the HTTP core adapters embed: auth, headers, timeouts, and
// rate-limit header parsing.
type BaseAdapter struct {
	APIKey         string
	BaseURL        string
	DefaultHeaders map[string]string
	Timeout        AdapterTimeout
	HTTPClient     *http.Client
}

func NewBaseAdapter(apiKey, baseURL string, timeout AdapterTimeout) *BaseAdapter {
	return &BaseAdapter{
		APIKey:         apiKey,
		BaseURL:        baseURL,
		DefaultHeaders: make(map[string]string),
		Timeout:        timeout,
		HTTPClient:     &http.Client{Timeout: timeout.Request},
	}
}

// DoRequest JSON-encodes body (when non-nil), applies bearer auth, default
// headers, then per-request overrides, and executes under ctx.
func (b *BaseAdapter) DoRequest(ctx context.Context, method, path string, body any, headers map[string]string) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if b.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

// ParseRateLimitHeaders reads the x-ratelimit-* family plus retry-after.
// Nil when none of them are present.
func (b *BaseAdapter) ParseRateLimitHeaders(headers http.Header) *RateLimitInfo {
	info := &RateLimitInfo{}
	found := false

	intHeader := func(name string, dest **int) {
		n, err := strconv.Atoi(headers.Get(name))
		if headers.Get(name) == "" || err != nil {
			return
		}
		*dest = &n
		found = true
	}
	intHeader("x-ratelimit-remaining-requests", &info.RequestsRemaining)
	intHeader("x-ratelimit-limit-requests", &info.RequestsLimit)
	intHeader("x-ratelimit-remaining-tokens", &info.TokensRemaining)
	intHeader("x-ratelimit-limit-tokens", &info.TokensLimit)

	if v := headers.Get("retry-after"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			resetAt := time.Now().Add(time.Duration(seconds) * time.Second)
			info.ResetAt = &resetAt
			found = true
		}
	}

	if !found {
		return nil
	}
	return info
}

// ExtractSystemMessages pulls system/developer messages out of the list,
// returning their concatenated text and the remaining messages.
func ExtractSystemMessages(messages []Message) (systemText string, remaining []Message) {
	var systemParts []string
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			if text := msg.TextContent(); text != "" {
				systemParts = append(systemParts, text)
			}
		default:
			remaining = append(remaining, msg)
		}
	}
	return strings.Join(systemParts, "\n"), remaining
}

// MergeConsecutiveMessages concatenates same-role neighbors into one message.
// Anthropic-style APIs demand strict role alternation.
func MergeConsecutiveMessages(messages []Message) []Message {
	var result []Message
	for _, msg := range messages {
		if len(result) > 0 && result[len(result)-1].Role == msg.Role {
			last := &result[len(result)-1]
			last.Content = append(last.Content, msg.Content...)
			continue
		}
		result = append(result, Message{
			Role:    msg.Role,
			Content: append([]ContentPart(nil), msg.Content...),
			Name:    msg.Name,
		})
	}
	return result
}

// GenerateCallID mints a call_-prefixed tool-call id, for providers (Gemini)
// that don't assign their own.
func GenerateCallID() string {
	return "call_" + ulid.Make().String()
}
