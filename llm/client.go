// ABOUTME: Client routes requests to provider adapters through an onion-style middleware chain.
// ABOUTME: FromEnv builds adapters off ANTHROPIC/OPENAI/GEMINI keys; a lazy module default is available.

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	muxllm "github.com/2389-research/mux/llm"
)

// Middleware wraps an LLM call for logging, caching, transformation, etc.
// Registration order is execution order on the way in, reversed on the way
// out.
type Middleware func(ctx context.Context, req Request, next NextFunc) (*Response, error)

// NextFunc continues the middleware chain.
type NextFunc func(ctx context.Context, req Request) (*Response, error)

// Client is the SDK entry point: registered adapters, a default provider,
// and the middleware chain.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client at construction.
type ClientOption func(*Client)

// WithProvider registers adapter under name; the first registration becomes
// the default provider unless one was set explicitly.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider names the provider used when a Request doesn't choose.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv builds a client from whichever of ANTHROPIC_API_KEY,
// OPENAI_API_KEY, GEMINI_API_KEY are set; the first found becomes the
// default. *_BASE_URL variables override endpoints. With no keys at all it
// returns a ConfigurationError.
func FromEnv() (*Client, error) {
	type envProvider struct {
		envVar     string
		name       string
		baseEnvVar string
	}

	providers := []envProvider{
		{envVar: "ANTHROPIC_API_KEY", name: "anthropic", baseEnvVar: "ANTHROPIC_BASE_URL"},
		{envVar: "OPENAI_API_KEY", name: "openai", baseEnvVar: "OPENAI_BASE_URL"},
		{envVar: "GEMINI_API_KEY", name: "gemini", baseEnvVar: "GEMINI_BASE_URL"},
	}

	var opts []ClientOption
	found := false

	for _, p := range providers {
		key := os.Getenv(p.envVar)
		if key == "" {
			continue
		}
		adapter := createAdapterForProvider(p.name, key, os.Getenv(p.baseEnvVar))
		if adapter == nil {
			continue
		}
		opts = append(opts, WithProvider(p.name, adapter))
		found = true
	}

	if !found {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: "no API keys found in environment (checked ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY)",
			},
		}
	}

	return NewClient(opts...), nil
}

// createAdapterForProvider prefers mux-backed adapters. A custom baseURL
// needs adapters that accept one: the direct Anthropic adapter, or the
// Chat-Completions compat client for anything OpenAI-shaped. Gemini has no
// override path; the URL is ignored with a log line rather than silently
// misrouting traffic.
func createAdapterForProvider(name, apiKey, baseURL string) ProviderAdapter {
	switch name {
	case "anthropic":
		if baseURL != "" {
			return NewAnthropicAdapter(apiKey, WithAnthropicBaseURL(baseURL))
		}
		return NewMuxAdapter(name, muxllm.NewAnthropicClient(apiKey, ""))
	case "openai":
		if baseURL != "" {
			return NewMuxAdapter(name, NewOpenAICompatClient(apiKey, "", baseURL))
		}
		return NewMuxAdapter(name, muxllm.NewOpenAIClient(apiKey, ""))
	case "gemini":
		if baseURL != "" {
			log.Printf("gemini adapter has no base URL override; ignoring %s", baseURL)
		}
		client, err := muxllm.NewGeminiClient(context.Background(), apiKey, "")
		if err != nil {
			log.Printf("failed to create Gemini mux client: %v", err)
			return nil
		}
		return NewMuxAdapter(name, client)
	}
	if baseURL != "" {
		return NewAnthropicAdapter(apiKey, WithAnthropicBaseURL(baseURL))
	}
	return NewMuxAdapter("anthropic", muxllm.NewAnthropicClient(apiKey, ""))
}

// resolveProvider picks the adapter for req.Provider, or the default.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: "no provider specified and no default provider configured",
			},
		}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{
			SDKError: SDKError{
				Message: fmt.Sprintf("provider %q not registered", name),
			},
		}
	}
	return adapter, nil
}

// Complete runs req through the middleware chain and the resolved adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	handler := func(ctx context.Context, req Request) (*Response, error) {
		adapter, err := c.resolveProvider(req)
		if err != nil {
			return nil, err
		}
		return adapter.Complete(ctx, req)
	}

	// Wrap back-to-front so the first registered middleware is outermost.
	chain := handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := chain
		chain = func(ctx context.Context, req Request) (*Response, error) {
			return mw(ctx, req, next)
		}
	}

	return chain(ctx, req)
}

// Stream resolves the adapter and opens a streaming call. Middleware doesn't
// apply to streams.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	return adapter.Stream(ctx, req)
}

// Close closes every adapter, combining any errors into one.
func (c *Client) Close() error {
	var errs []error
	for name, adapter := range c.providers {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		combined := errs[0]
		for _, e := range errs[1:] {
			combined = fmt.Errorf("%w; %v", combined, e)
		}
		return combined
	}
	return nil
}

// RegisterProvider adds or replaces an adapter after construction; it becomes
// the default when none is set.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// module-level default client

var (
	defaultClient   *Client
	defaultClientMu sync.Mutex
)

// SetDefaultClient installs (or, with nil, clears) the module default.
func SetDefaultClient(c *Client) {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	defaultClient = c
}

// GetDefaultClient returns the module default, lazily building one via
// FromEnv. Nil when no keys are configured.
func GetDefaultClient() *Client {
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()

	if defaultClient != nil {
		return defaultClient
	}

	c, err := FromEnv()
	if err != nil {
		return nil
	}
	defaultClient = c
	return defaultClient
}
