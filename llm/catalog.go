// ABOUTME: Static catalog of known models per provider: ids, aliases, windows, capabilities, pricing.
// ABOUTME: Lookup accepts canonical ids or aliases; Register lets callers add or override entries.

package llm

// ModelInfo is one model's metadata.
type ModelInfo struct {
	ID                   string // e.g. "claude-opus-4-6"
	Provider             string // e.g. "anthropic"
	DisplayName          string
	ContextWindow        int // max total tokens
	MaxOutput            int // max output tokens, 0 when unknown
	SupportsTools        bool
	SupportsVision       bool
	SupportsReasoning    bool
	InputCostPerMillion  float64 // USD per 1M input tokens, 0 when unknown
	OutputCostPerMillion float64
	Aliases              []string
}

// frontier builds a ModelInfo for a current-generation model; they all carry
// tools, vision, and reasoning.
func frontier(provider, id, display string, window int, aliases ...string) ModelInfo {
	return ModelInfo{
		ID:                id,
		Provider:          provider,
		DisplayName:       display,
		ContextWindow:     window,
		SupportsTools:     true,
		SupportsVision:    true,
		SupportsReasoning: true,
		Aliases:           aliases,
	}
}

// builtinModels is the shipped model set, current as of February 2026.
func builtinModels() []ModelInfo {
	return []ModelInfo{
		frontier("anthropic", "claude-opus-4-6", "Claude Opus 4.6", 200000, "opus", "claude-opus"),
		frontier("anthropic", "claude-sonnet-4-5", "Claude Sonnet 4.5", 200000, "sonnet", "claude-sonnet"),

		frontier("openai", "gpt-5.2", "GPT-5.2", 1047576, "gpt5"),
		frontier("openai", "gpt-5.2-mini", "GPT-5.2 Mini", 1047576, "gpt5-mini"),
		frontier("openai", "gpt-5.2-codex", "GPT-5.2 Codex", 1047576, "codex"),

		frontier("gemini", "gemini-3-pro-preview", "Gemini 3 Pro (Preview)", 1048576, "gemini-pro", "gemini-3-pro"),
		frontier("gemini", "gemini-3-flash-preview", "Gemini 3 Flash (Preview)", 1048576, "gemini-flash", "gemini-3-flash"),
	}
}

// Catalog is a lookup/filter surface over a model list. order preserves
// registration sequence; byName indexes ids and aliases alike.
type Catalog struct {
	order  []string
	byID   map[string]*ModelInfo
	byName map[string]string // id or alias -> canonical id
}

// DefaultCatalog returns an independent catalog seeded with the built-ins, so
// Register on one instance never leaks into another.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		byID:   make(map[string]*ModelInfo),
		byName: make(map[string]string),
	}
	for _, m := range builtinModels() {
		c.Register(m)
	}
	return c
}

// Register adds model, replacing any existing entry with the same ID.
func (c *Catalog) Register(model ModelInfo) {
	if _, exists := c.byID[model.ID]; !exists {
		c.order = append(c.order, model.ID)
	}
	stored := model
	c.byID[model.ID] = &stored
	c.byName[model.ID] = model.ID
	for _, alias := range model.Aliases {
		c.byName[alias] = model.ID
	}
}

// GetModelInfo resolves a canonical id or alias; nil when unknown.
func (c *Catalog) GetModelInfo(modelID string) *ModelInfo {
	canonical, known := c.byName[modelID]
	if !known {
		return nil
	}
	return c.byID[canonical]
}

// ListModels returns the provider's models, or everything when provider is "".
func (c *Catalog) ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, id := range c.order {
		m := c.byID[id]
		if provider == "" || m.Provider == provider {
			result = append(result, *m)
		}
	}
	return result
}

// GetLatestModel returns the provider's first cataloged model that has the
// requested capability ("reasoning", "vision", "tools", or "" for any).
func (c *Catalog) GetLatestModel(provider string, capability string) *ModelInfo {
	for _, id := range c.order {
		m := c.byID[id]
		if m.Provider != provider {
			continue
		}
		if hasCapability(m, capability) {
			return m
		}
	}
	return nil
}

func hasCapability(m *ModelInfo, capability string) bool {
	switch capability {
	case "":
		return true
	case "reasoning":
		return m.SupportsReasoning
	case "vision":
		return m.SupportsVision
	case "tools":
		return m.SupportsTools
	}
	return false
}
