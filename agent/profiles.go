// ABOUTME: Provider profiles: per-provider tool sets, prompt conventions, and capability flags.
// ABOUTME: Profiles only select and describe tools; the constructors themselves live in tools_core.go.

package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/basaltrun/attractor/llm"
)

// ProviderProfile is what the session asks about its provider: which tools to
// advertise, how to open the system prompt, and what the model can do.
type ProviderProfile interface {
	ID() string
	Model() string
	BuildSystemPrompt(env ExecutionEnvironment, projectDocs []string) string
	Tools() []llm.ToolDefinition
	ProviderOptions() map[string]any
	ToolRegistry() *ToolRegistry
	SupportsParallelToolCalls() bool
	SupportsReasoning() bool
	SupportsStreaming() bool
	ContextWindowSize() int
}

// BaseProfile carries the fields every concrete profile shares.
type BaseProfile struct {
	id            string
	model         string
	registry      *ToolRegistry
	parallelTools bool
	reasoning     bool
	streaming     bool
	contextWindow int
	providerOpts  map[string]any
}

func (b *BaseProfile) ID() string                      { return b.id }
func (b *BaseProfile) Model() string                   { return b.model }
func (b *BaseProfile) ToolRegistry() *ToolRegistry     { return b.registry }
func (b *BaseProfile) SupportsParallelToolCalls() bool { return b.parallelTools }
func (b *BaseProfile) SupportsReasoning() bool         { return b.reasoning }
func (b *BaseProfile) SupportsStreaming() bool         { return b.streaming }
func (b *BaseProfile) ContextWindowSize() int          { return b.contextWindow }
func (b *BaseProfile) Tools() []llm.ToolDefinition     { return b.registry.Definitions() }
func (b *BaseProfile) ProviderOptions() map[string]any { return b.providerOpts }

// ProfileOption adjusts a profile at construction.
type ProfileOption func(*BaseProfile)

// WithProfileModel overrides the profile's default model.
func WithProfileModel(model string) ProfileOption {
	return func(b *BaseProfile) { b.model = model }
}

// WithProfileProviderOptions attaches provider-specific request options.
func WithProfileProviderOptions(opts map[string]any) ProfileOption {
	return func(b *BaseProfile) { b.providerOpts = opts }
}

// buildEnvironmentContext is the minimal <environment> block shared by every
// profile's prompt (the richer git-aware variant lives in steering.go).
func buildEnvironmentContext(env ExecutionEnvironment) string {
	return fmt.Sprintf("<environment>\nWorking directory: %s\nPlatform: %s\nOS version: %s\nToday's date: %s\n</environment>\n",
		env.WorkingDirectory(), env.Platform(), env.OSVersion(), time.Now().Format("2006-01-02"))
}

// buildProjectDocsSection renders discovered instruction files as a prompt
// section; empty input renders nothing.
func buildProjectDocsSection(docs []string) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Project Instructions\n\n")
	for _, doc := range docs {
		b.WriteString(doc)
		b.WriteString("\n\n")
	}
	return b.String()
}

// DiscoverProjectDocs reads the recognized instruction files sitting directly
// in the working directory. The up-tree walk with provider filtering is
// DiscoverProjectDocsWalk; this is the flat variant profiles use on their own.
func DiscoverProjectDocs(env ExecutionEnvironment) []string {
	var docs []string
	for _, name := range []string{"AGENTS.md", "CLAUDE.md", "README.md", ".cursorrules", "GEMINI.md"} {
		fullPath := filepath.Join(env.WorkingDirectory(), name)
		if exists, err := env.FileExists(fullPath); err != nil || !exists {
			continue
		}
		content, err := env.ReadFile(fullPath, 0, 0)
		if err != nil {
			continue
		}
		// ReadFile numbers its lines; the prompt wants the file's own text
		content = strings.TrimSpace(stripLineNumbers(content))
		if content == "" {
			continue
		}
		docs = append(docs, content)
	}
	return docs
}

// assemblePrompt stitches the per-provider sections with the shared tail.
func assemblePrompt(env ExecutionEnvironment, projectDocs []string, sections ...string) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString(s)
	}
	b.WriteString(buildEnvironmentContext(env))
	b.WriteString(buildProjectDocsSection(projectDocs))
	return b.String()
}

const promptBestPractices = `## Coding Best Practices

- Read files before editing to understand existing code.
- Make targeted changes; avoid rewriting entire files when small edits suffice.
- Run tests after making changes to verify correctness.
- Follow existing code style and conventions.

`

// --- OpenAI ---

// OpenAIProfile follows codex conventions: apply_patch instead of edit_file.
type OpenAIProfile struct {
	BaseProfile
}

// NewOpenAIProfile defaults to gpt-5.2-codex and registers read_file,
// write_file, shell, grep, glob, and apply_patch (no edit_file).
func NewOpenAIProfile(model string, opts ...ProfileOption) *OpenAIProfile {
	if model == "" {
		model = "gpt-5.2-codex"
	}

	registry := NewToolRegistry()
	registry.Register(NewReadFileTool())
	registry.Register(NewWriteFileTool())
	registry.Register(NewShellTool())
	registry.Register(NewGrepTool())
	registry.Register(NewGlobTool())
	registry.Register(NewApplyPatchTool())

	p := &OpenAIProfile{BaseProfile{
		id:            "openai",
		model:         model,
		registry:      registry,
		parallelTools: true,
		reasoning:     true,
		streaming:     true,
		contextWindow: 200000,
		providerOpts:  make(map[string]any),
	}}
	for _, opt := range opts {
		opt(&p.BaseProfile)
	}
	return p
}

func (p *OpenAIProfile) BuildSystemPrompt(env ExecutionEnvironment, projectDocs []string) string {
	intro := "You are a coding assistant powered by " + p.model + ". " +
		"You help users write, debug, and modify code by reading files, applying patches, " +
		"running shell commands, and searching codebases.\n\n"

	tools := `## Tool Usage

- Use ` + "`read_file`" + ` to read file contents before making changes.
- Use ` + "`apply_patch`" + ` to modify existing files using the v4a patch format. The patch format supports creating, deleting, and updating files.
- Use ` + "`write_file`" + ` to create new files.
- Use ` + "`shell`" + ` to run commands. Default timeout is 10 seconds.
- Use ` + "`grep`" + ` and ` + "`glob`" + ` to search file contents and find files by pattern.

## apply_patch Format

Patches use the v4a format with context lines for matching:
` + "```" + `
*** Begin Patch
*** Update File: path/to/file
@@ context_hint
 context line (space prefix)
-removed line (minus prefix)
+added line (plus prefix)
*** End Patch
` + "```" + `

`

	return assemblePrompt(env, projectDocs, intro, tools, promptBestPractices)
}

var _ ProviderProfile = (*OpenAIProfile)(nil)

// --- Anthropic ---

// AnthropicProfile uses edit_file natively and the full core tool set.
type AnthropicProfile struct {
	BaseProfile
}

// NewAnthropicProfile defaults to claude-sonnet-4-5.
func NewAnthropicProfile(model string, opts ...ProfileOption) *AnthropicProfile {
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	registry := NewToolRegistry()
	RegisterCoreTools(registry)

	p := &AnthropicProfile{BaseProfile{
		id:            "anthropic",
		model:         model,
		registry:      registry,
		parallelTools: true,
		reasoning:     true,
		streaming:     true,
		contextWindow: 200000,
		providerOpts:  make(map[string]any),
	}}
	for _, opt := range opts {
		opt(&p.BaseProfile)
	}
	return p
}

func (p *AnthropicProfile) BuildSystemPrompt(env ExecutionEnvironment, projectDocs []string) string {
	intro := "You are a coding assistant powered by " + p.model + ". " +
		"You help users write, debug, and modify code by reading files, editing them, " +
		"running shell commands, and searching codebases.\n\n"

	tools := `## Tool Usage

- Use ` + "`read_file`" + ` to examine file contents before making changes.
- Use ` + "`edit_file`" + ` with ` + "`old_string`" + ` and ` + "`new_string`" + ` to make targeted edits. The ` + "`old_string`" + ` must be unique within the file; if it is not unique, provide more surrounding context to make it unique, or use ` + "`replace_all`" + `.
- Use ` + "`write_file`" + ` to create new files. Prefer editing existing files over creating new ones.
- Use ` + "`shell`" + ` to execute commands. Default timeout is 10 seconds (10000ms).
- Use ` + "`grep`" + ` and ` + "`glob`" + ` to search file contents and find files by pattern.

`

	return assemblePrompt(env, projectDocs, intro, tools, promptBestPractices)
}

var _ ProviderProfile = (*AnthropicProfile)(nil)

// --- Gemini ---

// GeminiProfile mirrors gemini-cli: edit_file, sequential tool calls, the
// larger context window.
type GeminiProfile struct {
	BaseProfile
}

// NewGeminiProfile defaults to gemini-3-flash-preview.
func NewGeminiProfile(model string, opts ...ProfileOption) *GeminiProfile {
	if model == "" {
		model = "gemini-3-flash-preview"
	}

	registry := NewToolRegistry()
	RegisterCoreTools(registry)

	p := &GeminiProfile{BaseProfile{
		id:            "gemini",
		model:         model,
		registry:      registry,
		parallelTools: false,
		reasoning:     true,
		streaming:     true,
		contextWindow: 1000000,
		providerOpts:  make(map[string]any),
	}}
	for _, opt := range opts {
		opt(&p.BaseProfile)
	}
	return p
}

func (p *GeminiProfile) BuildSystemPrompt(env ExecutionEnvironment, projectDocs []string) string {
	intro := "You are a coding assistant powered by " + p.model + ". " +
		"You help users write, debug, and modify code by reading files, editing them, " +
		"running shell commands, and searching codebases.\n\n"

	tools := `## Tool Usage

- Use ` + "`read_file`" + ` to examine file contents before making changes.
- Use ` + "`edit_file`" + ` with ` + "`old_string`" + ` and ` + "`new_string`" + ` to make targeted edits.
- Use ` + "`write_file`" + ` to create new files.
- Use ` + "`shell`" + ` to execute commands. Default timeout is 10 seconds.
- Use ` + "`grep`" + ` and ` + "`glob`" + ` to search file contents and find files by pattern.

## Project Configuration

- Check for a GEMINI.md file in the project root for project-specific instructions.
- GEMINI.md may contain coding conventions, architecture notes, or task-specific guidance.

`

	return assemblePrompt(env, projectDocs, intro, tools, promptBestPractices)
}

var _ ProviderProfile = (*GeminiProfile)(nil)

// newToolDef builds a minimal ToolDefinition, for tests and ad-hoc tools.
func newToolDef(name, description string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}
