// ABOUTME: ToolRegistry: named effectful operations with JSON-schema params, plus output truncation.
// ABOUTME: Truncation policy is per-tool (char cap, head_tail vs tail mode, optional line cap).

package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/basaltrun/attractor/llm"
)

// ToolExecutor runs one tool invocation against an environment.
type ToolExecutor func(args map[string]any, env ExecutionEnvironment) (string, error)

// RegisteredTool is a tool definition bound to its executor.
type RegisteredTool struct {
	Definition  llm.ToolDefinition
	Execute     ToolExecutor
	Description string
}

// ToolRegistry is a concurrency-safe name -> tool table.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*RegisteredTool)}
}

// Register installs tool under its definition name, replacing any previous
// registration. A nameless tool is rejected.
func (r *ToolRegistry) Register(tool *RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = tool
	return nil
}

// Unregister removes name, reporting whether it was present.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns the tool registered under name, or nil.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	return r.Get(name) != nil
}

// Definitions returns every registered tool's definition, for the LLM request.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	return defs
}

// Names lists registered tool names, in map order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count reports how many tools are registered.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// --- output truncation ---

// truncationPolicy is one tool's limits: a character cap with a mode, and an
// optional line cap applied after.
type truncationPolicy struct {
	maxChars int
	mode     string // "head_tail" or "tail"
	maxLines int    // 0 disables line truncation
}

// defaultCharLimit covers tools with no explicit policy (mode "tail").
const defaultCharLimit = 30000

// toolTruncationPolicies fixes per-tool caps. read_file and shell keep head
// and tail (both ends usually matter); search tools keep the tail.
var toolTruncationPolicies = map[string]truncationPolicy{
	"read_file":  {maxChars: 50000, mode: "head_tail"},
	"shell":      {maxChars: 30000, mode: "head_tail", maxLines: 256},
	"grep":       {maxChars: 20000, mode: "tail", maxLines: 200},
	"glob":       {maxChars: 20000, mode: "tail", maxLines: 500},
	"edit_file":  {maxChars: 10000, mode: "tail"},
	"write_file": {maxChars: 1000, mode: "tail"},
}

// DefaultLineLimits exposes the per-tool line caps (0 = unlimited).
var DefaultLineLimits = map[string]int{
	"shell": 256,
	"grep":  200,
	"glob":  500,
}

// TruncateOutput applies a character cap. head_tail keeps both ends with a
// banner in the middle; tail keeps the last maxChars with a leading banner.
// Input at or under the cap passes through untouched.
func TruncateOutput(output string, maxChars int, mode string) string {
	if len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == "head_tail" {
		half := maxChars / 2
		banner := fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"The full output is available in the event stream. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed)
		return output[:half] + banner + output[len(output)-half:]
	}

	banner := fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
		"The full output is available in the event stream.]\n\n", removed)
	return banner + output[len(output)-maxChars:]
}

// TruncateLines applies a line cap: first half, an omission marker, last
// half. maxLines <= 0 disables it.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail

	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies toolName's policy: the character cap first
// (possibly overridden via limits), then the line cap. Unknown tools get the
// defaultCharLimit in tail mode.
func TruncateToolOutput(output, toolName string, limits map[string]int) string {
	policy, ok := toolTruncationPolicies[toolName]
	if !ok {
		policy = truncationPolicy{maxChars: defaultCharLimit, mode: "tail"}
	}
	if override, ok := limits[toolName]; ok {
		policy.maxChars = override
	}

	result := TruncateOutput(output, policy.maxChars, policy.mode)
	return TruncateLines(result, policy.maxLines)
}
