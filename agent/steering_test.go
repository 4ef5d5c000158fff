// ABOUTME: Project-doc discovery and prompt-assembly tests: the walk, provider filtering, the byte budget.
package agent

import (
	"strings"
	"testing"
)

func TestBuildDirPath(t *testing.T) {
	dirs := buildDirPath("/repo", "/repo/a/b")
	want := []string{"/repo", "/repo/a", "/repo/a/b"}
	if len(dirs) != len(want) {
		t.Fatalf("dirs = %v", dirs)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dirs[%d] = %q, want %q", i, dirs[i], want[i])
		}
	}

	if got := buildDirPath("/repo", "/repo"); len(got) != 1 || got[0] != "/repo" {
		t.Errorf("same dir = %v", got)
	}
	if got := buildDirPath("/repo", "/elsewhere"); len(got) != 1 || got[0] != "/elsewhere" {
		t.Errorf("outside root = %v", got)
	}
}

func TestDiscoverWalkDeepestWins(t *testing.T) {
	env := testEnv(t)
	_ = env.WriteFile("AGENTS.md", "root instructions")
	// the walk runs from git root to cwd; with no git repo both are the
	// workspace root, so only the root copy is visible
	docs := DiscoverProjectDocsWalk(env)
	if docs["AGENTS.md"] != "root instructions" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestFilterProjectDocsProviderGate(t *testing.T) {
	docs := map[string]string{
		"AGENTS.md":               "universal",
		"CLAUDE.md":               "anthropic only",
		"GEMINI.md":               "gemini only",
		".codex/instructions.md":  "openai only",
		"README.md":               "readme",
	}

	anthropic := strings.Join(FilterProjectDocs(docs, "anthropic"), "\n")
	if !strings.Contains(anthropic, "anthropic only") {
		t.Error("provider's own file missing")
	}
	if strings.Contains(anthropic, "gemini only") || strings.Contains(anthropic, "openai only") {
		t.Error("other providers' files leaked")
	}
	if !strings.Contains(anthropic, "universal") || !strings.Contains(anthropic, "readme") {
		t.Error("universal files missing")
	}

	gemini := strings.Join(FilterProjectDocs(docs, "gemini"), "\n")
	if !strings.Contains(gemini, "gemini only") || strings.Contains(gemini, "anthropic only") {
		t.Error("gemini filtering wrong")
	}
}

func TestFilterProjectDocsBudget(t *testing.T) {
	docs := map[string]string{
		"AGENTS.md": strings.Repeat("a", maxProjectDocsBudget-100),
		"README.md": strings.Repeat("r", 5000),
	}
	out := FilterProjectDocs(docs, "anthropic")

	total := 0
	for _, d := range out {
		total += len(d)
	}
	if total > maxProjectDocsBudget+100 {
		t.Errorf("total %d blows the budget", total)
	}
	joined := strings.Join(out, "")
	if !strings.Contains(joined, "TRUNCATED") {
		t.Error("truncation banner missing when the budget clips a doc")
	}
}

func TestFilterProjectDocsEmpty(t *testing.T) {
	if out := FilterProjectDocs(nil, "anthropic"); out != nil {
		t.Errorf("nil docs should be nil, got %v", out)
	}
}

func TestBuildEnvironmentBlock(t *testing.T) {
	env := testEnv(t)
	block := BuildEnvironmentBlock(env, "some-model", "2026-01")
	for _, want := range []string{"<environment>", "</environment>", env.WorkingDirectory(), "some-model", "2026-01"} {
		if !strings.Contains(block, want) {
			t.Errorf("environment block missing %q", want)
		}
	}
}

func TestBuildToolDescriptionsSortedAndComplete(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&RegisteredTool{Definition: newToolDef("zeta", "does z"), Description: "does z"})
	registry.Register(&RegisteredTool{Definition: newToolDef("alpha", "does a"), Description: "does a"})

	out := BuildToolDescriptions(registry)
	if !strings.Contains(out, "`alpha`") || !strings.Contains(out, "`zeta`") {
		t.Errorf("tool list incomplete: %q", out)
	}
	if strings.Index(out, "alpha") > strings.Index(out, "zeta") {
		t.Error("tool list should be sorted")
	}

	if BuildToolDescriptions(NewToolRegistry()) != "" {
		t.Error("empty registry should render nothing")
	}
}

func TestBuildFullSystemPromptLayers(t *testing.T) {
	env := testEnv(t)
	_ = env.WriteFile("AGENTS.md", "PROJECT-RULE-42")
	profile := NewAnthropicProfile("")

	prompt := BuildFullSystemPrompt(profile, env, "OVERRIDE-99")
	for _, want := range []string{"coding assistant", "## Available Tools", "PROJECT-RULE-42", "OVERRIDE-99"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
