// ABOUTME: System-prompt assembly: git context, environment block, tool list, project doc discovery.
// ABOUTME: Project docs are read root-to-cwd with provider filtering and a 32KiB aggregate budget.

package agent

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxProjectDocsBudget caps the total bytes of project documentation carried
// into the system prompt.
const maxProjectDocsBudget = 32 * 1024

// recognizedDocFiles are the instruction filenames the discovery walk looks
// for at each directory level.
var recognizedDocFiles = []string{
	"AGENTS.md",
	"CLAUDE.md",
	"README.md",
	".cursorrules",
	"GEMINI.md",
	".codex/instructions.md",
}

// providerDocFiles gates provider-specific instruction files to the active
// provider; another provider's file is excluded entirely.
var providerDocFiles = map[string][]string{
	"anthropic": {"CLAUDE.md"},
	"openai":    {".codex/instructions.md"},
	"gemini":    {"GEMINI.md"},
}

// universalDocFiles ship to every provider.
var universalDocFiles = []string{
	"AGENTS.md",
	"README.md",
	".cursorrules",
}

// BuildGitContext reports repo membership, branch, short status, and recent
// commits via the execution environment. Outside a repo it returns "".
func BuildGitContext(env ExecutionEnvironment) string {
	result, err := env.ExecCommand("git rev-parse --is-inside-work-tree", 5000, "", nil)
	if err != nil || result.ExitCode != 0 {
		return ""
	}
	isRepo := strings.TrimSpace(result.Stdout)
	if isRepo != "true" {
		return ""
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Is git repo: %s\n", isRepo))

	if branchResult, err := env.ExecCommand("git branch --show-current", 5000, "", nil); err == nil && branchResult.ExitCode == 0 {
		if branch := strings.TrimSpace(branchResult.Stdout); branch != "" {
			b.WriteString(fmt.Sprintf("Git branch: %s\n", branch))
		}
	}
	if statusResult, err := env.ExecCommand("git status --short", 5000, "", nil); err == nil && statusResult.ExitCode == 0 {
		if status := strings.TrimSpace(statusResult.Stdout); status != "" {
			b.WriteString(fmt.Sprintf("Git status:\n%s\n", status))
		}
	}
	if logResult, err := env.ExecCommand("git log --oneline -5", 5000, "", nil); err == nil && logResult.ExitCode == 0 {
		if log := strings.TrimSpace(logResult.Stdout); log != "" {
			b.WriteString(fmt.Sprintf("Recent commits:\n%s\n", log))
		}
	}

	return b.String()
}

// BuildEnvironmentBlock renders the <environment> block: cwd, platform, date,
// model, cutoff, plus the git context when available.
func BuildEnvironmentBlock(env ExecutionEnvironment, modelName string, knowledgeCutoff string) string {
	var b strings.Builder
	b.WriteString("<environment>\n")
	b.WriteString(fmt.Sprintf("Working directory: %s\n", env.WorkingDirectory()))
	b.WriteString(fmt.Sprintf("Platform: %s\n", env.Platform()))
	b.WriteString(fmt.Sprintf("OS version: %s\n", env.OSVersion()))
	b.WriteString(fmt.Sprintf("Today's date: %s\n", time.Now().Format("2006-01-02")))

	if modelName != "" {
		b.WriteString(fmt.Sprintf("Model: %s\n", modelName))
	}
	if knowledgeCutoff != "" {
		b.WriteString(fmt.Sprintf("Knowledge cutoff: %s\n", knowledgeCutoff))
	}

	if gitContext := BuildGitContext(env); gitContext != "" {
		b.WriteString(gitContext)
	}

	b.WriteString("</environment>\n")
	return b.String()
}

// BuildToolDescriptions lists the registry's tools, sorted by name so the
// prompt is stable across runs.
func BuildToolDescriptions(registry *ToolRegistry) string {
	if registry == nil || registry.Count() == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Available Tools\n\n")

	names := registry.Names()
	sort.Strings(names)

	for _, name := range names {
		tool := registry.Get(name)
		if tool == nil {
			continue
		}
		desc := tool.Description
		if desc == "" {
			desc = tool.Definition.Description
		}
		b.WriteString(fmt.Sprintf("- `%s`: %s\n", name, desc))
	}
	b.WriteString("\n")

	return b.String()
}

// FilterProjectDocs keeps the universal docs plus the active provider's own
// instruction file, in a fixed order, under the 32KiB budget. The doc that
// crosses the budget is clipped with a truncation marker and everything after
// it is dropped.
func FilterProjectDocs(docs map[string]string, providerID string) []string {
	if len(docs) == 0 {
		return nil
	}

	allowed := make(map[string]bool)
	for _, f := range universalDocFiles {
		allowed[f] = true
	}
	for _, f := range providerDocFiles[providerID] {
		allowed[f] = true
	}

	// Universal files first, provider files after, both in declaration order.
	var orderedKeys []string
	for _, f := range universalDocFiles {
		if _, exists := docs[f]; exists && allowed[f] {
			orderedKeys = append(orderedKeys, f)
		}
	}
	for _, f := range providerDocFiles[providerID] {
		if _, exists := docs[f]; exists {
			orderedKeys = append(orderedKeys, f)
		}
	}

	var result []string
	totalSize := 0
	for _, key := range orderedKeys {
		content := docs[key]
		if totalSize+len(content) > maxProjectDocsBudget {
			if remaining := maxProjectDocsBudget - totalSize; remaining > 0 {
				result = append(result, content[:remaining]+"\n[TRUNCATED: Content exceeded 32KB budget]")
			}
			break
		}
		result = append(result, content)
		totalSize += len(content)
	}

	return result
}

// DiscoverProjectDocsWalk reads recognized instruction files at every level
// from the git root (or cwd, outside a repo) down to the working directory.
// Deeper copies of the same filename win.
func DiscoverProjectDocsWalk(env ExecutionEnvironment) map[string]string {
	docs := make(map[string]string)
	workDir := env.WorkingDirectory()

	gitRoot := workDir
	if result, err := env.ExecCommand("git rev-parse --show-toplevel", 5000, "", nil); err == nil && result.ExitCode == 0 {
		if trimmed := strings.TrimSpace(result.Stdout); trimmed != "" {
			gitRoot = trimmed
		}
	}

	for _, dir := range buildDirPath(gitRoot, workDir) {
		for _, docFile := range recognizedDocFiles {
			fullPath := filepath.Join(dir, docFile)
			exists, err := env.FileExists(fullPath)
			if err != nil || !exists {
				continue
			}
			content, err := env.ReadFile(fullPath, 0, 0)
			if err != nil {
				continue
			}
			// ReadFile numbers its lines; keep the file's own text
			content = strings.TrimSpace(stripLineNumbers(content))
			if content == "" {
				continue
			}
			docs[docFile] = content
		}
	}

	return docs
}

// buildDirPath lists the directories from root down to target inclusive; a
// target outside root yields just the target.
func buildDirPath(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)

	if root == target {
		return []string{root}
	}
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return []string{target}
	}

	dirs := []string{root}
	relative := strings.TrimPrefix(target, root+string(filepath.Separator))
	current := root
	for _, part := range strings.Split(relative, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

// BuildFullSystemPrompt assembles the layered system prompt: the provider's
// base instructions (which fold in environment and project docs), the tool
// list, and any user override at the end.
func BuildFullSystemPrompt(profile ProviderProfile, env ExecutionEnvironment, userOverride string) string {
	rawDocs := DiscoverProjectDocsWalk(env)
	filteredDocs := FilterProjectDocs(rawDocs, profile.ID())

	var b strings.Builder
	b.WriteString(profile.BuildSystemPrompt(env, filteredDocs))

	if toolDescriptions := BuildToolDescriptions(profile.ToolRegistry()); toolDescriptions != "" {
		b.WriteString(toolDescriptions)
	}

	if userOverride != "" {
		b.WriteString("\n## User Instructions\n\n")
		b.WriteString(userOverride)
		b.WriteString("\n")
	}

	return b.String()
}
