// ABOUTME: The built-in tool set, built through one coreTool() constructor: file ops, shell, search, patch.
// ABOUTME: Argument coercion helpers live at the top; every executor goes through the ExecutionEnvironment.

package agent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basaltrun/attractor/llm"
)

// --- argument coercion ---

// getStringArg fetches args[key] as a string; required keys must be present.
func getStringArg(args map[string]any, key string, required bool) (string, error) {
	val, ok := args[key]
	if !ok || val == nil {
		if required {
			return "", fmt.Errorf("missing required parameter: %s", key)
		}
		return "", nil
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, val)
	}
	return s, nil
}

// getIntArg fetches args[key] as an int. JSON decodes numbers as float64, so
// that's the expected case.
func getIntArg(args map[string]any, key string, defaultVal int) (int, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal, nil
	}
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("parameter %s must be an integer: %w", key, err)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("parameter %s must be a number, got %T", key, val)
}

func getBoolArg(args map[string]any, key string, defaultVal bool) (bool, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal, nil
	}
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %s must be a boolean, got %T", key, val)
	}
	return b, nil
}

// coreTool assembles a RegisteredTool from its pieces; every built-in goes
// through here so the definition and registry description stay in sync.
func coreTool(name, description, schema string, exec ToolExecutor) *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(schema),
		},
		Description: description,
		Execute:     exec,
	}
}

// formatLineNumbers renders content as "NNN | line" rows, numbering from
// startLine.
func formatLineNumbers(content string, startLine int) string {
	lines := strings.Split(content, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = fmt.Sprintf("%3d | %s", startLine+i, line)
	}
	return strings.Join(out, "\n")
}

// --- file tools ---

// NewReadFileTool reads a file with line numbering, honoring offset/limit.
func NewReadFileTool() *RegisteredTool {
	return coreTool("read_file",
		"Read a file from the filesystem. Returns line-numbered content.",
		`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the file to read"},
				"offset": {"type": "integer", "description": "1-based line number to start reading from (default: 0 = beginning)"},
				"limit": {"type": "integer", "description": "Maximum number of lines to read (default: 2000)"}
			},
			"required": ["file_path"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			filePath, err := getStringArg(args, "file_path", true)
			if err != nil {
				return "", err
			}
			offset, err := getIntArg(args, "offset", 0)
			if err != nil {
				return "", err
			}
			limit, err := getIntArg(args, "limit", 2000)
			if err != nil {
				return "", err
			}

			content, err := env.ReadFile(filePath, offset, limit)
			if err != nil {
				return "", err
			}

			startLine := 1
			if offset > 0 {
				startLine = offset
			}
			return formatLineNumbers(content, startLine), nil
		})
}

// NewWriteFileTool writes (or overwrites) a whole file.
func NewWriteFileTool() *RegisteredTool {
	return coreTool("write_file",
		"Write content to a file. Creates the file and parent directories if needed.",
		`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the file to write"},
				"content": {"type": "string", "description": "The full file content to write"}
			},
			"required": ["file_path", "content"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			filePath, err := getStringArg(args, "file_path", true)
			if err != nil {
				return "", err
			}
			content, err := getStringArg(args, "content", true)
			if err != nil {
				return "", err
			}
			if err := env.WriteFile(filePath, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), filepath.Base(filePath)), nil
		})
}

// NewEditFileTool does exact-string replacement. A non-unique old_string
// fails rather than guessing, unless replace_all is set.
func NewEditFileTool() *RegisteredTool {
	return coreTool("edit_file",
		"Replace an exact string occurrence in a file.",
		`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the file to edit"},
				"old_string": {"type": "string", "description": "Exact text to find in the file"},
				"new_string": {"type": "string", "description": "Replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace all occurrences (default: false)"}
			},
			"required": ["file_path", "old_string", "new_string"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			filePath, err := getStringArg(args, "file_path", true)
			if err != nil {
				return "", err
			}
			oldString, err := getStringArg(args, "old_string", true)
			if err != nil {
				return "", err
			}
			newString, err := getStringArg(args, "new_string", true)
			if err != nil {
				return "", err
			}
			replaceAll, err := getBoolArg(args, "replace_all", false)
			if err != nil {
				return "", err
			}

			content, err := env.ReadFile(filePath, 0, 0)
			if err != nil {
				return "", err
			}
			// ReadFile numbers its lines; edit and write back the file's own text
			content = stripLineNumbers(content)

			count := strings.Count(content, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", filePath)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string is not unique in %s (found %d occurrences). "+
					"Provide more context to make it unique, or set replace_all=true", filePath, count)
			}

			replacements := 1
			var updated string
			if replaceAll {
				updated = strings.ReplaceAll(content, oldString, newString)
				replacements = count
			} else {
				updated = strings.Replace(content, oldString, newString, 1)
			}

			if err := env.WriteFile(filePath, updated); err != nil {
				return "", err
			}
			return fmt.Sprintf("Made %d replacement(s) in %s", replacements, filepath.Base(filePath)), nil
		})
}

// NewMoveFileTool renames a file.
func NewMoveFileTool() *RegisteredTool {
	return coreTool("move_file",
		"Move or rename a file.",
		`{
			"type": "object",
			"properties": {
				"source_path": {"type": "string", "description": "Path of the file to move"},
				"destination_path": {"type": "string", "description": "Destination path for the file"}
			},
			"required": ["source_path", "destination_path"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			src, err := getStringArg(args, "source_path", true)
			if err != nil {
				return "", err
			}
			dst, err := getStringArg(args, "destination_path", true)
			if err != nil {
				return "", err
			}
			if err := env.MoveFile(src, dst); err != nil {
				return "", err
			}
			return fmt.Sprintf("Moved %s to %s", src, dst), nil
		})
}

// NewDeleteFileTool removes a file or empty directory.
func NewDeleteFileTool() *RegisteredTool {
	return coreTool("delete_file",
		"Delete a file or empty directory.",
		`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Path of the file to delete"}
			},
			"required": ["file_path"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			filePath, err := getStringArg(args, "file_path", true)
			if err != nil {
				return "", err
			}
			if err := env.DeleteFile(filePath); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deleted %s", filePath), nil
		})
}

// --- shell ---

// NewShellTool runs a command under the environment's timeout discipline and
// reports both streams plus the exit code.
func NewShellTool() *RegisteredTool {
	return coreTool("shell",
		"Execute a shell command. Returns stdout, stderr, and exit code.",
		`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to run"},
				"timeout_ms": {"type": "integer", "description": "Command timeout in milliseconds (default: 10000)"},
				"description": {"type": "string", "description": "Human-readable description of what this command does"}
			},
			"required": ["command"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			command, err := getStringArg(args, "command", true)
			if err != nil {
				return "", err
			}
			timeoutMs, err := getIntArg(args, "timeout_ms", 10000)
			if err != nil {
				return "", err
			}

			result, err := env.ExecCommand(command, timeoutMs, "", nil)
			if err != nil {
				return "", err
			}

			var out strings.Builder
			out.WriteString(result.Stdout)
			if result.Stderr != "" {
				if out.Len() > 0 {
					out.WriteByte('\n')
				}
				out.WriteString("[stderr]\n")
				out.WriteString(result.Stderr)
			}
			fmt.Fprintf(&out, "\n[exit code: %d, duration: %dms]", result.ExitCode, result.DurationMs)
			if result.TimedOut {
				fmt.Fprintf(&out, "\n[ERROR: Command timed out after %dms. Partial output is shown above. "+
					"You can retry with a longer timeout by setting the timeout_ms parameter.]", timeoutMs)
			}
			return out.String(), nil
		})
}

// --- search tools ---

// NewGrepTool searches file contents by regex with optional filters.
func NewGrepTool() *RegisteredTool {
	return coreTool("grep",
		"Search file contents using regex patterns.",
		`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regex pattern to search for"},
				"path": {"type": "string", "description": "Directory or file to search (default: working directory)"},
				"glob_filter": {"type": "string", "description": "File pattern filter (e.g., '*.py')"},
				"case_insensitive": {"type": "boolean", "description": "Case insensitive search (default: false)"},
				"max_results": {"type": "integer", "description": "Maximum number of results (default: 100)"}
			},
			"required": ["pattern"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			pattern, err := getStringArg(args, "pattern", true)
			if err != nil {
				return "", err
			}
			path, err := getStringArg(args, "path", false)
			if err != nil {
				return "", err
			}
			if path == "" {
				path = env.WorkingDirectory()
			}
			globFilter, err := getStringArg(args, "glob_filter", false)
			if err != nil {
				return "", err
			}
			caseInsensitive, err := getBoolArg(args, "case_insensitive", false)
			if err != nil {
				return "", err
			}
			maxResults, err := getIntArg(args, "max_results", 100)
			if err != nil {
				return "", err
			}

			return env.Grep(pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
		})
}

// NewGlobTool lists files matching a glob pattern.
func NewGlobTool() *RegisteredTool {
	return coreTool("glob",
		"Find files matching a glob pattern.",
		`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern (e.g., '**/*.ts')"},
				"path": {"type": "string", "description": "Base directory (default: working directory)"}
			},
			"required": ["pattern"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			pattern, err := getStringArg(args, "pattern", true)
			if err != nil {
				return "", err
			}
			path, err := getStringArg(args, "path", false)
			if err != nil {
				return "", err
			}
			if path == "" {
				path = env.WorkingDirectory()
			}

			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		})
}

// NewListDirectoryTool lists a directory, optionally recursing.
func NewListDirectoryTool() *RegisteredTool {
	return coreTool("list_dir",
		"List entries in a directory, optionally recursing to a given depth.",
		`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory to list (default: working directory)"},
				"depth": {"type": "integer", "description": "Recursion depth: 0 for immediate children only, -1 for unlimited (default: 0)"}
			}
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			path, err := getStringArg(args, "path", false)
			if err != nil {
				return "", err
			}
			if path == "" {
				path = env.WorkingDirectory()
			}
			depth, err := getIntArg(args, "depth", 0)
			if err != nil {
				return "", err
			}

			entries, err := env.ListDirectory(path, depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}

			rows := make([]string, len(entries))
			for i, entry := range entries {
				if entry.IsDir {
					rows[i] = entry.Name + "/"
				} else {
					rows[i] = fmt.Sprintf("%s (%d bytes)", entry.Name, entry.Size)
				}
			}
			return strings.Join(rows, "\n"), nil
		})
}

// --- patch ---

// NewApplyPatchTool runs the v4a patch engine from patch.go.
func NewApplyPatchTool() *RegisteredTool {
	return coreTool("apply_patch",
		"Apply code changes using the v4a patch format. Supports creating, deleting, updating, and moving files in a single operation.",
		`{
			"type": "object",
			"properties": {
				"patch": {"type": "string", "description": "The patch content in v4a format"}
			},
			"required": ["patch"]
		}`,
		func(args map[string]any, env ExecutionEnvironment) (string, error) {
			patchStr, err := getStringArg(args, "patch", true)
			if err != nil {
				return "", err
			}
			patch, err := ParsePatch(patchStr)
			if err != nil {
				return "", err
			}
			result, err := ApplyPatch(patch, env)
			if err != nil {
				return "", err
			}
			return result.Summary, nil
		})
}

// RegisterCoreTools installs the complete built-in tool set.
func RegisterCoreTools(registry *ToolRegistry) {
	for _, tool := range []*RegisteredTool{
		NewReadFileTool(),
		NewWriteFileTool(),
		NewEditFileTool(),
		NewShellTool(),
		NewGrepTool(),
		NewGlobTool(),
		NewListDirectoryTool(),
		NewMoveFileTool(),
		NewDeleteFileTool(),
		NewApplyPatchTool(),
	} {
		registry.Register(tool)
	}
}
