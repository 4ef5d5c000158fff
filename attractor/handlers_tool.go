// ABOUTME: ToolHandler (shape=parallelogram) executes a tool node's shell command.
// ABOUTME: Captures stdout/stderr/exit code, truncates big output for Notes, archives the full stream.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// toolNotesLimit caps how much stdout rides along in Outcome.Notes; anything
// larger is head/tail truncated and the full stream goes to the artifact store.
const toolNotesLimit = 10 * 1024

// ToolHandler runs an external command for a tool node. The command comes from
// the tool_command attribute, then command, then prompt (for graphs that put
// the shell line in the prompt slot). Exit code 0 is success.
type ToolHandler struct{}

func (h *ToolHandler) Type() string {
	return "tool"
}

func toolNodeCommand(attrs map[string]string) string {
	for _, key := range []string{"tool_command", "command", "prompt"} {
		if attrs[key] != "" {
			return attrs[key]
		}
	}
	return ""
}

// toolNodeEnv collects env_FOO=bar style attributes as FOO=bar pairs.
func toolNodeEnv(attrs map[string]string) []string {
	var env []string
	for k, v := range attrs {
		if len(k) > 4 && k[:4] == "env_" {
			env = append(env, k[4:]+"="+v)
		}
	}
	return env
}

// Execute runs the resolved command with a bounded timeout and reports the
// captured output through ContextUpdates (tool.stdout, tool.stderr,
// tool.exit_code) plus the artifact store.
func (h *ToolHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := nodeAttrs(node)
	command := toolNodeCommand(attrs)
	if command == "" {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No tool_command or tool_name specified for tool node: " + node.ID,
		}, nil
	}

	timeout := defaultVerifyTimeout
	if timeoutStr := attrs["timeout"]; timeoutStr != "" {
		parsed, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("invalid timeout duration %q: %v", timeoutStr, err),
			}, nil
		}
		timeout = parsed
	}

	workDir := attrs["working_dir"]
	if workDir == "" {
		workDir = verifyWorkDir(store)
	}

	res := runShellCommand(ctx, command, workDir, timeout, toolNodeEnv(attrs))

	if store != nil {
		_, _ = store.Store(node.ID+".stdout", "tool_stdout", []byte(res.Stdout))
		if res.Stderr != "" {
			_, _ = store.Store(node.ID+".stderr", "tool_stderr", []byte(res.Stderr))
		}
	}

	updates := map[string]any{
		"last_stage":     node.ID,
		"tool.command":   command,
		"tool.stdout":    res.Stdout,
		"tool.stderr":    res.Stderr,
		"tool.exit_code": res.ExitCode,
	}
	if toolName := attrs["tool_name"]; toolName != "" {
		updates["tool.name"] = toolName
	}

	notes := truncateToolNotes(res.Stdout, node.ID)

	if !res.Success {
		reason := fmt.Sprintf("tool command failed (exit %d): %s", res.ExitCode, res.Stderr)
		if res.TimedOut {
			reason = fmt.Sprintf("tool command killed: timeout after %s", timeout)
		}
		return &Outcome{
			Status:         StatusFail,
			FailureReason:  reason,
			Notes:          notes,
			ContextUpdates: updates,
		}, nil
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          notes,
		ContextUpdates: updates,
	}, nil
}

// truncateToolNotes keeps the head and tail of oversized output and points the
// reader at the archived artifact for the rest.
func truncateToolNotes(out, nodeID string) string {
	if len(out) <= toolNotesLimit {
		return out
	}
	half := toolNotesLimit / 2
	removed := len(out) - toolNotesLimit
	return out[:half] +
		fmt.Sprintf("\n... [truncated %d bytes; full output stored as artifact %s.stdout] ...\n", removed, nodeID) +
		out[len(out)-half:]
}
