// ABOUTME: VerifyHandler (type=verify; not in the default registry) runs a shell command and routes on its exit code.
// ABOUTME: No LLM involvement: exit 0 is success, anything else fails the node.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// VerifyHandler executes the node's "command" attribute deterministically.
// It writes "outcome" into context so conditional edges can route on the
// result without consulting the Outcome status directly.
type VerifyHandler struct{}

func (h *VerifyHandler) Type() string {
	return "verify"
}

// Execute runs the command with the node's timeout (or the package default),
// archives combined output, and maps exit code 0 to success.
func (h *VerifyHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := nodeAttrs(node)
	command := attrs["command"]
	if command == "" {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "no command attribute specified for verify node: " + node.ID,
			ContextUpdates: map[string]any{
				"outcome":    "fail",
				"last_stage": node.ID,
			},
		}, nil
	}

	timeout := defaultVerifyTimeout
	if timeoutStr := attrs["timeout"]; timeoutStr != "" {
		if parsed, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = parsed
		}
	}

	workDir := attrs["working_dir"]
	if workDir == "" {
		workDir = verifyWorkDir(store)
	}

	res := runVerifyCommand(ctx, command, workDir, timeout)
	storeVerifyOutput(store, node.ID, "output", res)

	if res.Success {
		return &Outcome{
			Status: StatusSuccess,
			Notes:  res.Stdout,
			ContextUpdates: map[string]any{
				"outcome":    "success",
				"last_stage": node.ID,
			},
		}, nil
	}

	failureReason := fmt.Sprintf("verify command failed (exit %d): %s", res.ExitCode, res.Stderr)
	if res.TimedOut {
		failureReason = fmt.Sprintf("verify command timed out after %s", timeout)
	}

	return &Outcome{
		Status:        StatusFail,
		Notes:         res.Stdout,
		FailureReason: failureReason,
		ContextUpdates: map[string]any{
			"outcome":    "fail",
			"last_stage": node.ID,
		},
	}, nil
}
