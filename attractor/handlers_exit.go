// ABOUTME: ExitHandler runs the terminal node (shape=Msquare), optionally gating on a verify_command.
// ABOUTME: Goal-gate enforcement happens in the engine; this handler only stamps _finished_at.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// ExitHandler runs the graph's terminal node. A verify_command attribute, when
// present, must pass before the exit succeeds; the engine's goal-gate check
// runs separately, after this handler returns.
type ExitHandler struct{}

func (h *ExitHandler) Type() string {
	return "exit"
}

// Execute optionally runs the node's verify_command, then stamps the finish time.
func (h *ExitHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	finishStamp := map[string]any{
		"_finished_at": time.Now().Format(time.RFC3339Nano),
	}

	if verifyCmd := nodeAttrs(node)["verify_command"]; verifyCmd != "" {
		res := runVerifyCommand(ctx, verifyCmd, verifyWorkDir(store), defaultVerifyTimeout)
		storeVerifyOutput(store, node.ID, "verify_output", res)

		if !res.Success {
			return &Outcome{
				Status:         StatusFail,
				FailureReason:  fmt.Sprintf("exit verify_command failed (exit %d): %s", res.ExitCode, res.Stderr),
				ContextUpdates: finishStamp,
			}, nil
		}
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "Pipeline exited at node: " + node.ID,
		ContextUpdates: finishStamp,
	}, nil
}
