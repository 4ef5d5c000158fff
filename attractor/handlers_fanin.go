// ABOUTME: FanInHandler joins parallel branches (shape=tripleoctagon) back into one path.
// ABOUTME: Branch results are read from context; an optional verify_command re-checks the merged state.
package attractor

import (
	"context"
	"fmt"
)

// FanInHandler consolidates the results the parallel executor left in context
// under "parallel.results". Reaching a fan-in without any recorded results is
// a failure: it means no branch ran.
type FanInHandler struct{}

func (h *FanInHandler) Type() string {
	return "parallel.fan_in"
}

// Execute checks that branch results exist, optionally runs the node's
// verify_command against the merged workspace, and records the join.
func (h *FanInHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if pctx.Get("parallel.results") == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No parallel results to evaluate for fan-in node: " + node.ID,
		}, nil
	}

	if verifyCmd := nodeAttrs(node)["verify_command"]; verifyCmd != "" {
		res := runVerifyCommand(ctx, verifyCmd, verifyWorkDir(store), defaultVerifyTimeout)
		storeVerifyOutput(store, node.ID, "verify_output", res)

		if !res.Success {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("fan-in verify_command failed (exit %d): %s", res.ExitCode, res.Stderr),
				ContextUpdates: map[string]any{
					"last_stage": node.ID,
				},
			}, nil
		}
	}

	return &Outcome{
		Status: StatusSuccess,
		Notes:  "Fan-in merged parallel results at node: " + node.ID,
		ContextUpdates: map[string]any{
			"last_stage":                node.ID,
			"parallel.fan_in.completed": true,
		},
	}, nil
}
