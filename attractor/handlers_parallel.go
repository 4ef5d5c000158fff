// ABOUTME: ParallelHandler starts a fan-out (shape=component) by enumerating branch targets.
// ABOUTME: Branch execution, join policy, and concurrency limits are enforced by the parallel executor.
package attractor

import (
	"context"
	"fmt"
)

// ParallelHandler marks a fan-out point. It lists the node's outgoing edges as
// branches and publishes the join/error/concurrency policy for the executor;
// it does not run the branches itself. The handler signature carries only the
// node, so the graph is fetched from the "_graph" reference the engine parks
// in context before dispatch.
type ParallelHandler struct{}

func (h *ParallelHandler) Type() string { return "parallel" }

// attrOrDefault reads a node attribute with a fallback.
func attrOrDefault(attrs map[string]string, key, fallback string) string {
	if v := attrs[key]; v != "" {
		return v
	}
	return fallback
}

// Execute enumerates branch targets and records the fan-out policy. A fan-out
// node with no outgoing edges is a failure.
func (h *ParallelHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var branchIDs []string
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		for _, e := range g.OutgoingEdges(node.ID) {
			branchIDs = append(branchIDs, e.To)
		}
	}
	if len(branchIDs) == 0 {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No outgoing branches for parallel node: " + node.ID,
		}, nil
	}

	attrs := nodeAttrs(node)
	return &Outcome{
		Status: StatusSuccess,
		Notes:  fmt.Sprintf("Parallel fan-out spawning branches from: %s", node.ID),
		ContextUpdates: map[string]any{
			"last_stage":            node.ID,
			"parallel.branches":     branchIDs,
			"parallel.join_policy":  attrOrDefault(attrs, "join_policy", "wait_all"),
			"parallel.error_policy": attrOrDefault(attrs, "error_policy", "continue"),
			"parallel.max_parallel": attrOrDefault(attrs, "max_parallel", "4"),
		},
	}, nil
}
