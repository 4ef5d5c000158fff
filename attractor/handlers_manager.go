// ABOUTME: ManagerLoopHandler (shape=house) supervises a long-running workload: observe, guard, steer.
// ABOUTME: Without a backend it degrades to recording its configuration, so graphs stay runnable headless.
package attractor

import (
	"context"
	"fmt"
	"strconv"
)

// ManagerBackend performs the three supervision actions for a manager-loop
// node. Implementations typically delegate to an LLM or to the run's child
// pipeline state.
type ManagerBackend interface {
	// Observe inspects the supervised work and describes what it sees.
	Observe(ctx context.Context, nodeID string, iteration int, pctx *Context) (string, error)

	// Guard decides whether the observation satisfies guardCondition.
	Guard(ctx context.Context, nodeID string, iteration int, observation string, guardCondition string, pctx *Context) (bool, error)

	// Steer issues a corrective instruction when Guard said off-track.
	Steer(ctx context.Context, nodeID string, iteration int, steerPrompt string, pctx *Context) (string, error)
}

// defaultManagerIterations bounds the loop when max_iterations is absent or
// unparseable.
const defaultManagerIterations = 10

// ManagerLoopHandler runs the observe/guard/steer cycle up to max_iterations
// times. With no Backend it records the manager.* configuration and succeeds,
// which keeps graphs using manager nodes runnable without supervision wiring.
type ManagerLoopHandler struct {
	Backend ManagerBackend
}

func (h *ManagerLoopHandler) Type() string {
	return "stack.manager_loop"
}

func (h *ManagerLoopHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.Backend == nil {
		return h.recordConfigOnly(node, pctx)
	}
	return h.superviseLoop(ctx, node, pctx)
}

// superviseLoop drives the backend through each iteration. Any backend error
// fails the node with a reason naming the action that broke.
func (h *ManagerLoopHandler) superviseLoop(ctx context.Context, node *Node, pctx *Context) (*Outcome, error) {
	attrs := nodeAttrs(node)

	maxIterations := defaultManagerIterations
	if raw := attrs["max_iterations"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxIterations = n
		}
	}

	guardCondition := attrs["guard_condition"]
	steerPrompt := attrs["steer_prompt"]

	steersApplied := 0
	lastObservation := ""

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		observation, err := h.Backend.Observe(ctx, node.ID, iteration, pctx)
		if err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("manager observe failed at iteration %d: %v", iteration, err),
			}, nil
		}
		lastObservation = observation

		onTrack, err := h.Backend.Guard(ctx, node.ID, iteration, observation, guardCondition, pctx)
		if err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("manager guard failed at iteration %d: %v", iteration, err),
			}, nil
		}

		if !onTrack {
			if _, err := h.Backend.Steer(ctx, node.ID, iteration, steerPrompt, pctx); err != nil {
				return &Outcome{
					Status:        StatusFail,
					FailureReason: fmt.Sprintf("manager steer failed at iteration %d: %v", iteration, err),
				}, nil
			}
			steersApplied++
		}
	}

	updates := map[string]any{
		"last_stage":                   node.ID,
		"manager.iterations_completed": maxIterations,
		"manager.steers_applied":       steersApplied,
		"manager.last_observation":     lastObservation,
	}
	if sub := attrs["sub_pipeline"]; sub != "" {
		updates["manager.sub_pipeline"] = sub
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("Manager loop completed %d iteration(s) with %d steer(s) at node: %s", maxIterations, steersApplied, node.ID),
		ContextUpdates: updates,
	}, nil
}

// recordConfigOnly normalizes the manager.* attributes and the graph-level
// child dotfile reference into context without running anything.
func (h *ManagerLoopHandler) recordConfigOnly(node *Node, pctx *Context) (*Outcome, error) {
	attrs := nodeAttrs(node)

	pollInterval := attrs["manager.poll_interval"]
	if pollInterval == "" {
		pollInterval = "45s"
	}
	maxCycles := attrs["manager.max_cycles"]
	if maxCycles == "" {
		maxCycles = "1000"
	}
	actions := attrs["manager.actions"]
	if actions == "" {
		actions = "observe,wait"
	}

	updates := map[string]any{
		"last_stage":            node.ID,
		"manager.poll_interval": pollInterval,
		"manager.max_cycles":    maxCycles,
		"manager.actions":       actions,
	}

	// The child dotfile lives on the graph, which the engine parks in context
	// before dispatch.
	if g, ok := pctx.Get("_graph").(*Graph); ok {
		if childDotfile := g.Attrs["stack.child_dotfile"]; childDotfile != "" {
			updates["manager.child_dotfile"] = childDotfile
		}
	}
	if stop := attrs["manager.stop_condition"]; stop != "" {
		updates["manager.stop_condition"] = stop
	}

	return &Outcome{
		Status:         StatusSuccess,
		Notes:          "Manager loop configured (stub) at node: " + node.ID,
		ContextUpdates: updates,
	}, nil
}
