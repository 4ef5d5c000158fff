// ABOUTME: StartHandler marks the pipeline entry node (shape=Mdiamond) as executed.
// ABOUTME: Its only real work is stamping _started_at into the run context.
package attractor

import (
	"context"
	"fmt"
	"time"
)

// StartHandler runs the graph's entry node. There is nothing to do at the
// start of a pipeline beyond recording when it began.
type StartHandler struct{}

func (h *StartHandler) Type() string { return "start" }

func (h *StartHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Status:         StatusSuccess,
		Notes:          fmt.Sprintf("Pipeline started at node: %s", node.ID),
		ContextUpdates: map[string]any{"_started_at": time.Now().Format(time.RFC3339Nano)},
	}
	return outcome, nil
}
