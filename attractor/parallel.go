// ABOUTME: Concurrent branch execution for fan-out nodes, plus the join-policy context merge.
// ABOUTME: Branches run on forked contexts; MergeContexts folds survivors back in, last write wins.
package attractor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// BranchResult is what one parallel branch produced.
type BranchResult struct {
	NodeID        string
	Outcome       *Outcome
	BranchContext *Context
	Error         error
}

// ParallelConfig is the fan-out policy parsed from context.
type ParallelConfig struct {
	MaxParallel int
	JoinPolicy  string
	ErrorPolicy string
	KRequired   int // k_of_n: branches that must succeed
}

// ParallelConfigFromContext reads the parallel.* keys the fan-out handler
// published, falling back to defaults for anything unset.
func ParallelConfigFromContext(pctx *Context) ParallelConfig {
	config := ParallelConfig{
		MaxParallel: 4,
		JoinPolicy:  "wait_all",
		ErrorPolicy: "continue",
	}
	if policy := pctx.GetString("parallel.join_policy", ""); policy != "" {
		config.JoinPolicy = policy
	}
	if policy := pctx.GetString("parallel.error_policy", ""); policy != "" {
		config.ErrorPolicy = policy
	}
	config.MaxParallel = contextInt(pctx, "parallel.max_parallel", config.MaxParallel)
	config.KRequired = contextInt(pctx, "parallel.k_required", config.KRequired)
	return config
}

// contextInt reads a positive integer context value, else fallback.
func contextInt(pctx *Context, key string, fallback int) int {
	s := pctx.GetString(key, "")
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// ExecuteParallelBranches runs the branches on a bounded worker pool, each on
// a clone of the pipeline context. A branch walks edges from its start node
// until it hits a fan-in node, a terminal node, or a failure.
//
// ErrorPolicy "continue" lets every branch finish regardless of failures;
// "fail_fast" cancels the rest as soon as one branch errors or fails.
func ExecuteParallelBranches(
	ctx context.Context,
	graph *Graph,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	branches []string,
	config ParallelConfig,
) ([]BranchResult, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("no branches to execute")
	}

	branchCtx := ctx
	cancelBranches := func() {}
	if config.ErrorPolicy == "fail_fast" {
		branchCtx, cancelBranches = context.WithCancel(ctx)
	}
	defer cancelBranches()

	workers := config.MaxParallel
	if workers <= 0 {
		workers = 4
	}
	if workers > len(branches) {
		workers = len(branches)
	}

	results := make([]BranchResult, len(branches))
	work := make(chan int)
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range work {
				results[idx] = runBranch(branchCtx, graph, pctx, store, registry, branches[idx])
				if config.ErrorPolicy == "fail_fast" && branchFailed(results[idx]) {
					cancelBranches()
				}
			}
		}()
	}
	for idx := range branches {
		work <- idx
	}
	close(work)
	wg.Wait()

	return results, nil
}

func branchFailed(b BranchResult) bool {
	return b.Error != nil || (b.Outcome != nil && b.Outcome.Status == StatusFail)
}

// runBranch forks the context and walks the chain, packaging the outcome.
func runBranch(ctx context.Context, graph *Graph, pctx *Context, store *ArtifactStore, registry *HandlerRegistry, nodeID string) BranchResult {
	if err := ctx.Err(); err != nil {
		return BranchResult{NodeID: nodeID, Error: err}
	}
	forked := pctx.Clone()
	outcome, err := walkBranch(ctx, graph, forked, store, registry, nodeID)
	return BranchResult{NodeID: nodeID, Outcome: outcome, BranchContext: forked, Error: err}
}

// walkBranch executes nodes from startNodeID. Fan-in and terminal nodes end
// the walk without being executed (the engine runs them after the join); a
// FAIL outcome or a dead end ends it too.
func walkBranch(
	ctx context.Context,
	graph *Graph,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	startNodeID string,
) (*Outcome, error) {
	const maxSteps = 1000

	currentNodeID := startNodeID
	var lastOutcome *Outcome

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := graph.FindNode(currentNodeID)
		if node == nil {
			return nil, fmt.Errorf("branch node %q not found in graph", currentNodeID)
		}

		if isFanIn(node) || isTerminal(node) {
			if lastOutcome == nil {
				return &Outcome{Status: StatusSuccess}, nil
			}
			return lastOutcome, nil
		}

		handler := registry.Resolve(node)
		if handler == nil {
			return nil, fmt.Errorf("no handler found for branch node %q", currentNodeID)
		}

		outcome, err := handler.Execute(ctx, node, pctx, store)
		if err != nil {
			return nil, err
		}
		lastOutcome = outcome

		if outcome.ContextUpdates != nil {
			pctx.ApplyUpdates(outcome.ContextUpdates)
		}
		pctx.Set("outcome", string(outcome.Status))
		if outcome.PreferredLabel != "" {
			pctx.Set("preferred_label", outcome.PreferredLabel)
		}

		if outcome.Status == StatusFail {
			return outcome, nil
		}

		nextEdge := SelectEdge(node, outcome, pctx, graph)
		if nextEdge == nil {
			return outcome, nil
		}
		currentNodeID = nextEdge.To
	}

	return nil, fmt.Errorf("branch execution exceeded maximum steps (%d)", maxSteps)
}

func isFanIn(node *Node) bool {
	return node.Attrs != nil && node.Attrs["shape"] == "tripleoctagon"
}

// --- join policies ---

// MergeContexts folds branch results into the parent context per the join
// policy, logging every merge decision (who wrote what, which conflicts were
// resolved last-write-wins) to the parent's log, and consolidating artifact
// references into parallel.artifacts.
//
// Policies: wait_all (every branch must succeed, all merged), wait_any (one
// must succeed, only successes merged), k_of_n (parallel.k_required must
// succeed, defaults to all), quorum (strict majority).
func MergeContexts(parent *Context, branches []BranchResult, policy string) error {
	if policy == "" {
		policy = "wait_all"
	}
	parent.AppendLog(fmt.Sprintf("[merge] starting merge with policy %q for %d branch(es)", policy, len(branches)))

	survivors, err := selectSurvivors(parent, branches, policy)
	if err != nil {
		return err
	}

	mergeBranchContexts(parent, survivors)
	parent.Set("parallel.artifacts", artifactManifest(survivors))
	parent.Set("parallel.results", branches)
	parent.AppendLog(fmt.Sprintf("[merge] completed %s merge: %d branch(es) merged", policy, len(survivors)))
	return nil
}

// selectSurvivors applies the policy's success requirement and picks which
// branch contexts merge.
func selectSurvivors(parent *Context, branches []BranchResult, policy string) ([]BranchResult, error) {
	succeeded := make([]BranchResult, 0, len(branches))
	for _, b := range branches {
		if !branchFailed(b) && b.Outcome != nil {
			succeeded = append(succeeded, b)
		}
	}

	switch policy {
	case "wait_all":
		for _, b := range branches {
			if b.Error != nil {
				return nil, fmt.Errorf("branch %q failed with error: %w", b.NodeID, b.Error)
			}
			if b.Outcome != nil && b.Outcome.Status == StatusFail {
				return nil, fmt.Errorf("branch %q failed: %s", b.NodeID, b.Outcome.FailureReason)
			}
		}
		return branches, nil

	case "wait_any":
		if len(succeeded) == 0 {
			return nil, fmt.Errorf("all branches failed in wait_any policy")
		}
		parent.AppendLog(fmt.Sprintf("[merge] wait_any: %d of %d branch(es) succeeded", len(succeeded), len(branches)))
		return succeeded, nil

	case "k_of_n":
		k := contextInt(parent, "parallel.k_required", len(branches))
		if len(succeeded) < k {
			return nil, fmt.Errorf("k_of_n policy requires %d successful branch(es) but only %d of %d succeeded", k, len(succeeded), len(branches))
		}
		parent.AppendLog(fmt.Sprintf("[merge] k_of_n: %d of %d branch(es) succeeded (required: %d)", len(succeeded), len(branches), k))
		return succeeded, nil

	case "quorum":
		required := len(branches)/2 + 1
		if len(succeeded) < required {
			return nil, fmt.Errorf("quorum policy requires strict majority (%d of %d) but only %d succeeded", required, len(branches), len(succeeded))
		}
		parent.AppendLog(fmt.Sprintf("[merge] quorum: %d of %d branch(es) succeeded (required majority: %d)", len(succeeded), len(branches), required))
		return succeeded, nil
	}

	return nil, fmt.Errorf("unknown join policy: %q", policy)
}

// mergeBranchContexts applies each branch's snapshot onto the parent in
// order, logging conflicts as they're resolved last-write-wins.
func mergeBranchContexts(parent *Context, branches []BranchResult) {
	parentSnap := parent.Snapshot()
	lastWriter := make(map[string]string) // key -> branch that wrote it

	for _, b := range branches {
		if b.BranchContext == nil {
			continue
		}
		snap := b.BranchContext.Snapshot()
		parent.AppendLog(fmt.Sprintf("[merge] merging %d key(s) from branch %q", len(snap), b.NodeID))

		for k, v := range snap {
			if prevBranch, exists := lastWriter[k]; exists {
				parent.AppendLog(fmt.Sprintf("[merge] key %q: conflict between branch %q and branch %q, resolved via last-write-wins (winner: %q)", k, prevBranch, b.NodeID, b.NodeID))
			} else if parentVal, parentHas := parentSnap[k]; parentHas {
				if fmt.Sprintf("%v", parentVal) != fmt.Sprintf("%v", v) {
					parent.AppendLog(fmt.Sprintf("[merge] key %q: branch %q overwrites parent value via last-write-wins", k, b.NodeID))
				}
			}
			lastWriter[k] = b.NodeID
		}
		parent.ApplyUpdates(snap)
	}
}

// artifactManifest collects artifact ids from each branch context, keyed by
// branch. Any context key mentioning "artifact_id" counts as a reference.
func artifactManifest(branches []BranchResult) map[string][]string {
	manifest := make(map[string][]string)
	for _, b := range branches {
		var ids []string
		if b.BranchContext != nil {
			for k, v := range b.BranchContext.Snapshot() {
				if !strings.Contains(k, "artifact_id") {
					continue
				}
				if s, ok := v.(string); ok && s != "" {
					ids = append(ids, s)
				}
			}
		}
		manifest[b.NodeID] = ids
	}
	return manifest
}

// findFanInNode BFSes forward from the branch heads to the tripleoctagon node
// they converge on, or nil when the fan-out never joins.
func findFanInNode(graph *Graph, branchIDs []string) *Node {
	visited := make(map[string]bool)
	queue := append([]string(nil), branchIDs...)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		if visited[nodeID] {
			continue
		}
		visited[nodeID] = true

		node := graph.FindNode(nodeID)
		if node == nil {
			continue
		}
		if isFanIn(node) {
			return node
		}
		for _, edge := range graph.OutgoingEdges(nodeID) {
			if !visited[edge.To] {
				queue = append(queue, edge.To)
			}
		}
	}
	return nil
}
