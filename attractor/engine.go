// ABOUTME: Engine drives one pipeline run through PARSE, VALIDATE, INITIALIZE, EXECUTE, FINALIZE.
// ABOUTME: Per-stage dispatch, retry/backoff, checkpointing, fidelity transforms, and edge selection live here.
package attractor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
)

// EngineEventType identifies the kind of lifecycle event the engine emits.
type EngineEventType string

const (
	EventPipelineStarted   EngineEventType = "pipeline.started"
	EventPipelineCompleted EngineEventType = "pipeline.completed"
	EventPipelineFailed    EngineEventType = "pipeline.failed"
	EventStageStarted      EngineEventType = "stage.started"
	EventStageCompleted    EngineEventType = "stage.completed"
	EventStageFailed       EngineEventType = "stage.failed"
	EventStageRetrying     EngineEventType = "stage.retrying"
	EventStageStalled      EngineEventType = "stage.stalled"
	EventCheckpointSaved   EngineEventType = "checkpoint.saved"

	// Bridged from an in-process agent session, so one event stream covers both
	// the pipeline and any codergen node that delegates to an Agent Session.
	EventAgentToolCallStart EngineEventType = "agent.tool_call.start"
	EventAgentToolCallEnd   EngineEventType = "agent.tool_call.end"
	EventAgentLLMTurn       EngineEventType = "agent.llm_turn"
	EventAgentSteering      EngineEventType = "agent.steering"
	EventAgentLoopDetected  EngineEventType = "agent.loop_detected"
)

// EngineEvent is one timestamped entry on the engine's event stream.
type EngineEvent struct {
	Type      EngineEventType
	NodeID    string
	Data      map[string]any
	Timestamp time.Time
}

// EngineConfig configures a single Engine. Zero values fall back to sensible
// defaults (DefaultTransforms, DefaultHandlerRegistry, DefaultRestartConfig).
type EngineConfig struct {
	CheckpointDir      string            // per-stage checkpoint files; empty disables them
	AutoCheckpointPath string            // single overwriting checkpoint path for auto-resume; empty disables it
	ArtifactDir        string            // explicit artifact dir; empty derives one from ArtifactsBaseDir/RunID
	ArtifactsBaseDir   string            // parent of per-run artifact directories (default "artifacts")
	RunID              string            // run identifier; empty auto-generates one
	Transforms         []Transform       // graph transforms to apply before validation
	ExtraLintRules     []LintRule        // additional validation rules beyond the built-ins
	DefaultRetry       RetryPolicy       // fallback retry policy for nodes that don't specify one
	Handlers           *HandlerRegistry  // nil uses DefaultHandlerRegistry
	EventHandler       func(EngineEvent) // optional sink for the event stream
	Backend            CodergenBackend   // backend wired into the codergen handler; nil keeps stub behavior
	BaseURL            string            // default API base URL for codergen nodes, overridable per node
	RestartConfig      *RestartConfig    // loop_restart bookkeeping; nil uses DefaultRestartConfig
}

// NodeHandlerUnwrapper lets a decorator handler (e.g. one that injects an
// Interviewer) expose the handler it wraps, so engine wiring that needs the
// concrete *CodergenHandler can reach through any number of layers.
type NodeHandlerUnwrapper interface {
	InnerHandler() NodeHandler
}

func unwrapHandler(h NodeHandler) NodeHandler {
	for {
		u, ok := h.(NodeHandlerUnwrapper)
		if !ok {
			return h
		}
		h = u.InnerHandler()
	}
}

// Engine runs attractor graph pipelines end to end.
type Engine struct {
	config EngineConfig
}

// RunResult is the terminal state of one pipeline execution.
type RunResult struct {
	FinalOutcome   *Outcome
	CompletedNodes []string
	NodeOutcomes   map[string]*Outcome
	Context        *Context
}

// NewEngine returns an Engine configured by config.
func NewEngine(config EngineConfig) *Engine {
	return &Engine{config: config}
}

// Run parses source and executes the resulting graph through the full lifecycle.
func (e *Engine) Run(ctx context.Context, source string) (*RunResult, error) {
	graph, err := Parse(source)
	if err != nil {
		wrapped := fmt.Errorf("parse error: %w", err)
		e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": wrapped.Error()}})
		return nil, wrapped
	}
	return e.RunGraph(ctx, graph)
}

// RunGraph executes an already-parsed graph through VALIDATE, INITIALIZE,
// EXECUTE, and FINALIZE, restarting from a new run whenever a loop_restart
// edge fires (see restart.go), up to RestartConfig.MaxRestarts.
func (e *Engine) RunGraph(ctx context.Context, graph *Graph) (*RunResult, error) {
	transforms := e.config.Transforms
	if transforms == nil {
		transforms = DefaultTransforms()
	}
	graph = ApplyTransforms(graph, transforms...)

	if _, err := ValidateOrError(graph, e.config.ExtraLintRules...); err != nil {
		wrapped := fmt.Errorf("validation failed: %w", err)
		e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": wrapped.Error()}})
		return nil, wrapped
	}

	if checks := BuildPreflightChecks(graph, e.config); len(checks) > 0 {
		if result := RunPreflight(ctx, checks); !result.OK() {
			err := fmt.Errorf("%s", result.Error())
			e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": err.Error()}})
			return nil, err
		}
	}

	artifactDir, err := e.resolveArtifactDir()
	if err != nil {
		return nil, err
	}
	pctx := e.freshContext(graph, artifactDir)
	store := NewArtifactStore(artifactDir)

	registry := e.config.Handlers
	if registry == nil {
		registry = DefaultHandlerRegistry()
	}
	e.wireCodergenBackend(registry)

	e.emitEvent(EngineEvent{Type: EventPipelineStarted})

	restartCfg := e.config.RestartConfig
	if restartCfg == nil {
		restartCfg = DefaultRestartConfig()
	}

	var startAtNode *Node
	restarts := 0

	for {
		select {
		case <-ctx.Done():
			e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": ctx.Err().Error()}})
			return nil, ctx.Err()
		default:
		}

		result, err := e.executeGraph(ctx, graph, pctx, store, registry, startAtNode, nil)

		var restartErr *ErrLoopRestart
		if errors.As(err, &restartErr) {
			restarts++
			if restarts > restartCfg.MaxRestarts {
				e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": "max restart limit exceeded"}})
				return nil, fmt.Errorf("loop_restart limit exceeded: %d restart(s) performed, max is %d", restarts, restartCfg.MaxRestarts)
			}

			targetNode := graph.FindNode(restartErr.TargetNode)
			if targetNode == nil {
				e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": "restart target not found"}})
				return nil, fmt.Errorf("loop_restart target node %q not found", restartErr.TargetNode)
			}
			pctx = e.freshContext(graph, artifactDir)
			startAtNode = targetNode
			continue
		}

		if err != nil {
			e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": err.Error()}})
			return result, err
		}

		e.emitEvent(EngineEvent{Type: EventPipelineCompleted})
		return result, nil
	}
}

// freshContext builds a Context for a new run (or a loop_restart) by mirroring
// graph-level attributes and the engine-managed graph/workdir references.
func (e *Engine) freshContext(graph *Graph, artifactDir string) *Context {
	pctx := NewContext()
	for k, v := range graph.Attrs {
		pctx.Set(k, v)
	}
	pctx.Set("_graph", graph)
	pctx.Set("_workdir", artifactDir)
	return pctx
}

// wireCodergenBackend installs the engine's configured backend into every
// handler that can run an LLM prompt (codergen nodes, and conditional nodes
// that declare their own prompt), unwrapping any decorator layers to reach
// the concrete handler.
func (e *Engine) wireCodergenBackend(registry *HandlerRegistry) {
	if e.config.Backend == nil {
		return
	}
	if codergenHandler := registry.Get("codergen"); codergenHandler != nil {
		if ch, ok := unwrapHandler(codergenHandler).(*CodergenHandler); ok {
			ch.Backend = e.config.Backend
			ch.BaseURL = e.config.BaseURL
			ch.EventHandler = e.emitEvent
		}
	}
	if condHandler := registry.Get("conditional"); condHandler != nil {
		if ch, ok := unwrapHandler(condHandler).(*ConditionalHandler); ok {
			ch.Backend = e.config.Backend
			ch.BaseURL = e.config.BaseURL
			ch.EventHandler = e.emitEvent
		}
	}
}

// resumeState carries forward checkpointed progress (completed nodes, retry
// counters) into executeGraph when resuming instead of starting fresh.
type resumeState struct {
	completedNodes []string
	nodeRetries    map[string]int
}

// ResumeFromCheckpoint loads cp from checkpointPath and resumes execution at
// the node reached by selecting the edge out of the checkpointed node, using
// the checkpoint's recorded outcome/preferred_label. Because an in-memory
// agent session inside a full-fidelity codergen node cannot be serialised,
// a checkpointed full-fidelity hop is degraded to summary:high on resume.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, graph *Graph, checkpointPath string) (*RunResult, error) {
	cp, err := LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cpNode := graph.FindNode(cp.CurrentNode)
	if cpNode == nil {
		return nil, fmt.Errorf("checkpoint references node %q which does not exist in graph", cp.CurrentNode)
	}

	pctx := NewContext()
	for k, v := range cp.ContextValues {
		pctx.Set(k, v)
	}
	for _, logEntry := range cp.Logs {
		pctx.AppendLog(logEntry)
	}

	cpOutcome := &Outcome{Status: StatusSuccess}
	if s, ok := cp.ContextValues["outcome"].(string); ok {
		cpOutcome.Status = StageStatus(s)
	}
	if s, ok := cp.ContextValues["preferred_label"].(string); ok {
		cpOutcome.PreferredLabel = s
	}

	selectedEdge := SelectEdge(cpNode, cpOutcome, pctx, graph)
	if selectedEdge == nil {
		outEdges := graph.OutgoingEdges(cp.CurrentNode)
		if len(outEdges) == 0 {
			return nil, fmt.Errorf("checkpoint node %q has no outgoing edges, cannot resume", cp.CurrentNode)
		}
		selectedEdge = outEdges[0]
	}

	nextNode := graph.FindNode(selectedEdge.To)
	if nextNode == nil {
		return nil, fmt.Errorf("edge from checkpoint node %q points to nonexistent node %q", cp.CurrentNode, selectedEdge.To)
	}

	resumeFidelity := ResolveFidelity(selectedEdge, nextNode, graph)
	if resumeFidelity == FidelityFull {
		resumeFidelity = FidelitySummaryHigh
	}

	for k, v := range graph.Attrs {
		pctx.Set(k, v)
	}
	pctx.Set("_graph", graph)

	transformed, preamble := ApplyFidelity(pctx, resumeFidelity, FidelityOptions{})
	pctx = transformed
	if preamble != "" {
		pctx.Set("_fidelity_preamble", preamble)
	}
	pctx.Set("_graph", graph)

	artifactDir, resolveErr := e.resolveArtifactDir()
	if resolveErr != nil {
		return nil, resolveErr
	}
	store := NewArtifactStore(artifactDir)

	registry := e.config.Handlers
	if registry == nil {
		registry = DefaultHandlerRegistry()
	}
	e.wireCodergenBackend(registry)

	e.emitEvent(EngineEvent{Type: EventPipelineStarted, Data: map[string]any{"resumed": true, "from_node": cp.CurrentNode}})

	rs := &resumeState{
		completedNodes: cp.CompletedNodes,
		nodeRetries:    cp.NodeRetries,
	}

	result, err := e.executeGraph(ctx, graph, pctx, store, registry, nextNode, rs)
	if err != nil {
		e.emitEvent(EngineEvent{Type: EventPipelineFailed, Data: map[string]any{"error": err.Error()}})
		return result, err
	}

	e.emitEvent(EngineEvent{Type: EventPipelineCompleted, Data: map[string]any{"resumed": true}})
	return result, nil
}

// maxTraversalIterations guards against a malformed graph cycling forever
// when no outcome ever produces a dead end or terminal node.
const maxTraversalIterations = 10000

// executeGraph is the core stage-by-stage traversal loop. startAtNode, when
// non-nil, overrides the graph's declared start node (used by loop_restart
// and by ResumeFromCheckpoint); rs, when non-nil, seeds completed-node and
// retry-counter state from a loaded checkpoint.
func (e *Engine) executeGraph(
	ctx context.Context,
	graph *Graph,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	startAtNode *Node,
	rs *resumeState,
) (*RunResult, error) {
	currentNode := startAtNode
	if currentNode == nil {
		currentNode = graph.FindStartNode()
		if currentNode == nil {
			return nil, fmt.Errorf("graph has no start node (shape=Mdiamond)")
		}
	}

	completedNodes := make([]string, 0)
	nodeOutcomes := make(map[string]*Outcome)
	nodeRetries := make(map[string]int)
	if rs != nil {
		completedNodes = append(completedNodes, rs.completedNodes...)
		for k, v := range rs.nodeRetries {
			nodeRetries[k] = v
		}
	}

	var finalOutcome *Outcome

	for iteration := 0; ; iteration++ {
		if iteration > maxTraversalIterations {
			return nil, fmt.Errorf("execution exceeded maximum iterations (%d), possible infinite loop", maxTraversalIterations)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		node := currentNode
		pctx.Set("current_node", node.ID)

		if isTerminal(node) {
			redirect, result, err := e.enterTerminal(ctx, node, pctx, store, registry, graph, &completedNodes, nodeOutcomes, &finalOutcome)
			if err != nil {
				return nil, err
			}
			if redirect != nil {
				currentNode = redirect
				continue
			}
			return result, nil
		}

		handler := registry.Resolve(node)
		if handler == nil {
			return nil, fmt.Errorf("no handler found for node %q", node.ID)
		}

		e.emitEvent(EngineEvent{Type: EventStageStarted, NodeID: node.ID})

		retryPolicy := buildRetryPolicy(node, graph, e.config.DefaultRetry)
		outcome, err := executeWithRetry(ctx, handler, node, pctx, store, retryPolicy, nodeRetries, func(attempt int) {
			e.emitEvent(EngineEvent{Type: EventStageRetrying, NodeID: node.ID, Data: map[string]any{"attempt": attempt}})
		})
		if err != nil {
			e.emitEvent(EngineEvent{Type: EventStageFailed, NodeID: node.ID, Data: map[string]any{"reason": err.Error()}})
			return nil, fmt.Errorf("node %q execution error: %w", node.ID, err)
		}

		completedNodes = append(completedNodes, node.ID)
		nodeOutcomes[node.ID] = outcome
		e.emitStageResult(node.ID, outcome)
		e.mirrorOutcome(pctx, outcome)

		if branched, err := e.dispatchParallelBranches(ctx, graph, pctx, store, registry, node.ID, &completedNodes, nodeOutcomes); err != nil {
			return nil, err
		} else if branched != nil {
			currentNode = branched
			continue
		}

		e.saveCheckpoints(pctx, node.ID, completedNodes, nodeRetries, outcome.Status)

		nextEdge := SelectEdge(node, outcome, pctx, graph)
		if nextEdge == nil {
			if outcome.Status == StatusFail {
				// Dead-ended failure: a retry target (node-level first, then
				// graph-level) gets one more chance before the run dies.
				// Retry counters are per-node and deliberately not reset.
				if target := getRetryTarget(node, graph); target != "" {
					if targetNode := graph.FindNode(target); targetNode != nil {
						currentNode = targetNode
						continue
					}
				}
				return nil, fmt.Errorf("stage %q failed with no outgoing fail edge", node.ID)
			}
			finalOutcome = outcome
			break
		}

		if EdgeHasLoopRestart(nextEdge) {
			return nil, &ErrLoopRestart{TargetNode: nextEdge.To}
		}

		nextNode := graph.FindNode(nextEdge.To)
		if nextNode == nil {
			return nil, fmt.Errorf("edge from %q points to nonexistent node %q", node.ID, nextEdge.To)
		}
		e.transitionFidelity(pctx, nextEdge, nextNode, graph, store)

		currentNode = nextNode
	}

	return &RunResult{
		FinalOutcome:   finalOutcome,
		CompletedNodes: completedNodes,
		NodeOutcomes:   nodeOutcomes,
		Context:        pctx,
	}, nil
}

// enterTerminal runs a terminal node's handler (if any), enforces goal gates,
// and either returns a redirect node (gate failed, retry target available),
// a final RunResult (gates passed), or an error (gate failed, nothing to
// redirect to).
func (e *Engine) enterTerminal(
	ctx context.Context,
	node *Node,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	graph *Graph,
	completedNodes *[]string,
	nodeOutcomes map[string]*Outcome,
	finalOutcome **Outcome,
) (*Node, *RunResult, error) {
	if handler := registry.Resolve(node); handler != nil {
		e.emitEvent(EngineEvent{Type: EventStageStarted, NodeID: node.ID})
		outcome, err := safeExecute(ctx, handler, node, pctx, store)
		if err != nil {
			e.emitEvent(EngineEvent{Type: EventStageFailed, NodeID: node.ID, Data: map[string]any{"reason": err.Error()}})
			return nil, nil, fmt.Errorf("terminal node %q handler error: %w", node.ID, err)
		}
		*completedNodes = append(*completedNodes, node.ID)
		nodeOutcomes[node.ID] = outcome
		if outcome.ContextUpdates != nil {
			pctx.ApplyUpdates(outcome.ContextUpdates)
		}
		e.emitEvent(EngineEvent{Type: EventStageCompleted, NodeID: node.ID})
		*finalOutcome = outcome
	}

	gateOK, failedNode := checkGoalGates(graph, nodeOutcomes)
	if !gateOK {
		if retryTarget := getRetryTarget(failedNode, graph); retryTarget != "" {
			if targetNode := graph.FindNode(retryTarget); targetNode != nil {
				return targetNode, nil, nil
			}
		}
		return nil, nil, fmt.Errorf("goal gate unsatisfied for node %q, no retry target available", failedNode.ID)
	}

	return nil, &RunResult{
		FinalOutcome:   *finalOutcome,
		CompletedNodes: *completedNodes,
		NodeOutcomes:   nodeOutcomes,
		Context:        pctx,
	}, nil
}

// emitStageResult emits STAGE_COMPLETE or STAGE_FAIL depending on outcome status.
func (e *Engine) emitStageResult(nodeID string, outcome *Outcome) {
	if outcome.Status == StatusSuccess || outcome.Status == StatusPartialSuccess {
		e.emitEvent(EngineEvent{Type: EventStageCompleted, NodeID: nodeID})
		return
	}
	data := map[string]any{"status": string(outcome.Status)}
	if outcome.FailureReason != "" {
		data["reason"] = outcome.FailureReason
	}
	e.emitEvent(EngineEvent{Type: EventStageFailed, NodeID: nodeID, Data: data})
}

// mirrorOutcome applies contextUpdates and writes the outcome/preferred_label
// keys the condition evaluator and edge selector read on the next stage.
func (e *Engine) mirrorOutcome(pctx *Context, outcome *Outcome) {
	if outcome.ContextUpdates != nil {
		pctx.ApplyUpdates(outcome.ContextUpdates)
	}
	pctx.Set("outcome", string(outcome.Status))
	if outcome.PreferredLabel != "" {
		pctx.Set("preferred_label", outcome.PreferredLabel)
	}
}

// dispatchParallelBranches detects a pending parallel.branches marker left by
// a ParallelHandler, runs those branches to completion, merges their contexts,
// and returns the fan-in node to resume at (or nil if no branching occurred).
func (e *Engine) dispatchParallelBranches(
	ctx context.Context,
	graph *Graph,
	pctx *Context,
	store *ArtifactStore,
	registry *HandlerRegistry,
	fromNodeID string,
	completedNodes *[]string,
	nodeOutcomes map[string]*Outcome,
) (*Node, error) {
	branchesVal := pctx.Get("parallel.branches")
	if branchesVal == nil {
		return nil, nil
	}
	branchIDs, ok := branchesVal.([]string)
	if !ok || len(branchIDs) == 0 {
		return nil, nil
	}

	parallelCfg := ParallelConfigFromContext(pctx)
	branchResults, err := ExecuteParallelBranches(ctx, graph, pctx, store, registry, branchIDs, parallelCfg)
	if err != nil {
		return nil, fmt.Errorf("parallel execution from node %q failed: %w", fromNodeID, err)
	}
	if err := MergeContexts(pctx, branchResults, parallelCfg.JoinPolicy); err != nil {
		return nil, fmt.Errorf("parallel merge at node %q failed: %w", fromNodeID, err)
	}

	for _, br := range branchResults {
		*completedNodes = append(*completedNodes, br.NodeID)
		if br.Outcome != nil {
			nodeOutcomes[br.NodeID] = br.Outcome
		}
	}
	pctx.Set("parallel.branches", nil)

	return findFanInNode(graph, branchIDs), nil
}

// saveCheckpoints writes the per-stage checkpoint (if CheckpointDir is set)
// and the single overwriting auto-resume checkpoint (if AutoCheckpointPath is
// set and the stage succeeded). Write failures are logged on the context, not
// fatal to the run.
func (e *Engine) saveCheckpoints(pctx *Context, nodeID string, completedNodes []string, nodeRetries map[string]int, status StageStatus) {
	if e.config.CheckpointDir != "" {
		cp := NewCheckpoint(pctx, nodeID, completedNodes, nodeRetries)
		path := filepath.Join(e.config.CheckpointDir, fmt.Sprintf("checkpoint_%s_%d.json", sanitizeNodeID(nodeID), time.Now().UnixNano()))
		if err := cp.Save(path); err != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to save checkpoint: %v", err))
		} else {
			e.emitEvent(EngineEvent{Type: EventCheckpointSaved, NodeID: nodeID})
		}
	}

	if e.config.AutoCheckpointPath != "" && (status == StatusSuccess || status == StatusPartialSuccess) {
		cp := NewCheckpoint(pctx, nodeID, completedNodes, nodeRetries)
		if err := cp.Save(e.config.AutoCheckpointPath); err != nil {
			pctx.AppendLog(fmt.Sprintf("warning: failed to save auto-checkpoint: %v", err))
		}
	}
}

// transitionFidelity applies the fidelity mode resolved for the edge into
// nextNode, restoring engine-managed context keys (_graph, _workdir) that a
// compacting transform may have dropped, and clearing any stale preamble when
// the transition is full fidelity.
func (e *Engine) transitionFidelity(pctx *Context, edge *Edge, nextNode *Node, graph *Graph, store *ArtifactStore) {
	mode := ResolveFidelity(edge, nextNode, graph)
	if mode == FidelityFull {
		pctx.Set("_fidelity_preamble", nil)
		return
	}
	transformed, preamble := ApplyFidelity(pctx, mode, FidelityOptions{})
	pctx.mu.Lock()
	pctx.values = transformed.values
	pctx.logs = transformed.logs
	pctx.mu.Unlock()
	if preamble != "" {
		pctx.Set("_fidelity_preamble", preamble)
	}
	pctx.Set("_graph", graph)
	if store != nil && store.BaseDir() != "" {
		pctx.Set("_workdir", store.BaseDir())
	}
}

// sanitizeNodeID strips path separators and ".." from a node ID before it is
// used as (part of) a filename, so a crafted node ID cannot escape the
// checkpoint directory.
func sanitizeNodeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", string(os.PathSeparator), "_")
	return r.Replace(id)
}

// safeExecute recovers a handler panic into an error so one misbehaving
// handler cannot take down the engine; the stack trace is folded into the
// error for diagnosis.
func safeExecute(ctx context.Context, handler NodeHandler, node *Node, pctx *Context, store *ArtifactStore) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic in node %q: %v\n%s", node.ID, r, debug.Stack())
			outcome = nil
		}
	}()
	return handler.Execute(ctx, node, pctx, store)
}

// executeWithRetry runs handler to completion or exhaustion under policy,
// calling onRetry before each backoff sleep. A thrown error is treated as
// RETRY until attempts run out, at which point it synthesises FAIL (or
// PARTIAL_SUCCESS when the node allows partial completion).
func executeWithRetry(
	ctx context.Context,
	handler NodeHandler,
	node *Node,
	pctx *Context,
	store *ArtifactStore,
	policy RetryPolicy,
	nodeRetries map[string]int,
	onRetry func(attempt int),
) (*Outcome, error) {
	shouldRetry := policy.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	allowPartial := node.Attrs != nil && node.Attrs["allow_partial"] == "true"

	// a zero-value policy still runs the handler once
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastOutcome *Outcome
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		outcome, err := safeExecute(ctx, handler, node, pctx, store)

		if err != nil {
			lastErr = err
			if attempt < policy.MaxAttempts && shouldRetry(err) {
				nodeRetries[node.ID]++
				if onRetry != nil {
					onRetry(attempt)
				}
				sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
				continue
			}
			if allowPartial {
				reason := fmt.Sprintf("retries exhausted with error: %v", err)
				return &Outcome{
					Status:         StatusPartialSuccess,
					FailureReason:  reason,
					ContextUpdates: map[string]any{"partial_reason": reason},
				}, nil
			}
			return &Outcome{Status: StatusFail, FailureReason: fmt.Sprintf("execution error after %d attempt(s): %v", attempt, err)}, nil
		}

		lastOutcome = outcome

		switch outcome.Status {
		case StatusSuccess, StatusPartialSuccess:
			nodeRetries[node.ID] = 0
			return outcome, nil

		case StatusRetry:
			if attempt < policy.MaxAttempts {
				nodeRetries[node.ID]++
				if onRetry != nil {
					onRetry(attempt)
				}
				sleepWithContext(ctx, policy.Backoff.DelayForAttempt(attempt-1))
				continue
			}
			if allowPartial {
				// The underlying reason survives into context so conditions
				// (and the audit trail) can see why this stage only partially
				// succeeded.
				reason := "retries exhausted"
				if outcome.FailureReason != "" {
					reason = outcome.FailureReason
				}
				return &Outcome{
					Status:         StatusPartialSuccess,
					FailureReason:  "retries exhausted",
					ContextUpdates: map[string]any{"partial_reason": reason},
				}, nil
			}
			return &Outcome{Status: StatusFail, FailureReason: fmt.Sprintf("retries exhausted after %d attempt(s)", attempt)}, nil

		case StatusFail, StatusSkipped:
			return outcome, nil
		}
	}

	if lastOutcome != nil {
		return lastOutcome, nil
	}
	return nil, lastErr
}

// sleepWithContext sleeps for d, returning early if ctx is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// SetEventHandler wires an event sink after construction (e.g. so a TUI or
// web server can attach once it has finished setting up its own state).
func (e *Engine) SetEventHandler(handler func(EngineEvent)) {
	e.config.EventHandler = handler
}

// GetEventHandler returns the engine's current event sink, or nil.
func (e *Engine) GetEventHandler() func(EngineEvent) {
	return e.config.EventHandler
}

// GetHandler returns the handler registered under typeName, initializing a
// default registry first if none was configured.
func (e *Engine) GetHandler(typeName string) NodeHandler {
	if e.config.Handlers == nil {
		e.config.Handlers = DefaultHandlerRegistry()
	}
	return e.config.Handlers.Get(typeName)
}

// SetHandler registers handler, initializing a default registry first if
// none was configured.
func (e *Engine) SetHandler(handler NodeHandler) {
	if e.config.Handlers == nil {
		e.config.Handlers = DefaultHandlerRegistry()
	}
	e.config.Handlers.Register(handler)
}

// resolveArtifactDir picks the directory this run's artifacts live under:
// ArtifactDir verbatim if set, otherwise a fresh run directory under
// ArtifactsBaseDir (default "artifacts") named by RunID (auto-generated if
// empty).
func (e *Engine) resolveArtifactDir() (string, error) {
	if e.config.ArtifactDir != "" {
		return e.config.ArtifactDir, nil
	}

	baseDir := e.config.ArtifactsBaseDir
	if baseDir == "" {
		baseDir = "artifacts"
	}

	runID := e.config.RunID
	if runID == "" {
		runID = generateRunID()
	}

	rd, err := NewRunDirectory(baseDir, runID)
	if err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return rd.BaseDir, nil
}

// generateRunID returns a random hex run identifier, falling back to a
// timestamp-derived one if the system RNG is unavailable.
func generateRunID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// emitEvent stamps evt with the current time (if unset) and forwards it to
// the configured event handler, if any.
func (e *Engine) emitEvent(evt EngineEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if e.config.EventHandler != nil {
		e.config.EventHandler(evt)
	}
}
