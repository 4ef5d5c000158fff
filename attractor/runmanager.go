// ABOUTME: Multi-run orchestrator composing the Engine, EventBus, and HumanGateRegistry.
// ABOUTME: Exposes start/getRun/getAll/subscribe/submitHumanAnswer over concurrently executing runs.
package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunStatus enumerates the lifecycle phases of a managed run.
type RunStatus string

const (
	RunStatusParse      RunStatus = "PARSE"
	RunStatusValidate   RunStatus = "VALIDATE"
	RunStatusInitialize RunStatus = "INITIALIZE"
	RunStatusExecute    RunStatus = "EXECUTE"
	RunStatusFinalize   RunStatus = "FINALIZE"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
)

// Run is the externally visible record of one pipeline execution, per the
// Run data model: completedNodes is always a prefix of execution order, and
// every id in completedNodes has an entry in NodeOutcomes.
type Run struct {
	ID             string             `json:"id"`
	Source         string             `json:"source"`
	GraphID        string             `json:"graph_id,omitempty"`
	Goal           string             `json:"goal,omitempty"`
	Status         RunStatus          `json:"status"`
	CurrentNode    string             `json:"current_node,omitempty"`
	CompletedNodes []string           `json:"completed_nodes"`
	NodeOutcomes   map[string]Outcome `json:"node_outcomes"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	LogsRoot       string             `json:"logs_root,omitempty"`
	Error          string             `json:"error,omitempty"`

	mu sync.Mutex
}

func (r *Run) snapshot() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := &Run{
		ID:             r.ID,
		Source:         r.Source,
		GraphID:        r.GraphID,
		Goal:           r.Goal,
		Status:         r.Status,
		CurrentNode:    r.CurrentNode,
		CompletedNodes: append([]string(nil), r.CompletedNodes...),
		NodeOutcomes:   make(map[string]Outcome, len(r.NodeOutcomes)),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		LogsRoot:       r.LogsRoot,
		Error:          r.Error,
	}
	for k, v := range r.NodeOutcomes {
		cp.NodeOutcomes[k] = v
	}
	return cp
}

// RunManager drives multiple concurrent pipeline runs, each in its own
// goroutine, and fans their events out through a shared EventBus. It is the
// process-wide home for the runs table, the pending-human-gate table, and
// the persistence debounce, kept as an explicit object rather than package
// globals so tests can construct independent instances.
type RunManager struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	order     []string
	bus       *EventBus
	humanGate *HumanGateRegistry
	handlers  *HandlerRegistry
	backend   CodergenBackend
	artifacts string

	persistPath string
	saveTimer   *time.Timer
	saveMu      sync.Mutex
}

// RunManagerConfig configures a RunManager.
type RunManagerConfig struct {
	ArtifactsBaseDir string
	Handlers         *HandlerRegistry
	Backend          CodergenBackend
	PersistPath      string // if set, runs are periodically debounce-saved here
}

// NewRunManager creates a RunManager. If cfg.PersistPath is set, it attempts
// to load previously persisted runs; in-flight runs from a prior process are
// recorded as-is but are NOT resumed automatically.
func NewRunManager(cfg RunManagerConfig) *RunManager {
	rm := &RunManager{
		runs:        make(map[string]*Run),
		bus:         NewEventBus(),
		humanGate:   NewHumanGateRegistry(),
		handlers:    cfg.Handlers,
		backend:     cfg.Backend,
		artifacts:   cfg.ArtifactsBaseDir,
		persistPath: cfg.PersistPath,
	}
	if rm.persistPath != "" {
		rm.load()
	}
	return rm
}

// Start parses and begins executing dsl as a new run, returning immediately
// with the Run record in VALIDATE status (FAILED, with Error set, when dsl does
// not parse); execution continues on a background goroutine. Use Subscribe to observe progress.
func (rm *RunManager) Start(dsl string) (*Run, error) {
	runID, err := GenerateRunID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	run := &Run{
		ID:             runID,
		Source:         dsl,
		Status:         RunStatusParse,
		CompletedNodes: []string{},
		NodeOutcomes:   make(map[string]Outcome),
		StartedAt:      time.Now(),
	}

	graph, parseErr := Parse(dsl)
	if parseErr != nil {
		run.Status = RunStatusFailed
		run.Error = parseErr.Error()
		now := time.Now()
		run.CompletedAt = &now
		rm.register(run)
		return run.snapshot(), nil
	}
	run.GraphID = graph.Name
	run.Goal = graph.Attrs["goal"]
	run.Status = RunStatusValidate

	rm.register(run)

	go rm.execute(run, graph)

	return run.snapshot(), nil
}

func (rm *RunManager) register(run *Run) {
	rm.mu.Lock()
	rm.runs[run.ID] = run
	rm.order = append(rm.order, run.ID)
	rm.mu.Unlock()
	rm.schedulePersist()
}

// execute drives one run to completion, translating Engine events into Run
// field updates and forwarding every event to the bus.
func (rm *RunManager) execute(run *Run, graph *Graph) {
	artifactDir := filepath.Join(rm.artifactsBaseDir(), run.ID)
	run.mu.Lock()
	run.LogsRoot = artifactDir
	run.Status = RunStatusInitialize
	run.mu.Unlock()

	onAsk := func(nodeID, question string, options []string) {
		rm.bus.Emit(run.ID, EngineEvent{
			Type:      "HUMAN_GATE",
			NodeID:    nodeID,
			Timestamp: time.Now(),
			Data: map[string]any{
				"question": question,
				"options":  options,
			},
		})
	}
	interviewer := NewRendezvousInterviewer(run.ID, rm.humanGate, onAsk)

	handlers := rm.handlers
	if handlers == nil {
		handlers = DefaultHandlerRegistry()
	}
	if h := handlers.Get("wait.human"); h != nil {
		if wh, ok := h.(*WaitForHumanHandler); ok {
			wh.Interviewer = interviewer
		}
	}

	engine := NewEngine(EngineConfig{
		ArtifactDir: artifactDir,
		Handlers:    handlers,
		Backend:     rm.backend,
		EventHandler: func(evt EngineEvent) {
			rm.applyEvent(run, evt)
			rm.bus.Emit(run.ID, evt)
		},
	})

	run.mu.Lock()
	run.Status = RunStatusExecute
	run.mu.Unlock()

	ctx := context.Background()
	result, err := engine.RunGraph(ctx, graph)

	run.mu.Lock()
	now := time.Now()
	run.CompletedAt = &now
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
	} else {
		run.Status = RunStatusCompleted
		if result != nil {
			for id, outcome := range result.NodeOutcomes {
				if outcome != nil {
					run.NodeOutcomes[id] = *outcome
				}
			}
			run.CompletedNodes = append([]string(nil), result.CompletedNodes...)
		}
	}
	run.mu.Unlock()
	rm.schedulePersist()
}

// applyEvent mirrors engine lifecycle events onto the Run record, maintaining
// the completedNodes/nodeOutcomes invariants as each stage finishes.
func (rm *RunManager) applyEvent(run *Run, evt EngineEvent) {
	run.mu.Lock()
	defer run.mu.Unlock()

	switch evt.Type {
	case EventStageStarted:
		run.CurrentNode = evt.NodeID
	case EventStageCompleted:
		run.CompletedNodes = append(run.CompletedNodes, evt.NodeID)
	case EventStageFailed:
		run.CompletedNodes = append(run.CompletedNodes, evt.NodeID)
		status := StatusFail
		if s, ok := evt.Data["status"].(string); ok && s != "" {
			status = StageStatus(s)
		}
		reason, _ := evt.Data["reason"].(string)
		run.NodeOutcomes[evt.NodeID] = Outcome{Status: status, FailureReason: reason}
	}
}

func (rm *RunManager) artifactsBaseDir() string {
	if rm.artifacts != "" {
		return rm.artifacts
	}
	return "./artifacts"
}

// GetRun returns a point-in-time copy of the run with the given id, or nil.
func (rm *RunManager) GetRun(id string) *Run {
	rm.mu.RLock()
	run, ok := rm.runs[id]
	rm.mu.RUnlock()
	if !ok {
		return nil
	}
	return run.snapshot()
}

// GetAll returns a point-in-time copy of every run, oldest first.
func (rm *RunManager) GetAll() []*Run {
	rm.mu.RLock()
	ids := append([]string(nil), rm.order...)
	rm.mu.RUnlock()

	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		if r := rm.GetRun(id); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Subscribe registers fn to receive every event published for runID. Returns
// an unsubscribe function.
func (rm *RunManager) Subscribe(runID string, fn func(EngineEvent)) func() {
	return rm.bus.Subscribe(runID, fn)
}

// SubmitHumanAnswer resolves a pending human gate wait for (runID, nodeID).
// Returns false if nothing was pending.
func (rm *RunManager) SubmitHumanAnswer(runID, nodeID, text string) bool {
	ok := rm.humanGate.SubmitAnswer(runID, nodeID, text)
	if ok {
		rm.bus.Emit(runID, EngineEvent{
			Type:      "HUMAN_ANSWER",
			NodeID:    nodeID,
			Timestamp: time.Now(),
			Data:      map[string]any{"answer": text},
		})
	}
	return ok
}

// schedulePersist debounces a save of all runs to rm.persistPath by 500ms,
// collapsing bursts of updates into a single flush.
func (rm *RunManager) schedulePersist() {
	if rm.persistPath == "" {
		return
	}
	rm.saveMu.Lock()
	defer rm.saveMu.Unlock()
	if rm.saveTimer != nil {
		return
	}
	rm.saveTimer = time.AfterFunc(500*time.Millisecond, func() {
		rm.saveMu.Lock()
		rm.saveTimer = nil
		rm.saveMu.Unlock()
		rm.save()
	})
}

func (rm *RunManager) save() {
	runs := rm.GetAll()
	if err := writeJSONAtomic(rm.persistPath, runs); err != nil {
		// Persistence failures are logged, not fatal: an in-memory run
		// table still serves getRun/getAll/subscribe for the rest of the
		// process lifetime.
		fmt.Fprintf(os.Stderr, "attractor: failed to persist runs: %v\n", err)
	}
}

// load reads previously persisted runs from rm.persistPath. A missing file is
// treated as an empty set; a parse error is logged and the manager starts
// fresh rather than failing construction.
func (rm *RunManager) load() {
	data, err := os.ReadFile(rm.persistPath)
	if err != nil {
		return
	}
	var runs []*Run
	if err := json.Unmarshal(data, &runs); err != nil {
		fmt.Fprintf(os.Stderr, "attractor: failed to parse persisted runs, starting fresh: %v\n", err)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, r := range runs {
		if r.NodeOutcomes == nil {
			r.NodeOutcomes = make(map[string]Outcome)
		}
		rm.runs[r.ID] = r
		rm.order = append(rm.order, r.ID)
	}
}
