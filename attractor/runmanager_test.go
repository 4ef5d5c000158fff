// ABOUTME: Tests for the multi-run orchestrator: start/getRun/getAll/subscribe and human gate wiring.
package attractor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// successHandler is a NodeHandler that always reports success for its type.
type successHandler struct {
	typeName string
}

func newSuccessHandler(typeName string) *successHandler {
	return &successHandler{typeName: typeName}
}

func (h *successHandler) Type() string { return h.typeName }

func (h *successHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	return &Outcome{Status: StatusSuccess}, nil
}

// buildTestRegistry assembles a HandlerRegistry from the given handlers only.
func buildTestRegistry(handlers ...NodeHandler) *HandlerRegistry {
	reg := NewHandlerRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	return reg
}

func waitForRunTerminal(t *testing.T, rm *RunManager, runID string, timeout time.Duration) *Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run := rm.GetRun(runID)
		if run != nil && (run.Status == RunStatusCompleted || run.Status == RunStatusFailed) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status within %s", runID, timeout)
	return nil
}

func TestRunManagerStartCompletesLinearGraph(t *testing.T) {
	startH := newSuccessHandler("start")
	codergenH := newSuccessHandler("codergen")
	exitH := newSuccessHandler("exit")
	reg := buildTestRegistry(startH, codergenH, exitH)

	rm := NewRunManager(RunManagerConfig{
		ArtifactsBaseDir: filepath.Join(t.TempDir(), "artifacts"),
		Handlers:         reg,
		// preflight demands a backend whenever codergen nodes exist
		Backend: &stubCodergenBackend{},
	})

	source := `digraph test {
		start [shape=Mdiamond]
		middle [shape=box]
		done [shape=Msquare]
		start -> middle
		middle -> done
	}`

	run, err := rm.Start(source)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := waitForRunTerminal(t, rm, run.ID, time.Second)
	if final.Status != RunStatusCompleted {
		t.Errorf("expected COMPLETED, got %s (error=%s)", final.Status, final.Error)
	}
	if len(final.CompletedNodes) != 3 {
		t.Errorf("expected 3 completed nodes, got %d: %v", len(final.CompletedNodes), final.CompletedNodes)
	}
}

func TestRunManagerStartWithParseErrorMarksFailed(t *testing.T) {
	rm := NewRunManager(RunManagerConfig{ArtifactsBaseDir: t.TempDir()})

	run, err := rm.Start(`digraph test { this is not valid dot syntax [[[`)
	if err != nil {
		t.Fatalf("Start should report parse failures via the Run record, not an error: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected FAILED for unparseable source, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("expected a populated error message")
	}
}

func TestRunManagerGetAllOrdersByStart(t *testing.T) {
	reg := buildTestRegistry(newSuccessHandler("start"), newSuccessHandler("codergen"), newSuccessHandler("exit"))
	rm := NewRunManager(RunManagerConfig{ArtifactsBaseDir: t.TempDir(), Handlers: reg})

	source := `digraph test {
		start [shape=Mdiamond]
		done [shape=Msquare]
		start -> done
	}`

	run1, _ := rm.Start(source)
	run2, _ := rm.Start(source)

	waitForRunTerminal(t, rm, run1.ID, time.Second)
	waitForRunTerminal(t, rm, run2.ID, time.Second)

	all := rm.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}
	if all[0].ID != run1.ID || all[1].ID != run2.ID {
		t.Errorf("expected runs in start order [%s, %s], got [%s, %s]", run1.ID, run2.ID, all[0].ID, all[1].ID)
	}
}

func TestRunManagerSubscribeReceivesLifecycleEvents(t *testing.T) {
	reg := buildTestRegistry(newSuccessHandler("start"), newSuccessHandler("codergen"), newSuccessHandler("exit"))
	rm := NewRunManager(RunManagerConfig{ArtifactsBaseDir: t.TempDir(), Handlers: reg})

	source := `digraph test {
		start [shape=Mdiamond]
		done [shape=Msquare]
		start -> done
	}`

	run, _ := rm.Start(source)

	var mu sync.Mutex
	var kinds []EngineEventType
	unsubscribe := rm.Subscribe(run.ID, func(e EngineEvent) {
		mu.Lock()
		kinds = append(kinds, e.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	waitForRunTerminal(t, rm, run.ID, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) == 0 {
		t.Error("expected at least one event to be delivered to the subscriber")
	}
}

func TestRunManagerSubmitHumanAnswerWithoutPendingGateReturnsFalse(t *testing.T) {
	rm := NewRunManager(RunManagerConfig{ArtifactsBaseDir: t.TempDir()})
	if rm.SubmitHumanAnswer("no-such-run", "no-such-node", "yes") {
		t.Error("expected false when nothing is pending")
	}
}

func TestRunManagerHumanGateRoundTrip(t *testing.T) {
	reg := buildTestRegistry(newSuccessHandler("start"), newSuccessHandler("exit"))
	reg.Register(&WaitForHumanHandler{})
	rm := NewRunManager(RunManagerConfig{ArtifactsBaseDir: t.TempDir(), Handlers: reg})

	source := `digraph test {
		start [shape=Mdiamond]
		gate [shape=hexagon, label="Proceed?"]
		done [shape=Msquare]
		start -> gate
		gate -> done [label="[Y] Yes"]
	}`

	run, err := rm.Start(source)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// Give the engine a moment to reach the human gate and register it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rm.SubmitHumanAnswer(run.ID, "gate", "Yes") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	final := waitForRunTerminal(t, rm, run.ID, time.Second)
	if final.Status != RunStatusCompleted {
		t.Errorf("expected COMPLETED after human answer, got %s (error=%s)", final.Status, final.Error)
	}
}
