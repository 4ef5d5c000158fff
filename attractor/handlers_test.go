// ABOUTME: Handler registry and per-handler behavior tests, one section per node type.
// ABOUTME: Shared graph-building fixtures for handler tests live at the top of this file.
package attractor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// --- fixtures shared across handler tests ---

func newTestGraph() *Graph {
	return &Graph{
		Name:         "test",
		Nodes:        make(map[string]*Node),
		Edges:        make([]*Edge, 0),
		Attrs:        make(map[string]string),
		NodeDefaults: make(map[string]string),
		EdgeDefaults: make(map[string]string),
	}
}

func addNode(g *Graph, id string, attrs map[string]string) *Node {
	n := &Node{ID: id, Attrs: attrs}
	g.Nodes[id] = n
	return n
}

func addEdge(g *Graph, from, to string, attrs map[string]string) *Edge {
	e := &Edge{From: from, To: to, Attrs: attrs}
	g.Edges = append(g.Edges, e)
	return e
}

// newContextWithGraph parks the graph under "_graph", the way the engine does
// before dispatching a handler.
func newContextWithGraph(g *Graph) *Context {
	pctx := NewContext()
	pctx.Set("_graph", g)
	return pctx
}

// stubInterviewer answers immediately with a canned response.
type stubInterviewer struct {
	answer string
	err    error
}

func (s *stubInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	return s.answer, s.err
}

// --- registry ---

func TestNewHandlerRegistry(t *testing.T) {
	if NewHandlerRegistry() == nil {
		t.Fatal("NewHandlerRegistry returned nil")
	}
}

func TestHandlerRegistryRegisterAndGet(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register(&StartHandler{})

	got := reg.Get("start")
	if got == nil {
		t.Fatal("expected handler for 'start', got nil")
	}
	if got.Type() != "start" {
		t.Errorf("Type() = %q, want start", got.Type())
	}
}

func TestHandlerRegistryGetMissing(t *testing.T) {
	if got := NewHandlerRegistry().Get("nonexistent"); got != nil {
		t.Errorf("expected nil for missing handler, got %v", got)
	}
}

func TestDefaultHandlerRegistryHasAllHandlers(t *testing.T) {
	reg := DefaultHandlerRegistry()

	for _, typeName := range []string{
		"start", "exit", "codergen", "conditional", "parallel",
		"parallel.fan_in", "tool", "stack.manager_loop", "wait.human",
	} {
		h := reg.Get(typeName)
		if h == nil {
			t.Errorf("default registry missing handler for %q", typeName)
			continue
		}
		if h.Type() != typeName {
			t.Errorf("handler registered under %q reports Type() = %q", typeName, h.Type())
		}
	}
}

func TestHandlerRegistryRegisterOverwrites(t *testing.T) {
	reg := NewHandlerRegistry()
	first := &StartHandler{}
	second := &StartHandler{}
	reg.Register(first)
	reg.Register(second)
	if reg.Get("start") != second {
		t.Error("second Register should replace the first handler")
	}
}

// --- start ---

func TestStartHandlerType(t *testing.T) {
	if got := (&StartHandler{}).Type(); got != "start" {
		t.Errorf("Type() = %q, want start", got)
	}
}

func TestStartHandlerExecute(t *testing.T) {
	h := &StartHandler{}
	g := newTestGraph()
	node := addNode(g, "start", map[string]string{"shape": "Mdiamond"})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	startedAt, ok := outcome.ContextUpdates["_started_at"]
	if !ok {
		t.Fatal("expected _started_at in context updates")
	}
	if _, ok := startedAt.(string); !ok {
		t.Errorf("_started_at should be a string, got %T", startedAt)
	}
}

func TestStartHandlerStartedAtIsValidTimestamp(t *testing.T) {
	h := &StartHandler{}
	g := newTestGraph()
	node := addNode(g, "start", map[string]string{"shape": "Mdiamond"})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts, ok := outcome.ContextUpdates["_started_at"].(string)
	if !ok {
		t.Fatal("_started_at is not a string")
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("_started_at is not RFC3339Nano: %v", err)
	}
}

func TestStartHandlerRespectsContextCancellation(t *testing.T) {
	h := &StartHandler{}
	g := newTestGraph()
	node := addNode(g, "start", map[string]string{"shape": "Mdiamond"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Execute(ctx, node, NewContext(), NewArtifactStore(t.TempDir())); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// --- exit ---

func TestExitHandlerType(t *testing.T) {
	if got := (&ExitHandler{}).Type(); got != "exit" {
		t.Errorf("Type() = %q, want exit", got)
	}
}

func TestExitHandlerExecute(t *testing.T) {
	h := &ExitHandler{}
	g := newTestGraph()
	node := addNode(g, "exit", map[string]string{"shape": "Msquare"})
	pctx := NewContext()
	pctx.Set("some_key", "some_value")

	outcome, err := h.Execute(context.Background(), node, pctx, NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.Notes == "" {
		t.Error("expected non-empty notes on exit")
	}
}

func TestExitHandlerCapturesFinishedAt(t *testing.T) {
	h := &ExitHandler{}
	g := newTestGraph()
	node := addNode(g, "exit", map[string]string{"shape": "Msquare"})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	finishedAt, ok := outcome.ContextUpdates["_finished_at"]
	if !ok {
		t.Fatal("expected _finished_at in context updates")
	}
	if _, ok := finishedAt.(string); !ok {
		t.Errorf("_finished_at should be a string, got %T", finishedAt)
	}
}

// --- codergen ---

func TestCodergenHandlerType(t *testing.T) {
	if got := (&CodergenHandler{}).Type(); got != "codergen" {
		t.Errorf("Type() = %q, want codergen", got)
	}
}

func TestCodergenHandlerExecuteStub(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	node := addNode(g, "codegen1", map[string]string{
		"shape":        "box",
		"prompt":       "Write a function that adds two numbers",
		"label":        "Add Function",
		"llm_model":    "claude-opus-4-20250514",
		"llm_provider": "anthropic",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.ContextUpdates["last_stage"] != "codegen1" {
		t.Errorf("last_stage = %v, want codegen1", outcome.ContextUpdates["last_stage"])
	}
}

func TestCodergenHandlerUsesLabelAsFallbackPrompt(t *testing.T) {
	backend := &fakeBackend{}
	h := &CodergenHandler{Backend: backend}
	g := newTestGraph()
	node := addNode(g, "codegen2", map[string]string{
		"shape": "box",
		"label": "My Label Prompt",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(backend.calls))
	}
	if backend.calls[0].Prompt != "My Label Prompt" {
		t.Errorf("prompt = %q, want the label text", backend.calls[0].Prompt)
	}
}

func TestCodergenHandlerGoalGateAttribute(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	node := addNode(g, "codegen3", map[string]string{
		"shape":     "box",
		"prompt":    "Test something",
		"goal_gate": "true",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

func TestCodergenHandlerMaxRetriesAttribute(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	node := addNode(g, "codegen4", map[string]string{
		"shape":       "box",
		"prompt":      "Do work",
		"max_retries": "3",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

func TestCodergenHandlerRecordsLLMConfig(t *testing.T) {
	h := &CodergenHandler{Backend: &fakeBackend{}}
	g := newTestGraph()
	node := addNode(g, "codegen_cfg", map[string]string{
		"shape":        "box",
		"prompt":       "Generate code",
		"llm_model":    "gpt-4",
		"llm_provider": "openai",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.ContextUpdates["codergen.model"] != "gpt-4" {
		t.Errorf("codergen.model = %v, want gpt-4", outcome.ContextUpdates["codergen.model"])
	}
	if outcome.ContextUpdates["codergen.provider"] != "openai" {
		t.Errorf("codergen.provider = %v, want openai", outcome.ContextUpdates["codergen.provider"])
	}
}

func TestCodergenHandlerRespectsContextCancellation(t *testing.T) {
	h := &CodergenHandler{}
	g := newTestGraph()
	node := addNode(g, "codegen", map[string]string{
		"shape":  "box",
		"prompt": "Do work",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Execute(ctx, node, NewContext(), NewArtifactStore(t.TempDir())); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// --- conditional ---

func TestConditionalHandlerType(t *testing.T) {
	if got := (&ConditionalHandler{}).Type(); got != "conditional" {
		t.Errorf("Type() = %q, want conditional", got)
	}
}

func TestConditionalHandlerSelectsMatchingEdge(t *testing.T) {
	h := &ConditionalHandler{}
	g := newTestGraph()
	node := addNode(g, "gate", map[string]string{"shape": "diamond"})
	addNode(g, "yes_path", map[string]string{})
	addNode(g, "no_path", map[string]string{})
	addEdge(g, "gate", "yes_path", map[string]string{"label": "Yes", "condition": "context.ready = true"})
	addEdge(g, "gate", "no_path", map[string]string{"label": "No", "condition": "context.ready = false"})

	pctx := NewContext()
	pctx.Set("ready", "true")

	outcome, err := h.Execute(context.Background(), node, pctx, NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.Notes == "" {
		t.Error("expected notes describing the evaluation")
	}
}

func TestConditionalHandlerWithOutgoingEdges(t *testing.T) {
	h := &ConditionalHandler{}
	g := newTestGraph()
	node := addNode(g, "branch", map[string]string{"shape": "diamond"})
	addNode(g, "path_a", map[string]string{})
	addNode(g, "path_b", map[string]string{})
	addEdge(g, "branch", "path_a", map[string]string{"label": "A", "condition": "outcome = success"})
	addEdge(g, "branch", "path_b", map[string]string{"label": "B", "condition": "outcome = fail"})

	pctx := NewContext()
	pctx.Set("outcome", "success")

	outcome, err := h.Execute(context.Background(), node, pctx, NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

func TestConditionalHandlerReceivesGraph(t *testing.T) {
	h := &ConditionalHandler{}
	g := newTestGraph()
	g.Attrs["goal"] = "test goal"
	node := addNode(g, "cond", map[string]string{"shape": "diamond"})
	addNode(g, "target", map[string]string{})
	addEdge(g, "cond", "target", map[string]string{"condition": "context.x = y"})

	pctx := NewContext()
	pctx.Set("x", "y")

	outcome, err := h.Execute(context.Background(), node, pctx, NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

// --- parallel fan-out ---

func TestParallelHandlerType(t *testing.T) {
	if got := (&ParallelHandler{}).Type(); got != "parallel" {
		t.Errorf("Type() = %q, want parallel", got)
	}
}

func TestParallelHandlerListsBranches(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	node := addNode(g, "fanout", map[string]string{"shape": "component"})
	for _, id := range []string{"branch1", "branch2", "branch3"} {
		addNode(g, id, map[string]string{})
		addEdge(g, "fanout", id, map[string]string{"label": id})
	}

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	branches, ok := outcome.ContextUpdates["parallel.branches"].([]string)
	if !ok {
		t.Fatalf("parallel.branches should be []string, got %T", outcome.ContextUpdates["parallel.branches"])
	}
	if len(branches) != 3 {
		t.Errorf("branch count = %d, want 3", len(branches))
	}
}

func TestParallelHandlerNoBranches(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	node := addNode(g, "fanout", map[string]string{"shape": "component"})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail for a fan-out with no branches", outcome.Status)
	}
}

func TestParallelHandlerRecordsJoinPolicy(t *testing.T) {
	h := &ParallelHandler{}
	g := newTestGraph()
	node := addNode(g, "fanout", map[string]string{
		"shape":        "component",
		"join_policy":  "first_success",
		"error_policy": "fail_fast",
		"max_parallel": "8",
	})
	addNode(g, "b1", map[string]string{})
	addEdge(g, "fanout", "b1", map[string]string{})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.ContextUpdates["parallel.join_policy"] != "first_success" {
		t.Errorf("join_policy = %v, want first_success", outcome.ContextUpdates["parallel.join_policy"])
	}
}

// --- fan-in ---

func TestFanInHandlerType(t *testing.T) {
	if got := (&FanInHandler{}).Type(); got != "parallel.fan_in" {
		t.Errorf("Type() = %q, want parallel.fan_in", got)
	}
}

func TestFanInHandlerWithResults(t *testing.T) {
	h := &FanInHandler{}
	g := newTestGraph()
	node := addNode(g, "fanin", map[string]string{"shape": "tripleoctagon"})

	pctx := NewContext()
	pctx.Set("parallel.results", "branch1:success,branch2:success")

	outcome, err := h.Execute(context.Background(), node, pctx, NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

func TestFanInHandlerNoResults(t *testing.T) {
	h := &FanInHandler{}
	g := newTestGraph()
	node := addNode(g, "fanin", map[string]string{"shape": "tripleoctagon"})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail when no parallel results exist", outcome.Status)
	}
	if outcome.FailureReason == "" {
		t.Error("expected failure reason for missing results")
	}
}

// --- tool ---

func TestToolHandlerType(t *testing.T) {
	if got := (&ToolHandler{}).Type(); got != "tool" {
		t.Errorf("Type() = %q, want tool", got)
	}
}

func TestToolHandlerRecordsCommand(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	node := addNode(g, "run_tool", map[string]string{
		"shape":   "parallelogram",
		"command": "echo hello",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	stdout, ok := outcome.ContextUpdates["tool.stdout"].(string)
	if !ok {
		t.Fatalf("tool.stdout should be a string, got %T", outcome.ContextUpdates["tool.stdout"])
	}
	if !strings.Contains(stdout, "hello") {
		t.Errorf("tool.stdout = %q, want it to contain 'hello'", stdout)
	}
}

func TestToolHandlerNoCommand(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	node := addNode(g, "run_tool", map[string]string{"shape": "parallelogram"})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail for missing command", outcome.Status)
	}
}

func TestToolHandlerUsesPromptFallbackInRegistry(t *testing.T) {
	h := &ToolHandler{}
	g := newTestGraph()
	node := addNode(g, "run_tool", map[string]string{
		"shape":  "parallelogram",
		"prompt": "echo from_prompt",
	})

	outcome, err := h.Execute(context.Background(), node, NewContext(), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	stdout, ok := outcome.ContextUpdates["tool.stdout"].(string)
	if !ok {
		t.Fatalf("tool.stdout should be a string, got %T", outcome.ContextUpdates["tool.stdout"])
	}
	if !strings.Contains(stdout, "from_prompt") {
		t.Errorf("tool.stdout = %q, want it to contain 'from_prompt'", stdout)
	}
}

// --- manager loop ---

func TestManagerLoopHandlerType(t *testing.T) {
	if got := (&ManagerLoopHandler{}).Type(); got != "stack.manager_loop" {
		t.Errorf("Type() = %q, want stack.manager_loop", got)
	}
}

func TestManagerLoopHandlerRecordsConfig(t *testing.T) {
	h := &ManagerLoopHandler{}
	g := newTestGraph()
	g.Attrs["stack.child_dotfile"] = "child.dot"
	node := addNode(g, "manager", map[string]string{
		"shape":                  "house",
		"manager.poll_interval":  "30s",
		"manager.max_cycles":     "100",
		"manager.stop_condition": "context.done = true",
		"manager.actions":        "observe,steer,wait",
	})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.ContextUpdates["manager.child_dotfile"] != "child.dot" {
		t.Errorf("manager.child_dotfile = %v, want child.dot", outcome.ContextUpdates["manager.child_dotfile"])
	}
	if outcome.ContextUpdates["manager.max_cycles"] != "100" {
		t.Errorf("manager.max_cycles = %v, want 100", outcome.ContextUpdates["manager.max_cycles"])
	}
}

func TestManagerLoopHandlerDefaultConfig(t *testing.T) {
	h := &ManagerLoopHandler{}
	g := newTestGraph()
	node := addNode(g, "manager", map[string]string{"shape": "house"})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
}

// --- human gate (basics; timeout behavior has its own file) ---

func TestWaitForHumanHandlerType(t *testing.T) {
	if got := (&WaitForHumanHandler{}).Type(); got != "wait.human" {
		t.Errorf("Type() = %q, want wait.human", got)
	}
}

func TestWaitForHumanHandlerWithInterviewer(t *testing.T) {
	h := &WaitForHumanHandler{Interviewer: &stubInterviewer{answer: "yes"}}
	g := newTestGraph()
	node := addNode(g, "human_gate", map[string]string{
		"shape": "hexagon",
		"label": "Do you approve?",
	})
	addNode(g, "approve", map[string]string{})
	addNode(g, "reject", map[string]string{})
	addEdge(g, "human_gate", "approve", map[string]string{"label": "[Y] Yes"})
	addEdge(g, "human_gate", "reject", map[string]string{"label": "[N] No"})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", outcome.Status)
	}
	if outcome.ContextUpdates["human.gate.selected"] == "" {
		t.Error("expected human.gate.selected in context updates")
	}
}

func TestWaitForHumanHandlerNoInterviewerUsesNodeAttrs(t *testing.T) {
	h := &WaitForHumanHandler{}
	g := newTestGraph()
	node := addNode(g, "human_gate", map[string]string{
		"shape":    "hexagon",
		"label":    "Pick one",
		"question": "What do you want?",
		"options":  "A,B,C",
	})
	addNode(g, "path_a", map[string]string{})
	addEdge(g, "human_gate", "path_a", map[string]string{"label": "A"})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail without an interviewer", outcome.Status)
	}
}

func TestWaitForHumanHandlerInterviewerError(t *testing.T) {
	h := &WaitForHumanHandler{Interviewer: &stubInterviewer{answer: "", err: fmt.Errorf("human disconnected")}}
	g := newTestGraph()
	node := addNode(g, "human_gate", map[string]string{
		"shape": "hexagon",
		"label": "Approve?",
	})
	addNode(g, "yes", map[string]string{})
	addEdge(g, "human_gate", "yes", map[string]string{"label": "[Y] Yes"})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail on interviewer error", outcome.Status)
	}
	if outcome.FailureReason == "" {
		t.Error("expected failure reason")
	}
}

func TestWaitForHumanHandlerNoEdges(t *testing.T) {
	h := &WaitForHumanHandler{Interviewer: &stubInterviewer{answer: "yes"}}
	g := newTestGraph()
	node := addNode(g, "human_gate", map[string]string{
		"shape": "hexagon",
		"label": "Approve?",
	})

	outcome, err := h.Execute(context.Background(), node, newContextWithGraph(g), NewArtifactStore(t.TempDir()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != StatusFail {
		t.Errorf("Status = %v, want fail for a gate with no outgoing edges", outcome.Status)
	}
}

// --- shape resolution ---

func TestResolveHandlerFromShape(t *testing.T) {
	reg := DefaultHandlerRegistry()

	tests := []struct {
		shape    string
		wantType string
	}{
		{"Mdiamond", "start"},
		{"Msquare", "exit"},
		{"box", "codergen"},
		{"diamond", "conditional"},
		{"component", "parallel"},
		{"tripleoctagon", "parallel.fan_in"},
		{"parallelogram", "tool"},
		{"house", "stack.manager_loop"},
		{"hexagon", "wait.human"},
	}

	for _, tt := range tests {
		handlerType := ShapeToHandlerType(tt.shape)
		h := reg.Get(handlerType)
		if h == nil {
			t.Errorf("no handler for shape %q (type %q)", tt.shape, handlerType)
			continue
		}
		if h.Type() != tt.wantType {
			t.Errorf("shape %q resolved to %q, want %q", tt.shape, h.Type(), tt.wantType)
		}
	}
}

func TestShapeToHandlerTypeUnknownShape(t *testing.T) {
	if got := ShapeToHandlerType("unknown_shape"); got != "codergen" {
		t.Errorf("unknown shape resolved to %q, want codergen", got)
	}
}
