// ABOUTME: Runtime-support tests: watchdog stalls, preflight checks, interviewers, the shell runner, context bag.
package attractor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- context store ---

func TestContextBasics(t *testing.T) {
	ctx := NewContext()
	ctx.Set("s", "text")
	ctx.Set("n", 42)

	if ctx.GetString("s", "") != "text" {
		t.Error("string readback")
	}
	if ctx.GetString("n", "fallback") != "fallback" {
		t.Error("non-string coerces to the default, never errors")
	}
	if ctx.GetString("missing", "dflt") != "dflt" {
		t.Error("missing key default")
	}
	if !ctx.Has("n") || ctx.Has("missing") {
		t.Error("Has wrong")
	}

	ctx.ApplyUpdates(map[string]any{"a": 1, "b": 2})
	if ctx.Get("a") == nil || ctx.Get("b") == nil {
		t.Error("bulk merge lost keys")
	}
}

func TestContextSnapshotAndCloneAreIndependent(t *testing.T) {
	ctx := NewContext()
	ctx.Set("k", "original")
	ctx.AppendLog("entry")

	snap := ctx.Snapshot()
	clone := ctx.Clone()
	ctx.Set("k", "mutated")
	ctx.AppendLog("second")

	if snap["k"] != "original" {
		t.Error("snapshot mutated")
	}
	if clone.GetString("k", "") != "original" || len(clone.Logs()) != 1 {
		t.Error("clone mutated")
	}
	clone.Set("k", "clone-side")
	if ctx.GetString("k", "") != "mutated" {
		t.Error("clone wrote back into the parent")
	}
}

// --- watchdog ---

func TestWatchdogFlagsStalledNodeOnce(t *testing.T) {
	var mu sync.Mutex
	var events []EngineEvent
	wd := NewWatchdog(WatchdogConfig{StallTimeout: time.Millisecond, CheckInterval: time.Hour},
		func(evt EngineEvent) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		})

	wd.NodeStarted("slow")
	time.Sleep(5 * time.Millisecond)
	wd.check()
	wd.check() // second sweep must not duplicate the warning

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly one stall warning", len(events))
	}
	if events[0].Type != EventStageStalled || events[0].NodeID != "slow" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestWatchdogFinishedNodesAreNotStalled(t *testing.T) {
	fired := false
	wd := NewWatchdog(WatchdogConfig{StallTimeout: time.Millisecond, CheckInterval: time.Hour},
		func(EngineEvent) { fired = true })

	wd.NodeStarted("quick")
	wd.NodeFinished("quick")
	time.Sleep(3 * time.Millisecond)
	wd.check()

	if fired {
		t.Error("finished node warned")
	}
	if len(wd.ActiveNodes()) != 0 {
		t.Error("finished node still tracked")
	}
}

func TestWatchdogHandleEventRouting(t *testing.T) {
	wd := NewWatchdog(DefaultWatchdogConfig(), nil)
	wd.HandleEvent(EngineEvent{Type: EventStageStarted, NodeID: "n"})
	if len(wd.ActiveNodes()) != 1 {
		t.Error("start event not tracked")
	}
	wd.HandleEvent(EngineEvent{Type: EventStageFailed, NodeID: "n"})
	if len(wd.ActiveNodes()) != 0 {
		t.Error("fail event should untrack")
	}
}

// --- preflight ---

func TestPreflightEnvRequired(t *testing.T) {
	const envVar = "ATTRACTOR_PREFLIGHT_TEST_VAR"
	g := newTestGraph()
	addNode(g, "n", map[string]string{"shape": "hexagon", "env_required": envVar})

	checks := BuildPreflightChecks(g, EngineConfig{})
	result := RunPreflight(context.Background(), checks)
	if result.OK() {
		t.Fatal("unset env var should fail preflight")
	}
	if !strings.Contains(result.Error(), envVar) {
		t.Errorf("failure should name the variable: %s", result.Error())
	}

	os.Setenv(envVar, "present")
	defer os.Unsetenv(envVar)
	if !RunPreflight(context.Background(), BuildPreflightChecks(g, EngineConfig{})).OK() {
		t.Error("set env var should pass")
	}
}

func TestPreflightCodergenNeedsBackend(t *testing.T) {
	g := newTestGraph()
	addNode(g, "n", map[string]string{"shape": "box", "prompt": "p"})

	missing := RunPreflight(context.Background(), BuildPreflightChecks(g, EngineConfig{}))
	if missing.OK() {
		t.Error("codergen node without a backend should fail preflight")
	}

	ok := RunPreflight(context.Background(), BuildPreflightChecks(g, EngineConfig{Backend: &stubCodergenBackend{}}))
	if !ok.OK() {
		t.Errorf("configured backend should pass: %s", ok.Error())
	}
}

func TestPreflightRunsEveryCheck(t *testing.T) {
	ran := 0
	checks := []PreflightCheck{
		{Name: "first", Check: func(context.Context) error { ran++; return errors.New("nope") }},
		{Name: "second", Check: func(context.Context) error { ran++; return nil }},
		{Name: "third", Check: func(context.Context) error { ran++; return errors.New("also nope") }},
	}
	result := RunPreflight(context.Background(), checks)
	if ran != 3 {
		t.Errorf("ran %d checks; no short-circuiting allowed", ran)
	}
	if len(result.Failed) != 2 || len(result.Passed) != 1 {
		t.Errorf("result = %+v", result)
	}
}

// --- interviewers ---

func TestAutoApproveInterviewer(t *testing.T) {
	withDefault := NewAutoApproveInterviewer("always this")
	if got, _ := withDefault.Ask(context.Background(), "q", []string{"a", "b"}); got != "always this" {
		t.Errorf("got %q", got)
	}
	firstOption := NewAutoApproveInterviewer("")
	if got, _ := firstOption.Ask(context.Background(), "q", []string{"a", "b"}); got != "a" {
		t.Errorf("got %q", got)
	}
}

func TestQueueInterviewerDrainsThenFails(t *testing.T) {
	q := NewQueueInterviewer("one", "two")
	for _, want := range []string{"one", "two"} {
		if got, err := q.Ask(context.Background(), "q", nil); err != nil || got != want {
			t.Errorf("got %q err=%v", got, err)
		}
	}
	if _, err := q.Ask(context.Background(), "q", nil); err == nil {
		t.Error("exhausted queue should error instead of hanging")
	}
}

func TestRecordingInterviewerKeepsTranscript(t *testing.T) {
	rec := NewRecordingInterviewer(NewQueueInterviewer("picked"))
	_, _ = rec.Ask(context.Background(), "what now?", []string{"picked", "other"})

	recs := rec.Recordings()
	if len(recs) != 1 || recs[0].Question != "what now?" || recs[0].Answer != "picked" {
		t.Errorf("recordings = %+v", recs)
	}
}

func TestConsoleInterviewerValidatesOptions(t *testing.T) {
	out := &bytes.Buffer{}
	c := NewConsoleInterviewerWithIO(strings.NewReader("b\n"), out)
	got, err := c.Ask(context.Background(), "pick", []string{"A", "B"})
	if err != nil || got != "B" {
		t.Errorf("got %q err=%v (case-insensitive option match)", got, err)
	}
	if !strings.Contains(out.String(), "pick") {
		t.Error("question not printed")
	}

	c2 := NewConsoleInterviewerWithIO(strings.NewReader("zzz\n"), &bytes.Buffer{})
	if _, err := c2.Ask(context.Background(), "pick", []string{"A"}); err == nil {
		t.Error("invalid option should error")
	}
}

func TestNodeIDContextPlumbing(t *testing.T) {
	ctx := WithNodeID(context.Background(), "the-node")
	if NodeIDFromContext(ctx) != "the-node" {
		t.Error("node id lost")
	}
	if NodeIDFromContext(context.Background()) != "" {
		t.Error("absent id should be empty")
	}
}

// --- shell runner ---

func TestRunVerifyCommandStreamsAndExit(t *testing.T) {
	res := runVerifyCommand(context.Background(), "echo ok; echo warn >&2; exit 7", "", time.Minute)
	if res.Success || res.ExitCode != 7 {
		t.Errorf("res = %+v", res)
	}
	if !strings.Contains(res.Stdout, "ok") || !strings.Contains(res.Stderr, "warn") {
		t.Errorf("streams = %q / %q", res.Stdout, res.Stderr)
	}

	good := runVerifyCommand(context.Background(), "true", "", time.Minute)
	if !good.Success || good.ExitCode != 0 {
		t.Errorf("good = %+v", good)
	}
}

func TestRunVerifyCommandTimeout(t *testing.T) {
	start := time.Now()
	res := runVerifyCommand(context.Background(), "sleep 30", "", 200*time.Millisecond)
	if !res.TimedOut || res.Success {
		t.Errorf("res = %+v", res)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout took too long to fire")
	}
}

func TestRunVerifyCommandWorkDir(t *testing.T) {
	dir := t.TempDir()
	res := runVerifyCommand(context.Background(), "pwd", dir, time.Minute)
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("pwd = %q, want %q", res.Stdout, dir)
	}
}
