// ABOUTME: Sub-agent supervision tests: depth bound, rendezvous, repeat waits, forget-on-close.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basaltrun/attractor/llm"
)

func subagentFixture(t *testing.T, script *scriptedLLM) (*SubAgentManager, *testProfile, ExecutionEnvironment, *llm.Client) {
	t.Helper()
	return NewSubAgentManager(0, 2),
		newTestProfile(NewToolRegistry(), false),
		testEnv(t),
		llm.NewClient(llm.WithProvider("test", script))
}

func TestSpawnWaitRendezvous(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.Response{assistantSays("OK")}}
	manager, profile, env, client := subagentFixture(t, script)

	handle, err := manager.Spawn(context.Background(), "do the thing", env, profile, client, 10)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if handle.ID == "" {
		t.Fatal("handle needs an id")
	}

	result, err := manager.Wait(handle.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !result.Success || !strings.Contains(result.Output, "OK") {
		t.Errorf("result = %+v", result)
	}

	// a second wait on a finished child returns immediately with the same answer
	again, err := manager.Wait(handle.ID)
	if err != nil || again.Output != result.Output {
		t.Errorf("repeat wait = %+v err=%v", again, err)
	}

	if status, _ := handle.snapshot(); status != SubAgentCompleted {
		t.Errorf("status = %v, want completed", status)
	}
}

func TestSpawnDepthBound(t *testing.T) {
	script := &scriptedLLM{}
	profile := newTestProfile(NewToolRegistry(), false)
	env := testEnv(t)
	client := llm.NewClient(llm.WithProvider("test", script))

	atLimit := NewSubAgentManager(2, 2)
	if _, err := atLimit.Spawn(context.Background(), "t", env, profile, client, 5); err == nil {
		t.Fatal("depth at the bound must refuse to spawn")
	} else if !strings.Contains(err.Error(), "depth limit") {
		t.Errorf("error = %v", err)
	}

	below := NewSubAgentManager(1, 2)
	handle, err := below.Spawn(context.Background(), "t", env, profile, client, 5)
	if err != nil {
		t.Fatalf("depth below the bound should spawn: %v", err)
	}
	_, _ = below.Wait(handle.ID)
}

func TestChildFailureIsRecorded(t *testing.T) {
	script := &scriptedLLM{err: errProviderDown}
	manager, profile, env, client := subagentFixture(t, script)

	handle, err := manager.Spawn(context.Background(), "t", env, profile, client, 5)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	result, err := manager.Wait(handle.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Success {
		t.Error("LLM failure should mark the child failed")
	}
	if status, _ := handle.snapshot(); status != SubAgentFailed {
		t.Errorf("status = %v, want failed", status)
	}
}

var errProviderDown = &llm.ServerError{ProviderError: llm.ProviderError{
	SDKError: llm.SDKError{Message: "down"},
}}

func TestWaitOutputTruncatedHeadTail(t *testing.T) {
	big := strings.Repeat("H", 15000) + strings.Repeat("T", 15000)
	script := &scriptedLLM{responses: []*llm.Response{assistantSays(big)}}
	manager, profile, env, client := subagentFixture(t, script)

	handle, _ := manager.Spawn(context.Background(), "t", env, profile, client, 5)
	result, err := manager.Wait(handle.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(result.Output) > maxSubAgentOutputChars+200 {
		t.Errorf("output len = %d, cap ignored", len(result.Output))
	}
	if !strings.HasPrefix(result.Output, "H") || !strings.HasSuffix(result.Output, "T") {
		t.Error("head/tail not preserved")
	}
	if !strings.Contains(result.Output, "elided") {
		t.Error("elision marker missing")
	}
}

func TestCloseForgetsWithoutKilling(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.Response{assistantSays("fine")}}
	manager, profile, env, client := subagentFixture(t, script)

	handle, _ := manager.Spawn(context.Background(), "t", env, profile, client, 5)
	<-handle.done // let it finish so the assertion below is deterministic

	if err := manager.Close(handle.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := manager.Get(handle.ID); ok {
		t.Error("closed handle still tracked")
	}
	if err := manager.Close(handle.ID); err == nil {
		t.Error("closing twice should report not-found")
	}
	// the child itself was never cancelled
	if status, _ := handle.snapshot(); status != SubAgentCompleted {
		t.Errorf("status = %v; close must not abort work", status)
	}
}

func TestSendInputOnlyWhileRunning(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.Response{assistantSays("done")}}
	manager, profile, env, client := subagentFixture(t, script)

	handle, _ := manager.Spawn(context.Background(), "t", env, profile, client, 5)
	<-handle.done

	if err := manager.SendInput(handle.ID, "late"); err == nil {
		t.Error("steering a finished child should fail")
	}
	if err := manager.SendInput("missing", "x"); err == nil {
		t.Error("steering an unknown child should fail")
	}
}

func TestSubagentToolsRoundTrip(t *testing.T) {
	script := &scriptedLLM{responses: []*llm.Response{assistantSays("child says hi")}}
	manager, profile, env, client := subagentFixture(t, script)

	spawnOut, err := NewSpawnAgentTool(manager, profile, client).Execute(
		map[string]any{"task": "greet"}, env)
	if err != nil {
		t.Fatalf("spawn tool: %v", err)
	}
	var spawned struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(spawnOut), &spawned); err != nil {
		t.Fatalf("spawn result not JSON: %v", err)
	}
	if spawned.AgentID == "" || spawned.Status != "running" {
		t.Errorf("spawn result = %+v", spawned)
	}

	waitOut, err := NewWaitTool(manager).Execute(map[string]any{"agent_id": spawned.AgentID}, env)
	if err != nil {
		t.Fatalf("wait tool: %v", err)
	}
	if !strings.Contains(waitOut, "child says hi") {
		t.Errorf("wait output = %q", waitOut)
	}

	closeOut, err := NewCloseAgentTool(manager).Execute(map[string]any{"agent_id": spawned.AgentID}, env)
	if err != nil {
		t.Fatalf("close tool: %v", err)
	}
	if !strings.Contains(closeOut, "terminated") {
		t.Errorf("close output = %q", closeOut)
	}

	// unknown ids surface as error strings, not Go errors
	out, err := NewWaitTool(manager).Execute(map[string]any{"agent_id": "ghost"}, env)
	if err != nil || !strings.Contains(out, "Error:") {
		t.Errorf("ghost wait = %q err=%v", out, err)
	}
}
