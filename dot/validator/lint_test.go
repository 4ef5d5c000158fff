// ABOUTME: Lint rule tests: one well-formed graph stays clean, each rule fires on its own trigger.
package validator

import (
	"fmt"
	"testing"

	"github.com/basaltrun/attractor/dot"
)

func lint(t *testing.T, src string) []dot.Diagnostic {
	t.Helper()
	g, err := dot.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return Lint(g)
}

func rulesFired(diags []dot.Diagnostic) map[string]int {
	fired := map[string]int{}
	for _, d := range diags {
		fired[d.Rule]++
	}
	return fired
}

const cleanGraph = `digraph g {
	graph [goal="prove the linter wrong", rankdir=LR]
	start [shape=Mdiamond]
	work [shape=box, prompt="do it", goal_gate=true, retry_target=work2]
	work2 [shape=box, prompt="fix it"]
	check [shape=diamond]
	done [shape=Msquare]
	start -> work
	work -> check
	check -> done [label=success]
	check -> work2 [label=fail, weight=2, condition="outcome=fail"]
	work2 -> check
}`

func TestCleanGraphHasNoFindings(t *testing.T) {
	diags := lint(t, cleanGraph)
	if len(diags) != 0 {
		t.Errorf("clean graph produced findings: %+v", diags)
	}
}

func TestStructuralRules(t *testing.T) {
	cases := []struct {
		name string
		src  string
		rule string
	}{
		{"no start", `digraph g { a [shape=box, prompt=p]; e [shape=Msquare]; a -> e }`, "start_node"},
		{"two starts", `digraph g { s1 [shape=Mdiamond]; s2 [shape=Mdiamond]; e [shape=Msquare]; s1 -> e; s2 -> e }`, "start_node"},
		{"no exit", `digraph g { s [shape=Mdiamond]; a [shape=box, prompt=p]; s -> a; a -> s2x [label=l]; s2x [shape=box, prompt=p] }`, "exit_node"},
		{"unreachable", `digraph g { s [shape=Mdiamond]; e [shape=Msquare]; lost [shape=box, prompt=p]; s -> e; lost -> e }`, "reachability"},
		{"incoming to start", `digraph g { s [shape=Mdiamond]; e [shape=Msquare]; s -> e; e2 [shape=box, prompt=p]; s -> e2; e2 -> s }`, "start_no_incoming"},
		{"outgoing from exit", `digraph g { s [shape=Mdiamond]; e [shape=Msquare]; s -> e; e -> s2 [label=l]; s2 [shape=box, prompt=p] }`, "exit_no_outgoing"},
		{"self loop", `digraph g { s [shape=Mdiamond]; e [shape=Msquare]; a [shape=box, prompt=p]; s -> a; a -> a; a -> e }`, "self_loop"},
		{"dead end", `digraph g { s [shape=Mdiamond]; e [shape=Msquare]; a [shape=box, prompt=p]; s -> a; s -> e }`, "dead_end"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if fired := rulesFired(lint(t, tc.src)); fired[tc.rule] == 0 {
				t.Errorf("rule %q did not fire; fired=%v", tc.rule, fired)
			}
		})
	}
}

func TestAttributeRules(t *testing.T) {
	base := `digraph g { graph [goal=x]; s [shape=Mdiamond]; e [shape=Msquare]; %s s -> n; n -> e }`
	cases := []struct {
		name string
		node string
		rule string
	}{
		{"unknown shape", `n [shape=starburst, prompt=p];`, "valid_shape"},
		{"missing prompt", `n [shape=box];`, "prompt_required"},
		{"bad retries", `n [shape=box, prompt=p, max_retries=lots];`, "max_retries"},
		{"negative retries", `n [shape=box, prompt=p, max_retries=-1];`, "max_retries"},
		{"bad fidelity", `n [shape=box, prompt=p, fidelity=psychic];`, "valid_fidelity"},
		{"bad type", `n [shape=box, prompt=p, type=warp_drive];`, "type_known"},
		{"missing retry target", `n [shape=box, prompt=p, retry_target=ghost];`, "retry_target"},
		{"gate without retry", `n [shape=box, prompt=p, goal_gate=true];`, "goal_gate_has_retry"},
		{"gate on non-codergen", `n [shape=hexagon, goal_gate=true, retry_target=e];`, "goal_gate_codergen"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := fmt.Sprintf(base, tc.node)
			if fired := rulesFired(lint(t, src)); fired[tc.rule] == 0 {
				t.Errorf("rule %q did not fire; fired=%v", tc.rule, fired)
			}
		})
	}
}

func TestEdgeRules(t *testing.T) {
	cases := []struct {
		name string
		src  string
		rule string
	}{
		{"bad condition", `digraph g { graph [goal=x]; s [shape=Mdiamond]; e [shape=Msquare]; s -> e [condition="no operator here"] }`, "condition_syntax"},
		{"bad weight", `digraph g { graph [goal=x]; s [shape=Mdiamond]; e [shape=Msquare]; s -> e [weight=heavy] }`, "valid_weight"},
		{"zero weight", `digraph g { graph [goal=x]; s [shape=Mdiamond]; e [shape=Msquare]; s -> e [weight=0] }`, "valid_weight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if fired := rulesFired(lint(t, tc.src)); fired[tc.rule] == 0 {
				t.Errorf("rule %q did not fire; fired=%v", tc.rule, fired)
			}
		})
	}
}

func TestGraphLevelWarnings(t *testing.T) {
	fired := rulesFired(lint(t, `digraph g { graph [rankdir=UP]; s [shape=Mdiamond]; e [shape=Msquare]; s -> e }`))
	if fired["valid_rankdir"] == 0 {
		t.Errorf("rankdir rule missing: %v", fired)
	}
	if fired["graph_goal"] == 0 {
		t.Errorf("goal rule missing: %v", fired)
	}
}

func TestDiamondOutcomeRule(t *testing.T) {
	src := `digraph g { graph [goal=x]
		s [shape=Mdiamond]; d [shape=diamond]; e [shape=Msquare]
		s -> d
		d -> e [label=success]
	}`
	if fired := rulesFired(lint(t, src)); fired["incomplete_outcomes"] == 0 {
		t.Errorf("diamond missing fail edge should warn: %v", fired)
	}
}

func TestConditionGrammar(t *testing.T) {
	valid := []string{"a = b", "a != b", "a=b && c=d", "context.ready = true"}
	for _, expr := range valid {
		if err := validateConditionExpr(expr); err != nil {
			t.Errorf("%q should validate: %v", expr, err)
		}
	}
	invalid := []string{"", "just words", "= b", "a =", "a=b && "}
	for _, expr := range invalid {
		if err := validateConditionExpr(expr); err == nil {
			t.Errorf("%q should fail", expr)
		}
	}
}
