// ABOUTME: Graph-shaping tests: $variable expansion, stylesheets, fidelity resolution and compaction, composition.
package attractor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- variable expansion ---

func TestVariableExpansion(t *testing.T) {
	g := newTestGraph()
	g.Attrs["goal"] = "ship the feature"
	addNode(g, "n", map[string]string{"prompt": "Work toward: $goal"})

	(&VariableExpansionTransform{}).Apply(g)

	if got := g.FindNode("n").Attrs["prompt"]; got != "Work toward: ship the feature" {
		t.Errorf("prompt = %q", got)
	}
}

func TestVariableExpansionLeavesUnknownRefs(t *testing.T) {
	g := newTestGraph()
	addNode(g, "n", map[string]string{"prompt": "uses $undefined here"})
	(&VariableExpansionTransform{}).Apply(g)
	if got := g.FindNode("n").Attrs["prompt"]; got != "uses $undefined here" {
		t.Errorf("unknown ref rewritten: %q", got)
	}
}

// --- stylesheet ---

func TestStylesheetParseAndSpecificity(t *testing.T) {
	ss, err := ParseStylesheet(`
		* { llm_model: base-model; temperature: 0.3 }
		.heavy { llm_model: big-model }
		#special { llm_model: special-model }
	`)
	if err != nil {
		t.Fatalf("ParseStylesheet: %v", err)
	}
	if len(ss.Rules) != 3 {
		t.Fatalf("rules = %d", len(ss.Rules))
	}

	plain := &Node{ID: "plain", Attrs: map[string]string{}}
	if got := ss.MatchNode(plain)["llm_model"]; got != "base-model" {
		t.Errorf("universal rule: %q", got)
	}

	classed := &Node{ID: "c", Attrs: map[string]string{"class": "heavy"}}
	if got := ss.MatchNode(classed)["llm_model"]; got != "big-model" {
		t.Errorf("class beats universal: %q", got)
	}

	special := &Node{ID: "special", Attrs: map[string]string{"class": "heavy"}}
	if got := ss.MatchNode(special)["llm_model"]; got != "special-model" {
		t.Errorf("id beats class: %q", got)
	}
	// a non-conflicting universal property still applies
	if got := ss.MatchNode(special)["temperature"]; got != "0.3" {
		t.Errorf("temperature = %q", got)
	}
}

func TestStylesheetApplyRespectsExplicitAttrs(t *testing.T) {
	ss, _ := ParseStylesheet(`* { llm_model: from-sheet }`)
	g := newTestGraph()
	addNode(g, "keeps", map[string]string{"llm_model": "explicit"})
	addNode(g, "gets", map[string]string{})

	ss.Apply(g)

	if g.FindNode("keeps").Attrs["llm_model"] != "explicit" {
		t.Error("explicit attr overwritten")
	}
	if g.FindNode("gets").Attrs["llm_model"] != "from-sheet" {
		t.Error("stylesheet value missing")
	}
}

func TestStylesheetErrors(t *testing.T) {
	for name, input := range map[string]string{
		"empty":        "",
		"no brace":     "* llm_model: x",
		"bad selector": "!! { a: b }",
		"no colon":     "* { not-a-pair }",
	} {
		if _, err := ParseStylesheet(input); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestStylesheetTransformSilentlySkipsBadSheet(t *testing.T) {
	g := newTestGraph()
	g.Attrs["model_stylesheet"] = "{{{{ not parseable"
	addNode(g, "n", map[string]string{})
	// must not panic or alter nodes
	(&StylesheetApplicationTransform{}).Apply(g)
	if len(g.FindNode("n").Attrs) != 0 {
		t.Errorf("attrs appeared from a bad sheet: %v", g.FindNode("n").Attrs)
	}
}

// --- fidelity ---

func TestResolveFidelityPrecedence(t *testing.T) {
	g := newTestGraph()
	g.Attrs["default_fidelity"] = "summary:low"
	node := addNode(g, "n", map[string]string{"fidelity": "truncate"})
	edge := addEdge(g, "a", "n", map[string]string{"fidelity": "full"})

	if got := ResolveFidelity(edge, node, g); got != FidelityFull {
		t.Errorf("edge should win: %v", got)
	}
	delete(edge.Attrs, "fidelity")
	if got := ResolveFidelity(edge, node, g); got != FidelityTruncate {
		t.Errorf("node next: %v", got)
	}
	delete(node.Attrs, "fidelity")
	if got := ResolveFidelity(edge, node, g); got != FidelitySummaryLow {
		t.Errorf("graph default next: %v", got)
	}
	delete(g.Attrs, "default_fidelity")
	if got := ResolveFidelity(edge, node, g); got != FidelityCompact {
		t.Errorf("hard default: %v", got)
	}

	// invalid strings are skipped, not honored
	node.Attrs["fidelity"] = "psychic"
	if got := ResolveFidelity(nil, node, g); got != FidelityCompact {
		t.Errorf("invalid mode honored: %v", got)
	}
}

func TestApplyFidelityModes(t *testing.T) {
	ctx := NewContext()
	ctx.Set("_internal", "hidden")
	ctx.Set("outcome", "success")
	ctx.Set("result_blob", strings.Repeat("x", 2000))
	ctx.Set("note", "short")
	ctx.AppendLog("kept")

	// full passes through untouched
	full, _ := ApplyFidelity(ctx, FidelityFull, FidelityOptions{})
	if full != ctx {
		t.Error("full should return the same context")
	}

	// compact drops _keys and blanks long values
	compact, preamble := ApplyFidelity(ctx, FidelityCompact, FidelityOptions{})
	if compact.Has("_internal") {
		t.Error("compact kept an internal key")
	}
	if compact.GetString("result_blob", "") != "[truncated]" {
		t.Errorf("long value = %q", compact.GetString("result_blob", ""))
	}
	if compact.GetString("note", "") != "short" {
		t.Error("short value lost")
	}
	if !strings.Contains(preamble, "compacted") {
		t.Errorf("preamble = %q", preamble)
	}

	// summary:low keeps only the whitelist
	low, _ := ApplyFidelity(ctx, FidelitySummaryLow, FidelityOptions{})
	if !low.Has("outcome") || low.Has("note") {
		t.Errorf("summary:low keys wrong: %v", low.Snapshot())
	}

	// summary:medium keeps whitelisted plus result-ish keys
	medium, _ := ApplyFidelity(ctx, FidelitySummaryMedium, FidelityOptions{})
	if !medium.Has("result_blob") || medium.Has("note") {
		t.Errorf("summary:medium keys wrong: %v", medium.Snapshot())
	}

	// truncate caps the key count deterministically
	trunc, _ := ApplyFidelity(ctx, FidelityTruncate, FidelityOptions{MaxKeys: 2})
	if len(trunc.Snapshot()) != 2 {
		t.Errorf("truncate kept %d keys", len(trunc.Snapshot()))
	}
}

// --- sub-pipeline composition ---

const childSource = `digraph child {
	c_start [shape=Mdiamond]
	c_work [shape=box, prompt=inner]
	c_done [shape=Msquare]
	c_start -> c_work
	c_work -> c_done
}`

func TestComposeGraphsSplicesChild(t *testing.T) {
	parent := newTestGraph()
	parent.Attrs["goal"] = "parent goal"
	addNode(parent, "start", map[string]string{"shape": "Mdiamond"})
	addNode(parent, "slot", map[string]string{})
	addNode(parent, "end", map[string]string{"shape": "Msquare"})
	addEdge(parent, "start", "slot", nil)
	addEdge(parent, "slot", "end", nil)

	child, err := Parse(childSource)
	if err != nil {
		t.Fatalf("parse child: %v", err)
	}

	composed, err := ComposeGraphs(parent, child, "slot", "sub")
	if err != nil {
		t.Fatalf("ComposeGraphs: %v", err)
	}

	// slot gone, child members namespaced in
	if composed.FindNode("slot") != nil {
		t.Error("insert node should be removed")
	}
	for _, id := range []string{"sub.c_start", "sub.c_work", "sub.c_done"} {
		if composed.FindNode(id) == nil {
			t.Errorf("missing %s", id)
		}
	}

	// parent edges rewired to the child's start/exit
	var intoChild, outOfChild bool
	for _, e := range composed.Edges {
		if e.From == "start" && e.To == "sub.c_start" {
			intoChild = true
		}
		if e.From == "sub.c_done" && e.To == "end" {
			outOfChild = true
		}
	}
	if !intoChild || !outOfChild {
		t.Errorf("rewiring incomplete: %+v", composed.Edges)
	}

	if composed.Attrs["goal"] != "parent goal" {
		t.Error("parent attrs should win")
	}
}

func TestComposeGraphsErrors(t *testing.T) {
	parent := newTestGraph()
	addNode(parent, "only", map[string]string{})
	child, _ := Parse(childSource)

	if _, err := ComposeGraphs(parent, child, "ghost", "ns"); err == nil {
		t.Error("unknown insert node should fail")
	}

	headless, _ := Parse(`digraph h { a [shape=box]; b [shape=Msquare]; a -> b }`)
	if _, err := ComposeGraphs(parent, headless, "only", "ns"); err == nil {
		t.Error("child without a start node should fail")
	}
}

func TestSubPipelineTransformInlines(t *testing.T) {
	childPath := filepath.Join(t.TempDir(), "child.dot")
	if err := os.WriteFile(childPath, []byte(childSource), 0644); err != nil {
		t.Fatalf("write child: %v", err)
	}

	g := newTestGraph()
	addNode(g, "start", map[string]string{"shape": "Mdiamond"})
	addNode(g, "slot", map[string]string{"sub_pipeline": childPath})
	addNode(g, "end", map[string]string{"shape": "Msquare"})
	addEdge(g, "start", "slot", nil)
	addEdge(g, "slot", "end", nil)

	out := (&SubPipelineTransform{}).Apply(g)
	if out.FindNode("slot.c_work") == nil {
		t.Errorf("child not inlined: %v", out.NodeIDs())
	}
}

func TestSubPipelineTransformToleratesMissingFile(t *testing.T) {
	g := newTestGraph()
	addNode(g, "slot", map[string]string{"sub_pipeline": "/does/not/exist.dot"})
	out := (&SubPipelineTransform{}).Apply(g)
	if out.FindNode("slot") == nil {
		t.Error("node should survive a failed inline")
	}
}

// --- restart plumbing ---

func TestEdgeHasLoopRestart(t *testing.T) {
	if !EdgeHasLoopRestart(&Edge{Attrs: map[string]string{"loop_restart": "true"}}) {
		t.Error("true should register")
	}
	if EdgeHasLoopRestart(&Edge{Attrs: map[string]string{"loop_restart": "yes"}}) {
		t.Error("only the literal true counts")
	}
	if EdgeHasLoopRestart(&Edge{}) {
		t.Error("nil attrs is false")
	}
}

func TestRestartDefaults(t *testing.T) {
	if DefaultRestartConfig().MaxRestarts != 5 {
		t.Errorf("MaxRestarts = %d", DefaultRestartConfig().MaxRestarts)
	}
	err := &ErrLoopRestart{TargetNode: "start"}
	if !strings.Contains(err.Error(), "start") {
		t.Errorf("error text: %v", err)
	}
}
