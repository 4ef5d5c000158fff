// ABOUTME: Round-trip tests for the dot package: lexing, parsing, the graph model, and serialization.
package dot

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) *Graph {
	t.Helper()
	g, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

// --- lexer ---

func TestLexTokenKinds(t *testing.T) {
	cases := []struct {
		input string
		want  TokenType
		value string
	}{
		{"digraph", TokenDigraph, "digraph"},
		{"subgraph", TokenSubgraph, "subgraph"},
		{"node", TokenNode, "node"},
		{"edge", TokenEdge, "edge"},
		{"true", TokenBoolean, "true"},
		{"someName_1", TokenIdentifier, "someName_1"},
		{"manager.poll_interval", TokenIdentifier, "manager.poll_interval"},
		{"{", TokenLBrace, "{"},
		{"]", TokenRBracket, "]"},
		{"->", TokenArrow, "->"},
		{"42", TokenNumber, "42"},
		{"-3.5", TokenNumber, "-3.5"},
		{`"hi there"`, TokenString, "hi there"},
	}

	for _, tc := range cases {
		tokens, err := Lex(tc.input)
		if err != nil {
			t.Fatalf("Lex(%q): %v", tc.input, err)
		}
		if tokens[0].Type != tc.want || tokens[0].Value != tc.value {
			t.Errorf("Lex(%q)[0] = {%v %q}, want {%v %q}",
				tc.input, tokens[0].Type, tokens[0].Value, tc.want, tc.value)
		}
		if tokens[len(tokens)-1].Type != TokenEOF {
			t.Errorf("Lex(%q) missing trailing EOF", tc.input)
		}
	}
}

func TestLexStringEscapes(t *testing.T) {
	tokens, err := Lex(`"a\"b\\c\nd"`)
	if err != nil {
		t.Fatalf("Lex: %v", err)
	}
	if tokens[0].Value != "a\"b\\c\nd" {
		t.Errorf("escaped string = %q", tokens[0].Value)
	}
}

func TestLexComments(t *testing.T) {
	tokens, err := Lex("a // to the end\n/* block\nspanning */ b")
	if err != nil {
		t.Fatalf("Lex: %v", err)
	}
	if len(tokens) != 3 { // a, b, EOF
		t.Fatalf("tokens = %d, want 3", len(tokens))
	}
	if tokens[0].Value != "a" || tokens[1].Value != "b" {
		t.Errorf("comment stripping wrong: %v", tokens)
	}
}

func TestLexErrors(t *testing.T) {
	if _, err := Lex("@"); err == nil || !strings.Contains(err.Error(), "unexpected character") {
		t.Errorf("bare @ should fail with position info, got %v", err)
	}
	if _, err := Lex(`"open`); err == nil || !strings.Contains(err.Error(), "unterminated string") {
		t.Errorf("unterminated string error = %v", err)
	}
	if _, err := Lex("/* open"); err == nil || !strings.Contains(err.Error(), "unterminated block comment") {
		t.Errorf("unterminated comment error = %v", err)
	}
}

func TestLexTracksPositions(t *testing.T) {
	tokens, err := Lex("digraph\n{")
	if err != nil {
		t.Fatalf("Lex: %v", err)
	}
	if tokens[0].Line != 1 || tokens[1].Line != 2 || tokens[1].Col != 1 {
		t.Errorf("positions = %+v", tokens[:2])
	}
}

// --- parser ---

func TestParseNodesEdgesAndAttrs(t *testing.T) {
	g := mustParse(t, `digraph pipeline {
		graph [goal="ship it", default_max_retry=2]
		start [shape=Mdiamond]
		work [shape=box, prompt="Do the work", max_retries=3]
		done [shape=Msquare]
		start -> work
		work -> done [condition="outcome=success", weight=2]
	}`)

	if g.Name != "pipeline" {
		t.Errorf("Name = %q", g.Name)
	}
	if g.Attrs["goal"] != "ship it" || g.Attrs["default_max_retry"] != "2" {
		t.Errorf("graph attrs = %v", g.Attrs)
	}
	if len(g.Nodes) != 3 || len(g.Edges) != 2 {
		t.Fatalf("nodes=%d edges=%d", len(g.Nodes), len(g.Edges))
	}
	work := g.FindNode("work")
	if work.Attrs["prompt"] != "Do the work" || work.Attrs["max_retries"] != "3" {
		t.Errorf("work attrs = %v", work.Attrs)
	}
	last := g.Edges[1]
	if last.Attrs["condition"] != "outcome=success" || last.Attrs["weight"] != "2" {
		t.Errorf("edge attrs = %v", last.Attrs)
	}
}

func TestParseChainedEdgesExpand(t *testing.T) {
	g := mustParse(t, `digraph g { a -> b -> c [label=step] }`)
	if len(g.Edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(g.Edges))
	}
	for i, want := range [][2]string{{"a", "b"}, {"b", "c"}} {
		if g.Edges[i].From != want[0] || g.Edges[i].To != want[1] {
			t.Errorf("edge[%d] = %s->%s", i, g.Edges[i].From, g.Edges[i].To)
		}
		if g.Edges[i].Attrs["label"] != "step" {
			t.Errorf("edge[%d] missing chained attr", i)
		}
	}
	if len(g.Nodes) != 3 {
		t.Errorf("chain should auto-create nodes, got %d", len(g.Nodes))
	}
}

func TestParseDefaultsFlowIntoNodes(t *testing.T) {
	g := mustParse(t, `digraph g {
		node [shape=box, fidelity=compact]
		edge [weight=1]
		a [shape=diamond]
		b
		a -> b
	}`)

	if g.NodeDefaults["shape"] != "box" {
		t.Errorf("NodeDefaults = %v", g.NodeDefaults)
	}
	// explicit attr wins over default; untouched ones inherit
	if g.FindNode("a").Attrs["shape"] != "diamond" || g.FindNode("a").Attrs["fidelity"] != "compact" {
		t.Errorf("a attrs = %v", g.FindNode("a").Attrs)
	}
	if g.FindNode("b").Attrs["shape"] != "box" {
		t.Errorf("b attrs = %v", g.FindNode("b").Attrs)
	}
	if g.Edges[0].Attrs["weight"] != "1" {
		t.Errorf("edge defaults not applied: %v", g.Edges[0].Attrs)
	}
}

func TestParseDottedAndQuotedKeys(t *testing.T) {
	g := mustParse(t, `digraph g {
		mgr [shape=house, manager.poll_interval="30s", "human.default_choice"="[Y] Yes"]
	}`)
	attrs := g.FindNode("mgr").Attrs
	if attrs["manager.poll_interval"] != "30s" {
		t.Errorf("dotted key lost: %v", attrs)
	}
	if attrs["human.default_choice"] != "[Y] Yes" {
		t.Errorf("quoted key lost: %v", attrs)
	}
}

func TestParseSubgraphScopingAndClass(t *testing.T) {
	g := mustParse(t, `digraph g {
		outer [shape=box]
		subgraph cluster_a {
			label = "Loop A"
			node [fidelity=full]
			inner1
			inner2
		}
		after
	}`)

	if len(g.Subgraphs) != 1 {
		t.Fatalf("subgraphs = %d", len(g.Subgraphs))
	}
	sg := g.Subgraphs[0]
	if sg.Attrs["label"] != "Loop A" || len(sg.NodeIDs) != 2 {
		t.Errorf("subgraph = %+v", sg)
	}
	// members get the derived class and scoped default
	if g.FindNode("inner1").Attrs["class"] != "loop-a" {
		t.Errorf("inner1 class = %v", g.FindNode("inner1").Attrs)
	}
	if g.FindNode("inner1").Attrs["fidelity"] != "full" {
		t.Errorf("scoped default missing: %v", g.FindNode("inner1").Attrs)
	}
	// the scope must not leak to nodes declared after
	if g.FindNode("after").Attrs["fidelity"] != "" {
		t.Errorf("scoped default leaked: %v", g.FindNode("after").Attrs)
	}
}

func TestParseEdgeIDsAssigned(t *testing.T) {
	g := mustParse(t, `digraph g { a -> b; a -> b; b -> c }`)
	seen := map[string]bool{}
	for _, e := range g.Edges {
		if e.ID == "" {
			t.Fatalf("edge %s->%s has no id", e.From, e.To)
		}
		if seen[e.ID] {
			t.Fatalf("duplicate edge id %q", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no digraph":     `graph g { a }`,
		"strict":         `strict digraph g { a }`,
		"undirected":     `digraph g { a -- b }`,
		"two digraphs":   "digraph a {}\ndigraph b {}",
		"missing close":  `digraph g { a [shape=box }`,
		"value missing":  `digraph g { a [shape=] }`,
	}
	for name, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

// --- model helpers ---

func TestGraphLookups(t *testing.T) {
	g := mustParse(t, `digraph g {
		start [shape=Mdiamond]
		mid [shape=box]
		fin [shape=Msquare]
		start -> mid
		mid -> fin
		mid -> mid2
	}`)

	if g.FindStartNode().ID != "start" || g.FindExitNode().ID != "fin" {
		t.Error("start/exit discovery failed")
	}
	if n := len(g.OutgoingEdges("mid")); n != 2 {
		t.Errorf("outgoing(mid) = %d", n)
	}
	if n := len(g.IncomingEdges("fin")); n != 1 {
		t.Errorf("incoming(fin) = %d", n)
	}
	if g.FindNode("ghost") != nil {
		t.Error("FindNode(ghost) should be nil")
	}

	ids := g.NodeIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("NodeIDs not sorted: %v", ids)
		}
	}
}

func TestRoleSpellings(t *testing.T) {
	g := mustParse(t, `digraph g { s [type=start]; e [node_type=exit] }`)
	if g.FindStartNode() == nil || g.FindStartNode().ID != "s" {
		t.Error("type=start not recognized")
	}
	if g.FindExitNode() == nil || g.FindExitNode().ID != "e" {
		t.Error("node_type=exit not recognized")
	}
}

// --- serializer ---

func TestSerializeRoundTrip(t *testing.T) {
	src := `digraph pipeline {
		graph [goal="the goal"]
		start [shape=Mdiamond]
		work [label="has spaces", shape=box]
		start -> work [condition="outcome=success"]
	}`
	first := mustParse(t, src)
	out := Serialize(first)

	second, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse of serialized output: %v\n%s", err, out)
	}
	if len(second.Nodes) != len(first.Nodes) || len(second.Edges) != len(first.Edges) {
		t.Errorf("round trip lost elements:\n%s", out)
	}
	if second.Attrs["goal"] != "the goal" {
		t.Errorf("graph attr lost: %v", second.Attrs)
	}
	if second.FindNode("work").Attrs["label"] != "has spaces" {
		t.Errorf("quoted attr lost: %v", second.FindNode("work").Attrs)
	}

	// determinism: serializing twice gives identical bytes
	if Serialize(first) != out {
		t.Error("serialization is not stable")
	}
}

func TestQuoteValueRules(t *testing.T) {
	cases := map[string]string{
		"plain":     "plain",
		"42":        "42",
		"-1.5":      "-1.5",
		"":          `""`,
		"Has Upper": `"Has Upper"`,
		"a b":       `"a b"`,
		`say "hi"`:  `"say \"hi\""`,
		"line\nfeed": `"line\nfeed"`,
	}
	for in, want := range cases {
		if got := quoteValue(in); got != want {
			t.Errorf("quoteValue(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestApplyColorCoding(t *testing.T) {
	g := mustParse(t, `digraph g {
		start [shape=Mdiamond]
		work [shape=box]
		start -> work [label="on success"]
		work -> start [label="on fail"]
	}`)
	ApplyColorCoding(g)

	if g.FindNode("start").Attrs["fillcolor"] == "" || g.FindNode("start").Attrs["style"] != "filled" {
		t.Error("start node not colored")
	}
	if g.Edges[0].Attrs["color"] != "green" {
		t.Errorf("success edge color = %v", g.Edges[0].Attrs)
	}
	if g.Edges[1].Attrs["color"] != "red" || g.Edges[1].Attrs["style"] != "dashed" {
		t.Errorf("fail edge attrs = %v", g.Edges[1].Attrs)
	}
}
