// ABOUTME: Graph lint: structural rules (start/exit/reachability) and attribute rules (types, fidelity...).
// ABOUTME: Rules are pluggable via LintRule; Validate collects diagnostics, ValidateOrError gates on ERRORs.
package attractor

import (
	"fmt"
	"strings"
)

// Severity ranks a diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Diagnostic is one validation finding, optionally anchored to a node or edge.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   string     // optional
	Edge     *[2]string // optional (from, to)
	Fix      string     // optional suggested fix
}

// LintRule is one named validation pass over a graph.
type LintRule interface {
	Name() string
	Apply(g *Graph) []Diagnostic
}

// knownHandlerTypes is the set of type attribute values with a registered
// handler behind them.
var knownHandlerTypes = map[string]bool{
	"start":              true,
	"exit":               true,
	"codergen":           true,
	"wait.human":         true,
	"conditional":        true,
	"parallel":           true,
	"parallel.fan_in":    true,
	"tool":               true,
	"stack.manager_loop": true,
}

// builtinRules is the standard rule set, structural rules first.
func builtinRules() []LintRule {
	return []LintRule{
		&startNodeRule{},
		&terminalNodeRule{},
		&reachabilityRule{},
		&edgeTargetExistsRule{},
		&startNoIncomingRule{},
		&exitNoOutgoingRule{},
		&conditionSyntaxRule{},
		&typeKnownRule{},
		&fidelityValidRule{},
		&retryTargetExistsRule{},
		&goalGateHasRetryRule{},
		&promptOnLLMNodesRule{},
	}
}

// Validate runs the built-in rules plus extraRules and returns every finding.
func Validate(g *Graph, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic
	for _, rule := range append(builtinRules(), extraRules...) {
		diags = append(diags, rule.Apply(g)...)
	}
	return diags
}

// ValidateOrError validates and returns an error when any ERROR-severity
// finding exists; warnings alone don't fail the graph.
func ValidateOrError(g *Graph, extraRules ...LintRule) ([]Diagnostic, error) {
	diags := Validate(g, extraRules...)

	errCount := 0
	for _, d := range diags {
		if d.Severity == SeverityError {
			errCount++
		}
	}
	if errCount > 0 {
		return diags, fmt.Errorf("pipeline validation failed with %d error(s)", errCount)
	}
	return diags, nil
}

// --- built-in rules ---

// isStartNode recognizes shape=Mdiamond plus the node_type/type=start spellings.
func isStartNode(n *Node) bool {
	if n.Attrs == nil {
		return false
	}
	return n.Attrs["shape"] == "Mdiamond" ||
		n.Attrs["node_type"] == "start" ||
		n.Attrs["type"] == "start"
}

// startNodeRule requires exactly one start node.
type startNodeRule struct{}

func (r *startNodeRule) Name() string { return "start_node" }

func (r *startNodeRule) Apply(g *Graph) []Diagnostic {
	var startNodes []string
	for _, n := range g.Nodes {
		if isStartNode(n) {
			startNodes = append(startNodes, n.ID)
		}
	}

	switch len(startNodes) {
	case 1:
		return nil
	case 0:
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  "graph has no start node (shape=Mdiamond)",
			Fix:      "add a node with shape=Mdiamond",
		}}
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityError,
		Message:  fmt.Sprintf("graph has %d start nodes (shape=Mdiamond), expected exactly 1: %v", len(startNodes), startNodes),
		Fix:      "ensure only one node has shape=Mdiamond",
	}}
}

// terminalNodeRule requires at least one terminal node.
type terminalNodeRule struct{}

func (r *terminalNodeRule) Name() string { return "terminal_node" }

func (r *terminalNodeRule) Apply(g *Graph) []Diagnostic {
	for _, n := range g.Nodes {
		if isTerminal(n) {
			return nil
		}
	}
	return []Diagnostic{{
		Rule:     r.Name(),
		Severity: SeverityError,
		Message:  "graph has no terminal node (shape=Msquare)",
		Fix:      "add a node with shape=Msquare",
	}}
}

// reachabilityRule flags nodes a BFS from start never visits.
type reachabilityRule struct{}

func (r *reachabilityRule) Name() string { return "reachability" }

func (r *reachabilityRule) Apply(g *Graph) []Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		// start_node already reports the missing start.
		return nil
	}

	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(current) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q is not reachable from start node %q", id, start.ID),
				NodeID:   id,
				Fix:      fmt.Sprintf("add an edge path from start to %q", id),
			})
		}
	}
	return diags
}

// edgeTargetExistsRule flags edges whose endpoints aren't declared nodes.
type edgeTargetExistsRule struct{}

func (r *edgeTargetExistsRule) Name() string { return "edge_target_exists" }

func (r *edgeTargetExistsRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if g.FindNode(e.From) == nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge source %q does not exist", e.From),
				Edge:     &edge,
				Fix:      fmt.Sprintf("add node %q or fix the edge source", e.From),
			})
		}
		if g.FindNode(e.To) == nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge target %q does not exist", e.To),
				Edge:     &edge,
				Fix:      fmt.Sprintf("add node %q or fix the edge target", e.To),
			})
		}
	}
	return diags
}

// startNoIncomingRule: nothing may point back at the start node.
type startNoIncomingRule struct{}

func (r *startNoIncomingRule) Name() string { return "start_no_incoming" }

func (r *startNoIncomingRule) Apply(g *Graph) []Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}
	if incoming := g.IncomingEdges(start.ID); len(incoming) > 0 {
		return []Diagnostic{{
			Rule:     r.Name(),
			Severity: SeverityError,
			Message:  fmt.Sprintf("start node %q has %d incoming edge(s)", start.ID, len(incoming)),
			NodeID:   start.ID,
			Fix:      "remove incoming edges to the start node",
		}}
	}
	return nil
}

// exitNoOutgoingRule: terminal nodes must not lead anywhere.
type exitNoOutgoingRule struct{}

func (r *exitNoOutgoingRule) Name() string { return "exit_no_outgoing" }

func (r *exitNoOutgoingRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if !isTerminal(n) {
			continue
		}
		if outgoing := g.OutgoingEdges(n.ID); len(outgoing) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("exit node %q has %d outgoing edge(s)", n.ID, len(outgoing)),
				NodeID:   n.ID,
				Fix:      "remove outgoing edges from the exit node",
			})
		}
	}
	return diags
}

// conditionSyntaxRule checks edge condition expressions against the simple
// "key = value" / "key != value" clause grammar joined by &&.
type conditionSyntaxRule struct{}

func (r *conditionSyntaxRule) Name() string { return "condition_syntax" }

func (r *conditionSyntaxRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		cond := e.Attrs["condition"]
		if cond == "" {
			continue
		}
		if err := validateConditionExpr(cond); err != nil {
			edge := [2]string{e.From, e.To}
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityError,
				Message:  fmt.Sprintf("invalid condition on edge %s->%s: %v", e.From, e.To, err),
				Edge:     &edge,
				Fix:      "use format: key = value or key != value, joined by &&",
			})
		}
	}
	return diags
}

// validateConditionExpr checks each &&-separated clause has a non-empty key
// and value around = or !=.
func validateConditionExpr(expr string) error {
	for _, clause := range strings.Split(expr, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return fmt.Errorf("empty clause in condition")
		}

		op := ""
		if strings.Contains(clause, "!=") {
			op = "!="
		} else if strings.Contains(clause, "=") {
			op = "="
		} else {
			return fmt.Errorf("clause %q has no valid operator (= or !=)", clause)
		}

		parts := strings.SplitN(clause, op, 2)
		if strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("invalid clause %q: key and value must not be empty", clause)
		}
	}
	return nil
}

// typeKnownRule warns on type attribute values with no handler.
type typeKnownRule struct{}

func (r *typeKnownRule) Name() string { return "type_known" }

func (r *typeKnownRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		typ := n.Attrs["type"]
		if typ == "" || knownHandlerTypes[typ] {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("node %q has unknown type %q", n.ID, typ),
			NodeID:   n.ID,
			Fix:      "use a recognized handler type: start, exit, codergen, wait.human, conditional, parallel, parallel.fan_in, tool, stack.manager_loop",
		})
	}
	return diags
}

// fidelityValidRule warns on unrecognized fidelity modes.
type fidelityValidRule struct{}

func (r *fidelityValidRule) Name() string { return "fidelity_valid" }

func (r *fidelityValidRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		fid := n.Attrs["fidelity"]
		if fid == "" || IsValidFidelity(fid) {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("node %q has invalid fidelity mode %q", n.ID, fid),
			NodeID:   n.ID,
			Fix:      "use a valid fidelity mode: full, truncate, compact, summary:low, summary:medium, summary:high",
		})
	}
	return diags
}

// retryTargetExistsRule warns when retry_target names a missing node.
type retryTargetExistsRule struct{}

func (r *retryTargetExistsRule) Name() string { return "retry_target_exists" }

func (r *retryTargetExistsRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		target := n.Attrs["retry_target"]
		if target == "" || g.FindNode(target) != nil {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("node %q has retry_target %q which does not exist", n.ID, target),
			NodeID:   n.ID,
			Fix:      fmt.Sprintf("add node %q or fix the retry_target value", target),
		})
	}
	return diags
}

// goalGateHasRetryRule warns on gates with nowhere to send a failed run.
type goalGateHasRetryRule struct{}

func (r *goalGateHasRetryRule) Name() string { return "goal_gate_has_retry" }

func (r *goalGateHasRetryRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Attrs["goal_gate"] != "true" || n.Attrs["retry_target"] != "" {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     r.Name(),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("node %q has goal_gate=true but no retry_target", n.ID),
			NodeID:   n.ID,
			Fix:      "add a retry_target attribute pointing to a valid node",
		})
	}
	return diags
}

// promptOnLLMNodesRule warns when a codergen node gives the LLM nothing to
// work from.
type promptOnLLMNodesRule struct{}

func (r *promptOnLLMNodesRule) Name() string { return "prompt_on_llm_nodes" }

func (r *promptOnLLMNodesRule) Apply(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		isCodergen := n.Attrs["type"] == "codergen" ||
			(n.Attrs["type"] == "" && n.Attrs["shape"] == "box")
		if !isCodergen {
			continue
		}
		if n.Attrs["prompt"] == "" && n.Attrs["label"] == "" {
			diags = append(diags, Diagnostic{
				Rule:     r.Name(),
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("codergen node %q has no prompt or label attribute", n.ID),
				NodeID:   n.ID,
				Fix:      "add a prompt or label attribute to describe what this node does",
			})
		}
	}
	return diags
}
