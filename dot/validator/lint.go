// ABOUTME: Lint for pipeline graphs, organized as a rule table: graph rules, per-node rules, per-edge rules.
// ABOUTME: Lint(g) runs everything and returns dot.Diagnostics; rule names are stable identifiers.
package validator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basaltrun/attractor/dot"
)

// recognized attribute vocabularies
var (
	validShapes = map[string]bool{
		"Mdiamond": true, "Msquare": true, "box": true, "diamond": true,
		"hexagon": true, "parallelogram": true, "component": true,
		"ellipse": true, "circle": true, "doublecircle": true,
		"plaintext": true, "record": true, "oval": true,
	}

	validFidelities = map[string]bool{
		"compact": true, "standard": true, "detailed": true, "comprehensive": true,
		"full": true, "truncate": true,
		"summary:low": true, "summary:medium": true, "summary:high": true,
	}

	validRankdirs = map[string]bool{"LR": true, "TB": true, "RL": true, "BT": true}

	knownHandlerTypes = map[string]bool{
		"start": true, "exit": true, "codergen": true, "wait.human": true,
		"conditional": true, "parallel": true, "parallel.fan_in": true,
		"tool": true, "stack.manager_loop": true,
	}
)

// node role predicates

func isStartNode(n *dot.Node) bool {
	return n.Attrs["shape"] == "Mdiamond" ||
		n.Attrs["node_type"] == "start" || n.Attrs["type"] == "start"
}

func isExitNode(n *dot.Node) bool {
	return n.Attrs["shape"] == "Msquare" ||
		n.Attrs["node_type"] == "exit" || n.Attrs["type"] == "exit"
}

func isCodergenNode(n *dot.Node) bool {
	return n.Attrs["type"] == "codergen" ||
		(n.Attrs["type"] == "" && n.Attrs["shape"] == "box")
}

// diag constructors

func nodeDiag(rule, severity, nodeID, format string, args ...any) dot.Diagnostic {
	return dot.Diagnostic{
		Rule:     rule,
		Severity: severity,
		NodeID:   nodeID,
		Message:  fmt.Sprintf(format, args...),
	}
}

func edgeDiag(rule, severity string, e *dot.Edge, format string, args ...any) dot.Diagnostic {
	return dot.Diagnostic{
		Rule:     rule,
		Severity: severity,
		EdgeID:   e.From + "->" + e.To,
		Message:  fmt.Sprintf(format, args...),
	}
}

func graphDiag(rule, severity, message string) dot.Diagnostic {
	return dot.Diagnostic{Rule: rule, Severity: severity, Message: message}
}

// rule tables

var graphRules = []func(*dot.Graph) []dot.Diagnostic{
	ruleStartNode,
	ruleExitNode,
	ruleReachability,
	ruleStartNoIncoming,
	ruleRankdir,
	ruleGoal,
}

var nodeRules = []func(*dot.Graph, *dot.Node) []dot.Diagnostic{
	ruleExitNoOutgoing,
	ruleDeadEnd,
	ruleShape,
	rulePrompt,
	ruleMaxRetries,
	ruleGoalGateOnCodergen,
	ruleDiamondOutcomes,
	ruleFidelity,
	ruleRetryTarget,
	ruleTypeKnown,
	ruleGoalGateHasRetry,
}

var edgeRules = []func(*dot.Graph, *dot.Edge) []dot.Diagnostic{
	ruleSelfLoop,
	ruleCondition,
	ruleWeight,
	ruleEdgeTargets,
}

// Lint runs every rule: graph-level first, then nodes in sorted id order,
// then edges in declaration order.
func Lint(g *dot.Graph) []dot.Diagnostic {
	var diags []dot.Diagnostic

	for _, rule := range graphRules {
		diags = append(diags, rule(g)...)
	}
	for _, id := range g.NodeIDs() {
		n := g.FindNode(id)
		if n == nil {
			continue
		}
		for _, rule := range nodeRules {
			diags = append(diags, rule(g, n)...)
		}
	}
	for _, e := range g.Edges {
		for _, rule := range edgeRules {
			diags = append(diags, rule(g, e)...)
		}
	}

	return diags
}

// --- graph rules ---

// ruleStartNode: exactly one start node.
func ruleStartNode(g *dot.Graph) []dot.Diagnostic {
	var startIDs []string
	for _, n := range g.Nodes {
		if isStartNode(n) {
			startIDs = append(startIDs, n.ID)
		}
	}
	switch len(startIDs) {
	case 1:
		return nil
	case 0:
		return []dot.Diagnostic{graphDiag("start_node", "error", "graph has no start node (shape=Mdiamond)")}
	}
	return []dot.Diagnostic{graphDiag("start_node", "error",
		fmt.Sprintf("graph has %d start nodes, expected exactly 1: %v", len(startIDs), startIDs))}
}

// ruleExitNode: at least one terminal node.
func ruleExitNode(g *dot.Graph) []dot.Diagnostic {
	for _, n := range g.Nodes {
		if isExitNode(n) {
			return nil
		}
	}
	return []dot.Diagnostic{graphDiag("exit_node", "error", "graph has no exit node (shape=Msquare)")}
}

// ruleReachability: BFS from start; anything unvisited is an error.
func ruleReachability(g *dot.Graph) []dot.Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil // start_node already fired
	}

	visited := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, e := range g.OutgoingEdges(current) {
			if !visited[e.To] {
				visited[e.To] = true
				frontier = append(frontier, e.To)
			}
		}
	}

	var diags []dot.Diagnostic
	for _, id := range g.NodeIDs() {
		if !visited[id] {
			diags = append(diags, nodeDiag("reachability", "error", id,
				"node %q is not reachable from start node %q", id, start.ID))
		}
	}
	return diags
}

// ruleStartNoIncoming: nothing may loop back to start.
func ruleStartNoIncoming(g *dot.Graph) []dot.Diagnostic {
	start := g.FindStartNode()
	if start == nil {
		return nil
	}
	if incoming := g.IncomingEdges(start.ID); len(incoming) > 0 {
		return []dot.Diagnostic{nodeDiag("start_no_incoming", "error", start.ID,
			"start node %q has %d incoming edge(s)", start.ID, len(incoming))}
	}
	return nil
}

// ruleRankdir: graph rankdir must be a recognized direction.
func ruleRankdir(g *dot.Graph) []dot.Diagnostic {
	rd := g.Attrs["rankdir"]
	if rd == "" || validRankdirs[rd] {
		return nil
	}
	return []dot.Diagnostic{graphDiag("valid_rankdir", "warning",
		fmt.Sprintf("graph has invalid rankdir %q", rd))}
}

// ruleGoal: a pipeline without a goal is probably unfinished.
func ruleGoal(g *dot.Graph) []dot.Diagnostic {
	if g.Attrs["goal"] != "" {
		return nil
	}
	return []dot.Diagnostic{graphDiag("graph_goal", "warning", "graph has no goal attribute")}
}

// --- node rules ---

func ruleExitNoOutgoing(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if !isExitNode(n) {
		return nil
	}
	if outgoing := g.OutgoingEdges(n.ID); len(outgoing) > 0 {
		return []dot.Diagnostic{nodeDiag("exit_no_outgoing", "error", n.ID,
			"exit node %q has %d outgoing edge(s)", n.ID, len(outgoing))}
	}
	return nil
}

func ruleDeadEnd(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if isExitNode(n) || len(g.OutgoingEdges(n.ID)) > 0 {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("dead_end", "warning", n.ID,
		"non-exit node %q has no outgoing edges (dead end)", n.ID)}
}

func ruleShape(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	shape := n.Attrs["shape"]
	if shape == "" || validShapes[shape] {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("valid_shape", "warning", n.ID,
		"node %q has unknown shape %q", n.ID, shape)}
}

func rulePrompt(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if !isCodergenNode(n) || n.Attrs["prompt"] != "" || n.Attrs["label"] != "" {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("prompt_required", "warning", n.ID,
		"codergen node %q has no prompt or label attribute", n.ID)}
}

func ruleMaxRetries(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	mr := n.Attrs["max_retries"]
	if mr == "" {
		return nil
	}
	val, err := strconv.Atoi(mr)
	if err != nil {
		return []dot.Diagnostic{nodeDiag("max_retries", "warning", n.ID,
			"node %q has non-integer max_retries %q", n.ID, mr)}
	}
	if val < 0 {
		return []dot.Diagnostic{nodeDiag("max_retries", "warning", n.ID,
			"node %q has negative max_retries %q", n.ID, mr)}
	}
	return nil
}

func ruleGoalGateOnCodergen(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if n.Attrs["goal_gate"] != "true" || isCodergenNode(n) {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("goal_gate_codergen", "warning", n.ID,
		"node %q has goal_gate=true but is not a codergen node", n.ID)}
}

// ruleDiamondOutcomes: a conditional should route both outcomes somewhere.
func ruleDiamondOutcomes(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if n.Attrs["shape"] != "diamond" {
		return nil
	}
	hasSuccess, hasFail := false, false
	for _, e := range g.OutgoingEdges(n.ID) {
		switch e.Attrs["label"] {
		case "success":
			hasSuccess = true
		case "fail":
			hasFail = true
		}
	}
	if hasSuccess && hasFail {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("incomplete_outcomes", "warning", n.ID,
		"diamond node %q is missing success and/or fail outcome edges", n.ID)}
}

func ruleFidelity(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	fid := n.Attrs["fidelity"]
	if fid == "" || validFidelities[fid] {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("valid_fidelity", "warning", n.ID,
		"node %q has invalid fidelity mode %q", n.ID, fid)}
}

func ruleRetryTarget(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	target := n.Attrs["retry_target"]
	if target == "" || g.FindNode(target) != nil {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("retry_target", "warning", n.ID,
		"node %q has retry_target %q which does not exist", n.ID, target)}
}

func ruleTypeKnown(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	typ := n.Attrs["type"]
	if typ == "" || knownHandlerTypes[typ] {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("type_known", "warning", n.ID,
		"node %q has unknown type %q", n.ID, typ)}
}

func ruleGoalGateHasRetry(g *dot.Graph, n *dot.Node) []dot.Diagnostic {
	if n.Attrs["goal_gate"] != "true" || n.Attrs["retry_target"] != "" {
		return nil
	}
	return []dot.Diagnostic{nodeDiag("goal_gate_has_retry", "warning", n.ID,
		"node %q has goal_gate=true but no retry_target", n.ID)}
}

// --- edge rules ---

func ruleSelfLoop(g *dot.Graph, e *dot.Edge) []dot.Diagnostic {
	if e.From != e.To {
		return nil
	}
	return []dot.Diagnostic{edgeDiag("self_loop", "error", e, "self-loop on node %q", e.From)}
}

func ruleCondition(g *dot.Graph, e *dot.Edge) []dot.Diagnostic {
	cond := e.Attrs["condition"]
	if cond == "" {
		return nil
	}
	if err := validateConditionExpr(cond); err != nil {
		return []dot.Diagnostic{edgeDiag("condition_syntax", "error", e,
			"invalid condition on edge %s->%s: %v", e.From, e.To, err)}
	}
	return nil
}

// validateConditionExpr checks each &&-joined clause is "key = value" or
// "key != value" with non-empty sides.
func validateConditionExpr(expr string) error {
	for _, clause := range strings.Split(expr, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return fmt.Errorf("empty clause in condition")
		}

		op := ""
		switch {
		case strings.Contains(clause, "!="):
			op = "!="
		case strings.Contains(clause, "="):
			op = "="
		default:
			return fmt.Errorf("clause %q has no valid operator (= or !=)", clause)
		}

		parts := strings.SplitN(clause, op, 2)
		if strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return fmt.Errorf("invalid clause %q: key and value must not be empty", clause)
		}
	}
	return nil
}

func ruleWeight(g *dot.Graph, e *dot.Edge) []dot.Diagnostic {
	w := e.Attrs["weight"]
	if w == "" {
		return nil
	}
	val, err := strconv.Atoi(w)
	if err != nil {
		return []dot.Diagnostic{edgeDiag("valid_weight", "warning", e,
			"edge %s->%s has non-integer weight %q", e.From, e.To, w)}
	}
	if val <= 0 {
		return []dot.Diagnostic{edgeDiag("valid_weight", "warning", e,
			"edge %s->%s has non-positive weight %q (must be > 0)", e.From, e.To, w)}
	}
	return nil
}

func ruleEdgeTargets(g *dot.Graph, e *dot.Edge) []dot.Diagnostic {
	var diags []dot.Diagnostic
	if g.FindNode(e.From) == nil {
		diags = append(diags, edgeDiag("edge_target_exists", "error", e,
			"edge source %q does not exist", e.From))
	}
	if g.FindNode(e.To) == nil {
		diags = append(diags, edgeDiag("edge_target_exists", "error", e,
			"edge target %q does not exist", e.To))
	}
	return diags
}
