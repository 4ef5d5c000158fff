// ABOUTME: SelectEdge implements the layered routing policy for leaving a just-finished node.
// ABOUTME: Conditions beat labels beat suggestions beat unconditional residue; ties go weight-then-id.
package attractor

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// acceleratorPrefixes match the keyboard-shortcut decorations labels carry:
// "[Y] Yes", "Y) Yes", "Y - Yes".
var acceleratorPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^\[\w\]\s+`),
	regexp.MustCompile(`^\w\)\s*`),
	regexp.MustCompile(`^\w\s*-\s+`),
}

// NormalizeLabel lowercases, trims, and strips any accelerator prefix, so
// label comparisons ignore presentation.
func NormalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	for _, prefix := range acceleratorPrefixes {
		s = prefix.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// edgeWeight reads an edge's integer weight, defaulting to 0 for anything
// missing or unparseable.
func edgeWeight(e *Edge) int {
	if e.Attrs == nil {
		return 0
	}
	w, err := strconv.Atoi(e.Attrs["weight"])
	if err != nil {
		return 0
	}
	return w
}

// pickByTiebreak sorts candidates by descending weight, then ascending
// target id, and returns the winner. Nil for an empty slice.
func pickByTiebreak(candidates []*Edge) *Edge {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := edgeWeight(candidates[i]), edgeWeight(candidates[j])
		if wi != wj {
			return wi > wj
		}
		return candidates[i].To < candidates[j].To
	})
	return candidates[0]
}

// hasCondition reports whether an edge carries a non-blank condition.
func hasCondition(e *Edge) bool {
	return strings.TrimSpace(e.Attrs["condition"]) != ""
}

// SelectEdge resolves the next hop from node given the stage's outcome:
//
//  1. edges whose condition evaluates true (tiebreak among them)
//  2. the edge whose normalized label equals the outcome's preferred label
//  3. the first edge targeted by the outcome's suggested ids, in order
//  4. edges with no condition at all (tiebreak among them)
//  5. every edge (tiebreak)
//
// Only a node with no outgoing edges returns nil.
func SelectEdge(node *Node, outcome *Outcome, ctx *Context, graph *Graph) *Edge {
	edges := graph.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return nil
	}

	// 1. conditions
	var matched []*Edge
	for _, e := range edges {
		if hasCondition(e) && EvaluateCondition(e.Attrs["condition"], outcome, ctx) {
			matched = append(matched, e)
		}
	}
	if winner := pickByTiebreak(matched); winner != nil {
		return winner
	}

	// 2. preferred label
	if outcome.PreferredLabel != "" {
		want := NormalizeLabel(outcome.PreferredLabel)
		for _, e := range edges {
			if label, ok := e.Attrs["label"]; ok && NormalizeLabel(label) == want {
				return e
			}
		}
	}

	// 3. suggested ids, in the handler's order
	for _, id := range outcome.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == id {
				return e
			}
		}
	}

	// 4. unconditional residue
	var plain []*Edge
	for _, e := range edges {
		if !hasCondition(e) {
			plain = append(plain, e)
		}
	}
	if winner := pickByTiebreak(plain); winner != nil {
		return winner
	}

	// 5. last resort: everything
	return pickByTiebreak(edges)
}
