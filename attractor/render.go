// ABOUTME: Graph visualization for the server's /graph endpoint: DOT text, status
// ABOUTME: coloring, and svg/png via the graphviz dot binary when installed.
package attractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basaltrun/attractor/dot"
)

// statusFill maps outcome statuses to fill colors for rendered graphs.
var statusFill = map[StageStatus]string{
	StatusSuccess:        "#c8e6c9",
	StatusPartialSuccess: "#fff9c4",
	StatusFail:           "#ffcdd2",
	StatusRetry:          "#ffe0b2",
	StatusSkipped:        "#e0e0e0",
}

// GraphToDOT serializes the graph back to DOT text.
func GraphToDOT(g *Graph) string {
	return dot.Serialize(g)
}

// GraphToDOTWithStatus serializes the graph with each executed node filled by
// its outcome color. The input graph is not mutated.
func GraphToDOTWithStatus(g *Graph, outcomes map[string]*Outcome) string {
	if len(outcomes) == 0 {
		return dot.Serialize(g)
	}

	decorated := &Graph{
		Name:         g.Name,
		Attrs:        g.Attrs,
		NodeDefaults: g.NodeDefaults,
		EdgeDefaults: g.EdgeDefaults,
		Edges:        g.Edges,
		Subgraphs:    g.Subgraphs,
		Nodes:        make(map[string]*Node, len(g.Nodes)),
	}
	for id, node := range g.Nodes {
		decorated.Nodes[id] = decorateNode(node, outcomes[id])
	}
	return dot.Serialize(decorated)
}

// decorateNode overlays status styling on a copy of the node. Nodes without
// an outcome pass through untouched.
func decorateNode(node *Node, outcome *Outcome) *Node {
	if outcome == nil {
		return node
	}
	fill, ok := statusFill[outcome.Status]
	if !ok {
		return node
	}

	attrs := make(map[string]string, len(node.Attrs)+2)
	for k, v := range node.Attrs {
		attrs[k] = v
	}
	attrs["style"] = "filled"
	attrs["fillcolor"] = fill
	return &Node{ID: node.ID, Attrs: attrs}
}

// GraphvizAvailable reports whether the dot binary is on PATH.
func GraphvizAvailable() bool {
	_, err := exec.LookPath("dot")
	return err == nil
}

// RenderDOT pipes DOT text through graphviz. format is "svg" or "png".
func RenderDOT(ctx context.Context, dotText string, format string) ([]byte, error) {
	switch format {
	case "svg", "png":
	default:
		return nil, fmt.Errorf("unsupported render format %q", format)
	}
	if !GraphvizAvailable() {
		return nil, fmt.Errorf("graphviz not installed: dot binary not found on PATH")
	}

	cmd := exec.CommandContext(ctx, "dot", "-T"+format)
	cmd.Stdin = strings.NewReader(dotText)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("graphviz render failed: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}
