// ABOUTME: Re-exports of the dot package's graph model, so the engine's public
// ABOUTME: surface stays a single import for callers.
package attractor

import "github.com/basaltrun/attractor/dot"

type (
	Graph    = dot.Graph
	Node     = dot.Node
	Edge     = dot.Edge
	Subgraph = dot.Subgraph
)

// Parse reads DOT source into a Graph. Validation is separate; see Validate.
func Parse(source string) (*Graph, error) {
	return dot.Parse(source)
}

// Serialize writes a Graph back out as DOT text.
func Serialize(g *Graph) string {
	return dot.Serialize(g)
}
