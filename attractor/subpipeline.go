// ABOUTME: Sub-pipeline inlining: a node with sub_pipeline=<file> is replaced by that child graph.
// ABOUTME: Child ids get a namespace prefix; parent edges are re-routed to the child's start/exit.
package attractor

import (
	"fmt"
	"os"
)

// LoadSubPipeline reads and parses a child DOT file.
func LoadSubPipeline(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sub-pipeline file %q: %w", path, err)
	}
	g, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sub-pipeline file %q: %w", path, err)
	}
	return g, nil
}

// splice carries the state of one composition.
type splice struct {
	parent       *Graph
	child        *Graph
	insertNodeID string
	prefix       string // "<namespace>."
	childStart   string // namespaced child entry id
	childExit    string // namespaced child terminal id
}

func (sp *splice) ns(id string) string {
	return sp.prefix + id
}

// ComposeGraphs splices childGraph into parent where insertNodeID sits. Every
// child node id is prefixed "namespace.", incoming parent edges land on the
// child's start node, and outgoing parent edges leave from the child's
// terminal node. Graph attributes merge with parent values winning.
func ComposeGraphs(parent *Graph, childGraph *Graph, insertNodeID string, namespace string) (*Graph, error) {
	if parent.FindNode(insertNodeID) == nil {
		return nil, fmt.Errorf("insert node %q not found in parent graph", insertNodeID)
	}
	start := childGraph.FindStartNode()
	if start == nil {
		return nil, fmt.Errorf("child graph has no start node (shape=Mdiamond)")
	}
	exit := childGraph.FindExitNode()
	if exit == nil {
		return nil, fmt.Errorf("child graph has no terminal node (shape=Msquare)")
	}

	sp := &splice{
		parent:       parent,
		child:        childGraph,
		insertNodeID: insertNodeID,
		prefix:       namespace + ".",
	}
	sp.childStart = sp.ns(start.ID)
	sp.childExit = sp.ns(exit.ID)

	result := &Graph{
		Name:         parent.Name,
		Attrs:        mergeAttrs(childGraph.Attrs, parent.Attrs),
		NodeDefaults: copyAttrs(parent.NodeDefaults),
		EdgeDefaults: copyAttrs(parent.EdgeDefaults),
		Subgraphs:    append([]*Subgraph(nil), parent.Subgraphs...),
	}
	sp.spliceNodes(result)
	sp.spliceEdges(result)
	return result, nil
}

// spliceNodes copies parent nodes (minus the replaced one) and the namespaced
// child nodes.
func (sp *splice) spliceNodes(result *Graph) {
	result.Nodes = make(map[string]*Node, len(sp.parent.Nodes)+len(sp.child.Nodes)-1)
	for id, node := range sp.parent.Nodes {
		if id != sp.insertNodeID {
			result.Nodes[id] = &Node{ID: id, Attrs: copyAttrs(node.Attrs)}
		}
	}
	for id, node := range sp.child.Nodes {
		nsID := sp.ns(id)
		result.Nodes[nsID] = &Node{ID: nsID, Attrs: copyAttrs(node.Attrs)}
	}
}

// spliceEdges re-routes parent edges around the removed node and namespaces
// the child's edges.
func (sp *splice) spliceEdges(result *Graph) {
	result.Edges = make([]*Edge, 0, len(sp.parent.Edges)+len(sp.child.Edges))
	for _, edge := range sp.parent.Edges {
		from, to := edge.From, edge.To
		if to == sp.insertNodeID {
			to = sp.childStart
		}
		if from == sp.insertNodeID {
			from = sp.childExit
		}
		result.Edges = append(result.Edges, &Edge{From: from, To: to, Attrs: copyAttrs(edge.Attrs)})
	}
	for _, edge := range sp.child.Edges {
		result.Edges = append(result.Edges, &Edge{
			From:  sp.ns(edge.From),
			To:    sp.ns(edge.To),
			Attrs: copyAttrs(edge.Attrs),
		})
	}
}

// mergeAttrs overlays maps left to right; later maps win on conflict.
func mergeAttrs(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// copyAttrs copies an attribute map; nil in, empty map out.
func copyAttrs(attrs map[string]string) map[string]string {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}

// SubPipelineTransform inlines every node carrying a sub_pipeline attribute,
// using the node's own id as the namespace.
type SubPipelineTransform struct{}

// Apply composes each referenced child graph into g. A child that fails to
// load or compose leaves its node untouched; the validator will flag the
// graph if that node was load-bearing.
func (t *SubPipelineTransform) Apply(g *Graph) *Graph {
	// snapshot the references first; composition replaces the graph
	refs := map[string]string{}
	for _, node := range g.Nodes {
		if path := node.Attrs["sub_pipeline"]; path != "" {
			refs[node.ID] = path
		}
	}

	result := g
	for nodeID, path := range refs {
		childGraph, err := LoadSubPipeline(path)
		if err != nil {
			continue
		}
		composed, err := ComposeGraphs(result, childGraph, nodeID, nodeID)
		if err != nil {
			continue
		}
		result = composed
	}
	return result
}
