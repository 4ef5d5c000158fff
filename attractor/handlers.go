// ABOUTME: NodeHandler is the capability every stage type implements; HandlerRegistry resolves node -> handler.
// ABOUTME: ShapeToHandlerType carries the DOT shape defaulting table as data, not a type switch.
package attractor

import "context"

// NodeHandler is implemented once per stage capability (start, exit, codergen, ...).
// The engine never type-switches on node kind; it always goes through Resolve.
type NodeHandler interface {
	// Type is the registry key this handler answers to, e.g. "codergen" or "wait.human".
	Type() string

	// Execute runs one attempt at the node. store holds large tool/LLM output that
	// shouldn't round-trip through Outcome itself; pctx is the run's shared Context.
	Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error)
}

// HandlerRegistry resolves a Node to the NodeHandler that should execute it.
type HandlerRegistry struct {
	handlers map[string]NodeHandler
}

// NewHandlerRegistry returns a registry with nothing registered.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]NodeHandler)}
}

// Register adds or replaces the handler for handler.Type().
func (r *HandlerRegistry) Register(handler NodeHandler) {
	r.handlers[handler.Type()] = handler
}

// Get looks up a handler by its exact registry key, bypassing node-attribute resolution.
func (r *HandlerRegistry) Get(typeName string) NodeHandler {
	return r.handlers[typeName]
}

// Resolve resolves in a fixed order: explicit node.type wins; otherwise the
// shape's default type; otherwise whatever is registered as "codergen" stands in for
// an unannotated node.
func (r *HandlerRegistry) Resolve(node *Node) NodeHandler {
	if node.Attrs != nil {
		if typeName := node.Attrs["type"]; typeName != "" {
			if h, ok := r.handlers[typeName]; ok {
				return h
			}
		}
		if shape, ok := node.Attrs["shape"]; ok {
			if h, ok := r.handlers[ShapeToHandlerType(shape)]; ok {
				return h
			}
		}
	}
	return r.handlers["codergen"]
}

// shapeDefaults maps a DOT shape attribute to the handler type it implies when a
// node declares no explicit "type".
var shapeDefaults = map[string]string{
	"Mdiamond":      "start",
	"Msquare":       "exit",
	"box":           "codergen",
	"diamond":       "conditional",
	"component":     "parallel",
	"tripleoctagon": "parallel.fan_in",
	"parallelogram": "tool",
	"house":         "stack.manager_loop",
	"hexagon":       "wait.human",
}

// ShapeToHandlerType returns the default handler type for shape, or "codergen" for
// any shape not in the table.
func ShapeToHandlerType(shape string) string {
	if t, ok := shapeDefaults[shape]; ok {
		return t
	}
	return "codergen"
}

// nodeAttrs returns node.Attrs, or an empty map when the node carries none, so
// handlers can index attributes without a nil check at every site.
func nodeAttrs(node *Node) map[string]string {
	if node.Attrs == nil {
		return map[string]string{}
	}
	return node.Attrs
}

// DefaultHandlerRegistry wires every built-in handler under its natural type name.
func DefaultHandlerRegistry() *HandlerRegistry {
	reg := NewHandlerRegistry()
	for _, h := range []NodeHandler{
		&StartHandler{},
		&ExitHandler{},
		&CodergenHandler{},
		&ConditionalHandler{},
		&ParallelHandler{},
		&FanInHandler{},
		&ToolHandler{},
		&ManagerLoopHandler{},
		&WaitForHumanHandler{},
	} {
		reg.Register(h)
	}
	return reg
}
