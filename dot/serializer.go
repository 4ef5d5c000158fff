// ABOUTME: Graph back to DOT text through a small indented writer; output is byte-stable.
// ABOUTME: ApplyColorCoding decorates a graph for rendering using the shape/outcome conventions.
package dot

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// dotWriter accumulates indented DOT statements.
type dotWriter struct {
	b      strings.Builder
	indent string
}

func (w *dotWriter) line(format string, args ...any) {
	w.b.WriteString(w.indent)
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *dotWriter) blank() { w.b.WriteByte('\n') }

// Serialize renders g as DOT source: header, defaults, nodes (sorted by id),
// subgraphs, then edges in declaration order. Re-serializing the same graph
// yields identical bytes.
func Serialize(g *Graph) string {
	w := &dotWriter{indent: "  "}
	w.b.WriteString("digraph " + ident(g.Name) + " {\n")

	hasDefaults := false
	for _, block := range []struct {
		keyword string
		attrs   map[string]string
	}{
		{"graph", g.Attrs},
		{"node", g.NodeDefaults},
		{"edge", g.EdgeDefaults},
	} {
		if len(block.attrs) > 0 {
			w.line("%s [%s]", block.keyword, formatAttrs(block.attrs))
			hasDefaults = true
		}
	}
	if hasDefaults {
		w.blank()
	}

	nodeIDs := sortedKeys(g.Nodes)
	for _, id := range nodeIDs {
		if attrs := g.Nodes[id].Attrs; len(attrs) > 0 {
			w.line("%s [%s]", ident(id), formatAttrs(attrs))
		} else {
			w.line("%s", ident(id))
		}
	}

	if len(nodeIDs) > 0 && len(g.Subgraphs) > 0 {
		w.blank()
	}
	for _, sg := range g.Subgraphs {
		writeSubgraph(w, sg)
	}

	if (len(nodeIDs) > 0 || len(g.Subgraphs) > 0) && len(g.Edges) > 0 {
		w.blank()
	}
	for _, e := range g.Edges {
		if len(e.Attrs) > 0 {
			w.line("%s -> %s [%s]", ident(e.From), ident(e.To), formatAttrs(e.Attrs))
		} else {
			w.line("%s -> %s", ident(e.From), ident(e.To))
		}
	}

	w.b.WriteString("}\n")
	return w.b.String()
}

func writeSubgraph(w *dotWriter, sg *Subgraph) {
	name := sg.Name
	if sg.ID != "" {
		name = sg.ID
	}
	w.line("subgraph %s {", name)

	inner := &dotWriter{indent: w.indent + "  "}
	for _, k := range sortedKeys(sg.Attrs) {
		inner.line("%s=%s", k, quoteValue(sg.Attrs[k]))
	}
	if len(sg.NodeDefaults) > 0 {
		inner.line("node [%s]", formatAttrs(sg.NodeDefaults))
	}
	for _, nodeID := range sg.NodeIDs {
		inner.line("%s", ident(nodeID))
	}
	w.b.WriteString(inner.b.String())

	w.line("}")
}

// ApplyColorCoding fills nodes by shape and colors success/fail edges, for
// graphs headed to a renderer.
func ApplyColorCoding(g *Graph) {
	shapeColors := map[string]string{
		"Mdiamond":      "#90EE90", // start
		"Msquare":       "#FFB6C1", // exit
		"box":           "#ADD8E6", // codergen
		"diamond":       "#FFFFE0", // conditional
		"hexagon":       "#DDA0DD", // human gate
		"parallelogram": "#FFA500", // tool
	}

	for _, node := range g.Nodes {
		if node.Attrs == nil {
			continue
		}
		if color, ok := shapeColors[node.Attrs["shape"]]; ok {
			node.Attrs["fillcolor"] = color
			node.Attrs["style"] = "filled"
		}
	}

	for _, edge := range g.Edges {
		if edge.Attrs == nil {
			continue
		}
		label := strings.ToLower(edge.Attrs["label"])
		switch {
		case strings.Contains(label, "success"):
			edge.Attrs["color"] = "green"
		case strings.Contains(label, "fail"):
			edge.Attrs["color"] = "red"
			edge.Attrs["style"] = "dashed"
		}
	}
}

// ident renders an identifier position: bare when DOT allows, quoted
// otherwise.
func ident(s string) string {
	if isBareIdentifier(s) {
		return s
	}
	return quoteValue(s)
}

// formatAttrs renders "k=v, k=v" with sorted keys.
func formatAttrs(attrs map[string]string) string {
	keys := sortedKeys(attrs)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + quoteValue(attrs[k])
	}
	return strings.Join(parts, ", ")
}

// quoteValue emits val bare when it's a bare identifier or number, otherwise
// double-quoted with escapes.
func quoteValue(val string) string {
	if val == "" {
		return `""`
	}
	if isBareIdentifier(val) {
		return val
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, ch := range val {
		switch ch {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// isBareIdentifier: numbers, or runs of lowercase letters, digits, and
// underscores, survive unquoted.
func isBareIdentifier(val string) bool {
	if val == "" {
		return false
	}
	if isNumeric(val) {
		return true
	}
	for _, ch := range val {
		if ch != '_' && !unicode.IsLower(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// isNumeric accepts integers and floats with an optional leading minus.
func isNumeric(val string) bool {
	start := 0
	if strings.HasPrefix(val, "-") {
		start = 1
	}
	if start >= len(val) {
		return false
	}
	hasDot, hasDigit := false, false
	for i := start; i < len(val); i++ {
		switch ch := val[i]; {
		case ch == '.':
			if hasDot {
				return false
			}
			hasDot = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		default:
			return false
		}
	}
	return hasDigit
}

// sortedKeys returns m's keys in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
