// ABOUTME: FidelityMode says how much accumulated context a stage inherits from the run so far.
// ABOUTME: Resolution precedence is incoming edge, then node, then graph default_fidelity, then compact.
package attractor

// FidelityMode controls how much prior context rides into a stage's prompt.
type FidelityMode string

const (
	FidelityFull          FidelityMode = "full"
	FidelityTruncate      FidelityMode = "truncate"
	FidelityCompact       FidelityMode = "compact"
	FidelitySummaryLow    FidelityMode = "summary:low"
	FidelitySummaryMedium FidelityMode = "summary:medium"
	FidelitySummaryHigh   FidelityMode = "summary:high"
)

var allFidelityModes = []FidelityMode{
	FidelityFull,
	FidelityTruncate,
	FidelityCompact,
	FidelitySummaryLow,
	FidelitySummaryMedium,
	FidelitySummaryHigh,
}

// ValidFidelityModes lists every recognized mode string, for error messages
// and lint rules.
func ValidFidelityModes() []string {
	names := make([]string, len(allFidelityModes))
	for i, m := range allFidelityModes {
		names[i] = string(m)
	}
	return names
}

// IsValidFidelity reports whether mode is a recognized fidelity string.
func IsValidFidelity(mode string) bool {
	for _, m := range allFidelityModes {
		if string(m) == mode {
			return true
		}
	}
	return false
}

// ResolveFidelity picks the effective mode for entering targetNode via edge.
// The most specific declaration wins: the incoming edge, then the node, then
// the graph's default_fidelity, then compact. Unrecognized strings are
// skipped rather than failing the run.
func ResolveFidelity(edge *Edge, targetNode *Node, graph *Graph) FidelityMode {
	sources := []map[string]string{}
	keys := []string{}
	if edge != nil {
		sources, keys = append(sources, edge.Attrs), append(keys, "fidelity")
	}
	if targetNode != nil {
		sources, keys = append(sources, targetNode.Attrs), append(keys, "fidelity")
	}
	if graph != nil {
		sources, keys = append(sources, graph.Attrs), append(keys, "default_fidelity")
	}

	for i, attrs := range sources {
		if attrs == nil {
			continue
		}
		if f, ok := attrs[keys[i]]; ok && IsValidFidelity(f) {
			return FidelityMode(f)
		}
	}
	return FidelityCompact
}
