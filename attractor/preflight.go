// ABOUTME: Preflight checks run before the engine starts, so a missing key fails in milliseconds.
// ABOUTME: Checks are derived from the graph: codergen backend presence, env_required variables.
package attractor

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// PreflightCheck is one named validation to run before execution.
type PreflightCheck struct {
	Name  string
	Check func(ctx context.Context) error // nil error means pass
}

// PreflightFailure pairs a failed check with its reason.
type PreflightFailure struct {
	Name   string
	Reason string
}

// PreflightResult aggregates every check's outcome.
type PreflightResult struct {
	Passed []string
	Failed []PreflightFailure
}

// OK reports whether every check passed.
func (r PreflightResult) OK() bool {
	return len(r.Failed) == 0
}

// Error renders the failures as a multi-line message, or "" when all passed.
func (r PreflightResult) Error() string {
	if r.OK() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "preflight: %d check(s) failed:", len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "\n  - %s: %s", f.Name, f.Reason)
	}
	return b.String()
}

// RunPreflight runs every check, never short-circuiting, so the operator sees
// the full list of problems in one pass.
func RunPreflight(ctx context.Context, checks []PreflightCheck) PreflightResult {
	result := PreflightResult{
		Passed: make([]string, 0, len(checks)),
		Failed: make([]PreflightFailure, 0),
	}
	for _, c := range checks {
		err := c.Check(ctx)
		if err != nil {
			result.Failed = append(result.Failed, PreflightFailure{Name: c.Name, Reason: err.Error()})
			continue
		}
		result.Passed = append(result.Passed, c.Name)
	}
	return result
}

// staticCheck wraps a precomputed pass/fail into a PreflightCheck.
func staticCheck(name string, err error) PreflightCheck {
	return PreflightCheck{
		Name:  name,
		Check: func(context.Context) error { return err },
	}
}

// envCheck verifies one environment variable is set at check time.
func envCheck(varName string) PreflightCheck {
	return PreflightCheck{
		Name: "env:" + varName,
		Check: func(context.Context) error {
			if os.Getenv(varName) == "" {
				return fmt.Errorf("required environment variable %s is not set", varName)
			}
			return nil
		},
	}
}

// BuildPreflightChecks derives the check set for a graph + engine config:
// a backend must exist when codergen nodes do, and every env_required
// variable named by any node must be set.
func BuildPreflightChecks(graph *Graph, cfg EngineConfig) []PreflightCheck {
	var checks []PreflightCheck

	if HasCodergenNodes(graph) {
		if cfg.Backend == nil {
			checks = append(checks, staticCheck("codergen-backend",
				fmt.Errorf("codergen nodes found but no backend configured (set an API key)")))
		} else {
			checks = append(checks, staticCheck("backend-configured", nil))
		}
	}

	seen := make(map[string]bool)
	for _, node := range graph.Nodes {
		if node.Attrs == nil {
			continue
		}
		for _, envVar := range strings.Split(node.Attrs["env_required"], ",") {
			envVar = strings.TrimSpace(envVar)
			if envVar == "" || seen[envVar] {
				continue
			}
			seen[envVar] = true
			checks = append(checks, envCheck(envVar))
		}
	}

	return checks
}

// HasCodergenNodes reports whether any node would resolve to the codergen
// handler under the registry's lookup order: explicit type attribute first,
// then shape mapping, then the codergen default.
func HasCodergenNodes(graph *Graph) bool {
	if graph == nil {
		return false
	}
	for _, node := range graph.Nodes {
		if resolvesToCodergen(node) {
			return true
		}
	}
	return false
}

func resolvesToCodergen(node *Node) bool {
	if node.Attrs != nil {
		if typeName := node.Attrs["type"]; typeName != "" && knownHandlerTypes[typeName] {
			return typeName == "codergen"
		}
	}
	shape := ""
	if node.Attrs != nil {
		shape = node.Attrs["shape"]
	}
	return ShapeToHandlerType(shape) == "codergen"
}
