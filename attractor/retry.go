// ABOUTME: Retry policy and backoff math, plus the attribute-resolution helpers the engine leans on.
// ABOUTME: maxAttempts is always retries+1; delay is min(initial·factor^n, cap) scaled by (0.5+U[0,1]).
package attractor

import (
	"math"
	"math/rand"
	"strconv"
	"time"
)

// RetryPolicy bounds how often a node re-executes after RETRY/error outcomes.
type RetryPolicy struct {
	MaxAttempts int // 1 means no retries
	Backoff     BackoffConfig
	ShouldRetry func(error) bool
}

// BackoffConfig shapes the sleep between attempts.
type BackoffConfig struct {
	InitialDelay time.Duration // 200ms baseline
	Factor       float64       // 2.0 baseline
	MaxDelay     time.Duration // 60s cap
	Jitter       bool
}

// DelayForAttempt computes attempt's sleep (attempt is 0-indexed):
// min(InitialDelay·Factor^attempt, MaxDelay), then scaled by (0.5 + U[0,1])
// when Jitter is on — randomized around the curve, never damped to zero.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	delay := math.Min(
		float64(b.InitialDelay)*math.Pow(b.Factor, float64(attempt)),
		float64(b.MaxDelay),
	)
	if b.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// DefaultShouldRetry retries on any non-nil error.
func DefaultShouldRetry(err error) bool {
	return err != nil
}

// standardBackoff is the shared curve every preset starts from.
func standardBackoff(jitter bool) BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       jitter,
	}
}

// preset constructors

// RetryPolicyNone: one attempt, nothing more.
func RetryPolicyNone() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: standardBackoff(false), ShouldRetry: DefaultShouldRetry}
}

// RetryPolicyStandard: five attempts on the standard curve.
func RetryPolicyStandard() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: standardBackoff(true), ShouldRetry: DefaultShouldRetry}
}

// RetryPolicyAggressive: five attempts starting at 500ms.
func RetryPolicyAggressive() RetryPolicy {
	p := RetryPolicy{MaxAttempts: 5, Backoff: standardBackoff(true), ShouldRetry: DefaultShouldRetry}
	p.Backoff.InitialDelay = 500 * time.Millisecond
	return p
}

// RetryPolicyLinear: three attempts with a constant 500ms gap.
func RetryPolicyLinear() RetryPolicy {
	p := RetryPolicy{MaxAttempts: 3, Backoff: standardBackoff(false), ShouldRetry: DefaultShouldRetry}
	p.Backoff.InitialDelay = 500 * time.Millisecond
	p.Backoff.Factor = 1.0
	return p
}

// RetryPolicyPatient: three attempts, 2s start, steep 3x growth.
func RetryPolicyPatient() RetryPolicy {
	p := RetryPolicy{MaxAttempts: 3, Backoff: standardBackoff(true), ShouldRetry: DefaultShouldRetry}
	p.Backoff.InitialDelay = 2 * time.Second
	p.Backoff.Factor = 3.0
	return p
}

// --- attribute resolution helpers ---

// firstAttr returns the first non-empty value among the (attrs, key) pairs.
func firstAttr(pairs ...[2]string) string {
	for _, p := range pairs {
		if p[1] != "" {
			return p[1]
		}
	}
	return ""
}

func attrOf(attrs map[string]string, key string) [2]string {
	if attrs == nil {
		return [2]string{key, ""}
	}
	return [2]string{key, attrs[key]}
}

// buildRetryPolicy derives a node's policy: node max_retries wins, then the
// graph's default_max_retry, then defaultPolicy unchanged. A value that does
// not parse as an integer is skipped. maxAttempts is the retry count plus the
// initial attempt.
func buildRetryPolicy(node *Node, graph *Graph, defaultPolicy RetryPolicy) RetryPolicy {
	for _, raw := range []string{node.Attrs["max_retries"], graph.Attrs["default_max_retry"]} {
		if raw == "" {
			continue
		}
		if retries, err := strconv.Atoi(raw); err == nil {
			policy := defaultPolicy
			policy.MaxAttempts = retries + 1
			return policy
		}
	}
	return defaultPolicy
}

// resolveNodeTimeout: node timeout attr, then graph default_node_timeout,
// then the config default (which may be 0 = none).
func resolveNodeTimeout(node *Node, graph *Graph, configDefault time.Duration) time.Duration {
	raw := firstAttr(
		attrOf(node.Attrs, "timeout"),
		attrOf(graph.Attrs, "default_node_timeout"),
	)
	if raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return configDefault
}

// isTerminal recognizes a run's end: shape=Msquare or the explicit
// node_type/type=exit spellings.
func isTerminal(node *Node) bool {
	if node.Attrs == nil {
		return false
	}
	return node.Attrs["shape"] == "Msquare" ||
		node.Attrs["node_type"] == "exit" ||
		node.Attrs["type"] == "exit"
}

// checkGoalGates verifies every visited goal_gate node ended in SUCCESS or
// PARTIAL_SUCCESS. Returns the first failing node, or (true, nil) when all
// gates hold. Unvisited gates don't block.
func checkGoalGates(graph *Graph, outcomes map[string]*Outcome) (bool, *Node) {
	for _, node := range graph.Nodes {
		if node.Attrs["goal_gate"] != "true" {
			continue
		}
		outcome, visited := outcomes[node.ID]
		if !visited {
			continue
		}
		if outcome.Status != StatusSuccess && outcome.Status != StatusPartialSuccess {
			return false, node
		}
	}
	return true, nil
}

// getRetryTarget resolves where a failed run should jump: node retry_target,
// node fallback_retry_target, then the graph-level pair.
func getRetryTarget(node *Node, graph *Graph) string {
	return firstAttr(
		attrOf(node.Attrs, "retry_target"),
		attrOf(node.Attrs, "fallback_retry_target"),
		attrOf(graph.Attrs, "retry_target"),
		attrOf(graph.Attrs, "fallback_retry_target"),
	)
}
