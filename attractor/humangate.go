// ABOUTME: Human gate rendezvous table for pipeline runs awaiting external input.
// ABOUTME: A process-wide map of (runId, nodeId) -> pending answer, resolved by submitAnswer.
package attractor

import (
	"context"
	"fmt"
	"sync"
)

// pendingGate is a single-shot rendezvous point for one human gate wait.
type pendingGate struct {
	answered chan string
	once     sync.Once
}

func newPendingGate() *pendingGate {
	return &pendingGate{answered: make(chan string, 1)}
}

// resolve delivers the answer to the waiter. Safe to call at most once;
// subsequent calls are no-ops.
func (p *pendingGate) resolve(answer string) {
	p.once.Do(func() {
		p.answered <- answer
	})
}

// HumanGateRegistry is a process-wide table of pending human gate waits,
// keyed by (runId, nodeId). A RendezvousInterviewer registers a pending gate
// when asked, and an external caller resolves it via SubmitAnswer.
type HumanGateRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingGate
}

// NewHumanGateRegistry creates an empty registry.
func NewHumanGateRegistry() *HumanGateRegistry {
	return &HumanGateRegistry{pending: make(map[string]*pendingGate)}
}

func gateKey(runID, nodeID string) string {
	return runID + "\x00" + nodeID
}

// Register inserts a pending gate for (runID, nodeID). If one is already
// pending for that key, it is replaced (the prior waiter, if any, will never
// be resolved by a subsequent SubmitAnswer call and should rely on its own
// context timeout).
func (h *HumanGateRegistry) Register(runID, nodeID string) *pendingGate {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := newPendingGate()
	h.pending[gateKey(runID, nodeID)] = g
	return g
}

// Unregister removes the pending gate for (runID, nodeID), if present.
func (h *HumanGateRegistry) Unregister(runID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, gateKey(runID, nodeID))
}

// SubmitAnswer looks up the pending gate for (runID, nodeID), removes it, and
// resolves the wait. Returns false if nothing was pending.
func (h *HumanGateRegistry) SubmitAnswer(runID, nodeID, text string) bool {
	h.mu.Lock()
	g, ok := h.pending[gateKey(runID, nodeID)]
	if ok {
		delete(h.pending, gateKey(runID, nodeID))
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	g.resolve(text)
	return true
}

// Wait blocks a pending gate until an answer arrives or the context is done;
// a timeout is expressed through the context's deadline.
func (g *pendingGate) Wait(ctx context.Context) (string, error) {
	select {
	case answer := <-g.answered:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RendezvousInterviewer is an Interviewer backed by a HumanGateRegistry. Each
// instance is bound to one run; Ask derives the node id from the context
// (see WithNodeID) and blocks until SubmitAnswer resolves it or ctx is done.
type RendezvousInterviewer struct {
	runID    string
	registry *HumanGateRegistry
	onAsk    func(nodeID, question string, options []string)
}

// NewRendezvousInterviewer creates a RendezvousInterviewer for one run. onAsk,
// if non-nil, is invoked synchronously before waiting so callers can emit a
// HUMAN_GATE event carrying the enumerated choices.
func NewRendezvousInterviewer(runID string, registry *HumanGateRegistry, onAsk func(nodeID, question string, options []string)) *RendezvousInterviewer {
	return &RendezvousInterviewer{runID: runID, registry: registry, onAsk: onAsk}
}

// Ask registers a pending gate for the node attached to ctx (via WithNodeID)
// and blocks until SubmitAnswer resolves it or ctx is cancelled/times out.
func (r *RendezvousInterviewer) Ask(ctx context.Context, question string, options []string) (string, error) {
	nodeID := NodeIDFromContext(ctx)
	if nodeID == "" {
		return "", fmt.Errorf("rendezvous interviewer: no node id attached to context")
	}

	gate := r.registry.Register(r.runID, nodeID)
	if r.onAsk != nil {
		r.onAsk(nodeID, question, options)
	}

	answer, err := gate.Wait(ctx)
	if err != nil {
		r.registry.Unregister(r.runID, nodeID)
		return "", err
	}
	return answer, nil
}
