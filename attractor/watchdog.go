// ABOUTME: Watchdog watches active stages and raises a stall event when one goes quiet too long.
// ABOUTME: Observation only — cancellation stays with the node's own timeout and retry policy.
package attractor

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig tunes stall detection.
type WatchdogConfig struct {
	StallTimeout  time.Duration // quiet period after which a node counts as stalled
	CheckInterval time.Duration // polling cadence
}

// DefaultWatchdogConfig: 5 minutes of silence, checked every 10 seconds.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  5 * time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// Watchdog tracks which nodes are executing and emits EventStageStalled when
// one exceeds StallTimeout without finishing. It never cancels anything.
type Watchdog struct {
	config       WatchdogConfig
	eventHandler func(EngineEvent)
	mu           sync.Mutex
	activeNodes  map[string]time.Time // nodeID -> time the node started
	warned       map[string]bool      // nodes already flagged this activation
}

// NewWatchdog builds a watchdog that reports stalls to eventHandler (called
// from the watchdog's own goroutine).
func NewWatchdog(cfg WatchdogConfig, eventHandler func(EngineEvent)) *Watchdog {
	return &Watchdog{
		config:       cfg,
		eventHandler: eventHandler,
		activeNodes:  make(map[string]time.Time),
		warned:       make(map[string]bool),
	}
}

// Start launches the polling goroutine; it exits when ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// NodeStarted marks a node active and clears any previous stall flag, so a
// node that re-enters can stall (and warn) again.
func (w *Watchdog) NodeStarted(nodeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeNodes[nodeID] = time.Now()
	delete(w.warned, nodeID)
}

// NodeFinished drops the node from stall tracking.
func (w *Watchdog) NodeFinished(nodeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeNodes, nodeID)
	delete(w.warned, nodeID)
}

// HandleEvent adapts engine events into NodeStarted/NodeFinished calls, so
// the watchdog can sit in an EventHandler chain.
func (w *Watchdog) HandleEvent(evt EngineEvent) {
	switch evt.Type {
	case EventStageStarted:
		w.NodeStarted(evt.NodeID)
	case EventStageCompleted, EventStageFailed:
		w.NodeFinished(evt.NodeID)
	}
}

// ActiveNodes lists currently tracked node ids in no particular order.
func (w *Watchdog) ActiveNodes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	nodes := make([]string, 0, len(w.activeNodes))
	for id := range w.activeNodes {
		nodes = append(nodes, id)
	}
	return nodes
}

// check flags every active node past its stall timeout, at most once per
// activation. Events fire outside the lock; the handler may take locks of
// its own.
func (w *Watchdog) check() {
	w.mu.Lock()
	var stalled []EngineEvent
	now := time.Now()
	for nodeID, lastActivity := range w.activeNodes {
		if w.warned[nodeID] {
			continue
		}
		if elapsed := now.Sub(lastActivity); elapsed > w.config.StallTimeout {
			w.warned[nodeID] = true
			stalled = append(stalled, EngineEvent{
				Type:      EventStageStalled,
				NodeID:    nodeID,
				Timestamp: now,
				Data: map[string]any{
					"elapsed":       elapsed.String(),
					"stall_timeout": w.config.StallTimeout.String(),
				},
			})
		}
	}
	w.mu.Unlock()

	if w.eventHandler == nil {
		return
	}
	for _, evt := range stalled {
		w.eventHandler(evt)
	}
}
