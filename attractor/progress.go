// ABOUTME: ProgressLogger streams engine events to progress.ndjson and keeps live.json current.
// ABOUTME: live.json is the poll target for external tools; the NDJSON file is the full trail.
package attractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressEntry is one NDJSON line of the progress log.
type ProgressEntry struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// LiveState is the snapshot written to live.json after every event.
type LiveState struct {
	Status     string   `json:"status"`
	ActiveNode string   `json:"active_node"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	StartedAt  string   `json:"started_at"`
	UpdatedAt  string   `json:"updated_at"`
	EventCount int      `json:"event_count"`
}

// advance folds one event into the live state.
func (ls *LiveState) advance(evt EngineEvent) {
	switch evt.Type {
	case EventPipelineStarted:
		ls.Status = "running"
		ls.StartedAt = evt.Timestamp.UTC().Format(time.RFC3339)
	case EventStageStarted:
		ls.ActiveNode = evt.NodeID
	case EventStageCompleted:
		ls.Completed = append(ls.Completed, evt.NodeID)
		ls.ActiveNode = ""
	case EventStageFailed:
		ls.Failed = append(ls.Failed, evt.NodeID)
		ls.ActiveNode = ""
	case EventPipelineCompleted:
		ls.Status = "completed"
	case EventPipelineFailed:
		ls.Status = "failed"
	}
	ls.EventCount++
	ls.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// clone returns an independent copy.
func (ls LiveState) clone() LiveState {
	ls.Completed = append([]string(nil), ls.Completed...)
	ls.Failed = append([]string(nil), ls.Failed...)
	return ls
}

// ProgressLogger appends events to progress.ndjson and rewrites live.json with
// the derived pipeline status.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	mu          sync.Mutex
	closed      bool
	WriteErrors int // write failures seen so far, for diagnostics
}

// NewProgressLogger opens progress.ndjson in dir for appending and seeds
// live.json with a pending status.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	pl := &ProgressLogger{
		dir:   dir,
		file:  f,
		state: LiveState{Status: "pending", Completed: []string{}, Failed: []string{}},
	}
	if err := pl.flushLive(); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

// HandleEvent appends the event to the NDJSON file and refreshes live.json.
// The signature matches EngineConfig.EventHandler, so it wires in directly.
// Logging is best-effort: a failed write still advances the live state.
func (p *ProgressLogger) HandleEvent(evt EngineEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if err := p.appendEntry(evt); err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] %v\n", err)
	}

	p.state.advance(evt)
	if err := p.flushLive(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// appendEntry writes one NDJSON line. Caller holds p.mu.
func (p *ProgressLogger) appendEntry(evt EngineEvent) error {
	line, err := json.Marshal(ProgressEntry{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		Type:      string(evt.Type),
		NodeID:    evt.NodeID,
		Data:      evt.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if _, err := p.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// Close closes the NDJSON file; later HandleEvent calls become no-ops.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// State returns an independent copy of the live state.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// flushLive rewrites live.json atomically. Caller holds p.mu.
func (p *ProgressLogger) flushLive() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}
