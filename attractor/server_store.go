// ABOUTME: Bridges the HTTP server to a RunStateStore: a run is saved when accepted and
// ABOUTME: when it finishes (events are not stored), and saved runs reload on restart.
package attractor

import (
	"fmt"
	"log"
	"time"
)

// SetRunStateStore attaches persistent storage. Runs submitted after this
// call are written through; call LoadPersistedRuns to surface older ones.
func (s *PipelineServer) SetRunStateStore(store RunStateStore) {
	s.store = store
}

// LoadPersistedRuns pulls previously stored runs into the server's in-memory
// table. A run that was mid-flight when the process died can't be resumed,
// so it reloads as failed.
func (s *PipelineServer) LoadPersistedRuns() error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load persisted runs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range states {
		if _, live := s.pipelines[state.ID]; live {
			continue
		}
		run := &PipelineRun{
			ID:        state.ID,
			Status:    state.Status,
			Source:    state.Source,
			Error:     state.Error,
			Events:    state.Events,
			CreatedAt: state.StartedAt,
			Questions: make([]PendingQuestion, 0),
		}
		if state.Status == "running" {
			run.Status = "failed"
			run.Error = "interrupted: server restarted during run"
		}
		s.pipelines[state.ID] = run
	}
	return nil
}

// persistRunStart writes the initial record for a newly accepted run.
func (s *PipelineServer) persistRunStart(run *PipelineRun) {
	if s.store == nil {
		return
	}
	state := &RunState{
		ID:             run.ID,
		Status:         "running",
		Source:         run.Source,
		StartedAt:      run.CreatedAt,
		CompletedNodes: []string{},
		Context:        map[string]any{},
		Events:         []EngineEvent{},
	}
	if err := s.store.Create(state); err != nil {
		log.Printf("[pipeline %s] persist start: %v\n", run.ID, err)
	}
}

// persistRunEnd writes the final record. Caller holds run.mu.
func (s *PipelineServer) persistRunEnd(run *PipelineRun) {
	if s.store == nil {
		return
	}
	now := time.Now()
	state := &RunState{
		ID:             run.ID,
		Status:         run.Status,
		Source:         run.Source,
		StartedAt:      run.CreatedAt,
		CompletedAt:    &now,
		Error:          run.Error,
		CompletedNodes: []string{},
		Context:        map[string]any{},
		Events:         []EngineEvent{},
	}
	if run.Result != nil {
		state.CompletedNodes = run.Result.CompletedNodes
		if run.Result.Context != nil {
			state.Context = run.Result.Context.Snapshot()
		}
	}
	if err := s.store.Update(state); err != nil {
		log.Printf("[pipeline %s] persist end: %v\n", run.ID, err)
	}
}
