// ABOUTME: FSRunStateStore keeps each run as a directory: manifest.json, context.json, events.jsonl.
// ABOUTME: Manifests and contexts write atomically; the event log is append-only JSONL.
package attractor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// timeFormat is how manifest timestamps serialize.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// staleRunningAge: a "running" run started this long ago is presumed orphaned.
const staleRunningAge = 5 * time.Minute

// runManifest is the manifest.json shape.
type runManifest struct {
	ID             string   `json:"id"`
	PipelineFile   string   `json:"pipeline_file"`
	Status         string   `json:"status"`
	SourceHash     string   `json:"source_hash,omitempty"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
	CurrentNode    string   `json:"current_node"`
	CompletedNodes []string `json:"completed_nodes"`
	Error          string   `json:"error,omitempty"`
}

func manifestFor(state *RunState) runManifest {
	m := runManifest{
		ID:             state.ID,
		PipelineFile:   state.PipelineFile,
		Status:         state.Status,
		SourceHash:     state.SourceHash,
		StartedAt:      state.StartedAt.Format(timeFormat),
		CurrentNode:    state.CurrentNode,
		CompletedNodes: state.CompletedNodes,
		Error:          state.Error,
	}
	if m.CompletedNodes == nil {
		m.CompletedNodes = []string{}
	}
	if state.CompletedAt != nil {
		ct := state.CompletedAt.Format(timeFormat)
		m.CompletedAt = &ct
	}
	return m
}

// runFiles addresses the files inside one run's directory.
type runFiles struct {
	dir string
}

func (r runFiles) manifest() string   { return filepath.Join(r.dir, "manifest.json") }
func (r runFiles) context() string    { return filepath.Join(r.dir, "context.json") }
func (r runFiles) events() string     { return filepath.Join(r.dir, "events.jsonl") }
func (r runFiles) source() string     { return filepath.Join(r.dir, "source.dot") }
func (r runFiles) checkpoint() string { return filepath.Join(r.dir, "checkpoint.json") }

func (r runFiles) exists() bool {
	_, err := os.Stat(r.dir)
	return err == nil
}

func (r runFiles) writeState(state *RunState) error {
	if err := writeJSONAtomic(r.manifest(), manifestFor(state)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	ctx := state.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	if err := writeJSONAtomic(r.context(), ctx); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	return nil
}

// load reassembles a RunState from the run directory's files. Corrupt files
// surface as errors rather than partial states.
func (r runFiles) load(id string) (*RunState, error) {
	manifestData, err := os.ReadFile(r.manifest())
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", id, err)
	}
	var m runManifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", id, err)
	}

	ctxData, err := os.ReadFile(r.context())
	if err != nil {
		return nil, fmt.Errorf("read context for %q: %w", id, err)
	}
	var ctx map[string]any
	if err := json.Unmarshal(ctxData, &ctx); err != nil {
		return nil, fmt.Errorf("read context for %q: %w", id, err)
	}

	events, err := r.loadEvents()
	if err != nil {
		return nil, fmt.Errorf("read events for %q: %w", id, err)
	}

	source, err := os.ReadFile(r.source())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read source.dot for %q: %w", id, err)
	}

	state := &RunState{
		ID:             m.ID,
		PipelineFile:   m.PipelineFile,
		Status:         m.Status,
		Source:         string(source),
		SourceHash:     m.SourceHash,
		CurrentNode:    m.CurrentNode,
		CompletedNodes: m.CompletedNodes,
		Context:        ctx,
		Events:         events,
		Error:          m.Error,
	}

	if m.StartedAt != "" {
		if state.StartedAt, err = time.Parse(timeFormat, m.StartedAt); err != nil {
			return nil, fmt.Errorf("parse started_at for %q: %w", id, err)
		}
	}
	if m.CompletedAt != nil {
		t, err := time.Parse(timeFormat, *m.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at for %q: %w", id, err)
		}
		state.CompletedAt = &t
	}
	return state, nil
}

func (r runFiles) loadEvents() ([]EngineEvent, error) {
	f, err := os.Open(r.events())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events := []EngineEvent{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt EngineEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo-1, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

var _ RunStateStore = (*FSRunStateStore)(nil)

// FSRunStateStore stores runs under baseDir, one subdirectory per run id.
type FSRunStateStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSRunStateStore creates baseDir if needed and returns the store.
func NewFSRunStateStore(baseDir string) (*FSRunStateStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FSRunStateStore{baseDir: baseDir}, nil
}

func (s *FSRunStateStore) run(id string) runFiles {
	return runFiles{dir: filepath.Join(s.baseDir, id)}
}

// Create materializes a new run directory; an existing run with the same id
// is an error, not an overwrite.
func (s *FSRunStateStore) Create(state *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.run(state.ID)
	if run.exists() {
		return fmt.Errorf("run %q already exists", state.ID)
	}
	if err := os.MkdirAll(filepath.Join(run.dir, "nodes"), 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := run.writeState(state); err != nil {
		return err
	}
	if state.Source != "" {
		if err := os.WriteFile(run.source(), []byte(state.Source), 0644); err != nil {
			return fmt.Errorf("write source.dot: %w", err)
		}
	}
	if err := os.WriteFile(run.events(), nil, 0644); err != nil {
		return fmt.Errorf("create events file: %w", err)
	}
	return nil
}

// Get loads a run back from disk.
func (s *FSRunStateStore) Get(id string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run := s.run(id)
	if !run.exists() {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return run.load(id)
}

// Update rewrites the manifest and context of an existing run.
func (s *FSRunStateStore) Update(state *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.run(state.ID)
	if !run.exists() {
		return fmt.Errorf("run %q not found", state.ID)
	}
	return run.writeState(state)
}

// AddEvent appends one event line to the run's events.jsonl.
func (s *FSRunStateStore) AddEvent(id string, event EngineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.run(id)
	if !run.exists() {
		return fmt.Errorf("run %q not found", id)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(run.events(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// List loads every run under baseDir, skipping entries that aren't run
// directories or fail to load.
func (s *FSRunStateStore) List() ([]*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(func(*RunState) bool { return true })
}

// scan walks the run directories, collecting loadable runs keep() accepts.
// Caller holds at least a read lock.
func (s *FSRunStateStore) scan(keep func(*RunState) bool) ([]*RunState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}

	var results []*RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := s.run(entry.Name()).load(entry.Name())
		if err != nil {
			continue
		}
		if keep(state) {
			results = append(results, state)
		}
	}
	return results, nil
}

// FindResumable returns the newest incomplete run matching sourceHash that
// left a checkpoint behind. A "running" run only qualifies once
// staleRunningAge has passed since its StartedAt, when its process is
// presumed dead; its latest activity is not consulted. Nil means nothing to
// resume.
func (s *FSRunStateStore) FindResumable(sourceHash string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates, err := s.scan(func(state *RunState) bool {
		if state.SourceHash != sourceHash || state.Status == "completed" {
			return false
		}
		if state.Status == "running" && time.Since(state.StartedAt) < staleRunningAge {
			return false
		}
		_, err := os.Stat(s.run(state.ID).checkpoint())
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	var newest *RunState
	for _, state := range candidates {
		if newest == nil || state.StartedAt.After(newest.StartedAt) {
			newest = state
		}
	}
	return newest, nil
}

// CheckpointPath is where a run's checkpoint.json lives.
func (s *FSRunStateStore) CheckpointPath(runID string) string {
	return s.run(runID).checkpoint()
}

// RunDir is the run's directory under the store root.
func (s *FSRunStateStore) RunDir(runID string) string {
	return s.run(runID).dir
}

// writeJSONAtomic writes v as indented JSON via a temp file + rename, so a
// reader sees either the old file or the new one, never a torn write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
