// ABOUTME: LogSink: durable event storage with query, retention, and a run index for fast listing.
// ABOUTME: FSLogSink composes FSRunStateStore (writes) with FSEventQuery (reads) plus index.json.
package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LogSink stores per-run event logs and manages their lifetime.
type LogSink interface {
	// Append records one event for runID.
	Append(runID string, event EngineEvent) error

	// Query returns the matching events plus the total match count before
	// pagination, so callers can page through a known-size result set.
	Query(runID string, filter EventFilter) ([]EngineEvent, int, error)

	// Tail returns the last n events.
	Tail(runID string, n int) ([]EngineEvent, error)

	// Summarize aggregates a run's event log.
	Summarize(runID string) (*EventSummary, error)

	// Prune deletes runs started more than olderThan ago, returning how many
	// were removed.
	Prune(olderThan time.Duration) (int, error)

	// Close releases sink resources.
	Close() error
}

// RunIndexEntry is the per-run line in index.json, enough to list and filter
// runs without touching their directories.
type RunIndexEntry struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EventCount int       `json:"event_count"`
}

// RunIndex is the persisted index.json payload.
type RunIndex struct {
	Runs    map[string]RunIndexEntry `json:"runs"`
	Updated time.Time                `json:"updated"`
}

// FSLogSink is the filesystem LogSink: run state store for writes, event
// query for reads, and index.json for enumeration. The index lives in memory
// and flushes after every mutation.
type FSLogSink struct {
	store   *FSRunStateStore
	query   *FSEventQuery
	baseDir string

	mu     sync.Mutex
	index  *RunIndex
	closed bool
}

var _ LogSink = (*FSLogSink)(nil)

// NewFSLogSink roots a sink at baseDir, loading index.json or starting fresh.
func NewFSLogSink(baseDir string) (*FSLogSink, error) {
	store, err := NewFSRunStateStore(baseDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	sink := &FSLogSink{
		store:   store,
		query:   NewFSEventQuery(store),
		baseDir: baseDir,
	}
	if sink.index, err = readRunIndex(sink.indexPath()); err != nil {
		return nil, err
	}
	if err := sink.flushIndex(); err != nil {
		return nil, fmt.Errorf("ensure index: %w", err)
	}
	return sink, nil
}

func (s *FSLogSink) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

// readRunIndex loads index.json; a missing file is an empty index, not an
// error.
func readRunIndex(path string) (*RunIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &RunIndex{Runs: make(map[string]RunIndexEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var index RunIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if index.Runs == nil {
		index.Runs = make(map[string]RunIndexEntry)
	}
	return &index, nil
}

// flushIndex persists the in-memory index. Caller holds the mutex (or is the
// constructor, before the sink escapes).
func (s *FSLogSink) flushIndex() error {
	s.index.Updated = time.Now()
	return writeJSONAtomic(s.indexPath(), s.index)
}

// Append stores the event and refreshes the run's index entry.
func (s *FSLogSink) Append(runID string, event EngineEvent) error {
	if err := s.store.AddEvent(runID, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	state, err := s.store.Get(runID)
	if err != nil {
		return fmt.Errorf("get run state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Runs[runID] = RunIndexEntry{
		ID:         runID,
		Status:     state.Status,
		StartTime:  state.StartedAt,
		EventCount: len(state.Events),
	}
	if err := s.flushIndex(); err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

// Query counts the full filtered set, then returns the paginated slice.
func (s *FSLogSink) Query(runID string, filter EventFilter) ([]EngineEvent, int, error) {
	unpaginated := filter
	unpaginated.Limit = 0
	unpaginated.Offset = 0
	total, err := s.query.CountEvents(runID, unpaginated)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	events, err := s.query.QueryEvents(runID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	return events, total, nil
}

func (s *FSLogSink) Tail(runID string, n int) ([]EngineEvent, error) {
	return s.query.TailEvents(runID, n)
}

func (s *FSLogSink) Summarize(runID string) (*EventSummary, error) {
	return s.query.SummarizeEvents(runID)
}

// Prune drops runs started before the cutoff, removing both the directory and
// the index entry.
func (s *FSLogSink) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for runID, entry := range s.index.Runs {
		if !entry.StartTime.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, runID)); err != nil {
			continue
		}
		delete(s.index.Runs, runID)
		pruned++
	}

	if pruned > 0 {
		if err := s.flushIndex(); err != nil {
			return pruned, fmt.Errorf("save index after prune: %w", err)
		}
	}
	return pruned, nil
}

// ListRuns returns every index entry.
func (s *FSLogSink) ListRuns() ([]RunIndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]RunIndexEntry, 0, len(s.index.Runs))
	for _, entry := range s.index.Runs {
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close is idempotent.
func (s *FSLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RetentionConfig bounds stored runs by age and count.
type RetentionConfig struct {
	MaxAge  time.Duration // 0 disables age-based pruning
	MaxRuns int           // 0 disables count-based pruning
}

// PruneLoop prunes by MaxAge once immediately and then every interval, until
// ctx is done. It blocks.
func (rc RetentionConfig) PruneLoop(ctx context.Context, sink LogSink, interval time.Duration) {
	if rc.MaxAge > 0 {
		_, _ = sink.Prune(rc.MaxAge)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.MaxAge > 0 {
				_, _ = sink.Prune(rc.MaxAge)
			}
		}
	}
}

// PruneByMaxRuns deletes the oldest runs beyond the MaxRuns cap and reports
// how many went.
func (rc RetentionConfig) PruneByMaxRuns(sink LogSink) (int, error) {
	fsSink, ok := sink.(*FSLogSink)
	if !ok {
		return 0, fmt.Errorf("PruneByMaxRuns requires an *FSLogSink")
	}
	if rc.MaxRuns <= 0 {
		return 0, nil
	}

	fsSink.mu.Lock()
	defer fsSink.mu.Unlock()

	excess := len(fsSink.index.Runs) - rc.MaxRuns
	if excess <= 0 {
		return 0, nil
	}

	entries := make([]RunIndexEntry, 0, len(fsSink.index.Runs))
	for _, entry := range fsSink.index.Runs {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})

	pruned := 0
	for _, entry := range entries[:excess] {
		if err := os.RemoveAll(filepath.Join(fsSink.baseDir, entry.ID)); err != nil {
			continue
		}
		delete(fsSink.index.Runs, entry.ID)
		pruned++
	}
	if pruned > 0 {
		if err := fsSink.flushIndex(); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}
