// ABOUTME: SQLite-backed RunStateStore, for server deployments where a directory of
// ABOUTME: JSON files is not enough: one file, transactional updates, queryable history.
package attractor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRunStateStore persists runs in a single SQLite database. Events go in
// their own table so AddEvent is an append, not a rewrite of the whole run.
type SQLiteRunStateStore struct {
	db *sql.DB
}

const runStoreSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	pipeline_file   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	source_hash     TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	current_node    TEXT NOT NULL DEFAULT '',
	completed_nodes TEXT NOT NULL DEFAULT '[]',
	context         TEXT NOT NULL DEFAULT '{}',
	error           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_events (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS run_events_by_run ON run_events(run_id, seq);
`

// NewSQLiteRunStateStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteRunStateStore(path string) (*SQLiteRunStateStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// single connection: sqlite has one writer, and it keeps ":memory:" honest
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(runStoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply run store schema: %w", err)
	}
	return &SQLiteRunStateStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteRunStateStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStateStore) Create(state *RunState) error {
	nodes, ctxJSON, err := encodeRunColumns(state)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, pipeline_file, status, source, source_hash, started_at,
			completed_at, current_node, completed_nodes, context, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.PipelineFile, state.Status, state.Source, state.SourceHash,
		state.StartedAt.Format(time.RFC3339Nano), completedAtColumn(state),
		state.CurrentNode, nodes, ctxJSON, state.Error)
	if err != nil {
		return fmt.Errorf("create run %s: %w", state.ID, err)
	}

	return s.appendEvents(state.ID, state.Events)
}

func (s *SQLiteRunStateStore) Update(state *RunState) error {
	nodes, ctxJSON, err := encodeRunColumns(state)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE runs SET pipeline_file = ?, status = ?, source = ?, source_hash = ?,
			started_at = ?, completed_at = ?, current_node = ?, completed_nodes = ?,
			context = ?, error = ?
		WHERE id = ?`,
		state.PipelineFile, state.Status, state.Source, state.SourceHash,
		state.StartedAt.Format(time.RFC3339Nano), completedAtColumn(state),
		state.CurrentNode, nodes, ctxJSON, state.Error, state.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", state.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: not found", state.ID)
	}
	return nil
}

func (s *SQLiteRunStateStore) Get(id string) (*RunState, error) {
	row := s.db.QueryRow(`
		SELECT id, pipeline_file, status, source, source_hash, started_at,
			completed_at, current_node, completed_nodes, context, error
		FROM runs WHERE id = ?`, id)

	state, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	state.Events, err = s.loadEvents(id)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *SQLiteRunStateStore) List() ([]*RunState, error) {
	rows, err := s.db.Query(`
		SELECT id, pipeline_file, status, source, source_hash, started_at,
			completed_at, current_node, completed_nodes, context, error
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var states []*RunState
	for rows.Next() {
		state, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *SQLiteRunStateStore) AddEvent(id string, event EngineEvent) error {
	return s.appendEvents(id, []EngineEvent{event})
}

func (s *SQLiteRunStateStore) appendEvents(id string, events []EngineEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append events for %s: %w", id, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_events (run_id, payload) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("append events for %s: %w", id, err)
	}
	defer stmt.Close()

	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event for %s: %w", id, err)
		}
		if _, err := stmt.Exec(id, string(payload)); err != nil {
			return fmt.Errorf("append events for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteRunStateStore) loadEvents(id string) ([]EngineEvent, error) {
	rows, err := s.db.Query(`SELECT payload FROM run_events WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", id, err)
	}
	defer rows.Close()

	events := []EngineEvent{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("load events for %s: %w", id, err)
		}
		var event EngineEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decode event for %s: %w", id, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// --- column plumbing ---

func encodeRunColumns(state *RunState) (nodes, ctxJSON string, err error) {
	nodesBytes, err := json.Marshal(orEmptyNodes(state.CompletedNodes))
	if err != nil {
		return "", "", fmt.Errorf("encode completed nodes: %w", err)
	}
	ctxBytes, err := json.Marshal(orEmptyContext(state.Context))
	if err != nil {
		return "", "", fmt.Errorf("encode context: %w", err)
	}
	return string(nodesBytes), string(ctxBytes), nil
}

func orEmptyNodes(nodes []string) []string {
	if nodes == nil {
		return []string{}
	}
	return nodes
}

func orEmptyContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return map[string]any{}
	}
	return ctx
}

func completedAtColumn(state *RunState) any {
	if state.CompletedAt == nil {
		return nil
	}
	return state.CompletedAt.Format(time.RFC3339Nano)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunState, error) {
	var (
		state       RunState
		startedAt   string
		completedAt sql.NullString
		nodes       string
		ctxJSON     string
	)
	err := row.Scan(&state.ID, &state.PipelineFile, &state.Status, &state.Source,
		&state.SourceHash, &startedAt, &completedAt, &state.CurrentNode,
		&nodes, &ctxJSON, &state.Error)
	if err != nil {
		return nil, err
	}

	if state.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		state.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(nodes), &state.CompletedNodes); err != nil {
		return nil, fmt.Errorf("decode completed nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &state.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	state.Events = []EngineEvent{}
	return &state, nil
}

var _ RunStateStore = (*SQLiteRunStateStore)(nil)
