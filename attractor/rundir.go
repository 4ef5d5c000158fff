// ABOUTME: RunDirectory lays out <base>/<runID>/ with a nodes/ tree and checkpoint.json.
// ABOUTME: Per-node artifacts (prompt.md, response.md, ...) all go through WriteNodeArtifact.
package attractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunDirectory is the on-disk home of one pipeline run.
type RunDirectory struct {
	BaseDir string
	RunID   string
}

// NewRunDirectory creates baseDir/runID/nodes and returns the handle.
func NewRunDirectory(baseDir, runID string) (*RunDirectory, error) {
	if err := requireNonEmpty("baseDir", baseDir); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("runID", runID); err != nil {
		return nil, err
	}

	rd := &RunDirectory{BaseDir: filepath.Join(baseDir, runID), RunID: runID}
	if err := os.MkdirAll(filepath.Join(rd.BaseDir, "nodes"), 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory structure: %w", err)
	}
	return rd, nil
}

func requireNonEmpty(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	return nil
}

// NodeDir returns where a node's artifacts live.
func (rd *RunDirectory) NodeDir(nodeID string) string {
	return filepath.Join(rd.BaseDir, "nodes", nodeID)
}

// EnsureNodeDir creates the node's directory if needed.
func (rd *RunDirectory) EnsureNodeDir(nodeID string) error {
	if err := requireNonEmpty("nodeID", nodeID); err != nil {
		return err
	}
	return os.MkdirAll(rd.NodeDir(nodeID), 0o755)
}

// WriteNodeArtifact stores data as nodes/<nodeID>/<filename>.
func (rd *RunDirectory) WriteNodeArtifact(nodeID, filename string, data []byte) error {
	if err := requireNonEmpty("filename", filename); err != nil {
		return err
	}
	if err := rd.EnsureNodeDir(nodeID); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rd.NodeDir(nodeID), filename), data, 0o644)
}

// ReadNodeArtifact reads nodes/<nodeID>/<filename>.
func (rd *RunDirectory) ReadNodeArtifact(nodeID, filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(rd.NodeDir(nodeID), filename))
}

// ListNodeArtifacts names the files stored for a node; a node that never
// wrote anything yields nil, not an error.
func (rd *RunDirectory) ListNodeArtifacts(nodeID string) ([]string, error) {
	entries, err := os.ReadDir(rd.NodeDir(nodeID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// checkpointPath is the run-root checkpoint file.
func (rd *RunDirectory) checkpointPath() string {
	return filepath.Join(rd.BaseDir, "checkpoint.json")
}

// SaveCheckpoint writes checkpoint.json at the run root.
func (rd *RunDirectory) SaveCheckpoint(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	return os.WriteFile(rd.checkpointPath(), data, 0o644)
}

// LoadCheckpoint reads checkpoint.json back.
func (rd *RunDirectory) LoadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(rd.checkpointPath())
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return &cp, nil
}

// WritePrompt stores a node's prompt as prompt.md.
func (rd *RunDirectory) WritePrompt(nodeID, prompt string) error {
	return rd.WriteNodeArtifact(nodeID, "prompt.md", []byte(prompt))
}

// WriteResponse stores a node's response as response.md.
func (rd *RunDirectory) WriteResponse(nodeID, response string) error {
	return rd.WriteNodeArtifact(nodeID, "response.md", []byte(response))
}
