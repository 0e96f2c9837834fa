package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/metrics"
)

// Checkpoint is the durable resume state for one workflow, written after
// every step completion and deleted at the workflow's terminal status.
type Checkpoint struct {
	WorkflowID     string           `json:"workflow_id"`
	WorkflowName   string           `json:"workflow_name"`
	CompletedSteps []string         `json:"completed_steps"`
	Steps          []StepCheckpoint `json:"steps"`
	Timestamp      time.Time        `json:"timestamp"`
}

// StepCheckpoint is the persisted slice of one step's state. Outputs are
// deliberately absent: completed steps resume as completed without them.
type StepCheckpoint struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// snapshot captures the checkpoint view of a workflow. The caller must
// hold whatever lock guards the steps.
func snapshot(wf *Workflow) *Checkpoint {
	cp := &Checkpoint{
		WorkflowID:     wf.ID,
		WorkflowName:   wf.Name,
		CompletedSteps: wf.CompletedSteps(),
		Steps:          make([]StepCheckpoint, 0, len(wf.Steps)),
		Timestamp:      time.Now().UTC(),
	}
	for _, s := range wf.Steps {
		cp.Steps = append(cp.Steps, StepCheckpoint{
			ID:          s.ID,
			Name:        s.Name,
			Status:      s.Status,
			RetryCount:  s.RetryCount,
			Error:       s.Error,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return cp
}

// CheckpointStore persists checkpoints as one JSON file per workflow,
// written atomically via a scratch file and rename.
type CheckpointStore struct {
	dir     string
	enabled bool
	logger  *zap.Logger
}

// NewCheckpointStore creates a store rooted at dir. A disabled store
// turns every operation into a no-op.
func NewCheckpointStore(dir string, enabled bool, logger *zap.Logger) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{dir: dir, enabled: enabled, logger: logger}
}

// Enabled reports whether the store persists anything.
func (cs *CheckpointStore) Enabled() bool { return cs.enabled }

// Path returns the canonical checkpoint file for a workflow ID.
func (cs *CheckpointStore) Path(workflowID string) string {
	return filepath.Join(cs.dir, workflowID+".json")
}

// Save writes the checkpoint atomically. Errors are wrapped in a
// CheckpointError; callers treat them as non-fatal.
func (cs *CheckpointStore) Save(cp *Checkpoint) error {
	if !cs.enabled {
		return nil
	}
	path := cs.Path(cp.WorkflowID)
	err := cs.write(path, cp)
	if err != nil {
		metrics.CheckpointSaves.WithLabelValues("error").Inc()
		return &CheckpointError{WorkflowID: cp.WorkflowID, Path: path, Err: err}
	}
	metrics.CheckpointSaves.WithLabelValues("ok").Inc()
	return nil
}

func (cs *CheckpointStore) write(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(cs.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the checkpoint for a workflow ID. A missing file returns
// (nil, nil); an unreadable or corrupt file returns a CheckpointError so
// the caller can log and start fresh.
func (cs *CheckpointStore) Load(workflowID string) (*Checkpoint, error) {
	if !cs.enabled {
		return nil, nil
	}
	path := cs.Path(workflowID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &CheckpointError{WorkflowID: workflowID, Path: path, Err: err}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &CheckpointError{WorkflowID: workflowID, Path: path, Err: err}
	}
	if cp.WorkflowID != workflowID {
		return nil, &CheckpointError{
			WorkflowID: workflowID,
			Path:       path,
			Err:        fmt.Errorf("checkpoint belongs to workflow %q", cp.WorkflowID),
		}
	}
	return &cp, nil
}

// Delete removes the checkpoint file; a missing file is not an error.
func (cs *CheckpointStore) Delete(workflowID string) error {
	if !cs.enabled {
		return nil
	}
	err := os.Remove(cs.Path(workflowID))
	if err != nil && !os.IsNotExist(err) {
		return &CheckpointError{WorkflowID: workflowID, Path: cs.Path(workflowID), Err: err}
	}
	return nil
}
