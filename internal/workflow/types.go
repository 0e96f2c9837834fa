// Package workflow implements the DAG execution engine: admission
// validation, wave scheduling bounded by a weighted semaphore, per-step
// retries with exponential backoff, atomic JSON checkpoints, and
// crash-resume.
package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/models"
)

// Status is the lifecycle state shared by steps and workflows.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxRetries is the retry budget applied when a step does not set
// its own.
const DefaultMaxRetries = 3

// Step is one node of a workflow DAG. AgentRef pins the step to a named
// agent; when empty the router picks one by Required capabilities.
// Context, when set, rides along to the executor but never reaches
// checkpoints. Status, RetryCount, Error, timestamps, and Output are
// owned by the engine during execution.
type Step struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	AgentRef   string                 `json:"agent_ref,omitempty"`
	Required   []string               `json:"required,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
	MaxRetries int                    `json:"max_retries"`
	Context    *models.TaskContext    `json:"-"`

	Status        Status                 `json:"status"`
	RetryCount    int                    `json:"retry_count"`
	Error         string                 `json:"error,omitempty"`
	AssignedAgent string                 `json:"assigned_agent,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
}

// task converts the step into the unit the router and executor consume.
func (s *Step) task() models.Task {
	return models.Task{
		ID:                   s.ID,
		Description:          s.Name,
		Priority:             models.PriorityDefault,
		RequiredCapabilities: s.Required,
		Metadata:             s.Input,
		Context:              s.Context,
	}
}

// Workflow is a named DAG of steps. MaxConcurrent overrides the engine's
// configured bound when positive.
type Workflow struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Steps         []*Step    `json:"steps"`
	Status        Status     `json:"status"`
	MaxConcurrent int        `json:"max_concurrent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// New builds a pending workflow around the given steps.
func New(name string, steps ...*Step) *Workflow {
	return &Workflow{
		ID:        uuid.NewString(),
		Name:      name,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CompletedSteps returns the IDs of completed steps in definition order.
func (w *Workflow) CompletedSteps() []string {
	var out []string
	for _, s := range w.Steps {
		if s.Status == StatusCompleted {
			out = append(out, s.ID)
		}
	}
	return out
}

func stepFromTask(t models.Task) *Step {
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Step{
		ID:         id,
		Name:       t.Description,
		Required:   t.RequiredCapabilities,
		Input:      t.Metadata,
		Context:    t.Context,
		MaxRetries: DefaultMaxRetries,
		Status:     StatusPending,
	}
}

// CreateSequentialWorkflow chains the tasks so each step depends on the
// previous one.
func CreateSequentialWorkflow(name string, tasks []models.Task) *Workflow {
	steps := make([]*Step, 0, len(tasks))
	for i, t := range tasks {
		step := stepFromTask(t)
		if i > 0 {
			step.DependsOn = []string{steps[i-1].ID}
		}
		steps = append(steps, step)
	}
	return New(name, steps...)
}

// CreateParallelWorkflow builds a workflow from tasks plus an explicit
// dependency mapping of task ID to prerequisite task IDs. Tasks absent
// from the mapping run in the first wave.
func CreateParallelWorkflow(name string, tasks []models.Task, deps map[string][]string) *Workflow {
	steps := make([]*Step, 0, len(tasks))
	for _, t := range tasks {
		step := stepFromTask(t)
		if d, ok := deps[step.ID]; ok {
			step.DependsOn = append([]string(nil), d...)
		}
		steps = append(steps, step)
	}
	return New(name, steps...)
}
