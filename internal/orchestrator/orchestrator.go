// Package orchestrator is the goal-shaped front door: it records the
// goal into memory, builds task context for it, plans a small workflow,
// and hands the workflow to the engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/memory"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/workflow"
)

// Memory is the slice of the memory manager the orchestrator writes to.
type Memory interface {
	Add(ctx context.Context, msg memory.Message) (memory.Message, error)
}

// ContextBuilder assembles a TaskContext for a goal.
type ContextBuilder interface {
	Build(ctx context.Context, taskID, description string) (*models.TaskContext, error)
}

// Engine runs workflows to a terminal status.
type Engine interface {
	Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error)
}

// Config tunes goal handling.
type Config struct {
	MaxPlanSteps int // upper bound on planned steps (default 5)
}

// Orchestrator wires memory, context building, and the workflow engine
// behind SubmitGoal.
type Orchestrator struct {
	cfg     Config
	memory  Memory
	builder ContextBuilder
	engine  Engine
	logger  *zap.Logger
}

// New creates an orchestrator. memory and builder may be nil; goal
// handling then skips recording and context enrichment respectively.
func New(cfg Config, mem Memory, builder ContextBuilder, engine Engine, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPlanSteps <= 0 {
		cfg.MaxPlanSteps = defaultMaxPlanSteps
	}
	return &Orchestrator{
		cfg:     cfg,
		memory:  mem,
		builder: builder,
		engine:  engine,
		logger:  logger.With(zap.String("component", "orchestrator")),
	}
}

// SubmitGoal plans and runs a workflow for a free-form goal. The goal
// and the outcome are recorded into memory; context built for the goal
// rides along on every planned step. The returned workflow carries the
// terminal state even when err is non-nil.
func (o *Orchestrator) SubmitGoal(ctx context.Context, goal string) (*workflow.Workflow, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, errors.New("goal is empty")
	}

	goalID := uuid.NewString()
	logger := o.logger.With(zap.String("goal_id", goalID))
	logger.Info("Goal submitted", zap.String("goal", goal))

	o.record(ctx, logger, memory.Message{
		Role:    memory.RoleUser,
		Content: goal,
		TaskID:  goalID,
	})

	var tc *models.TaskContext
	if o.builder != nil {
		built, err := o.builder.Build(ctx, goalID, goal)
		if err != nil {
			logger.Warn("Context build failed, continuing without context", zap.Error(err))
		} else {
			tc = built
		}
	}

	steps := plan(goal, o.cfg.MaxPlanSteps)
	wf := workflow.New(workflowName(goal), steps...)
	for _, s := range wf.Steps {
		s.Context = tc
	}
	logger.Info("Goal planned",
		zap.String("workflow_id", wf.ID),
		zap.String("workflow_name", wf.Name),
		zap.Int("steps", len(wf.Steps)))

	result, execErr := o.engine.Execute(ctx, wf)
	metrics.GoalsSubmitted.WithLabelValues(string(result.Status)).Inc()

	summary := fmt.Sprintf("Workflow %q %s: %d/%d steps completed",
		result.Name, result.Status, len(result.CompletedSteps()), len(result.Steps))
	if execErr != nil {
		summary = fmt.Sprintf("%s (%v)", summary, execErr)
	}
	o.record(ctx, logger, memory.Message{
		Role:    memory.RoleAssistant,
		Content: summary,
		TaskID:  goalID,
		Metadata: map[string]interface{}{
			"workflow_id": result.ID,
			"status":      string(result.Status),
		},
	})

	return result, execErr
}

// RunDefinition loads a YAML workflow definition and runs it.
func (o *Orchestrator) RunDefinition(ctx context.Context, path string) (*workflow.Workflow, error) {
	wf, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	return o.engine.Execute(ctx, wf)
}

// record writes a message into memory; persistence problems are logged,
// never fatal to the goal.
func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, msg memory.Message) {
	if o.memory == nil {
		return
	}
	if _, err := o.memory.Add(ctx, msg); err != nil {
		logger.Warn("Memory write failed", zap.Error(err))
	}
}
