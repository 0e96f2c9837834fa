// Package executor defines the contract between the workflow engine and
// the units that actually perform task work, plus a registry that loads
// executor descriptors from YAML.
//
// The router decides WHO runs a task, the engine decides WHEN, and the
// executor owns HOW. The engine never looks inside an executor; an LLM
// call, a subprocess, or a remote service are all implementation details
// behind Execute.
package executor

import (
	"context"

	"github.com/taskweave/taskweave/internal/models"
)

// Executor is a callable unit of task work. Execute must honor ctx
// cancellation and deadlines; the engine wraps every call with a
// per-attempt timeout. Think is best-effort observability: a short
// reasoning sketch, never required for correctness.
type Executor interface {
	Execute(ctx context.Context, task models.Task) (models.Result, error)
	Think(ctx context.Context, task models.Task) ([]string, error)

	Name() string
	Capabilities() []string
	MaxConcurrent() int
}
