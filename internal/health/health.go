// Package health runs readiness checks and serves probe endpoints on
// the admin mux.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of a single check or the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Component string `json:"component"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	Duration  string `json:"duration"`
}

// Checker is a single readiness probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type checkerFunc struct {
	name string
	fn   func(context.Context) error
}

func (c checkerFunc) Name() string                    { return c.name }
func (c checkerFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// CheckerFunc wraps a func as a named Checker.
func CheckerFunc(name string, fn func(context.Context) error) Checker {
	return checkerFunc{name: name, fn: fn}
}

const defaultCheckTimeout = 2 * time.Second

// Manager holds the registered checkers and runs them on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timeout: defaultCheckTimeout,
		logger:  logger.With(zap.String("component", "health")),
	}
}

// Register adds a checker. Checks run in registration order.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Ready runs every checker with a bounded per-check timeout and reports
// whether all passed.
func (m *Manager) Ready(ctx context.Context) (bool, []CheckResult) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ready := true
	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.Check(cctx)
		cancel()

		res := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy,
			Duration:  time.Since(start).String(),
		}
		if err != nil {
			ready = false
			res.Status = StatusUnhealthy
			res.Error = err.Error()
			m.logger.Warn("Readiness check failed",
				zap.String("check", c.Name()), zap.Error(err))
		}
		results = append(results, res)
	}
	return ready, results
}
