package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/executor"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/router"
	"github.com/taskweave/taskweave/internal/tracing"
)

// retry backoff: 100ms doubling per retry up to a 5s ceiling, no jitter
const (
	retryBackoffBase = 100 * time.Millisecond
	retryBackoffCap  = 5 * time.Second
)

// TaskRouter is the routing surface the engine drives. *router.Router
// implements it.
type TaskRouter interface {
	Register(info router.AgentInfo) error
	Unregister(name string) error
	Route(ctx context.Context, task models.Task) (*router.RoutingDecision, error)
	RecordDispatch(ctx context.Context, name string) error
	RecordTaskCompletion(name, taskID string, success bool) error
	Known(name string) bool
	AgentCount() int
}

// Config tunes the engine. Zero values fall back to the documented
// defaults.
type Config struct {
	MaxConcurrentAgents int
	CheckpointDir       string
	CheckpointsEnabled  bool
	DefaultStepTimeout  time.Duration
	CancelGrace         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAgents < 1 {
		c.MaxConcurrentAgents = 5
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "checkpoints"
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	return c
}

// Engine runs workflows to a terminal status: it validates the DAG,
// schedules runnable steps in waves bounded by a weighted semaphore,
// routes each step to an executor, retries failed attempts with
// exponential backoff, and checkpoints after every completion so a
// crashed run can resume.
type Engine struct {
	cfg         Config
	router      TaskRouter
	executors   *executor.Registry
	checkpoints *CheckpointStore
	bus         *events.Bus
	logger      *zap.Logger

	retryBase time.Duration
	retryCap  time.Duration
}

// NewEngine creates an engine. The bus may be nil; lifecycle events are
// then skipped.
func NewEngine(cfg Config, tr TaskRouter, execs *executor.Registry, bus *events.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		router:      tr,
		executors:   execs,
		checkpoints: NewCheckpointStore(cfg.CheckpointDir, cfg.CheckpointsEnabled, logger),
		bus:         bus,
		logger:      logger.With(zap.String("component", "engine")),
		retryBase:   retryBackoffBase,
		retryCap:    retryBackoffCap,
	}
}

// Checkpoints exposes the engine's checkpoint store.
func (e *Engine) Checkpoints() *CheckpointStore { return e.checkpoints }

// RegisterAgent adds an executor to the pool and makes it routable under
// its own name, capabilities, and concurrency bound.
func (e *Engine) RegisterAgent(exec executor.Executor) error {
	if err := e.executors.Register(exec); err != nil {
		return err
	}
	return e.router.Register(router.AgentInfo{
		Name:         exec.Name(),
		Capabilities: exec.Capabilities(),
		MaxTasks:     exec.MaxConcurrent(),
	})
}

// UnregisterAgent removes an executor from both the registry and the
// router.
func (e *Engine) UnregisterAgent(name string) error {
	e.executors.Remove(name)
	return e.router.Unregister(name)
}

// Execute runs a workflow to a terminal status and returns it. The error
// mirrors any non-completed outcome: a ValidationError from admission, a
// DeadlockError from the stall detector, the first terminal step failure,
// or the context's error on cancellation.
func (e *Engine) Execute(ctx context.Context, wf *Workflow) (*Workflow, error) {
	ctx, span := tracing.StartWorkflowSpan(ctx, wf.ID, wf.Name)
	defer span.End()

	logger := e.logger.With(
		zap.String("workflow_id", wf.ID),
		zap.String("workflow_name", wf.Name))

	if err := Validate(wf, e.router); err != nil {
		wf.Status = StatusFailed
		metrics.WorkflowsCompleted.WithLabelValues(wf.Name, "rejected").Inc()
		e.publish(wf.ID, events.WorkflowFailed, map[string]interface{}{
			"workflow_name": wf.Name,
			"error":         err.Error(),
		})
		logger.Error("Workflow rejected at admission", zap.Error(err))
		return wf, err
	}

	resumed := e.restore(wf, logger)

	now := time.Now().UTC()
	wf.Status = StatusRunning
	wf.StartedAt = &now
	metrics.WorkflowsStarted.WithLabelValues(wf.Name).Inc()
	e.publish(wf.ID, events.WorkflowStarted, map[string]interface{}{
		"workflow_name": wf.Name,
		"steps":         len(wf.Steps),
		"resumed":       resumed,
	})
	logger.Info("Workflow started",
		zap.Int("steps", len(wf.Steps)),
		zap.Bool("resumed", resumed))

	bound := wf.MaxConcurrent
	if bound < 1 {
		bound = e.cfg.MaxConcurrentAgents
	}
	r := &run{
		engine: e,
		wf:     wf,
		sem:    semaphore.NewWeighted(int64(bound)),
		logger: logger,
	}
	return r.loop(ctx)
}

// restore applies a prior checkpoint to the workflow. Completed steps
// keep their status and are never re-executed; steps caught mid-flight
// by the crash re-run from scratch. A corrupt checkpoint is logged and
// ignored.
func (e *Engine) restore(wf *Workflow, logger *zap.Logger) bool {
	cp, err := e.checkpoints.Load(wf.ID)
	if err != nil {
		logger.Warn("Checkpoint unreadable, starting fresh", zap.Error(err))
		return false
	}
	if cp == nil {
		return false
	}

	byID := make(map[string]StepCheckpoint, len(cp.Steps))
	for _, sc := range cp.Steps {
		byID[sc.ID] = sc
	}
	completed := 0
	for _, s := range wf.Steps {
		sc, ok := byID[s.ID]
		if !ok {
			continue
		}
		s.RetryCount = sc.RetryCount
		if sc.Status == StatusCompleted {
			s.Status = StatusCompleted
			s.StartedAt = sc.StartedAt
			s.CompletedAt = sc.CompletedAt
			s.Error = ""
			completed++
		} else {
			s.Status = StatusPending
			s.StartedAt = nil
			s.CompletedAt = nil
			s.Error = ""
		}
	}

	metrics.WorkflowsResumed.Inc()
	logger.Info("Workflow resumed from checkpoint",
		zap.Int("completed_steps", completed),
		zap.Time("checkpoint_time", cp.Timestamp))
	return true
}

// backoff returns the delay before the nth retry (n >= 1).
func (e *Engine) backoff(n int) time.Duration {
	d := e.retryBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.retryCap {
			return e.retryCap
		}
	}
	if d > e.retryCap {
		d = e.retryCap
	}
	return d
}

func (e *Engine) publish(source string, t events.Type, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.New(t, source, data))
}

// run is the state of one Execute call. The mutex guards every step
// mutation and the aggregate flags; cpMu serializes checkpoint snapshot
// and write together so a slow writer cannot clobber a newer checkpoint
// with an older view.
type run struct {
	engine *Engine
	wf     *Workflow
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	cpMu     sync.Mutex
	failed   bool
	closed   bool
	firstErr error
}

func (r *run) loop(ctx context.Context) (*Workflow, error) {
	prevCompleted := len(r.wf.CompletedSteps())
	stalls := 0

	for wave := 1; ; wave++ {
		if ctx.Err() != nil {
			return r.finishCancelled(ctx)
		}
		done, failed := r.progress()
		if failed {
			return r.finishFailed()
		}
		if done {
			return r.finishCompleted()
		}

		frontier := r.frontier()
		if len(frontier) == 0 {
			return r.finishDeadlocked()
		}
		r.logger.Debug("Dispatching wave",
			zap.Int("wave", wave),
			zap.Int("frontier", len(frontier)))
		r.runWave(ctx, frontier)

		completed := r.completedCount()
		if completed == prevCompleted && !r.anyFailed() && ctx.Err() == nil {
			stalls++
			if stalls >= 2 {
				return r.finishDeadlocked()
			}
		} else {
			stalls = 0
		}
		prevCompleted = completed
	}
}

// progress reports whether every step completed and whether any step
// reached terminal failure.
func (r *run) progress() (done, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	done = true
	for _, s := range r.wf.Steps {
		switch s.Status {
		case StatusCompleted:
		case StatusFailed:
			failed = true
			done = false
		default:
			done = false
		}
	}
	return done, failed
}

// frontier collects pending steps whose dependencies have all completed,
// in definition order.
func (r *run) frontier() []*Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := make(map[string]*Step, len(r.wf.Steps))
	for _, s := range r.wf.Steps {
		byID[s.ID] = s
	}
	var out []*Step
	for _, s := range r.wf.Steps {
		if s.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if d := byID[dep]; d == nil || d.Status != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, s)
		}
	}
	return out
}

// runWave dispatches the frontier bounded by the semaphore and waits for
// every dispatched step to finish. On cancellation the wait is bounded
// by the configured grace window; steps still in flight afterwards are
// abandoned and their late results discarded.
func (r *run) runWave(ctx context.Context, frontier []*Step) {
	var wg sync.WaitGroup
	for _, step := range frontier {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(s *Step) {
			defer wg.Done()
			defer r.sem.Release(1)
			r.executeStep(ctx, s)
		}(step)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(r.engine.cfg.CancelGrace):
			r.logger.Warn("Cancellation grace elapsed with steps still in flight")
		}
	}
}

// executeStep drives one step through route, dispatch, execute, and the
// retry loop, ending in completed or failed (or leaving the step for the
// cancellation sweep).
func (r *run) executeStep(ctx context.Context, step *Step) {
	task := step.task()
	thought := false

	for {
		if ctx.Err() != nil || r.aborted() {
			return
		}

		agent, exec, err := r.resolveAgent(ctx, step, task)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !r.scheduleRetry(ctx, step, err) {
				if ctx.Err() == nil {
					r.failStep(step, err)
				}
				return
			}
			continue
		}

		if !thought {
			r.think(ctx, exec, task)
			thought = true
		}

		r.markRunning(step, agent)
		r.publishStep(events.StepStarted, step, map[string]interface{}{
			"step_name": step.Name,
			"agent":     agent,
		})

		res, attemptErr := r.attempt(ctx, exec, agent, step, task)
		if err := r.engine.router.RecordTaskCompletion(agent, task.ID, attemptErr == nil); err != nil {
			r.logger.Debug("Completion feedback dropped",
				zap.String("agent", agent), zap.Error(err))
		}

		if attemptErr == nil {
			r.completeStep(step, res)
			return
		}
		if ctx.Err() != nil {
			// Parent cancellation, not an attempt failure; the terminal
			// sweep marks the step cancelled.
			return
		}
		if !r.scheduleRetry(ctx, step, attemptErr) {
			if ctx.Err() == nil {
				r.failStep(step, attemptErr)
			}
			return
		}
	}
}

// resolveAgent picks the executing agent (pinned AgentRef or routed by
// capabilities) and claims a dispatch slot on it.
func (r *run) resolveAgent(ctx context.Context, step *Step, task models.Task) (string, executor.Executor, error) {
	name := step.AgentRef
	if name == "" {
		decision, err := r.engine.router.Route(ctx, task)
		if err != nil {
			return "", nil, err
		}
		name = decision.AgentName
		r.logger.Debug("Step routed",
			zap.String("step_id", step.ID),
			zap.String("agent", name),
			zap.Float64("confidence", decision.Confidence),
			zap.String("reasoning", decision.Reasoning))
	}
	exec, ok := r.engine.executors.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("agent %q has no executor", name)
	}
	if err := r.engine.router.RecordDispatch(ctx, name); err != nil {
		return "", nil, err
	}
	return name, exec, nil
}

func (r *run) think(ctx context.Context, exec executor.Executor, task models.Task) {
	thoughts, err := exec.Think(ctx, task)
	if err != nil || len(thoughts) == 0 {
		return
	}
	r.logger.Debug("Executor sketch",
		zap.String("task_id", task.ID),
		zap.Strings("thoughts", thoughts))
}

// attempt runs one bounded executor call and normalizes the outcome: a
// nil error means the attempt succeeded.
func (r *run) attempt(ctx context.Context, exec executor.Executor, agent string, step *Step, task models.Task) (models.Result, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.engine.cfg.DefaultStepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := tracing.StartStepSpan(attemptCtx, step.ID, agent, step.RetryCount+1)
	defer span.End()

	start := time.Now()
	res, err := exec.Execute(attemptCtx, task)
	elapsed := time.Since(start)

	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		err = errors.New(msg)
	}

	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = "timeout"
		metrics.StepTimeouts.Inc()
		r.publishStep(events.StepTimeout, step, map[string]interface{}{
			"agent":   agent,
			"timeout": timeout.String(),
		})
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	default:
		outcome = "failed"
	}
	metrics.RecordStepMetrics(agent, outcome, float64(elapsed.Milliseconds()))
	return res, err
}

// scheduleRetry decides whether the step gets another attempt and, if
// so, sleeps the backoff. Permanent failures and an exhausted retry
// budget return false; so does cancellation during the backoff.
func (r *run) scheduleRetry(ctx context.Context, step *Step, attemptErr error) bool {
	if executor.IsPermanent(attemptErr) {
		return false
	}

	r.mu.Lock()
	if step.RetryCount >= step.MaxRetries {
		r.mu.Unlock()
		return false
	}
	step.RetryCount++
	step.Status = StatusPending
	step.Error = attemptErr.Error()
	retry := step.RetryCount
	r.mu.Unlock()

	metrics.StepRetries.Inc()
	r.publishStep(events.StepRetrying, step, map[string]interface{}{
		"retry_count": retry,
		"error":       attemptErr.Error(),
	})
	r.logger.Warn("Step attempt failed, retrying",
		zap.String("step_id", step.ID),
		zap.Int("retry", retry),
		zap.Int("max_retries", step.MaxRetries),
		zap.Error(attemptErr))

	timer := time.NewTimer(r.engine.backoff(retry))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *run) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed || r.closed
}

func (r *run) anyFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *run) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.wf.Steps {
		if s.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (r *run) markRunning(step *Step, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Status = StatusRunning
	step.AssignedAgent = agent
	if step.StartedAt == nil {
		now := time.Now().UTC()
		step.StartedAt = &now
	}
}

func (r *run) completeStep(step *Step, res models.Result) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	step.Status = StatusCompleted
	step.CompletedAt = &now
	step.Output = res.Output
	step.Error = ""
	r.mu.Unlock()

	r.publishStep(events.StepCompleted, step, map[string]interface{}{
		"success": true,
		"agent":   step.AssignedAgent,
	})
	r.logger.Info("Step completed",
		zap.String("step_id", step.ID),
		zap.String("agent", step.AssignedAgent),
		zap.Int("retries", step.RetryCount))
	r.checkpoint()
}

func (r *run) failStep(step *Step, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	step.Status = StatusFailed
	step.CompletedAt = &now
	step.Error = err.Error()
	r.failed = true
	if r.firstErr == nil {
		r.firstErr = fmt.Errorf("step %q: %w", step.ID, err)
	}
	r.mu.Unlock()

	r.publishStep(events.StepCompleted, step, map[string]interface{}{
		"success": false,
		"agent":   step.AssignedAgent,
		"error":   step.Error,
	})
	r.logger.Error("Step failed terminally",
		zap.String("step_id", step.ID),
		zap.Int("retries", step.RetryCount),
		zap.Error(err))
}

// checkpoint persists the current step table after a completion.
func (r *run) checkpoint() {
	if !r.engine.checkpoints.Enabled() {
		return
	}
	r.cpMu.Lock()
	defer r.cpMu.Unlock()
	r.mu.Lock()
	cp := snapshot(r.wf)
	r.mu.Unlock()
	if err := r.engine.checkpoints.Save(cp); err != nil {
		r.logger.Warn("Checkpoint save failed", zap.Error(err))
	}
}

func (r *run) finishCompleted() (*Workflow, error) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.wf.Status = StatusCompleted
	r.wf.CompletedAt = &now
	r.closed = true
	r.mu.Unlock()

	r.terminal(events.WorkflowCompleted, "completed", nil)
	return r.wf, nil
}

func (r *run) finishFailed() (*Workflow, error) {
	r.mu.Lock()
	now := time.Now().UTC()
	r.wf.Status = StatusFailed
	r.wf.CompletedAt = &now
	r.closed = true
	stepErr := r.firstErr
	r.mu.Unlock()

	err := fmt.Errorf("workflow %q failed: %w", r.wf.Name, stepErr)
	r.terminal(events.WorkflowFailed, "failed", err)
	return r.wf, err
}

func (r *run) finishDeadlocked() (*Workflow, error) {
	r.mu.Lock()
	blocked := blockedSteps(r.wf)
	cycle := residualCycle(r.wf)
	now := time.Now().UTC()
	r.wf.Status = StatusFailed
	r.wf.CompletedAt = &now
	r.closed = true
	r.mu.Unlock()

	err := &DeadlockError{WorkflowID: r.wf.ID, Blocked: blocked, Cycle: cycle}
	r.terminal(events.WorkflowFailed, "deadlocked", err)
	return r.wf, err
}

func (r *run) finishCancelled(ctx context.Context) (*Workflow, error) {
	r.mu.Lock()
	r.closed = true
	now := time.Now().UTC()
	for _, s := range r.wf.Steps {
		if !s.Status.Terminal() {
			s.Status = StatusCancelled
		}
	}
	r.wf.Status = StatusCancelled
	r.wf.CompletedAt = &now
	r.mu.Unlock()

	err := ctx.Err()
	r.terminal(events.WorkflowFailed, "cancelled", err)
	return r.wf, err
}

// terminal emits the closing event, records metrics, and removes the
// checkpoint.
func (r *run) terminal(evType events.Type, status string, err error) {
	var duration time.Duration
	if r.wf.StartedAt != nil && r.wf.CompletedAt != nil {
		duration = r.wf.CompletedAt.Sub(*r.wf.StartedAt)
	}
	metrics.RecordWorkflowMetrics(r.wf.Name, status, duration.Seconds())

	data := map[string]interface{}{
		"workflow_name": r.wf.Name,
		"status":        status,
		"duration_ms":   duration.Milliseconds(),
		"completed":     len(r.wf.CompletedSteps()),
		"steps":         len(r.wf.Steps),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.engine.publish(r.wf.ID, evType, data)

	if derr := r.engine.checkpoints.Delete(r.wf.ID); derr != nil {
		r.logger.Warn("Checkpoint delete failed", zap.Error(derr))
	}
	r.logger.Info("Workflow finished",
		zap.String("status", status),
		zap.Duration("duration", duration),
		zap.Int("completed_steps", len(r.wf.CompletedSteps())))
}

func (r *run) publishStep(t events.Type, step *Step, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["step_id"] = step.ID
	r.engine.publish(r.wf.ID, t, data)
}
