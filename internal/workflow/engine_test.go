package workflow

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/executor"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/router"
)

// fnExecutor adapts a func into an Executor for tests.
type fnExecutor struct {
	name string
	caps []string
	max  int
	fn   func(ctx context.Context, task models.Task) (models.Result, error)
}

func (f *fnExecutor) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	return f.fn(ctx, task)
}

func (f *fnExecutor) Think(ctx context.Context, task models.Task) ([]string, error) {
	return nil, nil
}

func (f *fnExecutor) Name() string           { return f.name }
func (f *fnExecutor) Capabilities() []string { return f.caps }

func (f *fnExecutor) MaxConcurrent() int {
	if f.max < 1 {
		return 1
	}
	return f.max
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *router.Router, *events.Bus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(events.Options{}, logger)
	t.Cleanup(bus.Close)
	rt := router.New(bus, logger)
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = t.TempDir()
		cfg.CheckpointsEnabled = true
	}
	e := NewEngine(cfg, rt, executor.NewRegistry(logger), bus, logger)
	e.retryBase = time.Millisecond
	e.retryCap = 10 * time.Millisecond
	return e, rt, bus
}

func registerFn(t *testing.T, e *Engine, name string, caps []string, max int,
	fn func(ctx context.Context, task models.Task) (models.Result, error)) {
	t.Helper()
	require.NoError(t, e.RegisterAgent(&fnExecutor{name: name, caps: caps, max: max, fn: fn}))
}

func succeed(ctx context.Context, task models.Task) (models.Result, error) {
	return models.Result{Success: true}, nil
}

func collectEvents(t *testing.T, ch <-chan events.Event, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events: got %d of %d", len(out), n)
		}
	}
	return out
}

func eventTypes(evts []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evts))
	for _, ev := range evts {
		out = append(out, ev.Type)
	}
	return out
}

func countType(evts []events.Event, t events.Type) int {
	n := 0
	for _, ev := range evts {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestExecuteRunsLinearWorkflowInOrder(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var mu sync.Mutex
	var order []string
	registerFn(t, e, "worker", nil, 3, func(ctx context.Context, task models.Task) (models.Result, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return models.Result{Success: true, Output: map[string]interface{}{"step": task.ID}}, nil
	})

	wf := CreateSequentialWorkflow("ingest", []models.Task{
		{ID: "fetch", Description: "fetch data"},
		{ID: "process", Description: "process data"},
		{ID: "store", Description: "store results"},
	})
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	out, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Same(t, wf, out)
	assert.Equal(t, StatusCompleted, wf.Status)
	require.NotNil(t, wf.CompletedAt)
	assert.Equal(t, []string{"fetch", "process", "store"}, order)

	for _, s := range wf.Steps {
		assert.Equal(t, StatusCompleted, s.Status)
		assert.Equal(t, "worker", s.AssignedAgent)
		assert.Equal(t, s.ID, s.Output["step"])
		require.NotNil(t, s.CompletedAt)
	}

	evts := collectEvents(t, ch, 8)
	assert.Equal(t, []events.Type{
		events.WorkflowStarted,
		events.StepStarted, events.StepCompleted,
		events.StepStarted, events.StepCompleted,
		events.StepStarted, events.StepCompleted,
		events.WorkflowCompleted,
	}, eventTypes(evts))
	assert.Equal(t, false, evts[0].Data["resumed"])
	assert.Equal(t, "fetch", evts[1].Data["step_id"])
	assert.Equal(t, true, evts[2].Data["success"])
	assert.Equal(t, "completed", evts[7].Data["status"])
	assert.Equal(t, 3, evts[7].Data["completed"])

	assert.NoFileExists(t, e.Checkpoints().Path(wf.ID))
}

func TestExecuteBoundsConcurrentDispatch(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	var mu sync.Mutex
	cur, peak := 0, 0
	registerFn(t, e, "sleeper", nil, 4, func(ctx context.Context, task models.Task) (models.Result, error) {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			cur--
			mu.Unlock()
		}()
		select {
		case <-time.After(50 * time.Millisecond):
			return models.Result{Success: true}, nil
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		}
	})

	wf := New("fanout",
		&Step{ID: "a", Name: "a"},
		&Step{ID: "b", Name: "b"},
		&Step{ID: "c", Name: "c"},
		&Step{ID: "d", Name: "d"},
	)
	wf.MaxConcurrent = 2

	start := time.Now()
	_, err := e.Execute(context.Background(), wf)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wf.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak, "dispatch should saturate but never exceed the bound")
	assert.GreaterOrEqual(t, elapsed, 95*time.Millisecond, "four 50ms steps at width 2 need two rounds")
	assert.Less(t, elapsed, 195*time.Millisecond, "steps must not serialize")
}

func TestExecuteRetriesFlakyStepUntilSuccess(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	script := executor.NewScript("flaky", map[string]interface{}{"ok": true}, 2)
	require.NoError(t, e.RegisterAgent(script))

	wf := New("retry", &Step{ID: "s", Name: "s", AgentRef: "flaky", MaxRetries: 3})
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)

	step := wf.Steps[0]
	assert.Equal(t, StatusCompleted, step.Status)
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, 3, script.Calls())
	assert.Equal(t, true, step.Output["ok"])
	assert.Empty(t, step.Error)

	evts := collectEvents(t, ch, 8)
	assert.Equal(t, 3, countType(evts, events.StepStarted))
	assert.Equal(t, 2, countType(evts, events.StepRetrying))
	assert.Equal(t, 1, countType(evts, events.StepCompleted))

	var retries []interface{}
	for _, ev := range evts {
		if ev.Type == events.StepRetrying {
			retries = append(retries, ev.Data["retry_count"])
			assert.Equal(t, "scripted failure", ev.Data["error"])
		}
	}
	assert.Equal(t, []interface{}{1, 2}, retries)
}

func TestExecuteRejectsCyclicWorkflow(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{Success: true}, nil
	})

	wf := New("circular",
		&Step{ID: "a", Name: "a", DependsOn: []string{"c"}},
		&Step{ID: "b", Name: "b", DependsOn: []string{"a"}},
		&Step{ID: "c", Name: "c", DependsOn: []string{"b"}},
	)
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StatusFailed, wf.Status)
	assert.Zero(t, atomic.LoadInt32(&calls), "no step may run in a rejected workflow")

	evts := collectEvents(t, ch, 1)
	assert.Equal(t, events.WorkflowFailed, evts[0].Type, "rejection must not emit workflow_started")
	assert.Contains(t, evts[0].Data["error"], "dependency cycle")
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var mu sync.Mutex
	counts := map[string]int{}
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		mu.Lock()
		counts[task.ID]++
		mu.Unlock()
		return models.Result{Success: true}, nil
	})

	wf := New("resumable",
		&Step{ID: "a", Name: "a", AgentRef: "worker"},
		&Step{ID: "b", Name: "b", AgentRef: "worker", DependsOn: []string{"a"}},
		&Step{ID: "c", Name: "c", AgentRef: "worker", DependsOn: []string{"b"}},
	)

	// State as a crashed run left it: a durably completed, b caught
	// mid-flight, c untouched.
	now := time.Now().UTC()
	wf.Steps[0].Status = StatusCompleted
	wf.Steps[0].StartedAt = &now
	wf.Steps[0].CompletedAt = &now
	wf.Steps[1].Status = StatusRunning
	wf.Steps[1].StartedAt = &now
	wf.Steps[1].RetryCount = 1
	require.NoError(t, e.Checkpoints().Save(snapshot(wf)))
	for _, s := range wf.Steps {
		s.Status = StatusPending
		s.StartedAt = nil
		s.CompletedAt = nil
		s.RetryCount = 0
	}

	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wf.Status)

	mu.Lock()
	assert.Zero(t, counts["a"], "completed steps never re-execute")
	assert.Equal(t, 1, counts["b"], "steps caught mid-flight rerun from scratch")
	assert.Equal(t, 1, counts["c"])
	mu.Unlock()

	assert.Nil(t, wf.Steps[0].Output, "restored completions carry no outputs")
	assert.Equal(t, 1, wf.Steps[1].RetryCount, "retry budget spent before the crash stays spent")

	evts := collectEvents(t, ch, 1)
	require.Equal(t, events.WorkflowStarted, evts[0].Type)
	assert.Equal(t, true, evts[0].Data["resumed"])

	assert.NoFileExists(t, e.Checkpoints().Path(wf.ID))
}

func TestExecuteIgnoresCorruptCheckpoint(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{Success: true}, nil
	})

	wf := New("scarred", &Step{ID: "a", Name: "a", AgentRef: "worker"})
	require.NoError(t, os.MkdirAll(e.cfg.CheckpointDir, 0o755))
	require.NoError(t, os.WriteFile(e.Checkpoints().Path(wf.ID), []byte("<garbage>"), 0o644))

	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wf.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	evts := collectEvents(t, ch, 1)
	require.Equal(t, events.WorkflowStarted, evts[0].Type)
	assert.Equal(t, false, evts[0].Data["resumed"], "a corrupt checkpoint means a fresh start")
}

func TestExecuteFailsWhenRetryBudgetExhausted(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{}, errors.New("boom")
	})

	wf := New("doomed", &Step{ID: "s", Name: "s", AgentRef: "worker", MaxRetries: 1})
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "s"`)
	assert.Contains(t, err.Error(), "boom")

	step := wf.Steps[0]
	assert.Equal(t, StatusFailed, wf.Status)
	assert.Equal(t, StatusFailed, step.Status)
	assert.Equal(t, 1, step.RetryCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one retry on top of the first attempt")
	require.NotNil(t, step.CompletedAt)

	evts := collectEvents(t, ch, 6)
	assert.Equal(t, 1, countType(evts, events.StepRetrying))
	last := evts[len(evts)-1]
	require.Equal(t, events.WorkflowFailed, last.Type)
	assert.Equal(t, "failed", last.Data["status"])
}

func TestExecuteZeroRetryBudgetMeansSingleAttempt(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{Success: false, Error: "nope"}, nil
	})

	wf := New("strict", &Step{ID: "s", Name: "s", AgentRef: "worker", MaxRetries: 0})
	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Zero(t, wf.Steps[0].RetryCount)
}

func TestExecutePermanentFailureSkipsRetries(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&calls, 1)
		return models.Result{}, executor.Permanent(errors.New("bad input"))
	})

	wf := New("hopeless", &Step{ID: "s", Name: "s", AgentRef: "worker", MaxRetries: 3})
	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "permanent errors bypass the retry budget")
	assert.Zero(t, wf.Steps[0].RetryCount)
	assert.Equal(t, StatusFailed, wf.Steps[0].Status)
}

func TestExecuteStepTimeoutTriggersRetry(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	var calls int32
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return models.Result{}, ctx.Err()
		}
		return models.Result{Success: true}, nil
	})

	wf := New("slowpoke", &Step{
		ID: "s", Name: "s", AgentRef: "worker",
		Timeout: 30 * time.Millisecond, MaxRetries: 2,
	})
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wf.Status)
	assert.Equal(t, 1, wf.Steps[0].RetryCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	evts := collectEvents(t, ch, 7)
	assert.Equal(t, 1, countType(evts, events.StepTimeout))
	for _, ev := range evts {
		if ev.Type == events.StepTimeout {
			assert.Equal(t, "30ms", ev.Data["timeout"])
		}
		if ev.Type == events.StepRetrying {
			assert.Contains(t, ev.Data["error"], "attempt timed out after 30ms")
		}
	}
}

func TestExecuteCancellationStopsDispatchAndCleansUp(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{CancelGrace: 200 * time.Millisecond})

	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		<-ctx.Done()
		return models.Result{}, ctx.Err()
	})

	wf := New("interrupted",
		&Step{ID: "a", Name: "a", AgentRef: "worker"},
		&Step{ID: "b", Name: "b", AgentRef: "worker", DependsOn: []string{"a"}},
	)
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, wf)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, wf.Status)
	require.NotNil(t, wf.CompletedAt)
	assert.Equal(t, StatusCancelled, wf.Steps[0].Status, "in-flight step is swept to cancelled")
	assert.Equal(t, StatusCancelled, wf.Steps[1].Status, "never-dispatched step is swept to cancelled")
	assert.NoFileExists(t, e.Checkpoints().Path(wf.ID))

	evts := collectEvents(t, ch, 3)
	last := evts[len(evts)-1]
	require.Equal(t, events.WorkflowFailed, last.Type)
	assert.Equal(t, "cancelled", last.Data["status"])
}

func TestExecuteEmptyWorkflowCompletesImmediately(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})

	wf := New("noop")
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, wf.Status)
	require.NotNil(t, wf.CompletedAt)

	evts := collectEvents(t, ch, 2)
	assert.Equal(t, []events.Type{events.WorkflowStarted, events.WorkflowCompleted}, eventTypes(evts))
	assert.Equal(t, 0, evts[1].Data["steps"])
}

func TestExecuteReportsDeadlockWhenNoStepCanRun(t *testing.T) {
	e, _, bus := newTestEngine(t, Config{})
	registerFn(t, e, "worker", nil, 1, succeed)

	// A rerun after a partial cancellation: the dependency is terminal
	// but not completed, so its dependents can never become ready.
	wf := New("wedged",
		&Step{ID: "a", Name: "a", AgentRef: "worker", Status: StatusCancelled},
		&Step{ID: "b", Name: "b", AgentRef: "worker", DependsOn: []string{"a"}},
	)
	ch, unsub := bus.Subscribe(wf.ID)
	defer unsub()

	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)

	var derr *DeadlockError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, []string{"b"}, derr.Blocked)
	assert.Empty(t, derr.Cycle)
	assert.Equal(t, StatusFailed, wf.Status)

	evts := collectEvents(t, ch, 2)
	last := evts[len(evts)-1]
	require.Equal(t, events.WorkflowFailed, last.Type)
	assert.Equal(t, "deadlocked", last.Data["status"])
	assert.Contains(t, last.Data["error"], "blocked steps [b]")
}

func TestExecuteFailureHaltsPendingButFinishesRunning(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	var slowDone, waitingCalls int32
	registerFn(t, e, "slow", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
			return models.Result{}, ctx.Err()
		}
		atomic.AddInt32(&slowDone, 1)
		return models.Result{Success: true}, nil
	})
	registerFn(t, e, "doomed", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		return models.Result{}, executor.Permanent(errors.New("broken"))
	})
	registerFn(t, e, "waiting", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		atomic.AddInt32(&waitingCalls, 1)
		return models.Result{Success: true}, nil
	})

	// Width 2 holds the third step at the semaphore until the fast
	// failure frees a slot, by which point the run is aborted.
	wf := New("mixed",
		&Step{ID: "slow", Name: "slow", AgentRef: "slow"},
		&Step{ID: "doomed", Name: "doomed", AgentRef: "doomed", MaxRetries: 0},
		&Step{ID: "waiting", Name: "waiting", AgentRef: "waiting"},
	)
	wf.MaxConcurrent = 2

	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "doomed"`)

	assert.Equal(t, StatusCompleted, wf.StepByID("slow").Status, "running steps finish")
	assert.Equal(t, int32(1), atomic.LoadInt32(&slowDone))
	assert.Equal(t, StatusFailed, wf.StepByID("doomed").Status)
	assert.Equal(t, StatusPending, wf.StepByID("waiting").Status, "pending steps never start after a failure")
	assert.Zero(t, atomic.LoadInt32(&waitingCalls))
	assert.Equal(t, StatusFailed, wf.Status)
}

func TestExecuteRoutesStepsByCapability(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	registerFn(t, e, "pythonista", []string{"python"}, 1, succeed)
	registerFn(t, e, "gopher", []string{"go"}, 1, succeed)

	wf := New("polyglot",
		&Step{ID: "compile", Name: "compile", Required: []string{"go"}},
		&Step{ID: "analyze", Name: "analyze", Required: []string{"python"}, DependsOn: []string{"compile"}},
	)

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, "gopher", wf.StepByID("compile").AssignedAgent)
	assert.Equal(t, "pythonista", wf.StepByID("analyze").AssignedAgent)
}

func TestExecuteRetriesWhenNoAgentIsEligible(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	registerFn(t, e, "cpu-worker", []string{"general"}, 1, succeed)

	wf := New("starved", &Step{ID: "s", Name: "s", Required: []string{"gpu"}, MaxRetries: 1})
	_, err := e.Execute(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no eligible agent")
	assert.Equal(t, StatusFailed, wf.Steps[0].Status)
	assert.Equal(t, 1, wf.Steps[0].RetryCount, "routing failures consume the retry budget")
}

func TestExecuteCheckpointsAfterEveryCompletion(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})

	wf := New("durable",
		&Step{ID: "a", Name: "a", AgentRef: "worker"},
		&Step{ID: "b", Name: "b", AgentRef: "worker", DependsOn: []string{"a"}},
	)

	var seen []string
	registerFn(t, e, "worker", nil, 1, func(ctx context.Context, task models.Task) (models.Result, error) {
		if task.ID == "b" {
			cp, err := e.Checkpoints().Load(wf.ID)
			if err == nil && cp != nil {
				seen = cp.CompletedSteps
			}
		}
		return models.Result{Success: true}, nil
	})

	_, err := e.Execute(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seen,
		"a step must see its dependencies durably checkpointed before it starts")
	assert.NoFileExists(t, e.Checkpoints().Path(wf.ID), "terminal workflows leave no checkpoint behind")
}

func TestRegisterAgentConnectsRouterAndRegistry(t *testing.T) {
	e, rt, _ := newTestEngine(t, Config{})

	require.NoError(t, e.RegisterAgent(executor.NewEcho("echo-1", []string{"echo"}, 2)))
	assert.True(t, rt.Known("echo-1"))
	_, ok := e.executors.Get("echo-1")
	assert.True(t, ok)

	require.NoError(t, e.UnregisterAgent("echo-1"))
	assert.False(t, rt.Known("echo-1"))
	_, ok = e.executors.Get("echo-1")
	assert.False(t, ok)

	assert.Error(t, e.UnregisterAgent("echo-1"), "double unregister surfaces the router error")
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil, zaptest.NewLogger(t))

	assert.Equal(t, 100*time.Millisecond, e.backoff(1))
	assert.Equal(t, 200*time.Millisecond, e.backoff(2))
	assert.Equal(t, 1600*time.Millisecond, e.backoff(5))
	assert.Equal(t, 5*time.Second, e.backoff(7))
	assert.Equal(t, 5*time.Second, e.backoff(40))
}

func TestNewEngineAppliesDefaults(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, nil, nil)
	assert.Equal(t, 5, e.cfg.MaxConcurrentAgents)
	assert.Equal(t, "checkpoints", e.cfg.CheckpointDir)
	assert.Equal(t, 30*time.Second, e.cfg.DefaultStepTimeout)
	assert.Equal(t, 5*time.Second, e.cfg.CancelGrace)
}
