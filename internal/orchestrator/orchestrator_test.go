package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskweave/taskweave/internal/contextbuilder"
	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/executor"
	"github.com/taskweave/taskweave/internal/memory"
	"github.com/taskweave/taskweave/internal/models"
	"github.com/taskweave/taskweave/internal/router"
	"github.com/taskweave/taskweave/internal/workflow"
)

type memoryStub struct {
	mu   sync.Mutex
	msgs []memory.Message
	err  error
}

func (m *memoryStub) Add(ctx context.Context, msg memory.Message) (memory.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return msg, m.err
}

func (m *memoryStub) recorded() []memory.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.Message(nil), m.msgs...)
}

type builderStub struct {
	tc    *models.TaskContext
	err   error
	calls int
}

func (b *builderStub) Build(ctx context.Context, taskID, description string) (*models.TaskContext, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	tc := *b.tc
	tc.TaskID = taskID
	tc.TaskDescription = description
	return &tc, nil
}

type engineStub struct {
	ran  *workflow.Workflow
	fail error
}

func (e *engineStub) Execute(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	e.ran = wf
	status := workflow.StatusCompleted
	if e.fail != nil {
		status = workflow.StatusFailed
	}
	for _, s := range wf.Steps {
		s.Status = status
	}
	wf.Status = status
	return wf, e.fail
}

func TestSubmitGoalPlansRunsAndRecords(t *testing.T) {
	mem := &memoryStub{}
	builder := &builderStub{tc: &models.TaskContext{Keywords: []string{"data"}}}
	engine := &engineStub{}
	o := New(Config{}, mem, builder, engine, zaptest.NewLogger(t))

	wf, err := o.SubmitGoal(context.Background(), "fetch the data then store results")
	require.NoError(t, err)
	require.NotNil(t, wf)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Equal(t, "fetch-the-data-then-store-results", wf.Name)

	require.NotNil(t, engine.ran)
	require.Len(t, engine.ran.Steps, 2)
	assert.Equal(t, 1, builder.calls)
	for _, s := range engine.ran.Steps {
		require.NotNil(t, s.Context, "planned steps carry the built context")
		assert.Equal(t, []string{"data"}, s.Context.Keywords)
	}

	msgs := mem.recorded()
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.RoleUser, msgs[0].Role)
	assert.Equal(t, "fetch the data then store results", msgs[0].Content)
	assert.Equal(t, memory.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "2/2 steps completed")
	assert.Equal(t, msgs[0].TaskID, msgs[1].TaskID, "goal and outcome share one thread id")
	assert.Equal(t, wf.ID, msgs[1].Metadata["workflow_id"])
}

func TestSubmitGoalRejectsEmptyGoal(t *testing.T) {
	engine := &engineStub{}
	o := New(Config{}, nil, nil, engine, zaptest.NewLogger(t))

	for _, goal := range []string{"", "   ", "\n\t"} {
		_, err := o.SubmitGoal(context.Background(), goal)
		require.Error(t, err)
	}
	assert.Nil(t, engine.ran, "nothing runs for an empty goal")
}

func TestSubmitGoalSurvivesContextBuildFailure(t *testing.T) {
	engine := &engineStub{}
	builder := &builderStub{err: errors.New("scanner exploded")}
	o := New(Config{}, nil, builder, engine, zaptest.NewLogger(t))

	wf, err := o.SubmitGoal(context.Background(), "summarize the incident")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	for _, s := range engine.ran.Steps {
		assert.Nil(t, s.Context)
	}
}

func TestSubmitGoalSurvivesMemoryFailure(t *testing.T) {
	mem := &memoryStub{err: errors.New("disk full")}
	engine := &engineStub{}
	o := New(Config{}, mem, nil, engine, zaptest.NewLogger(t))

	wf, err := o.SubmitGoal(context.Background(), "rotate the credentials")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Len(t, mem.recorded(), 2, "writes are attempted even when they fail")
}

func TestSubmitGoalPropagatesEngineFailure(t *testing.T) {
	mem := &memoryStub{}
	engine := &engineStub{fail: errors.New("step exploded")}
	o := New(Config{}, mem, nil, engine, zaptest.NewLogger(t))

	wf, err := o.SubmitGoal(context.Background(), "migrate the database")
	require.Error(t, err)
	require.NotNil(t, wf, "the terminal workflow comes back with the error")
	assert.Equal(t, workflow.StatusFailed, wf.Status)

	msgs := mem.recorded()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "failed")
	assert.Contains(t, msgs[1].Content, "step exploded")
}

func TestRunDefinitionLoadsAndExecutes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	def := "name: canned\nsteps:\n  - id: only\n    name: only step\n    agent: echo\n"
	require.NoError(t, os.WriteFile(path, []byte(def), 0o644))

	engine := &engineStub{}
	o := New(Config{}, nil, nil, engine, zaptest.NewLogger(t))

	wf, err := o.RunDefinition(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "canned", wf.Name)
	require.NotNil(t, engine.ran)

	_, err = o.RunDefinition(context.Background(), filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

// End-to-end through the real stack: memory manager, context builder,
// router, engine, and a builtin executor.
func TestSubmitGoalEndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(events.Options{}, logger)
	t.Cleanup(bus.Close)

	mgr := memory.NewManager(memory.Config{}, logger)
	builder := contextbuilder.NewBuilder(contextbuilder.Config{}, logger,
		contextbuilder.WithConversationSource(mgr))
	rt := router.New(bus, logger)
	engine := workflow.NewEngine(workflow.Config{
		CheckpointDir:      t.TempDir(),
		CheckpointsEnabled: true,
	}, rt, executor.NewRegistry(logger), bus, logger)
	require.NoError(t, engine.RegisterAgent(executor.NewEcho("echo", nil, 2)))

	o := New(Config{}, mgr, builder, engine, logger)

	wf, err := o.SubmitGoal(context.Background(), "collect the quarterly numbers then draft a summary")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, wf.Status)
	require.Len(t, wf.Steps, 2)
	for _, s := range wf.Steps {
		assert.Equal(t, "echo", s.AssignedAgent)
		assert.Equal(t, workflow.StatusCompleted, s.Status)
	}
	assert.Equal(t, 2, mgr.WorkingSize(), "goal and outcome both land in working memory")
}
