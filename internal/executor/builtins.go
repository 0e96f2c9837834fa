package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/models"
)

const defaultSleep = 100 * time.Millisecond

func registerBuiltinTypes(r *Registry) {
	r.constructors["echo"] = newEcho
	r.constructors["sleeper"] = newSleeper
	r.constructors["script"] = newScript
}

// meta carries the descriptor-provided identity shared by the builtins.
type meta struct {
	name          string
	capabilities  []string
	maxConcurrent int
}

func metaFrom(d Descriptor) meta {
	return meta{name: d.Name, capabilities: d.Capabilities, maxConcurrent: d.MaxConcurrent}
}

func (m meta) Name() string           { return m.name }
func (m meta) Capabilities() []string { return m.capabilities }
func (m meta) MaxConcurrent() int     { return m.maxConcurrent }

// Echo returns the task's input unchanged. Useful for wiring tests and
// demos where the interesting part is the workflow, not the work.
type Echo struct {
	meta
}

func newEcho(d Descriptor) (Executor, error) {
	return &Echo{meta: metaFrom(d)}, nil
}

// NewEcho builds an echo executor without a descriptor file.
func NewEcho(name string, capabilities []string, maxConcurrent int) *Echo {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Echo{meta: meta{name: name, capabilities: capabilities, maxConcurrent: maxConcurrent}}
}

func (e *Echo) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	start := time.Now()
	output := make(map[string]interface{}, len(task.Metadata)+1)
	for k, v := range task.Metadata {
		output[k] = v
	}
	output["description"] = task.Description
	return models.Result{
		Success:  true,
		Output:   output,
		Duration: time.Since(start),
	}, nil
}

func (e *Echo) Think(ctx context.Context, task models.Task) ([]string, error) {
	return []string{fmt.Sprintf("echo %d input field(s) back for %s", len(task.Metadata), task.ID)}, nil
}

// Sleeper waits a configured delay, then succeeds. It exists to make
// concurrency and timeout behavior observable in tests.
type Sleeper struct {
	meta
	delay time.Duration
}

func newSleeper(d Descriptor) (Executor, error) {
	delay, err := paramDuration(d.Params, "delay", defaultSleep)
	if err != nil {
		return nil, err
	}
	return &Sleeper{meta: metaFrom(d), delay: delay}, nil
}

// NewSleeper builds a sleeper executor without a descriptor file.
func NewSleeper(name string, delay time.Duration, maxConcurrent int) *Sleeper {
	if delay <= 0 {
		delay = defaultSleep
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Sleeper{meta: meta{name: name, maxConcurrent: maxConcurrent}, delay: delay}
}

func (s *Sleeper) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	start := time.Now()
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.Result{Success: false, Error: ctx.Err().Error(), Duration: time.Since(start)}, ctx.Err()
	case <-timer.C:
	}
	return models.Result{
		Success:  true,
		Output:   map[string]interface{}{"slept": s.delay.String()},
		Duration: time.Since(start),
	}, nil
}

func (s *Sleeper) Think(ctx context.Context, task models.Task) ([]string, error) {
	return []string{fmt.Sprintf("sleep %s, then report", s.delay)}, nil
}

// Script returns canned output, optionally failing its first N calls.
// The failure knobs make retry behavior reproducible in tests and demos.
type Script struct {
	meta
	output    map[string]interface{}
	failTimes int
	failMsg   string
	permanent bool
	delay     time.Duration

	mu    sync.Mutex
	calls int
}

func newScript(d Descriptor) (Executor, error) {
	delay, err := paramDuration(d.Params, "delay", 0)
	if err != nil {
		return nil, err
	}
	s := &Script{
		meta:      metaFrom(d),
		output:    paramMap(d.Params, "output"),
		failTimes: paramInt(d.Params, "fail_times", 0),
		failMsg:   paramString(d.Params, "error", "scripted failure"),
		permanent: paramBool(d.Params, "permanent", false),
		delay:     delay,
	}
	return s, nil
}

// NewScript builds a script executor without a descriptor file.
func NewScript(name string, output map[string]interface{}, failTimes int) *Script {
	return &Script{
		meta:      meta{name: name, maxConcurrent: 1},
		output:    output,
		failTimes: failTimes,
		failMsg:   "scripted failure",
	}
}

func (s *Script) Execute(ctx context.Context, task models.Task) (models.Result, error) {
	start := time.Now()
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return models.Result{Success: false, Error: ctx.Err().Error(), Duration: time.Since(start)}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failTimes
	s.mu.Unlock()

	if fail {
		err := errors.New(s.failMsg)
		if s.permanent {
			err = Permanent(err)
		}
		return models.Result{Success: false, Error: s.failMsg, Duration: time.Since(start)}, err
	}

	output := make(map[string]interface{}, len(s.output))
	for k, v := range s.output {
		output[k] = v
	}
	return models.Result{Success: true, Output: output, Duration: time.Since(start)}, nil
}

func (s *Script) Think(ctx context.Context, task models.Task) ([]string, error) {
	s.mu.Lock()
	remaining := s.failTimes - s.calls
	s.mu.Unlock()
	if remaining > 0 {
		return []string{fmt.Sprintf("fail %d more call(s), then return canned output", remaining)}, nil
	}
	return []string{"return canned output"}, nil
}

// Calls reports how many times the script has executed.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func paramString(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func paramBool(params map[string]interface{}, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func paramMap(params map[string]interface{}, key string) map[string]interface{} {
	if v, ok := params[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func paramDuration(params map[string]interface{}, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := params[key]
	if !ok {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("param %q must be a duration string", key)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return d, nil
}
