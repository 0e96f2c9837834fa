package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/metrics"
	"github.com/taskweave/taskweave/internal/models"
)

// ewmaAlpha is the weight of the newest outcome in the success-rate
// moving average.
const ewmaAlpha = 0.2

// score weights; a perfect candidate scores 100
const (
	weightCapabilities = 40.0
	weightNoCapsNeeded = 20.0
	weightLoad         = 30.0
	weightSuccess      = 20.0
	weightSlack        = 10.0
)

const maxAlternatives = 3

type agentState struct {
	info    AgentInfo
	caps    map[string]struct{}
	limiter *rate.Limiter
}

// Router assigns tasks to registered agents by capability match, load,
// and historical success. The agent table is guarded by a single lock
// held only for lookups and updates.
type Router struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	dispatchRate  float64 // dispatches per second per agent; 0 disables
	dispatchBurst int

	bus    *events.Bus
	logger *zap.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithDispatchLimit enables a per-agent dispatch rate limiter.
func WithDispatchLimit(perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond > 0 {
			r.dispatchRate = perSecond
			if burst < 1 {
				burst = 1
			}
			r.dispatchBurst = burst
		}
	}
}

// New creates a router. The bus may be nil; agent lifecycle events are
// then skipped.
func New(bus *events.Bus, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		agents: make(map[string]*agentState),
		bus:    bus,
		logger: logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent to the pool, replacing any previous entry with
// the same name. Capabilities are case-folded and deduplicated; a zero
// success rate is initialized to 1.0 so new agents are not penalized
// before any history exists.
func (r *Router) Register(info AgentInfo) error {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return errors.New("router: agent name required")
	}
	if info.MaxTasks <= 0 {
		info.MaxTasks = 1
	}
	if info.SuccessRate <= 0 || info.SuccessRate > 1 {
		info.SuccessRate = 1.0
	}
	if info.Type == "" {
		info.Type = TypeGeneralist
	}
	info.Active = true
	info.InFlight = 0

	caps := make(map[string]struct{}, len(info.Capabilities))
	folded := make([]string, 0, len(info.Capabilities))
	for _, c := range info.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := caps[c]; dup {
			continue
		}
		caps[c] = struct{}{}
		folded = append(folded, c)
	}
	sort.Strings(folded)
	info.Capabilities = folded

	st := &agentState{info: info, caps: caps}
	if r.dispatchRate > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(r.dispatchRate), r.dispatchBurst)
	}

	r.mu.Lock()
	_, replaced := r.agents[info.Name]
	r.agents[info.Name] = st
	r.mu.Unlock()

	if !replaced {
		metrics.AgentsRegistered.Inc()
	}
	metrics.AgentTasksInFlight.WithLabelValues(info.Name).Set(0)
	r.publish(events.AgentRegistered, map[string]interface{}{
		"agent":        info.Name,
		"agent_type":   string(info.Type),
		"capabilities": info.Capabilities,
	})
	r.logger.Info("Agent registered",
		zap.String("agent", info.Name),
		zap.String("type", string(info.Type)),
		zap.Strings("capabilities", folded),
		zap.Int("max_tasks", info.MaxTasks))
	return nil
}

// Unregister removes an agent from the pool.
func (r *Router) Unregister(name string) error {
	r.mu.Lock()
	_, ok := r.agents[name]
	if ok {
		delete(r.agents, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("router: agent %q not registered", name)
	}
	metrics.AgentsRegistered.Dec()
	metrics.AgentTasksInFlight.DeleteLabelValues(name)
	r.publish(events.AgentUnregistered, map[string]interface{}{"agent": name})
	r.logger.Info("Agent unregistered", zap.String("agent", name))
	return nil
}

// SetActive pauses or resumes an agent; inactive agents are excluded
// from routing but keep their history.
func (r *Router) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("router: agent %q not registered", name)
	}
	st.info.Active = active
	return nil
}

// Known reports whether an agent name is currently registered.
func (r *Router) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// AgentCount returns the number of registered agents.
func (r *Router) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

type candidate struct {
	name      string
	score     float64
	fullMatch bool
	matched   int
	required  int
	util      float64
	success   float64
}

// Route selects the best available agent for a task. Candidates that
// cover every required capability rank strictly above partial matches;
// within a band higher scores win and ties break lexicographically on
// name for determinism. Route does not mutate agent state.
func (r *Router) Route(ctx context.Context, task models.Task) (*RoutingDecision, error) {
	required := foldCapabilities(task.RequiredCapabilities)

	r.mu.RLock()
	candidates := make([]candidate, 0, len(r.agents))
	for name, st := range r.agents {
		select {
		case <-ctx.Done():
			r.mu.RUnlock()
			return nil, ctx.Err()
		default:
		}
		if !st.info.Available() {
			continue
		}

		var capScore float64
		var matched int
		if len(required) == 0 {
			capScore = weightNoCapsNeeded
		} else {
			matched = len(lo.Filter(required, func(capability string, _ int) bool {
				_, ok := st.caps[capability]
				return ok
			}))
			if matched == 0 {
				continue
			}
			capScore = weightCapabilities * float64(matched) / float64(len(required))
		}

		util := st.info.Utilization()
		score := capScore +
			weightLoad*(1-util) +
			weightSuccess*st.info.SuccessRate +
			weightSlack*(1-util)

		candidates = append(candidates, candidate{
			name:      name,
			score:     score,
			fullMatch: len(required) == 0 || matched == len(required),
			matched:   matched,
			required:  len(required),
			util:      util,
			success:   st.info.SuccessRate,
		})
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		metrics.RoutingFailures.Inc()
		r.logger.Warn("No eligible agent",
			zap.String("task_id", task.ID),
			zap.Strings("required", required))
		return nil, &NoEligibleAgentError{TaskID: task.ID, Required: required}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].fullMatch != candidates[j].fullMatch {
			return candidates[i].fullMatch
		}
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})

	best := candidates[0]
	end := len(candidates)
	if end > 1+maxAlternatives {
		end = 1 + maxAlternatives
	}
	alternatives := lo.Map(candidates[1:end], func(c candidate, _ int) string { return c.name })

	confidence := best.score / 100
	if confidence > 1 {
		confidence = 1
	}
	decision := &RoutingDecision{
		AgentName:         best.name,
		Confidence:        confidence,
		Reasoning:         reasoningFor(best),
		AlternativeAgents: alternatives,
	}

	metrics.RoutingDecisions.WithLabelValues(best.name).Inc()
	r.logger.Debug("Routed task",
		zap.String("task_id", task.ID),
		zap.String("agent", best.name),
		zap.Float64("score", best.score),
		zap.Float64("confidence", confidence),
		zap.Strings("alternatives", alternatives))
	return decision, nil
}

func reasoningFor(c candidate) string {
	if c.required == 0 {
		return fmt.Sprintf("no capabilities required; least-loaded candidate (utilization %.0f%%, success rate %.2f)",
			c.util*100, c.success)
	}
	coverage := "partial"
	if c.fullMatch {
		coverage = "full"
	}
	return fmt.Sprintf("%s capability coverage (%d/%d), utilization %.0f%%, success rate %.2f",
		coverage, c.matched, c.required, c.util*100, c.success)
}

// RecordDispatch marks one task as assigned to the agent. When a
// dispatch limit is configured the call blocks until the agent's
// limiter admits the dispatch or the context ends.
func (r *Router) RecordDispatch(ctx context.Context, name string) error {
	r.mu.RLock()
	st, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: agent %q not registered", name)
	}

	if st.limiter != nil && !st.limiter.Allow() {
		metrics.DispatchThrottles.WithLabelValues(name).Inc()
		if err := st.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if cur, ok := r.agents[name]; ok {
		cur.info.InFlight++
		metrics.AgentTasksInFlight.WithLabelValues(name).Set(float64(cur.info.InFlight))
	}
	r.mu.Unlock()
	return nil
}

// RecordTaskCompletion feeds one outcome back into the agent's success
// rate (EWMA) and releases its task slot. The outcome of a cancelled or
// unregistered agent is dropped with an error.
func (r *Router) RecordTaskCompletion(name, taskID string, success bool) error {
	r.mu.Lock()
	st, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("router: agent %q not registered", name)
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	st.info.SuccessRate = ewmaAlpha*outcome + (1-ewmaAlpha)*st.info.SuccessRate
	if st.info.InFlight > 0 {
		st.info.InFlight--
	}
	inFlight := st.info.InFlight
	successRate := st.info.SuccessRate
	r.mu.Unlock()

	metrics.AgentTasksInFlight.WithLabelValues(name).Set(float64(inFlight))
	r.logger.Debug("Task completion recorded",
		zap.String("agent", name),
		zap.String("task_id", taskID),
		zap.Bool("success", success),
		zap.Float64("success_rate", successRate))
	return nil
}

// Statistics returns a point-in-time snapshot of every registered
// agent, sorted by name.
func (r *Router) Statistics() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, st := range r.agents {
		info := st.info
		info.Capabilities = append([]string(nil), st.info.Capabilities...)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) publish(t events.Type, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.New(t, "router", data))
}

func foldCapabilities(caps []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
