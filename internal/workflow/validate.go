package workflow

import "fmt"

// RouterIntrospect is the router view admission validation needs.
type RouterIntrospect interface {
	Known(name string) bool
	AgentCount() int
}

// Validate admits a workflow for execution: step IDs must be unique and
// non-empty, every dependency must name a step in the same workflow, the
// dependency graph must be acyclic, and every step must be resolvable to
// an agent (a pinned AgentRef must be registered; a step with neither
// AgentRef nor Required needs at least one registered agent). All
// problems found are collected into a single ValidationError.
func Validate(wf *Workflow, router RouterIntrospect) error {
	var problems []string

	byID := make(map[string]*Step, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			problems = append(problems, "step with empty id")
			continue
		}
		if _, dup := byID[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
	}

	if cycle := findCycle(wf.Steps, nil); len(cycle) > 0 {
		problems = append(problems, "dependency cycle: "+cycleString(cycle))
	}

	if router != nil {
		for _, s := range wf.Steps {
			switch {
			case s.AgentRef != "":
				if !router.Known(s.AgentRef) {
					problems = append(problems, fmt.Sprintf("step %q references unknown agent %q", s.ID, s.AgentRef))
				}
			case len(s.Required) == 0:
				if router.AgentCount() == 0 {
					problems = append(problems, fmt.Sprintf("step %q requires no capabilities and no agents are registered", s.ID))
				}
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{WorkflowID: wf.ID, Problems: problems}
	}
	return nil
}

type nodeColor uint8

const (
	colorWhite nodeColor = iota
	colorGrey
	colorBlack
)

// findCycle runs a three-color DFS over dependency edges and returns the
// first cycle found as a path a -> b -> ... -> a. include restricts the
// walk to a subset of steps (nil means all); edges leaving the subset
// are ignored.
func findCycle(steps []*Step, include func(*Step) bool) []string {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if include == nil || include(s) {
			byID[s.ID] = s
		}
	}

	colors := make(map[string]nodeColor, len(byID))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = colorGrey
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			next, ok := byID[dep]
			if !ok {
				continue
			}
			switch colors[next.ID] {
			case colorGrey:
				// Back edge; the cycle starts at the first occurrence
				// of the target on the current path.
				for i, n := range stack {
					if n == next.ID {
						return append(append([]string(nil), stack[i:]...), next.ID)
					}
				}
			case colorWhite:
				if cycle := visit(next.ID); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = colorBlack
		return nil
	}

	for _, s := range steps {
		if _, ok := byID[s.ID]; !ok {
			continue
		}
		if colors[s.ID] == colorWhite {
			if cycle := visit(s.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// blockedSteps lists pending steps with at least one incomplete
// dependency, in definition order.
func blockedSteps(wf *Workflow) []string {
	byID := make(map[string]*Step, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}
	var out []string
	for _, s := range wf.Steps {
		if s.Status != StatusPending {
			continue
		}
		for _, dep := range s.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status != StatusCompleted {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}

// residualCycle re-runs cycle detection over the incomplete subgraph.
func residualCycle(wf *Workflow) []string {
	return findCycle(wf.Steps, func(s *Step) bool { return s.Status != StatusCompleted })
}
