package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskweave/taskweave/internal/workflow"
)

const defaultMaxPlanSteps = 5

// clauseSplitter cuts a goal at sequencing connectives. Listing the
// longer phrases first keeps "and then" from leaving a dangling "and".
var clauseSplitter = regexp.MustCompile(
	`(?i)\s*(?:;|\r?\n|,?\s+and\s+then\b|,?\s+then\b|\bafter\s+that\b|\bafterwards\b|,?\s+finally\b|,?\s+next\b)[\s,]*`)

// parallelMarkers flag a clause that should run alongside the previous
// one instead of after it.
var parallelMarkers = []string{"meanwhile", "in parallel", "at the same time", "simultaneously"}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// plan turns a free-form goal into a bounded DAG of steps. Clauses
// separated by sequencing connectives chain; clauses led by a parallel
// marker share their predecessor's wave. Overflow beyond max folds into
// the final step so no part of the goal is dropped.
func plan(goal string, max int) []*workflow.Step {
	if max <= 0 {
		max = defaultMaxPlanSteps
	}
	clauses := splitClauses(goal)
	if len(clauses) > max {
		merged := strings.Join(clauses[max-1:], "; ")
		clauses = append(clauses[:max-1:max-1], merged)
	}

	steps := make([]*workflow.Step, 0, len(clauses))
	var wave []string
	var prevWaveDeps []string
	for _, clause := range clauses {
		clause, parallel := stripParallelMarker(clause)
		if clause == "" {
			continue
		}

		verb, subject := verbSubject(clause)
		step := &workflow.Step{
			ID:         fmt.Sprintf("step-%d", len(steps)+1),
			Name:       clause,
			Input:      map[string]interface{}{"verb": verb, "subject": subject},
			MaxRetries: workflow.DefaultMaxRetries,
			Status:     workflow.StatusPending,
		}
		if parallel && len(wave) > 0 {
			step.DependsOn = append([]string(nil), prevWaveDeps...)
			wave = append(wave, step.ID)
		} else {
			step.DependsOn = append([]string(nil), wave...)
			prevWaveDeps = append([]string(nil), wave...)
			wave = []string{step.ID}
		}
		steps = append(steps, step)
	}
	return steps
}

func splitClauses(goal string) []string {
	parts := clauseSplitter.Split(goal, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " \t.,")
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(goal)}
	}
	return out
}

func stripParallelMarker(clause string) (string, bool) {
	lower := strings.ToLower(clause)
	for _, marker := range parallelMarkers {
		if strings.HasPrefix(lower, marker) {
			return strings.TrimLeft(clause[len(marker):], " ,"), true
		}
	}
	return clause, false
}

// verbSubject splits a clause into its leading verb and the remainder.
func verbSubject(clause string) (string, string) {
	fields := strings.Fields(clause)
	if len(fields) == 0 {
		return "", ""
	}
	verb := strings.ToLower(strings.Trim(fields[0], ".,!?:"))
	return verb, strings.Join(fields[1:], " ")
}

// workflowName derives a stable slug from the goal text.
func workflowName(goal string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(goal), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		return "goal"
	}
	return slug
}
