package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanChainsSequentialClauses(t *testing.T) {
	steps := plan("fetch the data, then process it, then store results", 0)
	require.Len(t, steps, 3)

	assert.Equal(t, "step-1", steps[0].ID)
	assert.Equal(t, "fetch the data", steps[0].Name)
	assert.Empty(t, steps[0].DependsOn)
	assert.Equal(t, "fetch", steps[0].Input["verb"])
	assert.Equal(t, "the data", steps[0].Input["subject"])

	assert.Equal(t, []string{"step-1"}, steps[1].DependsOn)
	assert.Equal(t, "process", steps[1].Input["verb"])

	assert.Equal(t, []string{"step-2"}, steps[2].DependsOn)
	assert.Equal(t, "store results", steps[2].Name)
}

func TestPlanSplitsOnConnectiveVariants(t *testing.T) {
	steps := plan("compile the module; run the tests and then publish the build", 0)
	require.Len(t, steps, 3)
	assert.Equal(t, "compile the module", steps[0].Name)
	assert.Equal(t, "run the tests", steps[1].Name)
	assert.Equal(t, "publish the build", steps[2].Name)
}

func TestPlanParallelMarkerSharesWave(t *testing.T) {
	steps := plan("build the backend then in parallel run the linter then deploy everything", 0)
	require.Len(t, steps, 3)

	assert.Empty(t, steps[0].DependsOn)
	assert.Empty(t, steps[1].DependsOn, "the parallel clause joins its predecessor's wave")
	assert.Equal(t, "run the linter", steps[1].Name)
	assert.ElementsMatch(t, []string{"step-1", "step-2"}, steps[2].DependsOn,
		"the next sequential clause joins on the whole wave")
}

func TestPlanBoundsStepCount(t *testing.T) {
	goal := "one thing then two thing then three thing then four thing then five thing then six thing"
	steps := plan(goal, 3)
	require.Len(t, steps, 3)
	assert.Equal(t, "one thing", steps[0].Name)
	assert.Equal(t, "two thing", steps[1].Name)
	assert.Equal(t, "three thing; four thing; five thing; six thing", steps[2].Name,
		"overflow clauses fold into the final step")
}

func TestPlanSingleClauseGoal(t *testing.T) {
	steps := plan("write a launch announcement", 0)
	require.Len(t, steps, 1)
	assert.Equal(t, "write a launch announcement", steps[0].Name)
	assert.Empty(t, steps[0].DependsOn)
	assert.Equal(t, "write", steps[0].Input["verb"])
	assert.Equal(t, "a launch announcement", steps[0].Input["subject"])
}

func TestWorkflowNameSlugs(t *testing.T) {
	assert.Equal(t, "fetch-the-data-now", workflowName("Fetch the Data... NOW!!"))
	assert.Equal(t, "goal", workflowName("!!!"))

	long := workflowName(strings.Repeat("audit the personnel records ", 5))
	assert.LessOrEqual(t, len(long), 48)
	assert.False(t, strings.HasSuffix(long, "-"))
}
