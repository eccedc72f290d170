package def

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

const minimalWorkflow = `
name: "test:minimal"
description: "Minimal workflow"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: state_update
    path: "state.n"
    operation: increment
`

func TestParseMinimal(t *testing.T) {
	d, warnings, err := Parse([]byte(minimalWorkflow))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "test:minimal", d.Name)
	assert.Equal(t, "1.0.0", d.Version)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, StepStateUpdate, d.Steps[0].Type)
}

func TestParseIsDeterministic(t *testing.T) {
	a, _, err := Parse([]byte(minimalWorkflow))
	require.NoError(t, err)
	b, _, err := Parse([]byte(minimalWorkflow))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestParseNormalizesNumbers(t *testing.T) {
	d, _, err := Parse([]byte(`
name: "test:numbers"
version: "1.0.0"
default_state:
  state:
    count: 7
    nested:
      deep: 3
    list: [1, 2]
steps:
  - type: state_update
    path: "state.count"
    value: 9
`))
	require.NoError(t, err)
	assert.Equal(t, float64(7), d.DefaultState.State["count"])
	assert.Equal(t, float64(3), d.DefaultState.State["nested"].(map[string]any)["deep"])
	assert.Equal(t, []any{float64(1), float64(2)}, d.DefaultState.State["list"])
	assert.Equal(t, float64(9), d.Steps[0].Value)
}

func TestParseAssignsStructuralStepIDs(t *testing.T) {
	d, _, err := Parse([]byte(`
name: "test:ids"
version: "1.0.0"
steps:
  - type: user_message
    message: "hello"
  - type: conditional
    condition: "state.x"
    then_steps:
      - type: user_message
        message: "branch"
  - id: explicit
    type: wait_step
`))
	require.NoError(t, err)
	assert.Equal(t, "steps.0", d.Steps[0].ID)
	assert.Equal(t, "steps.1", d.Steps[1].ID)
	assert.Equal(t, "steps.1.then_steps.0", d.Steps[1].ThenSteps[0].ID)
	assert.Equal(t, "explicit", d.Steps[2].ID)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, _, err := Parse([]byte("steps: ["))
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestIsClientStep(t *testing.T) {
	assert.True(t, (&Step{Type: StepUserMessage}).IsClientStep())
	assert.True(t, (&Step{Type: StepParallelForeach}).IsClientStep())
	assert.True(t, (&Step{Type: StepShellCommand, ExecutionContext: ContextClient}).IsClientStep())
	assert.False(t, (&Step{Type: StepShellCommand}).IsClientStep())
	assert.False(t, (&Step{Type: StepStateUpdate}).IsClientStep())
	assert.False(t, (&Step{Type: StepWhile}).IsClientStep())
}
