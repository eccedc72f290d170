package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

func mustParse(t *testing.T, src string) *def.Definition {
	t.Helper()
	d, _, err := def.Parse([]byte(src))
	require.NoError(t, err)
	return d
}

func testConfig() Config {
	return Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleep:  func(time.Duration) {},
	}
}

func startInstance(t *testing.T, src string, inputs map[string]any, cfg Config) *Instance {
	t.Helper()
	in, err := New(mustParse(t, src), inputs, cfg)
	require.NoError(t, err)
	return in
}

func readState(t *testing.T, in *Instance, path string) any {
	t.Helper()
	v, err := in.Store().Read(path)
	require.NoError(t, err)
	return v
}

// fakeClock drives deadline tests without sleeping.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSequentialUpdatesAndMessageBatching(t *testing.T) {
	in := startInstance(t, `
name: "test:seq"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: state_update
    path: "state.n"
    operation: increment
  - type: state_update
    path: "state.n"
    operation: increment
  - type: state_update
    path: "state.n"
    operation: increment
  - type: user_message
    message: "count is {{ state.n }}"
  - type: user_message
    message: "done"
`, nil, testConfig())
	ctx := context.Background()

	next, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.Step)
	assert.Equal(t, "user_message", next.Step.Type)
	// consecutive messages batch into one descriptor owned by the last step
	assert.Equal(t, "steps.4", next.Step.ID)
	assert.Equal(t, []string{"count is 3", "done"}, next.Step.Definition["messages"])

	require.NoError(t, in.StepComplete(ctx, "steps.4", StepResult{Status: ResultOK}))
	next, err = in.GetNextStep(ctx)
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, float64(3), readState(t, in, "state.n"))
}

func TestMessageBatchStopsAtInterpolationFailure(t *testing.T) {
	in := startInstance(t, `
name: "test:batchsplit"
version: "1.0.0"
default_state:
  state:
    raw: "not json"
steps:
  - type: user_message
    message: "one"
  - type: user_message
    message: "two"
  - type: user_message
    message: "parsed: {{ JSON.parse(state.raw) }}"
    error_handling:
      strategy: continue
  - type: user_message
    message: "four"
`, nil, testConfig())
	ctx := context.Background()

	// the batch delivers what interpolated cleanly and stops short of the
	// failing step
	next, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.Step)
	assert.Equal(t, "steps.1", next.Step.ID)
	assert.Equal(t, []string{"one", "two"}, next.Step.Definition["messages"])
	require.NoError(t, in.StepComplete(ctx, next.Step.ID, StepResult{Status: ResultOK}))

	// the failing step fails under its own error handling, not the
	// batch head's: continue skips it and the run resumes behind it
	next, err = in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.Step)
	assert.Equal(t, "steps.3", next.Step.ID)
	assert.Equal(t, []string{"four"}, next.Step.Definition["messages"])
	require.NoError(t, in.StepComplete(ctx, next.Step.ID, StepResult{Status: ResultOK}))

	done, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, 1, in.Stats().Errors)
}

func TestConditionalBranches(t *testing.T) {
	src := `
name: "test:cond"
version: "1.0.0"
inputs:
  flag:
    type: boolean
    required: true
default_state:
  state:
    branch: ""
steps:
  - type: conditional
    condition: "inputs.flag"
    then_steps:
      - type: state_update
        path: "state.branch"
        value: "then"
    else_steps:
      - type: state_update
        path: "state.branch"
        value: "else"
`
	for _, tt := range []struct {
		flag bool
		want string
	}{
		{true, "then"},
		{false, "else"},
	} {
		in := startInstance(t, src, map[string]any{"flag": tt.flag}, testConfig())
		next, err := in.GetNextStep(context.Background())
		require.NoError(t, err)
		assert.True(t, next.Completed)
		assert.Equal(t, tt.want, readState(t, in, "state.branch"))
	}
}

func TestWhileSeesFreshStateEachIteration(t *testing.T) {
	in := startInstance(t, `
name: "test:while"
version: "1.0.0"
default_state:
  state:
    n: 0
    attempts: []
steps:
  - type: while
    condition: "state.n < 3"
    body:
      - type: state_update
        path: "state.n"
        operation: increment
      - type: state_update
        path: "state.attempts"
        operation: append
        value: "{{ attempt_number }}"
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, float64(3), readState(t, in, "state.n"))
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, readState(t, in, "state.attempts"))
}

func TestBreakExitsInnermostLoop(t *testing.T) {
	in := startInstance(t, `
name: "test:break"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: while
    condition: "true"
    max_iterations: 10
    body:
      - type: state_update
        path: "state.n"
        operation: increment
      - type: conditional
        condition: "state.n >= 2"
        then_steps:
          - type: break
  - type: state_update
    path: "state.after_loop"
    value: true
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, float64(2), readState(t, in, "state.n"))
	assert.Equal(t, true, readState(t, in, "state.after_loop"))
}

func TestContinueSkipsRestOfIteration(t *testing.T) {
	in := startInstance(t, `
name: "test:continue"
version: "1.0.0"
default_state:
  state:
    kept: []
steps:
  - type: foreach
    items: "[1, 2, 3, 4]"
    body:
      - type: conditional
        condition: "item == 2"
        then_steps:
          - type: continue
      - type: state_update
        path: "state.kept"
        operation: append
        value: "{{ item }}"
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, []any{float64(1), float64(3), float64(4)}, readState(t, in, "state.kept"))
}

func TestWhileExceedingMaxIterationsFails(t *testing.T) {
	in := startInstance(t, `
name: "test:bound"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: while
    condition: "true"
    max_iterations: 2
    body:
      - type: state_update
        path: "state.n"
        operation: increment
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusFailed, next.Status)
	require.NotNil(t, next.Error)
	assert.Equal(t, string(wferrors.KindLoopBound), next.Error["kind"])
	// the body ran exactly max_iterations times before the bound tripped
	assert.Equal(t, float64(2), readState(t, in, "state.n"))
}

func TestForeachBindsLoopVariables(t *testing.T) {
	in := startInstance(t, `
name: "test:foreach"
version: "1.0.0"
default_state:
  state:
    sum: 0
    seen: []
    items: [1, 2, 3]
steps:
  - type: foreach
    items: "state.items"
    body:
      - type: state_update
        path: "state.sum"
        operation: increment
        value: "{{ item }}"
      - type: state_update
        path: "state.seen"
        operation: append
        value: "{{ index }}/{{ total }}"
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, float64(6), readState(t, in, "state.sum"))
	assert.Equal(t, []any{"0/3", "1/3", "2/3"}, readState(t, in, "state.seen"))
}

func TestForeachEmptyItemsIsANoOp(t *testing.T) {
	in := startInstance(t, `
name: "test:empty"
version: "1.0.0"
steps:
  - type: foreach
    items: "[]"
    body:
      - type: state_update
        path: "state.touched"
        value: true
  - type: state_update
    path: "state.done"
    value: true
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, true, readState(t, in, "state.done"))
	_, err = in.Store().Read("state.touched")
	assert.Error(t, err)
}

func TestUndeclaredInputRejected(t *testing.T) {
	d := mustParse(t, `
name: "test:inputs"
version: "1.0.0"
steps:
  - type: wait_step
`)
	_, err := New(d, map[string]any{"surprise": 1}, testConfig())
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestRequiredInputMissing(t *testing.T) {
	d := mustParse(t, `
name: "test:inputs"
version: "1.0.0"
inputs:
  repo:
    type: string
    required: true
steps:
  - type: wait_step
`)
	_, err := New(d, nil, testConfig())
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))

	_, err = New(d, map[string]any{"repo": 42}, testConfig())
	require.Error(t, err)
	assert.Contains(t, wferrors.AsRich(err).Message, "expected string")
}

func TestInputDefaultsApplied(t *testing.T) {
	in := startInstance(t, `
name: "test:defaults"
version: "1.0.0"
inputs:
  level:
    type: number
    default: 3
steps:
  - type: state_update
    path: "state.level"
    value: "{{ inputs.level }}"
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, float64(3), readState(t, in, "state.level"))
}

func TestStatsCountSteps(t *testing.T) {
	in := startInstance(t, `
name: "test:stats"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: state_update
    path: "state.n"
    operation: increment
  - type: state_update
    path: "state.n"
    operation: increment
  - type: user_message
    message: "n = {{ state.n }}"
`, nil, testConfig())
	ctx := context.Background()

	next, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NoError(t, in.StepComplete(ctx, next.Step.ID, StepResult{Status: ResultOK}))

	stats := in.Stats()
	assert.Equal(t, 2, stats.StepsByType["state_update"])
	assert.Equal(t, 1, stats.StepsByType["user_message"])
	assert.Equal(t, 0, stats.Errors)
	assert.Greater(t, stats.PeakStateBytes, 0)
}

func TestDebugModeAttachesInternalTrace(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	in := startInstance(t, `
name: "test:debug"
version: "1.0.0"
default_state:
  state:
    n: 0
steps:
  - type: state_update
    path: "state.n"
    operation: increment
  - type: state_update
    path: "state.n"
    operation: increment
  - type: user_message
    message: "traced"
`, nil, cfg)

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next.Step)
	require.Len(t, next.Step.InternalTrace, 2)
	assert.Equal(t, "steps.0", next.Step.InternalTrace[0].StepID)
	assert.Equal(t, "state_update", next.Step.InternalTrace[0].Type)
	assert.Equal(t, "ok", next.Step.InternalTrace[0].Outcome)
}

func TestCancelledInstanceRejectsCalls(t *testing.T) {
	in := startInstance(t, `
name: "test:cancel"
version: "1.0.0"
steps:
  - type: wait_step
`, nil, testConfig())
	ctx := context.Background()

	next, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.Step)

	in.Cancel()
	assert.Equal(t, StatusCancelled, in.Status())

	_, err = in.GetNextStep(ctx)
	require.Error(t, err)
	assert.Equal(t, wferrors.KindCancelled, wferrors.KindOf(err))

	err = in.StepComplete(ctx, next.Step.ID, StepResult{Status: ResultOK})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindCancelled, wferrors.KindOf(err))
}

func TestClientReportedCancellation(t *testing.T) {
	in := startInstance(t, `
name: "test:cancel2"
version: "1.0.0"
steps:
  - type: wait_step
`, nil, testConfig())
	ctx := context.Background()

	next, err := in.GetNextStep(ctx)
	require.NoError(t, err)
	require.NoError(t, in.StepComplete(ctx, next.Step.ID, StepResult{Status: ResultCancelled}))
	assert.Equal(t, StatusCancelled, in.Status())
}
