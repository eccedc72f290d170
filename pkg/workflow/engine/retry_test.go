package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/runner"
)

func TestServerShellRetriesThenFallsBack(t *testing.T) {
	fake := &runner.FakeCommandRunner{ExitCode: 1, Stderr: "no such host"}
	var delays []time.Duration
	cfg := testConfig()
	cfg.Runner = fake
	cfg.Sleep = func(d time.Duration) { delays = append(delays, d) }

	in := startInstance(t, `
name: "test:shellretry"
version: "1.0.0"
steps:
  - type: shell_command
    command: "curl https://example.com"
    state_path: "state.out"
    error_handling:
      strategy: retry
      max_retries: 2
      fallback_value: "n/a"
      error_state_path: "state.last_error"
  - type: state_update
    path: "state.done"
    value: true
`, nil, cfg)

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)

	// initial attempt plus two retries, then the fallback value
	assert.Equal(t, 3, fake.Calls)
	assert.Equal(t, "n/a", readState(t, in, "state.out"))
	assert.Equal(t, true, readState(t, in, "state.done"))
	assert.Equal(t, 2, in.Stats().Retries)

	// capped exponential backoff between attempts
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	recorded := readState(t, in, "state.last_error").(map[string]any)
	assert.Equal(t, string(wferrors.KindTool), recorded["kind"])
}

func TestServerShellRetryWithoutFallbackFails(t *testing.T) {
	fake := &runner.FakeCommandRunner{ExitCode: 1}
	cfg := testConfig()
	cfg.Runner = fake

	in := startInstance(t, `
name: "test:shellfail"
version: "1.0.0"
steps:
  - type: shell_command
    command: "false"
    error_handling:
      strategy: retry
      max_retries: 1
`, nil, cfg)

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusFailed, next.Status)
	assert.Equal(t, string(wferrors.KindTool), next.Error["kind"])
	assert.Equal(t, 2, fake.Calls)
}

func TestServerShellWritesCapturedFacet(t *testing.T) {
	fake := &runner.FakeCommandRunner{Stdout: "v1.2.3\n"}
	cfg := testConfig()
	cfg.Runner = fake

	in := startInstance(t, `
name: "test:shellok"
version: "1.0.0"
steps:
  - type: shell_command
    command: "git describe"
    capture: stdout
    state_path: "state.version"
`, nil, cfg)

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, "v1.2.3\n", readState(t, in, "state.version"))
	assert.Equal(t, 1, fake.Calls)
}

func TestServerShellCaptureAll(t *testing.T) {
	fake := &runner.FakeCommandRunner{Stdout: "out", Stderr: "err"}
	cfg := testConfig()
	cfg.Runner = fake

	in := startInstance(t, `
name: "test:shellall"
version: "1.0.0"
steps:
  - type: shell_command
    command: "build"
    state_path: "state.result"
`, nil, cfg)

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, map[string]any{
		"stdout":    "out",
		"stderr":    "err",
		"exit_code": float64(0),
	}, readState(t, in, "state.result"))
}

func TestContinueStrategyRecordsAndProceeds(t *testing.T) {
	in := startInstance(t, `
name: "test:continuestrategy"
version: "1.0.0"
default_state:
  state:
    doc: null
steps:
  - type: state_update
    path: "state.parsed"
    value: "{{ JSON.parse(state.doc) }}"
    error_handling:
      strategy: continue
      error_state_path: "state.last_error"
  - type: state_update
    path: "state.done"
    value: true
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, true, readState(t, in, "state.done"))

	recorded := readState(t, in, "state.last_error").(map[string]any)
	assert.Equal(t, string(wferrors.KindExpression), recorded["kind"])
	assert.Equal(t, 1, in.Stats().Errors)
}

func TestFallbackStrategySubstitutesValue(t *testing.T) {
	in := startInstance(t, `
name: "test:fallbackstrategy"
version: "1.0.0"
default_state:
  state:
    doc: null
steps:
  - type: state_update
    path: "state.parsed"
    value: "{{ JSON.parse(state.doc) }}"
    state_path: "state.parsed"
    error_handling:
      strategy: fallback
      fallback_value: {}
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, map[string]any{}, readState(t, in, "state.parsed"))
}

func TestExpressionErrorWithoutHandlingFails(t *testing.T) {
	in := startInstance(t, `
name: "test:exprfail"
version: "1.0.0"
default_state:
  state:
    doc: null
steps:
  - type: state_update
    path: "state.x"
    value: "{{ state.doc.field }}"
`, nil, testConfig())

	next, err := in.GetNextStep(context.Background())
	require.NoError(t, err)
	assert.True(t, next.Completed)
	assert.Equal(t, StatusFailed, next.Status)
	assert.Equal(t, string(wferrors.KindExpression), next.Error["kind"])
}

func TestBackoffDelayHonorsBaseAndCap(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffCap = 300 * time.Millisecond
	in := startInstance(t, `
name: "test:backoff"
version: "1.0.0"
steps:
  - type: wait_step
`, nil, cfg)

	assert.Equal(t, 100*time.Millisecond, in.backoffDelay(0, nil))
	assert.Equal(t, 200*time.Millisecond, in.backoffDelay(1, nil))
	assert.Equal(t, 300*time.Millisecond, in.backoffDelay(2, nil))
	assert.Equal(t, 300*time.Millisecond, in.backoffDelay(10, nil))
}
