package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/loader"
	"github.com/aromcp/workflow-server/pkg/workflow/session"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

const reviewWorkflow = `
name: "test:review"
description: "Review loop"
version: "1.0.0"
inputs:
  file:
    type: string
    required: true
default_state:
  state:
    polished: false
state_schema:
  computed:
    label:
      from: ["inputs.file"]
      transform: "'review of ' + inputs.file"
steps:
  - type: user_message
    message: "Reviewing {{ inputs.file }}"
  - type: state_update
    path: "state.polished"
    value: true
`

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := filepath.Join(t.TempDir(), loader.WorkflowSubdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test:review.yaml"), []byte(reviewWorkflow), 0o644))

	l, err := loader.New(loader.Config{Dirs: []string{dir}, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	m := session.NewManager(session.Config{Logger: logger})
	t.Cleanup(m.Close)

	return New(Config{
		Logger:  logger,
		Loader:  l,
		Manager: m,
		Engine:  engine.Config{Logger: logger},
	})
}

func TestServiceLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	info, err := svc.Info("test:review")
	require.NoError(t, err)
	assert.Equal(t, "Review loop", info.Description)

	list := svc.List()
	require.Len(t, list, 1)
	assert.Equal(t, "test:review", list[0].Name)

	started, err := svc.Start("test:review", map[string]any{"file": "main.go"})
	require.NoError(t, err)
	assert.NotEmpty(t, started.WorkflowID)
	assert.Equal(t, "review of main.go", started.State["label"])

	next, err := svc.NextStep(ctx, started.WorkflowID, "")
	require.NoError(t, err)
	require.NotNil(t, next.Step)
	assert.Equal(t, []string{"Reviewing main.go"}, next.Step.Definition["messages"])

	require.NoError(t, svc.StepComplete(ctx, started.WorkflowID, "", next.Step.ID,
		engine.StepResult{Status: engine.ResultOK}))

	done, err := svc.NextStep(ctx, started.WorkflowID, "")
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, engine.StatusCompleted, done.Status)

	status, err := svc.Status(started.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Stats.StepsByType["user_message"])
	assert.NotZero(t, status.Recomputes["label"])
}

func TestServiceStateReadAndUpdate(t *testing.T) {
	svc := newTestService(t)

	started, err := svc.Start("test:review", map[string]any{"file": "a.go"})
	require.NoError(t, err)

	v, err := svc.StateRead(started.WorkflowID, "state.polished")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	// empty path returns the flattened view
	flat, err := svc.StateRead(started.WorkflowID, "")
	require.NoError(t, err)
	assert.Equal(t, "a.go", flat.(map[string]any)["file"])

	require.NoError(t, svc.StateUpdate(started.WorkflowID, []state.Update{
		{Path: "state.note", Op: state.OpSet, Value: "external"},
	}))
	v, err = svc.StateRead(started.WorkflowID, "state.note")
	require.NoError(t, err)
	assert.Equal(t, "external", v)
}

func TestServiceStopAndTerminalUpdates(t *testing.T) {
	svc := newTestService(t)

	started, err := svc.Start("test:review", map[string]any{"file": "a.go"})
	require.NoError(t, err)
	require.NoError(t, svc.Stop(started.WorkflowID))

	// stopped instances stay queryable
	status, err := svc.Status(started.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, status.Status)
	assert.Equal(t, string(wferrors.KindCancelled), status.Error["kind"])

	// but reject further writes
	err = svc.StateUpdate(started.WorkflowID, []state.Update{
		{Path: "state.note", Op: state.OpSet, Value: "late"},
	})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestServiceUnknownWorkflow(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Start("test:ghost", nil)
	require.Error(t, err)

	_, err = svc.NextStep(context.Background(), "wf_ghost", "")
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestServiceStartValidatesInputs(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Start("test:review", nil)
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}
