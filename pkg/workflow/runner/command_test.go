package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

func TestDefaultRunnerCapturesOutput(t *testing.T) {
	r := &DefaultCommandRunner{}
	res, err := r.Run(context.Background(), "echo hello; echo oops >&2", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestDefaultRunnerNonZeroExit(t *testing.T) {
	r := &DefaultCommandRunner{}
	res, err := r.Run(context.Background(), "echo partial; exit 3", 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, wferrors.KindTool, wferrors.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestDefaultRunnerTimeout(t *testing.T) {
	r := &DefaultCommandRunner{}
	res, err := r.Run(context.Background(), "sleep 5", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, wferrors.KindTimeout, wferrors.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, -1, res.ExitCode)
}

func TestFakeRunnerCountsCalls(t *testing.T) {
	f := &FakeCommandRunner{Stdout: "ok"}
	for i := 0; i < 3; i++ {
		res, err := f.Run(context.Background(), "anything", 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Stdout)
	}
	assert.Equal(t, 3, f.Calls)

	f = &FakeCommandRunner{ExitCode: 2, Stderr: "boom"}
	res, err := f.Run(context.Background(), "anything", 0)
	require.Error(t, err)
	assert.Equal(t, wferrors.KindTool, wferrors.KindOf(err))
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, 1, f.Calls)
}
