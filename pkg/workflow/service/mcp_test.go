package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

func TestDecodeResult(t *testing.T) {
	// a missing result is a bare acknowledgment
	result, err := decodeResult(nil)
	require.NoError(t, err)
	assert.Equal(t, engine.ResultOK, result.Status)

	result, err = decodeResult(map[string]any{
		"status": "error",
		"error":  map[string]any{"message": "tool crashed", "kind": "ToolError"},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ResultError, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "tool crashed", result.Error.Message)

	// output survives the round trip
	result, err = decodeResult(map[string]any{"output": map[string]any{"n": 3}})
	require.NoError(t, err)
	assert.Equal(t, engine.ResultOK, result.Status)
	assert.Equal(t, map[string]any{"n": float64(3)}, result.Output)

	_, err = decodeResult("not an object")
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestDecodeUpdates(t *testing.T) {
	updates, err := decodeUpdates([]any{
		map[string]any{"path": "state.n", "op": "increment", "value": 2},
		map[string]any{"path": "state.tag", "op": "set", "value": "x"},
	})
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "state.n", updates[0].Path)
	assert.Equal(t, state.OpIncrement, updates[0].Op)
	assert.Equal(t, float64(2), updates[0].Value)

	_, err = decodeUpdates([]any{})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))

	_, err = decodeUpdates("nope")
	require.Error(t, err)
}
