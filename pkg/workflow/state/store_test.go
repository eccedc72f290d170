package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestStoreTiers(t *testing.T) {
	s := newTestStore(t, Config{
		Inputs:  map[string]any{"repo": "demo"},
		Default: map[string]any{"n": 0},
	})

	v, err := s.Read("inputs.repo")
	require.NoError(t, err)
	assert.Equal(t, "demo", v)

	v, err = s.Read("state.n")
	require.NoError(t, err)
	assert.Equal(t, float64(0), v)

	// inputs are not writable
	err = s.Apply([]Update{{Path: "inputs.repo", Op: OpSet, Value: "x"}})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindPath, wferrors.KindOf(err))
}

func TestStoreOps(t *testing.T) {
	s := newTestStore(t, Config{Default: map[string]any{
		"n":    float64(10),
		"list": []any{float64(1)},
		"obj":  map[string]any{"a": float64(1)},
	}})

	require.NoError(t, s.Apply([]Update{
		{Path: "state.n", Op: OpIncrement, Value: float64(5)},
		{Path: "state.n", Op: OpDecrement},
		{Path: "state.n", Op: OpMultiply, Value: float64(2)},
		{Path: "state.list", Op: OpAppend, Value: float64(2)},
		{Path: "state.obj", Op: OpMerge, Value: map[string]any{"b": float64(2)}},
		{Path: "state.fresh", Op: OpSet, Value: "v"},
	}))

	snap := s.StateSnapshot()
	assert.Equal(t, float64(28), snap["n"]) // (10+5-1)*2
	assert.Equal(t, []any{float64(1), float64(2)}, snap["list"])
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, snap["obj"])
	assert.Equal(t, "v", snap["fresh"])
}

func TestIncrementMissingTargetStartsAtZero(t *testing.T) {
	s := newTestStore(t, Config{})
	require.NoError(t, s.Apply([]Update{{Path: "state.counter", Op: OpIncrement}}))
	v, err := s.Read("state.counter")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)
}

func TestMultiplyRequiresNumericTarget(t *testing.T) {
	s := newTestStore(t, Config{Default: map[string]any{"s": "text"}})
	err := s.Apply([]Update{{Path: "state.s", Op: OpMultiply, Value: float64(2)}})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindPath, wferrors.KindOf(err))
}

func TestPathErrorLeavesStateUnchanged(t *testing.T) {
	s := newTestStore(t, Config{Default: map[string]any{"n": float64(1)}})

	err := s.Apply([]Update{
		{Path: "state.n", Op: OpSet, Value: float64(99)},
		{Path: "computed.x", Op: OpSet, Value: float64(1)},
	})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindPath, wferrors.KindOf(err))

	// first update in the failed batch must not have applied
	v, err := s.Read("state.n")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)
}

func TestMidBatchFailureRollsBack(t *testing.T) {
	s := newTestStore(t, Config{Default: map[string]any{"n": float64(1), "s": "x"}})

	err := s.Apply([]Update{
		{Path: "state.n", Op: OpSet, Value: float64(2)},
		{Path: "state.s", Op: OpMultiply, Value: float64(2)}, // non-numeric target
	})
	require.Error(t, err)

	v, _ := s.Read("state.n")
	assert.Equal(t, float64(1), v)
}

func TestComputedRecomputesAfterWrite(t *testing.T) {
	s := newTestStore(t, Config{
		Default: map[string]any{"n": float64(2)},
		Computed: []ComputedField{
			{Name: "double", Deps: []string{"state.n"}, Transform: "state.n * 2"},
			{Name: "quad", Deps: []string{"computed.double"}, Transform: "computed.double * 2"},
		},
	})

	v, err := s.Read("computed.quad")
	require.NoError(t, err)
	assert.Equal(t, float64(8), v)

	require.NoError(t, s.Apply([]Update{{Path: "state.n", Op: OpSet, Value: float64(5)}}))

	v, err = s.Read("computed.double")
	require.NoError(t, err)
	assert.Equal(t, float64(10), v)
	v, err = s.Read("computed.quad")
	require.NoError(t, err)
	assert.Equal(t, float64(20), v)
}

func TestComputedUnaffectedFieldsNotRecomputed(t *testing.T) {
	s := newTestStore(t, Config{
		Default: map[string]any{"a": float64(1), "b": float64(1)},
		Computed: []ComputedField{
			{Name: "fromA", Deps: []string{"state.a"}, Transform: "state.a + 1"},
			{Name: "fromB", Deps: []string{"state.b"}, Transform: "state.b + 1"},
		},
	})
	require.NoError(t, s.Apply([]Update{{Path: "state.a", Op: OpIncrement}}))

	counts := s.RecomputeCounts()
	assert.Equal(t, 2, counts["fromA"]) // initial + after write
	assert.Equal(t, 1, counts["fromB"]) // initial only
}

func TestComputedCycleFailsLoad(t *testing.T) {
	_, err := NewStore(Config{
		Computed: []ComputedField{
			{Name: "a", Deps: []string{"computed.b"}, Transform: "computed.b"},
			{Name: "b", Deps: []string{"computed.a"}, Transform: "computed.a"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
	assert.Contains(t, wferrors.AsRich(err).Message, "a")
}

func TestComputedErrorPolicies(t *testing.T) {
	t.Run("use_fallback", func(t *testing.T) {
		s := newTestStore(t, Config{
			Computed: []ComputedField{{
				Name:      "bad",
				Deps:      []string{"state.missing"},
				Transform: "state.missing.x + 1",
				OnError:   PolicyUseFallback,
				Fallback:  "n/a",
			}},
		})
		v, err := s.Read("computed.bad")
		require.NoError(t, err)
		assert.Equal(t, "n/a", v)
	})

	t.Run("propagate", func(t *testing.T) {
		s := newTestStore(t, Config{
			Computed: []ComputedField{{
				Name:      "bad",
				Deps:      []string{"state.missing"},
				Transform: "state.missing.x + 1",
				OnError:   PolicyPropagate,
			}},
		})
		_, err := s.Read("computed.bad")
		require.Error(t, err)
		assert.Equal(t, wferrors.KindExpression, wferrors.KindOf(err))
	})

	t.Run("ignore keeps previous value", func(t *testing.T) {
		s := newTestStore(t, Config{
			Default: map[string]any{"n": float64(2)},
			Computed: []ComputedField{{
				Name:      "flaky",
				Deps:      []string{"state.n"},
				Transform: "state.n * 2",
				OnError:   PolicyIgnore,
			}},
		})
		v, err := s.Read("computed.flaky")
		require.NoError(t, err)
		assert.Equal(t, float64(4), v)

		// make the transform fail: replace n with a non-number
		require.NoError(t, s.Apply([]Update{{Path: "state.n", Op: OpSet, Value: []any{}}}))
		v, err = s.Read("computed.flaky")
		require.NoError(t, err)
		assert.Equal(t, float64(4), v)
	})
}

func TestReadFlatShadowing(t *testing.T) {
	s := newTestStore(t, Config{
		Inputs:  map[string]any{"x": "from-inputs", "only_input": true},
		Default: map[string]any{"x": "from-state"},
		Computed: []ComputedField{
			{Name: "x", Deps: []string{"state.x"}, Transform: "'from-computed'"},
		},
	})
	flat := s.ReadFlat()

	// computed shadows state shadows inputs at the top level
	assert.Equal(t, "from-computed", flat["x"])
	assert.Equal(t, true, flat["only_input"])

	// tier roots stay addressable
	assert.Equal(t, "from-inputs", flat["inputs"].(map[string]any)["x"])
	assert.Equal(t, "from-state", flat["state"].(map[string]any)["x"])
	assert.Equal(t, "from-computed", flat["computed"].(map[string]any)["x"])
}

func TestBatchGranularityEquivalence(t *testing.T) {
	updates := []Update{
		{Path: "state.n", Op: OpSet, Value: float64(3)},
		{Path: "state.n", Op: OpIncrement, Value: float64(4)},
		{Path: "state.m", Op: OpSet, Value: float64(10)},
	}
	cfg := Config{
		Default: map[string]any{"n": float64(0), "m": float64(0)},
		Computed: []ComputedField{
			{Name: "sum", Deps: []string{"state.n", "state.m"}, Transform: "state.n + state.m"},
		},
	}

	batched := newTestStore(t, cfg)
	require.NoError(t, batched.Apply(updates))

	individual := newTestStore(t, cfg)
	for _, u := range updates {
		require.NoError(t, individual.Apply([]Update{u}))
	}

	assert.Equal(t, batched.StateSnapshot(), individual.StateSnapshot())
	assert.Equal(t, batched.ComputedSnapshot(), individual.ComputedSnapshot())
}

func TestMaxBytes(t *testing.T) {
	s := newTestStore(t, Config{Default: map[string]any{"n": float64(1)}, MaxBytes: 32})

	err := s.Apply([]Update{{Path: "state.blob", Op: OpSet, Value: "this value is far too large for the configured state cap"}})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindPath, wferrors.KindOf(err))

	// rejected write must not stick
	_, err = s.Read("state.blob")
	assert.Error(t, err)
}

func TestSubAgentStoreIsolation(t *testing.T) {
	s := newTestStore(t, Config{
		Inputs:           map[string]any{"item": float64(3), "task_id": "t0"},
		WritableRoot:     "local",
		ComputedSnapshot: map[string]any{"double": float64(6)},
	})

	require.NoError(t, s.Apply([]Update{{Path: "local.result", Op: OpSet, Value: float64(9)}}))
	v, err := s.Read("local.result")
	require.NoError(t, err)
	assert.Equal(t, float64(9), v)

	// the frozen computed tier is readable but never recomputed
	v, err = s.Read("computed.double")
	require.NoError(t, err)
	assert.Equal(t, float64(6), v)

	// "state" is not a declared root in a sub-agent context
	err = s.Apply([]Update{{Path: "state.x", Op: OpSet, Value: float64(1)}})
	require.Error(t, err)
	assert.Equal(t, wferrors.KindPath, wferrors.KindOf(err))
}

func TestWholeTierReplaceRejected(t *testing.T) {
	s := newTestStore(t, Config{})
	err := s.Apply([]Update{{Path: "state", Op: OpSet, Value: map[string]any{}}})
	require.Error(t, err)
}
