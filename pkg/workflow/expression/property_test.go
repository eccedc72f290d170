package expression

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// asAny retypes a generator's results to `any` so heterogeneous values can
// be combined. gopter's Map cannot target interface{} directly, so the
// mapper works on *GenResult with an explicit ResultType; the sieve admits
// nil results so generated nils survive retrieval.
func asAny(g gopter.Gen) gopter.Gen {
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	return g.Map(func(r *gopter.GenResult) *gopter.GenResult {
		return &gopter.GenResult{
			Shrinker:   gopter.NoShrinker,
			Result:     r.Result,
			Labels:     r.Labels,
			ResultType: anyType,
			Sieve:      func(any) bool { return true },
		}
	})
}

// jsonValueGen produces JSON-serializable values of bounded depth.
func jsonValueGen() gopter.Gen {
	leaf := gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Float64Range(-1e9, 1e9)),
		asAny(gen.Bool()),
		asAny(gen.Const(any(nil))),
	)
	list := asAny(gen.SliceOfN(3, leaf))
	object := asAny(gen.MapOf(gen.Identifier(), leaf))
	return gen.OneGenOf(leaf, list, object)
}

func TestJSONRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("JSON.parse(JSON.stringify(x)) == x", prop.ForAll(
		func(v any) bool {
			scope := MapScope{"state": map[string]any{"x": v}}
			got, err := Eval("JSON.parse(JSON.stringify(state.x)) == state.x", scope)
			return err == nil && got == true
		},
		jsonValueGen(),
	))

	properties.TestingRun(t)
}

func TestTemplateIdempotenceProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("interpolating unchanged values is stable", prop.ForAll(
		func(s string, n float64) bool {
			scope := MapScope{"state": map[string]any{"a": s, "b": n}}
			first, err1 := Interpolate("{{ state.a }}-{{ state.b }}", scope)
			second, err2 := Interpolate("{{ state.a }}-{{ state.b }}", scope)
			return err1 == nil && err2 == nil && first == second
		},
		gen.AlphaString(),
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestIntegralNumberPrintingProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("integral floats print without a decimal point", prop.ForAll(
		func(i int32) bool {
			return Print(float64(i)) == strconv.Itoa(int(i))
		},
		gen.Int32(),
	))

	properties.TestingRun(t)
}
