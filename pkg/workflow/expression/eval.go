package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Scope resolves bare identifiers during evaluation. The engine provides
// the flattened state view plus any in-scope loop variables.
type Scope interface {
	Lookup(name string) (any, bool)
}

// MapScope is a Scope over a plain map.
type MapScope map[string]any

// Lookup implements Scope.
func (m MapScope) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// ChainScope checks scopes in order; earlier scopes shadow later ones.
type ChainScope []Scope

// Lookup implements Scope.
func (c ChainScope) Lookup(name string) (any, bool) {
	for _, s := range c {
		if v, ok := s.Lookup(name); ok {
			return v, true
		}
	}
	return nil, false
}

type lambdaValue struct {
	node  *lambdaNode
	scope Scope
}

type evaluator struct {
	src   string
	scope Scope
}

// Eval evaluates an expression source string against a scope.
// Evaluation is side-effect free.
func Eval(src string, scope Scope) (any, error) {
	node, err := Parse(src)
	if err != nil {
		return nil, err
	}
	e := &evaluator{src: src, scope: scope}
	v, err := e.eval(node, scope)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(*lambdaValue); ok {
		return nil, e.errf("expression yields a function, not a value")
	}
	return v, nil
}

func (e *evaluator) errf(format string, args ...any) error {
	err := wferrors.Newf(wferrors.KindExpression, format, args...)
	return err.With("expression", e.src)
}

func (e *evaluator) eval(node Node, scope Scope) (any, error) {
	switch n := node.(type) {
	case *literalNode:
		return n.value, nil
	case *identNode:
		return e.evalIdent(n, scope)
	case *memberNode:
		return e.evalMember(n, scope)
	case *indexNode:
		return e.evalIndex(n, scope)
	case *callNode:
		return e.evalCall(n, scope)
	case *unaryNode:
		return e.evalUnary(n, scope)
	case *binaryNode:
		return e.evalBinary(n, scope)
	case *ternaryNode:
		cond, err := e.eval(n.cond, scope)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return e.eval(n.then, scope)
		}
		return e.eval(n.els, scope)
	case *arrayNode:
		out := make([]any, 0, len(n.elems))
		for _, elem := range n.elems {
			v, err := e.eval(elem, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *objectNode:
		out := make(map[string]any, len(n.keys))
		for i, key := range n.keys {
			v, err := e.eval(n.values[i], scope)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	case *lambdaNode:
		return &lambdaValue{node: n, scope: scope}, nil
	}
	return nil, e.errf("unsupported expression node %T", node)
}

func (e *evaluator) evalIdent(n *identNode, scope Scope) (any, error) {
	if v, ok := scope.Lookup(n.name); ok {
		return v, nil
	}
	switch n.name {
	case "JSON", "Math", "now":
		// Builtin namespaces are only meaningful as call receivers.
		return builtinRef(n.name), nil
	}
	return nil, e.errf("undefined reference %q", n.name)
}

type builtinRef string

func (e *evaluator) evalMember(n *memberNode, scope Scope) (any, error) {
	obj, err := e.eval(n.obj, scope)
	if err != nil {
		return nil, err
	}
	if ref, ok := obj.(builtinRef); ok {
		// JSON.parse / Math.floor resolve at call time.
		return memberRef{ns: string(ref), name: n.name}, nil
	}
	return e.member(obj, n.name)
}

type memberRef struct {
	ns   string
	name string
}

func (e *evaluator) member(obj any, name string) (any, error) {
	switch v := obj.(type) {
	case string:
		if name == "length" {
			return float64(utf8.RuneCountInString(v)), nil
		}
		return nil, e.errf("string has no property %q", name)
	case []any:
		if name == "length" {
			return float64(len(v)), nil
		}
		return nil, e.errf("array has no property %q", name)
	case map[string]any:
		return v[name], nil
	case nil:
		return nil, e.errf("cannot read property %q of null", name)
	}
	return nil, e.errf("cannot read property %q of %s", name, typeName(obj))
}

func (e *evaluator) evalIndex(n *indexNode, scope Scope) (any, error) {
	obj, err := e.eval(n.obj, scope)
	if err != nil {
		return nil, err
	}
	idx, err := e.eval(n.index, scope)
	if err != nil {
		return nil, err
	}
	switch container := obj.(type) {
	case []any:
		i, ok := toNumber(idx)
		if !ok {
			return nil, e.errf("array index must be numeric, got %s", typeName(idx))
		}
		pos := int(i)
		if pos < 0 || pos >= len(container) {
			return nil, e.errf("array index %d out of range (length %d)", pos, len(container))
		}
		return container[pos], nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			if num, numOK := toNumber(idx); numOK {
				key = printNumber(num)
			} else {
				return nil, e.errf("object key must be a string, got %s", typeName(idx))
			}
		}
		return container[key], nil
	case string:
		i, ok := toNumber(idx)
		if !ok {
			return nil, e.errf("string index must be numeric, got %s", typeName(idx))
		}
		runes := []rune(container)
		pos := int(i)
		if pos < 0 || pos >= len(runes) {
			return nil, e.errf("string index %d out of range (length %d)", pos, len(runes))
		}
		return string(runes[pos]), nil
	}
	return nil, e.errf("cannot index %s", typeName(obj))
}

func (e *evaluator) evalUnary(n *unaryNode, scope Scope) (any, error) {
	operand, err := e.eval(n.operand, scope)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokNot:
		return !Truthy(operand), nil
	case tokMinus:
		num, ok := toNumber(operand)
		if !ok {
			return nil, e.errf("cannot negate %s", typeName(operand))
		}
		return -num, nil
	}
	return nil, e.errf("unsupported unary operator")
}

func (e *evaluator) evalBinary(n *binaryNode, scope Scope) (any, error) {
	// Short-circuit operators evaluate the right side lazily.
	switch n.op {
	case tokAnd:
		lhs, err := e.eval(n.lhs, scope)
		if err != nil {
			return nil, err
		}
		if !Truthy(lhs) {
			return false, nil
		}
		rhs, err := e.eval(n.rhs, scope)
		if err != nil {
			return nil, err
		}
		return Truthy(rhs), nil
	case tokOr:
		lhs, err := e.eval(n.lhs, scope)
		if err != nil {
			return nil, err
		}
		if Truthy(lhs) {
			return true, nil
		}
		rhs, err := e.eval(n.rhs, scope)
		if err != nil {
			return nil, err
		}
		return Truthy(rhs), nil
	}

	lhs, err := e.eval(n.lhs, scope)
	if err != nil {
		return nil, err
	}
	rhs, err := e.eval(n.rhs, scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return looseEqual(lhs, rhs), nil
	case tokNeq:
		return !looseEqual(lhs, rhs), nil
	case tokLt, tokLte, tokGt, tokGte:
		return e.compare(n.op, lhs, rhs)
	case tokPlus:
		return e.add(lhs, rhs)
	case tokMinus, tokStar, tokSlash, tokPercent:
		return e.arith(n.op, n.opLit, lhs, rhs)
	}
	return nil, e.errf("unsupported binary operator %q", n.opLit)
}

func (e *evaluator) compare(op tokenType, lhs, rhs any) (any, error) {
	if ls, lok := lhs.(string); lok {
		if rs, rok := rhs.(string); rok {
			switch op {
			case tokLt:
				return ls < rs, nil
			case tokLte:
				return ls <= rs, nil
			case tokGt:
				return ls > rs, nil
			case tokGte:
				return ls >= rs, nil
			}
		}
	}
	ln, lok := toNumber(lhs)
	rn, rok := toNumber(rhs)
	if !lok || !rok {
		return nil, e.errf("cannot compare %s with %s", typeName(lhs), typeName(rhs))
	}
	switch op {
	case tokLt:
		return ln < rn, nil
	case tokLte:
		return ln <= rn, nil
	case tokGt:
		return ln > rn, nil
	case tokGte:
		return ln >= rn, nil
	}
	return nil, e.errf("unsupported comparison")
}

func (e *evaluator) add(lhs, rhs any) (any, error) {
	if ls, ok := lhs.(string); ok {
		return ls + Print(rhs), nil
	}
	if rs, ok := rhs.(string); ok {
		return Print(lhs) + rs, nil
	}
	ln, lok := toNumber(lhs)
	rn, rok := toNumber(rhs)
	if !lok || !rok {
		return nil, e.errf("cannot add %s and %s", typeName(lhs), typeName(rhs))
	}
	return ln + rn, nil
}

func (e *evaluator) arith(op tokenType, opLit string, lhs, rhs any) (any, error) {
	ln, lok := toNumber(lhs)
	rn, rok := toNumber(rhs)
	if !lok || !rok {
		return nil, e.errf("operator %q requires numbers, got %s and %s", opLit, typeName(lhs), typeName(rhs))
	}
	switch op {
	case tokMinus:
		return ln - rn, nil
	case tokStar:
		return ln * rn, nil
	case tokSlash:
		if rn == 0 {
			return nil, e.errf("division by zero")
		}
		return ln / rn, nil
	case tokPercent:
		if rn == 0 {
			return nil, e.errf("division by zero")
		}
		return math.Mod(ln, rn), nil
	}
	return nil, e.errf("unsupported arithmetic operator %q", opLit)
}

func (e *evaluator) evalCall(n *callNode, scope Scope) (any, error) {
	// now() builtin
	if ident, ok := n.callee.(*identNode); ok {
		if _, shadowed := scope.Lookup(ident.name); !shadowed && ident.name == "now" {
			if len(n.args) != 0 {
				return nil, e.errf("now() takes no arguments")
			}
			return time.Now().UTC().Format(time.RFC3339), nil
		}
	}

	if member, ok := n.callee.(*memberNode); ok {
		obj, err := e.eval(member.obj, scope)
		if err != nil {
			return nil, err
		}
		if ref, isBuiltin := obj.(builtinRef); isBuiltin {
			return e.callBuiltin(string(ref), member.name, n.args, scope)
		}
		return e.callMethod(obj, member.name, n.args, scope)
	}

	callee, err := e.eval(n.callee, scope)
	if err != nil {
		return nil, err
	}
	if fn, ok := callee.(*lambdaValue); ok {
		args := make([]any, 0, len(n.args))
		for _, arg := range n.args {
			v, err := e.eval(arg, scope)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return e.applyLambda(fn, args)
	}
	return nil, e.errf("%s is not callable", typeName(callee))
}

func (e *evaluator) callBuiltin(ns, name string, argNodes []Node, scope Scope) (any, error) {
	args := make([]any, 0, len(argNodes))
	for _, arg := range argNodes {
		v, err := e.eval(arg, scope)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	switch ns {
	case "JSON":
		switch name {
		case "parse":
			if len(args) != 1 {
				return nil, e.errf("JSON.parse takes one argument")
			}
			src, ok := args[0].(string)
			if !ok {
				return nil, e.errf("JSON.parse argument must be a string")
			}
			var out any
			if err := json.Unmarshal([]byte(src), &out); err != nil {
				return nil, e.errf("JSON.parse: %v", err)
			}
			return out, nil
		case "stringify":
			if len(args) != 1 {
				return nil, e.errf("JSON.stringify takes one argument")
			}
			out, err := json.Marshal(args[0])
			if err != nil {
				return nil, e.errf("JSON.stringify: %v", err)
			}
			return string(out), nil
		}
		return nil, e.errf("unknown JSON method %q", name)
	case "Math":
		return e.callMath(name, args)
	}
	return nil, e.errf("unknown builtin %q", ns)
}

func (e *evaluator) callMath(name string, args []any) (any, error) {
	nums := make([]float64, 0, len(args))
	for _, arg := range args {
		n, ok := toNumber(arg)
		if !ok {
			return nil, e.errf("Math.%s requires numeric arguments", name)
		}
		nums = append(nums, n)
	}
	one := func() (float64, error) {
		if len(nums) != 1 {
			return 0, e.errf("Math.%s takes one argument", name)
		}
		return nums[0], nil
	}
	switch name {
	case "floor":
		n, err := one()
		if err != nil {
			return nil, err
		}
		return math.Floor(n), nil
	case "ceil":
		n, err := one()
		if err != nil {
			return nil, err
		}
		return math.Ceil(n), nil
	case "round":
		n, err := one()
		if err != nil {
			return nil, err
		}
		// Source-language rounding: halves go toward positive infinity.
		return math.Floor(n + 0.5), nil
	case "abs":
		n, err := one()
		if err != nil {
			return nil, err
		}
		return math.Abs(n), nil
	case "sqrt":
		n, err := one()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, e.errf("Math.sqrt of negative number")
		}
		return math.Sqrt(n), nil
	case "pow":
		if len(nums) != 2 {
			return nil, e.errf("Math.pow takes two arguments")
		}
		return math.Pow(nums[0], nums[1]), nil
	case "min":
		if len(nums) == 0 {
			return nil, e.errf("Math.min requires at least one argument")
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Min(out, n)
		}
		return out, nil
	case "max":
		if len(nums) == 0 {
			return nil, e.errf("Math.max requires at least one argument")
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Max(out, n)
		}
		return out, nil
	}
	return nil, e.errf("unknown Math method %q", name)
}

func (e *evaluator) callMethod(obj any, name string, argNodes []Node, scope Scope) (any, error) {
	args := make([]any, 0, len(argNodes))
	for _, arg := range argNodes {
		v, err := e.eval(arg, scope)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	switch recv := obj.(type) {
	case string:
		return e.stringMethod(recv, name, args)
	case []any:
		return e.arrayMethod(recv, name, args)
	}
	return nil, e.errf("%s has no method %q", typeName(obj), name)
}

func (e *evaluator) stringMethod(recv, name string, args []any) (any, error) {
	str := func(i int) (string, error) {
		if i >= len(args) {
			return "", e.errf("%s: missing argument", name)
		}
		s, ok := args[i].(string)
		if !ok {
			return "", e.errf("%s: argument must be a string", name)
		}
		return s, nil
	}
	switch name {
	case "includes":
		needle, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.Contains(recv, needle), nil
	case "startsWith":
		prefix, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(recv, prefix), nil
	case "endsWith":
		suffix, err := str(0)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(recv, suffix), nil
	case "substring":
		runes := []rune(recv)
		start := 0
		end := len(runes)
		if len(args) >= 1 {
			n, ok := toNumber(args[0])
			if !ok {
				return nil, e.errf("substring: start must be numeric")
			}
			start = clampIndex(int(n), len(runes))
		}
		if len(args) >= 2 {
			n, ok := toNumber(args[1])
			if !ok {
				return nil, e.errf("substring: end must be numeric")
			}
			end = clampIndex(int(n), len(runes))
		}
		if start > end {
			start, end = end, start
		}
		return string(runes[start:end]), nil
	}
	return nil, e.errf("string has no method %q", name)
}

func (e *evaluator) arrayMethod(recv []any, name string, args []any) (any, error) {
	fn := func(i int) (*lambdaValue, error) {
		if i >= len(args) {
			return nil, e.errf("%s: missing callback", name)
		}
		lv, ok := args[i].(*lambdaValue)
		if !ok {
			return nil, e.errf("%s: callback must be an arrow function", name)
		}
		return lv, nil
	}

	switch name {
	case "filter":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(recv))
		for i, item := range recv {
			keep, err := e.applyLambda(cb, []any{item, float64(i)})
			if err != nil {
				return nil, err
			}
			if Truthy(keep) {
				out = append(out, item)
			}
		}
		return out, nil
	case "map":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(recv))
		for i, item := range recv {
			mapped, err := e.applyLambda(cb, []any{item, float64(i)})
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
		return out, nil
	case "reduce":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		var acc any
		start := 0
		if len(args) >= 2 {
			acc = args[1]
		} else {
			if len(recv) == 0 {
				return nil, e.errf("reduce of empty array with no initial value")
			}
			acc = recv[0]
			start = 1
		}
		for i := start; i < len(recv); i++ {
			acc, err = e.applyLambda(cb, []any{acc, recv[i], float64(i)})
			if err != nil {
				return nil, err
			}
		}
		return acc, nil
	case "some":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		for i, item := range recv {
			hit, err := e.applyLambda(cb, []any{item, float64(i)})
			if err != nil {
				return nil, err
			}
			if Truthy(hit) {
				return true, nil
			}
		}
		return false, nil
	case "every":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		for i, item := range recv {
			hit, err := e.applyLambda(cb, []any{item, float64(i)})
			if err != nil {
				return nil, err
			}
			if !Truthy(hit) {
				return false, nil
			}
		}
		return true, nil
	case "findIndex":
		cb, err := fn(0)
		if err != nil {
			return nil, err
		}
		for i, item := range recv {
			hit, err := e.applyLambda(cb, []any{item, float64(i)})
			if err != nil {
				return nil, err
			}
			if Truthy(hit) {
				return float64(i), nil
			}
		}
		return float64(-1), nil
	}
	return nil, e.errf("array has no method %q", name)
}

func (e *evaluator) applyLambda(fn *lambdaValue, args []any) (any, error) {
	frame := make(MapScope, len(fn.node.params))
	for i, param := range fn.node.params {
		if i < len(args) {
			frame[param] = args[i]
		} else {
			frame[param] = nil
		}
	}
	return e.eval(fn.node.body, ChainScope{frame, fn.scope})
}

// Truthy applies source-language truthiness: false, 0, "", and null are
// falsy; everything else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func looseEqual(lhs, rhs any) bool {
	if lhs == nil && rhs == nil {
		return true
	}
	if ln, lok := toNumber(lhs); lok {
		if rn, rok := toNumber(rhs); rok {
			return ln == rn
		}
		return false
	}
	if ls, ok := lhs.(string); ok {
		rs, rok := rhs.(string)
		return rok && ls == rs
	}
	if lb, ok := lhs.(bool); ok {
		rb, rok := rhs.(bool)
		return rok && lb == rb
	}
	return reflect.DeepEqual(lhs, rhs)
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		if _, ok := toNumber(v); ok {
			return "number"
		}
		return fmt.Sprintf("%T", v)
	}
}
