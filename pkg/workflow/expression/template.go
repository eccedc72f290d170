package expression

import (
	"encoding/json"
	"strconv"
	"strings"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Interpolate substitutes every {{ expr }} fragment in a template string
// against the scope. Non-string values are coerced with Print.
func Interpolate(template string, scope Scope) (string, error) {
	if !strings.Contains(template, openDelim) {
		return template, nil
	}
	var sb strings.Builder
	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		rest = rest[start+len(openDelim):]
		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return "", wferrors.Newf(wferrors.KindExpression, "unterminated {{ in template %q", template)
		}
		src := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeDelim):]
		if src == "" {
			continue
		}
		v, err := Eval(src, scope)
		if err != nil {
			return "", err
		}
		sb.WriteString(Print(v))
	}
}

// EvalCondition evaluates a condition string to a boolean. Conditions may
// be written bare ("state.n < 10") or wrapped in a single template
// fragment ("{{ state.n < 10 }}"); both forms evaluate the expression
// directly rather than comparing interpolated text.
func EvalCondition(condition string, scope Scope) (bool, error) {
	src := ConditionSource(condition)
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// ConditionSource strips a single {{ }} wrapper from a condition string.
func ConditionSource(condition string) string {
	trimmed := strings.TrimSpace(condition)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		if !strings.Contains(inner, openDelim) {
			return strings.TrimSpace(inner)
		}
	}
	return trimmed
}

// Fragments returns the expression sources of every {{ expr }} fragment
// in a template. Load-time validation parses each one.
func Fragments(template string) ([]string, error) {
	var out []string
	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return out, nil
		}
		rest = rest[start+len(openDelim):]
		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return nil, wferrors.Newf(wferrors.KindExpression, "unterminated {{ in template %q", template)
		}
		src := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeDelim):]
		if src != "" {
			out = append(out, src)
		}
	}
}

// Print renders a value for template substitution: numbers as canonical
// decimal, booleans lowercase, null as "null", mappings and sequences as
// JSON, strings as-is.
func Print(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case []any, map[string]any:
		out, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(out)
	default:
		if n, ok := toNumber(v); ok {
			return printNumber(n)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(out)
	}
}

func printNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
