// Package errors provides the single rich error type used across the
// workflow engine. Every failure that crosses a component boundary is a
// *Rich carrying a stable Kind, so transport layers and the per-step
// error-handling pipeline can dispatch without string matching.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// Kind is a stable identifier for cross-layer error classification.
type Kind string

const (
	// KindValidation marks load-time schema or semantic failures.
	KindValidation Kind = "ValidationError"
	// KindPath marks writes to non-writable targets or reads of undeclared paths.
	KindPath Kind = "PathError"
	// KindExpression marks expression evaluation failures.
	KindExpression Kind = "ExpressionError"
	// KindTimeout marks step, sub-agent, or workflow deadline expiry.
	KindTimeout Kind = "Timeout"
	// KindTool marks client-reported tool or shell failures.
	KindTool Kind = "ToolError"
	// KindValidationRejected marks responses or inputs that failed their schema.
	KindValidationRejected Kind = "ValidationRejected"
	// KindLoopBound marks loops that exceeded max_iterations.
	KindLoopBound Kind = "LoopBound"
	// KindCancelled marks external cancellation.
	KindCancelled Kind = "Cancelled"
	// KindInternal marks engine bugs; always fatal.
	KindInternal Kind = "Internal"
)

// Rich wraps every error flowing through the engine.
type Rich struct {
	Kind     Kind           `json:"kind"`
	Message  string         `json:"message"`
	Location string         `json:"location,omitempty"`
	Cause    error          `json:"-"`
	Context  map[string]any `json:"context,omitempty"`
}

// Error implements error.
func (r *Rich) Error() string { return fmt.Sprintf("%s: %s", r.Kind, r.Message) }

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (r *Rich) Unwrap() error { return r.Cause }

// Is matches on Kind so callers can test errors.Is(err, &Rich{Kind: KindTimeout}).
func (r *Rich) Is(target error) bool {
	if rich, ok := target.(*Rich); ok {
		return r.Kind == rich.Kind
	}
	return errors.Is(r.Cause, target)
}

// New builds a Rich error in one line.
//
//	errors.New(errors.KindPath, "write target not writable: computed.y")
func New(kind Kind, msg string) *Rich {
	_, file, line, _ := runtime.Caller(1)
	return &Rich{
		Kind:     kind,
		Message:  msg,
		Location: fmt.Sprintf("%s:%d", file, line),
	}
}

// Newf builds a Rich error from a format string.
func Newf(kind Kind, format string, args ...any) *Rich {
	_, file, line, _ := runtime.Caller(1)
	return &Rich{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Location: fmt.Sprintf("%s:%d", file, line),
	}
}

// Wrap attaches a cause to a new Rich error.
func Wrap(kind Kind, msg string, cause error) *Rich {
	_, file, line, _ := runtime.Caller(1)
	return &Rich{
		Kind:     kind,
		Message:  msg,
		Cause:    cause,
		Location: fmt.Sprintf("%s:%d", file, line),
	}
}

// With adds a context field and returns the error for chaining.
func (r *Rich) With(key string, val any) *Rich {
	if r.Context == nil {
		r.Context = make(map[string]any, 4)
	}
	r.Context[key] = val
	return r
}

// JSON renders the error envelope payload.
func (r *Rich) JSON() string {
	out, _ := json.Marshal(r)
	return string(out)
}

// Envelope renders the error as a generic mapping, the shape stored at
// error_state_path targets and returned by the control API.
func (r *Rich) Envelope() map[string]any {
	out := map[string]any{
		"kind":    string(r.Kind),
		"message": r.Message,
	}
	if len(r.Context) > 0 {
		ctx := make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			ctx[k] = v
		}
		out["context"] = ctx
	}
	return out
}

// AsRich converts any error into a *Rich, defaulting unknown errors to
// KindInternal so they terminate the workflow rather than being retried.
func AsRich(err error) *Rich {
	if err == nil {
		return nil
	}
	var rich *Rich
	if errors.As(err, &rich) {
		return rich
	}
	return &Rich{Kind: KindInternal, Message: err.Error(), Cause: err}
}

// Terminal reports whether the kind bypasses per-step error handling.
// ValidationError and Internal never enter the strategy pipeline.
func Terminal(kind Kind) bool {
	return kind == KindValidation || kind == KindInternal
}

// KindOf returns the Kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	return AsRich(err).Kind
}
