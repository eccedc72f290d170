package engine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
	"github.com/aromcp/workflow-server/pkg/workflow/runner"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// execStateUpdate resolves the value template and applies one update.
func (in *Instance) execStateUpdate(step *def.Step) error {
	value, err := resolveValue(step.Value, in.scope())
	if err != nil {
		return err
	}
	op := state.Op(step.Operation)
	if op == "" {
		op = state.OpSet
	}
	return in.applyUpdates([]state.Update{{Path: step.Path, Op: op, Value: value}})
}

// applyUpdates routes writes to the right store. Workflow instances write
// their own store; sub-agent contexts write their local namespace, except
// for the pre-declared aggregation slot which writes through to the
// parent store under its lock.
func (in *Instance) applyUpdates(updates []state.Update) error {
	if in.agg == nil {
		return in.store.Apply(updates)
	}
	var local, parent []state.Update
	for _, u := range updates {
		p, err := state.ParsePath(u.Path)
		if err != nil {
			return err
		}
		if p.Root() != "state" {
			local = append(local, u)
			continue
		}
		if !p.HasPrefix(in.agg.prefix) {
			return wferrors.Newf(wferrors.KindPath,
				"sub-agent may only write local.* or the aggregation slot %s", in.agg.prefix).
				With("path", u.Path)
		}
		parent = append(parent, u)
	}
	if err := in.store.Apply(local); err != nil {
		return err
	}
	return in.agg.parent.Apply(parent)
}

// writeStatePath sets a step's output at its declared state path, if any.
func (in *Instance) writeStatePath(step *def.Step, value any) error {
	if step.StatePath == "" {
		return nil
	}
	return in.applyUpdates([]state.Update{{Path: step.StatePath, Op: state.OpSet, Value: value}})
}

// resolveValue substitutes templates inside a step value. A string that is
// exactly one {{ expr }} fragment evaluates to the expression's typed
// value; any other string interpolates to text. Mappings and sequences
// resolve recursively.
func resolveValue(v any, scope expression.Scope) (any, error) {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
			strings.Count(trimmed, "{{") == 1 {
			return expression.Eval(expression.ConditionSource(trimmed), scope)
		}
		return expression.Interpolate(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			r, err := resolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := resolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// execServerShell runs a server-context shell command, retrying inline
// under the retry strategy before falling through to the remaining
// strategies.
func (in *Instance) execServerShell(ctx context.Context, step *def.Step) resolution {
	cmd, err := expression.Interpolate(step.Command, in.scope())
	if err != nil {
		in.traceStep(step, "error: "+wferrors.AsRich(err).Message)
		return in.handleStepError(step, wferrors.AsRich(err))
	}

	attempts := 1
	eh := step.ErrorHandling
	if eh != nil && eh.Strategy == def.StrategyRetry && eh.MaxRetries > 0 {
		attempts += eh.MaxRetries
	}

	var res *runner.Result
	var runErr error
	timeout := time.Duration(step.Timeout) * time.Second
	for i := 0; i < attempts; i++ {
		if i > 0 {
			in.counters.Retries++
			in.cfg.Hooks.stepRetried(in.Def.Name)
			in.cfg.Sleep(in.backoffDelay(i-1, eh))
			in.logger.Warn("retrying command", "step", step.ID, "attempt", i+1)
		}
		res, runErr = in.cfg.Runner.Run(ctx, cmd, timeout)
		if runErr == nil {
			break
		}
		if wferrors.Terminal(wferrors.KindOf(runErr)) {
			break
		}
	}

	if runErr != nil {
		in.traceStep(step, "error: "+wferrors.AsRich(runErr).Message)
		return in.resolveExhausted(step, wferrors.AsRich(runErr))
	}
	if err := in.writeStatePath(step, shellFacet(step.Capture, resultMap(res))); err != nil {
		in.traceStep(step, "error: "+wferrors.AsRich(err).Message)
		return in.handleStepError(step, wferrors.AsRich(err))
	}
	in.traceStep(step, "ok")
	return resProceed
}

// shellFacet selects the captured portion of a command result.
func shellFacet(capture string, out map[string]any) any {
	switch capture {
	case "stdout":
		return out["stdout"]
	case "stderr":
		return out["stderr"]
	case "exit_code":
		return out["exit_code"]
	default: // "all" or unset
		return out
	}
}

func resultMap(r *runner.Result) map[string]any {
	return map[string]any{
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"exit_code": float64(r.ExitCode),
	}
}

// emitClientStep builds the descriptor for a client-delegated step and
// suspends the interpreter on it. Consecutive user_message steps batch
// into one descriptor. Returns wait=false when the step resolved inline
// (empty parallel fan-out).
func (in *Instance) emitClientStep(f *Frame, step *def.Step) (*StepDescriptor, bool, error) {
	scope := in.scope()

	if step.Type == def.StepParallelForeach {
		return in.startParallel(f, step)
	}

	in.counters.StepsByType[step.Type]++
	in.cfg.Hooks.stepExecuted(in.Def.Name, step.Type)

	desc := &StepDescriptor{ID: step.ID, Type: step.Type}
	definition := map[string]any{}

	switch step.Type {
	case def.StepUserMessage:
		messages, last, err := in.batchMessages(f, scope)
		if err != nil {
			return nil, false, err
		}
		definition["messages"] = messages
		step = last
		desc.ID = step.ID
	case def.StepUserInput:
		prompt, err := expression.Interpolate(step.Prompt, scope)
		if err != nil {
			f.PC++
			return nil, false, err
		}
		definition["prompt"] = prompt
		if step.Pattern != "" {
			definition["pattern"] = step.Pattern
		}
		if len(step.Choices) > 0 {
			definition["choices"] = step.Choices
		}
		f.PC++
	case def.StepMCPCall:
		params, err := resolveValue(step.Parameters, scope)
		if err != nil {
			f.PC++
			return nil, false, err
		}
		definition["tool"] = step.Tool
		definition["parameters"] = params
		if step.StatePath != "" {
			definition["state_path"] = step.StatePath
		}
		f.PC++
	case def.StepAgentPrompt:
		prompt, err := expression.Interpolate(step.Prompt, scope)
		if err != nil {
			f.PC++
			return nil, false, err
		}
		definition["prompt"] = prompt
		f.PC++
	case def.StepAgentResponse:
		definition["response_schema"] = step.ResponseSchema
		if step.StatePath != "" {
			definition["state_path"] = step.StatePath
		}
		f.PC++
	case def.StepAgentShell, def.StepShellCommand:
		cmd, err := expression.Interpolate(step.Command, scope)
		if err != nil {
			f.PC++
			return nil, false, err
		}
		definition["command"] = cmd
		if step.Capture != "" {
			definition["capture"] = step.Capture
		}
		if step.StatePath != "" {
			definition["state_path"] = step.StatePath
		}
		f.PC++
	case def.StepWaitStep:
		if step.Message != "" {
			msg, err := expression.Interpolate(step.Message, scope)
			if err != nil {
				f.PC++
				return nil, false, err
			}
			definition["message"] = msg
		}
		f.PC++
	default:
		f.PC++
		return nil, false, wferrors.Newf(wferrors.KindInternal,
			"unexpected client step type %q", step.Type)
	}

	desc.Definition = definition
	desc.Instructions = instructionsFor(desc.Type)
	in.drainTrace(desc)

	now := in.cfg.Now()
	p := &pendingStep{step: step, desc: desc, issuedAt: now}
	if step.Timeout > 0 {
		p.deadline = now.Add(time.Duration(step.Timeout) * time.Second)
	}
	if !in.deadline.IsZero() && (p.deadline.IsZero() || in.deadline.Before(p.deadline)) {
		p.deadline = in.deadline
	}
	in.suspendLocked(p)
	return desc, true, nil
}

// batchMessages collects the run of consecutive user_message steps
// starting at the frame's PC, advancing past all of them. Returns the
// interpolated messages and the last step of the run, which owns the
// descriptor id.
func (in *Instance) batchMessages(f *Frame, scope expression.Scope) ([]string, *def.Step, error) {
	var messages []string
	var last *def.Step
	for f.PC < len(f.Steps) && f.Steps[f.PC].Type == def.StepUserMessage {
		step := &f.Steps[f.PC]
		msg, err := expression.Interpolate(step.Message, scope)
		if err != nil {
			if last != nil {
				// deliver what already interpolated; the failing step
				// gets its own turn, under its own error handling, on
				// the next poll
				return messages, last, nil
			}
			f.PC++
			return nil, nil, err
		}
		if last != nil {
			// batched follow-ups count as executed too
			in.counters.StepsByType[step.Type]++
			in.cfg.Hooks.stepExecuted(in.Def.Name, step.Type)
		}
		messages = append(messages, msg)
		last = step
		f.PC++
	}
	return messages, last, nil
}

// acceptResult processes an ok result for the pending step. On success
// the pending slot is cleared; a nil return with pending intact means the
// step was re-issued (user_input re-prompt).
func (in *Instance) acceptResult(p *pendingStep, result StepResult) error {
	step := p.step
	switch step.Type {
	case def.StepUserMessage, def.StepWaitStep, def.StepAgentPrompt:
		in.cur.pending = nil
		return nil

	case def.StepUserInput:
		if err := validateUserInput(step, result.Output); err != nil {
			max := 0
			if step.ErrorHandling != nil {
				max = step.ErrorHandling.MaxRetries
			}
			if p.inputTries < max {
				p.inputTries++
				in.counters.Retries++
				in.cfg.Hooks.stepRetried(in.Def.Name)
				in.logger.Warn("input rejected, re-prompting",
					"step", step.ID, "attempt", p.inputTries)
				in.status = StatusWaitingForClient
				return nil
			}
			// re-prompts already spent the step's retry budget; a retry
			// strategy must not grant a second round
			p.attempts = max
			return wferrors.Wrap(wferrors.KindValidationRejected,
				"input rejected after retries", err).With("step_id", step.ID)
		}
		if err := in.writeStatePath(step, normalizeJSON(result.Output)); err != nil {
			return err
		}
		in.cur.pending = nil
		return nil

	case def.StepMCPCall:
		if err := in.writeStatePath(step, normalizeJSON(result.Output)); err != nil {
			return err
		}
		in.cur.pending = nil
		return nil

	case def.StepAgentResponse:
		output := normalizeJSON(result.Output)
		if step.ResponseSchema != nil {
			schema, err := def.CompileSchema(step.ResponseSchema)
			if err != nil {
				return err
			}
			if err := schema.Validate(output); err != nil {
				return wferrors.Wrap(wferrors.KindValidationRejected,
					"response rejected by schema", err).With("step_id", step.ID)
			}
		}
		if err := in.writeStatePath(step, output); err != nil {
			return err
		}
		in.cur.pending = nil
		return nil

	case def.StepAgentShell, def.StepShellCommand:
		out := coerceShellOutput(result.Output)
		if err := in.writeStatePath(step, shellFacet(step.Capture, out)); err != nil {
			return err
		}
		if code, _ := out["exit_code"].(float64); code != 0 {
			return wferrors.Newf(wferrors.KindTool,
				"command exited with code %d", int(code)).
				With("step_id", step.ID).
				With("stderr", out["stderr"])
		}
		in.cur.pending = nil
		return nil
	}
	return wferrors.Newf(wferrors.KindInternal, "unexpected pending step type %q", step.Type)
}

// validateUserInput checks a reported value against the step's choice
// list and pattern.
func validateUserInput(step *def.Step, output any) error {
	value := expression.Print(normalizeJSON(output))
	if len(step.Choices) > 0 {
		for _, c := range step.Choices {
			if value == c {
				return nil
			}
		}
		return wferrors.Newf(wferrors.KindValidation,
			"%q is not one of the allowed choices", value)
	}
	if step.Pattern != "" {
		re, err := regexp.Compile(step.Pattern)
		if err != nil {
			return wferrors.Wrap(wferrors.KindValidation, "invalid input pattern", err)
		}
		if !re.MatchString(value) {
			return wferrors.Newf(wferrors.KindValidation,
				"input does not match pattern %q", step.Pattern)
		}
	}
	return nil
}

// coerceShellOutput normalizes a client-reported command result.
func coerceShellOutput(output any) map[string]any {
	out := map[string]any{"stdout": "", "stderr": "", "exit_code": float64(0)}
	m, ok := normalizeJSON(output).(map[string]any)
	if !ok {
		if s, isStr := output.(string); isStr {
			out["stdout"] = s
		}
		return out
	}
	if v, ok := m["stdout"].(string); ok {
		out["stdout"] = v
	}
	if v, ok := m["stderr"].(string); ok {
		out["stderr"] = v
	}
	if v, ok := m["exit_code"].(float64); ok {
		out["exit_code"] = v
	}
	return out
}
