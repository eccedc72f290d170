package engine

import (
	"context"
	"time"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
)

// pendingStep tracks the client step awaiting step_complete.
type pendingStep struct {
	step       *def.Step
	desc       *StepDescriptor
	attempts   int // retry-strategy attempts consumed
	inputTries int // user_input validation attempts consumed
	issuedAt   time.Time
	deadline   time.Time // zero means none
}

// suspendLocked parks the instance on a pending client step until the
// client reports back through step_complete.
func (in *Instance) suspendLocked(p *pendingStep) {
	in.cur.pending = p
	in.status = StatusWaitingForClient
}

// resumeLocked returns a suspended instance to running.
func (in *Instance) resumeLocked() {
	if in.status == StatusWaitingForClient {
		in.status = StatusRunning
	}
}

// GetNextStep advances the instance: server-internal steps run to
// completion synchronously; the first client-delegated step is returned
// as a descriptor. A nil Step with Completed set signals termination.
func (in *Instance) GetNextStep(ctx context.Context) (*NextStep, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status == StatusCancelled {
		return nil, wferrors.New(wferrors.KindCancelled, "workflow is cancelled")
	}
	if in.status == StatusFailed {
		// failed instances stay queryable through status and state reads
		// but reject polling; the stored terminal error is the rejection
		return nil, in.finalErr
	}
	if in.status.Terminal() {
		return in.terminalLocked(), nil
	}
	if err := in.checkDeadlineLocked(); err != nil {
		return in.terminalLocked(), nil
	}
	in.touch()

	if p := in.cur.pending; p != nil {
		switch {
		case in.parallel != nil && in.parallel.step.ID == p.step.ID && !in.parallel.waitForAll:
			// wait_for_all: false lets the parent run ahead of its tasks;
			// aggregation is merged when the last task finishes.
			in.cur.pending = nil
			in.resumeLocked()
		case in.parallel != nil && in.parallel.step.ID == p.step.ID && in.joinParallelLocked():
			// all tasks terminal (or past the fan-out deadline); proceed
		default:
			return &NextStep{Step: p.desc, Status: in.status}, nil
		}
	}
	return in.advance(ctx)
}

// advance runs the interpreter until a client step, a join point, or
// termination. Caller holds the lock.
func (in *Instance) advance(ctx context.Context) (*NextStep, error) {
	for {
		if in.status.Terminal() {
			return in.terminalLocked(), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, wferrors.Wrap(wferrors.KindCancelled, "request cancelled", err)
		}
		if err := in.checkDeadlineLocked(); err != nil {
			return in.terminalLocked(), nil
		}

		f := in.cur.top()
		if f == nil {
			in.completeLocked()
			return in.terminalLocked(), nil
		}
		if f.PC >= len(f.Steps) {
			if res := in.frameEnd(f); res != nil {
				return res, nil
			}
			continue
		}

		step := &f.Steps[f.PC]
		if step.IsClientStep() {
			// emitClientStep advances the PC itself, including on error
			desc, wait, err := in.emitClientStep(f, step)
			if err != nil {
				if res := in.handleStepError(step, wferrors.AsRich(err)); res != resProceed {
					return in.terminalLocked(), nil
				}
				continue
			}
			if !wait {
				// empty parallel fan-out resolved inline
				continue
			}
			return &NextStep{Step: desc, Status: in.status}, nil
		}

		if res := in.executeInternal(ctx, f, step); res != resProceed {
			return in.terminalLocked(), nil
		}
	}
}

// frameEnd handles a frame whose PC ran past its steps: branch and root
// frames pop, loop frames re-evaluate. Returns a NextStep only on
// termination.
func (in *Instance) frameEnd(f *Frame) *NextStep {
	switch f.Kind {
	case FrameWhile:
		again, err := in.whileContinues(f)
		if err != nil {
			if in.handleStepError(f.Owner, wferrors.AsRich(err)) != resProceed {
				return in.terminalLocked()
			}
			in.cur.pop()
			return nil
		}
		if !again {
			in.cur.pop()
			return nil
		}
		if f.Iteration+1 > f.MaxIterations {
			rich := wferrors.Newf(wferrors.KindLoopBound,
				"while loop exceeded max_iterations (%d)", f.MaxIterations).
				With("step_id", f.Owner.ID)
			if in.handleStepError(f.Owner, rich) != resProceed {
				return in.terminalLocked()
			}
			in.cur.pop()
			return nil
		}
		f.Iteration++
		f.Vars["attempt_number"] = float64(f.Iteration)
		f.PC = 0
	case FrameForeach:
		f.Index++
		if f.Index >= len(f.Items) {
			in.cur.pop()
			return nil
		}
		f.Vars["item"] = f.Items[f.Index]
		f.Vars["index"] = float64(f.Index)
		f.PC = 0
	default:
		in.cur.pop()
	}
	return nil
}

// whileContinues re-evaluates the loop condition against the live view.
// Body writes from the finished iteration are already applied and
// recomputed, so the condition always observes fresh values.
func (in *Instance) whileContinues(f *Frame) (bool, error) {
	return expression.EvalCondition(f.Owner.Condition, in.scope())
}

// executeInternal dispatches one server-internal step. Compound steps
// push frames; leaf steps mutate state.
func (in *Instance) executeInternal(ctx context.Context, f *Frame, step *def.Step) resolution {
	in.counters.StepsByType[step.Type]++
	in.cfg.Hooks.stepExecuted(in.Def.Name, step.Type)

	var err error
	switch step.Type {
	case def.StepStateUpdate:
		err = in.execStateUpdate(step)
		f.PC++
	case def.StepShellCommand:
		f.PC++
		return in.execServerShell(ctx, step)
	case def.StepConditional:
		err = in.execConditional(f, step)
	case def.StepWhile:
		err = in.execWhile(f, step)
	case def.StepForeach:
		err = in.execForeach(f, step)
	case def.StepBreak:
		in.execBreak()
		in.traceStep(step, "loop exited")
		return resProceed
	case def.StepContinue:
		in.execContinue()
		in.traceStep(step, "iteration skipped")
		return resProceed
	default:
		err = wferrors.Newf(wferrors.KindInternal, "unexpected server step type %q", step.Type)
		f.PC++
	}

	if err != nil {
		in.traceStep(step, "error: "+wferrors.AsRich(err).Message)
		return in.handleStepError(step, wferrors.AsRich(err))
	}
	in.traceStep(step, "ok")
	return resProceed
}

func (in *Instance) execConditional(f *Frame, step *def.Step) error {
	ok, err := expression.EvalCondition(step.Condition, in.scope())
	if err != nil {
		f.PC++
		return err
	}
	f.PC++
	branch := step.ThenSteps
	if !ok {
		branch = step.ElseSteps
	}
	if len(branch) > 0 {
		in.cur.push(&Frame{Kind: FrameBranch, Steps: branch})
	}
	return nil
}

func (in *Instance) execWhile(f *Frame, step *def.Step) error {
	ok, err := expression.EvalCondition(step.Condition, in.scope())
	if err != nil {
		f.PC++
		return err
	}
	f.PC++
	if !ok {
		return nil
	}
	max := step.MaxIterations
	if max <= 0 {
		max = def.DefaultMaxIterations
	}
	in.cur.push(&Frame{
		Kind:          FrameWhile,
		Steps:         step.Body,
		Owner:         step,
		Iteration:     1,
		MaxIterations: max,
		Vars:          map[string]any{"attempt_number": float64(1)},
	})
	return nil
}

func (in *Instance) execForeach(f *Frame, step *def.Step) error {
	v, err := expression.Eval(expression.ConditionSource(step.Items), in.scope())
	if err != nil {
		f.PC++
		return err
	}
	items, ok := v.([]any)
	if !ok {
		f.PC++
		return wferrors.Newf(wferrors.KindExpression,
			"foreach items %q did not evaluate to a sequence", step.Items)
	}
	f.PC++
	if len(items) == 0 {
		return nil
	}
	in.cur.push(&Frame{
		Kind:  FrameForeach,
		Steps: step.Body,
		Owner: step,
		Items: items,
		Vars: map[string]any{
			"item":  items[0],
			"index": float64(0),
			"total": float64(len(items)),
		},
	})
	return nil
}

// execBreak pops frames up to and including the innermost loop. The frame
// below already advanced past the loop step when it was pushed.
func (in *Instance) execBreak() {
	depth := in.cur.loopDepth()
	if depth < 0 {
		return
	}
	in.cur.frames = in.cur.frames[:depth]
}

// execContinue pops frames above the innermost loop and exhausts the loop
// frame's PC, which routes control to the loop-head logic in frameEnd.
func (in *Instance) execContinue() {
	depth := in.cur.loopDepth()
	if depth < 0 {
		return
	}
	in.cur.frames = in.cur.frames[:depth+1]
	loop := in.cur.frames[depth]
	loop.PC = len(loop.Steps)
}

// StepComplete accepts the client's result for the pending step.
func (in *Instance) StepComplete(ctx context.Context, stepID string, result StepResult) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status == StatusCancelled {
		return wferrors.New(wferrors.KindCancelled, "workflow is cancelled")
	}
	if in.status.Terminal() {
		return wferrors.Newf(wferrors.KindValidation, "workflow is %s", in.status)
	}
	if err := in.checkDeadlineLocked(); err != nil {
		return err
	}
	in.touch()

	if in.parallel != nil && stepID == in.parallel.step.ID {
		return in.parallelStepComplete()
	}

	p := in.cur.pending
	if p == nil {
		return wferrors.Newf(wferrors.KindValidation, "no step is pending completion")
	}
	if p.step.ID != stepID {
		return wferrors.Newf(wferrors.KindValidation,
			"step %q is not pending (expected %q)", stepID, p.step.ID)
	}
	in.resumeLocked()

	if !p.deadline.IsZero() && in.cfg.Now().After(p.deadline) {
		rich := wferrors.Newf(wferrors.KindTimeout, "step %q exceeded its %ds timeout",
			p.step.ID, p.step.Timeout)
		in.resolveClientError(p, rich)
		return nil
	}

	switch result.Status {
	case ResultOK, "":
		if err := in.acceptResult(p, result); err != nil {
			in.resolveClientError(p, wferrors.AsRich(err))
		}
		return nil
	case ResultTimeout:
		in.resolveClientError(p, clientRich(wferrors.KindTimeout, p.step, result.Error))
		return nil
	case ResultCancelled:
		in.cancelLocked()
		return nil
	case ResultError:
		in.resolveClientError(p, clientRich(wferrors.KindTool, p.step, result.Error))
		return nil
	}
	return wferrors.Newf(wferrors.KindValidation, "unknown result status %q", result.Status)
}

// resolveClientError runs the strategy pipeline for a failed client step.
// Retry keeps the step pending for re-issue; every other outcome clears it.
func (in *Instance) resolveClientError(p *pendingStep, rich *wferrors.Rich) {
	switch in.handleClientError(p, rich) {
	case resRetryClient:
		// pending stays; next get_next_step re-issues the descriptor
		in.status = StatusWaitingForClient
	default:
		in.cur.pending = nil
	}
}

func clientRich(kind wferrors.Kind, step *def.Step, re *StepError) *wferrors.Rich {
	msg := "client reported failure"
	if re != nil && re.Message != "" {
		msg = re.Message
	}
	rich := wferrors.Newf(kind, "step %q: %s", step.ID, msg)
	if re != nil && re.Context != nil {
		rich = rich.With("client_context", re.Context)
	}
	return rich
}

// terminalLocked builds the completion signal for a finished instance.
func (in *Instance) terminalLocked() *NextStep {
	out := &NextStep{Completed: true, Status: in.status}
	if in.finalErr != nil {
		out.Error = in.finalErr.Envelope()
	}
	return out
}

func (in *Instance) completeLocked() {
	in.status = StatusCompleted
	in.touch()
	in.logger.Info("workflow completed",
		"steps", in.counters.StepsByType, "errors", in.counters.Errors)
}

func (in *Instance) failLocked(rich *wferrors.Rich) {
	in.status = StatusFailed
	in.finalErr = rich
	in.cur.pending = nil
	in.touch()
	in.cfg.Hooks.stepFailed(in.Def.Name, string(rich.Kind))
	in.logger.Error("workflow failed", "kind", rich.Kind, "error", rich.Message)
}

// checkDeadlineLocked fails the instance when the workflow-level deadline
// has passed. Workflow timeouts are not subject to step strategies.
func (in *Instance) checkDeadlineLocked() error {
	if in.deadline.IsZero() || in.cfg.Now().Before(in.deadline) {
		return nil
	}
	rich := wferrors.Newf(wferrors.KindTimeout,
		"workflow exceeded its %ds deadline", in.Def.Config.TimeoutSeconds)
	in.failLocked(rich)
	return rich
}

func (in *Instance) traceStep(step *def.Step, outcome string) {
	if !in.cfg.Debug {
		return
	}
	in.trace = append(in.trace, TraceEntry{StepID: step.ID, Type: step.Type, Outcome: outcome})
}

// drainTrace attaches accumulated debug entries to a descriptor.
func (in *Instance) drainTrace(desc *StepDescriptor) {
	if !in.cfg.Debug || len(in.trace) == 0 {
		return
	}
	desc.InternalTrace = in.trace
	in.trace = nil
}
