package engine

import (
	"time"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// resolution is the outcome of the per-step error strategy pipeline.
type resolution int

const (
	// resProceed continues the workflow past the failed step.
	resProceed resolution = iota
	// resRetryClient re-issues the pending descriptor on the next poll.
	resRetryClient
	// resFailed terminated the workflow.
	resFailed
)

// handleStepError applies a step's error strategy once retries are
// exhausted (or were never applicable). ValidationError and Internal
// bypass strategies and always fail the workflow.
func (in *Instance) handleStepError(step *def.Step, rich *wferrors.Rich) resolution {
	in.counters.Errors++
	in.cfg.Hooks.stepFailed(in.Def.Name, string(rich.Kind))
	in.recordError(step, rich)

	if wferrors.Terminal(rich.Kind) {
		in.failLocked(rich)
		return resFailed
	}

	strategy := def.StrategyFail
	var eh *def.ErrorHandling
	if step != nil {
		eh = step.ErrorHandling
	}
	if eh != nil && eh.Strategy != "" {
		strategy = eh.Strategy
	}

	switch strategy {
	case def.StrategyContinue:
		in.logger.Warn("step failed, continuing",
			"step", stepID(step), "kind", rich.Kind, "error", rich.Message)
		return resProceed
	case def.StrategyFallback:
		return in.applyFallback(step, eh, rich)
	case def.StrategyRetry:
		// retries already consumed by the caller; a declared fallback
		// value absorbs the exhausted failure
		if eh.FallbackValue != nil {
			return in.applyFallback(step, eh, rich)
		}
		in.failLocked(rich)
		return resFailed
	default:
		in.failLocked(rich)
		return resFailed
	}
}

// resolveExhausted is handleStepError for server-side steps whose inline
// retry loop already ran.
func (in *Instance) resolveExhausted(step *def.Step, rich *wferrors.Rich) resolution {
	return in.handleStepError(step, rich)
}

// handleClientError resolves a failed client step: consume a retry if the
// strategy grants one, otherwise fall through to the shared pipeline.
func (in *Instance) handleClientError(p *pendingStep, rich *wferrors.Rich) resolution {
	eh := p.step.ErrorHandling
	if !wferrors.Terminal(rich.Kind) && eh != nil &&
		eh.Strategy == def.StrategyRetry && p.attempts < eh.MaxRetries {
		p.attempts++
		in.counters.Errors++
		in.counters.Retries++
		in.cfg.Hooks.stepRetried(in.Def.Name)
		in.logger.Warn("step failed, re-issuing",
			"step", p.step.ID, "attempt", p.attempts+1, "kind", rich.Kind)
		return resRetryClient
	}
	return in.handleStepError(p.step, rich)
}

// applyFallback substitutes the declared fallback value as the step's
// output and proceeds.
func (in *Instance) applyFallback(step *def.Step, eh *def.ErrorHandling, rich *wferrors.Rich) resolution {
	if err := in.writeStatePath(step, eh.FallbackValue); err != nil {
		in.failLocked(wferrors.AsRich(err))
		return resFailed
	}
	in.logger.Warn("step failed, using fallback value",
		"step", stepID(step), "kind", rich.Kind)
	return resProceed
}

// recordError writes the failure to the step's error_state_path, if
// declared. Recording is best-effort.
func (in *Instance) recordError(step *def.Step, rich *wferrors.Rich) {
	if step == nil || step.ErrorHandling == nil || step.ErrorHandling.ErrorStatePath == "" {
		return
	}
	err := in.applyUpdates([]state.Update{{
		Path:  step.ErrorHandling.ErrorStatePath,
		Op:    state.OpSet,
		Value: rich.Envelope(),
	}})
	if err != nil {
		in.logger.Warn("cannot record step error", "step", stepID(step), "error", err)
	}
}

// backoffDelay is capped exponential backoff: base doubles per attempt.
func (in *Instance) backoffDelay(attempt int, eh *def.ErrorHandling) time.Duration {
	base := in.cfg.BackoffBase
	if eh != nil && eh.BackoffMS > 0 {
		base = time.Duration(eh.BackoffMS) * time.Millisecond
	}
	delay := base << attempt
	if delay > in.cfg.BackoffCap || delay <= 0 {
		delay = in.cfg.BackoffCap
	}
	return delay
}

func stepID(step *def.Step) string {
	if step == nil {
		return ""
	}
	return step.ID
}
