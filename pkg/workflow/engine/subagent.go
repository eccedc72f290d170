package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// DefaultAggregationPath receives sub-agent results when parallel_foreach
// declares no state_path.
const DefaultAggregationPath = "state.subagent_results"

// aggRedirect routes a sub-agent's aggregation-slot writes to the parent
// store, serialized by the parent store's lock.
type aggRedirect struct {
	prefix state.Path
	parent *state.Store
}

// parallelState tracks one active parallel_foreach fan-out.
type parallelState struct {
	step       *def.Step
	desc       *StepDescriptor
	aggPath    string
	agents     map[string]*SubAgent
	order      []string
	waitForAll bool
	deadline   time.Time // zero means none
}

// SubAgent is one isolated sub-agent context: its own local namespace and
// frame stack, a frozen snapshot of the parent's inputs and computed
// tiers, and write-through access to the aggregation slot.
type SubAgent struct {
	TaskID string
	inner  *Instance
}

// startParallel fans a parallel_foreach step out into sub-agent contexts
// and emits the parallel_tasks descriptor. Empty item sequences resolve
// inline with an empty aggregation mapping.
func (in *Instance) startParallel(f *Frame, step *def.Step) (*StepDescriptor, bool, error) {
	if in.agg != nil {
		f.PC++
		return nil, false, wferrors.New(wferrors.KindValidation,
			"parallel_foreach is not allowed inside a sub-agent task")
	}
	if in.parallel != nil {
		if !in.joinParallelLocked() {
			// a wait_for_all:false fan-out is still outstanding; park the
			// parent on it until the remaining tasks finish, then come
			// back to this step
			ps := in.parallel
			ps.waitForAll = true
			in.suspendLocked(&pendingStep{
				step: ps.step, desc: ps.desc, issuedAt: in.cfg.Now(), deadline: ps.deadline,
			})
			return ps.desc, true, nil
		}
		if in.status.Terminal() {
			// the forced join failed the workflow
			return nil, false, nil
		}
	}

	in.counters.StepsByType[step.Type]++
	in.cfg.Hooks.stepExecuted(in.Def.Name, step.Type)

	v, err := expression.Eval(expression.ConditionSource(step.Items), in.scope())
	if err != nil {
		f.PC++
		return nil, false, err
	}
	items, ok := v.([]any)
	if !ok {
		f.PC++
		return nil, false, wferrors.Newf(wferrors.KindExpression,
			"parallel_foreach items %q did not evaluate to a sequence", step.Items)
	}

	aggPath := step.StatePath
	if aggPath == "" {
		aggPath = DefaultAggregationPath
	}
	f.PC++

	if len(items) == 0 {
		err := in.applyUpdates([]state.Update{{Path: aggPath, Op: state.OpSet, Value: map[string]any{}}})
		if err != nil {
			return nil, false, err
		}
		in.traceStep(step, "no items, skipped")
		return nil, false, nil
	}

	task, ok := in.Def.SubAgentTasks[step.SubAgentTask]
	if !ok {
		return nil, false, wferrors.Newf(wferrors.KindInternal,
			"sub_agent_task %q is not defined", step.SubAgentTask)
	}

	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = def.DefaultMaxParallel
	}
	waitForAll := step.WaitForAll == nil || *step.WaitForAll

	now := in.cfg.Now()
	var deadline time.Time
	if step.TimeoutSeconds > 0 {
		deadline = now.Add(time.Duration(step.TimeoutSeconds) * time.Second)
	}
	if !in.deadline.IsZero() && (deadline.IsZero() || in.deadline.Before(deadline)) {
		deadline = in.deadline
	}

	aggPrefix, err := state.ParsePath(aggPath)
	if err != nil {
		return nil, false, err
	}

	ps := &parallelState{
		step:       step,
		aggPath:    aggPath,
		agents:     make(map[string]*SubAgent, len(items)),
		waitForAll: waitForAll,
		deadline:   deadline,
	}
	taskDescs := make([]map[string]any, 0, len(items))
	parentInputs := in.store.InputsSnapshot()
	computedSnap := in.store.ComputedSnapshot()

	for i, item := range items {
		taskID := fmt.Sprintf("t%d", i)
		sa, err := in.newSubAgent(&task, taskID, item, i, len(items),
			parentInputs, computedSnap, aggPrefix, deadline)
		if err != nil {
			return nil, false, err
		}
		ps.agents[taskID] = sa
		ps.order = append(ps.order, taskID)

		td := map[string]any{
			"task_id": taskID,
			"item":    item,
			"index":   float64(i),
			"total":   float64(len(items)),
		}
		if task.Prompt != "" {
			prompt, err := expression.Interpolate(task.Prompt, sa.inner.scope())
			if err != nil {
				return nil, false, err
			}
			td["prompt"] = prompt
		}
		taskDescs = append(taskDescs, td)
	}

	desc := &StepDescriptor{
		ID:           step.ID,
		Type:         "parallel_tasks",
		Instructions: instructionsFor("parallel_tasks"),
		Definition: map[string]any{
			"sub_agent_task": step.SubAgentTask,
			"max_parallel":   float64(maxParallel),
			"wait_for_all":   waitForAll,
			"tasks":          taskDescs,
		},
	}
	in.drainTrace(desc)

	ps.desc = desc
	in.parallel = ps
	in.suspendLocked(&pendingStep{step: step, desc: desc, issuedAt: now, deadline: deadline})
	in.logger.Info("parallel fan-out started",
		"step", step.ID, "tasks", len(items), "max_parallel", maxParallel)
	return desc, true, nil
}

// newSubAgent materializes one isolated context: task inputs bound over
// the loop variables, the parent's inputs visible read-only underneath,
// and the parent's computed tier frozen as a snapshot.
func (in *Instance) newSubAgent(task *def.SubAgentTask, taskID string, item any,
	index, total int, parentInputs, computedSnap map[string]any,
	aggPrefix state.Path, deadline time.Time) (*SubAgent, error) {

	inputs := make(map[string]any, len(parentInputs)+len(task.Inputs)+4)
	for k, v := range parentInputs {
		inputs[k] = v
	}
	inputs["item"] = item
	inputs["index"] = float64(index)
	inputs["total"] = float64(total)
	inputs["task_id"] = taskID

	bindScope := expression.ChainScope{expression.MapScope(inputs), in.store.Scope()}
	for name, decl := range task.Inputs {
		if decl.Default == nil {
			continue
		}
		bound, err := resolveValue(decl.Default, bindScope)
		if err != nil {
			return nil, wferrors.Wrap(wferrors.KindExpression,
				fmt.Sprintf("bind task input %q", name), err)
		}
		inputs[name] = bound
	}

	store, err := state.NewStore(state.Config{
		Inputs:           inputs,
		WritableRoot:     "local",
		ComputedSnapshot: computedSnap,
	})
	if err != nil {
		return nil, err
	}

	now := in.cfg.Now()
	inner := &Instance{
		ID:        in.ID + "/" + taskID,
		Def:       in.Def,
		cfg:       in.cfg,
		store:     store,
		cur:       newCursor(task.Steps),
		status:    StatusRunning,
		startedAt: now,
		updatedAt: now,
		deadline:  deadline,
		counters:  Counters{StepsByType: map[string]int{}},
		agg:       &aggRedirect{prefix: aggPrefix, parent: in.store},
	}
	inner.logger = in.logger.With("task", taskID)
	return &SubAgent{TaskID: taskID, inner: inner}, nil
}

func (sa *SubAgent) cancel() { sa.inner.Cancel() }

// lookupTask fetches a live sub-agent context by task id.
func (in *Instance) lookupTask(taskID string) (*SubAgent, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.parallel == nil {
		return nil, wferrors.New(wferrors.KindValidation, "no parallel step is active")
	}
	sa, ok := in.parallel.agents[taskID]
	if !ok {
		return nil, wferrors.Newf(wferrors.KindValidation, "unknown task id %q", taskID)
	}
	return sa, nil
}

// TaskNextStep serves get_next_step for one sub-agent context.
func (in *Instance) TaskNextStep(ctx context.Context, taskID string) (*NextStep, error) {
	sa, err := in.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	next, err := sa.inner.GetNextStep(ctx)
	if next != nil && next.Completed {
		in.joinParallel()
	}
	return next, err
}

// TaskStepComplete serves step_complete for one sub-agent context.
func (in *Instance) TaskStepComplete(ctx context.Context, taskID, stepID string, result StepResult) error {
	sa, err := in.lookupTask(taskID)
	if err != nil {
		return err
	}
	err = sa.inner.StepComplete(ctx, stepID, result)
	if sa.inner.Status().Terminal() {
		in.joinParallel()
	}
	return err
}

// parallelStepComplete handles a step_complete aimed at the fan-out step
// itself. Valid only once every task is terminal.
func (in *Instance) parallelStepComplete() error {
	if !in.joinParallelLocked() {
		return wferrors.Newf(wferrors.KindValidation,
			"parallel step %q still has running tasks", in.parallel.step.ID)
	}
	return nil
}

func (in *Instance) joinParallel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.joinParallelLocked()
}

// joinParallelLocked merges aggregation results into the parent state
// once every task is terminal. Returns false while tasks are running.
// Fan-outs past their deadline force-fail the stragglers first.
func (in *Instance) joinParallelLocked() bool {
	ps := in.parallel
	if ps == nil {
		return true
	}
	expired := !ps.deadline.IsZero() && in.cfg.Now().After(ps.deadline)
	for _, id := range ps.order {
		sa := ps.agents[id]
		if sa.inner.Status().Terminal() {
			continue
		}
		if !expired {
			return false
		}
		sa.inner.failTimeout(ps.step.TimeoutSeconds)
	}

	records := make(map[string]any, len(ps.order))
	for _, id := range ps.order {
		records[id] = ps.agents[id].result()
	}
	err := in.store.Apply([]state.Update{{Path: ps.aggPath, Op: state.OpMerge, Value: records}})
	if err != nil {
		in.logger.Error("aggregation merge failed", "step", ps.step.ID, "error", err)
		in.parallel = nil
		if in.cur.pending != nil && in.cur.pending.step.ID == ps.step.ID {
			in.cur.pending = nil
			in.resumeLocked()
		}
		in.handleStepError(ps.step, wferrors.AsRich(err))
		return true
	}

	in.parallel = nil
	if in.cur.pending != nil && in.cur.pending.step.ID == ps.step.ID {
		in.cur.pending = nil
		in.resumeLocked()
	}
	in.touch()
	in.logger.Info("parallel fan-out joined", "step", ps.step.ID, "tasks", len(records))
	return true
}

// failTimeout marks a straggler task as timed out at the join deadline.
func (in *Instance) failTimeout(seconds int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.status.Terminal() {
		return
	}
	in.failLocked(wferrors.Newf(wferrors.KindTimeout,
		"sub-agent task exceeded the fan-out deadline (%ds)", seconds))
}

// result builds the task's aggregation record: status, output, and the
// structured error for failed tasks. A task that wrote local.result
// reports that value; otherwise its whole local namespace is the output.
func (sa *SubAgent) result() map[string]any {
	inner := sa.inner
	record := map[string]any{"status": aggStatus(inner.Status(), inner.FinalError())}
	local := inner.store.StateSnapshot()
	if v, ok := local["result"]; ok {
		record["output"] = v
	} else if len(local) > 0 {
		record["output"] = local
	}
	if rich := inner.FinalError(); rich != nil {
		record["error"] = rich.Envelope()
	}
	return record
}

func aggStatus(s Status, rich *wferrors.Rich) string {
	switch s {
	case StatusCompleted:
		return ResultOK
	case StatusCancelled:
		return ResultCancelled
	case StatusFailed:
		if rich != nil && rich.Kind == wferrors.KindTimeout {
			return ResultTimeout
		}
		return ResultError
	}
	return string(s)
}
