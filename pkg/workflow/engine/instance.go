package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
	"github.com/aromcp/workflow-server/pkg/workflow/runner"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// Status is the lifecycle state of an instance or sub-agent context.
type Status string

const (
	StatusRunning          Status = "running"
	StatusWaitingForClient Status = "waiting_for_client"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status admits no further execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counters are per-instance execution statistics.
type Counters struct {
	StepsByType    map[string]int `json:"steps_by_type"`
	Retries        int            `json:"retries"`
	Errors         int            `json:"errors"`
	PeakStateBytes int            `json:"peak_state_bytes"`
}

// Hooks receives execution events; the session layer feeds them into
// Prometheus. The zero value is a valid no-op.
type Hooks struct {
	StepExecuted func(workflow, stepType string)
	StepRetried  func(workflow string)
	StepFailed   func(workflow, kind string)
}

func (h Hooks) stepExecuted(workflow, stepType string) {
	if h.StepExecuted != nil {
		h.StepExecuted(workflow, stepType)
	}
}

func (h Hooks) stepRetried(workflow string) {
	if h.StepRetried != nil {
		h.StepRetried(workflow)
	}
}

func (h Hooks) stepFailed(workflow, kind string) {
	if h.StepFailed != nil {
		h.StepFailed(workflow, kind)
	}
}

// Config configures instance execution.
type Config struct {
	Logger *slog.Logger
	Runner runner.CommandRunner
	// Debug disables silent batching: every server-internal step is
	// recorded and attached to the next descriptor as _internal_trace.
	Debug bool
	// MaxStateBytes caps the writable tier unless the workflow overrides it.
	MaxStateBytes int
	// BackoffBase and BackoffCap bound retry delays. Zero values take the
	// defaults (1s base, 30s cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Sleep is swapped out in tests.
	Sleep func(time.Duration)
	Hooks Hooks
	// Now is swapped out in tests.
	Now func() time.Time
}

func (c *Config) fill() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Runner == nil {
		c.Runner = &runner.DefaultCommandRunner{}
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Instance is one running realization of a workflow definition: a state
// store plus an explicit control-flow stack. Server-internal steps run
// synchronously inside GetNextStep; client steps suspend the interpreter
// until StepComplete.
type Instance struct {
	ID  string
	Def *def.Definition

	cfg    Config
	logger *slog.Logger
	store  *state.Store

	mu        sync.Mutex
	cur       *cursor
	status    Status
	startedAt time.Time
	updatedAt time.Time
	deadline  time.Time // workflow-level; zero means none
	finalErr  *wferrors.Rich
	counters  Counters
	trace     []TraceEntry
	parallel  *parallelState

	// agg is set only on sub-agent contexts: writes to state.* are
	// restricted to the aggregation slot and routed to the parent store.
	agg *aggRedirect
}

// New starts an instance: binds and validates inputs, seeds the store, and
// evaluates every computed field once. Input validation failures are
// ValidationErrors and fail the start.
func New(d *def.Definition, inputs map[string]any, cfg Config) (*Instance, error) {
	cfg.fill()
	bound, err := bindInputs(d, inputs)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxStateBytes
	if d.Config.MaxStateBytes > 0 {
		maxBytes = d.Config.MaxStateBytes
	}
	store, err := state.NewStore(state.Config{
		Inputs:   bound,
		Default:  d.DefaultState.State,
		Computed: computedFields(d),
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}

	now := cfg.Now()
	in := &Instance{
		ID:        "wf_" + uuid.NewString(),
		Def:       d,
		cfg:       cfg,
		store:     store,
		cur:       newCursor(d.Steps),
		status:    StatusRunning,
		startedAt: now,
		updatedAt: now,
		counters:  Counters{StepsByType: map[string]int{}},
	}
	in.logger = cfg.Logger.With("component", "engine", "workflow", d.Name, "instance", in.ID)
	if d.Config.TimeoutSeconds > 0 {
		in.deadline = now.Add(time.Duration(d.Config.TimeoutSeconds) * time.Second)
	}
	in.logger.Info("workflow started", "version", d.Version)
	return in, nil
}

// computedFields adapts the definition's computed declarations into the
// store's field model.
func computedFields(d *def.Definition) []state.ComputedField {
	var out []state.ComputedField
	for name, c := range d.StateSchema.Computed {
		policy := state.ErrorPolicy(c.OnError)
		if policy == "" {
			policy = state.PolicyPropagate
		}
		out = append(out, state.ComputedField{
			Name:      name,
			Deps:      c.From,
			Transform: c.Transform,
			OnError:   policy,
			Fallback:  c.Fallback,
		})
	}
	return out
}

// bindInputs applies defaults and validates declared inputs. Undeclared
// input keys are rejected.
func bindInputs(d *def.Definition, given map[string]any) (map[string]any, error) {
	bound := map[string]any{}
	for k, v := range given {
		if _, ok := d.Inputs[k]; !ok {
			return nil, wferrors.Newf(wferrors.KindValidation, "undeclared input %q", k)
		}
		bound[k] = normalizeJSON(v)
	}
	for name, decl := range d.Inputs {
		v, ok := bound[name]
		if !ok {
			if decl.Required {
				return nil, wferrors.Newf(wferrors.KindValidation, "required input %q is missing", name)
			}
			if decl.Default != nil {
				bound[name] = decl.Default
			}
			continue
		}
		if decl.Type != "" && !inputTypeMatches(decl.Type, v) {
			return nil, wferrors.Newf(wferrors.KindValidation,
				"input %q: expected %s, got %s", name, decl.Type, jsonTypeName(v))
		}
		if decl.Schema != nil {
			schema, err := def.CompileSchema(decl.Schema)
			if err != nil {
				return nil, err
			}
			if err := schema.Validate(v); err != nil {
				return nil, wferrors.Wrap(wferrors.KindValidation,
					fmt.Sprintf("input %q rejected by schema", name), err)
			}
		}
	}
	return bound, nil
}

func inputTypeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// normalizeJSON converts Go integer types from decoded JSON/YAML into the
// engine's canonical float64 number model.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeJSON(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeJSON(elem)
		}
		return out
	}
	return v
}

// Status returns the current lifecycle state.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// FinalError returns the terminal error for a failed instance.
func (in *Instance) FinalError() *wferrors.Rich {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finalErr
}

// Stats returns a copy of the execution counters, with the live peak
// state size folded in.
func (in *Instance) Stats() Counters {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.statsLocked()
}

func (in *Instance) statsLocked() Counters {
	c := in.counters
	c.StepsByType = make(map[string]int, len(in.counters.StepsByType))
	for k, v := range in.counters.StepsByType {
		c.StepsByType[k] = v
	}
	if size := in.store.SizeBytes(); size > c.PeakStateBytes {
		c.PeakStateBytes = size
	}
	return c
}

// RecomputeCounts reports computed-field evaluation counts.
func (in *Instance) RecomputeCounts() map[string]int {
	return in.store.RecomputeCounts()
}

// StartedAt returns the instance start time.
func (in *Instance) StartedAt() time.Time { return in.startedAt }

// UpdatedAt returns the time of the last engine interaction.
func (in *Instance) UpdatedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.updatedAt
}

// Store exposes the instance state store for the control API's
// state_read/state_update operations.
func (in *Instance) Store() *state.Store { return in.store }

// Cancel terminates the instance and every live sub-agent context.
// Subsequent engine calls return Cancelled errors.
func (in *Instance) Cancel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cancelLocked()
}

func (in *Instance) cancelLocked() {
	if in.status.Terminal() {
		return
	}
	in.status = StatusCancelled
	in.finalErr = wferrors.New(wferrors.KindCancelled, "workflow cancelled")
	in.cur.pending = nil
	if in.parallel != nil {
		for _, sa := range in.parallel.agents {
			sa.cancel()
		}
	}
	in.updatedAt = in.cfg.Now()
	in.logger.Info("workflow cancelled")
}

// scope builds the expression scope for the instance: loop variables in
// the current frame stack layered over the flattened state view.
func (in *Instance) scope() expression.Scope {
	return expression.ChainScope{expression.MapScope(in.cur.vars()), in.store.Scope()}
}

func (in *Instance) touch() {
	in.updatedAt = in.cfg.Now()
	if size := in.store.SizeBytes(); size > in.counters.PeakStateBytes {
		in.counters.PeakStateBytes = size
	}
}
