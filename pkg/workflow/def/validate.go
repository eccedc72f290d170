package def

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/expression"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// Violation is one validation failure with a JSON-pointer-like location.
type Violation struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Location, v.Message) }

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+:[A-Za-z0-9_-]+$`)

// validator accumulates violations and warnings across the whole document
// so a failed load reports every problem at once.
type validator struct {
	d          *Definition
	violations []Violation
	warnings   []string
}

// Validate checks the definition and returns non-fatal warnings. On
// failure the error is a ValidationError whose context carries every
// violation; the definition must not be used.
func Validate(d *Definition) ([]string, error) {
	v := &validator{d: d}
	v.checkTopLevel()
	v.checkComputed()
	v.checkInputs("/inputs", d.Inputs)
	v.checkSteps(d.Steps, "/steps", stepScope{writableRoot: "state"})
	for name, task := range d.SubAgentTasks {
		loc := "/sub_agent_tasks/" + name
		v.checkInputs(loc+"/inputs", task.Inputs)
		if len(task.Steps) == 0 && task.Prompt == "" {
			v.add(loc, "sub-agent task needs steps or a prompt template")
		}
		scope := stepScope{
			writableRoot: "local",
			vars:         taskVars(task),
		}
		v.checkSteps(task.Steps, loc+"/steps", scope)
		if task.Prompt != "" {
			v.checkTemplate(loc+"/prompt", task.Prompt, scope)
		}
	}

	if len(v.violations) > 0 {
		err := wferrors.Newf(wferrors.KindValidation,
			"workflow %q failed validation with %d violation(s)", d.Name, len(v.violations))
		err.With("violations", v.violations)
		return nil, err
	}
	return v.warnings, nil
}

func taskVars(task SubAgentTask) []string {
	vars := []string{"item", "index", "total", "task_id"}
	for name := range task.Inputs {
		vars = append(vars, name)
	}
	return vars
}

func (v *validator) add(location, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validator) warn(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) checkTopLevel() {
	d := v.d
	if d.Name == "" {
		v.add("/name", "name is required")
	} else if !nameRe.MatchString(d.Name) {
		v.add("/name", "name %q must match namespace:id", d.Name)
	}
	if d.Version == "" {
		v.add("/version", "version is required")
	} else if _, err := semver.StrictNewVersion(d.Version); err != nil {
		v.add("/version", "version %q is not semver: %v", d.Version, err)
	}
	if len(d.Steps) == 0 {
		v.add("/steps", "steps must be a non-empty list")
	}
}

func (v *validator) checkComputed() {
	fields := make([]state.ComputedField, 0, len(v.d.StateSchema.Computed))
	for name, comp := range v.d.StateSchema.Computed {
		loc := "/state_schema/computed/" + name
		if comp.Transform == "" {
			v.add(loc+"/transform", "transform is required")
			continue
		}
		v.checkExpr(loc+"/transform", expression.ConditionSource(comp.Transform), stepScope{writableRoot: "state"})
		switch comp.OnError {
		case "", string(state.PolicyUseFallback), string(state.PolicyPropagate), string(state.PolicyIgnore):
		default:
			v.add(loc+"/on_error", "unknown error policy %q", comp.OnError)
		}
		for i, dep := range comp.From {
			depLoc := fmt.Sprintf("%s/from/%d", loc, i)
			path, err := state.ParsePath(dep)
			if err != nil {
				v.add(depLoc, "malformed dependency path %q", dep)
				continue
			}
			switch path.Root() {
			case "inputs", "state", "computed":
			default:
				v.add(depLoc, "dependency %q must be rooted in inputs, state, or computed", dep)
			}
		}
		fields = append(fields, state.ComputedField{
			Name:      name,
			Deps:      comp.From,
			Transform: comp.Transform,
			OnError:   state.ErrorPolicy(comp.OnError),
			Fallback:  comp.Fallback,
		})
	}
	if len(fields) > 0 {
		if err := state.ValidateComputedGraph(fields); err != nil {
			v.add("/state_schema/computed", "%v", wferrors.AsRich(err).Message)
		}
	}
}

func (v *validator) checkInputs(loc string, inputs map[string]InputDef) {
	for name, input := range inputs {
		if input.Schema != nil {
			if _, err := CompileSchema(input.Schema); err != nil {
				v.add(loc+"/"+name+"/schema", "invalid schema: %v", wferrors.AsRich(err).Message)
			}
		}
	}
}

// stepScope tracks what identifiers are visible while walking nested steps.
type stepScope struct {
	writableRoot string
	vars         []string
	inLoop       bool
}

func (s stepScope) withVars(names ...string) stepScope {
	out := s
	out.vars = append(append([]string{}, s.vars...), names...)
	return out
}

func (s stepScope) loop() stepScope {
	out := s
	out.inLoop = true
	return out
}

func (v *validator) checkSteps(steps []Step, loc string, scope stepScope) {
	for i := range steps {
		v.checkStep(&steps[i], fmt.Sprintf("%s/%d", loc, i), scope)
		if i < len(steps)-1 && (steps[i].Type == StepBreak || steps[i].Type == StepContinue) {
			v.warn("unreachable steps after %s at %s/%d", steps[i].Type, loc, i)
		}
	}
}

func (v *validator) checkStep(s *Step, loc string, scope stepScope) {
	if s.Type == "" {
		v.add(loc+"/type", "step type is required")
		return
	}
	if !KnownStepTypes[s.Type] {
		v.add(loc+"/type", "unknown step type %q", s.Type)
		return
	}
	v.checkErrorHandling(s, loc)

	switch s.Type {
	case StepStateUpdate:
		v.checkWritablePath(loc+"/path", s.Path, scope)
		switch state.Op(s.Operation) {
		case "", state.OpSet, state.OpIncrement, state.OpDecrement, state.OpMultiply, state.OpAppend, state.OpMerge:
		default:
			v.add(loc+"/operation", "unknown operation %q", s.Operation)
		}
		if str, ok := s.Value.(string); ok {
			v.checkTemplate(loc+"/value", str, scope)
		}
	case StepShellCommand, StepAgentShell:
		if s.Command == "" {
			v.add(loc+"/command", "command is required")
		}
		v.checkTemplate(loc+"/command", s.Command, scope)
		if s.Type == StepShellCommand {
			switch s.ExecutionContext {
			case "", ContextServer, ContextClient:
			default:
				v.add(loc+"/execution_context", "execution_context must be server or client, got %q", s.ExecutionContext)
			}
		}
		if s.StatePath != "" {
			v.checkWritablePath(loc+"/state_path", s.StatePath, scope)
		}
		switch s.Capture {
		case "", "stdout", "stderr", "exit_code", "all":
		default:
			v.add(loc+"/capture", "capture must be stdout, stderr, exit_code, or all")
		}
	case StepUserMessage:
		if s.Message == "" {
			v.add(loc+"/message", "message is required")
		}
		v.checkTemplate(loc+"/message", s.Message, scope)
	case StepUserInput:
		if s.Prompt == "" {
			v.add(loc+"/prompt", "prompt is required")
		}
		v.checkTemplate(loc+"/prompt", s.Prompt, scope)
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				v.add(loc+"/pattern", "invalid pattern: %v", err)
			}
		}
		if s.StatePath != "" {
			v.checkWritablePath(loc+"/state_path", s.StatePath, scope)
		}
	case StepMCPCall:
		if s.Tool == "" {
			v.add(loc+"/tool", "tool is required")
		}
		v.checkParams(loc+"/parameters", s.Parameters, scope)
		if s.StatePath != "" {
			v.checkWritablePath(loc+"/state_path", s.StatePath, scope)
		}
	case StepAgentPrompt:
		if s.Prompt == "" {
			v.add(loc+"/prompt", "prompt is required")
		}
		v.checkTemplate(loc+"/prompt", s.Prompt, scope)
	case StepAgentResponse:
		if s.ResponseSchema != nil {
			if _, err := CompileSchema(s.ResponseSchema); err != nil {
				v.add(loc+"/response_schema", "invalid schema: %v", wferrors.AsRich(err).Message)
			}
		}
		if s.StatePath != "" {
			v.checkWritablePath(loc+"/state_path", s.StatePath, scope)
		}
	case StepConditional:
		if s.Condition == "" {
			v.add(loc+"/condition", "condition is required")
		}
		v.checkExpr(loc+"/condition", expression.ConditionSource(s.Condition), scope)
		if len(s.ThenSteps) == 0 && len(s.ElseSteps) == 0 {
			v.add(loc, "conditional needs then_steps or else_steps")
		}
		v.checkSteps(s.ThenSteps, loc+"/then_steps", scope)
		v.checkSteps(s.ElseSteps, loc+"/else_steps", scope)
	case StepWhile:
		if s.Condition == "" {
			v.add(loc+"/condition", "condition is required")
		}
		if s.MaxIterations < 0 {
			v.add(loc+"/max_iterations", "max_iterations must be positive")
		}
		inner := scope.withVars("attempt_number").loop()
		v.checkExpr(loc+"/condition", expression.ConditionSource(s.Condition), inner)
		v.checkSteps(s.Body, loc+"/body", inner)
	case StepForeach:
		if s.Items == "" {
			v.add(loc+"/items", "items is required")
		}
		v.checkExpr(loc+"/items", expression.ConditionSource(s.Items), scope)
		inner := scope.withVars("item", "index", "total").loop()
		v.checkSteps(s.Body, loc+"/body", inner)
	case StepParallelForeach:
		if s.Items == "" {
			v.add(loc+"/items", "items is required")
		}
		v.checkExpr(loc+"/items", expression.ConditionSource(s.Items), scope)
		if s.SubAgentTask == "" {
			v.add(loc+"/sub_agent_task", "sub_agent_task is required")
		} else if _, ok := v.d.SubAgentTasks[s.SubAgentTask]; !ok {
			v.add(loc+"/sub_agent_task", "sub_agent_task %q is not defined", s.SubAgentTask)
		}
		if s.MaxParallel < 0 {
			v.add(loc+"/max_parallel", "max_parallel must be positive")
		}
		if s.StatePath != "" {
			v.checkWritablePath(loc+"/state_path", s.StatePath, scope)
		}
	case StepBreak, StepContinue:
		if !scope.inLoop {
			v.add(loc, "%s is only allowed inside a loop body", s.Type)
		}
	case StepWaitStep:
		// no required fields
	}
}

func (v *validator) checkErrorHandling(s *Step, loc string) {
	eh := s.ErrorHandling
	if eh == nil {
		return
	}
	switch eh.Strategy {
	case "", StrategyFail, StrategyContinue, StrategyRetry, StrategyFallback:
	default:
		v.add(loc+"/error_handling/strategy", "unknown strategy %q", eh.Strategy)
	}
	if eh.MaxRetries < 0 {
		v.add(loc+"/error_handling/max_retries", "max_retries must not be negative")
	}
	if eh.ErrorStatePath != "" {
		v.checkWritablePath(loc+"/error_handling/error_state_path", eh.ErrorStatePath, stepScope{writableRoot: "state"})
	}
}

func (v *validator) checkWritablePath(loc, raw string, scope stepScope) {
	if raw == "" {
		v.add(loc, "path is required")
		return
	}
	path, err := state.ParsePath(raw)
	if err != nil {
		v.add(loc, "malformed path %q", raw)
		return
	}
	if path.Root() != scope.writableRoot {
		// sub-agent tasks may also target the parent aggregation slot;
		// the engine restricts which state.* path is allowed at runtime
		if !(scope.writableRoot == "local" && path.Root() == "state") {
			v.add(loc, "path %q is not writable; writes are restricted to %s.*", raw, scope.writableRoot)
			return
		}
	}
	if len(path) < 2 {
		v.add(loc, "path %q must address a key below %s", raw, scope.writableRoot)
	}
}

func (v *validator) checkTemplate(loc, template string, scope stepScope) {
	frags, err := expression.Fragments(template)
	if err != nil {
		v.add(loc, "%v", wferrors.AsRich(err).Message)
		return
	}
	for _, frag := range frags {
		v.checkExpr(loc, frag, scope)
	}
}

func (v *validator) checkParams(loc string, params map[string]any, scope stepScope) {
	for key, val := range params {
		switch typed := val.(type) {
		case string:
			v.checkTemplate(loc+"/"+key, typed, scope)
		case map[string]any:
			v.checkParams(loc+"/"+key, typed, scope)
		case []any:
			for i, elem := range typed {
				if str, ok := elem.(string); ok {
					v.checkTemplate(fmt.Sprintf("%s/%s/%d", loc, key, i), str, scope)
				}
			}
		}
	}
}

// builtin namespaces the expression engine resolves itself
var builtinRoots = map[string]bool{
	"JSON": true,
	"Math": true,
	"now":  true,
}

func (v *validator) checkExpr(loc, src string, scope stepScope) {
	if src == "" {
		return
	}
	refs, err := expression.References(src)
	if err != nil {
		v.add(loc, "%v", wferrors.AsRich(err).Message)
		return
	}
	for _, ref := range refs {
		root := ref
		if i := strings.IndexAny(ref, "."); i >= 0 {
			root = ref[:i]
		}
		if builtinRoots[root] {
			continue
		}
		switch root {
		case "inputs", "computed", scope.writableRoot:
			continue
		}
		if containsVar(scope.vars, root) {
			continue
		}
		v.add(loc, "reference %q does not resolve to a declared root or in-scope variable", ref)
	}
}

func containsVar(vars []string, name string) bool {
	for _, v := range vars {
		if v == name {
			return true
		}
	}
	return false
}
