// Package def holds the immutable workflow definition model: the parsed
// YAML document, the closed set of step types, and load-time validation.
package def

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Step type constants. Server-internal steps execute inside get_next_step;
// client steps are returned as descriptors and wait for step_complete.
const (
	StepStateUpdate     = "state_update"
	StepShellCommand    = "shell_command"
	StepConditional     = "conditional"
	StepWhile           = "while"
	StepForeach         = "foreach"
	StepBreak           = "break"
	StepContinue        = "continue"
	StepUserMessage     = "user_message"
	StepUserInput       = "user_input"
	StepMCPCall         = "mcp_call"
	StepAgentPrompt     = "agent_prompt"
	StepAgentResponse   = "agent_response"
	StepAgentShell      = "agent_shell_command"
	StepParallelForeach = "parallel_foreach"
	StepWaitStep        = "wait_step"
)

// Execution contexts for shell_command.
const (
	ContextServer = "server"
	ContextClient = "client"
)

// Error handling strategies.
const (
	StrategyFail     = "fail"
	StrategyContinue = "continue"
	StrategyRetry    = "retry"
	StrategyFallback = "fallback"
)

// DefaultMaxIterations caps while loops that declare no bound.
const DefaultMaxIterations = 100

// DefaultMaxParallel caps sub-agent fan-out that declares no bound.
const DefaultMaxParallel = 10

// Definition is an immutable parsed workflow. Instances reference it;
// nothing mutates it after Load returns.
type Definition struct {
	Name          string                  `yaml:"name"`
	Description   string                  `yaml:"description"`
	Version       string                  `yaml:"version"`
	Config        Config                  `yaml:"config"`
	DefaultState  DefaultState            `yaml:"default_state"`
	StateSchema   StateSchema             `yaml:"state_schema"`
	Inputs        map[string]InputDef     `yaml:"inputs"`
	Steps         []Step                  `yaml:"steps"`
	SubAgentTasks map[string]SubAgentTask `yaml:"sub_agent_tasks"`
}

// Config carries workflow-level execution settings.
type Config struct {
	// TimeoutSeconds is the workflow-level deadline; zero means none.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxStateBytes overrides the engine default when positive.
	MaxStateBytes int `yaml:"max_state_bytes"`
}

// DefaultState seeds the writable tier.
type DefaultState struct {
	State map[string]any `yaml:"state"`
}

// StateSchema declares the computed field graph.
type StateSchema struct {
	Computed map[string]ComputedDef `yaml:"computed"`
}

// ComputedDef declares one computed field.
type ComputedDef struct {
	From      []string `yaml:"from"`
	Transform string   `yaml:"transform"`
	OnError   string   `yaml:"on_error"`
	Fallback  any      `yaml:"fallback"`
}

// InputDef declares one workflow input.
type InputDef struct {
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Required    bool           `yaml:"required"`
	Default     any            `yaml:"default"`
	Schema      map[string]any `yaml:"schema"`
}

// SubAgentTask is a parallel-foreach task template.
type SubAgentTask struct {
	Description string              `yaml:"description"`
	Inputs      map[string]InputDef `yaml:"inputs"`
	Steps       []Step              `yaml:"steps"`
	Prompt      string              `yaml:"prompt"`
}

// Step is the closed union of workflow step shapes. The Type tag selects
// which fields are meaningful; validation enforces the per-type contract.
type Step struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`

	// state_update
	Path      string `yaml:"path"`
	Operation string `yaml:"operation"`
	Value     any    `yaml:"value"`

	// shell_command / agent_shell_command
	Command          string `yaml:"command"`
	ExecutionContext string `yaml:"execution_context"`
	Capture          string `yaml:"capture"` // stdout, stderr, exit_code, all
	StatePath        string `yaml:"state_path"`

	// user_message
	Message string `yaml:"message"`

	// user_input
	Prompt  string   `yaml:"prompt"`
	Pattern string   `yaml:"pattern"`
	Choices []string `yaml:"choices"`

	// mcp_call
	Tool       string         `yaml:"tool"`
	Parameters map[string]any `yaml:"parameters"`

	// agent_response
	ResponseSchema map[string]any `yaml:"response_schema"`

	// conditional
	Condition string `yaml:"condition"`
	ThenSteps []Step `yaml:"then_steps"`
	ElseSteps []Step `yaml:"else_steps"`

	// while / foreach
	Body          []Step `yaml:"body"`
	MaxIterations int    `yaml:"max_iterations"`
	Items         string `yaml:"items"`

	// parallel_foreach
	SubAgentTask   string `yaml:"sub_agent_task"`
	MaxParallel    int    `yaml:"max_parallel"`
	WaitForAll     *bool  `yaml:"wait_for_all"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// TimeoutSecondsStep is a step-level deadline for client steps.
	Timeout int `yaml:"timeout"`

	ErrorHandling *ErrorHandling `yaml:"error_handling"`
}

// ErrorHandling is the per-step failure strategy block.
type ErrorHandling struct {
	Strategy       string `yaml:"strategy"`
	MaxRetries     int    `yaml:"max_retries"`
	BackoffMS      int    `yaml:"backoff_ms"`
	FallbackValue  any    `yaml:"fallback_value"`
	ErrorStatePath string `yaml:"error_state_path"`
}

// IsClientStep reports whether the step is delegated to the client.
func (s *Step) IsClientStep() bool {
	switch s.Type {
	case StepUserMessage, StepUserInput, StepMCPCall, StepAgentPrompt,
		StepAgentResponse, StepAgentShell, StepParallelForeach, StepWaitStep:
		return true
	case StepShellCommand:
		return s.ExecutionContext == ContextClient
	}
	return false
}

// IsCompound reports whether the step nests other steps.
func (s *Step) IsCompound() bool {
	switch s.Type {
	case StepConditional, StepWhile, StepForeach:
		return true
	}
	return false
}

// KnownStepTypes is the closed set accepted by the validator.
var KnownStepTypes = map[string]bool{
	StepStateUpdate:     true,
	StepShellCommand:    true,
	StepConditional:     true,
	StepWhile:           true,
	StepForeach:         true,
	StepBreak:           true,
	StepContinue:        true,
	StepUserMessage:     true,
	StepUserInput:       true,
	StepMCPCall:         true,
	StepAgentPrompt:     true,
	StepAgentResponse:   true,
	StepAgentShell:      true,
	StepParallelForeach: true,
	StepWaitStep:        true,
}

// CompileSchema compiles an inline JSON-schema mapping. Used both at load
// time (to reject malformed schemas) and by the engine when validating
// agent responses and inputs.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "marshal schema", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "decode schema", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "add schema resource", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "compile schema", err)
	}
	return compiled, nil
}
