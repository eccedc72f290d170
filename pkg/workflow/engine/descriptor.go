package engine

// StepDescriptor is one atomic client-delegated action. Definition carries
// the type-specific payload with every template already substituted
// against the flattened view at emission time.
type StepDescriptor struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Instructions string         `json:"instructions"`
	Definition   map[string]any `json:"definition"`

	// InternalTrace lists the server-internal steps executed since the
	// previous descriptor. Populated only in debug mode.
	InternalTrace []TraceEntry `json:"_internal_trace,omitempty"`
}

// TraceEntry records one server-internal step execution for debug traces.
type TraceEntry struct {
	StepID  string `json:"step_id"`
	Type    string `json:"type"`
	Detail  string `json:"detail,omitempty"`
	Outcome string `json:"outcome"`
}

// NextStep is the result of a get_next_step call: either a descriptor to
// execute, or a terminal signal with the instance status.
type NextStep struct {
	Step      *StepDescriptor `json:"step"`
	Completed bool            `json:"completed"`
	Status    Status          `json:"status"`
	Error     map[string]any  `json:"error,omitempty"`
}

// Result statuses a client may report in step_complete.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
)

// StepResult is the client's report for a delegated step.
type StepResult struct {
	Status string       `json:"status"`
	Output any          `json:"output,omitempty"`
	Error  *StepError `json:"error,omitempty"`
}

// StepError is a structured client-side failure report.
type StepError struct {
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func instructionsFor(stepType string) string {
	switch stepType {
	case "user_message":
		return "Display the following message(s) to the user."
	case "user_input":
		return "Prompt the user and report the entered value as the step output."
	case "mcp_call":
		return "Invoke the named tool with the given parameters and report its result as the step output."
	case "agent_prompt":
		return "Perform the described task."
	case "agent_response":
		return "Report a response conforming to the given schema as the step output."
	case "agent_shell_command", "shell_command":
		return "Run the command and report stdout, stderr and exit_code as the step output."
	case "parallel_tasks":
		return "Run the listed tasks as sub-agents, up to max_parallel concurrently, driving each with get_next_step/step_complete."
	case "wait_step":
		return "Acknowledge when ready to continue."
	}
	return "Execute the step and report the result."
}
