package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// Registrar registers the workflow control tools on an MCP server.
type Registrar struct {
	svc       *Service
	logger    *slog.Logger
	version   string
	startTime time.Time
}

// NewRegistrar creates a Registrar.
func NewRegistrar(svc *Service, logger *slog.Logger, version string) *Registrar {
	return &Registrar{
		svc:       svc,
		logger:    logger.With("component", "registrar"),
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterAll registers the workflow tools and the diagnostic tools.
func (r *Registrar) RegisterAll(mcpServer *server.MCPServer) {
	r.logger.Info("Registering workflow tools")
	r.registerWorkflowTools(mcpServer)
	r.registerDiagnosticTools(mcpServer)
	r.logger.Info("All tools registered successfully")
}

func objectSchema(required []string, props map[string]any) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

// jsonResult wraps a payload in the {data} envelope.
func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.Marshal(map[string]any{"data": v})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(out)}},
	}
}

// errResult wraps a failure in the {error} envelope.
func errResult(err error) *mcp.CallToolResult {
	out, _ := json.Marshal(map[string]any{"error": wferrors.AsRich(err).Envelope()})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(out)}},
		IsError: true,
	}
}

func (r *Registrar) registerWorkflowTools(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name:        "workflow_info",
		Description: "Get the name, description and version of a workflow definition",
		InputSchema: objectSchema([]string{"name"}, map[string]any{
			"name": prop("string", "Workflow name (ns:id)"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, _ := req.GetArguments()["name"].(string)
		info, err := r.svc.Info(name)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(info), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_list",
		Description: "List every discoverable workflow definition",
		InputSchema: objectSchema(nil, map[string]any{}),
	}, func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(r.svc.List()), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_start",
		Description: "Start a workflow instance with the given inputs",
		InputSchema: objectSchema([]string{"name"}, map[string]any{
			"name":   prop("string", "Workflow name (ns:id)"),
			"inputs": prop("object", "Input values keyed by declared input name"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		name, _ := args["name"].(string)
		inputs, _ := args["inputs"].(map[string]any)
		started, err := r.svc.Start(name, inputs)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(started), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_get_next_step",
		Description: "Advance a workflow (or one sub-agent task) and return the next step to perform, or a completion signal",
		InputSchema: objectSchema([]string{"workflow_id"}, map[string]any{
			"workflow_id": prop("string", "Instance id returned by workflow_start"),
			"task_id":     prop("string", "Sub-agent task id when driving a parallel task"),
		}),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		workflowID, _ := args["workflow_id"].(string)
		taskID, _ := args["task_id"].(string)
		next, err := r.svc.NextStep(ctx, workflowID, taskID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(next), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_step_complete",
		Description: "Report the result of the pending step",
		InputSchema: objectSchema([]string{"workflow_id", "step_id"}, map[string]any{
			"workflow_id": prop("string", "Instance id"),
			"task_id":     prop("string", "Sub-agent task id when driving a parallel task"),
			"step_id":     prop("string", "Id of the step being completed"),
			"result":      prop("object", "StepResult: {status, output?, error?}"),
		}),
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		workflowID, _ := args["workflow_id"].(string)
		taskID, _ := args["task_id"].(string)
		stepID, _ := args["step_id"].(string)
		result, err := decodeResult(args["result"])
		if err != nil {
			return errResult(err), nil
		}
		if err := r.svc.StepComplete(ctx, workflowID, taskID, stepID, result); err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"ok": true}), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_state_read",
		Description: "Read a path from a workflow's state, or the whole flattened view",
		InputSchema: objectSchema([]string{"workflow_id"}, map[string]any{
			"workflow_id": prop("string", "Instance id"),
			"path":        prop("string", "Dotted path (inputs.*, state.*, computed.*); omit for the full view"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		workflowID, _ := args["workflow_id"].(string)
		path, _ := args["path"].(string)
		value, err := r.svc.StateRead(workflowID, path)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"value": value}), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_state_update",
		Description: "Apply a batch of state updates to a running workflow",
		InputSchema: objectSchema([]string{"workflow_id", "updates"}, map[string]any{
			"workflow_id": prop("string", "Instance id"),
			"updates":     prop("array", "Updates: [{path, op, value}]"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		workflowID, _ := args["workflow_id"].(string)
		updates, err := decodeUpdates(args["updates"])
		if err != nil {
			return errResult(err), nil
		}
		if err := r.svc.StateUpdate(workflowID, updates); err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"ok": true}), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_status",
		Description: "Get lifecycle status and execution statistics for an instance",
		InputSchema: objectSchema([]string{"workflow_id"}, map[string]any{
			"workflow_id": prop("string", "Instance id"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, _ := req.GetArguments()["workflow_id"].(string)
		status, err := r.svc.Status(workflowID)
		if err != nil {
			return errResult(err), nil
		}
		return jsonResult(status), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "workflow_stop",
		Description: "Cancel a running workflow instance",
		InputSchema: objectSchema([]string{"workflow_id"}, map[string]any{
			"workflow_id": prop("string", "Instance id"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, _ := req.GetArguments()["workflow_id"].(string)
		if err := r.svc.Stop(workflowID); err != nil {
			return errResult(err), nil
		}
		return jsonResult(map[string]any{"ok": true}), nil
	})
}

func (r *Registrar) registerDiagnosticTools(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name:        "ping",
		Description: "Simple ping tool to test MCP connectivity",
		InputSchema: objectSchema(nil, map[string]any{
			"message": prop("string", "Optional message to echo back"),
		}),
	}, func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, _ := req.GetArguments()["message"].(string)
		response := "pong"
		if message != "" {
			response = "pong: " + message
		}
		return jsonResult(map[string]any{
			"response":  response,
			"timestamp": time.Now().Format(time.RFC3339),
		}), nil
	})

	s.AddTool(mcp.Tool{
		Name:        "server_status",
		Description: "Get basic server status information",
		InputSchema: objectSchema(nil, map[string]any{}),
	}, func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(map[string]any{
			"status":    "running",
			"version":   r.version,
			"uptime":    time.Since(r.startTime).String(),
			"instances": r.svc.manager.Count(),
		}), nil
	})
}

// decodeResult converts the raw tool argument into a StepResult. A
// missing result means a bare ok acknowledgment.
func decodeResult(raw any) (engine.StepResult, error) {
	if raw == nil {
		return engine.StepResult{Status: engine.ResultOK}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return engine.StepResult{}, wferrors.Wrap(wferrors.KindValidation, "malformed result", err)
	}
	var result engine.StepResult
	if err := json.Unmarshal(data, &result); err != nil {
		return engine.StepResult{}, wferrors.Wrap(wferrors.KindValidation, "malformed result", err)
	}
	if result.Status == "" {
		result.Status = engine.ResultOK
	}
	return result, nil
}

func decodeUpdates(raw any) ([]state.Update, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "malformed updates", err)
	}
	var updates []state.Update
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, wferrors.Wrap(wferrors.KindValidation, "malformed updates", err)
	}
	if len(updates) == 0 {
		return nil, wferrors.New(wferrors.KindValidation, "updates must be a non-empty array")
	}
	return updates, nil
}
