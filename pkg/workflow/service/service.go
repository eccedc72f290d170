// Package service exposes the workflow control API: start, poll,
// complete, inspect, and stop running instances. The MCP layer in this
// package is a thin JSON transport over these methods.
package service

import (
	"context"
	"log/slog"

	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
	"github.com/aromcp/workflow-server/pkg/workflow/loader"
	"github.com/aromcp/workflow-server/pkg/workflow/session"
	"github.com/aromcp/workflow-server/pkg/workflow/state"
)

// Config wires a Service.
type Config struct {
	Logger  *slog.Logger
	Loader  *loader.Loader
	Manager *session.Manager
	Engine  engine.Config
}

// Service implements the control API over the loader, the session
// manager, and the engine.
type Service struct {
	logger    *slog.Logger
	loader    *loader.Loader
	manager   *session.Manager
	engineCfg engine.Config
}

// New builds a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:    logger.With("component", "service"),
		loader:    cfg.Loader,
		manager:   cfg.Manager,
		engineCfg: cfg.Engine,
	}
}

// Info returns the identity block of a workflow definition.
func (s *Service) Info(name string) (loader.Info, error) {
	d, _, err := s.loader.Load(name)
	if err != nil {
		return loader.Info{}, err
	}
	return loader.Info{Name: d.Name, Description: d.Description, Version: d.Version}, nil
}

// List enumerates every discoverable workflow.
func (s *Service) List() []loader.Info {
	return s.loader.List()
}

// StartResult is the workflow.start response.
type StartResult struct {
	WorkflowID string         `json:"workflow_id"`
	State      map[string]any `json:"state"`
}

// Start loads a definition, binds inputs, and registers a new instance.
func (s *Service) Start(name string, inputs map[string]any) (*StartResult, error) {
	d, _, err := s.loader.Load(name)
	if err != nil {
		return nil, err
	}
	in, err := engine.New(d, inputs, s.engineCfg)
	if err != nil {
		return nil, err
	}
	if err := s.manager.Track(in); err != nil {
		in.Cancel()
		return nil, err
	}
	return &StartResult{WorkflowID: in.ID, State: in.Store().ReadFlat()}, nil
}

// NextStep advances an instance (or one of its sub-agent contexts when
// taskID is non-empty) and returns the next client-delegated step.
func (s *Service) NextStep(ctx context.Context, workflowID, taskID string) (*engine.NextStep, error) {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if taskID != "" {
		return in.TaskNextStep(ctx, taskID)
	}
	return in.GetNextStep(ctx)
}

// StepComplete reports the client's result for a pending step.
func (s *Service) StepComplete(ctx context.Context, workflowID, taskID, stepID string, result engine.StepResult) error {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return err
	}
	if taskID != "" {
		return in.TaskStepComplete(ctx, taskID, stepID, result)
	}
	return in.StepComplete(ctx, stepID, result)
}

// StateRead resolves a path against an instance's store; an empty path
// returns the whole flattened view.
func (s *Service) StateRead(workflowID, path string) (any, error) {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return in.Store().ReadFlat(), nil
	}
	return in.Store().Read(path)
}

// StateUpdate applies an external batch of updates to an instance.
func (s *Service) StateUpdate(workflowID string, updates []state.Update) error {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return err
	}
	if in.Status().Terminal() {
		return wferrors.Newf(wferrors.KindValidation, "workflow is %s", in.Status())
	}
	return in.Store().Apply(updates)
}

// StatusResult is the workflow.status response.
type StatusResult struct {
	session.Summary
	Recomputes map[string]int `json:"computed_recomputes,omitempty"`
	Error      map[string]any `json:"error,omitempty"`
}

// Status returns the monitoring view of one instance.
func (s *Service) Status(workflowID string) (*StatusResult, error) {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return nil, err
	}
	out := &StatusResult{Summary: session.Summarize(in), Recomputes: in.RecomputeCounts()}
	if rich := in.FinalError(); rich != nil {
		out.Error = rich.Envelope()
	}
	return out, nil
}

// Instances lists every tracked instance.
func (s *Service) Instances() []session.Summary {
	return s.manager.List()
}

// Stop cancels an instance. The instance stays queryable until the
// session collector sweeps it.
func (s *Service) Stop(workflowID string) error {
	in, err := s.manager.Get(workflowID)
	if err != nil {
		return err
	}
	in.Cancel()
	s.logger.Info("workflow stopped", "instance", workflowID)
	return nil
}
