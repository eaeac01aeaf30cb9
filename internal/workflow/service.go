package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"skillhub/internal/api"
	"skillhub/internal/store"
	"skillhub/pkg/logging"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultWaitTimeout  = 5 * time.Second
)

// Service persists workflows and execution records and runs executions in the
// background. Each background execution opens its own session from the
// factory; caller sessions never cross the goroutine boundary.
type Service struct {
	sessions store.SessionFactory
	engine   *Engine
}

// NewService creates a workflow service executing through the given engine.
func NewService(sessions store.SessionFactory, engine *Engine) *Service {
	return &Service{sessions: sessions, engine: engine}
}

// CreateWorkflow validates and persists a workflow. A missing id is
// generated; a missing status defaults to active.
func (s *Service) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	if err := ValidateDefinition(&wf.Definition); err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.WorkflowStatus == "" {
		wf.WorkflowStatus = api.WorkflowActive
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.InsertWorkflow(wf); err != nil {
		return err
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	logging.Info("WorkflowService", "Created workflow %s (%s) for user %s", wf.ID, wf.Slug, wf.UserID)
	return nil
}

// GetWorkflow loads a workflow by id.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback()
	return sess.GetWorkflow(id)
}

// ArchiveWorkflow moves a workflow to archived. Archiving an already-archived
// or missing workflow is not an error; uninstall tolerates already-gone.
func (s *Service) ArchiveWorkflow(ctx context.Context, id string) error {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.UpdateWorkflowStatus(id, api.WorkflowArchived); err != nil {
		return err
	}
	return sess.Commit()
}

// DeleteWorkflow removes a workflow row. Used by installer rollback before
// any execution references it.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) error {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.DeleteWorkflow(id); err != nil {
		return err
	}
	return sess.Commit()
}

// ExecuteWorkflow creates a pending execution record, bumps the workflow's
// execution counters, and spawns the background run. The pending record is
// returned immediately.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]interface{}, mode api.ExecutionMode) (*api.WorkflowExecution, error) {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback()

	wf, err := sess.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.WorkflowStatus != api.WorkflowActive {
		return nil, api.NewError(api.CodeWorkflowInactive, "workflow %s is %s, not active", workflowID, wf.WorkflowStatus)
	}

	now := time.Now().UTC()
	exec := &api.WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		UserID:          userID,
		ExecutionMode:   mode,
		ExecutionStatus: api.ExecutionPending,
		InputData:       input,
		StartedAt:       now,
	}
	if err := sess.InsertExecution(exec); err != nil {
		return nil, err
	}
	if err := sess.MarkWorkflowExecuted(workflowID, now); err != nil {
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}

	// The background run is detached from the caller's context and opens
	// its own sessions.
	go s.runExecution(wf, exec)

	return exec, nil
}

// runExecution drives one execution to a terminal state. The terminal record
// is committed even when the engine fails partway.
func (s *Service) runExecution(wf *api.Workflow, exec *api.WorkflowExecution) {
	ctx := context.Background()

	if err := s.markRunning(ctx, exec.ID); err != nil {
		logging.Error("WorkflowService", err, "Marking execution %s running", exec.ID)
		return
	}

	result, runErr := s.engine.Execute(ctx, wf, exec, Options{})

	completed := time.Now().UTC()
	exec.ExecutionStatus = result.Status
	exec.NodeResults = result.NodeResults
	exec.OutputData = result.Output
	exec.CompletedAt = &completed
	exec.DurationMs = store.ExecutionDuration(exec.StartedAt, completed)
	if runErr != nil {
		exec.ErrorMessage = runErr.Error()
		logging.Warn("WorkflowService", "Execution %s of workflow %s failed: %v", exec.ID, wf.ID, runErr)
	}

	if err := s.finalize(ctx, wf.ID, exec, runErr == nil); err != nil {
		logging.Error("WorkflowService", err, "Finalizing execution %s", exec.ID)
	}
}

func (s *Service) markRunning(ctx context.Context, executionID string) error {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.MarkExecutionRunning(executionID); err != nil {
		return err
	}
	return sess.Commit()
}

func (s *Service) finalize(ctx context.Context, workflowID string, exec *api.WorkflowExecution, success bool) error {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()
	if err := sess.CompleteExecution(exec); err != nil {
		return err
	}
	if err := sess.MarkWorkflowOutcome(workflowID, success); err != nil {
		return err
	}
	return sess.Commit()
}

// GetExecution loads one execution record.
func (s *Service) GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	sess, err := s.sessions.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Rollback()
	return sess.GetExecution(id)
}

// WaitForCompletion polls an execution record until it reaches a terminal
// status or the timeout elapses. On timeout the most recent record is
// returned together with a TIMEOUT error so callers can surface the current
// status.
func (s *Service) WaitForCompletion(ctx context.Context, executionID string, pollInterval, timeout time.Duration) (*api.WorkflowExecution, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		exec, err := s.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.ExecutionStatus.IsTerminal() {
			return exec, nil
		}
		if time.Now().After(deadline) {
			return exec, api.NewError(api.CodeTimeout, "execution %s still %s after %s", executionID, exec.ExecutionStatus, timeout)
		}
		select {
		case <-ctx.Done():
			return exec, api.WrapError(api.CodeCancelled, ctx.Err(), "waiting for execution %s", executionID)
		case <-time.After(pollInterval):
		}
	}
}
