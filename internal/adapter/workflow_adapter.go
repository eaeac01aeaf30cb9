package adapter

import (
	"context"
	"time"

	"skillhub/internal/api"
	"skillhub/pkg/logging"
)

// WorkflowRunner is the slice of the workflow service the WorkflowAdapter
// needs. Declared here so the adapter package stays independent of the
// workflow package.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]interface{}, mode api.ExecutionMode) (*api.WorkflowExecution, error)
	WaitForCompletion(ctx context.Context, executionID string, pollInterval, timeout time.Duration) (*api.WorkflowExecution, error)
}

// WorkflowAdapter is the hard adapter class every installed skill binds to.
// Its configuration carries the workflow_id injected by the installer; on
// Process it dispatches that workflow through the workflow service and,
// unless the execution context says otherwise, waits for the terminal record.
type WorkflowAdapter struct {
	runner     WorkflowRunner
	workflowID string
}

// NewWorkflowAdapterFactory returns the factory the application registers
// under WorkflowAdapterClass once the workflow service exists.
func NewWorkflowAdapterFactory(runner WorkflowRunner) Factory {
	return func() Adapter { return &WorkflowAdapter{runner: runner} }
}

// Initialize requires the injected workflow_id.
func (w *WorkflowAdapter) Initialize(ctx context.Context, config map[string]interface{}) error {
	workflowID, ok := config["workflow_id"].(string)
	if !ok || workflowID == "" {
		return api.NewError(api.CodeInvalidManifest, "workflow adapter configuration is missing workflow_id")
	}
	w.workflowID = workflowID
	return nil
}

func (w *WorkflowAdapter) Start(ctx context.Context) error { return nil }

// Process dispatches the bound workflow. Execution context metadata tunes the
// wait behavior: "wait" (bool, default true), "wait_timeout" and
// "poll_interval" (time.Duration). The returned map always carries the
// workflow execution id and status; "result" holds the terminal output_data
// when the call waited.
func (w *WorkflowAdapter) Process(ctx context.Context, input map[string]interface{}, ec *api.ExecutionContext) (map[string]interface{}, error) {
	exec, err := w.runner.ExecuteWorkflow(ctx, w.workflowID, ec.UserID, input, api.ModeTriggered)
	if err != nil {
		return nil, err
	}

	wait := true
	var waitTimeout, pollInterval time.Duration
	if ec.Metadata != nil {
		if v, ok := ec.Metadata["wait"].(bool); ok {
			wait = v
		}
		if v, ok := ec.Metadata["wait_timeout"].(time.Duration); ok {
			waitTimeout = v
		}
		if v, ok := ec.Metadata["poll_interval"].(time.Duration); ok {
			pollInterval = v
		}
	}

	if !wait {
		return map[string]interface{}{
			"workflow_execution_id":     exec.ID,
			"workflow_execution_status": string(exec.ExecutionStatus),
		}, nil
	}

	final, err := w.runner.WaitForCompletion(ctx, exec.ID, pollInterval, waitTimeout)
	if err != nil && final == nil {
		return nil, err
	}
	if err != nil {
		logging.Warn("WorkflowAdapter", "Waiting for execution %s: %v", exec.ID, err)
	}

	out := map[string]interface{}{
		"workflow_execution_id":     final.ID,
		"workflow_execution_status": string(final.ExecutionStatus),
		"result":                    final.OutputData,
	}
	if final.ErrorMessage != "" {
		out["workflow_error_message"] = final.ErrorMessage
	}
	return out, nil
}

func (w *WorkflowAdapter) Stop(ctx context.Context) error    { return nil }
func (w *WorkflowAdapter) Cleanup(ctx context.Context) error { return nil }

func (w *WorkflowAdapter) HealthCheck(ctx context.Context) (*api.HealthReport, error) {
	report := &api.HealthReport{
		IsHealthy: w.workflowID != "",
		Status:    "running",
		Checks:    map[string]interface{}{"workflow_id": w.workflowID},
	}
	if w.workflowID == "" {
		report.Status = "misconfigured"
		report.Issues = []string{"no workflow_id bound"}
	}
	return report, nil
}
