package server

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"skillhub/internal/api"
	"skillhub/internal/installer"
	"skillhub/pkg/logging"
)

// waitByDefaultPrefix marks the builtin packages whose callers expect an
// inline answer, so execute waits unless told otherwise.
const waitByDefaultPrefix = "skill.builtin.mood."

// ExecuteSkill runs an installed skill for a user and returns a shaped
// result. Builtin packages that are not yet installed are installed on the
// fly from the bundled manifests before the call proceeds.
func (s *Server) ExecuteSkill(ctx context.Context, userID, packageID string, input map[string]interface{}, opts *api.ExecuteOptions) *api.ExecuteResult {
	inst, err := s.installer.GetInstalled(ctx, userID, packageID)
	if err != nil {
		if !api.IsCode(err, api.CodeSkillNotInstalled) || !installer.IsBuiltin(packageID) || s.builtins == nil {
			return executeFailure(packageID, err)
		}
		inst, err = s.installBuiltin(ctx, userID, packageID)
		if err != nil {
			return executeFailure(packageID, err)
		}
	}

	if opts == nil {
		opts = &api.ExecuteOptions{}
	}
	wait := strings.HasPrefix(packageID, waitByDefaultPrefix)
	if opts.Wait != nil {
		wait = *opts.Wait
	}
	waitTimeout := s.opts.WaitTimeout
	if opts.WaitTimeout > 0 {
		waitTimeout = opts.WaitTimeout
	}
	pollInterval := s.opts.PollInterval
	if opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}

	ec := &api.ExecutionContext{
		RequestID:   uuid.NewString(),
		UserID:      userID,
		ExecutionID: uuid.NewString(),
		Metadata: map[string]interface{}{
			"wait":          wait,
			"wait_timeout":  waitTimeout,
			"poll_interval": pollInterval,
		},
	}

	result, err := s.adapters.Process(ctx, inst.AdapterID, input, ec)
	if err != nil {
		logging.Warn("Server", "Executing skill %s for user %s: %v", packageID, userID, err)
		return executeFailure(packageID, err)
	}
	return shapeExecuteResult(packageID, inst.AdapterID, result)
}

// installBuiltin loads the bundled manifest and installs it in strict mode.
func (s *Server) installBuiltin(ctx context.Context, userID, packageID string) (*api.SkillInstallation, error) {
	m, err := s.builtins.Load(packageID)
	if err != nil {
		return nil, err
	}
	logging.Info("Server", "Auto-installing builtin skill %s for user %s", packageID, userID)
	installed := s.installer.Install(ctx, m, userID, api.InstallModeStrict)
	if !installed.Success {
		return nil, api.NewError(installed.ErrorCode,
			"auto-install of builtin %s failed: %s", packageID, installed.ErrorMessage)
	}
	return s.installer.GetInstalled(ctx, userID, packageID)
}

// shapeExecuteResult maps the WorkflowAdapter's output map onto the public
// execute result. A workflow that ran but did not complete is a non-success
// with the workflow's own error message, never a raw error.
func shapeExecuteResult(packageID, adapterID string, result *api.ExecutionResult) *api.ExecuteResult {
	out := &api.ExecuteResult{
		PackageID: packageID,
		AdapterID: adapterID,
		Execution: result,
	}
	if id, ok := result.Output["workflow_execution_id"].(string); ok {
		out.WorkflowExecutionID = id
	}
	if status, ok := result.Output["workflow_execution_status"].(string); ok {
		out.WorkflowExecutionStatus = api.ExecutionStatus(status)
	}
	if msg, ok := result.Output["workflow_error_message"].(string); ok {
		out.WorkflowErrorMessage = msg
	}

	switch out.WorkflowExecutionStatus {
	case api.ExecutionCompleted:
		out.Success = true
		out.Result = unwrapResult(result.Output)
	case api.ExecutionPending, api.ExecutionRunning:
		// Dispatched without waiting; the execution id is the handle.
		out.Success = true
	default:
		out.Success = false
		out.ErrorCode = api.CodeProcessFailed
		out.ErrorMessage = out.WorkflowErrorMessage
		if out.ErrorMessage == "" {
			out.ErrorMessage = "workflow execution " + string(out.WorkflowExecutionStatus)
		}
	}
	return out
}

// unwrapResult exposes the workflow's output_data as the caller's result. An
// output carrying a "result" key is unwrapped to that value; otherwise the
// full output map is returned.
func unwrapResult(output map[string]interface{}) interface{} {
	raw, ok := output["result"]
	if !ok {
		return output
	}
	if data, ok := raw.(map[string]interface{}); ok {
		if inner, ok := data["result"]; ok {
			return inner
		}
	}
	return raw
}

// executeFailure shapes a platform error into an ExecuteResult.
func executeFailure(packageID string, err error) *api.ExecuteResult {
	return &api.ExecuteResult{
		Success:      false,
		PackageID:    packageID,
		ErrorCode:    api.CodeOf(err),
		ErrorMessage: err.Error(),
	}
}
