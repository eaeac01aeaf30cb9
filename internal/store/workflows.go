package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skillhub/internal/api"
)

// InsertWorkflow persists a new workflow.
func (s *Session) InsertWorkflow(wf *api.Workflow) error {
	definitionJSON, err := marshalJSON(wf.Definition)
	if err != nil {
		return err
	}
	triggerJSON, err := marshalJSON(wf.TriggerConfig)
	if err != nil {
		return err
	}
	envJSON, err := marshalJSON(wf.EnvironmentVariables)
	if err != nil {
		return err
	}

	_, err = s.tx.ExecContext(s.ctx, `
		INSERT INTO workflows
			(id, user_id, slug, name, definition, trigger_type, trigger_config,
			 workflow_status, environment_variables, execution_count,
			 success_count, failure_count, last_executed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, wf.ID, wf.UserID, wf.Slug, wf.Name, definitionJSON,
		string(wf.TriggerType), triggerJSON, string(wf.WorkflowStatus),
		envJSON, wf.ExecutionCount, wf.SuccessCount, wf.FailureCount,
		formatNullableTime(wf.LastExecutedAt),
		formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (s *Session) GetWorkflow(id string) (*api.Workflow, error) {
	row := s.tx.QueryRowContext(s.ctx, workflowSelect+` WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.CodeWorkflowNotFound, "workflow %s not found", id)
	}
	return wf, err
}

// UpdateWorkflowStatus moves a workflow to a new lifecycle status.
func (s *Session) UpdateWorkflowStatus(id string, status api.WorkflowStatus) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE workflows SET workflow_status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), id)
	return err
}

// DeleteWorkflow removes a workflow row. Used by installer rollback before
// any execution can reference it.
func (s *Session) DeleteWorkflow(id string) error {
	_, err := s.tx.ExecContext(s.ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// MarkWorkflowExecuted bumps execution_count and stamps last_executed_at.
func (s *Session) MarkWorkflowExecuted(id string, at time.Time) error {
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE workflows
		SET execution_count = execution_count + 1, last_executed_at = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(at), formatTime(time.Now()), id)
	return err
}

// MarkWorkflowOutcome bumps the success or failure counter.
func (s *Session) MarkWorkflowOutcome(id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	_, err := s.tx.ExecContext(s.ctx, `
		UPDATE workflows SET `+column+` = `+column+` + 1, updated_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
	return err
}

const workflowSelect = `
	SELECT id, user_id, slug, name, definition, trigger_type, trigger_config,
	       workflow_status, environment_variables, execution_count,
	       success_count, failure_count, last_executed_at, created_at, updated_at
	FROM workflows`

func scanWorkflow(row rowScanner) (*api.Workflow, error) {
	var (
		wf             api.Workflow
		definitionJSON string
		triggerType    string
		triggerJSON    string
		status         string
		envJSON        string
		lastExecutedAt sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := row.Scan(&wf.ID, &wf.UserID, &wf.Slug, &wf.Name, &definitionJSON,
		&triggerType, &triggerJSON, &status, &envJSON, &wf.ExecutionCount,
		&wf.SuccessCount, &wf.FailureCount, &lastExecutedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	wf.TriggerType = api.TriggerType(triggerType)
	wf.WorkflowStatus = api.WorkflowStatus(status)
	if err := unmarshalJSON(definitionJSON, &wf.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of %s: %w", wf.ID, err)
	}
	if err := unmarshalJSON(triggerJSON, &wf.TriggerConfig); err != nil {
		return nil, fmt.Errorf("decode trigger config of %s: %w", wf.ID, err)
	}
	if err := unmarshalJSON(envJSON, &wf.EnvironmentVariables); err != nil {
		return nil, fmt.Errorf("decode environment variables of %s: %w", wf.ID, err)
	}
	if wf.LastExecutedAt, err = parseNullableTime(lastExecutedAt); err != nil {
		return nil, err
	}
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}
