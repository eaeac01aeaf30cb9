package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"skillhub/internal/api"
)

// InsertExecution persists a new workflow execution record.
func (s *Session) InsertExecution(ex *api.WorkflowExecution) error {
	inputJSON, err := marshalJSON(ex.InputData)
	if err != nil {
		return err
	}
	resultsJSON, err := marshalJSON(ex.NodeResults)
	if err != nil {
		return err
	}

	_, err = s.tx.ExecContext(s.ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, user_id, execution_mode, execution_status,
			 input_data, output_data, node_results, started_at, completed_at,
			 duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)
	`, ex.ID, ex.WorkflowID, ex.UserID, string(ex.ExecutionMode),
		string(ex.ExecutionStatus), inputJSON, resultsJSON,
		formatTime(ex.StartedAt), formatNullableTime(ex.CompletedAt),
		ex.DurationMs, ex.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", ex.ID, err)
	}
	return nil
}

// GetExecution loads one execution record.
func (s *Session) GetExecution(id string) (*api.WorkflowExecution, error) {
	row := s.tx.QueryRowContext(s.ctx, executionSelect+` WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NewError(api.CodeWorkflowNotFound, "execution %s not found", id)
	}
	return ex, err
}

// terminalStatuses guards status updates: a terminal execution never
// transitions again.
const terminalStatuses = `('completed', 'failed', 'cancelled', 'timeout')`

// MarkExecutionRunning advances pending -> running.
func (s *Session) MarkExecutionRunning(id string) error {
	res, err := s.tx.ExecContext(s.ctx, `
		UPDATE workflow_executions
		SET execution_status = 'running'
		WHERE id = ? AND execution_status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id, "pending")
}

// CompleteExecution finalizes an execution with a terminal status, output,
// node results, and timing. The guard refuses to touch an already-terminal
// record.
func (s *Session) CompleteExecution(ex *api.WorkflowExecution) error {
	if !ex.ExecutionStatus.IsTerminal() {
		return fmt.Errorf("CompleteExecution requires a terminal status, got %s", ex.ExecutionStatus)
	}

	var outputJSON interface{}
	if ex.OutputData != nil {
		encoded, err := marshalJSON(ex.OutputData)
		if err != nil {
			return err
		}
		outputJSON = encoded
	}
	resultsJSON, err := marshalJSON(ex.NodeResults)
	if err != nil {
		return err
	}

	res, err := s.tx.ExecContext(s.ctx, `
		UPDATE workflow_executions
		SET execution_status = ?, output_data = ?, node_results = ?,
		    completed_at = ?, duration_ms = ?, error_message = ?
		WHERE id = ? AND execution_status NOT IN `+terminalStatuses+`
	`, string(ex.ExecutionStatus), outputJSON, resultsJSON,
		formatNullableTime(ex.CompletedAt), ex.DurationMs, ex.ErrorMessage, ex.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ex.ID, "non-terminal")
}

// ListExecutions returns a page of executions for a workflow, newest first.
func (s *Session) ListExecutions(workflowID string, skip, limit int) ([]*api.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.tx.QueryContext(s.ctx, executionSelect+`
		WHERE workflow_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, workflowID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.WorkflowExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func requireRow(res sql.Result, id, expected string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %s not in %s state", id, expected)
	}
	return nil
}

const executionSelect = `
	SELECT id, workflow_id, user_id, execution_mode, execution_status,
	       input_data, output_data, node_results, started_at, completed_at,
	       duration_ms, error_message
	FROM workflow_executions`

func scanExecution(row rowScanner) (*api.WorkflowExecution, error) {
	var (
		ex          api.WorkflowExecution
		mode        string
		status      string
		inputJSON   string
		outputJSON  sql.NullString
		resultsJSON string
		startedAt   string
		completedAt sql.NullString
	)

	err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.UserID, &mode, &status,
		&inputJSON, &outputJSON, &resultsJSON, &startedAt, &completedAt,
		&ex.DurationMs, &ex.ErrorMessage)
	if err != nil {
		return nil, err
	}

	ex.ExecutionMode = api.ExecutionMode(mode)
	ex.ExecutionStatus = api.ExecutionStatus(status)
	if err := unmarshalJSON(inputJSON, &ex.InputData); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", ex.ID, err)
	}
	if outputJSON.Valid {
		if err := unmarshalJSON(outputJSON.String, &ex.OutputData); err != nil {
			return nil, fmt.Errorf("decode output of %s: %w", ex.ID, err)
		}
	}
	if err := unmarshalJSON(resultsJSON, &ex.NodeResults); err != nil {
		return nil, fmt.Errorf("decode node results of %s: %w", ex.ID, err)
	}
	if ex.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if ex.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &ex, nil
}

// ExecutionDuration is a small helper shared by the workflow service when
// finalizing records.
func ExecutionDuration(started time.Time, completed time.Time) int64 {
	return completed.Sub(started).Milliseconds()
}
