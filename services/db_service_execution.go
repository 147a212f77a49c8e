package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"softgate-functions/models"
)

const executionColumns = `id, project_id, function_id, function_internal_id, deployment_id, deployment_internal_id,
	trigger, event, status, status_code, response, stdout, stderr, duration, permissions, search, created_at, updated_at`

func (s *DBService) GetExecution(ctx context.Context, projectID, id string) (*models.Execution, error) {
	exec := &models.Execution{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE project_id = $1 AND id = $2
	`, projectID, id).Scan(&exec.ID, &exec.ProjectID, &exec.FunctionID, &exec.FunctionInternalID,
		&exec.DeploymentID, &exec.DeploymentInternalID, &exec.Trigger, &exec.Event, &exec.Status,
		&exec.StatusCode, &exec.Response, &exec.Stdout, &exec.Stderr, &exec.Duration,
		pq.Array(&exec.Permissions), &exec.Search, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// CreateExecution inserts exec. An existing id yields ErrDuplicateExecution.
func (s *DBService) CreateExecution(ctx context.Context, exec *models.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, exec.ID, exec.ProjectID, exec.FunctionID, exec.FunctionInternalID, exec.DeploymentID,
		exec.DeploymentInternalID, exec.Trigger, exec.Event, exec.Status, exec.StatusCode,
		exec.Response, exec.Stdout, exec.Stderr, exec.Duration, pq.Array(exec.Permissions),
		exec.Search, exec.CreatedAt, exec.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateExecution
	}
	return err
}

// TransitionExecution writes exec only while the stored status is still from.
// It reports false when another writer moved the record first.
func (s *DBService) TransitionExecution(ctx context.Context, exec *models.Execution, from string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $3, status_code = $4, response = $5, stdout = $6, stderr = $7,
			duration = $8, updated_at = $9
		WHERE project_id = $1 AND id = $2 AND status = $10
	`, exec.ProjectID, exec.ID, exec.Status, exec.StatusCode, exec.Response, exec.Stdout,
		exec.Stderr, exec.Duration, exec.UpdatedAt, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM executions WHERE project_id = $1 AND id = $2)
	`, exec.ProjectID, exec.ID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrExecutionNotFound
	}
	return false, nil
}
