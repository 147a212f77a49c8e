package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"softgate-functions/models"
)

const pqUniqueViolation = "23505"

// DBService is the Postgres backed store for schedules, functions and
// executions.
type DBService struct {
	db *sql.DB
}

func NewDBService(host string, port int, user, password, dbname string) (*DBService, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &DBService{db: db}, nil
}

func (s *DBService) Close() error {
	return s.db.Close()
}

func (s *DBService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates tables if they don't exist
func (s *DBService) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS functions (
		internal_id BIGSERIAL PRIMARY KEY,
		id VARCHAR(36) NOT NULL,
		project_id VARCHAR(36) NOT NULL,
		name VARCHAR(128) NOT NULL,
		runtime VARCHAR(64) NOT NULL,
		deployment VARCHAR(36) NOT NULL DEFAULT '',
		events TEXT[] NOT NULL DEFAULT '{}',
		schedule VARCHAR(128) NOT NULL DEFAULT '',
		timeout INTEGER NOT NULL DEFAULT 15,
		vars JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS deployments (
		internal_id BIGSERIAL PRIMARY KEY,
		id VARCHAR(36) NOT NULL,
		project_id VARCHAR(36) NOT NULL,
		resource_id VARCHAR(36) NOT NULL,
		build_id VARCHAR(36) NOT NULL DEFAULT '',
		entrypoint TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS builds (
		id VARCHAR(36) NOT NULL,
		project_id VARCHAR(36) NOT NULL,
		status VARCHAR(20) NOT NULL,
		output_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id VARCHAR(36) PRIMARY KEY,
		resource_id VARCHAR(36) NOT NULL,
		resource_type VARCHAR(32) NOT NULL,
		project_id VARCHAR(36) NOT NULL,
		schedule VARCHAR(128) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		region VARCHAR(32) NOT NULL DEFAULT 'default',
		resource_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (resource_type, resource_id)
	);

	CREATE TABLE IF NOT EXISTS executions (
		id VARCHAR(36) NOT NULL,
		project_id VARCHAR(36) NOT NULL,
		function_id VARCHAR(36) NOT NULL,
		function_internal_id VARCHAR(36) NOT NULL,
		deployment_id VARCHAR(36) NOT NULL,
		deployment_internal_id VARCHAR(36) NOT NULL,
		trigger VARCHAR(20) NOT NULL,
		event TEXT NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		response TEXT NOT NULL DEFAULT '',
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		permissions TEXT[] NOT NULL DEFAULT '{}',
		search TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (project_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_region_updated ON schedules(region, resource_updated_at);
	CREATE INDEX IF NOT EXISTS idx_executions_function_id ON executions(project_id, function_id, created_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const functionColumns = `internal_id, id, project_id, name, runtime, deployment, events, schedule, timeout, vars, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunction(row rowScanner) (*models.Function, error) {
	fn := &models.Function{}
	var varsJSON []byte
	err := row.Scan(&fn.InternalID, &fn.ID, &fn.ProjectID, &fn.Name, &fn.Runtime, &fn.Deployment,
		pq.Array(&fn.Events), &fn.Schedule, &fn.Timeout, &varsJSON, &fn.CreatedAt, &fn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &fn.Vars); err != nil {
			return nil, fmt.Errorf("function %s vars: %w", fn.ID, err)
		}
	}
	return fn, nil
}

// GetFunction returns nil, nil when the function does not exist.
func (s *DBService) GetFunction(ctx context.Context, projectID, id string) (*models.Function, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+functionColumns+`
		FROM functions WHERE project_id = $1 AND id = $2
	`, projectID, id)
	fn, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return fn, err
}

// ListFunctions pages through a project's functions in a stable order.
func (s *DBService) ListFunctions(ctx context.Context, projectID string, limit, offset int) ([]models.Function, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+functionColumns+`
		FROM functions WHERE project_id = $1
		ORDER BY internal_id
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	functions := []models.Function{}
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		functions = append(functions, *fn)
	}
	return functions, rows.Err()
}

func (s *DBService) GetDeployment(ctx context.Context, projectID, id string) (*models.Deployment, error) {
	dep := &models.Deployment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT internal_id, id, project_id, resource_id, build_id, entrypoint
		FROM deployments WHERE project_id = $1 AND id = $2
	`, projectID, id).Scan(&dep.InternalID, &dep.ID, &dep.ProjectID, &dep.ResourceID, &dep.BuildID, &dep.Entrypoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func (s *DBService) GetBuild(ctx context.Context, projectID, id string) (*models.Build, error) {
	build := &models.Build{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, output_path
		FROM builds WHERE project_id = $1 AND id = $2
	`, projectID, id).Scan(&build.ID, &build.ProjectID, &build.Status, &build.OutputPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return build, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
