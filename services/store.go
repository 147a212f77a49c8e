package services

import (
	"context"
	"time"

	"softgate-functions/models"
)

// ScheduleFilter selects schedule records. Zero values are not applied.
type ScheduleFilter struct {
	Region       string
	ResourceType string
	Active       *bool
	UpdatedAfter time.Time
}

// ScheduleStore pages through persisted schedule records.
type ScheduleStore interface {
	FindSchedules(ctx context.Context, filter ScheduleFilter, limit, offset int) ([]models.ScheduleRecord, error)
}

// FunctionStore reads function context. Lookups return nil, nil when missing.
type FunctionStore interface {
	GetFunction(ctx context.Context, projectID, id string) (*models.Function, error)
	ListFunctions(ctx context.Context, projectID string, limit, offset int) ([]models.Function, error)
	GetDeployment(ctx context.Context, projectID, id string) (*models.Deployment, error)
	GetBuild(ctx context.Context, projectID, id string) (*models.Build, error)
}

// ExecutionStore persists execution records.
//
// CreateExecution returns ErrDuplicateExecution when the id is taken.
// TransitionExecution writes exec only while the stored status still equals
// from, and reports whether the write happened.
type ExecutionStore interface {
	GetExecution(ctx context.Context, projectID, id string) (*models.Execution, error)
	CreateExecution(ctx context.Context, exec *models.Execution) error
	TransitionExecution(ctx context.Context, exec *models.Execution, from string) (bool, error)
}

// TriggerQueue carries trigger messages from producers to function workers.
// Dequeue returns nil, nil when nothing arrived within timeout.
type TriggerQueue interface {
	Enqueue(ctx context.Context, msg *models.TriggerMessage) error
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error)
	DeadLetter(ctx context.Context, raw []byte, cause error) error
}
