package models

import "time"

// Execution status values. Transitions only move forward:
// waiting -> processing -> completed | failed.
const (
	StatusWaiting    = "waiting"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Trigger types
const (
	TriggerHTTP     = "http"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// Execution represents one attempt to run a function (executions table)
type Execution struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	FunctionID           string    `json:"function_id"`
	FunctionInternalID   string    `json:"function_internal_id"`
	DeploymentID         string    `json:"deployment_id"`
	DeploymentInternalID string    `json:"deployment_internal_id"`
	Trigger              string    `json:"trigger"`
	Event                string    `json:"event,omitempty"`
	Status               string    `json:"status"`
	StatusCode           int       `json:"status_code"`
	Response             string    `json:"response"`
	Stdout               string    `json:"stdout"`
	Stderr               string    `json:"stderr"`
	Duration             float64   `json:"duration"`
	Permissions          []string  `json:"permissions"`
	Search               string    `json:"search,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// CanTransition reports whether an execution may move from one status to another.
func CanTransition(from, to string) bool {
	switch from {
	case StatusWaiting:
		return to == StatusProcessing
	case StatusProcessing:
		return IsTerminal(to)
	default:
		return false
	}
}

// RunnerRequest is sent to the sandboxed runner
type RunnerRequest struct {
	ProjectID    string            `json:"projectId"`
	DeploymentID string            `json:"deploymentId"`
	Payload      string            `json:"payload"`
	Variables    map[string]string `json:"variables"`
	Timeout      int               `json:"timeout"`
	Image        string            `json:"image"`
	Source       string            `json:"source"`
	Entrypoint   string            `json:"entrypoint"`

	// Command is only used by the local process runner.
	Command []string `json:"-"`
}

// RunnerResult is what the runner reports for a finished execution
type RunnerResult struct {
	Status     string  `json:"status"`
	StatusCode int     `json:"statusCode"`
	Response   string  `json:"response"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	Duration   float64 `json:"duration"`
}
