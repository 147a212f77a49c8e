package models

import (
	"time"
)

// BuildStatusReady marks a build whose output can be executed
const BuildStatusReady = "ready"

// Function represents a deployed serverless function
type Function struct {
	ID         string            `json:"id"`
	InternalID string            `json:"internal_id"`
	ProjectID  string            `json:"project_id"`
	Name       string            `json:"name"`
	Runtime    string            `json:"runtime"`
	Deployment string            `json:"deployment"`
	Events     []string          `json:"events"`
	Schedule   string            `json:"schedule,omitempty"`
	Timeout    int               `json:"timeout"`
	Vars       map[string]string `json:"vars,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Deployment is a code upload bound to a function
type Deployment struct {
	ID         string `json:"id"`
	InternalID string `json:"internal_id"`
	ProjectID  string `json:"project_id"`
	ResourceID string `json:"resource_id"`
	BuildID    string `json:"build_id"`
	Entrypoint string `json:"entrypoint"`
}

// Build is the compiled output of a deployment
type Build struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
}

// Runtime describes an execution environment a function can target
type Runtime struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
}
