package models

import "encoding/json"

// ConsoleProject is the internal project id that never runs functions
const ConsoleProject = "console"

// TriggerMessage is the payload carried on the functions queue
type TriggerMessage struct {
	Type        string   `json:"type"`
	ProjectID   string   `json:"projectId"`
	FunctionID  string   `json:"functionId,omitempty"`
	ExecutionID string   `json:"executionId,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	JWT         string   `json:"jwt,omitempty"`
	Data        string   `json:"data,omitempty"`
	Events      []string `json:"events,omitempty"`

	// Payload is the event body for event triggers.
	Payload json.RawMessage `json:"payload,omitempty"`
}
