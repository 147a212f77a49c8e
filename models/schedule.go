package models

import "time"

// ResourceTypeFunction is the only resource type the scheduler dispatches today.
const ResourceTypeFunction = "function"

// ScheduleRecord is the persisted projection of a recurring trigger bound to a resource.
type ScheduleRecord struct {
	ID                string    `json:"id"`
	ResourceID        string    `json:"resource_id"`
	ResourceType      string    `json:"resource_type"`
	ProjectID         string    `json:"project_id"`
	Schedule          string    `json:"schedule"`
	Active            bool      `json:"active"`
	Region            string    `json:"region"`
	ResourceUpdatedAt time.Time `json:"resource_updated_at"`
}

// SameDefinition reports whether other describes the same schedule version.
func (r ScheduleRecord) SameDefinition(other ScheduleRecord) bool {
	return r.Schedule == other.Schedule && r.ResourceUpdatedAt.Equal(other.ResourceUpdatedAt)
}
