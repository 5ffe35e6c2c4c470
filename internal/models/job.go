package models

import (
	"time"
)

// JobStatus is the state of one processing attempt.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobSkipped    JobStatus = "skipped" // reserved for steps bypassed for structural reasons
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobSkipped
}

// ProcessingJob records one pipeline invocation for a content item.
// Rows are immutable once they reach a terminal status.
type ProcessingJob struct {
	ID            string         `json:"id"`
	ContentID     string         `json:"content_id"`
	ProcessorName string         `json:"processor_name"`
	Status        JobStatus      `json:"status"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
