package models

import "time"

// EventKind classifies a status event.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Terminal reports whether the event closes a submission.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// StatusEvent is a transient progress notification. It only lives on
// subscriber queues and is never persisted.
type StatusEvent struct {
	ID        string           `json:"id"`
	Kind      EventKind        `json:"kind"`
	ContentID string           `json:"content_id"`
	Status    ProcessingStatus `json:"status"`
	Stage     string           `json:"stage,omitempty"`
	Progress  *int             `json:"progress,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Percent is a helper for building events with a progress value.
func Percent(p int) *int {
	return &p
}
