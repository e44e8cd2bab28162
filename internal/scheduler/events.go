package scheduler

import "time"

// Lifecycle event types published on the bus. For every launch, subscribers
// see EventTaskStarted followed by exactly one of the terminal events;
// ordering across different tasks is unconstrained.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// TaskEvent is the Data payload of every lifecycle event.
type TaskEvent struct {
	ID       string         `json:"id"`
	Attempt  int            `json:"attempt"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Started  time.Time      `json:"started,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`

	// WillRetry marks a failure that re-queues the task; the terminal
	// failure of a task carries WillRetry == false.
	WillRetry bool `json:"will_retry,omitempty"`
}
