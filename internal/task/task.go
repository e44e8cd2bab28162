package task

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition occurs from s.
// Failed is terminal only once retries are exhausted; that check lives on Task.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one schedulable publish job.
//
// Payload is an opaque blob handed to the job body untouched; the core never
// interprets it. Keeping it as raw JSON preserves key order and unknown fields
// across load/save round trips.
type Task struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`

	// RepeatSpec is an optional cron expression. When set, a terminal run
	// schedules a fresh pending run at the next occurrence.
	RepeatSpec string `json:"repeat_spec,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// NotBefore delays re-eligibility after a failed attempt (retry backoff).
	// Zero means no extra delay beyond ScheduledAt.
	NotBefore time.Time `json:"not_before,omitempty"`

	ResultMessage string `json:"result_message,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// New creates a pending task due at scheduledAt.
func New(payload json.RawMessage, scheduledAt time.Time, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Payload:     payload,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: maxAttempts,
	}
}

// Due reports whether the task is eligible to launch at now.
// A scheduled time in the past is immediately eligible; there is no
// missed-window semantics.
func (t *Task) Due(now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	if now.Before(t.ScheduledAt) {
		return false
	}
	if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
		return false
	}
	return true
}

// CanRetry reports whether a failed task still has attempts left.
func (t *Task) CanRetry() bool {
	return t.Status == StatusFailed && t.Attempts < t.MaxAttempts
}

// MarkRunning transitions Pending -> Running and consumes one attempt.
func (t *Task) MarkRunning(now time.Time) {
	t.Status = StatusRunning
	t.Attempts++
	t.UpdatedAt = now
}

// MarkCompleted transitions Running -> Completed.
func (t *Task) MarkCompleted(now time.Time, message string) {
	t.Status = StatusCompleted
	t.ResultMessage = message
	t.ErrorMessage = ""
	t.UpdatedAt = now
}

// MarkFailed transitions Running -> Failed with a human-readable reason.
func (t *Task) MarkFailed(now time.Time, reason string) {
	t.Status = StatusFailed
	t.ErrorMessage = reason
	t.UpdatedAt = now
}

// ResetForRetry transitions Failed -> Pending. ScheduledAt is unchanged;
// notBefore applies the configured retry backoff.
func (t *Task) ResetForRetry(now, notBefore time.Time) {
	t.Status = StatusPending
	t.NotBefore = notBefore
	t.UpdatedAt = now
}

// Clone returns a deep copy. Callers outside the scheduler loop only ever see
// clones, so the loop stays the single mutator.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	return &cp
}

// Summary is a short human-readable handle for logs (first uuid segment).
func (t *Task) Summary() string {
	id := t.ID
	if i := strings.IndexByte(id, '-'); i > 0 {
		id = id[:i]
	}
	return id
}
