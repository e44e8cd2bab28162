package worker

import (
	"errors"
	"time"
)

// Config controls the process pool.
type Config struct {
	// MaxProcesses caps concurrently running job bodies.
	MaxProcesses int

	// Command is the job-body argv prefix (executable + fixed args).
	// The task payload is written to the child's stdin as JSON.
	Command []string

	// Timeout is the per-job wall-clock deadline. On expiry the child is
	// terminated and the launch reports OutcomeTimedOut.
	Timeout time.Duration

	// KillGrace is how long a child gets between SIGTERM and SIGKILL.
	KillGrace time.Duration

	WorkDir string
}

func (c Config) withDefaults() Config {
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 2 * time.Second
	}
	return c
}

// OutcomeKind classifies how a launch ended. Every accepted launch reports
// exactly one outcome.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the single terminal report for one accepted launch.
type Outcome struct {
	TaskID   string
	Kind     OutcomeKind
	Message  string
	Data     map[string]any // result payload from the job body, if any
	Started  time.Time
	Duration time.Duration
}

var (
	ErrStopped        = errors.New("worker pool stopped")
	ErrAlreadyRunning = errors.New("task already has an execution in flight")
	ErrNoCommand      = errors.New("worker pool has no job-body command configured")
)
