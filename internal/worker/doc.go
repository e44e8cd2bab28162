// Package worker supervises isolated job-body executions.
//
// Each launch runs the configured executable in its own OS process: the task
// payload goes in on stdin as JSON, the result comes back as the last JSON
// object line on stdout (see bodyResult), and the exit status disambiguates
// crashes from reported failures. A wall-clock deadline, SIGTERM-then-SIGKILL
// termination, and exactly-once outcome delivery are enforced here so the
// scheduler never has to reason about process lifecycles.
package worker
