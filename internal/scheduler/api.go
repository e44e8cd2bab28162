package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Add queues a new task. RepeatSpec, when set, must be a valid cron
// expression; it takes effect after each successful run.
func (s *Service) Add(payload json.RawMessage, scheduledAt time.Time, repeatSpec string) (*task.Task, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if repeatSpec != "" {
		if _, err := s.parser.Parse(repeatSpec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRepeatSpec, err)
		}
	}

	t := task.New(payload, scheduledAt, s.cfg.MaxAttempts)
	t.RepeatSpec = repeatSpec

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.dirty = true
	s.mu.Unlock()

	s.log.Info("task added",
		logx.String("task", t.ID), logx.Time("scheduled_at", scheduledAt),
		logx.String("repeat", repeatSpec))
	s.poke()
	return t.Clone(), nil
}

// PublishNow queues a task due immediately. It still waits for a free slot
// and respects the launch gap, unlike RunNow.
func (s *Service) PublishNow(payload json.RawMessage) (*task.Task, error) {
	return s.Add(payload, s.now(), "")
}

// RunNow forces an existing pending task to launch on the next tick, ahead of
// both its schedule and the launch gap.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != task.StatusPending {
		s.mu.Unlock()
		return ErrTaskNotIdle
	}
	s.forced[id] = true
	s.mu.Unlock()

	s.log.Info("task forced", logx.String("task", id))
	s.poke()
	return nil
}

// Delete removes a task. Running tasks are refused; callers must wait for the
// in-flight execution to report before removing the record.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status == task.StatusRunning {
		s.mu.Unlock()
		return ErrTaskRunning
	}
	delete(s.tasks, id)
	delete(s.forced, id)
	s.dirty = true
	s.mu.Unlock()

	s.log.Info("task deleted", logx.String("task", id))
	s.poke()
	return nil
}

// Get returns a copy of one task.
func (s *Service) Get(id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns copies of every task, ordered by schedule then ID.
func (s *Service) List() []*task.Task {
	s.mu.Lock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts tasks per status.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusPending:
			st.Pending++
		case task.StatusRunning:
			st.Running++
		case task.StatusCompleted:
			st.Completed++
		case task.StatusFailed:
			st.Failed++
		}
	}
	return st
}
