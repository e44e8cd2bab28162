package scheduler

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/DengZY123/social-poster/internal/eventbus"
	"github.com/DengZY123/social-poster/internal/task"
	"github.com/DengZY123/social-poster/internal/worker"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// loop is the control loop. It runs under the supervisor and owns every task
// state transition and every Save call.
func (s *Service) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		case out, ok := <-s.launcher.Outcomes():
			if !ok {
				return nil
			}
			s.applyOutcome(out)
			s.tick(ctx)
		}
	}
}

// tick drains completed executions first so their slots are free for the
// launch phase of the same tick, then launches due tasks, prunes, and saves.
func (s *Service) tick(ctx context.Context) {
	for {
		select {
		case out, ok := <-s.launcher.Outcomes():
			if !ok {
				return
			}
			s.applyOutcome(out)
			continue
		default:
		}
		break
	}

	s.launchDue()
	s.cleanup()
	if s.isDirty() {
		s.persist(ctx)
	}
}

// applyOutcome moves a Running task to its terminal state, or re-queues it
// when retry budget remains.
func (s *Service) applyOutcome(out worker.Outcome) {
	now := s.now()

	s.mu.Lock()
	t, ok := s.tasks[out.TaskID]
	if !ok || t.Status != task.StatusRunning {
		// Deleted mid-flight, or a duplicate report. Nothing to transition.
		s.mu.Unlock()
		s.log.Warn("outcome for unknown or non-running task",
			logx.String("task", out.TaskID), logx.String("kind", out.Kind.String()))
		return
	}

	ev := TaskEvent{
		ID:       t.ID,
		Attempt:  t.Attempts,
		Message:  out.Message,
		Data:     out.Data,
		Started:  out.Started,
		Duration: out.Duration,
	}

	var evType string
	if out.Kind == worker.OutcomeSucceeded {
		t.MarkCompleted(now, out.Message)
		evType = EventTaskCompleted
		s.rescheduleRepeat(t, now)
	} else {
		t.MarkFailed(now, out.Message)
		evType = EventTaskFailed
		if t.CanRetry() {
			t.ResetForRetry(now, now.Add(s.cfg.RetryBackoff))
			ev.WillRetry = true
		}
	}
	s.dirty = true
	s.mu.Unlock()

	if ev.WillRetry {
		s.log.Warn("task attempt failed, will retry",
			logx.String("task", ev.ID), logx.Int("attempt", ev.Attempt),
			logx.String("reason", out.Message))
	} else if evType == EventTaskFailed {
		s.log.Error("task failed permanently",
			logx.String("task", ev.ID), logx.Int("attempts", ev.Attempt),
			logx.String("reason", out.Message))
	} else {
		s.log.Info("task completed",
			logx.String("task", ev.ID), logx.Duration("took", out.Duration))
	}

	s.publish(evType, now, ev)
}

// rescheduleRepeat re-queues a completed recurring task at its next cron
// activation. Caller holds s.mu.
func (s *Service) rescheduleRepeat(t *task.Task, now time.Time) {
	if t.RepeatSpec == "" {
		return
	}
	sched, err := s.parser.Parse(t.RepeatSpec)
	if err != nil {
		// Validated on Add; a parse failure here means the snapshot was
		// edited by hand. Leave the task completed.
		s.log.Warn("repeat spec no longer parses",
			logx.String("task", t.ID), logx.Err(err))
		return
	}
	next := sched.Next(now)
	t.Status = task.StatusPending
	t.ScheduledAt = next
	t.NotBefore = time.Time{}
	t.Attempts = 0
	t.ErrorMessage = ""
	t.UpdatedAt = now
	s.log.Info("recurring task re-queued",
		logx.String("task", t.ID), logx.Time("next", next))
}

// launchDue hands due tasks to the launcher, oldest schedule first. A full
// pool ends the scan: the remaining tasks are later in the order anyway.
func (s *Service) launchDue() {
	now := s.now()

	s.mu.Lock()
	var due []*task.Task
	for _, t := range s.tasks {
		if t.Due(now) || (s.forced[t.ID] && t.Status == task.StatusPending) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		// RunNow requests jump the queue.
		fa, fb := s.forced[a.ID], s.forced[b.ID]
		if fa != fb {
			return fa
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
	s.mu.Unlock()

	for _, t := range due {
		s.mu.Lock()
		cur, ok := s.tasks[t.ID]
		if !ok || cur.Status != task.StatusPending {
			s.mu.Unlock()
			continue
		}
		forced := s.forced[cur.ID]
		// Reserve rather than consume the gap token: a launch the pool
		// rejects must not cost the gate anything.
		var gate *rate.Reservation
		if !forced && s.limiter != nil {
			gate = s.limiter.Reserve()
			if !gate.OK() || gate.Delay() > 0 {
				// Gap gate closed; the next tick will try again.
				gate.Cancel()
				s.mu.Unlock()
				break
			}
		}
		cur.MarkRunning(now)
		snapshot := cur.Clone()
		s.mu.Unlock()

		accepted, err := s.launcher.Start(snapshot)
		if err != nil || !accepted {
			if gate != nil {
				gate.Cancel()
			}
			s.mu.Lock()
			cur.Status = task.StatusPending
			cur.Attempts--
			cur.UpdatedAt = now
			s.mu.Unlock()
			if err != nil {
				s.log.Error("launch rejected", logx.Err(err), logx.String("task", cur.ID))
				continue
			}
			// All slots busy. Later tasks would queue behind this one.
			break
		}

		s.mu.Lock()
		delete(s.forced, cur.ID)
		s.dirty = true
		attempt := cur.Attempts
		s.mu.Unlock()

		s.log.Info("task started",
			logx.String("task", cur.ID), logx.Int("attempt", attempt),
			logx.Bool("forced", forced))
		s.publish(EventTaskStarted, now, TaskEvent{ID: cur.ID, Attempt: attempt})
	}
}

// cleanup prunes terminal tasks older than KeepTerminal, at most once per
// CleanupEvery.
func (s *Service) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastCleanup) < s.cfg.CleanupEvery {
		return
	}
	s.lastCleanup = now

	cutoff := now.Add(-s.cfg.KeepTerminal)
	removed := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			delete(s.forced, id)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
		s.log.Info("pruned old terminal tasks", logx.Int("count", removed))
	}
}

// persist snapshots the collection to the store. On failure the dirty flag
// stays set so the next tick retries; in-memory state remains authoritative.
func (s *Service) persist(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t.Clone())
	}
	s.dirty = false
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].ScheduledAt.Equal(snapshot[j].ScheduledAt) {
			return snapshot[i].ScheduledAt.Before(snapshot[j].ScheduledAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	if err := s.store.Save(ctx, snapshot); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.log.Error("task snapshot save failed", logx.Err(err), logx.Int("tasks", len(snapshot)))
	}
}

func (s *Service) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Service) publish(evType string, now time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: ev})
}

// poke nudges the loop without waiting for the next tick.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
