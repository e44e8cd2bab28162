package scheduler

import (
	"context"
	"errors"
	"fmt"

	rtsup "github.com/DengZY123/social-poster/internal/runtime/supervisor"
	"github.com/DengZY123/social-poster/internal/storage"
	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Start loads the persisted collection, heals orphaned Running records, and
// launches the control loop. It is not safe to call concurrently with itself.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))))
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	sup.GoRestart("scheduler.loop", s.loop)

	s.log.Info("scheduler started",
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
		logx.Duration("retry_backoff", s.cfg.RetryBackoff))
	return nil
}

// Stop halts the loop and flushes any unsaved state. In-flight executions are
// the worker pool's to cancel; their records will be healed as orphans on the
// next start if they never report back.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}

	// Final flush so nothing mutated after the last tick is lost.
	s.persist(context.Background())

	s.log.Info("scheduler stopped")
	return err
}

// load pulls the persisted collection into memory and reconciles records that
// were Running when the previous process died.
func (s *Service) load(ctx context.Context) error {
	tasks, err := s.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrCorruptionDetected) {
			return fmt.Errorf("load tasks: %w", err)
		}
		// Corruption is a warning: the store already recovered what it could.
		s.log.Warn("task snapshot corruption detected", logx.Err(err))
	}

	now := s.now()
	healed := 0

	s.mu.Lock()
	s.tasks = make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusRunning {
			// The execution died with the previous process; there is nothing
			// to wait for. Fail it with a distinct reason, then let normal
			// retry policy take over.
			t.MarkFailed(now, "interrupted by restart")
			if t.CanRetry() {
				t.ResetForRetry(now, now.Add(s.cfg.RetryBackoff))
			}
			healed++
			s.dirty = true
		}
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()

	if healed > 0 {
		s.log.Warn("healed orphaned running tasks", logx.Int("count", healed))
		s.persist(ctx)
	}
	s.log.Info("task collection loaded", logx.Int("tasks", len(tasks)), logx.Int("orphans_healed", healed))
	return nil
}
