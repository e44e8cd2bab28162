// Package app wires the daemon together: logging, storage, the worker pool,
// the scheduler, and the event sinks, in dependency order with reverse-order
// shutdown.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/DengZY123/social-poster/internal/config"
	"github.com/DengZY123/social-poster/internal/eventbus"
	"github.com/DengZY123/social-poster/internal/notifier"
	"github.com/DengZY123/social-poster/internal/scheduler"
	"github.com/DengZY123/social-poster/internal/storage"
	"github.com/DengZY123/social-poster/internal/worker"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// App owns every long-lived component of the daemon.
type App struct {
	Log       logx.Logger
	LogSvc    *logx.Service
	Manager   *config.Manager
	Bus       eventbus.Bus
	Store     storage.Store
	Pool      *worker.Pool
	Scheduler *scheduler.Service
	Notifier  *notifier.Service

	buildPool      func(ctx context.Context) *worker.Pool
	buildScheduler func(pool *worker.Pool) *scheduler.Service

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the component graph from a committed config. Nothing runs yet;
// call Start.
func New(mgr *config.Manager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	cfg := mgr.Get()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	bus := eventbus.New()

	storeCfg, err := cfg.Storage.Storage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	workerCfg, err := cfg.Worker.Worker()
	if err != nil {
		return nil, err
	}
	schedCfg, err := cfg.Scheduler.Scheduler()
	if err != nil {
		return nil, err
	}

	var sinks []notifier.Sink
	if cfg.Notifier.NSQAddress != "" {
		nsqSink, err := notifier.NewNSQSink(cfg.Notifier.NSQAddress, cfg.Notifier.NSQTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, nsqSink)
	} else {
		sinks = append(sinks, notifier.NewLogSink(log.With(logx.String("comp", "events"))))
	}

	a := &App{
		Log:     log,
		LogSvc:  logSvc,
		Manager: mgr,
		Bus:     bus,
		Store:   store,
	}

	// Pool and scheduler need the run context, so they are built in Start.
	a.buildPool = func(ctx context.Context) *worker.Pool {
		return worker.NewPool(ctx, workerCfg, log.With(logx.String("comp", "worker")))
	}
	a.buildScheduler = func(pool *worker.Pool) *scheduler.Service {
		return scheduler.New(schedCfg, store, pool, bus, log)
	}
	a.Notifier = notifier.New(
		notifier.Config{Buffer: cfg.Notifier.Buffer, Types: cfg.Notifier.Types},
		bus, log, sinks...)
	return a, nil
}

// Start brings the components up and returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, _ = errgroup.WithContext(runCtx)

	a.Pool = a.buildPool(runCtx)
	a.Scheduler = a.buildScheduler(a.Pool)

	if err := a.Notifier.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := a.Scheduler.Start(runCtx); err != nil {
		cancel()
		_ = a.Notifier.Stop(context.Background())
		return err
	}

	a.group.Go(func() error {
		return a.Manager.Watch(runCtx)
	})
	a.group.Go(func() error {
		a.watchConfig(runCtx)
		return nil
	})

	a.Log.Info("daemon started")
	return nil
}

// Stop shuts components down in reverse start order. The scheduler stops
// first so no new launches race the pool teardown.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.Scheduler.Stop(ctx))
	record(a.Pool.StopAll(ctx))
	record(a.Notifier.Stop(ctx))
	if a.group != nil {
		record(a.group.Wait())
	}
	record(a.Store.Close())

	a.Log.Info("daemon stopped")
	return firstErr
}

// watchConfig applies live-reloadable settings. Only logging is hot today;
// structural changes (storage driver, worker command) need a restart.
func (a *App) watchConfig(ctx context.Context) {
	updates := a.Manager.Subscribe(1)
	defer a.Manager.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if a.LogSvc != nil {
				a.LogSvc.Apply(cfg.Logging.Logx())
				a.Log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	}
}
