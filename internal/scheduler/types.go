package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/DengZY123/social-poster/internal/eventbus"
	rtsup "github.com/DengZY123/social-poster/internal/runtime/supervisor"
	"github.com/DengZY123/social-poster/internal/storage"
	"github.com/DengZY123/social-poster/internal/task"
	"github.com/DengZY123/social-poster/internal/worker"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Config controls the scheduling loop. All values come from the embedding
// application; the scheduler itself never reads config files.
type Config struct {
	// PollInterval is the tick period of the control loop.
	PollInterval time.Duration

	// MaxAttempts bounds executions per task (first run included).
	MaxAttempts int

	// RetryBackoff delays re-eligibility after a failed attempt.
	// Zero re-queues immediately.
	RetryBackoff time.Duration

	// MinPublishGap is the minimum spacing between consecutive launches,
	// so back-to-back publishes don't trip the target site's rate checks.
	// Zero disables the gate. RunNow bypasses it.
	MinPublishGap time.Duration

	// CleanupEvery / KeepTerminal prune old terminal tasks. Pending and
	// Running records are never pruned.
	CleanupEvery time.Duration
	KeepTerminal time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 30 * time.Minute
	}
	if c.KeepTerminal <= 0 {
		c.KeepTerminal = 7 * 24 * time.Hour
	}
	return c
}

// Launcher is the process-supervision surface the scheduler drives. The
// worker.Pool implements it; tests substitute a fake.
type Launcher interface {
	// Start accepts the task or reports false when all slots are occupied.
	Start(t *task.Task) (bool, error)
	// Outcomes carries exactly one terminal report per accepted launch.
	Outcomes() <-chan worker.Outcome
}

// Stats is a point-in-time census of the collection.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

var (
	ErrNotRunning    = errors.New("scheduler not running")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskRunning   = errors.New("task has an execution in flight")
	ErrTaskNotIdle   = errors.New("task is not pending")
	ErrEmptyPayload  = errors.New("task payload is empty")
	ErrBadRepeatSpec = errors.New("invalid repeat spec")
)

// Service is the single control loop tying together the store, the worker
// pool, and the event bus.
//
// Concurrency model: the loop goroutine is the only writer of task state and
// the only caller of store.Save. API methods stage mutations under mu and
// wake the loop; subscribers only ever observe events and clones.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	launcher Launcher

	now     func() time.Time // injectable clock for tests
	limiter *rate.Limiter    // nil when MinPublishGap is 0
	parser  cron.Parser

	mu     sync.Mutex
	tasks  map[string]*task.Task
	forced map[string]bool // RunNow requests, consumed by the next tick
	dirty  bool

	sup         *rtsup.Supervisor
	wake        chan struct{}
	running     bool
	lastCleanup time.Time
}

func New(cfg Config, store storage.Store, launcher Launcher, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter *rate.Limiter
	if cfg.MinPublishGap > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinPublishGap), 1)
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		launcher: launcher,
		now:      time.Now,
		limiter:  limiter,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  map[string]*task.Task{},
		forced: map[string]bool{},
		wake:   make(chan struct{}, 1),
	}
}
