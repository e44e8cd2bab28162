package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	rtsup "github.com/DengZY123/social-poster/internal/runtime/supervisor"
	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Pool launches job bodies as isolated OS processes, capped at
// Config.MaxProcesses concurrent executions.
//
// Start is non-blocking: it returns false when every slot is occupied. Each
// accepted launch eventually delivers exactly one Outcome on Outcomes() and
// releases its slot exactly once; the pool never retries on its own.
type Pool struct {
	cfg Config
	log logx.Logger

	sup      *rtsup.Supervisor
	outcomes chan Outcome
	slots    chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc // task id -> launch cancel
	stopped bool
}

func NewPool(ctx context.Context, cfg Config, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	slots := make(chan struct{}, cfg.MaxProcesses)
	for i := 0; i < cfg.MaxProcesses; i++ {
		slots <- struct{}{}
	}
	return &Pool{
		cfg:   cfg,
		log:   log,
		sup:   rtsup.New(ctx, rtsup.WithLogger(log.With(logx.String("comp", "worker")))),
		slots: slots,
		// Sized so in-flight launches can always deliver without a reader
		// being scheduled first; the control loop drains every tick.
		outcomes: make(chan Outcome, 4*cfg.MaxProcesses+16),
		running:  map[string]context.CancelFunc{},
	}
}

// Outcomes carries one terminal report per accepted launch.
func (p *Pool) Outcomes() <-chan Outcome { return p.outcomes }

// Running reports the number of in-flight executions.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Capacity returns the configured slot count.
func (p *Pool) Capacity() int { return p.cfg.MaxProcesses }

// Start hands the task off to an isolated execution and returns true, or
// returns false immediately when no slot is free. Errors are reserved for
// misuse (stopped pool, no command, duplicate in-flight id).
func (p *Pool) Start(t *task.Task) (bool, error) {
	if len(p.cfg.Command) == 0 {
		return false, ErrNoCommand
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false, ErrStopped
	}
	if _, dup := p.running[t.ID]; dup {
		p.mu.Unlock()
		return false, ErrAlreadyRunning
	}

	select {
	case <-p.slots:
	default:
		p.mu.Unlock()
		return false, nil
	}

	launchCtx, cancel := context.WithCancel(p.sup.Context())
	p.running[t.ID] = cancel
	p.mu.Unlock()

	snapshot := t.Clone()
	p.sup.Go0("worker."+t.Summary(), func(context.Context) {
		p.run(launchCtx, snapshot)
	})
	return true, nil
}

// StopAll cancels every in-flight execution and waits for their processes to
// be reaped, bounded by ctx. Children get SIGTERM, then SIGKILL after the
// configured grace.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	cancels := make([]context.CancelFunc, 0, len(p.running))
	for _, c := range p.running {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return p.sup.Stop(ctx)
}

func (p *Pool) run(ctx context.Context, t *task.Task) {
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(t.Payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "POSTER_TASK_ID="+t.ID)
	if p.cfg.WorkDir != "" {
		cmd.Dir = p.cfg.WorkDir
	}
	// Soft-kill first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = p.cfg.KillGrace

	p.log.Debug("job body started",
		logx.String("task", t.Summary()),
		logx.Duration("timeout", p.cfg.Timeout))

	err := cmd.Run()
	o := p.classify(t.ID, started, err, runCtx, ctx, stdout.Bytes(), stderr.Bytes())

	// Deliver before releasing the slot so the cap also bounds undrained
	// outcomes. The channel is sized for that.
	p.outcomes <- o

	p.mu.Lock()
	delete(p.running, t.ID)
	p.mu.Unlock()
	p.slots <- struct{}{}

	p.log.Debug("job body finished",
		logx.String("task", t.Summary()),
		logx.String("outcome", o.Kind.String()),
		logx.Duration("dur", o.Duration))
}

// classify converts a process exit into the single terminal outcome. Crash,
// kill, non-zero exit, and malformed output all collapse into Failed with a
// descriptive reason; only deadline expiry reports TimedOut.
func (p *Pool) classify(taskID string, started time.Time, runErr error, runCtx, launchCtx context.Context, stdout, stderr []byte) Outcome {
	o := Outcome{
		TaskID:   taskID,
		Started:  started,
		Duration: time.Since(started),
	}

	res, parseErr := parseResult(stdout)

	if runErr != nil {
		// Context state matters only when the run actually failed: the
		// deadline can fire between a clean exit and classification, and
		// that exit still counts.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			o.Kind = OutcomeTimedOut
			o.Message = "timed out after " + p.cfg.Timeout.String()
			return o
		}
		if launchCtx.Err() != nil {
			o.Kind = OutcomeFailed
			o.Message = "terminated: shutting down"
			return o
		}

		o.Kind = OutcomeFailed
		switch {
		case parseErr == nil && res.Message != "":
			o.Message = res.Message
			o.Data = res.Data
		case len(bytes.TrimSpace(stderr)) > 0:
			o.Message = tail(stderr, 512)
		default:
			o.Message = runErr.Error()
		}
		return o
	}

	if parseErr != nil {
		o.Kind = OutcomeFailed
		o.Message = "malformed job result: " + parseErr.Error()
		return o
	}
	if !res.Success {
		o.Kind = OutcomeFailed
		o.Message = res.Message
		if o.Message == "" {
			o.Message = "job body reported failure"
		}
		o.Data = res.Data
		return o
	}

	o.Kind = OutcomeSucceeded
	o.Message = res.Message
	if o.Message == "" {
		o.Message = "published"
	}
	o.Data = res.Data
	return o
}

func tail(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
