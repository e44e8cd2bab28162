package worker

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

func shellPool(t *testing.T, maxProcs int, timeout time.Duration, script string) *Pool {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based job bodies require a POSIX shell")
	}
	cfg := Config{
		MaxProcesses: maxProcs,
		Command:      []string{"/bin/sh", "-c", script},
		Timeout:      timeout,
		KillGrace:    time.Second,
	}
	return NewPool(context.Background(), cfg, logx.Nop())
}

func newTask(t *testing.T) *task.Task {
	t.Helper()
	return task.New(json.RawMessage(`{"title":"x"}`), time.Now(), 3)
}

func waitOutcome(t *testing.T, p *Pool) Outcome {
	t.Helper()
	select {
	case o := <-p.Outcomes():
		return o
	case <-time.After(10 * time.Second):
		t.Fatalf("no outcome within deadline")
		return Outcome{}
	}
}

func TestPoolSuccess(t *testing.T) {
	p := shellPool(t, 1, time.Minute,
		`echo noise; echo '{"success": true, "message": "posted", "data": {"url": "https://example.com/p/1"}}'`)
	defer p.StopAll(context.Background())

	tk := newTask(t)
	ok, err := p.Start(tk)
	if err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}

	o := waitOutcome(t, p)
	if o.TaskID != tk.ID {
		t.Fatalf("outcome for wrong task: %s", o.TaskID)
	}
	if o.Kind != OutcomeSucceeded || o.Message != "posted" {
		t.Fatalf("expected success/posted, got %s/%q", o.Kind, o.Message)
	}
	if o.Data["url"] != "https://example.com/p/1" {
		t.Fatalf("result data lost: %v", o.Data)
	}
}

func TestPoolReadsPayloadFromStdin(t *testing.T) {
	p := shellPool(t, 1, time.Minute,
		`read line; echo "{\"success\": true, \"message\": \"$line\"}"`)
	defer p.StopAll(context.Background())

	tk := task.New(json.RawMessage(`hello-payload`), time.Now(), 3)
	if ok, err := p.Start(tk); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	o := waitOutcome(t, p)
	if o.Kind != OutcomeSucceeded || o.Message != "hello-payload" {
		t.Fatalf("payload did not reach stdin: %s/%q", o.Kind, o.Message)
	}
}

func TestPoolReportedFailure(t *testing.T) {
	p := shellPool(t, 1, time.Minute,
		`echo '{"success": false, "message": "login expired"}'`)
	defer p.StopAll(context.Background())

	if ok, err := p.Start(newTask(t)); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	o := waitOutcome(t, p)
	if o.Kind != OutcomeFailed || o.Message != "login expired" {
		t.Fatalf("expected failed/login expired, got %s/%q", o.Kind, o.Message)
	}
}

func TestPoolNonZeroExitUsesStderr(t *testing.T) {
	p := shellPool(t, 1, time.Minute, `echo "browser crashed" >&2; exit 3`)
	defer p.StopAll(context.Background())

	if ok, err := p.Start(newTask(t)); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	o := waitOutcome(t, p)
	if o.Kind != OutcomeFailed || o.Message != "browser crashed" {
		t.Fatalf("expected failed/browser crashed, got %s/%q", o.Kind, o.Message)
	}
}

func TestPoolMalformedOutput(t *testing.T) {
	p := shellPool(t, 1, time.Minute, `echo "all done, no json here"`)
	defer p.StopAll(context.Background())

	if ok, err := p.Start(newTask(t)); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	o := waitOutcome(t, p)
	if o.Kind != OutcomeFailed {
		t.Fatalf("exit 0 without a result line must fail, got %s", o.Kind)
	}
}

func TestPoolTimeout(t *testing.T) {
	p := shellPool(t, 1, 300*time.Millisecond, `sleep 30`)
	defer p.StopAll(context.Background())

	if ok, err := p.Start(newTask(t)); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	o := waitOutcome(t, p)
	if o.Kind != OutcomeTimedOut {
		t.Fatalf("expected timeout, got %s (%q)", o.Kind, o.Message)
	}
}

func TestPoolCapacity(t *testing.T) {
	p := shellPool(t, 2, time.Minute, `sleep 0.5; echo '{"success": true}'`)
	defer p.StopAll(context.Background())

	first, second, third := newTask(t), newTask(t), newTask(t)
	if ok, err := p.Start(first); err != nil || !ok {
		t.Fatalf("slot 1: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Start(second); err != nil || !ok {
		t.Fatalf("slot 2: ok=%v err=%v", ok, err)
	}
	if ok, err := p.Start(third); err != nil || ok {
		t.Fatalf("third launch must be refused without error: ok=%v err=%v", ok, err)
	}

	// Both slots come back after the outcomes.
	waitOutcome(t, p)
	waitOutcome(t, p)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if ok, err := p.Start(third); err != nil {
			t.Fatalf("relaunch: %v", err)
		} else if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitOutcome(t, p)
}

func TestPoolRejectsDuplicateTask(t *testing.T) {
	p := shellPool(t, 2, time.Minute, `sleep 1; echo '{"success": true}'`)
	defer p.StopAll(context.Background())

	tk := newTask(t)
	if ok, err := p.Start(tk); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}
	if _, err := p.Start(tk); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	waitOutcome(t, p)
}

func TestClassifyCleanExitAtDeadlineIsSuccess(t *testing.T) {
	p := shellPool(t, 1, time.Minute, `true`)
	defer p.StopAll(context.Background())

	// Deadline already expired, but the process exited cleanly with a
	// success result before classification ran.
	runCtx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	launchCtx := context.Background()

	stdout := []byte(`{"success": true, "message": "posted"}`)
	o := p.classify("t1", time.Now(), nil, runCtx, launchCtx, stdout, nil)
	if o.Kind != OutcomeSucceeded || o.Message != "posted" {
		t.Fatalf("clean exit at the deadline misreported: %s/%q", o.Kind, o.Message)
	}

	// A run that actually died with the deadline expired is a timeout.
	o = p.classify("t2", time.Now(), context.DeadlineExceeded, runCtx, launchCtx, nil, nil)
	if o.Kind != OutcomeTimedOut {
		t.Fatalf("expired run not reported as timeout: %s/%q", o.Kind, o.Message)
	}
}

func TestPoolStopAllTerminatesChildren(t *testing.T) {
	p := shellPool(t, 1, time.Minute, `sleep 60`)

	if ok, err := p.Start(newTask(t)); err != nil || !ok {
		t.Fatalf("Start: ok=%v err=%v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	o := waitOutcome(t, p)
	if o.Kind != OutcomeFailed {
		t.Fatalf("interrupted launch should report a failure, got %s", o.Kind)
	}
	if _, err := p.Start(newTask(t)); err != ErrStopped {
		t.Fatalf("expected ErrStopped after StopAll, got %v", err)
	}
}
