package config

import (
	"fmt"
	"time"

	"github.com/DengZY123/social-poster/internal/scheduler"
	"github.com/DengZY123/social-poster/internal/storage"
	"github.com/DengZY123/social-poster/internal/worker"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// Config is the on-disk daemon configuration. Durations are strings in
// time.ParseDuration syntax ("30s", "5m"). Environment variables with the
// POSTER_ prefix override individual fields after the file is read.
type Config struct {
	Logging   LoggingConfig   `json:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `json:"storage" envconfig:"STORAGE"`
	Worker    WorkerConfig    `json:"worker" envconfig:"WORKER"`
	Scheduler SchedulerConfig `json:"scheduler" envconfig:"SCHEDULER"`
	Notifier  NotifierConfig  `json:"notifier" envconfig:"NOTIFIER"`
}

type LoggingConfig struct {
	Level   string `json:"level" envconfig:"LEVEL"`
	Console bool   `json:"console" envconfig:"CONSOLE"`
	File    string `json:"file" envconfig:"FILE"`
}

type StorageConfig struct {
	Driver      string `json:"driver" envconfig:"DRIVER"`
	Path        string `json:"path" envconfig:"PATH"`
	BusyTimeout string `json:"busy_timeout" envconfig:"BUSY_TIMEOUT"`
}

type WorkerConfig struct {
	MaxProcesses int      `json:"max_processes" envconfig:"MAX_PROCESSES"`
	Command      []string `json:"command" envconfig:"COMMAND"`
	Timeout      string   `json:"timeout" envconfig:"TIMEOUT"`
	KillGrace    string   `json:"kill_grace" envconfig:"KILL_GRACE"`
	WorkDir      string   `json:"workdir" envconfig:"WORKDIR"`
}

type SchedulerConfig struct {
	PollInterval  string `json:"poll_interval" envconfig:"POLL_INTERVAL"`
	MaxAttempts   int    `json:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	RetryBackoff  string `json:"retry_backoff" envconfig:"RETRY_BACKOFF"`
	MinPublishGap string `json:"min_publish_gap" envconfig:"MIN_PUBLISH_GAP"`
	CleanupEvery  string `json:"cleanup_every" envconfig:"CLEANUP_EVERY"`
	KeepTerminal  string `json:"keep_terminal" envconfig:"KEEP_TERMINAL"`
}

type NotifierConfig struct {
	NSQAddress string   `json:"nsq_address" envconfig:"NSQ_ADDRESS"`
	NSQTopic   string   `json:"nsq_topic" envconfig:"NSQ_TOPIC"`
	Buffer     int      `json:"buffer" envconfig:"BUFFER"`
	Types      []string `json:"types" envconfig:"TYPES"`
}

// Default is the configuration a bare daemon runs with: file storage next to
// the working directory and the fakejob body, suitable for smoke tests.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "file", Path: "tasks.json"},
		Worker: WorkerConfig{
			MaxProcesses: 2,
			Timeout:      "5m",
			KillGrace:    "2s",
		},
		Scheduler: SchedulerConfig{
			PollInterval: "5s",
			MaxAttempts:  3,
			RetryBackoff: "30s",
			CleanupEvery: "30m",
			KeepTerminal: "168h",
		},
		Notifier: NotifierConfig{NSQTopic: "poster.events"},
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker.command: at least one element (the job binary) is required")
	}
	if c.Worker.MaxProcesses < 0 {
		return fmt.Errorf("worker.max_processes: must be >= 0")
	}
	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.max_attempts: must be >= 0")
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"worker.timeout", c.Worker.Timeout},
		{"worker.kill_grace", c.Worker.KillGrace},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.retry_backoff", c.Scheduler.RetryBackoff},
		{"scheduler.min_publish_gap", c.Scheduler.MinPublishGap},
		{"scheduler.cleanup_every", c.Scheduler.CleanupEvery},
		{"scheduler.keep_terminal", c.Scheduler.KeepTerminal},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File != "", Path: c.File},
	}
}

func (c StorageConfig) Storage() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

func (c WorkerConfig) Worker() (worker.Config, error) {
	timeout, err := ParseDurationField("worker.timeout", c.Timeout)
	if err != nil {
		return worker.Config{}, err
	}
	grace, err := ParseDurationField("worker.kill_grace", c.KillGrace)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		MaxProcesses: c.MaxProcesses,
		Command:      append([]string(nil), c.Command...),
		Timeout:      timeout,
		KillGrace:    grace,
		WorkDir:      c.WorkDir,
	}, nil
}

func (c SchedulerConfig) Scheduler() (scheduler.Config, error) {
	out := scheduler.Config{MaxAttempts: c.MaxAttempts}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.poll_interval", c.PollInterval, &out.PollInterval},
		{"scheduler.retry_backoff", c.RetryBackoff, &out.RetryBackoff},
		{"scheduler.min_publish_gap", c.MinPublishGap, &out.MinPublishGap},
		{"scheduler.cleanup_every", c.CleanupEvery, &out.CleanupEvery},
		{"scheduler.keep_terminal", c.KeepTerminal, &out.KeepTerminal},
	}
	for _, f := range fields {
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}
