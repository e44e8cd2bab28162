package storage

import (
	"context"
	"errors"
	"time"

	"github.com/DengZY123/social-poster/internal/task"
)

// ErrCorruptionDetected is wrapped into Load errors when the primary snapshot
// was unreadable. The returned collection is still usable (recovered from the
// backup slot, or empty when both slots are unusable); callers should treat
// the error as a warning, not a startup failure.
var ErrCorruptionDetected = errors.New("storage: snapshot corruption detected")

var ErrDisabled = errors.New("storage disabled")

// Store persists the whole task collection as one logical snapshot.
//
// Single-writer contract: Save provides no locking beyond its own atomic
// replace. The scheduler is the sole writer and calls Save synchronously from
// its control loop; nothing else may write through the same Store.
type Store interface {
	// Load returns the current persisted collection. A non-nil error that
	// wraps ErrCorruptionDetected still carries a valid (possibly recovered
	// or empty) collection.
	Load(ctx context.Context) ([]*task.Task, error)
	// Save atomically replaces the persisted collection.
	Save(ctx context.Context, tasks []*task.Task) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot with backup slot (default)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
