package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>          primary snapshot (complete JSON document)
//   - <path>.bak      previous snapshot, refreshed before every replace
//   - <path>.tmp      staging file for the atomic rename
//
// Save writes the full collection to the staging file, copies the current
// primary into the backup slot, then renames staging over the primary. At any
// instant at least one of {primary, backup} is a complete valid snapshot.
type fileStore struct {
	log logx.Logger

	path       string
	backupPath string
}

// snapshot is the on-disk document. Tasks round-trip field-for-field; the
// header exists for forward compatibility and debugging, not for logic.
type snapshot struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	Tasks   []*task.Task `json:"tasks"`
}

const snapshotVersion = 1

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{
		log:        log,
		path:       path,
		backupPath: path + ".bak",
	}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) ([]*task.Task, error) {
	_ = ctx

	tasks, primaryErr := readSnapshot(s.path)
	if primaryErr == nil {
		return tasks, nil
	}

	if os.IsNotExist(primaryErr) {
		// First run: no snapshot yet. A leftover backup without a primary
		// means the last replace was interrupted between rename steps;
		// recover it silently.
		tasks, backupErr := readSnapshot(s.backupPath)
		if backupErr == nil {
			s.log.Warn("primary snapshot missing, recovered backup", logx.Int("tasks", len(tasks)))
			return tasks, nil
		}
		return []*task.Task{}, nil
	}

	// Primary exists but is unreadable: fall back to backup.
	s.log.Error("primary snapshot unreadable", logx.String("path", s.path), logx.Err(primaryErr))
	tasks, backupErr := readSnapshot(s.backupPath)
	if backupErr == nil {
		return tasks, fmt.Errorf("%w: recovered %d tasks from backup: %v", ErrCorruptionDetected, len(tasks), primaryErr)
	}
	return []*task.Task{}, fmt.Errorf("%w: backup also unusable (%v): %v", ErrCorruptionDetected, backupErr, primaryErr)
}

func (s *fileStore) Save(ctx context.Context, tasks []*task.Task) error {
	_ = ctx

	doc := snapshot{Version: snapshotVersion, SavedAt: time.Now(), Tasks: tasks}
	if doc.Tasks == nil {
		doc.Tasks = []*task.Task{}
	}

	tmp := s.path + ".tmp"
	if err := writeSnapshot(tmp, &doc); err != nil {
		return fmt.Errorf("write staging snapshot: %w", err)
	}

	// Refresh the backup slot from the current primary before replacing it,
	// so a crash mid-rename never loses the last committed snapshot.
	if err := copyFile(s.path, s.backupPath); err != nil && !os.IsNotExist(err) {
		_ = os.Remove(tmp)
		return fmt.Errorf("refresh backup snapshot: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc snapshot
	dec := json.NewDecoder(f)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	for _, t := range doc.Tasks {
		if t == nil || t.ID == "" || !t.Status.Valid() {
			return nil, fmt.Errorf("decode %s: malformed task record", filepath.Base(path))
		}
	}
	if doc.Tasks == nil {
		doc.Tasks = []*task.Task{}
	}
	return doc.Tasks, nil
}

func writeSnapshot(path string, doc *snapshot) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
