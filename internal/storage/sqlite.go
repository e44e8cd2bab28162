//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/DengZY123/social-poster/internal/task"
	logx "github.com/DengZY123/social-poster/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) ([]*task.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, scheduled_at, repeat_spec, status, created_at, updated_at,
		        attempts, max_attempts, not_before, result_message, error_message
		 FROM tasks ORDER BY scheduled_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var t task.Task
		var payload, scheduledAt, createdAt, updatedAt sql.NullString
		var repeatSpec, notBefore, resultMsg, errorMsg sql.NullString
		var status string
		if err := rows.Scan(&t.ID, &payload, &scheduledAt, &repeatSpec, &status,
			&createdAt, &updatedAt, &t.Attempts, &t.MaxAttempts,
			&notBefore, &resultMsg, &errorMsg); err != nil {
			return nil, err
		}
		t.Status = task.Status(status)
		if !t.Status.Valid() {
			return nil, fmt.Errorf("%w: task %s has unknown status %q", ErrCorruptionDetected, t.ID, status)
		}
		if payload.Valid && payload.String != "" {
			t.Payload = json.RawMessage(payload.String)
		}
		t.RepeatSpec = repeatSpec.String
		t.ResultMessage = resultMsg.String
		t.ErrorMessage = errorMsg.String
		if t.ScheduledAt, err = parseTime(scheduledAt.String); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt.String); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
			return nil, err
		}
		if notBefore.Valid && notBefore.String != "" {
			if t.NotBefore, err = parseTime(notBefore.String); err != nil {
				return nil, err
			}
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []*task.Task{}
	}
	return out, nil
}

// Save replaces the whole collection in one transaction, mirroring the file
// driver's snapshot semantics.
func (s *sqliteStore) Save(ctx context.Context, tasks []*task.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks(id, payload, scheduled_at, repeat_spec, status, created_at, updated_at,
		                   attempts, max_attempts, not_before, result_message, error_message)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		if t == nil {
			continue
		}
		var notBefore any
		if !t.NotBefore.IsZero() {
			notBefore = formatTime(t.NotBefore)
		}
		if _, err := stmt.ExecContext(ctx,
			t.ID, nullStr(string(t.Payload)), formatTime(t.ScheduledAt), nullStr(t.RepeatSpec),
			string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
			t.Attempts, t.MaxAttempts, notBefore,
			nullStr(t.ResultMessage), nullStr(t.ErrorMessage),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
