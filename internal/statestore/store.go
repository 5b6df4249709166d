// Package statestore persists session metadata across worker restarts.
// The worker serialises its sessions here during a supervisor-initiated
// drain; on the next start the saved rows seed session resume.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/chroxy/chroxy/internal/msgcodec"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SavedSession is one drained session row.
type SavedSession struct {
	ID             string
	Name           string
	Cwd            string
	Variant        string
	Model          string
	PermissionMode string
	UpstreamID     string // last-known upstream conversation id, for --resume
	CreatedAt      time.Time
	History        []json.RawMessage // emitted events, most recent turn last
}

// Store is a SQLite-backed drain state store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the state database at path and runs
// migrations. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored session set with the given one. History is
// zstd-compressed before being written.
func (s *Store) Save(ctx context.Context, sessions []SavedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	for _, sess := range sessions {
		var history []byte
		if len(sess.History) > 0 {
			raw, err := json.Marshal(sess.History)
			if err != nil {
				slog.Warn("statestore: marshal history failed, dropping", "session_id", sess.ID, "error", err)
			} else {
				history = msgcodec.Compress(raw)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, name, cwd, variant, model, permission_mode, upstream_id, created_at, history)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.Cwd, sess.Variant, sess.Model,
			sess.PermissionMode, sess.UpstreamID, sess.CreatedAt.UnixMilli(), history,
		); err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load returns all stored sessions in creation order.
func (s *Store) Load(ctx context.Context) ([]SavedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cwd, variant, model, permission_mode, upstream_id, created_at, history
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SavedSession
	for rows.Next() {
		var (
			sess      SavedSession
			createdAt int64
			history   []byte
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Cwd, &sess.Variant, &sess.Model,
			&sess.PermissionMode, &sess.UpstreamID, &createdAt, &history); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = time.UnixMilli(createdAt)

		if len(history) > 0 {
			raw, err := msgcodec.Decompress(history)
			if err != nil {
				slog.Warn("statestore: corrupt history blob, skipping", "session_id", sess.ID, "error", err)
			} else if err := json.Unmarshal(raw, &sess.History); err != nil {
				slog.Warn("statestore: corrupt history json, skipping", "session_id", sess.ID, "error", err)
			}
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Clear removes all stored sessions. Called once resume has been
// consumed so a crash does not replay stale state.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	return err
}
