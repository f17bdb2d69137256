package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"syncwake/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds cursors and cooldowns in one database. Use Cursors and
// Cooldowns to get the two store views; closing either closes the database.
type SQLiteStore struct {
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// DSN is the modernc.org/sqlite connection string for dbPath with WAL and a
// busy timeout applied on every connection.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection serializes all writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateSchema(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}

func (s *SQLiteStore) Cursors() *SQLiteCursorStore { return &SQLiteCursorStore{s} }

func (s *SQLiteStore) Cooldowns() *SQLiteCooldownStore { return &SQLiteCooldownStore{s} }

// SQLiteCursorStore implements domain.CursorStore.
type SQLiteCursorStore struct{ *SQLiteStore }

func (s *SQLiteCursorStore) Get(ctx context.Context, entityID string) (domain.Cursor, bool, error) {
	var (
		cur     domain.Cursor
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT position, log_lines, label, updated_at FROM cursors WHERE entity_id = ?`, entityID,
	).Scan(&cur.Position, &cur.LogLines, &cur.Label, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cursor{}, false, nil
	}
	if err != nil {
		return domain.Cursor{}, false, fmt.Errorf("get cursor %s: %w", entityID, err)
	}
	cur.UpdatedAt = parseStoredTime(updated)
	return cur, true, nil
}

func (s *SQLiteCursorStore) Advance(ctx context.Context, entityID string, cur domain.Cursor) error {
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback()

	var (
		prevPos   int64
		prevLabel string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT position, label FROM cursors WHERE entity_id = ?`, entityID,
	).Scan(&prevPos, &prevLabel)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("%w: read cursor %s: %v", domain.ErrPersistence, entityID, err)
	case cur.Position < prevPos:
		return fmt.Errorf("%w: %s from %d to %d", domain.ErrCursorRegression, entityID, prevPos, cur.Position)
	}
	if cur.Label == "" {
		cur.Label = prevLabel
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cursors (entity_id, position, log_lines, label, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		   position = excluded.position,
		   log_lines = excluded.log_lines,
		   label = excluded.label,
		   updated_at = excluded.updated_at`,
		entityID, cur.Position, cur.LogLines, cur.Label, cur.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("%w: write cursor %s: %v", domain.ErrPersistence, entityID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit cursor %s: %v", domain.ErrPersistence, entityID, err)
	}
	return nil
}

func (s *SQLiteCursorStore) Reset(ctx context.Context, entityID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("%w: reset cursor %s: %v", domain.ErrPersistence, entityID, err)
	}
	return nil
}

func (s *SQLiteCursorStore) List(ctx context.Context) (map[string]domain.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, position, log_lines, label, updated_at FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Cursor)
	for rows.Next() {
		var (
			id      string
			cur     domain.Cursor
			updated string
		)
		if err := rows.Scan(&id, &cur.Position, &cur.LogLines, &cur.Label, &updated); err != nil {
			return nil, err
		}
		cur.UpdatedAt = parseStoredTime(updated)
		out[id] = cur
	}
	return out, rows.Err()
}

// SQLiteCooldownStore implements domain.CooldownStore.
type SQLiteCooldownStore struct{ *SQLiteStore }

func (s *SQLiteCooldownStore) LastNotified(ctx context.Context, entityID string) (time.Time, bool, error) {
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT notified_at FROM cooldowns WHERE entity_id = ?`, entityID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cooldown %s: %w", entityID, err)
	}
	return parseStoredTime(at), true, nil
}

func (s *SQLiteCooldownStore) MarkNotified(ctx context.Context, entityID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns (entity_id, notified_at) VALUES (?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET notified_at = excluded.notified_at`,
		entityID, at.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("%w: write cooldown %s: %v", domain.ErrPersistence, entityID, err)
	}
	return nil
}

func (s *SQLiteCooldownStore) List(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, notified_at FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = parseStoredTime(at)
	}
	return out, rows.Err()
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
