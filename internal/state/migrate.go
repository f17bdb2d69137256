package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaStep is one versioned change to the sqlite schema. Statements run in
// order inside one transaction.
type schemaStep struct {
	version    int
	name       string
	statements []string
}

var schemaSteps = []schemaStep{
	{
		version: 1,
		name:    "cursors and cooldowns",
		statements: []string{
			`CREATE TABLE cursors (
				entity_id  TEXT PRIMARY KEY,
				position   INTEGER NOT NULL DEFAULT 0,
				label      TEXT DEFAULT '',
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE cooldowns (
				entity_id   TEXT PRIMARY KEY,
				notified_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "canonical log length",
		statements: []string{
			`ALTER TABLE cursors ADD COLUMN log_lines INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// latestSchema is the version this build writes.
var latestSchema = schemaSteps[len(schemaSteps)-1].version

// migrateSchema brings db up to latestSchema. A database written by a newer
// build is refused rather than silently misread.
func migrateSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > latestSchema {
		return fmt.Errorf("database schema v%d is newer than supported v%d", current, latestSchema)
	}

	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		if err := applyStep(ctx, db, step, logger); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", step.version, "name", step.name)
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema v%d: begin: %w", step.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range step.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			// Databases created by hand or by an interrupted upgrade may
			// already have the table or column.
			if alreadyApplied(err) {
				logger.Debug("schema statement already applied", "version", step.version, "stmt", firstLine(stmt))
				continue
			}
			return fmt.Errorf("schema v%d (%s): %w", step.version, firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (version, name) VALUES (?, ?)`, step.version, step.name,
	); err != nil {
		return fmt.Errorf("schema v%d: record: %w", step.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema v%d: commit: %w", step.version, err)
	}
	return nil
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}

// schemaVersion reports the highest applied version, 0 for a new database.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
