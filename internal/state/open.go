// Package state persists per-entity cursors and cooldowns.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"syncwake/internal/domain"
)

// Config selects and locates the state backend.
type Config struct {
	Backend string // "file" (default) or "sqlite"
	Dir     string // file backend directory
	DBPath  string // sqlite database path
	Logger  *slog.Logger
}

// Stores bundles the two stores the engine needs.
type Stores struct {
	Cursors   domain.CursorStore
	Cooldowns domain.CooldownStore
}

func (s *Stores) Close() error {
	return errors.Join(s.Cursors.Close(), s.Cooldowns.Close())
}

// Open builds the configured backend.
func Open(cfg Config) (*Stores, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", "file":
		cursors, err := NewFileCursorStore(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		cooldowns, err := NewFileCooldownStore(cfg.Dir, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{Cursors: cursors, Cooldowns: cooldowns}, nil
	case "sqlite":
		db, err := NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{Cursors: db.Cursors(), Cooldowns: db.Cooldowns()}, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}

// Files lists the paths that hold the backend's state. Not all of them need
// to exist.
func (c Config) Files() []string {
	var files []string
	if c.Backend == "sqlite" {
		files = []string{c.DBPath, c.DBPath + "-wal", c.DBPath + "-shm"}
	} else {
		files = []string{filepath.Join(c.Dir, cursorsFile), filepath.Join(c.Dir, cooldownsFile)}
	}
	if c.Dir != "" {
		files = append(files, filepath.Join(c.Dir, backfillFile))
	}
	return files
}
