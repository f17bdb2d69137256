package domain

import (
	"context"
	"time"
)

// Cursor marks the last fully processed position of an entity.
type Cursor struct {
	Position  int64     `json:"position"`
	LogLines  int64     `json:"log_lines,omitempty"` // canonical log length after the last append
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CursorStore persists cursors. Advance must refuse to move a cursor backwards.
type CursorStore interface {
	Get(ctx context.Context, entityID string) (Cursor, bool, error)
	Advance(ctx context.Context, entityID string, cur Cursor) error
	Reset(ctx context.Context, entityID string) error
	List(ctx context.Context) (map[string]Cursor, error)
	Close() error
}

// CooldownStore persists the time of the last notification per entity.
type CooldownStore interface {
	LastNotified(ctx context.Context, entityID string) (time.Time, bool, error)
	MarkNotified(ctx context.Context, entityID string, at time.Time) error
	List(ctx context.Context) (map[string]time.Time, error)
	Close() error
}
