package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/classify"
	"syncwake/internal/domain"
)

type SyncerConfig struct {
	Cursors    domain.CursorStore
	APIs       []domain.ChatAPI
	Classifier *classify.Classifier
	LogRoot    string
	// InitialBackfill caps how many items the first sync of a chat keeps.
	// Older items are consumed without being logged.
	InitialBackfill int
	Location        *time.Location // timezone of log timestamps; nil means time.Local
	FetchTimeout    time.Duration  // bound on one FetchSince call; default 30s
	Events          *bus.EventBus
	Logger          *slog.Logger
	Now             func() time.Time
}

// Syncer turns a logical change into the increment past the entity's cursor.
// Callers serialize Sync per entity.
type Syncer struct {
	cursors    domain.CursorStore
	apis       map[string]domain.ChatAPI
	classifier *classify.Classifier
	logRoot    string
	backfill   int
	loc        *time.Location
	timeout    time.Duration
	events     *bus.EventBus
	logger     *slog.Logger
	now        func() time.Time
}

// SyncResult describes what one Sync consumed.
type SyncResult struct {
	Entity    domain.Entity
	Lines     []string // new canonical lines, oldest first
	Incoming  bool
	Position  int64
	Advanced  bool
	Malformed int
	LogPath   string
}

func NewSyncer(cfg SyncerConfig) *Syncer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New(classify.Config{})
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	apis := make(map[string]domain.ChatAPI, len(cfg.APIs))
	for _, api := range cfg.APIs {
		apis[api.Platform()] = api
	}
	return &Syncer{
		cursors:    cfg.Cursors,
		apis:       apis,
		classifier: cfg.Classifier,
		logRoot:    cfg.LogRoot,
		backfill:   cfg.InitialBackfill,
		loc:        cfg.Location,
		timeout:    cfg.FetchTimeout,
		events:     cfg.Events,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Sync reads the increment for change.Entity, appends it to the canonical
// log when the entity is a chat, and advances the cursor. On error the
// cursor is left where it was.
func (s *Syncer) Sync(ctx context.Context, change domain.LogicalChange) (SyncResult, error) {
	switch change.Entity.Kind {
	case domain.KindFile:
		return s.syncFile(ctx, change.Entity)
	case domain.KindChat:
		return s.syncChat(ctx, change.Entity)
	}
	return SyncResult{}, fmt.Errorf("entity %s: unknown kind %q", change.Entity.ID, change.Entity.Kind)
}

func (s *Syncer) syncFile(ctx context.Context, e domain.Entity) (SyncResult, error) {
	res := SyncResult{Entity: e}
	cur, found, err := s.cursors.Get(ctx, e.ID)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", e.ID, err)
	}
	res.Position = cur.Position

	lines, err := readLines(e.Path)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", e.Path, err)
	}
	total := int64(len(lines))
	if total < cur.Position {
		s.drift(e.ID, cur.Position, total)
		return res, nil
	}
	if found && total == cur.Position {
		return res, nil
	}

	res.Lines = lines[cur.Position:]
	res.Incoming = s.classifier.HasIncoming(res.Lines)

	next := domain.Cursor{Position: total, LogLines: total, Label: e.Label, UpdatedAt: s.now()}
	if err := s.cursors.Advance(ctx, e.ID, next); err != nil {
		return res, fmt.Errorf("advance cursor %s: %w", e.ID, err)
	}
	res.Position = total
	res.Advanced = true
	res.LogPath = e.Path
	return res, nil
}

func (s *Syncer) syncChat(ctx context.Context, e domain.Entity) (SyncResult, error) {
	res := SyncResult{Entity: e}
	api, ok := s.apis[e.Platform]
	if !ok {
		return res, fmt.Errorf("entity %s: %w %q", e.ID, domain.ErrUnknownPlatform, e.Platform)
	}
	cur, found, err := s.cursors.Get(ctx, e.ID)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", e.ID, err)
	}
	res.Position = cur.Position

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	fetched, err := api.FetchSince(fetchCtx, e.NativeID, cur.Position)
	cancel()
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", e.ID, err)
	}
	items := make([]domain.ChatMessage, 0, len(fetched))
	for _, m := range fetched {
		if m.ID > cur.Position {
			items = append(items, m)
		}
	}
	if len(items) == 0 {
		return res, nil
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	highest := items[len(items)-1].ID

	if !found && s.backfill >= 0 && len(items) > s.backfill {
		s.logger.Info("first sync, limiting backfill",
			"entity", e.ID,
			"available", len(items),
			"kept", s.backfill,
		)
		items = items[len(items)-s.backfill:]
	}

	label := logLabel(cur, e)

	selfLabel := s.classifier.SelfLabel()
	for _, m := range items {
		if reason := malformedReason(m); reason != "" {
			res.Malformed++
			s.logger.Warn("skipping malformed item", "entity", e.ID, "item", m.ID, "reason", reason)
			s.events.Emit(bus.Event{
				Type:    bus.EventItemMalformed,
				Source:  "syncer",
				Payload: map[string]any{"entity": e.ID, "item": m.ID, "reason": reason},
			})
			continue
		}
		if line, ok := FormatLine(m, selfLabel, s.loc); ok {
			res.Lines = append(res.Lines, line)
		}
	}

	logLines := cur.LogLines
	if len(res.Lines) > 0 {
		path := LogPath(s.logRoot, e.Platform, label, e.IsGroup)
		if actual, exists, err := countLines(path); err == nil && found && cur.LogLines > 0 && (!exists || actual != cur.LogLines) {
			s.drift(e.ID, cur.LogLines, actual)
		}
		n, err := appendLog(path, label, res.Lines)
		if err != nil {
			return res, fmt.Errorf("append %s: %w", e.ID, err)
		}
		logLines = n
		res.LogPath = path
	}

	next := domain.Cursor{Position: highest, LogLines: logLines, Label: label, UpdatedAt: s.now()}
	if err := s.cursors.Advance(ctx, e.ID, next); err != nil {
		return res, fmt.Errorf("advance cursor %s: %w", e.ID, err)
	}
	res.Position = highest
	res.Advanced = true
	res.Incoming = s.classifier.HasIncoming(res.Lines)
	return res, nil
}

func malformedReason(m domain.ChatMessage) string {
	if m.Malformed != "" {
		return m.Malformed
	}
	if m.Timestamp.IsZero() {
		return "missing timestamp"
	}
	return ""
}

func (s *Syncer) drift(entityID string, recorded, actual int64) {
	s.logger.Warn("cursor drift: log does not match recorded length, cursor kept",
		"entity", entityID,
		"recorded", recorded,
		"actual", actual,
	)
	s.events.Emit(bus.Event{
		Type:    bus.EventCursorDrift,
		Source:  "syncer",
		Payload: map[string]any{"entity": entityID, "recorded": recorded, "actual": actual},
	})
}
