package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"syncwake/internal/domain"
)

const (
	cursorsFile   = "cursors.json"
	cooldownsFile = "cooldowns.json"
)

// jsonFile serializes whole-file rewrites of one state document.
type jsonFile struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex // single writer; held from mutation through rename
}

// load reads the raw records. A missing file is empty state; a corrupt file
// is logged and treated as empty so the engine can still start.
func (f *jsonFile) load() map[string]json.RawMessage {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("cannot read state file, starting empty", "path", f.path, "err", err)
		}
		return map[string]json.RawMessage{}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		f.logger.Warn("corrupt state file, starting empty", "path", f.path, "err", err)
		return map[string]json.RawMessage{}
	}
	return raw
}

// save must be called with f.mu held.
func (f *jsonFile) save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", domain.ErrPersistence, filepath.Base(f.path), err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, f.path, err)
	}
	return nil
}

// WriteFileAtomic replaces path with data through a synced temp file in the
// same directory, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// --- cursors ---

// FileCursorStore keeps cursors in memory and rewrites cursors.json
// atomically on every change.
type FileCursorStore struct {
	file *jsonFile

	mu      sync.RWMutex
	cursors map[string]domain.Cursor
	now     func() time.Time
}

func NewFileCursorStore(dir string, logger *slog.Logger) (*FileCursorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &jsonFile{path: filepath.Join(dir, cursorsFile), logger: logger}
	s := &FileCursorStore{file: f, cursors: make(map[string]domain.Cursor), now: time.Now}
	for id, raw := range f.load() {
		cur, err := decodeCursor(raw)
		if err != nil {
			logger.Warn("skipping unreadable cursor", "entity", id, "err", err)
			continue
		}
		s.cursors[id] = cur
	}
	return s, nil
}

// decodeCursor accepts the native record, a bare integer, or the legacy
// {"last_msg_id": N, "name": "..."} record.
func decodeCursor(raw json.RawMessage) (domain.Cursor, error) {
	raw = bytes.TrimSpace(raw)
	if n, ok := parseInt(raw); ok {
		return domain.Cursor{Position: n}, nil
	}
	var rec struct {
		domain.Cursor
		LastMsgID *int64 `json:"last_msg_id"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Cursor{}, err
	}
	cur := rec.Cursor
	if rec.LastMsgID != nil && cur.Position == 0 {
		cur.Position = *rec.LastMsgID
	}
	if cur.Label == "" {
		cur.Label = rec.Name
	}
	if cur.Position < 0 {
		return domain.Cursor{}, fmt.Errorf("negative position %d", cur.Position)
	}
	return cur, nil
}

func parseInt(raw []byte) (int64, bool) {
	s := strings.Trim(string(raw), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *FileCursorStore) Get(_ context.Context, entityID string) (domain.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cursors[entityID]
	return cur, ok, nil
}

func (s *FileCursorStore) Advance(_ context.Context, entityID string, cur domain.Cursor) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	s.mu.Lock()
	prev, ok := s.cursors[entityID]
	if ok && cur.Position < prev.Position {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s from %d to %d", domain.ErrCursorRegression, entityID, prev.Position, cur.Position)
	}
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = s.now().UTC()
	}
	if cur.Label == "" {
		cur.Label = prev.Label
	}
	s.cursors[entityID] = cur
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.file.save(snapshot); err != nil {
		// Keep memory consistent with disk.
		s.mu.Lock()
		if ok {
			s.cursors[entityID] = prev
		} else {
			delete(s.cursors, entityID)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *FileCursorStore) Reset(_ context.Context, entityID string) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.cursors[entityID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.cursors, entityID)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.file.save(snapshot)
}

func (s *FileCursorStore) List(_ context.Context) (map[string]domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *FileCursorStore) snapshotLocked() map[string]domain.Cursor {
	out := make(map[string]domain.Cursor, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

func (s *FileCursorStore) Close() error { return nil }

// --- cooldowns ---

// FileCooldownStore keeps last-notification times in cooldowns.json.
type FileCooldownStore struct {
	file *jsonFile

	mu    sync.RWMutex
	times map[string]time.Time
}

func NewFileCooldownStore(dir string, logger *slog.Logger) (*FileCooldownStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &jsonFile{path: filepath.Join(dir, cooldownsFile), logger: logger}
	s := &FileCooldownStore{file: f, times: make(map[string]time.Time)}
	for id, raw := range f.load() {
		at, err := decodeTime(raw)
		if err != nil {
			logger.Warn("skipping unreadable cooldown", "entity", id, "err", err)
			continue
		}
		s.times[id] = at
	}
	return s, nil
}

// decodeTime accepts RFC 3339 strings and unix seconds.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if n, ok := parseInt(raw); ok {
		return time.Unix(n, 0).UTC(), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (s *FileCooldownStore) LastNotified(_ context.Context, entityID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.times[entityID]
	return at, ok, nil
}

func (s *FileCooldownStore) MarkNotified(_ context.Context, entityID string, at time.Time) error {
	s.file.mu.Lock()
	defer s.file.mu.Unlock()

	s.mu.Lock()
	s.times[entityID] = at.UTC()
	snapshot := make(map[string]time.Time, len(s.times))
	for k, v := range s.times {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return s.file.save(snapshot)
}

func (s *FileCooldownStore) List(_ context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.times))
	for k, v := range s.times {
		out[k] = v
	}
	return out, nil
}

func (s *FileCooldownStore) Close() error { return nil }

// SortedIDs returns map keys in lexical order, for stable listings.
func SortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
