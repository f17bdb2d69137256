package state

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"syncwake/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openBackends(t *testing.T) map[string]*Stores {
	t.Helper()
	out := make(map[string]*Stores)
	for _, backend := range []string{"file", "sqlite"} {
		dir := t.TempDir()
		s, err := Open(Config{
			Backend: backend,
			Dir:     dir,
			DBPath:  filepath.Join(dir, "state.db"),
			Logger:  testLogger(),
		})
		if err != nil {
			t.Fatalf("open %s: %v", backend, err)
		}
		t.Cleanup(func() { s.Close() })
		out[backend] = s
	}
	return out
}

func TestCursorStore_AdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Cursors.Get(ctx, "telegram:12345"); err != nil || ok {
				t.Fatalf("expected no cursor, ok=%v err=%v", ok, err)
			}

			if err := s.Cursors.Advance(ctx, "telegram:12345", domain.Cursor{Position: 100, Label: "Alice"}); err != nil {
				t.Fatalf("advance: %v", err)
			}
			if err := s.Cursors.Advance(ctx, "telegram:12345", domain.Cursor{Position: 105, LogLines: 7}); err != nil {
				t.Fatalf("advance: %v", err)
			}
			// Equal position is allowed (e.g. only LogLines changed).
			if err := s.Cursors.Advance(ctx, "telegram:12345", domain.Cursor{Position: 105, LogLines: 7}); err != nil {
				t.Fatalf("advance to same position: %v", err)
			}

			err := s.Cursors.Advance(ctx, "telegram:12345", domain.Cursor{Position: 50})
			if !errors.Is(err, domain.ErrCursorRegression) {
				t.Fatalf("expected ErrCursorRegression, got %v", err)
			}

			cur, ok, err := s.Cursors.Get(ctx, "telegram:12345")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if cur.Position != 105 || cur.LogLines != 7 {
				t.Errorf("unexpected cursor %+v", cur)
			}
			if cur.Label != "Alice" {
				t.Errorf("label should carry over, got %q", cur.Label)
			}
			if cur.UpdatedAt.IsZero() {
				t.Error("UpdatedAt should be set")
			}
		})
	}
}

func TestCursorStore_ResetAllowsRegression(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			s.Cursors.Advance(ctx, "note:a.md", domain.Cursor{Position: 10})
			if err := s.Cursors.Reset(ctx, "note:a.md"); err != nil {
				t.Fatalf("reset: %v", err)
			}
			if _, ok, _ := s.Cursors.Get(ctx, "note:a.md"); ok {
				t.Fatal("cursor should be gone after reset")
			}
			if err := s.Cursors.Advance(ctx, "note:a.md", domain.Cursor{Position: 3}); err != nil {
				t.Fatalf("advance after reset: %v", err)
			}
			if err := s.Cursors.Reset(ctx, "note:missing.md"); err != nil {
				t.Fatalf("reset of unknown entity: %v", err)
			}
		})
	}
}

func TestCursorStore_List(t *testing.T) {
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			s.Cursors.Advance(ctx, "a", domain.Cursor{Position: 1})
			s.Cursors.Advance(ctx, "b", domain.Cursor{Position: 2})
			all, err := s.Cursors.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 || all["b"].Position != 2 {
				t.Errorf("unexpected list %+v", all)
			}
			if ids := SortedIDs(all); ids[0] != "a" || ids[1] != "b" {
				t.Errorf("unexpected order %v", ids)
			}
		})
	}
}

func TestCooldownStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 10, 0, time.UTC)
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, _ := s.Cooldowns.LastNotified(ctx, "signal:+1"); ok {
				t.Fatal("expected no cooldown")
			}
			if err := s.Cooldowns.MarkNotified(ctx, "signal:+1", at); err != nil {
				t.Fatal(err)
			}
			got, ok, err := s.Cooldowns.LastNotified(ctx, "signal:+1")
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if !got.Equal(at) {
				t.Errorf("got %v, want %v", got, at)
			}
			all, _ := s.Cooldowns.List(ctx)
			if len(all) != 1 {
				t.Errorf("expected one entry, got %d", len(all))
			}
		})
	}
}

func TestFileStores_SurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	cursors, _ := NewFileCursorStore(dir, testLogger())
	cooldowns, _ := NewFileCooldownStore(dir, testLogger())
	cursors.Advance(ctx, "whatsapp:123@s.whatsapp.net", domain.Cursor{Position: 42, LogLines: 10, Label: "Bob"})
	cooldowns.MarkNotified(ctx, "whatsapp:123@s.whatsapp.net", at)

	cursors2, _ := NewFileCursorStore(dir, testLogger())
	cooldowns2, _ := NewFileCooldownStore(dir, testLogger())
	cur, ok, _ := cursors2.Get(ctx, "whatsapp:123@s.whatsapp.net")
	if !ok || cur.Position != 42 || cur.LogLines != 10 || cur.Label != "Bob" {
		t.Fatalf("unexpected cursor after restart: %+v ok=%v", cur, ok)
	}
	last, ok, _ := cooldowns2.LastNotified(ctx, "whatsapp:123@s.whatsapp.net")
	if !ok || !last.Equal(at) {
		t.Fatalf("unexpected cooldown after restart: %v ok=%v", last, ok)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestFileCursorStore_HandEditedFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := `{
  "telegram:1": 100,
  "telegram:2": "250",
  "telegram:3": {"last_msg_id": 77, "name": "Carol", "updated": "2024-01-01T00:00:00Z"},
  "note:a.md": {"position": 12, "log_lines": 12},
  "broken": [1, 2],
  "negative": -5
}`
	os.WriteFile(filepath.Join(dir, cursorsFile), []byte(data), 0o644)

	s, err := NewFileCursorStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"telegram:1": 100, "telegram:2": 250, "telegram:3": 77, "note:a.md": 12}
	all, _ := s.List(ctx)
	if len(all) != len(want) {
		t.Fatalf("expected %d cursors, got %+v", len(want), all)
	}
	for id, pos := range want {
		if all[id].Position != pos {
			t.Errorf("%s: got %d, want %d", id, all[id].Position, pos)
		}
	}
	if all["telegram:3"].Label != "Carol" {
		t.Errorf("legacy name should become label, got %q", all["telegram:3"].Label)
	}
}

func TestFileCooldownStore_UnixSeconds(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, cooldownsFile), []byte(`{"a": 1700000000, "b": "2024-01-02T03:04:05Z", "c": 1700000000.5}`), 0o644)

	s, _ := NewFileCooldownStore(dir, testLogger())
	ctx := context.Background()
	a, _, _ := s.LastNotified(ctx, "a")
	if !a.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("a: got %v", a)
	}
	b, _, _ := s.LastNotified(ctx, "b")
	if !b.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("b: got %v", b)
	}
	c, _, _ := s.LastNotified(ctx, "c")
	if !c.Equal(time.Unix(1700000000, 500_000_000)) {
		t.Errorf("c: got %v", c)
	}
}

func TestFileStores_CorruptAndMissingFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, cursorsFile), []byte("{not json"), 0o644)

	s, err := NewFileCursorStore(dir, testLogger())
	if err != nil {
		t.Fatalf("corrupt file must not fail startup: %v", err)
	}
	all, _ := s.List(context.Background())
	if len(all) != 0 {
		t.Errorf("expected empty state, got %+v", all)
	}

	c, err := NewFileCooldownStore(filepath.Join(dir, "fresh"), testLogger())
	if err != nil {
		t.Fatalf("missing file must not fail startup: %v", err)
	}
	if list, _ := c.List(context.Background()); len(list) != 0 {
		t.Errorf("expected empty cooldowns, got %+v", list)
	}

	// A write replaces the corrupt file with a valid one.
	if err := s.Advance(context.Background(), "x", domain.Cursor{Position: 1}); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := NewFileCursorStore(dir, testLogger())
	if cur, ok, _ := reloaded.Get(context.Background(), "x"); !ok || cur.Position != 1 {
		t.Errorf("unexpected cursor %+v ok=%v", cur, ok)
	}
}

func TestFileCursorStore_FailedWriteKeepsMemoryConsistent(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileCursorStore(dir, testLogger())
	ctx := context.Background()
	s.Advance(ctx, "a", domain.Cursor{Position: 1})

	// Point the store at a path whose parent is a regular file.
	blocker := filepath.Join(dir, "blocker")
	os.WriteFile(blocker, []byte("x"), 0o644)
	s.file.path = filepath.Join(blocker, cursorsFile)

	err := s.Advance(ctx, "a", domain.Cursor{Position: 5})
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if cur, _, _ := s.Get(ctx, "a"); cur.Position != 1 {
		t.Errorf("failed write must not advance memory, got %d", cur.Position)
	}
}

func TestFileCursorStore_ConcurrentAdvances(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileCursorStore(dir, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Advance(ctx, string(rune('a'+i)), domain.Cursor{Position: int64(i)})
		}(i)
	}
	wg.Wait()

	reloaded, _ := NewFileCursorStore(dir, testLogger())
	all, _ := reloaded.List(ctx)
	if len(all) != 20 {
		t.Fatalf("expected 20 persisted cursors, got %d", len(all))
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "redis", Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestConfig_Files(t *testing.T) {
	file := Config{Backend: "file", Dir: "/var/lib/syncwake"}
	if got := file.Files(); len(got) != 3 || got[0] != filepath.Join("/var/lib/syncwake", cursorsFile) || got[2] != filepath.Join("/var/lib/syncwake", backfillFile) {
		t.Errorf("file backend files = %v", got)
	}
	db := Config{Backend: "sqlite", Dir: "/var/lib/syncwake", DBPath: "/var/lib/syncwake/state.db"}
	got := db.Files()
	if len(got) != 4 || got[1] != "/var/lib/syncwake/state.db-wal" || got[3] != "/var/lib/syncwake/backfill.json" {
		t.Errorf("sqlite backend files = %v", got)
	}
	if got := (Config{Backend: "sqlite", DBPath: "/tmp/s.db"}).Files(); len(got) != 3 {
		t.Errorf("sqlite without a state dir = %v", got)
	}
}

func TestSQLiteStore_AppliesPragmas(t *testing.T) {
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var timeout int
	if err := db.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestBackfillProgress_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenBackfillProgress(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Started(); err != nil {
		t.Fatal(err)
	}
	p.Update("signal:+49", BackfillChat{Label: "Alice", Fetched: 40, Added: 12, Done: true})
	p.Update("signal:+50", BackfillChat{Label: "Bob", Error: "HTTP 502"})

	reopened, err := OpenBackfillProgress(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Done("signal:+49") || reopened.Done("signal:+50") || reopened.Done("signal:+51") {
		t.Errorf("unexpected done flags %+v", reopened.Status().Chats)
	}
	st := reopened.Status()
	if st.Started.IsZero() || !st.Completed.IsZero() {
		t.Errorf("unexpected run times %+v", st)
	}
	if c := st.Chats["signal:+49"]; c.Added != 12 || c.Label != "Alice" || c.Updated.IsZero() {
		t.Errorf("unexpected chat record %+v", c)
	}

	// Status is a copy.
	st.Chats["signal:+52"] = BackfillChat{Done: true}
	if reopened.Done("signal:+52") {
		t.Error("Status must not alias internal state")
	}

	reopened.Completed()
	if reopened.Status().Completed.IsZero() {
		t.Error("completion time not recorded")
	}
	reopened.Started()
	if !reopened.Status().Completed.IsZero() {
		t.Error("a new run clears the completion time")
	}
}

func TestBackfillProgress_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, backfillFile), []byte("{not json"), 0o644)
	p, err := OpenBackfillProgress(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Status().Chats) != 0 {
		t.Errorf("corrupt file should start empty, got %+v", p.Status())
	}
	if err := p.Update("signal:+49", BackfillChat{Done: true}); err != nil {
		t.Fatal(err)
	}
}
