package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"syncwake/internal/domain"
)

func startWatcher(t *testing.T, cfg FSWatcherConfig) chan domain.RawEvent {
	t.Helper()
	cfg.Logger = testLogger()
	w := NewFSWatcher(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.RawEvent, 100)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return out
}

// waitForPath rewrites trigger until an event for want shows up. The watch
// is set up asynchronously, so the first writes may go unseen.
func waitForPath(t *testing.T, out chan domain.RawEvent, trigger func(), want string) domain.RawEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	trigger()
	for {
		select {
		case ev := <-out:
			if ev.Path == want {
				return ev
			}
		case <-tick.C:
			trigger()
		case <-deadline:
			t.Fatalf("no event for %s", want)
		}
	}
}

func TestFSWatcher_EmitsFileChanges(t *testing.T) {
	root := t.TempDir()
	out := startWatcher(t, FSWatcherConfig{Roots: []string{root}})

	path := filepath.Join(root, "todo.md")
	ev := waitForPath(t, out, func() {
		os.WriteFile(path, []byte("- milk\n"), 0o644)
	}, path)

	if ev.Kind != domain.KindFile || ev.Platform != domain.PlatformNote {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.ObservedAt.IsZero() {
		t.Error("ObservedAt should be set")
	}
}

func TestFSWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	out := startWatcher(t, FSWatcherConfig{Roots: []string{root}})

	// Make sure the root watch is live first.
	marker := filepath.Join(root, "marker.md")
	waitForPath(t, out, func() { os.WriteFile(marker, []byte("x"), 0o644) }, marker)

	sub := filepath.Join(root, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(sub, "plan.md")
	waitForPath(t, out, func() { os.WriteFile(nested, []byte("step 1\n"), 0o644) }, nested)
}

func TestFSWatcher_SkipsIgnoredDirectories(t *testing.T) {
	root := t.TempDir()
	ignored := filepath.Join(root, ".git")
	if err := os.Mkdir(ignored, 0o755); err != nil {
		t.Fatal(err)
	}
	out := startWatcher(t, FSWatcherConfig{Roots: []string{root}, IgnoreDirs: []string{".git"}})

	marker := filepath.Join(root, "marker.md")
	waitForPath(t, out, func() { os.WriteFile(marker, []byte("x"), 0o644) }, marker)

	os.WriteFile(filepath.Join(ignored, "HEAD"), []byte("ref"), 0o644)
	time.Sleep(200 * time.Millisecond)
	for _, ev := range drain(out) {
		if strings.HasPrefix(ev.Path, ignored) {
			t.Errorf("ignored directory produced event %+v", ev)
		}
	}
}

func TestFSWatcher_MissingRoot(t *testing.T) {
	w := NewFSWatcher(FSWatcherConfig{
		Roots:  []string{filepath.Join(t.TempDir(), "nope")},
		Logger: testLogger(),
	})
	if err := w.Run(context.Background(), make(chan domain.RawEvent)); err == nil {
		t.Fatal("expected error for missing root")
	}
}
