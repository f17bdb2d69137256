// Package source produces raw change events from the filesystem and from
// remote chat APIs.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"syncwake/internal/domain"

	"github.com/fsnotify/fsnotify"
)

type FSWatcherConfig struct {
	Roots      []string
	IgnoreDirs []string
	Logger     *slog.Logger
}

// FSWatcher is the push change source: a recursive fsnotify watch over the
// configured roots.
type FSWatcher struct {
	roots      []string
	ignoreDirs map[string]bool
	logger     *slog.Logger
	now        func() time.Time

	watcher *fsnotify.Watcher
}

func NewFSWatcher(cfg FSWatcherConfig) *FSWatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ignore := make(map[string]bool, len(cfg.IgnoreDirs))
	for _, d := range cfg.IgnoreDirs {
		ignore[d] = true
	}
	return &FSWatcher{
		roots:      cfg.Roots,
		ignoreDirs: ignore,
		logger:     cfg.Logger.With("source", "fswatch"),
		now:        time.Now,
	}
}

func (w *FSWatcher) Name() string { return "fswatch" }

// Run watches until ctx is cancelled. Missing roots are an error.
func (w *FSWatcher) Run(ctx context.Context, out chan<- domain.RawEvent) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer watcher.Close()
	w.watcher = watcher

	for _, root := range w.roots {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("watch root %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch root %s is not a directory", root)
		}
		n, err := w.addTree(root, nil)
		if err != nil {
			return err
		}
		w.logger.Info("watching root", "root", root, "dirs", n)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev, out)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("fs event queue overflowed, some changes may be missed", "err", err)
				continue
			}
			w.logger.Warn("fs watcher error", "err", err)
		}
	}
}

func (w *FSWatcher) handle(ctx context.Context, ev fsnotify.Event, out chan<- domain.RawEvent) {
	var change domain.ChangeKind
	switch {
	case ev.Has(fsnotify.Create):
		change = domain.ChangeCreated
	case ev.Has(fsnotify.Write):
		change = domain.ChangeModified
	default:
		return
	}

	if change == domain.ChangeCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.ignoreDirs[info.Name()] {
				return
			}
			// Files may land in a new directory before its watch is added.
			var created []string
			if _, err := w.addTree(ev.Name, &created); err != nil {
				w.logger.Warn("cannot watch new directory", "dir", ev.Name, "err", err)
			}
			for _, p := range created {
				w.emit(ctx, out, p, domain.ChangeCreated)
			}
			return
		}
	}
	w.emit(ctx, out, ev.Name, change)
}

func (w *FSWatcher) emit(ctx context.Context, out chan<- domain.RawEvent, path string, change domain.ChangeKind) {
	ev := domain.RawEvent{
		Kind:       domain.KindFile,
		Platform:   domain.PlatformNote,
		Path:       path,
		ObservedAt: w.now(),
		Change:     change,
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// addTree adds dir and every non-ignored subdirectory to the watch. When
// files is non-nil, regular files found on the way are collected.
func (w *FSWatcher) addTree(dir string, files *[]string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			if path != dir && w.ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			count++
			return nil
		}
		if files != nil && d.Type().IsRegular() {
			*files = append(*files, path)
		}
		return nil
	})
	return count, err
}
