// Package engine wires change sources, classification, debouncing, sync and
// notification into one running process.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/classify"
	"syncwake/internal/debounce"
	"syncwake/internal/domain"
	"syncwake/internal/notify"
	"syncwake/internal/state"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBufferSize      = 256
	defaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	Sources         []domain.ChangeSource
	Classifier      *classify.Classifier
	Syncer          *Syncer
	Notifier        *notify.Notifier
	Debounce        time.Duration
	Clock           debounce.Clock
	ShutdownPolicy  debounce.Policy
	ShutdownTimeout time.Duration // bound on waiting for in-flight processing
	BufferSize      int
	Events          *bus.EventBus
	Logger          *slog.Logger
}

// Engine owns the event pipeline and the per-entity processing locks.
type Engine struct {
	sources         []domain.ChangeSource
	classifier      *classify.Classifier
	syncer          *Syncer
	notifier        *notify.Notifier
	window          time.Duration
	clock           debounce.Clock
	policy          debounce.Policy
	shutdownTimeout time.Duration
	bufferSize      int
	events          *bus.EventBus
	logger          *slog.Logger

	locks *state.KeyedMutex

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = debounce.PolicyFlush
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = debounce.RealClock()
	}
	return &Engine{
		sources:         cfg.Sources,
		classifier:      cfg.Classifier,
		syncer:          cfg.Syncer,
		notifier:        cfg.Notifier,
		window:          cfg.Debounce,
		clock:           cfg.Clock,
		policy:          cfg.ShutdownPolicy,
		shutdownTimeout: cfg.ShutdownTimeout,
		bufferSize:      cfg.BufferSize,
		events:          cfg.Events,
		logger:          cfg.Logger,
		locks:           state.NewKeyedMutex(),
	}
}

// Run starts every source and processes their events until ctx is cancelled
// or a source fails. Shutdown applies the debounce policy and waits for
// in-flight processing, bounded by the shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	// Processing outlives cancellation so an interrupted sync can still
	// commit its cursor.
	procCtx := context.WithoutCancel(ctx)

	d := debounce.New(debounce.Config{
		Window: e.window,
		Clock:  e.clock,
		Logger: e.logger,
	}, func(ch domain.LogicalChange) { e.dispatch(procCtx, ch) })

	raw := make(chan domain.RawEvent, e.bufferSize)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range e.sources {
		g.Go(func() error {
			e.logger.Info("source started", "source", src.Name())
			err := src.Run(gctx, raw)
			if err != nil {
				e.logger.Error("source failed", "source", src.Name(), "err", err)
			}
			return err
		})
	}

	e.logger.Info("engine running", "sources", len(e.sources), "debounce", e.window, "policy", e.policy)
	e.consume(gctx, raw, d)

	// Sources exit on gctx; pending changes are flushed or dropped next.
	srcErr := g.Wait()
	pending := d.Close(e.policy)

	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(finished)
	}()
	timedOut := false
	select {
	case <-finished:
	case <-time.After(e.shutdownTimeout):
		timedOut = true
		e.logger.Warn("shutdown timeout, abandoning in-flight processing", "timeout", e.shutdownTimeout)
	}

	e.logger.Info("engine stopped", "pending", pending, "policy", e.policy, "timed_out", timedOut)
	e.events.Emit(bus.Event{
		Type:    bus.EventShutdownCompleted,
		Source:  "engine",
		Payload: map[string]any{"pending": pending, "policy": string(e.policy), "timed_out": timedOut},
	})
	if errors.Is(srcErr, context.Canceled) {
		return nil
	}
	return srcErr
}

func (e *Engine) consume(ctx context.Context, raw <-chan domain.RawEvent, d *debounce.Debouncer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-raw:
			ce, ok := e.classifier.Classify(ev)
			if !ok {
				e.logger.Debug("event skipped", "kind", ev.Kind, "path", ev.Path, "platform", ev.Platform, "native_id", ev.NativeID)
				e.events.Emit(bus.Event{
					Type:    bus.EventEventSkipped,
					Source:  "classifier",
					Payload: map[string]any{"kind": string(ev.Kind), "platform": ev.Platform},
				})
				continue
			}
			d.Add(ce)
		}
	}
}

// dispatch runs a debounced change on its own goroutine. Changes arriving
// after the drain started are left to the cursor gate of the next run.
func (e *Engine) dispatch(ctx context.Context, ch domain.LogicalChange) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		e.logger.Info("change arrived after shutdown, leaving it for next start", "entity", ch.Entity.ID)
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	e.events.Emit(bus.Event{
		Type:   bus.EventChangeDebounced,
		Source: "debouncer",
		Payload: map[string]any{
			"entity":   ch.Entity.ID,
			"platform": ch.Entity.Platform,
			"events":   ch.Events,
			"incoming": ch.IsIncoming,
			"span":     ch.LastEventAt.Sub(ch.FirstEventAt).Seconds(),
		},
	})

	go func() {
		defer e.inflight.Done()
		e.HandleChange(ctx, ch)
	}()
}

// HandleChange syncs one logical change under the entity's lock and, when
// the increment holds incoming content, notifies outside of it.
func (e *Engine) HandleChange(ctx context.Context, ch domain.LogicalChange) (SyncResult, notify.Outcome, error) {
	start := time.Now()
	unlock := e.locks.Lock(ch.Entity.ID)
	res, err := e.syncer.Sync(ctx, ch)
	unlock()
	if err != nil {
		e.logger.Error("sync failed", "entity", ch.Entity.ID, "err", err)
		e.events.Emit(bus.Event{
			Type:    bus.EventSyncFailed,
			Source:  "syncer",
			Payload: map[string]any{"entity": ch.Entity.ID, "platform": ch.Entity.Platform},
		})
		return res, "", err
	}

	e.logger.Debug("sync complete",
		"entity", ch.Entity.ID,
		"lines", len(res.Lines),
		"position", res.Position,
		"incoming", res.Incoming,
		"took", time.Since(start).Round(time.Millisecond),
	)
	e.events.Emit(bus.Event{
		Type:   bus.EventSyncCompleted,
		Source: "syncer",
		Payload: map[string]any{
			"entity":    ch.Entity.ID,
			"platform":  ch.Entity.Platform,
			"lines":     len(res.Lines),
			"malformed": res.Malformed,
			"incoming":  res.Incoming,
			"seconds":   time.Since(start).Seconds(),
		},
	})

	if !res.Incoming || len(res.Lines) == 0 || e.notifier == nil {
		return res, "", nil
	}
	out, err := e.notifier.Notify(ctx, res.Entity, res.Lines)
	return res, out, err
}
