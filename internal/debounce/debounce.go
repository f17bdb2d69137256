// Package debounce coalesces bursts of classified events into one logical
// change per entity and quiet period.
package debounce

import (
	"log/slog"
	"sync"
	"time"

	"syncwake/internal/domain"
)

// Timer is the subset of *time.Timer the debouncer uses.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so tests can drive timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

// Policy decides what happens to pending changes on shutdown.
type Policy string

const (
	PolicyFlush Policy = "flush"
	PolicyDrop  Policy = "drop"
)

type Config struct {
	Window time.Duration
	Clock  Clock
	Logger *slog.Logger
}

type pending struct {
	change domain.LogicalChange
	timer  Timer
	gen    uint64
}

// Debouncer holds one pending change per entity. An entity is Idle when it
// has no entry and Pending while its timer is armed.
type Debouncer struct {
	window time.Duration
	clock  Clock
	logger *slog.Logger
	emit   func(domain.LogicalChange)

	mu      sync.Mutex
	pending map[string]*pending
	gen     uint64
	closed  bool
}

// New creates a debouncer that calls emit once per entity after window has
// elapsed without further events. emit runs on the timer goroutine.
func New(cfg Config, emit func(domain.LogicalChange)) *Debouncer {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Debouncer{
		window:  cfg.Window,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		emit:    emit,
		pending: make(map[string]*pending),
	}
}

// Add folds ev into its entity's pending change and restarts the quiet timer.
func (d *Debouncer) Add(ev domain.ClassifiedEvent) {
	id := ev.Entity.ID
	at := ev.ObservedAt
	if at.IsZero() {
		at = d.clock.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	p, ok := d.pending[id]
	if !ok {
		p = &pending{change: domain.LogicalChange{Entity: ev.Entity, FirstEventAt: at}}
		d.pending[id] = p
	} else {
		p.timer.Stop()
		if ev.Entity.Label != "" {
			p.change.Entity.Label = ev.Entity.Label
		}
	}
	if at.Before(p.change.FirstEventAt) {
		p.change.FirstEventAt = at
	}
	if at.After(p.change.LastEventAt) {
		p.change.LastEventAt = at
	}
	p.change.Events++
	p.change.IsIncoming = p.change.IsIncoming || ev.Incoming

	d.gen++
	gen := d.gen
	p.gen = gen
	p.timer = d.clock.AfterFunc(d.window, func() { d.fire(id, gen) })
}

func (d *Debouncer) fire(id string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if !ok || p.gen != gen {
		// Superseded by a later event, or flushed/dropped already.
		d.mu.Unlock()
		return
	}
	delete(d.pending, id)
	d.mu.Unlock()

	d.emit(p.change)
}

// Pending returns the number of entities with an armed timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops accepting events and applies policy to whatever is pending.
// It returns the number of changes flushed or dropped.
func (d *Debouncer) Close(policy Policy) int {
	d.mu.Lock()
	d.closed = true
	drained := make([]domain.LogicalChange, 0, len(d.pending))
	for id, p := range d.pending {
		p.timer.Stop()
		drained = append(drained, p.change)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if policy == PolicyDrop {
		for _, c := range drained {
			d.logger.Info("dropping pending change on shutdown", "entity", c.Entity.ID, "events", c.Events)
		}
		return len(drained)
	}
	for _, c := range drained {
		d.emit(c)
	}
	return len(drained)
}
