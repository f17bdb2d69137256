// Package bus carries pipeline events from the sources, syncer and notifier
// to observers such as metrics, without those components knowing who listens.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one observation from the pipeline.
type Event struct {
	Type      string         // one of the Event* constants
	Source    string         // emitting component, e.g. "syncer", "poll:telegram"
	Payload   map[string]any // event-specific data; "entity" is set when one entity is concerned
	Timestamp time.Time
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

type subscription struct {
	id uint64
	fn Handler
}

// EventBus fans events out to subscribers and keeps a running count per
// event type. A nil *EventBus discards every event.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	counts map[string]int64
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]subscription),
		counts: make(map[string]int64),
	}
}

// On subscribes fn to eventType, or to everything with Wildcard. The
// returned func removes the subscription and may be called more than once.
func (eb *EventBus) On(eventType string, fn Handler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	eb.mu.Unlock()

	return func() { eb.off(eventType, id) }
}

func (eb *EventBus) off(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to the subscribers of its type, then to wildcard
// subscribers, in subscription order. A panicking handler is logged and
// does not affect the others or the emitter.
func (eb *EventBus) Emit(e Event) {
	if eb == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.counts[e.Type]++
	targets := make([]subscription, 0, len(eb.subs[e.Type])+len(eb.subs[Wildcard]))
	targets = append(targets, eb.subs[e.Type]...)
	targets = append(targets, eb.subs[Wildcard]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, e)
	}
}

func (eb *EventBus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", e.Type, "source", e.Source, "panic", r)
		}
	}()
	s.fn(e)
}

// Counts returns how many events of each type have been emitted.
func (eb *EventBus) Counts() map[string]int64 {
	if eb == nil {
		return nil
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make(map[string]int64, len(eb.counts))
	for k, v := range eb.counts {
		out[k] = v
	}
	return out
}

// LogSummary writes the event counts as one log line, ordered by type.
func (eb *EventBus) LogSummary(logger *slog.Logger, msg string) {
	counts := eb.Counts()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	attrs := make([]any, 0, 2*len(types))
	for _, t := range types {
		attrs = append(attrs, t, counts[t])
	}
	logger.Info(msg, attrs...)
}

const (
	EventPollCycle         = "source.poll_cycle"
	EventEventSkipped      = "event.skipped"
	EventChangeDebounced   = "change.debounced"
	EventSyncCompleted     = "sync.completed"
	EventSyncFailed        = "sync.failed"
	EventCursorDrift       = "cursor.drift"
	EventItemMalformed     = "item.malformed"
	EventNotifySent        = "notify.sent"
	EventNotifySuppressed  = "notify.suppressed"
	EventNotifyFailed      = "notify.failed"
	EventShutdownCompleted = "engine.shutdown"
)
