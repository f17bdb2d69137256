package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/domain"
	"syncwake/internal/state"
)

type fakeChatAPI struct {
	mu       sync.Mutex
	platform string
	entities []domain.EntityDescriptor
	messages map[string][]domain.ChatMessage
	failFor  map[string]error
	listErr  error
	fetches  map[string][]int64 // cursors requested per entity
}

func (f *fakeChatAPI) Platform() string { return f.platform }

func (f *fakeChatAPI) ListEntities(ctx context.Context) ([]domain.EntityDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.EntityDescriptor(nil), f.entities...), nil
}

func (f *fakeChatAPI) FetchSince(ctx context.Context, nativeID string, cursor int64) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetches == nil {
		f.fetches = make(map[string][]int64)
	}
	f.fetches[nativeID] = append(f.fetches[nativeID], cursor)
	if err := f.failFor[nativeID]; err != nil {
		return nil, err
	}
	var out []domain.ChatMessage
	for _, m := range f.messages[nativeID] {
		if m.ID > cursor {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeChatAPI) add(nativeID string, msgs ...domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[nativeID] = append(f.messages[nativeID], msgs...)
}

func drain(ch chan domain.RawEvent) []domain.RawEvent {
	var out []domain.RawEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPoller_EmitsOneEventPerNewItem(t *testing.T) {
	api := &fakeChatAPI{
		platform: "telegram",
		entities: []domain.EntityDescriptor{{NativeID: "12345", Label: "Alice"}},
		messages: map[string][]domain.ChatMessage{
			"12345": {
				{ID: 101, Sender: "Alice"},
				{ID: 102, Sender: "Alice"},
				{ID: 103, FromSelf: true},
			},
		},
	}
	p := NewPoller(PollerConfig{API: api, Logger: testLogger()})
	out := make(chan domain.RawEvent, 100)

	entities, emitted, err := p.PollOnce(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	if entities != 1 || emitted != 3 {
		t.Fatalf("entities=%d emitted=%d", entities, emitted)
	}
	events := drain(out)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	ev := events[2]
	if ev.Kind != domain.KindChat || ev.Platform != "telegram" || ev.NativeID != "12345" || ev.Position != 103 || !ev.FromSelf || ev.Label != "Alice" {
		t.Errorf("unexpected event %+v", ev)
	}

	// Nothing new: nothing emitted, and the fetch asks for items after 103.
	if _, emitted, _ := p.PollOnce(context.Background(), out); emitted != 0 {
		t.Errorf("expected no events on idle cycle, got %d", emitted)
	}
	api.add("12345", domain.ChatMessage{ID: 104, Sender: "Alice"})
	if _, emitted, _ := p.PollOnce(context.Background(), out); emitted != 1 {
		t.Errorf("expected one new event, got %d", emitted)
	}
	if got := api.fetches["12345"]; len(got) != 3 || got[0] != 0 || got[1] != 103 || got[2] != 103 {
		t.Errorf("unexpected fetch cursors %v", got)
	}
}

func TestPoller_SeedsFromPersistedCursor(t *testing.T) {
	cursors, err := state.NewFileCursorStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	cursors.Advance(context.Background(), "signal:+49", domain.Cursor{Position: 100})

	api := &fakeChatAPI{
		platform: "signal",
		entities: []domain.EntityDescriptor{{NativeID: "+49"}},
		messages: map[string][]domain.ChatMessage{"+49": {{ID: 99}, {ID: 100}, {ID: 101}}},
	}
	p := NewPoller(PollerConfig{API: api, Cursors: cursors, Logger: testLogger()})
	out := make(chan domain.RawEvent, 10)
	p.PollOnce(context.Background(), out)

	events := drain(out)
	if len(events) != 1 || events[0].Position != 101 {
		t.Fatalf("expected only item 101, got %+v", events)
	}
	if c, _, _ := cursors.Get(context.Background(), "signal:+49"); c.Position != 100 {
		t.Errorf("poller must not write cursors, got %d", c.Position)
	}
}

func TestPoller_EmitsUnsyncedItemsAgain(t *testing.T) {
	ctx := context.Background()
	cursors, err := state.NewFileCursorStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	api := &fakeChatAPI{
		platform: "telegram",
		entities: []domain.EntityDescriptor{{NativeID: "12345"}},
		messages: map[string][]domain.ChatMessage{"12345": {{ID: 101, Sender: "Alice"}, {ID: 102, Sender: "Alice"}}},
	}
	p := NewPoller(PollerConfig{API: api, Cursors: cursors, Logger: testLogger()})
	out := make(chan domain.RawEvent, 10)

	if _, emitted, _ := p.PollOnce(ctx, out); emitted != 2 {
		t.Fatalf("first cycle emitted %d, want 2", emitted)
	}
	drain(out)

	// The sync of 101-102 failed: the cursor never moved, so the next cycle
	// must surface the same increment.
	if _, emitted, _ := p.PollOnce(ctx, out); emitted != 2 {
		t.Fatalf("retry cycle emitted %d, want 2", emitted)
	}
	if events := drain(out); events[0].Position != 101 || events[1].Position != 102 {
		t.Errorf("unexpected retry events %+v", events)
	}

	cursors.Advance(ctx, "telegram:12345", domain.Cursor{Position: 102})
	if _, emitted, _ := p.PollOnce(ctx, out); emitted != 0 {
		t.Errorf("synced increment emitted again: %d", emitted)
	}
	api.add("12345", domain.ChatMessage{ID: 103, Sender: "Alice"})
	if _, emitted, _ := p.PollOnce(ctx, out); emitted != 1 {
		t.Errorf("expected only item 103, emitted %d", emitted)
	}
	if got := api.fetches["12345"]; len(got) != 4 || got[0] != 0 || got[1] != 0 || got[2] != 102 || got[3] != 102 {
		t.Errorf("unexpected fetch cursors %v", got)
	}
}

func TestPoller_FailedEntityDoesNotBlockOthers(t *testing.T) {
	api := &fakeChatAPI{
		platform: "whatsapp",
		entities: []domain.EntityDescriptor{{NativeID: "a"}, {NativeID: "b"}},
		messages: map[string][]domain.ChatMessage{"b": {{ID: 1, Sender: "B"}}},
		failFor:  map[string]error{"a": domain.ErrTransientSource},
	}
	eb := bus.NewEventBus(testLogger())
	p := NewPoller(PollerConfig{API: api, Events: eb, Logger: testLogger()})
	out := make(chan domain.RawEvent, 10)

	_, emitted, err := p.PollOnce(context.Background(), out)
	if !errors.Is(err, domain.ErrTransientSource) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if emitted != 1 {
		t.Errorf("entity b should still be polled, emitted=%d", emitted)
	}

	// A failed fetch leaves lastSeen untouched so the next cycle retries from 0.
	api.failFor = nil
	api.add("a", domain.ChatMessage{ID: 5, Sender: "A"})
	p.PollOnce(context.Background(), out)
	if got := api.fetches["a"]; got[len(got)-1] != 0 {
		t.Errorf("retry should fetch from 0, got %v", got)
	}
}

func TestPoller_ListFailure(t *testing.T) {
	api := &fakeChatAPI{platform: "signal", listErr: errors.New("connection refused")}
	p := NewPoller(PollerConfig{API: api, Logger: testLogger()})
	if _, _, err := p.PollOnce(context.Background(), make(chan domain.RawEvent, 1)); err == nil {
		t.Fatal("expected list error")
	}
}

func TestPoller_RunPublishesCycleAndStops(t *testing.T) {
	api := &fakeChatAPI{
		platform: "signal",
		entities: []domain.EntityDescriptor{{NativeID: "x"}},
		messages: map[string][]domain.ChatMessage{"x": {{ID: 1, Sender: "X"}}},
	}
	eb := bus.NewEventBus(testLogger())
	cycles := make(chan bus.Event, 10)
	eb.On(bus.EventPollCycle, func(e bus.Event) { cycles <- e })

	p := NewPoller(PollerConfig{API: api, Interval: time.Hour, Events: eb, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.RawEvent, 10)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, out) }()

	select {
	case e := <-cycles:
		if e.Payload["events"] != 1 {
			t.Errorf("unexpected payload %+v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle should run immediately")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	tests := []struct {
		jitter, sample float64
		want           time.Duration
	}{
		{0, 0.2, base},
		{0.2, 0, 8 * time.Second},
		{0.2, 0.5, 10 * time.Second},
		{0.2, 1, 12 * time.Second},
	}
	for _, tt := range tests {
		if got := jitteredIntervalWithSample(base, tt.jitter, tt.sample); got != tt.want {
			t.Errorf("jitter=%v sample=%v: got %s, want %s", tt.jitter, tt.sample, got, tt.want)
		}
	}
	if got := clampJitterRatio(5); got != 0.9 {
		t.Errorf("clamp high: got %v", got)
	}
	if got := clampJitterRatio(-1); got != 0 {
		t.Errorf("clamp low: got %v", got)
	}
}
