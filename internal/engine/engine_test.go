package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"syncwake/internal/bus"
	"syncwake/internal/classify"
	"syncwake/internal/debounce"
	"syncwake/internal/domain"
	"syncwake/internal/notify"
	"syncwake/internal/state"
)

// fakeSource sends its events once and then idles until cancelled.
type fakeSource struct {
	events []domain.RawEvent
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Run(ctx context.Context, out chan<- domain.RawEvent) error {
	for _, ev := range f.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls []domain.Invocation
}

func (r *recordingInvoker) Name() string { return "recording" }

func (r *recordingInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, inv)
	return nil
}

func (r *recordingInvoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type engineFixture struct {
	*syncFixture
	classifier *classify.Classifier
	cooldowns  *state.FileCooldownStore
	invoker    *recordingInvoker
	notifier   *notify.Notifier
	noteRoot   string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	sf := newSyncFixture(t, 100)
	noteRoot := t.TempDir()
	classifier := classify.New(classify.Config{
		Roots:        []string{noteRoot},
		ExcludeRoots: []string{sf.logRoot},
		Extensions:   []string{".md"},
		SelfLabel:    "Me",
	})
	sf.syncer.classifier = classifier

	cooldowns, err := state.NewFileCooldownStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	inv := &recordingInvoker{}
	n := notify.New(notify.Config{
		Cooldowns:   cooldowns,
		Invoker:     inv,
		Window:      time.Minute,
		RecentLines: 5,
		Channel:     "webchat",
		Recipient:   "main",
		Events:      sf.events,
		Logger:      testLogger(),
	})
	return &engineFixture{
		syncFixture: sf,
		classifier:  classifier,
		cooldowns:   cooldowns,
		invoker:     inv,
		notifier:    n,
		noteRoot:    noteRoot,
	}
}

func (f *engineFixture) engine(window time.Duration, policy debounce.Policy, events ...domain.RawEvent) *Engine {
	return New(Config{
		Sources:        []domain.ChangeSource{&fakeSource{events: events}},
		Classifier:     f.classifier,
		Syncer:         f.syncer,
		Notifier:       f.notifier,
		Debounce:       window,
		ShutdownPolicy: policy,
		Events:         f.events,
		Logger:         testLogger(),
	})
}

func waitEvent(t *testing.T, ch <-chan bus.Event, what string) bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return bus.Event{}
}

func subscribe(eb *bus.EventBus, eventType string) <-chan bus.Event {
	ch := make(chan bus.Event, 16)
	eb.On(eventType, func(e bus.Event) { ch <- e })
	return ch
}

func chatEvent(id int64) domain.RawEvent {
	return domain.RawEvent{
		Kind:       domain.KindChat,
		Platform:   "telegram",
		NativeID:   "12345",
		Label:      "Alice",
		Position:   id,
		Sender:     "Alice",
		Change:     domain.ChangeMessage,
		ObservedAt: time.Now(),
	}
}

func runEngine(t *testing.T, e *Engine) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
		return nil
	}
}

func TestEngine_BurstOfChatEventsNotifiesOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.cursors.Advance(ctx, aliceChat.ID, domain.Cursor{Position: 100})
	var raw []domain.RawEvent
	for id := int64(101); id <= 105; id++ {
		f.api.messages["12345"] = append(f.api.messages["12345"], msg(id, "Alice", "hi"))
		raw = append(raw, chatEvent(id))
	}
	sent := subscribe(f.events, bus.EventNotifySent)
	debounced := subscribe(f.events, bus.EventChangeDebounced)

	stop := runEngine(t, f.engine(200*time.Millisecond, debounce.PolicyFlush, raw...))
	ev := waitEvent(t, debounced, "debounced change")
	if ev.Payload["events"] != 5 {
		t.Errorf("expected 5 events folded into one change, got %v", ev.Payload["events"])
	}
	waitEvent(t, sent, "notification")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if f.invoker.count() != 1 {
		t.Errorf("expected one invocation, got %d", f.invoker.count())
	}
	if cur, _, _ := f.cursors.Get(ctx, aliceChat.ID); cur.Position != 105 {
		t.Errorf("cursor = %d, want 105", cur.Position)
	}
}

func TestEngine_MixedSendersNotifyOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.cursors.Advance(ctx, aliceChat.ID, domain.Cursor{Position: 100})
	var raw []domain.RawEvent
	for id := int64(101); id <= 105; id++ {
		m, ev := msg(id, "Alice", fmt.Sprintf("m%d", id)), chatEvent(id)
		if id == 103 {
			m.Sender, m.FromSelf = "", true
			ev.Sender, ev.FromSelf = "", true
		}
		f.api.messages["12345"] = append(f.api.messages["12345"], m)
		raw = append(raw, ev)
	}
	completed := subscribe(f.events, bus.EventSyncCompleted)
	sent := subscribe(f.events, bus.EventNotifySent)
	suppressed := subscribe(f.events, bus.EventNotifySuppressed)

	stop := runEngine(t, f.engine(200*time.Millisecond, debounce.PolicyFlush, raw...))
	ev := waitEvent(t, completed, "sync")
	waitEvent(t, sent, "notification")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	if ev.Payload["lines"] != 5 || ev.Payload["incoming"] != true {
		t.Errorf("unexpected sync payload %+v", ev.Payload)
	}
	if f.invoker.count() != 1 {
		t.Fatalf("expected one invocation, got %d", f.invoker.count())
	}
	if len(suppressed) != 0 {
		t.Errorf("cooldown should be checked once and pass, got %d suppressions", len(suppressed))
	}
	if text := f.invoker.calls[0].Message; !strings.Contains(text, "Me: m103") || !strings.Contains(text, "Alice: m105") {
		t.Errorf("invocation should carry the recent lines, got %q", text)
	}
	if cur, _, _ := f.cursors.Get(ctx, aliceChat.ID); cur.Position != 105 {
		t.Errorf("cursor = %d, want 105", cur.Position)
	}
	if all, _ := f.cooldowns.List(ctx); len(all) != 1 {
		t.Errorf("expected one cooldown entry, got %v", all)
	}
}

func TestEngine_SelfAuthoredNoteDoesNotNotify(t *testing.T) {
	f := newEngineFixture(t)
	path := filepath.Join(f.noteRoot, "journal.md")
	os.WriteFile(path, []byte("[2024-03-01 10:00:00] Me: summary written by the agent\n"), 0o644)

	completed := subscribe(f.events, bus.EventSyncCompleted)
	stop := runEngine(t, f.engine(20*time.Millisecond, debounce.PolicyFlush,
		domain.RawEvent{Kind: domain.KindFile, Path: path, Change: domain.ChangeModified, ObservedAt: time.Now()},
	))
	ev := waitEvent(t, completed, "sync")
	stop()

	if ev.Payload["incoming"] != false || ev.Payload["lines"] != 1 {
		t.Errorf("unexpected sync payload %+v", ev.Payload)
	}
	if f.invoker.count() != 0 {
		t.Errorf("self-authored change must not notify, got %d invocations", f.invoker.count())
	}
}

func TestEngine_IgnoredEventsAreSkipped(t *testing.T) {
	f := newEngineFixture(t)
	skipped := subscribe(f.events, bus.EventEventSkipped)
	stop := runEngine(t, f.engine(20*time.Millisecond, debounce.PolicyFlush,
		domain.RawEvent{Kind: domain.KindFile, Path: filepath.Join(f.noteRoot, "image.png")},
		domain.RawEvent{Kind: domain.KindFile, Path: filepath.Join(f.logRoot, "Telegram", "DMs", "Alice.md")},
	))
	waitEvent(t, skipped, "first skip")
	waitEvent(t, skipped, "second skip")
	stop()
}

func TestEngine_ShutdownPolicy(t *testing.T) {
	tests := []struct {
		policy     debounce.Policy
		wantSynced bool
	}{
		{debounce.PolicyFlush, true},
		{debounce.PolicyDrop, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newEngineFixture(t)
			f.api.messages["12345"] = []domain.ChatMessage{msg(1, "Alice", "hi")}
			skipped := subscribe(f.events, bus.EventEventSkipped)
			shutdown := subscribe(f.events, bus.EventShutdownCompleted)

			// The unclassifiable second event proves the first one reached the debouncer.
			stop := runEngine(t, f.engine(time.Hour, tt.policy,
				chatEvent(1),
				domain.RawEvent{Kind: "unknown"},
			))
			waitEvent(t, skipped, "marker event")
			if err := stop(); err != nil {
				t.Fatal(err)
			}

			ev := waitEvent(t, shutdown, "shutdown")
			if ev.Payload["pending"] != 1 {
				t.Errorf("expected one pending change, got %v", ev.Payload["pending"])
			}
			_, found, _ := f.cursors.Get(context.Background(), aliceChat.ID)
			if found != tt.wantSynced {
				t.Errorf("synced=%v, want %v", found, tt.wantSynced)
			}
		})
	}
}

func TestEngine_HandleChangeRespectsCooldown(t *testing.T) {
	f := newEngineFixture(t)
	e := f.engine(time.Second, debounce.PolicyFlush)
	ctx := context.Background()

	f.api.messages["12345"] = []domain.ChatMessage{msg(1, "Alice", "first")}
	_, out, err := e.HandleChange(ctx, chatChange(aliceChat))
	if err != nil || out != notify.OutcomeSent {
		t.Fatalf("first change: outcome=%s err=%v", out, err)
	}

	f.api.messages["12345"] = append(f.api.messages["12345"], msg(2, "Alice", "second"))
	res, out, err := e.HandleChange(ctx, chatChange(aliceChat))
	if err != nil || out != notify.OutcomeSuppressed {
		t.Fatalf("second change: outcome=%s err=%v", out, err)
	}
	if len(res.Lines) != 1 {
		t.Errorf("suppressed change is still synced, got %v", res.Lines)
	}
	if f.invoker.count() != 1 {
		t.Errorf("expected one invocation, got %d", f.invoker.count())
	}
}

func TestEngine_SyncFailureIsScopedToEntity(t *testing.T) {
	f := newEngineFixture(t)
	e := f.engine(time.Second, debounce.PolicyFlush)
	failed := subscribe(f.events, bus.EventSyncFailed)

	other := aliceChat
	other.ID, other.Platform = "matrix:room", "matrix"
	if _, _, err := e.HandleChange(context.Background(), chatChange(other)); err == nil {
		t.Fatal("expected error for unknown platform")
	}
	waitEvent(t, failed, "sync failure")

	f.api.messages["12345"] = []domain.ChatMessage{msg(1, "Alice", "still works")}
	if _, out, err := e.HandleChange(context.Background(), chatChange(aliceChat)); err != nil || out != notify.OutcomeSent {
		t.Errorf("other entity should be unaffected: outcome=%s err=%v", out, err)
	}
}
