package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"syncwake/internal/bus"
	"syncwake/internal/domain"
)

func TestSyncer_BackfillCreatesLog(t *testing.T) {
	f := newSyncFixture(t, 100)
	ctx := context.Background()
	self := msg(2, "", "on my way")
	self.FromSelf = true
	f.api.messages["12345"] = []domain.ChatMessage{msg(1, "Alice", "hi"), self, msg(3, "Alice", "ok")}

	res, err := f.syncer.Backfill(ctx, aliceChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 3 || res.Added != 3 || res.Present != 0 || res.Position != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	path := filepath.Join(f.logRoot, "Telegram", "DMs", "Alice.md")
	want := "# Alice\n\n" +
		"[2024-03-01 10:00:01] Alice: hi\n" +
		"[2024-03-01 10:00:02] Me: on my way\n" +
		"[2024-03-01 10:00:03] Alice: ok\n"
	if got := readFile(t, path); got != want {
		t.Errorf("log =\n%s\nwant\n%s", got, want)
	}
	if cur, _, _ := f.cursors.Get(ctx, aliceChat.ID); cur.Position != 3 || cur.LogLines != 5 || cur.Label != "Alice" {
		t.Errorf("unexpected cursor %+v", cur)
	}

	again, err := f.syncer.Backfill(ctx, aliceChat)
	if err != nil {
		t.Fatal(err)
	}
	if again.Added != 0 || again.Present != 3 {
		t.Errorf("second backfill should add nothing, got %+v", again)
	}
	if got := readFile(t, path); got != want {
		t.Errorf("log changed on second backfill:\n%s", got)
	}
}

func TestSyncer_BackfillMergesOlderHistory(t *testing.T) {
	f := newSyncFixture(t, 2)
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		f.api.messages["12345"] = append(f.api.messages["12345"], msg(id, "Alice", fmt.Sprintf("m%d", id)))
	}
	// The first live sync keeps only the last two items.
	if _, err := f.syncer.Sync(ctx, chatChange(aliceChat)); err != nil {
		t.Fatal(err)
	}

	res, err := f.syncer.Backfill(ctx, aliceChat)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 3 || res.Present != 2 || res.Position != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	path := filepath.Join(f.logRoot, "Telegram", "DMs", "Alice.md")
	lines := strings.Split(strings.TrimSuffix(readFile(t, path), "\n"), "\n")
	var texts []string
	for _, l := range lines[2:] {
		texts = append(texts, l[strings.LastIndex(l, " ")+1:])
	}
	if lines[0] != "# Alice" || !slices.Equal(texts, []string{"m1", "m2", "m3", "m4", "m5"}) {
		t.Errorf("history not merged in order:\n%s", strings.Join(lines, "\n"))
	}

	// The live path continues from the merged log without drift.
	var drift []bus.Event
	f.events.On(bus.EventCursorDrift, func(e bus.Event) { drift = append(drift, e) })
	f.api.messages["12345"] = append(f.api.messages["12345"], msg(6, "Alice", "m6"))
	live, err := f.syncer.Sync(ctx, chatChange(aliceChat))
	if err != nil {
		t.Fatal(err)
	}
	if len(live.Lines) != 1 || len(drift) != 0 {
		t.Errorf("live sync after backfill: lines=%v drift=%d", live.Lines, len(drift))
	}
}

func TestSyncer_BackfillFetchError(t *testing.T) {
	f := newSyncFixture(t, 100)
	f.api.err = fmt.Errorf("%w: bridge down", domain.ErrTransientSource)
	if _, err := f.syncer.Backfill(context.Background(), aliceChat); !errors.Is(err, domain.ErrTransientSource) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, found, _ := f.cursors.Get(context.Background(), aliceChat.ID); found {
		t.Error("failed backfill must not create a cursor")
	}

	e := aliceChat
	e.Platform = "matrix"
	if _, err := f.syncer.Backfill(context.Background(), e); !errors.Is(err, domain.ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestMergeByTime(t *testing.T) {
	tests := []struct {
		name        string
		body, added []string
		want        []string
	}{
		{
			name:  "empty log",
			added: []string{"[2024-01-01 10:00:00] A: x"},
			want:  []string{"[2024-01-01 10:00:00] A: x"},
		},
		{
			name:  "older lines go first",
			body:  []string{"[2024-01-02 10:00:00] A: new"},
			added: []string{"[2024-01-01 10:00:00] A: old"},
			want:  []string{"[2024-01-01 10:00:00] A: old", "[2024-01-02 10:00:00] A: new"},
		},
		{
			name:  "free text stays with its message",
			body:  []string{"[2024-01-01 10:00:00] A: one", "a note added by hand", "[2024-01-03 10:00:00] A: three"},
			added: []string{"[2024-01-02 10:00:00] A: two"},
			want: []string{
				"[2024-01-01 10:00:00] A: one",
				"a note added by hand",
				"[2024-01-02 10:00:00] A: two",
				"[2024-01-03 10:00:00] A: three",
			},
		},
		{
			name:  "newer lines go last",
			body:  []string{"[2024-01-01 10:00:00] A: one"},
			added: []string{"[2024-01-05 10:00:00] A: five"},
			want:  []string{"[2024-01-01 10:00:00] A: one", "[2024-01-05 10:00:00] A: five"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeByTime(tt.body, tt.added); !slices.Equal(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineKey(t *testing.T) {
	a := lineKey("[2024-01-01 10:00:00] Alice: hello  ")
	b := lineKey("[2024-01-01 10:00:00] Alice: hello")
	if a != b {
		t.Errorf("trailing spaces should not matter: %q vs %q", a, b)
	}
	if lineKey("[2024-01-01 10:00:00] Bob: hello") == b {
		t.Error("sender is part of the key")
	}
}
