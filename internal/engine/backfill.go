package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"syncwake/internal/classify"
	"syncwake/internal/domain"
	"syncwake/internal/state"
)

// BackfillResult describes one history merge.
type BackfillResult struct {
	Entity    domain.Entity
	Fetched   int // items the API returned
	Added     int // lines merged into the log
	Present   int // lines the log already held
	Malformed int
	Position  int64
	LogPath   string
}

// Backfill fetches everything the API still holds for a chat and merges the
// lines its canonical log is missing, in time order. Lines already in the
// log are recognized by timestamp, sender and text, so running it again adds
// nothing. The cursor moves past every fetched item, since all of them are
// in the log afterwards. Callers serialize Backfill with Sync per entity.
func (s *Syncer) Backfill(ctx context.Context, e domain.Entity) (BackfillResult, error) {
	res := BackfillResult{Entity: e}
	api, ok := s.apis[e.Platform]
	if !ok {
		return res, fmt.Errorf("entity %s: %w %q", e.ID, domain.ErrUnknownPlatform, e.Platform)
	}
	cur, _, err := s.cursors.Get(ctx, e.ID)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", e.ID, err)
	}
	res.Position = cur.Position

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	items, err := api.FetchSince(fetchCtx, e.NativeID, 0)
	cancel()
	if err != nil {
		return res, fmt.Errorf("fetch history %s: %w", e.ID, err)
	}
	res.Fetched = len(items)
	if len(items) == 0 {
		return res, nil
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	highest := items[len(items)-1].ID

	label := logLabel(cur, e)
	path := LogPath(s.logRoot, e.Platform, label, e.IsGroup)
	res.LogPath = path
	existing, err := readLines(path)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	header, body := splitHeader(existing)
	if len(header) == 0 {
		header = []string{"# " + strings.TrimSpace(collapseNewlines(label)), ""}
	}

	seen := make(map[string]bool, len(body))
	for _, l := range body {
		seen[lineKey(l)] = true
	}
	var missing []string
	selfLabel := s.classifier.SelfLabel()
	for _, m := range items {
		if malformedReason(m) != "" {
			res.Malformed++
			continue
		}
		line, ok := FormatLine(m, selfLabel, s.loc)
		if !ok {
			continue
		}
		if k := lineKey(line); seen[k] {
			res.Present++
		} else {
			seen[k] = true
			missing = append(missing, line)
		}
	}

	if len(missing) > 0 {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return res, fmt.Errorf("create log dir: %w", err)
		}
		all := append(append([]string(nil), header...), mergeByTime(body, missing)...)
		if err := state.WriteFileAtomic(path, []byte(strings.Join(all, "\n")+"\n"), 0o644); err != nil {
			return res, fmt.Errorf("write %s: %w", path, err)
		}
		res.Added = len(missing)
	} else if highest <= cur.Position {
		return res, nil
	}

	logLines, _, err := countLines(path)
	if err != nil {
		return res, fmt.Errorf("count %s: %w", path, err)
	}
	next := domain.Cursor{Position: max(cur.Position, highest), LogLines: logLines, Label: label, UpdatedAt: s.now()}
	if err := s.cursors.Advance(ctx, e.ID, next); err != nil {
		return res, fmt.Errorf("advance cursor %s: %w", e.ID, err)
	}
	res.Position = next.Position

	s.logger.Info("history backfilled",
		"entity", e.ID,
		"fetched", res.Fetched,
		"added", res.Added,
		"present", res.Present,
		"malformed", res.Malformed,
	)
	return res, nil
}

// logLabel keeps the first label an entity was logged under so renamed
// chats stay in one file.
func logLabel(cur domain.Cursor, e domain.Entity) string {
	switch {
	case cur.Label != "":
		return cur.Label
	case e.Label != "":
		return e.Label
	}
	return e.NativeID
}

// splitHeader separates the lines before the first canonical line.
func splitHeader(lines []string) (header, body []string) {
	for i, l := range lines {
		if _, ok := classify.ParseLine(l); ok {
			return lines[:i], lines[i:]
		}
	}
	return lines, nil
}

func lineKey(line string) string {
	if l, ok := classify.ParseLine(line); ok {
		return l.Timestamp + "\x00" + l.Sender + "\x00" + strings.TrimSpace(l.Text)
	}
	return strings.TrimSpace(line)
}

// mergeByTime inserts added (ascending) into body. Lines of body that are
// not canonical take the time of the line before them, so free text stays
// attached to the message it follows.
func mergeByTime(body, added []string) []string {
	out := make([]string, 0, len(body)+len(added))
	stamp := ""
	i := 0
	for _, l := range body {
		if p, ok := classify.ParseLine(l); ok {
			stamp = p.Timestamp
		}
		for i < len(added) && lineStamp(added[i]) < stamp {
			out = append(out, added[i])
			i++
		}
		out = append(out, l)
	}
	return append(out, added[i:]...)
}

func lineStamp(line string) string {
	p, _ := classify.ParseLine(line)
	return p.Timestamp
}
