// Package classify filters raw change events and resolves them to entities.
package classify

import (
	"path/filepath"
	"regexp"
	"strings"

	"syncwake/internal/domain"
)

// Config controls which events survive classification.
type Config struct {
	Roots          []string // watched note roots
	ExcludeRoots   []string // subtrees never treated as notes (the chat log root)
	IgnoreDirs     []string
	IgnorePatterns []string
	Extensions     []string
	SelfLabel      string
}

// Classifier is pure and safe for concurrent use.
type Classifier struct {
	roots      []string
	excluded   []string
	ignoreDirs map[string]bool
	globs      []string
	substrings []string
	extensions map[string]bool
	selfLabel  string
}

func New(cfg Config) *Classifier {
	c := &Classifier{
		ignoreDirs: make(map[string]bool),
		extensions: make(map[string]bool),
		selfLabel:  strings.TrimSpace(cfg.SelfLabel),
	}
	if c.selfLabel == "" {
		c.selfLabel = "Me"
	}
	for _, r := range cfg.Roots {
		if r != "" {
			c.roots = append(c.roots, filepath.Clean(r))
		}
	}
	for _, r := range cfg.ExcludeRoots {
		if r != "" {
			c.excluded = append(c.excluded, filepath.Clean(r))
		}
	}
	for _, d := range cfg.IgnoreDirs {
		c.ignoreDirs[d] = true
	}
	for _, p := range cfg.IgnorePatterns {
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			c.globs = append(c.globs, p)
		} else {
			c.substrings = append(c.substrings, strings.ToLower(p))
		}
	}
	for _, e := range cfg.Extensions {
		e = strings.ToLower(e)
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.extensions[e] = true
	}
	return c
}

// SelfLabel returns the sender name used for the automation's own lines.
func (c *Classifier) SelfLabel() string { return c.selfLabel }

// Classify resolves an event to its entity. It reports false when the event
// is irrelevant and must be dropped.
func (c *Classifier) Classify(ev domain.RawEvent) (domain.ClassifiedEvent, bool) {
	switch ev.Kind {
	case domain.KindChat:
		return c.classifyChat(ev)
	case domain.KindFile:
		return c.classifyFile(ev)
	}
	return domain.ClassifiedEvent{}, false
}

func (c *Classifier) classifyChat(ev domain.RawEvent) (domain.ClassifiedEvent, bool) {
	if ev.Platform == "" || ev.NativeID == "" {
		return domain.ClassifiedEvent{}, false
	}
	label := ev.Label
	if label == "" {
		label = ev.NativeID
	}
	return domain.ClassifiedEvent{
		Entity: domain.Entity{
			ID:       domain.ChatEntityID(ev.Platform, ev.NativeID),
			Kind:     domain.KindChat,
			Platform: ev.Platform,
			NativeID: ev.NativeID,
			Label:    label,
			IsGroup:  ev.IsGroup,
		},
		ObservedAt: ev.ObservedAt,
		Incoming:   !ev.FromSelf && !c.IsSelf(ev.Sender),
	}, true
}

func (c *Classifier) classifyFile(ev domain.RawEvent) (domain.ClassifiedEvent, bool) {
	if ev.Path == "" {
		return domain.ClassifiedEvent{}, false
	}
	path := filepath.Clean(ev.Path)

	for _, ex := range c.excluded {
		if _, ok := within(ex, path); ok {
			return domain.ClassifiedEvent{}, false
		}
	}

	root, rel, ok := c.rootFor(path)
	if !ok {
		return domain.ClassifiedEvent{}, false
	}

	parts := strings.Split(rel, string(filepath.Separator))
	for _, dir := range parts[:len(parts)-1] {
		if c.ignoreDirs[dir] {
			return domain.ClassifiedEvent{}, false
		}
	}

	name := parts[len(parts)-1]
	if c.ignoredName(name) {
		return domain.ClassifiedEvent{}, false
	}
	if len(c.extensions) > 0 && !c.extensions[strings.ToLower(filepath.Ext(name))] {
		return domain.ClassifiedEvent{}, false
	}

	slashRel := filepath.ToSlash(rel)
	if len(c.roots) > 1 {
		// Qualify with the root name so equal relative paths do not collide.
		slashRel = filepath.Base(root) + "/" + slashRel
	}

	return domain.ClassifiedEvent{
		Entity: domain.Entity{
			ID:       domain.FileEntityID(slashRel),
			Kind:     domain.KindFile,
			Platform: domain.PlatformNote,
			Label:    slashRel,
			Path:     path,
		},
		ObservedAt: ev.ObservedAt,
		// Finalized by the syncer from the lines actually read.
		Incoming: true,
	}, true
}

func (c *Classifier) rootFor(path string) (root, rel string, ok bool) {
	for _, r := range c.roots {
		if rr, in := within(r, path); in && len(r) > len(root) {
			root, rel, ok = r, rr, true
		}
	}
	return root, rel, ok
}

// within reports whether path lies strictly below root.
func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func (c *Classifier) ignoredName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range c.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, g := range c.globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

// IsSelf reports whether sender is the automation's own identity.
func (c *Classifier) IsSelf(sender string) bool {
	return strings.EqualFold(strings.TrimSpace(sender), c.selfLabel)
}

// HasIncoming reports whether any line was written by someone other than
// the self identity. Free-form lines count as incoming.
func (c *Classifier) HasIncoming(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if l, ok := ParseLine(line); ok && c.IsSelf(l.Sender) {
			continue
		}
		return true
	}
	return false
}

// Line is a parsed canonical log line.
type Line struct {
	Timestamp string
	Sender    string
	Text      string
}

var lineRE = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] (.+?): (.*)$`)

// ParseLine parses "[YYYY-MM-DD HH:MM:SS] sender: text".
func ParseLine(line string) (Line, bool) {
	m := lineRE.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return Line{}, false
	}
	return Line{Timestamp: m[1], Sender: m[2], Text: m[3]}, true
}
