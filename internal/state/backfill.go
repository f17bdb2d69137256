package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const backfillFile = "backfill.json"

// BackfillChat is the recorded outcome of backfilling one chat.
type BackfillChat struct {
	Label   string    `json:"label"`
	Fetched int       `json:"fetched"`
	Added   int       `json:"added"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
	Updated time.Time `json:"updated"`
}

// BackfillStatus is a snapshot of backfill.json.
type BackfillStatus struct {
	Started   time.Time               `json:"started,omitzero"`
	Completed time.Time               `json:"completed,omitzero"`
	Chats     map[string]BackfillChat `json:"chats"`
}

// BackfillProgress records which chats a history backfill has finished, so
// an interrupted run resumes with the rest. It lives next to the other state
// files whatever the backend.
type BackfillProgress struct {
	file *jsonFile

	mu     sync.Mutex
	status BackfillStatus
	now    func() time.Time
}

func OpenBackfillProgress(dir string, logger *slog.Logger) (*BackfillProgress, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f := &jsonFile{path: filepath.Join(dir, backfillFile), logger: logger}
	p := &BackfillProgress{file: f, status: BackfillStatus{Chats: map[string]BackfillChat{}}, now: time.Now}

	raw := f.load()
	for key, dst := range map[string]*time.Time{"started": &p.status.Started, "completed": &p.status.Completed} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				logger.Warn("ignoring unreadable backfill time", "field", key, "err", err)
			}
		}
	}
	if v, ok := raw["chats"]; ok {
		if err := json.Unmarshal(v, &p.status.Chats); err != nil || p.status.Chats == nil {
			logger.Warn("ignoring unreadable backfill chats", "path", f.path, "err", err)
			p.status.Chats = map[string]BackfillChat{}
		}
	}
	return p, nil
}

// Done reports whether entityID was backfilled to completion.
func (p *BackfillProgress) Done(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Chats[entityID].Done
}

// Update records the outcome for one chat.
func (p *BackfillProgress) Update(entityID string, chat BackfillChat) error {
	return p.mutate(func(s *BackfillStatus) {
		if chat.Updated.IsZero() {
			chat.Updated = p.now().UTC()
		}
		s.Chats[entityID] = chat
	})
}

// Started marks the beginning of a run and clears an earlier completion.
func (p *BackfillProgress) Started() error {
	return p.mutate(func(s *BackfillStatus) {
		s.Started = p.now().UTC()
		s.Completed = time.Time{}
	})
}

func (p *BackfillProgress) Completed() error {
	return p.mutate(func(s *BackfillStatus) { s.Completed = p.now().UTC() })
}

// Status returns a copy of the recorded progress.
func (p *BackfillProgress) Status() BackfillStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.status
	out.Chats = maps.Clone(p.status.Chats)
	return out
}

func (p *BackfillProgress) Path() string { return p.file.path }

func (p *BackfillProgress) mutate(fn func(*BackfillStatus)) error {
	p.file.mu.Lock()
	defer p.file.mu.Unlock()

	p.mu.Lock()
	prev := p.status
	prev.Chats = maps.Clone(p.status.Chats)
	fn(&p.status)
	snapshot := p.status
	snapshot.Chats = maps.Clone(p.status.Chats)
	p.mu.Unlock()

	if err := p.file.save(snapshot); err != nil {
		p.mu.Lock()
		p.status = prev
		p.mu.Unlock()
		return err
	}
	return nil
}
