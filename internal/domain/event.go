package domain

import "time"

// ChangeKind describes what a change source observed.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeMessage  ChangeKind = "message"
)

// RawEvent is an undeduplicated signal from a change source.
type RawEvent struct {
	Kind       EntityKind
	Platform   string
	Path       string // file events: absolute path
	NativeID   string // chat events: remote chat id
	ObservedAt time.Time
	Change     ChangeKind

	// Chat metadata, set by pull sources.
	Position int64
	Sender   string
	FromSelf bool
	Label    string
	IsGroup  bool
}

// ClassifiedEvent is a RawEvent that survived filtering.
type ClassifiedEvent struct {
	Entity     Entity
	ObservedAt time.Time
	// Incoming is a preliminary flag. The syncer recomputes it from the
	// increment it actually reads.
	Incoming bool
}

// LogicalChange is the debounced summary of every event seen for an entity
// during one pending period.
type LogicalChange struct {
	Entity       Entity
	FirstEventAt time.Time
	LastEventAt  time.Time
	Events       int
	IsIncoming   bool
}

// NotificationPayload is handed to the agent invoker.
type NotificationPayload struct {
	ID           string    `json:"id"`
	EntityID     string    `json:"entity_id"`
	Platform     string    `json:"platform"`
	ContactLabel string    `json:"contact_label"`
	RecentLines  []string  `json:"recent_lines"`
	GeneratedAt  time.Time `json:"generated_at"`
}
