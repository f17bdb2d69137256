package domain

import (
	"strings"
	"time"
)

// EntityKind distinguishes watched files from remote chats.
type EntityKind string

const (
	KindFile EntityKind = "file"
	KindChat EntityKind = "chat"
)

// Well-known platforms. Bridges may register any other name.
const (
	PlatformNote     = "note"
	PlatformSignal   = "signal"
	PlatformWhatsApp = "whatsapp"
	PlatformTelegram = "telegram"
)

// Entity is the unit of cursor and cooldown tracking: one note file or one chat.
type Entity struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	Platform string     `json:"platform"`
	NativeID string     `json:"native_id,omitempty"` // chat id on the remote platform
	Label    string     `json:"label,omitempty"`     // contact/group name, or relative path for notes
	Path     string     `json:"path,omitempty"`      // absolute path for file entities
	IsGroup  bool       `json:"is_group,omitempty"`
}

// ChatEntityID builds the stable id of a chat entity, e.g. "telegram:12345".
func ChatEntityID(platform, nativeID string) string {
	return platform + ":" + nativeID
}

// FileEntityID builds the stable id of a note file from its slash-separated
// path relative to the watch root.
func FileEntityID(relPath string) string {
	return PlatformNote + ":" + strings.TrimPrefix(relPath, "/")
}

// EntityDescriptor is what a ChatAPI reports for each chat it knows about.
type EntityDescriptor struct {
	NativeID string `json:"id"`
	Label    string `json:"label"`
	IsGroup  bool   `json:"is_group"`
}

// ChatMessage is one item of a remote chat history.
type ChatMessage struct {
	ID             int64     `json:"id"`
	Sender         string    `json:"sender"`
	FromSelf       bool      `json:"from_self,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Body           string    `json:"body,omitempty"`
	AttachmentKind string    `json:"attachment_kind,omitempty"` // photo | video | audio | voice | document | file:<name>
	Caption        string    `json:"caption,omitempty"`

	// Malformed carries the reason an item could not be parsed. Such items
	// produce no log line but still move the cursor past their id.
	Malformed string `json:"-"`
}
