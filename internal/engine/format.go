package engine

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"syncwake/internal/domain"
)

const lineTimeLayout = "2006-01-02 15:04:05"

// FormatLine renders one chat item as a canonical log line:
// "[YYYY-MM-DD HH:MM:SS] sender: text". It reports false when the item has
// nothing to show.
func FormatLine(m domain.ChatMessage, selfLabel string, loc *time.Location) (string, bool) {
	text := messageText(m)
	if text == "" {
		return "", false
	}
	sender := strings.TrimSpace(collapseNewlines(m.Sender))
	if m.FromSelf {
		sender = selfLabel
	}
	if sender == "" {
		sender = "Unknown"
	}
	if loc == nil {
		loc = time.Local
	}
	return "[" + m.Timestamp.In(loc).Format(lineTimeLayout) + "] " + sender + ": " + text, true
}

// messageText is the attachment tag, then the caption, then the body. A
// body that repeats the caption is shown once.
func messageText(m domain.ChatMessage) string {
	var parts []string
	if tag := attachmentTag(m.AttachmentKind); tag != "" {
		parts = append(parts, tag)
	}
	caption := strings.TrimSpace(collapseNewlines(m.Caption))
	if caption != "" {
		parts = append(parts, caption)
	}
	if body := strings.TrimSpace(collapseNewlines(m.Body)); body != "" && body != caption {
		parts = append(parts, body)
	}
	return strings.Join(parts, " ")
}

func attachmentTag(kind string) string {
	switch {
	case kind == "":
		return ""
	case strings.HasPrefix(kind, "file:"):
		name := strings.TrimSpace(strings.TrimPrefix(kind, "file:"))
		if name == "" {
			return "[Document]"
		}
		return "[File: " + collapseNewlines(name) + "]"
	}
	switch strings.ToLower(kind) {
	case "photo", "image", "sticker":
		return "[Photo]"
	case "video", "video_note", "animation":
		return "[Video]"
	case "audio":
		return "[Audio]"
	case "voice":
		return "[Voice]"
	case "document", "file":
		return "[Document]"
	default:
		return "[Media]"
	}
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func collapseNewlines(s string) string { return newlines.Replace(s) }

var unsafeNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

const maxNameLen = 80 // runes

// SanitizeName turns a contact or group label into a file name stem.
func SanitizeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(name, "_")
	s = strings.Trim(strings.TrimSpace(s), ".")
	if utf8.RuneCountInString(s) > maxNameLen {
		s = string([]rune(s)[:maxNameLen])
	}
	if s == "" {
		return "Unknown"
	}
	return s
}

var platformDirs = map[string]string{
	domain.PlatformSignal:   "Signal",
	domain.PlatformWhatsApp: "WhatsApp",
	domain.PlatformTelegram: "Telegram",
}

// LogPath returns <root>/<Platform>/<DMs|Groups>/<label>.md.
func LogPath(root, platform, label string, isGroup bool) string {
	dir, ok := platformDirs[platform]
	if !ok {
		dir = SanitizeName(platform)
		if dir != "" {
			dir = strings.ToUpper(dir[:1]) + dir[1:]
		}
	}
	kind := "DMs"
	if isGroup {
		kind = "Groups"
	}
	return filepath.Join(root, dir, kind, SanitizeName(label)+".md")
}
