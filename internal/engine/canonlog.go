package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// readLines returns the lines of a text file without trailing newlines. A
// missing file has no lines.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// countLines counts lines the way splitLines splits them.
func countLines(path string) (int64, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, true, nil
	}
	n := int64(bytes.Count(data, []byte("\n")))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n, true, nil
}

// appendLog appends lines to a canonical log, creating it with a
// "# <label>" header when it does not exist yet. It returns the resulting
// line count.
func appendLog(path, label string, lines []string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	before, exists, err := countLines(path)
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}

	var buf bytes.Buffer
	added := int64(0)
	if !exists || before == 0 {
		buf.WriteString("# " + strings.TrimSpace(collapseNewlines(label)) + "\n\n")
		added += 2
	} else if !endsWithNewline(path) {
		buf.WriteString("\n")
	}
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString("\n")
	}
	added += int64(len(lines))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return 0, fmt.Errorf("append log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("sync log: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close log: %w", err)
	}
	return before + added, nil
}

func endsWithNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return true
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, info.Size()-1); err != nil {
		return true
	}
	return b[0] == '\n'
}
