// Package auditlog appends timestamped lines to the agent's audit log.
package auditlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeLayout is the timestamp format of every audit line.
const TimeLayout = "2006-01-02 15:04:05"

// Writer appends lines of the form "[<timestamp>] <message>" to a file.
// Each Write is a single append, so several processes may share the file.
type Writer struct {
	Path string

	// Now returns the timestamp for a Write. Defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// New returns a Writer appending to path.
func New(path string) *Writer {
	return &Writer{Path: path, Now: time.Now}
}

// Write appends one line per message, all stamped with the same time.
func (w *Writer) Write(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	stamp := now().Format(TimeLayout)

	var buf bytes.Buffer
	for _, line := range lines {
		fmt.Fprintf(&buf, "[%s] %s\n", stamp, line)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(w.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return f.Close()
}

// Tail returns the last n lines of the log. A missing log has no lines.
func (w *Writer) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(w.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	next := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[next] = scanner.Text()
		next = (next + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}
