package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const (
	completedFile     = ".completed-days"
	lastCompletedFile = ".last-completed"
)

// FileLedger keeps completed days in an append-only file, one date per
// line, plus a .last-completed file holding the latest date marked.
type FileLedger struct {
	mu        sync.Mutex
	completed map[string]struct{}
	writer    *bufio.Writer
	file      *os.File
	dir       string
}

// NewFileLedger creates a ledger rooted at dir and loads any existing
// entries.
func NewFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	l := &FileLedger{
		completed: make(map[string]struct{}),
		dir:       dir,
	}

	path := filepath.Join(dir, completedFile)
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", completedFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if date := strings.TrimSpace(line); date != "" {
			l.completed[date] = struct{}{}
		}
	}

	// Open for appending.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", completedFile, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return l, nil
}

// IsCompleted reports whether date has been marked.
func (l *FileLedger) IsCompleted(_ context.Context, date string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.completed[date]
	return ok, nil
}

// MarkCompleted records date. Marking an already recorded date is a no-op.
func (l *FileLedger) MarkCompleted(_ context.Context, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.completed[date]; ok {
		return nil
	}
	if _, err := l.writer.WriteString(date + "\n"); err != nil {
		return fmt.Errorf("writing to %s: %w", completedFile, err)
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	l.completed[date] = struct{}{}

	if date >= l.lastLocked() {
		return os.WriteFile(filepath.Join(l.dir, lastCompletedFile), []byte(date), 0o644)
	}
	return nil
}

// Completed lists every recorded date in ascending order.
func (l *FileLedger) Completed(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.completed))
	for d := range l.completed {
		out = append(out, d)
	}
	slices.Sort(out)
	return out, nil
}

// LastCompleted returns the date in .last-completed, or empty string.
func (l *FileLedger) LastCompleted() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLocked()
}

func (l *FileLedger) lastLocked() string {
	data, err := os.ReadFile(filepath.Join(l.dir, lastCompletedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset deletes every record.
func (l *FileLedger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	l.completed = make(map[string]struct{})

	path := filepath.Join(l.dir, completedFile)
	for _, p := range []string{path, filepath.Join(l.dir, lastCompletedFile)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening %s: %w", completedFile, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return nil
}

// Close flushes and closes the ledger file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		l.writer.Flush()
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
