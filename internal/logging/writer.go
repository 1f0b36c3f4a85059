package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends log lines to one file per day under a base directory:
// baseDir/labpulse-2006-01-02.log. Files roll over at UTC midnight.
type Writer struct {
	baseDir string
	now     func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

var _ io.WriteCloser = (*Writer)(nil)

// NewWriter creates a new Writer with the specified base directory.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir, now: time.Now}
}

// Path returns the file the writer would use for the given time.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("labpulse-%s.log", t.UTC().Format("2006-01-02")))
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	day := now.UTC().Format("2006-01-02")
	if w.file == nil || day != w.day {
		if err := w.rotate(now, day); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

// Close closes the current file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) rotate(now time.Time, day string) error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if err := os.MkdirAll(w.baseDir, 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(w.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	w.file = f
	w.day = day
	return nil
}
