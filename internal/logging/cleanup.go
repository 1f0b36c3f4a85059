package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	filePrefix = "labpulse-"
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"
)

// Cleaner removes daily log files written by Writer once they fall outside
// the retention window. The day is read from the file name, not its mtime.
type Cleaner struct {
	baseDir       string
	retentionDays int
	now           func() time.Time
}

// NewCleaner creates a Cleaner for baseDir keeping retentionDays days of logs.
func NewCleaner(baseDir string, retentionDays int) *Cleaner {
	return &Cleaner{baseDir: baseDir, retentionDays: retentionDays, now: time.Now}
}

// logDay parses the day out of a file name like labpulse-2024-03-09.log.
func logDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Cleanup deletes expired log files and returns how many were removed.
// A missing directory is not an error. Today's file is never removed.
func (c *Cleaner) Cleanup() (int, error) {
	entries, err := os.ReadDir(c.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading log dir %s: %w", c.baseDir, err)
	}

	today, _ := time.Parse(dayLayout, c.now().UTC().Format(dayLayout))
	threshold := today.AddDate(0, 0, -c.retentionDays)

	var deleted int
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, ok := logDay(e.Name())
		if !ok || !day.Before(threshold) {
			continue
		}
		if err := os.Remove(filepath.Join(c.baseDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
