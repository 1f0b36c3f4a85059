package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fixedCleaner(dir string, days int) *Cleaner {
	c := NewCleaner(dir, days)
	c.now = func() time.Time { return time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC) }
	return c
}

func TestCleanup_RemovesExpiredDays(t *testing.T) {
	dir := t.TempDir()
	old := writeLog(t, dir, "labpulse-2024-01-15.log")
	edge := writeLog(t, dir, "labpulse-2024-03-01.log")
	recent := writeLog(t, dir, "labpulse-2024-03-30.log")
	today := writeLog(t, dir, "labpulse-2024-03-31.log")

	deleted, err := fixedCleaner(dir, 30).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if exists(old) {
		t.Error("file from January should be deleted")
	}
	for _, p := range []string{edge, recent, today} {
		if !exists(p) {
			t.Errorf("%s should be kept", filepath.Base(p))
		}
	}
}

func TestCleanup_UsesNameNotModTime(t *testing.T) {
	dir := t.TempDir()
	fresh := writeLog(t, dir, "labpulse-2024-03-30.log")
	stale := time.Now().AddDate(-1, 0, 0)
	os.Chtimes(fresh, stale, stale)

	deleted, err := fixedCleaner(dir, 7).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 0 || !exists(fresh) {
		t.Errorf("deleted = %d, want recent-named file kept", deleted)
	}
}

func TestCleanup_KeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	keep := []string{
		writeLog(t, dir, "notes.txt"),
		writeLog(t, dir, "other-2020-01-01.log"),
		writeLog(t, dir, "labpulse-latest.log"),
	}
	os.Mkdir(filepath.Join(dir, "labpulse-2020-01-01.log.d"), 0o755)

	deleted, err := fixedCleaner(dir, 1).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
	for _, p := range keep {
		if !exists(p) {
			t.Errorf("%s should be kept", filepath.Base(p))
		}
	}
}

func TestCleanup_RetentionDays(t *testing.T) {
	tests := []struct {
		days int
		want int
	}{
		{days: 7, want: 1},
		{days: 10, want: 0},
		{days: 30, want: 0},
	}
	for _, tt := range tests {
		dir := t.TempDir()
		writeLog(t, dir, "labpulse-2024-03-21.log")

		deleted, err := fixedCleaner(dir, tt.days).Cleanup()
		if err != nil {
			t.Fatalf("Cleanup(%d days) error = %v", tt.days, err)
		}
		if deleted != tt.want {
			t.Errorf("Cleanup(%d days) deleted = %d, want %d", tt.days, deleted, tt.want)
		}
	}
}

func TestCleanup_MissingDir(t *testing.T) {
	deleted, err := NewCleaner(filepath.Join(t.TempDir(), "absent"), 30).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v, want nil", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestCleanup_WriterFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	w.now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }
	if _, err := w.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	w.Close()

	deleted, err := fixedCleaner(dir, 14).Cleanup()
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want the writer's February file removed", deleted)
	}
}
