package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultCleanupInterval = 24 * time.Hour

// CleanupRun describes one cleanup pass.
type CleanupRun struct {
	At      time.Time
	Deleted int
	Err     error
}

// CleanupScheduler runs a Cleaner once when started and then every interval
// until stopped.
type CleanupScheduler struct {
	cleaner  *Cleaner
	interval time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time

	mu   sync.Mutex
	last CleanupRun

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCleanupScheduler creates a scheduler; a nil logger discards output and a
// non-positive interval means daily.
func NewCleanupScheduler(cleaner *Cleaner, interval time.Duration, logger logrus.FieldLogger) *CleanupScheduler {
	if logger == nil {
		logger = Discard()
	}
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &CleanupScheduler{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Calls after the first, or after Stop,
// do nothing.
func (s *CleanupScheduler) Start() {
	s.startOnce.Do(func() { go s.loop() })
}

func (s *CleanupScheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce()
	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs one cleanup pass now and records it.
func (s *CleanupScheduler) RunOnce() CleanupRun {
	deleted, err := s.cleaner.Cleanup()
	run := CleanupRun{At: s.now(), Deleted: deleted, Err: err}

	s.mu.Lock()
	s.last = run
	s.mu.Unlock()

	entry := s.logger.WithField("dir", s.cleaner.baseDir)
	switch {
	case err != nil:
		entry.WithError(err).Warn("log cleanup failed")
	case deleted > 0:
		entry.WithField("deleted", deleted).Info("cleaned up old log files")
	}
	return run
}

// LastRun returns the most recent pass, if any has happened.
func (s *CleanupScheduler) LastRun() (CleanupRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, !s.last.At.IsZero()
}

// Stop ends the loop and waits for a pass in progress. It is safe to call
// more than once and before Start.
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	// Never started: mark the loop finished so a later Start is a no-op.
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}
