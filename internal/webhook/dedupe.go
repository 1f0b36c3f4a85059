package webhook

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const maxSeen = 1024

// Deduper remembers recently seen deliveries.
type Deduper struct {
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
	mu     sync.Mutex
}

// NewDeduper creates a Deduper that suppresses repeats within window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// ShouldProcess returns true unless key was seen within the window.
func (d *Deduper) ShouldProcess(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.window {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > maxSeen {
		d.cleanupLocked(now)
	}
	return true
}

// Cleanup removes entries older than twice the window.
func (d *Deduper) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanupLocked(d.now())
}

func (d *Deduper) cleanupLocked(now time.Time) {
	threshold := now.Add(-d.window * 2)
	for key, t := range d.seen {
		if t.Before(threshold) {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of remembered deliveries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// DedupeKey identifies a delivery: GitLab's event UUID when present, otherwise
// the event type, project and a hash of the payload.
func DedupeKey(ev *Event) string {
	if id := ev.Header.Get("X-Gitlab-Event-UUID"); id != "" {
		return id
	}
	project := 0
	if ev.Info.Project != nil {
		project = ev.Info.Project.ID
	}
	return ev.Info.Type + ":" + strconv.Itoa(project) + ":" + strconv.FormatUint(xxhash.Sum64(ev.Raw), 16)
}

// DedupeFilter skips redeliveries of the same event within window.
func DedupeFilter(window time.Duration) Filter {
	d := NewDeduper(window)
	return func(ev *Event) bool {
		return d.ShouldProcess(DedupeKey(ev))
	}
}
