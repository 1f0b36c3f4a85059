package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counts holds the raw counters for a cache or one key prefix.
type Counts struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Sets    uint64 `json:"sets"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`
	HitRate string `json:"hit_rate"`
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Backend   string            `json:"backend"`
	Size      int               `json:"size"`
	MaxSize   int               `json:"max_size,omitempty"`
	Evictions uint64            `json:"evictions"`
	Total     Counts            `json:"total"`
	Prefixes  map[string]Counts `json:"prefixes,omitempty"`
}

// PrefixNames returns the tracked prefixes in sorted order.
func (s Stats) PrefixNames() []string {
	names := make([]string, 0, len(s.Prefixes))
	for p := range s.Prefixes {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

type counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64
}

func (c *counters) snapshot() Counts {
	hits, misses := c.hits.Load(), c.misses.Load()
	return Counts{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
		HitRate: HitRate(hits, misses),
	}
}

// HitRate formats hits/(hits+misses) as a percentage with two decimals.
func HitRate(hits, misses uint64) string {
	total := hits + misses
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(hits)*100/float64(total))
}

// recorder tracks counters globally and per key prefix.
type recorder struct {
	total     counters
	evictions atomic.Uint64
	prefixes  sync.Map // string -> *counters
}

func (r *recorder) forKey(key string) *counters {
	p := prefixOf(key)
	if c, ok := r.prefixes.Load(p); ok {
		return c.(*counters)
	}
	c, _ := r.prefixes.LoadOrStore(p, &counters{})
	return c.(*counters)
}

func (r *recorder) hit(key string) {
	r.total.hits.Add(1)
	r.forKey(key).hits.Add(1)
}

func (r *recorder) miss(key string) {
	r.total.misses.Add(1)
	r.forKey(key).misses.Add(1)
}

func (r *recorder) set(key string) {
	r.total.sets.Add(1)
	r.forKey(key).sets.Add(1)
}

func (r *recorder) del(key string) {
	r.total.deletes.Add(1)
	r.forKey(key).deletes.Add(1)
}

func (r *recorder) fail(key string) {
	r.total.errors.Add(1)
	if key != "" {
		r.forKey(key).errors.Add(1)
	}
}

func (r *recorder) snapshot(backend string, size, maxSize int) Stats {
	s := Stats{
		Backend:   backend,
		Size:      size,
		MaxSize:   maxSize,
		Evictions: r.evictions.Load(),
		Total:     r.total.snapshot(),
		Prefixes:  make(map[string]Counts),
	}
	r.prefixes.Range(func(k, v any) bool {
		s.Prefixes[k.(string)] = v.(*counters).snapshot()
		return true
	})
	return s
}

// prefixOf returns the first two ':'-separated segments of key, e.g.
// "gitlab:3f2a9c" for "gitlab:3f2a9c:commits:42:...".
func prefixOf(key string) string {
	first := strings.IndexByte(key, ':')
	if first < 0 {
		return key
	}
	second := strings.IndexByte(key[first+1:], ':')
	if second < 0 {
		return key
	}
	return key[:first+1+second]
}
