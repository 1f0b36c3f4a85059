// Package cache memoizes GitLab GET responses with a TTL, either in process
// memory or in Redis.
package cache

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// DefaultTTL is used when Set is called with a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Cache stores serialized responses. Implementations are safe for concurrent use;
// writes to the same key are last-write-wins.
type Cache interface {
	// Get returns the value for key, or false if it is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key for ttl (DefaultTTL when ttl <= 0).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// Clear removes the keys matching pattern and returns how many were removed.
	// An empty pattern clears everything.
	Clear(ctx context.Context, pattern string) int
	Stats() Stats
	Close() error
}

// Entry is a stored value with its lifetime.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry must no longer be served at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Matcher reports whether a key matches a Clear pattern. Patterns containing
// '*' or '?' are globs over the whole key ('*' also matches ':' and '/');
// anything else is a key prefix.
type Matcher func(key string) bool

// NewMatcher compiles pattern. The empty pattern matches every key.
func NewMatcher(pattern string) Matcher {
	if pattern == "" {
		return func(string) bool { return true }
	}
	if !strings.ContainsAny(pattern, "*?") {
		return func(key string) bool { return strings.HasPrefix(key, pattern) }
	}
	re := regexp.MustCompile("^" + globToRegexp(pattern) + "$")
	return re.MatchString
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// redisPattern converts a Clear pattern into a SCAN MATCH pattern.
func redisPattern(pattern string) string {
	if pattern == "" {
		return "*"
	}
	if !strings.ContainsAny(pattern, "*?") {
		return escapeRedisGlob(pattern) + "*"
	}
	return pattern
}

func escapeRedisGlob(s string) string {
	r := strings.NewReplacer(`[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}
