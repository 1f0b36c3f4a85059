// Package ratelimit provides the token-bucket admission control in front of
// every outbound GitLab request.
package ratelimit

import (
	"container/heap"
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerMinute int
	Burst             int
	QueueEnabled      bool
	MaxQueue          int
	Tick              time.Duration
}

// DefaultConfig returns 300 requests per minute, a burst of 10 and a queue of 100.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 300,
		Burst:             10,
		QueueEnabled:      true,
		MaxQueue:          100,
		Tick:              100 * time.Millisecond,
	}
}

// Stats is a snapshot of the limiter state.
type Stats struct {
	Tokens            float64       `json:"tokens"`
	Capacity          int           `json:"capacity"`
	RefillPerSecond   float64       `json:"refill_per_second"`
	QueueEnabled      bool          `json:"queue_enabled"`
	Queued            int           `json:"queued"`
	MaxQueue          int           `json:"max_queue"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	Admitted          uint64        `json:"admitted"`
	Rejected          uint64        `json:"rejected"`
	Enqueued          uint64        `json:"enqueued"`
}

// Limiter is a token bucket with an optional priority queue for callers that
// arrive while the bucket is empty. Refill is computed lazily from elapsed time.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger logrus.FieldLogger

	mu       sync.Mutex
	bucket   *rate.Limiter
	capacity int
	queue    waitQueue
	seq      uint64
	cooldown time.Time
	closed   bool

	admitted atomic.Uint64
	rejected atomic.Uint64
	enqueued atomic.Uint64

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter with a full bucket and starts its refill ticker.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.Tick <= 0 || cfg.Tick > time.Second {
		cfg.Tick = def.Tick
	}

	l := &Limiter{
		cfg:      cfg,
		now:      time.Now,
		logger:   logging.Discard(),
		capacity: cfg.Burst,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.bucket = rate.NewLimiter(perMinute(cfg.RequestsPerMinute), cfg.Burst)
	// Pin the bucket's last-update time to our clock.
	l.bucket.SetBurstAt(l.now(), cfg.Burst)

	l.ticker = time.NewTicker(cfg.Tick)
	go l.run()
	return l
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

func (l *Limiter) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ticker.C:
			l.drain()
		case <-l.stop:
			return
		}
	}
}

// Admit blocks until a token is available for the caller. Higher priority
// waiters are admitted first. Without queuing, an empty bucket is an immediate
// RateLimit error carrying the time until the next token.
func (l *Limiter) Admit(ctx context.Context, priority int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return glerror.New(glerror.KindRateLimit, glerror.CodeLimiterClosed, "rate limiter is closed")
	}

	now := l.now()
	if l.queue.Len() == 0 && !l.coolingAt(now) && l.bucket.AllowN(now, 1) {
		l.mu.Unlock()
		l.admitted.Add(1)
		return nil
	}

	if !l.cfg.QueueEnabled {
		wait := l.nextTokenAt(now)
		l.mu.Unlock()
		l.rejected.Add(1)
		e := glerror.New(glerror.KindRateLimit, glerror.CodeNoTokens, "rate limit exceeded, no tokens available")
		e.RetryAfter = wait
		return e
	}

	if l.queue.Len() >= l.cfg.MaxQueue {
		l.mu.Unlock()
		l.rejected.Add(1)
		return glerror.New(glerror.KindRateLimit, glerror.CodeQueueFull, "rate limit queue is full")
	}

	l.seq++
	w := &waiter{
		priority:   priority,
		enqueuedAt: now,
		seq:        l.seq,
		ready:      make(chan error, 1),
	}
	heap.Push(&l.queue, w)
	l.drainLocked(now)
	l.mu.Unlock()
	l.enqueued.Add(1)

	select {
	case err := <-w.ready:
		if err == nil {
			l.admitted.Add(1)
		}
		return err
	case <-ctx.Done():
		return l.abandon(w, ctx.Err())
	}
}

// abandon withdraws w after its caller gave up with cause. A waiter that was
// admitted at the same moment has already spent a token, so it keeps the
// admission.
func (l *Limiter) abandon(w *waiter, cause error) error {
	l.mu.Lock()
	removed := l.queue.remove(w)
	l.mu.Unlock()
	if removed {
		return cause
	}
	// Popped waiters are answered under mu, so ready is already filled.
	if err := <-w.ready; err != nil {
		return cause
	}
	l.admitted.Add(1)
	return nil
}

// drain admits queued waiters while tokens are available.
func (l *Limiter) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drainLocked(l.now())
}

func (l *Limiter) drainLocked(now time.Time) {
	for l.queue.Len() > 0 && !l.coolingAt(now) && l.bucket.AllowN(now, 1) {
		w := heap.Pop(&l.queue).(*waiter)
		w.ready <- nil
		l.logger.WithFields(logrus.Fields{
			"priority": w.priority,
			"waited":   now.Sub(w.enqueuedAt),
		}).Debug("admitted queued request")
	}
}

func (l *Limiter) coolingAt(now time.Time) bool {
	return now.Before(l.cooldown)
}

// nextTokenAt estimates how long until one token is available. Caller holds mu.
func (l *Limiter) nextTokenAt(now time.Time) time.Duration {
	var wait time.Duration
	if tokens := l.bucket.TokensAt(now); tokens < 1 {
		missing := 1 - tokens
		wait = time.Duration(missing / float64(l.bucket.Limit()) * float64(time.Second))
	}
	if cd := l.cooldown.Sub(now); cd > wait {
		wait = cd
	}
	return wait
}

// UpdateFromHeaders applies GitLab rate-limit response headers. Remaining
// shrinks the bucket (never grows it), Limit changes the refill rate and
// capacity, and Reset (with nothing remaining) or Retry-After start a cooldown.
// Applying the same headers twice at the same instant has no further effect.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	if h == nil {
		return
	}
	remaining, hasRemaining := headerInt(h, "RateLimit-Remaining", "X-RateLimit-Remaining")
	limit, hasLimit := headerInt(h, "RateLimit-Limit", "X-RateLimit-Limit")
	reset, hasReset := headerInt(h, "RateLimit-Reset", "X-RateLimit-Reset")
	retryAfter := h.Get("Retry-After")

	if !hasRemaining && !hasLimit && !hasReset && retryAfter == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if hasLimit && limit > 0 {
		capacity := l.cfg.Burst
		if limit < capacity {
			capacity = limit
		}
		if perMinute(limit) != l.bucket.Limit() {
			l.bucket.SetLimitAt(now, perMinute(limit))
		}
		if capacity != l.capacity {
			l.bucket.SetBurstAt(now, capacity)
			l.capacity = capacity
		}
	}

	if hasRemaining && remaining >= 0 {
		l.clampTokens(now, remaining)
	}

	var until time.Time
	if hasRemaining && remaining == 0 && hasReset && reset > 0 {
		until = time.Unix(int64(reset), 0)
	}
	if d := glerror.ParseRetryAfter(retryAfter, now); d > 0 {
		if t := now.Add(d); t.After(until) {
			until = t
		}
	}
	if until.After(l.cooldown) && until.After(now) {
		l.cooldown = until
		l.logger.WithField("until", until).Info("rate limit cooldown started")
	}
}

// clampTokens lowers the bucket to at most max tokens. rate.Limiter caps its
// tokens at burst whenever it advances, so briefly lowering the burst clamps
// the level without touching the refill schedule. Caller holds mu.
func (l *Limiter) clampTokens(now time.Time, max int) {
	if l.bucket.TokensAt(now) <= float64(max) {
		return
	}
	l.bucket.SetBurstAt(now, max)
	l.bucket.SetBurstAt(now, l.capacity)
}

func headerInt(h http.Header, keys ...string) (int, bool) {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	cooldown := l.cooldown.Sub(now)
	if cooldown < 0 {
		cooldown = 0
	}
	return Stats{
		Tokens:            math.Max(0, l.bucket.TokensAt(now)),
		Capacity:          l.capacity,
		RefillPerSecond:   float64(l.bucket.Limit()),
		QueueEnabled:      l.cfg.QueueEnabled,
		Queued:            l.queue.Len(),
		MaxQueue:          l.cfg.MaxQueue,
		CooldownRemaining: cooldown,
		Admitted:          l.admitted.Load(),
		Rejected:          l.rejected.Load(),
		Enqueued:          l.enqueued.Load(),
	}
}

// Close stops the refill ticker and rejects every queued waiter.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() {
		l.ticker.Stop()
		close(l.stop)
		<-l.done

		l.mu.Lock()
		defer l.mu.Unlock()
		l.closed = true
		for l.queue.Len() > 0 {
			w := heap.Pop(&l.queue).(*waiter)
			w.ready <- glerror.New(glerror.KindRateLimit, glerror.CodeLimiterClosed, "rate limiter is closed")
		}
	})
	return nil
}
