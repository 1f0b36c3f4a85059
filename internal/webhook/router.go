// Package webhook receives GitLab webhook deliveries and dispatches them to
// registered handlers.
package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	gl "github.com/xanzy/go-gitlab"

	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
)

// DefaultMaxPayloadBytes bounds accepted payloads.
const DefaultMaxPayloadBytes = 10 << 20

// Wildcard registers a handler for every event type.
const Wildcard = "*"

// Event is a verified delivery handed to handlers and filters.
type Event struct {
	Info EventInfo
	// Payload is the go-gitlab event struct for the delivery (for example
	// *gitlab.PushEvent), or nil when the type has none.
	Payload any
	Raw     []byte
	Header  http.Header
}

// Handler processes an event. The returned value is reported back in the Result.
type Handler func(ctx context.Context, ev *Event) (any, error)

// Filter decides whether an event is dispatched; false skips it.
type Filter func(ev *Event) bool

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of Handle.
type Result struct {
	Processed bool            `json:"processed"`
	Skipped   bool            `json:"skipped,omitempty"`
	EventInfo EventInfo       `json:"event_info"`
	Handlers  []HandlerResult `json:"handlers,omitempty"`
}

// Router verifies deliveries and fans them out to handlers.
type Router struct {
	secret   string
	maxBytes int64
	logger   logrus.FieldLogger
	metrics  *metrics.Registry
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	filters  []Filter
}

// Option configures a Router.
type Option func(*Router)

// WithSecret enables X-Gitlab-Token verification.
func WithSecret(secret string) Option {
	return func(r *Router) { r.secret = secret }
}

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes.
func WithMaxPayloadBytes(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithFilter adds a filter; every filter must accept an event for it to be dispatched.
func WithFilter(f Filter) Option {
	return func(r *Router) { r.filters = append(r.filters, f) }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		maxBytes: DefaultMaxPayloadBytes,
		logger:   logging.Discard(),
		now:      time.Now,
		handlers: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers h for an event type, or for all types with Wildcard.
func (r *Router) On(eventType string, h Handler) {
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
	r.mu.Unlock()
}

// Use adds a filter after construction.
func (r *Router) Use(f Filter) {
	r.mu.Lock()
	r.filters = append(r.filters, f)
	r.mu.Unlock()
}

// Handle verifies and dispatches one delivery. Verification and parse failures
// are returned as errors; handler failures are reported in the Result.
func (r *Router) Handle(ctx context.Context, payload []byte, header http.Header) (*Result, error) {
	r.metrics.WebhookReceived()
	if header == nil {
		header = http.Header{}
	}

	ev, err := r.verify(payload, header)
	if err != nil {
		r.metrics.WebhookRejected()
		r.logger.WithError(err).WithField("event", header.Get("X-Gitlab-Event")).Warn("webhook rejected")
		return nil, err
	}
	entry := r.logger.WithField("type", ev.Info.Type)

	r.mu.RLock()
	filters := append([]Filter(nil), r.filters...)
	handlers := make([]typedHandler, 0)
	for _, h := range r.handlers[ev.Info.Type] {
		handlers = append(handlers, typedHandler{ev.Info.Type, h})
	}
	for _, h := range r.handlers[Wildcard] {
		handlers = append(handlers, typedHandler{Wildcard, h})
	}
	r.mu.RUnlock()

	for _, f := range filters {
		if !f(ev) {
			r.metrics.WebhookSkipped()
			entry.Debug("webhook skipped by filter")
			return &Result{Skipped: true, EventInfo: ev.Info}, nil
		}
	}

	res := &Result{Processed: true, EventInfo: ev.Info, Handlers: make([]HandlerResult, 0, len(handlers))}
	counts := map[string]int{}
	for _, th := range handlers {
		hr := r.run(ctx, th, counts[th.eventType], ev)
		counts[th.eventType]++
		if !hr.Success {
			r.metrics.HandlerFailed()
			entry.WithFields(logrus.Fields{
				"handler": fmt.Sprintf("%s#%d", hr.Type, hr.Index),
				"error":   hr.Error,
			}).Error("webhook handler failed")
		}
		res.Handlers = append(res.Handlers, hr)
	}

	r.metrics.WebhookProcessed()
	entry.WithField("handlers", len(handlers)).Info("webhook processed")
	return res, nil
}

type typedHandler struct {
	eventType string
	h         Handler
}

func (r *Router) run(ctx context.Context, th typedHandler, index int, ev *Event) (hr HandlerResult) {
	hr = HandlerResult{Type: th.eventType, Index: index}
	defer func() {
		if p := recover(); p != nil {
			hr.Success = false
			hr.Result = nil
			hr.Error = fmt.Sprintf("panic: %v", p)
		}
	}()

	out, err := th.h(ctx, ev)
	if err != nil {
		hr.Error = err.Error()
		return hr
	}
	hr.Success = true
	hr.Result = out
	return hr
}

func (r *Router) verify(payload []byte, header http.Header) (*Event, error) {
	if int64(len(payload)) > r.maxBytes {
		return nil, glerror.New(glerror.KindWebhook, glerror.CodePayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(payload), r.maxBytes))
	}

	if r.secret != "" {
		token := header.Get("X-Gitlab-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(r.secret)) != 1 {
			return nil, glerror.New(glerror.KindPermission, glerror.CodeInvalidSignature, "invalid webhook token")
		}
	}

	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, glerror.New(glerror.KindWebhook, glerror.CodeMalformedPayload, "payload is not a JSON object")
	}

	ev := &Event{
		Info:   extractInfo(payload, header, r.now()),
		Raw:    payload,
		Header: header,
	}
	if name := header.Get("X-Gitlab-Event"); name != "" {
		typed, err := gl.ParseWebhook(gl.EventType(name), payload)
		if err != nil {
			r.logger.WithError(err).WithField("event", name).Debug("no typed payload for webhook")
		} else {
			ev.Payload = typed
		}
	}
	return ev, nil
}
