package metrics

import (
	"sync/atomic"
)

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	APIRequests       uint64 `json:"api_requests"`
	APIRetries        uint64 `json:"api_retries"`
	APIFailures       uint64 `json:"api_failures"`
	RateLimited       uint64 `json:"rate_limited"`
	TokenRefreshes    uint64 `json:"token_refreshes"`
	WebhooksReceived  uint64 `json:"webhooks_received"`
	WebhooksProcessed uint64 `json:"webhooks_processed"`
	WebhooksRejected  uint64 `json:"webhooks_rejected"`
	WebhooksSkipped   uint64 `json:"webhooks_skipped"`
	HandlerFailures   uint64 `json:"handler_failures"`
}

// Registry tracks operational counters. The zero value is ready to use and a nil
// *Registry silently discards updates.
type Registry struct {
	apiRequests       atomic.Uint64
	apiRetries        atomic.Uint64
	apiFailures       atomic.Uint64
	rateLimited       atomic.Uint64
	tokenRefreshes    atomic.Uint64
	webhooksReceived  atomic.Uint64
	webhooksProcessed atomic.Uint64
	webhooksRejected  atomic.Uint64
	webhooksSkipped   atomic.Uint64
	handlerFailures   atomic.Uint64
}

// New creates an empty Registry.
func New() *Registry { return &Registry{} }

// APIRequest counts an outbound attempt against GitLab.
func (r *Registry) APIRequest() {
	if r != nil {
		r.apiRequests.Add(1)
	}
}

// APIRetry counts a retried attempt.
func (r *Registry) APIRetry() {
	if r != nil {
		r.apiRetries.Add(1)
	}
}

// APIFailure counts a request that ultimately failed.
func (r *Registry) APIFailure() {
	if r != nil {
		r.apiFailures.Add(1)
	}
}

// RateLimitedRequest counts an admission rejected by the limiter.
func (r *Registry) RateLimitedRequest() {
	if r != nil {
		r.rateLimited.Add(1)
	}
}

// TokenRefreshed counts a successful OAuth refresh.
func (r *Registry) TokenRefreshed() {
	if r != nil {
		r.tokenRefreshes.Add(1)
	}
}

// WebhookReceived increments the count of webhooks received.
func (r *Registry) WebhookReceived() {
	if r != nil {
		r.webhooksReceived.Add(1)
	}
}

// WebhookProcessed increments the count of webhooks dispatched to handlers.
func (r *Registry) WebhookProcessed() {
	if r != nil {
		r.webhooksProcessed.Add(1)
	}
}

// WebhookRejected increments the count of webhooks that failed verification or parsing.
func (r *Registry) WebhookRejected() {
	if r != nil {
		r.webhooksRejected.Add(1)
	}
}

// WebhookSkipped increments the count of webhooks dropped by a filter.
func (r *Registry) WebhookSkipped() {
	if r != nil {
		r.webhooksSkipped.Add(1)
	}
}

// HandlerFailed counts a webhook handler that returned an error or panicked.
func (r *Registry) HandlerFailed() {
	if r != nil {
		r.handlerFailures.Add(1)
	}
}

// Get returns a snapshot of the current metrics.
func (r *Registry) Get() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		APIRequests:       r.apiRequests.Load(),
		APIRetries:        r.apiRetries.Load(),
		APIFailures:       r.apiFailures.Load(),
		RateLimited:       r.rateLimited.Load(),
		TokenRefreshes:    r.tokenRefreshes.Load(),
		WebhooksReceived:  r.webhooksReceived.Load(),
		WebhooksProcessed: r.webhooksProcessed.Load(),
		WebhooksRejected:  r.webhooksRejected.Load(),
		WebhooksSkipped:   r.webhooksSkipped.Load(),
		HandlerFailures:   r.handlerFailures.Load(),
	}
}

// Reset resets all metrics to zero (useful for testing).
func (r *Registry) Reset() {
	if r == nil {
		return
	}
	r.apiRequests.Store(0)
	r.apiRetries.Store(0)
	r.apiFailures.Store(0)
	r.rateLimited.Store(0)
	r.tokenRefreshes.Store(0)
	r.webhooksReceived.Store(0)
	r.webhooksProcessed.Store(0)
	r.webhooksRejected.Store(0)
	r.webhooksSkipped.Store(0)
	r.handlerFailures.Store(0)
}
