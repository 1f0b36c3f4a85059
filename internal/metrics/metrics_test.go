package metrics

import (
	"sync"
	"testing"
)

func TestAPIRequest(t *testing.T) {
	r := New()

	r.APIRequest()
	m := r.Get()

	if m.APIRequests != 1 {
		t.Errorf("expected APIRequests=1, got %d", m.APIRequests)
	}
}

func TestAPIRetryAndFailure(t *testing.T) {
	r := New()

	r.APIRetry()
	r.APIRetry()
	r.APIFailure()
	m := r.Get()

	if m.APIRetries != 2 {
		t.Errorf("expected APIRetries=2, got %d", m.APIRetries)
	}
	if m.APIFailures != 1 {
		t.Errorf("expected APIFailures=1, got %d", m.APIFailures)
	}
}

func TestWebhookCounters(t *testing.T) {
	r := New()

	r.WebhookReceived()
	r.WebhookReceived()
	r.WebhookProcessed()
	r.WebhookRejected()
	r.WebhookSkipped()
	r.HandlerFailed()
	m := r.Get()

	if m.WebhooksReceived != 2 {
		t.Errorf("expected WebhooksReceived=2, got %d", m.WebhooksReceived)
	}
	if m.WebhooksProcessed != 1 {
		t.Errorf("expected WebhooksProcessed=1, got %d", m.WebhooksProcessed)
	}
	if m.WebhooksRejected != 1 {
		t.Errorf("expected WebhooksRejected=1, got %d", m.WebhooksRejected)
	}
	if m.WebhooksSkipped != 1 {
		t.Errorf("expected WebhooksSkipped=1, got %d", m.WebhooksSkipped)
	}
	if m.HandlerFailures != 1 {
		t.Errorf("expected HandlerFailures=1, got %d", m.HandlerFailures)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()

	a.RateLimitedRequest()

	if got := b.Get().RateLimited; got != 0 {
		t.Errorf("expected second registry RateLimited=0, got %d", got)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry

	r.APIRequest()
	r.TokenRefreshed()
	r.Reset()

	if m := r.Get(); m != (Snapshot{}) {
		t.Errorf("expected empty snapshot from nil registry, got %+v", m)
	}
}

func TestReset(t *testing.T) {
	r := New()

	r.APIRequest()
	r.TokenRefreshed()
	r.WebhookReceived()
	r.Reset()

	if m := r.Get(); m != (Snapshot{}) {
		t.Errorf("expected all zeros after Reset, got %+v", m)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.APIRequest()
			r.WebhookReceived()
		}()
	}
	wg.Wait()

	m := r.Get()
	if m.APIRequests != 100 {
		t.Errorf("expected APIRequests=100, got %d", m.APIRequests)
	}
	if m.WebhooksReceived != 100 {
		t.Errorf("expected WebhooksReceived=100, got %d", m.WebhooksReceived)
	}
}
