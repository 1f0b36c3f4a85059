package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/metrics"
)

func TestExecute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer tok")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 1, "created_at": "2024-01-15T10:30:00Z", "name": "x"}`))
	}))
	defer server.Close()

	e := New()
	resp, err := e.Execute(context.Background(), Request{
		URL:    server.URL,
		Header: http.Header{"Authorization": {"Bearer tok"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want %d", resp.Status, http.StatusOK)
	}
	if !resp.IsJSON() {
		t.Error("IsJSON() = false, want true")
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}

	v, err := resp.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	m := v.(map[string]any)
	created, ok := m["created_at"].(time.Time)
	if !ok {
		t.Fatalf("created_at = %T, want time.Time", m["created_at"])
	}
	if !created.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v", created)
	}
	if m["name"] != "x" {
		t.Errorf("name = %v, want x", m["name"])
	}
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := metrics.New()
	e := New(WithRetries(3), WithRetryDelay(time.Millisecond), WithMetrics(m))
	_, err := e.Execute(context.Background(), Request{URL: server.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	ge, ok := glerror.As(err)
	if !ok {
		t.Fatalf("error type = %T, want *glerror.Error", err)
	}
	if ge.Code != glerror.CodeServerError {
		t.Errorf("Code = %q, want %q", ge.Code, glerror.CodeServerError)
	}
	snap := m.Get()
	if snap.APIRequests != 4 || snap.APIRetries != 3 || snap.APIFailures != 1 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestExecute_RecoversAfterTransientFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	e := New(WithRetryDelay(time.Millisecond))
	resp, err := e.Execute(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("Text() = %q, want %q", resp.Text(), "ok")
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
}

func TestExecute_NoRetryOnClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   glerror.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, glerror.KindAuth},
		{"forbidden", http.StatusForbidden, glerror.KindPermission},
		{"not found", http.StatusNotFound, glerror.KindAPI},
		{"bad request", http.StatusBadRequest, glerror.KindAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			e := New(WithRetryDelay(time.Millisecond))
			_, err := e.Execute(context.Background(), Request{URL: server.URL})
			if !glerror.IsKind(err, tt.kind) {
				t.Errorf("error = %v, want kind %q", err, tt.kind)
			}
			if got := atomic.LoadInt32(&attempts); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	e := New(WithTimeout(20*time.Millisecond), WithRetries(0))
	_, err := e.Execute(context.Background(), Request{URL: server.URL})
	ge, ok := glerror.As(err)
	if !ok {
		t.Fatalf("error = %v, want *glerror.Error", err)
	}
	if ge.Kind != glerror.KindNetwork || ge.Code != glerror.CodeTimeout {
		t.Errorf("error = %s/%s, want network/timeout", ge.Kind, ge.Code)
	}
}

func TestExecute_RetryAfterHonoured(t *testing.T) {
	var attempts int32
	var first, second time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		second = time.Now()
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	e := New(WithRetryDelay(time.Millisecond))
	if _, err := e.Execute(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gap := second.Sub(first); gap < 900*time.Millisecond {
		t.Errorf("gap between attempts = %v, want >= ~1s", gap)
	}
}

func TestExecute_ConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	e := New(WithRetries(1), WithRetryDelay(time.Millisecond))
	_, err := e.Execute(context.Background(), Request{URL: url})
	ge, ok := glerror.As(err)
	if !ok {
		t.Fatalf("error = %v, want *glerror.Error", err)
	}
	if ge.Kind != glerror.KindNetwork {
		t.Errorf("Kind = %q, want %q", ge.Kind, glerror.KindNetwork)
	}
}

type fakeAdmitter struct {
	calls int32
	err   error
}

func (f *fakeAdmitter) Admit(ctx context.Context, priority int) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

type headerRecorder struct {
	mu      sync.Mutex
	headers []http.Header
}

func (h *headerRecorder) UpdateFromHeaders(hdr http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers = append(h.headers, hdr)
}

func TestExecute_AdmitsOnlyRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("RateLimit-Remaining", "10")
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}))
	defer server.Close()

	adm := &fakeAdmitter{}
	rec := &headerRecorder{}
	e := New(WithRetryDelay(time.Millisecond), WithAdmitter(adm), WithHeaderObserver(rec))
	if _, err := e.Execute(context.Background(), Request{URL: server.URL}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := atomic.LoadInt32(&adm.calls); got != 2 {
		t.Errorf("admissions = %d, want 2", got)
	}
	if len(rec.headers) != 3 {
		t.Errorf("observed headers = %d, want 3", len(rec.headers))
	}
}

func TestExecute_AdmissionRejectionSkipsRequest(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adm := &fakeAdmitter{err: glerror.New(glerror.KindRateLimit, glerror.CodeLimiterClosed, "closed")}
	e := New(WithRetryDelay(time.Millisecond), WithAdmitter(adm))
	_, err := e.Execute(context.Background(), Request{URL: server.URL})
	ge, ok := glerror.As(err)
	if !ok || ge.Code != glerror.CodeLimiterClosed {
		t.Fatalf("error = %v, want limiter_closed", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestExecute_CallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	e := New(WithRetryDelay(time.Millisecond))
	_, err := e.Execute(ctx, Request{URL: server.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}
