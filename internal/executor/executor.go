// Package executor performs single outbound HTTP calls with timeouts, retries and
// error classification.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"

	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
	"github.com/drewdunne/labpulse/internal/retry"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 3
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// Doer sends HTTP requests (allows mocking in tests).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Admitter gates outbound attempts; the rate limiter implements it.
type Admitter interface {
	Admit(ctx context.Context, priority int) error
}

// HeaderObserver receives the headers of every response; the rate limiter implements it.
type HeaderObserver interface {
	UpdateFromHeaders(h http.Header)
}

// Request describes one logical outbound call.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration // overrides the executor default when > 0
	Priority int           // admission priority for retried attempts
}

// Executor sends requests with per-attempt timeouts and retries transient failures.
type Executor struct {
	client   Doer
	timeout  time.Duration
	policy   retry.Policy
	admitter Admitter
	observer HeaderObserver
	logger   logrus.FieldLogger
	metrics  *metrics.Registry
}

// Option configures the Executor.
type Option func(*Executor)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c Doer) Option {
	return func(e *Executor) { e.client = c }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.policy.Retries = n
		}
	}
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.policy.BaseDelay = d }
}

// WithAdmitter makes every retry attempt pass admission control first.
func WithAdmitter(a Admitter) Option {
	return func(e *Executor) { e.admitter = a }
}

// WithHeaderObserver forwards response headers to o.
func WithHeaderObserver(o HeaderObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor. Defaults: pooled cleanhttp client, 30s timeout, 3 retries.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:  cleanhttp.DefaultPooledClient(),
		timeout: defaultTimeout,
		policy: retry.Policy{
			Retries:   defaultRetries,
			BaseDelay: defaultRetryDelay,
			MaxDelay:  maxRetryDelay,
			Jitter:    0.2,
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends req, retrying 5xx, 429 and transport failures. Other non-2xx
// responses fail immediately with a *glerror.Error.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	log := e.logger.WithFields(logrus.Fields{"method": req.Method, "url": req.URL})

	policy := e.policy
	policy.OnRetry = func(next int, err error, wait time.Duration) {
		e.metrics.APIRetry()
		log.WithError(err).WithFields(logrus.Fields{"attempt": next + 1, "wait": wait}).Warn("retrying request")
	}

	var resp *Response
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 && e.admitter != nil {
			if err := e.admitter.Admit(ctx, req.Priority); err != nil {
				e.metrics.RateLimitedRequest()
				return err
			}
		}
		r, err := e.attempt(ctx, req)
		if err != nil {
			return err
		}
		r.Attempts = attempt + 1
		resp = r
		return nil
	})
	if err != nil {
		e.metrics.APIFailure()
		log.WithError(err).Debug("request failed")
		return nil, err
	}
	return resp, nil
}

func (e *Executor) attempt(ctx context.Context, req Request) (*Response, error) {
	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, glerror.Wrap(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Errorf("creating request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	e.metrics.APIRequest()
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, e.transportError(ctx, attemptCtx, timeout, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, e.transportError(ctx, attemptCtx, timeout, fmt.Errorf("reading response body: %w", err))
	}

	if e.observer != nil {
		e.observer.UpdateFromHeaders(httpResp.Header)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, glerror.FromStatus(httpResp.StatusCode, data, httpResp.Header)
	}

	return &Response{
		Status:      httpResp.StatusCode,
		Header:      httpResp.Header,
		Body:        data,
		ContentType: httpResp.Header.Get("Content-Type"),
	}, nil
}

// transportError classifies a failure that produced no HTTP response.
func (e *Executor) transportError(parent, attemptCtx context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		// The caller gave up; this is not something a retry can fix.
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return glerror.Wrap(glerror.KindNetwork, glerror.CodeTimeout, fmt.Errorf("request timed out after %s: %w", timeout, err))
	}
	return glerror.Wrap(glerror.KindNetwork, glerror.CodeConnection, err)
}
