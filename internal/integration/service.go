// Package integration composes the GitLab client, analytics engine, OAuth flow,
// cache and limiter behind one object that serves dashboard-ready results.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/sync/singleflight"

	"github.com/drewdunne/labpulse/internal/analytics"
	"github.com/drewdunne/labpulse/internal/cache"
	"github.com/drewdunne/labpulse/internal/executor"
	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/oauth"
	"github.com/drewdunne/labpulse/internal/ratelimit"
)

// DefaultRefreshLeeway treats tokens expiring this soon as expired.
const DefaultRefreshLeeway = time.Minute

// ErrSuperseded is returned by a call that was cancelled because a newer call
// for the same resource started.
var ErrSuperseded = errors.New("superseded by a newer request")

// Service holds the current credential and the client and engine built from it.
type Service struct {
	baseURL    string
	tokenType  gitlab.TokenType
	limiter    *ratelimit.Limiter
	cache      cache.Cache
	cacheTTL   time.Duration
	exec       *executor.Executor
	flow       *oauth.Flow
	engineOpts []analytics.Option
	leeway     time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time

	mu     sync.RWMutex
	cred   *oauth.Credential
	client *gitlab.Client
	engine *analytics.Engine
	user   *gl.User

	refresh singleflight.Group

	callsMu sync.Mutex
	calls   map[string]*inflight
}

type inflight struct {
	cancel context.CancelCauseFunc
}

// Option configures the Service.
type Option func(*Service)

// WithBaseURL sets the GitLab instance root.
func WithBaseURL(baseURL string) Option {
	return func(s *Service) { s.baseURL = baseURL }
}

// WithTokenType selects OAuth bearer or personal access token auth.
func WithTokenType(t gitlab.TokenType) Option {
	return func(s *Service) { s.tokenType = t }
}

// WithLimiter shares a rate limiter across every client the Service builds.
// The Service closes it on Close.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithCache enables response caching. The Service closes the store on Close.
func WithCache(store cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = store
		s.cacheTTL = ttl
	}
}

// WithExecutor sets the HTTP executor used by every client.
func WithExecutor(e *executor.Executor) Option {
	return func(s *Service) { s.exec = e }
}

// WithOAuth enables silent token refresh through flow.
func WithOAuth(flow *oauth.Flow) Option {
	return func(s *Service) { s.flow = flow }
}

// WithAnalyticsOptions passes options to every engine the Service builds.
func WithAnalyticsOptions(opts ...analytics.Option) Option {
	return func(s *Service) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithRefreshLeeway overrides DefaultRefreshLeeway.
func WithRefreshLeeway(d time.Duration) Option {
	return func(s *Service) { s.leeway = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. It is unusable until Initialize succeeds.
func New(opts ...Option) *Service {
	s := &Service{
		baseURL:   gitlab.DefaultBaseURL,
		tokenType: gitlab.TokenOAuth,
		leeway:    DefaultRefreshLeeway,
		logger:    logging.Discard(),
		now:       time.Now,
		calls:     make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.flow != nil {
		s.flow.OnTokenRefreshed(func(cred oauth.Credential) error {
			return s.rebuild(cred)
		})
	}
	return s
}

// Initialize builds the client and engine for cred and resolves the current user.
// On failure the previous state is kept.
func (s *Service) Initialize(ctx context.Context, cred oauth.Credential) error {
	client, engine, err := s.build(cred)
	if err != nil {
		return err
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("resolving current user: %w", err)
	}

	s.mu.Lock()
	s.cred = &cred
	s.client = client
	s.engine = engine
	s.user = user
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"user":     user.Username,
		"instance": client.BaseURL(),
	}).Info("gitlab integration initialized")
	return nil
}

func (s *Service) build(cred oauth.Credential) (*gitlab.Client, *analytics.Engine, error) {
	opts := []gitlab.Option{
		gitlab.WithBaseURL(s.baseURL),
		gitlab.WithTokenType(s.tokenType),
		gitlab.WithLogger(s.logger),
	}
	if s.limiter != nil {
		opts = append(opts, gitlab.WithLimiter(s.limiter))
	}
	if s.cache != nil {
		opts = append(opts, gitlab.WithCache(s.cache, s.cacheTTL))
	}
	if s.exec != nil {
		opts = append(opts, gitlab.WithExecutor(s.exec))
	}
	client, err := gitlab.New(cred.AccessToken, opts...)
	if err != nil {
		return nil, nil, err
	}
	engineOpts := append([]analytics.Option{analytics.WithLogger(s.logger)}, s.engineOpts...)
	return client, analytics.New(client, engineOpts...), nil
}

// rebuild swaps in a client and engine for a refreshed credential, keeping the
// resolved user. It is a no-op when cred carries the current access token.
func (s *Service) rebuild(cred oauth.Credential) error {
	s.mu.RLock()
	current := s.cred
	s.mu.RUnlock()
	if current == nil {
		return nil
	}
	if current.AccessToken == cred.AccessToken {
		return nil
	}

	client, engine, err := s.build(cred)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = &cred
	s.client = client
	s.engine = engine
	s.mu.Unlock()
	s.logger.Info("rebuilt gitlab client with refreshed token")
	return nil
}

// Initialized reports whether Initialize has succeeded and Disconnect has not been called since.
func (s *Service) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// User returns the user resolved by Initialize.
func (s *Service) User() *gl.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Credential returns a copy of the current credential.
func (s *Service) Credential() (oauth.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return oauth.Credential{}, false
	}
	return *s.cred, true
}

// Client returns the current client, or nil before Initialize.
func (s *Service) Client() *gitlab.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func errNotInitialized() error {
	return glerror.New(glerror.KindAuth, glerror.CodeReauthRequired, "no gitlab account connected")
}

func (s *Service) current() (*gitlab.Client, *analytics.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, nil, errNotInitialized()
	}
	return s.client, s.engine, nil
}

// EnsureFreshToken refreshes an expired credential when a refresh token and an
// OAuth flow are available. An expired credential that cannot be refreshed is
// an Auth reauth_required error.
func (s *Service) EnsureFreshToken(ctx context.Context) error {
	cred, ok := s.Credential()
	if !ok {
		return errNotInitialized()
	}
	if !cred.Expired(s.now(), s.leeway) {
		return nil
	}
	if !cred.CanRefresh() || s.flow == nil {
		return glerror.New(glerror.KindAuth, glerror.CodeReauthRequired, "access token expired and cannot be refreshed")
	}

	return s.refreshCredential(ctx, cred)
}

// refreshCredential exchanges cred's refresh token and rebuilds the client.
// Concurrent refreshes of the same token share one exchange.
func (s *Service) refreshCredential(ctx context.Context, cred oauth.Credential) error {
	_, err, _ := s.refresh.Do(cred.RefreshToken, func() (any, error) {
		fresh, err := s.flow.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			return nil, err
		}
		return nil, s.rebuild(fresh)
	})
	return err
}

// recoverExpired reports whether a call made with used and failed with err
// may be retried: err must be an expired-token failure and the credential
// must have been refreshed, either here or by a concurrent call.
func (s *Service) recoverExpired(ctx context.Context, used oauth.Credential, err error) bool {
	ge, ok := glerror.As(err)
	if !ok || !ge.CanRefresh() {
		return false
	}
	cur, ok := s.Credential()
	if !ok {
		return false
	}
	if cur.AccessToken != used.AccessToken {
		return true
	}
	if !cur.CanRefresh() || s.flow == nil {
		return false
	}
	if err := s.refreshCredential(ctx, cur); err != nil {
		s.logger.WithError(err).Warn("could not refresh expired access token")
		return false
	}
	s.logger.Info("refreshed expired access token, retrying")
	return true
}

// begin prepares a call for a logical resource: it refreshes the token,
// cancels any in-flight call for the same key and returns the current client
// and engine. done must be called when the call finishes.
func (s *Service) begin(ctx context.Context, key string) (context.Context, func(), *gitlab.Client, *analytics.Engine, error) {
	if err := s.EnsureFreshToken(ctx); err != nil {
		return nil, nil, nil, nil, err
	}
	client, engine, err := s.current()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	call := &inflight{cancel: cancel}

	s.callsMu.Lock()
	if prev, ok := s.calls[key]; ok {
		prev.cancel(ErrSuperseded)
	}
	s.calls[key] = call
	s.callsMu.Unlock()

	done := func() {
		s.callsMu.Lock()
		if s.calls[key] == call {
			delete(s.calls, key)
		}
		s.callsMu.Unlock()
		cancel(nil)
	}
	return ctx, done, client, engine, nil
}

// settle maps a failure of a superseded call to ErrSuperseded.
func settle(ctx context.Context, err error) error {
	if err != nil && errors.Is(context.Cause(ctx), ErrSuperseded) {
		return ErrSuperseded
	}
	return err
}

func (s *Service) cancelAll(cause error) {
	s.callsMu.Lock()
	for key, call := range s.calls {
		call.cancel(cause)
		delete(s.calls, key)
	}
	s.callsMu.Unlock()
}

// run calls op for the logical resource key. An op that fails because the
// access token expired is run once more after a silent refresh.
func run[T any](ctx context.Context, s *Service, key string, op func(context.Context, *analytics.Engine) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		used, _ := s.Credential()
		callCtx, done, _, engine, err := s.begin(ctx, key)
		if err != nil {
			return zero, err
		}
		v, err := op(callCtx, engine)
		if err != nil {
			err = settle(callCtx, err)
		}
		done()
		if err == nil {
			return v, nil
		}
		if attempt > 0 || !s.recoverExpired(ctx, used, err) {
			return zero, err
		}
	}
}

// UserCommitActivity returns the current user's commit activity.
func (s *Service) UserCommitActivity(ctx context.Context, opts analytics.ActivityOptions) (*analytics.Activity, error) {
	return run(ctx, s, "activity", func(ctx context.Context, engine *analytics.Engine) (*analytics.Activity, error) {
		return engine.UserCommitActivity(ctx, opts)
	})
}

// ProjectInsights analyzes one project.
func (s *Service) ProjectInsights(ctx context.Context, projectID int, opts analytics.InsightOptions) (*analytics.ProjectInsights, error) {
	return run(ctx, s, fmt.Sprintf("insights:%d", projectID), func(ctx context.Context, engine *analytics.Engine) (*analytics.ProjectInsights, error) {
		return engine.ProjectInsights(ctx, projectID, opts)
	})
}

// CompareProjects compares the activity of several projects.
func (s *Service) CompareProjects(ctx context.Context, ids []int, opts analytics.InsightOptions) (*analytics.Comparison, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return run(ctx, s, "compare:"+strings.Join(parts, ","), func(ctx context.Context, engine *analytics.Engine) (*analytics.Comparison, error) {
		return engine.CompareProjects(ctx, ids, opts)
	})
}

// TestConnection checks the current credential against the instance.
func (s *Service) TestConnection(ctx context.Context) gitlab.ConnectionReport {
	if err := s.EnsureFreshToken(ctx); err != nil {
		return failedReport(s.baseURL, err)
	}
	client, _, err := s.current()
	if err != nil {
		return failedReport(s.baseURL, err)
	}
	return client.TestConnection(ctx)
}

func failedReport(baseURL string, err error) gitlab.ConnectionReport {
	report := gitlab.ConnectionReport{
		InstanceURL: baseURL,
		APIVersion:  gitlab.APIVersion,
		Error:       err.Error(),
	}
	if ge, ok := glerror.As(err); ok {
		report.ErrorKind = ge.Kind
		report.ErrorCode = ge.Code
	}
	return report
}

// CacheStats returns the response cache statistics, or false without a cache.
func (s *Service) CacheStats() (cache.Stats, bool) {
	if s.cache == nil {
		return cache.Stats{}, false
	}
	return s.cache.Stats(), true
}

// ClearCache removes cached responses matching pattern and returns how many
// were removed.
func (s *Service) ClearCache(ctx context.Context, pattern string) int {
	if s.cache == nil {
		return 0
	}
	n := s.cache.Clear(ctx, pattern)
	s.logger.WithFields(logrus.Fields{"pattern": pattern, "removed": n}).Info("cache cleared")
	return n
}

// LimiterStats returns the rate limiter state, or false without a limiter.
func (s *Service) LimiterStats() (ratelimit.Stats, bool) {
	if s.limiter == nil {
		return ratelimit.Stats{}, false
	}
	return s.limiter.Stats(), true
}

// Disconnect cancels in-flight calls, drops the cached responses of the
// current credential and forgets it.
func (s *Service) Disconnect(ctx context.Context) {
	s.cancelAll(context.Canceled)

	s.mu.Lock()
	client := s.client
	s.cred = nil
	s.client = nil
	s.engine = nil
	s.user = nil
	s.mu.Unlock()

	if client != nil && s.cache != nil {
		n := s.cache.Clear(ctx, client.Keys().Prefix())
		s.logger.WithField("removed", n).Debug("dropped cached responses for disconnected account")
	}
	s.logger.Info("gitlab integration disconnected")
}

// Close disconnects and releases the cache and limiter.
func (s *Service) Close() error {
	s.Disconnect(context.Background())

	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing limiter: %w", err))
		}
	}
	return errors.Join(errs...)
}
