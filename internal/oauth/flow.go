// Package oauth implements the GitLab OAuth2 authorization-code flow.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sirupsen/logrus"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/oauth2"

	"github.com/drewdunne/labpulse/internal/executor"
	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
	"github.com/drewdunne/labpulse/internal/retry"
)

// State is the position of a Flow in the authorization lifecycle.
type State string

const (
	StateUnauthenticated        State = "unauthenticated"
	StateAuthorizationRequested State = "authorization_requested"
	StateCodeExchangePending    State = "code_exchange_pending"
	StateAuthenticated          State = "authenticated"
	StateRefreshing             State = "refreshing"
	StateError                  State = "error"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"read_user", "read_api", "read_repository"}

// DefaultStateTTL bounds how long a user may take to approve an authorization.
const DefaultStateTTL = 10 * time.Minute

const maxPendingStates = 32

// Config describes the OAuth application registered on the GitLab instance.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// AuthorizationRequest is what the user is sent to.
type AuthorizationRequest struct {
	URL    string   `json:"url"`
	State  string   `json:"state"`
	Scopes []string `json:"scopes"`
}

// Validation is the outcome of Validate.
type Validation struct {
	Valid     bool         `json:"valid"`
	User      *gl.User     `json:"user,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind glerror.Kind `json:"error_kind,omitempty"`
}

// CredentialHandler reacts to a newly obtained or refreshed credential.
type CredentialHandler func(Credential) error

// ErrorHandler reacts to a failed exchange or refresh.
type ErrorHandler func(error) error

// Flow runs the authorization-code grant and token refresh against one instance.
type Flow struct {
	cfg     oauth2.Config
	baseURL string
	client  *http.Client
	policy  retry.Policy
	logger  logrus.FieldLogger
	metrics *metrics.Registry
	now     func() time.Time

	stateTTL time.Duration

	mu        sync.Mutex
	state     State
	pending   map[string]time.Time // outstanding authorization states by issue time
	obtained  []CredentialHandler
	refreshed []CredentialHandler
	failed    []ErrorHandler
}

// Option configures a Flow.
type Option func(*Flow)

// WithHTTPClient sets the client used for token and validation calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) { f.client = c }
}

// WithRetryPolicy sets the retry policy for token endpoint calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Flow) { f.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Flow) { f.logger = l }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(f *Flow) { f.metrics = m }
}

// WithStateTTL sets how long an authorization state stays acceptable.
func WithStateTTL(ttl time.Duration) Option {
	return func(f *Flow) { f.stateTTL = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) { f.now = now }
}

// New creates a Flow. A missing client id or an unusable URL is a Config error.
func New(cfg Config, opts ...Option) (*Flow, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = gitlab.DefaultBaseURL
	}
	if cfg.ClientID == "" {
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, "oauth client id is required")
	}
	if u, err := url.Parse(base); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Sprintf("invalid gitlab base url %q", cfg.BaseURL))
	}
	if u, err := url.Parse(cfg.RedirectURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Sprintf("invalid oauth redirect url %q", cfg.RedirectURL))
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	f := &Flow{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string(nil), scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL: base,
		client:  cleanhttp.DefaultPooledClient(),
		policy:  retry.DefaultPolicy(),
		logger:  logging.Discard(),
		now:      time.Now,
		stateTTL: DefaultStateTTL,
		state:    StateUnauthenticated,
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// State returns the current lifecycle state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reset forgets any outstanding authorization and returns to Unauthenticated.
func (f *Flow) Reset() {
	f.mu.Lock()
	f.state = StateUnauthenticated
	clear(f.pending)
	f.mu.Unlock()
}

// OnTokenObtained registers h to run after a successful code exchange.
func (f *Flow) OnTokenObtained(h CredentialHandler) {
	f.mu.Lock()
	f.obtained = append(f.obtained, h)
	f.mu.Unlock()
}

// OnTokenRefreshed registers h to run after a successful refresh.
func (f *Flow) OnTokenRefreshed(h CredentialHandler) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, h)
	f.mu.Unlock()
}

// OnAuthError registers h to run after a failed exchange or refresh.
func (f *Flow) OnAuthError(h ErrorHandler) {
	f.mu.Lock()
	f.failed = append(f.failed, h)
	f.mu.Unlock()
}

// AuthorizationURL builds the authorize URL. An empty state is replaced by a
// random 32 character one, which Exchange then expects back. Several requests
// may be outstanding at once; each state is accepted once, within the state TTL.
func (f *Flow) AuthorizationURL(state string) AuthorizationRequest {
	if state == "" {
		state = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	f.mu.Lock()
	now := f.now()
	f.prunePendingLocked(now)
	if len(f.pending) >= maxPendingStates {
		f.dropOldestPendingLocked()
	}
	f.pending[state] = now
	f.state = StateAuthorizationRequested
	f.mu.Unlock()

	return AuthorizationRequest{
		URL:    f.cfg.AuthCodeURL(state),
		State:  state,
		Scopes: append([]string(nil), f.cfg.Scopes...),
	}
}

// Exchange trades an authorization code for a credential. When authorization
// requests are outstanding, state must be one of them and not have expired.
// A rejected state leaves the other outstanding requests in place.
func (f *Flow) Exchange(ctx context.Context, code, state string) (Credential, error) {
	f.mu.Lock()
	now := f.now()
	issued, known := f.pending[state]
	f.prunePendingLocked(now)
	var msg string
	switch {
	case known && now.Sub(issued) > f.stateTTL:
		msg = "oauth authorization request has expired"
	case !known && len(f.pending) > 0:
		msg = "oauth state does not match any authorization request"
	}
	if msg != "" {
		f.state = StateError
		f.mu.Unlock()
		err := glerror.New(glerror.KindAuth, glerror.CodeStateMismatch, msg)
		f.emitError(err)
		return Credential{}, err
	}
	delete(f.pending, state)
	f.state = StateCodeExchangePending
	f.mu.Unlock()

	if code == "" {
		err := glerror.New(glerror.KindAuth, glerror.CodeInvalidToken, "authorization code is required")
		f.fail(err)
		return Credential{}, err
	}

	tok, err := f.token(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return f.cfg.Exchange(ctx, code)
	})
	if err != nil {
		f.fail(err)
		return Credential{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	cred := newCredential(tok, f.now(), f.cfg.Scopes)
	f.mu.Lock()
	f.state = StateAuthenticated
	handlers := append([]CredentialHandler(nil), f.obtained...)
	f.mu.Unlock()

	f.logger.WithField("scopes", strings.Join(cred.Scopes, " ")).Info("oauth token obtained")
	f.emit("token_obtained", handlers, cred)
	return cred, nil
}

func (f *Flow) prunePendingLocked(now time.Time) {
	for state, issued := range f.pending {
		if now.Sub(issued) > f.stateTTL {
			delete(f.pending, state)
		}
	}
}

func (f *Flow) dropOldestPendingLocked() {
	var oldest string
	var at time.Time
	for state, issued := range f.pending {
		if oldest == "" || issued.Before(at) {
			oldest, at = state, issued
		}
	}
	delete(f.pending, oldest)
}

// Refresh obtains a new credential with a refresh token. Any failure other than
// a network one is reported as an expired token.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	f.mu.Lock()
	f.state = StateRefreshing
	f.mu.Unlock()

	if refreshToken == "" {
		err := glerror.New(glerror.KindAuth, glerror.CodeReauthRequired, "no refresh token available")
		f.fail(err)
		return Credential{}, err
	}

	tok, err := f.token(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return f.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		if !glerror.IsKind(err, glerror.KindNetwork) && ctx.Err() == nil {
			err = glerror.Wrap(glerror.KindAuth, glerror.CodeTokenExpired, err)
		}
		f.fail(err)
		return Credential{}, fmt.Errorf("refreshing access token: %w", err)
	}

	cred := newCredential(tok, f.now(), f.cfg.Scopes)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	f.mu.Lock()
	f.state = StateAuthenticated
	handlers := append([]CredentialHandler(nil), f.refreshed...)
	f.mu.Unlock()

	f.metrics.TokenRefreshed()
	f.logger.Info("oauth token refreshed")
	f.emit("token_refreshed", handlers, cred)
	return cred, nil
}

// Validate checks a token by fetching the current user. It never returns an error.
func (f *Flow) Validate(ctx context.Context, token string) Validation {
	client, err := gitlab.New(token,
		gitlab.WithBaseURL(f.baseURL),
		gitlab.WithLogger(f.logger),
		gitlab.WithExecutor(executor.New(
			executor.WithHTTPClient(f.client),
			executor.WithRetries(f.policy.Retries),
			executor.WithRetryDelay(f.policy.BaseDelay),
			executor.WithLogger(f.logger),
		)),
	)
	if err == nil {
		var user *gl.User
		if user, err = client.CurrentUser(ctx); err == nil {
			return Validation{Valid: true, User: user}
		}
	}
	v := Validation{Error: err.Error()}
	if ge, ok := glerror.As(err); ok {
		v.ErrorKind = ge.Kind
	}
	return v
}

func (f *Flow) token(ctx context.Context, fetch func(ctx context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	policy := f.policy
	policy.OnRetry = func(next int, err error, wait time.Duration) {
		f.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": next,
			"wait":    wait,
		}).Warn("retrying oauth token request")
	}

	var tok *oauth2.Token
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		t, err := fetch(context.WithValue(ctx, oauth2.HTTPClient, f.client))
		if err != nil {
			return classify(ctx, err)
		}
		tok = t
		return nil
	})
	return tok, err
}

// classify maps token endpoint failures onto the error taxonomy so that only
// transport failures and 5xx responses are retried.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			return glerror.FromStatus(status, re.Body, re.Response.Header)
		}
		ge := glerror.Wrap(glerror.KindAuth, glerror.CodeInvalidToken, err)
		ge.Status = status
		ge.Body = re.Body
		return ge
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return glerror.Wrap(glerror.KindNetwork, glerror.CodeConnection, err)
	}
	return glerror.Wrap(glerror.KindAuth, glerror.CodeInvalidToken, err)
}

func (f *Flow) fail(err error) {
	f.mu.Lock()
	f.state = StateError
	f.mu.Unlock()
	f.logger.WithError(err).Warn("oauth flow failed")
	f.emitError(err)
}

func (f *Flow) emit(event string, handlers []CredentialHandler, cred Credential) {
	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.WithFields(logrus.Fields{"event": event, "handler": i}).Errorf("oauth handler panicked: %v", r)
				}
			}()
			if err := h(cred); err != nil {
				f.logger.WithError(err).WithFields(logrus.Fields{"event": event, "handler": i}).Error("oauth handler failed")
			}
		}()
	}
}

func (f *Flow) emitError(cause error) {
	f.mu.Lock()
	handlers := append([]ErrorHandler(nil), f.failed...)
	f.mu.Unlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.WithField("handler", i).Errorf("oauth error handler panicked: %v", r)
				}
			}()
			if err := h(cause); err != nil {
				f.logger.WithError(err).WithField("handler", i).Error("oauth error handler failed")
			}
		}()
	}
}
