// Package gitlab is the typed GitLab REST client. Every call passes admission
// control, consults the response cache (GET only) and then goes through the
// retrying executor.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drewdunne/labpulse/internal/cache"
	"github.com/drewdunne/labpulse/internal/executor"
	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/logging"
)

// DefaultBaseURL is the GitLab instance used when none is configured.
const DefaultBaseURL = "https://gitlab.com"

// APIVersion is the REST API version this client speaks.
const APIVersion = "v4"

// TokenType selects how the token is sent.
type TokenType string

const (
	// TokenOAuth sends "Authorization: Bearer <token>".
	TokenOAuth TokenType = "oauth"
	// TokenPAT sends "PRIVATE-TOKEN: <token>".
	TokenPAT TokenType = "pat"
)

// Admitter gates every call; the rate limiter implements it.
type Admitter interface {
	Admit(ctx context.Context, priority int) error
}

// Client talks to one GitLab instance with one credential.
type Client struct {
	baseURL   string
	apiURL    string
	token     string
	tokenType TokenType
	exec      *executor.Executor
	limiter   Admitter
	cache     cache.Cache
	keys      cache.Keys
	ttl       time.Duration
	logger    logrus.FieldLogger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL sets the instance root, e.g. https://gitlab.example.com.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithTokenType selects bearer (OAuth) or PRIVATE-TOKEN (PAT) auth.
func WithTokenType(t TokenType) Option {
	return func(c *Client) { c.tokenType = t }
}

// WithExecutor sets the HTTP executor.
func WithExecutor(e *executor.Executor) Option {
	return func(c *Client) { c.exec = e }
}

// WithLimiter sets the admission controller.
func WithLimiter(l Admitter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithCache enables response caching for GET calls.
func WithCache(store cache.Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = store
		c.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. A missing token or an unusable base URL is a Config error.
func New(token string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:   DefaultBaseURL,
		token:     token,
		tokenType: TokenOAuth,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if strings.TrimSpace(token) == "" {
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, "gitlab access token is required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Sprintf("invalid gitlab base url %q", c.baseURL))
	}
	switch c.tokenType {
	case TokenOAuth, TokenPAT:
	default:
		return nil, glerror.New(glerror.KindConfig, glerror.CodeInvalidConfig, fmt.Sprintf("unknown token type %q", c.tokenType))
	}

	c.apiURL = c.baseURL + "/api/" + APIVersion
	c.keys = cache.NewKeys(token)
	if c.exec == nil {
		eopts := []executor.Option{executor.WithLogger(c.logger)}
		if c.limiter != nil {
			eopts = append(eopts, executor.WithAdmitter(c.limiter))
			if obs, ok := c.limiter.(executor.HeaderObserver); ok {
				eopts = append(eopts, executor.WithHeaderObserver(obs))
			}
		}
		c.exec = executor.New(eopts...)
	}
	return c, nil
}

// BaseURL returns the instance root.
func (c *Client) BaseURL() string { return c.baseURL }

// Keys returns the cache key builder for this client's credential.
func (c *Client) Keys() cache.Keys { return c.keys }

type priorityKey struct{}

// WithPriority marks calls made with ctx for earlier admission when the limiter
// is queuing. The default priority is 0.
func WithPriority(ctx context.Context, priority int) context.Context {
	return context.WithValue(ctx, priorityKey{}, priority)
}

func priorityFrom(ctx context.Context) int {
	p, _ := ctx.Value(priorityKey{}).(int)
	return p
}

// Page describes the pagination headers of a list response.
type Page struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	NextPage   int `json:"next_page"`
	TotalPages int `json:"total_pages"`
	Total      int `json:"total"`
}

func pageFromHeader(h http.Header) Page {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(h.Get(k))
		return n
	}
	return Page{
		Page:       atoi("X-Page"),
		PerPage:    atoi("X-Per-Page"),
		NextPage:   atoi("X-Next-Page"),
		TotalPages: atoi("X-Total-Pages"),
		Total:      atoi("X-Total"),
	}
}

// cached is what a GET response is stored as.
type cached struct {
	Body json.RawMessage `json:"body"`
	Page Page            `json:"page"`
}

func (c *Client) admit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Admit(ctx, priorityFrom(ctx))
}

func (c *Client) endpointURL(endpoint string, params url.Values) string {
	u := c.apiURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.tokenType == TokenPAT {
		h.Set("PRIVATE-TOKEN", c.token)
	} else {
		h.Set("Authorization", "Bearer "+c.token)
	}
	h.Set("Accept", "application/json")
	return h
}

// get performs a GET and decodes the body into v. When key is non-empty the
// response is served from and stored into the cache.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, key string, v any) (Page, error) {
	if err := c.admit(ctx); err != nil {
		return Page{}, err
	}

	if key != "" && c.cache != nil {
		if data, ok := c.cache.Get(ctx, key); ok {
			var entry cached
			if err := json.Unmarshal(data, &entry); err == nil && json.Unmarshal(entry.Body, v) == nil {
				return entry.Page, nil
			}
			c.logger.WithField("key", key).Warn("discarding unreadable cache entry")
			c.cache.Delete(ctx, key)
		}
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   http.MethodGet,
		URL:      c.endpointURL(endpoint, params),
		Header:   c.authHeader(),
		Priority: priorityFrom(ctx),
	})
	if err != nil {
		return Page{}, err
	}
	if err := resp.Decode(v); err != nil {
		return Page{}, err
	}
	page := pageFromHeader(resp.Header)

	if key != "" && c.cache != nil && json.Valid(resp.Body) {
		if data, err := json.Marshal(cached{Body: resp.Body, Page: page}); err == nil {
			c.cache.Set(ctx, key, data, c.ttl)
		}
	}
	return page, nil
}

// send performs a mutating call. It never touches the cache.
func (c *Client) send(ctx context.Context, method, endpoint string, body, v any) error {
	if err := c.admit(ctx); err != nil {
		return err
	}

	header := c.authHeader()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.exec.Execute(ctx, executor.Request{
		Method:   method,
		URL:      c.endpointURL(endpoint, nil),
		Header:   header,
		Body:     payload,
		Priority: priorityFrom(ctx),
	})
	if err != nil {
		return err
	}
	if v != nil {
		return resp.Decode(v)
	}
	return nil
}

func projectPath(projectID int) string {
	return "/projects/" + strconv.Itoa(projectID)
}
