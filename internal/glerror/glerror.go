// Package glerror defines the error taxonomy shared by every GitLab-facing component.
package glerror

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error by how the caller should react to it.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindRateLimit  Kind = "rate_limit"
	KindNetwork    Kind = "network"
	KindAPI        Kind = "api"
	KindConfig     Kind = "config"
	KindWebhook    Kind = "webhook"
)

// Machine-readable codes used across packages.
const (
	CodeInvalidToken      = "invalid_token"
	CodeTokenExpired      = "token_expired"
	CodeInsufficientScope = "insufficient_scope"
	CodeReauthRequired    = "reauth_required"
	CodeStateMismatch     = "state_mismatch"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeTooManyRequests   = "too_many_requests"
	CodeQueueFull         = "queue_full"
	CodeNoTokens          = "no_tokens"
	CodeLimiterClosed     = "limiter_closed"
	CodeTimeout           = "timeout"
	CodeConnection        = "connection_failed"
	CodeServerError       = "server_error"
	CodeBadResponse       = "bad_response"
	CodeInvalidConfig     = "invalid_config"
	CodeInvalidSignature  = "invalid_webhook_token"
	CodePayloadTooLarge   = "payload_too_large"
	CodeMalformedPayload  = "malformed_payload"
)

// Error is the typed error returned by the GitLab access layer.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Status     int
	Body       []byte
	RetryAfter time.Duration
	Err        error
}

// New creates an Error without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an Error around an underlying cause.
func Wrap(kind Kind, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gitlab %s error (%s, status %d): %s", e.Kind, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("gitlab %s error (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindRateLimit:
		return e.Code != CodeLimiterClosed
	case KindAPI:
		return e.Status >= 500
	}
	return false
}

// CanRefresh reports whether a silent token refresh may resolve the error.
func (e *Error) CanRefresh() bool {
	return e.Kind == KindAuth && e.Code == CodeTokenExpired
}

// NeedsReauth reports whether the user has to go through authorization again.
func (e *Error) NeedsReauth() bool {
	if e.Kind != KindAuth {
		return false
	}
	switch e.Code {
	case CodeInvalidToken, CodeInsufficientScope, CodeReauthRequired, CodeStateMismatch:
		return true
	}
	return false
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ge, ok := As(err)
	return ok && ge.Kind == kind
}

// FromStatus builds the error for a non-2xx response.
func FromStatus(status int, body []byte, header http.Header) *Error {
	e := &Error{Status: status, Body: body, Message: summarize(status, body)}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind, e.Code = KindAuth, CodeInvalidToken
		if header != nil && isExpiredChallenge(header.Get("WWW-Authenticate")) {
			e.Code = CodeTokenExpired
		}
	case status == http.StatusForbidden:
		e.Kind, e.Code = KindPermission, CodeForbidden
		if header != nil && isScopeChallenge(header.Get("WWW-Authenticate")) {
			e.Code = CodeInsufficientScope
		}
	case status == http.StatusNotFound:
		e.Kind, e.Code = KindAPI, CodeNotFound
	case status == http.StatusTooManyRequests:
		e.Kind, e.Code = KindRateLimit, CodeTooManyRequests
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
		}
	case status >= 500:
		e.Kind, e.Code = KindAPI, CodeServerError
	default:
		e.Kind, e.Code = KindAPI, "http_"+strconv.Itoa(status)
	}
	return e
}

// ParseRetryAfter accepts either delay-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func summarize(status int, body []byte) string {
	const maxLen = 200
	text := http.StatusText(status)
	if len(body) == 0 {
		return text
	}
	b := body
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return text + ": " + string(b)
}

func isExpiredChallenge(h string) bool {
	return strings.Contains(strings.ToLower(h), "expired")
}

func isScopeChallenge(h string) bool {
	return strings.Contains(strings.ToLower(h), "insufficient_scope")
}
