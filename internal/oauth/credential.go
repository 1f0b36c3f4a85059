package oauth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credential is an access token plus what is known about it.
type Credential struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	Scopes       []string   `json:"scopes"`
	ObtainedAt   time.Time  `json:"obtained_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past its expiry, treating tokens that
// expire within leeway as already expired. Tokens without expiry never expire.
func (c Credential) Expired(now time.Time, leeway time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(leeway).Before(*c.ExpiresAt)
}

// CanRefresh reports whether a refresh token is available.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// HasScope reports whether the token was granted scope.
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func newCredential(tok *oauth2.Token, now time.Time, requested []string) Credential {
	cred := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ObtainedAt:   now,
	}

	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scopes = strings.Fields(scope)
	} else {
		cred.Scopes = append([]string(nil), requested...)
	}

	if secs, ok := expiresIn(tok.Extra("expires_in")); ok && secs > 0 {
		exp := now.Add(time.Duration(secs) * time.Second)
		cred.ExpiresAt = &exp
	} else if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		cred.ExpiresAt = &exp
	}
	return cred
}

// expiresIn reads expires_in from either a JSON or a form-encoded token response.
func expiresIn(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
