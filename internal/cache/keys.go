package cache

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Keys builds cache keys for one credential scope. Every key starts with
// "gitlab:<scope>" so stats and Clear can work per user.
type Keys struct {
	scope string
}

// NewKeys derives the scope from the access token so different users never
// share entries. The token itself is not stored.
func NewKeys(token string) Keys {
	return Keys{scope: strconv.FormatUint(xxhash.Sum64String(token), 16)}
}

// Scope returns the fingerprint used in keys.
func (k Keys) Scope() string { return k.scope }

// Prefix returns "gitlab:<scope>".
func (k Keys) Prefix() string { return "gitlab:" + k.scope }

func (k Keys) build(parts ...string) string {
	return k.Prefix() + ":" + strings.Join(parts, ":")
}

// Request is the generic key: method, endpoint and sorted query parameters.
func (k Keys) Request(method, endpoint string, params url.Values) string {
	return k.build("req", strings.ToUpper(method), endpoint, params.Encode())
}

// User is the key for the authenticated user.
func (k Keys) User() string { return k.build("user") }

// Projects is the key for a project listing.
func (k Keys) Projects(params url.Values) string {
	return k.build("projects", params.Encode())
}

// Project is the key for a single project.
func (k Keys) Project(projectID int) string {
	return k.build("project", strconv.Itoa(projectID), "")
}

// Commits is the key for a commit listing of one project.
func (k Keys) Commits(projectID int, params url.Values) string {
	return k.build("commits", strconv.Itoa(projectID), params.Encode())
}

// Languages is the key for a project's language breakdown.
func (k Keys) Languages(projectID int) string {
	return k.build("languages", strconv.Itoa(projectID), "")
}

// Issues is the key for an issue listing; projectID 0 means all visible issues.
func (k Keys) Issues(projectID int, params url.Values) string {
	return k.build("issues", strconv.Itoa(projectID), params.Encode())
}

// MergeRequests is the key for a merge request listing; projectID 0 means all.
func (k Keys) MergeRequests(projectID int, params url.Values) string {
	return k.build("merge_requests", strconv.Itoa(projectID), params.Encode())
}

// File is the key for a repository file at a ref.
func (k Keys) File(projectID int, path, ref string) string {
	return k.build("file", strconv.Itoa(projectID), ref, path)
}

// Hooks is the key for a project's webhook listing.
func (k Keys) Hooks(projectID int) string {
	return k.build("hooks", strconv.Itoa(projectID), "")
}

// ProjectPattern is the Clear prefix for every key of one kind for a project,
// e.g. ProjectPattern("hooks", 42) covers all cached hook listings of project 42
// but not those of project 420.
func (k Keys) ProjectPattern(kind string, projectID int) string {
	return k.build(kind, strconv.Itoa(projectID), "")
}
