package gitlab

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/go-querystring/query"
)

// ListOptions are the pagination parameters shared by list endpoints.
type ListOptions struct {
	Page    int    `url:"page,omitempty"`
	PerPage int    `url:"per_page,omitempty"`
	OrderBy string `url:"order_by,omitempty"`
	Sort    string `url:"sort,omitempty"`
}

// ProjectListOptions filters GET /projects.
type ProjectListOptions struct {
	ListOptions
	Membership bool   `url:"membership,omitempty"`
	Owned      bool   `url:"owned,omitempty"`
	Archived   *bool  `url:"archived,omitempty"`
	Search     string `url:"search,omitempty"`
	Simple     bool   `url:"simple,omitempty"`
}

// DayStart truncates t to midnight UTC. Time filters sent to list endpoints
// use it so that requests made on the same day produce the same query and
// the same cache key; callers narrow the results to the exact window.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CommitListOptions filters GET /projects/:id/repository/commits.
type CommitListOptions struct {
	ListOptions
	RefName   string     `url:"ref_name,omitempty"`
	Since     *time.Time `url:"since,omitempty"`
	Until     *time.Time `url:"until,omitempty"`
	Author    string     `url:"author,omitempty"`
	Path      string     `url:"path,omitempty"`
	WithStats bool       `url:"with_stats,omitempty"`
	All       bool       `url:"all,omitempty"`
}

// IssueListOptions filters GET /issues and GET /projects/:id/issues.
type IssueListOptions struct {
	ListOptions
	State        string     `url:"state,omitempty"`
	Scope        string     `url:"scope,omitempty"`
	Labels       string     `url:"labels,omitempty"`
	CreatedAfter *time.Time `url:"created_after,omitempty"`
	UpdatedAfter *time.Time `url:"updated_after,omitempty"`
}

// MergeRequestListOptions filters GET /merge_requests and GET /projects/:id/merge_requests.
type MergeRequestListOptions struct {
	ListOptions
	State        string     `url:"state,omitempty"`
	Scope        string     `url:"scope,omitempty"`
	CreatedAfter *time.Time `url:"created_after,omitempty"`
	UpdatedAfter *time.Time `url:"updated_after,omitempty"`
}

// TreeOptions filters GET /projects/:id/repository/tree.
type TreeOptions struct {
	ListOptions
	Path      string `url:"path,omitempty"`
	Ref       string `url:"ref,omitempty"`
	Recursive bool   `url:"recursive,omitempty"`
}

// EventListOptions filters GET /events.
type EventListOptions struct {
	ListOptions
	Action     string `url:"action,omitempty"`
	TargetType string `url:"target_type,omitempty"`
	After      string `url:"after,omitempty"`  // YYYY-MM-DD
	Before     string `url:"before,omitempty"` // YYYY-MM-DD
}

func values(opts any) (url.Values, error) {
	v, err := query.Values(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding query parameters: %w", err)
	}
	return v, nil
}
