package gitlab

import (
	"context"
	"fmt"

	gl "github.com/xanzy/go-gitlab"
)

// ListIssues returns one page of issues for a project, or of every visible
// issue when projectID is 0.
func (c *Client) ListIssues(ctx context.Context, projectID int, opts IssueListOptions) ([]*gl.Issue, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	params, err := values(opts)
	if err != nil {
		return nil, err
	}
	endpoint := "/issues"
	if projectID > 0 {
		endpoint = projectPath(projectID) + "/issues"
	}
	var issues []*gl.Issue
	if _, err := c.get(ctx, endpoint, params, c.keys.Issues(projectID, params), &issues); err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	return issues, nil
}

// ListMergeRequests returns one page of merge requests for a project, or of
// every visible merge request when projectID is 0.
func (c *Client) ListMergeRequests(ctx context.Context, projectID int, opts MergeRequestListOptions) ([]*gl.MergeRequest, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	params, err := values(opts)
	if err != nil {
		return nil, err
	}
	endpoint := "/merge_requests"
	if projectID > 0 {
		endpoint = projectPath(projectID) + "/merge_requests"
	}
	var mrs []*gl.MergeRequest
	if _, err := c.get(ctx, endpoint, params, c.keys.MergeRequests(projectID, params), &mrs); err != nil {
		return nil, fmt.Errorf("listing merge requests: %w", err)
	}
	return mrs, nil
}
