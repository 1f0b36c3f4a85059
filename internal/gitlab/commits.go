package gitlab

import (
	"context"
	"fmt"

	gl "github.com/xanzy/go-gitlab"
)

// ListCommits returns one page of a project's commits.
func (c *Client) ListCommits(ctx context.Context, projectID int, opts CommitListOptions) ([]*gl.Commit, Page, error) {
	params, err := values(opts)
	if err != nil {
		return nil, Page{}, err
	}
	var commits []*gl.Commit
	page, err := c.get(ctx, projectPath(projectID)+"/repository/commits", params, c.keys.Commits(projectID, params), &commits)
	if err != nil {
		return nil, Page{}, fmt.Errorf("listing commits of project %d: %w", projectID, err)
	}
	return commits, page, nil
}

// ListAllCommits follows pagination and returns every matching commit.
func (c *Client) ListAllCommits(ctx context.Context, projectID int, opts CommitListOptions) ([]*gl.Commit, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	var all []*gl.Commit
	err := paginate(&opts.ListOptions, func() (int, Page, error) {
		batch, page, err := c.ListCommits(ctx, projectID, opts)
		all = append(all, batch...)
		return len(batch), page, err
	})
	return all, err
}
