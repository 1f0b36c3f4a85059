package gitlab

import (
	"context"
	"fmt"

	gl "github.com/xanzy/go-gitlab"
)

const (
	defaultPerPage = 100
	maxPages       = 50
)

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*gl.User, error) {
	var user gl.User
	if _, err := c.get(ctx, "/user", nil, c.keys.User(), &user); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}
	return &user, nil
}

// ListProjects returns one page of projects.
func (c *Client) ListProjects(ctx context.Context, opts ProjectListOptions) ([]*gl.Project, Page, error) {
	params, err := values(opts)
	if err != nil {
		return nil, Page{}, err
	}
	var projects []*gl.Project
	page, err := c.get(ctx, "/projects", params, c.keys.Projects(params), &projects)
	if err != nil {
		return nil, Page{}, fmt.Errorf("listing projects: %w", err)
	}
	return projects, page, nil
}

// ListAllProjects follows pagination and returns every matching project.
func (c *Client) ListAllProjects(ctx context.Context, opts ProjectListOptions) ([]*gl.Project, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	var all []*gl.Project
	err := paginate(&opts.ListOptions, func() (int, Page, error) {
		batch, page, err := c.ListProjects(ctx, opts)
		all = append(all, batch...)
		return len(batch), page, err
	})
	return all, err
}

// GetProject returns a single project.
func (c *Client) GetProject(ctx context.Context, projectID int) (*gl.Project, error) {
	var project gl.Project
	if _, err := c.get(ctx, projectPath(projectID), nil, c.keys.Project(projectID), &project); err != nil {
		return nil, fmt.Errorf("fetching project %d: %w", projectID, err)
	}
	return &project, nil
}

// ListProjectMembers returns the members of a project, including inherited ones.
func (c *Client) ListProjectMembers(ctx context.Context, projectID int, opts ListOptions) ([]*gl.ProjectMember, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	params, err := values(opts)
	if err != nil {
		return nil, err
	}
	endpoint := projectPath(projectID) + "/members/all"
	var members []*gl.ProjectMember
	if _, err := c.get(ctx, endpoint, params, c.keys.Request("GET", endpoint, params), &members); err != nil {
		return nil, fmt.Errorf("listing members of project %d: %w", projectID, err)
	}
	return members, nil
}

// paginate calls fetch for successive pages until GitLab reports no next page.
// When pagination headers are absent it continues while pages are full.
func paginate(opts *ListOptions, fetch func() (n int, page Page, err error)) error {
	if opts.Page == 0 {
		opts.Page = 1
	}
	for i := 0; i < maxPages; i++ {
		n, page, err := fetch()
		if err != nil {
			return err
		}
		switch {
		case page.NextPage > 0:
			opts.Page = page.NextPage
		case page.TotalPages == 0 && n > 0 && n >= opts.PerPage:
			opts.Page++
		default:
			return nil
		}
	}
	return nil
}
