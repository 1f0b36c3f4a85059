package gitlab

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	gl "github.com/xanzy/go-gitlab"
)

// SearchProjects searches projects visible to the user.
func (c *Client) SearchProjects(ctx context.Context, search string) ([]*gl.Project, error) {
	params := url.Values{
		"scope":    {"projects"},
		"search":   {search},
		"per_page": {strconv.Itoa(defaultPerPage)},
	}
	var projects []*gl.Project
	if _, err := c.get(ctx, "/search", params, c.keys.Request("GET", "/search", params), &projects); err != nil {
		return nil, fmt.Errorf("searching projects: %w", err)
	}
	return projects, nil
}

// SearchBlobs searches code. projectID 0 searches every visible project, which
// GitLab only allows on instances with advanced search.
func (c *Client) SearchBlobs(ctx context.Context, projectID int, search, ref string) ([]*gl.Blob, error) {
	params := url.Values{
		"scope":    {"blobs"},
		"search":   {search},
		"per_page": {strconv.Itoa(defaultPerPage)},
	}
	if ref != "" {
		params.Set("ref", ref)
	}
	endpoint := "/search"
	if projectID > 0 {
		endpoint = projectPath(projectID) + "/search"
	}
	var blobs []*gl.Blob
	if _, err := c.get(ctx, endpoint, params, c.keys.Request("GET", endpoint, params), &blobs); err != nil {
		return nil, fmt.Errorf("searching code: %w", err)
	}
	return blobs, nil
}
