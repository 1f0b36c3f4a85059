package gitlab

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	gl "github.com/xanzy/go-gitlab"
)

// ProjectLanguages returns the language breakdown of a project in percent.
func (c *Client) ProjectLanguages(ctx context.Context, projectID int) (map[string]float64, error) {
	langs := map[string]float64{}
	if _, err := c.get(ctx, projectPath(projectID)+"/languages", nil, c.keys.Languages(projectID), &langs); err != nil {
		return nil, fmt.Errorf("fetching languages of project %d: %w", projectID, err)
	}
	return langs, nil
}

// GetFile returns a repository file at ref. Content is base64 encoded as sent
// by GitLab; see DecodeContent.
func (c *Client) GetFile(ctx context.Context, projectID int, path, ref string) (*gl.File, error) {
	if ref == "" {
		ref = "HEAD"
	}
	params := url.Values{"ref": {ref}}
	endpoint := projectPath(projectID) + "/repository/files/" + url.PathEscape(path)

	var file gl.File
	if _, err := c.get(ctx, endpoint, params, c.keys.File(projectID, path, ref), &file); err != nil {
		return nil, fmt.Errorf("fetching file %s of project %d: %w", path, projectID, err)
	}
	return &file, nil
}

// DecodeContent returns the raw bytes of a file fetched with GetFile.
func DecodeContent(f *gl.File) ([]byte, error) {
	if f.Encoding != "base64" {
		return []byte(f.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, fmt.Errorf("decoding file content: %w", err)
	}
	return data, nil
}

// ListTree lists repository files and directories.
func (c *Client) ListTree(ctx context.Context, projectID int, opts TreeOptions) ([]*gl.TreeNode, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	params, err := values(opts)
	if err != nil {
		return nil, err
	}
	endpoint := projectPath(projectID) + "/repository/tree"
	var nodes []*gl.TreeNode
	if _, err := c.get(ctx, endpoint, params, c.keys.Request("GET", endpoint, params), &nodes); err != nil {
		return nil, fmt.Errorf("listing tree of project %d: %w", projectID, err)
	}
	return nodes, nil
}
