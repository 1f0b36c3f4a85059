package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	gl "github.com/xanzy/go-gitlab"
)

// ListHooks returns the webhooks of a project.
func (c *Client) ListHooks(ctx context.Context, projectID int) ([]*gl.ProjectHook, error) {
	var hooks []*gl.ProjectHook
	if _, err := c.get(ctx, projectPath(projectID)+"/hooks", nil, c.keys.Hooks(projectID), &hooks); err != nil {
		return nil, fmt.Errorf("listing hooks of project %d: %w", projectID, err)
	}
	return hooks, nil
}

// AddHook registers a webhook on a project.
func (c *Client) AddHook(ctx context.Context, projectID int, opts *gl.AddProjectHookOptions) (*gl.ProjectHook, error) {
	var hook gl.ProjectHook
	if err := c.send(ctx, http.MethodPost, projectPath(projectID)+"/hooks", opts, &hook); err != nil {
		return nil, fmt.Errorf("adding hook to project %d: %w", projectID, err)
	}
	c.invalidateHooks(ctx, projectID)
	return &hook, nil
}

// EditHook updates a project webhook.
func (c *Client) EditHook(ctx context.Context, projectID, hookID int, opts *gl.EditProjectHookOptions) (*gl.ProjectHook, error) {
	var hook gl.ProjectHook
	endpoint := projectPath(projectID) + "/hooks/" + strconv.Itoa(hookID)
	if err := c.send(ctx, http.MethodPut, endpoint, opts, &hook); err != nil {
		return nil, fmt.Errorf("editing hook %d of project %d: %w", hookID, projectID, err)
	}
	c.invalidateHooks(ctx, projectID)
	return &hook, nil
}

// DeleteHook removes a project webhook.
func (c *Client) DeleteHook(ctx context.Context, projectID, hookID int) error {
	endpoint := projectPath(projectID) + "/hooks/" + strconv.Itoa(hookID)
	if err := c.send(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("deleting hook %d of project %d: %w", hookID, projectID, err)
	}
	c.invalidateHooks(ctx, projectID)
	return nil
}

func (c *Client) invalidateHooks(ctx context.Context, projectID int) {
	if c.cache == nil {
		return
	}
	c.cache.Clear(ctx, c.keys.ProjectPattern("hooks", projectID))
}
