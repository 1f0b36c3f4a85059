package gitlab

import (
	"context"
	"fmt"
	"time"
)

// Event is an entry of the authenticated user's contribution feed.
type Event struct {
	ID             int       `json:"id"`
	ProjectID      int       `json:"project_id"`
	ActionName     string    `json:"action_name"`
	TargetID       int       `json:"target_id"`
	TargetIID      int       `json:"target_iid"`
	TargetType     string    `json:"target_type"`
	TargetTitle    string    `json:"target_title"`
	AuthorID       int       `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	CreatedAt      time.Time `json:"created_at"`
	PushData       *PushData `json:"push_data,omitempty"`
}

// PushData summarizes a push event.
type PushData struct {
	CommitCount int    `json:"commit_count"`
	Action      string `json:"action"`
	RefType     string `json:"ref_type"`
	Ref         string `json:"ref"`
	CommitTitle string `json:"commit_title"`
}

// ListEvents returns the authenticated user's recent events.
func (c *Client) ListEvents(ctx context.Context, opts EventListOptions) ([]*Event, error) {
	if opts.PerPage == 0 {
		opts.PerPage = defaultPerPage
	}
	params, err := values(opts)
	if err != nil {
		return nil, err
	}
	var events []*Event
	if _, err := c.get(ctx, "/events", params, c.keys.Request("GET", "/events", params), &events); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}
