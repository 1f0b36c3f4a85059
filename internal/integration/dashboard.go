package integration

import (
	"context"
	"time"

	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/labpulse/internal/analytics"
	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/glerror"
)

// Dashboard sections.
const (
	SectionRepositories   = "repositories"
	SectionActivity       = "commit_activity"
	SectionIssues         = "issues"
	SectionMergeRequests  = "merge_requests"
	SectionRecentActivity = "recent_activity"
)

const (
	dashboardRepositories = 20
	dashboardItems        = 50
	dashboardEvents       = 20
)

// SectionError describes a dashboard section that could not be loaded.
type SectionError struct {
	Section string       `json:"section"`
	Error   string       `json:"error"`
	Kind    glerror.Kind `json:"kind,omitempty"`
	Code    string       `json:"code,omitempty"`
}

// Repository is the dashboard view of a project.
type Repository struct {
	ID             int        `json:"id"`
	Name           string     `json:"name"`
	Path           string     `json:"path"`
	Description    string     `json:"description,omitempty"`
	WebURL         string     `json:"web_url"`
	DefaultBranch  string     `json:"default_branch,omitempty"`
	Visibility     string     `json:"visibility,omitempty"`
	Stars          int        `json:"stars"`
	Forks          int        `json:"forks"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// WorkItem is an issue or merge request.
type WorkItem struct {
	ID           int        `json:"id"`
	IID          int        `json:"iid"`
	ProjectID    int        `json:"project_id"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	WebURL       string     `json:"web_url"`
	SourceBranch string     `json:"source_branch,omitempty"`
	TargetBranch string     `json:"target_branch,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// WorkItems is a listing with per-state counts.
type WorkItems struct {
	Total  int        `json:"total"`
	Open   int        `json:"open"`
	Closed int        `json:"closed"`
	Merged int        `json:"merged,omitempty"`
	Items  []WorkItem `json:"items"`
}

func (w *WorkItems) add(item WorkItem) {
	w.Total++
	switch item.State {
	case "opened":
		w.Open++
	case "closed":
		w.Closed++
	case "merged":
		w.Merged++
	}
	w.Items = append(w.Items, item)
}

// Dashboard is everything the overview page renders. Sections that failed are
// nil and listed in Errors.
type Dashboard struct {
	User           analytics.UserRef   `json:"user"`
	Days           int                 `json:"days"`
	GeneratedAt    time.Time           `json:"generated_at"`
	Repositories   []Repository        `json:"repositories,omitempty"`
	Activity       *analytics.Activity `json:"commit_activity,omitempty"`
	Issues         *WorkItems          `json:"issues,omitempty"`
	MergeRequests  *WorkItems          `json:"merge_requests,omitempty"`
	RecentActivity []*gitlab.Event     `json:"recent_activity,omitempty"`
	Errors         []SectionError      `json:"errors"`
}

// DashboardData loads every dashboard section concurrently. A failing section
// is reported in Errors; the call itself only fails when it could not start or
// was superseded or cancelled. Sections that failed on an expired access token
// are loaded once more after a silent refresh.
func (s *Service) DashboardData(ctx context.Context, days int) (*Dashboard, error) {
	used, _ := s.Credential()
	d, err := s.dashboard(ctx, days)
	if err != nil {
		return nil, err
	}
	if expired := d.expiredSection(); expired != nil && s.recoverExpired(ctx, used, expired) {
		return s.dashboard(ctx, days)
	}
	return d, nil
}

// expiredSection returns an error for the first section that failed on an
// expired access token, or nil.
func (d *Dashboard) expiredSection() error {
	for _, se := range d.Errors {
		if se.Kind == glerror.KindAuth && se.Code == glerror.CodeTokenExpired {
			return glerror.New(se.Kind, se.Code, se.Error)
		}
	}
	return nil
}

func (s *Service) dashboard(ctx context.Context, days int) (*Dashboard, error) {
	ctx, done, client, engine, err := s.begin(ctx, "dashboard")
	if err != nil {
		return nil, err
	}
	defer done()

	if days <= 0 {
		days = analytics.DefaultDays
	}
	now := s.now().UTC()
	since := now.AddDate(0, 0, -days)
	updatedAfter := gitlab.DayStart(since)

	d := &Dashboard{Days: days, GeneratedAt: now, Errors: []SectionError{}}
	if u := s.User(); u != nil {
		d.User = analytics.UserRef{ID: u.ID, Username: u.Username, Name: u.Name}
	}

	sections := []struct {
		name  string
		fetch func(ctx context.Context) error
	}{
		{SectionRepositories, func(ctx context.Context) error {
			projects, _, err := client.ListProjects(ctx, gitlab.ProjectListOptions{
				ListOptions: gitlab.ListOptions{PerPage: dashboardRepositories, OrderBy: "last_activity_at", Sort: "desc"},
				Membership:  true,
			})
			if err != nil {
				return err
			}
			d.Repositories = make([]Repository, 0, len(projects))
			for _, p := range projects {
				d.Repositories = append(d.Repositories, repository(p))
			}
			return nil
		}},
		{SectionActivity, func(ctx context.Context) error {
			activity, err := engine.UserCommitActivity(ctx, analytics.ActivityOptions{
				Days:           days,
				IncludeStats:   true,
				IncludeHeatmap: true,
			})
			if err != nil {
				return err
			}
			d.Activity = activity
			return nil
		}},
		{SectionIssues, func(ctx context.Context) error {
			issues, err := client.ListIssues(ctx, 0, gitlab.IssueListOptions{
				ListOptions:  gitlab.ListOptions{PerPage: dashboardItems, OrderBy: "updated_at", Sort: "desc"},
				Scope:        "assigned_to_me",
				UpdatedAfter: &updatedAfter,
			})
			if err != nil {
				return err
			}
			items := &WorkItems{Items: []WorkItem{}}
			for _, i := range issues {
				if i.UpdatedAt != nil && i.UpdatedAt.Before(since) {
					continue
				}
				items.add(WorkItem{
					ID: i.ID, IID: i.IID, ProjectID: i.ProjectID,
					Title: i.Title, State: i.State, WebURL: i.WebURL,
					CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt,
				})
			}
			d.Issues = items
			return nil
		}},
		{SectionMergeRequests, func(ctx context.Context) error {
			mrs, err := client.ListMergeRequests(ctx, 0, gitlab.MergeRequestListOptions{
				ListOptions:  gitlab.ListOptions{PerPage: dashboardItems, OrderBy: "updated_at", Sort: "desc"},
				Scope:        "created_by_me",
				UpdatedAfter: &updatedAfter,
			})
			if err != nil {
				return err
			}
			items := &WorkItems{Items: []WorkItem{}}
			for _, mr := range mrs {
				if mr.UpdatedAt != nil && mr.UpdatedAt.Before(since) {
					continue
				}
				items.add(WorkItem{
					ID: mr.ID, IID: mr.IID, ProjectID: mr.ProjectID,
					Title: mr.Title, State: mr.State, WebURL: mr.WebURL,
					SourceBranch: mr.SourceBranch, TargetBranch: mr.TargetBranch,
					CreatedAt: mr.CreatedAt, UpdatedAt: mr.UpdatedAt,
				})
			}
			d.MergeRequests = items
			return nil
		}},
		{SectionRecentActivity, func(ctx context.Context) error {
			events, err := client.ListEvents(ctx, gitlab.EventListOptions{
				ListOptions: gitlab.ListOptions{PerPage: dashboardEvents},
				After:       since.AddDate(0, 0, -1).Format("2006-01-02"),
			})
			if err != nil {
				return err
			}
			if events == nil {
				events = []*gitlab.Event{}
			}
			d.RecentActivity = events
			return nil
		}},
	}

	// Every section writes its own field, so no locking is needed; failures
	// go into their own slot and never cancel the siblings.
	failures := make([]error, len(sections))
	var g errgroup.Group
	for i, sec := range sections {
		g.Go(func() error {
			failures[i] = sec.fetch(ctx)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, settle(ctx, err)
	}

	for i, err := range failures {
		if err == nil {
			continue
		}
		se := SectionError{Section: sections[i].name, Error: err.Error()}
		if ge, ok := glerror.As(err); ok {
			se.Kind = ge.Kind
			se.Code = ge.Code
		}
		s.logger.WithError(err).WithField("section", se.Section).Warn("dashboard section failed")
		d.Errors = append(d.Errors, se)
	}
	return d, nil
}

func repository(p *gl.Project) Repository {
	return Repository{
		ID:             p.ID,
		Name:           p.Name,
		Path:           p.PathWithNamespace,
		Description:    p.Description,
		WebURL:         p.WebURL,
		DefaultBranch:  p.DefaultBranch,
		Visibility:     string(p.Visibility),
		Stars:          p.StarCount,
		Forks:          p.ForksCount,
		LastActivityAt: p.LastActivityAt,
	}
}
