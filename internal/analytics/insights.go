package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/labpulse/internal/gitlab"
)

const topAuthors = 10

// InsightOptions selects the window for ProjectInsights and CompareProjects.
type InsightOptions struct {
	Days int `json:"days"`
}

// AuthorCount is one commit author's share.
type AuthorCount struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Commits int    `json:"commits"`
}

// CommitInsights summarizes a project's commits.
type CommitInsights struct {
	Total      int            `json:"total"`
	Authors    int            `json:"authors"`
	TopAuthors []AuthorCount  `json:"top_authors"`
	ByDay      map[string]int `json:"by_day"`
	Additions  int            `json:"additions"`
	Deletions  int            `json:"deletions"`
}

// IssueInsights summarizes a project's issues.
type IssueInsights struct {
	Total      int     `json:"total"`
	Open       int     `json:"open"`
	Closed     int     `json:"closed"`
	OpenRate   float64 `json:"open_rate"`
	ClosedRate float64 `json:"closed_rate"`
}

// MergeRequestInsights summarizes a project's merge requests.
type MergeRequestInsights struct {
	Total     int     `json:"total"`
	Open      int     `json:"open"`
	Merged    int     `json:"merged"`
	Closed    int     `json:"closed"`
	MergeRate float64 `json:"merge_rate"`
}

// MemberInsights summarizes a project's membership.
type MemberInsights struct {
	Total int `json:"total"`
}

// ProjectInsights is the per-category analysis of one project. A category that
// could not be fetched is nil and reported in Errors.
type ProjectInsights struct {
	Project       ProjectRef            `json:"project"`
	Days          int                   `json:"days"`
	Since         time.Time             `json:"since"`
	Commits       *CommitInsights       `json:"commits,omitempty"`
	Issues        *IssueInsights        `json:"issues,omitempty"`
	MergeRequests *MergeRequestInsights `json:"merge_requests,omitempty"`
	Members       *MemberInsights       `json:"members,omitempty"`
	Errors        []ItemError           `json:"errors"`
}

// ProjectInsights fetches commits, issues, merge requests and members of a
// project concurrently. Only a failure to find the project itself is an error.
func (e *Engine) ProjectInsights(ctx context.Context, projectID int, opts InsightOptions) (*ProjectInsights, error) {
	days := opts.Days
	if days <= 0 {
		days = e.defaultDays
	}
	now := e.now()
	since := now.AddDate(0, 0, -days)
	querySince := gitlab.DayStart(since)

	p, err := e.src.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ref := projectRef(p)
	out := &ProjectInsights{Project: ref, Days: days, Since: since, Errors: []ItemError{}}

	var mu sync.Mutex
	record := func(section string, err error) {
		mu.Lock()
		out.Errors = append(out.Errors, newItemError(ref, section, err))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		commits, err := e.src.ListAllCommits(ctx, projectID, gitlab.CommitListOptions{Since: &querySince, WithStats: true})
		if err != nil {
			record("commits", err)
			return nil
		}
		recs := make([]CommitRecord, 0, len(commits))
		for _, c := range commits {
			if rec := commitRecord(c, ref); inWindow(rec.CreatedAt, since, now) {
				recs = append(recs, rec)
			}
		}
		ci := commitInsights(recs)
		mu.Lock()
		out.Commits = &ci
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		issues, err := e.src.ListIssues(ctx, projectID, gitlab.IssueListOptions{CreatedAfter: &querySince})
		if err != nil {
			record("issues", err)
			return nil
		}
		var ii IssueInsights
		for _, is := range issues {
			if !createdInWindow(is.CreatedAt, since, now) {
				continue
			}
			ii.Total++
			if is.State == "closed" {
				ii.Closed++
			} else {
				ii.Open++
			}
		}
		ii.OpenRate = rate(ii.Open, ii.Total)
		ii.ClosedRate = rate(ii.Closed, ii.Total)
		mu.Lock()
		out.Issues = &ii
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		mrs, err := e.src.ListMergeRequests(ctx, projectID, gitlab.MergeRequestListOptions{CreatedAfter: &querySince})
		if err != nil {
			record("merge_requests", err)
			return nil
		}
		var mi MergeRequestInsights
		for _, mr := range mrs {
			if !createdInWindow(mr.CreatedAt, since, now) {
				continue
			}
			mi.Total++
			switch mr.State {
			case "merged":
				mi.Merged++
			case "closed":
				mi.Closed++
			default:
				mi.Open++
			}
		}
		mi.MergeRate = rate(mi.Merged, mi.Total)
		mu.Lock()
		out.MergeRequests = &mi
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		members, err := e.src.ListProjectMembers(ctx, projectID, gitlab.ListOptions{})
		if err != nil {
			record("members", err)
			return nil
		}
		mu.Lock()
		out.Members = &MemberInsights{Total: len(members)}
		mu.Unlock()
		return nil
	})
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].Section < out.Errors[j].Section })
	return out, nil
}

func commitInsights(commits []CommitRecord) CommitInsights {
	ci := CommitInsights{Total: len(commits), ByDay: map[string]int{}, TopAuthors: []AuthorCount{}}
	authors := map[string]*AuthorCount{}
	for _, c := range commits {
		ci.ByDay[c.CreatedAt.UTC().Format(dayLayout)]++
		if c.Stats != nil {
			ci.Additions += c.Stats.Additions
			ci.Deletions += c.Stats.Deletions
		}
		key := c.AuthorEmail
		if key == "" {
			key = c.AuthorName
		}
		a, ok := authors[key]
		if !ok {
			a = &AuthorCount{Name: c.AuthorName, Email: c.AuthorEmail}
			authors[key] = a
		}
		a.Commits++
	}
	ci.Authors = len(authors)
	for _, a := range authors {
		ci.TopAuthors = append(ci.TopAuthors, *a)
	}
	sort.Slice(ci.TopAuthors, func(i, j int) bool {
		if ci.TopAuthors[i].Commits != ci.TopAuthors[j].Commits {
			return ci.TopAuthors[i].Commits > ci.TopAuthors[j].Commits
		}
		return ci.TopAuthors[i].Name < ci.TopAuthors[j].Name
	})
	if len(ci.TopAuthors) > topAuthors {
		ci.TopAuthors = ci.TopAuthors[:topAuthors]
	}
	return ci
}

// rate returns part/total as a percentage rounded to two decimals.
func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(float64(part) * 100 / float64(total))
}

// Comparison reduces several projects' insights.
type Comparison struct {
	Projects           []*ProjectInsights `json:"projects"`
	MostActive         *ProjectRef        `json:"most_active,omitempty"`
	MostActiveCommits  int                `json:"most_active_commits"`
	TotalCommits       int                `json:"total_commits"`
	TotalIssues        int                `json:"total_issues"`
	TotalMergeRequests int                `json:"total_merge_requests"`
	Errors             []ItemError        `json:"errors"`
}

// CompareProjects runs ProjectInsights for each project, continuing past
// failures, and reduces the results. Projects keep the order of ids.
func (e *Engine) CompareProjects(ctx context.Context, ids []int, opts InsightOptions) (*Comparison, error) {
	insights := make([]*ProjectInsights, len(ids))
	failures := make([]error, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			insights[i], failures[i] = e.ProjectInsights(ctx, id, opts)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Comparison{Projects: []*ProjectInsights{}, Errors: []ItemError{}}
	for i, id := range ids {
		if failures[i] != nil {
			c.Errors = append(c.Errors, newItemError(ProjectRef{ID: id}, "project", failures[i]))
			continue
		}
		pi := insights[i]
		c.Projects = append(c.Projects, pi)
		c.Errors = append(c.Errors, pi.Errors...)
		if pi.Commits != nil {
			c.TotalCommits += pi.Commits.Total
			if c.MostActive == nil || pi.Commits.Total > c.MostActiveCommits {
				ref := pi.Project
				c.MostActive = &ref
				c.MostActiveCommits = pi.Commits.Total
			}
		}
		if pi.Issues != nil {
			c.TotalIssues += pi.Issues.Total
		}
		if pi.MergeRequests != nil {
			c.TotalMergeRequests += pi.MergeRequests.Total
		}
	}
	return c, nil
}
