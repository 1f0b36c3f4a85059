// Package analytics turns GitLab commits, issues and merge requests into
// activity statistics. Per-project failures are collected, never fatal.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/logging"
)

// Source is the part of the GitLab client the engine reads from.
type Source interface {
	CurrentUser(ctx context.Context) (*gl.User, error)
	ListAllProjects(ctx context.Context, opts gitlab.ProjectListOptions) ([]*gl.Project, error)
	GetProject(ctx context.Context, projectID int) (*gl.Project, error)
	ListAllCommits(ctx context.Context, projectID int, opts gitlab.CommitListOptions) ([]*gl.Commit, error)
	ProjectLanguages(ctx context.Context, projectID int) (map[string]float64, error)
	ListIssues(ctx context.Context, projectID int, opts gitlab.IssueListOptions) ([]*gl.Issue, error)
	ListMergeRequests(ctx context.Context, projectID int, opts gitlab.MergeRequestListOptions) ([]*gl.MergeRequest, error)
	ListProjectMembers(ctx context.Context, projectID int, opts gitlab.ListOptions) ([]*gl.ProjectMember, error)
}

const (
	DefaultDays                = 30
	DefaultHeatmapDays         = 90
	DefaultConcurrency         = 5
	DefaultMaxLanguageProjects = 50
)

// Engine computes analytics from a Source.
type Engine struct {
	src                 Source
	now                 func() time.Time
	defaultDays         int
	heatmapDays         int
	concurrency         int
	maxLanguageProjects int
	logger              logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultDays sets the window used when a request does not name one.
// heatmap applies when the heatmap is requested.
func WithDefaultDays(days, heatmap int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.defaultDays = days
		}
		if heatmap > 0 {
			e.heatmapDays = heatmap
		}
	}
}

// WithConcurrency bounds parallel per-project fetches.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMaxLanguageProjects caps how many projects the language breakdown reads.
func WithMaxLanguageProjects(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLanguageProjects = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine reading from src.
func New(src Source, opts ...Option) *Engine {
	e := &Engine{
		src:                 src,
		now:                 time.Now,
		defaultDays:         DefaultDays,
		heatmapDays:         DefaultHeatmapDays,
		concurrency:         DefaultConcurrency,
		maxLanguageProjects: DefaultMaxLanguageProjects,
		logger:              logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActivityOptions selects what UserCommitActivity computes.
type ActivityOptions struct {
	Days             int   `json:"days"`
	IncludeStats     bool  `json:"include_stats"`
	IncludeHeatmap   bool  `json:"include_heatmap"`
	IncludeLanguages bool  `json:"include_languages"`
	ProjectIDs       []int `json:"project_ids,omitempty"`
}

// UserRef identifies the user the activity belongs to.
type UserRef struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Activity is the authenticated user's commit activity.
type Activity struct {
	User         UserRef           `json:"user"`
	Days         int               `json:"days"`
	Since        time.Time         `json:"since"`
	Until        time.Time         `json:"until"`
	ProjectCount int               `json:"project_count"`
	TotalCommits int               `json:"total_commits"`
	Commits      []CommitRecord    `json:"commits"`
	Statistics   *CommitStatistics `json:"statistics,omitempty"`
	Heatmap      *Heatmap          `json:"heatmap,omitempty"`
	Languages    *LanguageStats    `json:"languages,omitempty"`
	Errors       []ItemError       `json:"errors"`
}

// UserCommitActivity collects the current user's commits over the trailing
// window across their projects, newest first.
func (e *Engine) UserCommitActivity(ctx context.Context, opts ActivityOptions) (*Activity, error) {
	days := opts.Days
	if days <= 0 {
		days = e.defaultDays
		if opts.IncludeHeatmap {
			days = e.heatmapDays
		}
	}
	now := e.now()
	since := now.AddDate(0, 0, -days)
	querySince := gitlab.DayStart(since)

	projects, errs, err := e.resolveProjects(ctx, opts.ProjectIDs)
	if err != nil {
		return nil, err
	}

	user, err := e.src.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving current user: %w", err)
	}
	author := user.Email
	if author == "" {
		author = user.Name
	}

	results := make([][]CommitRecord, len(projects))
	failures := make([]*ItemError, len(projects))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, p := range projects {
		g.Go(func() error {
			ref := projectRef(p)
			commits, err := e.src.ListAllCommits(ctx, p.ID, gitlab.CommitListOptions{
				Since:     &querySince,
				Author:    author,
				WithStats: opts.IncludeStats,
			})
			if err != nil {
				ie := newItemError(ref, "commits", err)
				failures[i] = &ie
				return nil
			}
			recs := make([]CommitRecord, 0, len(commits))
			for _, c := range commits {
				rec := commitRecord(c, ref)
				if !inWindow(rec.CreatedAt, since, now) {
					continue
				}
				recs = append(recs, rec)
			}
			results[i] = recs
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []CommitRecord
	for i := range projects {
		all = append(all, results[i]...)
		if failures[i] != nil {
			errs = append(errs, *failures[i])
		}
	}
	SortNewestFirst(all)

	a := &Activity{
		User:         UserRef{ID: user.ID, Username: user.Username, Name: user.Name},
		Days:         days,
		Since:        since,
		Until:        now,
		ProjectCount: len(projects),
		TotalCommits: len(all),
		Commits:      all,
	}
	if a.Commits == nil {
		a.Commits = []CommitRecord{}
	}
	if opts.IncludeStats {
		stats := ComputeStatistics(all, now, days)
		a.Statistics = &stats
	}
	if opts.IncludeHeatmap {
		h := BuildHeatmap(all, now, days)
		a.Heatmap = &h
	}
	if opts.IncludeLanguages {
		langs, langErrs := e.languages(ctx, projects)
		a.Languages = &langs
		errs = append(errs, langErrs...)
	}

	a.Errors = errs
	if a.Errors == nil {
		a.Errors = []ItemError{}
	}
	e.logger.WithFields(logrus.Fields{
		"user":     user.Username,
		"projects": len(projects),
		"commits":  len(all),
		"errors":   len(a.Errors),
	}).Debug("computed commit activity")
	return a, nil
}

// SortNewestFirst orders commits by creation time, newest first, then by id.
func SortNewestFirst(commits []CommitRecord) {
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].CreatedAt.Equal(commits[j].CreatedAt) {
			return commits[i].CreatedAt.After(commits[j].CreatedAt)
		}
		return commits[i].ID < commits[j].ID
	})
}

// resolveProjects returns the explicitly requested projects, or every project
// the user is a member of. A failed membership listing is fatal; a failed
// lookup of one requested project is not.
func (e *Engine) resolveProjects(ctx context.Context, ids []int) ([]*gl.Project, []ItemError, error) {
	if len(ids) == 0 {
		projects, err := e.src.ListAllProjects(ctx, gitlab.ProjectListOptions{
			ListOptions: gitlab.ListOptions{OrderBy: "last_activity_at", Sort: "desc"},
			Membership:  true,
			Simple:      true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("resolving membership projects: %w", err)
		}
		return projects, nil, nil
	}

	found := make([]*gl.Project, len(ids))
	failures := make([]*ItemError, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := e.src.GetProject(ctx, id)
			if err != nil {
				ie := newItemError(ProjectRef{ID: id}, "project", err)
				failures[i] = &ie
				return nil
			}
			found[i] = p
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var projects []*gl.Project
	var errs []ItemError
	for i := range ids {
		if found[i] != nil {
			projects = append(projects, found[i])
		}
		if failures[i] != nil {
			errs = append(errs, *failures[i])
		}
	}
	return projects, errs, nil
}

func (e *Engine) languages(ctx context.Context, projects []*gl.Project) (LanguageStats, []ItemError) {
	if len(projects) > e.maxLanguageProjects {
		projects = projects[:e.maxLanguageProjects]
	}

	var (
		mu    sync.Mutex
		langs []map[string]float64
		errs  []ItemError
	)
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, p := range projects {
		g.Go(func() error {
			l, err := e.src.ProjectLanguages(ctx, p.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, newItemError(projectRef(p), "languages", err))
				return nil
			}
			langs = append(langs, l)
			return nil
		})
	}
	g.Wait()

	sort.Slice(errs, func(i, j int) bool { return errs[i].ProjectID < errs[j].ProjectID })
	return AggregateLanguages(langs), errs
}
