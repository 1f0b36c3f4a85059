package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/drewdunne/labpulse/internal/gitlab"
	"github.com/drewdunne/labpulse/internal/glerror"
)

type fakeSource struct {
	mu          sync.Mutex
	user        *gl.User
	projects    []*gl.Project
	commits     map[int][]*gl.Commit
	commitErr   map[int]error
	languages   map[int]map[string]float64
	issues      map[int][]*gl.Issue
	mrs         map[int][]*gl.MergeRequest
	members     map[int][]*gl.ProjectMember
	failMembers bool

	commitOpts   []gitlab.CommitListOptions
	inFlight     int32
	maxInFlight  int32
	languageHits int32
}

func (f *fakeSource) CurrentUser(ctx context.Context) (*gl.User, error) {
	if f.user == nil {
		return nil, glerror.New(glerror.KindAuth, glerror.CodeInvalidToken, "unauthorized")
	}
	return f.user, nil
}

func (f *fakeSource) ListAllProjects(ctx context.Context, opts gitlab.ProjectListOptions) ([]*gl.Project, error) {
	if !opts.Membership {
		return nil, errors.New("expected a membership listing")
	}
	return f.projects, nil
}

func (f *fakeSource) GetProject(ctx context.Context, id int) (*gl.Project, error) {
	for _, p := range f.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, glerror.New(glerror.KindAPI, glerror.CodeNotFound, "404 Project Not Found")
}

func (f *fakeSource) ListAllCommits(ctx context.Context, id int, opts gitlab.CommitListOptions) ([]*gl.Commit, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.commitOpts = append(f.commitOpts, opts)
	f.mu.Unlock()
	if err := f.commitErr[id]; err != nil {
		return nil, err
	}
	return f.commits[id], nil
}

func (f *fakeSource) ProjectLanguages(ctx context.Context, id int) (map[string]float64, error) {
	atomic.AddInt32(&f.languageHits, 1)
	if l, ok := f.languages[id]; ok {
		return l, nil
	}
	return nil, glerror.New(glerror.KindPermission, glerror.CodeForbidden, "forbidden")
}

func (f *fakeSource) ListIssues(ctx context.Context, id int, opts gitlab.IssueListOptions) ([]*gl.Issue, error) {
	return f.issues[id], nil
}

func (f *fakeSource) ListMergeRequests(ctx context.Context, id int, opts gitlab.MergeRequestListOptions) ([]*gl.MergeRequest, error) {
	return f.mrs[id], nil
}

func (f *fakeSource) ListProjectMembers(ctx context.Context, id int, opts gitlab.ListOptions) ([]*gl.ProjectMember, error) {
	if f.failMembers {
		return nil, glerror.New(glerror.KindPermission, glerror.CodeForbidden, "forbidden")
	}
	return f.members[id], nil
}

func glCommit(id, ts string) *gl.Commit {
	t := mustTime(ts)
	return &gl.Commit{ID: id, Title: "commit " + id, AuthorName: "Dev", AuthorEmail: "dev@example.com", CreatedAt: &t}
}

func newFixture() *fakeSource {
	return &fakeSource{
		user: &gl.User{ID: 1, Username: "dev", Name: "Dev", Email: "dev@example.com"},
		projects: []*gl.Project{
			{ID: 10, Name: "api", PathWithNamespace: "team/api"},
			{ID: 20, Name: "web", PathWithNamespace: "team/web"},
			{ID: 30, Name: "ops", PathWithNamespace: "team/ops"},
		},
		commits: map[int][]*gl.Commit{
			10: {glCommit("a1", "2024-01-10T09:00:00Z"), glCommit("a2", "2024-01-12T07:00:00Z")},
			20: {glCommit("w1", "2024-01-11T16:00:00Z")},
		},
		commitErr: map[int]error{
			30: glerror.New(glerror.KindPermission, glerror.CodeForbidden, "forbidden"),
		},
		languages: map[int]map[string]float64{
			10: {"Go": 100},
			20: {"TypeScript": 70, "CSS": 30},
		},
	}
}

func TestEngine_UserCommitActivity(t *testing.T) {
	src := newFixture()
	now := day("2024-01-12")
	e := New(src, WithClock(func() time.Time { return now }), WithConcurrency(2))

	a, err := e.UserCommitActivity(context.Background(), ActivityOptions{
		Days:             30,
		IncludeStats:     true,
		IncludeHeatmap:   true,
		IncludeLanguages: true,
	})
	if err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}

	if a.ProjectCount != 3 || a.TotalCommits != 3 {
		t.Errorf("ProjectCount/TotalCommits = %d/%d, want 3/3", a.ProjectCount, a.TotalCommits)
	}
	wantOrder := []string{"a2", "w1", "a1"}
	for i, id := range wantOrder {
		if a.Commits[i].ID != id {
			t.Errorf("Commits[%d] = %s, want %s", i, a.Commits[i].ID, id)
		}
	}
	if a.Commits[1].Project.Path != "team/web" {
		t.Errorf("Commits[1].Project = %+v, want team/web", a.Commits[1].Project)
	}

	if a.Statistics == nil || a.Statistics.CurrentStreak != 3 || a.Statistics.LongestStreak != 3 {
		t.Errorf("Statistics = %+v, want streaks 3/3", a.Statistics)
	}
	if a.Heatmap == nil || len(a.Heatmap.Cells) != 30 {
		t.Errorf("Heatmap cells = %v, want 30", a.Heatmap)
	}
	if a.Languages == nil || a.Languages.ProjectsAnalyzed != 2 {
		t.Errorf("Languages = %+v, want 2 projects analyzed", a.Languages)
	}

	// commits and languages of project 30 both fail
	if len(a.Errors) != 2 {
		t.Fatalf("Errors = %+v, want 2", a.Errors)
	}
	for _, ie := range a.Errors {
		if ie.ProjectID != 30 || ie.Kind != glerror.KindPermission {
			t.Errorf("error = %+v, want project 30 permission", ie)
		}
	}

	if len(src.commitOpts) != 3 {
		t.Fatalf("commit fetches = %d, want 3", len(src.commitOpts))
	}
	for _, o := range src.commitOpts {
		if o.Author != "dev@example.com" || !o.WithStats {
			t.Errorf("commit options = %+v", o)
		}
		if want := gitlab.DayStart(now.AddDate(0, 0, -30)); o.Since == nil || !o.Since.Equal(want) {
			t.Errorf("Since = %v, want %v", o.Since, want)
		}
		if o.Until != nil {
			t.Errorf("Until = %v, want unset", o.Until)
		}
	}
	if peak := atomic.LoadInt32(&src.maxInFlight); peak > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", peak)
	}
}

func TestEngine_UserCommitActivityExplicitProjects(t *testing.T) {
	src := newFixture()
	e := New(src, WithClock(func() time.Time { return day("2024-01-12") }))

	a, err := e.UserCommitActivity(context.Background(), ActivityOptions{ProjectIDs: []int{20, 99}})
	if err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}
	if a.ProjectCount != 1 || a.TotalCommits != 1 {
		t.Errorf("ProjectCount/TotalCommits = %d/%d, want 1/1", a.ProjectCount, a.TotalCommits)
	}
	if len(a.Errors) != 1 || a.Errors[0].ProjectID != 99 || a.Errors[0].Section != "project" {
		t.Errorf("Errors = %+v, want missing project 99", a.Errors)
	}
	if a.Statistics != nil || a.Heatmap != nil || a.Languages != nil {
		t.Error("optional sections computed without being requested")
	}
	if a.Days != DefaultDays {
		t.Errorf("Days = %d, want %d", a.Days, DefaultDays)
	}
}

func TestEngine_UserCommitActivityHeatmapDefaultWindow(t *testing.T) {
	e := New(newFixture(), WithClock(func() time.Time { return day("2024-01-12") }), WithDefaultDays(14, 60))

	a, err := e.UserCommitActivity(context.Background(), ActivityOptions{IncludeHeatmap: true})
	if err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}
	if a.Days != 60 || len(a.Heatmap.Cells) != 60 {
		t.Errorf("Days = %d, cells = %d, want 60", a.Days, len(a.Heatmap.Cells))
	}
}

func TestEngine_UserCommitActivityDayAlignedQuery(t *testing.T) {
	src := newFixture()
	src.commits[20] = append(src.commits[20],
		glCommit("early", "2024-01-05T06:00:00Z"),
		glCommit("future", "2024-01-12T19:00:00Z"),
	)
	now := day("2024-01-12")
	e := New(src, WithClock(func() time.Time { return now }))

	first, err := e.UserCommitActivity(context.Background(), ActivityOptions{Days: 7})
	if err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}
	now = now.Add(42 * time.Second)
	if _, err := e.UserCommitActivity(context.Background(), ActivityOptions{Days: 7}); err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}

	// The server is asked from midnight; the engine trims to the exact window.
	if first.TotalCommits != 3 {
		t.Errorf("TotalCommits = %d, want 3 inside the window", first.TotalCommits)
	}
	for _, c := range first.Commits {
		if c.ID == "early" || c.ID == "future" {
			t.Errorf("commit %s outside [%v, %v] was kept", c.ID, first.Since, first.Until)
		}
	}

	want := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	for i, o := range src.commitOpts {
		if o.Since == nil || !o.Since.Equal(want) || o.Until != nil {
			t.Errorf("commit options #%d = since %v until %v, want since %v only", i, o.Since, o.Until, want)
		}
	}
}

func TestEngine_ProjectInsightsWindow(t *testing.T) {
	src := newFixture()
	before := mustTime("2024-01-05T10:00:00Z")
	inside := mustTime("2024-01-09T10:00:00Z")
	src.issues = map[int][]*gl.Issue{10: {
		{State: "closed", CreatedAt: &before},
		{State: "opened", CreatedAt: &inside},
	}}
	src.mrs = map[int][]*gl.MergeRequest{10: {
		{State: "merged", CreatedAt: &before},
		{State: "merged", CreatedAt: &inside},
	}}
	e := New(src, WithClock(func() time.Time { return day("2024-01-12") }))

	pi, err := e.ProjectInsights(context.Background(), 10, InsightOptions{Days: 7})
	if err != nil {
		t.Fatalf("ProjectInsights() error = %v", err)
	}
	if pi.Issues == nil || pi.Issues.Total != 1 || pi.Issues.Open != 1 {
		t.Errorf("Issues = %+v, want only the issue created inside the window", pi.Issues)
	}
	if pi.MergeRequests == nil || pi.MergeRequests.Total != 1 {
		t.Errorf("MergeRequests = %+v, want 1", pi.MergeRequests)
	}
}

func TestEngine_UserCommitActivityUserFailure(t *testing.T) {
	src := newFixture()
	src.user = nil
	e := New(src)

	_, err := e.UserCommitActivity(context.Background(), ActivityOptions{})
	if !glerror.IsKind(err, glerror.KindAuth) {
		t.Errorf("error = %v, want auth error", err)
	}
}

func TestEngine_LanguagesCapped(t *testing.T) {
	src := newFixture()
	e := New(src, WithMaxLanguageProjects(1))

	a, err := e.UserCommitActivity(context.Background(), ActivityOptions{IncludeLanguages: true})
	if err != nil {
		t.Fatalf("UserCommitActivity() error = %v", err)
	}
	if got := atomic.LoadInt32(&src.languageHits); got != 1 {
		t.Errorf("language fetches = %d, want 1", got)
	}
	if a.Languages.Diversity != 0 {
		t.Errorf("Diversity = %v, want 0 for a single language", a.Languages.Diversity)
	}
}

func TestEngine_ProjectInsights(t *testing.T) {
	src := newFixture()
	src.issues = map[int][]*gl.Issue{10: {{State: "opened"}, {State: "closed"}, {State: "closed"}, {State: "closed"}}}
	src.mrs = map[int][]*gl.MergeRequest{10: {{State: "merged"}, {State: "opened"}}}
	src.failMembers = true
	src.commits[10] = append(src.commits[10], &gl.Commit{
		ID: "x", AuthorName: "Other", AuthorEmail: "other@example.com",
		CreatedAt: timePtr(mustTime("2024-01-11T10:00:00Z")),
		Stats:     &gl.CommitStats{Additions: 7, Deletions: 2},
	})
	e := New(src, WithClock(func() time.Time { return day("2024-01-12") }))

	pi, err := e.ProjectInsights(context.Background(), 10, InsightOptions{Days: 7})
	if err != nil {
		t.Fatalf("ProjectInsights() error = %v", err)
	}
	if pi.Project.Path != "team/api" {
		t.Errorf("Project = %+v", pi.Project)
	}
	if pi.Commits == nil || pi.Commits.Total != 3 || pi.Commits.Authors != 2 {
		t.Errorf("Commits = %+v, want 3 commits by 2 authors", pi.Commits)
	}
	if pi.Commits.TopAuthors[0].Email != "dev@example.com" || pi.Commits.Additions != 7 {
		t.Errorf("Commits = %+v", pi.Commits)
	}
	if pi.Issues == nil || pi.Issues.ClosedRate != 75 || pi.Issues.OpenRate != 25 {
		t.Errorf("Issues = %+v, want 75%% closed", pi.Issues)
	}
	if pi.MergeRequests == nil || pi.MergeRequests.MergeRate != 50 {
		t.Errorf("MergeRequests = %+v, want 50%% merged", pi.MergeRequests)
	}
	if pi.Members != nil {
		t.Errorf("Members = %+v, want nil after failure", pi.Members)
	}
	if len(pi.Errors) != 1 || pi.Errors[0].Section != "members" {
		t.Errorf("Errors = %+v, want members failure", pi.Errors)
	}
}

func TestEngine_CompareProjects(t *testing.T) {
	src := newFixture()
	e := New(src, WithClock(func() time.Time { return day("2024-01-12") }))

	c, err := e.CompareProjects(context.Background(), []int{20, 10, 404}, InsightOptions{Days: 30})
	if err != nil {
		t.Fatalf("CompareProjects() error = %v", err)
	}
	if len(c.Projects) != 2 {
		t.Fatalf("len(Projects) = %d, want 2", len(c.Projects))
	}
	if c.Projects[0].Project.ID != 20 || c.Projects[1].Project.ID != 10 {
		t.Errorf("project order = %d,%d, want 20,10", c.Projects[0].Project.ID, c.Projects[1].Project.ID)
	}
	if c.MostActive == nil || c.MostActive.ID != 10 || c.MostActiveCommits != 2 {
		t.Errorf("MostActive = %+v (%d), want project 10 with 2", c.MostActive, c.MostActiveCommits)
	}
	if c.TotalCommits != 3 {
		t.Errorf("TotalCommits = %d, want 3", c.TotalCommits)
	}
	if len(c.Errors) != 1 || c.Errors[0].ProjectID != 404 {
		t.Errorf("Errors = %+v, want project 404", c.Errors)
	}
}

func TestEngine_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newFixture()).UserCommitActivity(ctx, ActivityOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
