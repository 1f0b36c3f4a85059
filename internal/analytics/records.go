package analytics

import (
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/drewdunne/labpulse/internal/glerror"
)

// ProjectRef identifies the project a record came from.
type ProjectRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// LineStats counts changed lines.
type LineStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// CommitRecord is a commit tagged with its project.
type CommitRecord struct {
	ID          string     `json:"id"`
	ShortID     string     `json:"short_id"`
	Title       string     `json:"title"`
	AuthorName  string     `json:"author_name"`
	AuthorEmail string     `json:"author_email"`
	CreatedAt   time.Time  `json:"created_at"`
	WebURL      string     `json:"web_url,omitempty"`
	Project     ProjectRef `json:"project"`
	Stats       *LineStats `json:"stats,omitempty"`
}

// ItemError reports one part of an aggregate that could not be fetched.
type ItemError struct {
	ProjectID int          `json:"project_id,omitempty"`
	Project   string       `json:"project,omitempty"`
	Section   string       `json:"section"`
	Error     string       `json:"error"`
	Kind      glerror.Kind `json:"kind,omitempty"`
}

func newItemError(p ProjectRef, section string, err error) ItemError {
	ie := ItemError{ProjectID: p.ID, Project: p.Path, Section: section, Error: err.Error()}
	if ge, ok := glerror.As(err); ok {
		ie.Kind = ge.Kind
	}
	return ie
}

func projectRef(p *gl.Project) ProjectRef {
	path := p.PathWithNamespace
	if path == "" {
		path = p.Path
	}
	return ProjectRef{ID: p.ID, Name: p.Name, Path: path}
}

func commitRecord(c *gl.Commit, p ProjectRef) CommitRecord {
	rec := CommitRecord{
		ID:          c.ID,
		ShortID:     c.ShortID,
		Title:       c.Title,
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		WebURL:      c.WebURL,
		Project:     p,
	}
	switch {
	case c.CreatedAt != nil:
		rec.CreatedAt = *c.CreatedAt
	case c.CommittedDate != nil:
		rec.CreatedAt = *c.CommittedDate
	case c.AuthoredDate != nil:
		rec.CreatedAt = *c.AuthoredDate
	}
	if c.Stats != nil {
		rec.Stats = &LineStats{Additions: c.Stats.Additions, Deletions: c.Stats.Deletions}
	}
	return rec
}

// inWindow reports whether t lies within [since, until]. Records without a
// timestamp are kept.
func inWindow(t, since, until time.Time) bool {
	if t.IsZero() {
		return true
	}
	return !t.Before(since) && !t.After(until)
}

func createdInWindow(t *time.Time, since, until time.Time) bool {
	if t == nil {
		return true
	}
	return inWindow(*t, since, until)
}
