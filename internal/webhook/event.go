package webhook

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	gl "github.com/xanzy/go-gitlab"
)

// Event types produced from the X-Gitlab-Event header.
const (
	TypePush         = "push"
	TypeTagPush      = "tag_push"
	TypeIssue        = "issue"
	TypeMergeRequest = "merge_request"
	TypePipeline     = "pipeline"
	TypeUnknown      = "unknown"
)

var hookTypes = map[string]string{
	string(gl.EventTypePush):         TypePush,
	string(gl.EventTypeTagPush):      TypeTagPush,
	string(gl.EventTypeIssue):        TypeIssue,
	string(gl.EventTypeMergeRequest): TypeMergeRequest,
	string(gl.EventTypePipeline):     TypePipeline,
}

// ProjectInfo identifies the project an event belongs to.
type ProjectInfo struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	WebURL string `json:"web_url,omitempty"`
}

// UserInfo identifies who triggered an event.
type UserInfo struct {
	ID       int    `json:"id,omitempty"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// EventInfo is the normalized description of a delivery.
type EventInfo struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Project   *ProjectInfo `json:"project,omitempty"`
	User      *UserInfo    `json:"user,omitempty"`
	// Object is one of *PushObject, *TagPushObject, *IssueObject,
	// *MergeRequestObject or *PipelineObject, and nil for other types.
	Object any `json:"object"`
}

// PushCommit is a commit carried by a push event.
type PushCommit struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
}

// PushObject summarizes a push.
type PushObject struct {
	Ref         string       `json:"ref"`
	Branch      string       `json:"branch"`
	Before      string       `json:"before"`
	After       string       `json:"after"`
	CommitCount int          `json:"commit_count"`
	Commits     []PushCommit `json:"commits"`
}

// TagPushObject summarizes a tag push.
type TagPushObject struct {
	Ref    string `json:"ref"`
	Tag    string `json:"tag"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// IssueObject summarizes an issue event.
type IssueObject struct {
	ID     int    `json:"id"`
	IID    int    `json:"iid"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Action string `json:"action"`
	URL    string `json:"url"`
}

// MergeRequestObject summarizes a merge request event.
type MergeRequestObject struct {
	ID           int    `json:"id"`
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	State        string `json:"state"`
	Action       string `json:"action"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	URL          string `json:"url"`
}

// PipelineObject summarizes a pipeline event.
type PipelineObject struct {
	ID       int    `json:"id"`
	Ref      string `json:"ref"`
	SHA      string `json:"sha"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
}

// EventType maps an X-Gitlab-Event header value to an event type. Unlisted
// hooks are lowercased with spaces turned into underscores, minus " Hook".
func EventType(header string) string {
	if t, ok := hookTypes[header]; ok {
		return t
	}
	name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(header), "Hook"))
	if name == "" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// extractInfo builds the EventInfo of a payload already known to be a JSON object.
func extractInfo(payload []byte, header http.Header, now time.Time) EventInfo {
	doc := gjson.ParseBytes(payload)

	typ := EventType(header.Get("X-Gitlab-Event"))
	if typ == "" {
		typ = doc.Get("object_kind").String()
	}
	if typ == "" {
		typ = TypeUnknown
	}

	info := EventInfo{Type: typ, Timestamp: now}

	if p := doc.Get("project"); p.Exists() {
		info.Project = &ProjectInfo{
			ID:     int(p.Get("id").Int()),
			Name:   p.Get("name").String(),
			Path:   p.Get("path_with_namespace").String(),
			WebURL: p.Get("web_url").String(),
		}
		if info.Project.ID == 0 {
			info.Project.ID = int(doc.Get("project_id").Int())
		}
	}

	if u := doc.Get("user"); u.IsObject() {
		info.User = &UserInfo{
			ID:       int(u.Get("id").Int()),
			Username: u.Get("username").String(),
			Name:     u.Get("name").String(),
		}
	} else if doc.Get("user_username").Exists() {
		info.User = &UserInfo{
			ID:       int(doc.Get("user_id").Int()),
			Username: doc.Get("user_username").String(),
			Name:     doc.Get("user_name").String(),
		}
	}

	info.Object = extractObject(typ, doc)
	return info
}

func extractObject(typ string, doc gjson.Result) any {
	attrs := doc.Get("object_attributes")
	switch typ {
	case TypePush:
		ref := doc.Get("ref").String()
		obj := &PushObject{
			Ref:         ref,
			Branch:      strings.TrimPrefix(ref, "refs/heads/"),
			Before:      doc.Get("before").String(),
			After:       doc.Get("after").String(),
			CommitCount: int(doc.Get("total_commits_count").Int()),
			Commits:     []PushCommit{},
		}
		doc.Get("commits").ForEach(func(_, c gjson.Result) bool {
			obj.Commits = append(obj.Commits, PushCommit{
				ID:        c.Get("id").String(),
				Title:     firstLine(c.Get("title").String(), c.Get("message").String()),
				Author:    c.Get("author.name").String(),
				Timestamp: c.Get("timestamp").String(),
			})
			return true
		})
		if obj.CommitCount == 0 {
			obj.CommitCount = len(obj.Commits)
		}
		return obj
	case TypeTagPush:
		ref := doc.Get("ref").String()
		return &TagPushObject{
			Ref:    ref,
			Tag:    strings.TrimPrefix(ref, "refs/tags/"),
			Before: doc.Get("before").String(),
			After:  doc.Get("after").String(),
		}
	case TypeIssue:
		return &IssueObject{
			ID:     int(attrs.Get("id").Int()),
			IID:    int(attrs.Get("iid").Int()),
			Title:  attrs.Get("title").String(),
			State:  attrs.Get("state").String(),
			Action: attrs.Get("action").String(),
			URL:    attrs.Get("url").String(),
		}
	case TypeMergeRequest:
		return &MergeRequestObject{
			ID:           int(attrs.Get("id").Int()),
			IID:          int(attrs.Get("iid").Int()),
			Title:        attrs.Get("title").String(),
			State:        attrs.Get("state").String(),
			Action:       attrs.Get("action").String(),
			SourceBranch: attrs.Get("source_branch").String(),
			TargetBranch: attrs.Get("target_branch").String(),
			URL:          attrs.Get("url").String(),
		}
	case TypePipeline:
		return &PipelineObject{
			ID:       int(attrs.Get("id").Int()),
			Ref:      attrs.Get("ref").String(),
			SHA:      attrs.Get("sha").String(),
			Status:   attrs.Get("status").String(),
			Duration: int(attrs.Get("duration").Int()),
		}
	}
	return nil
}

func firstLine(title, message string) string {
	if title != "" {
		return title
	}
	line, _, _ := strings.Cut(message, "\n")
	return line
}
