package gitlab

import (
	"context"
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/drewdunne/labpulse/internal/glerror"
)

// ConnectionReport is the outcome of TestConnection.
type ConnectionReport struct {
	Success       bool          `json:"success"`
	User          *gl.User      `json:"user,omitempty"`
	InstanceURL   string        `json:"instance_url"`
	APIVersion    string        `json:"api_version"`
	GitLabVersion string        `json:"gitlab_version,omitempty"`
	Latency       time.Duration `json:"latency"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     glerror.Kind  `json:"error_kind,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
}

// TestConnection fetches the current user, bypassing the cache, and reports
// which instance answered. It never returns an error; failures are described
// in the report.
func (c *Client) TestConnection(ctx context.Context) ConnectionReport {
	report := ConnectionReport{
		InstanceURL: c.baseURL,
		APIVersion:  APIVersion,
	}

	start := time.Now()
	var user gl.User
	_, err := c.get(ctx, "/user", nil, "", &user)
	report.Latency = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		if ge, ok := glerror.As(err); ok {
			report.ErrorKind = ge.Kind
			report.ErrorCode = ge.Code
		}
		return report
	}
	report.Success = true
	report.User = &user

	// /version needs read_user or api scope; a failure here is not fatal.
	if v, err := c.version(ctx); err == nil {
		report.GitLabVersion = v.Version
	} else {
		c.logger.WithError(err).Debug("gitlab version unavailable")
	}
	return report
}

func (c *Client) version(ctx context.Context) (*gl.Version, error) {
	var v gl.Version
	if _, err := c.get(ctx, "/version", nil, "", &v); err != nil {
		return nil, err
	}
	return &v, nil
}
