package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/drewdunne/labpulse/internal/glerror"
)

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	ContentType string
	Attempts    int
}

// IsJSON reports whether the response declares a JSON body.
func (r *Response) IsJSON() bool {
	return strings.Contains(strings.ToLower(r.ContentType), "json")
}

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return glerror.Wrap(glerror.KindAPI, glerror.CodeBadResponse, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// JSON decodes the body generically. String fields that look like dates are
// converted to time.Time.
func (r *Response) JSON() (any, error) {
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeDates(v), nil
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?)?$`)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func normalizeDates(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeDates(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeDates(val)
		}
		return t
	case string:
		if !datePattern.MatchString(t) {
			return t
		}
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
		return t
	default:
		return v
	}
}
