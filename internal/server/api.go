package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drewdunne/labpulse/internal/analytics"
	"github.com/drewdunne/labpulse/internal/glerror"
	"github.com/drewdunne/labpulse/internal/integration"
)

const maxDays = 365

type errorResponse struct {
	Error string       `json:"error"`
	Kind  glerror.Kind `json:"kind,omitempty"`
	Code  string       `json:"code,omitempty"`
}

func (s *Server) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.service == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "gitlab integration is not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError maps err onto a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	if ge, ok := glerror.As(err); ok {
		resp.Kind = ge.Kind
		resp.Code = ge.Code
		switch ge.Kind {
		case glerror.KindAuth:
			status = http.StatusUnauthorized
		case glerror.KindPermission:
			status = http.StatusForbidden
		case glerror.KindRateLimit:
			status = http.StatusTooManyRequests
			if ge.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(ge.RetryAfter.Seconds()+0.5)))
			}
		case glerror.KindNetwork:
			status = http.StatusBadGateway
			if ge.Code == glerror.CodeTimeout {
				status = http.StatusGatewayTimeout
			}
		case glerror.KindAPI:
			status = http.StatusBadGateway
			if ge.Code == glerror.CodeNotFound {
				status = http.StatusNotFound
			}
		case glerror.KindConfig, glerror.KindWebhook:
			status = http.StatusBadRequest
		}
	} else {
		switch {
		case errors.Is(err, integration.ErrSuperseded):
			status = http.StatusConflict
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, context.Canceled):
			// The client went away; nobody reads this.
			status = http.StatusServiceUnavailable
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// queryDays reads ?days=, returning 0 when it is absent.
func queryDays(r *http.Request) (int, error) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 1 || days > maxDays {
		return 0, fmt.Errorf("days must be an integer between 1 and %d", maxDays)
	}
	return days, nil
}

func queryBool(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseIDs(v string) ([]int, error) {
	if v == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(v, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid project id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GET /api/dashboard?days=N
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	days, err := queryDays(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	d, err := s.service.DashboardData(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /api/activity?days=N&stats=true&heatmap=false&languages=false&projects=1,2
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	days, err := queryDays(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ids, err := parseIDs(r.URL.Query().Get("projects"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	activity, err := s.service.UserCommitActivity(r.Context(), analytics.ActivityOptions{
		Days:             days,
		IncludeStats:     queryBool(r, "stats", true),
		IncludeHeatmap:   queryBool(r, "heatmap", false),
		IncludeLanguages: queryBool(r, "languages", false),
		ProjectIDs:       ids,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

// GET /api/projects/{id}/insights?days=N
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		badRequest(w, "invalid project id")
		return
	}
	days, err := queryDays(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	insights, err := s.service.ProjectInsights(r.Context(), id, analytics.InsightOptions{Days: days})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// GET /api/projects/compare?ids=1,2&days=N
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(ids) < 2 {
		badRequest(w, "at least two project ids are required")
		return
	}
	days, err := queryDays(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	cmp, err := s.service.CompareProjects(r.Context(), ids, analytics.InsightOptions{Days: days})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// GET /api/cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.service.CacheStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "response cache is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DELETE /api/cache?pattern=P
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed := s.service.ClearCache(r.Context(), pattern)
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"removed": removed,
	})
}

// GET /api/limiter/stats
func (s *Server) handleLimiterStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.service.LimiterStats()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rate limiter is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
