package server

import (
	"net/http"
	"time"

	"github.com/drewdunne/labpulse/internal/glerror"
)

type connectedResponse struct {
	Success   bool       `json:"success"`
	Username  string     `json:"username"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) requireOAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.flow == nil || s.service == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "oauth is not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GET /oauth/authorize redirects the browser to GitLab.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req := s.flow.AuthorizationURL("")
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// GET /oauth/callback?code=C&state=S exchanges the code and connects the account.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: q.Get("error_description"),
			Kind:  glerror.KindAuth,
			Code:  e,
		})
		return
	}

	cred, err := s.flow.Exchange(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.Initialize(r.Context(), cred); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := connectedResponse{Success: true, Scopes: cred.Scopes, ExpiresAt: cred.ExpiresAt}
	if u := s.service.User(); u != nil {
		resp.Username = u.Username
	}
	writeJSON(w, http.StatusOK, resp)
}
