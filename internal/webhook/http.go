package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/drewdunne/labpulse/internal/glerror"
)

type ackResponse struct {
	Success   bool            `json:"success"`
	Processed bool            `json:"processed"`
	Skipped   bool            `json:"skipped,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Project   string          `json:"project,omitempty"`
	Handlers  []HandlerResult `json:"handlers,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	// Read one byte past the limit so Handle can tell an oversized payload apart.
	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body", Details: err.Error()})
		return
	}

	res, err := r.Handle(req.Context(), body, req.Header)
	if err != nil {
		status := http.StatusInternalServerError
		resp := errorResponse{Error: err.Error()}
		if ge, ok := glerror.As(err); ok {
			resp = errorResponse{Error: ge.Message, Details: ge.Code}
			switch {
			case ge.Kind == glerror.KindPermission:
				status = http.StatusUnauthorized
			case ge.Code == glerror.CodePayloadTooLarge:
				status = http.StatusRequestEntityTooLarge
			case ge.Kind == glerror.KindWebhook:
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, resp)
		return
	}

	ack := ackResponse{
		Success:   true,
		Processed: res.Processed,
		Skipped:   res.Skipped,
		EventType: res.EventInfo.Type,
		Handlers:  res.Handlers,
	}
	if res.EventInfo.Project != nil {
		ack.Project = res.EventInfo.Project.Path
	}
	writeJSON(w, http.StatusOK, ack)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
