package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/drewdunne/labpulse/internal/logging"
	"github.com/drewdunne/labpulse/internal/metrics"
	"github.com/drewdunne/labpulse/internal/webhook"
)

// TestIntegration_FullServerLifecycle starts a real server, exercises the
// health, webhook, api and metrics endpoints over TCP, checks the request log
// and shuts down gracefully.
func TestIntegration_FullServerLifecycle(t *testing.T) {
	logDir := t.TempDir()
	logger, closer, err := logging.New(logging.Options{Level: "debug", Format: "json", Dir: logDir})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	defer closer.Close()

	m := metrics.New()
	gitlab := fakeGitLab(t)
	router := webhook.NewRouter(
		webhook.WithSecret("test-secret-gitlab"),
		webhook.WithMetrics(m),
		webhook.WithLogger(logger),
	)
	router.On(webhook.Wildcard, func(ctx context.Context, ev *webhook.Event) (any, error) {
		return ev.Info.Type, nil
	})

	srv := New(testConfig(0),
		WithService(connectedService(t, gitlab.URL)),
		WithWebhooks(router),
		WithMetrics(m),
		WithLogger(logger),
	)
	serverErr := start(t, srv)
	baseURL := fmt.Sprintf("http://%s", srv.Addr())

	// Health
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	var health HealthResponse
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Errorf("GET /health = %d %q, want 200 ok", resp.StatusCode, health.Status)
	}

	// Webhook
	payload := `{"object_kind":"merge_request","project":{"id":10,"path_with_namespace":"team/api"},"object_attributes":{"iid":3,"action":"merge"}}`
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/webhook/gitlab", strings.NewReader(payload))
	req.Header.Set("X-Gitlab-Event", "Merge Request Hook")
	req.Header.Set("X-Gitlab-Token", "test-secret-gitlab")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /webhook/gitlab error = %v", err)
	}
	var ack map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&ack)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || ack["eventType"] != "merge_request" {
		t.Errorf("POST /webhook/gitlab = %d %v", resp.StatusCode, ack)
	}

	// API
	resp, err = http.Get(baseURL + "/api/activity?days=7")
	if err != nil {
		t.Fatalf("GET /api/activity error = %v", err)
	}
	var activity struct {
		TotalCommits int `json:"total_commits"`
	}
	json.NewDecoder(resp.Body).Decode(&activity)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || activity.TotalCommits != 1 {
		t.Errorf("GET /api/activity = %d, total_commits = %d", resp.StatusCode, activity.TotalCommits)
	}

	// Metrics
	resp, err = http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	var snap MetricsResponse
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if snap.WebhooksReceived != 1 || snap.WebhooksProcessed != 1 {
		t.Errorf("metrics = %+v, want one processed webhook", snap.Snapshot)
	}

	// Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	waitStopped(t, serverErr)

	// The request log went to today's file.
	data, err := os.ReadFile(logging.NewWriter(logDir).Path(time.Now()))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"path":"/webhook/gitlab"`) {
		t.Error("request log does not mention the webhook request")
	}
	if !strings.Contains(string(data), "webhook processed") {
		t.Error("log does not mention the processed webhook")
	}
}

// TestIntegration_ServerRecovery checks that a panicking handler does not take
// the server down.
func TestIntegration_ServerRecovery(t *testing.T) {
	srv := New(testConfig(0))
	srv.router.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})
	serverErr := start(t, srv)
	baseURL := "http://" + srv.Addr()

	resp, err := http.Get(baseURL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("GET /panic status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	resp, err = http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("GET /health after panic error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health after panic status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	waitStopped(t, serverErr)
}
