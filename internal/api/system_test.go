package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "uptime_ms")
}

func TestVersionEndpoint(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body["go"], "go")
}

func TestStatsCountsEverything(t *testing.T) {
	e := newTestEnv(t)

	status, _ := e.do(http.MethodPost, "/claim", map[string]any{"id": "myapp:api"})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/locks/deploy", map[string]any{"owner": "alice"})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/agents", map[string]any{"id": "bot-1"})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/msg/builds", map[string]any{"payload": "x"})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(http.MethodPost, "/sessions", map[string]any{"purpose": "work"})
	require.Equal(t, http.StatusOK, status)
	// Registered last, so nothing has queued a delivery for it yet.
	status, _ = e.do(http.MethodPost, "/webhooks", map[string]any{"url": "https://hooks.example.com/pd"})
	require.Equal(t, http.StatusOK, status)

	status, body := e.do(http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["assigned_services"])
	assert.Equal(t, float64(1), body["active_locks"])
	assert.Equal(t, float64(1), body["active_agents"])
	assert.Equal(t, float64(1), body["active_sessions"])
	assert.Equal(t, float64(1), body["channels"])
	assert.Equal(t, float64(1), body["active_webhooks"])
	assert.Equal(t, float64(0), body["pending_deliveries"])
	assert.Equal(t, float64(1), body["subscribers"], "the websocket bridge holds one subscription")
	assert.Greater(t, body["goroutines"], float64(0))
	assert.Contains(t, body, "uptime_ms")
}

func TestCleanupReportsEverySweep(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(http.MethodPost, "/ports/cleanup", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	removed := field(t, body, "removed")
	for _, resource := range []string{"agents", "locks", "services", "messages", "sessions", "activity", "webhook_deliveries"} {
		assert.Equal(t, float64(0), removed[resource], resource)
	}
}
