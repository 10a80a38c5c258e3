package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/agents"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/locks"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/metrics"
	"github.com/port-daddy/port-daddy/internal/scheduler"
	"github.com/port-daddy/port-daddy/internal/services"
	"github.com/port-daddy/port-daddy/internal/sessions"
	"github.com/port-daddy/port-daddy/internal/webhooks"
	"github.com/port-daddy/port-daddy/internal/websocket"
)

// testEnv serves the full router over real components on an in-memory
// store. The webhook dispatcher is not running, so trigger-created
// deliveries stay queued and the fake clock has no standing timers.
type testEnv struct {
	t      *testing.T
	router http.Handler
	clk    *clockwork.FakeClock

	services *services.Registry
	locks    *locks.Registry
	agents   *agents.Registry
	queue    *messaging.Queue
	sessions *sessions.Manager
	hooks    *webhooks.Registry
	activity *activity.Log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := db.OpenTest(t)
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	logger := zaptest.NewLogger(t)

	m := metrics.New()
	act := activity.New(database, clk, logger, activity.Options{})
	hooks := webhooks.New(database, clk, logger, webhooks.Options{AllowLocal: true, Metrics: m})
	svc := services.New(database, clk, logger, act, hooks, services.Options{})
	lks := locks.New(database, clk, logger, act, hooks)
	ags := agents.New(database, clk, logger, act, hooks, agents.Options{})
	ags.SetCounters(svc, lks)
	queue := messaging.New(database, clk, logger, act, hooks)
	sess := sessions.New(database, clk, logger, act, hooks)

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	unbridge, err := websocket.Bridge(hub, queue)
	require.NoError(t, err)
	t.Cleanup(unbridge)

	sched, err := scheduler.New(scheduler.Config{
		Services: svc,
		Locks:    lks,
		Agents:   ags,
		Messages: queue,
		Sessions: sess,
		Activity: act,
		Webhooks: hooks,
		Metrics:  m,
		Logger:   logger,
	})
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Services: svc,
		Locks:    lks,
		Agents:   ags,
		Messages: queue,
		Sessions: sess,
		Webhooks: hooks,
		Activity: act,
		Hub:      hub,
		Sweeper:  sched,
		Metrics:  m,
		Version:  "test",
		Logger:   logger,
	})

	return &testEnv{
		t:        t,
		router:   router,
		clk:      clk,
		services: svc,
		locks:    lks,
		agents:   ags,
		queue:    queue,
		sessions: sess,
		hooks:    hooks,
		activity: act,
	}
}

// request serves one request through the router and returns the recorder.
func (e *testEnv) request(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// do is request plus a decoded JSON body.
func (e *testEnv) do(method, path string, body any) (int, map[string]any) {
	e.t.Helper()
	rec := e.request(method, path, body, nil)
	return rec.Code, decodeBody(e.t, rec)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rec.Body.Len() == 0 {
		return nil
	}
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

// field digs one level into a decoded body.
func field(t *testing.T, body map[string]any, key string) map[string]any {
	t.Helper()
	inner, ok := body[key].(map[string]any)
	require.True(t, ok, "missing object %q in %v", key, body)
	return inner
}

func TestErrorEnvelopeShape(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(http.MethodGet, "/services/ghost", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "SERVICE_NOT_FOUND", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestMalformedBodyRejected(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.Contains(t, body["error"], "invalid request body")
}

func TestUnknownFieldRejected(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(http.MethodPost, "/claim", map[string]any{"identity": "myapp"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestEmptyBodyMeansDefaults(t *testing.T) {
	e := newTestEnv(t)

	// GET /msg/{channel} with no body lists an empty channel fine; POST
	// /claim with an empty body fails on the missing id, not on decoding.
	status, body := e.do(http.MethodPost, "/claim", nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "IDENTITY_INVALID", body["code"])
}

func TestCallerIdentityHeaders(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(http.MethodPost, "/claim", map[string]any{"id": "myapp:api"},
		map[string]string{"X-Agent-Id": "bot-7", "X-Pid": "4242"})
	require.Equal(t, http.StatusOK, rec.Code)

	status, body := e.do(http.MethodGet, "/services/myapp%3Aapi", nil)
	require.Equal(t, http.StatusOK, status)
	svc := field(t, body, "service")
	assert.Equal(t, "bot-7", svc["agent_id"])
	assert.Equal(t, float64(4242), svc["pid"])
}

func TestBodyIdentityWinsOverHeaders(t *testing.T) {
	e := newTestEnv(t)

	rec := e.request(http.MethodPost, "/claim",
		map[string]any{"id": "myapp:api", "agent_id": "explicit", "pid": 1},
		map[string]string{"X-Agent-Id": "header", "X-Pid": "9"})
	require.Equal(t, http.StatusOK, rec.Code)

	status, body := e.do(http.MethodGet, "/services/myapp%3Aapi", nil)
	require.Equal(t, http.StatusOK, status)
	svc := field(t, body, "service")
	assert.Equal(t, "explicit", svc["agent_id"])
	assert.Equal(t, float64(1), svc["pid"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	// A first request lands in the counters before the scrape.
	status, _ := e.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	rec := e.request(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "portdaddy_http_requests_total")
	assert.Contains(t, rec.Body.String(), "portdaddy_assigned_services")
}
