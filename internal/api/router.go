package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/agents"
	"github.com/port-daddy/port-daddy/internal/locks"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/metrics"
	"github.com/port-daddy/port-daddy/internal/services"
	"github.com/port-daddy/port-daddy/internal/sessions"
	"github.com/port-daddy/port-daddy/internal/webhooks"
	"github.com/port-daddy/port-daddy/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated by the daemon after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Services *services.Registry
	Locks    *locks.Registry
	Agents   *agents.Registry
	Messages *messaging.Queue
	Sessions *sessions.Manager
	Webhooks *webhooks.Registry
	Activity *activity.Log

	// Hub bridges messages onto WebSocket connections; nil disables /ws.
	Hub *websocket.Hub
	// Sweeper powers POST /ports/cleanup; nil reports empty sweeps.
	Sweeper Sweeper
	// Metrics serves GET /metrics and instruments requests; may be nil.
	Metrics *metrics.Metrics

	Version string
	Logger  *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. The same
// handler serves the TCP listener and the Unix socket. Identifiers that
// contain ":" arrive URL-encoded in paths; Chi hands them back decoded.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID tags each request for log correlation. RealIP unwraps
	// X-Forwarded-For when the daemon sits behind a proxy. Recoverer turns
	// handler panics into 500s instead of taking the daemon down.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Instrument(cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(CallerIdentity)

	serviceHandler := NewServiceHandler(cfg.Services, cfg.Logger)
	lockHandler := NewLockHandler(cfg.Locks, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Logger)
	messageHandler := NewMessageHandler(cfg.Messages, cfg.Metrics, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Sessions, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Logger)
	activityHandler := NewActivityHandler(cfg.Activity, cfg.Logger)
	systemHandler := NewSystemHandler(cfg)

	// Services
	r.Post("/claim", serviceHandler.Claim)
	r.Delete("/release", serviceHandler.Release)
	r.Get("/services", serviceHandler.List)
	r.Get("/services/{id}", serviceHandler.Get)
	r.Put("/services/{id}/endpoints/{name}", serviceHandler.SetEndpoint)
	r.Get("/wait/{id}", serviceHandler.WaitOne)
	r.Post("/wait", serviceHandler.WaitMany)

	// Locks
	r.Post("/locks/{name}", lockHandler.Acquire)
	r.Delete("/locks/{name}", lockHandler.Release)
	r.Get("/locks/{name}", lockHandler.Check)
	r.Put("/locks/{name}", lockHandler.Extend)
	r.Get("/locks", lockHandler.List)

	// Agents
	r.Post("/agents", agentHandler.Register)
	r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
	r.Delete("/agents/{id}", agentHandler.Unregister)
	r.Get("/agents/{id}", agentHandler.Get)
	r.Get("/agents", agentHandler.List)
	r.Get("/agents/{id}/limits", agentHandler.Limits)

	// Messaging
	r.Post("/msg/{channel}", messageHandler.Publish)
	r.Get("/msg/{channel}", messageHandler.List)
	r.Delete("/msg/{channel}", messageHandler.Clear)
	r.Get("/channels", messageHandler.Channels)
	r.Get("/subscribe/{channel}", messageHandler.Subscribe)

	// WebSocket bridge
	if cfg.Hub != nil {
		wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)
		r.Get("/ws", wsHandler.Serve)
	}

	// Sessions
	r.Post("/sessions", sessionHandler.Start)
	r.Get("/sessions", sessionHandler.List)
	r.Get("/sessions/{id}", sessionHandler.Get)
	r.Put("/sessions/{id}", sessionHandler.Update)
	r.Delete("/sessions/{id}", sessionHandler.Remove)
	r.Post("/sessions/{id}/notes", sessionHandler.AddNote)
	r.Post("/sessions/{id}/files", sessionHandler.Files)
	r.Get("/files/conflicts", sessionHandler.Conflicts)
	r.Post("/notes", sessionHandler.QuickNote)

	// Webhooks
	r.Post("/webhooks", webhookHandler.Create)
	r.Get("/webhooks", webhookHandler.List)
	r.Get("/webhooks/{id}", webhookHandler.Get)
	r.Patch("/webhooks/{id}", webhookHandler.Update)
	r.Delete("/webhooks/{id}", webhookHandler.Remove)
	r.Post("/webhooks/{id}/test", webhookHandler.Test)
	r.Get("/webhooks/{id}/deliveries", webhookHandler.Deliveries)

	// Activity log
	r.Get("/activity", activityHandler.Recent)
	r.Get("/activity/summary", activityHandler.Summary)
	r.Get("/activity/stats", activityHandler.Stats)

	// System
	r.Get("/health", systemHandler.Health)
	r.Get("/version", systemHandler.Version)
	r.Get("/stats", systemHandler.Stats)
	r.Post("/ports/cleanup", systemHandler.Cleanup)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	return r
}
