package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/agents"
	"github.com/port-daddy/port-daddy/internal/locks"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/services"
	"github.com/port-daddy/port-daddy/internal/sessions"
	"github.com/port-daddy/port-daddy/internal/webhooks"
)

// Sweeper runs every cleanup task once on demand. The scheduler implements
// it; POST /ports/cleanup calls it.
type Sweeper interface {
	RunAll(ctx context.Context) (map[string]int, error)
}

// SystemHandler groups the health, version, stats, and maintenance
// endpoints.
type SystemHandler struct {
	services *services.Registry
	locks    *locks.Registry
	agents   *agents.Registry
	queue    *messaging.Queue
	sessions *sessions.Manager
	webhooks *webhooks.Registry
	sweeper  Sweeper
	version  string
	started  time.Time
	logger   *zap.Logger
}

// NewSystemHandler creates a new SystemHandler. Sweeper may be nil, in which
// case POST /ports/cleanup reports nothing to run.
func NewSystemHandler(cfg RouterConfig) *SystemHandler {
	return &SystemHandler{
		services: cfg.Services,
		locks:    cfg.Locks,
		agents:   cfg.Agents,
		queue:    cfg.Messages,
		sessions: cfg.Sessions,
		webhooks: cfg.Webhooks,
		sweeper:  cfg.Sweeper,
		version:  cfg.Version,
		started:  time.Now(),
		logger:   cfg.Logger.Named("system_handler"),
	}
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	// A cheap read proves the store answers.
	if _, err := h.services.CountAssigned(r.Context()); err != nil {
		writeErr(w, h.logger, "health", err)
		return
	}
	Ok(w, envelope{
		"success":   true,
		"status":    "ok",
		"version":   h.version,
		"uptime_ms": time.Since(h.started).Milliseconds(),
	})
}

// Version handles GET /version.
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"success": true,
		"version": h.version,
		"go":      runtime.Version(),
	})
}

// Stats handles GET /stats: one call for everything a dashboard needs.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	assigned, err := h.services.CountAssigned(ctx)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	activeLocks, err := h.locks.CountActive(ctx)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	activeAgents, err := h.agents.CountActive(ctx)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	activeSessions, err := h.sessions.List(ctx, sessions.ListQuery{Status: sessions.StatusActive})
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	channels, err := h.queue.Channels(ctx)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	hooks, err := h.webhooks.Count(ctx, true)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}
	pending, err := h.webhooks.PendingDeliveries(ctx)
	if err != nil {
		writeErr(w, h.logger, "stats", err)
		return
	}

	Ok(w, envelope{
		"success":            true,
		"assigned_services":  assigned,
		"active_locks":       activeLocks,
		"active_agents":      activeAgents,
		"active_sessions":    len(activeSessions),
		"channels":           len(channels),
		"active_webhooks":    hooks,
		"pending_deliveries": pending,
		"subscribers":        h.queue.SubscriberCount(),
		"uptime_ms":          time.Since(h.started).Milliseconds(),
		"goroutines":         runtime.NumGoroutine(),
	})
}

// Cleanup handles POST /ports/cleanup: run every sweep now and report
// per-resource removal counts.
func (h *SystemHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		Ok(w, envelope{"success": true, "removed": map[string]int{}})
		return
	}
	removed, err := h.sweeper.RunAll(r.Context())
	if err != nil {
		writeErr(w, h.logger, "cleanup", err)
		return
	}
	Ok(w, envelope{"success": true, "removed": removed})
}
