package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/agents"
)

// AgentHandler groups the agent-registry HTTP handlers.
type AgentHandler struct {
	agents *agents.Registry
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(reg *agents.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agents: reg,
		logger: logger.Named("agent_handler"),
	}
}

// registerAgentRequest is the JSON body expected by POST /agents.
type registerAgentRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	PID         int             `json:"pid"`
	Type        string          `json:"type"`
	MaxServices int             `json:"max_services"`
	MaxLocks    int             `json:"max_locks"`
	Metadata    json.RawMessage `json:"metadata"`
}

// Register handles POST /agents. Re-registering an existing id refreshes it.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.ID == "" {
		req.ID = c.AgentID
	}
	if req.PID == 0 {
		req.PID = c.PID
	}

	info, err := h.agents.Register(r.Context(), req.ID, agents.RegisterOptions{
		Name:        req.Name,
		PID:         req.PID,
		Type:        req.Type,
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeErr(w, h.logger, "register agent", err)
		return
	}
	Ok(w, envelope{"success": true, "agent": info})
}

// heartbeatRequest is the JSON body expected by POST /agents/{id}/heartbeat.
type heartbeatRequest struct {
	PID int `json:"pid"`
}

// Heartbeat handles POST /agents/{id}/heartbeat. Unknown agents are
// auto-registered.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PID == 0 {
		req.PID = callerFromCtx(r.Context()).PID
	}

	info, err := h.agents.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.PID)
	if err != nil {
		writeErr(w, h.logger, "heartbeat", err)
		return
	}
	Ok(w, envelope{"success": true, "agent": info})
}

// Unregister handles DELETE /agents/{id}. Unregistering a missing agent
// succeeds with unregistered=false.
func (h *AgentHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	res, err := h.agents.Unregister(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "unregister agent", err)
		return
	}
	Ok(w, res)
}

// Get handles GET /agents/{id}. A missing agent is success with
// registered=false, mirroring the idempotent register/unregister pair.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "get agent", err)
		return
	}
	Ok(w, res)
}

// List handles GET /agents?active=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	items, err := h.agents.List(r.Context(), activeOnly)
	if err != nil {
		writeErr(w, h.logger, "list agents", err)
		return
	}
	Ok(w, envelope{"success": true, "agents": items, "count": len(items)})
}

// Limits handles GET /agents/{id}/limits: both resource budgets in one
// response so clients can decide before claiming.
func (h *AgentHandler) Limits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	claim, err := h.agents.CanClaimService(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, "check claim limit", err)
		return
	}
	acquire, err := h.agents.CanAcquireLock(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, "check lock limit", err)
		return
	}
	Ok(w, envelope{
		"success":          true,
		"id":               id,
		"can_claim":        claim,
		"can_acquire_lock": acquire,
	})
}
