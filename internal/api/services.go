package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/services"
)

const (
	// defaultWaitMs is the wait timeout when the caller names none.
	defaultWaitMs int64 = 30_000
	// maxWaitMs caps a single wait request.
	maxWaitMs int64 = 300_000
)

// ServiceHandler groups the port-allocation HTTP handlers.
type ServiceHandler struct {
	services *services.Registry
	logger   *zap.Logger
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(reg *services.Registry, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{
		services: reg,
		logger:   logger.Named("service_handler"),
	}
}

// claimRequest is the JSON body expected by POST /claim. The expires field
// accepts milliseconds or a duration string.
type claimRequest struct {
	ID          string          `json:"id"`
	Port        int             `json:"port"`
	PID         int             `json:"pid"`
	AgentID     string          `json:"agent_id"`
	HealthURL   string          `json:"health_url"`
	Metadata    json.RawMessage `json:"metadata"`
	Expires     clock.Duration  `json:"expires"`
	SystemPorts []int           `json:"system_ports"`
}

// Claim handles POST /claim.
func (h *ServiceHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.AgentID == "" {
		req.AgentID = c.AgentID
	}
	if req.PID == 0 {
		req.PID = c.PID
	}

	res, err := h.services.Claim(r.Context(), req.ID, services.ClaimOptions{
		Port:        req.Port,
		PID:         req.PID,
		AgentID:     req.AgentID,
		HealthURL:   req.HealthURL,
		Metadata:    req.Metadata,
		Expires:     req.Expires,
		SystemPorts: req.SystemPorts,
	})
	if err != nil {
		writeErr(w, h.logger, "claim", err)
		return
	}
	Ok(w, res)
}

// releaseRequest is the JSON body expected by DELETE /release. The id may be
// a wildcard pattern.
type releaseRequest struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

// Release handles DELETE /release.
func (h *ServiceHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		Fail(w, fault.New(fault.ValidationError, "id is required"))
		return
	}
	if req.AgentID == "" {
		req.AgentID = callerFromCtx(r.Context()).AgentID
	}

	res, err := h.services.Release(r.Context(), req.ID, req.AgentID)
	if err != nil {
		writeErr(w, h.logger, "release", err)
		return
	}
	Ok(w, res)
}

// List handles GET /services?pattern=&status=.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.services.Find(r.Context(), q.Get("pattern"), q.Get("status"))
	if err != nil {
		writeErr(w, h.logger, "list services", err)
		return
	}
	Ok(w, envelope{"success": true, "services": items, "count": len(items)})
}

// Get handles GET /services/{id}.
func (h *ServiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.services.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "get service", err)
		return
	}
	Ok(w, envelope{"success": true, "service": info})
}

// endpointRequest is the JSON body expected by PUT /services/{id}/endpoints/{name}.
type endpointRequest struct {
	URL string `json:"url"`
}

// SetEndpoint handles PUT /services/{id}/endpoints/{name}.
func (h *ServiceHandler) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	if err := h.services.SetEndpoint(r.Context(), id, name, req.URL); err != nil {
		writeErr(w, h.logger, "set endpoint", err)
		return
	}
	Ok(w, envelope{"success": true, "id": id, "name": name, "url": req.URL})
}

// WaitOne handles GET /wait/{id}?timeout=.
func (h *ServiceHandler) WaitOne(w http.ResponseWriter, r *http.Request) {
	timeout, ok := parseTimeout(r.URL.Query().Get("timeout"))
	if !ok {
		Fail(w, fault.New(fault.ValidationError, "invalid timeout"))
		return
	}
	h.wait(w, r, []string{chi.URLParam(r, "id")}, timeout)
}

// waitRequest is the JSON body expected by POST /wait.
type waitRequest struct {
	IDs     []string       `json:"ids"`
	Timeout clock.Duration `json:"timeout"`
}

// WaitMany handles POST /wait.
func (h *ServiceHandler) WaitMany(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		Fail(w, fault.New(fault.ValidationError, "ids is required"))
		return
	}
	timeout := defaultWaitMs
	if req.Timeout.Set {
		if !req.Timeout.Valid {
			Fail(w, fault.New(fault.ValidationError, "invalid timeout"))
			return
		}
		timeout = req.Timeout.Millis
	}
	h.wait(w, r, req.IDs, timeout)
}

func (h *ServiceHandler) wait(w http.ResponseWriter, r *http.Request, ids []string, timeout int64) {
	if timeout <= 0 {
		timeout = defaultWaitMs
	}
	if timeout > maxWaitMs {
		timeout = maxWaitMs
	}
	res, err := h.services.Wait(r.Context(), ids, timeout)
	if err != nil {
		writeErr(w, h.logger, "wait", err)
		return
	}
	if res.TimedOut {
		JSON(w, http.StatusRequestTimeout, res)
		return
	}
	Ok(w, res)
}

// parseTimeout reads a timeout query value: empty means the default,
// otherwise plain milliseconds or a duration string like "30s".
func parseTimeout(raw string) (int64, bool) {
	if raw == "" {
		return defaultWaitMs, true
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, true
	}
	if ms, ok := clock.ParseDurationString(raw); ok {
		return ms, true
	}
	return 0, false
}
