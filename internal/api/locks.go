package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/locks"
)

// LockHandler groups the advisory-lock HTTP handlers.
type LockHandler struct {
	locks  *locks.Registry
	logger *zap.Logger
}

// NewLockHandler creates a new LockHandler.
func NewLockHandler(reg *locks.Registry, logger *zap.Logger) *LockHandler {
	return &LockHandler{
		locks:  reg,
		logger: logger.Named("lock_handler"),
	}
}

// acquireRequest is the JSON body expected by POST /locks/{name}. Owner and
// pid default from the caller headers; ttl accepts milliseconds or a
// duration string.
type acquireRequest struct {
	Owner    string          `json:"owner"`
	PID      int             `json:"pid"`
	TTL      clock.Duration  `json:"ttl"`
	Metadata json.RawMessage `json:"metadata"`
}

// Acquire handles POST /locks/{name}.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.Owner == "" {
		req.Owner = c.AgentID
	}
	if req.PID == 0 {
		req.PID = c.PID
	}

	res, err := h.locks.Acquire(r.Context(), chi.URLParam(r, "name"), locks.AcquireOptions{
		Owner:    req.Owner,
		PID:      req.PID,
		AgentID:  c.AgentID,
		TTL:      req.TTL,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeErr(w, h.logger, "acquire lock", err)
		return
	}
	Ok(w, res)
}

// releaseLockRequest is the JSON body expected by DELETE /locks/{name}.
type releaseLockRequest struct {
	Owner string `json:"owner"`
	Force bool   `json:"force"`
}

// Release handles DELETE /locks/{name}.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.Owner == "" {
		req.Owner = c.AgentID
	}

	res, err := h.locks.Release(r.Context(), chi.URLParam(r, "name"), locks.ReleaseOptions{
		Owner:   req.Owner,
		AgentID: c.AgentID,
		Force:   req.Force,
	})
	if err != nil {
		writeErr(w, h.logger, "release lock", err)
		return
	}
	Ok(w, res)
}

// extendRequest is the JSON body expected by PUT /locks/{name}.
type extendRequest struct {
	Owner string         `json:"owner"`
	TTL   clock.Duration `json:"ttl"`
}

// Extend handles PUT /locks/{name}.
func (h *LockHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.Owner == "" {
		req.Owner = c.AgentID
	}

	res, err := h.locks.Extend(r.Context(), chi.URLParam(r, "name"), locks.ExtendOptions{
		Owner:   req.Owner,
		AgentID: c.AgentID,
		TTL:     req.TTL,
	})
	if err != nil {
		writeErr(w, h.logger, "extend lock", err)
		return
	}
	Ok(w, res)
}

// Check handles GET /locks/{name}.
func (h *LockHandler) Check(w http.ResponseWriter, r *http.Request) {
	res, err := h.locks.Check(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, h.logger, "check lock", err)
		return
	}
	Ok(w, res)
}

// List handles GET /locks?owner=.
func (h *LockHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeErr(w, h.logger, "list locks", err)
		return
	}
	Ok(w, envelope{"success": true, "locks": items, "count": len(items)})
}
