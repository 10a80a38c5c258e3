package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/sessions"
)

// SessionHandler groups the work-session HTTP handlers.
type SessionHandler struct {
	sessions *sessions.Manager
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(mgr *sessions.Manager, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: mgr,
		logger:   logger.Named("session_handler"),
	}
}

// startSessionRequest is the JSON body expected by POST /sessions.
type startSessionRequest struct {
	Purpose  string          `json:"purpose"`
	AgentID  string          `json:"agent_id"`
	Metadata json.RawMessage `json:"metadata"`
	Files    []string        `json:"files"`
}

// Start handles POST /sessions.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		req.AgentID = callerFromCtx(r.Context()).AgentID
	}

	res, err := h.sessions.Start(r.Context(), req.Purpose, sessions.StartOptions{
		AgentID:  req.AgentID,
		Metadata: req.Metadata,
		Files:    req.Files,
	})
	if err != nil {
		writeErr(w, h.logger, "start session", err)
		return
	}
	Ok(w, res)
}

// List handles GET /sessions?status=&agent=&include_notes=&limit=.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	items, err := h.sessions.List(r.Context(), sessions.ListQuery{
		Status:       q.Get("status"),
		AgentID:      q.Get("agent"),
		IncludeNotes: q.Get("include_notes") == "true",
		Limit:        limit,
	})
	if err != nil {
		writeErr(w, h.logger, "list sessions", err)
		return
	}
	Ok(w, envelope{"success": true, "sessions": items, "count": len(items)})
}

// Get handles GET /sessions/{id}: the session with all notes and claims.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "get session", err)
		return
	}
	Ok(w, envelope{"success": true, "session": info})
}

// updateSessionRequest is the JSON body expected by PUT /sessions/{id}.
// Status drives the transition: completed/abandoned end the session,
// paused/active suspend and resume it.
type updateSessionRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// Update handles PUT /sessions/{id}.
func (h *SessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	switch req.Status {
	case sessions.StatusPaused:
		if err := h.sessions.Pause(r.Context(), id); err != nil {
			writeErr(w, h.logger, "pause session", err)
			return
		}
		Ok(w, envelope{"success": true, "session_id": id, "status": sessions.StatusPaused})
	case sessions.StatusActive:
		if err := h.sessions.Resume(r.Context(), id); err != nil {
			writeErr(w, h.logger, "resume session", err)
			return
		}
		Ok(w, envelope{"success": true, "session_id": id, "status": sessions.StatusActive})
	default:
		res, err := h.sessions.End(r.Context(), id, req.Status, req.Note)
		if err != nil {
			writeErr(w, h.logger, "end session", err)
			return
		}
		Ok(w, res)
	}
}

// Remove handles DELETE /sessions/{id}. Removing a missing session succeeds
// with removed=false.
func (h *SessionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	removed, err := h.sessions.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "remove session", err)
		return
	}
	Ok(w, envelope{"success": true, "removed": removed})
}

// addNoteRequest is the JSON body expected by POST /sessions/{id}/notes.
type addNoteRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// AddNote handles POST /sessions/{id}/notes.
func (h *SessionHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req addNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.sessions.AddNote(r.Context(), chi.URLParam(r, "id"), req.Content, req.Type)
	if err != nil {
		writeErr(w, h.logger, "add note", err)
		return
	}
	Ok(w, envelope{"success": true, "note": note})
}

// filesRequest is the JSON body expected by POST /sessions/{id}/files.
// Release flips the operation from claim to release.
type filesRequest struct {
	Paths   []string `json:"paths"`
	Release bool     `json:"release"`
}

// Files handles POST /sessions/{id}/files.
func (h *SessionHandler) Files(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	if req.Release {
		res, err := h.sessions.ReleaseFiles(r.Context(), id, req.Paths)
		if err != nil {
			writeErr(w, h.logger, "release files", err)
			return
		}
		Ok(w, res)
		return
	}
	res, err := h.sessions.ClaimFiles(r.Context(), id, req.Paths)
	if err != nil {
		writeErr(w, h.logger, "claim files", err)
		return
	}
	Ok(w, res)
}

// Conflicts handles GET /files/conflicts?path=a&path=b: active claims on the
// given paths across every session.
func (h *SessionHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query()["path"]
	if len(paths) == 0 {
		Fail(w, fault.New(fault.ValidationError, "at least one path parameter is required"))
		return
	}

	conflicts, err := h.sessions.FileConflicts(r.Context(), paths)
	if err != nil {
		writeErr(w, h.logger, "file conflicts", err)
		return
	}
	Ok(w, envelope{"success": true, "conflicts": conflicts, "count": len(conflicts)})
}

// quickNoteRequest is the JSON body expected by POST /notes.
type quickNoteRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

// QuickNote handles POST /notes: append to the caller's latest active
// session, creating one when needed.
func (h *SessionHandler) QuickNote(w http.ResponseWriter, r *http.Request) {
	var req quickNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		req.AgentID = callerFromCtx(r.Context()).AgentID
	}

	res, err := h.sessions.QuickNote(r.Context(), req.Content, sessions.QuickNoteOptions{
		AgentID:  req.AgentID,
		NoteType: req.Type,
	})
	if err != nil {
		writeErr(w, h.logger, "quick note", err)
		return
	}
	Ok(w, res)
}
