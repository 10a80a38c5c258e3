package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/webhooks"
)

// WebhookHandler groups the webhook-management HTTP handlers.
type WebhookHandler struct {
	webhooks *webhooks.Registry
	logger   *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(reg *webhooks.Registry, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: reg,
		logger:   logger.Named("webhook_handler"),
	}
}

// createWebhookRequest is the JSON body expected by POST /webhooks.
type createWebhookRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Filter      string   `json:"filter"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
}

// Create handles POST /webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := h.webhooks.Register(r.Context(), req.URL, webhooks.RegisterOptions{
		Events:      req.Events,
		Filter:      req.Filter,
		Secret:      req.Secret,
		Description: req.Description,
	})
	if err != nil {
		writeErr(w, h.logger, "register webhook", err)
		return
	}
	Ok(w, envelope{"success": true, "webhook": info})
}

// List handles GET /webhooks?active=.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	items, err := h.webhooks.List(r.Context(), activeOnly)
	if err != nil {
		writeErr(w, h.logger, "list webhooks", err)
		return
	}
	Ok(w, envelope{"success": true, "webhooks": items, "count": len(items)})
}

// Get handles GET /webhooks/{id}.
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "get webhook", err)
		return
	}
	Ok(w, envelope{"success": true, "webhook": info})
}

// updateWebhookRequest is the JSON body expected by PATCH /webhooks/{id}.
// All fields are optional; only present ones are applied.
type updateWebhookRequest struct {
	URL         *string  `json:"url"`
	Events      []string `json:"events"`
	Filter      *string  `json:"filter"`
	Secret      *string  `json:"secret"`
	Description *string  `json:"description"`
	Active      *bool    `json:"active"`
}

// Update handles PATCH /webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := h.webhooks.Update(r.Context(), chi.URLParam(r, "id"), webhooks.UpdateOptions{
		URL:         req.URL,
		Events:      req.Events,
		Filter:      req.Filter,
		Secret:      req.Secret,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		writeErr(w, h.logger, "update webhook", err)
		return
	}
	Ok(w, envelope{"success": true, "webhook": info})
}

// Remove handles DELETE /webhooks/{id}. Removing a missing webhook succeeds
// with removed=false.
func (h *WebhookHandler) Remove(w http.ResponseWriter, r *http.Request) {
	removed, err := h.webhooks.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "remove webhook", err)
		return
	}
	Ok(w, envelope{"success": true, "removed": removed})
}

// Test handles POST /webhooks/{id}/test: one synchronous synthetic delivery.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.webhooks.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, "test webhook", err)
		return
	}
	Ok(w, envelope{"success": true, "delivery": delivery})
}

// Deliveries handles GET /webhooks/{id}/deliveries?limit=.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := h.webhooks.Deliveries(r.Context(), id, limit)
	if err != nil {
		writeErr(w, h.logger, "list deliveries", err)
		return
	}
	Ok(w, envelope{"success": true, "webhook_id": id, "deliveries": items, "count": len(items)})
}
