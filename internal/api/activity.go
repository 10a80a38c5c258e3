package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/activity"
)

// ActivityHandler groups the activity-log HTTP handlers.
type ActivityHandler struct {
	log    *activity.Log
	logger *zap.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(log *activity.Log, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{
		log:    log,
		logger: logger.Named("activity_handler"),
	}
}

// Recent handles GET /activity?limit=&type=&agent=&since=&target=.
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)

	items, err := h.log.Recent(r.Context(), activity.RecentQuery{
		Type:          q.Get("type"),
		AgentID:       q.Get("agent"),
		TargetPattern: q.Get("target"),
		Since:         since,
		Limit:         limit,
	})
	if err != nil {
		writeErr(w, h.logger, "list activity", err)
		return
	}
	Ok(w, envelope{"success": true, "activities": items, "count": len(items)})
}

// Summary handles GET /activity/summary?since=.
func (h *ActivityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	res, err := h.log.Summary(r.Context(), since)
	if err != nil {
		writeErr(w, h.logger, "activity summary", err)
		return
	}
	Ok(w, res)
}

// Stats handles GET /activity/stats.
func (h *ActivityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	res, err := h.log.Stats(r.Context())
	if err != nil {
		writeErr(w, h.logger, "activity stats", err)
		return
	}
	Ok(w, res)
}
