package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/metrics"
)

const (
	// sseRetryMs is the reconnect hint sent at stream start.
	sseRetryMs = 3000
	// sseHeartbeat keeps idle streams alive through proxies.
	sseHeartbeat = 15 * time.Second
	// sseBuffer bounds per-stream delivery backlog; a stream that cannot
	// keep up loses messages rather than stalling the publisher.
	sseBuffer = 32
)

// MessageHandler groups the channel-messaging HTTP handlers.
type MessageHandler struct {
	queue   *messaging.Queue
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMessageHandler creates a new MessageHandler. Metrics may be nil.
func NewMessageHandler(queue *messaging.Queue, m *metrics.Metrics, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{
		queue:   queue,
		metrics: m,
		logger:  logger.Named("message_handler"),
	}
}

// publishRequest is the JSON body expected by POST /msg/{channel}.
type publishRequest struct {
	Payload any            `json:"payload"`
	Sender  string         `json:"sender"`
	Expires clock.Duration `json:"expires"`
}

// Publish handles POST /msg/{channel}.
func (h *MessageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c := callerFromCtx(r.Context())
	if req.Sender == "" {
		req.Sender = c.AgentID
	}

	res, err := h.queue.Publish(r.Context(), chi.URLParam(r, "channel"), req.Payload, messaging.PublishOptions{
		Sender:  req.Sender,
		AgentID: c.AgentID,
		Expires: req.Expires,
	})
	if err != nil {
		writeErr(w, h.logger, "publish", err)
		return
	}
	if h.metrics != nil {
		h.metrics.MessagePublished()
	}
	Ok(w, res)
}

// List handles GET /msg/{channel}?limit=&after=. With poll=true it becomes a
// long poll for the single next message: an immediate hit returns at once,
// otherwise the handler subscribes and re-polls until the timeout.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	q := r.URL.Query()

	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
	if q.Get("poll") == "true" || q.Get("poll") == "1" {
		h.longPoll(w, r, channel, after)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	msgs, err := h.queue.Messages(r.Context(), channel, limit, after)
	if err != nil {
		writeErr(w, h.logger, "list messages", err)
		return
	}
	Ok(w, envelope{"success": true, "channel": channel, "messages": msgs, "count": len(msgs)})
}

func (h *MessageHandler) longPoll(w http.ResponseWriter, r *http.Request, channel string, after int64) {
	timeout, ok := parseTimeout(r.URL.Query().Get("timeout"))
	if !ok {
		Fail(w, fault.New(fault.ValidationError, "invalid timeout"))
		return
	}
	if timeout <= 0 {
		timeout = defaultWaitMs
	}
	if timeout > maxWaitMs {
		timeout = maxWaitMs
	}

	// Subscribe before the first poll so a publish between the two cannot
	// slip past unseen.
	wake := make(chan struct{}, 1)
	unsubscribe, err := h.queue.Subscribe(channel, func(messaging.Delivery) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		writeErr(w, h.logger, "poll subscribe", err)
		return
	}
	defer unsubscribe()

	deadline := time.NewTimer(time.Duration(timeout) * time.Millisecond)
	defer deadline.Stop()

	for {
		res, perr := h.queue.Poll(r.Context(), channel, after)
		if perr != nil {
			writeErr(w, h.logger, "poll", perr)
			return
		}
		if res.Message != nil {
			Ok(w, res)
			return
		}
		select {
		case <-wake:
		case <-deadline.C:
			Ok(w, res)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Clear handles DELETE /msg/{channel}.
func (h *MessageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	n, err := h.queue.Clear(r.Context(), channel, callerFromCtx(r.Context()).AgentID)
	if err != nil {
		writeErr(w, h.logger, "clear channel", err)
		return
	}
	Ok(w, envelope{"success": true, "channel": channel, "cleared": n})
}

// Channels handles GET /channels.
func (h *MessageHandler) Channels(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Channels(r.Context())
	if err != nil {
		writeErr(w, h.logger, "list channels", err)
		return
	}
	Ok(w, envelope{"success": true, "channels": items, "count": len(items)})
}

// sseFrame is the data payload of one subscribe-stream event.
type sseFrame struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Subscribe handles GET /subscribe/{channel} as a Server-Sent Events
// stream. The channel may be "*" for everything. Frames are sent as
// "event: message"; comment lines keep the stream alive.
func (h *MessageHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Fail(w, fault.New(fault.Internal, "streaming unsupported"))
		return
	}
	channel := chi.URLParam(r, "channel")

	frames := make(chan sseFrame, sseBuffer)
	unsubscribe, err := h.queue.Subscribe(channel, func(d messaging.Delivery) {
		select {
		case frames <- sseFrame{
			ID:        d.ID,
			Channel:   d.Channel,
			Payload:   d.Payload,
			Sender:    d.Sender,
			CreatedAt: d.CreatedAt,
		}:
		default:
			// Slow consumer; the stream stays live but this frame is gone.
		}
	})
	if err != nil {
		writeErr(w, h.logger, "subscribe", err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMs)
	flusher.Flush()

	h.logger.Debug("sse stream opened", zap.String("channel", channel))
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse stream closed", zap.String("channel", channel))
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case frame := <-frames:
			data, merr := json.Marshal(frame)
			if merr != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
