package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws.
//
// Channel subscription is declared at connection time via the `channels`
// query parameter; omitting it (or passing "*") subscribes to every
// channel.
//
// Example connection URL:
//
//	ws://host/ws?channels=builds,deploys
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// Serve upgrades the connection and blocks for its lifetime.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	channels := parseChannels(r.URL.Query().Get("channels"))

	client, err := websocket.NewClient(h.hub, w, r, channels, h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

// parseChannels splits the comma-separated channels parameter, dropping
// empties. An empty result means everything.
func parseChannels(raw string) []string {
	var channels []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return []string{websocket.Wildcard}
	}
	return channels
}
