package websocket

import (
	"sync"
)

// Hub is the broker between the messaging fabric and WebSocket clients. It
// maintains the registry of connected clients and routes each frame to the
// clients subscribed to its channel, plus the wildcard subscribers.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine — the Run loop — via channels. Publish is the
// one exception: it holds a read-lock for the shortest possible time to copy
// the target set, then sends outside the lock so a slow client channel never
// blocks the event loop.
type Hub struct {
	// clients maps each connected client to its presence. Keyed by pointer
	// for O(1) register/unregister.
	clients map[*Client]struct{}

	// channels maps each channel name (including "*") to the set of clients
	// subscribed to it. Both maps are always updated together.
	channels map[string]map[*Client]struct{}

	// mu protects clients and channels during Publish, which reads them from
	// outside the Run goroutine. Register and unregister writes happen
	// exclusively inside Run.
	mu sync.RWMutex

	// register receives clients that have just completed the WebSocket
	// upgrade and are ready to receive frames.
	register chan *Client

	// unregister receives clients that have disconnected or encountered a
	// write error.
	unregister chan *Client

	// stopped is closed when the hub's Run loop exits, signalling that no
	// further frames will be delivered.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, channel := range client.channels {
				if h.channels[channel] == nil {
					h.channels[channel] = make(map[*Client]struct{})
				}
				h.channels[channel][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, channel := range client.channels {
					delete(h.channels[channel], client)
					if len(h.channels[channel]) == 0 {
						delete(h.channels, channel)
					}
				}
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			// Close all connected clients on shutdown.
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.channels = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends the frame to every client subscribed to its channel and to
// every wildcard client. Safe to call from any goroutine. Clients whose send
// buffer is full are disconnected so a slow consumer cannot stall the rest.
func (h *Hub) Publish(frame Frame) {
	h.mu.RLock()
	seen := make(map[*Client]struct{}, len(h.channels[frame.Channel])+len(h.channels[Wildcard]))
	var clients []*Client
	for _, set := range []map[*Client]struct{}{h.channels[frame.Channel], h.channels[Wildcard]} {
		for c := range set {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- frame:
			// Frame queued successfully.
		default:
			// Client send buffer is full — it is too slow to keep up.
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to all its channels.
// Called by the HTTP upgrade handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its channel subscriptions.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected WebSocket clients.
// Intended for metrics and stats endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
