// Package websocket bridges the messaging fabric onto WebSocket
// connections. A single hub receives every published message through one
// wildcard subscriber and fans frames out to connected clients by channel;
// clients pick their channel set (or "*") at connect time via the query
// string.
package websocket

// Wildcard subscribes a client to every channel.
const Wildcard = "*"

// Frame is the envelope for every WebSocket frame sent to clients. It
// mirrors one published message.
//
// JSON example:
//
//	{"channel":"builds","id":42,"payload":{"status":"ok"},"sender":"ci","created_at":1700000000000}
type Frame struct {
	Channel   string `json:"channel"`
	ID        int64  `json:"id"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"created_at"`
}
