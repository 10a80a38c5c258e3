package websocket

import (
	"encoding/json"

	"github.com/port-daddy/port-daddy/internal/messaging"
)

// Bridge attaches the hub to the messaging fabric through one wildcard
// subscriber. Wildcard deliveries carry payloads in stored (string) form;
// the bridge decodes JSON ones so clients see the same shapes a channel
// read returns. The returned function detaches the bridge.
func Bridge(hub *Hub, queue *messaging.Queue) (func(), error) {
	return queue.Subscribe(messaging.Wildcard, func(d messaging.Delivery) {
		payload := d.Payload
		if raw, ok := payload.(string); ok {
			var decoded any
			if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
				payload = decoded
			}
		}
		hub.Publish(Frame{
			Channel:   d.Channel,
			ID:        d.ID,
			Payload:   payload,
			Sender:    d.Sender,
			CreatedAt: d.CreatedAt,
		})
	})
}
