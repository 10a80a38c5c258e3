package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/messaging"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// pipeClient is a registered client with no connection behind it; frames
// land in its send buffer where the test can inspect them.
func pipeClient(hub *Hub, buffer int, channels ...string) *Client {
	return &Client{hub: hub, send: make(chan Frame, buffer), channels: channels}
}

func readFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case f := <-c.send:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
		return Frame{}
	}
}

func TestPublishRoutesByChannel(t *testing.T) {
	hub := startHub(t)

	builds := pipeClient(hub, 8, "builds")
	deploys := pipeClient(hub, 8, "deploys")
	everything := pipeClient(hub, 8, Wildcard)
	both := pipeClient(hub, 8, "builds", Wildcard)
	for _, c := range []*Client{builds, deploys, everything, both} {
		hub.Subscribe(c)
	}
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 4 }, 5*time.Second, 5*time.Millisecond)

	hub.Publish(Frame{Channel: "builds", ID: 42, Payload: "go", CreatedAt: 1_700_000_000_000})

	assert.Len(t, builds.send, 1)
	assert.Len(t, deploys.send, 0, "unrelated channel sees nothing")
	assert.Len(t, everything.send, 1, "wildcard sees every channel")
	assert.Len(t, both.send, 1, "channel plus wildcard delivers once")

	got := readFrame(t, builds)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "go", got.Payload)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := startHub(t)

	c := pipeClient(hub, 8, "builds")
	hub.Subscribe(c)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	hub.Unsubscribe(c)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	hub.Publish(Frame{Channel: "builds", ID: 1})
	_, ok := <-c.send
	assert.False(t, ok, "send closes on unregister and nothing else arrives")
}

func TestSlowClientDisconnects(t *testing.T) {
	hub := startHub(t)

	slow := pipeClient(hub, 1, "builds")
	hub.Subscribe(slow)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	hub.Publish(Frame{Channel: "builds", ID: 1})
	hub.Publish(Frame{Channel: "builds", ID: 2}) // buffer full: the hub lets the client go

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 0 }, 5*time.Second, 5*time.Millisecond)

	first, ok := <-slow.send
	require.True(t, ok)
	assert.Equal(t, int64(1), first.ID, "the queued frame survives")
	_, ok = <-slow.send
	assert.False(t, ok, "the overflowing frame is dropped and send closes")
}

func TestShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := pipeClient(hub, 4, "builds")
	hub.Subscribe(c)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case _, ok := <-c.send:
		assert.False(t, ok, "send closes on shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("send never closed")
	}
	assert.Zero(t, hub.ConnectedCount())
}

func TestBridgeDecodesStoredPayloads(t *testing.T) {
	hub := startHub(t)
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	queue := messaging.New(db.OpenTest(t), clk, zaptest.NewLogger(t), nil, nil)

	unbridge, err := Bridge(hub, queue)
	require.NoError(t, err)
	defer unbridge()

	c := pipeClient(hub, 8, "builds")
	hub.Subscribe(c)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = queue.Publish(context.Background(), "builds", map[string]any{"rev": "abc"}, messaging.PublishOptions{Sender: "ci"})
	require.NoError(t, err)
	_, err = queue.Publish(context.Background(), "builds", "plain text", messaging.PublishOptions{})
	require.NoError(t, err)

	first := readFrame(t, c)
	assert.Equal(t, "builds", first.Channel)
	assert.Equal(t, map[string]any{"rev": "abc"}, first.Payload, "stored JSON decodes before fan-out")
	assert.Equal(t, "ci", first.Sender)
	assert.Equal(t, clk.Now().UnixMilli(), first.CreatedAt)

	second := readFrame(t, c)
	assert.Equal(t, "plain text", second.Payload, "non-JSON payloads pass through as stored")
	assert.Greater(t, second.ID, first.ID)
}

func TestClientDeliversOverWire(t *testing.T) {
	hub := startHub(t)
	logger := zaptest.NewLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, []string{"builds"}, logger)
		if err != nil {
			return
		}
		client.Run()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	hub.Publish(Frame{Channel: "builds", ID: 7, Payload: map[string]any{"ok": true}, Sender: "ci", CreatedAt: 1_700_000_000_000})

	var got Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "builds", got.Channel)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, map[string]any{"ok": true}, got.Payload)
	assert.Equal(t, "ci", got.Sender)
	assert.Equal(t, int64(1_700_000_000_000), got.CreatedAt)
}
