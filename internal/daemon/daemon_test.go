package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/services"
)

func newTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "portdaddy.sock")
	d, err := New(Config{
		Listen:  "127.0.0.1:0",
		Socket:  sock,
		DBPath:  db.MemoryPath,
		Version: "test",
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return d, sock
}

// startDaemon runs d until the test ends and returns once it is listening.
func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never became ready")
	}
	return done
}

func getJSON(t *testing.T, client *http.Client, url string) (int, map[string]any) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	return resp.StatusCode, body
}

func TestDaemonServesTCPAndSocket(t *testing.T) {
	d, sock := newTestDaemon(t)
	startDaemon(t, d)
	base := "http://" + d.Addr()

	status, body := getJSON(t, http.DefaultClient, base+"/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	// The same surface answers on the Unix socket.
	socketClient := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", sock)
		},
	}}
	status, body = getJSON(t, socketClient, "http://portdaddy/version")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", body["version"])

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDaemonEndToEndClaim(t *testing.T) {
	d, _ := newTestDaemon(t)
	startDaemon(t, d)
	base := "http://" + d.Addr()

	resp, err := http.Post(base+"/claim", "application/json",
		strings.NewReader(`{"id":"myapp:web","pid":4242}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claim struct {
		Success bool `json:"success"`
		Port    int  `json:"port"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claim))
	assert.True(t, claim.Success)
	assert.GreaterOrEqual(t, claim.Port, services.DefaultPortMin)
	assert.LessOrEqual(t, claim.Port, services.DefaultPortMax)

	// The claim shows up in the Prometheus surface.
	mresp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)
	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "portdaddy_assigned_services 1")
}

func TestDaemonShutdownRemovesSocket(t *testing.T) {
	d, sock := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never became ready")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err := os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonBindConflict(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	d, err := New(Config{
		Listen: taken.Addr().String(),
		DBPath: db.MemoryPath,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another instance")
}

func TestDaemonRefusesNonSocketPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o600))

	d, err := New(Config{
		Listen: "127.0.0.1:0",
		Socket: path,
		DBPath: db.MemoryPath,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a socket")
}

func TestDaemonSweepOneShot(t *testing.T) {
	d, err := New(Config{
		Listen: "127.0.0.1:0",
		DBPath: db.MemoryPath,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer d.Close()

	removed, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed["locks"])
	assert.Contains(t, removed, "webhook_deliveries")
}
