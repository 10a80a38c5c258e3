package services

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	r := New(db.OpenTest(t), clk, zaptest.NewLogger(t), nil, nil, opts)
	return r, clk
}

func TestClaimAssignsDistinctPortsAndReclaimIsStable(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	api, err := r.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)
	assert.False(t, api.Existing)
	assert.GreaterOrEqual(t, api.Port, 3100)
	assert.LessOrEqual(t, api.Port, 3199)

	web, err := r.Claim(ctx, "myapp:web", ClaimOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, api.Port, web.Port)

	again, err := r.Claim(ctx, "myapp:api", ClaimOptions{PID: 4242})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, api.Port, again.Port, "same identity keeps its port")

	info, err := r.Get(ctx, "myapp:api")
	require.NoError(t, err)
	assert.Equal(t, 4242, info.PID, "reclaim refreshes pid")
}

func TestClaimPreferredPort(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	res, err := r.Claim(ctx, "db:main", ClaimOptions{Port: 5432})
	require.NoError(t, err)
	assert.Equal(t, 5432, res.Port, "preferred port outside the scan range is honored")

	// Same preference from a different identity falls back to the range.
	other, err := r.Claim(ctx, "db:replica", ClaimOptions{Port: 5432})
	require.NoError(t, err)
	assert.Equal(t, 3100, other.Port)
}

func TestClaimSkipsReservedAndSystemPorts(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3105, Reserved: []int{3100}})
	ctx := context.Background()

	res, err := r.Claim(ctx, "a", ClaimOptions{SystemPorts: []int{3101, 3102}})
	require.NoError(t, err)
	assert.Equal(t, 3103, res.Port)

	// Reserved wins even when asked for explicitly.
	res, err = r.Claim(ctx, "b", ClaimOptions{Port: 3100})
	require.NoError(t, err)
	assert.Equal(t, 3101, res.Port)
}

func TestClaimPortExhausted(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3101})
	ctx := context.Background()

	_, err := r.Claim(ctx, "one", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim(ctx, "two", ClaimOptions{})
	require.NoError(t, err)

	_, err = r.Claim(ctx, "three", ClaimOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.PortExhausted, fault.CodeOf(err))
}

func TestClaimInvalidIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	_, err := r.Claim(context.Background(), "a:b:c:d", ClaimOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.IdentityInvalid, fault.CodeOf(err))
}

func TestClaimInvalidExpires(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	var opts ClaimOptions
	require.NoError(t, opts.Expires.UnmarshalJSON([]byte(`"soon"`)))
	_, err := r.Claim(context.Background(), "x", opts)
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestReleaseExactAndIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	claimed, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)

	res, err := r.Release(ctx, "svc", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, []int{claimed.Port}, res.ReleasedPorts)

	res, err = r.Release(ctx, "svc", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Released, "second release is a no-op")
}

func TestReleaseByPattern(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	_, err := r.Claim(ctx, "myapp:api", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim(ctx, "myapp:web", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Claim(ctx, "other:api", ClaimOptions{})
	require.NoError(t, err)

	res, err := r.Release(ctx, "myapp:*", "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)
	assert.Len(t, res.ReleasedPorts, 2)
	assert.Equal(t, "myapp:*", res.Pattern)

	left, err := r.Find(ctx, "*", StatusAssigned)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "other:api", left[0].ID)
}

func TestReclaimRevivesOldPort(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	first, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Release(ctx, "svc", "")
	require.NoError(t, err)

	revived, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)
	assert.False(t, revived.Existing, "revive is a fresh assignment")
	assert.Equal(t, first.Port, revived.Port, "old port revived while free")
}

func TestReclaimRedrawsWhenOldPortTaken(t *testing.T) {
	r, _ := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	first, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)
	_, err = r.Release(ctx, "svc", "")
	require.NoError(t, err)

	stolen, err := r.Claim(ctx, "squatter", ClaimOptions{Port: first.Port})
	require.NoError(t, err)
	require.Equal(t, first.Port, stolen.Port)

	revived, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Port, revived.Port)
}

func TestCleanupReleasesExpired(t *testing.T) {
	r, clk := newTestRegistry(t, Options{PortMin: 3100, PortMax: 3199})
	ctx := context.Background()

	var short ClaimOptions
	require.NoError(t, short.Expires.UnmarshalJSON([]byte(`50`)))
	_, err := r.Claim(ctx, "ephemeral", short)
	require.NoError(t, err)
	_, err = r.Claim(ctx, "durable", ClaimOptions{})
	require.NoError(t, err)

	clk.Advance(time.Second)
	n, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assigned, err := r.Find(ctx, "*", StatusAssigned)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "durable", assigned[0].ID)
}

func TestNegativeExpiresIsImmediatelySweepable(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	var opts ClaimOptions
	require.NoError(t, opts.Expires.UnmarshalJSON([]byte(`-1000`)))
	_, err := r.Claim(ctx, "past", opts)
	require.NoError(t, err)

	n, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEndpoints(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Claim(ctx, "svc", ClaimOptions{})
	require.NoError(t, err)

	require.NoError(t, r.SetEndpoint(ctx, "svc", "health", "http://127.0.0.1:3100/health"))
	require.NoError(t, r.SetEndpoint(ctx, "svc", "health", "http://127.0.0.1:3100/healthz"))
	require.NoError(t, r.SetEndpoint(ctx, "svc", "docs", "http://127.0.0.1:3100/docs"))

	info, err := r.Get(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"health": "http://127.0.0.1:3100/healthz",
		"docs":   "http://127.0.0.1:3100/docs",
	}, info.Endpoints)

	err = r.SetEndpoint(ctx, "ghost", "health", "http://x")
	require.Error(t, err)
	assert.Equal(t, fault.ServiceNotFound, fault.CodeOf(err))
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	_, err := r.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, fault.ServiceNotFound, fault.CodeOf(err))
}

func TestCountOwned(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Claim(ctx, "a", ClaimOptions{AgentID: "bot"})
	require.NoError(t, err)
	_, err = r.Claim(ctx, "b", ClaimOptions{AgentID: "bot"})
	require.NoError(t, err)
	_, err = r.Claim(ctx, "c", ClaimOptions{})
	require.NoError(t, err)

	n, err := r.CountOwned(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = r.Release(ctx, "a", "bot")
	require.NoError(t, err)
	n, err = r.CountOwned(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	a, err := r.Claim(ctx, "a", ClaimOptions{})
	require.NoError(t, err)

	snap, err := r.Snapshot(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": a.Port}, snap)
}

func TestWaitResolvesImmediately(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	a, err := r.Claim(ctx, "a", ClaimOptions{})
	require.NoError(t, err)

	res, err := r.Wait(ctx, []string{"a", "a"}, 1000)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, res.Requested, "duplicate ids collapse")
	assert.Equal(t, map[string]int{"a": a.Port}, res.Services)
}

func TestWaitWakesOnClaim(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	done := make(chan WaitResult, 1)
	go func() {
		res, err := r.Wait(ctx, []string{"late"}, 60_000)
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	claimed, err := r.Claim(ctx, "late", ClaimOptions{})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.True(t, res.Success)
		assert.Equal(t, claimed.Port, res.Services["late"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve after claim")
	}
}

func TestWaitTimesOutWithPartialResult(t *testing.T) {
	r, clk := newTestRegistry(t, Options{})
	ctx := context.Background()

	a, err := r.Claim(ctx, "a", ClaimOptions{})
	require.NoError(t, err)

	done := make(chan WaitResult, 1)
	go func() {
		res, werr := r.Wait(ctx, []string{"a", "missing"}, 1000)
		require.NoError(t, werr)
		done <- res
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(2 * time.Second)

	select {
	case res := <-done:
		assert.True(t, res.TimedOut)
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.Resolved)
		assert.Equal(t, 2, res.Requested)
		assert.Equal(t, a.Port, res.Services["a"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not time out")
	}
}
