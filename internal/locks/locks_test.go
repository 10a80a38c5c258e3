package locks

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	r := New(db.OpenTest(t), clk, zaptest.NewLogger(t), nil, nil)
	return r, clk
}

func ttl(t *testing.T, raw string) (d clock.Duration) {
	t.Helper()
	require.NoError(t, d.UnmarshalJSON([]byte(raw)))
	return d
}

func TestAcquireDefaults(t *testing.T) {
	r, clk := newTestRegistry(t)
	res, err := r.Acquire(context.Background(), "deploy", AcquireOptions{PID: 777})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "agent-777", res.Owner, "owner defaults to agent-<pid>")
	assert.Equal(t, clk.Now().UnixMilli(), res.AcquiredAt)
	assert.Equal(t, res.AcquiredAt+DefaultTTLMs, res.ExpiresAt)
}

func TestAcquireHeld(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice"})
	require.NoError(t, err)

	_, err = r.Acquire(ctx, "deploy", AcquireOptions{Owner: "bob"})
	require.Error(t, err)
	assert.Equal(t, fault.LockHeld, fault.CodeOf(err))
	assert.Equal(t, "alice", fault.DetailOf(err)["holder"])

	// Same owner re-acquiring is still LOCK_HELD; extension is explicit.
	_, err = r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice"})
	require.Error(t, err)
	assert.Equal(t, fault.LockHeld, fault.CodeOf(err))
}

func TestAcquireAfterExpiry(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice", TTL: ttl(t, `1000`)})
	require.NoError(t, err)

	clk.Advance(1001 * time.Millisecond)
	res, err := r.Acquire(ctx, "deploy", AcquireOptions{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Owner, "expired lock is free for the next caller")
}

func TestTTLRules(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()

	res, err := r.Acquire(ctx, "str", AcquireOptions{TTL: ttl(t, `"30s"`)})
	require.NoError(t, err)
	assert.Equal(t, now+30_000, res.ExpiresAt)

	res, err = r.Acquire(ctx, "zero", AcquireOptions{TTL: ttl(t, `0`)})
	require.NoError(t, err)
	assert.Equal(t, now+DefaultTTLMs, res.ExpiresAt, "non-positive ttl falls back to default")

	res, err = r.Acquire(ctx, "neg", AcquireOptions{TTL: ttl(t, `-5`)})
	require.NoError(t, err)
	assert.Equal(t, now+DefaultTTLMs, res.ExpiresAt)

	res, err = r.Acquire(ctx, "huge", AcquireOptions{TTL: ttl(t, `"2d"`)})
	require.NoError(t, err)
	assert.Equal(t, now+MaxTTLMs, res.ExpiresAt, "oversized ttl clamps to the max")

	_, err = r.Acquire(ctx, "bad", AcquireOptions{TTL: ttl(t, `"soon"`)})
	require.Error(t, err)
	assert.Equal(t, fault.InvalidTTL, fault.CodeOf(err))
}

func TestAcquireInvalidName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Acquire(context.Background(), "a:b:c:d", AcquireOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestReleaseOwnerRules(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice"})
	require.NoError(t, err)

	_, err = r.Release(ctx, "deploy", ReleaseOptions{Owner: "bob"})
	require.Error(t, err)
	assert.Equal(t, fault.LockNotFound, fault.CodeOf(err))
	assert.Equal(t, "alice", fault.DetailOf(err)["holder"])

	res, err := r.Release(ctx, "deploy", ReleaseOptions{Owner: "bob", Force: true})
	require.NoError(t, err)
	assert.True(t, res.Released)

	res, err = r.Release(ctx, "deploy", ReleaseOptions{Owner: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Released, "releasing a free lock is a no-op")
}

func TestExtend(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice", TTL: ttl(t, `60000`)})
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	ext, err := r.Extend(ctx, "deploy", ExtendOptions{Owner: "alice", TTL: ttl(t, `60000`)})
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli()+60_000, ext.ExpiresAt)
	assert.Greater(t, ext.ExpiresAt, first.ExpiresAt)

	_, err = r.Extend(ctx, "deploy", ExtendOptions{Owner: "bob"})
	require.Error(t, err)
	assert.Equal(t, fault.LockNotFound, fault.CodeOf(err))

	_, err = r.Extend(ctx, "free", ExtendOptions{Owner: "alice"})
	require.Error(t, err)
	assert.Equal(t, fault.LockNotFound, fault.CodeOf(err))
}

func TestCheck(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Check(ctx, "deploy")
	require.NoError(t, err)
	assert.False(t, res.Held)

	_, err = r.Acquire(ctx, "deploy", AcquireOptions{Owner: "alice", TTL: ttl(t, `60000`), Metadata: []byte(`{"branch":"main"}`)})
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	res, err = r.Check(ctx, "deploy")
	require.NoError(t, err)
	assert.True(t, res.Held)
	assert.Equal(t, "alice", res.Owner)
	assert.Equal(t, int64(50_000), res.ExpiresInMs)
	assert.Equal(t, map[string]any{"branch": "main"}, res.Metadata)

	clk.Advance(time.Minute)
	res, err = r.Check(ctx, "deploy")
	require.NoError(t, err)
	assert.False(t, res.Held, "expired lock reads as free")
}

func TestListAndCountOwned(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "one", AcquireOptions{Owner: "alice"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = r.Acquire(ctx, "two", AcquireOptions{Owner: "alice"})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "three", AcquireOptions{Owner: "bob", TTL: ttl(t, `500`)})
	require.NoError(t, err)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "two", all[0].Name, "most recently acquired first")

	clk.Advance(time.Second)
	n, err := r.CountOwned(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.CountOwned(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n, "expired locks do not count")

	mine, err := r.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestCleanup(t *testing.T) {
	r, clk := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "short", AcquireOptions{TTL: ttl(t, `100`)})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "long", AcquireOptions{})
	require.NoError(t, err)

	clk.Advance(time.Second)
	n, err := r.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "long", live[0].Name)
}

func TestForceReleaseOwned(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Acquire(ctx, "a", AcquireOptions{Owner: "ghost"})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "b", AcquireOptions{Owner: "ghost"})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "c", AcquireOptions{Owner: "alive"})
	require.NoError(t, err)

	n, err := r.ForceReleaseOwned(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "alive", live[0].Name)
}
