package sessions

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	m := New(db.OpenTest(t), clk, zaptest.NewLogger(t), nil, nil)
	return m, clk
}

var sessionIDPattern = regexp.MustCompile(`^session-[0-9a-f]{8}$`)

func TestStart(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	res, err := m.Start(ctx, "work on auth", StartOptions{AgentID: "bot"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Regexp(t, sessionIDPattern, res.SessionID)
	assert.Equal(t, StatusActive, res.Status)
	assert.Empty(t, res.Conflicts)

	info, err := m.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "work on auth", info.Purpose)
	assert.Equal(t, "bot", info.AgentID)
	assert.Equal(t, clk.Now().UnixMilli(), info.CreatedAt)

	_, err = m.Start(ctx, "", StartOptions{})
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestFileClaimConflicts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Start(ctx, "work", StartOptions{Files: []string{"a.ts"}})
	require.NoError(t, err)
	assert.Empty(t, first.Conflicts)

	second, err := m.Start(ctx, "other", StartOptions{Files: []string{"a.ts", "b.ts"}})
	require.NoError(t, err)
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, "a.ts", second.Conflicts[0].Path)
	assert.Equal(t, first.SessionID, second.Conflicts[0].SessionID)
	assert.Equal(t, "work", second.Conflicts[0].Purpose)

	all, err := m.FileConflicts(ctx, []string{"a.ts"})
	require.NoError(t, err)
	assert.Len(t, all, 2, "both active claims visible")

	_, err = m.End(ctx, first.SessionID, "", "")
	require.NoError(t, err)

	all, err = m.FileConflicts(ctx, []string{"a.ts"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.SessionID, all[0].SessionID)
}

func TestClaimIsAdvisory(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	one, err := m.Start(ctx, "one", StartOptions{})
	require.NoError(t, err)
	two, err := m.Start(ctx, "two", StartOptions{})
	require.NoError(t, err)

	_, err = m.ClaimFiles(ctx, one.SessionID, []string{"x.go"})
	require.NoError(t, err)

	res, err := m.ClaimFiles(ctx, two.SessionID, []string{"x.go"})
	require.NoError(t, err)
	assert.True(t, res.Success, "conflicting claim still succeeds")
	assert.Equal(t, []string{"x.go"}, res.Claimed)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, one.SessionID, res.Conflicts[0].SessionID)
}

func TestReclaimKeepsClaimedAt(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "work", StartOptions{})
	require.NoError(t, err)
	_, err = m.ClaimFiles(ctx, s.SessionID, []string{"a.go"})
	require.NoError(t, err)
	claimedAt := clk.Now().UnixMilli()

	clk.Advance(time.Minute)
	_, err = m.ReleaseFiles(ctx, s.SessionID, []string{"a.go"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = m.ClaimFiles(ctx, s.SessionID, []string{"a.go"})
	require.NoError(t, err)

	info, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, info.Files, 1)
	assert.True(t, info.Files[0].Active)
	assert.Equal(t, claimedAt, info.Files[0].ClaimedAt, "re-claim does not move claimed_at")
}

func TestReleaseFilesOnlyOwn(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	one, err := m.Start(ctx, "one", StartOptions{Files: []string{"a.go"}})
	require.NoError(t, err)
	two, err := m.Start(ctx, "two", StartOptions{})
	require.NoError(t, err)

	res, err := m.ReleaseFiles(ctx, two.SessionID, []string{"a.go", "b.go"})
	require.NoError(t, err)
	assert.Empty(t, res.Released, "cannot release another session's claim")

	conflicts, err := m.FileConflicts(ctx, []string{"a.go"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, one.SessionID, conflicts[0].SessionID)
}

func TestNotes(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "work", StartOptions{})
	require.NoError(t, err)

	first, err := m.AddNote(ctx, s.SessionID, "found the bug", "")
	require.NoError(t, err)
	assert.Equal(t, "note", first.Type)

	clk.Advance(time.Second)
	_, err = m.AddNote(ctx, s.SessionID, "decided to refactor", "decision")
	require.NoError(t, err)

	info, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, info.Notes, 2)
	assert.Equal(t, "found the bug", info.Notes[0].Content, "notes come back oldest first")
	assert.Equal(t, "decision", info.Notes[1].Type)

	_, err = m.AddNote(ctx, "session-00000000", "x", "")
	require.Error(t, err)
	assert.Equal(t, fault.SessionNotFound, fault.CodeOf(err))

	_, err = m.AddNote(ctx, s.SessionID, "", "")
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestQuickNote(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// No active session for the agent: one is created.
	res, err := m.QuickNote(ctx, "remember this", QuickNoteOptions{AgentID: "bot"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	info, err := m.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, QuickNotePurpose, info.Purpose)

	// Second quick note lands in the same session.
	again, err := m.QuickNote(ctx, "and this", QuickNoteOptions{AgentID: "bot"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.SessionID, again.SessionID)

	// Anonymous callers cannot be matched to a session.
	anon, err := m.QuickNote(ctx, "whoami", QuickNoteOptions{})
	require.NoError(t, err)
	assert.True(t, anon.Created)
	assert.NotEqual(t, res.SessionID, anon.SessionID)
}

func TestEndReleasesClaims(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "work", StartOptions{Files: []string{"a.go", "b.go"}})
	require.NoError(t, err)

	res, err := m.End(ctx, s.SessionID, "", "wrapping up, b.go still dirty")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, res.ReleasedFiles)
	assert.NotZero(t, res.NoteID)

	info, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), info.CompletedAt)
	require.Len(t, info.Notes, 1)
	assert.Equal(t, "handoff", info.Notes[0].Type)
	for _, f := range info.Files {
		assert.False(t, f.Active)
	}

	// Re-ending is a no-op success and releases nothing.
	res, err = m.End(ctx, s.SessionID, StatusAbandoned, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status, "terminal status does not change")
	assert.Empty(t, res.ReleasedFiles)
}

func TestEndValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.End(ctx, "session-00000000", "", "")
	require.Error(t, err)
	assert.Equal(t, fault.SessionNotFound, fault.CodeOf(err))

	s, err := m.Start(ctx, "work", StartOptions{})
	require.NoError(t, err)
	_, err = m.End(ctx, s.SessionID, "paused", "")
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestAbandon(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "dead end", StartOptions{})
	require.NoError(t, err)

	res, err := m.Abandon(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, res.Status)

	info, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, info.Notes, "abandon writes no implicit note")
}

func TestPauseResume(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "work", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, s.SessionID))
	info, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, info.Status)

	require.NoError(t, m.Pause(ctx, s.SessionID), "pausing a paused session is a no-op")

	require.NoError(t, m.Resume(ctx, s.SessionID))
	info, err = m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, info.Status)

	_, err = m.End(ctx, s.SessionID, "", "")
	require.NoError(t, err)
	err = m.Pause(ctx, s.SessionID)
	require.Error(t, err)
	assert.Equal(t, fault.ValidationError, fault.CodeOf(err))
}

func TestList(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	a, err := m.Start(ctx, "first", StartOptions{AgentID: "bot"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	b, err := m.Start(ctx, "second", StartOptions{})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = m.End(ctx, b.SessionID, "", "")
	require.NoError(t, err)

	active, err := m.List(ctx, ListQuery{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.SessionID, active[0].ID)

	all, err := m.List(ctx, ListQuery{Status: "all"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.SessionID, all[0].ID, "most recently touched first")

	mine, err := m.List(ctx, ListQuery{AgentID: "bot"})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	clk.Advance(time.Second)
	_, err = m.AddNote(ctx, a.SessionID, "still here", "")
	require.NoError(t, err)
	withNotes, err := m.List(ctx, ListQuery{IncludeNotes: true})
	require.NoError(t, err)
	require.Len(t, withNotes, 1)
	require.Len(t, withNotes[0].Notes, 1)
	assert.Equal(t, "still here", withNotes[0].Notes[0].Content)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Start(ctx, "work", StartOptions{Files: []string{"a.go"}})
	require.NoError(t, err)
	_, err = m.AddNote(ctx, s.SessionID, "x", "")
	require.NoError(t, err)

	removed, err := m.Remove(ctx, s.SessionID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = m.Get(ctx, s.SessionID)
	require.Error(t, err)
	assert.Equal(t, fault.SessionNotFound, fault.CodeOf(err))

	removed, err = m.Remove(ctx, s.SessionID)
	require.NoError(t, err)
	assert.False(t, removed, "second remove is a no-op")
}

func TestCleanup(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	old, err := m.Start(ctx, "old work", StartOptions{})
	require.NoError(t, err)
	_, err = m.End(ctx, old.SessionID, "", "")
	require.NoError(t, err)

	fresh, err := m.Start(ctx, "fresh work", StartOptions{})
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	n, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "active sessions survive the sweep")

	_, err = m.Get(ctx, old.SessionID)
	require.Error(t, err)
	_, err = m.Get(ctx, fresh.SessionID)
	require.NoError(t, err)
}

func TestCleanupStatusFilter(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	done, err := m.Start(ctx, "done", StartOptions{})
	require.NoError(t, err)
	_, err = m.End(ctx, done.SessionID, "", "")
	require.NoError(t, err)

	dropped, err := m.Start(ctx, "dropped", StartOptions{})
	require.NoError(t, err)
	_, err = m.Abandon(ctx, dropped.SessionID)
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	n, err := m.Cleanup(ctx, CleanupOptions{Status: StatusAbandoned})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, done.SessionID)
	require.NoError(t, err, "completed session survives an abandoned-only sweep")
}
