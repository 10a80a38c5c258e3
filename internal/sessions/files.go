package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

func fetchSession(tx *gorm.DB, sessionID string) (db.Session, error) {
	var cur db.Session
	err := tx.Where("id = ?", sessionID).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Session{}, fault.Newf(fault.SessionNotFound, "session %q not found", sessionID)
	}
	return cur, err
}

// Conflict is another session's active claim on a path the caller touched.
type Conflict struct {
	Path      string `json:"path"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
	ClaimedAt int64  `json:"claimed_at"`
}

// ClaimFilesResult is the success arm of ClaimFiles. Conflicts never stop a
// claim; they are the whole point of making one.
type ClaimFilesResult struct {
	Success   bool       `json:"success"`
	Claimed   []string   `json:"claimed"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// ClaimFiles records an advisory claim on each path. Re-claiming a path the
// session already holds refreshes it in place; a previously released row
// flips back to active without moving claimed_at.
func (m *Manager) ClaimFiles(ctx context.Context, sessionID string, paths []string) (ClaimFilesResult, error) {
	if len(paths) == 0 {
		return ClaimFilesResult{}, fault.New(fault.ValidationError, "at least one path is required")
	}
	for _, p := range paths {
		if p == "" {
			return ClaimFilesResult{}, fault.New(fault.ValidationError, "empty path")
		}
	}

	now := clock.Millis(m.clock)
	res := ClaimFilesResult{Success: true, Claimed: make([]string, 0, len(paths))}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, ferr := fetchSession(tx, sessionID); ferr != nil {
			return ferr
		}
		for _, path := range paths {
			var cur db.FileClaim
			ferr := tx.Where("session_id = ? AND file_path = ?", sessionID, path).First(&cur).Error
			switch {
			case errors.Is(ferr, gorm.ErrRecordNotFound):
				if cerr := tx.Create(&db.FileClaim{
					SessionID: sessionID,
					FilePath:  path,
					ClaimedAt: now,
				}).Error; cerr != nil {
					return cerr
				}
			case ferr != nil:
				return ferr
			case cur.ReleasedAt != 0:
				if uerr := tx.Model(&db.FileClaim{}).Where("id = ?", cur.ID).
					Update("released_at", 0).Error; uerr != nil {
					return uerr
				}
			}
			res.Claimed = append(res.Claimed, path)
		}

		conflicts, cerr := activeClaimsOn(tx, paths, sessionID)
		if cerr != nil {
			return cerr
		}
		res.Conflicts = conflicts
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return ClaimFilesResult{}, err
	}

	m.record(ctx, activity.Entry{
		Type:     activity.TypeFileClaim,
		TargetID: sessionID,
		Details:  fmt.Sprintf("%d file(s), %d conflict(s)", len(res.Claimed), len(res.Conflicts)),
	})
	m.trigger(activity.TypeFileClaim, map[string]any{
		"session_id": sessionID, "paths": paths, "conflicts": len(res.Conflicts),
	}, sessionID)
	return res, nil
}

// ReleaseFilesResult lists what a release actually freed.
type ReleaseFilesResult struct {
	Success  bool     `json:"success"`
	Released []string `json:"released"`
}

// ReleaseFiles ends the session's active claims on the given paths and
// reports which were actually held. Other sessions' claims are untouched.
func (m *Manager) ReleaseFiles(ctx context.Context, sessionID string, paths []string) (ReleaseFilesResult, error) {
	if len(paths) == 0 {
		return ReleaseFilesResult{}, fault.New(fault.ValidationError, "at least one path is required")
	}

	now := clock.Millis(m.clock)
	res := ReleaseFilesResult{Success: true, Released: []string{}}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, ferr := fetchSession(tx, sessionID); ferr != nil {
			return ferr
		}
		var held []db.FileClaim
		if ferr := tx.Where("session_id = ? AND released_at = 0 AND file_path IN ?", sessionID, paths).
			Find(&held).Error; ferr != nil {
			return ferr
		}
		if len(held) == 0 {
			return nil
		}
		ids := make([]int64, len(held))
		for i, c := range held {
			ids[i] = c.ID
			res.Released = append(res.Released, c.FilePath)
		}
		return tx.Model(&db.FileClaim{}).Where("id IN ?", ids).
			Update("released_at", now).Error
	})
	if err != nil {
		return ReleaseFilesResult{}, err
	}

	if len(res.Released) > 0 {
		m.record(ctx, activity.Entry{
			Type:     activity.TypeFileRelease,
			TargetID: sessionID,
			Details:  fmt.Sprintf("%d file(s)", len(res.Released)),
		})
		m.trigger(activity.TypeFileRelease, map[string]any{
			"session_id": sessionID, "paths": res.Released,
		}, sessionID)
	}
	return res, nil
}

// FileConflicts returns every active claim on the given paths across all
// sessions, the asking session's included.
func (m *Manager) FileConflicts(ctx context.Context, paths []string) ([]Conflict, error) {
	if len(paths) == 0 {
		return []Conflict{}, nil
	}
	var out []Conflict
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cerr error
		out, cerr = activeClaimsOn(tx, paths, "")
		return cerr
	})
	return out, err
}

// activeClaimsOn lists active claims on the paths, joined with their
// sessions; excludeSession drops the caller's own rows.
func activeClaimsOn(tx *gorm.DB, paths []string, excludeSession string) ([]Conflict, error) {
	q := tx.Model(&db.FileClaim{}).
		Select("file_claims.file_path AS path, file_claims.session_id, file_claims.claimed_at, sessions.agent_id, sessions.purpose").
		Joins("JOIN sessions ON sessions.id = file_claims.session_id").
		Where("file_claims.released_at = 0 AND file_claims.file_path IN ?", paths)
	if excludeSession != "" {
		q = q.Where("file_claims.session_id <> ?", excludeSession)
	}
	var rows []Conflict
	if err := q.Order("file_claims.claimed_at ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Conflict{}
	}
	return rows, nil
}

// FileInfo is one claim row, released ones included.
type FileInfo struct {
	Path       string `json:"path"`
	ClaimedAt  int64  `json:"claimed_at"`
	ReleasedAt int64  `json:"released_at,omitempty"`
	Active     bool   `json:"active"`
}

// Info is one session as returned to clients. Notes and Files are populated
// by Get and, when asked, by List.
type Info struct {
	ID          string     `json:"id"`
	Purpose     string     `json:"purpose"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      string     `json:"status"`
	Metadata    any        `json:"metadata,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Notes       []NoteInfo `json:"notes,omitempty"`
	Files       []FileInfo `json:"files,omitempty"`
}

func toInfo(s db.Session) Info {
	info := Info{
		ID:          s.ID,
		Purpose:     s.Purpose,
		AgentID:     s.AgentID,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
	if s.Metadata != "" {
		var v any
		if err := json.Unmarshal([]byte(s.Metadata), &v); err == nil {
			info.Metadata = v
		}
	}
	return info
}

func toNoteInfo(n db.SessionNote) NoteInfo {
	return NoteInfo{ID: n.ID, SessionID: n.SessionID, Content: n.Content, Type: n.Type, CreatedAt: n.CreatedAt}
}

// ListQuery narrows List. Status defaults to active; "all" disables the
// filter.
type ListQuery struct {
	Status       string
	AgentID      string
	IncludeNotes bool
	Limit        int
}

// List returns sessions most recently touched first.
func (m *Manager) List(ctx context.Context, q ListQuery) ([]Info, error) {
	status := q.Status
	if status == "" {
		status = StatusActive
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	tx := m.db.WithContext(ctx).Model(&db.Session{})
	if status != "all" {
		tx = tx.Where("status = ?", status)
	}
	if q.AgentID != "" {
		tx = tx.Where("agent_id = ?", q.AgentID)
	}

	var rows []db.Session
	if err := tx.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]Info, len(rows))
	ids := make([]string, len(rows))
	for i, s := range rows {
		out[i] = toInfo(s)
		ids[i] = s.ID
	}

	if q.IncludeNotes && len(ids) > 0 {
		var notes []db.SessionNote
		err := m.db.WithContext(ctx).
			Where("session_id IN ?", ids).
			Order("created_at ASC, id ASC").
			Find(&notes).Error
		if err != nil {
			return nil, err
		}
		bySession := make(map[string][]NoteInfo, len(ids))
		for _, n := range notes {
			bySession[n.SessionID] = append(bySession[n.SessionID], toNoteInfo(n))
		}
		for i := range out {
			out[i].Notes = bySession[out[i].ID]
		}
	}
	return out, nil
}

// Get returns one session with its full note trail (oldest first) and every
// file row, released ones included.
func (m *Manager) Get(ctx context.Context, sessionID string) (Info, error) {
	var cur db.Session
	err := m.db.WithContext(ctx).Where("id = ?", sessionID).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Info{}, fault.Newf(fault.SessionNotFound, "session %q not found", sessionID)
	}
	if err != nil {
		return Info{}, err
	}
	info := toInfo(cur)

	var notes []db.SessionNote
	if err := m.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&notes).Error; err != nil {
		return Info{}, err
	}
	info.Notes = make([]NoteInfo, len(notes))
	for i, n := range notes {
		info.Notes[i] = toNoteInfo(n)
	}

	var claims []db.FileClaim
	if err := m.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("claimed_at ASC, id ASC").
		Find(&claims).Error; err != nil {
		return Info{}, err
	}
	info.Files = make([]FileInfo, len(claims))
	for i, c := range claims {
		info.Files[i] = FileInfo{
			Path:       c.FilePath,
			ClaimedAt:  c.ClaimedAt,
			ReleasedAt: c.ReleasedAt,
			Active:     c.ReleasedAt == 0,
		}
	}
	return info, nil
}

// Remove hard-deletes the session; notes and claims cascade with it.
// Removing a missing session succeeds with removed=false.
func (m *Manager) Remove(ctx context.Context, sessionID string) (bool, error) {
	res := m.db.WithContext(ctx).Where("id = ?", sessionID).Delete(&db.Session{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CleanupOptions tune Cleanup. Zero OlderThanMs means the 7-day default;
// empty Status sweeps both terminal states.
type CleanupOptions struct {
	OlderThanMs int64
	Status      string
}

// Cleanup deletes terminal sessions that have not been touched for the
// retention window and returns how many went. Cascades remove their notes
// and claims.
func (m *Manager) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	olderThan := opts.OlderThanMs
	if olderThan <= 0 {
		olderThan = DefaultCleanupAgeMs
	}
	cutoff := clock.Millis(m.clock) - olderThan

	tx := m.db.WithContext(ctx).Where("updated_at < ?", cutoff)
	if opts.Status != "" {
		tx = tx.Where("status = ?", opts.Status)
	} else {
		tx = tx.Where("status IN ?", []string{StatusCompleted, StatusAbandoned})
	}
	res := tx.Delete(&db.Session{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		m.logger.Info("old sessions removed", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

func (m *Manager) record(ctx context.Context, e activity.Entry) {
	if m.activity != nil {
		m.activity.Append(ctx, e)
	}
}

func (m *Manager) trigger(event string, payload map[string]any, target string) {
	if m.events != nil {
		m.events.Trigger(event, payload, target)
	}
}
