// Package sessions implements bounded units of agent work: a session owns
// an append-only trail of notes and a set of advisory file claims. Claims
// never block anybody; they exist so overlapping work is visible before it
// becomes a merge conflict.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

// Session status values. Completed and abandoned are terminal; paused can
// resume.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
	StatusPaused    = "paused"
)

// QuickNotePurpose names the implicit session QuickNote creates.
const QuickNotePurpose = "Quick notes"

// DefaultCleanupAgeMs is how long terminal sessions linger before the sweep
// removes them.
const DefaultCleanupAgeMs int64 = 7 * 86_400_000

// EventTrigger fans a lifecycle event out to matching webhooks.
type EventTrigger interface {
	Trigger(event string, payload map[string]any, targetID string) int
}

// Manager is the sessions component.
type Manager struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	activity activity.Recorder
	events   EventTrigger
}

// New builds the manager. The activity recorder and event trigger may be
// nil (direct-DB maintenance mode).
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, rec activity.Recorder, events EventTrigger) *Manager {
	return &Manager{
		db:       database,
		clock:    clk,
		logger:   logger.Named("sessions"),
		activity: rec,
		events:   events,
	}
}

// newSessionID draws a fresh "session-xxxxxxxx" id.
func newSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "session-" + hex.EncodeToString(b), nil
}

// StartOptions tune Start.
type StartOptions struct {
	AgentID  string
	Metadata json.RawMessage
	Files    []string
}

// StartResult is the success arm of Start. Conflicts lists other sessions'
// active claims on the initially claimed files.
type StartResult struct {
	Success   bool       `json:"success"`
	SessionID string     `json:"session_id"`
	Status    string     `json:"status"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// Start opens a session and optionally claims an initial file set.
func (m *Manager) Start(ctx context.Context, purpose string, opts StartOptions) (StartResult, error) {
	if purpose == "" {
		return StartResult{}, fault.New(fault.ValidationError, "purpose is required")
	}

	now := clock.Millis(m.clock)
	var id string
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; ; attempt++ {
			candidate, gerr := newSessionID()
			if gerr != nil {
				return gerr
			}
			var n int64
			if cerr := tx.Model(&db.Session{}).Where("id = ?", candidate).Count(&n).Error; cerr != nil {
				return cerr
			}
			if n == 0 {
				id = candidate
				break
			}
			if attempt == 2 {
				return fmt.Errorf("session id space exhausted after %d draws", attempt+1)
			}
		}
		return tx.Create(&db.Session{
			ID:        id,
			Purpose:   purpose,
			AgentID:   opts.AgentID,
			Status:    StatusActive,
			Metadata:  string(opts.Metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	})
	if err != nil {
		return StartResult{}, err
	}

	m.record(ctx, activity.Entry{
		Type:     activity.TypeSessionStart,
		AgentID:  opts.AgentID,
		TargetID: id,
		Details:  purpose,
	})
	m.trigger(activity.TypeSessionStart, map[string]any{
		"session_id": id, "purpose": purpose, "agent_id": opts.AgentID,
	}, id)

	res := StartResult{Success: true, SessionID: id, Status: StatusActive}
	if len(opts.Files) > 0 {
		claimed, cerr := m.ClaimFiles(ctx, id, opts.Files)
		if cerr != nil {
			return StartResult{}, cerr
		}
		res.Conflicts = claimed.Conflicts
	}
	return res, nil
}

// NoteInfo is one note as returned to clients.
type NoteInfo struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
}

// AddNote appends an immutable note and bumps the session's updated_at so
// active work floats to the top of listings.
func (m *Manager) AddNote(ctx context.Context, sessionID, content, noteType string) (NoteInfo, error) {
	if content == "" {
		return NoteInfo{}, fault.New(fault.ValidationError, "note content is required")
	}
	if noteType == "" {
		noteType = "note"
	}

	now := clock.Millis(m.clock)
	note := db.SessionNote{
		SessionID: sessionID,
		Content:   content,
		Type:      noteType,
		CreatedAt: now,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, ferr := fetchSession(tx, sessionID); ferr != nil {
			return ferr
		}
		if cerr := tx.Create(&note).Error; cerr != nil {
			return cerr
		}
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return NoteInfo{}, err
	}

	m.record(ctx, activity.Entry{
		Type:     activity.TypeSessionNote,
		TargetID: sessionID,
		Details:  noteType,
	})
	m.trigger(activity.TypeSessionNote, map[string]any{
		"session_id": sessionID, "note_id": note.ID, "type": noteType,
	}, sessionID)

	return NoteInfo{ID: note.ID, SessionID: sessionID, Content: content, Type: noteType, CreatedAt: now}, nil
}

// QuickNoteOptions tune QuickNote.
type QuickNoteOptions struct {
	AgentID  string
	NoteType string
}

// QuickNoteResult names both the note and the session it landed in.
type QuickNoteResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	NoteID    int64  `json:"note_id"`
	Created   bool   `json:"created"`
}

// QuickNote appends to the caller's most recent active session, creating a
// "Quick notes" session when there is none to append to. Callers without an
// agent id always get a fresh session; there is nothing to match them on.
func (m *Manager) QuickNote(ctx context.Context, content string, opts QuickNoteOptions) (QuickNoteResult, error) {
	if content == "" {
		return QuickNoteResult{}, fault.New(fault.ValidationError, "note content is required")
	}

	sessionID := ""
	if opts.AgentID != "" {
		var cur db.Session
		err := m.db.WithContext(ctx).
			Where("agent_id = ? AND status = ?", opts.AgentID, StatusActive).
			Order("updated_at DESC").
			First(&cur).Error
		switch {
		case err == nil:
			sessionID = cur.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return QuickNoteResult{}, err
		}
	}

	created := false
	if sessionID == "" {
		started, err := m.Start(ctx, QuickNotePurpose, StartOptions{AgentID: opts.AgentID})
		if err != nil {
			return QuickNoteResult{}, err
		}
		sessionID = started.SessionID
		created = true
	}

	note, err := m.AddNote(ctx, sessionID, content, opts.NoteType)
	if err != nil {
		return QuickNoteResult{}, err
	}
	return QuickNoteResult{Success: true, SessionID: sessionID, NoteID: note.ID, Created: created}, nil
}

// EndResult is the success arm of End/Abandon. ReleasedFiles lists the
// claims freed by the terminating call; a repeated end releases nothing.
type EndResult struct {
	Success       bool     `json:"success"`
	SessionID     string   `json:"session_id"`
	Status        string   `json:"status"`
	ReleasedFiles []string `json:"released_files"`
	NoteID        int64    `json:"note_id,omitempty"`
}

// End moves the session to a terminal status, stamps completed_at, appends
// an optional handoff note, and releases every active file claim. Ending an
// already-terminal session is a no-op success.
func (m *Manager) End(ctx context.Context, sessionID, status, note string) (EndResult, error) {
	if status == "" {
		status = StatusCompleted
	}
	if status != StatusCompleted && status != StatusAbandoned {
		return EndResult{}, fault.Newf(fault.ValidationError, "cannot end a session with status %q", status)
	}

	now := clock.Millis(m.clock)
	var (
		released []string
		noteID   int64
		already  bool
		current  string
	)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, ferr := fetchSession(tx, sessionID)
		if ferr != nil {
			return ferr
		}
		current = cur.Status
		if cur.Status == StatusCompleted || cur.Status == StatusAbandoned {
			already = true
			return nil
		}

		if uerr := tx.Model(&db.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
			"status":       status,
			"completed_at": now,
			"updated_at":   now,
		}).Error; uerr != nil {
			return uerr
		}

		if note != "" {
			row := db.SessionNote{SessionID: sessionID, Content: note, Type: "handoff", CreatedAt: now}
			if nerr := tx.Create(&row).Error; nerr != nil {
				return nerr
			}
			noteID = row.ID
		}

		var claims []db.FileClaim
		if cerr := tx.Where("session_id = ? AND released_at = 0", sessionID).Find(&claims).Error; cerr != nil {
			return cerr
		}
		if len(claims) > 0 {
			if uerr := tx.Model(&db.FileClaim{}).
				Where("session_id = ? AND released_at = 0", sessionID).
				Update("released_at", now).Error; uerr != nil {
				return uerr
			}
			for _, c := range claims {
				released = append(released, c.FilePath)
			}
		}
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}
	if already {
		return EndResult{Success: true, SessionID: sessionID, Status: current, ReleasedFiles: []string{}}, nil
	}

	entryType := activity.TypeSessionEnd
	if status == StatusAbandoned {
		entryType = activity.TypeSessionAbandon
	}
	m.record(ctx, activity.Entry{
		Type:     entryType,
		TargetID: sessionID,
		Details:  fmt.Sprintf("%s, %d file claim(s) released", status, len(released)),
	})
	m.trigger(entryType, map[string]any{
		"session_id": sessionID, "status": status, "released_files": len(released),
	}, sessionID)

	if released == nil {
		released = []string{}
	}
	return EndResult{Success: true, SessionID: sessionID, Status: status, ReleasedFiles: released, NoteID: noteID}, nil
}

// Abandon is End with status abandoned and no implicit note.
func (m *Manager) Abandon(ctx context.Context, sessionID string) (EndResult, error) {
	return m.End(ctx, sessionID, StatusAbandoned, "")
}

// Pause suspends an active session. Pausing a paused session is a no-op;
// terminal sessions cannot be paused.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	return m.setSuspension(ctx, sessionID, StatusPaused)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.setSuspension(ctx, sessionID, StatusActive)
}

func (m *Manager) setSuspension(ctx context.Context, sessionID, target string) error {
	now := clock.Millis(m.clock)
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, ferr := fetchSession(tx, sessionID)
		if ferr != nil {
			return ferr
		}
		if cur.Status == target {
			return nil
		}
		if cur.Status == StatusCompleted || cur.Status == StatusAbandoned {
			return fault.Newf(fault.ValidationError, "session %s is already %s", sessionID, cur.Status)
		}
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).
			Updates(map[string]any{"status": target, "updated_at": now}).Error
	})
}
