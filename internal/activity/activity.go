// Package activity implements the append-only activity log: a total order
// of observed events across the daemon, with type/agent/target filters and
// a retention policy. Its event-type taxonomy doubles as the webhook event
// enum.
package activity

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/identity"
)

// Event types. Every lifecycle transition a component reports uses one of
// these; webhook subscriptions validate against the same set.
const (
	TypeServiceClaim    = "service.claim"
	TypeServiceRelease  = "service.release"
	TypeServiceExpire   = "service.expire"
	TypeServiceEndpoint = "service.endpoint"

	TypeLockAcquire = "lock.acquire"
	TypeLockRelease = "lock.release"
	TypeLockExtend  = "lock.extend"
	TypeLockExpire  = "lock.expire"

	TypeAgentRegister   = "agent.register"
	TypeAgentUnregister = "agent.unregister"
	TypeAgentStale      = "agent.stale"

	TypeMessagePublish = "message.publish"
	TypeMessageClear   = "message.clear"

	TypeSessionStart   = "session.start"
	TypeSessionNote    = "session.note"
	TypeSessionEnd     = "session.end"
	TypeSessionAbandon = "session.abandon"

	TypeFileClaim   = "file.claim"
	TypeFileRelease = "file.release"

	TypeDaemonStart = "daemon.start"
	TypeDaemonStop  = "daemon.stop"

	TypeCleanup = "cleanup"
)

var knownTypes = map[string]struct{}{
	TypeServiceClaim: {}, TypeServiceRelease: {}, TypeServiceExpire: {}, TypeServiceEndpoint: {},
	TypeLockAcquire: {}, TypeLockRelease: {}, TypeLockExtend: {}, TypeLockExpire: {},
	TypeAgentRegister: {}, TypeAgentUnregister: {}, TypeAgentStale: {},
	TypeMessagePublish: {}, TypeMessageClear: {},
	TypeSessionStart: {}, TypeSessionNote: {}, TypeSessionEnd: {}, TypeSessionAbandon: {},
	TypeFileClaim: {}, TypeFileRelease: {},
	TypeDaemonStart: {}, TypeDaemonStop: {},
	TypeCleanup: {},
}

// KnownType reports whether t is a member of the event taxonomy.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns the taxonomy, for documentation endpoints and validation
// messages.
func Types() []string {
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

// Entry is one event to append.
type Entry struct {
	Type     string
	AgentID  string
	TargetID string
	Details  string
	Metadata map[string]any
}

// Recorder is the append capability other components hold. Appending is
// fire-and-forget: store failures are logged by the implementation, never
// propagated into the calling operation.
type Recorder interface {
	Append(ctx context.Context, e Entry) int64
}

// Options tune retention. Zero values select the defaults.
type Options struct {
	RetentionMs int64
	MaxEntries  int64
}

const (
	defaultRetentionMs = 7 * 24 * 3_600_000
	defaultMaxEntries  = 10_000
)

// Log is the activity component.
type Log struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *zap.Logger

	retentionMs int64
	maxEntries  int64
}

// New builds the component over the shared store.
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, opts Options) *Log {
	if opts.RetentionMs <= 0 {
		opts.RetentionMs = defaultRetentionMs
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	return &Log{
		db:          database,
		clock:       clk,
		logger:      logger.Named("activity"),
		retentionMs: opts.RetentionMs,
		maxEntries:  opts.MaxEntries,
	}
}

// Append writes one entry and returns its millisecond timestamp.
func (l *Log) Append(ctx context.Context, e Entry) int64 {
	now := clock.Millis(l.clock)
	row := db.ActivityEntry{
		Timestamp: now,
		Type:      e.Type,
		AgentID:   e.AgentID,
		TargetID:  e.TargetID,
		Details:   e.Details,
	}
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = string(b)
		}
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		l.logger.Warn("append failed", zap.String("type", e.Type), zap.Error(err))
	}
	return now
}

// Item is one activity row as returned to clients. Metadata is re-decoded
// from its stored JSON at this boundary.
type Item struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	AgentID   string `json:"agent_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Details   string `json:"details,omitempty"`
	Metadata  any    `json:"metadata,omitempty"`
}

func toItem(row db.ActivityEntry) Item {
	it := Item{
		ID:        row.ID,
		Timestamp: row.Timestamp,
		Type:      row.Type,
		AgentID:   row.AgentID,
		TargetID:  row.TargetID,
		Details:   row.Details,
	}
	if row.Metadata != "" {
		var v any
		if err := json.Unmarshal([]byte(row.Metadata), &v); err == nil {
			it.Metadata = v
		}
	}
	return it
}

// RecentQuery filters Recent.
type RecentQuery struct {
	Type          string
	AgentID       string
	TargetPattern string
	Since         int64
	Limit         int
}

// Recent returns entries newest-first. Limit is clamped to [1, 1000] with a
// default of 100. TargetPattern goes through the shared glob→LIKE
// translation; an invalid pattern matches nothing.
func (l *Log) Recent(ctx context.Context, q RecentQuery) ([]Item, error) {
	limit := clampLimit(q.Limit, 100, 1000)

	tx := l.db.WithContext(ctx).Model(&db.ActivityEntry{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.AgentID != "" {
		tx = tx.Where("agent_id = ?", q.AgentID)
	}
	if q.Since > 0 {
		tx = tx.Where("timestamp >= ?", q.Since)
	}
	if q.TargetPattern != "" {
		like, ok := identity.LikePattern(q.TargetPattern)
		if !ok {
			return []Item{}, nil
		}
		tx = tx.Where("target_id LIKE ? ESCAPE ?", like, identity.LikeEscape)
	}

	var rows []db.ActivityEntry
	if err := tx.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return itemize(rows), nil
}

// ByTimeRange returns entries with start <= timestamp <= end, newest-first.
// Limit clamps to [1, 10000], default 1000.
func (l *Log) ByTimeRange(ctx context.Context, start, end int64, limit int) ([]Item, error) {
	limit = clampLimit(limit, 1000, 10_000)
	var rows []db.ActivityEntry
	err := l.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("id DESC").Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return itemize(rows), nil
}

// TypeCount is one summary bucket.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// SummaryResult groups entries by type, most frequent first.
type SummaryResult struct {
	Success bool        `json:"success"`
	Total   int64       `json:"total"`
	Summary []TypeCount `json:"summary"`
}

// Summary counts entries by type since the given timestamp (0 = all time).
func (l *Log) Summary(ctx context.Context, since int64) (SummaryResult, error) {
	tx := l.db.WithContext(ctx).Model(&db.ActivityEntry{})
	if since > 0 {
		tx = tx.Where("timestamp >= ?", since)
	}
	var counts []TypeCount
	err := tx.Select("type, COUNT(*) AS count").
		Group("type").Order("COUNT(*) DESC, type ASC").
		Scan(&counts).Error
	if err != nil {
		return SummaryResult{}, err
	}
	res := SummaryResult{Success: true, Summary: counts}
	for _, c := range counts {
		res.Total += c.Count
	}
	return res, nil
}

// StatsResult describes the log's shape and the retention policy in force.
type StatsResult struct {
	Success      bool  `json:"success"`
	TotalEntries int64 `json:"total_entries"`
	OldestEntry  int64 `json:"oldest_entry,omitempty"`
	NewestEntry  int64 `json:"newest_entry,omitempty"`
	RetentionMs  int64 `json:"retention_ms"`
	MaxEntries   int64 `json:"max_entries"`
}

// Stats reports entry counts and boundary timestamps.
func (l *Log) Stats(ctx context.Context) (StatsResult, error) {
	res := StatsResult{Success: true, RetentionMs: l.retentionMs, MaxEntries: l.maxEntries}
	if err := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).Count(&res.TotalEntries).Error; err != nil {
		return StatsResult{}, err
	}
	if res.TotalEntries == 0 {
		return res, nil
	}
	row := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).
		Select("MIN(timestamp) AS oldest, MAX(timestamp) AS newest").
		Row()
	if err := row.Scan(&res.OldestEntry, &res.NewestEntry); err != nil {
		return StatsResult{}, err
	}
	return res, nil
}

// CleanupResult reports what a retention pass removed.
type CleanupResult struct {
	DeletedOld    int64 `json:"deleted_old"`
	DeletedExcess int64 `json:"deleted_excess"`
	Total         int64 `json:"total"`
}

// Cleanup deletes entries older than the retention window, then trims the
// oldest excess rows over the entry cap. Safe to run repeatedly.
func (l *Log) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	cutoff := clock.Millis(l.clock) - l.retentionMs

	old := l.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&db.ActivityEntry{})
	if old.Error != nil {
		return res, old.Error
	}
	res.DeletedOld = old.RowsAffected

	var count int64
	if err := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).Count(&count).Error; err != nil {
		return res, err
	}
	if excess := count - l.maxEntries; excess > 0 {
		oldest := l.db.WithContext(ctx).Model(&db.ActivityEntry{}).
			Select("id").Order("id ASC").Limit(int(excess))
		del := l.db.WithContext(ctx).Where("id IN (?)", oldest).Delete(&db.ActivityEntry{})
		if del.Error != nil {
			return res, del.Error
		}
		res.DeletedExcess = del.RowsAffected
		count -= res.DeletedExcess
	}
	res.Total = count
	return res, nil
}

func itemize(rows []db.ActivityEntry) []Item {
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = toItem(r)
	}
	return items
}

func clampLimit(v, def, max int) int {
	switch {
	case v <= 0:
		return def
	case v > max:
		return max
	default:
		return v
	}
}
