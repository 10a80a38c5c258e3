// Package agents maintains the registry of coordinating clients. Unlike a
// connection-oriented registry, agents prove liveness with heartbeats
// against the shared store, so any process (daemon or direct-DB CLI) sees
// the same view. An agent silent past the staleness window is swept together
// with every lock it owns.
package agents

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

const (
	// DefaultTTLMs is the staleness window: an agent whose last heartbeat is
	// older than this is no longer active and becomes eligible for cleanup.
	DefaultTTLMs int64 = 120_000

	maxIDLen           = 100
	defaultMaxServices = 50
	defaultMaxLocks    = 20
)

// ServiceCounter counts assigned services owned by an agent. The services
// component provides it.
type ServiceCounter interface {
	CountOwned(ctx context.Context, agentID string) (int, error)
}

// LockCounter counts live locks held by an owner. The locks component
// provides it.
type LockCounter interface {
	CountOwned(ctx context.Context, owner string) (int, error)
}

// LockReleaser force-releases every lock held by an owner. The stale-agent
// sweep uses it so a dead agent's locks never outlive it.
type LockReleaser interface {
	ForceReleaseOwned(ctx context.Context, owner string) (int, error)
}

// EventTrigger fans a lifecycle event out to matching webhooks.
type EventTrigger interface {
	Trigger(event string, payload map[string]any, targetID string) int
}

// Registry is the agents component.
type Registry struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	activity activity.Recorder
	events   EventTrigger

	services ServiceCounter
	locks    LockCounter

	ttlMs int64
}

// Options tune the registry. Zero values select the defaults.
type Options struct {
	TTLMs int64
}

// New builds the registry. The counters, recorder, and trigger may be nil;
// absent counters make the limit checks count zero.
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, rec activity.Recorder, events EventTrigger, opts Options) *Registry {
	if opts.TTLMs <= 0 {
		opts.TTLMs = DefaultTTLMs
	}
	return &Registry{
		db:       database,
		clock:    clk,
		logger:   logger.Named("agents"),
		activity: rec,
		events:   events,
		ttlMs:    opts.TTLMs,
	}
}

// SetCounters wires the limit-accounting capabilities. Separate from New
// because agents and the counting components construct in either order.
func (r *Registry) SetCounters(services ServiceCounter, locks LockCounter) {
	r.services = services
	r.locks = locks
}

// TTLMs returns the staleness window in force.
func (r *Registry) TTLMs() int64 { return r.ttlMs }

// ValidateID checks the agent id grammar: 1-100 characters from
// [A-Za-z0-9._:-]. Failures carry AGENT_ID_INVALID.
func ValidateID(id string) error {
	if id == "" {
		return fault.New(fault.AgentIDInvalid, "agent id is empty")
	}
	if len(id) > maxIDLen {
		return fault.Newf(fault.AgentIDInvalid, "agent id exceeds %d characters", maxIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '-':
		default:
			return fault.Newf(fault.AgentIDInvalid, "agent id %q has invalid character %q", id, string(c))
		}
	}
	return nil
}

// RegisterOptions carry the optional agent attributes.
type RegisterOptions struct {
	Name        string
	PID         int
	Type        string
	MaxServices int
	MaxLocks    int
	Metadata    json.RawMessage
}

// Info is one agent as returned to clients, with the derived liveness
// fields filled in.
type Info struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	PID                int    `json:"pid,omitempty"`
	Type               string `json:"type"`
	RegisteredAt       int64  `json:"registered_at"`
	LastHeartbeat      int64  `json:"last_heartbeat"`
	MaxServices        int    `json:"max_services"`
	MaxLocks           int    `json:"max_locks"`
	Metadata           any    `json:"metadata,omitempty"`
	IsActive           bool   `json:"is_active"`
	TimeSinceHeartbeat int64  `json:"time_since_heartbeat_ms"`
}

func (r *Registry) toInfo(a db.Agent, now int64) Info {
	info := Info{
		ID:                 a.ID,
		Name:               a.Name,
		PID:                a.PID,
		Type:               a.Type,
		RegisteredAt:       a.RegisteredAt,
		LastHeartbeat:      a.LastHeartbeat,
		MaxServices:        a.MaxServices,
		MaxLocks:           a.MaxLocks,
		IsActive:           now-a.LastHeartbeat < r.ttlMs,
		TimeSinceHeartbeat: now - a.LastHeartbeat,
	}
	if a.Metadata != "" {
		var v any
		if err := json.Unmarshal([]byte(a.Metadata), &v); err == nil {
			info.Metadata = v
		}
	}
	return info
}

// Register upserts an agent. A fresh row stamps registered_at=now;
// re-registration preserves the original registered_at and updates
// everything else.
func (r *Registry) Register(ctx context.Context, id string, opts RegisterOptions) (Info, error) {
	if err := ValidateID(id); err != nil {
		return Info{}, err
	}

	now := clock.Millis(r.clock)
	row := db.Agent{
		ID:            id,
		Name:          opts.Name,
		PID:           opts.PID,
		Type:          opts.Type,
		RegisteredAt:  now,
		LastHeartbeat: now,
		MaxServices:   opts.MaxServices,
		MaxLocks:      opts.MaxLocks,
		Metadata:      string(opts.Metadata),
	}
	if row.Type == "" {
		row.Type = "cli"
	}
	if row.MaxServices <= 0 {
		row.MaxServices = defaultMaxServices
	}
	if row.MaxLocks <= 0 {
		row.MaxLocks = defaultMaxLocks
	}

	fresh := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur db.Agent
		ferr := tx.Where("id = ?", id).First(&cur).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			fresh = true
			return tx.Create(&row).Error
		}
		if ferr != nil {
			return ferr
		}
		row.RegisteredAt = cur.RegisteredAt
		if row.Metadata == "" {
			row.Metadata = cur.Metadata
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return Info{}, err
	}

	if fresh {
		r.record(ctx, activity.Entry{Type: activity.TypeAgentRegister, AgentID: id, TargetID: id, Details: "registered"})
		r.trigger(activity.TypeAgentRegister, map[string]any{"id": id, "type": row.Type}, id)
	}
	return r.toInfo(row, now), nil
}

// Heartbeat bumps last_heartbeat and optionally the pid. An unknown id is
// auto-registered so bare SDK clients need no explicit register call.
func (r *Registry) Heartbeat(ctx context.Context, id string, pid int) (Info, error) {
	if err := ValidateID(id); err != nil {
		return Info{}, err
	}

	now := clock.Millis(r.clock)
	var row db.Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ferr := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			row = db.Agent{
				ID:            id,
				PID:           pid,
				Type:          "cli",
				RegisteredAt:  now,
				LastHeartbeat: now,
				MaxServices:   defaultMaxServices,
				MaxLocks:      defaultMaxLocks,
			}
			return tx.Create(&row).Error
		}
		if ferr != nil {
			return ferr
		}
		row.LastHeartbeat = now
		if pid != 0 {
			row.PID = pid
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return Info{}, err
	}
	return r.toInfo(row, now), nil
}

// UnregisterResult reports whether a row was actually removed.
type UnregisterResult struct {
	Success      bool `json:"success"`
	Unregistered bool `json:"unregistered"`
}

// Unregister deletes the agent. A missing agent is not an error.
func (r *Registry) Unregister(ctx context.Context, id string) (UnregisterResult, error) {
	res := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if res.Error != nil {
		return UnregisterResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return UnregisterResult{Success: true, Unregistered: false}, nil
	}
	r.record(ctx, activity.Entry{Type: activity.TypeAgentUnregister, AgentID: id, TargetID: id, Details: "unregistered"})
	r.trigger(activity.TypeAgentUnregister, map[string]any{"id": id}, id)
	return UnregisterResult{Success: true, Unregistered: true}, nil
}

// GetResult is the Get outcome. Registered is false when no row exists;
// unregistered agents are first-class anonymous clients, not an error.
type GetResult struct {
	Success    bool   `json:"success"`
	Registered bool   `json:"registered"`
	Agent      *Info  `json:"agent,omitempty"`
	ID         string `json:"id"`
}

// Get returns the agent with derived liveness fields.
func (r *Registry) Get(ctx context.Context, id string) (GetResult, error) {
	var row db.Agent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GetResult{Success: true, Registered: false, ID: id}, nil
	}
	if err != nil {
		return GetResult{}, err
	}
	info := r.toInfo(row, clock.Millis(r.clock))
	return GetResult{Success: true, Registered: true, Agent: &info, ID: id}, nil
}

// List returns agents ordered by most recent heartbeat first. With
// activeOnly, agents past the staleness window are filtered out.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]Info, error) {
	now := clock.Millis(r.clock)
	tx := r.db.WithContext(ctx).Model(&db.Agent{})
	if activeOnly {
		tx = tx.Where("last_heartbeat > ?", now-r.ttlMs)
	}
	var rows []db.Agent
	if err := tx.Order("last_heartbeat DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, a := range rows {
		out[i] = r.toInfo(a, now)
	}
	return out, nil
}

// LimitCheck is the outcome of a resource-limit query. For unregistered
// agents Allowed is true and the counts stay absent: anonymous clients are
// unrestricted.
type LimitCheck struct {
	Allowed bool   `json:"allowed"`
	Current *int   `json:"current,omitempty"`
	Max     *int   `json:"max,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CanClaimService reports whether the agent may claim another service.
func (r *Registry) CanClaimService(ctx context.Context, id string) (LimitCheck, error) {
	return r.limitCheck(ctx, id, "services", func(a db.Agent) int { return a.MaxServices }, func(ctx context.Context) (int, error) {
		if r.services == nil {
			return 0, nil
		}
		return r.services.CountOwned(ctx, id)
	})
}

// CanAcquireLock reports whether the agent may take another lock.
func (r *Registry) CanAcquireLock(ctx context.Context, id string) (LimitCheck, error) {
	return r.limitCheck(ctx, id, "locks", func(a db.Agent) int { return a.MaxLocks }, func(ctx context.Context) (int, error) {
		if r.locks == nil {
			return 0, nil
		}
		return r.locks.CountOwned(ctx, id)
	})
}

func (r *Registry) limitCheck(ctx context.Context, id, what string, maxOf func(db.Agent) int, count func(context.Context) (int, error)) (LimitCheck, error) {
	var row db.Agent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LimitCheck{Allowed: true}, nil
	}
	if err != nil {
		return LimitCheck{}, err
	}

	current, err := count(ctx)
	if err != nil {
		return LimitCheck{}, err
	}
	max := maxOf(row)
	check := LimitCheck{Allowed: current < max, Current: &current, Max: &max}
	if !check.Allowed {
		check.Error = "agent " + id + " is at its " + what + " limit"
	}
	return check, nil
}

// CleanupResult reports a stale-agent sweep.
type CleanupResult struct {
	Cleaned       int `json:"cleaned"`
	ReleasedLocks int `json:"released_locks"`
}

// Cleanup removes every agent whose heartbeat is older than the staleness
// window, force-releasing each one's locks through the given capability.
func (r *Registry) Cleanup(ctx context.Context, locks LockReleaser) (CleanupResult, error) {
	now := clock.Millis(r.clock)
	cutoff := now - r.ttlMs

	var stale []db.Agent
	if err := r.db.WithContext(ctx).Where("last_heartbeat <= ?", cutoff).Find(&stale).Error; err != nil {
		return CleanupResult{}, err
	}
	if len(stale) == 0 {
		return CleanupResult{}, nil
	}

	var res CleanupResult
	for _, a := range stale {
		if err := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", a.ID).Error; err != nil {
			r.logger.Warn("stale agent delete failed", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		res.Cleaned++

		if locks != nil {
			released, err := locks.ForceReleaseOwned(ctx, a.ID)
			if err != nil {
				r.logger.Warn("stale agent lock release failed", zap.String("agent_id", a.ID), zap.Error(err))
			}
			res.ReleasedLocks += released
		}

		r.record(ctx, activity.Entry{
			Type:     activity.TypeAgentStale,
			AgentID:  a.ID,
			TargetID: a.ID,
			Details:  "stale, removed by cleanup",
		})
		r.trigger(activity.TypeAgentStale, map[string]any{"id": a.ID, "last_heartbeat": a.LastHeartbeat}, a.ID)
	}

	if res.Cleaned > 0 {
		r.logger.Info("stale agents cleaned",
			zap.Int("cleaned", res.Cleaned),
			zap.Int("released_locks", res.ReleasedLocks),
		)
	}
	return res, nil
}

// CountActive counts agents inside the staleness window. Metrics use this.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	now := clock.Millis(r.clock)
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("last_heartbeat > ?", now-r.ttlMs).
		Count(&n).Error
	return int(n), err
}

func (r *Registry) record(ctx context.Context, e activity.Entry) {
	if r.activity != nil {
		r.activity.Append(ctx, e)
	}
}

func (r *Registry) trigger(event string, payload map[string]any, target string) {
	if r.events != nil {
		r.events.Trigger(event, payload, target)
	}
}
