// Package locks implements the advisory named mutex registry. A lock is
// held while its row exists with expires_at in the future; every public
// operation sweeps expired rows first, so expiry needs no background help
// to be correct (the scheduler sweep only keeps the table tidy and emits
// timely events).
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/identity"
)

const (
	// DefaultTTLMs applies when no ttl is given or it is non-positive.
	DefaultTTLMs int64 = 5 * 60_000
	// MaxTTLMs caps every lock so a crashed owner cannot wedge a name for
	// more than an hour.
	MaxTTLMs int64 = 3_600_000
)

// EventTrigger fans a lifecycle event out to matching webhooks.
type EventTrigger interface {
	Trigger(event string, payload map[string]any, targetID string) int
}

// Registry is the locks component.
type Registry struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	activity activity.Recorder
	events   EventTrigger
}

// New builds the registry. The activity recorder and event trigger may be
// nil (direct-DB maintenance mode).
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, rec activity.Recorder, events EventTrigger) *Registry {
	return &Registry{
		db:       database,
		clock:    clk,
		logger:   logger.Named("locks"),
		activity: rec,
		events:   events,
	}
}

// AcquireOptions tune Acquire. Owner defaults to "agent-<pid>".
type AcquireOptions struct {
	Owner    string
	PID      int
	AgentID  string
	TTL      clock.Duration
	Metadata json.RawMessage
}

// AcquireResult is the success arm of Acquire.
type AcquireResult struct {
	Success    bool   `json:"success"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Acquire takes the named lock. A live row, whoever owns it, fails with
// LOCK_HELD carrying the current holder; owners extend via Extend instead
// of re-acquiring.
func (r *Registry) Acquire(ctx context.Context, name string, opts AcquireOptions) (AcquireResult, error) {
	if err := validateName(name); err != nil {
		return AcquireResult{}, err
	}
	ttl, err := resolveTTL(opts.TTL)
	if err != nil {
		return AcquireResult{}, err
	}

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	owner := opts.Owner
	if owner == "" {
		owner = fmt.Sprintf("agent-%d", pid)
	}

	now := clock.Millis(r.clock)
	row := db.Lock{
		Name:       name,
		Owner:      owner,
		PID:        pid,
		AcquiredAt: now,
		ExpiresAt:  now + ttl,
		Metadata:   string(opts.Metadata),
	}

	var expired []db.Lock
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var serr error
		if expired, serr = sweep(tx, now); serr != nil {
			return serr
		}
		var cur db.Lock
		ferr := tx.Where("name = ?", name).First(&cur).Error
		if ferr == nil {
			return fault.Newf(fault.LockHeld, "lock %q is held by %s", name, cur.Owner).
				WithDetail("holder", cur.Owner).
				WithDetail("expires_at", cur.ExpiresAt).
				WithDetail("expires_in_ms", cur.ExpiresAt-now)
		}
		if !errors.Is(ferr, gorm.ErrRecordNotFound) {
			return ferr
		}
		return tx.Create(&row).Error
	})
	r.emitExpired(ctx, expired)
	if err != nil {
		return AcquireResult{}, err
	}

	r.record(ctx, activity.Entry{
		Type:     activity.TypeLockAcquire,
		AgentID:  opts.AgentID,
		TargetID: name,
		Details:  "acquired by " + owner,
	})
	r.trigger(activity.TypeLockAcquire, map[string]any{
		"name": name, "owner": owner, "expires_at": row.ExpiresAt,
	}, name)

	return AcquireResult{Success: true, Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: row.ExpiresAt}, nil
}

// ReleaseOptions tune Release.
type ReleaseOptions struct {
	Owner   string
	AgentID string
	Force   bool
}

// ReleaseResult reports whether a row was actually removed.
type ReleaseResult struct {
	Success  bool `json:"success"`
	Released bool `json:"released"`
}

// Release frees the named lock. Releasing a free lock succeeds with
// released=false; an owner mismatch fails with LOCK_NOT_FOUND unless Force
// is set.
func (r *Registry) Release(ctx context.Context, name string, opts ReleaseOptions) (ReleaseResult, error) {
	now := clock.Millis(r.clock)

	var (
		expired  []db.Lock
		released *db.Lock
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var serr error
		if expired, serr = sweep(tx, now); serr != nil {
			return serr
		}
		var cur db.Lock
		ferr := tx.Where("name = ?", name).First(&cur).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			return nil
		}
		if ferr != nil {
			return ferr
		}
		if opts.Owner != "" && cur.Owner != opts.Owner && !opts.Force {
			return fault.Newf(fault.LockNotFound, "lock %q is not held by %s", name, opts.Owner).
				WithDetail("holder", cur.Owner)
		}
		if derr := tx.Delete(&db.Lock{}, "name = ?", name).Error; derr != nil {
			return derr
		}
		released = &cur
		return nil
	})
	r.emitExpired(ctx, expired)
	if err != nil {
		return ReleaseResult{}, err
	}
	if released == nil {
		return ReleaseResult{Success: true, Released: false}, nil
	}

	details := "released by " + released.Owner
	if opts.Force && opts.Owner != released.Owner {
		details = "force released"
	}
	r.record(ctx, activity.Entry{
		Type:     activity.TypeLockRelease,
		AgentID:  opts.AgentID,
		TargetID: name,
		Details:  details,
	})
	r.trigger(activity.TypeLockRelease, map[string]any{"name": name, "owner": released.Owner}, name)

	return ReleaseResult{Success: true, Released: true}, nil
}

// ExtendOptions tune Extend.
type ExtendOptions struct {
	Owner   string
	AgentID string
	TTL     clock.Duration
}

// ExtendResult is the success arm of Extend.
type ExtendResult struct {
	Success   bool   `json:"success"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}

// Extend pushes the expiry of a held lock to now + ttl (capped at MaxTTLMs).
// A free lock or an owner mismatch fails with LOCK_NOT_FOUND.
func (r *Registry) Extend(ctx context.Context, name string, opts ExtendOptions) (ExtendResult, error) {
	ttl, err := resolveTTL(opts.TTL)
	if err != nil {
		return ExtendResult{}, err
	}
	now := clock.Millis(r.clock)

	var (
		expired []db.Lock
		cur     db.Lock
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var serr error
		if expired, serr = sweep(tx, now); serr != nil {
			return serr
		}
		ferr := tx.Where("name = ?", name).First(&cur).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			return fault.Newf(fault.LockNotFound, "lock %q is not held", name)
		}
		if ferr != nil {
			return ferr
		}
		if opts.Owner != "" && cur.Owner != opts.Owner {
			return fault.Newf(fault.LockNotFound, "lock %q is not held by %s", name, opts.Owner).
				WithDetail("holder", cur.Owner)
		}
		cur.ExpiresAt = now + ttl
		return tx.Model(&db.Lock{}).Where("name = ?", name).Update("expires_at", cur.ExpiresAt).Error
	})
	r.emitExpired(ctx, expired)
	if err != nil {
		return ExtendResult{}, err
	}

	r.record(ctx, activity.Entry{
		Type:     activity.TypeLockExtend,
		AgentID:  opts.AgentID,
		TargetID: name,
		Details:  "extended by " + cur.Owner,
	})
	r.trigger(activity.TypeLockExtend, map[string]any{
		"name": name, "owner": cur.Owner, "expires_at": cur.ExpiresAt,
	}, name)

	return ExtendResult{Success: true, Name: name, Owner: cur.Owner, ExpiresAt: cur.ExpiresAt}, nil
}

// CheckResult describes one lock's state.
type CheckResult struct {
	Success     bool   `json:"success"`
	Name        string `json:"name"`
	Held        bool   `json:"held"`
	Owner       string `json:"owner,omitempty"`
	PID         int    `json:"pid,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	ExpiresInMs int64  `json:"expires_in_ms,omitempty"`
	Metadata    any    `json:"metadata,omitempty"`
}

// Check reports whether the named lock is held. Expired rows read as free.
func (r *Registry) Check(ctx context.Context, name string) (CheckResult, error) {
	now := clock.Millis(r.clock)

	var cur db.Lock
	err := r.db.WithContext(ctx).
		Where("name = ? AND expires_at > ?", name, now).
		First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CheckResult{Success: true, Name: name, Held: false}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Success:     true,
		Name:        name,
		Held:        true,
		Owner:       cur.Owner,
		PID:         cur.PID,
		ExpiresAt:   cur.ExpiresAt,
		ExpiresInMs: cur.ExpiresAt - now,
		Metadata:    decodeMeta(cur.Metadata),
	}, nil
}

// Info is one live lock in a listing.
type Info struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid,omitempty"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Metadata   any    `json:"metadata,omitempty"`
}

// List returns live locks, most recently acquired first, optionally
// filtered by owner.
func (r *Registry) List(ctx context.Context, owner string) ([]Info, error) {
	now := clock.Millis(r.clock)
	tx := r.db.WithContext(ctx).Where("expires_at > ?", now)
	if owner != "" {
		tx = tx.Where("owner = ?", owner)
	}
	var rows []db.Lock
	if err := tx.Order("acquired_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, l := range rows {
		out[i] = Info{
			Name:       l.Name,
			Owner:      l.Owner,
			PID:        l.PID,
			AcquiredAt: l.AcquiredAt,
			ExpiresAt:  l.ExpiresAt,
			Metadata:   decodeMeta(l.Metadata),
		}
	}
	return out, nil
}

// CountOwned counts live locks held by owner. Agent limit accounting uses
// this.
func (r *Registry) CountOwned(ctx context.Context, owner string) (int, error) {
	now := clock.Millis(r.clock)
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Lock{}).
		Where("owner = ? AND expires_at > ?", owner, now).
		Count(&n).Error
	return int(n), err
}

// CountActive counts all live locks. Stats and gauges use this.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	now := clock.Millis(r.clock)
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Lock{}).
		Where("expires_at > ?", now).
		Count(&n).Error
	return int(n), err
}

// Cleanup deletes expired rows and returns how many were removed.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	now := clock.Millis(r.clock)
	var expired []db.Lock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var serr error
		expired, serr = sweep(tx, now)
		return serr
	})
	r.emitExpired(ctx, expired)
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// ForceReleaseOwned drops every lock held by owner, expired or not. The
// stale-agent sweep uses this so a dead agent's locks never outlive it.
func (r *Registry) ForceReleaseOwned(ctx context.Context, owner string) (int, error) {
	var rows []db.Lock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ferr := tx.Where("owner = ?", owner).Find(&rows).Error; ferr != nil {
			return ferr
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Where("owner = ?", owner).Delete(&db.Lock{}).Error
	})
	if err != nil {
		return 0, err
	}
	for _, l := range rows {
		r.record(ctx, activity.Entry{
			Type:     activity.TypeLockRelease,
			TargetID: l.Name,
			Details:  "force released, owner " + owner + " gone",
		})
		r.trigger(activity.TypeLockRelease, map[string]any{"name": l.Name, "owner": l.Owner}, l.Name)
	}
	return len(rows), nil
}

// sweep removes expired rows inside the caller's transaction and returns
// them so lifecycle events can be emitted after commit.
func sweep(tx *gorm.DB, now int64) ([]db.Lock, error) {
	var rows []db.Lock
	if err := tx.Where("expires_at <= ?", now).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := tx.Where("expires_at <= ?", now).Delete(&db.Lock{}).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Registry) emitExpired(ctx context.Context, expired []db.Lock) {
	for _, l := range expired {
		r.record(ctx, activity.Entry{
			Type:     activity.TypeLockExpire,
			TargetID: l.Name,
			Details:  "ttl expired, was held by " + l.Owner,
		})
		r.trigger(activity.TypeLockExpire, map[string]any{"name": l.Name, "owner": l.Owner}, l.Name)
	}
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

func validateName(name string) error {
	if _, err := identity.Parse(name); err != nil {
		return fault.Newf(fault.ValidationError, "invalid lock name %q", name)
	}
	return nil
}

// resolveTTL applies the shared TTL rules: absent or non-positive falls
// back to the default, oversized clamps to the max, unparseable fails with
// INVALID_TTL.
func resolveTTL(d clock.Duration) (int64, error) {
	if !d.Set {
		return DefaultTTLMs, nil
	}
	if !d.Valid {
		return 0, fault.New(fault.InvalidTTL, "ttl is not a number of milliseconds or a duration string")
	}
	if d.Millis <= 0 {
		return DefaultTTLMs, nil
	}
	if d.Millis > MaxTTLMs {
		return MaxTTLMs, nil
	}
	return d.Millis, nil
}

func decodeMeta(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
