// Package services implements the identity-keyed port allocator. Each
// semantic identity owns at most one port at a time; released rows stay
// behind so a later claim of the same identity can revive its old port when
// it is still free. Port uniqueness among assigned rows is backed by a
// partial unique index, so a lost race surfaces as an insert failure rather
// than a double assignment.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/identity"
)

// Service status values.
const (
	StatusAssigned = "assigned"
	StatusReleased = "released"
)

// Default allocation range.
const (
	DefaultPortMin = 3100
	DefaultPortMax = 9999
)

// EventTrigger fans a lifecycle event out to matching webhooks.
type EventTrigger interface {
	Trigger(event string, payload map[string]any, targetID string) int
}

// Options configure the allocator. Zero values select the defaults.
type Options struct {
	PortMin  int
	PortMax  int
	Reserved []int
}

// Registry is the services component.
type Registry struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	activity activity.Recorder
	events   EventTrigger

	portMin  int
	portMax  int
	reserved map[int]struct{}

	waiters *claimBroadcast
}

// New builds the registry. The activity recorder and event trigger may be
// nil (direct-DB maintenance mode).
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, rec activity.Recorder, events EventTrigger, opts Options) *Registry {
	if opts.PortMin <= 0 {
		opts.PortMin = DefaultPortMin
	}
	if opts.PortMax <= 0 {
		opts.PortMax = DefaultPortMax
	}
	reserved := make(map[int]struct{}, len(opts.Reserved))
	for _, p := range opts.Reserved {
		reserved[p] = struct{}{}
	}
	return &Registry{
		db:       database,
		clock:    clk,
		logger:   logger.Named("services"),
		activity: rec,
		events:   events,
		portMin:  opts.PortMin,
		portMax:  opts.PortMax,
		reserved: reserved,
		waiters:  newClaimBroadcast(),
	}
}

// ClaimOptions tune Claim. SystemPorts is the caller-supplied best-effort
// list of ports already occupied on the host; the unique index resolves any
// collision the hint missed.
type ClaimOptions struct {
	Port        int
	PID         int
	AgentID     string
	HealthURL   string
	Metadata    json.RawMessage
	Expires     clock.Duration
	SystemPorts []int
}

// ClaimResult is the success arm of Claim. Existing is true when the
// identity already held an assigned port and only last_seen moved.
type ClaimResult struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	Port      int    `json:"port"`
	Existing  bool   `json:"existing"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// Claim assigns a port to the identity. A live assignment is refreshed and
// returned as-is; a released row is revived on its old port when still free;
// otherwise the preferred port or the lowest free port in range is drawn.
func (r *Registry) Claim(ctx context.Context, id string, opts ClaimOptions) (ClaimResult, error) {
	parsed, err := identity.Parse(id)
	if err != nil {
		return ClaimResult{}, err
	}

	now := clock.Millis(r.clock)
	expiresAt := int64(0)
	if opts.Expires.Set {
		if !opts.Expires.Valid {
			return ClaimResult{}, fault.New(fault.ValidationError, "expires is not a number of milliseconds or a duration string")
		}
		// Negative values land in the past on purpose: tests use them to
		// exercise the expiry sweep without waiting.
		expiresAt = now + opts.Expires.Millis
	}

	var res ClaimResult
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur db.Service
		ferr := tx.Where("id = ?", parsed.Canonical).First(&cur).Error

		switch {
		case ferr == nil && cur.Status == StatusAssigned:
			updates := map[string]any{"last_seen": now}
			if opts.PID != 0 {
				updates["pid"] = opts.PID
			}
			if opts.AgentID != "" {
				updates["agent_id"] = opts.AgentID
			}
			if opts.HealthURL != "" {
				updates["health_url"] = opts.HealthURL
			}
			if len(opts.Metadata) > 0 {
				updates["metadata"] = string(opts.Metadata)
			}
			if uerr := tx.Model(&db.Service{}).Where("id = ?", cur.ID).Updates(updates).Error; uerr != nil {
				return uerr
			}
			res = ClaimResult{Success: true, ID: cur.ID, Port: cur.Port, Existing: true, ExpiresAt: cur.ExpiresAt}
			return nil

		case ferr == nil:
			// Released row: revive on the old port when it is still free.
			port, perr := r.allocate(tx, opts, cur.Port)
			if perr != nil {
				return perr
			}
			updates := map[string]any{
				"port":       port,
				"status":     StatusAssigned,
				"pid":        opts.PID,
				"created_at": now,
				"last_seen":  now,
				"expires_at": expiresAt,
			}
			if opts.AgentID != "" {
				updates["agent_id"] = opts.AgentID
			}
			if opts.HealthURL != "" {
				updates["health_url"] = opts.HealthURL
			}
			if len(opts.Metadata) > 0 {
				updates["metadata"] = string(opts.Metadata)
			}
			if uerr := tx.Model(&db.Service{}).Where("id = ?", cur.ID).Updates(updates).Error; uerr != nil {
				return uerr
			}
			res = ClaimResult{Success: true, ID: cur.ID, Port: port, Existing: false, ExpiresAt: expiresAt}
			return nil

		case errors.Is(ferr, gorm.ErrRecordNotFound):
			port, perr := r.allocate(tx, opts, 0)
			if perr != nil {
				return perr
			}
			row := db.Service{
				ID:        parsed.Canonical,
				Port:      port,
				PID:       opts.PID,
				Status:    StatusAssigned,
				AgentID:   opts.AgentID,
				HealthURL: opts.HealthURL,
				Metadata:  string(opts.Metadata),
				CreatedAt: now,
				LastSeen:  now,
				ExpiresAt: expiresAt,
			}
			if cerr := tx.Create(&row).Error; cerr != nil {
				return cerr
			}
			res = ClaimResult{Success: true, ID: row.ID, Port: port, Existing: false, ExpiresAt: expiresAt}
			return nil

		default:
			return ferr
		}
	})
	if err != nil {
		return ClaimResult{}, err
	}

	if !res.Existing {
		r.record(ctx, activity.Entry{
			Type:     activity.TypeServiceClaim,
			AgentID:  opts.AgentID,
			TargetID: res.ID,
			Details:  "port " + strconv.Itoa(res.Port),
		})
		r.trigger(activity.TypeServiceClaim, map[string]any{"id": res.ID, "port": res.Port}, res.ID)
		r.waiters.notify()
	}
	return res, nil
}

// allocate picks a port inside the caller's transaction: the preferred port
// when free, then the revive port, then the lowest free port in range.
func (r *Registry) allocate(tx *gorm.DB, opts ClaimOptions, revivePort int) (int, error) {
	var assigned []int
	if err := tx.Model(&db.Service{}).Where("status = ?", StatusAssigned).Pluck("port", &assigned).Error; err != nil {
		return 0, err
	}
	taken := make(map[int]struct{}, len(assigned)+len(opts.SystemPorts))
	for _, p := range assigned {
		taken[p] = struct{}{}
	}
	for _, p := range opts.SystemPorts {
		taken[p] = struct{}{}
	}

	free := func(p int) bool {
		if p <= 0 || p > 65535 {
			return false
		}
		if _, ok := r.reserved[p]; ok {
			return false
		}
		_, ok := taken[p]
		return !ok
	}

	if opts.Port != 0 && free(opts.Port) {
		return opts.Port, nil
	}
	if revivePort != 0 && free(revivePort) {
		return revivePort, nil
	}
	for p := r.portMin; p <= r.portMax; p++ {
		if free(p) {
			return p, nil
		}
	}
	return 0, fault.Newf(fault.PortExhausted, "no free port in range %d-%d", r.portMin, r.portMax).
		WithDetail("port_min", r.portMin).
		WithDetail("port_max", r.portMax)
}

// ReleaseResult reports how many assignments a release touched. Releasing
// nothing is success with Released 0.
type ReleaseResult struct {
	Success       bool   `json:"success"`
	Released      int    `json:"released"`
	ReleasedPorts []int  `json:"released_ports"`
	Pattern       string `json:"pattern,omitempty"`
}

// Release frees the assignment for an exact identity, or for every assigned
// identity matching a wildcard pattern. Idempotent.
func (r *Registry) Release(ctx context.Context, idOrPattern, agentID string) (ReleaseResult, error) {
	now := clock.Millis(r.clock)

	var rows []db.Service
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", StatusAssigned)
		if identity.IsPattern(idOrPattern) {
			like, ok := identity.LikePattern(idOrPattern)
			if !ok {
				return fault.Newf(fault.IdentityInvalid, "invalid pattern %q", idOrPattern)
			}
			q = q.Where("id LIKE ? ESCAPE ?", like, identity.LikeEscape)
		} else {
			q = q.Where("id = ?", idOrPattern)
		}
		if ferr := q.Find(&rows).Error; ferr != nil {
			return ferr
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, s := range rows {
			ids[i] = s.ID
		}
		return tx.Model(&db.Service{}).Where("id IN ?", ids).
			Updates(map[string]any{"status": StatusReleased, "last_seen": now}).Error
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	res := ReleaseResult{Success: true, Released: len(rows), ReleasedPorts: make([]int, 0, len(rows))}
	if identity.IsPattern(idOrPattern) {
		res.Pattern = idOrPattern
	}
	for _, s := range rows {
		res.ReleasedPorts = append(res.ReleasedPorts, s.Port)
		r.record(ctx, activity.Entry{
			Type:     activity.TypeServiceRelease,
			AgentID:  agentID,
			TargetID: s.ID,
			Details:  "port " + strconv.Itoa(s.Port) + " released",
		})
		r.trigger(activity.TypeServiceRelease, map[string]any{"id": s.ID, "port": s.Port}, s.ID)
	}
	return res, nil
}

// Info is one service as returned to clients. Endpoints is only populated
// by Get.
type Info struct {
	ID        string            `json:"id"`
	Port      int               `json:"port"`
	PID       int               `json:"pid,omitempty"`
	Status    string            `json:"status"`
	AgentID   string            `json:"agent_id,omitempty"`
	HealthURL string            `json:"health_url,omitempty"`
	Metadata  any               `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
	LastSeen  int64             `json:"last_seen"`
	ExpiresAt int64             `json:"expires_at,omitempty"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

func toInfo(s db.Service) Info {
	info := Info{
		ID:        s.ID,
		Port:      s.Port,
		PID:       s.PID,
		Status:    s.Status,
		AgentID:   s.AgentID,
		HealthURL: s.HealthURL,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.LastSeen,
		ExpiresAt: s.ExpiresAt,
	}
	if s.Metadata != "" {
		var v any
		if err := json.Unmarshal([]byte(s.Metadata), &v); err == nil {
			info.Metadata = v
		}
	}
	return info
}

// Find returns services matching an exact identity or a wildcard pattern
// ("*" alone matches everything). Status narrows to assigned or released
// rows; empty means both.
func (r *Registry) Find(ctx context.Context, idOrPattern, status string) ([]Info, error) {
	tx := r.db.WithContext(ctx).Model(&db.Service{})
	if idOrPattern != "" {
		if identity.IsPattern(idOrPattern) {
			like, ok := identity.LikePattern(idOrPattern)
			if !ok {
				return nil, fault.Newf(fault.IdentityInvalid, "invalid pattern %q", idOrPattern)
			}
			tx = tx.Where("id LIKE ? ESCAPE ?", like, identity.LikeEscape)
		} else {
			tx = tx.Where("id = ?", idOrPattern)
		}
	}
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	var rows []db.Service
	if err := tx.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, s := range rows {
		out[i] = toInfo(s)
	}
	return out, nil
}

// Get returns one service with its endpoints, or SERVICE_NOT_FOUND.
func (r *Registry) Get(ctx context.Context, id string) (Info, error) {
	var row db.Service
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Info{}, fault.Newf(fault.ServiceNotFound, "service %q not found", id)
	}
	if err != nil {
		return Info{}, err
	}

	var endpoints []db.Endpoint
	if err := r.db.WithContext(ctx).Where("service_id = ?", id).Order("name ASC").Find(&endpoints).Error; err != nil {
		return Info{}, err
	}

	info := toInfo(row)
	if len(endpoints) > 0 {
		info.Endpoints = make(map[string]string, len(endpoints))
		for _, e := range endpoints {
			info.Endpoints[e.Name] = e.URL
		}
	}
	return info, nil
}

// SetEndpoint upserts a named URL under the service.
func (r *Registry) SetEndpoint(ctx context.Context, id, name, url string) error {
	if name == "" {
		return fault.New(fault.ValidationError, "endpoint name is required")
	}
	if url == "" {
		return fault.New(fault.ValidationError, "endpoint url is required")
	}

	now := clock.Millis(r.clock)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var svc db.Service
		ferr := tx.Where("id = ?", id).First(&svc).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			return fault.Newf(fault.ServiceNotFound, "service %q not found", id)
		}
		if ferr != nil {
			return ferr
		}

		var cur db.Endpoint
		ferr = tx.Where("service_id = ? AND name = ?", id, name).First(&cur).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			return tx.Create(&db.Endpoint{ServiceID: id, Name: name, URL: url, UpdatedAt: now}).Error
		}
		if ferr != nil {
			return ferr
		}
		return tx.Model(&db.Endpoint{}).Where("id = ?", cur.ID).
			Updates(map[string]any{"url": url, "updated_at": now}).Error
	})
	if err != nil {
		return err
	}

	r.record(ctx, activity.Entry{
		Type:     activity.TypeServiceEndpoint,
		TargetID: id,
		Details:  name + " -> " + url,
	})
	r.trigger(activity.TypeServiceEndpoint, map[string]any{"id": id, "name": name, "url": url}, id)
	return nil
}

// CountOwned counts assigned services claimed by the agent. Agent limit
// accounting uses this.
func (r *Registry) CountOwned(ctx context.Context, agentID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Service{}).
		Where("status = ? AND agent_id = ?", StatusAssigned, agentID).
		Count(&n).Error
	return int(n), err
}

// CountAssigned counts all assigned services. Metrics use this.
func (r *Registry) CountAssigned(ctx context.Context) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.Service{}).
		Where("status = ?", StatusAssigned).
		Count(&n).Error
	return int(n), err
}

// Cleanup releases every assigned service whose TTL has lapsed and returns
// how many it touched.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	now := clock.Millis(r.clock)

	var rows []db.Service
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := "status = ? AND expires_at > 0 AND expires_at < ?"
		if ferr := tx.Where(q, StatusAssigned, now).Find(&rows).Error; ferr != nil {
			return ferr
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Model(&db.Service{}).Where(q, StatusAssigned, now).
			Updates(map[string]any{"status": StatusReleased, "last_seen": now}).Error
	})
	if err != nil {
		return 0, err
	}

	for _, s := range rows {
		r.record(ctx, activity.Entry{
			Type:     activity.TypeServiceExpire,
			TargetID: s.ID,
			Details:  fmt.Sprintf("ttl expired, port %d released", s.Port),
		})
		r.trigger(activity.TypeServiceExpire, map[string]any{"id": s.ID, "port": s.Port}, s.ID)
	}
	if len(rows) > 0 {
		r.logger.Info("expired services released", zap.Int("count", len(rows)))
	}
	return len(rows), nil
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

// FormatPorts renders a port list for log lines and CLI summaries.
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
