// Package webhooks implements registered HTTP callbacks for lifecycle
// events. Registration guards against SSRF targets, triggering matches
// events and identity filters, and delivery runs on background workers with
// signed bodies and bounded retries.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
	"github.com/port-daddy/port-daddy/internal/identity"
)

const (
	// MaxWebhooks caps the global registration count.
	MaxWebhooks = 100
	// maxFilterLen bounds the filter pattern.
	maxFilterLen = 100

	// EventWildcard subscribes a webhook to everything.
	EventWildcard = "*"
)

var filterChars = regexp.MustCompile(`^[A-Za-z0-9._:*-]+$`)

// DeliveryMetrics observes delivery outcomes. The daemon wires the
// prometheus counters through this; nil is fine.
type DeliveryMetrics interface {
	DeliveryFinished(outcome string)
}

// Options configure the registry and its dispatcher.
type Options struct {
	// AllowLocal disables the SSRF host guard. Tests and deliberate
	// localhost consumers set it.
	AllowLocal bool
	// Workers is the delivery worker count (default 2).
	Workers int
	// QueueSize bounds the in-memory delivery queue (default 256).
	QueueSize int
	// Metrics observes delivery outcomes; may be nil.
	Metrics DeliveryMetrics
}

// Registry is the webhooks component, registration and dispatch both.
type Registry struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *zap.Logger
	opts   Options

	dispatcher *dispatcher
}

// New builds the registry. Run must be started for asynchronous deliveries
// to flow; Trigger still enqueues (and Test still works) before that.
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, opts Options) *Registry {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	r := &Registry{
		db:     database,
		clock:  clk,
		logger: logger.Named("webhooks"),
		opts:   opts,
	}
	r.dispatcher = newDispatcher(r)
	return r
}

// Run drains the delivery queue and the redelivery scan until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	return r.dispatcher.run(ctx)
}

// RegisterOptions tune Register. Empty Events means every event.
type RegisterOptions struct {
	Events      []string
	Filter      string
	Secret      string
	Description string
}

// Info is one webhook as returned to clients. The secret never leaves the
// store; HasSecret says whether one is set.
type Info struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	Events        []string `json:"events"`
	FilterPattern string   `json:"filter_pattern,omitempty"`
	Description   string   `json:"description,omitempty"`
	HasSecret     bool     `json:"has_secret"`
	Active        bool     `json:"active"`
	SuccessCount  int      `json:"success_count"`
	FailureCount  int      `json:"failure_count"`
	CreatedAt     int64    `json:"created_at"`
}

func toInfo(w db.Webhook) Info {
	return Info{
		ID:            w.ID,
		URL:           w.URL,
		Events:        decodeEvents(w.Events),
		FilterPattern: w.FilterPattern,
		Description:   w.Description,
		HasSecret:     w.Secret != "",
		Active:        w.Active,
		SuccessCount:  w.SuccessCount,
		FailureCount:  w.FailureCount,
		CreatedAt:     w.CreatedAt,
	}
}

func decodeEvents(raw string) []string {
	var events []string
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil
	}
	return events
}

// Register validates and stores a webhook.
func (r *Registry) Register(ctx context.Context, rawURL string, opts RegisterOptions) (Info, error) {
	if err := r.validateURL(rawURL); err != nil {
		return Info{}, err
	}
	events := opts.Events
	if len(events) == 0 {
		events = []string{EventWildcard}
	}
	if err := validateEvents(events); err != nil {
		return Info{}, err
	}
	if err := validateFilter(opts.Filter); err != nil {
		return Info{}, err
	}

	encoded, err := json.Marshal(events)
	if err != nil {
		return Info{}, err
	}
	row := db.Webhook{
		ID:            uuid.NewString(),
		URL:           rawURL,
		Events:        string(encoded),
		FilterPattern: opts.Filter,
		Secret:        opts.Secret,
		Description:   opts.Description,
		Active:        true,
		CreatedAt:     clock.Millis(r.clock),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if cerr := tx.Model(&db.Webhook{}).Count(&n).Error; cerr != nil {
			return cerr
		}
		if n >= MaxWebhooks {
			return fault.Newf(fault.ValidationError, "webhook limit reached (max %d)", MaxWebhooks)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Info{}, err
	}
	r.logger.Info("webhook registered", zap.String("id", row.ID), zap.String("url", rawURL))
	return toInfo(row), nil
}

// UpdateOptions patch a webhook. Nil pointers leave fields alone; nil
// Events too.
type UpdateOptions struct {
	URL         *string
	Events      []string
	Filter      *string
	Secret      *string
	Description *string
	Active      *bool
}

// Update applies a partial patch with the same validation as Register.
func (r *Registry) Update(ctx context.Context, id string, patch UpdateOptions) (Info, error) {
	updates := map[string]any{}
	if patch.URL != nil {
		if err := r.validateURL(*patch.URL); err != nil {
			return Info{}, err
		}
		updates["url"] = *patch.URL
	}
	if patch.Events != nil {
		if err := validateEvents(patch.Events); err != nil {
			return Info{}, err
		}
		encoded, err := json.Marshal(patch.Events)
		if err != nil {
			return Info{}, err
		}
		updates["events"] = string(encoded)
	}
	if patch.Filter != nil {
		if err := validateFilter(*patch.Filter); err != nil {
			return Info{}, err
		}
		updates["filter_pattern"] = *patch.Filter
	}
	if patch.Secret != nil {
		updates["secret"] = *patch.Secret
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Active != nil {
		updates["active"] = *patch.Active
	}

	var row db.Webhook
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ferr := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(ferr, gorm.ErrRecordNotFound) {
			return fault.Newf(fault.ValidationError, "webhook %s not found", id)
		}
		if ferr != nil {
			return ferr
		}
		if len(updates) == 0 {
			return nil
		}
		if uerr := tx.Model(&db.Webhook{}).Where("id = ?", id).Updates(updates).Error; uerr != nil {
			return uerr
		}
		return tx.Where("id = ?", id).First(&row).Error
	})
	if err != nil {
		return Info{}, err
	}
	return toInfo(row), nil
}

// Remove deletes the webhook and, by cascade, its delivery history.
// Removing a missing webhook succeeds with removed=false.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&db.Webhook{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Get returns one webhook.
func (r *Registry) Get(ctx context.Context, id string) (Info, error) {
	var row db.Webhook
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Info{}, fault.Newf(fault.ValidationError, "webhook %s not found", id)
	}
	if err != nil {
		return Info{}, err
	}
	return toInfo(row), nil
}

// List returns webhooks, newest first.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]Info, error) {
	tx := r.db.WithContext(ctx).Model(&db.Webhook{})
	if activeOnly {
		tx = tx.Where("active = ?", true)
	}
	var rows []db.Webhook
	if err := tx.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Info, len(rows))
	for i, w := range rows {
		out[i] = toInfo(w)
	}
	return out, nil
}

// Trigger enqueues one delivery per active webhook whose event set covers
// the event and whose filter matches the target. It satisfies the
// EventTrigger capability the other components hold, so it cannot return an
// error; failures are logged and count as zero.
func (r *Registry) Trigger(event string, payload map[string]any, targetID string) int {
	ctx := context.Background()

	var hooks []db.Webhook
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&hooks).Error; err != nil {
		r.logger.Error("webhook lookup failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	triggered := 0
	for _, hook := range hooks {
		if !eventMatches(decodeEvents(hook.Events), event) {
			continue
		}
		if hook.FilterPattern != "" && !identity.Match(hook.FilterPattern, targetID) {
			continue
		}
		if err := r.dispatcher.enqueue(ctx, hook, event, payload); err != nil {
			r.logger.Error("webhook enqueue failed",
				zap.String("webhook_id", hook.ID),
				zap.String("event", event),
				zap.Error(err))
			continue
		}
		triggered++
	}
	return triggered
}

func eventMatches(events []string, event string) bool {
	for _, e := range events {
		if e == EventWildcard || e == event {
			return true
		}
	}
	return false
}

// Test sends one synthetic delivery synchronously and returns the recorded
// outcome. It exercises the exact worker path, retries excluded.
func (r *Registry) Test(ctx context.Context, id string) (DeliveryInfo, error) {
	var hook db.Webhook
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&hook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeliveryInfo{}, fault.Newf(fault.ValidationError, "webhook %s not found", id)
	}
	if err != nil {
		return DeliveryInfo{}, err
	}
	return r.dispatcher.deliverTest(ctx, hook)
}

func (r *Registry) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fault.Newf(fault.ValidationError, "invalid webhook url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fault.New(fault.ValidationError, "webhook url must be http or https")
	}
	if u.Hostname() == "" {
		return fault.New(fault.ValidationError, "webhook url has no host")
	}
	if !r.opts.AllowLocal && blockedHost(u.Hostname()) {
		return fault.Newf(fault.ValidationError, "webhook host %q is not allowed", u.Hostname())
	}
	return nil
}

// blockedHost is the SSRF guard: loopback, RFC1918, link-local, unique
// local, unspecified, and the well-known metadata hostnames. The check is
// lexical; no DNS resolution happens at registration time.
func blockedHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "metadata.google.internal":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() ||
			ip.IsPrivate() ||
			ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() ||
			ip.IsUnspecified()
	}
	return false
}

func validateEvents(events []string) error {
	for _, e := range events {
		if e == EventWildcard {
			continue
		}
		if !activity.KnownType(e) {
			return fault.Newf(fault.InvalidEvent, "unknown event type %q", e).
				WithDetail("event", e).
				WithDetail("known", activity.Types())
		}
	}
	return nil
}

func validateFilter(filter string) error {
	if filter == "" {
		return nil
	}
	if len(filter) > maxFilterLen {
		return fault.Newf(fault.ValidationError, "filter pattern longer than %d chars", maxFilterLen)
	}
	if !filterChars.MatchString(filter) {
		return fault.New(fault.ValidationError, "filter pattern has invalid characters")
	}
	return nil
}
