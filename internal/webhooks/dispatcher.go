package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
)

// Delivery status values.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	// MaxAttempts is the per-delivery retry budget.
	MaxAttempts = 5
	// attemptTimeout bounds one outbound POST.
	attemptTimeout = 10 * time.Second
	// baseBackoffMs doubles after each failed attempt.
	baseBackoffMs int64 = 5_000
	// maxResponseBody is how much of the receiver's response is kept.
	maxResponseBody = 1000
	// redeliveryInterval is how often due retries are rescanned.
	redeliveryInterval = 5 * time.Second
	// DeliveryRetentionMs is how long terminal deliveries are kept.
	DeliveryRetentionMs int64 = 24 * 3_600_000
)

// dispatcher owns the delivery queue and worker pool. Delivery rows are the
// source of truth; the in-memory queue is just the fast path, and the
// redelivery scan re-seeds it after restarts and backoff waits.
type dispatcher struct {
	reg    *Registry
	client *http.Client
	queue  chan string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newDispatcher(reg *Registry) *dispatcher {
	return &dispatcher{
		reg:      reg,
		client:   &http.Client{Timeout: attemptTimeout},
		queue:    make(chan string, reg.opts.QueueSize),
		inflight: make(map[string]struct{}),
	}
}

func (d *dispatcher) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.reg.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.queue:
					d.deliver(ctx, id)
				}
			}
		})
	}
	g.Go(func() error { return d.redeliveryLoop(ctx) })
	return g.Wait()
}

// enqueue persists a delivery row and hands it to the workers.
func (d *dispatcher) enqueue(ctx context.Context, hook db.Webhook, event string, payload map[string]any) error {
	now := clock.Millis(d.reg.clock)
	body, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": now,
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	row := db.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: hook.ID,
		Event:     event,
		Payload:   string(body),
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := d.reg.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}

	if !d.tryQueue(row.ID) {
		// A full queue rejects the delivery outright rather than stalling
		// the caller; the row records the rejection.
		d.reg.logger.Warn("delivery queue full, rejecting",
			zap.String("delivery_id", row.ID),
			zap.String("webhook_id", hook.ID),
			zap.String("event", event))
		d.finish("rejected")
		return d.reg.db.WithContext(ctx).Model(&db.WebhookDelivery{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"status":        StatusFailed,
				"response_body": "delivery queue full",
			}).Error
	}
	return nil
}

func (d *dispatcher) tryQueue(id string) bool {
	d.mu.Lock()
	d.inflight[id] = struct{}{}
	d.mu.Unlock()
	select {
	case d.queue <- id:
		return true
	default:
		d.clearInflight(id)
		return false
	}
}

func (d *dispatcher) isInflight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

func (d *dispatcher) clearInflight(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// redeliveryLoop re-enqueues due deliveries: retries whose backoff lapsed
// and pending rows orphaned by a crash.
func (d *dispatcher) redeliveryLoop(ctx context.Context) error {
	ticker := d.reg.clock.NewTicker(redeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			d.scanDue(ctx)
		}
	}
}

func (d *dispatcher) scanDue(ctx context.Context) {
	now := clock.Millis(d.reg.clock)
	var rows []db.WebhookDelivery
	err := d.reg.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []string{StatusPending, StatusRetrying}, now).
		Order("next_attempt_at ASC").Limit(100).
		Find(&rows).Error
	if err != nil {
		d.reg.logger.Error("redelivery scan failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		if d.isInflight(row.ID) {
			continue
		}
		if !d.tryQueue(row.ID) {
			return // queue full again, next tick retries
		}
	}
}

// deliver runs one attempt for a queued delivery and writes the outcome.
func (d *dispatcher) deliver(ctx context.Context, deliveryID string) {
	defer d.clearInflight(deliveryID)

	var row db.WebhookDelivery
	err := d.reg.db.WithContext(ctx).Where("id = ?", deliveryID).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.reg.logger.Error("delivery lookup failed", zap.String("delivery_id", deliveryID), zap.Error(err))
		}
		return
	}
	if row.Status == StatusSucceeded || row.Status == StatusFailed {
		return
	}

	var hook db.Webhook
	err = d.reg.db.WithContext(ctx).Where("id = ?", row.WebhookID).First(&hook).Error
	if err != nil {
		d.fail(ctx, &row, 0, "webhook removed")
		return
	}
	if !hook.Active {
		d.fail(ctx, &row, 0, "webhook deactivated")
		return
	}

	now := clock.Millis(d.reg.clock)
	row.Attempts++
	row.LastAttemptAt = now

	status, body, postErr := d.post(ctx, hook, row)
	if postErr != nil {
		d.retryOrFail(ctx, &row, 0, truncate(postErr.Error()))
		return
	}
	if status < 200 || status >= 300 {
		d.retryOrFail(ctx, &row, status, body)
		return
	}
	d.succeed(ctx, &row, status, body)
}

// post sends the stored body with the signed header set.
func (d *dispatcher) post(ctx context.Context, hook db.Webhook, row db.WebhookDelivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader([]byte(row.Payload)))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PortDaddy-Webhook/1.0")
	req.Header.Set("X-PortDaddy-Event", row.Event)
	req.Header.Set("X-PortDaddy-Delivery", row.ID)
	req.Header.Set("X-PortDaddy-Timestamp", strconv.FormatInt(row.LastAttemptAt, 10))
	if hook.Secret != "" {
		req.Header.Set("X-PortDaddy-Signature", "sha256="+hmacSHA256([]byte(row.Payload), hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, truncate(string(body)), nil
}

func (d *dispatcher) succeed(ctx context.Context, row *db.WebhookDelivery, status int, body string) {
	err := d.reg.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if uerr := tx.Model(&db.WebhookDelivery{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":          StatusSucceeded,
			"attempts":        row.Attempts,
			"last_attempt_at": row.LastAttemptAt,
			"response_status": status,
			"response_body":   body,
			"next_attempt_at": 0,
		}).Error; uerr != nil {
			return uerr
		}
		return tx.Model(&db.Webhook{}).Where("id = ?", row.WebhookID).
			UpdateColumn("success_count", gorm.Expr("success_count + 1")).Error
	})
	if err != nil {
		d.reg.logger.Error("delivery bookkeeping failed", zap.String("delivery_id", row.ID), zap.Error(err))
		return
	}
	d.finish(StatusSucceeded)
	d.reg.logger.Debug("delivery succeeded",
		zap.String("delivery_id", row.ID),
		zap.String("event", row.Event),
		zap.Int("attempts", row.Attempts))
}

// retryOrFail schedules the next attempt or gives up at the budget.
func (d *dispatcher) retryOrFail(ctx context.Context, row *db.WebhookDelivery, status int, body string) {
	if row.Attempts >= MaxAttempts {
		d.fail(ctx, row, status, body)
		return
	}
	next := row.LastAttemptAt + baseBackoffMs<<(row.Attempts-1)
	err := d.reg.db.WithContext(ctx).Model(&db.WebhookDelivery{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":          StatusRetrying,
		"attempts":        row.Attempts,
		"last_attempt_at": row.LastAttemptAt,
		"response_status": status,
		"response_body":   body,
		"next_attempt_at": next,
	}).Error
	if err != nil {
		d.reg.logger.Error("delivery bookkeeping failed", zap.String("delivery_id", row.ID), zap.Error(err))
		return
	}
	d.finish(StatusRetrying)
	d.reg.logger.Debug("delivery retry scheduled",
		zap.String("delivery_id", row.ID),
		zap.Int("attempts", row.Attempts),
		zap.Int64("next_attempt_at", next))
}

func (d *dispatcher) fail(ctx context.Context, row *db.WebhookDelivery, status int, body string) {
	err := d.reg.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if uerr := tx.Model(&db.WebhookDelivery{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":          StatusFailed,
			"attempts":        row.Attempts,
			"last_attempt_at": row.LastAttemptAt,
			"response_status": status,
			"response_body":   body,
			"next_attempt_at": 0,
		}).Error; uerr != nil {
			return uerr
		}
		return tx.Model(&db.Webhook{}).Where("id = ?", row.WebhookID).
			UpdateColumn("failure_count", gorm.Expr("failure_count + 1")).Error
	})
	if err != nil {
		d.reg.logger.Error("delivery bookkeeping failed", zap.String("delivery_id", row.ID), zap.Error(err))
		return
	}
	d.finish(StatusFailed)
	d.reg.logger.Warn("delivery failed",
		zap.String("delivery_id", row.ID),
		zap.String("event", row.Event),
		zap.Int("attempts", row.Attempts),
		zap.Int("response_status", status))
}

// deliverTest runs one synchronous synthetic delivery, no retries.
func (d *dispatcher) deliverTest(ctx context.Context, hook db.Webhook) (DeliveryInfo, error) {
	now := clock.Millis(d.reg.clock)
	body, err := json.Marshal(map[string]any{
		"event":     "webhook.test",
		"timestamp": now,
		"payload":   map[string]any{"test": true, "webhook_id": hook.ID},
	})
	if err != nil {
		return DeliveryInfo{}, err
	}
	row := db.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: hook.ID,
		Event:     "webhook.test",
		Payload:   string(body),
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := d.reg.db.WithContext(ctx).Create(&row).Error; err != nil {
		return DeliveryInfo{}, err
	}

	row.Attempts = 1
	row.LastAttemptAt = now
	status, respBody, postErr := d.post(ctx, hook, row)
	switch {
	case postErr != nil:
		d.fail(ctx, &row, 0, truncate(postErr.Error()))
		row.Status, row.ResponseStatus, row.ResponseBody = StatusFailed, 0, truncate(postErr.Error())
	case status < 200 || status >= 300:
		d.fail(ctx, &row, status, respBody)
		row.Status, row.ResponseStatus, row.ResponseBody = StatusFailed, status, respBody
	default:
		d.succeed(ctx, &row, status, respBody)
		row.Status, row.ResponseStatus, row.ResponseBody = StatusSucceeded, status, respBody
	}
	return toDeliveryInfo(row), nil
}

func (d *dispatcher) finish(outcome string) {
	if d.reg.opts.Metrics != nil {
		d.reg.opts.Metrics.DeliveryFinished(outcome)
	}
}

// DeliveryInfo is one delivery row as returned to clients.
type DeliveryInfo struct {
	ID             string `json:"id"`
	WebhookID      string `json:"webhook_id"`
	Event          string `json:"event"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	LastAttemptAt  int64  `json:"last_attempt_at,omitempty"`
	NextAttemptAt  int64  `json:"next_attempt_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

func toDeliveryInfo(row db.WebhookDelivery) DeliveryInfo {
	return DeliveryInfo{
		ID:             row.ID,
		WebhookID:      row.WebhookID,
		Event:          row.Event,
		Status:         row.Status,
		Attempts:       row.Attempts,
		ResponseStatus: row.ResponseStatus,
		ResponseBody:   row.ResponseBody,
		LastAttemptAt:  row.LastAttemptAt,
		NextAttemptAt:  row.NextAttemptAt,
		CreatedAt:      row.CreatedAt,
	}
}

// Deliveries returns the webhook's delivery history, newest first.
func (r *Registry) Deliveries(ctx context.Context, webhookID string, limit int) ([]DeliveryInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	var rows []db.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC, id DESC").Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryInfo, len(rows))
	for i, row := range rows {
		out[i] = toDeliveryInfo(row)
	}
	return out, nil
}

// CleanupDeliveries drops terminal deliveries older than the retention
// window and returns how many went.
func (r *Registry) CleanupDeliveries(ctx context.Context) (int, error) {
	cutoff := clock.Millis(r.clock) - DeliveryRetentionMs
	res := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{StatusSucceeded, StatusFailed}, cutoff).
		Delete(&db.WebhookDelivery{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.logger.Info("old deliveries removed", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

// PendingDeliveries counts rows still owed an attempt. The stats endpoint
// reports it.
func (r *Registry) PendingDeliveries(ctx context.Context) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.WebhookDelivery{}).
		Where("status IN ?", []string{StatusPending, StatusRetrying}).
		Count(&n).Error
	return int(n), err
}

// Count reports registered webhooks, active only or all.
func (r *Registry) Count(ctx context.Context, activeOnly bool) (int, error) {
	tx := r.db.WithContext(ctx).Model(&db.Webhook{})
	if activeOnly {
		tx = tx.Where("active = ?", true)
	}
	var n int64
	err := tx.Count(&n).Error
	return int(n), err
}

func truncate(s string) string {
	if len(s) <= maxResponseBody {
		return s
	}
	return s[:maxResponseBody]
}

// hmacSHA256 signs data with the secret, hex-encoded.
func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
