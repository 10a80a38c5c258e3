// Package messaging implements durable per-channel message queues with an
// in-process subscriber fan-out. Messages persist in the store so a CLI can
// leave a note for an agent that is not running yet; subscribers are
// process-local and exist for live consumers (SSE streams, the websocket
// bridge) layered on top.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/fault"
)

const (
	// Wildcard subscribers observe every channel.
	Wildcard = "*"

	// MaxChannels bounds the in-process subscriber table.
	MaxChannels = 1000
	// MaxSubscribersPerChannel bounds one channel's fan-out.
	MaxSubscribersPerChannel = 100

	// DefaultLimit and MaxLimit clamp read sizes.
	DefaultLimit = 50
	MaxLimit     = 500
)

// EventTrigger fans a lifecycle event out to matching webhooks.
type EventTrigger interface {
	Trigger(event string, payload map[string]any, targetID string) int
}

// Delivery is what a subscriber sees for one published message. Channel
// subscribers get the payload as published; wildcard subscribers get the
// raw stored string instead.
type Delivery struct {
	ID        int64
	Channel   string
	Payload   any
	Sender    string
	CreatedAt int64
}

// Handler consumes deliveries. Handlers run inline on the publisher's
// goroutine and must not block; a panic is caught and logged so one broken
// subscriber cannot take the rest down.
type Handler func(Delivery)

// Queue is the messaging component.
type Queue struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	activity activity.Recorder
	events   EventTrigger

	mu   sync.RWMutex
	next int64
	subs map[string]map[int64]Handler
}

// New builds the queue. The activity recorder and event trigger may be nil
// (direct-DB maintenance mode).
func New(database *gorm.DB, clk clock.Clock, logger *zap.Logger, rec activity.Recorder, events EventTrigger) *Queue {
	return &Queue{
		db:       database,
		clock:    clk,
		logger:   logger.Named("messaging"),
		activity: rec,
		events:   events,
		subs:     make(map[string]map[int64]Handler),
	}
}

// PublishOptions tune Publish.
type PublishOptions struct {
	Sender  string
	AgentID string
	Expires clock.Duration
}

// PublishResult is the success arm of Publish.
type PublishResult struct {
	Success bool  `json:"success"`
	ID      int64 `json:"id"`
}

// Publish stores one message and fans it out to live subscribers of the
// channel and of "*". Non-string payloads are stored JSON-encoded. An
// expires value that was sent but did not parse expires the message
// immediately; senders relying on retention pass a parseable value.
func (q *Queue) Publish(ctx context.Context, channel string, payload any, opts PublishOptions) (PublishResult, error) {
	if channel == "" {
		return PublishResult{}, fault.New(fault.ValidationError, "channel is required")
	}
	if channel == Wildcard {
		return PublishResult{}, fault.New(fault.ValidationError, "cannot publish to the wildcard channel")
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return PublishResult{}, fault.New(fault.ValidationError, "payload is not serialisable")
	}

	now := clock.Millis(q.clock)
	expiresAt := int64(0)
	if opts.Expires.Set {
		if opts.Expires.Valid {
			expiresAt = now + opts.Expires.Millis
		} else {
			expiresAt = now
		}
	}

	row := db.Message{
		Channel:   channel,
		Payload:   raw,
		Sender:    opts.Sender,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return PublishResult{}, err
	}

	if q.activity != nil {
		q.activity.Append(ctx, activity.Entry{
			Type:     activity.TypeMessagePublish,
			AgentID:  opts.AgentID,
			TargetID: channel,
			Details:  "from " + senderOr(opts.Sender),
		})
	}
	if q.events != nil {
		q.events.Trigger(activity.TypeMessagePublish, map[string]any{
			"channel": channel, "id": row.ID, "sender": opts.Sender,
		}, channel)
	}

	q.dispatch(Delivery{
		ID:        row.ID,
		Channel:   channel,
		Payload:   payload,
		Sender:    opts.Sender,
		CreatedAt: now,
	}, raw)

	return PublishResult{Success: true, ID: row.ID}, nil
}

func encodePayload(payload any) (string, error) {
	if s, ok := payload.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func senderOr(s string) string {
	if s == "" {
		return "anonymous"
	}
	return s
}

// dispatch invokes channel subscribers with the published payload and
// wildcard subscribers with the raw stored string.
func (q *Queue) dispatch(d Delivery, raw string) {
	type target struct {
		fn       Handler
		wildcard bool
	}
	q.mu.RLock()
	targets := make([]target, 0, len(q.subs[d.Channel])+len(q.subs[Wildcard]))
	for _, fn := range q.subs[d.Channel] {
		targets = append(targets, target{fn: fn})
	}
	for _, fn := range q.subs[Wildcard] {
		targets = append(targets, target{fn: fn, wildcard: true})
	}
	q.mu.RUnlock()

	for _, t := range targets {
		del := d
		if t.wildcard {
			del.Payload = raw
		}
		q.invoke(t.fn, del)
	}
}

func (q *Queue) invoke(fn Handler, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Warn("subscriber panicked",
				zap.String("channel", d.Channel),
				zap.Int64("message_id", d.ID),
				zap.Any("panic", rec))
		}
	}()
	fn(d)
}

// Subscribe registers a handler for one channel (or "*" for all) and
// returns the unsubscribe handle. The subscriber table is bounded; hitting
// a bound is a validation failure, not a silent drop.
func (q *Queue) Subscribe(channel string, fn Handler) (func(), error) {
	if channel == "" {
		return nil, fault.New(fault.ValidationError, "channel is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	set, ok := q.subs[channel]
	if !ok {
		if len(q.subs) >= MaxChannels {
			return nil, fault.Newf(fault.ValidationError, "too many subscribed channels (max %d)", MaxChannels)
		}
		set = make(map[int64]Handler)
		q.subs[channel] = set
	}
	if len(set) >= MaxSubscribersPerChannel {
		return nil, fault.Newf(fault.ValidationError, "too many subscribers on %q (max %d)", channel, MaxSubscribersPerChannel)
	}

	q.next++
	token := q.next
	set[token] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if cur, ok := q.subs[channel]; ok {
				delete(cur, token)
				if len(cur) == 0 {
					delete(q.subs, channel)
				}
			}
		})
	}, nil
}

// SubscriberCount reports the live subscriber total across channels.
func (q *Queue) SubscriberCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, set := range q.subs {
		n += len(set)
	}
	return n
}

// Message is one stored message as returned to clients. Payloads that look
// like JSON are decoded; everything else stays a string.
type Message struct {
	ID        int64  `json:"id"`
	Channel   string `json:"channel"`
	Payload   any    `json:"payload"`
	Sender    string `json:"sender,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

func toMessage(m db.Message) Message {
	return Message{
		ID:        m.ID,
		Channel:   m.Channel,
		Payload:   decodePayload(m.Payload),
		Sender:    m.Sender,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

func decodePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// Messages returns unexpired rows with id > after in ascending id order.
// Limit defaults to 50 and is capped at 500.
func (q *Queue) Messages(ctx context.Context, channel string, limit int, after int64) ([]Message, error) {
	if channel == "" {
		return nil, fault.New(fault.ValidationError, "channel is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	now := clock.Millis(q.clock)
	var rows []db.Message
	err := q.db.WithContext(ctx).
		Where("channel = ? AND id > ? AND (expires_at = 0 OR expires_at > ?)", channel, after, now).
		Order("id ASC").Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(rows))
	for i, m := range rows {
		out[i] = toMessage(m)
	}
	return out, nil
}

// PollResult carries the next message, if any, and the cursor the caller
// feeds back on the next poll.
type PollResult struct {
	Success bool     `json:"success"`
	Message *Message `json:"message"`
	LastID  int64    `json:"lastId"`
}

// Poll returns the single next unexpired message with id > after, or a nil
// message and an unchanged cursor.
func (q *Queue) Poll(ctx context.Context, channel string, after int64) (PollResult, error) {
	if channel == "" {
		return PollResult{}, fault.New(fault.ValidationError, "channel is required")
	}

	now := clock.Millis(q.clock)
	var row db.Message
	err := q.db.WithContext(ctx).
		Where("channel = ? AND id > ? AND (expires_at = 0 OR expires_at > ?)", channel, after, now).
		Order("id ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PollResult{Success: true, LastID: after}, nil
		}
		return PollResult{}, err
	}
	msg := toMessage(row)
	return PollResult{Success: true, Message: &msg, LastID: msg.ID}, nil
}

// Clear deletes every message in the channel and returns how many went.
func (q *Queue) Clear(ctx context.Context, channel, agentID string) (int, error) {
	if channel == "" {
		return 0, fault.New(fault.ValidationError, "channel is required")
	}

	res := q.db.WithContext(ctx).Where("channel = ?", channel).Delete(&db.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	n := int(res.RowsAffected)

	if n > 0 {
		if q.activity != nil {
			q.activity.Append(ctx, activity.Entry{
				Type:     activity.TypeMessageClear,
				AgentID:  agentID,
				TargetID: channel,
				Details:  "cleared",
			})
		}
		if q.events != nil {
			q.events.Trigger(activity.TypeMessageClear, map[string]any{
				"channel": channel, "cleared": n,
			}, channel)
		}
	}
	return n, nil
}

// ChannelInfo is one row of the channel listing.
type ChannelInfo struct {
	Channel     string `json:"channel"`
	Count       int64  `json:"count"`
	LastMessage int64  `json:"lastMessage"`
}

// Channels lists channels that still hold unexpired messages, most recently
// active first.
func (q *Queue) Channels(ctx context.Context) ([]ChannelInfo, error) {
	now := clock.Millis(q.clock)
	var rows []ChannelInfo
	err := q.db.WithContext(ctx).Model(&db.Message{}).
		Select("channel, COUNT(*) AS count, MAX(created_at) AS last_message").
		Where("expires_at = 0 OR expires_at > ?", now).
		Group("channel").
		Order("last_message DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Cleanup deletes expired messages and returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	now := clock.Millis(q.clock)
	res := q.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", now).
		Delete(&db.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		q.logger.Info("expired messages removed", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}
