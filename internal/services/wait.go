package services

import (
	"context"
	"sync"
	"time"

	"github.com/port-daddy/port-daddy/internal/db"
)

// DefaultWaitTimeoutMs bounds Wait when the caller gives no timeout.
const DefaultWaitTimeoutMs = 30_000

// claimBroadcast wakes every waiter when a new assignment lands. The
// channel is closed and replaced on each claim, so waiters never miss a
// signal between snapshotting and blocking.
type claimBroadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func newClaimBroadcast() *claimBroadcast {
	return &claimBroadcast{ch: make(chan struct{})}
}

func (b *claimBroadcast) signal() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *claimBroadcast) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}

// Snapshot maps each requested identity to its port, covering only the
// identities currently assigned.
func (r *Registry) Snapshot(ctx context.Context, ids []string) (map[string]int, error) {
	if len(ids) == 0 {
		return map[string]int{}, nil
	}
	var rows []db.Service
	err := r.db.WithContext(ctx).
		Where("status = ? AND id IN ?", StatusAssigned, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, s := range rows {
		out[s.ID] = s.Port
	}
	return out, nil
}

// WaitResult reports a Wait outcome. On timeout the partial snapshot is
// still returned so callers can show what resolved.
type WaitResult struct {
	Success   bool           `json:"success"`
	Services  map[string]int `json:"services"`
	Resolved  int            `json:"resolved"`
	Requested int            `json:"requested"`
	TimedOut  bool           `json:"timedOut"`
}

// Wait blocks until every identity has an assigned port, the timeout
// lapses, or the context is cancelled. Waiters are woken by the in-process
// claim broadcast rather than polling.
func (r *Registry) Wait(ctx context.Context, ids []string, timeoutMs int64) (WaitResult, error) {
	if timeoutMs <= 0 {
		timeoutMs = DefaultWaitTimeoutMs
	}

	seen := make(map[string]struct{}, len(ids))
	want := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		want = append(want, id)
	}

	timeout := r.clock.After(time.Duration(timeoutMs) * time.Millisecond)
	for {
		// Grab the signal before snapshotting so a claim landing in between
		// still wakes this round.
		signal := r.waiters.signal()

		snap, err := r.Snapshot(ctx, want)
		if err != nil {
			return WaitResult{}, err
		}
		if len(snap) == len(want) {
			return WaitResult{
				Success:   true,
				Services:  snap,
				Resolved:  len(snap),
				Requested: len(want),
			}, nil
		}

		select {
		case <-signal:
		case <-timeout:
			return WaitResult{
				Services:  snap,
				Resolved:  len(snap),
				Requested: len(want),
				TimedOut:  true,
			}, nil
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		}
	}
}
