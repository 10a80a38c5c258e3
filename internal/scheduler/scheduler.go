// Package scheduler runs the recurring maintenance sweeps: expired locks and
// services, stale agents, old messages, terminal sessions, activity retention
// and finished webhook deliveries. One gocron job fires every cleanup
// interval; POST /ports/cleanup and the cleanup subcommand reuse the same
// pass through RunAll.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/agents"
	"github.com/port-daddy/port-daddy/internal/locks"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/metrics"
	"github.com/port-daddy/port-daddy/internal/services"
	"github.com/port-daddy/port-daddy/internal/sessions"
	"github.com/port-daddy/port-daddy/internal/webhooks"
)

// DefaultInterval is how often the sweep job fires when no --cleanup-every
// flag overrides it.
const DefaultInterval = 60 * time.Second

// sweepTimeout bounds a single pass so a wedged sweep cannot pile up behind
// the singleton job.
const sweepTimeout = time.Minute

// Config carries the components the sweeps operate on. Every field except
// Metrics and CronSpec is required. When CronSpec is set it wins over
// Interval and the sweep fires on the cron schedule instead.
type Config struct {
	Services *services.Registry
	Locks    *locks.Registry
	Agents   *agents.Registry
	Messages *messaging.Queue
	Sessions *sessions.Manager
	Activity *activity.Log
	Webhooks *webhooks.Registry
	Metrics  *metrics.Metrics
	Interval time.Duration
	CronSpec string
	Logger   *zap.Logger
}

// Scheduler wraps gocron and coordinates the periodic cleanup pass.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron gocron.Scheduler
	cfg  Config

	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin sweeping.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   cron,
		cfg:    cfg,
		logger: cfg.Logger.Named("scheduler"),
	}, nil
}

// Start registers the cleanup job and starts the underlying gocron scheduler.
// It should be called once at daemon startup, after the database connection
// is established.
func (s *Scheduler) Start() error {
	var def gocron.JobDefinition = gocron.DurationJob(s.cfg.Interval)
	if s.cfg.CronSpec != "" {
		def = gocron.CronJob(s.cfg.CronSpec, false)
	}

	_, err := s.cron.NewJob(
		def,
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if _, err := s.RunAll(ctx); err != nil {
				s.logger.Warn("cleanup pass finished with errors", zap.Error(err))
			}
		}),
		gocron.WithName("cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}

	if s.cfg.CronSpec != "" {
		s.logger.Info("scheduler started", zap.String("cron", s.cfg.CronSpec))
	} else {
		s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	}
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for a
// currently running pass to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// RunAll executes every sweep once and reports how many rows each one
// removed, keyed by resource. A failing sweep is logged and skipped; the
// others still run, and the joined error is returned alongside the counts.
func (s *Scheduler) RunAll(ctx context.Context) (map[string]int, error) {
	removed := make(map[string]int)
	var errs []error

	sweep := func(resource string, fn func() (int, error)) {
		n, err := fn()
		if err != nil {
			s.logger.Error("sweep failed", zap.String("resource", resource), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", resource, err))
			return
		}
		removed[resource] = n
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CleanupRemoved(resource, n)
		}
	}

	// Stale agents go first so their force-released locks are not double
	// counted by the expired-lock sweep.
	sweep("agents", func() (int, error) {
		res, err := s.cfg.Agents.Cleanup(ctx, s.cfg.Locks)
		return res.Cleaned, err
	})
	sweep("locks", func() (int, error) {
		return s.cfg.Locks.Cleanup(ctx)
	})
	sweep("services", func() (int, error) {
		return s.cfg.Services.Cleanup(ctx)
	})
	sweep("messages", func() (int, error) {
		return s.cfg.Messages.Cleanup(ctx)
	})
	sweep("sessions", func() (int, error) {
		return s.cfg.Sessions.Cleanup(ctx, sessions.CleanupOptions{})
	})
	sweep("activity", func() (int, error) {
		res, err := s.cfg.Activity.Cleanup(ctx)
		return int(res.DeletedOld + res.DeletedExcess), err
	})
	sweep("webhook_deliveries", func() (int, error) {
		return s.cfg.Webhooks.CleanupDeliveries(ctx)
	})

	total := 0
	for _, n := range removed {
		total += n
	}
	if total > 0 {
		s.logger.Info("cleanup pass complete", zap.Int("removed", total))
	}
	return removed, errors.Join(errs...)
}
