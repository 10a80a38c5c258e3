// Package daemon assembles the Port Daddy process: it opens the store, wires
// every component to the shared activity log and webhook trigger, and serves
// the HTTP surface on a TCP listener and a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/port-daddy/port-daddy/internal/activity"
	"github.com/port-daddy/port-daddy/internal/agents"
	"github.com/port-daddy/port-daddy/internal/api"
	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/db"
	"github.com/port-daddy/port-daddy/internal/locks"
	"github.com/port-daddy/port-daddy/internal/messaging"
	"github.com/port-daddy/port-daddy/internal/metrics"
	"github.com/port-daddy/port-daddy/internal/scheduler"
	"github.com/port-daddy/port-daddy/internal/services"
	"github.com/port-daddy/port-daddy/internal/sessions"
	"github.com/port-daddy/port-daddy/internal/webhooks"
	"github.com/port-daddy/port-daddy/internal/websocket"
)

// DefaultListen is the TCP address the daemon binds when no flag overrides
// it. Binding loopback keeps the API machine-local; the bind doubling as the
// single-instance guard depends on it being a fixed port.
const DefaultListen = "127.0.0.1:9876"

// shutdownGrace bounds the HTTP drain once the daemon is asked to stop.
const shutdownGrace = 5 * time.Second

// Config carries every tunable the daemon accepts. Zero values select the
// component defaults.
type Config struct {
	Listen string // TCP listen address, DefaultListen when empty
	Socket string // Unix socket path; empty disables the socket listener
	DBPath string // database file, $PORT_DADDY_DB, or a file beside the binary

	PortMin       int
	PortMax       int
	ReservedPorts []int

	AgentTTLMs          int64
	ActivityRetentionMs int64
	ActivityMaxEntries  int64

	WebhookWorkers    int
	WebhookAllowLocal bool

	CleanupEvery time.Duration
	CleanupCron  string // cron schedule for the sweep; overrides CleanupEvery

	Version string
	Logger  *zap.Logger
}

// Daemon is the wired process. New builds it; Run serves until the context
// is cancelled and then tears everything down.
type Daemon struct {
	cfg      Config
	logger   *zap.Logger
	database *gorm.DB

	services *services.Registry
	locks    *locks.Registry
	agents   *agents.Registry
	queue    *messaging.Queue
	sessions *sessions.Manager
	activity *activity.Log
	webhooks *webhooks.Registry
	hub      *websocket.Hub
	sched    *scheduler.Scheduler
	metrics  *metrics.Metrics
	handler  http.Handler
	unbridge func()

	mu    sync.Mutex
	addr  string
	ready chan struct{}
}

// New opens the store and wires all components. Nothing is listening yet;
// call Run to serve or Sweep for a one-shot cleanup pass.
func New(cfg Config) (*Daemon, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("daemon: logger is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	logger := cfg.Logger
	clk := clock.New()

	database, err := db.Open(db.Config{
		Path:     db.DefaultPath(cfg.DBPath),
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	act := activity.New(database, clk, logger, activity.Options{
		RetentionMs: cfg.ActivityRetentionMs,
		MaxEntries:  cfg.ActivityMaxEntries,
	})
	hooks := webhooks.New(database, clk, logger, webhooks.Options{
		AllowLocal: cfg.WebhookAllowLocal,
		Workers:    cfg.WebhookWorkers,
		Metrics:    m,
	})

	svc := services.New(database, clk, logger, act, hooks, services.Options{
		PortMin:  cfg.PortMin,
		PortMax:  cfg.PortMax,
		Reserved: cfg.ReservedPorts,
	})
	lks := locks.New(database, clk, logger, act, hooks)
	ags := agents.New(database, clk, logger, act, hooks, agents.Options{TTLMs: cfg.AgentTTLMs})
	ags.SetCounters(svc, lks)
	queue := messaging.New(database, clk, logger, act, hooks)
	sess := sessions.New(database, clk, logger, act, hooks)

	m.RegisterDomainGauges(
		gauge(svc.CountAssigned),
		gauge(lks.CountActive),
		gauge(ags.CountActive),
	)

	hub := websocket.NewHub()
	unbridge, err := websocket.Bridge(hub, queue)
	if err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("daemon: bridge websocket hub: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Services: svc,
		Locks:    lks,
		Agents:   ags,
		Messages: queue,
		Sessions: sess,
		Activity: act,
		Webhooks: hooks,
		Metrics:  m,
		Interval: cfg.CleanupEvery,
		CronSpec: cfg.CleanupCron,
		Logger:   logger,
	})
	if err != nil {
		unbridge()
		_ = db.Close(database)
		return nil, err
	}

	handler := api.NewRouter(api.RouterConfig{
		Services: svc,
		Locks:    lks,
		Agents:   ags,
		Messages: queue,
		Sessions: sess,
		Webhooks: hooks,
		Activity: act,
		Hub:      hub,
		Sweeper:  sched,
		Metrics:  m,
		Version:  cfg.Version,
		Logger:   logger,
	})

	return &Daemon{
		cfg:      cfg,
		logger:   logger.Named("daemon"),
		database: database,
		services: svc,
		locks:    lks,
		agents:   ags,
		queue:    queue,
		sessions: sess,
		activity: act,
		webhooks: hooks,
		hub:      hub,
		sched:    sched,
		metrics:  m,
		handler:  handler,
		unbridge: unbridge,
		ready:    make(chan struct{}),
	}, nil
}

// Run binds the listeners, starts the dispatcher and scheduler, and serves
// until ctx is cancelled. It owns the teardown: callers must not Close a
// daemon they have Run.
func (d *Daemon) Run(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		_ = d.teardown()
		return fmt.Errorf("daemon: bind %s (is another instance running?): %w", d.cfg.Listen, err)
	}

	var unixLn net.Listener
	if d.cfg.Socket != "" {
		if err := removeStaleSocket(d.cfg.Socket); err != nil {
			_ = tcpLn.Close()
			_ = d.teardown()
			return fmt.Errorf("daemon: stale socket: %w", err)
		}
		unixLn, err = net.Listen("unix", d.cfg.Socket)
		if err != nil {
			_ = tcpLn.Close()
			_ = d.teardown()
			return fmt.Errorf("daemon: bind socket %s: %w", d.cfg.Socket, err)
		}
		// Identity headers are trusted, so nobody else on the machine gets
		// to speak through the socket.
		if err := os.Chmod(d.cfg.Socket, 0o600); err != nil {
			_ = tcpLn.Close()
			_ = unixLn.Close()
			_ = d.teardown()
			return fmt.Errorf("daemon: chmod socket: %w", err)
		}
	}

	if err := d.sched.Start(); err != nil {
		_ = tcpLn.Close()
		if unixLn != nil {
			_ = unixLn.Close()
		}
		_ = d.teardown()
		return err
	}

	d.mu.Lock()
	d.addr = tcpLn.Addr().String()
	d.mu.Unlock()
	close(d.ready)

	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.activity.Append(ctx, activity.Entry{
		Type:    activity.TypeDaemonStart,
		Details: "listening on " + d.addr,
	})
	d.logger.Info("daemon listening",
		zap.String("addr", d.addr),
		zap.String("socket", d.cfg.Socket),
		zap.String("version", d.cfg.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return d.webhooks.Run(gctx)
	})
	g.Go(func() error {
		return serve(srv, tcpLn, "tcp")
	})
	if unixLn != nil {
		g.Go(func() error {
			return serve(srv, unixLn, "unix")
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("daemon shutting down")
		drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(drain); err != nil {
			d.logger.Warn("http drain incomplete", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	d.activity.Append(context.Background(), activity.Entry{Type: activity.TypeDaemonStop})
	if serr := d.sched.Stop(); serr != nil {
		d.logger.Warn("scheduler stop failed", zap.Error(serr))
	}
	if d.cfg.Socket != "" {
		_ = os.Remove(d.cfg.Socket)
	}
	if terr := d.teardown(); terr != nil {
		d.logger.Warn("store close failed", zap.Error(terr))
	}
	return err
}

// Sweep runs every cleanup pass once without starting the daemon. The
// cleanup subcommand uses it; pair with Close.
func (d *Daemon) Sweep(ctx context.Context) (map[string]int, error) {
	return d.sched.RunAll(ctx)
}

// Close releases the store for daemons that were never Run.
func (d *Daemon) Close() error {
	return d.teardown()
}

// Handler exposes the HTTP surface for embedding and tests.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Ready is closed once Run has bound its listeners.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr reports the bound TCP address. Empty until Ready.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

func (d *Daemon) teardown() error {
	d.unbridge()
	return db.Close(d.database)
}

func serve(srv *http.Server, ln net.Listener, kind string) error {
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon: serve %s: %w", kind, err)
	}
	return nil
}

func gauge(count func(context.Context) (int, error)) func() float64 {
	return func() float64 {
		n, err := count(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	}
}

// removeStaleSocket unlinks a socket file left by a crashed instance. A
// path occupied by anything that is not a socket is refused.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}
