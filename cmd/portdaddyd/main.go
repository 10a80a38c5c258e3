package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/port-daddy/port-daddy/internal/clock"
	"github.com/port-daddy/port-daddy/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listen             string
	socket             string
	dbPath             string
	logLevel           string
	portMin            int
	portMax            int
	reservedPorts      string
	agentTTL           string
	cleanupEvery       string
	cleanupCron        string
	webhookWorkers     int
	webhookAllowLocal  bool
	activityRetention  string
	activityMaxEntries int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "portdaddyd",
		Short: "Port Daddy — port allocation and coordination daemon",
		Long: `Port Daddy is a local coordination daemon for development machines.
It hands out stable ports keyed by service identity, arbitrates TTL locks,
tracks agents and work sessions, relays channel messages, and delivers
signed webhooks. The API answers on TCP and on a Unix socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newCleanupCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.listen, "listen", envOrDefault("PORT_DADDY_LISTEN", daemon.DefaultListen), "TCP listen address")
	root.PersistentFlags().StringVar(&cfg.socket, "socket", envOrDefault("PORT_DADDY_SOCKET", defaultSocketPath()), "Unix socket path (empty to disable)")
	root.PersistentFlags().StringVar(&cfg.dbPath, "db", envOrDefault("PORT_DADDY_DB", ""), "Database file path (default: portdaddy.db beside the binary)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PORT_DADDY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.portMin, "port-min", envOrDefaultInt("PORT_DADDY_PORT_MIN", 0), "Lowest assignable port (default 3100)")
	root.PersistentFlags().IntVar(&cfg.portMax, "port-max", envOrDefaultInt("PORT_DADDY_PORT_MAX", 0), "Highest assignable port (default 9999)")
	root.PersistentFlags().StringVar(&cfg.reservedPorts, "reserved-ports", envOrDefault("PORT_DADDY_RESERVED_PORTS", ""), "Comma-separated ports never assigned")
	root.PersistentFlags().StringVar(&cfg.agentTTL, "agent-ttl", envOrDefault("PORT_DADDY_AGENT_TTL", ""), "Agent staleness window, ms or duration string (default 2m)")
	root.PersistentFlags().StringVar(&cfg.cleanupEvery, "cleanup-every", envOrDefault("PORT_DADDY_CLEANUP_EVERY", ""), "Sweep interval, ms or duration string (default 60s)")
	root.PersistentFlags().StringVar(&cfg.cleanupCron, "cleanup-cron", envOrDefault("PORT_DADDY_CLEANUP_CRON", ""), "Cron schedule for the sweep (overrides --cleanup-every)")
	root.PersistentFlags().IntVar(&cfg.webhookWorkers, "webhook-workers", envOrDefaultInt("PORT_DADDY_WEBHOOK_WORKERS", 0), "Webhook delivery workers (default 2)")
	root.PersistentFlags().BoolVar(&cfg.webhookAllowLocal, "webhook-allow-local", envOrDefault("PORT_DADDY_WEBHOOK_ALLOW_LOCAL", "") == "true", "Allow webhook targets on loopback and private ranges")
	root.PersistentFlags().StringVar(&cfg.activityRetention, "activity-retention", envOrDefault("PORT_DADDY_ACTIVITY_RETENTION", ""), "Activity retention, ms or duration string (default 7d)")
	root.PersistentFlags().Int64Var(&cfg.activityMaxEntries, "activity-max-entries", int64(envOrDefaultInt("PORT_DADDY_ACTIVITY_MAX_ENTRIES", 0)), "Activity entry cap (default 10000)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("portdaddyd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newCleanupCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run every retention sweep once against the store and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			dcfg, err := daemonConfig(cfg, logger)
			if err != nil {
				return err
			}
			d, err := daemon.New(dcfg)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			removed, err := d.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(removed, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	dcfg, err := daemonConfig(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting port daddy",
		zap.String("version", version),
		zap.String("listen", dcfg.Listen),
		zap.String("socket", dcfg.Socket),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(dcfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// daemonConfig validates the string-typed flags and assembles the daemon
// configuration.
func daemonConfig(cfg *config, logger *zap.Logger) (daemon.Config, error) {
	reserved, err := parsePorts(cfg.reservedPorts)
	if err != nil {
		return daemon.Config{}, fmt.Errorf("invalid --reserved-ports: %w", err)
	}
	agentTTL, err := parseDurationFlag("agent-ttl", cfg.agentTTL)
	if err != nil {
		return daemon.Config{}, err
	}
	retention, err := parseDurationFlag("activity-retention", cfg.activityRetention)
	if err != nil {
		return daemon.Config{}, err
	}
	cleanupMs, err := parseDurationFlag("cleanup-every", cfg.cleanupEvery)
	if err != nil {
		return daemon.Config{}, err
	}
	if cfg.cleanupCron != "" {
		if _, err := cron.ParseStandard(cfg.cleanupCron); err != nil {
			return daemon.Config{}, fmt.Errorf("invalid --cleanup-cron %q: %w", cfg.cleanupCron, err)
		}
		if cfg.cleanupEvery != "" {
			return daemon.Config{}, fmt.Errorf("--cleanup-every and --cleanup-cron are mutually exclusive")
		}
	}

	return daemon.Config{
		Listen:              cfg.listen,
		Socket:              cfg.socket,
		DBPath:              cfg.dbPath,
		PortMin:             cfg.portMin,
		PortMax:             cfg.portMax,
		ReservedPorts:       reserved,
		AgentTTLMs:          agentTTL,
		ActivityRetentionMs: retention,
		ActivityMaxEntries:  cfg.activityMaxEntries,
		WebhookWorkers:      cfg.webhookWorkers,
		WebhookAllowLocal:   cfg.webhookAllowLocal,
		CleanupEvery:        time.Duration(cleanupMs) * time.Millisecond,
		CleanupCron:         cfg.cleanupCron,
		Version:             version,
		Logger:              logger,
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func defaultSocketPath() string {
	return filepath.Join(os.TempDir(), "portdaddy.sock")
}

// parseDurationFlag accepts milliseconds or the duration grammar ("90s",
// "2h30m", "7d"). Empty means "use the component default" and parses to 0.
func parseDurationFlag(name, raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	ms, ok := clock.ParseParam(raw)
	if !ok || ms <= 0 {
		return 0, fmt.Errorf("invalid --%s %q: want milliseconds or a duration like \"90s\"", name, raw)
	}
	return ms, nil
}

func parsePorts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("%q is not a port", p)
		}
		ports = append(ports, n)
	}
	return ports, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
