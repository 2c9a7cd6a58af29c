package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/user/spsched/internal/commandlog"
	"github.com/user/spsched/internal/config"
	"github.com/user/spsched/internal/mailbox"
	"github.com/user/spsched/internal/message"
	"github.com/user/spsched/internal/observability"
	"github.com/user/spsched/internal/server"
	"github.com/user/spsched/internal/sps"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spsched",
	Short: "spsched — single-partition transaction scheduler node",
	Long:  "One replica of a partition's transaction scheduler: orders, replicates, and durably logs transactions for its partition.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a scheduler node",
	RunE:  runServer,
}

var (
	configPath      string
	dataDir         string
	debugBind       string
	logBackend      string
	syncLogging     bool
	otelEnabled     bool
	otelEndpoint    string
	shutdownTimeout = 500 * time.Millisecond
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&configPath, "config", "spsched.json", "Node config file (JSON)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for command log files (overrides config when set)")
	serverCmd.Flags().StringVar(&debugBind, "debug-bind", "", "Debug/status HTTP bind address (overrides config when set)")
	serverCmd.Flags().StringVar(&logBackend, "log-backend", "", "Command log backend: pebble, badger, memory, or disabled (overrides config when set)")
	serverCmd.Flags().BoolVar(&syncLogging, "sync-logging", false, "Synchronous command logging: hold transactions until their log entry is durable")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 500*time.Millisecond, "Graceful HTTP shutdown timeout before force-close")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// handlerProxy lets the transport start before the scheduler exists.
type handlerProxy struct {
	target *sps.Scheduler
}

func (h *handlerProxy) Deliver(m message.Message) {
	h.target.Deliver(m)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debugBind != "" {
		cfg.DebugBind = debugBind
	}
	if logBackend != "" {
		cfg.CommandLog.Backend = logBackend
	}
	if cmd.Flags().Changed("data-dir") || cfg.CommandLog.Dir == "" {
		cfg.CommandLog.Dir = dataDir
	}
	if cmd.Flags().Changed("sync-logging") {
		cfg.CommandLog.Synchronous = syncLogging
	}
	if cmd.Flags().Changed("otel-enabled") {
		cfg.OtelEnabled = otelEnabled
	}
	if otelEndpoint != "" {
		cfg.OtelTarget = otelEndpoint
	}

	shutdownTracer, err := observability.InitTracer(cfg.OtelEnabled, "spsched", cfg.NodeID, cfg.OtelTarget)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var store commandlog.Store
	switch cfg.CommandLog.Backend {
	case "pebble":
		store, err = commandlog.OpenPebble(cfg.CommandLog.Dir)
	case "badger":
		store, err = commandlog.OpenBadger(cfg.CommandLog.Dir)
	case "memory":
		store = commandlog.OpenMemory()
	case "disabled":
		store = nil
	default:
		return fmt.Errorf("unknown command log backend %q", cfg.CommandLog.Backend)
	}
	if err != nil {
		return err
	}
	clOpts := commandlog.DefaultOptions()
	clOpts.Enabled = store != nil
	clOpts.Synchronous = cfg.CommandLog.Synchronous
	cl := commandlog.New(store, clOpts, slog.Default())
	defer func() {
		if err := cl.Close(); err != nil {
			slog.Warn("command log close failed", "error", err)
		}
	}()

	selfID := message.MakeSiteID(cfg.HostID, cfg.SiteIndex)
	addrs := map[message.SiteID]string{selfID: cfg.Bind}
	replicas := []message.SiteID{selfID}
	for _, p := range cfg.Peers {
		id := message.MakeSiteID(p.HostID, p.SiteIndex)
		addrs[id] = p.Addr
		replicas = append(replicas, id)
	}

	proxy := &handlerProxy{}
	transport, err := mailbox.NewTCPTransport(selfID, cfg.Bind, addrs, proxy, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			slog.Warn("transport close failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	readLevel := sps.SafeRead
	if cfg.ReadLevel == "fast" {
		readLevel = sps.FastRead
	}
	tasks := sps.NewTaskQueue(slog.Default())
	sched := sps.New(sps.Config{
		PartitionID: cfg.Partition,
		Mailbox:     transport,
		Tasks:       tasks,
		Executor:    sps.HashingExecutor{},
		CommandLog:  cl,
		ReadLevel:   readLevel,
		Metrics:     sps.NewMetrics(registry),
		Logger:      slog.Default(),
		Tracer:      otel.Tracer("spsched"),
	})
	proxy.target = sched

	sched.SetLeaderState(cfg.Leader)
	sched.UpdateReplicas(replicas, nil)
	sched.EnableWritingFaultLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tasks.Run(ctx)

	var debugSrv *server.Server
	if cfg.DebugBind != "" {
		debugSrv = server.New(cfg.DebugBind, cfg.NodeID, sched, registry, slog.Default())
		go func() {
			if err := debugSrv.Start(); err != nil {
				slog.Error("debug server failed", "error", err)
			}
		}()
	}

	slog.Info("scheduler node started",
		"node", cfg.NodeID,
		"partition", cfg.Partition,
		"site", selfID.String(),
		"leader", cfg.Leader,
		"replicas", len(replicas),
		"read_level", cfg.ReadLevel,
		"log_backend", cfg.CommandLog.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	if debugSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("debug server shutdown failed", "error", err)
		}
	}
	return nil
}
