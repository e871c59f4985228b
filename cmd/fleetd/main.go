package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-fleet/internal/config"
	"github.com/e7canasta/orion-fleet/internal/orchestrator"
	"github.com/e7canasta/orion-fleet/internal/procworker"
	"github.com/e7canasta/orion-fleet/internal/status"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

const (
	defaultConfigPath = "config/fleet.yaml"
	workerSubcommand  = "worker"
)

func main() {
	// Process-mode children re-enter the binary through this subcommand
	if len(os.Args) > 1 && os.Args[1] == workerSubcommand {
		os.Exit(runWorker(os.Args[2:]))
	}

	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until signalled)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}

	// Setup structured logger
	logger := newLogger(cfg.Log, *debug)
	slog.SetDefault(logger)

	slog.Info("starting orion fleet",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"cameras", len(cfg.Cameras),
		"mode", cfg.Mode,
		"debug", *debug,
	)

	if err := run(cfg, logger, *duration); err != nil {
		slog.Error("fleet failed", "error", err)
		os.Exit(1)
	}

	slog.Info("orion fleet stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger, duration time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Telemetry sinks: log, status board and (optionally) MQTT
	board := status.NewBoard()
	sinks := []telemetry.Sink{telemetry.NewSlogSink(logger), board}

	var mqttSink *telemetry.MQTTSink
	if cfg.Telemetry.MQTT.Broker != "" {
		mqttSink = telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:      cfg.Telemetry.MQTT.Broker,
			ClientID:    "orion-fleet-" + cfg.InstanceID,
			TopicPrefix: cfg.Telemetry.MQTT.TopicPrefix,
			QoS:         cfg.Telemetry.MQTT.QoS,
			QueueSize:   cfg.Telemetry.MQTT.QueueSize,
			Logger:      logger,
		})
		if err := mqttSink.Connect(ctx); err != nil {
			return err
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}

	workerCmd, err := workerCommand()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg.Orchestrator(workerCmd), telemetry.Multi(sinks...), logger)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		orch.Stop(cfg.Shutdown.Timeout)
		return err
	}

	// Start status HTTP server (non-blocking)
	if cfg.Status.Addr != "" {
		server := status.NewServer(cfg.InstanceID, orch, board, logger)
		if mqttSink != nil {
			server.MQTTConnected = func() bool { return mqttSink.Stats().Connected }
		}
		server.Start(cfg.Status.Addr)
		defer server.Close()
	}

	var procStats <-chan time.Time
	if cfg.Metrics.ProcessStatsInterval > 0 && cfg.Mode == string(orchestrator.ModeProcess) {
		ticker := time.NewTicker(cfg.Metrics.ProcessStatsInterval)
		defer ticker.Stop()
		procStats = ticker.C
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	// Wait for shutdown signal or deadline
	for running := true; running; {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			running = false
		case <-deadline:
			slog.Info("run duration elapsed", "duration", duration)
			running = false
		case <-procStats:
			orch.EmitProcessStats()
		}
	}

	// Graceful shutdown
	slog.Info("shutting down gracefully", "timeout", cfg.Shutdown.Timeout)
	orch.Stop(cfg.Shutdown.Timeout)
	cancel()

	logSummary(orch)
	return nil
}

// logSummary logs what the fleet collected per camera.
func logSummary(orch *orchestrator.Orchestrator) {
	agg := orch.Aggregator()
	exits := orch.ExitNotices()
	health := orch.HealthState()

	for _, cam := range agg.Cameras() {
		attrs := []any{
			"camera_id", cam,
			"results", len(agg.Query(cam, nil)),
			"ping_losses", health[cam].Losses,
		}
		if n, ok := exits[cam]; ok {
			attrs = append(attrs, "exit_code", n.Code, "exit_reason", n.Reason)
		}
		slog.Info("camera summary", attrs...)
	}
}

// workerCommand is the argv prefix the orchestrator uses for child workers.
func workerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{exe, workerSubcommand}, nil
}

func newLogger(cfg config.LogConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// runWorker is the child side of process mode. Frames travel on stdin and
// stdout, so logs go to stderr where the parent relays them.
func runWorker(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// The parent owns interactive interrupts and stops us over stdin
	signal.Ignore(syscall.SIGINT)

	opts, err := procworker.ParseArgs(args)
	if err != nil {
		logger.Error("bad worker arguments", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := procworker.Run(ctx, opts, os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("worker failed", "camera_id", opts.CameraID, "error", err)
		return 1
	}
	return 0
}
