package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/orion-fleet/internal/orchestrator"
	"github.com/e7canasta/orion-fleet/internal/source"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	// Validate cameras
	if len(cfg.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	seen := make(map[string]bool, len(cfg.Cameras))
	for i, cam := range cfg.Cameras {
		if cam == "" {
			return fmt.Errorf("cameras[%d] must not be empty", i)
		}
		if seen[cam] {
			return fmt.Errorf("camera '%s' listed more than once", cam)
		}
		seen[cam] = true
	}

	// Validate rates
	if cfg.TargetFPS == 0 {
		cfg.TargetFPS = orchestrator.DefaultTargetFPS
	}
	if cfg.TargetFPS < 0 {
		return fmt.Errorf("target_fps must be > 0")
	}
	if cfg.WorkerLatency == nil {
		latency := orchestrator.DefaultWorkerLatency
		cfg.WorkerLatency = &latency
	}
	if *cfg.WorkerLatency < 0 {
		return fmt.Errorf("worker_latency must be >= 0")
	}

	// Validate mode
	switch cfg.Mode {
	case "":
		cfg.Mode = string(orchestrator.ModeThread)
	case string(orchestrator.ModeThread), string(orchestrator.ModeProcess):
	default:
		return fmt.Errorf("mode '%s' is unknown (must be 'thread' or 'process')", cfg.Mode)
	}
	if cfg.RespondToPing == nil {
		respond := true
		cfg.RespondToPing = &respond
	}

	// Queues and window
	if err := positiveOrDefault("queues.results", &cfg.Queues.Results, orchestrator.DefaultResultQueueSize); err != nil {
		return err
	}
	if err := positiveOrDefault("queues.control", &cfg.Queues.Control, orchestrator.DefaultControlQueueSize); err != nil {
		return err
	}
	if err := positiveOrDefault("aggregator.capacity", &cfg.Aggregator.Capacity, orchestrator.DefaultAggregatorCapacity); err != nil {
		return err
	}

	// Health
	durationOrDefault(&cfg.Health.PingInterval, orchestrator.DefaultPingInterval)
	durationOrDefault(&cfg.Health.PingTimeout, orchestrator.DefaultPingTimeout)
	if err := positiveOrDefault("health.ping_loss_threshold", &cfg.Health.PingLossThreshold, orchestrator.DefaultPingLossThreshold); err != nil {
		return err
	}

	// Shutdown
	durationOrDefault(&cfg.Shutdown.StopGraceWait, orchestrator.DefaultStopGraceWait)
	durationOrDefault(&cfg.Shutdown.Timeout, 5*time.Second)
	durationOrDefault(&cfg.Shutdown.TerminateWait, orchestrator.DefaultTerminateWait)
	durationOrDefault(&cfg.Shutdown.KillWait, orchestrator.DefaultKillWait)

	// Metrics
	durationOrDefault(&cfg.Metrics.Interval, orchestrator.DefaultMetricsInterval)
	if cfg.Metrics.ProcessStatsInterval < 0 {
		return fmt.Errorf("metrics.process_stats_interval must be >= 0")
	}

	// Source
	switch cfg.Source.Kind {
	case "":
		cfg.Source.Kind = source.KindSimulated
	case source.KindSimulated:
	case source.KindGst:
		if cfg.Mode == string(orchestrator.ModeProcess) {
			return fmt.Errorf("source.kind 'gst' is only supported in thread mode")
		}
	default:
		return fmt.Errorf("source.kind '%s' is unknown (must be 'simulated' or 'gst')", cfg.Source.Kind)
	}
	for cam := range cfg.Source.Pipelines {
		if !seen[cam] {
			return fmt.Errorf("source.pipelines references unknown camera '%s'", cam)
		}
	}
	for cam, url := range cfg.Source.URLs {
		if !seen[cam] {
			return fmt.Errorf("source.urls references unknown camera '%s'", cam)
		}
		if url == "" {
			return fmt.Errorf("source.urls['%s'] must not be empty", cam)
		}
	}

	// Telemetry
	if cfg.Telemetry.MQTT.Broker != "" && cfg.Telemetry.MQTT.TopicPrefix == "" {
		cfg.Telemetry.MQTT.TopicPrefix = fmt.Sprintf("fleet/%s/events", cfg.InstanceID)
	}
	if cfg.Telemetry.MQTT.QoS > 2 {
		return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2")
	}

	// Logging
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level '%s' is unknown", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format '%s' is unknown (must be 'json' or 'text')", cfg.Log.Format)
	}

	return nil
}

func positiveOrDefault(name string, v *int, def int) error {
	if *v == 0 {
		*v = def
		return nil
	}
	if *v < 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	return nil
}

func durationOrDefault(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
