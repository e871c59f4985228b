package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-fleet/internal/orchestrator"
	"github.com/e7canasta/orion-fleet/internal/source"
)

// Config represents the complete fleet configuration
type Config struct {
	InstanceID    string         `yaml:"instance_id"`
	Cameras       []string       `yaml:"cameras"`
	TargetFPS     float64        `yaml:"target_fps"`
	WorkerLatency *time.Duration `yaml:"worker_latency"` // simulated capture+inference time; unset means default
	Mode          string         `yaml:"mode"`           // thread, process
	RespondToPing *bool          `yaml:"respond_to_ping"`

	Queues     QueuesConfig     `yaml:"queues"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Health     HealthConfig     `yaml:"health"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Source     SourceConfig     `yaml:"source"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`
}

// QueuesConfig sizes the bounded channels
type QueuesConfig struct {
	Results int `yaml:"results"`
	Control int `yaml:"control"`
}

// AggregatorConfig contains result window settings
type AggregatorConfig struct {
	Capacity int `yaml:"capacity"` // results kept per camera
}

// HealthConfig contains ping/pong liveness settings
type HealthConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	PingLossThreshold int           `yaml:"ping_loss_threshold"`
}

// ShutdownConfig contains stop/escalation timings
type ShutdownConfig struct {
	StopGraceWait time.Duration `yaml:"stop_grace_wait"`
	Timeout       time.Duration `yaml:"timeout"` // per-join timeout
	TerminateWait time.Duration `yaml:"terminate_wait"`
	KillWait      time.Duration `yaml:"kill_wait"`
	// HangOnStop makes process workers ignore STOP until signalled (testing aid)
	HangOnStop bool `yaml:"hang_on_stop"`
}

// MetricsConfig contains telemetry cadence
type MetricsConfig struct {
	Interval             time.Duration `yaml:"interval"`
	ProcessStatsInterval time.Duration `yaml:"process_stats_interval"` // 0 disables
}

// SourceConfig selects the frame source of thread-mode workers
type SourceConfig struct {
	Kind      string            `yaml:"kind"`      // simulated, gst
	Pipeline  string            `yaml:"pipeline"`  // default gst-launch description
	Pipelines map[string]string `yaml:"pipelines"` // per-camera override
	URLs      map[string]string `yaml:"urls"`      // per-camera RTSP URL
}

// PipelineFor returns the gst-launch description for a camera: its own
// pipeline, else a decode pipeline for its RTSP URL, else the default.
func (s SourceConfig) PipelineFor(cameraID string) string {
	if p, ok := s.Pipelines[cameraID]; ok {
		return p
	}
	if url, ok := s.URLs[cameraID]; ok {
		return source.RTSPPipeline(url)
	}
	return s.Pipeline
}

// TelemetryConfig contains event sink settings
type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	QueueSize   int    `yaml:"queue_size"`
}

// StatusConfig contains the HTTP status server settings
type StatusConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Orchestrator converts the file configuration into the runtime one.
// workerCommand is the argv prefix used to start process-mode workers.
func (c *Config) Orchestrator(workerCommand []string) orchestrator.Config {
	latency := orchestrator.DefaultWorkerLatency
	if c.WorkerLatency != nil {
		latency = *c.WorkerLatency
	}

	oc := orchestrator.Config{
		CameraIDs:          append([]string(nil), c.Cameras...),
		TargetFPS:          c.TargetFPS,
		WorkerLatency:      latency,
		ResultQueueSize:    c.Queues.Results,
		ControlQueueSize:   c.Queues.Control,
		AggregatorCapacity: c.Aggregator.Capacity,
		Mode:               orchestrator.Mode(c.Mode),
		PingInterval:       c.Health.PingInterval,
		PingTimeout:        c.Health.PingTimeout,
		PingLossThreshold:  c.Health.PingLossThreshold,
		RespondToPing:      c.RespondToPing,
		StopGraceWait:      c.Shutdown.StopGraceWait,
		MetricsInterval:    c.Metrics.Interval,
		TerminateWait:      c.Shutdown.TerminateWait,
		KillWait:           c.Shutdown.KillWait,
		WorkerCommand:      workerCommand,
		SimulateHangOnStop: c.Shutdown.HangOnStop,
	}

	if c.Source.Kind == source.KindGst {
		src := c.Source
		oc.NewGenerator = func(cameraID string) (source.Generator, error) {
			return source.New(source.Options{Kind: src.Kind, Delay: latency, Pipeline: src.PipelineFor(cameraID)})
		}
	}

	return oc
}
