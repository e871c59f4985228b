package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/e7canasta/orion-fleet/internal/source"
)

// Mode selects the execution unit backing each worker.
type Mode string

const (
	// ModeThread runs each worker in a goroutine of this process.
	ModeThread Mode = "thread"
	// ModeProcess runs each worker as a child process.
	ModeProcess Mode = "process"
)

// Defaults.
const (
	DefaultResultQueueSize    = 256
	DefaultControlQueueSize   = 16
	DefaultAggregatorCapacity = 1000
	DefaultTargetFPS          = 10
	DefaultWorkerLatency      = 2 * time.Millisecond
	DefaultPingInterval       = 5 * time.Second
	DefaultPingTimeout        = 10 * time.Second
	DefaultPingLossThreshold  = 3
	DefaultStopGraceWait      = 50 * time.Millisecond
	DefaultMetricsInterval    = time.Second
	DefaultTerminateWait      = 500 * time.Millisecond
	DefaultKillWait           = 200 * time.Millisecond
)

// Config is the validated runtime configuration of an Orchestrator. Zero
// values are replaced by the defaults above.
type Config struct {
	CameraIDs []string

	TargetFPS     float64
	WorkerLatency time.Duration

	ResultQueueSize    int
	ControlQueueSize   int
	AggregatorCapacity int

	Mode Mode

	PingInterval      time.Duration
	PingTimeout       time.Duration
	PingLossThreshold int
	// RespondToPing is passed to every worker. Nil means true.
	RespondToPing *bool

	StopGraceWait   time.Duration
	MetricsInterval time.Duration

	// Process-mode escalation waits after SIGTERM and SIGKILL.
	TerminateWait time.Duration
	KillWait      time.Duration

	// WorkerCommand is the argv prefix that starts a child worker; worker
	// flags are appended. Required in process mode.
	WorkerCommand []string
	// WorkerEnv is appended to the inherited environment of child workers.
	WorkerEnv []string
	// SimulateHangOnStop makes child workers ignore STOP until signalled.
	SimulateHangOnStop bool

	// NewGenerator builds the frame source of a thread-mode worker. Nil
	// means a simulated generator with WorkerLatency.
	NewGenerator func(cameraID string) (source.Generator, error)
}

func (c Config) withDefaults() Config {
	if c.TargetFPS == 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.ResultQueueSize <= 0 {
		c.ResultQueueSize = DefaultResultQueueSize
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = DefaultControlQueueSize
	}
	if c.AggregatorCapacity == 0 {
		c.AggregatorCapacity = DefaultAggregatorCapacity
	}
	if c.Mode == "" {
		c.Mode = ModeThread
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingLossThreshold <= 0 {
		c.PingLossThreshold = DefaultPingLossThreshold
	}
	if c.RespondToPing == nil {
		respond := true
		c.RespondToPing = &respond
	}
	// Negative disables the grace wait.
	if c.StopGraceWait == 0 {
		c.StopGraceWait = DefaultStopGraceWait
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.TerminateWait <= 0 {
		c.TerminateWait = DefaultTerminateWait
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	return c
}

func (c Config) validate() error {
	if len(c.CameraIDs) == 0 {
		return errors.New("at least one camera id is required")
	}
	seen := make(map[string]bool, len(c.CameraIDs))
	for _, id := range c.CameraIDs {
		if id == "" {
			return errors.New("camera id must not be empty")
		}
		if seen[id] {
			return fmt.Errorf("duplicate camera id %q", id)
		}
		seen[id] = true
	}
	switch c.Mode {
	case ModeThread:
	case ModeProcess:
		if len(c.WorkerCommand) == 0 {
			return errors.New("process mode requires a worker command")
		}
	default:
		return fmt.Errorf("unknown mode %q (must be %q or %q)", c.Mode, ModeThread, ModeProcess)
	}
	return nil
}

// Bool returns a pointer to v, for Config.RespondToPing.
func Bool(v bool) *bool { return &v }
