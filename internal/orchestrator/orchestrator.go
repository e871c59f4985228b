// Package orchestrator supervises a fleet of per-camera workers.
//
// It owns the shared bounded result channel, one control channel per camera,
// the aggregator, and three long-lived loops:
//
//	dispatcher  results → aggregator / ping state / exit notices
//	ping loop   PING every camera, count losses, mark cameras DOWN
//	metrics     periodic METRIC_SNAPSHOT and CAMERA_STALL telemetry
//
// Workers run either as goroutines (ModeThread) or as child processes
// (ModeProcess). Shutdown sends STOP to every worker, joins each with a
// timeout, escalates to SIGTERM then SIGKILL for processes that do not exit,
// and only then cancels the shared context and joins the loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-fleet/internal/aggregator"
	"github.com/e7canasta/orion-fleet/internal/backpressure"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/metrics"
	"github.com/e7canasta/orion-fleet/internal/procworker"
	"github.com/e7canasta/orion-fleet/internal/source"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
	"github.com/e7canasta/orion-fleet/internal/worker"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("orchestrator already started")

// Orchestrator is the fleet supervisor. Create it with New.
type Orchestrator struct {
	cfg    Config
	sink   telemetry.Sink
	logger *slog.Logger

	agg     *aggregator.Aggregator
	monitor *metrics.Monitor
	results chan messages.Message

	// Fixed at Start before any loop runs; read-only afterwards.
	cameraIDs []string
	controls  map[string]chan messages.ControlMessage

	mu      sync.Mutex
	started bool
	stopped bool
	startAt time.Time
	cancel  context.CancelFunc
	units   []Unit

	dispatcherDone chan struct{}
	pingDone       chan struct{}
	metricsDone    chan struct{}

	healthMu sync.Mutex
	health   map[string]*pingState

	exitMu sync.Mutex
	exits  map[string]messages.ExitNotice
}

// New validates cfg and builds an Orchestrator. sink and logger may be nil.
func New(cfg Config, sink telemetry.Sink, logger *slog.Logger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if cfg.TargetFPS <= 0 {
		return nil, fmt.Errorf("invalid orchestrator config: %w (got %v)", worker.ErrInvalidTargetFPS, cfg.TargetFPS)
	}

	agg, err := aggregator.New(cfg.AggregatorCapacity)
	if err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	if sink == nil {
		sink = telemetry.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "orchestrator"),
		agg:     agg,
		monitor: metrics.NewMonitor(agg, sink, cfg.TargetFPS, cfg.MetricsInterval),
		results: make(chan messages.Message, cfg.ResultQueueSize),
		health:  make(map[string]*pingState, len(cfg.CameraIDs)),
		exits:   make(map[string]messages.ExitNotice),
	}, nil
}

// Start launches the dispatcher, metrics monitor and ping loop, then one
// execution unit per camera. A second call returns ErrAlreadyStarted without
// side effects. If spawning a unit fails the error is returned and the units
// already running stay up; call Stop to tear them down.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true
	o.startAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.cameraIDs = append([]string(nil), o.cfg.CameraIDs...)
	o.controls = make(map[string]chan messages.ControlMessage, len(o.cameraIDs))
	o.healthMu.Lock()
	for _, cam := range o.cameraIDs {
		o.controls[cam] = make(chan messages.ControlMessage, o.cfg.ControlQueueSize)
		o.health[cam] = &pingState{responded: true}
	}
	o.healthMu.Unlock()

	o.logger.Info("orchestrator starting",
		"cameras", len(o.cameraIDs),
		"mode", o.cfg.Mode,
		"target_fps", o.cfg.TargetFPS,
		"aggregator_capacity", o.agg.Capacity())

	o.dispatcherDone = goDone(func() { o.runDispatcher(runCtx) })
	o.metricsDone = goDone(func() { o.monitor.Run(runCtx) })
	o.pingDone = goDone(func() { o.runPingLoop(runCtx) })

	for _, cam := range o.cameraIDs {
		unit, err := o.newUnit(cam)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam, err)
		}
		if err := unit.Start(runCtx); err != nil {
			return fmt.Errorf("camera %s: %w", cam, err)
		}
		o.units = append(o.units, unit)

		o.emit(telemetry.Event{
			Name:    telemetry.EventWorkerSpawn,
			Level:   slog.LevelInfo,
			Message: "worker spawned",
			Camera:  cam,
			Fields:  map[string]any{"mode": string(o.cfg.Mode)},
		})
	}

	return nil
}

func (o *Orchestrator) newUnit(cam string) (Unit, error) {
	switch o.cfg.Mode {
	case ModeProcess:
		opts := procworker.Options{
			CameraID:        cam,
			TargetFPS:       o.cfg.TargetFPS,
			Latency:         o.cfg.WorkerLatency,
			RespondToPing:   *o.cfg.RespondToPing,
			ResultQueueSize: o.cfg.ResultQueueSize,
			HangOnStop:      o.cfg.SimulateHangOnStop,
		}
		return newProcessUnit(o.cfg.WorkerCommand, o.cfg.WorkerEnv, opts, o.controls[cam], o.results, o.logger), nil

	default:
		gen, err := o.newGenerator(cam)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(worker.Config{
			CameraID:      cam,
			TargetFPS:     o.cfg.TargetFPS,
			Generator:     gen,
			Results:       o.results,
			Control:       o.controls[cam],
			RespondToPing: *o.cfg.RespondToPing,
			Logger:        o.logger,
		})
		if err != nil {
			if c, ok := gen.(io.Closer); ok {
				c.Close()
			}
			return nil, err
		}
		return newGoroutineUnit(w), nil
	}
}

func (o *Orchestrator) newGenerator(cam string) (source.Generator, error) {
	if o.cfg.NewGenerator != nil {
		return o.cfg.NewGenerator(cam)
	}
	return source.NewSimulated(o.cfg.WorkerLatency), nil
}

// Stop shuts the fleet down. timeout bounds each individual join. Calling
// Stop before Start, or more than once, is a no-op.
func (o *Orchestrator) Stop(timeout time.Duration) {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	units := append([]Unit(nil), o.units...)
	o.mu.Unlock()

	o.logger.Info("orchestrator stopping", "workers", len(units), "timeout", timeout)

	for _, cam := range o.cameraIDs {
		if !backpressure.TrySend(o.controls[cam], messages.Stop()) {
			o.emit(telemetry.Event{
				Name:    telemetry.EventStopSendFail,
				Level:   slog.LevelWarn,
				Message: "control queue full, STOP not delivered",
				Camera:  cam,
			})
		}
	}

	if o.cfg.StopGraceWait > 0 {
		time.Sleep(o.cfg.StopGraceWait)
	}

	for _, u := range units {
		o.joinUnit(u, timeout)
	}

	o.cancel()

	loops := []struct {
		name string
		done chan struct{}
	}{
		{"dispatcher", o.dispatcherDone},
		{"metrics", o.metricsDone},
		{"ping", o.pingDone},
	}
	for _, l := range loops {
		if !waitClosed(l.done, timeout) {
			o.logger.Warn("loop did not exit in time", "loop", l.name, "timeout", timeout)
		}
	}

	o.emit(telemetry.Event{
		Name:    telemetry.EventShutdownComplete,
		Level:   slog.LevelInfo,
		Message: "shutdown complete",
		Fields: map[string]any{
			"workers": len(o.cameraIDs),
			"uptime":  time.Since(o.startAt).String(),
		},
	})
}

// joinUnit waits for u and escalates on processes that do not exit.
func (o *Orchestrator) joinUnit(u Unit, timeout time.Duration) {
	if u.Join(timeout) {
		return
	}

	cam := u.CameraID()
	o.emit(telemetry.Event{
		Name:    telemetry.EventWorkerJoinTimeout,
		Level:   slog.LevelWarn,
		Message: "worker join timeout",
		Camera:  cam,
		Fields:  map[string]any{"timeout": timeout.String()},
	})

	sig, ok := u.(Signaler)
	if !ok {
		// Goroutines cannot be forced; the shared context will end them.
		return
	}

	if err := sig.Terminate(); err != nil {
		o.logger.Warn("failed to terminate worker process", "camera_id", cam, "error", err)
	}
	if u.Join(o.cfg.TerminateWait) {
		return
	}

	o.emit(telemetry.Event{
		Name:    telemetry.EventWorkerForceKill,
		Level:   slog.LevelError,
		Message: "worker process still alive after terminate; killing",
		Camera:  cam,
	})
	if err := sig.Kill(); err != nil {
		o.logger.Error("failed to kill worker process", "camera_id", cam, "error", err)
	}
	u.Join(o.cfg.KillWait)
}

// Aggregator returns the aggregator fed by the dispatcher.
func (o *Orchestrator) Aggregator() *aggregator.Aggregator { return o.agg }

// HealthState returns a copy of every camera's liveness state.
func (o *Orchestrator) HealthState() map[string]Health {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()

	out := make(map[string]Health, len(o.health))
	for cam, st := range o.health {
		out[cam] = st.snapshot()
	}
	return out
}

// ExitNotices returns a copy of the exit notices received so far.
func (o *Orchestrator) ExitNotices() map[string]messages.ExitNotice {
	o.exitMu.Lock()
	defer o.exitMu.Unlock()

	out := make(map[string]messages.ExitNotice, len(o.exits))
	for cam, n := range o.exits {
		out[cam] = n
	}
	return out
}

// ActiveWorkerCount returns how many execution units are still alive.
func (o *Orchestrator) ActiveWorkerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int
	for _, u := range o.units {
		if u.Alive() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) emit(ev telemetry.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	o.sink.Emit(ev)
}

// goDone runs fn on a new goroutine and returns a channel closed when it returns.
func goDone(fn func()) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}
