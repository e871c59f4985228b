// Package worker implements the per-camera capture/inference unit.
//
// A Worker owns one camera. Each iteration it drains at most one control
// message, generates one result, paces itself to the target frame rate and,
// once per ~1s window, reports its own statistics. Every emission goes onto
// the shared bounded result channel with the drop-oldest policy, so the loop
// never blocks on a slow consumer.
//
// State machine:
//
//	RUNNING ──STOP──> STOPPING ──loop exit──> TERMINATED
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-fleet/internal/backpressure"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/source"
)

// statsWindow is the wall time accumulated before a StatsMessage is emitted.
const statsWindow = time.Second

// ErrInvalidTargetFPS is returned by New when TargetFPS is not positive.
var ErrInvalidTargetFPS = errors.New("target fps must be > 0")

// State is the worker lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config parameterises a Worker.
type Config struct {
	CameraID  string
	TargetFPS float64

	// Generator stands in for capture+inference. Nil means a zero-delay
	// simulated generator.
	Generator source.Generator

	// Results is the shared bounded result channel. It must be bidirectional:
	// the drop-oldest policy evicts from it.
	Results chan messages.Message

	// Control is this worker's private control channel. May be nil.
	Control <-chan messages.ControlMessage

	RespondToPing bool

	Logger *slog.Logger
}

// Worker is not safe for concurrent use: Run/RunLoop must be driven by a
// single goroutine. State may be read from anywhere.
type Worker struct {
	cameraID      string
	generator     source.Generator
	results       chan messages.Message
	control       <-chan messages.ControlMessage
	respondToPing bool
	frameInterval time.Duration
	logger        *slog.Logger

	state atomic.Int32

	index       int
	stats       WorkerStats
	windowStart time.Time
	// last cumulative count seen from a source.DropCounter
	sourceDrops uint64
}

// New validates cfg and returns a Worker in the RUNNING state.
func New(cfg Config) (*Worker, error) {
	if cfg.TargetFPS <= 0 {
		return nil, fmt.Errorf("camera %s: %w (got %v)", cfg.CameraID, ErrInvalidTargetFPS, cfg.TargetFPS)
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("camera %s: results channel is required", cfg.CameraID)
	}

	gen := cfg.Generator
	if gen == nil {
		gen = source.NewSimulated(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cameraID:      cfg.CameraID,
		generator:     gen,
		results:       cfg.Results,
		control:       cfg.Control,
		respondToPing: cfg.RespondToPing,
		frameInterval: time.Duration(float64(time.Second) / cfg.TargetFPS),
		logger:        logger.With("camera_id", cfg.CameraID),
	}
	w.state.Store(int32(StateRunning))
	return w, nil
}

// CameraID returns the camera this worker serves.
func (w *Worker) CameraID() string { return w.cameraID }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// IsStopping reports whether a STOP has been received.
func (w *Worker) IsStopping() bool { return w.State() != StateRunning }

// Stats returns a copy of the current window counters.
func (w *Worker) Stats() WorkerStats { return w.stats }

// Run iterates until ctx is cancelled or a STOP control message arrives, then
// marks the worker TERMINATED. On cancellation without STOP it makes one
// best-effort attempt to publish the current window's statistics. A
// generator implementing io.Closer is closed on return.
func (w *Worker) Run(ctx context.Context) {
	defer w.state.Store(int32(StateTerminated))
	defer w.closeGenerator()

	w.logger.Debug("worker loop started", "frame_interval", w.frameInterval)

	for ctx.Err() == nil && !w.IsStopping() {
		w.RunLoop(ctx, 1)
	}

	if !w.IsStopping() {
		w.emit(w.BuildStatsMessage())
		w.logger.Debug("worker loop cancelled", "frames", w.stats.Frames, "drops", w.stats.Drops)
		return
	}
	w.logger.Debug("worker loop stopped")
}

func (w *Worker) closeGenerator() {
	c, ok := w.generator.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		w.logger.Warn("failed to close frame source", "error", err)
	}
}

// RunLoop runs at most iterations iterations and returns early on STOP or
// context cancellation.
func (w *Worker) RunLoop(ctx context.Context, iterations int) {
	if iterations <= 0 || w.IsStopping() {
		return
	}
	if w.windowStart.IsZero() {
		w.windowStart = time.Now()
	}

	for i := 0; i < iterations; i++ {
		if w.IsStopping() || ctx.Err() != nil {
			return
		}
		w.step(ctx)
	}
}

func (w *Worker) step(ctx context.Context) {
	start := time.Now()

	if stop := w.processControl(); stop {
		return
	}

	w.generateOne(ctx)
	w.pace(ctx, start)

	if time.Since(w.windowStart) >= statsWindow {
		w.emit(w.BuildStatsMessage())
		w.windowStart = time.Now()
		w.stats = WorkerStats{}
	}
}

// processControl handles at most one pending control message and reports
// whether the worker must stop iterating.
func (w *Worker) processControl() bool {
	var msg messages.ControlMessage
	select {
	case msg = <-w.control:
	default:
		return false
	}

	switch msg.Type {
	case messages.ControlPing:
		if !w.respondToPing {
			return false
		}
		w.emit(messages.StatusUpdate{
			CameraID:     w.cameraID,
			Status:       messages.StatusRunning,
			PingResponse: msg.PingID(),
		})
		return false

	case messages.ControlStop:
		w.state.Store(int32(StateStopping))
		w.emit(w.BuildStatsMessage())
		w.emit(messages.ExitNotice{CameraID: w.cameraID, Code: 0, Reason: string(messages.ControlStop)})
		w.logger.Info("worker stopping on control message",
			"frames", w.stats.Frames,
			"drops", w.stats.Drops,
		)
		return true

	default:
		w.logger.Debug("control message ignored", "type", msg.Type)
		return false
	}
}

func (w *Worker) generateOne(ctx context.Context) {
	index := w.index
	w.index++

	t0 := time.Now()
	sample, err := w.generator.Generate(ctx, index)
	w.collectSourceDrops()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.stats.Drops++
		w.logger.Debug("frame generation failed", "index", index, "error", err)
		return
	}
	latencyMs := float64(time.Since(t0)) / float64(time.Millisecond)

	w.emit(messages.ResultRecord{
		CameraID:   w.cameraID,
		Timestamp:  time.Now().UTC(),
		Label:      sample.Label,
		Confidence: sample.Confidence,
		LatencyMs:  messages.Float(latencyMs),
		TraceID:    uuid.NewString(),
	})

	w.stats.Frames++
	w.stats.TotalLatencyMs += latencyMs
}

// collectSourceDrops adds frames the source discarded since the last call.
func (w *Worker) collectSourceDrops() {
	dc, ok := w.generator.(source.DropCounter)
	if !ok {
		return
	}
	if n := dc.Dropped(); n > w.sourceDrops {
		w.stats.Drops += n - w.sourceDrops
		w.sourceDrops = n
	}
}

// pace sleeps out the remainder of the frame interval measured from start.
func (w *Worker) pace(ctx context.Context, start time.Time) {
	remaining := w.frameInterval - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// emit pushes msg with the drop-oldest policy; a failed push is a drop.
func (w *Worker) emit(msg messages.Message) {
	if out := backpressure.Push(w.results, msg); !out.Delivered() {
		w.stats.Drops++
	}
}

// BuildStatsMessage summarises the current window.
func (w *Worker) BuildStatsMessage() messages.StatsMessage {
	var elapsed float64
	if !w.windowStart.IsZero() {
		elapsed = time.Since(w.windowStart).Seconds()
	}
	return messages.StatsMessage{
		CameraID:     w.cameraID,
		FPS:          w.stats.FPS(elapsed),
		AvgLatencyMs: w.stats.AvgLatency(),
		DropRate:     w.stats.DropRate(),
	}
}
