// Package procworker is the child side of process-mode workers.
//
// The parent starts the fleet binary with the worker subcommand and talks to
// it over its standard streams using length-prefixed msgpack frames:
//
//	parent ── stdin  (ControlMessage frames) ──> child
//	parent <── stdout (Message frames)        ─── child
//	parent <── stderr (slog text lines)       ─── child
//
// Closing stdin is the shared stop flag: the child cancels its worker
// without the STOP flush sequence, makes one best-effort attempt to report
// its last window, and exits.
package procworker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-fleet/internal/backpressure"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/source"
	"github.com/e7canasta/orion-fleet/internal/worker"
)

const (
	defaultResultQueueSize = 256
	controlQueueSize       = 16
	hangOnStopDuration     = 10 * time.Second
	writerFlushTimeout     = time.Second
)

// Options configures one child worker.
type Options struct {
	CameraID        string
	TargetFPS       float64
	Latency         time.Duration
	RespondToPing   bool
	ResultQueueSize int

	// HangOnStop keeps the process alive after a STOP until it is signalled.
	// It exists to exercise the parent's terminate/kill path.
	HangOnStop bool
}

// Args renders o as command-line flags understood by ParseArgs.
func (o Options) Args() []string {
	return []string{
		"-camera", o.CameraID,
		"-fps", strconv.FormatFloat(o.TargetFPS, 'g', -1, 64),
		"-latency", o.Latency.String(),
		"-respond-to-ping=" + strconv.FormatBool(o.RespondToPing),
		"-queue", strconv.Itoa(o.ResultQueueSize),
		"-hang-on-stop=" + strconv.FormatBool(o.HangOnStop),
	}
}

// ParseArgs parses worker flags.
func ParseArgs(args []string) (Options, error) {
	var opts Options

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.CameraID, "camera", "", "camera id")
	fs.Float64Var(&opts.TargetFPS, "fps", 10, "target frames per second")
	fs.DurationVar(&opts.Latency, "latency", 2*time.Millisecond, "simulated per-frame latency")
	fs.BoolVar(&opts.RespondToPing, "respond-to-ping", true, "answer PING control messages")
	fs.IntVar(&opts.ResultQueueSize, "queue", defaultResultQueueSize, "local result queue size")
	fs.BoolVar(&opts.HangOnStop, "hang-on-stop", false, "hang after STOP until signalled")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("invalid worker arguments: %w", err)
	}
	if opts.CameraID == "" {
		return Options{}, errors.New("worker: -camera is required")
	}
	if opts.ResultQueueSize <= 0 {
		opts.ResultQueueSize = defaultResultQueueSize
	}
	return opts, nil
}

// Run drives one worker until STOP, stdin EOF or ctx cancellation, streaming
// its messages to stdout. Callers cancel ctx on SIGTERM.
func Run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("camera_id", opts.CameraID, "role", "worker")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	control := make(chan messages.ControlMessage, controlQueueSize)
	results := make(chan messages.Message, opts.ResultQueueSize)

	w, err := worker.New(worker.Config{
		CameraID:      opts.CameraID,
		TargetFPS:     opts.TargetFPS,
		Generator:     source.NewSimulated(opts.Latency),
		Results:       results,
		Control:       control,
		RespondToPing: opts.RespondToPing,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	go readControl(stdin, control, cancel, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeResults(stdout, results, logger)
	}()

	logger.Debug("worker process started", "fps", opts.TargetFPS, "latency", opts.Latency)
	w.Run(ctx)

	// Still live here means the loop ended on STOP rather than cancellation.
	if opts.HangOnStop && ctx.Err() == nil {
		logger.Warn("hanging after stop", "duration", hangOnStopDuration)
		select {
		case <-time.After(hangOnStopDuration):
		case <-ctx.Done():
		}
	}

	// Run has returned, nothing sends on results any more.
	close(results)

	flushed := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(writerFlushTimeout):
		logger.Warn("result writer did not flush in time")
	}

	logger.Debug("worker process exiting")
	return nil
}

// readControl decodes control frames from stdin until EOF, then cancels.
func readControl(stdin io.Reader, control chan<- messages.ControlMessage, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	for {
		env, err := messages.ReadFrame(stdin)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("failed to read control frame", "error", err)
			}
			return
		}

		msg, err := env.ControlMessage()
		if err != nil {
			logger.Warn("skipping invalid control frame", "error", err)
			continue
		}
		if !backpressure.TrySend(control, msg) {
			logger.Warn("control queue full, dropping message", "type", msg.Type)
		}
	}
}

// writeResults frames every message onto stdout. After a write error the
// remaining messages are discarded so the worker is never held up.
func writeResults(stdout io.Writer, results <-chan messages.Message, logger *slog.Logger) {
	var failed bool
	for msg := range results {
		if failed {
			continue
		}
		env, err := messages.Wrap(msg)
		if err != nil {
			logger.Error("failed to wrap message", "error", err)
			continue
		}
		if err := messages.WriteFrame(stdout, env); err != nil {
			logger.Error("failed to write result frame", "error", err)
			failed = true
		}
	}
}
