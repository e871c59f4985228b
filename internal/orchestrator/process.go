package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/e7canasta/orion-fleet/internal/backpressure"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/procworker"
)

// processUnit runs a worker as a child process and bridges its standard
// streams to the orchestrator's channels.
//
// Goroutines per unit:
//   - controlPump: control channel → stdin frames; closes stdin on shared stop
//   - relayResults: stdout frames → shared result channel (drop-oldest)
//   - logStderr: child log lines → slog
//   - waitProcess: reaps the child once both readers hit EOF
type processUnit struct {
	cameraID string
	argv     []string
	env      []string
	control  <-chan messages.ControlMessage
	results  chan messages.Message
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	readers   sync.WaitGroup
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func newProcessUnit(
	command []string,
	env []string,
	opts procworker.Options,
	control <-chan messages.ControlMessage,
	results chan messages.Message,
	logger *slog.Logger,
) *processUnit {
	argv := make([]string, 0, len(command)+12)
	argv = append(argv, command...)
	argv = append(argv, opts.Args()...)

	return &processUnit{
		cameraID: opts.CameraID,
		argv:     argv,
		env:      env,
		control:  control,
		results:  results,
		logger:   logger.With("camera_id", opts.CameraID),
		exited:   make(chan struct{}),
	}
}

func (u *processUnit) CameraID() string { return u.cameraID }

// Start spawns the child. ctx is the shared stop flag: its cancellation
// closes the child's stdin.
func (u *processUnit) Start(ctx context.Context) error {
	u.cmd = exec.Command(u.argv[0], u.argv[1:]...)
	u.cmd.Env = append(os.Environ(), u.env...)
	// Own process group, so signals also reach anything the worker spawned.
	u.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var err error
	if u.stdin, err = u.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if u.stdout, err = u.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if u.stderr, err = u.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := u.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	u.logger.Info("worker process spawned", "pid", u.cmd.Process.Pid)

	u.readers.Add(2)
	go u.relayResults()
	go u.logStderr()
	go u.waitProcess()
	go u.controlPump(ctx)

	return nil
}

func (u *processUnit) controlPump(ctx context.Context) {
	defer u.closeStdin()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.exited:
			return
		case msg := <-u.control:
			if err := messages.WriteFrame(u.stdin, messages.WrapControl(msg)); err != nil {
				u.logger.Warn("failed to send control message to worker process",
					"type", msg.Type,
					"error", err)
			}
		}
	}
}

func (u *processUnit) closeStdin() {
	u.closeOnce.Do(func() {
		if err := u.stdin.Close(); err != nil {
			u.logger.Debug("closing worker stdin", "error", err)
		}
	})
}

func (u *processUnit) relayResults() {
	defer u.readers.Done()

	for {
		env, err := messages.ReadFrame(u.stdout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				u.logger.Error("failed to read frame from worker process", "error", err)
				// Keep draining so the child never blocks on a full pipe.
				_, _ = io.Copy(io.Discard, u.stdout)
			}
			return
		}

		msg, err := env.Message()
		if err != nil {
			u.logger.Warn("skipping undecodable worker message", "error", err)
			continue
		}
		if out := backpressure.Push(u.results, msg); !out.Delivered() {
			u.logger.Debug("result channel full, message dropped", "kind", msg.Kind())
		}
	}
}

// logStderr maps child slog levels to parent levels. Info and debug lines
// are demoted to debug.
func (u *processUnit) logStderr() {
	defer u.readers.Done()

	scanner := bufio.NewScanner(u.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "level=ERROR"):
			u.logger.Error("worker process error", "log", line)
		case strings.Contains(line, "level=WARN"):
			u.logger.Warn("worker process warning", "log", line)
		default:
			u.logger.Debug("worker process log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		u.logger.Debug("error reading worker stderr", "error", err)
	}
}

func (u *processUnit) waitProcess() {
	defer close(u.exited)

	// Wait closes the pipes, so readers must reach EOF first.
	u.readers.Wait()
	u.waitErr = u.cmd.Wait()

	pid := u.cmd.Process.Pid
	if u.waitErr != nil {
		u.logger.Warn("worker process exited with error", "pid", pid, "error", u.waitErr)
		return
	}
	u.logger.Info("worker process exited cleanly", "pid", pid)
}

func (u *processUnit) Join(timeout time.Duration) bool {
	return waitClosed(u.exited, timeout)
}

func (u *processUnit) Alive() bool {
	if u.cmd == nil || u.cmd.Process == nil {
		return false
	}
	select {
	case <-u.exited:
		return false
	default:
		return true
	}
}

// Pid returns the child's pid, or 0 before Start.
func (u *processUnit) Pid() int {
	if u.cmd == nil || u.cmd.Process == nil {
		return 0
	}
	return u.cmd.Process.Pid
}

// Terminate sends SIGTERM to the worker's process group.
func (u *processUnit) Terminate() error {
	return u.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the worker's process group.
func (u *processUnit) Kill() error {
	return u.signalGroup(syscall.SIGKILL)
}

// signalGroup signals every process in the group led by the child. The unit
// stays alive until the pipes close, which a surviving grandchild would
// prevent.
func (u *processUnit) signalGroup(sig syscall.Signal) error {
	if !u.Alive() {
		return nil
	}
	if err := syscall.Kill(-u.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to send %v to worker process group: %w", sig, err)
	}
	return nil
}
