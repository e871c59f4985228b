package orchestrator

import (
	"context"
	"time"

	"github.com/e7canasta/orion-fleet/internal/worker"
)

// Unit is one running worker, whatever backs it.
type Unit interface {
	CameraID() string
	Start(ctx context.Context) error
	// Join waits up to timeout for the unit to finish and reports whether it did.
	Join(timeout time.Duration) bool
	Alive() bool
}

// Signaler is implemented by units that can be torn down from outside.
type Signaler interface {
	Terminate() error
	Kill() error
}

// goroutineUnit runs a Worker on its own goroutine. It cannot be forced to
// stop: shutdown relies on STOP and on cancellation of the shared context.
type goroutineUnit struct {
	worker *worker.Worker
	done   chan struct{}
}

func newGoroutineUnit(w *worker.Worker) *goroutineUnit {
	return &goroutineUnit{worker: w, done: make(chan struct{})}
}

func (u *goroutineUnit) CameraID() string { return u.worker.CameraID() }

func (u *goroutineUnit) Start(ctx context.Context) error {
	go func() {
		defer close(u.done)
		u.worker.Run(ctx)
	}()
	return nil
}

func (u *goroutineUnit) Join(timeout time.Duration) bool {
	return waitClosed(u.done, timeout)
}

func (u *goroutineUnit) Alive() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// waitClosed waits up to timeout for ch to be closed.
func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
