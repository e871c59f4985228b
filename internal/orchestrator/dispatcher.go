package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

// runDispatcher is the single consumer of the result channel and the only
// writer to the aggregator. On cancellation it drains whatever is already
// buffered so late exit notices are not lost.
func (o *Orchestrator) runDispatcher(ctx context.Context) {
	for {
		select {
		case msg := <-o.results:
			o.dispatch(msg)
		case <-ctx.Done():
			o.drainResults()
			return
		}
	}
}

func (o *Orchestrator) drainResults() {
	for {
		select {
		case msg := <-o.results:
			o.dispatch(msg)
		default:
			return
		}
	}
}

func (o *Orchestrator) dispatch(msg messages.Message) {
	switch m := msg.(type) {
	case messages.ResultRecord:
		o.agg.PushResult(m)

	case messages.StatsMessage:
		o.agg.ApplyStatsMessage(m)

	case messages.StatusUpdate:
		if m.IsPong() {
			o.handlePong(m, time.Now())
			return
		}
		o.recordStatus(m)

	case messages.ExitNotice:
		o.exitMu.Lock()
		o.exits[m.CameraID] = m
		o.exitMu.Unlock()

		o.emit(telemetry.Event{
			Name:    telemetry.EventWorkerExit,
			Level:   slog.LevelInfo,
			Message: "worker exited",
			Camera:  m.CameraID,
			Fields:  map[string]any{"code": m.Code, "reason": m.Reason},
		})

	default:
		o.logger.Debug("dispatcher ignoring message", "kind", msg.Kind())
	}
}
