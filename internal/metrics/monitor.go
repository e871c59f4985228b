// Package metrics periodically turns aggregator snapshots into telemetry:
// one METRIC_SNAPSHOT per camera per tick, plus a CAMERA_STALL warning for
// any camera whose newest result is older than the stall threshold.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/e7canasta/orion-fleet/internal/aggregator"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

const (
	defaultInterval       = time.Second
	defaultStallThreshold = 2 * time.Second
)

// Source is the read side of the aggregator used by the monitor.
type Source interface {
	SnapshotStats(now time.Time) map[string]aggregator.CameraStats
}

// Monitor emits snapshot and stall telemetry on a fixed interval.
type Monitor struct {
	source         Source
	sink           telemetry.Sink
	interval       time.Duration
	stallThreshold time.Duration
}

// NewMonitor builds a monitor. A non-positive interval means one second. The
// stall threshold is three frame periods plus one second, or two seconds when
// targetFPS is not positive.
func NewMonitor(source Source, sink telemetry.Sink, targetFPS float64, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	threshold := defaultStallThreshold
	if targetFPS > 0 {
		threshold = time.Duration((3/targetFPS + 1.0) * float64(time.Second))
	}
	return &Monitor{
		source:         source,
		sink:           sink,
		interval:       interval,
		stallThreshold: threshold,
	}
}

// StallThreshold returns the gap after which a camera counts as stalled.
func (m *Monitor) StallThreshold() time.Duration { return m.stallThreshold }

// Interval returns the tick interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(time.Now().UTC())
		}
	}
}

// Tick performs one snapshot pass at now.
func (m *Monitor) Tick(now time.Time) {
	snapshot := m.source.SnapshotStats(now)

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		stats := snapshot[id]

		m.sink.Emit(telemetry.Event{
			Name:   telemetry.EventMetricSnapshot,
			Level:  slog.LevelInfo,
			Camera: id,
			Time:   now,
			Fields: map[string]any{
				"fps":            stats.FPS,
				"ema_fps":        stats.EMAFPS,
				"latency_ms":     stats.AvgLatencyMs,
				"latency_p50_ms": stats.LatencyP50Ms,
				"latency_p95_ms": stats.LatencyP95Ms,
				"drop_rate":      stats.DropRate,
			},
		})

		if stats.LastUpdate.IsZero() {
			continue
		}
		if gap := now.Sub(stats.LastUpdate); gap > m.stallThreshold {
			m.sink.Emit(telemetry.Event{
				Name:    telemetry.EventCameraStall,
				Level:   slog.LevelWarn,
				Message: "camera stalled",
				Camera:  id,
				Time:    now,
				Fields: map[string]any{
					"gap_s":       gap.Seconds(),
					"threshold_s": m.stallThreshold.Seconds(),
				},
			})
		}
	}
}
