package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/e7canasta/orion-fleet/internal/aggregator"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

func TestStallThreshold(t *testing.T) {
	tests := []struct {
		fps  float64
		want time.Duration
	}{
		{10, 1300 * time.Millisecond},
		{1, 4 * time.Second},
		{0, 2 * time.Second},
		{-3, 2 * time.Second},
	}
	for _, tt := range tests {
		m := NewMonitor(nil, nil, tt.fps, 0)
		if got := m.StallThreshold(); got != tt.want {
			t.Errorf("fps=%v: StallThreshold = %v, want %v", tt.fps, got, tt.want)
		}
		if m.Interval() != time.Second {
			t.Errorf("default interval = %v, want 1s", m.Interval())
		}
	}
}

func newAggregator(t *testing.T) *aggregator.Aggregator {
	t.Helper()
	agg, err := aggregator.New(100)
	if err != nil {
		t.Fatalf("aggregator.New failed: %v", err)
	}
	return agg
}

func TestTickEmitsSnapshotPerCamera(t *testing.T) {
	agg := newAggregator(t)
	now := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	for _, id := range []string{"cam-2", "cam-1"} {
		agg.PushResult(messages.ResultRecord{CameraID: id, Timestamp: now.Add(-100 * time.Millisecond), LatencyMs: messages.Float(5)})
	}

	rec := telemetry.NewRecorder()
	m := NewMonitor(agg, rec, 10, time.Second)
	m.Tick(now)

	snaps := rec.ByName(telemetry.EventMetricSnapshot)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Camera != "cam-1" || snaps[1].Camera != "cam-2" {
		t.Errorf("snapshots not ordered by camera: %q, %q", snaps[0].Camera, snaps[1].Camera)
	}
	for _, key := range []string{"fps", "ema_fps", "latency_ms", "latency_p50_ms", "latency_p95_ms", "drop_rate"} {
		if _, ok := snaps[0].Fields[key]; !ok {
			t.Errorf("snapshot missing field %q", key)
		}
	}
	if rec.Count(telemetry.EventCameraStall) != 0 {
		t.Error("fresh cameras must not stall")
	}
}

func TestTickDetectsStall(t *testing.T) {
	agg := newAggregator(t)
	now := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	agg.PushResult(messages.ResultRecord{CameraID: "fresh", Timestamp: now.Add(-time.Second)})
	agg.PushResult(messages.ResultRecord{CameraID: "stale", Timestamp: now.Add(-2 * time.Second)})

	rec := telemetry.NewRecorder()
	NewMonitor(agg, rec, 10, time.Second).Tick(now) // threshold 1.3s

	stalls := rec.ByName(telemetry.EventCameraStall)
	if len(stalls) != 1 {
		t.Fatalf("expected 1 stall, got %d", len(stalls))
	}
	if stalls[0].Camera != "stale" {
		t.Errorf("stalled camera = %q, want stale", stalls[0].Camera)
	}
	if gap, _ := stalls[0].Fields["gap_s"].(float64); gap != 2 {
		t.Errorf("gap_s = %v, want 2", stalls[0].Fields["gap_s"])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	agg := newAggregator(t)
	agg.PushResult(messages.ResultRecord{CameraID: "cam", Timestamp: time.Now().UTC()})

	rec := telemetry.NewRecorder()
	m := NewMonitor(agg, rec, 10, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if rec.Count(telemetry.EventMetricSnapshot) == 0 {
		t.Error("expected at least one snapshot")
	}
}
