package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/source"
)

func drain(ch chan messages.Message) []messages.Message {
	var out []messages.Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func newTestWorker(t *testing.T, results chan messages.Message, control chan messages.ControlMessage) *Worker {
	t.Helper()
	w, err := New(Config{
		CameraID:      "cam-1",
		TargetFPS:     1000,
		Generator:     source.NewSimulated(0),
		Results:       results,
		Control:       control,
		RespondToPing: true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func TestNewRejectsInvalidFPS(t *testing.T) {
	for _, fps := range []float64{0, -1} {
		_, err := New(Config{CameraID: "cam", TargetFPS: fps, Results: make(chan messages.Message, 1)})
		if !errors.Is(err, ErrInvalidTargetFPS) {
			t.Errorf("TargetFPS=%v: expected ErrInvalidTargetFPS, got %v", fps, err)
		}
	}
}

func TestRunLoopNeverBlocksOnFullChannel(t *testing.T) {
	results := make(chan messages.Message, 3)
	w := newTestWorker(t, results, nil)

	done := make(chan struct{})
	go func() {
		w.RunLoop(context.Background(), 30)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunLoop blocked on a full result channel")
	}

	if got := len(results); got != 3 {
		t.Fatalf("expected 3 buffered messages, got %d", got)
	}
	if dr := w.BuildStatsMessage().DropRate; dr == nil || *dr < 0 {
		t.Errorf("expected non-negative drop rate, got %v", dr)
	}

	// Only the newest results survive.
	msgs := drain(results)
	last, ok := msgs[len(msgs)-1].(messages.ResultRecord)
	if !ok {
		t.Fatalf("expected newest message to be a result, got %T", msgs[len(msgs)-1])
	}
	if want := source.LabelFor(29); last.Label != want {
		t.Errorf("newest label = %q, want %q", last.Label, want)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	results := make(chan messages.Message, 8)
	control := make(chan messages.ControlMessage, 1)
	w := newTestWorker(t, results, control)

	control <- messages.Ping("abc")
	w.RunLoop(context.Background(), 1)

	msgs := drain(results)
	if len(msgs) != 2 {
		t.Fatalf("expected pong + result, got %d messages", len(msgs))
	}
	pong, ok := msgs[0].(messages.StatusUpdate)
	if !ok {
		t.Fatalf("expected StatusUpdate first, got %T", msgs[0])
	}
	if !pong.IsPong() || pong.PingResponse != "abc" {
		t.Errorf("unexpected pong: %+v", pong)
	}
	if pong.Status != messages.StatusRunning || pong.Attempts != 0 {
		t.Errorf("pong status = %s attempts = %d", pong.Status, pong.Attempts)
	}
}

func TestPingIgnoredWhenDisabled(t *testing.T) {
	results := make(chan messages.Message, 8)
	control := make(chan messages.ControlMessage, 1)
	w, err := New(Config{CameraID: "cam-1", TargetFPS: 1000, Results: results, Control: control})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	control <- messages.Ping("abc")
	w.RunLoop(context.Background(), 1)

	for _, m := range drain(results) {
		if su, ok := m.(messages.StatusUpdate); ok && su.IsPong() {
			t.Fatalf("unexpected pong %+v", su)
		}
	}
}

func TestStopEmitsStatsThenExit(t *testing.T) {
	results := make(chan messages.Message, 8)
	control := make(chan messages.ControlMessage, 1)
	w := newTestWorker(t, results, control)

	control <- messages.Stop()
	w.RunLoop(context.Background(), 5)

	if w.State() != StateStopping {
		t.Errorf("state = %s, want STOPPING", w.State())
	}

	msgs := drain(results)
	if len(msgs) != 2 {
		t.Fatalf("expected stats + exit, got %d messages: %+v", len(msgs), msgs)
	}
	if _, ok := msgs[0].(messages.StatsMessage); !ok {
		t.Errorf("expected StatsMessage first, got %T", msgs[0])
	}
	exit, ok := msgs[1].(messages.ExitNotice)
	if !ok {
		t.Fatalf("expected ExitNotice second, got %T", msgs[1])
	}
	if exit.Code != 0 || exit.Reason != "STOP" || exit.CameraID != "cam-1" {
		t.Errorf("unexpected exit notice: %+v", exit)
	}

	// Stopped workers do not iterate again.
	w.RunLoop(context.Background(), 5)
	if n := len(results); n != 0 {
		t.Errorf("expected no output after STOP, got %d", n)
	}
}

func TestReloadIsIgnored(t *testing.T) {
	results := make(chan messages.Message, 8)
	control := make(chan messages.ControlMessage, 1)
	w := newTestWorker(t, results, control)

	control <- messages.ControlMessage{Type: messages.ControlReload}
	w.RunLoop(context.Background(), 1)

	if w.IsStopping() {
		t.Error("RELOAD must not stop the worker")
	}
	msgs := drain(results)
	if len(msgs) != 1 {
		t.Fatalf("expected a single result, got %d", len(msgs))
	}
}

func TestRunTerminatesOnCancel(t *testing.T) {
	results := make(chan messages.Message, 64)
	w, err := New(Config{CameraID: "cam-1", TargetFPS: 100, Results: results})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if w.State() != StateTerminated {
		t.Errorf("state = %s, want TERMINATED", w.State())
	}

	msgs := drain(results)
	if len(msgs) == 0 {
		t.Fatal("expected output")
	}
	if _, ok := msgs[len(msgs)-1].(messages.StatsMessage); !ok {
		t.Errorf("expected final StatsMessage, got %T", msgs[len(msgs)-1])
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, int) (source.Sample, error) {
	return source.Sample{}, errors.New("decode failed")
}

func TestGeneratorErrorCountsAsDrop(t *testing.T) {
	results := make(chan messages.Message, 8)
	w, err := New(Config{CameraID: "cam-1", TargetFPS: 1000, Generator: failingGenerator{}, Results: results})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.RunLoop(context.Background(), 4)

	if s := w.Stats(); s.Drops != 4 || s.Frames != 0 {
		t.Errorf("stats = %+v, want 4 drops and 0 frames", s)
	}
	if dr := w.Stats().DropRate(); dr == nil || *dr != 1 {
		t.Errorf("drop rate = %v, want 1", dr)
	}
}

func TestWorkerStatsEmpty(t *testing.T) {
	var s WorkerStats
	if s.AvgLatency() != nil || s.DropRate() != nil {
		t.Error("empty stats must report absent latency and drop rate")
	}
	if s.FPS(0) != 0 {
		t.Error("FPS over zero elapsed must be 0")
	}
}

// lossySource discards two frames upstream per generated sample and records
// whether it was closed.
type lossySource struct {
	dropped uint64
	closed  bool
}

func (s *lossySource) Generate(_ context.Context, index int) (source.Sample, error) {
	s.dropped += 2
	return source.Sample{Label: source.LabelFor(index), Confidence: 0.9}, nil
}

func (s *lossySource) Dropped() uint64 { return s.dropped }

func (s *lossySource) Close() error {
	s.closed = true
	return nil
}

func TestSourceDropsAreCounted(t *testing.T) {
	results := make(chan messages.Message, 16)
	src := &lossySource{}
	w, err := New(Config{CameraID: "cam-1", TargetFPS: 1000, Generator: src, Results: results})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.RunLoop(context.Background(), 3)

	if s := w.Stats(); s.Frames != 3 || s.Drops != 6 {
		t.Errorf("stats = %+v, want 3 frames and 6 drops", s)
	}
	if src.closed {
		t.Error("RunLoop must not close the source")
	}
}

func TestRunClosesSource(t *testing.T) {
	results := make(chan messages.Message, 64)
	control := make(chan messages.ControlMessage, 1)
	src := &lossySource{}
	w, err := New(Config{CameraID: "cam-1", TargetFPS: 1000, Generator: src, Results: results, Control: control})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	control <- messages.Stop()
	w.Run(context.Background())

	if !src.closed {
		t.Error("source not closed after Run returned")
	}
}
