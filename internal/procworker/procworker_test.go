package procworker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/e7canasta/orion-fleet/internal/messages"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeAll(t *testing.T, r io.Reader) []messages.Message {
	t.Helper()
	var out []messages.Message
	for {
		env, err := messages.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		msg, err := env.Message()
		if err != nil {
			t.Fatalf("Message failed: %v", err)
		}
		out = append(out, msg)
	}
}

func TestArgsRoundTrip(t *testing.T) {
	want := Options{
		CameraID:        "cam-7",
		TargetFPS:       12.5,
		Latency:         3 * time.Millisecond,
		RespondToPing:   false,
		ResultQueueSize: 64,
		HangOnStop:      true,
	}
	got, err := ParseArgs(want.Args())
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if got != want {
		t.Errorf("ParseArgs(Args()) = %+v, want %+v", got, want)
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing camera", []string{"-fps", "10"}},
		{"bad duration", []string{"-camera", "c", "-latency", "soon"}},
		{"unknown flag", []string{"-camera", "c", "-turbo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunStopsOnControlFrame(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	opts := Options{CameraID: "cam-1", TargetFPS: 200, RespondToPing: true, ResultQueueSize: 512}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), opts, pr, &out, quietLogger())
	}()

	if err := messages.WriteFrame(pw, messages.WrapControl(messages.Ping("p-1"))); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := messages.WriteFrame(pw, messages.WrapControl(messages.Stop())); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after STOP")
	}

	msgs := decodeAll(t, &out)
	if len(msgs) < 3 {
		t.Fatalf("expected results, pong, stats and exit; got %d messages", len(msgs))
	}

	var pong, results int
	for _, m := range msgs {
		switch v := m.(type) {
		case messages.StatusUpdate:
			if v.PingResponse == "p-1" {
				pong++
			}
		case messages.ResultRecord:
			results++
		}
	}
	if pong != 1 {
		t.Errorf("expected one pong, got %d", pong)
	}
	if results == 0 {
		t.Error("expected result records")
	}

	if _, ok := msgs[len(msgs)-2].(messages.StatsMessage); !ok {
		t.Errorf("expected StatsMessage before exit, got %T", msgs[len(msgs)-2])
	}
	exit, ok := msgs[len(msgs)-1].(messages.ExitNotice)
	if !ok || exit.Code != 0 || exit.Reason != "STOP" {
		t.Errorf("expected ExitNotice(0, STOP) last, got %#v", msgs[len(msgs)-1])
	}
}

func TestRunStdinEOFSendsFinalStats(t *testing.T) {
	var out bytes.Buffer
	opts := Options{CameraID: "cam-2", TargetFPS: 50, ResultQueueSize: 16}

	if err := Run(context.Background(), opts, bytes.NewReader(nil), &out, quietLogger()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	msgs := decodeAll(t, &out)
	if len(msgs) == 0 {
		t.Fatal("expected a final stats message")
	}
	for _, m := range msgs {
		if _, ok := m.(messages.ExitNotice); ok {
			t.Error("emergency stop must not emit an ExitNotice")
		}
	}
	if _, ok := msgs[len(msgs)-1].(messages.StatsMessage); !ok {
		t.Errorf("expected StatsMessage last, got %T", msgs[len(msgs)-1])
	}
}

func TestRunRejectsInvalidFPS(t *testing.T) {
	err := Run(context.Background(), Options{CameraID: "c", TargetFPS: 0, ResultQueueSize: 1}, bytes.NewReader(nil), io.Discard, quietLogger())
	if err == nil {
		t.Fatal("expected error for zero fps")
	}
}
