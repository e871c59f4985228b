package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func TestSlogSinkWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewSlogSink(logger)

	sink.Emit(Event{
		Name:    EventCameraStall,
		Level:   slog.LevelWarn,
		Message: "camera stalled",
		Camera:  "cam-1",
		Fields:  map[string]any{"gap_s": 3.5},
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if rec["event"] != EventCameraStall {
		t.Errorf("event = %v", rec["event"])
	}
	if rec["camera_id"] != "cam-1" {
		t.Errorf("camera_id = %v", rec["camera_id"])
	}
	if rec["level"] != "WARN" {
		t.Errorf("level = %v", rec["level"])
	}
	if rec["gap_s"] != 3.5 {
		t.Errorf("gap_s = %v", rec["gap_s"])
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := Multi(a, nil, b)

	sink.Emit(Event{Name: EventPingTimeout})
	sink.Emit(Event{Name: EventCameraDown})
	sink.Emit(Event{Name: EventPingTimeout})

	for _, r := range []*Recorder{a, b} {
		if got := len(r.Events()); got != 3 {
			t.Errorf("recorded %d events, want 3", got)
		}
		if got := r.Count(EventPingTimeout); got != 2 {
			t.Errorf("Count(PING_TIMEOUT) = %d, want 2", got)
		}
	}
}

// fakeToken completes immediately with err.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes; unused mqtt.Client methods panic via the
// nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	msgs         []published
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return &fakeToken{} }
func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	client := &fakeClient{}
	sink := newMQTTSink(client, MQTTConfig{TopicPrefix: "fleet/edge-01", QoS: 1})
	if err := sink.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sink.Emit(Event{
		Name:   EventMetricSnapshot,
		Level:  slog.LevelInfo,
		Camera: "cam-1",
		Fields: map[string]any{"fps": 10.0},
	})

	deadline := time.Now().Add(time.Second)
	for len(client.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	msgs := client.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(msgs))
	}
	if msgs[0].topic != "fleet/edge-01/METRIC_SNAPSHOT" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if msgs[0].qos != 1 {
		t.Errorf("qos = %d, want 1", msgs[0].qos)
	}

	var payload map[string]any
	if err := json.Unmarshal(msgs[0].payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["event"] != EventMetricSnapshot || payload["camera_id"] != "cam-1" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if fields, ok := payload["fields"].(map[string]any); !ok || fields["fps"] != 10.0 {
		t.Errorf("fields = %v", payload["fields"])
	}

	if !client.disconnected {
		t.Error("Close must disconnect the client")
	}
	stats := sink.Stats()
	if stats.Published != 1 || stats.Connected {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMQTTSinkDropsWhenQueueFull(t *testing.T) {
	// No Connect: nothing drains the queue.
	sink := newMQTTSink(&fakeClient{}, MQTTConfig{QueueSize: 2})

	for i := 0; i < 5; i++ {
		sink.Emit(Event{Name: EventPingTimeout})
	}
	if got := sink.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}

	_ = sink.Close()
	sink.Emit(Event{Name: EventPingTimeout})
	if got := sink.Stats().Dropped; got != 4 {
		t.Errorf("Dropped after Close = %d, want 4", got)
	}
}

func TestEncodeEventDefaultsTime(t *testing.T) {
	b, err := encodeEvent(Event{Name: EventShutdownComplete, Level: slog.LevelInfo})
	if err != nil {
		t.Fatalf("encodeEvent failed: %v", err)
	}
	if !strings.Contains(string(b), `"time":"`) {
		t.Errorf("payload lacks time: %s", b)
	}
	if strings.Contains(string(b), `"fields"`) {
		t.Errorf("empty fields must be omitted: %s", b)
	}
}
