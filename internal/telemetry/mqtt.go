package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-fleet/internal/backpressure"
)

const (
	defaultMQTTQueueSize      = 256
	defaultMQTTPublishTimeout = 2 * time.Second
	mqttConnectTimeout        = 5 * time.Second
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker         string // host:port
	ClientID       string
	TopicPrefix    string
	QoS            byte
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// MQTTSink publishes events as JSON to <TopicPrefix>/<event name>.
//
// Emit never blocks: events are queued to a single publisher goroutine and
// dropped when the queue is full or the broker is unreachable.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
	dropped   uint64
}

// MQTTStats contains sink statistics.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Dropped   uint64
}

// NewMQTTSink builds a sink with a paho client for cfg.Broker. Call Connect
// before emitting.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	s := newMQTTSink(nil, cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

func newMQTTSink(client mqtt.Client, cfg MQTTConfig) *MQTTSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultMQTTQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultMQTTPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "mqtt-sink"),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// Connect connects to the broker and starts the publisher goroutine.
func (s *MQTTSink) Connect(ctx context.Context) error {
	s.logger.Info("connecting to mqtt broker", "broker", s.cfg.Broker)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(mqttConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	s.setConnected(true)
	s.start()
	return nil
}

func (s *MQTTSink) start() {
	s.wg.Add(1)
	go s.run()
}

// Emit implements Sink.
func (s *MQTTSink) Emit(ev Event) {
	if s.closed.Load() || !backpressure.TrySend(s.queue, ev) {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *MQTTSink) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			if err := s.publish(ev); err != nil {
				s.logger.Debug("telemetry publish failed", "event", ev.Name, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *MQTTSink) publish(ev Event) error {
	if !s.isConnected() {
		s.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := encodeEvent(ev)
	if err != nil {
		s.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", s.cfg.TopicPrefix, ev.Name)
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.published++
	s.mu.Unlock()
	return nil
}

// Close stops the publisher and disconnects. Events still queued are lost.
func (s *MQTTSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()

		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(250)
			s.logger.Info("mqtt disconnected")
		}
		s.setConnected(false)
	})
	return nil
}

// Stats returns sink statistics.
func (s *MQTTSink) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MQTTStats{
		Connected: s.connected,
		Published: s.published,
		Errors:    s.errors,
		Dropped:   s.dropped,
	}
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

type eventPayload struct {
	Event   string         `json:"event"`
	Level   string         `json:"level"`
	Message string         `json:"message,omitempty"`
	Camera  string         `json:"camera_id,omitempty"`
	Time    string         `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func encodeEvent(ev Event) ([]byte, error) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(eventPayload{
		Event:   ev.Name,
		Level:   ev.Level.String(),
		Message: ev.Message,
		Camera:  ev.Camera,
		Time:    ts.UTC().Format(time.RFC3339Nano),
		Fields:  ev.Fields,
	})
}
