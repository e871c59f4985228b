// Package telemetry carries the named operational events of the fleet
// (stalls, ping timeouts, forced kills, periodic metric snapshots) to
// whatever sink the process wires in.
//
// Components never format or store events themselves: they build an Event
// and hand it to the injected Sink.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event names.
const (
	EventMetricSnapshot    = "METRIC_SNAPSHOT"
	EventCameraStall       = "CAMERA_STALL"
	EventCameraDown        = "CAMERA_DOWN"
	EventCameraRecover     = "CAMERA_RECOVER"
	EventPingTimeout       = "PING_TIMEOUT"
	EventPingSendFail      = "PING_SEND_FAIL"
	EventWorkerJoinTimeout = "WORKER_JOIN_TIMEOUT"
	EventWorkerForceKill   = "WORKER_FORCE_KILL"
	EventShutdownComplete  = "SHUTDOWN_COMPLETE"

	EventWorkerSpawn  = "WORKER_SPAWN"
	EventWorkerExit   = "WORKER_EXIT"
	EventStopSendFail = "STOP_SEND_FAIL"
	EventProcessStats = "PROCESS_STATS"
)

// Event is one named telemetry occurrence.
type Event struct {
	Name    string
	Level   slog.Level
	Message string
	Camera  string
	Fields  map[string]any
	Time    time.Time
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Multi fans an event out to every non-nil sink, in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger (slog.Default() when nil).
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Emit implements Sink.
func (s *SlogSink) Emit(ev Event) {
	attrs := make([]any, 0, 4+2*len(ev.Fields))
	attrs = append(attrs, "event", ev.Name)
	if ev.Camera != "" {
		attrs = append(attrs, "camera_id", ev.Camera)
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, k, ev.Fields[k])
	}

	msg := ev.Message
	if msg == "" {
		msg = ev.Name
	}
	s.logger.Log(context.Background(), ev.Level, msg, attrs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByName returns the recorded events with the given name.
func (r *Recorder) ByName(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.ByName(name))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
