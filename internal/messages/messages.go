// Package messages defines the values exchanged between camera workers and
// the orchestrator.
//
// All message types are plain immutable values: they are built once by the
// producer and ownership moves to the consumer through a bounded channel.
// Worker→orchestrator traffic (results, stats, status, exit notices) shares a
// single channel typed as Message; orchestrator→worker traffic is always a
// ControlMessage on a per-camera channel.
package messages

import "time"

// Kind identifies the concrete type carried by a Message.
type Kind string

const (
	KindResult  Kind = "result"
	KindStats   Kind = "stats"
	KindStatus  Kind = "status"
	KindExit    Kind = "exit"
	KindControl Kind = "control"
)

// Message is implemented by every worker→orchestrator message.
type Message interface {
	Kind() Kind
	Camera() string
}

// ControlKind is the closed set of control commands.
type ControlKind string

const (
	ControlStart  ControlKind = "START"
	ControlStop   ControlKind = "STOP"
	ControlReload ControlKind = "RELOAD"
	ControlPing   ControlKind = "PING"
)

// Valid reports whether k belongs to the closed control set.
func (k ControlKind) Valid() bool {
	switch k {
	case ControlStart, ControlStop, ControlReload, ControlPing:
		return true
	}
	return false
}

// PayloadPingID is the ControlMessage payload key holding a ping identifier.
const PayloadPingID = "id"

// Worker status values. The set is conventional, not closed: only StatusDown
// and the presence of a ping response carry meaning for other components.
const (
	StatusInit     = "INIT"
	StatusRunning  = "RUNNING"
	StatusRetrying = "RETRYING"
	StatusDown     = "DOWN"
	StatusExiting  = "EXITING"
)

// ResultRecord is one inference result for one generated frame.
type ResultRecord struct {
	CameraID   string    `msgpack:"camera_id"`
	Timestamp  time.Time `msgpack:"ts"`
	Label      string    `msgpack:"label"`
	Confidence float64   `msgpack:"confidence"`
	// LatencyMs is nil when the producer could not measure it.
	LatencyMs *float64 `msgpack:"latency_ms,omitempty"`
	TraceID   string   `msgpack:"trace_id,omitempty"`
}

func (ResultRecord) Kind() Kind { return KindResult }
func (r ResultRecord) Camera() string { return r.CameraID }

// StatsMessage is a worker's own summary of its last ~1s window. The
// aggregator treats it as an override of its windowed computation.
type StatsMessage struct {
	CameraID     string   `msgpack:"camera_id"`
	FPS          float64  `msgpack:"fps"`
	AvgLatencyMs *float64 `msgpack:"avg_latency_ms,omitempty"`
	DropRate     *float64 `msgpack:"drop_rate,omitempty"`
}

func (StatsMessage) Kind() Kind { return KindStats }
func (s StatsMessage) Camera() string { return s.CameraID }

// ControlMessage is sent by the orchestrator to exactly one worker.
type ControlMessage struct {
	Type    ControlKind       `msgpack:"type"`
	Payload map[string]string `msgpack:"payload,omitempty"`
}

// Ping builds a PING control message carrying id.
func Ping(id string) ControlMessage {
	return ControlMessage{Type: ControlPing, Payload: map[string]string{PayloadPingID: id}}
}

// Stop builds a STOP control message.
func Stop() ControlMessage {
	return ControlMessage{Type: ControlStop}
}

// PingID returns the ping identifier of a PING message, or "".
func (c ControlMessage) PingID() string {
	if c.Payload == nil {
		return ""
	}
	return c.Payload[PayloadPingID]
}

// StatusUpdate reports a worker state. A non-empty PingResponse makes it a pong.
type StatusUpdate struct {
	CameraID     string `msgpack:"camera_id"`
	Status       string `msgpack:"status"`
	Attempts     int    `msgpack:"attempts"`
	LastError    string `msgpack:"last_error,omitempty"`
	PingResponse string `msgpack:"ping_response,omitempty"`
}

func (StatusUpdate) Kind() Kind { return KindStatus }
func (s StatusUpdate) Camera() string { return s.CameraID }

// IsPong reports whether the update answers a PING.
func (s StatusUpdate) IsPong() bool { return s.PingResponse != "" }

// ExitNotice is emitted once by a worker at clean shutdown.
type ExitNotice struct {
	CameraID string `msgpack:"camera_id"`
	Code     int    `msgpack:"code"`
	Reason   string `msgpack:"reason"`
}

func (ExitNotice) Kind() Kind { return KindExit }
func (e ExitNotice) Camera() string { return e.CameraID }

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 { return &v }
