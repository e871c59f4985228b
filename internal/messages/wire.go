package messages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single framed message on a process pipe.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Envelope carries exactly one message across a process boundary.
// Kind selects which pointer is populated.
type Envelope struct {
	Kind    Kind            `msgpack:"kind"`
	Result  *ResultRecord   `msgpack:"result,omitempty"`
	Stats   *StatsMessage   `msgpack:"stats,omitempty"`
	Status  *StatusUpdate   `msgpack:"status,omitempty"`
	Exit    *ExitNotice     `msgpack:"exit,omitempty"`
	Control *ControlMessage `msgpack:"control,omitempty"`
}

// Wrap builds the envelope for a worker→orchestrator message.
func Wrap(m Message) (Envelope, error) {
	switch v := m.(type) {
	case ResultRecord:
		return Envelope{Kind: KindResult, Result: &v}, nil
	case StatsMessage:
		return Envelope{Kind: KindStats, Stats: &v}, nil
	case StatusUpdate:
		return Envelope{Kind: KindStatus, Status: &v}, nil
	case ExitNotice:
		return Envelope{Kind: KindExit, Exit: &v}, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported message type %T", m)
	}
}

// WrapControl builds the envelope for an orchestrator→worker control message.
func WrapControl(c ControlMessage) Envelope {
	return Envelope{Kind: KindControl, Control: &c}
}

// Message unwraps a worker→orchestrator message.
func (e Envelope) Message() (Message, error) {
	switch e.Kind {
	case KindResult:
		if e.Result != nil {
			rec := *e.Result
			// msgpack decodes timestamps in the local zone.
			rec.Timestamp = rec.Timestamp.UTC()
			return rec, nil
		}
	case KindStats:
		if e.Stats != nil {
			return *e.Stats, nil
		}
	case KindStatus:
		if e.Status != nil {
			return *e.Status, nil
		}
	case KindExit:
		if e.Exit != nil {
			return *e.Exit, nil
		}
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil, fmt.Errorf("envelope kind %q has no body", e.Kind)
}

// ControlMessage unwraps an orchestrator→worker control message.
func (e Envelope) ControlMessage() (ControlMessage, error) {
	if e.Kind != KindControl || e.Control == nil {
		return ControlMessage{}, fmt.Errorf("envelope kind %q is not a control message", e.Kind)
	}
	if !e.Control.Type.Valid() {
		return ControlMessage{}, fmt.Errorf("unknown control type %q", e.Control.Type)
	}
	return *e.Control, nil
}

// WriteFrame writes env as a 4-byte big-endian length prefix followed by its
// msgpack encoding.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Single write so concurrent readers never observe a torn header.
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. It returns io.EOF when the
// stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("failed to read frame body (%d bytes): %w", n, err)
	}

	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}
