// Package source provides the frame generators that stand in for camera
// capture plus inference inside a worker.
//
// Only the timing contract of a generator matters to the rest of the system:
// a call to Generate blocks for as long as capture+inference would take and
// then yields one labelled result. The worker measures the latency itself.
package source

import (
	"context"
	"fmt"
	"time"
)

// Labels is the fixed label set results are drawn from, cyclically by frame index.
var Labels = []string{"gesture_a", "gesture_b", "gesture_c"}

// LabelFor returns the label for the given frame index.
func LabelFor(index int) string {
	if index < 0 {
		index = -index
	}
	return Labels[index%len(Labels)]
}

// Sample is the outcome of one generated frame.
type Sample struct {
	Label      string
	Confidence float64
}

// Generator produces one sample per call.
type Generator interface {
	Generate(ctx context.Context, index int) (Sample, error)
}

// DropCounter is implemented by generators that discard frames before the
// worker sees them. Dropped is cumulative.
type DropCounter interface {
	Dropped() uint64
}

// RTSPPipeline returns a decode pipeline for an RTSP URL ending in the
// appsink named "sink".
func RTSPPipeline(url string) string {
	return fmt.Sprintf(
		"rtspsrc location=%s protocols=4 latency=200 ! rtph264depay ! avdec_h264 ! videoconvert ! video/x-raw,format=RGB ! appsink name=sink",
		url,
	)
}

// Simulated waits a fixed delay per frame. It replaces real RTSP decode and
// model inference in tests and demo deployments.
type Simulated struct {
	Delay      time.Duration
	Confidence float64
}

// NewSimulated returns a Simulated generator with confidence 0.9.
func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{Delay: delay, Confidence: 0.9}
}

// Generate implements Generator.
func (s *Simulated) Generate(ctx context.Context, index int) (Sample, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Sample{}, ctx.Err()
		}
	}
	return Sample{Label: LabelFor(index), Confidence: s.Confidence}, nil
}

// Kinds accepted by New.
const (
	KindSimulated = "simulated"
	KindGst       = "gst"
)

// Options selects and parameterises a generator.
type Options struct {
	Kind     string
	Delay    time.Duration
	Pipeline string
}

// New builds the generator described by opts. An empty kind means simulated.
func New(opts Options) (Generator, error) {
	switch opts.Kind {
	case "", KindSimulated:
		return NewSimulated(opts.Delay), nil
	case KindGst:
		return newGstGenerator(opts.Pipeline)
	default:
		return nil, fmt.Errorf("unknown source kind %q", opts.Kind)
	}
}
