//go:build gst

package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// DefaultGstPipeline is a live synthetic source, useful without a camera.
const DefaultGstPipeline = "videotestsrc is-live=true ! videoconvert ! videoscale ! video/x-raw,format=RGB,width=320,height=240 ! appsink name=sink"

// Gst pulls decoded samples from a GStreamer pipeline. Generate blocks until
// the next sample arrives, so the worker's measured latency is the real
// capture+decode time.
type Gst struct {
	pipeline *gst.Pipeline
	samples  chan time.Time
	dropped  atomic.Uint64

	closeOnce sync.Once
}

// NewGst builds and starts the pipeline described by launch. The description
// must contain an element named "sink" of type appsink.
func NewGst(launch string) (*Gst, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("pipeline has no element named sink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		return nil, errors.New("element sink is not an appsink")
	}

	g := &Gst{
		pipeline: pipeline,
		samples:  make(chan time.Time, 4),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	slog.Info("gst source started", "pipeline", launch)
	return g, nil
}

// onNewSample copies nothing: only the arrival time is needed downstream.
// Non-blocking, drops the sample when the worker is behind.
func (g *Gst) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gst: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	select {
	case g.samples <- time.Now():
	default:
		g.dropped.Add(1)
	}
	return gst.FlowOK
}

// Generate implements Generator.
func (g *Gst) Generate(ctx context.Context, index int) (Sample, error) {
	select {
	case _, ok := <-g.samples:
		if !ok {
			return Sample{}, errors.New("gst source closed")
		}
		return Sample{Label: LabelFor(index), Confidence: 0.9}, nil
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// Dropped implements DropCounter: decoded samples discarded because the
// consumer was slower than the pipeline.
func (g *Gst) Dropped() uint64 {
	return g.dropped.Load()
}

// Close stops the pipeline.
func (g *Gst) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.pipeline.SetState(gst.StateNull)
	})
	return err
}

func newGstGenerator(launch string) (Generator, error) {
	if launch == "" {
		launch = DefaultGstPipeline
	}
	return NewGst(launch)
}
