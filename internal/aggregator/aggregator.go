// Package aggregator keeps a bounded per-camera window of results and
// computes windowed throughput/latency statistics from it.
//
// Statistics are computed on demand by SnapshotStats over the last second of
// buffered results. A worker-reported StatsMessage, once applied, overrides
// the fps, average latency and drop rate the aggregator would report for that
// camera. The EMA of fps persists across snapshots.
//
// Concurrency: the dispatcher is the only writer, but SnapshotStats advances
// EMA state and is called from the metrics monitor and external readers, so
// all access goes through one mutex. Callers only ever receive copies.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/orion-fleet/internal/messages"
)

// statsWindow is the lookback used for instant fps and latency statistics.
const statsWindow = time.Second

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("aggregator capacity must be > 0")

// CameraStats is the computed snapshot for one camera.
type CameraStats struct {
	FPS          float64
	EMAFPS       float64
	AvgLatencyMs *float64
	LatencyP50Ms *float64
	LatencyP95Ms *float64
	DropRate     *float64
	LastUpdate   time.Time
}

type emaState struct {
	value  float64
	seeded bool
}

// Aggregator owns the per-camera ring buffers, stats overrides and EMA state.
type Aggregator struct {
	capacity int

	mu        sync.Mutex
	buffers   map[string]*ring
	overrides map[string]messages.StatsMessage
	ema       map[string]*emaState
}

// New returns an Aggregator whose per-camera buffers hold capacity results.
func New(capacity int) (*Aggregator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidCapacity, capacity)
	}
	return &Aggregator{
		capacity:  capacity,
		buffers:   make(map[string]*ring),
		overrides: make(map[string]messages.StatsMessage),
		ema:       make(map[string]*emaState),
	}, nil
}

// Capacity returns the per-camera buffer capacity.
func (a *Aggregator) Capacity() int { return a.capacity }

// PushResult appends rec to its camera's buffer, evicting the oldest record
// when the buffer is full.
func (a *Aggregator) PushResult(rec messages.ResultRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[rec.CameraID]
	if !ok {
		buf = newRing(a.capacity)
		a.buffers[rec.CameraID] = buf
	}
	buf.push(rec)
}

// Query returns the camera's buffered records in insertion order. When since
// is non-nil only records with Timestamp >= *since are returned.
func (a *Aggregator) Query(cameraID string, since *time.Time) []messages.ResultRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[cameraID]
	if !ok {
		return nil
	}

	out := make([]messages.ResultRecord, 0, buf.len())
	buf.each(func(rec messages.ResultRecord) {
		if since != nil && rec.Timestamp.Before(*since) {
			return
		}
		out = append(out, rec)
	})
	return out
}

// ApplyStatsMessage stores msg as the camera's override, replacing any
// previous one.
func (a *Aggregator) ApplyStatsMessage(msg messages.StatsMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[msg.CameraID] = msg
}

// LastUpdate returns the newest buffered timestamp for the camera.
func (a *Aggregator) LastUpdate(cameraID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[cameraID]
	if !ok || buf.len() == 0 {
		return time.Time{}, false
	}
	return newest(buf), true
}

// Cameras returns the ids of all cameras with a buffer, sorted.
func (a *Aggregator) Cameras() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.buffers))
	for id, buf := range a.buffers {
		if buf.len() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SnapshotStats computes CameraStats for every camera with at least one
// buffered record. A zero now means time.Now().UTC(). Each call advances the
// per-camera EMA by one step.
func (a *Aggregator) SnapshotStats(now time.Time) map[string]CameraStats {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-statsWindow)

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]CameraStats, len(a.buffers))
	for id, buf := range a.buffers {
		if buf.len() == 0 {
			continue
		}

		var (
			count     int
			latencies []float64
		)
		buf.each(func(rec messages.ResultRecord) {
			if !rec.Timestamp.After(cutoff) {
				return
			}
			count++
			if rec.LatencyMs != nil {
				latencies = append(latencies, *rec.LatencyMs)
			}
		})

		stats := CameraStats{
			FPS:        float64(count),
			LastUpdate: newest(buf),
		}
		stats.AvgLatencyMs, stats.LatencyP50Ms, stats.LatencyP95Ms = latencySummary(latencies)

		sample := stats.FPS
		if ov, ok := a.overrides[id]; ok {
			stats.FPS = ov.FPS
			sample = ov.FPS
			if ov.AvgLatencyMs != nil {
				stats.AvgLatencyMs = copyFloat(ov.AvgLatencyMs)
			}
			stats.DropRate = copyFloat(ov.DropRate)
		}

		st, ok := a.ema[id]
		if !ok {
			st = &emaState{}
			a.ema[id] = st
		}
		st.value = emaStep(st.value, st.seeded, sample)
		st.seeded = true
		stats.EMAFPS = st.value

		out[id] = stats
	}
	return out
}

// newest returns the maximum timestamp in buf, which may differ from the
// last inserted record.
func newest(buf *ring) time.Time {
	var latest time.Time
	buf.each(func(rec messages.ResultRecord) {
		if rec.Timestamp.After(latest) {
			latest = rec.Timestamp
		}
	})
	return latest
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
