package worker

// WorkerStats holds the counters of one statistics window. It is private to
// the worker goroutine and reset when a window is reported.
type WorkerStats struct {
	Frames         uint64
	Drops          uint64
	TotalLatencyMs float64
}

// FPS returns frames per second over elapsedSec, or 0 when no time elapsed.
func (s WorkerStats) FPS(elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		return 0
	}
	return float64(s.Frames) / elapsedSec
}

// AvgLatency returns the mean latency in ms, or nil without frames.
func (s WorkerStats) AvgLatency() *float64 {
	if s.Frames == 0 {
		return nil
	}
	v := s.TotalLatencyMs / float64(s.Frames)
	return &v
}

// DropRate returns drops/(frames+drops), or nil when nothing happened.
func (s WorkerStats) DropRate() *float64 {
	total := s.Frames + s.Drops
	if total == 0 {
		return nil
	}
	v := float64(s.Drops) / float64(total)
	return &v
}
