package orchestrator

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

// ProcStat is a resource sample of one worker process.
type ProcStat struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	NumThreads int32
}

// ProcessStats samples every live worker process. Goroutine units are not
// reported. Processes that vanish between the liveness check and the sample
// are skipped.
func (o *Orchestrator) ProcessStats() map[string]ProcStat {
	o.mu.Lock()
	units := append([]Unit(nil), o.units...)
	o.mu.Unlock()

	out := make(map[string]ProcStat)
	for _, u := range units {
		pu, ok := u.(*processUnit)
		if !ok || !pu.Alive() {
			continue
		}

		p, err := process.NewProcess(int32(pu.Pid()))
		if err != nil {
			continue
		}

		stat := ProcStat{PID: pu.Pid()}
		if cpu, err := p.CPUPercent(); err == nil {
			stat.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil {
			stat.RSSBytes = mem.RSS
		}
		if n, err := p.NumThreads(); err == nil {
			stat.NumThreads = n
		}
		out[pu.CameraID()] = stat
	}
	return out
}

// EmitProcessStats publishes one PROCESS_STATS event per live worker process.
func (o *Orchestrator) EmitProcessStats() {
	for cam, st := range o.ProcessStats() {
		o.emit(telemetry.Event{
			Name:   telemetry.EventProcessStats,
			Level:  slog.LevelDebug,
			Camera: cam,
			Fields: map[string]any{
				"pid":         st.PID,
				"cpu_percent": st.CPUPercent,
				"rss_bytes":   st.RSSBytes,
				"num_threads": st.NumThreads,
			},
		})
	}
}
