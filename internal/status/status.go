// Package status serves the fleet's liveness, readiness and metrics over
// HTTP.
//
// Metric values come from the METRIC_SNAPSHOT events the monitor already
// emits: Board is a telemetry.Sink that keeps the latest one per camera, so
// serving a request never advances aggregator state.
package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/orion-fleet/internal/orchestrator"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

// Fleet is the part of the orchestrator the status endpoints read.
type Fleet interface {
	HealthState() map[string]orchestrator.Health
	ActiveWorkerCount() int
}

// CameraMetrics is the latest published snapshot for one camera.
type CameraMetrics struct {
	FPS          float64   `json:"fps"`
	EMAFPS       float64   `json:"ema_fps"`
	LatencyMs    *float64  `json:"latency_ms,omitempty"`
	LatencyP50Ms *float64  `json:"latency_p50_ms,omitempty"`
	LatencyP95Ms *float64  `json:"latency_p95_ms,omitempty"`
	DropRate     *float64  `json:"drop_rate,omitempty"`
	Stalls       uint64    `json:"stalls"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Board records the most recent metrics per camera.
type Board struct {
	mu      sync.RWMutex
	cameras map[string]CameraMetrics
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{cameras: make(map[string]CameraMetrics)}
}

// Emit implements telemetry.Sink.
func (b *Board) Emit(ev telemetry.Event) {
	if ev.Camera == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.cameras[ev.Camera]
	switch ev.Name {
	case telemetry.EventMetricSnapshot:
		m.FPS = floatField(ev.Fields, "fps")
		m.EMAFPS = floatField(ev.Fields, "ema_fps")
		m.LatencyMs = optionalField(ev.Fields, "latency_ms")
		m.LatencyP50Ms = optionalField(ev.Fields, "latency_p50_ms")
		m.LatencyP95Ms = optionalField(ev.Fields, "latency_p95_ms")
		m.DropRate = optionalField(ev.Fields, "drop_rate")
		m.UpdatedAt = ev.Time
	case telemetry.EventCameraStall:
		m.Stalls++
	default:
		return
	}
	b.cameras[ev.Camera] = m
}

// Metrics returns a copy of the board.
func (b *Board) Metrics() map[string]CameraMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]CameraMetrics, len(b.cameras))
	for id, m := range b.cameras {
		out[id] = m
	}
	return out
}

func floatField(fields map[string]any, key string) float64 {
	if v := optionalField(fields, key); v != nil {
		return *v
	}
	return 0
}

func optionalField(fields map[string]any, key string) *float64 {
	switch v := fields[key].(type) {
	case float64:
		return &v
	case *float64:
		if v == nil {
			return nil
		}
		c := *v
		return &c
	}
	return nil
}

// CameraHealth combines liveness and metrics for one camera.
type CameraHealth struct {
	Down       bool          `json:"down"`
	PingLosses int           `json:"ping_losses"`
	LastRTTMs  *float64      `json:"last_rtt_ms,omitempty"`
	LastStatus string        `json:"last_status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Metrics    CameraMetrics `json:"metrics"`
}

// HealthStatus represents the health state of the fleet
type HealthStatus struct {
	Status        string                  `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID    string                  `json:"instance_id"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	WorkersUp     int                     `json:"workers_up"`
	WorkersTotal  int                     `json:"workers_total"`
	CamerasDown   int                     `json:"cameras_down"`
	MQTTConnected *bool                   `json:"mqtt_connected,omitempty"`
	Cameras       map[string]CameraHealth `json:"cameras,omitempty"`
}

// Server exposes /health, /readiness and /metrics.
type Server struct {
	instanceID string
	fleet      Fleet
	board      *Board
	started    time.Time
	logger     *slog.Logger

	// MQTTConnected reports the telemetry link state; nil when MQTT is off.
	MQTTConnected func() bool

	httpServer *http.Server
}

// NewServer builds a status server. logger may be nil.
func NewServer(instanceID string, fleet Fleet, board *Board, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		instanceID: instanceID,
		fleet:      fleet,
		board:      board,
		started:    time.Now(),
		logger:     logger.With("component", "status"),
	}
}

// HealthCheck returns the current health status of the fleet
func (s *Server) HealthCheck() HealthStatus {
	health := s.fleet.HealthState()
	metrics := s.board.Metrics()

	status := HealthStatus{
		Status:        "healthy",
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		WorkersUp:     s.fleet.ActiveWorkerCount(),
		WorkersTotal:  len(health),
		Cameras:       make(map[string]CameraHealth, len(health)),
	}

	for id, h := range health {
		if h.Down {
			status.CamerasDown++
		}
		status.Cameras[id] = CameraHealth{
			Down:       h.Down,
			PingLosses: h.Losses,
			LastRTTMs:  h.LastRTTMs,
			LastStatus: h.LastStatus,
			LastError:  h.LastError,
			Metrics:    metrics[id],
		}
	}

	if s.MQTTConnected != nil {
		connected := s.MQTTConnected()
		status.MQTTConnected = &connected
	}

	// Determine overall health status
	switch {
	case status.WorkersUp == 0:
		status.Status = "unhealthy"
	case status.WorkersUp < status.WorkersTotal || status.CamerasDown > 0:
		status.Status = "degraded"
	case status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	return mux
}

// Start starts the HTTP server on addr. It does not block.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting status server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Close stops the HTTP server if it was started.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// LivenessHandler handles /health: 200 while the process is alive.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	health := s.HealthCheck()
	fmt.Fprintf(w, "fleet_uptime_seconds{instance=%q} %d\n", s.instanceID, health.UptimeSeconds)
	fmt.Fprintf(w, "fleet_workers_up{instance=%q} %d\n", s.instanceID, health.WorkersUp)
	fmt.Fprintf(w, "fleet_workers_total{instance=%q} %d\n", s.instanceID, health.WorkersTotal)

	ids := make([]string, 0, len(health.Cameras))
	for id := range health.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := health.Cameras[id]
		labels := fmt.Sprintf("instance=%q,camera=%q", s.instanceID, id)
		fmt.Fprintf(w, "fleet_camera_fps{%s} %g\n", labels, c.Metrics.FPS)
		fmt.Fprintf(w, "fleet_camera_ema_fps{%s} %g\n", labels, c.Metrics.EMAFPS)
		if c.Metrics.LatencyMs != nil {
			fmt.Fprintf(w, "fleet_camera_latency_ms{%s} %g\n", labels, *c.Metrics.LatencyMs)
		}
		if c.Metrics.DropRate != nil {
			fmt.Fprintf(w, "fleet_camera_drop_rate{%s} %g\n", labels, *c.Metrics.DropRate)
		}
		fmt.Fprintf(w, "fleet_camera_stalls_total{%s} %d\n", labels, c.Metrics.Stalls)
		fmt.Fprintf(w, "fleet_camera_ping_losses{%s} %d\n", labels, c.PingLosses)
		down := 0
		if c.Down {
			down = 1
		}
		fmt.Fprintf(w, "fleet_camera_down{%s} %d\n", labels, down)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
