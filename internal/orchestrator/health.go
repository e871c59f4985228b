package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-fleet/internal/backpressure"
	"github.com/e7canasta/orion-fleet/internal/messages"
	"github.com/e7canasta/orion-fleet/internal/telemetry"
)

// minRTTMs is reported instead of a zero round trip.
const minRTTMs = 0.001

// pingState is the liveness bookkeeping for one camera. A camera has at most
// one outstanding ping: a new one is only sent once responded is true.
type pingState struct {
	lastID    string
	sentAt    time.Time
	responded bool
	losses    int
	down      bool
	lastRTTMs *float64

	lastStatus string
	lastError  string
}

// Health is a copy of one camera's liveness state.
type Health struct {
	LastPingID string
	SentAt     time.Time
	Responded  bool
	Losses     int
	Down       bool
	LastRTTMs  *float64

	// Last non-pong status reported for the camera, if any.
	LastStatus string
	LastError  string
}

func (s *pingState) snapshot() Health {
	h := Health{
		LastPingID: s.lastID,
		SentAt:     s.sentAt,
		Responded:  s.responded,
		Losses:     s.losses,
		Down:       s.down,
		LastStatus: s.lastStatus,
		LastError:  s.lastError,
	}
	if s.lastRTTMs != nil {
		v := *s.lastRTTMs
		h.LastRTTMs = &v
	}
	return h
}

// runPingLoop pings every camera each PingInterval until ctx is cancelled.
func (o *Orchestrator) runPingLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pingTick(time.Now())
		}
	}
}

// pingTick times out unanswered pings, marks cameras down past the loss
// threshold and sends a fresh ping wherever none is outstanding.
func (o *Orchestrator) pingTick(now time.Time) {
	for _, cam := range o.cameraIDs {
		control := o.controls[cam]

		var (
			events   []telemetry.Event
			markDown bool
		)

		o.healthMu.Lock()
		st := o.health[cam]

		if st.lastID != "" && !st.responded && now.Sub(st.sentAt) > o.cfg.PingTimeout {
			st.losses++
			st.responded = true
			events = append(events, telemetry.Event{
				Name:    telemetry.EventPingTimeout,
				Level:   slog.LevelWarn,
				Message: "ping timeout",
				Camera:  cam,
				Fields:  map[string]any{"losses": st.losses, "ping_id": st.lastID},
			})

			if st.losses >= o.cfg.PingLossThreshold && !st.down {
				st.down = true
				markDown = true
				events = append(events, telemetry.Event{
					Name:    telemetry.EventCameraDown,
					Level:   slog.LevelError,
					Message: "camera down after consecutive ping losses",
					Camera:  cam,
					Fields:  map[string]any{"losses": st.losses, "threshold": o.cfg.PingLossThreshold},
				})
			}
		}

		if st.responded {
			id := cam + "-" + uuid.NewString()
			if backpressure.TrySend(control, messages.Ping(id)) {
				st.lastID = id
				st.sentAt = now
				st.responded = false
			} else {
				events = append(events, telemetry.Event{
					Name:    telemetry.EventPingSendFail,
					Level:   slog.LevelWarn,
					Message: "control queue full, ping not sent",
					Camera:  cam,
				})
			}
		}
		o.healthMu.Unlock()

		for _, ev := range events {
			o.emit(ev)
		}

		if markDown {
			down := messages.StatusUpdate{
				CameraID:  cam,
				Status:    messages.StatusDown,
				LastError: "ping_timeout",
			}
			if !backpressure.TrySend(o.results, messages.Message(down)) {
				o.logger.Debug("result channel full, DOWN status not queued", "camera_id", cam)
			}
		}
	}
}

// handlePong credits a pong to its camera. Pongs for anything but the
// outstanding ping are ignored.
func (o *Orchestrator) handlePong(su messages.StatusUpdate, now time.Time) {
	var recovered bool

	o.healthMu.Lock()
	st, ok := o.health[su.CameraID]
	if !ok || st.lastID != su.PingResponse {
		o.healthMu.Unlock()
		return
	}

	rtt := float64(now.Sub(st.sentAt)) / float64(time.Millisecond)
	if rtt <= 0 {
		rtt = minRTTMs
	}
	st.lastRTTMs = &rtt
	st.responded = true
	st.losses = 0
	if st.down {
		st.down = false
		recovered = true
	}
	o.healthMu.Unlock()

	if recovered {
		o.emit(telemetry.Event{
			Name:    telemetry.EventCameraRecover,
			Level:   slog.LevelInfo,
			Message: "camera recovered after ping losses",
			Camera:  su.CameraID,
			Fields:  map[string]any{"rtt_ms": rtt},
		})
	}
}

// recordStatus keeps the latest non-pong status of a camera.
func (o *Orchestrator) recordStatus(su messages.StatusUpdate) {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()

	if st, ok := o.health[su.CameraID]; ok {
		st.lastStatus = su.Status
		st.lastError = su.LastError
	}
}
