package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-posture/internal/status"
	"github.com/e7canasta/orion-posture/internal/types"
)

// eventBuffer is the per-client queue of the /events stream
const eventBuffer = 16

// HealthStatus represents the health state of the sensor
type HealthStatus struct {
	Status        string       `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64        `json:"uptime_seconds"`
	Ready         bool         `json:"ready"`
	Posture       types.Status `json:"posture_status"`
	Monitoring    bool         `json:"monitoring"`
	Mode          types.Mode   `json:"mode"`
	Capturing     bool         `json:"capturing"`
	MQTTConnected bool         `json:"mqtt_connected"`
	MQTTEnabled   bool         `json:"mqtt_enabled"`
}

// HealthCheck returns the current health status of the sensor
func (s *Sensor) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	snap := s.states.Snapshot()

	h := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		Ready:         s.isReady(),
		Posture:       snap.Status,
		Monitoring:    snap.Monitoring,
		Mode:          s.Mode(),
		Capturing:     s.pipeline.Running(),
		MQTTEnabled:   s.emitter != nil,
	}
	if s.emitter != nil {
		h.MQTTConnected = s.emitter.Connected()
	}

	// Determine overall health status
	switch {
	case !running || !h.Ready:
		h.Status = "unhealthy"
	case snap.Status == types.StatusError:
		h.Status = "degraded"
	case h.MQTTEnabled && !h.MQTTConnected:
		h.Status = "degraded"
	}

	return h
}

func (s *Sensor) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func healthPayload(h HealthStatus) ([]byte, error) {
	return json.Marshal(h)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Sensor) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check).
// Returns 503 until startup completed.
func (s *Sensor) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, health)
}

// StatusHandler handles /status endpoint
func (s *Sensor) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStatus())
}

// OverlayHandler handles /overlay endpoint: the keypoints to draw
func (s *Sensor) OverlayHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.states.Overlay())
}

// EventsHandler handles /events endpoint: a server-sent event stream of
// status changes, starting with the current status
func (s *Sensor) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := "sse-" + uuid.NewString()
	ch := make(chan status.Change, eventBuffer)
	changes := s.states.Changes()
	if err := changes.Subscribe(id, ch); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer changes.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snap := s.states.Snapshot()
	if err := writeEvent(w, "snapshot", snap); err != nil {
		return
	}
	flusher.Flush()

	slog.Debug("events client connected", "id", id)

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("events client disconnected", "id", id)
			return
		case <-s.closing:
			slog.Debug("events stream closed by shutdown", "id", id)
			return
		case change := <-ch:
			if err := writeEvent(w, "status", change); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// Handler returns the HTTP mux of the health server
func (s *Sensor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/overlay", s.OverlayHandler)
	mux.HandleFunc("/events", s.EventsHandler)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block.
func (s *Sensor) StartHealthServer(port string) error {
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: /events is a long-lived stream
		IdleTimeout: 60 * time.Second,
	}
	s.server = server

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status", "/overlay", "/events", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
