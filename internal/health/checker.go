// Package health serves the liveness, readiness and status endpoints.
package health

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/service"
)

// DeviceLister reports the managed devices.
type DeviceLister interface {
	Devices() []service.DeviceInfo
}

// BrokerConn reports the message bus connection.
type BrokerConn interface {
	IsConnected() bool
}

// Checker provides health check endpoints
type Checker struct {
	devices DeviceLister
	broker  BrokerConn
	version string
	logger  zerolog.Logger
}

// NewChecker creates a new health checker
func NewChecker(devices DeviceLister, broker BrokerConn, version string, logger zerolog.Logger) *Checker {
	return &Checker{
		devices: devices,
		broker:  broker,
		version: version,
		logger:  logger.With().Str("component", "health-checker").Logger(),
	}
}

// DeviceHealth is the health entry of one switch.
type DeviceHealth struct {
	Name     string              `json:"name"`
	Protocol domain.Protocol     `json:"protocol"`
	Status   domain.DeviceStatus `json:"status"`
	Since    string              `json:"since"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version,omitempty"`
	Timestamp  string                  `json:"timestamp"`
	Components map[string]string       `json:"components"`
	Devices    map[string]DeviceHealth `json:"devices"`
}

// HealthHandler returns the overall health status. Any switch that is not
// online, or a lost broker connection, degrades it.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	mqttStatus := "healthy"
	if !c.broker.IsConnected() {
		mqttStatus = "unhealthy"
	}

	overallStatus := "healthy"
	if mqttStatus != "healthy" {
		overallStatus = "degraded"
	}

	devices := make(map[string]DeviceHealth)
	for _, d := range c.devices.Devices() {
		devices[d.ID] = DeviceHealth{
			Name:     d.Name,
			Protocol: d.Protocol,
			Status:   d.Status,
			Since:    d.Since.UTC().Format(time.RFC3339),
		}
		if d.Status != domain.DeviceStatusOnline {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Version:   c.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"mqtt": mqttStatus,
		},
		Devices: devices,
	}

	w.Header().Set("Content-Type", "application/json")

	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once the broker connection is up. Switch
// connectivity does not gate readiness.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	mqttReady := c.broker.IsConnected()

	w.Header().Set("Content-Type", "application/json")

	if !mqttReady {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"mqtt":      mqttReady,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Register mounts the handlers on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", c.HealthHandler)
	mux.HandleFunc("/health/live", c.LiveHandler)
	mux.HandleFunc("/health/ready", c.ReadyHandler)
}
