package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/notify"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

var _ notify.Host = (*DeviceHost)(nil)

// StatusMessage is published retained on <prefix>/<device_id>/status.
type StatusMessage struct {
	Status    domain.DeviceStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// FeedbackMessage is published on <prefix>/<device_id>/feedbacks.
type FeedbackMessage struct {
	Classes []string `json:"classes"`
	Tokens  []string `json:"tokens"`
}

// DeviceHost is the consumer layer of one device: every reconciliation
// result is published under <prefix>/<device_id>.
type DeviceHost struct {
	pub    Publisher
	base   string
	logger zerolog.Logger

	mu    sync.RWMutex
	model *state.Model

	rebuilds  atomic.Uint64
	published atomic.Uint64
	failures  atomic.Uint64
}

// NewDeviceHost creates a host publishing through pub.
func NewDeviceHost(pub Publisher, prefix, deviceID string, logger zerolog.Logger) *DeviceHost {
	return &DeviceHost{
		pub:  pub,
		base: prefix + "/" + deviceID,
		logger: logger.With().
			Str("component", "mqtt-host").
			Str("device_id", deviceID).
			Logger(),
	}
}

// Attach binds the model whose snapshot is published on rebuilds.
func (h *DeviceHost) Attach(model *state.Model) {
	h.mu.Lock()
	h.model = model
	h.mu.Unlock()
}

// Topic returns the device topic for suffix.
func (h *DeviceHost) Topic(suffix string) string {
	return h.base + "/" + suffix
}

func (h *DeviceHost) InitActions() {
	h.rebuilds.Add(1)
	h.logger.Debug().Msg("Actions rebuilt")
}

// InitVariables accompanies every structural rebuild, so the snapshot is
// republished here.
func (h *DeviceHost) InitVariables() {
	h.rebuilds.Add(1)

	h.mu.RLock()
	model := h.model
	h.mu.RUnlock()
	if model == nil {
		return
	}
	h.publish("snapshot", true, model.Snapshot())
}

func (h *DeviceHost) InitPresets() {
	h.rebuilds.Add(1)
}

func (h *DeviceHost) InitFeedbacks() {
	h.rebuilds.Add(1)
}

func (h *DeviceHost) SetVariableValues(values map[string]any) {
	h.publish("variables", false, values)
}

func (h *DeviceHost) CheckFeedbacks(fired domain.ChangeSet, tokens []string) {
	h.publish("feedbacks", false, FeedbackMessage{Classes: fired.Strings(), Tokens: tokens})
}

func (h *DeviceHost) UpdateStatus(status domain.DeviceStatus, message string) {
	h.logger.Info().
		Str("status", string(status)).
		Str("message", message).
		Msg("Device status")
	h.publish("status", true, StatusMessage{Status: status, Message: message, Timestamp: time.Now()})
}

func (h *DeviceHost) publish(suffix string, retained bool, payload any) {
	if err := h.pub.Publish(h.Topic(suffix), retained, payload); err != nil {
		h.failures.Add(1)
		h.logger.Debug().Err(err).Str("topic", h.Topic(suffix)).Msg("Publish failed")
		return
	}
	h.published.Add(1)
}

// Stats returns host counters.
func (h *DeviceHost) Stats() map[string]uint64 {
	return map[string]uint64{
		"rebuilds":         h.rebuilds.Load(),
		"published":        h.published.Load(),
		"publish_failures": h.failures.Load(),
	}
}
