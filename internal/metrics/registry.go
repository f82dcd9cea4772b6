package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	requests          *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	commands          *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	heartbeatTimeouts *prometheus.CounterVec
	changes           *prometheus.CounterVec
	publishErrors     *prometheus.CounterVec
	connected         *prometheus.GaugeVec
}

// NewRegistry creates the gateway metrics on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_requests_total",
			Help: "Total number of device HTTP requests by outcome",
		}, []string{"device_id", "outcome"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_notifications_total",
			Help: "Total number of push notifications received by resource",
		}, []string{"device_id", "resource"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_decode_errors_total",
			Help: "Total number of dropped payloads that failed to decode",
		}, []string{"device_id", "resource"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_rejections_total",
			Help: "Total number of operations refused by local policy",
		}, []string{"device_id", "operation"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_commands_total",
			Help: "Total number of MQTT commands by result",
		}, []string{"device_id", "action", "result"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_session_disconnects_total",
			Help: "Total number of push session disconnects followed by a scheduled reconnect",
		}, []string{"device_id"}),
		heartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_heartbeat_timeouts_total",
			Help: "Total number of push session pong timeouts",
		}, []string{"device_id"}),
		changes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_change_classes_total",
			Help: "Total number of fired change classes",
		}, []string{"device_id", "class"}),
		publishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gigacore_gateway_publish_errors_total",
			Help: "Total number of failed MQTT publishes",
		}, []string{"topic"}),
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gigacore_gateway_device_connected",
			Help: "Whether the device is online (1) or not (0)",
		}, []string{"device_id"}),
	}
}

// RecordRequest counts one device request.
func (r *Registry) RecordRequest(deviceID, outcome string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(deviceID, outcome).Inc()
}

// RecordNotification counts one push notification.
func (r *Registry) RecordNotification(deviceID, resource string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(deviceID, resource).Inc()
}

// RecordDecodeError counts one dropped payload.
func (r *Registry) RecordDecodeError(deviceID, resource string) {
	if r == nil {
		return
	}
	r.decodeErrors.WithLabelValues(deviceID, resource).Inc()
}

// RecordRejection counts one policy rejection.
func (r *Registry) RecordRejection(deviceID, operation string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(deviceID, operation).Inc()
}

// RecordCommand counts one command handled from MQTT.
func (r *Registry) RecordCommand(deviceID, action, result string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(deviceID, action, result).Inc()
}

// RecordDisconnect counts one session disconnect.
func (r *Registry) RecordDisconnect(deviceID string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(deviceID).Inc()
}

// RecordHeartbeatTimeout counts one pong timeout.
func (r *Registry) RecordHeartbeatTimeout(deviceID string) {
	if r == nil {
		return
	}
	r.heartbeatTimeouts.WithLabelValues(deviceID).Inc()
}

// RecordChanges counts every class in a fired set.
func (r *Registry) RecordChanges(deviceID string, fired domain.ChangeSet) {
	if r == nil {
		return
	}
	for _, c := range fired.Classes() {
		r.changes.WithLabelValues(deviceID, c.String()).Inc()
	}
}

// RecordPublishError counts one failed publish.
func (r *Registry) RecordPublishError(topic string) {
	if r == nil {
		return
	}
	r.publishErrors.WithLabelValues(topic).Inc()
}

// SetDeviceStatus updates the connectivity gauge.
func (r *Registry) SetDeviceStatus(deviceID string, status domain.DeviceStatus) {
	if r == nil {
		return
	}
	v := 0.0
	if status == domain.DeviceStatusOnline {
		v = 1
	}
	r.connected.WithLabelValues(deviceID).Set(v)
}

// RemoveDevice drops the per-device gauge.
func (r *Registry) RemoveDevice(deviceID string) {
	if r == nil {
		return
	}
	r.connected.DeleteLabelValues(deviceID)
}
