package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
)

// Command actions accepted on <prefix>/<device_id>/<action>.
const (
	ActionIdentify        = "identify"
	ActionReboot          = "reboot"
	ActionReset           = "reset"
	ActionRecallProfile   = "recall_profile"
	ActionSaveProfile     = "save_profile"
	ActionSetPortGroup    = "set_port_group"
	ActionSetPortTrunk    = "set_port_trunk"
	ActionIncrementMember = "increment_port_membership"
	ActionSetPortPoe      = "set_port_poe"
	ActionSetPortLink     = "set_port_link"
)

// Command results recorded in metrics and responses.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

const defaultIdentifySeconds = 9

// AdapterLookup resolves a device id to its adapter.
type AdapterLookup interface {
	Get(deviceID string) (DeviceAdapter, bool)
}

// CommandHandler handles device commands received via MQTT.
type CommandHandler struct {
	mqttClient mqtt.Client
	devices    AdapterLookup
	metrics    *metrics.Registry
	logger     zerolog.Logger
	config     CommandConfig
	stats      *CommandStats
	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTopicPrefix is the MQTT topic prefix for commands
	// Default: "gigacore/cmd"
	CommandTopicPrefix string

	// ResponseTopicPrefix is the MQTT topic prefix for responses
	// Default: "<CommandTopicPrefix>/response"
	ResponseTopicPrefix string

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTopicPrefix:    "gigacore/cmd",
		ResponseTopicPrefix:   "gigacore/cmd/response",
		QoS:                   1,
		EnableAcknowledgement: true,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// Command carries the options of every action; each action reads the
// fields it needs. Enabled omitted on set_port_poe and set_port_link means
// toggle.
type Command struct {
	// RequestID is echoed in the response for correlation
	RequestID string `json:"request_id,omitempty"`

	Seconds      *int   `json:"seconds,omitempty"`
	DelayMs      int    `json:"delay_ms,omitempty"`
	KeepIP       *bool  `json:"keep_ip,omitempty"`
	KeepProfiles *bool  `json:"keep_profiles,omitempty"`
	Profile      int    `json:"profile,omitempty"`
	Name         string `json:"name,omitempty"`
	Port         int    `json:"port,omitempty"`
	Group        int    `json:"group,omitempty"`
	Trunk        int    `json:"trunk,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// CommandResponse is published after every command.
type CommandResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	DeviceID  string    `json:"device_id"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Rejected  bool      `json:"rejected"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	mqttClient mqtt.Client,
	devices AdapterLookup,
	config CommandConfig,
	m *metrics.Registry,
	logger zerolog.Logger,
) *CommandHandler {
	if config.CommandTopicPrefix == "" {
		config.CommandTopicPrefix = "gigacore/cmd"
	}
	if config.ResponseTopicPrefix == "" {
		config.ResponseTopicPrefix = config.CommandTopicPrefix + "/response"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandHandler{
		mqttClient: mqttClient,
		devices:    devices,
		metrics:    m,
		logger:     logger.With().Str("component", "command-handler").Logger(),
		config:     config,
		stats:      &CommandStats{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (h *CommandHandler) commandTopic() string {
	return h.config.CommandTopicPrefix + "/+/+"
}

// Start subscribes to command topics.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	h.logger.Info().
		Str("topic_prefix", h.config.CommandTopicPrefix).
		Msg("Starting command handler")

	token := h.mqttClient.Subscribe(h.commandTopic(), h.config.QoS, h.handleCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}

	h.running.Store(true)
	h.logger.Info().Msg("Command handler started")
	return nil
}

// Resubscribe renews the command subscription after a broker reconnect.
func (h *CommandHandler) Resubscribe() {
	if !h.running.Load() {
		return
	}
	token := h.mqttClient.Subscribe(h.commandTopic(), h.config.QoS, h.handleCommand)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Msg("Failed to resubscribe to commands")
	}
}

// Stop unsubscribes and waits for in-flight commands.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}

	h.cancel()
	h.mqttClient.Unsubscribe(h.commandTopic())
	h.wg.Wait()
	h.running.Store(false)

	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// handleCommand handles one command message.
// Topic: <prefix>/{device_id}/{action}
// Payload: JSON options, may be empty
func (h *CommandHandler) handleCommand(client mqtt.Client, msg mqtt.Message) {
	h.stats.CommandsReceived.Add(1)

	rest := strings.TrimPrefix(msg.Topic(), h.config.CommandTopicPrefix+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		h.logger.Warn().
			Str("topic", msg.Topic()).
			Msg("Invalid command topic format")
		h.stats.CommandsRejected.Add(1)
		return
	}
	deviceID, action := parts[0], parts[1]

	var cmd Command
	if payload := msg.Payload(); len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			h.logger.Warn().
				Err(err).
				Str("topic", msg.Topic()).
				Msg("Failed to parse command")
			h.finish(deviceID, action, cmd, fmt.Errorf("%w: %v", domain.ErrInvalidCommand, err))
			return
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if h.ctx.Err() != nil {
			return
		}
		h.finish(deviceID, action, cmd, h.Execute(deviceID, action, cmd))
	}()
}

func (h *CommandHandler) finish(deviceID, action string, cmd Command, err error) {
	result := ResultOK
	switch {
	case err == nil:
		h.stats.CommandsSucceeded.Add(1)
		h.logger.Debug().
			Str("device_id", deviceID).
			Str("action", action).
			Msg("Command issued")
	case domain.IsRejection(err):
		result = ResultRejected
		h.stats.CommandsRejected.Add(1)
		h.logger.Info().
			Str("device_id", deviceID).
			Str("action", action).
			Str("rejection", err.Error()).
			Msg("Command rejected")
	default:
		result = ResultFailed
		h.stats.CommandsFailed.Add(1)
		h.logger.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("action", action).
			Msg("Command failed")
	}
	h.metrics.RecordCommand(deviceID, action, result)
	h.sendResponse(deviceID, action, cmd, err)
}

// Execute runs one action against a device. It returns a rejection error
// when local policy refuses the action.
func (h *CommandHandler) Execute(deviceID, action string, cmd Command) error {
	a, ok := h.devices.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	delay := time.Duration(cmd.DelayMs) * time.Millisecond
	orOne := func(field string, v int) int {
		if v > 0 {
			return v
		}
		h.logger.Debug().
			Str("device_id", deviceID).
			Str("action", action).
			Str("field", field).
			Msg("Field omitted, defaulting to 1")
		return 1
	}

	switch action {
	case ActionIdentify:
		seconds := defaultIdentifySeconds
		if cmd.Seconds != nil {
			seconds = *cmd.Seconds
		}
		return a.Identify(seconds)

	case ActionReboot:
		return a.Reboot(delay)

	case ActionReset:
		return a.Reset(orTrue(cmd.KeepIP), orTrue(cmd.KeepProfiles), delay)

	case ActionRecallProfile:
		return a.RecallProfile(orOne("profile", cmd.Profile), orTrue(cmd.KeepIP), delay)

	case ActionSaveProfile:
		return a.SaveProfile(orOne("profile", cmd.Profile), cmd.Name)

	case ActionSetPortGroup:
		return a.SetPortGroup(orOne("port", cmd.Port), orOne("group", cmd.Group))

	case ActionSetPortTrunk:
		return a.SetPortTrunk(orOne("port", cmd.Port), orOne("trunk", cmd.Trunk))

	case ActionIncrementMember:
		return a.IncrementPortMembership(orOne("port", cmd.Port))

	case ActionSetPortPoe:
		port := orOne("port", cmd.Port)
		enabled, err := poeTarget(a, port, cmd.Enabled)
		if err != nil {
			return err
		}
		return a.SetPortPoe(port, enabled)

	case ActionSetPortLink:
		port := orOne("port", cmd.Port)
		enabled, err := linkTarget(a, port, cmd.Enabled)
		if err != nil {
			return err
		}
		return a.SetPortLinkEnabled(port, enabled)

	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownCommand, action)
	}
}

// poeTarget resolves the requested PoE state; nil toggles the current one.
func poeTarget(a DeviceAdapter, port int, enabled *bool) (bool, error) {
	if enabled != nil {
		return *enabled, nil
	}
	if !a.Model().PoeCapable() {
		return false, domain.Reject(ActionSetPortPoe, domain.ErrPoeNotSupported, "device is not PoE capable")
	}
	p, ok := a.Model().PoePort(port)
	if !ok {
		return false, domain.Reject(ActionSetPortPoe, domain.ErrPoeNotSupported, "PoE is not supported on port %d", port)
	}
	return !p.Enabled, nil
}

// linkTarget resolves the requested link state; nil toggles the current one.
func linkTarget(a DeviceAdapter, port int, enabled *bool) (bool, error) {
	if enabled != nil {
		return *enabled, nil
	}
	p, ok := a.Model().Port(port)
	if !ok {
		return false, domain.Reject(ActionSetPortLink, domain.ErrUnknownPort, "port %d not found", port)
	}
	return !p.Enabled, nil
}

func orTrue(v *bool) bool {
	return v == nil || *v
}

// sendResponse publishes a response to the command.
func (h *CommandHandler) sendResponse(deviceID, action string, cmd Command, err error) {
	if !h.config.EnableAcknowledgement {
		return
	}

	response := CommandResponse{
		RequestID: cmd.RequestID,
		DeviceID:  deviceID,
		Action:    action,
		Success:   err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		response.Error = err.Error()
		response.Rejected = domain.IsRejection(err)
	}

	payload, mErr := json.Marshal(response)
	if mErr != nil {
		h.logger.Error().Err(mErr).Msg("Failed to marshal response")
		return
	}

	// Topic: <response prefix>/{device_id}/{action}
	topic := fmt.Sprintf("%s/%s/%s", h.config.ResponseTopicPrefix, deviceID, action)
	token := h.mqttClient.Publish(topic, h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.metrics.RecordPublishError(topic)
		h.logger.Error().Err(token.Error()).Msg("Failed to publish response")
	}
}

// GetStats returns the command counters.
func (h *CommandHandler) GetStats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
