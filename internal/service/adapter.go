package service

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/httpexec"
	"github.com/nexus-edge/gigacore-gateway/internal/adapter/legacy"
	"github.com/nexus-edge/gigacore-gateway/internal/adapter/rest"
	"github.com/nexus-edge/gigacore-gateway/internal/adapter/session"
	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/notify"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

// DeviceAdapter is the capability set shared by both protocol variants.
// Mutators return nil once the request is issued and a rejection error when
// local policy refuses it; transport outcomes surface through status.
type DeviceAdapter interface {
	Configure(address, password string)
	Connect()
	Disconnect(reason string)
	Destroy()

	Identify(seconds int) error
	Reboot(delay time.Duration) error
	Reset(keepIP, keepProfiles bool, delay time.Duration) error
	RecallProfile(id int, keepIP bool, delay time.Duration) error
	SaveProfile(id int, name string) error
	SetPortGroup(port, groupID int) error
	SetPortTrunk(port, trunkID int) error
	IncrementPortMembership(port int) error
	SetPortPoe(port int, enabled bool) error
	SetPortLinkEnabled(port int, enabled bool) error

	Model() *state.Model
	Limits() domain.Limits
	Status() domain.DeviceStatus
}

var (
	_ DeviceAdapter = (*legacy.Adapter)(nil)
	_ DeviceAdapter = (*rest.Adapter)(nil)
)

// TransportConfig holds the timings shared by every adapter.
type TransportConfig struct {
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	LongPollInterval   time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	ReconnectDelay     time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

func (c TransportConfig) executor() httpexec.Config {
	return httpexec.Config{
		Timeout:     c.RequestTimeout,
		MaxFailures: c.BreakerMaxFailures,
		OpenTimeout: c.BreakerOpenTimeout,
	}
}

// NewAdapter builds the adapter variant selected by the device's protocol
// flag and configures it for address. It does not connect.
func NewAdapter(
	device *domain.Device,
	address string,
	config TransportConfig,
	host notify.Host,
	m *metrics.Registry,
	logger zerolog.Logger,
) DeviceAdapter {
	var a DeviceAdapter

	switch device.Protocol() {
	case domain.ProtocolLegacy:
		a = legacy.New(legacy.Config{
			DeviceID:         device.ID,
			PollInterval:     config.PollInterval,
			LongPollInterval: config.LongPollInterval,
			RetryDelay:       config.ReconnectDelay,
			Executor:         config.executor(),
		}, host, m, logger)
	default:
		a = rest.New(rest.Config{
			DeviceID:   device.ID,
			RetryDelay: config.ReconnectDelay,
			Executor:   config.executor(),
			Session: session.Config{
				PingInterval:   config.PingInterval,
				PongTimeout:    config.PongTimeout,
				ReconnectDelay: config.ReconnectDelay,
			},
		}, host, m, logger)
	}

	a.Configure(address, device.Password)
	return a
}
