// Package domain contains the core business entities and interfaces.
// These are protocol-agnostic and represent the core concepts of the system.
package domain

import (
	"net"
	"strings"
)

// DeviceStatus represents the current connectivity status of a device.
type DeviceStatus string

const (
	DeviceStatusOnline     DeviceStatus = "online"
	DeviceStatusOffline    DeviceStatus = "offline"
	DeviceStatusConnecting DeviceStatus = "connecting"
	DeviceStatusError      DeviceStatus = "error"
	DeviceStatusUnknown    DeviceStatus = "unknown"
)

// Protocol represents the wire protocol family spoken by a switch.
type Protocol string

const (
	// ProtocolLegacy is the poll-and-parse delimited text protocol.
	ProtocolLegacy Protocol = "legacy"
	// ProtocolPush is the REST command + WebSocket notification protocol.
	ProtocolPush Protocol = "push"
)

// Device represents one configured switch.
type Device struct {
	// ID is the unique identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// Host is the IP address or hostname of the switch
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// BonjourHost is a discovered "ip:port" address. It takes precedence over Host.
	BonjourHost string `json:"bonjour_host,omitempty" yaml:"bonjour_host,omitempty"`

	// Password is only needed when authentication is enabled on the device
	Password string `json:"-" yaml:"password,omitempty"`

	// Gen1 selects the legacy polling protocol
	Gen1 bool `json:"gen1" yaml:"gen1"`

	// Enabled indicates whether this device should be connected
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Protocol returns the protocol variant selected by the Gen1 flag.
func (d *Device) Protocol() Protocol {
	if d.Gen1 {
		return ProtocolLegacy
	}
	return ProtocolPush
}

// Validate performs validation on the device configuration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if _, err := d.Address(); err != nil {
		return err
	}
	return nil
}

// Address resolves the reachable address of the switch. A bonjour address
// must carry a dotted-quad IPv4 host part; its port is discarded.
func (d *Device) Address() (string, error) {
	if d.BonjourHost != "" {
		ip := strings.SplitN(d.BonjourHost, ":", 2)[0]
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil || strings.Count(ip, ".") != 3 {
			return "", ErrInvalidAddress
		}
		return ip, nil
	}
	if d.Host != "" {
		return d.Host, nil
	}
	return "", ErrAddressRequired
}

// SameTarget reports whether two configurations point at the same device
// with the same protocol and credentials.
func (d *Device) SameTarget(other *Device) bool {
	if other == nil {
		return false
	}
	a, errA := d.Address()
	b, errB := other.Address()
	return errA == nil && errB == nil && a == b &&
		d.Gen1 == other.Gen1 && d.Password == other.Password
}

// Limits describes the fixed topology limits of a protocol variant.
type Limits struct {
	Profiles  int `json:"profiles"`
	MaxGroups int `json:"max_groups"`
	MaxTrunks int `json:"max_trunks"`
}
