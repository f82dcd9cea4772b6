package domain

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrDeviceIDRequired = errors.New("device ID is required")
	ErrAddressRequired  = errors.New("device host or bonjour_host is required")
	ErrInvalidAddress   = errors.New("device address has unexpected format")
	ErrDeviceExists     = errors.New("device already exists")
	ErrDeviceNotFound   = errors.New("device not found")
)

// Transport errors
var (
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrNotConnected      = errors.New("not connected")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
)

// Decode errors
var (
	ErrDecodeFailed    = errors.New("decode failed")
	ErrUnexpectedType  = errors.New("unexpected payload type")
	ErrUnknownResource = errors.New("unknown resource")
	ErrInvalidEnvelope = errors.New("invalid notification envelope")
	ErrMalformedRecord = errors.New("malformed record")
)

// MQTT errors
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Command errors
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidCommand = errors.New("invalid command payload")
)

// Policy rejections
var (
	ErrPortProtected         = errors.New("port is protected")
	ErrProfileProtected      = errors.New("profile is protected")
	ErrProfileEmpty          = errors.New("profile is empty")
	ErrUnsupportedTopology   = errors.New("topology not supported by protocol")
	ErrMembershipNotCyclable = errors.New("membership cannot be cycled")
	ErrPoeNotSupported       = errors.New("device is not PoE capable")
	ErrUnknownPort           = errors.New("unknown port")
	ErrUnknownProfile        = errors.New("unknown profile")
)

// RejectionError is returned when a mutating operation is refused locally
// before any request is issued.
type RejectionError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Reject builds a RejectionError.
func Reject(operation string, err error, format string, args ...any) *RejectionError {
	return &RejectionError{
		Operation: operation,
		Reason:    fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// IsRejection reports whether err is a local policy rejection rather than a
// transport or decode failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
