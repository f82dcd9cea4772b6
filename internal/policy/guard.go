// Package policy refuses mutating operations locally, before any request is
// issued, when the local model says the target must not change.
package policy

import (
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

// Guard checks operations against one device model.
type Guard struct {
	deviceID string
	model    *state.Model
	limits   domain.Limits
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewGuard creates a guard. metrics may be nil.
func NewGuard(deviceID string, model *state.Model, limits domain.Limits, m *metrics.Registry, logger zerolog.Logger) *Guard {
	return &Guard{
		deviceID: deviceID,
		model:    model,
		limits:   limits,
		metrics:  m,
		logger:   logger.With().Str("component", "policy").Str("device_id", deviceID).Logger(),
	}
}

// Reject records and returns a policy rejection.
func (g *Guard) Reject(op string, err error, format string, args ...any) error {
	rej := domain.Reject(op, err, format, args...)
	g.logger.Info().
		Str("operation", op).
		Str("rejection", rej.Reason).
		Msg("Operation rejected")
	g.metrics.RecordRejection(g.deviceID, op)
	return rej
}

// Port refuses operations on protected ports, and on ports the device does
// not have once the port table is known.
func (g *Guard) Port(op string, number int) error {
	port, ok := g.model.Port(number)
	if !ok {
		if g.model.Known(domain.CollectionPorts) || number <= 0 {
			return g.Reject(op, domain.ErrUnknownPort, "port %d does not exist", number)
		}
		return nil
	}
	if port.Protected {
		return g.Reject(op, domain.ErrPortProtected, "port %d is protected and cannot be changed", number)
	}
	return nil
}

// Poe refuses PoE operations on devices without PoE.
func (g *Guard) Poe(op string) error {
	if !g.model.PoeCapable() {
		return g.Reject(op, domain.ErrPoeNotSupported, "this device is not PoE capable")
	}
	return nil
}

// ProfileRecall refuses recalling an empty or protected profile slot.
func (g *Guard) ProfileRecall(op string, id int) error {
	if err := g.profileRange(op, id); err != nil {
		return err
	}
	p, ok := g.model.Profile(id)
	if !ok {
		return nil
	}
	if p.Empty {
		return g.Reject(op, domain.ErrProfileEmpty, "profile %d is empty and cannot be recalled", id)
	}
	if p.Protected {
		return g.Reject(op, domain.ErrProfileProtected, "profile %d is protected and cannot be recalled", id)
	}
	return nil
}

// ProfileSave refuses overwriting a protected profile slot.
func (g *Guard) ProfileSave(op string, id int) error {
	if err := g.profileRange(op, id); err != nil {
		return err
	}
	if p, ok := g.model.Profile(id); ok && p.Protected {
		return g.Reject(op, domain.ErrProfileProtected, "profile %d is protected and cannot be overwritten", id)
	}
	return nil
}

func (g *Guard) profileRange(op string, id int) error {
	if id < 1 || (g.limits.Profiles > 0 && id > g.limits.Profiles) {
		return g.Reject(op, domain.ErrUnknownProfile, "profile %d is out of range 1-%d", id, g.limits.Profiles)
	}
	return nil
}
