// Package notify maps fired change classes to consumer recomputation tokens
// and delivers reconciliation results to the host.
package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Host is the consumer layer a device adapter reports to. Every method is
// an opaque callback; the core does not know what the host builds.
type Host interface {
	InitActions()
	InitVariables()
	InitPresets()
	InitFeedbacks()
	SetVariableValues(values map[string]any)
	CheckFeedbacks(fired domain.ChangeSet, tokens []string)
	UpdateStatus(status domain.DeviceStatus, message string)
}

var tokenMap = map[domain.ChangeClass][]string{
	domain.ChangeLinkState:        {"port_state"},
	domain.ChangePortDisabled:     {"port_disabled"},
	domain.ChangePortMembership:   {"port_color", "selected_port_color"},
	domain.ChangePortProtected:    {"port_protected", "selected_port_protected"},
	domain.ChangeGroupColor:       {"port_color", "selected_port_color", "group_color", "selected_group_color"},
	domain.ChangePoeEnabled:       {"poe_enabled"},
	domain.ChangePoeSourcing:      {"poe_sourcing"},
	domain.ChangeProfileProtected: {"profile_protected"},
	domain.ChangePoeCapability:    {"poe_enabled", "poe_sourcing"},
}

// Tokens returns the deduplicated recomputation tokens for a change set, in
// taxonomy order.
func Tokens(fired domain.ChangeSet) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range fired.Classes() {
		for _, tok := range tokenMap[c] {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	return out
}

// ChangeObserver receives every non-empty change set, for telemetry.
type ChangeObserver func(fired domain.ChangeSet)

// Dispatcher delivers updates and connectivity status to one host.
type Dispatcher struct {
	host     Host
	observer ChangeObserver
	logger   zerolog.Logger

	mu      sync.Mutex
	status  domain.DeviceStatus
	message string
}

// NewDispatcher creates a dispatcher for host. observer may be nil.
func NewDispatcher(host Host, observer ChangeObserver, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		host:     host,
		observer: observer,
		logger:   logger.With().Str("component", "notify").Logger(),
		status:   domain.DeviceStatusUnknown,
	}
}

// Dispatch runs rebuild hooks first, then pushes changed values, then
// notifies fired classes once.
func (d *Dispatcher) Dispatch(u domain.Update) {
	if u.Empty() {
		return
	}

	if u.Rebuild != 0 {
		d.logger.Debug().
			Uint8("rebuild", uint8(u.Rebuild)).
			Msg("Rebuilding consumer definitions")
	}
	if u.Rebuild.Has(domain.DefinitionActions) {
		d.host.InitActions()
	}
	if u.Rebuild.Has(domain.DefinitionVariables) {
		d.host.InitVariables()
	}
	if u.Rebuild.Has(domain.DefinitionPresets) {
		d.host.InitPresets()
	}
	if u.Rebuild.Has(domain.DefinitionFeedbacks) {
		d.host.InitFeedbacks()
	}

	if len(u.Variables) > 0 {
		d.host.SetVariableValues(u.Variables)
	}

	if !u.Changes.Empty() {
		if d.observer != nil {
			d.observer(u.Changes)
		}
		d.host.CheckFeedbacks(u.Changes, Tokens(u.Changes))
	}
}

// SetStatus forwards a connectivity change. Repeats of the current status
// and message are suppressed; it reports whether the host was called.
func (d *Dispatcher) SetStatus(status domain.DeviceStatus, message string) bool {
	d.mu.Lock()
	if d.status == status && d.message == message {
		d.mu.Unlock()
		return false
	}
	d.status = status
	d.message = message
	d.mu.Unlock()

	d.logger.Debug().
		Str("status", string(status)).
		Str("message", message).
		Msg("Device status changed")
	d.host.UpdateStatus(status, message)
	return true
}

// Status returns the last reported connectivity status.
func (d *Dispatcher) Status() domain.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
