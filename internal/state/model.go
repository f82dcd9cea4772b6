// Package state owns the canonical in-memory model of one switch and the
// reconciliation rules that merge decoded fragments into it.
package state

import (
	"sync"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Model is the entity model of a single device connection. It is owned by
// exactly one adapter; consumers only use the read accessors, which return
// copies.
type Model struct {
	mu       sync.RWMutex
	known    domain.CollectionSet
	identity domain.DeviceIdentity
	ports    []domain.Port
	poePorts []domain.PoePort
	groups   []domain.Group
	trunks   []domain.Trunk
	profiles []domain.Profile
}

// NewModel returns an empty model with every collection unknown.
func NewModel() *Model {
	return &Model{}
}

// Snapshot is a deep copy of the whole model.
type Snapshot struct {
	Identity domain.DeviceIdentity `json:"identity"`
	Ports    []domain.Port         `json:"ports"`
	PoePorts []domain.PoePort      `json:"poe_ports"`
	Groups   []domain.Group        `json:"groups"`
	Trunks   []domain.Trunk        `json:"trunks"`
	Profiles []domain.Profile      `json:"profiles"`
}

// ResetCollections forgets every collection so the next observation of each
// is treated as initializing. Identity strings survive; counts do not.
func (m *Model) ResetCollections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.known = 0
	m.ports = nil
	m.poePorts = nil
	m.groups = nil
	m.trunks = nil
	m.profiles = nil
	m.identity.NrPorts = 0
	m.identity.PoeCapable = false
}

// Known reports whether collection c has been observed.
func (m *Model) Known(c domain.Collection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.known.Has(c)
}

// Identity returns the device identity.
func (m *Model) Identity() domain.DeviceIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// NrPorts returns the port count, zero until the port table is known.
func (m *Model) NrPorts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.NrPorts
}

// PoeCapable reports PoE support.
func (m *Model) PoeCapable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.PoeCapable
}

// Ports returns a copy of the port collection.
func (m *Model) Ports() []domain.Port {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Port(nil), m.ports...)
}

// Port looks up a port by number.
func (m *Model) Port(number int) (domain.Port, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.portIndexLocked(number); i >= 0 {
		return m.ports[i], true
	}
	return domain.Port{}, false
}

// PortProtected reports whether a port is administratively locked. Unknown
// ports are not protected.
func (m *Model) PortProtected(number int) bool {
	p, ok := m.Port(number)
	return ok && p.Protected
}

// PoePorts returns a copy of the PoE port collection.
func (m *Model) PoePorts() []domain.PoePort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.PoePort(nil), m.poePorts...)
}

// PoePort looks up a PoE port by number.
func (m *Model) PoePort(number int) (domain.PoePort, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.poeIndexLocked(number); i >= 0 {
		return m.poePorts[i], true
	}
	return domain.PoePort{}, false
}

// Groups returns a copy of the groups in device-reported order.
func (m *Model) Groups() []domain.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Group(nil), m.groups...)
}

// Trunks returns a copy of the trunks in device-reported order.
func (m *Model) Trunks() []domain.Trunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Trunk(nil), m.trunks...)
}

// Profiles returns a copy of the profile slots.
func (m *Model) Profiles() []domain.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Profile(nil), m.profiles...)
}

// Profile looks up a profile slot by 1-based id.
func (m *Model) Profile(id int) (domain.Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.profiles {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Profile{}, false
}

// Label resolves the display name and color of a membership. A none
// membership never resolves.
func (m *Model) Label(member domain.MemberOf) (name, color string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelLocked(member)
}

// PortLabel resolves the display name and color of a port's membership.
func (m *Model) PortLabel(number int) (name, color string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.portIndexLocked(number)
	if i < 0 {
		return "", "", false
	}
	return m.labelLocked(m.ports[i].MemberOf)
}

// NextMembership computes the assignment that follows the port's current
// one: the next group (or trunk) in collection order, wrapping to the first.
// When the group collection is not known yet, group ids are advanced
// arithmetically and wrap from maxGroups to 1.
func (m *Model) NextMembership(number, maxGroups int) (domain.MemberOf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := m.portIndexLocked(number)
	if i < 0 {
		return domain.MemberOf{}, domain.ErrUnknownPort
	}
	current := m.ports[i].MemberOf.Normalize()

	var ids []int
	switch current.Type {
	case domain.MembershipGroup:
		for _, g := range m.groups {
			ids = append(ids, g.ID)
		}
	case domain.MembershipTrunk:
		for _, t := range m.trunks {
			ids = append(ids, t.ID)
		}
	default:
		return domain.MemberOf{}, domain.ErrMembershipNotCyclable
	}

	if len(ids) == 0 {
		if current.Type != domain.MembershipGroup || maxGroups <= 0 {
			return domain.MemberOf{}, domain.ErrMembershipNotCyclable
		}
		next := current.ID + 1
		if current.ID >= maxGroups {
			next = 1
		}
		return domain.MemberOf{Type: current.Type, ID: next}, nil
	}

	pos := -1
	for k, id := range ids {
		if id == current.ID {
			pos = k
			break
		}
	}
	pos++
	if pos >= len(ids) {
		pos = 0
	}
	return domain.MemberOf{Type: current.Type, ID: ids[pos]}, nil
}

// Snapshot returns a deep copy of the model.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Identity: m.identity,
		Ports:    append([]domain.Port(nil), m.ports...),
		PoePorts: append([]domain.PoePort(nil), m.poePorts...),
		Groups:   append([]domain.Group(nil), m.groups...),
		Trunks:   append([]domain.Trunk(nil), m.trunks...),
		Profiles: append([]domain.Profile(nil), m.profiles...),
	}
}

func (m *Model) portIndexLocked(number int) int {
	for i := range m.ports {
		if m.ports[i].Number == number {
			return i
		}
	}
	return -1
}

func (m *Model) poeIndexLocked(number int) int {
	for i := range m.poePorts {
		if m.poePorts[i].Number == number {
			return i
		}
	}
	return -1
}

func (m *Model) profileIndexLocked(id int) int {
	for i := range m.profiles {
		if m.profiles[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Model) labelLocked(member domain.MemberOf) (string, string, bool) {
	member = member.Normalize()
	switch member.Type {
	case domain.MembershipGroup:
		for _, g := range m.groups {
			if g.ID == member.ID {
				return g.Name, g.Color, true
			}
		}
	case domain.MembershipTrunk:
		for _, t := range m.trunks {
			if t.ID == member.ID {
				return t.Name, t.Color, true
			}
		}
	}
	return "", "", false
}
