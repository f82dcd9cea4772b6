package state

import (
	"fmt"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Rebuild hooks requested when a collection takes its initializing
// observation.
const (
	rebuildPorts      = domain.DefinitionActions | domain.DefinitionVariables | domain.DefinitionPresets
	rebuildPoePorts   = domain.DefinitionVariables | domain.DefinitionPresets
	rebuildGroups     = domain.DefinitionVariables | domain.DefinitionPresets
	rebuildTrunks     = domain.DefinitionVariables
	rebuildPoeCapable = domain.DefinitionVariables | domain.DefinitionPresets | domain.DefinitionFeedbacks
)

// UpsertPorts applies a full or partial port snapshot. The first non-empty
// snapshot initializes the collection and fixes nr_ports; later ones are
// merged field by field.
func (m *Model) UpsertPorts(frags []domain.PortFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known.Has(domain.CollectionPorts) {
		return m.initPortsLocked(frags)
	}
	return m.mergePortsLocked(frags)
}

// MergePorts merges port fields into a known collection. It never
// initializes; fragments arriving before the port table are dropped.
func (m *Model) MergePorts(frags []domain.PortFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known.Has(domain.CollectionPorts) {
		return domain.Update{}
	}
	return m.mergePortsLocked(frags)
}

func (m *Model) initPortsLocked(frags []domain.PortFragment) domain.Update {
	var u domain.Update

	ports := make([]domain.Port, 0, len(frags))
	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		if f.Number <= 0 || seen[f.Number] {
			continue
		}
		seen[f.Number] = true

		p := domain.Port{
			Number:   f.Number,
			Legend:   fmt.Sprintf("Port %d", f.Number),
			MemberOf: domain.NoMembership,
		}
		applyPortFragment(&p, f)
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return u
	}

	m.ports = ports
	m.known = m.known.With(domain.CollectionPorts)
	m.identity.NrPorts = len(ports)

	u.Initialized = u.Initialized.With(domain.CollectionPorts)
	u.Rebuild |= rebuildPorts
	u.Fire(domain.ChangeLinkState, domain.ChangePortDisabled, domain.ChangePortMembership, domain.ChangePortProtected)
	u.Set("nr_ports", len(ports))
	for _, p := range m.ports {
		m.setPortVarsLocked(&u, p)
	}
	return u
}

func applyPortFragment(p *domain.Port, f domain.PortFragment) {
	if f.Enabled != nil {
		p.Enabled = *f.Enabled
	}
	if f.Legend != nil {
		p.Legend = *f.Legend
	}
	if f.Protected != nil {
		p.Protected = *f.Protected
	}
	if f.LinkUp != nil {
		p.LinkUp = *f.LinkUp
	}
	p.MemberOf = mergeMember(p.MemberOf, f)
}

func mergeMember(current domain.MemberOf, f domain.PortFragment) domain.MemberOf {
	next := current
	if f.MemberType != nil {
		next.Type = *f.MemberType
	}
	if f.MemberID != nil {
		next.ID = *f.MemberID
	}
	return next.Normalize()
}

func (m *Model) mergePortsLocked(frags []domain.PortFragment) domain.Update {
	var u domain.Update

	for _, f := range frags {
		i := m.portIndexLocked(f.Number)
		if i < 0 {
			continue
		}
		p := &m.ports[i]

		if f.Enabled != nil && *f.Enabled != p.Enabled {
			p.Enabled = *f.Enabled
			u.Fire(domain.ChangePortDisabled)
			u.Set(portVar(p.Number, "enabled"), p.Enabled)
		}
		if f.Legend != nil && *f.Legend != p.Legend {
			p.Legend = *f.Legend
			u.Set(portVar(p.Number, "legend"), p.Legend)
		}
		if f.Protected != nil && *f.Protected != p.Protected {
			p.Protected = *f.Protected
			u.Fire(domain.ChangePortProtected)
			u.Set(portVar(p.Number, "protected"), p.Protected)
		}
		if f.LinkUp != nil && *f.LinkUp != p.LinkUp {
			p.LinkUp = *f.LinkUp
			u.Fire(domain.ChangeLinkState)
			u.Set(portVar(p.Number, "up"), p.LinkUp)
		}
		if member := mergeMember(p.MemberOf, f); member != p.MemberOf {
			p.MemberOf = member
			u.Fire(domain.ChangePortMembership)
			m.setMemberVarsLocked(&u, *p)
		}
	}
	return u
}

// UpsertPoePorts applies a PoE port snapshot, initializing the collection on
// first observation.
func (m *Model) UpsertPoePorts(frags []domain.PoePortFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known.Has(domain.CollectionPoePorts) {
		return m.initPoePortsLocked(frags)
	}
	return m.mergePoePortsLocked(frags)
}

// MergePoePorts merges PoE fields into a known collection without ever
// initializing it.
func (m *Model) MergePoePorts(frags []domain.PoePortFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known.Has(domain.CollectionPoePorts) {
		return domain.Update{}
	}
	return m.mergePoePortsLocked(frags)
}

// ForcePoeOff records an administrative PoE disable ahead of device
// confirmation. Sourcing drops to false immediately.
func (m *Model) ForcePoeOff(number int) domain.Update {
	return m.MergePoePorts([]domain.PoePortFragment{{Number: number, Enabled: domain.Ptr(false)}})
}

func (m *Model) initPoePortsLocked(frags []domain.PoePortFragment) domain.Update {
	var u domain.Update

	ports := make([]domain.PoePort, 0, len(frags))
	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		if f.Number <= 0 || seen[f.Number] {
			continue
		}
		seen[f.Number] = true

		p := domain.PoePort{Number: f.Number}
		if f.Enabled != nil {
			p.Enabled = *f.Enabled
		}
		if f.Sourcing != nil {
			p.Sourcing = *f.Sourcing
		}
		if !p.Enabled {
			p.Sourcing = false
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return u
	}

	m.poePorts = ports
	m.known = m.known.With(domain.CollectionPoePorts)

	u.Initialized = u.Initialized.With(domain.CollectionPoePorts)
	u.Rebuild |= rebuildPoePorts
	u.Fire(domain.ChangePoeEnabled, domain.ChangePoeSourcing)
	for _, p := range m.poePorts {
		u.Set(portVar(p.Number, "poe_enabled"), p.Enabled)
		u.Set(portVar(p.Number, "poe_sourcing"), p.Sourcing)
	}
	return u
}

func (m *Model) mergePoePortsLocked(frags []domain.PoePortFragment) domain.Update {
	var u domain.Update

	for _, f := range frags {
		i := m.poeIndexLocked(f.Number)
		if i < 0 {
			continue
		}
		p := &m.poePorts[i]

		enabled, sourcing := p.Enabled, p.Sourcing
		if f.Enabled != nil {
			enabled = *f.Enabled
		}
		if f.Sourcing != nil {
			sourcing = *f.Sourcing
		}
		if !enabled {
			sourcing = false
		}

		if enabled != p.Enabled {
			p.Enabled = enabled
			u.Fire(domain.ChangePoeEnabled)
			u.Set(portVar(p.Number, "poe_enabled"), enabled)
		}
		if sourcing != p.Sourcing {
			p.Sourcing = sourcing
			u.Fire(domain.ChangePoeSourcing)
			u.Set(portVar(p.Number, "poe_sourcing"), sourcing)
		}
	}
	return u
}

// SetPoeCapable records PoE capability. The first observation and every
// toggle rebuild the PoE-dependent definitions; losing capability discards
// the PoE port collection.
func (m *Model) SetPoeCapable(capable bool) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	var u domain.Update
	if m.known.Has(domain.CollectionPoeCapability) && m.identity.PoeCapable == capable {
		return u
	}

	m.identity.PoeCapable = capable
	m.known = m.known.With(domain.CollectionPoeCapability)
	if !capable {
		m.poePorts = nil
		m.known &^= domain.CollectionSet(0).With(domain.CollectionPoePorts)
	}

	u.Initialized = u.Initialized.With(domain.CollectionPoeCapability)
	u.Rebuild |= rebuildPoeCapable
	u.Fire(domain.ChangePoeCapability)
	u.Set("poe_capable", capable)
	return u
}

// label is the shared shape of groups and trunks.
type label struct {
	id    int
	name  string
	color string
}

// ReplaceGroups applies the full group collection in device-reported order.
func (m *Model) ReplaceGroups(groups []domain.Group) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := make([]label, len(m.groups))
	for i, g := range m.groups {
		old[i] = label{g.ID, g.Name, g.Color}
	}
	next := make([]label, len(groups))
	for i, g := range groups {
		next[i] = label{g.ID, g.Name, g.Color}
	}

	m.groups = append([]domain.Group(nil), groups...)
	return m.replaceLabelsLocked(domain.CollectionGroups, domain.MembershipGroup, "group", old, next)
}

// ReplaceTrunks applies the full trunk collection in device-reported order.
func (m *Model) ReplaceTrunks(trunks []domain.Trunk) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := make([]label, len(m.trunks))
	for i, t := range m.trunks {
		old[i] = label{t.ID, t.Name, t.Color}
	}
	next := make([]label, len(trunks))
	for i, t := range trunks {
		next[i] = label{t.ID, t.Name, t.Color}
	}

	m.trunks = append([]domain.Trunk(nil), trunks...)
	return m.replaceLabelsLocked(domain.CollectionTrunks, domain.MembershipTrunk, "trunk", old, next)
}

func (m *Model) replaceLabelsLocked(c domain.Collection, kind domain.MembershipType, prefix string, old, next []label) domain.Update {
	var u domain.Update

	byID := make(map[int]label, len(old))
	for _, l := range old {
		byID[l.id] = l
	}
	reinit := !m.known.Has(c) || len(old) != len(next)
	if !reinit {
		for _, l := range next {
			if _, ok := byID[l.id]; !ok {
				reinit = true
				break
			}
		}
	}
	m.known = m.known.With(c)

	if reinit {
		u.Initialized = u.Initialized.With(c)
		if c == domain.CollectionGroups {
			u.Rebuild |= rebuildGroups
		} else {
			u.Rebuild |= rebuildTrunks
		}
		u.Fire(domain.ChangeGroupColor)
		for _, l := range next {
			u.Set(labelVar(prefix, l.id, "name"), l.name)
			u.Set(labelVar(prefix, l.id, "color"), l.color)
		}
		m.refreshMemberVarsLocked(&u, kind, nil)
		return u
	}

	changed := make(map[int]bool)
	for _, l := range next {
		prev := byID[l.id]
		if prev.name != l.name {
			changed[l.id] = true
			u.Set(labelVar(prefix, l.id, "name"), l.name)
		}
		if prev.color != l.color {
			changed[l.id] = true
			u.Fire(domain.ChangeGroupColor)
			u.Set(labelVar(prefix, l.id, "color"), l.color)
		}
	}
	if len(changed) > 0 {
		m.refreshMemberVarsLocked(&u, kind, changed)
	}
	return u
}

// UpsertProfiles applies profile slot records.
func (m *Model) UpsertProfiles(frags []domain.ProfileFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	var u domain.Update

	if !m.known.Has(domain.CollectionProfiles) {
		profiles := make([]domain.Profile, 0, len(frags))
		seen := make(map[int]bool, len(frags))
		for _, f := range frags {
			if f.ID <= 0 || seen[f.ID] {
				continue
			}
			seen[f.ID] = true

			p := domain.Profile{ID: f.ID}
			applyProfileFragment(&p, f)
			profiles = append(profiles, p)
		}
		if len(profiles) == 0 {
			return u
		}

		m.profiles = profiles
		m.known = m.known.With(domain.CollectionProfiles)
		u.Initialized = u.Initialized.With(domain.CollectionProfiles)
		u.Fire(domain.ChangeProfileProtected)
		for _, p := range m.profiles {
			u.Set(labelVar("profile", p.ID, "name"), p.Name)
		}
		return u
	}

	for _, f := range frags {
		i := m.profileIndexLocked(f.ID)
		if i < 0 {
			continue
		}
		p := &m.profiles[i]
		before := *p
		applyProfileFragment(p, f)

		if p.Name != before.Name {
			u.Set(labelVar("profile", p.ID, "name"), p.Name)
		}
		if p.Protected != before.Protected {
			u.Fire(domain.ChangeProfileProtected)
		}
	}
	return u
}

func applyProfileFragment(p *domain.Profile, f domain.ProfileFragment) {
	if f.Name != nil {
		p.Name = *f.Name
	}
	switch {
	case f.Empty != nil:
		p.Empty = *f.Empty
	case f.Name != nil:
		p.Empty = p.Name == ""
	}
	if f.Protected != nil {
		p.Protected = *f.Protected
	}
}

// SetIdentity merges identity strings.
func (m *Model) SetIdentity(f domain.IdentityFragment) domain.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	var u domain.Update
	set := func(dst *string, src *string, name string) {
		if src != nil && *src != *dst {
			*dst = *src
			u.Set(name, *src)
		}
	}
	set(&m.identity.Name, f.Name, "device_name")
	set(&m.identity.Description, f.Description, "description")
	set(&m.identity.Serial, f.Serial, "serial")
	set(&m.identity.MACAddress, f.MACAddress, "mac_address")
	set(&m.identity.Model, f.Model, "model")
	set(&m.identity.ActiveProfile, f.ActiveProfile, "active_profile")
	return u
}

func (m *Model) setPortVarsLocked(u *domain.Update, p domain.Port) {
	u.Set(portVar(p.Number, "legend"), p.Legend)
	u.Set(portVar(p.Number, "enabled"), p.Enabled)
	u.Set(portVar(p.Number, "up"), p.LinkUp)
	u.Set(portVar(p.Number, "protected"), p.Protected)
	m.setMemberVarsLocked(u, p)
}

// setMemberVarsLocked writes the raw membership ids alongside the
// denormalized name and color of the group or trunk they resolve to.
func (m *Model) setMemberVarsLocked(u *domain.Update, p domain.Port) {
	member := p.MemberOf.Normalize()
	name, color, _ := m.labelLocked(member)
	u.Set(portVar(p.Number, "member_type"), string(member.Type))
	u.Set(portVar(p.Number, "member_id"), member.ID)
	u.Set(portVar(p.Number, "member_name"), name)
	u.Set(portVar(p.Number, "member_color"), color)
}

func (m *Model) refreshMemberVarsLocked(u *domain.Update, kind domain.MembershipType, ids map[int]bool) {
	for _, p := range m.ports {
		member := p.MemberOf.Normalize()
		if member.Type != kind {
			continue
		}
		if ids != nil && !ids[member.ID] {
			continue
		}
		m.setMemberVarsLocked(u, p)
	}
}

func portVar(number int, field string) string {
	return fmt.Sprintf("port_%d_%s", number, field)
}

func labelVar(prefix string, id int, field string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, id, field)
}
