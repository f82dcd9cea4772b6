package state

import (
	"errors"
	"testing"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

func portFrag(n int, enabled, up, protected bool, kind domain.MembershipType, id int) domain.PortFragment {
	return domain.PortFragment{
		Number:     n,
		Enabled:    domain.Ptr(enabled),
		LinkUp:     domain.Ptr(up),
		Protected:  domain.Ptr(protected),
		MemberType: domain.Ptr(kind),
		MemberID:   domain.Ptr(id),
	}
}

func TestUpsertPortsInitializes(t *testing.T) {
	m := NewModel()
	u := m.UpsertPorts([]domain.PortFragment{
		portFrag(1, true, true, false, domain.MembershipGroup, 5),
		portFrag(2, false, false, true, domain.MembershipNone, 0),
	})

	if !u.Initialized.Has(domain.CollectionPorts) {
		t.Fatalf("ports not initialized")
	}
	for _, c := range []domain.ChangeClass{
		domain.ChangeLinkState, domain.ChangePortDisabled, domain.ChangePortMembership, domain.ChangePortProtected,
	} {
		if !u.Changes.Has(c) {
			t.Errorf("class %s not fired", c)
		}
	}
	want := domain.DefinitionActions | domain.DefinitionVariables | domain.DefinitionPresets
	if u.Rebuild != want {
		t.Errorf("Rebuild = %b, want %b", u.Rebuild, want)
	}
	if got := m.NrPorts(); got != 2 {
		t.Errorf("NrPorts() = %d, want 2", got)
	}

	p1, _ := m.Port(1)
	if !p1.Enabled || !p1.LinkUp || p1.Protected || p1.MemberOf != (domain.MemberOf{Type: domain.MembershipGroup, ID: 5}) {
		t.Errorf("port 1 = %+v", p1)
	}
	p2, _ := m.Port(2)
	if p2.Enabled || p2.LinkUp || !p2.Protected || !p2.MemberOf.IsNone() {
		t.Errorf("port 2 = %+v", p2)
	}
	if p1.Legend != "Port 1" {
		t.Errorf("default legend = %q, want %q", p1.Legend, "Port 1")
	}
}

func TestUpsertPortsIdempotent(t *testing.T) {
	m := NewModel()
	snapshot := []domain.PortFragment{
		portFrag(1, true, true, false, domain.MembershipGroup, 1),
		portFrag(2, true, false, false, domain.MembershipTrunk, 1),
	}
	m.UpsertPorts(snapshot)

	u := m.UpsertPorts(snapshot)
	if !u.Empty() {
		t.Errorf("second application = %+v, want empty", u)
	}
	if u.Initialized != 0 {
		t.Errorf("second application re-initialized %b", u.Initialized)
	}
}

func TestMergePortsFieldClasses(t *testing.T) {
	tests := []struct {
		name string
		frag domain.PortFragment
		want domain.ChangeSet
	}{
		{"link", domain.PortFragment{Number: 1, LinkUp: domain.Ptr(false)}, domain.NewChangeSet(domain.ChangeLinkState)},
		{"enabled", domain.PortFragment{Number: 1, Enabled: domain.Ptr(false)}, domain.NewChangeSet(domain.ChangePortDisabled)},
		{"protected", domain.PortFragment{Number: 1, Protected: domain.Ptr(true)}, domain.NewChangeSet(domain.ChangePortProtected)},
		{"member id", domain.PortFragment{Number: 1, MemberID: domain.Ptr(2)}, domain.NewChangeSet(domain.ChangePortMembership)},
		{"member type", domain.PortFragment{Number: 1, MemberType: domain.Ptr(domain.MembershipNone)}, domain.NewChangeSet(domain.ChangePortMembership)},
		{"legend only", domain.PortFragment{Number: 1, Legend: domain.Ptr("Uplink")}, 0},
		{"unchanged", domain.PortFragment{Number: 1, LinkUp: domain.Ptr(true)}, 0},
		{"unknown port", domain.PortFragment{Number: 9, LinkUp: domain.Ptr(false)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModel()
			m.UpsertPorts([]domain.PortFragment{portFrag(1, true, true, false, domain.MembershipGroup, 1)})

			u := m.MergePorts([]domain.PortFragment{tt.frag})
			if u.Changes != tt.want {
				t.Errorf("Changes = %v, want %v", u.Changes, tt.want)
			}
		})
	}
}

func TestMergePortsBeforeInit(t *testing.T) {
	m := NewModel()
	u := m.MergePorts([]domain.PortFragment{{Number: 1, Legend: domain.Ptr("x")}})
	if !u.Empty() || m.Known(domain.CollectionPorts) {
		t.Errorf("merge before init must be dropped")
	}
}

func TestNrPortsFixedAfterInit(t *testing.T) {
	m := NewModel()
	m.UpsertPorts([]domain.PortFragment{{Number: 1}, {Number: 2}})
	m.UpsertPorts([]domain.PortFragment{{Number: 1}, {Number: 2}, {Number: 3}})

	if got := m.NrPorts(); got != 2 {
		t.Errorf("NrPorts() = %d, want 2", got)
	}
	if _, ok := m.Port(3); ok {
		t.Errorf("port 3 appeared after init")
	}

	m.ResetCollections()
	m.UpsertPorts([]domain.PortFragment{{Number: 1}, {Number: 2}, {Number: 3}})
	if got := m.NrPorts(); got != 3 {
		t.Errorf("NrPorts() after reset = %d, want 3", got)
	}
}

func TestFirstObservationLatch(t *testing.T) {
	ports := []domain.PortFragment{{Number: 1, Enabled: domain.Ptr(true)}}
	poe := []domain.PoePortFragment{{Number: 1, Enabled: domain.Ptr(true), Sourcing: domain.Ptr(true)}}

	orders := map[string]bool{"ports first": true, "poe first": false}
	for name, portsFirst := range orders {
		t.Run(name, func(t *testing.T) {
			m := NewModel()
			var pu, eu domain.Update
			if portsFirst {
				pu = m.UpsertPorts(ports)
				eu = m.UpsertPoePorts(poe)
			} else {
				eu = m.UpsertPoePorts(poe)
				pu = m.UpsertPorts(ports)
			}

			if pu.Initialized != domain.CollectionSet(0).With(domain.CollectionPorts) {
				t.Errorf("port update initialized %b", pu.Initialized)
			}
			if eu.Initialized != domain.CollectionSet(0).With(domain.CollectionPoePorts) {
				t.Errorf("poe update initialized %b", eu.Initialized)
			}
			if eu.Rebuild.Has(domain.DefinitionActions) {
				t.Errorf("poe init rebuilt actions")
			}

			if u := m.UpsertPorts(ports); u.Initialized != 0 || u.Rebuild != 0 {
				t.Errorf("second port snapshot rebuilt: %+v", u)
			}
			if u := m.UpsertPoePorts(poe); u.Initialized != 0 || u.Rebuild != 0 {
				t.Errorf("second poe snapshot rebuilt: %+v", u)
			}
		})
	}
}

func TestForcePoeOff(t *testing.T) {
	m := NewModel()
	m.UpsertPoePorts([]domain.PoePortFragment{{Number: 3, Enabled: domain.Ptr(true), Sourcing: domain.Ptr(true)}})

	u := m.ForcePoeOff(3)
	p, _ := m.PoePort(3)
	if p.Enabled || p.Sourcing {
		t.Errorf("PoePort(3) = %+v, want disabled and not sourcing", p)
	}
	if !u.Changes.Has(domain.ChangePoeEnabled) || !u.Changes.Has(domain.ChangePoeSourcing) {
		t.Errorf("Changes = %v", u.Changes)
	}
	if v := u.Variables["port_3_poe_sourcing"]; v != false {
		t.Errorf("port_3_poe_sourcing = %v, want false", v)
	}
}

func TestPoeDisableDeltaOverridesSourcing(t *testing.T) {
	m := NewModel()
	m.UpsertPoePorts([]domain.PoePortFragment{{Number: 1, Enabled: domain.Ptr(true), Sourcing: domain.Ptr(true)}})

	m.MergePoePorts([]domain.PoePortFragment{{Number: 1, Enabled: domain.Ptr(false), Sourcing: domain.Ptr(true)}})
	if p, _ := m.PoePort(1); p.Sourcing {
		t.Errorf("sourcing survived disable: %+v", p)
	}

	// A port already disabled never reports sourcing.
	u := m.MergePoePorts([]domain.PoePortFragment{{Number: 1, Sourcing: domain.Ptr(true)}})
	if p, _ := m.PoePort(1); p.Sourcing {
		t.Errorf("disabled port sourcing: %+v", p)
	}
	if u.Changes.Has(domain.ChangePoeSourcing) {
		t.Errorf("Changes = %v, want no sourcing change", u.Changes)
	}
}

func TestSetPoeCapable(t *testing.T) {
	m := NewModel()

	u := m.SetPoeCapable(true)
	if !u.Changes.Has(domain.ChangePoeCapability) || !u.Rebuild.Has(domain.DefinitionFeedbacks) {
		t.Errorf("first observation = %+v", u)
	}
	if u := m.SetPoeCapable(true); !u.Empty() {
		t.Errorf("repeat = %+v, want empty", u)
	}

	m.UpsertPoePorts([]domain.PoePortFragment{{Number: 1, Enabled: domain.Ptr(true)}})
	u = m.SetPoeCapable(false)
	if !u.Changes.Has(domain.ChangePoeCapability) {
		t.Errorf("toggle did not fire")
	}
	if len(m.PoePorts()) != 0 || m.Known(domain.CollectionPoePorts) {
		t.Errorf("poe ports kept after capability loss")
	}
}

func TestReplaceGroups(t *testing.T) {
	m := NewModel()
	m.UpsertPorts([]domain.PortFragment{portFrag(1, true, true, false, domain.MembershipGroup, 2)})

	groups := []domain.Group{{ID: 1, Name: "Audio", Color: "#ff0000"}, {ID: 2, Name: "Video", Color: "#00ff00"}}
	u := m.ReplaceGroups(groups)
	if !u.Initialized.Has(domain.CollectionGroups) {
		t.Fatalf("groups not initialized")
	}
	if got := u.Variables["port_1_member_name"]; got != "Video" {
		t.Errorf("port_1_member_name = %v, want Video", got)
	}

	if u := m.ReplaceGroups(groups); !u.Empty() {
		t.Errorf("identical groups = %+v, want empty", u)
	}

	recolored := []domain.Group{{ID: 1, Name: "Audio", Color: "#ff0000"}, {ID: 2, Name: "Video", Color: "#0000ff"}}
	u = m.ReplaceGroups(recolored)
	if u.Initialized != 0 {
		t.Errorf("recolor re-initialized")
	}
	if u.Changes != domain.NewChangeSet(domain.ChangeGroupColor) {
		t.Errorf("Changes = %v, want group-color", u.Changes)
	}
	if got := u.Variables["port_1_member_color"]; got != "#0000ff" {
		t.Errorf("port_1_member_color = %v, want #0000ff", got)
	}

	u = m.ReplaceGroups(recolored[:1])
	if !u.Initialized.Has(domain.CollectionGroups) {
		t.Errorf("size change did not re-initialize")
	}
	if got := u.Variables["port_1_member_name"]; got != "" {
		t.Errorf("dangling member name = %v, want empty", got)
	}
}

func TestNoneMembershipNeverResolves(t *testing.T) {
	m := NewModel()
	m.ReplaceGroups([]domain.Group{{ID: 0, Name: "Zero", Color: "#000000"}, {ID: 5, Name: "Five"}})
	m.UpsertPorts([]domain.PortFragment{portFrag(1, true, true, false, domain.MembershipNone, 5)})

	p, _ := m.Port(1)
	if p.MemberOf.ID != 0 {
		t.Errorf("none membership kept id %d", p.MemberOf.ID)
	}
	if _, _, ok := m.PortLabel(1); ok {
		t.Errorf("none membership resolved to a label")
	}
	if _, _, ok := m.Label(domain.MemberOf{Type: domain.MembershipNone, ID: 0}); ok {
		t.Errorf("none membership with id 0 resolved")
	}
}

func TestNextMembership(t *testing.T) {
	tests := []struct {
		name      string
		groups    []domain.Group
		member    domain.MemberOf
		maxGroups int
		want      domain.MemberOf
		wantErr   error
	}{
		{
			name:   "advance in reported order",
			groups: []domain.Group{{ID: 7}, {ID: 3}, {ID: 9}},
			member: domain.MemberOf{Type: domain.MembershipGroup, ID: 3},
			want:   domain.MemberOf{Type: domain.MembershipGroup, ID: 9},
		},
		{
			name:   "wrap to first",
			groups: []domain.Group{{ID: 7}, {ID: 3}, {ID: 9}},
			member: domain.MemberOf{Type: domain.MembershipGroup, ID: 9},
			want:   domain.MemberOf{Type: domain.MembershipGroup, ID: 7},
		},
		{
			name:      "arithmetic wrap at limit",
			member:    domain.MemberOf{Type: domain.MembershipGroup, ID: 20},
			maxGroups: 20,
			want:      domain.MemberOf{Type: domain.MembershipGroup, ID: 1},
		},
		{
			name:    "none not cyclable",
			member:  domain.NoMembership,
			wantErr: domain.ErrMembershipNotCyclable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModel()
			if tt.groups != nil {
				m.ReplaceGroups(tt.groups)
			}
			m.UpsertPorts([]domain.PortFragment{portFrag(1, true, true, false, tt.member.Type, tt.member.ID)})

			got, err := m.NextMembership(1, tt.maxGroups)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NextMembership() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUpsertProfiles(t *testing.T) {
	m := NewModel()
	u := m.UpsertProfiles([]domain.ProfileFragment{
		{ID: 1, Name: domain.Ptr("Show")},
		{ID: 2, Name: domain.Ptr("")},
	})
	if !u.Initialized.Has(domain.CollectionProfiles) || u.Rebuild != 0 {
		t.Errorf("init = %+v", u)
	}
	if p, _ := m.Profile(2); !p.Empty {
		t.Errorf("profile 2 not empty")
	}

	u = m.UpsertProfiles([]domain.ProfileFragment{{ID: 1, Protected: domain.Ptr(true)}})
	if u.Changes != domain.NewChangeSet(domain.ChangeProfileProtected) {
		t.Errorf("Changes = %v", u.Changes)
	}
}

func TestSetIdentity(t *testing.T) {
	m := NewModel()
	u := m.SetIdentity(domain.IdentityFragment{Name: domain.Ptr("FOH"), Model: domain.Ptr("GigaCore16Xt")})
	if u.Variables["device_name"] != "FOH" || u.Variables["model"] != "GigaCore16Xt" {
		t.Errorf("Variables = %v", u.Variables)
	}
	if u := m.SetIdentity(domain.IdentityFragment{Name: domain.Ptr("FOH")}); !u.Empty() {
		t.Errorf("unchanged identity = %+v", u)
	}
}
