package domain

// MembershipType identifies what a port is a member of.
type MembershipType string

const (
	MembershipNone  MembershipType = "none"
	MembershipGroup MembershipType = "group"
	MembershipTrunk MembershipType = "trunk"
)

// MemberOf is a port's assignment to exactly one group or trunk, or none.
// ID is only meaningful when Type is not MembershipNone.
type MemberOf struct {
	Type MembershipType `json:"type"`
	ID   int            `json:"id"`
}

// NoMembership is the zero assignment.
var NoMembership = MemberOf{Type: MembershipNone}

// Normalize maps an empty type to none and clears the id of a none
// membership so that it can never resolve to a real group or trunk.
func (m MemberOf) Normalize() MemberOf {
	switch m.Type {
	case MembershipGroup, MembershipTrunk:
		return m
	default:
		return NoMembership
	}
}

// IsNone reports whether the port has no membership.
func (m MemberOf) IsNone() bool {
	return m.Normalize().Type == MembershipNone
}

// Port is one physical switch port.
type Port struct {
	Number    int      `json:"port_number"`
	Enabled   bool     `json:"enabled"`
	Legend    string   `json:"legend"`
	Protected bool     `json:"protected"`
	LinkUp    bool     `json:"link_up"`
	MemberOf  MemberOf `json:"member_of"`
}

// PoePort holds the PoE state of a port. Sourcing is device-reported.
type PoePort struct {
	Number   int  `json:"port_number"`
	Enabled  bool `json:"enabled"`
	Sourcing bool `json:"sourcing"`
}

// Group is a VLAN-style broadcast domain.
type Group struct {
	ID    int    `json:"group_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Trunk is an inter-switch uplink aggregate.
type Trunk struct {
	ID    int    `json:"trunk_id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Profile is a saved configuration slot. IDs are 1-based.
type Profile struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Empty     bool   `json:"empty"`
	Protected bool   `json:"protected"`
}

// DeviceIdentity describes the switch itself.
type DeviceIdentity struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Serial        string `json:"serial"`
	MACAddress    string `json:"mac_address"`
	Model         string `json:"model"`
	PoeCapable    bool   `json:"poe_capable"`
	NrPorts       int    `json:"nr_ports"`
	ActiveProfile string `json:"active_profile"`
}
