package rest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

const (
	apiPrefix    = "/api/"
	emptyProfile = "__empty__"
	linkDown     = "down"
	poeSourcing  = "sourcing"
)

// Resource is the handler a notification or command response is routed to.
type Resource string

const (
	ResourceDevice        Resource = "device"
	ResourcePorts         Resource = "ports/port"
	ResourceGroups        Resource = "groups/group"
	ResourceTrunks        Resource = "trunks/trunk"
	ResourcePoeCapable    Resource = "poe/capable"
	ResourcePoePorts      Resource = "poe/ports"
	ResourceActiveProfile Resource = "config/name"
	ResourceProfiles      Resource = "config/profiles"

	// ResourceIgnored covers command acknowledgements and per-field
	// deltas that carry nothing the model consumes.
	ResourceIgnored Resource = "ignored"
	ResourceUnknown Resource = "unknown"
)

// Route maps a resource path, relative to /api/, to its handler. Paths are
// matched by prefix so that per-record sub-paths reach the collection
// handler.
func Route(path string) Resource {
	path = strings.TrimPrefix(path, apiPrefix)

	switch {
	case strings.HasPrefix(path, "device"):
		return ResourceDevice
	case strings.HasPrefix(path, "ports/port"):
		if strings.HasSuffix(path, "member_of") || strings.HasSuffix(path, "enabled") {
			return ResourceIgnored
		}
		return ResourcePorts
	case strings.HasPrefix(path, "groups/group"):
		return ResourceGroups
	case strings.HasPrefix(path, "trunks/trunk"):
		return ResourceTrunks
	case strings.HasPrefix(path, "poe/capable"):
		return ResourcePoeCapable
	case strings.HasPrefix(path, "poe/ports"):
		if strings.HasSuffix(path, "enabled") {
			return ResourceIgnored
		}
		return ResourcePoePorts
	case strings.HasPrefix(path, "config/name"):
		return ResourceActiveProfile
	case strings.HasPrefix(path, "identify"),
		strings.HasPrefix(path, "reboot"),
		strings.HasPrefix(path, "reset"):
		return ResourceIgnored
	case strings.HasPrefix(path, "config/profiles"):
		if strings.HasSuffix(path, "recall") || strings.HasSuffix(path, "save") {
			return ResourceIgnored
		}
		return ResourceProfiles
	default:
		return ResourceUnknown
	}
}

// Notification is one decoded push message.
type Notification struct {
	// Path is the resource path with the /api/ prefix removed
	Path string

	// Value is the raw new_value payload
	Value json.RawMessage
}

type envelope struct {
	Notification *struct {
		Path  *string         `json:"path"`
		Value json.RawMessage `json:"new_value"`
	} `json:"api_notification"`
}

// DecodeNotification parses a push envelope. Messages that are not
// notifications, or lack path or new_value, return ErrInvalidEnvelope.
func DecodeNotification(data []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	if env.Notification == nil {
		return Notification{}, fmt.Errorf("%w: no api_notification", domain.ErrInvalidEnvelope)
	}
	if env.Notification.Path == nil || len(env.Notification.Value) == 0 {
		return Notification{}, fmt.Errorf("%w: path and new_value are required", domain.ErrInvalidEnvelope)
	}
	return Notification{
		Path:  strings.TrimPrefix(*env.Notification.Path, apiPrefix),
		Value: env.Notification.Value,
	}, nil
}

// kind returns the first significant byte of a JSON value.
func kind(raw []byte) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func unexpected(resource Resource, raw []byte, want string) error {
	got := "scalar"
	switch kind(raw) {
	case '[':
		got = "array"
	case '{':
		got = "object"
	case 'n':
		got = "null"
	}
	return fmt.Errorf("%w: %s is %s, want %s", domain.ErrUnexpectedType, resource, got, want)
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	return nil
}

type wireDevice struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Serial      *string `json:"serial"`
	MACAddress  *string `json:"mac_address"`
	Model       *string `json:"model"`
}

// DecodeDevice parses the device resource into an identity fragment.
func DecodeDevice(raw []byte) (domain.IdentityFragment, error) {
	if kind(raw) != '{' {
		return domain.IdentityFragment{}, unexpected(ResourceDevice, raw, "object")
	}
	var d wireDevice
	if err := decode(raw, &d); err != nil {
		return domain.IdentityFragment{}, err
	}
	return domain.IdentityFragment{
		Name:        d.Name,
		Description: d.Description,
		Serial:      d.Serial,
		MACAddress:  d.MACAddress,
		Model:       d.Model,
	}, nil
}

type wireMember struct {
	Type *string `json:"type"`
	ID   *int    `json:"id"`
}

type wirePort struct {
	PortNumber *int        `json:"port_number"`
	Legend     *string     `json:"legend"`
	Enabled    *bool       `json:"enabled"`
	Protected  *bool       `json:"protected"`
	LinkState  *string     `json:"link_state"`
	MemberOf   *wireMember `json:"member_of"`
}

func (p wirePort) fragment(number int) domain.PortFragment {
	f := domain.PortFragment{
		Number:    number,
		Legend:    p.Legend,
		Enabled:   p.Enabled,
		Protected: p.Protected,
	}
	if p.LinkState != nil {
		f.LinkUp = domain.Ptr(*p.LinkState != linkDown)
	}
	if p.MemberOf != nil {
		if p.MemberOf.Type != nil {
			f.MemberType = domain.Ptr(domain.MembershipType(*p.MemberOf.Type))
		}
		f.MemberID = p.MemberOf.ID
	}
	return f
}

// PortUpdate is a decoded ports/port payload. Keyed deltas carry the port
// number in the object key and only ever merge.
type PortUpdate struct {
	Ports []domain.PortFragment
	Keyed bool
}

// DecodePorts parses a ports/port payload: an array of port records, or an
// object keyed by port number. Records without a port number are skipped.
func DecodePorts(raw []byte) (PortUpdate, error) {
	switch kind(raw) {
	case '[':
		var ports []wirePort
		if err := decode(raw, &ports); err != nil {
			return PortUpdate{}, err
		}
		out := make([]domain.PortFragment, 0, len(ports))
		for _, p := range ports {
			if p.PortNumber == nil {
				continue
			}
			out = append(out, p.fragment(*p.PortNumber))
		}
		return PortUpdate{Ports: out}, nil

	case '{':
		var keyed map[string]wirePort
		if err := decode(raw, &keyed); err != nil {
			return PortUpdate{}, err
		}
		out := make([]domain.PortFragment, 0, len(keyed))
		for key, p := range keyed {
			n, err := strconv.Atoi(key)
			if err != nil {
				if p.PortNumber == nil {
					continue
				}
				n = *p.PortNumber
			}
			out = append(out, p.fragment(n))
		}
		return PortUpdate{Ports: out, Keyed: true}, nil

	default:
		return PortUpdate{}, unexpected(ResourcePorts, raw, "array or object")
	}
}

type wireLabel struct {
	GroupID *int   `json:"group_id"`
	TrunkID *int   `json:"trunk_id"`
	Name    string `json:"name"`
	Color   string `json:"color"`
}

func decodeLabels(resource Resource, raw []byte) ([]wireLabel, bool, error) {
	if isNull(raw) {
		return nil, false, nil
	}
	if kind(raw) != '[' {
		return nil, false, unexpected(resource, raw, "array")
	}
	var labels []wireLabel
	if err := decode(raw, &labels); err != nil {
		return nil, false, err
	}
	return labels, true, nil
}

// DecodeGroups parses the groups/group collection. A null payload reports
// ok=false and must leave the model untouched.
func DecodeGroups(raw []byte) (groups []domain.Group, ok bool, err error) {
	labels, ok, err := decodeLabels(ResourceGroups, raw)
	if !ok || err != nil {
		return nil, ok, err
	}
	groups = make([]domain.Group, 0, len(labels))
	for _, l := range labels {
		if l.GroupID == nil {
			continue
		}
		groups = append(groups, domain.Group{ID: *l.GroupID, Name: l.Name, Color: l.Color})
	}
	return groups, true, nil
}

// DecodeTrunks parses the trunks/trunk collection. A null payload reports
// ok=false.
func DecodeTrunks(raw []byte) (trunks []domain.Trunk, ok bool, err error) {
	labels, ok, err := decodeLabels(ResourceTrunks, raw)
	if !ok || err != nil {
		return nil, ok, err
	}
	trunks = make([]domain.Trunk, 0, len(labels))
	for _, l := range labels {
		if l.TrunkID == nil {
			continue
		}
		trunks = append(trunks, domain.Trunk{ID: *l.TrunkID, Name: l.Name, Color: l.Color})
	}
	return trunks, true, nil
}

// DecodePoeCapable parses the poe/capable flag.
func DecodePoeCapable(raw []byte) (bool, error) {
	switch kind(raw) {
	case 't', 'f':
	default:
		return false, unexpected(ResourcePoeCapable, raw, "boolean")
	}
	var v bool
	if err := decode(raw, &v); err != nil {
		return false, err
	}
	return v, nil
}

type wirePoePort struct {
	PortNumber *int    `json:"port_number"`
	Enabled    *bool   `json:"enabled"`
	Indication *string `json:"indication"`
}

// DecodePoePorts parses the poe/ports collection. A null payload reports
// ok=false.
func DecodePoePorts(raw []byte) (ports []domain.PoePortFragment, ok bool, err error) {
	if isNull(raw) {
		return nil, false, nil
	}
	if kind(raw) != '[' {
		return nil, false, unexpected(ResourcePoePorts, raw, "array")
	}
	var wire []wirePoePort
	if err := decode(raw, &wire); err != nil {
		return nil, false, err
	}
	ports = make([]domain.PoePortFragment, 0, len(wire))
	for _, p := range wire {
		if p.PortNumber == nil {
			continue
		}
		f := domain.PoePortFragment{Number: *p.PortNumber, Enabled: p.Enabled}
		if p.Indication != nil {
			f.Sourcing = domain.Ptr(*p.Indication == poeSourcing)
		}
		ports = append(ports, f)
	}
	return ports, true, nil
}

// DecodeActiveProfile parses config/name.
func DecodeActiveProfile(raw []byte) (string, error) {
	if kind(raw) != '"' {
		return "", unexpected(ResourceActiveProfile, raw, "string")
	}
	var name string
	if err := decode(raw, &name); err != nil {
		return "", err
	}
	return name, nil
}

type wireProfile struct {
	Slot      *int    `json:"slot"`
	Name      *string `json:"name"`
	Protected *bool   `json:"protected"`
}

// DecodeProfiles parses config/profiles. Slots are zero-based on the wire
// and one-based in the model; the name __empty__ marks an empty slot.
func DecodeProfiles(raw []byte) ([]domain.ProfileFragment, error) {
	if kind(raw) != '[' {
		return nil, unexpected(ResourceProfiles, raw, "array")
	}
	var wire []wireProfile
	if err := decode(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]domain.ProfileFragment, 0, len(wire))
	for _, p := range wire {
		if p.Slot == nil {
			continue
		}
		f := domain.ProfileFragment{ID: *p.Slot + 1, Name: p.Name, Protected: p.Protected}
		if p.Name != nil {
			f.Empty = domain.Ptr(*p.Name == emptyProfile)
		}
		out = append(out, f)
	}
	return out, nil
}
