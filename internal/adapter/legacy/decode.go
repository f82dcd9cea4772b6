package legacy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Record limits of the delimited endpoints.
const (
	maxPortRecords    = 26
	maxGroupRecords   = 21
	maxProfileRecords = 10
	profileTagWidth   = 5
	trunkGroupID      = 0
	islTrunkID        = 1
	poeSourcingOn     = "PoE turned ON"
)

// splitLimit splits s on sep and keeps at most n leading fields. The
// remainder is discarded, not merged into the last field.
func splitLimit(s, sep string, n int) []string {
	parts := strings.Split(s, sep)
	if len(parts) > n {
		parts = parts[:n]
	}
	return parts
}

// unescape decodes a percent-encoded text field, falling back to the raw
// value when it is not valid encoding.
func unescape(s string) string {
	if v, err := url.PathUnescape(s); err == nil {
		return v
	}
	return s
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func leadingInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

// SwitchLegend is the decoded config/switchlegend response.
type SwitchLegend struct {
	Name        string
	Description string
	Serial      string
	MACAddress  string
}

// DecodeSwitchLegend parses the comma-separated switch identity.
func DecodeSwitchLegend(data string) (SwitchLegend, error) {
	fields := splitLimit(strings.TrimSpace(data), ",", 7)
	if len(fields) < 2 {
		return SwitchLegend{}, fmt.Errorf("%w: switchlegend has %d fields", domain.ErrMalformedRecord, len(fields))
	}
	return SwitchLegend{
		Name:        unescape(fields[0]),
		Description: unescape(fields[1]),
		Serial:      field(fields, 3),
		MACAddress:  field(fields, 6),
	}, nil
}

// Identity converts the legend to an identity fragment.
func (l SwitchLegend) Identity(full bool) domain.IdentityFragment {
	f := domain.IdentityFragment{
		Name:        domain.Ptr(l.Name),
		Description: domain.Ptr(l.Description),
	}
	if full {
		f.Serial = domain.Ptr(l.Serial)
		f.MACAddress = domain.Ptr(l.MACAddress)
	}
	return f
}

// DecodePortLegends parses the slash-separated legend list; the n-th entry
// belongs to port n.
func DecodePortLegends(data string) []domain.PortFragment {
	legends := splitLimit(strings.TrimRight(data, "\r\n"), "/", maxPortRecords)
	out := make([]domain.PortFragment, 0, len(legends))
	for i, l := range legends {
		out = append(out, domain.PortFragment{Number: i + 1, Legend: domain.Ptr(unescape(l))})
	}
	return out
}

// DecodePortTable parses the port table: records separated by '|', fields
// by '/'. Field 0 is the port number, field 2 the enable flag and field 9
// the link token. Records without a numeric port are skipped.
func DecodePortTable(data string) []domain.PortFragment {
	var out []domain.PortFragment
	for _, rec := range splitLimit(strings.TrimSpace(data), "|", maxPortRecords) {
		fields := strings.Split(rec, "/")
		n, ok := leadingInt(fields[0])
		if !ok {
			continue
		}
		link := field(fields, 9)
		if len(fields) < 10 {
			link = fields[len(fields)-1]
		}
		out = append(out, domain.PortFragment{
			Number:  n,
			Enabled: domain.Ptr(field(fields, 2) != "0"),
			LinkUp:  domain.Ptr(link == "Up"),
		})
	}
	return out
}

// PoeConfig is the decoded config/poe_config response.
type PoeConfig struct {
	Capable bool
	Ports   []domain.PoePortFragment
}

// DecodePoeConfig parses the PoE configuration. Field 0 is the capability
// flag; field 3 is a comma-separated list of port records whose field 3 is
// the PoE mode (0 = off).
func DecodePoeConfig(data string) (PoeConfig, error) {
	params := splitLimit(strings.TrimSpace(data), "|", 4)
	cfg := PoeConfig{Capable: params[0] == "1"}
	if !cfg.Capable {
		return cfg, nil
	}
	if len(params) < 4 {
		return PoeConfig{}, fmt.Errorf("%w: poe_config has %d sections", domain.ErrMalformedRecord, len(params))
	}

	for _, rec := range splitLimit(params[3], ",", maxPortRecords) {
		fields := splitLimit(rec, "/", 5)
		n, ok := leadingInt(fields[0])
		if !ok {
			continue
		}
		cfg.Ports = append(cfg.Ports, domain.PoePortFragment{
			Number:  n,
			Enabled: domain.Ptr(field(fields, 3) != "0"),
		})
	}
	return cfg, nil
}

// DecodePoeStatus parses stat/poe_status. The payload carries a one-byte
// prefix; field 5 of each record reports whether power is delivered.
func DecodePoeStatus(data string) []domain.PoePortFragment {
	data = strings.TrimSpace(data)
	if len(data) > 0 {
		data = data[1:]
	}

	var out []domain.PoePortFragment
	for _, rec := range splitLimit(data, "|", maxPortRecords) {
		fields := splitLimit(rec, "/", 8)
		n, ok := leadingInt(fields[0])
		if !ok {
			continue
		}
		out = append(out, domain.PoePortFragment{
			Number:   n,
			Sourcing: domain.Ptr(field(fields, 5) == poeSourcingOn),
		})
	}
	return out
}

// GroupTable is the decoded config/groups response.
type GroupTable struct {
	Groups  []domain.Group
	Trunks  []domain.Trunk
	Members []domain.PortFragment
}

// DecodeGroupTable parses the group table. Group 0 is the inter-switch link
// and becomes the single trunk with id 1; listed ports are assigned to the
// group or trunk whose record lists them.
func DecodeGroupTable(data string) GroupTable {
	var t GroupTable
	for _, rec := range splitLimit(strings.TrimSpace(data), "|", maxGroupRecords) {
		fields := strings.Split(rec, "/")
		id, ok := leadingInt(fields[0])
		if !ok {
			continue
		}
		name := unescape(field(fields, 2))
		color := field(fields, 5)

		member := domain.MemberOf{Type: domain.MembershipGroup, ID: id}
		if id == trunkGroupID {
			member = domain.MemberOf{Type: domain.MembershipTrunk, ID: islTrunkID}
			t.Trunks = append(t.Trunks, domain.Trunk{ID: islTrunkID, Name: name, Color: color})
		} else {
			t.Groups = append(t.Groups, domain.Group{ID: id, Name: name, Color: color})
		}

		for _, p := range strings.Split(field(fields, 3), ",") {
			n, ok := leadingInt(p)
			if !ok {
				continue
			}
			t.Members = append(t.Members, domain.PortFragment{
				Number:     n,
				MemberType: domain.Ptr(member.Type),
				MemberID:   domain.Ptr(member.ID),
			})
		}
	}
	return t
}

type portProtect struct {
	Port    int   `json:"port"`
	Protect *bool `json:"protect"`
}

// DecodePortProtect parses the JSON protection list.
func DecodePortProtect(data []byte) ([]domain.PortFragment, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	if _, ok := raw.([]any); !ok {
		return nil, fmt.Errorf("%w: portprotect is %T, want array", domain.ErrUnexpectedType, raw)
	}

	var entries []portProtect
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	out := make([]domain.PortFragment, 0, len(entries))
	for _, e := range entries {
		if e.Protect == nil {
			continue
		}
		out = append(out, domain.PortFragment{Number: e.Port, Protected: e.Protect})
	}
	return out, nil
}

// DecodeActiveProfile strips the one-byte wrapper around the active
// profile name.
func DecodeActiveProfile(data string) string {
	data = strings.TrimRight(data, "\r\n")
	if len(data) < 2 {
		return ""
	}
	return unescape(data[1 : len(data)-1])
}

// DecodeProfileList parses the '*'-separated slot list. Each record carries
// a fixed-width tag before the name; an empty name is an empty slot.
func DecodeProfileList(data string) []domain.ProfileFragment {
	records := splitLimit(strings.TrimRight(data, "\r\n"), "*", maxProfileRecords)
	out := make([]domain.ProfileFragment, 0, len(records))
	for i, rec := range records {
		name := ""
		if len(rec) > profileTagWidth {
			name = unescape(rec[profileTagWidth:])
		}
		out = append(out, domain.ProfileFragment{
			ID:    i + 1,
			Name:  domain.Ptr(name),
			Empty: domain.Ptr(name == ""),
		})
	}
	return out
}

// ModelForPortCount maps the port count of a legacy unit to its model name.
func ModelForPortCount(n int) string {
	switch n {
	case 10:
		return "GigaCore10"
	case 12:
		return "GigaCore12"
	case 14:
		return "GigaCore14R"
	case 16:
		return "GigaCore16Xt/RFO"
	case 26:
		return "GigaCore26i"
	default:
		return "GigaCore"
	}
}
