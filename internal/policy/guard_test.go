package policy

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

func newGuard(t *testing.T) (*Guard, *state.Model) {
	t.Helper()
	model := state.NewModel()
	model.UpsertPorts([]domain.PortFragment{
		{Number: 1},
		{Number: 2, Protected: domain.Ptr(true)},
	})
	model.UpsertProfiles([]domain.ProfileFragment{
		{ID: 1, Name: domain.Ptr("Show")},
		{ID: 2, Name: domain.Ptr("")},
		{ID: 3, Name: domain.Ptr("Locked"), Protected: domain.Ptr(true)},
	})
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	return NewGuard("dev", model, domain.Limits{Profiles: 10, MaxGroups: 20, MaxTrunks: 1}, reg, zerolog.Nop()), model
}

func TestGuardPort(t *testing.T) {
	g, _ := newGuard(t)

	tests := []struct {
		port int
		want error
	}{
		{1, nil},
		{2, domain.ErrPortProtected},
		{7, domain.ErrUnknownPort},
		{0, domain.ErrUnknownPort},
	}
	for _, tt := range tests {
		err := g.Port("set_port_group", tt.port)
		if !errors.Is(err, tt.want) {
			t.Errorf("Port(%d) = %v, want %v", tt.port, err, tt.want)
		}
		if tt.want != nil && !domain.IsRejection(err) {
			t.Errorf("Port(%d) error is not a rejection", tt.port)
		}
	}
}

func TestGuardPortBeforeTableKnown(t *testing.T) {
	g := NewGuard("dev", state.NewModel(), domain.Limits{}, nil, zerolog.Nop())
	if err := g.Port("set_port_link", 3); err != nil {
		t.Errorf("Port() before table known = %v, want nil", err)
	}
}

func TestGuardProfiles(t *testing.T) {
	g, _ := newGuard(t)

	tests := []struct {
		name string
		fn   func(string, int) error
		id   int
		want error
	}{
		{"recall filled", g.ProfileRecall, 1, nil},
		{"recall empty", g.ProfileRecall, 2, domain.ErrProfileEmpty},
		{"recall protected", g.ProfileRecall, 3, domain.ErrProfileProtected},
		{"recall out of range", g.ProfileRecall, 11, domain.ErrUnknownProfile},
		{"save empty", g.ProfileSave, 2, nil},
		{"save protected", g.ProfileSave, 3, domain.ErrProfileProtected},
		{"save unseen slot", g.ProfileSave, 9, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn("profile", tt.id); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGuardPoe(t *testing.T) {
	g, model := newGuard(t)
	if err := g.Poe("set_port_poe"); !errors.Is(err, domain.ErrPoeNotSupported) {
		t.Errorf("Poe() = %v, want ErrPoeNotSupported", err)
	}
	model.SetPoeCapable(true)
	if err := g.Poe("set_port_poe"); err != nil {
		t.Errorf("Poe() = %v, want nil", err)
	}
}
