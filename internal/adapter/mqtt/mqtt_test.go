package mqtt

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/notify"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

type message struct {
	topic    string
	retained bool
	payload  any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, retained bool, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic, retained, payload})
	return nil
}

func (p *fakePublisher) byTopic(topic string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func TestDeviceHostPublishesDispatch(t *testing.T) {
	pub := &fakePublisher{}
	host := NewDeviceHost(pub, "gigacore", "foh", zerolog.Nop())
	model := state.NewModel()
	host.Attach(model)
	d := notify.NewDispatcher(host, nil, zerolog.Nop())

	d.Dispatch(model.UpsertPorts([]domain.PortFragment{
		{Number: 1, Enabled: domain.Ptr(true), LinkUp: domain.Ptr(true)},
		{Number: 2, Enabled: domain.Ptr(true), LinkUp: domain.Ptr(false)},
	}))

	snaps := pub.byTopic("gigacore/foh/snapshot")
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	if !snaps[0].retained {
		t.Errorf("snapshot not retained")
	}
	snap, ok := snaps[0].payload.(state.Snapshot)
	if !ok || len(snap.Ports) != 2 {
		t.Errorf("snapshot payload = %#v", snaps[0].payload)
	}

	vars := pub.byTopic("gigacore/foh/variables")
	if len(vars) != 1 {
		t.Fatalf("variables = %d, want 1", len(vars))
	}
	// nr_ports is fixed by the first snapshot.
	values := vars[0].payload.(map[string]any)
	if values["nr_ports"] != 2 || values["port_1_up"] != true || values["port_2_up"] != false {
		t.Errorf("variables = %v", values)
	}

	// A link change only publishes the changed variable and the feedback.
	d.Dispatch(model.MergePorts([]domain.PortFragment{{Number: 2, LinkUp: domain.Ptr(true)}}))

	if got := len(pub.byTopic("gigacore/foh/snapshot")); got != 1 {
		t.Errorf("snapshots after delta = %d, want 1", got)
	}
	fbs := pub.byTopic("gigacore/foh/feedbacks")
	if len(fbs) != 2 {
		t.Fatalf("feedbacks = %d, want 2", len(fbs))
	}
	fb := fbs[1].payload.(FeedbackMessage)
	if len(fb.Classes) != 1 || fb.Classes[0] != "link-state" {
		t.Errorf("classes = %v, want [link-state]", fb.Classes)
	}
	if len(fb.Tokens) != 1 || fb.Tokens[0] != "port_state" {
		t.Errorf("tokens = %v, want [port_state]", fb.Tokens)
	}
}

func TestDeviceHostStatus(t *testing.T) {
	pub := &fakePublisher{}
	host := NewDeviceHost(pub, "gigacore", "foh", zerolog.Nop())

	host.UpdateStatus(domain.DeviceStatusOffline, "Reboot triggered")

	msgs := pub.byTopic("gigacore/foh/status")
	if len(msgs) != 1 {
		t.Fatalf("status messages = %d, want 1", len(msgs))
	}
	status := msgs[0].payload.(StatusMessage)
	if status.Status != domain.DeviceStatusOffline || status.Message != "Reboot triggered" {
		t.Errorf("status = %+v", status)
	}
	if !msgs[0].retained {
		t.Errorf("status not retained")
	}
}

func TestDeviceHostWithoutModel(t *testing.T) {
	pub := &fakePublisher{}
	host := NewDeviceHost(pub, "gigacore", "foh", zerolog.Nop())

	host.InitVariables()
	if len(pub.byTopic("gigacore/foh/snapshot")) != 0 {
		t.Errorf("snapshot published without a model")
	}
	if got := host.Stats()["rebuilds"]; got != 1 {
		t.Errorf("rebuilds = %d, want 1", got)
	}
}

func TestDeviceHostCountsFailures(t *testing.T) {
	pub := &fakePublisher{err: domain.ErrMQTTNotConnected}
	host := NewDeviceHost(pub, "gigacore", "foh", zerolog.Nop())

	host.SetVariableValues(map[string]any{"device_name": "FOH"})
	if got := host.Stats()["publish_failures"]; got != 1 {
		t.Errorf("publish_failures = %d, want 1", got)
	}
}

func TestClientPublishRequiresConnection(t *testing.T) {
	c := NewClient(ClientConfig{BrokerURL: "tcp://127.0.0.1:1", ClientID: "test"}, zerolog.Nop(), nil)

	err := c.Publish("gigacore/foh/status", true, StatusMessage{})
	if !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Errorf("Publish() = %v, want ErrMQTTNotConnected", err)
	}
	if c.IsConnected() {
		t.Errorf("IsConnected() = true before Connect")
	}
	if got := c.Stats()["publish_errors"]; got != uint64(1) {
		t.Errorf("publish_errors = %v, want 1", got)
	}
}
