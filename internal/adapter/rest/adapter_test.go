package rest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/session"
	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/notify/notifytest"
)

type command struct {
	path string
	body string
}

// fakeSwitch serves the device resource, accepts commands and pushes
// notifications over the websocket.
type fakeSwitch struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conn          *websocket.Conn
	accepts       int
	subscriptions []string
	commands      []command
	handshakes    int
	failDevice    int
	authHeader    string
}

func newFakeSwitch(t *testing.T) *fakeSwitch {
	t.Helper()
	f := &fakeSwitch{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeSwitch) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/ws":
		f.mu.Lock()
		f.authHeader = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.accepts++
		f.subscriptions = nil
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Subscription struct {
					Path string `json:"path"`
				} `json:"subscription"`
			}
			if json.Unmarshal(data, &msg) == nil && msg.Subscription.Path != "" {
				f.mu.Lock()
				f.subscriptions = append(f.subscriptions, msg.Subscription.Path)
				f.mu.Unlock()
			}
		}

	case r.URL.Path == "/api/device" && r.Method == http.MethodGet:
		f.mu.Lock()
		f.handshakes++
		fail := f.handshakes <= f.failDevice
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"FOH","description":"Front of house","serial":"S1","mac_address":"aa:bb","model":"GigaCore30i"}`))

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.commands = append(f.commands, command{path: strings.TrimPrefix(r.URL.Path, "/api/"), body: string(body)})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSwitch) host() string {
	u, _ := url.Parse(f.srv.URL)
	return u.Host
}

func (f *fakeSwitch) push(t *testing.T, path, value string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := fmt.Sprintf(`{"api_notification":{"path":"/api/%s","new_value":%s}}`, path, value)
	if err := f.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("push %s: %v", path, err)
	}
}

func (f *fakeSwitch) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *fakeSwitch) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscriptions)
}

func (f *fakeSwitch) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts
}

func (f *fakeSwitch) find(path string) []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command
	for _, c := range f.commands {
		if c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSwitch) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestAdapter(t *testing.T, f *fakeSwitch, password string) (*Adapter, *notifytest.Recorder) {
	t.Helper()
	rec := notifytest.New()
	a := New(Config{
		DeviceID:        "gc2",
		Host:            f.host(),
		Password:        password,
		RetryDelay:      50 * time.Millisecond,
		DisconnectDelay: 10 * time.Millisecond,
		Session: session.Config{
			PingInterval:   time.Hour,
			ReconnectDelay: 100 * time.Millisecond,
		},
	}, rec, nil, zerolog.Nop())
	t.Cleanup(a.Destroy)
	return a, rec
}

func connected(t *testing.T, f *fakeSwitch) (*Adapter, *notifytest.Recorder) {
	t.Helper()
	a, rec := newTestAdapter(t, f, "")
	a.Connect()
	eventually(t, "subscriptions", func() bool { return f.subscribed() == len(Subscriptions) })
	eventually(t, "online", func() bool { return a.Status() == domain.DeviceStatusOnline })
	return a, rec
}

const twoPorts = `[
	{"port_number":1,"legend":"Stage","enabled":true,"link_state":"up","protected":false,"member_of":{"type":"group","id":5}},
	{"port_number":2,"legend":"Desk","enabled":false,"link_state":"down","protected":true,"member_of":{"type":"none"}}
]`

func withPorts(t *testing.T, f *fakeSwitch, a *Adapter) {
	t.Helper()
	f.push(t, "ports/port", twoPorts)
	eventually(t, "ports", func() bool { return a.Model().NrPorts() == 2 })
}

func TestAdapterHandshakeAndSubscriptions(t *testing.T) {
	f := newFakeSwitch(t)
	a, rec := connected(t, f)

	if got := a.Model().Identity(); got.Name != "FOH" || got.Model != "GigaCore30i" || got.Serial != "S1" {
		t.Errorf("identity = %+v", got)
	}
	if v, _ := rec.Variable("mac_address"); v != "aa:bb" {
		t.Errorf("mac_address variable = %v", v)
	}

	f.mu.Lock()
	subs := append([]string(nil), f.subscriptions...)
	auth := f.authHeader
	f.mu.Unlock()
	if subs[0] != "/api/device" || subs[1] != "/api/ports/port" {
		t.Errorf("subscriptions = %v", subs)
	}
	if auth != "" {
		t.Errorf("Authorization = %q, want none without password", auth)
	}
}

func TestAdapterSendsCredentials(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := newTestAdapter(t, f, "secret")
	a.Connect()
	eventually(t, "upgrade", func() bool { return f.acceptCount() == 1 })

	f.mu.Lock()
	auth := f.authHeader
	f.mu.Unlock()
	if !strings.HasPrefix(auth, "Basic ") {
		t.Errorf("Authorization = %q, want basic credentials", auth)
	}
}

func TestPortsNotificationInitializes(t *testing.T) {
	f := newFakeSwitch(t)
	a, rec := connected(t, f)
	withPorts(t, f, a)

	p1, _ := a.Model().Port(1)
	want1 := domain.Port{Number: 1, Legend: "Stage", Enabled: true, LinkUp: true,
		MemberOf: domain.MemberOf{Type: domain.MembershipGroup, ID: 5}}
	if p1 != want1 {
		t.Errorf("port 1 = %+v, want %+v", p1, want1)
	}
	p2, _ := a.Model().Port(2)
	if p2.Enabled || p2.LinkUp || !p2.Protected || !p2.MemberOf.IsNone() {
		t.Errorf("port 2 = %+v", p2)
	}

	eventually(t, "feedbacks", func() bool { return len(rec.Feedbacks()) > 0 })
	fired := rec.Fired()
	for _, c := range []domain.ChangeClass{domain.ChangeLinkState, domain.ChangePortDisabled, domain.ChangePortMembership, domain.ChangePortProtected} {
		if !fired.Has(c) {
			t.Errorf("%s did not fire", c)
		}
	}
	if rec.Count("actions") != 1 || rec.Count("presets") != 1 {
		t.Errorf("rebuilds = %v", rec.Calls())
	}
}

func TestPortDeltas(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)
	withPorts(t, f, a)

	f.push(t, "ports/port", `[{"port_number":1,"link_state":"down"}]`)
	eventually(t, "link down", func() bool {
		p, _ := a.Model().Port(1)
		return !p.LinkUp
	})

	f.push(t, "ports/port", `{"2":{"legend":"FOH desk"}}`)
	eventually(t, "keyed legend", func() bool {
		p, _ := a.Model().Port(2)
		return p.Legend == "FOH desk"
	})

	f.push(t, "ports/port/1/enabled", `false`)
	f.push(t, "poe/capable", `false`)
	eventually(t, "capability", func() bool { return a.Model().Known(domain.CollectionPoeCapability) })
	if p, _ := a.Model().Port(1); !p.Enabled {
		t.Errorf("per-field enabled delta was applied")
	}
}

func TestUndecodablePayloadLeavesState(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)

	f.push(t, "groups/group", `[{"group_id":1,"name":"Audio","color":"#ff0000"}]`)
	eventually(t, "groups", func() bool { return len(a.Model().Groups()) == 1 })

	f.push(t, "groups/group", `{"group_id":2}`)
	f.push(t, "groups/group", `null`)
	f.push(t, "config/name", `"Show"`)
	eventually(t, "active profile", func() bool { return a.Model().Identity().ActiveProfile == "Show" })

	if g := a.Model().Groups(); len(g) != 1 || g[0].Name != "Audio" {
		t.Errorf("groups = %+v", g)
	}
}

func TestSetPortGroupProtectedIssuesNothing(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)
	withPorts(t, f, a)

	err := a.SetPortGroup(2, 3)
	if !errors.Is(err, domain.ErrPortProtected) || !domain.IsRejection(err) {
		t.Fatalf("SetPortGroup() = %v, want protected rejection", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := f.commandCount(); n != 0 {
		t.Errorf("commands issued = %d, want 0", n)
	}

	if err := a.SetPortGroup(1, 3); err != nil {
		t.Fatalf("SetPortGroup() = %v", err)
	}
	eventually(t, "member_of command", func() bool { return len(f.find("ports/port/1/member_of")) == 1 })
	if body := f.find("ports/port/1/member_of")[0].body; body != `{"id":3,"type":"group"}` {
		t.Errorf("body = %s", body)
	}
}

func TestIncrementFollowsDeviceOrder(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)
	withPorts(t, f, a)

	f.push(t, "groups/group", `[{"group_id":9,"name":"A","color":"#1"},{"group_id":5,"name":"B","color":"#2"},{"group_id":7,"name":"C","color":"#3"}]`)
	eventually(t, "groups", func() bool { return len(a.Model().Groups()) == 3 })

	if err := a.IncrementPortMembership(1); err != nil {
		t.Fatalf("IncrementPortMembership() = %v", err)
	}
	eventually(t, "member_of command", func() bool { return len(f.find("ports/port/1/member_of")) == 1 })
	if body := f.find("ports/port/1/member_of")[0].body; body != `{"id":7,"type":"group"}` {
		t.Errorf("body = %s, want group 7", body)
	}

	f.push(t, "ports/port", `[{"port_number":1,"member_of":{"id":7}}]`)
	eventually(t, "membership", func() bool {
		p, _ := a.Model().Port(1)
		return p.MemberOf.ID == 7
	})
	if err := a.IncrementPortMembership(1); err != nil {
		t.Fatalf("IncrementPortMembership() = %v", err)
	}
	eventually(t, "second command", func() bool { return len(f.find("ports/port/1/member_of")) == 2 })
	if body := f.find("ports/port/1/member_of")[1].body; body != `{"id":9,"type":"group"}` {
		t.Errorf("body = %s, want wrap to group 9", body)
	}
}

func TestIncrementRejectsNoMembership(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)
	f.push(t, "ports/port", `[{"port_number":3,"member_of":{"type":"none"}}]`)
	eventually(t, "ports", func() bool { return a.Model().NrPorts() == 1 })

	err := a.IncrementPortMembership(3)
	if !errors.Is(err, domain.ErrMembershipNotCyclable) || !domain.IsRejection(err) {
		t.Errorf("IncrementPortMembership() = %v, want not-cyclable rejection", err)
	}
}

func TestRecallProfile(t *testing.T) {
	f := newFakeSwitch(t)
	a, rec := connected(t, f)

	f.push(t, "config/profiles", `[{"slot":0,"name":"Show","protected":false},{"slot":1,"name":"__empty__","protected":false}]`)
	eventually(t, "profiles", func() bool { return len(a.Model().Profiles()) == 2 })

	if err := a.RecallProfile(2, true, 0); !errors.Is(err, domain.ErrProfileEmpty) {
		t.Fatalf("RecallProfile(empty) = %v, want ErrProfileEmpty", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := f.commandCount(); n != 0 {
		t.Fatalf("commands issued = %d, want 0", n)
	}

	if err := a.RecallProfile(1, true, 20*time.Millisecond); err != nil {
		t.Fatalf("RecallProfile() = %v", err)
	}
	eventually(t, "recall command", func() bool { return len(f.find("config/profiles/0/recall")) == 1 })
	if body := f.find("config/profiles/0/recall")[0].body; body != `{"keep_ip":true,"wait":20}` {
		t.Errorf("body = %s", body)
	}

	eventually(t, "disconnect", func() bool {
		for _, s := range rec.Statuses() {
			if s.Status == domain.DeviceStatusOffline && s.Message == "Profile recall triggered" {
				return true
			}
		}
		return false
	})
	eventually(t, "reconnect", func() bool { return f.acceptCount() == 2 })
	eventually(t, "online again", func() bool { return a.Status() == domain.DeviceStatusOnline })
}

func TestSetPortPoeOffDropsSourcing(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)
	withPorts(t, f, a)

	if err := a.SetPortPoe(1, false); !errors.Is(err, domain.ErrPoeNotSupported) {
		t.Fatalf("SetPortPoe() before capability = %v, want ErrPoeNotSupported", err)
	}

	f.push(t, "poe/capable", `true`)
	f.push(t, "poe/ports", `[{"port_number":1,"enabled":true,"indication":"sourcing"}]`)
	eventually(t, "sourcing", func() bool {
		p, _ := a.Model().PoePort(1)
		return p.Sourcing
	})

	if err := a.SetPortPoe(1, false); err != nil {
		t.Fatalf("SetPortPoe() = %v", err)
	}
	if p, _ := a.Model().PoePort(1); p.Sourcing || p.Enabled {
		t.Errorf("PoePort(1) = %+v, want disabled and not sourcing", p)
	}
	eventually(t, "poe command", func() bool { return len(f.find("poe/ports/1/enabled")) == 1 })
	if body := f.find("poe/ports/1/enabled")[0].body; body != "false" {
		t.Errorf("body = %s, want false", body)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFakeSwitch(t)
	a, rec := connected(t, f)
	withPorts(t, f, a)

	f.dropConnection()
	eventually(t, "offline", func() bool { return a.Status() == domain.DeviceStatusOffline })
	eventually(t, "reconnect", func() bool { return f.acceptCount() == 2 })
	eventually(t, "online", func() bool { return a.Status() == domain.DeviceStatusOnline })

	if a.Model().Known(domain.CollectionPorts) {
		t.Errorf("ports survived the reconnect")
	}
	eventually(t, "resubscribed", func() bool { return f.subscribed() == len(Subscriptions) })
	withPorts(t, f, a)
	if rec.Count("actions") != 2 {
		t.Errorf("actions rebuilt %d times, want 2", rec.Count("actions"))
	}
}

func TestHandshakeRetries(t *testing.T) {
	f := newFakeSwitch(t)
	f.failDevice = 2
	a, _ := newTestAdapter(t, f, "")
	a.Connect()

	eventually(t, "error status", func() bool { return a.Status() == domain.DeviceStatusError })
	eventually(t, "online", func() bool { return a.Status() == domain.DeviceStatusOnline })

	f.mu.Lock()
	n := f.handshakes
	f.mu.Unlock()
	if n != 3 {
		t.Errorf("handshakes = %d, want 3", n)
	}
}

func TestDestroySuppressesReconnect(t *testing.T) {
	f := newFakeSwitch(t)
	a, _ := connected(t, f)

	a.Destroy()
	time.Sleep(250 * time.Millisecond)
	if n := f.acceptCount(); n != 1 {
		t.Errorf("accepts = %d, want 1", n)
	}
	if err := a.Identify(5); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("Identify() after destroy = %v, want ErrNotConnected", err)
	}
	if got := a.Status(); got != domain.DeviceStatusOffline {
		t.Errorf("Status() = %s, want offline", got)
	}
}
