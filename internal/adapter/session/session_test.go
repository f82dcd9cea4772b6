package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeDevice is a websocket endpoint that records connections and frames.
type fakeDevice struct {
	srv       *httptest.Server
	replyPong bool

	mu       sync.Mutex
	accepts  []time.Time
	frames   []string
	conns    []*websocket.Conn
	accepted chan struct{}
}

func newFakeDevice(t *testing.T, replyPong bool) *fakeDevice {
	t.Helper()
	d := &fakeDevice{replyPong: replyPong, accepted: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}

	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.accepts = append(d.accepts, time.Now())
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		d.accepted <- struct{}{}

		var writeMu sync.Mutex
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.frames = append(d.frames, string(data))
			d.mu.Unlock()
			if string(data) == "ping" && d.replyPong {
				writeMu.Lock()
				conn.WriteMessage(websocket.TextMessage, []byte(`"pong"`))
				writeMu.Unlock()
			}
		}
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) url() string {
	return "ws" + strings.TrimPrefix(d.srv.URL, "http") + "/api/ws"
}

func (d *fakeDevice) acceptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accepts)
}

func (d *fakeDevice) lastConn() *websocket.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDevice) framesSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.frames...)
}

type recordingHandler struct {
	mu          sync.Mutex
	opens       int
	messages    []string
	reasons     []string
	disconnects []time.Time
	disconnect  chan string
	message     chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnect: make(chan string, 16), message: make(chan string, 16)}
}

func (h *recordingHandler) OnOpen() {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
}

func (h *recordingHandler) OnMessage(data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, string(data))
	h.mu.Unlock()
	h.message <- string(data)
}

func (h *recordingHandler) OnDisconnect(reason string) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.disconnects = append(h.disconnects, time.Now())
	h.mu.Unlock()
	h.disconnect <- reason
}

func waitAccept(t *testing.T, d *fakeDevice, timeout time.Duration) {
	t.Helper()
	select {
	case <-d.accepted:
	case <-time.After(timeout):
		t.Fatalf("no connection within %v", timeout)
	}
}

func TestSessionSubscribes(t *testing.T) {
	d := newFakeDevice(t, true)
	h := newRecordingHandler()
	subs := []Subscription{{Path: "device", Method: MethodFull}, {Path: "ports/port", Method: MethodChanges}}

	s := New(Config{URL: d.url(), Subscriptions: subs}, h, zerolog.Nop())
	s.Connect()
	defer s.Close()

	waitAccept(t, d, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(d.framesSnapshot()) < len(subs) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	frames := d.framesSnapshot()
	if len(frames) != len(subs) {
		t.Fatalf("frames = %v, want %d subscriptions", frames, len(subs))
	}

	var msg subscriptionMessage
	if err := json.Unmarshal([]byte(frames[1]), &msg); err != nil {
		t.Fatalf("unmarshal subscription: %v", err)
	}
	if msg.Subscription.Path != "/api/ports/port" || msg.Subscription.Action != "add" || msg.Subscription.Method != MethodChanges {
		t.Errorf("subscription = %+v", msg.Subscription)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("State() = %s, want ready", got)
	}
}

func TestSessionDeliversMessages(t *testing.T) {
	d := newFakeDevice(t, true)
	h := newRecordingHandler()

	s := New(Config{URL: d.url()}, h, zerolog.Nop())
	s.Connect()
	defer s.Close()

	waitAccept(t, d, 2*time.Second)
	payload := `{"api_notification":{"path":"/api/poe/capable","new_value":true}}`
	d.lastConn().WriteMessage(websocket.TextMessage, []byte(payload))

	select {
	case got := <-h.message:
		if got != payload {
			t.Errorf("message = %s, want %s", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSessionPongTimeoutReconnects(t *testing.T) {
	d := newFakeDevice(t, false)
	h := newRecordingHandler()
	delay := 200 * time.Millisecond

	s := New(Config{
		URL:            d.url(),
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    30 * time.Millisecond,
		ReconnectDelay: delay,
	}, h, zerolog.Nop())
	s.Connect()
	defer s.Close()

	waitAccept(t, d, 2*time.Second)

	var disconnectedAt time.Time
	select {
	case reason := <-h.disconnect:
		disconnectedAt = time.Now()
		if reason != ReasonPongTimeout {
			t.Errorf("reason = %q, want %q", reason, ReasonPongTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect on missing pong")
	}
	if got := s.State(); got != StateReconnecting {
		t.Errorf("State() = %s, want reconnecting", got)
	}

	waitAccept(t, d, 2*time.Second)
	if gap := time.Since(disconnectedAt); gap < delay-10*time.Millisecond {
		t.Errorf("reconnected after %v, want at least %v", gap, delay)
	}
	if s.Stats().HeartbeatTimeouts.Load() == 0 {
		t.Errorf("heartbeat timeout not counted")
	}
}

func TestSessionPongKeepsAlive(t *testing.T) {
	d := newFakeDevice(t, true)
	h := newRecordingHandler()

	s := New(Config{
		URL:            d.url(),
		PingInterval:   20 * time.Millisecond,
		PongTimeout:    100 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}, h, zerolog.Nop())
	s.Connect()
	defer s.Close()

	waitAccept(t, d, 2*time.Second)

	select {
	case reason := <-h.disconnect:
		t.Fatalf("unexpected disconnect: %s", reason)
	case <-time.After(300 * time.Millisecond):
	}

	pings := 0
	for _, f := range d.framesSnapshot() {
		if f == "ping" {
			pings++
		}
	}
	if pings < 3 {
		t.Errorf("pings = %d, want at least 3", pings)
	}
}

func TestSessionCloseSuppressesReconnect(t *testing.T) {
	d := newFakeDevice(t, true)
	h := newRecordingHandler()

	s := New(Config{URL: d.url(), ReconnectDelay: 50 * time.Millisecond}, h, zerolog.Nop())
	s.Connect()

	waitAccept(t, d, 2*time.Second)
	d.lastConn().Close()

	select {
	case <-h.disconnect:
	case <-time.After(2 * time.Second):
		t.Fatal("server close not detected")
	}
	s.Close()

	time.Sleep(200 * time.Millisecond)
	if got := d.acceptCount(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
}

func TestSessionReconnectAfterServerClose(t *testing.T) {
	d := newFakeDevice(t, true)
	h := newRecordingHandler()

	s := New(Config{URL: d.url(), ReconnectDelay: 50 * time.Millisecond}, h, zerolog.Nop())
	s.Connect()
	defer s.Close()

	waitAccept(t, d, 2*time.Second)
	d.lastConn().Close()

	waitAccept(t, d, 2*time.Second)
	if got := d.acceptCount(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	s := New(Config{URL: "ws://127.0.0.1:1/api/ws"}, newRecordingHandler(), zerolog.Nop())
	if err := s.Send([]byte("x")); err == nil {
		t.Errorf("Send() without connection succeeded")
	}
}

func TestIsPong(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"pong", true},
		{`"pong"`, true},
		{" pong\n", true},
		{"ping", false},
		{`{"pong":1}`, false},
	}
	for _, tt := range tests {
		if got := isPong([]byte(tt.in)); got != tt.want {
			t.Errorf("isPong(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
