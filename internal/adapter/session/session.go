// Package session maintains the persistent push connection to a switch:
// connect, subscribe, heartbeat, and reconnect on a fixed delay.
package session

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// ReasonPongTimeout is the disconnect reason used when a ping goes
// unanswered.
const ReasonPongTimeout = "Websocket Pong timeout"

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Method selects full or incremental notifications for a resource.
type Method string

const (
	MethodFull    Method = "full"
	MethodChanges Method = "changes"
)

// Subscription registers interest in one resource path, relative to /api/.
type Subscription struct {
	Path   string
	Method Method
}

// Handler receives session events. OnMessage is called from the read
// goroutine; the other callbacks may be called from timer goroutines.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnDisconnect(reason string)
}

// Config holds configuration for a Session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/api/ws
	URL string

	// Header is sent with the upgrade request
	Header http.Header

	// Subscriptions are registered on every new connection
	Subscriptions []Subscription

	// PingInterval is the heartbeat period
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong after each ping
	PongTimeout time.Duration

	// ReconnectDelay is the fixed delay before a reconnect attempt
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the websocket upgrade
	HandshakeTimeout time.Duration
}

// Stats tracks session activity.
type Stats struct {
	Connects          atomic.Uint64
	Disconnects       atomic.Uint64
	HeartbeatTimeouts atomic.Uint64
	Messages          atomic.Uint64
}

// Session is one logical push connection. Every connection attempt gets a
// new generation; events from older generations are ignored.
type Session struct {
	config  Config
	handler Handler
	logger  zerolog.Logger
	stats   Stats

	mu        sync.Mutex
	state     State
	gen       uint64
	conn      *websocket.Conn
	hbStop    chan struct{}
	pongTimer *time.Timer
	reconnect *time.Timer
	closed    bool

	writeMu sync.Mutex
}

// New creates a session. Nothing happens until Connect.
func New(config Config, handler Handler, logger zerolog.Logger) *Session {
	if config.PingInterval == 0 {
		config.PingInterval = 5 * time.Second
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = 3500 * time.Millisecond
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}

	return &Session{
		config:  config,
		handler: handler,
		logger:  logger.With().Str("component", "session").Str("url", config.URL).Logger(),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the session counters.
func (s *Session) Stats() *Stats {
	return &s.stats
}

// Connect starts a new connection attempt without blocking. Any pending
// reconnect, heartbeat and previous connection are torn down first.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	old := s.conn
	s.conn = nil
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go s.dial(gen)
}

func (s *Session) dial(gen uint64) {
	s.logger.Debug().Uint64("generation", gen).Msg("Connecting websocket")

	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	conn, _, err := dialer.Dial(s.config.URL, s.config.Header)
	if err != nil {
		s.disconnect(gen, fmt.Sprintf("Connection failed: %v", err))
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.startHeartbeatLocked(gen)
	s.mu.Unlock()

	s.stats.Connects.Add(1)
	s.logger.Info().Msg("Websocket connected")
	s.handler.OnOpen()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.mu.Unlock()

	go s.readLoop(gen, conn)

	for _, sub := range s.config.Subscriptions {
		if err := s.subscribe(conn, sub); err != nil {
			s.disconnect(gen, fmt.Sprintf("Subscription failed: %v", err))
			return
		}
	}
}

type subscriptionMessage struct {
	Subscription struct {
		Path   string `json:"path"`
		Action string `json:"action"`
		Method Method `json:"method"`
	} `json:"subscription"`
}

func (s *Session) subscribe(conn *websocket.Conn, sub Subscription) error {
	var msg subscriptionMessage
	msg.Subscription.Path = "/api/" + sub.Path
	msg.Subscription.Action = "add"
	msg.Subscription.Method = sub.Method

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(conn, data)
}

func (s *Session) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	s.hbStop = stop

	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.ping(gen)
			}
		}
	}()
}

func (s *Session) ping(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.pongTimer = time.AfterFunc(s.config.PongTimeout, func() {
		s.stats.HeartbeatTimeouts.Add(1)
		s.disconnect(gen, ReasonPongTimeout)
	})
	conn := s.conn
	s.mu.Unlock()

	if err := s.write(conn, []byte("ping")); err != nil {
		s.logger.Debug().Err(err).Msg("Ping write failed")
	}
}

func (s *Session) pong(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen && s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := fmt.Sprintf("Connection closed: %v", err)
			if ce, ok := err.(*websocket.CloseError); ok {
				reason = fmt.Sprintf("Connection closed with code %d", ce.Code)
			}
			s.disconnect(gen, reason)
			return
		}

		if isPong(data) {
			s.pong(gen)
			continue
		}

		s.stats.Messages.Add(1)
		s.handler.OnMessage(data)
	}
}

// isPong accepts the bare token and its JSON string encoding.
func isPong(data []byte) bool {
	data = bytes.TrimSpace(data)
	return bytes.Equal(data, []byte("pong")) || bytes.Equal(data, []byte(`"pong"`))
}

// Disconnect drops the current connection and schedules a reconnect.
func (s *Session) Disconnect(reason string) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.disconnect(gen, reason)
}

func (s *Session) disconnect(gen uint64, reason string) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.state = StateReconnecting
	s.reconnect = time.AfterFunc(s.config.ReconnectDelay, s.Connect)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.stats.Disconnects.Add(1)
	s.logger.Warn().
		Str("reason", reason).
		Dur("reconnect_in", s.config.ReconnectDelay).
		Msg("Websocket disconnected")
	s.handler.OnDisconnect(reason)
}

// Close tears the session down for good. No reconnect fires afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
}

// Send writes a text frame on the current connection.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return domain.ErrNotConnected
	}
	return s.write(conn, data)
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) stopTimersLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}
