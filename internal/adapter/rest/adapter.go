// Package rest implements the adapter for switches with the JSON REST
// command interface and websocket push notifications.
package rest

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/httpexec"
	"github.com/nexus-edge/gigacore-gateway/internal/adapter/session"
	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/notify"
	"github.com/nexus-edge/gigacore-gateway/internal/policy"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

const (
	pathDevice   = "api/device"
	pathSocket   = "/api/ws"
	username     = "admin"
	jsonMimeType = "application/json"
)

// Limits are the topology limits of push units.
var Limits = domain.Limits{Profiles: 40, MaxGroups: 255, MaxTrunks: 255}

// Subscriptions is the fixed set of resources registered on every session.
var Subscriptions = []session.Subscription{
	{Path: "device", Method: session.MethodFull},
	{Path: "ports/port", Method: session.MethodChanges},
	{Path: "groups/group", Method: session.MethodFull},
	{Path: "trunks/trunk", Method: session.MethodFull},
	{Path: "poe/capable", Method: session.MethodFull},
	{Path: "poe/ports", Method: session.MethodChanges},
	{Path: "config/name", Method: session.MethodFull},
	{Path: "config/profiles", Method: session.MethodChanges},
}

// Config holds configuration for the push adapter.
type Config struct {
	// DeviceID identifies the device in logs and metrics
	DeviceID string

	// Host is the device address
	Host string

	// Password for basic auth; credentials are only sent when set
	Password string

	// RetryDelay is the wait before retrying a failed handshake
	RetryDelay time.Duration

	// DisconnectDelay is added to a disruptive command's own delay before
	// the session is dropped
	DisconnectDelay time.Duration

	// Executor carries timeout and breaker settings
	Executor httpexec.Config

	// Session carries heartbeat and reconnect timings; URL, header and
	// subscriptions are filled in by the adapter
	Session session.Config
}

// Adapter drives one push switch: a handshake request, then a websocket
// session whose notifications are the only source of state.
type Adapter struct {
	config   Config
	model    *state.Model
	dispatch *notify.Dispatcher
	guard    *policy.Guard
	metrics  *metrics.Registry
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	exec       *httpexec.Executor
	sess       *session.Session
	connCtx    context.Context
	connCancel context.CancelFunc
	destroyed  bool
}

// New creates a push adapter. Nothing is requested until Connect.
func New(config Config, host notify.Host, m *metrics.Registry, logger zerolog.Logger) *Adapter {
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.DisconnectDelay <= 0 {
		config.DisconnectDelay = 500 * time.Millisecond
	}

	logger = logger.With().
		Str("component", "rest-adapter").
		Str("device_id", config.DeviceID).
		Logger()

	model := state.NewModel()
	ctx, cancel := context.WithCancel(context.Background())

	a := &Adapter{
		config:  config,
		model:   model,
		guard:   policy.NewGuard(config.DeviceID, model, Limits, m, logger),
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	a.dispatch = notify.NewDispatcher(host, func(fired domain.ChangeSet) {
		m.RecordChanges(config.DeviceID, fired)
	}, logger)
	a.exec = a.newExecutor()
	return a
}

func (a *Adapter) newExecutor() *httpexec.Executor {
	cfg := a.config.Executor
	cfg.Host = a.config.Host
	cfg.Username = username
	cfg.Password = a.config.Password
	return httpexec.New(a.config.DeviceID, cfg, a.logger)
}

func (a *Adapter) sessionConfig() session.Config {
	cfg := a.config.Session
	cfg.URL = "ws://" + a.config.Host + pathSocket
	cfg.Subscriptions = Subscriptions
	cfg.Header = http.Header{}
	if a.config.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + a.config.Password))
		cfg.Header.Set("Authorization", "Basic "+token)
	}
	return cfg
}

// Configure sets the device address and credentials. It takes effect on the
// next Connect.
func (a *Adapter) Configure(address, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Host = address
	a.config.Password = password
	a.exec = a.newExecutor()
}

// Model returns the device model.
func (a *Adapter) Model() *state.Model { return a.model }

// Limits returns the push topology limits.
func (a *Adapter) Limits() domain.Limits { return Limits }

// Status returns the last reported connectivity status.
func (a *Adapter) Status() domain.DeviceStatus { return a.dispatch.Status() }

// Connect performs the handshake and opens the session. A previous session
// and any pending handshake retry are torn down first.
func (a *Adapter) Connect() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	if a.connCancel != nil {
		a.connCancel()
	}
	if a.sess != nil {
		a.sess.Close()
		a.sess = nil
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.connCtx = ctx
	a.connCancel = cancel
	exec := a.exec
	a.mu.Unlock()

	a.model.ResetCollections()
	a.setStatus(domain.DeviceStatusConnecting, "")
	a.spawn(func() { a.run(ctx, exec) })
}

// Disconnect drops the session. It reconnects on its own after the
// reconnect delay.
func (a *Adapter) Disconnect(reason string) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()

	if sess == nil {
		a.setStatus(domain.DeviceStatusOffline, reason)
		return
	}
	sess.Disconnect(reason)
}

// Destroy closes the session and stops every outstanding request. The
// adapter cannot be reused.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.cancel()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	a.wg.Wait()
	a.setStatus(domain.DeviceStatusOffline, "")
	a.logger.Debug().Msg("Adapter destroyed")
}

func (a *Adapter) spawn(fn func()) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Adapter) setStatus(status domain.DeviceStatus, message string) {
	if a.dispatch.SetStatus(status, message) {
		a.metrics.SetDeviceStatus(a.config.DeviceID, status)
	}
}

func (a *Adapter) current() (context.Context, *httpexec.Executor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connCtx == nil || a.connCtx.Err() != nil {
		return nil, nil, domain.ErrNotConnected
	}
	return a.connCtx, a.exec, nil
}

func (a *Adapter) run(ctx context.Context, exec *httpexec.Executor) {
	for {
		err := a.handshake(ctx, exec)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn().
			Err(err).
			Str("outcome", string(httpexec.Classify(err))).
			Dur("retry_in", a.config.RetryDelay).
			Msg("Handshake failed")
		a.setStatus(domain.DeviceStatusError, "Connection failure")

		if !sleep(ctx, a.config.RetryDelay) {
			return
		}
	}

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	sess := session.New(a.sessionConfig(), &handler{a: a, ctx: ctx}, a.logger)
	a.sess = sess
	a.mu.Unlock()

	sess.Connect()
}

func (a *Adapter) handshake(ctx context.Context, exec *httpexec.Executor) error {
	resp, err := exec.Do(ctx, httpexec.Request{Path: pathDevice})
	a.metrics.RecordRequest(a.config.DeviceID, string(httpexec.Classify(err)))
	if err != nil {
		return err
	}

	ident, err := DecodeDevice(resp.Body)
	if err != nil {
		return err
	}
	a.dispatch.Dispatch(a.model.SetIdentity(ident))
	a.logger.Info().Str("name", a.model.Identity().Name).Msg("Connected to device")
	return nil
}

// handler receives the events of one session. Events arriving after the
// owning connection was replaced are dropped.
type handler struct {
	a   *Adapter
	ctx context.Context
}

func (h *handler) OnOpen() {
	if h.ctx.Err() != nil {
		return
	}
	h.a.model.ResetCollections()
	h.a.setStatus(domain.DeviceStatusOnline, "")
}

func (h *handler) OnMessage(data []byte) {
	if h.ctx.Err() != nil {
		return
	}
	n, err := DecodeNotification(data)
	if err != nil {
		h.a.logger.Debug().Err(err).Msg("Ignoring message")
		return
	}
	h.a.metrics.RecordNotification(h.a.config.DeviceID, string(Route(n.Path)))
	h.a.process(n.Path, n.Value)
}

func (h *handler) OnDisconnect(reason string) {
	if h.ctx.Err() != nil {
		return
	}
	a := h.a
	a.logger.Info().Str("reason", reason).Msg("Device disconnected")
	a.metrics.RecordDisconnect(a.config.DeviceID)
	if reason == session.ReasonPongTimeout {
		a.metrics.RecordHeartbeatTimeout(a.config.DeviceID)
	}
	a.setStatus(domain.DeviceStatusOffline, reason)
}

// process applies one resource payload, from a notification or a command
// response. Undecodable payloads are dropped whole.
func (a *Adapter) process(path string, raw []byte) {
	resource := Route(path)
	var (
		u   domain.Update
		err error
	)

	switch resource {
	case ResourceDevice:
		var ident domain.IdentityFragment
		if ident, err = DecodeDevice(raw); err == nil {
			u = a.model.SetIdentity(ident)
		}

	case ResourcePorts:
		var pu PortUpdate
		if pu, err = DecodePorts(raw); err == nil {
			if pu.Keyed {
				u = a.model.MergePorts(pu.Ports)
			} else {
				u = a.model.UpsertPorts(pu.Ports)
			}
		}

	case ResourceGroups:
		groups, ok, derr := DecodeGroups(raw)
		if err = derr; err == nil && ok {
			u = a.model.ReplaceGroups(groups)
		}

	case ResourceTrunks:
		trunks, ok, derr := DecodeTrunks(raw)
		if err = derr; err == nil && ok {
			u = a.model.ReplaceTrunks(trunks)
		}

	case ResourcePoeCapable:
		var capable bool
		if capable, err = DecodePoeCapable(raw); err == nil {
			u = a.model.SetPoeCapable(capable)
		}

	case ResourcePoePorts:
		ports, ok, derr := DecodePoePorts(raw)
		if err = derr; err == nil && ok {
			u = a.model.UpsertPoePorts(ports)
		}

	case ResourceActiveProfile:
		var name string
		if name, err = DecodeActiveProfile(raw); err == nil {
			u = a.model.SetIdentity(domain.IdentityFragment{ActiveProfile: &name})
		}

	case ResourceProfiles:
		var profiles []domain.ProfileFragment
		if profiles, err = DecodeProfiles(raw); err == nil {
			u = a.model.UpsertProfiles(profiles)
		}

	case ResourceIgnored:
		return

	default:
		a.logger.Debug().Str("path", path).Msg("Unhandled resource")
		return
	}

	if err != nil {
		a.logger.Error().Err(err).Str("path", path).Msg("Dropping undecodable payload")
		a.metrics.RecordDecodeError(a.config.DeviceID, string(resource))
		return
	}
	a.dispatch.Dispatch(u)
}

// send issues a PUT without waiting for it. A JSON response is routed like
// a notification for the same path.
func (a *Adapter) send(op, path string, body any) error {
	ctx, exec, err := a.current()
	if err != nil {
		return err
	}
	a.spawn(func() { a.do(ctx, exec, op, path, body) })
	return nil
}

func (a *Adapter) do(ctx context.Context, exec *httpexec.Executor, op, path string, body any) {
	resp, err := exec.Do(ctx, httpexec.Request{
		Method: http.MethodPut,
		Path:   "api/" + path,
		JSON:   body,
	})
	outcome := httpexec.Classify(err)
	a.metrics.RecordRequest(a.config.DeviceID, string(outcome))
	if err != nil {
		if outcome != httpexec.OutcomeCanceled {
			a.logger.Warn().Err(err).Str("operation", op).Str("outcome", string(outcome)).Msg("Command failed")
		}
		return
	}
	if !strings.Contains(resp.ContentType, jsonMimeType) {
		a.logger.Debug().Str("operation", op).Str("content_type", resp.ContentType).Msg("Unexpected content type")
		return
	}
	if ctx.Err() == nil {
		a.process(path, resp.Body)
	}
}

// sendThenDisconnect issues a disruptive command and drops the session once
// the device's own delay plus the disconnect delay has passed.
func (a *Adapter) sendThenDisconnect(op, path string, body any, delay time.Duration, reason string) error {
	ctx, exec, err := a.current()
	if err != nil {
		return err
	}
	a.spawn(func() { a.do(ctx, exec, op, path, body) })
	a.spawn(func() {
		if sleep(ctx, delay+a.config.DisconnectDelay) {
			a.Disconnect(reason)
		}
	})
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// Identify blinks the unit for the given number of seconds.
func (a *Adapter) Identify(seconds int) error {
	return a.send("identify", "identify", map[string]any{"duration": seconds})
}

// Reboot restarts the unit after delay.
func (a *Adapter) Reboot(delay time.Duration) error {
	return a.sendThenDisconnect("reboot", "reboot",
		map[string]any{"wait": millis(delay)}, delay, "Reboot triggered")
}

// Reset restores factory defaults after delay.
func (a *Adapter) Reset(keepIP, keepProfiles bool, delay time.Duration) error {
	body := map[string]any{
		"keep_ip":       keepIP,
		"keep_profiles": keepProfiles,
		"wait":          millis(delay),
	}
	return a.sendThenDisconnect("reset", "reset", body, delay, "Reset triggered")
}

func profilePath(id int, action string) string {
	return "config/profiles/" + strconv.Itoa(id-1) + "/" + action
}

// RecallProfile activates a saved profile after delay.
func (a *Adapter) RecallProfile(id int, keepIP bool, delay time.Duration) error {
	const op = "recall_profile"
	if err := a.guard.ProfileRecall(op, id); err != nil {
		return err
	}
	body := map[string]any{"keep_ip": keepIP, "wait": millis(delay)}
	return a.sendThenDisconnect(op, profilePath(id, "recall"), body, delay, "Profile recall triggered")
}

// SaveProfile stores the running configuration in a profile slot.
func (a *Adapter) SaveProfile(id int, name string) error {
	const op = "save_profile"
	if err := a.guard.ProfileSave(op, id); err != nil {
		return err
	}
	return a.send(op, profilePath(id, "save"), map[string]any{"name": name})
}

func (a *Adapter) setMembership(op string, port int, member domain.MemberOf) error {
	a.logger.Info().
		Int("port", port).
		Str("type", string(member.Type)).
		Int("id", member.ID).
		Msg("Changing port membership")
	path := "ports/port/" + strconv.Itoa(port) + "/member_of"
	return a.send(op, path, map[string]any{"type": member.Type, "id": member.ID})
}

// SetPortGroup moves a port into a group.
func (a *Adapter) SetPortGroup(port, groupID int) error {
	const op = "set_port_group"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	return a.setMembership(op, port, domain.MemberOf{Type: domain.MembershipGroup, ID: groupID})
}

// SetPortTrunk moves a port into a trunk.
func (a *Adapter) SetPortTrunk(port, trunkID int) error {
	const op = "set_port_trunk"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	return a.setMembership(op, port, domain.MemberOf{Type: domain.MembershipTrunk, ID: trunkID})
}

// IncrementPortMembership moves a port to the next group or trunk in
// device order, wrapping after the last one.
func (a *Adapter) IncrementPortMembership(port int) error {
	const op = "increment_port_membership"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	next, err := a.model.NextMembership(port, Limits.MaxGroups)
	if err != nil {
		return a.guard.Reject(op, err, "port %d: %v", port, err)
	}
	return a.setMembership(op, port, next)
}

// SetPortPoe switches PoE on a port. Disabling drops sourcing locally right
// away.
func (a *Adapter) SetPortPoe(port int, enabled bool) error {
	const op = "set_port_poe"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	if err := a.guard.Poe(op); err != nil {
		return err
	}
	if err := a.send(op, "poe/ports/"+strconv.Itoa(port)+"/enabled", enabled); err != nil {
		return err
	}
	if !enabled {
		a.dispatch.Dispatch(a.model.ForcePoeOff(port))
	}
	return nil
}

// SetPortLinkEnabled administratively enables or disables a port.
func (a *Adapter) SetPortLinkEnabled(port int, enabled bool) error {
	const op = "set_port_link"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	a.logger.Debug().Int("port", port).Bool("enabled", enabled).Msg("Setting port link")
	return a.send(op, "ports/port/"+strconv.Itoa(port)+"/enabled", enabled)
}
