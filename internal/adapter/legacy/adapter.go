// Package legacy implements the polling adapter for switches that only
// speak the delimited-text HTTP protocol.
package legacy

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/adapter/httpexec"
	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
	"github.com/nexus-edge/gigacore-gateway/internal/notify"
	"github.com/nexus-edge/gigacore-gateway/internal/policy"
	"github.com/nexus-edge/gigacore-gateway/internal/state"
)

const (
	pathSwitchLegend = "config/switchlegend"
	pathPortLegend   = "config/portlegend"
	pathPorts        = "config/ports"
	pathPoeConfig    = "config/poe_config"
	pathGroups       = "config/groups"
	pathPortProtect  = "config/portprotect"
	pathPoeStatus    = "stat/poe_status"
	pathProfileName  = "config/profile_name"
	pathProfileList  = "config/icfg_profile_list"
	pathIdentify     = "config/lmx"
	pathMisc         = "config/misc"
	pathGroupPort    = "config/group_port"
	pathRecall       = "config/icfg_profile_activate"
	pathSave         = "config/icfg_profile_save"
)

// Limits are the fixed topology limits of legacy units.
var Limits = domain.Limits{Profiles: 10, MaxGroups: 20, MaxTrunks: 1}

// Config holds configuration for the polling adapter.
type Config struct {
	// DeviceID identifies the device in logs and metrics
	DeviceID string

	// Host is the device address
	Host string

	// Password for basic auth; the username is fixed
	Password string

	// PollInterval is the short cycle for ports, PoE and groups
	PollInterval time.Duration

	// LongPollInterval is the cycle for profile names
	LongPollInterval time.Duration

	// RetryDelay is the wait before retrying a failed handshake
	RetryDelay time.Duration

	// DisconnectDelay follows a disruptive command before the device is
	// marked disconnected
	DisconnectDelay time.Duration

	// Executor carries timeout and breaker settings
	Executor httpexec.Config
}

// Adapter polls one legacy switch and reconciles its responses.
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
	connCtx    context.Context
	connCancel context.CancelFunc
	destroyed  bool
}

// New creates a polling adapter. Nothing is requested until Connect.
func New(config Config, host notify.Host, m *metrics.Registry, logger zerolog.Logger) *Adapter {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.LongPollInterval <= 0 {
		config.LongPollInterval = 15 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.DisconnectDelay <= 0 {
		config.DisconnectDelay = 500 * time.Millisecond
	}

	logger = logger.With().
		Str("component", "legacy-adapter").
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
	cfg.Password = a.config.Password
	cfg.AuthAlways = true
	return httpexec.New(a.config.DeviceID, cfg, a.logger)
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

// Limits returns the legacy topology limits.
func (a *Adapter) Limits() domain.Limits { return Limits }

// Status returns the last reported connectivity status.
func (a *Adapter) Status() domain.DeviceStatus { return a.dispatch.Status() }

// Connect starts the handshake and, once it succeeds, both poll cycles. A
// previous connection's timers are canceled first and the model starts
// empty.
func (a *Adapter) Connect() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	if a.connCancel != nil {
		a.connCancel()
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

// Disconnect marks the device disconnected. Polling continues so the device
// is picked up again once it answers.
func (a *Adapter) Disconnect(reason string) {
	a.logger.Info().Str("reason", reason).Msg("Device disconnected")
	a.setStatus(domain.DeviceStatusOffline, reason)
}

// Destroy stops every timer and outstanding request. The adapter cannot be
// reused.
func (a *Adapter) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	a.cancel()
	a.mu.Unlock()

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

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.config.RetryDelay):
		}
	}

	a.fetch(ctx, exec, pathPorts)

	short := time.NewTicker(a.config.PollInterval)
	defer short.Stop()
	long := time.NewTicker(a.config.LongPollInterval)
	defer long.Stop()

	a.pollDevice(ctx, exec)
	a.pollProfiles(ctx, exec)

	for {
		select {
		case <-ctx.Done():
			return
		case <-short.C:
			a.pollDevice(ctx, exec)
		case <-long.C:
			a.pollProfiles(ctx, exec)
		}
	}
}

func (a *Adapter) handshake(ctx context.Context, exec *httpexec.Executor) error {
	resp, err := exec.Do(ctx, httpexec.Request{Path: pathSwitchLegend})
	a.metrics.RecordRequest(a.config.DeviceID, string(httpexec.Classify(err)))
	if err != nil {
		return err
	}

	legend, err := DecodeSwitchLegend(string(resp.Body))
	if err != nil {
		return err
	}

	ident := legend.Identity(true)
	ident.Model = domain.Ptr(ModelForPortCount(a.model.NrPorts()))
	a.dispatch.Dispatch(a.model.SetIdentity(ident))

	a.logger.Info().Str("name", legend.Name).Msg("Connected to legacy device")
	a.setStatus(domain.DeviceStatusOnline, "")
	return nil
}

func (a *Adapter) pollDevice(ctx context.Context, exec *httpexec.Executor) {
	for _, p := range []string{pathSwitchLegend, pathPortLegend, pathPorts, pathPoeConfig, pathGroups, pathPortProtect} {
		a.fetch(ctx, exec, p)
	}
	if a.model.PoeCapable() {
		a.fetch(ctx, exec, pathPoeStatus)
	}
}

func (a *Adapter) pollProfiles(ctx context.Context, exec *httpexec.Executor) {
	a.fetch(ctx, exec, pathProfileName)
	a.fetch(ctx, exec, pathProfileList)
}

// fetch issues a GET without waiting for it. Responses may be processed in
// any order.
func (a *Adapter) fetch(ctx context.Context, exec *httpexec.Executor, path string) {
	a.spawn(func() { a.get(ctx, exec, path) })
}

func (a *Adapter) get(ctx context.Context, exec *httpexec.Executor, path string) {
	resp, err := exec.Do(ctx, httpexec.Request{Path: path})
	a.observe(ctx, path, err)
	if err != nil || ctx.Err() != nil {
		return
	}
	a.process(path, resp)
}

// observe records the outcome of one request and updates connectivity.
func (a *Adapter) observe(ctx context.Context, path string, err error) {
	outcome := httpexec.Classify(err)
	a.metrics.RecordRequest(a.config.DeviceID, string(outcome))

	switch outcome {
	case httpexec.OutcomeOK:
		if a.dispatch.Status() != domain.DeviceStatusOnline {
			a.setStatus(domain.DeviceStatusOnline, "")
		}
	case httpexec.OutcomeCanceled:
	default:
		if ctx.Err() != nil {
			return
		}
		a.logger.Debug().Err(err).Str("path", path).Str("outcome", string(outcome)).Msg("Request failed")
		a.setStatus(domain.DeviceStatusError, "Connection failure")
	}
}

func (a *Adapter) process(path string, resp *httpexec.Response) {
	body := string(resp.Body)
	var u domain.Update

	switch path {
	case pathSwitchLegend:
		legend, err := DecodeSwitchLegend(body)
		if err != nil {
			a.decodeError(path, err)
			return
		}
		u = a.model.SetIdentity(legend.Identity(false))

	case pathPortLegend:
		u = a.model.MergePorts(DecodePortLegends(body))

	case pathPorts:
		u = a.model.UpsertPorts(DecodePortTable(body))
		if u.Initialized.Has(domain.CollectionPorts) {
			model := ModelForPortCount(a.model.NrPorts())
			u.Merge(a.model.SetIdentity(domain.IdentityFragment{Model: &model}))
		}

	case pathPoeConfig:
		cfg, err := DecodePoeConfig(body)
		if err != nil {
			a.decodeError(path, err)
			return
		}
		u = a.model.SetPoeCapable(cfg.Capable)
		if cfg.Capable {
			u.Merge(a.model.UpsertPoePorts(cfg.Ports))
		}

	case pathPoeStatus:
		if !a.model.PoeCapable() {
			return
		}
		u = a.model.MergePoePorts(DecodePoeStatus(body))

	case pathGroups:
		table := DecodeGroupTable(body)
		u = a.model.ReplaceGroups(table.Groups)
		u.Merge(a.model.ReplaceTrunks(table.Trunks))
		u.Merge(a.model.MergePorts(table.Members))

	case pathPortProtect:
		frags, err := DecodePortProtect(resp.Body)
		if err != nil {
			a.decodeError(path, err)
			return
		}
		u = a.model.MergePorts(frags)

	case pathProfileName:
		u = a.model.SetIdentity(domain.IdentityFragment{ActiveProfile: domain.Ptr(DecodeActiveProfile(body))})

	case pathProfileList:
		u = a.model.UpsertProfiles(DecodeProfileList(body))

	default:
		a.logger.Debug().Str("path", path).Msg("Unhandled response")
		return
	}

	a.dispatch.Dispatch(u)
}

func (a *Adapter) decodeError(path string, err error) {
	a.logger.Error().Err(err).Str("path", path).Msg("Dropping undecodable response")
	a.metrics.RecordDecodeError(a.config.DeviceID, path)
}

// send issues a mutation without waiting for it, then re-fetches the given
// resources once it completes.
func (a *Adapter) send(op string, req httpexec.Request, refetch ...string) error {
	ctx, exec, err := a.current()
	if err != nil {
		return err
	}
	a.spawn(func() { a.do(ctx, exec, op, req, refetch...) })
	return nil
}

func (a *Adapter) do(ctx context.Context, exec *httpexec.Executor, op string, req httpexec.Request, refetch ...string) {
	_, err := exec.Do(ctx, req)
	a.observe(ctx, req.Path, err)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn().Err(err).Str("operation", op).Msg("Command failed")
		}
		return
	}
	for _, p := range refetch {
		a.fetch(ctx, exec, p)
	}
}

// sendLater issues a disruptive mutation after delay and marks the device
// disconnected shortly afterwards.
func (a *Adapter) sendLater(op string, delay time.Duration, req httpexec.Request, reason string) error {
	ctx, exec, err := a.current()
	if err != nil {
		return err
	}
	a.spawn(func() {
		if !sleep(ctx, delay) {
			return
		}
		a.do(ctx, exec, op, req)
		if !sleep(ctx, a.config.DisconnectDelay) {
			return
		}
		a.Disconnect(reason)
	})
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func post(path string, form url.Values) httpexec.Request {
	return httpexec.Request{Method: http.MethodPost, Path: path, Form: form}
}

func slotName(id int) string {
	return "Slot" + strings.ToUpper(strconv.FormatInt(int64(id), 16))
}

// Identify blinks the unit. Legacy units ignore the duration.
func (a *Adapter) Identify(seconds int) error {
	a.logger.Debug().Int("seconds", seconds).Msg("Identify")
	return a.send("identify", post(pathIdentify, url.Values{"wink": {"1"}}))
}

// Reboot restarts the unit after delay.
func (a *Adapter) Reboot(delay time.Duration) error {
	return a.sendLater("reboot", delay, post(pathMisc, url.Values{"now": {"1"}}), "Reboot triggered")
}

// Reset restores factory defaults after delay.
func (a *Adapter) Reset(keepIP, keepProfiles bool, delay time.Duration) error {
	form := url.Values{}
	if keepIP {
		form.Set("factory", "yes")
	} else {
		form.Set("factory_full", "yes")
	}
	if !keepProfiles {
		form.Set("clear_profiles", "yes")
	}
	return a.sendLater("reset", delay, post(pathMisc, form), "Reset triggered")
}

// RecallProfile activates a saved profile after delay.
func (a *Adapter) RecallProfile(id int, keepIP bool, delay time.Duration) error {
	const op = "recall_profile"
	if err := a.guard.ProfileRecall(op, id); err != nil {
		return err
	}
	form := url.Values{"slot_name": {slotName(id)}}
	if keepIP {
		form.Set("keep_ip", "1")
	}
	return a.sendLater(op, delay, post(pathRecall, form), "Profile recall triggered")
}

// SaveProfile stores the running configuration in a profile slot.
func (a *Adapter) SaveProfile(id int, name string) error {
	const op = "save_profile"
	if err := a.guard.ProfileSave(op, id); err != nil {
		return err
	}
	form := url.Values{"slot_name": {slotName(id)}, "profile_name": {name}}
	return a.send(op, post(pathSave, form), pathProfileList)
}

func (a *Adapter) setGroup(op string, port, group int) error {
	a.logger.Info().Int("port", port).Int("group", group).Msg("Changing port membership")
	req := httpexec.Request{
		Path:  pathGroupPort,
		Query: url.Values{"port": {strconv.Itoa(port)}, "group": {strconv.Itoa(group)}},
	}
	return a.send(op, req, pathGroups)
}

// SetPortGroup moves a port into a group.
func (a *Adapter) SetPortGroup(port, groupID int) error {
	const op = "set_port_group"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	return a.setGroup(op, port, groupID)
}

// SetPortTrunk moves a port onto the inter-switch link, the only trunk a
// legacy unit has.
func (a *Adapter) SetPortTrunk(port, trunkID int) error {
	const op = "set_port_trunk"
	if trunkID != islTrunkID {
		return a.guard.Reject(op, domain.ErrUnsupportedTopology,
			"only trunk %d (ISL) exists on this unit, %d is invalid", islTrunkID, trunkID)
	}
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	return a.setGroup(op, port, trunkGroupID)
}

// IncrementPortMembership moves a port to the next group id, wrapping from
// the last group to the first. ISL ports cannot be cycled.
func (a *Adapter) IncrementPortMembership(port int) error {
	const op = "increment_port_membership"
	if err := a.guard.Port(op, port); err != nil {
		return err
	}
	p, ok := a.model.Port(port)
	if !ok {
		return a.guard.Reject(op, domain.ErrMembershipNotCyclable, "membership of port %d is not known yet", port)
	}
	switch p.MemberOf.Normalize().Type {
	case domain.MembershipTrunk:
		return a.guard.Reject(op, domain.ErrMembershipNotCyclable,
			"port %d is an ISL port and cannot be changed to a group", port)
	case domain.MembershipNone:
		return a.guard.Reject(op, domain.ErrMembershipNotCyclable, "port %d has no group", port)
	}

	next := p.MemberOf.ID + 1
	if p.MemberOf.ID >= Limits.MaxGroups {
		next = 1
	}
	return a.setGroup(op, port, next)
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

	mode := "0"
	if enabled {
		mode = "2"
	}
	n := strconv.Itoa(port)
	form := url.Values{
		"hidden_portno_" + n:   {n},
		"hidden_poe_mode_" + n: {mode},
	}
	if err := a.send(op, post(pathPoeConfig, form)); err != nil {
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

	speed := "0A0A0A0A0"
	if enabled {
		speed = "1A1A0A0A0"
		// Dual media ports of the 26-port unit.
		if a.model.NrPorts() == 26 && port > 20 && port < 25 {
			speed = "1A1A0A0A4"
		}
	}
	form := url.Values{"speed_" + strconv.Itoa(port): {speed}}
	return a.send(op, post(pathPorts, form), pathPorts)
}
