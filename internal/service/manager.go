// Package service owns the configured switches: it builds one adapter per
// device, keeps the set in step with the inventory and routes MQTT commands
// to the adapters.
package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
	"github.com/nexus-edge/gigacore-gateway/internal/metrics"
)

// AdapterFactory builds an unconnected adapter for a device at address.
type AdapterFactory func(device *domain.Device, address string) DeviceAdapter

// Manager keeps exactly one adapter per enabled device.
type Manager struct {
	factory AdapterFactory
	metrics *metrics.Registry
	logger  zerolog.Logger

	// applyMu serializes inventory changes; mu only guards the map so
	// lookups never wait on an adapter teardown.
	applyMu sync.Mutex
	stopped bool

	mu      sync.RWMutex
	devices map[string]*managedDevice
	stats   ManagerStats
}

// ManagerStats tracks adapter lifecycle events.
type ManagerStats struct {
	Created   atomic.Uint64
	Destroyed atomic.Uint64
	Skipped   atomic.Uint64
}

type managedDevice struct {
	device  domain.Device
	adapter DeviceAdapter
	since   time.Time
}

// DeviceInfo describes one managed device.
type DeviceInfo struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Protocol domain.Protocol     `json:"protocol"`
	Status   domain.DeviceStatus `json:"status"`
	Since    time.Time           `json:"since"`
}

// NewManager creates an empty manager.
func NewManager(factory AdapterFactory, m *metrics.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		factory: factory,
		metrics: m,
		logger:  logger.With().Str("component", "device-manager").Logger(),
		devices: make(map[string]*managedDevice),
	}
}

// Apply reconciles the managed set with an inventory. Adapters of removed,
// disabled or retargeted devices are destroyed before any new adapter is
// created, so two adapters never serve the same device id.
func (m *Manager) Apply(devices []*domain.Device) {
	desired := make(map[string]*domain.Device, len(devices))
	var order []*domain.Device

	for _, d := range devices {
		if !d.Enabled {
			m.logger.Debug().Str("device_id", d.ID).Msg("Skipping disabled device")
			continue
		}
		if err := d.Validate(); err != nil {
			m.logger.Warn().Err(err).Str("device_id", d.ID).Msg("Skipping invalid device")
			m.stats.Skipped.Add(1)
			continue
		}
		if _, dup := desired[d.ID]; dup {
			m.logger.Warn().Str("device_id", d.ID).Msg("Skipping duplicate device id")
			m.stats.Skipped.Add(1)
			continue
		}
		desired[d.ID] = d
		order = append(order, d)
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	if m.stopped {
		return
	}

	stale := make(map[string]*managedDevice)
	m.mu.Lock()
	for id, md := range m.devices {
		if d, ok := desired[id]; ok && md.device.SameTarget(d) {
			md.device = *d
			continue
		}
		stale[id] = md
		delete(m.devices, id)
	}
	m.mu.Unlock()

	for id, md := range stale {
		m.destroy(id, md)
	}

	var created []*managedDevice
	m.mu.Lock()
	for _, d := range order {
		if _, ok := m.devices[d.ID]; ok {
			continue
		}
		address, _ := d.Address()
		md := &managedDevice{device: *d, adapter: m.factory(d, address), since: time.Now()}
		m.devices[d.ID] = md
		created = append(created, md)
		m.stats.Created.Add(1)
	}
	m.mu.Unlock()

	for _, md := range created {
		address, _ := md.device.Address()
		m.logger.Info().
			Str("device_id", md.device.ID).
			Str("device_name", md.device.Name).
			Str("address", address).
			Str("protocol", string(md.device.Protocol())).
			Msg("Connecting device")
		md.adapter.Connect()
	}
}

// Remove destroys the adapter of one device.
func (m *Manager) Remove(deviceID string) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	md, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if !ok {
		return domain.ErrDeviceNotFound
	}
	m.destroy(deviceID, md)
	return nil
}

// destroy tears down an adapter already removed from the map.
func (m *Manager) destroy(id string, md *managedDevice) {
	md.adapter.Destroy()
	m.metrics.RemoveDevice(id)
	m.stats.Destroyed.Add(1)
	m.logger.Info().Str("device_id", id).Msg("Device adapter destroyed")
}

// Get returns the adapter of a device.
func (m *Manager) Get(deviceID string) (DeviceAdapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	md, ok := m.devices[deviceID]
	if !ok {
		return nil, false
	}
	return md.adapter, true
}

// Devices lists the managed devices ordered by id.
func (m *Manager) Devices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(m.devices))
	for id, md := range m.devices {
		out = append(out, DeviceInfo{
			ID:       id,
			Name:     md.device.Name,
			Protocol: md.device.Protocol(),
			Status:   md.adapter.Status(),
			Since:    md.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop destroys every adapter, giving up waiting when ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.applyMu.Lock()
	m.stopped = true
	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*managedDevice)
	m.mu.Unlock()
	m.applyMu.Unlock()

	m.logger.Info().Int("devices", len(devices)).Msg("Stopping device manager")

	var wg sync.WaitGroup
	for id, md := range devices {
		wg.Add(1)
		go func(id string, a DeviceAdapter) {
			defer wg.Done()
			a.Destroy()
			m.metrics.RemoveDevice(id)
			m.stats.Destroyed.Add(1)
		}(id, md.adapter)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("All adapters stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn().Msg("Timeout waiting for adapters to stop")
		return ctx.Err()
	}
}

// Stats returns the lifecycle counters.
func (m *Manager) Stats() map[string]uint64 {
	return map[string]uint64{
		"adapters_created":   m.stats.Created.Load(),
		"adapters_destroyed": m.stats.Destroyed.Load(),
		"devices_skipped":    m.stats.Skipped.Load(),
	}
}
