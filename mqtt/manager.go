package mqtt

import (
	"sort"
	"sync"

	"pdulink/config"
	"pdulink/pduman"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers    map[string]*Publisher
	mu            sync.RWMutex
	namespace     string
	outletHandler OutletHandler
	devices       []string
}

// NewManager creates a new MQTT manager.
func NewManager(namespace string) *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
		namespace:  namespace,
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.outletHandler
	devices := m.devices
	m.mu.Unlock()

	// Apply current settings to new publisher
	if handler != nil {
		pub.SetOutletHandler(handler)
	}
	if len(devices) > 0 {
		pub.SetDevices(devices)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// PublishChanges sends each change to every running publisher.
func (m *Manager) PublishChanges(changes []pduman.ValueChange, force bool) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, c := range changes {
			pub.PublishReading(c, force)
		}
	}
}

// PublishHealth sends a device's health to every running publisher.
func (m *Manager) PublishHealth(h pduman.Health) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishHealth(h)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], m.namespace))
	}
}

// SetOutletHandler sets the outlet command handler for all publishers.
func (m *Manager) SetOutletHandler(handler OutletHandler) {
	m.mu.Lock()
	m.outletHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetOutletHandler(handler)
	}
}

// SetDevices sets the devices whose outlet topics are subscribed and
// resubscribes running publishers.
func (m *Manager) SetDevices(names []string) {
	m.mu.Lock()
	m.devices = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetDevices(names)
		if pub.IsRunning() {
			pub.subscribeOutletTopics()
		}
	}
}
