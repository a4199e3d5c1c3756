package valkey

import (
	"sync"

	"pdulink/config"
	"pdulink/pduman"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
	namespace  string

	// Shared callbacks
	outletHandler     OutletHandler
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager(namespace string) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  namespace,
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace)
	pub.SetOutletHandler(m.outletHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
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

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishChanges stores each change on every running publisher.
func (m *Manager) PublishChanges(changes []pduman.ValueChange) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		for _, c := range changes {
			if err := pub.PublishReading(c); err != nil {
				debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
				break
			}
		}
	}
}

// PublishHealth stores device health on every running publisher.
func (m *Manager) PublishHealth(h pduman.Health) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishHealth(h); err != nil {
				debugLog("Valkey health publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// SetOutletHandler sets the outlet handler for all publishers.
func (m *Manager) SetOutletHandler(handler OutletHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outletHandler = handler
	for _, pub := range m.publishers {
		pub.SetOutletHandler(handler)
	}
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
