// Package pduman polls Eaton ePDUs and coordinates outlet commands across
// many devices.
package pduman

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/sensor"
)

// Change kinds.
const (
	KindReading = "reading"
	KindSwitch  = "switch"
)

// ValueChange is a reading or outlet switch whose value changed between
// two snapshots.
type ValueChange struct {
	Device      string      `json:"device"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Unit        string      `json:"unit"`
	Table       string      `json:"table"`
	Index       int         `json:"index"`
	Metric      string      `json:"metric"`
	Value       interface{} `json:"value"`
	UoM         string      `json:"unit_of_measurement,omitempty"`
	DeviceClass string      `json:"device_class,omitempty"`
	Generation  uint64      `json:"generation"`
	Timestamp   time.Time   `json:"timestamp"`
}

func readingChange(device string, r sensor.Reading, snap *Snapshot) ValueChange {
	return ValueChange{
		Device:      device,
		ID:          r.ID,
		Name:        r.Name,
		Kind:        KindReading,
		Unit:        r.Unit,
		Table:       string(r.Table),
		Index:       r.Index,
		Metric:      r.Metric,
		Value:       r.Value,
		UoM:         r.UoM,
		DeviceClass: r.DeviceClass,
		Generation:  snap.Generation(),
		Timestamp:   snap.Time(),
	}
}

func switchChange(device string, s sensor.Switch, snap *Snapshot) ValueChange {
	return ValueChange{
		Device:      device,
		ID:          s.ID,
		Name:        s.Name,
		Kind:        KindSwitch,
		Unit:        s.Unit,
		Table:       string(sensor.TableOutlet),
		Index:       s.Outlet,
		Metric:      sensor.MetricStatus,
		Value:       s.On,
		DeviceClass: sensor.ClassOutlet,
		Generation:  snap.Generation(),
		Timestamp:   snap.Time(),
	}
}

// StatusChange is a coordinator state transition. Previous is the last
// settled state, never Refreshing.
type StatusChange struct {
	Device    string    `json:"device"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Previous  State     `json:"-"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recovered reports whether the device returned to Ready after a failure.
func (s StatusChange) Recovered() bool {
	return s.State == StateReady && s.Previous == StateFailed
}

// Command is the outcome of one outlet command.
type Command struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id,omitempty"`
	Source    string        `json:"source,omitempty"`
	Device    string        `json:"device"`
	Unit      string        `json:"unit"`
	Outlet    string        `json:"outlet"`
	On        bool          `json:"on"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Issued    time.Time     `json:"issued"`
	Duration  time.Duration `json:"duration"`
}

// CommandOption annotates an outlet command.
type CommandOption func(*Command)

// FromSource names the surface that issued the command, such as "api" or
// "mqtt".
func FromSource(source string) CommandOption {
	return func(c *Command) { c.Source = source }
}

// WithRequestID carries a caller-supplied correlation ID.
func WithRequestID(id string) CommandOption {
	return func(c *Command) { c.RequestID = id }
}

// Manager manages multiple ePDUs.
type Manager struct {
	devices       map[string]*Device
	order         []string
	mu            sync.RWMutex
	pollRate      time.Duration
	batchInterval time.Duration
	dial          DialFunc
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool

	onChange       func()
	onValueChange  func(changes []ValueChange)
	onStatusChange func(StatusChange)
	onCommand      func(Command)

	changeChan  chan []ValueChange // Aggregates value changes from coordinators
	statusDirty int32              // Atomic flag: 1 if listeners need a status refresh
}

// NewManager creates a new device manager.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = config.DefaultPollRate
	}
	return &Manager{
		devices:       make(map[string]*Device),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		dial:          dialSNMP,
		changeChan:    make(chan []ValueChange, 100),
	}
}

// SetDialer replaces how devices added from now on are reached. The default
// dials SNMP.
func (m *Manager) SetDialer(fn DialFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dial = fn
}

// SetOnChange sets a callback run at most once per batch interval after any
// device's status changed.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets the callback for batched reading changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// SetOnStatusChange sets the callback for coordinator state transitions.
func (m *Manager) SetOnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

// SetOnCommand sets the callback run after every outlet command.
func (m *Manager) SetOnCommand(fn func(Command)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommand = fn
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

// sendChanges sends changes to the batching channel (non-blocking).
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Channel full, drop oldest and retry
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// AddDevice adds a device to the manager. Enabled devices start polling
// right away when the manager is running.
func (m *Manager) AddDevice(cfg config.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("device %q: %w", cfg.Name, err)
	}
	cfg = cfg.WithDefaults(m.pollRate)

	m.mu.Lock()
	if _, exists := m.devices[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("device %q already exists", cfg.Name)
	}
	dial := m.dial
	m.mu.Unlock()

	reader, writer, err := dial(cfg)
	if err != nil {
		return fmt.Errorf("device %q: %w", cfg.Name, err)
	}

	opts := []CoordinatorOption{
		WithName(cfg.Name),
		WithInterval(cfg.UpdateInterval),
		WithSettleDelay(cfg.Settle()),
		WithImplicitUnit(cfg.ImplicitUnit),
	}
	if writer != nil {
		opts = append(opts, WithWriter(writer))
	}

	dev := &Device{
		Config:      cfg,
		Coordinator: NewCoordinator(reader, opts...),
		reader:      reader,
		writer:      writer,
		opts:        newOptions(cfg),
	}
	dev.Coordinator.SetOnUpdate(func(prev, next *Snapshot) {
		if changes := dev.diff(next); len(changes) > 0 {
			m.sendChanges(changes)
		}
	})
	// settled is the last state other than Refreshing.
	var settled atomic.Int32
	dev.Coordinator.SetOnStateChange(func(state State, err error) {
		prev := State(settled.Load())
		if state != StateRefreshing {
			settled.Store(int32(state))
		}
		m.statusChanged(dev, prev, state, err)
	})

	m.mu.Lock()
	if _, exists := m.devices[cfg.Name]; exists {
		m.mu.Unlock()
		dev.close()
		return fmt.Errorf("device %q already exists", cfg.Name)
	}
	m.devices[cfg.Name] = dev
	m.order = append(m.order, cfg.Name)
	running := m.running
	m.mu.Unlock()

	logging.DebugLog("pduman", "added device %s (%s:%d)", cfg.Name, cfg.Host, cfg.Port)
	if running && cfg.Enabled {
		dev.Coordinator.Start()
	}
	m.markStatusDirty()
	return nil
}

// RemoveDevice stops and removes a device.
func (m *Manager) RemoveDevice(name string) error {
	m.mu.Lock()
	dev, exists := m.devices[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	delete(m.devices, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	dev.Coordinator.Stop()
	dev.close()
	logging.DebugLog("pduman", "removed device %s", name)
	m.markStatusDirty()
	return nil
}

// GetDevice returns a device by name, or nil.
func (m *Manager) GetDevice(name string) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[name]
}

// ListDevices returns all devices in the order they were added.
func (m *Manager) ListDevices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.devices[name])
	}
	return out
}

func (m *Manager) device(name string) (*Device, error) {
	dev := m.GetDevice(name)
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return dev, nil
}

// Start begins polling every enabled device.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	devices := make([]*Device, 0, len(m.devices))
	for _, name := range m.order {
		devices = append(devices, m.devices[name])
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()

	for _, dev := range devices {
		if dev.Config.Enabled {
			dev.Coordinator.Start()
		}
	}
}

// Stop halts polling and closes every device's clients.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	devices := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	m.mu.Unlock()

	for _, dev := range devices {
		dev.Coordinator.Stop()
	}
	cancel()
	m.wg.Wait()

	for _, dev := range devices {
		dev.close()
	}
}

// batchedUpdateLoop aggregates changes and delivers them at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			pendingChanges = append(pendingChanges, m.drain()...)
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.mu.RLock()
				fn := m.onChange
				m.mu.RUnlock()
				if fn != nil {
					fn()
				}
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

// drain empties the change channel without blocking.
func (m *Manager) drain() []ValueChange {
	var out []ValueChange
	for {
		select {
		case changes := <-m.changeChan:
			out = append(out, changes...)
		default:
			return out
		}
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	m.mu.RLock()
	fn := m.onValueChange
	m.mu.RUnlock()
	if fn != nil {
		fn(changes)
	}
}

func (m *Manager) statusChanged(dev *Device, prev, state State, err error) {
	sc := StatusChange{
		Device:    dev.Config.Name,
		State:     state,
		StateName: state.String(),
		Previous:  prev,
		Timestamp: time.Now(),
	}
	if err != nil {
		sc.Error = err.Error()
	}
	if state == StateFailed {
		logging.DebugLog("pduman", "%s: refresh failed: %v", dev.Config.Name, err)
	} else if sc.Recovered() {
		logging.DebugLog("pduman", "%s: refresh recovered", dev.Config.Name)
	}
	m.markStatusDirty()

	m.mu.RLock()
	fn := m.onStatusChange
	m.mu.RUnlock()
	if fn != nil {
		fn(sc)
	}
}

// Refresh runs an on-demand refresh of one device.
func (m *Manager) Refresh(name string) (*Snapshot, error) {
	dev, err := m.device(name)
	if err != nil {
		return nil, err
	}
	return dev.Coordinator.Refresh()
}

// SetOutlet switches an outlet and reports the outcome as a Command. The
// error mirrors Command.Error.
func (m *Manager) SetOutlet(name, unit, outlet string, on bool, opts ...CommandOption) (Command, error) {
	cmd := Command{
		ID:     uuid.New().String(),
		Device: name,
		Unit:   unit,
		Outlet: outlet,
		On:     on,
		Issued: time.Now(),
	}
	for _, opt := range opts {
		opt(&cmd)
	}

	dev, err := m.device(name)
	if err == nil {
		cmd.Success, err = dev.Coordinator.SetOutlet(unit, outlet, on)
	}
	cmd.Duration = time.Since(cmd.Issued)
	if err != nil {
		cmd.Success = false
		cmd.Error = err.Error()
	}
	logging.DebugLog("pduman", "command %s: %s %s/%s %s success=%v", cmd.ID, name, unit, outlet, onOff(on), cmd.Success)

	if dev != nil {
		dev.mu.Lock()
		c := cmd
		dev.lastCommand = &c
		dev.mu.Unlock()
	}

	m.mu.RLock()
	fn := m.onCommand
	m.mu.RUnlock()
	if fn != nil {
		fn(cmd)
	}
	return cmd, err
}

// Readings derives the current readings of one device.
func (m *Manager) Readings(name string) ([]sensor.Reading, error) {
	dev, err := m.device(name)
	if err != nil {
		return nil, err
	}
	return dev.Readings(), nil
}

// Switches lists the outlet switches of one device.
func (m *Manager) Switches(name string) ([]sensor.Switch, error) {
	dev, err := m.device(name)
	if err != nil {
		return nil, err
	}
	return dev.Switches(), nil
}

// LoadFromConfig adds every device from cfg. Devices that fail to load are
// reported together.
func (m *Manager) LoadFromConfig(cfg *config.Config) error {
	if cfg.PollRate > 0 {
		m.mu.Lock()
		m.pollRate = cfg.PollRate
		m.mu.Unlock()
	}
	var errs []string
	for _, dev := range cfg.Devices {
		if err := m.AddDevice(dev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("loading devices: %v", errs)
	}
	return nil
}

// GetAllCurrentReadings returns every reading and switch of every device
// that has completed a refresh, for publishing a full state on connect.
func (m *Manager) GetAllCurrentReadings() []ValueChange {
	var out []ValueChange
	for _, dev := range m.ListDevices() {
		out = append(out, dev.current()...)
	}
	return out
}
