package pduman

import (
	"fmt"
	"io"
	"sync"
	"time"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/sensor"
	"pdulink/snmp"
)

// Credentials converts a config credential block.
func Credentials(c config.CredentialConfig) (snmp.Credentials, error) {
	if c.IsUSM() {
		return snmp.NewUSMCredentials(c.Username,
			snmp.AuthProtocol(c.AuthProtocol), c.AuthKey,
			snmp.PrivProtocol(c.PrivProtocol), c.PrivKey)
	}
	return snmp.NewCommunityCredentials(c.Community, c.Version)
}

// DialFunc opens the read client and, when write credentials are set, the
// write client for a device.
type DialFunc func(cfg config.DeviceConfig) (Reader, Writer, error)

func dialSNMP(cfg config.DeviceConfig) (Reader, Writer, error) {
	target := snmp.Target{Host: cfg.Host, Port: cfg.Port, Timeout: cfg.Timeout}

	var opts []snmp.Option
	if logging.DebugEnabled("snmp/wire") {
		opts = append(opts, snmp.WithWireLogging())
	}

	readCreds, err := Credentials(cfg.Read)
	if err != nil {
		return nil, nil, fmt.Errorf("read credentials: %w", err)
	}
	reader, err := snmp.NewClient(target, readCreds, opts...)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Write.IsNone() {
		return reader, nil, nil
	}
	writeCreds, err := Credentials(cfg.Write)
	if err != nil {
		reader.Close()
		return nil, nil, fmt.Errorf("write credentials: %w", err)
	}
	writer, err := snmp.NewClient(target, writeCreds, opts...)
	if err != nil {
		reader.Close()
		return nil, nil, err
	}
	return reader, writer, nil
}

// Device is a configured ePDU with its coordinator and clients.
type Device struct {
	Config      config.DeviceConfig
	Coordinator *Coordinator

	reader Reader
	writer Writer
	opts   sensor.Options

	mu          sync.RWMutex
	readings    map[string]sensor.Reading
	switches    map[string]bool
	lastCommand *Command
}

// Name returns the configured device name.
func (d *Device) Name() string { return d.Config.Name }

// State returns the coordinator state.
func (d *Device) State() State { return d.Coordinator.State() }

// LastError returns the coordinator's last refresh error.
func (d *Device) LastError() error { return d.Coordinator.LastError() }

// ReadOnly reports whether the device has no write credentials.
func (d *Device) ReadOnly() bool { return d.writer == nil }

// Options returns the reading options derived from the config.
func (d *Device) Options() sensor.Options { return d.opts }

// Readings derives the readings of the current snapshot.
func (d *Device) Readings() []sensor.Reading {
	snap := d.Coordinator.Snapshot()
	return sensor.Build(snap.Values(), snap.Units(), d.opts)
}

// Switches lists the outlet switches of the current snapshot.
func (d *Device) Switches() []sensor.Switch {
	snap := d.Coordinator.Snapshot()
	return sensor.Switches(snap.Values(), snap.Units())
}

// Units describes every known unit of the current snapshot.
func (d *Device) Units() []sensor.Info {
	snap := d.Coordinator.Snapshot()
	units := snap.Units()
	out := make([]sensor.Info, 0, len(units))
	for _, u := range units {
		out = append(out, sensor.UnitInfo(snap.Values(), u))
	}
	return out
}

// LastCommand returns the most recent outlet command, or nil.
func (d *Device) LastCommand() *Command {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastCommand == nil {
		return nil
	}
	cmd := *d.lastCommand
	return &cmd
}

func (d *Device) close() {
	if c, ok := d.reader.(io.Closer); ok {
		c.Close()
	}
	if c, ok := d.writer.(io.Closer); ok {
		c.Close()
	}
}

// diff records the readings and switch states of snap and returns what
// changed since the last call.
func (d *Device) diff(snap *Snapshot) []ValueChange {
	readings := sensor.Build(snap.Values(), snap.Units(), d.opts)
	switches := sensor.Switches(snap.Values(), snap.Units())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readings == nil {
		d.readings = make(map[string]sensor.Reading)
		d.switches = make(map[string]bool)
	}

	var changes []ValueChange
	for _, r := range readings {
		old, ok := d.readings[r.ID]
		if ok && old.Value == r.Value {
			continue
		}
		d.readings[r.ID] = r
		changes = append(changes, readingChange(d.Config.Name, r, snap))
	}
	for _, s := range switches {
		old, ok := d.switches[s.ID]
		if ok && old == s.On {
			continue
		}
		d.switches[s.ID] = s.On
		changes = append(changes, switchChange(d.Config.Name, s, snap))
	}
	return changes
}

// current returns every recorded reading and switch as changes.
func (d *Device) current() []ValueChange {
	snap := d.Coordinator.Snapshot()
	if snap.Generation() == 0 {
		return nil
	}
	var out []ValueChange
	for _, r := range sensor.Build(snap.Values(), snap.Units(), d.opts) {
		out = append(out, readingChange(d.Config.Name, r, snap))
	}
	for _, s := range sensor.Switches(snap.Values(), snap.Units()) {
		out = append(out, switchChange(d.Config.Name, s, snap))
	}
	return out
}

func newOptions(cfg config.DeviceConfig) sensor.Options {
	inputs := make(map[string]string, len(cfg.OutletInputs))
	for k, v := range cfg.OutletInputs {
		inputs[k] = v
	}
	return sensor.Options{AccuratePower: cfg.AccuratePower, OutletInputs: inputs}
}

// Health summarizes a device for the health topics and the API.
type Health struct {
	Device     string    `json:"device"`
	State      string    `json:"state"`
	Online     bool      `json:"online"`
	Error      string    `json:"error,omitempty"`
	Generation uint64    `json:"generation"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	ReadOnly   bool      `json:"read_only"`
	Timestamp  time.Time `json:"timestamp"`
}

// Health returns the device's current health.
func (d *Device) Health() Health {
	snap := d.Coordinator.Snapshot()
	state := d.Coordinator.State()
	h := Health{
		Device:     d.Config.Name,
		State:      state.String(),
		Online:     snap.Generation() > 0 && state != StateFailed,
		Generation: snap.Generation(),
		LastUpdate: snap.Time(),
		ReadOnly:   d.ReadOnly(),
		Timestamp:  time.Now(),
	}
	if err := d.Coordinator.LastError(); err != nil {
		h.Error = err.Error()
	}
	return h
}
