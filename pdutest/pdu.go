// Package pdutest provides an in-memory ePDU for tests of code built on
// pduman.
package pdutest

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"pdulink/config"
	"pdulink/mib"
	"pdulink/pduman"
	"pdulink/snmp"
)

// PDU answers reads from an in-memory MIB. Switching an outlet updates its
// status the way a real unit does once it settles.
type PDU struct {
	mu      sync.Mutex
	values  snmp.Values
	outlets map[string]int // unit -> outlet count
	sets    []string
	getErr  error
	setErr  error
}

// New returns an empty PDU.
func New() *PDU {
	return &PDU{values: snmp.Values{}, outlets: make(map[string]int)}
}

// WithUnit installs a unit with the given input and outlet counts and
// plausible readings for every row. Every outlet starts on.
func (p *PDU) WithUnit(unit string, inputs, outlets int) *PDU {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outlets[unit] = outlets
	p.values[mib.UnitPartNumber.Resolve(unit, 0)] = snmp.Text("EMAB03")
	p.values[mib.UnitProductName.Resolve(unit, 0)] = snmp.Text("ePDU MA 1P")
	p.values[mib.UnitSerialNumber.Resolve(unit, 0)] = snmp.Text("SN" + unit)
	p.values[mib.UnitFirmware.Resolve(unit, 0)] = snmp.Text("04.00.0003")
	p.values[mib.UnitInputCount.Resolve(unit, 0)] = snmp.Int(int64(inputs))
	p.values[mib.UnitOutletCount.Resolve(unit, 0)] = snmp.Int(int64(outlets))
	for i := 1; i <= inputs; i++ {
		p.values[mib.InputName.Resolve(unit, i)] = snmp.Text("Feed " + strconv.Itoa(i))
		p.values[mib.InputVoltage.Resolve(unit, i)] = snmp.Int(230000)
		p.values[mib.InputCurrent.Resolve(unit, i)] = snmp.Int(2500)
		p.values[mib.InputWatts.Resolve(unit, i)] = snmp.Int(560)
		p.values[mib.InputWattHours.Resolve(unit, i)] = snmp.Int(123456)
		p.values[mib.InputPowerFactor.Resolve(unit, i)] = snmp.Int(980)
	}
	for i := 1; i <= outlets; i++ {
		p.values[mib.OutletDesignator.Resolve(unit, i)] = snmp.Text("A" + strconv.Itoa(i))
		p.values[mib.OutletCurrent.Resolve(unit, i)] = snmp.Int(500)
		p.values[mib.OutletWatts.Resolve(unit, i)] = snmp.Int(110)
		p.values[mib.OutletWattHours.Resolve(unit, i)] = snmp.Int(1000)
		p.values[mib.OutletPowerFactor.Resolve(unit, i)] = snmp.Int(950)
		p.values[mib.OutletStatus.Resolve(unit, i)] = snmp.Int(1)
	}
	return p
}

// Put stores a single value.
func (p *PDU) Put(oid string, v snmp.Value) *PDU {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[oid] = v
	return p
}

// FailReads makes every read return err; nil restores normal operation.
func (p *PDU) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getErr = err
}

// FailWrites makes every write return err; nil restores normal operation.
func (p *PDU) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErr = err
}

// Sets returns the OIDs written so far.
func (p *PDU) Sets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sets...)
}

// Get implements pduman.Reader.
func (p *PDU) Get(oids []string) (snmp.Values, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	out := snmp.Values{}
	for _, oid := range oids {
		if v, ok := p.values[oid]; ok {
			out[oid] = v
		}
	}
	return out, nil
}

// GetBulk implements pduman.Reader. A row ends the walk as soon as one of
// its columns is missing.
func (p *PDU) GetBulk(columns []string, count, start int) ([]snmp.Values, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	var rows []snmp.Values
	for idx := start; idx < start+count; idx++ {
		row := snmp.Values{}
		for _, col := range columns {
			oid := col + "." + strconv.Itoa(idx)
			v, ok := p.values[oid]
			if !ok {
				return rows, nil
			}
			row[oid] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Set implements pduman.Writer. Writing the switch-on or switch-off column
// of an outlet flips its status.
func (p *PDU) Set(oid string, value interface{}, kind snmp.ValueKind) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = append(p.sets, oid)
	if p.setErr != nil {
		return false, p.setErr
	}

	for _, on := range []bool{true, false} {
		col := mib.SwitchAction(on)
		unit, index, ok := p.locate(col, oid)
		if !ok {
			continue
		}
		status := int64(0)
		if on {
			status = 1
		}
		p.values[mib.OutletStatus.Resolve(unit, index)] = snmp.Int(status)
		return true, nil
	}
	return false, fmt.Errorf("not writable: %s", oid)
}

// locate finds the unit and outlet a switch OID addresses.
func (p *PDU) locate(col mib.Template, oid string) (string, int, bool) {
	for unit, outlets := range p.outlets {
		for i := 1; i <= outlets; i++ {
			if col.Resolve(unit, i) == oid {
				return unit, i, true
			}
		}
	}
	return "", 0, false
}

// ErrUnreachable is returned by Dialer for unknown device names.
var ErrUnreachable = errors.New("unreachable")

// Dialer returns a pduman.DialFunc serving the named PDUs. Devices with
// write credentials get the PDU as their writer too.
func Dialer(pdus map[string]*PDU) pduman.DialFunc {
	return func(cfg config.DeviceConfig) (pduman.Reader, pduman.Writer, error) {
		p, ok := pdus[cfg.Name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnreachable, cfg.Name)
		}
		if cfg.Write.IsNone() {
			return p, nil, nil
		}
		return p, p, nil
	}
}

// DeviceConfig returns a writable device configuration with a 1ms settle
// delay.
func DeviceConfig(name string) config.DeviceConfig {
	return config.DeviceConfig{
		Name:        name,
		Enabled:     true,
		Host:        "192.0.2.10",
		SettleDelay: config.Duration(time.Millisecond),
		Read:        config.CredentialConfig{Version: "1", Community: "public"},
		Write:       config.CredentialConfig{Version: "1", Community: "private"},
	}
}
