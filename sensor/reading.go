package sensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"pdulink/mib"
	"pdulink/snmp"
)

// DefaultOutletInput is the input feed whose voltage outlets use for
// accurate power when no mapping is configured.
const DefaultOutletInput = "1"

// Options control how readings are derived.
type Options struct {
	// AccuratePower replaces power readings with V * I * |pf|.
	AccuratePower bool
	// OutletInputs maps "unit.outlet" or "outlet" to the input feed index
	// supplying the outlet's voltage.
	OutletInputs map[string]string
}

// InputFor returns the input feed index for an outlet.
func (o Options) InputFor(unit string, outlet int) string {
	idx := strconv.Itoa(outlet)
	if in, ok := o.OutletInputs[unit+"."+idx]; ok && in != "" {
		return in
	}
	if in, ok := o.OutletInputs[idx]; ok && in != "" {
		return in
	}
	return DefaultOutletInput
}

// Reading is one scaled metric for a unit's input or outlet.
type Reading struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Table       Table   `json:"table"`
	Index       int     `json:"index"`
	Metric      string  `json:"metric"`
	Value       float64 `json:"value"`
	UoM         string  `json:"unit_of_measurement,omitempty"`
	DeviceClass string  `json:"device_class,omitempty"`
	StateClass  string  `json:"state_class,omitempty"`
	Precision   int     `json:"precision,omitempty"`
	OID         string  `json:"oid,omitempty"`
	Derived     bool    `json:"derived,omitempty"`
	Enabled     bool    `json:"enabled"`
	Hidden      bool    `json:"hidden,omitempty"`
}

// ReadingID builds the stable identifier of a reading, for example
// "0/outlet3/power".
func ReadingID(unit string, table Table, index int, metric string) string {
	return fmt.Sprintf("%s/%s%d/%s", unit, table, index, metric)
}

// Build derives every available reading for units from values. Readings are
// ordered by unit, then inputs before outlets, then index, then descriptor.
// A reading whose value is missing or not numeric is skipped.
func Build(values snmp.Values, units []string, opts Options) []Reading {
	var out []Reading
	for _, unit := range units {
		device := UnitInfo(values, unit).Name
		inputs, outlets := mib.Topology(values, unit)

		for idx := 1; idx <= inputs; idx++ {
			out = appendRow(out, values, unit, device, TableInput, idx, opts)
		}
		for idx := 1; idx <= outlets; idx++ {
			out = appendRow(out, values, unit, device, TableOutlet, idx, opts)
		}
	}
	return out
}

func appendRow(out []Reading, values snmp.Values, unit, device string, table Table, idx int, opts Options) []Reading {
	for _, d := range Descriptors {
		if d.Table != table || d.Kind != KindReading {
			continue
		}
		var r Reading
		var ok bool
		if d.Metric == MetricPower && opts.AccuratePower {
			r, ok = accurateReading(d, values, unit, device, idx, opts)
		} else {
			r, ok = reading(d, values, unit, device, idx)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out
}

func reading(d Descriptor, values snmp.Values, unit, device string, idx int) (Reading, bool) {
	oid := d.Value.Resolve(unit, idx)
	v, ok := values[oid]
	if !ok {
		return Reading{}, false
	}
	f, ok := v.Float()
	if !ok {
		return Reading{}, false
	}
	if d.Multiplier != 0 {
		f *= d.Multiplier
	}

	r := newReading(d, values, unit, device, idx)
	r.Value = f
	r.OID = oid
	return r, true
}

func accurateReading(d Descriptor, values snmp.Values, unit, device string, idx int, opts Options) (Reading, bool) {
	var voltageOID, currentOID, pfOID string
	if d.Table == TableInput {
		voltageOID = mib.InputVoltage.Resolve(unit, idx)
		currentOID = mib.InputCurrent.Resolve(unit, idx)
		pfOID = mib.InputPowerFactor.Resolve(unit, idx)
	} else {
		in, err := strconv.Atoi(opts.InputFor(unit, idx))
		if err != nil {
			return Reading{}, false
		}
		voltageOID = mib.InputVoltage.Resolve(unit, in)
		currentOID = mib.OutletCurrent.Resolve(unit, idx)
		pfOID = mib.OutletPowerFactor.Resolve(unit, idx)
	}

	voltage, ok1 := floatAt(values, voltageOID)
	current, ok2 := floatAt(values, currentOID)
	pf, ok3 := floatAt(values, pfOID)
	if !ok1 || !ok2 || !ok3 {
		return Reading{}, false
	}

	r := newReading(d, values, unit, device, idx)
	r.Value = AccuratePower(voltage, current, pf)
	r.Derived = true
	r.Precision = 3
	return r, true
}

// AccuratePower computes watts from milli-volts, milli-amps and a
// milli-unit power factor.
func AccuratePower(voltage, current, powerFactor float64) float64 {
	return (voltage / 1000) * (current / 1000) * (math.Abs(powerFactor) / 1000)
}

func newReading(d Descriptor, values snmp.Values, unit, device string, idx int) Reading {
	return Reading{
		ID:          ReadingID(unit, d.Table, idx, d.Metric),
		Name:        displayName(d, values, unit, device, idx),
		Unit:        unit,
		Table:       d.Table,
		Index:       idx,
		Metric:      d.Metric,
		UoM:         d.Unit,
		DeviceClass: d.DeviceClass,
		StateClass:  d.StateClass,
		Precision:   d.Precision,
		Enabled:     d.EnabledByDefault,
		Hidden:      d.Hidden,
	}
}

// displayName renders "{device} {prefix} {label} {suffix}", where label is
// the feed name or outlet designator (the index when the agent has none).
func displayName(d Descriptor, values snmp.Values, unit, device string, idx int) string {
	label := strconv.Itoa(idx)
	if v, ok := values[d.Name.Resolve(unit, idx)]; ok && v.String() != "" {
		label = v.String()
	}
	parts := []string{device, d.NamePrefix, label, d.NameSuffix}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func floatAt(values snmp.Values, oid string) (float64, bool) {
	v, ok := values[oid]
	if !ok {
		return 0, false
	}
	return v.Float()
}
