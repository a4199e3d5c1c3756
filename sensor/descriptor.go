// Package sensor derives named, scaled readings and outlet switches from a
// device snapshot using a data-driven descriptor table.
package sensor

import "pdulink/mib"

// Table identifies which ePDU table a descriptor reads.
type Table string

const (
	TableInput  Table = "input"
	TableOutlet Table = "outlet"
)

// Kind separates measured readings from actuatable outlet switches.
type Kind int

const (
	KindReading Kind = iota
	KindSwitch
)

// Device and state classes carried on readings.
const (
	ClassCurrent     = "current"
	ClassVoltage     = "voltage"
	ClassPower       = "power"
	ClassPowerFactor = "power_factor"
	ClassEnergy      = "energy"
	ClassOutlet      = "outlet"

	StateMeasurement     = "measurement"
	StateTotalIncreasing = "total_increasing"
)

// Metric names.
const (
	MetricCurrent     = "current"
	MetricPowerFactor = "power_factor"
	MetricVoltage     = "voltage"
	MetricPower       = "power"
	MetricEnergy      = "energy"
	MetricStatus      = "status"
)

// Descriptor is one row of the reading table.
type Descriptor struct {
	Table  Table
	Metric string
	Kind   Kind

	Value mib.Template
	Name  mib.Template

	NamePrefix string
	NameSuffix string

	Unit        string
	Multiplier  float64 // 0 means the raw value is used
	DeviceClass string
	StateClass  string
	Precision   int // suggested display precision, 0 if unspecified

	EnabledByDefault bool
	Hidden           bool
}

func input(metric string, value mib.Template) Descriptor {
	return Descriptor{
		Table:            TableInput,
		Metric:           metric,
		Value:            value,
		Name:             mib.InputName,
		NamePrefix:       "Input",
		StateClass:       StateMeasurement,
		EnabledByDefault: true,
	}
}

func outlet(metric string, value mib.Template) Descriptor {
	return Descriptor{
		Table:            TableOutlet,
		Metric:           metric,
		Value:            value,
		Name:             mib.OutletDesignator,
		NamePrefix:       "Outlet",
		StateClass:       StateMeasurement,
		EnabledByDefault: true,
	}
}

// Descriptors is the reading table, in publication order.
var Descriptors = func() []Descriptor {
	inCurrent := input(MetricCurrent, mib.InputCurrent)
	inCurrent.NameSuffix, inCurrent.Unit, inCurrent.Multiplier = "Current", "A", 0.001
	inCurrent.DeviceClass, inCurrent.Precision = ClassCurrent, 3

	inPF := input(MetricPowerFactor, mib.InputPowerFactor)
	inPF.NameSuffix, inPF.Multiplier = "Power Factor", 0.001
	inPF.DeviceClass, inPF.Precision = ClassPowerFactor, 3
	inPF.EnabledByDefault = false

	inVoltage := input(MetricVoltage, mib.InputVoltage)
	inVoltage.NameSuffix, inVoltage.Unit, inVoltage.Multiplier = "Voltage", "V", 0.001
	inVoltage.DeviceClass = ClassVoltage

	inPower := input(MetricPower, mib.InputWatts)
	inPower.NameSuffix, inPower.Unit, inPower.DeviceClass = "Watts", "W", ClassPower

	inEnergy := input(MetricEnergy, mib.InputWattHours)
	inEnergy.NameSuffix, inEnergy.Unit, inEnergy.Multiplier = "Kilowatt Hours", "kWh", 0.001
	inEnergy.DeviceClass, inEnergy.StateClass = ClassEnergy, StateTotalIncreasing

	outCurrent := outlet(MetricCurrent, mib.OutletCurrent)
	outCurrent.NameSuffix, outCurrent.Unit, outCurrent.Multiplier = "Current", "A", 0.001
	outCurrent.DeviceClass, outCurrent.Precision = ClassCurrent, 3
	outCurrent.Hidden = true

	outPF := outlet(MetricPowerFactor, mib.OutletPowerFactor)
	outPF.NameSuffix, outPF.Multiplier = "Power Factor", 0.001
	outPF.DeviceClass, outPF.Precision = ClassPowerFactor, 3
	outPF.EnabledByDefault = false

	outPower := outlet(MetricPower, mib.OutletWatts)
	outPower.NameSuffix, outPower.Unit, outPower.DeviceClass = "Watts", "W", ClassPower

	outEnergy := outlet(MetricEnergy, mib.OutletWattHours)
	outEnergy.NameSuffix, outEnergy.Unit, outEnergy.Multiplier = "Kilowatt Hours", "kWh", 0.001
	outEnergy.DeviceClass, outEnergy.StateClass = ClassEnergy, StateTotalIncreasing

	outStatus := outlet(MetricStatus, mib.OutletStatus)
	outStatus.Kind, outStatus.NameSuffix = KindSwitch, "Switch"
	outStatus.DeviceClass, outStatus.StateClass = ClassOutlet, ""

	return []Descriptor{
		inCurrent, inPF, inVoltage, inPower, inEnergy,
		outCurrent, outPF, outPower, outEnergy,
		outStatus,
	}
}()

// Lookup returns the descriptor for a table and metric.
func Lookup(table Table, metric string) (Descriptor, bool) {
	for _, d := range Descriptors {
		if d.Table == table && d.Metric == metric {
			return d, true
		}
	}
	return Descriptor{}, false
}
