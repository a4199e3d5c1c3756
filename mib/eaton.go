package mib

// Eaton ePDU enterprise subtree (EATON-EPDU-MIB).
const EatonPrefix = "1.3.6.1.4.1.534.6.6.7"

func eaton(suffix string) Template {
	return MustParse(EatonPrefix + "." + suffix)
}

// UnitList is the comma-joined list of daisy-chained unit indices.
var UnitList = eaton("1.1.0")

// Per-unit static attributes.
var (
	UnitProductName  = eaton("1.2.1.2.{unit}")
	UnitPartNumber   = eaton("1.2.1.3.{unit}")
	UnitSerialNumber = eaton("1.2.1.4.{unit}")
	UnitFirmware     = eaton("1.2.1.5.{unit}")
	UnitDeviceName   = eaton("1.2.1.6.{unit}")
	UnitInputCount   = eaton("1.2.1.20.{unit}")
	UnitOutletCount  = eaton("1.2.1.22.{unit}")
)

// UnitAttributes are fetched once per unit during discovery.
var UnitAttributes = []Template{
	UnitProductName,
	UnitPartNumber,
	UnitSerialNumber,
	UnitFirmware,
	UnitDeviceName,
	UnitInputCount,
	UnitOutletCount,
}

// Input feed columns.
var (
	InputName        = eaton("3.1.1.10.{unit}.{index}")
	InputVoltage     = eaton("3.2.1.3.{unit}.1.{index}")
	InputCurrent     = eaton("3.3.1.4.{unit}.1.{index}")
	InputWatts       = eaton("3.4.1.4.{unit}.1.{index}")
	InputWattHours   = eaton("3.4.1.5.{unit}.1.{index}")
	InputPowerFactor = eaton("3.4.1.7.{unit}.1.{index}")
)

// InputColumns are walked for every unit with inputs.
var InputColumns = []Template{
	InputName,
	InputCurrent,
	InputPowerFactor,
	InputVoltage,
	InputWatts,
	InputWattHours,
}

// Outlet columns and actions.
var (
	OutletID          = eaton("6.1.1.2.{unit}.{index}")
	OutletName        = eaton("6.1.1.3.{unit}.{index}")
	OutletDesignator  = eaton("6.1.1.6.{unit}.{index}")
	OutletCurrent     = eaton("6.4.1.3.{unit}.{index}")
	OutletWatts       = eaton("6.5.1.3.{unit}.{index}")
	OutletWattHours   = eaton("6.5.1.4.{unit}.{index}")
	OutletPowerFactor = eaton("6.5.1.6.{unit}.{index}")
	OutletStatus      = eaton("6.6.1.2.{unit}.{index}")
	OutletSwitchOff   = eaton("6.6.1.3.{unit}.{index}")
	OutletSwitchOn    = eaton("6.6.1.4.{unit}.{index}")
)

// OutletColumns are walked for every unit with outlets.
var OutletColumns = []Template{
	OutletDesignator,
	OutletCurrent,
	OutletPowerFactor,
	OutletWatts,
	OutletWattHours,
	OutletStatus,
}

// Columns resolves templates to walk prefixes for one unit.
func Columns(templates []Template, unit string) []string {
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = t.Column(unit)
	}
	return out
}

// Resolve resolves templates for one unit and row.
func Resolve(templates []Template, unit string, index int) []string {
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = t.Resolve(unit, index)
	}
	return out
}

// SwitchAction returns the template to SET for turning an outlet on or off.
func SwitchAction(on bool) Template {
	if on {
		return OutletSwitchOn
	}
	return OutletSwitchOff
}
