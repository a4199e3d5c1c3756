package sensor

import (
	"pdulink/mib"
	"pdulink/snmp"
)

// Manufacturer of every supported unit.
const Manufacturer = "Eaton"

// Info describes one chassis.
type Info struct {
	Unit         string `json:"unit"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	Firmware     string `json:"firmware"`
	Manufacturer string `json:"manufacturer"`
	ProductName  string `json:"product_name"`
	PartNumber   string `json:"part_number"`
	DeviceName   string `json:"device_name,omitempty"`
	Inputs       int    `json:"inputs"`
	Outlets      int    `json:"outlets"`
}

// UnitInfo describes unit from its static attributes. The name is the
// configured device name, or the part number when none is set; with a
// device name the model is "part product".
func UnitInfo(values snmp.Values, unit string) Info {
	text := func(t mib.Template) string {
		if v, ok := values[t.Resolve(unit, 0)]; ok {
			return v.String()
		}
		return ""
	}

	info := Info{
		Unit:         unit,
		Serial:       text(mib.UnitSerialNumber),
		Firmware:     text(mib.UnitFirmware),
		Manufacturer: Manufacturer,
		ProductName:  text(mib.UnitProductName),
		PartNumber:   text(mib.UnitPartNumber),
		DeviceName:   text(mib.UnitDeviceName),
	}
	info.Inputs, info.Outlets = mib.Topology(values, unit)

	info.Model = info.ProductName
	if info.DeviceName != "" {
		info.Name = info.DeviceName
		info.Model = info.PartNumber + " " + info.ProductName
	} else {
		info.Name = info.PartNumber
	}
	return info
}
