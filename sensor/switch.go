package sensor

import (
	"pdulink/mib"
	"pdulink/snmp"
)

// Switch is an outlet that reports a status and can be turned on or off.
type Switch struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Unit   string `json:"unit"`
	Outlet int    `json:"outlet"`
	On     bool   `json:"on"`
	OID    string `json:"oid"`
	OnOID  string `json:"on_oid"`
	OffOID string `json:"off_oid"`
}

// Switches lists the outlets of units whose status is present in values.
func Switches(values snmp.Values, units []string) []Switch {
	d, _ := Lookup(TableOutlet, MetricStatus)

	var out []Switch
	for _, unit := range units {
		device := UnitInfo(values, unit).Name
		_, outlets := mib.Topology(values, unit)
		for idx := 1; idx <= outlets; idx++ {
			oid := d.Value.Resolve(unit, idx)
			v, ok := values[oid]
			if !ok {
				continue
			}
			status, ok := v.Int()
			out = append(out, Switch{
				ID:     ReadingID(unit, TableOutlet, idx, MetricStatus),
				Name:   displayName(d, values, unit, device, idx),
				Unit:   unit,
				Outlet: idx,
				On:     ok && status != 0,
				OID:    oid,
				OnOID:  mib.OutletSwitchOn.Resolve(unit, idx),
				OffOID: mib.OutletSwitchOff.Resolve(unit, idx),
			})
		}
	}
	return out
}
