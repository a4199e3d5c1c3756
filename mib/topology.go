package mib

import (
	"pdulink/logging"
	"pdulink/snmp"
)

// MaxTableRows bounds the input or outlet count accepted from a unit. Larger
// reported counts are clamped so a misbehaving agent cannot drive the walks
// and reading builds into unbounded work.
const MaxTableRows = 256

// Topology returns a unit's input and outlet counts from a snapshot.
// Missing, non-numeric or negative counts are zero; counts above
// MaxTableRows are clamped.
func Topology(values snmp.Values, unit string) (inputs, outlets int) {
	return count(values, UnitInputCount.Resolve(unit, 0)), count(values, UnitOutletCount.Resolve(unit, 0))
}

func count(values snmp.Values, oid string) int {
	v, ok := values[oid]
	if !ok {
		return 0
	}
	n, ok := v.Int()
	if !ok || n < 0 {
		return 0
	}
	if n > MaxTableRows {
		logging.DebugLog("snmp", "row count %d at %s exceeds %d, clamping", n, oid, MaxTableRows)
		return MaxTableRows
	}
	return int(n)
}
