package pduman

import (
	"sort"
	"strings"
	"time"

	"pdulink/mib"
	"pdulink/snmp"
)

// Snapshot is one published generation of a device's merged values.
// It is never modified after publication; readers may hold it indefinitely.
type Snapshot struct {
	values     snmp.Values
	units      []string
	generation uint64
	time       time.Time
}

var emptySnapshot = &Snapshot{values: snmp.Values{}, units: []string{}}

// Generation counts successful refreshes; 0 means nothing fetched yet.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Time is when the snapshot was published.
func (s *Snapshot) Time() time.Time { return s.time }

// Len returns the number of keys.
func (s *Snapshot) Len() int { return len(s.values) }

// Get returns the value at key, or def when absent.
func (s *Snapshot) Get(key string, def snmp.Value) snmp.Value {
	if v, ok := s.values[strings.TrimPrefix(key, ".")]; ok {
		return v
	}
	return def
}

// Lookup returns the value at key and whether it exists.
func (s *Snapshot) Lookup(key string) (snmp.Value, bool) {
	v, ok := s.values[strings.TrimPrefix(key, ".")]
	return v, ok
}

// Values returns the underlying map. Callers must not modify it.
func (s *Snapshot) Values() snmp.Values { return s.values }

// Keys returns the keys in sorted order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Units returns the unit indices known when the snapshot was published.
func (s *Snapshot) Units() []string {
	out := make([]string, len(s.units))
	copy(out, s.units)
	return out
}

// Topology returns a unit's input and outlet counts.
func (s *Snapshot) Topology(unit string) (inputs, outlets int) {
	return mib.Topology(s.values, unit)
}

// ParseUnits splits a unit-list value on commas, dropping blanks.
func ParseUnits(v snmp.Value) []string {
	var units []string
	for _, u := range strings.Split(v.String(), ",") {
		if u = strings.TrimSpace(u); u != "" {
			units = append(units, u)
		}
	}
	return units
}

func cloneValues(v snmp.Values) snmp.Values {
	out := make(snmp.Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func merge(dst, src snmp.Values) {
	for k, v := range src {
		dst[k] = v
	}
}
