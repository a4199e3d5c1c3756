package pduman

import (
	"strconv"
	"sync"

	"pdulink/mib"
	"pdulink/snmp"
)

// fakePDU answers reads from an in-memory table and records writes.
type fakePDU struct {
	mu     sync.Mutex
	values snmp.Values

	// getErr fails every Get, or only those asking for getErrOID when set.
	getErr    error
	getErrOID string
	// bulkErr fails every GetBulk, or only call number bulkErrAt when set.
	bulkErr   error
	bulkErrAt int
	// gate, when set, blocks each GetBulk until it receives.
	gate chan struct{}
	// entered is signalled at the start of each GetBulk when set.
	entered chan struct{}

	gets       int
	bulks      int
	bulkCounts []int
	sets       []string
	setValues  []interface{}
	setKinds   []snmp.ValueKind
	setErr     error
	// onSet runs after a successful Set.
	onSet func(oid string)
}

func newFakePDU() *fakePDU {
	return &fakePDU{values: snmp.Values{}}
}

// withUnit installs a unit with the given input and outlet counts and
// readings for every row.
func (f *fakePDU) withUnit(unit string, inputs, outlets int) *fakePDU {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[mib.UnitPartNumber.Resolve(unit, 0)] = snmp.Text("EMAB03")
	f.values[mib.UnitProductName.Resolve(unit, 0)] = snmp.Text("ePDU MA 1P")
	f.values[mib.UnitSerialNumber.Resolve(unit, 0)] = snmp.Text("SN" + unit)
	f.values[mib.UnitFirmware.Resolve(unit, 0)] = snmp.Text("04.00.0003")
	f.values[mib.UnitDeviceName.Resolve(unit, 0)] = snmp.Text("rack" + unit)
	f.values[mib.UnitInputCount.Resolve(unit, 0)] = snmp.Int(int64(inputs))
	f.values[mib.UnitOutletCount.Resolve(unit, 0)] = snmp.Int(int64(outlets))
	for i := 1; i <= inputs; i++ {
		f.values[mib.InputName.Resolve(unit, i)] = snmp.Text("Feed " + strconv.Itoa(i))
		f.values[mib.InputVoltage.Resolve(unit, i)] = snmp.Int(230000)
		f.values[mib.InputCurrent.Resolve(unit, i)] = snmp.Int(2500)
		f.values[mib.InputWatts.Resolve(unit, i)] = snmp.Int(560)
		f.values[mib.InputWattHours.Resolve(unit, i)] = snmp.Int(123456)
		f.values[mib.InputPowerFactor.Resolve(unit, i)] = snmp.Int(980)
	}
	for i := 1; i <= outlets; i++ {
		f.values[mib.OutletDesignator.Resolve(unit, i)] = snmp.Text("A" + strconv.Itoa(i))
		f.values[mib.OutletCurrent.Resolve(unit, i)] = snmp.Int(500)
		f.values[mib.OutletWatts.Resolve(unit, i)] = snmp.Int(110)
		f.values[mib.OutletWattHours.Resolve(unit, i)] = snmp.Int(1000)
		f.values[mib.OutletPowerFactor.Resolve(unit, i)] = snmp.Int(950)
		f.values[mib.OutletStatus.Resolve(unit, i)] = snmp.Int(1)
	}
	return f
}

func (f *fakePDU) set(oid string, v snmp.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[oid] = v
}

func (f *fakePDU) failGets(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakePDU) failBulks(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkErr = err
}

func (f *fakePDU) Get(oids []string) (snmp.Values, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil && (f.getErrOID == "" || contains(oids, f.getErrOID)) {
		return nil, f.getErr
	}
	out := snmp.Values{}
	for _, oid := range oids {
		if v, ok := f.values[oid]; ok {
			out[oid] = v
		}
	}
	return out, nil
}

func (f *fakePDU) GetBulk(columns []string, count, start int) ([]snmp.Values, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulks++
	f.bulkCounts = append(f.bulkCounts, count)
	if f.bulkErr != nil && (f.bulkErrAt == 0 || f.bulks == f.bulkErrAt) {
		return nil, f.bulkErr
	}
	var rows []snmp.Values
	for idx := start; idx < start+count; idx++ {
		row := snmp.Values{}
		for _, col := range columns {
			oid := col + "." + strconv.Itoa(idx)
			v, ok := f.values[oid]
			if !ok {
				return rows, nil
			}
			row[oid] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *fakePDU) Set(oid string, value interface{}, kind snmp.ValueKind) (bool, error) {
	f.mu.Lock()
	f.sets = append(f.sets, oid)
	f.setValues = append(f.setValues, value)
	f.setKinds = append(f.setKinds, kind)
	err := f.setErr
	onSet := f.onSet
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	if onSet != nil {
		onSet(oid)
	}
	return true, nil
}

func (f *fakePDU) counts() (gets, bulks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.bulks
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
