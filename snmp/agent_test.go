package snmp

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gosnmp/gosnmp"
)

// fakeAgent is an in-memory MIB answering GET, GETNEXT, GETBULK and SET the
// way an SNMP agent would.
type fakeAgent struct {
	mu   sync.Mutex
	vars map[string]gosnmp.SnmpPDU

	// maxVars truncates GETBULK responses when > 0.
	maxVars int
	// transportErr fails every request.
	transportErr error
	// status is returned as the error-status of every response.
	status      gosnmp.SNMPError
	statusIndex uint8

	connects  int
	gets      [][]string
	bulks     [][]string
	nexts     [][]string
	sets      []gosnmp.SnmpPDU
	maxReps   []uint32
	connectEr error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{vars: make(map[string]gosnmp.SnmpPDU)}
}

func (a *fakeAgent) put(oid string, typ gosnmp.Asn1BER, value interface{}) *fakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	oid = normalizeOID(oid)
	a.vars[oid] = gosnmp.SnmpPDU{Name: "." + oid, Type: typ, Value: value}
	return a
}

func (a *fakeAgent) putInt(oid string, v int) *fakeAgent {
	return a.put(oid, gosnmp.Integer, v)
}

func (a *fakeAgent) putString(oid, v string) *fakeAgent {
	return a.put(oid, gosnmp.OctetString, []byte(v))
}

func (a *fakeAgent) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	return a.connectEr
}

func (a *fakeAgent) response(vars []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error) {
	if a.transportErr != nil {
		return nil, a.transportErr
	}
	return &gosnmp.SnmpPacket{Error: a.status, ErrorIndex: a.statusIndex, Variables: vars}, nil
}

func (a *fakeAgent) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets = append(a.gets, oids)

	vars := make([]gosnmp.SnmpPDU, 0, len(oids))
	for _, oid := range oids {
		if pdu, ok := a.vars[normalizeOID(oid)]; ok {
			vars = append(vars, pdu)
			continue
		}
		vars = append(vars, gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject})
	}
	return a.response(vars)
}

func (a *fakeAgent) GetNext(oids []string) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nexts = append(a.nexts, oids)

	vars := make([]gosnmp.SnmpPDU, 0, len(oids))
	for i, oid := range oids {
		pdu, ok := a.next(normalizeOID(oid))
		if !ok {
			if a.transportErr != nil {
				return nil, a.transportErr
			}
			return &gosnmp.SnmpPacket{Error: gosnmp.NoSuchName, ErrorIndex: uint8(i + 1)}, nil
		}
		vars = append(vars, pdu)
	}
	return a.response(vars)
}

func (a *fakeAgent) GetBulk(oids []string, nonRepeaters uint8, maxRepetitions uint32) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bulks = append(a.bulks, oids)
	a.maxReps = append(a.maxReps, maxRepetitions)

	cursor := make([]string, len(oids))
	for i, oid := range oids {
		cursor[i] = normalizeOID(oid)
	}

	var vars []gosnmp.SnmpPDU
	for r := uint32(0); r < maxRepetitions; r++ {
		if a.maxVars > 0 && len(vars)+len(cursor) > a.maxVars {
			break
		}
		for i := range cursor {
			pdu, ok := a.next(cursor[i])
			if !ok {
				pdu = gosnmp.SnmpPDU{Name: "." + cursor[i], Type: gosnmp.EndOfMibView}
			} else {
				cursor[i] = normalizeOID(pdu.Name)
			}
			vars = append(vars, pdu)
		}
	}
	return a.response(vars)
}

func (a *fakeAgent) Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sets = append(a.sets, pdus...)
	if a.transportErr == nil && a.status == gosnmp.NoError {
		for _, pdu := range pdus {
			a.vars[normalizeOID(pdu.Name)] = pdu
		}
	}
	return a.response(pdus)
}

// next returns the lexicographically following variable. Must hold a.mu.
func (a *fakeAgent) next(oid string) (gosnmp.SnmpPDU, bool) {
	keys := make([]string, 0, len(a.vars))
	for k := range a.vars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return oidLess(keys[i], keys[j]) })
	for _, k := range keys {
		if oidLess(oid, k) {
			return a.vars[k], true
		}
	}
	return gosnmp.SnmpPDU{}, false
}

func oidLess(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, _ := strconv.Atoi(pa[i])
		y, _ := strconv.Atoi(pb[i])
		if x != y {
			return x < y
		}
	}
	return len(pa) < len(pb)
}

var errTimeout = errors.New("request timeout (after 0 retries)")
