package snmp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"pdulink/logging"
)

// maxRepetitions caps the rows requested per GETBULK. Longer walks continue
// from the last complete row.
const maxRepetitions = 64

// GetBulk walks count rows of the given table columns, starting at row
// start (1-based). Columns are unit-resolved OID prefixes without the index.
//
// Bindings are grouped by response order, len(columns) per row, and each
// row is keyed by the OIDs the agent returned. The walk ends early, without
// error, when the agent reports end of data or a column runs past its
// prefix. A response too short to hold one row is a *RemoteError. SNMPv1
// agents are walked with GETNEXT.
func (c *Client) GetBulk(columns []string, count, start int) ([]Values, error) {
	if count <= 0 || len(columns) == 0 {
		return nil, nil
	}
	if start < 1 {
		start = 1
	}

	prefixes := make([]string, len(columns))
	cursor := make([]string, len(columns))
	for i, col := range columns {
		prefixes[i] = normalizeOID(col)
		cursor[i] = prefixes[i]
		if start > 1 {
			cursor[i] = prefixes[i] + "." + strconv.Itoa(start-1)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	v1 := c.creds.Version() == gosnmp.Version1
	rows := make([]Values, 0, min(count, maxRepetitions))

	for len(rows) < count {
		remaining := count - len(rows)
		reps := min(remaining, maxRepetitions)

		var packet *gosnmp.SnmpPacket
		var err error
		if v1 {
			logging.DebugRequest("snmp", "GETNEXT", c.target.Address(), cursor)
			packet, err = c.sess.GetNext(wireOIDs(cursor))
		} else {
			logging.DebugRequest("snmp", "GETBULK", c.target.Address(), cursor)
			packet, err = c.sess.GetBulk(wireOIDs(cursor), 0, uint32(reps))
		}
		if err != nil {
			logging.DebugError("snmp", "bulk walk", err)
			return nil, transportError(err)
		}
		if packet.Error != gosnmp.NoError {
			// A v1 agent answers GETNEXT past the last variable with noSuchName.
			if v1 && packet.Error == gosnmp.NoSuchName {
				break
			}
			rerr := statusError(packet)
			logging.DebugError("snmp", "bulk walk", rerr)
			return nil, rerr
		}

		got, next, done := groupRows(packet.Variables, prefixes, remaining)
		rows = append(rows, got...)
		if done {
			break
		}
		if len(got) == 0 {
			// Fewer bindings than one row, without an end-of-data marker.
			rerr := &RemoteError{Indication: fmt.Sprintf("truncated response: %d bindings for %d columns", len(packet.Variables), len(columns))}
			logging.DebugError("snmp", "bulk walk", rerr)
			return nil, rerr
		}
		cursor = next
	}

	logging.DebugLog("snmp", "walk of %d columns returned %d/%d rows", len(columns), len(rows), count)
	return rows, nil
}

// groupRows splits bindings into rows of len(prefixes). It returns the
// complete rows (at most limit), the OIDs of the last complete row for
// continuing the walk, and whether the table has ended.
func groupRows(vars []gosnmp.SnmpPDU, prefixes []string, limit int) ([]Values, []string, bool) {
	width := len(prefixes)
	var rows []Values
	last := make([]string, width)

	for offset := 0; offset+width <= len(vars) && len(rows) < limit; offset += width {
		row := make(Values, width)
		names := make([]string, width)
		for j := 0; j < width; j++ {
			pdu := vars[offset+j]
			if absent(pdu.Type) {
				return rows, last, true
			}
			name := normalizeOID(pdu.Name)
			if !strings.HasPrefix(name, prefixes[j]+".") {
				return rows, last, true
			}
			row[name] = Decode(pdu)
			names[j] = name
		}
		rows = append(rows, row)
		last = names
	}
	return rows, last, false
}
