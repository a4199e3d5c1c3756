package pduman

import (
	"fmt"
	"strconv"
	"strings"

	"pdulink/logging"
	"pdulink/mib"
	"pdulink/snmp"
)

// SetOutlet switches one outlet on or off, waits the settle delay and then
// refreshes so the snapshot reflects the new state. The returned error is
// the write's; the refresh outcome is reported through State and LastError.
func (c *Coordinator) SetOutlet(unit, outlet string, turnOn bool) (bool, error) {
	if c.writer == nil {
		return false, ErrReadOnly
	}
	oid, err := switchOID(unit, outlet, turnOn)
	if err != nil {
		return false, err
	}

	logging.DebugLog("pduman", "%s: outlet %s/%s -> %s", c.name, unit, outlet, onOff(turnOn))
	ok, err := c.writer.Set(oid, 1, snmp.Integer)
	if err != nil {
		return false, err
	}
	written := c.now()

	if c.settleDelay > 0 {
		c.sleep(c.settleDelay)
	}
	c.RefreshAfter(written)
	return ok, nil
}

func switchOID(unit, outlet string, on bool) (string, error) {
	unit = strings.TrimSpace(unit)
	if _, err := strconv.ParseUint(unit, 10, 32); err != nil {
		return "", fmt.Errorf("%w: unit %q", ErrInvalidOutlet, unit)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(outlet))
	if err != nil || idx < 1 {
		return "", fmt.Errorf("%w: outlet %q", ErrInvalidOutlet, outlet)
	}
	return mib.SwitchAction(on).Resolve(unit, idx), nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
