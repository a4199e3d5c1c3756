package pduman

import (
	"errors"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdulink/mib"
	"pdulink/snmp"
)

func TestSetOutletReadOnly(t *testing.T) {
	f := newFakePDU().withUnit("0", 0, 2)
	c := newTestCoordinator(f)

	ok, err := c.SetOutlet("0", "1", true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Empty(t, f.sets)
	assert.True(t, c.ReadOnly())
}

func TestSetOutletSequencing(t *testing.T) {
	f := newFakePDU().withUnit("0", 0, 2)
	c := newTestCoordinator(f, WithWriter(f), WithSettleDelay(3*time.Second))

	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := c.Refresh()
	require.NoError(t, err)
	_, bulksBefore := f.counts()

	off := mib.OutletSwitchOff.Resolve("0", 2)
	f.onSet = func(oid string) {
		if oid == off {
			f.set(mib.OutletStatus.Resolve("0", 2), snmp.Int(0))
		}
	}

	ok, err := c.SetOutlet("0", "2", false)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{off}, f.sets)
	assert.Equal(t, []interface{}{1}, f.setValues)
	assert.Equal(t, []snmp.ValueKind{snmp.Integer}, f.setKinds)
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)

	_, bulksAfter := f.counts()
	assert.Equal(t, bulksBefore+1, bulksAfter, "exactly one refresh after the write")

	status, _ := c.Get(mib.OutletStatus.Resolve("0", 2), snmp.Value{}).Int()
	assert.Equal(t, int64(0), status)
	assert.Equal(t, uint64(2), c.Snapshot().Generation())
}

func TestSetOutletOn(t *testing.T) {
	f := newFakePDU().withUnit("1", 0, 4)
	c := newTestCoordinator(f, WithWriter(f))

	_, err := c.SetOutlet("1", "4", true)
	require.NoError(t, err)
	assert.Equal(t, []string{mib.OutletSwitchOn.Resolve("1", 4)}, f.sets)
}

func TestSetOutletRemoteErrorUnchanged(t *testing.T) {
	f := newFakePDU().withUnit("0", 0, 2)
	c := newTestCoordinator(f, WithWriter(f))
	var slept int
	c.sleep = func(time.Duration) { slept++ }

	remote := &snmp.RemoteError{Status: gosnmp.NotWritable, Index: 1}
	f.setErr = remote

	ok, err := c.SetOutlet("0", "1", true)
	assert.False(t, ok)
	assert.Same(t, remote, err)
	assert.Zero(t, slept)

	gets, bulks := f.counts()
	assert.Zero(t, gets+bulks, "no refresh after a rejected write")
}

func TestSetOutletRefreshFailureDoesNotFailWrite(t *testing.T) {
	f := newFakePDU().withUnit("0", 0, 2)
	c := newTestCoordinator(f, WithWriter(f))
	f.failBulks(&snmp.RemoteError{Indication: "timeout"})

	ok, err := c.SetOutlet("0", "1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateFailed, c.State())
	assert.Error(t, c.LastError())
}

func TestSetOutletInvalid(t *testing.T) {
	f := newFakePDU()
	c := newTestCoordinator(f, WithWriter(f))

	for _, tc := range []struct{ unit, outlet string }{
		{"0", "0"},
		{"0", "x"},
		{"0", "-1"},
		{"a", "1"},
		{"", "1"},
	} {
		_, err := c.SetOutlet(tc.unit, tc.outlet, true)
		assert.True(t, errors.Is(err, ErrInvalidOutlet), "%s/%s", tc.unit, tc.outlet)
	}
	assert.Empty(t, f.sets)
}
