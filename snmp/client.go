package snmp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"pdulink/logging"
)

// Defaults for Target.
const (
	DefaultPort    = 161
	DefaultTimeout = 10 * time.Second
)

// ValueKind selects the wire type of a SET value.
type ValueKind int

const (
	Integer ValueKind = iota
	OctetString
	Gauge32
	Counter32
	TimeTicks
	IPAddress
	ObjectIdentifier
)

func (k ValueKind) String() string {
	switch k {
	case Integer:
		return "Integer"
	case OctetString:
		return "OctetString"
	case Gauge32:
		return "Gauge32"
	case Counter32:
		return "Counter32"
	case TimeTicks:
		return "TimeTicks"
	case IPAddress:
		return "IPAddress"
	case ObjectIdentifier:
		return "ObjectIdentifier"
	default:
		return "Unknown"
	}
}

func (k ValueKind) asn1() gosnmp.Asn1BER {
	switch k {
	case OctetString:
		return gosnmp.OctetString
	case Gauge32:
		return gosnmp.Gauge32
	case Counter32:
		return gosnmp.Counter32
	case TimeTicks:
		return gosnmp.TimeTicks
	case IPAddress:
		return gosnmp.IPAddress
	case ObjectIdentifier:
		return gosnmp.ObjectIdentifier
	default:
		return gosnmp.Integer
	}
}

// Target identifies the agent a Client talks to.
type Target struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// session is the subset of *gosnmp.GoSNMP the client drives.
type session interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	GetBulk(oids []string, nonRepeaters uint8, maxRepetitions uint32) (*gosnmp.SnmpPacket, error)
	GetNext(oids []string) (*gosnmp.SnmpPacket, error)
	Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error)
}

// Option configures a Client.
type Option func(*Client)

// WithWireLogging routes gosnmp's packet-level logging to the debug log
// under the "snmp/wire" protocol.
func WithWireLogging() Option {
	return func(c *Client) {
		c.wireLog = true
	}
}

// withSession replaces the network session, for tests.
func withSession(s session) Option {
	return func(c *Client) {
		c.sess = s
	}
}

// Client issues GET, GETBULK and SET requests to one agent. A gosnmp session
// is not safe for concurrent use, so all calls are serialized.
type Client struct {
	target  Target
	creds   Credentials
	wireLog bool

	mu        sync.Mutex
	gs        *gosnmp.GoSNMP
	sess      session
	connected bool
}

// NewClient creates a client for target using creds. The session connects
// on first use.
func NewClient(target Target, creds Credentials, opts ...Option) (*Client, error) {
	if target.Host == "" {
		return nil, &ConfigurationError{Field: "host", Reason: "must not be empty"}
	}
	if creds.IsZero() {
		return nil, &ConfigurationError{Field: "credentials", Reason: "not configured"}
	}
	if target.Port == 0 {
		target.Port = DefaultPort
	}
	if target.Port < 0 || target.Port > 65535 {
		return nil, &ConfigurationError{Field: "port", Reason: fmt.Sprintf("%d out of range", target.Port)}
	}
	if target.Timeout <= 0 {
		target.Timeout = DefaultTimeout
	}

	c := &Client{target: target, creds: creds}
	for _, opt := range opts {
		opt(c)
	}

	if c.sess == nil {
		gs := &gosnmp.GoSNMP{
			Target:    target.Host,
			Port:      uint16(target.Port),
			Transport: "udp",
			Timeout:   target.Timeout,
			Retries:   0,
			MaxOids:   gosnmp.MaxOids,
		}
		creds.apply(gs)
		if c.wireLog {
			gs.Logger = gosnmp.NewLogger(wireLogger{})
		}
		c.gs = gs
		c.sess = gs
	}
	return c, nil
}

// Target returns the agent address the client was built for.
func (c *Client) Target() Target { return c.target }

// Credentials returns the client's credentials.
func (c *Client) Credentials() Credentials { return c.creds }

// Close releases the UDP socket. The client reconnects on next use.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	if c.gs != nil && c.gs.Conn != nil {
		logging.DebugDisconnect("snmp", c.target.Address(), "closed")
		return c.gs.Conn.Close()
	}
	return nil
}

// Must be called with c.mu held.
func (c *Client) connectLocked() error {
	if c.connected {
		return nil
	}
	addr := c.target.Address()
	logging.DebugConnect("snmp", addr)
	if err := c.sess.Connect(); err != nil {
		logging.DebugConnectError("snmp", addr, err)
		return transportError(err)
	}
	logging.DebugConnectSuccess("snmp", addr, c.creds.String())
	c.connected = true
	return nil
}

// Get fetches oids in one request. Bindings the agent reports as absent
// (noSuchObject, noSuchInstance, endOfMibView) are left out of the result.
func (c *Client) Get(oids []string) (Values, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	logging.DebugRequest("snmp", "GET", c.target.Address(), oids)
	packet, err := c.sess.Get(wireOIDs(oids))
	if err != nil {
		logging.DebugError("snmp", "get", err)
		return nil, transportError(err)
	}
	if packet.Error != gosnmp.NoError {
		rerr := statusError(packet)
		logging.DebugError("snmp", "get", rerr)
		return nil, rerr
	}

	values := make(Values, len(packet.Variables))
	for _, pdu := range packet.Variables {
		if absent(pdu.Type) {
			continue
		}
		values[normalizeOID(pdu.Name)] = Decode(pdu)
	}
	return values, nil
}

// GetBulkAuto reads the row count from countOID, then walks that many rows.
// A missing or non-numeric count yields no rows.
func (c *Client) GetBulkAuto(columns []string, countOID string, start int) ([]Values, error) {
	values, err := c.Get([]string{countOID})
	if err != nil {
		return nil, err
	}
	v, ok := values[normalizeOID(countOID)]
	if !ok {
		return nil, nil
	}
	count, ok := v.Int()
	if !ok || count <= 0 {
		return nil, nil
	}
	return c.GetBulk(columns, int(count), start)
}

// Set writes a single scalar. It reports true when the agent accepted the
// write.
func (c *Client) Set(oid string, value interface{}, kind ValueKind) (bool, error) {
	wire, err := setValue(value, kind)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return false, err
	}

	logging.DebugLog("snmp", "SET %s -> %s = %v (%s)", c.target.Address(), oid, wire, kind)
	packet, err := c.sess.Set([]gosnmp.SnmpPDU{{
		Name:  wireOID(oid),
		Type:  kind.asn1(),
		Value: wire,
	}})
	if err != nil {
		logging.DebugError("snmp", "set", err)
		return false, transportError(err)
	}
	if packet.Error != gosnmp.NoError {
		rerr := statusError(packet)
		logging.DebugError("snmp", "set", rerr)
		return false, rerr
	}
	return true, nil
}

// setValue converts value to the Go type gosnmp marshals for kind.
func setValue(value interface{}, kind ValueKind) (interface{}, error) {
	if v, ok := value.(Value); ok {
		value = v.Interface()
	}
	switch kind {
	case Integer:
		n, ok := DecodeRaw(value).Int()
		if !ok {
			return nil, &ConfigurationError{Field: "value", Reason: fmt.Sprintf("%v is not an integer", value)}
		}
		return int(n), nil
	case Gauge32, Counter32, TimeTicks:
		n, ok := DecodeRaw(value).Int()
		if !ok || n < 0 || n > 0xFFFFFFFF {
			return nil, &ConfigurationError{Field: "value", Reason: fmt.Sprintf("%v is not an unsigned 32-bit value", value)}
		}
		return uint32(n), nil
	case OctetString:
		if b, ok := value.([]byte); ok {
			return b, nil
		}
		return fmt.Sprint(value), nil
	case IPAddress, ObjectIdentifier:
		return fmt.Sprint(value), nil
	default:
		return nil, &ConfigurationError{Field: "kind", Reason: fmt.Sprintf("unsupported value kind %d", kind)}
	}
}

func absent(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance || t == gosnmp.EndOfMibView
}

// normalizeOID strips the leading dot gosnmp puts on returned names.
func normalizeOID(oid string) string {
	return strings.TrimPrefix(oid, ".")
}

func wireOID(oid string) string {
	return "." + normalizeOID(oid)
}

func wireOIDs(oids []string) []string {
	out := make([]string, len(oids))
	for i, oid := range oids {
		out[i] = wireOID(oid)
	}
	return out
}
