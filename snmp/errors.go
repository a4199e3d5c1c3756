package snmp

import (
	"fmt"

	"github.com/gosnmp/gosnmp"
)

// RemoteError reports a failed exchange with an agent: either a transport
// failure (Indication set) or a protocol-level error status in the response.
type RemoteError struct {
	Indication string
	Status     gosnmp.SNMPError
	Index      uint8
}

func (e *RemoteError) Error() string {
	indication := e.Indication
	if indication == "" {
		indication = "none"
	}
	return fmt.Sprintf("got SNMP error: %s %s %d", indication, e.Status, e.Index)
}

// NoSuchName reports whether the agent rejected the request because a
// requested variable does not exist (SNMPv1 semantics).
func (e *RemoteError) NoSuchName() bool {
	return e.Indication == "" && e.Status == gosnmp.NoSuchName
}

// ConfigurationError reports an invalid credential or protocol selection.
// It is raised at construction and never reaches the network.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid SNMP configuration: %s: %s", e.Field, e.Reason)
}

func transportError(err error) *RemoteError {
	return &RemoteError{Indication: err.Error()}
}

func statusError(packet *gosnmp.SnmpPacket) *RemoteError {
	return &RemoteError{Status: packet.Error, Index: packet.ErrorIndex}
}
