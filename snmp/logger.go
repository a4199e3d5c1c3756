package snmp

import (
	"fmt"

	"pdulink/logging"
)

// wireLogger adapts gosnmp's Logger interface to the debug log.
type wireLogger struct{}

func (wireLogger) Print(v ...interface{}) {
	if logging.DebugEnabled("snmp/wire") {
		logging.DebugLog("snmp/wire", "%s", fmt.Sprint(v...))
	}
}

func (wireLogger) Printf(format string, v ...interface{}) {
	if logging.DebugEnabled("snmp/wire") {
		logging.DebugLog("snmp/wire", format, v...)
	}
}
