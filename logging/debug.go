package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging for troubleshooting agent
// timeouts, rejected SETs, broker drops and refresh failures. It writes to a
// dedicated debug.log file, optionally filtered to a set of protocols.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Protocol filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// KnownProtocols lists the protocol names accepted by SetFilter.
var KnownProtocols = []string{
	"pdulink",
	"snmp", "snmp/wire",
	"pduman",
	"mqtt",
	"valkey",
	"kafka",
	"api",
	"history",
	"shell",
	"ssh",
	"debug",
}

// Filters that pull in related protocols when selected.
var relatedProtocols = map[string][]string{
	"snmp":   {"snmp/wire"},
	"pduman": {"snmp"},
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// SetFilter sets the protocol filter from a comma-separated list.
// Empty string means log all protocols. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, rel := range relatedProtocols[p] {
			l.filters[rel] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for p := range l.filters {
			filterList = append(filterList, p)
		}
		sort.Strings(filterList)
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for protocols: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// Enabled reports whether messages for protocol would be written.
func (l *DebugLogger) Enabled(protocol string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.shouldLog(protocol)
}

// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, protocol, msg)
}

// LogRequest logs an outgoing request and the OIDs it carries.
func (l *DebugLogger) LogRequest(protocol, op, address string, oids []string) {
	l.Log(protocol, "%s %s -> %s", op, address, formatOIDs(oids))
}

// LogConnect logs a connection event.
func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// formatOIDs renders at most 8 OIDs, summarizing the rest.
func formatOIDs(oids []string) string {
	const max = 8
	if len(oids) <= max {
		return strings.Join(oids, " ")
	}
	return fmt.Sprintf("%s ... (+%d more)", strings.Join(oids[:max], " "), len(oids)-max)
}

// Global debug logging functions for use by the service packages

// DebugEnabled reports whether a global logger would write protocol messages.
func DebugEnabled(protocol string) bool {
	return GetGlobalDebugLogger().Enabled(protocol)
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

// DebugRequest logs an outgoing request if debug logging is enabled.
func DebugRequest(protocol, op, address string, oids []string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRequest(protocol, op, address, oids)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(protocol, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(protocol, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(protocol, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(protocol, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(protocol, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
