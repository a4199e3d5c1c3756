package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger writes timestamped service messages to a file selected with
// -log. It is safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it when missing.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.write("", format, args...)
}

// Logf writes a formatted message tagged with a component name.
func (l *FileLogger) Logf(component, format string, args ...interface{}) {
	l.write(component, format, args...)
}

// For returns a log function bound to one component.
func (l *FileLogger) For(component string) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		l.write(component, format, args...)
	}
}

func (l *FileLogger) write(component, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, component, msg)
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
}

// Close closes the log file. Repeated calls are no-ops.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
