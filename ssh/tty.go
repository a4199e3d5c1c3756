package ssh

import (
	"bytes"
	"io"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"pdulink/shell"
)

// channelTty adapts an SSH session channel to shell.Terminal. The client's
// pty is in raw mode, so output newlines are expanded to CRLF.
type channelTty struct {
	channel  gossh.Channel
	term     string
	width    int
	height   int
	mu       sync.RWMutex
	resizeCb func()
	resizeMu sync.Mutex
	stopped  bool
}

func newChannelTty(channel gossh.Channel, term string, width, height int) *channelTty {
	if term == "" {
		term = "xterm-256color"
	}
	return &channelTty{
		channel: channel,
		term:    term,
		width:   width,
		height:  height,
	}
}

// Term returns the terminal type from the pty request.
func (t *channelTty) Term() string { return t.term }

// Width returns the current column count, 80 when the client sent none.
func (t *channelTty) Width() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.width <= 0 {
		return 80
	}
	return t.width
}

// NotifyResize registers a callback for window-change requests.
func (t *channelTty) NotifyResize(cb func()) {
	t.resizeMu.Lock()
	t.resizeCb = cb
	t.resizeMu.Unlock()
}

// SetWindowSize records a window change and runs the resize callback.
func (t *channelTty) SetWindowSize(width, height int) {
	t.mu.Lock()
	t.width = width
	t.height = height
	t.mu.Unlock()

	t.resizeMu.Lock()
	cb := t.resizeCb
	t.resizeMu.Unlock()

	if cb != nil {
		cb()
	}
}

func (t *channelTty) Read(b []byte) (int, error) {
	if t.Stopped() {
		return 0, io.EOF
	}
	n, err := t.channel.Read(b)
	if err != nil && t.Stopped() {
		return 0, io.EOF
	}
	return n, err
}

func (t *channelTty) Write(b []byte) (int, error) {
	if _, err := t.channel.Write(bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close stops reads. The channel itself is closed by the session so the
// exit status can still be sent.
func (t *channelTty) Close() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	return nil
}

// Stopped reports whether Close has been called.
func (t *channelTty) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

var _ shell.Terminal = (*channelTty)(nil)
