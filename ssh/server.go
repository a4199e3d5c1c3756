// Package ssh serves the interactive shell to remote operators, one
// independent shell per SSH session.
package ssh

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/pduman"
	"pdulink/shell"
)

// Session represents an active SSH session.
type Session struct {
	channel    gossh.Channel
	conn       *gossh.ServerConn
	remoteAddr string
	user       string
	role       string
	ptyReq     *ptyRequest
	tty        *channelTty
	closeMu    sync.Mutex
	closed     bool
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// User returns the authenticated user name.
func (s *Session) User() string { return s.user }

// Close ends the session with an exit status and closes the channel.
func (s *Session) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tty != nil {
		s.tty.Close()
	}
	exitStatus := []byte{0, 0, 0, 0} // uint32 big-endian
	s.channel.SendRequest("exit-status", false, exitStatus)
	s.channel.CloseWrite()
	return s.channel.Close()
}

// CloseConnection closes the underlying SSH connection.
func (s *Session) CloseConnection() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Window represents terminal window dimensions.
type Window struct {
	Width  int
	Height int
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

// Server accepts SSH connections and runs a shell per session against a
// shared device manager.
type Server struct {
	config     *config.SSHConfig
	users      UserLookup
	hostKey    string
	manager    *pduman.Manager
	sshConfig  *gossh.ServerConfig
	listener   net.Listener
	sessions   map[*Session]struct{}
	sessionsMu sync.RWMutex
	running    bool
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc

	onSessionConnect    func(user, remoteAddr string)
	onSessionDisconnect func(user, remoteAddr string)
}

// NewServer creates an SSH server. users resolves password logins and
// hostKeyPath is where the host key is kept.
func NewServer(cfg *config.SSHConfig, users UserLookup, hostKeyPath string, manager *pduman.Manager) *Server {
	return &Server{
		config:   cfg,
		users:    users,
		hostKey:  hostKeyPath,
		manager:  manager,
		sessions: make(map[*Session]struct{}),
	}
}

// SetOnSessionConnect sets a callback for when a session starts its shell.
func (s *Server) SetOnSessionConnect(fn func(user, remoteAddr string)) {
	s.onSessionConnect = fn
}

// SetOnSessionDisconnect sets a callback for when a session ends.
func (s *Server) SetOnSessionDisconnect(fn func(user, remoteAddr string)) {
	s.onSessionDisconnect = fn
}

// Start loads the host key and authorized keys, then listens in the
// background. At least one authentication method must be available.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	hostKey, err := GetOrCreateHostKey(s.hostKey)
	if err != nil {
		return fmt.Errorf("failed to get host key: %w", err)
	}

	sshConfig := &gossh.ServerConfig{}
	sshConfig.AddHostKey(hostKey)

	hasAuth := false
	if s.users != nil {
		sshConfig.PasswordCallback = passwordCallback(s.users)
		hasAuth = true
	}
	if s.config.AuthorizedKeys != "" {
		keys, err := loadAuthorizedKeys(s.config.AuthorizedKeys)
		if err != nil {
			logging.DebugError("ssh", "authorized keys", err)
		}
		if cb := publicKeyCallback(keys); cb != nil {
			sshConfig.PublicKeyCallback = cb
			hasAuth = true
		}
	}
	if !hasAuth {
		return fmt.Errorf("no authentication method configured")
	}
	s.sshConfig = sshConfig

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	logging.DebugConnectSuccess("ssh", listener.Addr().String(), "listening")
	go s.acceptLoop(s.ctx, listener)
	return nil
}

// Address returns the bound listen address, or "" when not running.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logging.DebugError("ssh", "accept", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		logging.DebugLog("ssh", "handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logging.DebugConnect("ssh", sshConn.RemoteAddr().String())

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logging.DebugError("ssh", "accept channel", err)
			continue
		}

		session := &Session{
			channel:    channel,
			conn:       sshConn,
			remoteAddr: sshConn.RemoteAddr().String(),
			user:       sshConn.User(),
		}
		if sshConn.Permissions != nil {
			if u := sshConn.Permissions.Extensions[extUser]; u != "" {
				session.user = u
			}
			session.role = sshConn.Permissions.Extensions[extRole]
		}
		go s.handleSession(session, requests)
	}
}

// handleSession processes pty-req, shell and window-change requests. The
// shell starts once both a pty and a shell have been requested.
func (s *Server) handleSession(session *Session, requests <-chan *gossh.Request) {
	started := false
	for req := range requests {
		switch req.Type {
		case "pty-req":
			ptyReq, err := parsePtyRequest(req.Payload)
			if err != nil {
				logging.DebugLog("ssh", "invalid pty-req from %s: %v", session.remoteAddr, err)
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			session.ptyReq = ptyReq
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if session.ptyReq == nil || started {
				if req.WantReply {
					req.Reply(false, nil)
				}
				if session.ptyReq == nil {
					session.channel.Write([]byte("pdulink needs a terminal; connect with ssh -t\r\n"))
					go session.Close()
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			started = true
			session.tty = newChannelTty(session.channel, session.ptyReq.Term,
				int(session.ptyReq.Width), int(session.ptyReq.Height))
			go s.runSession(session)

		case "window-change":
			win, err := parseWindowChange(req.Payload)
			if err != nil {
				logging.DebugLog("ssh", "invalid window-change from %s: %v", session.remoteAddr, err)
				continue
			}
			if session.tty != nil {
				session.tty.SetWindowSize(win.Width, win.Height)
			}

		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			logging.DebugLog("ssh", "unknown request type %s from %s", req.Type, session.remoteAddr)
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	session.Close()
}

// runSession runs one shell until the user quits, the client goes away or
// the server stops.
func (s *Server) runSession(session *Session) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	opts := []shell.Option{shell.WithSource("ssh:" + session.user)}
	if session.role != config.RoleAdmin {
		opts = append(opts, shell.ReadOnly())
	}
	sh, err := shell.NewRemote(s.manager, session.tty, opts...)
	if err != nil {
		logging.DebugError("ssh", "shell for "+session.remoteAddr, err)
		session.Close()
		session.CloseConnection()
		return
	}

	s.sessionsMu.Lock()
	s.sessions[session] = struct{}{}
	s.sessionsMu.Unlock()

	logging.DebugLog("ssh", "session for %s (%s) from %s, term=%s", session.user, session.role, session.remoteAddr, session.tty.Term())
	if s.onSessionConnect != nil {
		s.onSessionConnect(session.user, session.remoteAddr)
	}

	ctx, cancel := context.WithCancel(parent)
	sh.Run(ctx, cancel)
	cancel()

	s.sessionsMu.Lock()
	delete(s.sessions, session)
	s.sessionsMu.Unlock()

	session.Close()
	session.CloseConnection()
	if s.onSessionDisconnect != nil {
		s.onSessionDisconnect(session.user, session.remoteAddr)
	}
	logging.DebugDisconnect("ssh", session.remoteAddr, "session ended")
}

// parsePtyRequest parses a pty-req payload: string term, uint32 width,
// uint32 height, uint32 pixel width, uint32 pixel height, string modes.
func parsePtyRequest(payload []byte) (*ptyRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("payload too short")
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) < 4+uint64(termLen)+16 {
		return nil, fmt.Errorf("payload too short for term")
	}

	term := string(payload[4 : 4+termLen])
	offset := 4 + termLen
	return &ptyRequest{
		Term:   term,
		Width:  binary.BigEndian.Uint32(payload[offset : offset+4]),
		Height: binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
	}, nil
}

// parseWindowChange parses a window-change payload.
func parseWindowChange(payload []byte) (Window, error) {
	if len(payload) < 8 {
		return Window{}, fmt.Errorf("payload too short")
	}
	return Window{
		Width:  int(binary.BigEndian.Uint32(payload[0:4])),
		Height: int(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// Stop closes the listener and every open session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.sessionsMu.RLock()
	for session := range s.sessions {
		go session.Close()
	}
	s.sessionsMu.RUnlock()

	return listener.Close()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of active shell sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
