// Package api serves the REST API and event stream for managed ePDUs.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pdulink/config"
	"pdulink/logging"
)

// mDNS service identity.
const (
	ServiceType   = "_pdulink._tcp"
	ServiceDomain = "local."
)

// Server is the HTTP server for the REST API.
type Server struct {
	config   *config.WebConfig
	managers Managers
	events   *Events
	server   *http.Server
	listener net.Listener
	mdns     *zeroconf.Server
	router   chi.Router
	running  bool
	mu       sync.RWMutex
}

// NewServer creates a web server. The router is built immediately so it
// can be exercised with Handler before Start.
func NewServer(cfg *config.WebConfig, managers Managers) *Server {
	s := &Server{
		config:   cfg,
		managers: managers,
		events:   NewEvents(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	if cfg.API.Enabled {
		r.Mount("/api", NewRouter(managers, s.events))
	}
	s.router = r
	return s
}

// debugLogWriter adapts logging.DebugLog to an io.Writer for use with log.Logger.
type debugLogWriter string

func (tag debugLogWriter) Write(p []byte) (n int, err error) {
	logging.DebugLog(string(tag), "%s", string(p))
	return len(p), nil
}

var _ io.Writer = debugLogWriter("")

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Events returns the hub that feeds /api/events.
func (s *Server) Events() *Events { return s.events }

// Start listens and serves in the background. The listen error is returned
// directly so a port conflict surfaces at startup.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logging.DebugConnectError("api", addr, err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(debugLogWriter("api"), "", 0),
	}
	s.server = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			logging.DebugError("api", "serve", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	if s.config.Advertise {
		s.advertise(ln.Addr().(*net.TCPAddr).Port)
	}

	s.running = true
	logging.DebugConnectSuccess("api", ln.Addr().String(), "serving")
	return nil
}

// advertise registers the API over mDNS. Failure is logged, not fatal.
func (s *Server) advertise(port int) {
	instance := "pdulink"
	if ns := s.managers.GetConfig().Namespace; ns != "" {
		instance = "pdulink-" + ns
	}
	txt := []string{"path=/api"}
	if len(s.config.Users) > 0 {
		txt = append(txt, "auth=basic")
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		logging.DebugError("api", "mdns register", err)
		return
	}
	s.mdns = server
	logging.DebugLog("api", "advertising %s.%s%s on port %d", instance, ServiceType, ServiceDomain, port)
}

// Stop halts the server gracefully and disconnects event clients.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events.Stop()

	if !s.running || s.server == nil {
		return nil
	}

	if s.mdns != nil {
		s.mdns.Shutdown()
		s.mdns = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	logging.DebugDisconnect("api", s.listener.Addr().String(), "stopped")
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server address. Once started it reflects the bound
// port, which differs from the configured one when that is 0.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
