// Package valkey stores ePDU readings in Valkey/Redis, publishes changes over
// Pub/Sub and consumes a queue of outlet commands.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/namespace"
	"pdulink/pduman"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// ReadingMessage represents a reading stored in Valkey.
type ReadingMessage struct {
	Factory    string      `json:"factory"`
	Device     string      `json:"device"`
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Kind       string      `json:"kind"`
	Value      interface{} `json:"value"`
	UoM        string      `json:"unit_of_measurement,omitempty"`
	Generation uint64      `json:"generation"`
	Timestamp  time.Time   `json:"timestamp"`
}

// HealthMessage represents a device health status stored in Valkey.
type HealthMessage struct {
	Factory string `json:"factory"`
	pduman.Health
}

// OutletRequest represents a command from the outlet queue.
type OutletRequest struct {
	Factory   string `json:"factory"`
	Device    string `json:"device"`
	Unit      string `json:"unit"`
	Outlet    string `json:"outlet"`
	On        *bool  `json:"on"`
	RequestID string `json:"request_id,omitempty"`
}

// OutletResponse represents the response to an outlet command.
type OutletResponse struct {
	Factory   string    `json:"factory"`
	Device    string    `json:"device"`
	Unit      string    `json:"unit"`
	Outlet    string    `json:"outlet"`
	On        bool      `json:"on"`
	CommandID string    `json:"command_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutletHandler executes an outlet command. Manager.SetOutlet satisfies it.
type OutletHandler func(device, unit, outlet string, on bool, opts ...pduman.CommandOption) (pduman.Command, error)

// Publisher handles publishing readings to a Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	outletHandler     OutletHandler
	onConnectCallback func()

	// Outlet queue processing
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		ns:       namespace.New(ns, cfg.Selector),
		stopChan: make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", p.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugConnectError("valkey", p.Address(), err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnectSuccess("valkey", p.Address(), fmt.Sprintf("db %d", p.config.Database))

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.Control {
		p.wg.Add(1)
		go p.outletListener(client, p.stopChan)
	}

	// Publish initial values
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener uses a 1s BLPOP timeout.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	logging.DebugDisconnect("valkey", p.Address(), "stopped")
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) readingMessage(c pduman.ValueChange) ReadingMessage {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ReadingMessage{
		Factory:    p.ns.ValkeyFactory(),
		Device:     c.Device,
		ID:         c.ID,
		Name:       c.Name,
		Kind:       c.Kind,
		Value:      c.Value,
		UoM:        c.UoM,
		Generation: c.Generation,
		Timestamp:  ts.UTC(),
	}
}

// PublishReading stores a reading and announces it when change publishing
// is enabled.
func (p *Publisher) PublishReading(c pduman.ValueChange) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(p.readingMessage(c))
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.ns.ValkeyReadingKey(c.Device, c.ID), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		pipe := client.Pipeline()
		pipe.Publish(ctx, p.ns.ValkeyChangesChannel(c.Device), data)
		pipe.Publish(ctx, p.ns.ValkeyAllChangesChannel(), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
	}
	return nil
}

// PublishHealth stores a device's health status.
func (p *Publisher) PublishHealth(h pduman.Health) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(HealthMessage{Factory: p.ns.ValkeyFactory(), Health: h})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.ns.ValkeyHealthKey(h.Device)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetOutletHandler sets the callback for outlet commands.
func (p *Publisher) SetOutletHandler(handler OutletHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outletHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// outletListener pops commands from the outlet queue until stopped.
func (p *Publisher) outletListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.ns.ValkeyOutletQueue()
	responseChannel := p.ns.ValkeyOutletResponseChannel()
	debugLog("Listening for outlet commands on %s", queueKey)

	for {
		select {
		case <-stop:
			return
		default:
		}

		// Block waiting for commands (with timeout for checking stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey outlet queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processOutletRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)
		pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pubCtx, responseChannel, data)
		pubCancel()
	}
}

// processOutletRequest runs one queued command and builds its response.
func (p *Publisher) processOutletRequest(data []byte) OutletResponse {
	p.mu.RLock()
	handler := p.outletHandler
	p.mu.RUnlock()

	resp := OutletResponse{
		Factory:   p.ns.ValkeyFactory(),
		Timestamp: time.Now().UTC(),
	}

	var req OutletRequest
	if err := json.Unmarshal(data, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %v", err)
		return resp
	}
	resp.Device, resp.Unit, resp.Outlet, resp.RequestID = req.Device, req.Unit, req.Outlet, req.RequestID
	if resp.Unit == "" {
		resp.Unit = "0"
	}

	switch {
	case req.Device == "" || req.Outlet == "":
		resp.Error = "device and outlet are required"
	case req.On == nil:
		resp.Error = "on is required"
	case handler == nil:
		resp.Error = "no outlet handler configured"
	default:
		resp.On = *req.On
		cmd, err := handler(req.Device, resp.Unit, req.Outlet, resp.On,
			pduman.FromSource("valkey:"+p.config.Name), pduman.WithRequestID(req.RequestID))
		resp.CommandID = cmd.ID
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	debugLog("Valkey outlet %s %s/%s on=%v -> success=%v", resp.Device, resp.Unit, resp.Outlet, resp.On, resp.Success)
	return resp
}
