// Package mqtt publishes ePDU readings to MQTT brokers and accepts outlet
// commands.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/namespace"
	"pdulink/pduman"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// OutletHandler executes an outlet command. Manager.SetOutlet satisfies it.
type OutletHandler func(device, unit, outlet string, on bool, opts ...pduman.CommandOption) (pduman.Command, error)

// outletJob represents a pending outlet command or an error response.
type outletJob struct {
	client pahomqtt.Client
	device string
	req    OutletRequest
	err    error
}

// MaxOutletWorkers is the maximum number of concurrent command goroutines per publisher.
const MaxOutletWorkers = 5

// MaxOutletQueueSize is the maximum number of pending commands per publisher.
const MaxOutletQueueSize = 100

// Publisher handles one broker connection.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	outletHandler OutletHandler
	devices       []string // devices to subscribe for outlet commands

	// Worker pool for bounded command goroutines
	outletQueue chan outletJob
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:      cfg,
		ns:          namespace.New(ns, cfg.Selector),
		lastValues:  make(map[string]interface{}),
		outletQueue: make(chan outletJob, MaxOutletQueueSize),
		stopChan:    make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "pdulink-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Subscriptions are lost on reconnect without a persistent session.
		if p.IsRunning() {
			p.subscribeOutletTopics()
		}
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugConnectError("mqtt", p.Address(), fmt.Errorf("timeout"))
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		return token.Error()
	}
	logging.DebugConnectSuccess("mqtt", p.Address(), "client "+clientID)

	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	p.startOutletWorkers()
	p.subscribeOutletTopics()
	return nil
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.outletQueue = make(chan outletJob, MaxOutletQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for outlet workers to stop")
	}

	client.Disconnect(500)
	logging.DebugDisconnect("mqtt", p.Address(), "stopped")
}

func (p *Publisher) startOutletWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.outletQueue
	p.mu.RUnlock()

	for i := 0; i < MaxOutletWorkers; i++ {
		p.wg.Add(1)
		go p.outletWorker(stop, queue)
	}
}

func (p *Publisher) outletWorker(stop <-chan struct{}, queue <-chan outletJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.runOutletJob(job)
		}
	}
}

func (p *Publisher) runOutletJob(job outletJob) {
	p.mu.RLock()
	handler := p.outletHandler
	p.mu.RUnlock()

	resp := OutletResponse{
		Device:    job.device,
		Unit:      string(job.req.Unit),
		Outlet:    string(job.req.Outlet),
		RequestID: job.req.RequestID,
	}
	if job.req.On != nil {
		resp.On = *job.req.On
	}

	err := job.err
	if err == nil && handler == nil {
		err = fmt.Errorf("no outlet handler configured")
	}
	if err == nil {
		logMQTT("Executing outlet command: %s %s/%s on=%v", job.device, resp.Unit, resp.Outlet, resp.On)
		var cmd pduman.Command
		cmd, err = handler(job.device, resp.Unit, resp.Outlet, resp.On,
			pduman.FromSource("mqtt:"+p.config.Name), pduman.WithRequestID(job.req.RequestID))
		resp.CommandID = cmd.ID
	}
	if err != nil {
		logMQTT("Outlet command error: %v", err)
		resp.Error = err.Error()
	}
	resp.Success = err == nil
	p.publishOutletResponse(job.client, resp)
}

// PublishReading sends a reading if it changed since the last publish.
func (p *Publisher) PublishReading(c pduman.ValueChange, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := c.Device + "/" + c.ID

	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", c.Value) {
		return false
	}

	payload, err := json.Marshal(newReadingMessage(c))
	if err != nil {
		return false
	}

	topic := p.ns.MQTTReadingTopic(c.Device, c.ID)
	token := client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = c.Value
	p.lastMu.Unlock()
	return true
}

// PublishHealth sends a retained health message for a device.
func (p *Publisher) PublishHealth(h pduman.Health) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(h)
	if err != nil {
		return false
	}
	token := client.Publish(p.ns.MQTTHealthTopic(h.Device), 1, true, payload)
	return token.WaitTimeout(2*time.Second) && token.Error() == nil
}

// SetOutletHandler sets the callback for outlet commands.
func (p *Publisher) SetOutletHandler(handler OutletHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outletHandler = handler
}

// SetDevices sets the devices to subscribe for outlet commands.
func (p *Publisher) SetDevices(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = names
}

// subscribeOutletTopics subscribes to the command topic of every device.
func (p *Publisher) subscribeOutletTopics() {
	if !p.config.Control {
		return
	}

	p.mu.RLock()
	client := p.client
	devices := p.devices
	p.mu.RUnlock()

	if client == nil || len(devices) == 0 {
		return
	}

	for _, device := range devices {
		topic := p.ns.MQTTOutletTopic(device)
		device := device
		token := client.Subscribe(topic, 1, func(c pahomqtt.Client, msg pahomqtt.Message) {
			p.handleOutletMessage(c, device, msg)
		})
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logMQTT("Subscribe failed for %s: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// handleOutletMessage parses a command and queues it for the workers.
func (p *Publisher) handleOutletMessage(client pahomqtt.Client, device string, msg pahomqtt.Message) {
	logMQTT("Received outlet command on %s: %s", msg.Topic(), strings.TrimSpace(string(msg.Payload())))

	req, err := parseOutletRequest(msg.Payload())
	job := outletJob{client: client, device: device, req: req, err: err}

	p.mu.RLock()
	queue := p.outletQueue
	p.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logMQTT("Outlet queue full, rejecting command for %s", device)
		job.err = fmt.Errorf("outlet queue full, try again later")
		go p.runOutletJob(job)
	}
}

func (p *Publisher) publishOutletResponse(client pahomqtt.Client, resp OutletResponse) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, _ := json.Marshal(resp)
	token := client.Publish(p.ns.MQTTOutletResponseTopic(resp.Device), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
