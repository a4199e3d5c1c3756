package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pdulink/config"
	"pdulink/logging"
	"pdulink/namespace"
	"pdulink/pduman"
)

// ReadingMessage is the payload produced for each reading change.
type ReadingMessage struct {
	Device      string      `json:"device"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Value       interface{} `json:"value"`
	UoM         string      `json:"unit_of_measurement,omitempty"`
	DeviceClass string      `json:"device_class,omitempty"`
	Generation  uint64      `json:"generation"`
	Timestamp   string      `json:"timestamp"`
}

// HealthMessage is the payload produced for device health.
type HealthMessage struct {
	Device     string `json:"device"`
	State      string `json:"state"`
	Online     bool   `json:"online"`
	Error      string `json:"error,omitempty"`
	Generation uint64 `json:"generation"`
	ReadOnly   bool   `json:"read_only"`
	Timestamp  string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages Kafka producers and outlet command consumers.
type Manager struct {
	namespace  string
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	builders   map[string]*namespace.Builder
	mu         sync.RWMutex
	lastValues map[string]interface{} // cluster/device/id -> last published value
	lastMu     sync.RWMutex

	outletHandler OutletHandler

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager(ns string) *Manager {
	m := &Manager{
		namespace:    ns,
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		builders:     make(map[string]*namespace.Builder),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	return m
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.stopChan, m.publishQueue)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}, queue <-chan publishJob) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			m.runJob(job)
		}
	}
}

func (m *Manager) runJob(job publishJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err != nil {
		logging.DebugLog("kafka", "Failed to publish %s: %v", job.cacheKey, err)
		return
	}
	if job.value != nil {
		m.lastMu.Lock()
		m.lastValues[job.cacheKey] = job.value
		m.lastMu.Unlock()
	}
}

// LoadFromConfig adds every configured cluster, collecting the errors of
// invalid ones.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) error {
	var errs []error
	for _, cfg := range cfgs {
		if err := m.AddCluster(cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddCluster adds a Kafka cluster. Adding a known name is a no-op.
func (m *Manager) AddCluster(cfg config.KafkaConfig) error {
	c := NewConfig(cfg)
	if err := c.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[c.Name]; exists {
		return nil
	}

	producer := NewProducer(c)
	builder := namespace.New(m.namespace, c.Selector)
	m.producers[c.Name] = producer
	m.builders[c.Name] = builder
	if c.Control {
		consumer := NewConsumer(c, producer, builder)
		consumer.SetOutletHandler(m.outletHandler)
		m.consumers[c.Name] = consumer
	}
	return nil
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	delete(m.builders, name)
	m.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// GetConsumer returns the command consumer for the named cluster, if any.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetOutletHandler sets the handler used by every command consumer.
func (m *Manager) SetOutletHandler(handler OutletHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outletHandler = handler
	for _, c := range m.consumers {
		c.SetOutletHandler(handler)
	}
}

// Connect connects the named cluster and starts its command consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer, exists := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	m.startWorkers()
	if err := producer.Connect(); err != nil {
		return err
	}
	if consumer != nil {
		return consumer.Start()
	}
	return nil
}

// Disconnect disconnects from the named Kafka cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil || !p.config.Enabled {
			continue
		}
		go func(name string) {
			if err := m.Connect(name); err != nil {
				logging.DebugError("kafka", "connect "+name, err)
			}
		}(name)
	}
}

// StopAll stops the publish workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logging.DebugLog("kafka", "Timeout waiting for publish workers to stop")
		}
	}

	for _, name := range m.ListClusters() {
		m.Disconnect(name)
	}
}

// publishing returns the connected producers with change publishing enabled.
func (m *Manager) publishing() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges {
			producers = append(producers, p)
		}
	}
	return producers
}

func (m *Manager) builder(name string) *namespace.Builder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.builders[name]
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logging.DebugLog("kafka", "Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// PublishChanges produces reading changes to every publishing cluster.
// Unchanged values are skipped unless force is set.
func (m *Manager) PublishChanges(changes []pduman.ValueChange, force bool) {
	producers := m.publishing()
	if len(producers) == 0 || len(changes) == 0 {
		return
	}
	m.startWorkers()

	for _, p := range producers {
		b := m.builder(p.Name())
		if b == nil {
			continue
		}
		for _, c := range changes {
			cacheKey := p.Name() + "/" + c.Device + "/" + c.ID
			if !force && !m.changed(cacheKey, c.Value) {
				continue
			}

			payload, err := p.config.Marshal(newReadingMessage(c))
			if err != nil {
				logging.DebugError("kafka", "encode reading "+c.ID, err)
				continue
			}
			m.enqueue(publishJob{
				producer: p,
				topic:    b.KafkaReadingTopic(),
				key:      []byte(namespace.KafkaReadingKey(c.Device, c.ID)),
				payload:  payload,
				cacheKey: cacheKey,
				value:    c.Value,
			})
		}
	}
}

// PublishHealth produces device health to every publishing cluster.
func (m *Manager) PublishHealth(h pduman.Health) {
	producers := m.publishing()
	if len(producers) == 0 {
		return
	}
	m.startWorkers()

	msg := HealthMessage{
		Device:     h.Device,
		State:      h.State,
		Online:     h.Online,
		Error:      h.Error,
		Generation: h.Generation,
		ReadOnly:   h.ReadOnly,
		Timestamp:  h.Timestamp.UTC().Format(time.RFC3339),
	}
	for _, p := range producers {
		b := m.builder(p.Name())
		if b == nil {
			continue
		}
		payload, err := p.config.Marshal(msg)
		if err != nil {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    b.KafkaHealthTopic(),
			key:      []byte(h.Device),
			payload:  payload,
			cacheKey: p.Name() + "/" + h.Device + "/health",
		})
	}
}

// changed reports whether value differs from the last published one.
func (m *Manager) changed(cacheKey string, value interface{}) bool {
	m.lastMu.RLock()
	last, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

// AnyPublishing returns true if any connected cluster publishes changes.
func (m *Manager) AnyPublishing() bool {
	return len(m.publishing()) > 0
}

// ClearLastValues clears the change tracking cache, forcing republish of all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}

func newReadingMessage(c pduman.ValueChange) ReadingMessage {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ReadingMessage{
		Device:      c.Device,
		ID:          c.ID,
		Name:        c.Name,
		Kind:        c.Kind,
		Value:       c.Value,
		UoM:         c.UoM,
		DeviceClass: c.DeviceClass,
		Generation:  c.Generation,
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
}
