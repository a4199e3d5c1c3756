package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"pdulink/logging"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to the topics of one Kafka cluster.
type Producer struct {
	config  *Config
	writers map[string]messageWriter // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	newWriter func(topic string) messageWriter

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *Config) *Producer {
	p := &Producer{
		config:  cfg,
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.newWriter = p.kafkaWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the cluster configuration.
func (p *Producer) Config() *Config {
	return p.config
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies a broker is reachable and marks the producer connected.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	logging.DebugConnect("kafka", strings.Join(brokers, ","))

	if len(brokers) == 0 {
		return p.fail(fmt.Errorf("kafka cluster %s has no brokers", name))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := p.config.dialer().DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		logging.DebugConnectError("kafka", brokers[0], err)
		return p.fail(fmt.Errorf("failed to connect: %w", err))
	}
	conn.Close()

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugConnectSuccess("kafka", brokers[0], name)
	return nil
}

func (p *Producer) fail(err error) error {
	p.mu.Lock()
	p.status = StatusError
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
	logging.DebugDisconnect("kafka", p.config.Name, "disconnected")
}

// Produce sends a message and blocks until the broker acknowledges it.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.ProduceBatch(ctx, topic, []kafka.Message{{Key: key, Value: value, Time: time.Now()}})
}

// ProduceBatch sends multiple messages to the specified topic in a single call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	start := time.Now()
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	if err := writer.WriteMessages(ctx, messages...); err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(messages))
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' (%d msgs) after %v: %v",
			p.config.Name, topic, len(messages), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' sent %d msgs in %v", p.config.Name, topic, len(messages), elapsed)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(messages))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry sends a message, retrying with a linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.Produce(ctx, topic, key, value); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	writer := p.newWriter(topic)
	p.writers[topic] = writer
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s' (auto-create=%v)",
		p.config.Name, topic, p.config.AutoCreate())
	return writer, nil
}

func (p *Producer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: p.config.transport(),

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreate(),
	}
}

// TestConnection verifies connectivity to the Kafka cluster.
func (p *Producer) TestConnection() error {
	dialer := p.config.dialer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to connect to any broker")
}
