package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"pdulink/logging"
	"pdulink/namespace"
	"pdulink/pduman"
)

// CommandBatchInterval is how often collected outlet commands are executed.
const CommandBatchInterval = 250 * time.Millisecond

// OutletRequest is an outlet command read from the command topic.
type OutletRequest struct {
	Device    string    `json:"device"`
	Unit      string    `json:"unit,omitempty"`
	Outlet    string    `json:"outlet"`
	On        *bool     `json:"on"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// OutletResponse is produced to the response topic for every command.
type OutletResponse struct {
	Device     string    `json:"device"`
	Unit       string    `json:"unit"`
	Outlet     string    `json:"outlet"`
	On         bool      `json:"on"`
	CommandID  string    `json:"command_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Skipped    bool      `json:"skipped,omitempty"`    // older than the command max age
	Superseded bool      `json:"superseded,omitempty"` // replaced by a newer command for the same outlet
	Timestamp  time.Time `json:"timestamp"`
}

// OutletHandler executes an outlet command. Manager.SetOutlet satisfies it.
type OutletHandler func(device, unit, outlet string, on bool, opts ...pduman.CommandOption) (pduman.Command, error)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type pendingCommand struct {
	request     OutletRequest
	messageTime time.Time
	offset      int64
}

// commandBatch collects commands between executions. A newer command for the
// same outlet replaces the pending one.
type commandBatch struct {
	pending    map[string]pendingCommand
	order      []string
	superseded []pendingCommand
}

func newCommandBatch() *commandBatch {
	return &commandBatch{pending: make(map[string]pendingCommand)}
}

func (b *commandBatch) add(pc pendingCommand) {
	key := pc.request.Device + "/" + pc.request.Unit + "/" + pc.request.Outlet
	if existing, ok := b.pending[key]; ok {
		b.superseded = append(b.superseded, existing)
	} else {
		b.order = append(b.order, key)
	}
	b.pending[key] = pc
}

func (b *commandBatch) empty() bool {
	return len(b.pending) == 0 && len(b.superseded) == 0
}

// Consumer executes outlet commands read from Kafka.
type Consumer struct {
	config   *Config
	producer *Producer // For producing responses
	builder  *namespace.Builder
	reader   messageReader
	running  bool
	mu       sync.RWMutex

	outletHandler OutletHandler
	newReader     func() messageReader
	now           func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a new outlet command consumer.
func NewConsumer(cfg *Config, producer *Producer, builder *namespace.Builder) *Consumer {
	c := &Consumer{
		config:   cfg,
		producer: producer,
		builder:  builder,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	c.newReader = c.kafkaReader
	return c
}

// SetOutletHandler sets the callback for executing outlet commands.
func (c *Consumer) SetOutletHandler(handler OutletHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outletHandler = handler
}

func (c *Consumer) kafkaReader() messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          c.builder.KafkaOutletTopic(),
		GroupID:        c.config.GetConsumerGroup(),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         c.config.dialer(),
	})
}

// Start begins consuming outlet commands.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	logConsumer("Starting consumer for topic '%s' with group '%s'",
		c.builder.KafkaOutletTopic(), c.config.GetConsumerGroup())

	c.reader = c.newReader()
	c.running = true
	c.stopChan = make(chan struct{})
	reader, stop := c.reader, c.stopChan
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(reader, stop)
	return nil
}

// Stop stops the consumer, executing any commands still pending.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logConsumer("Consumer stopped gracefully")
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(reader messageReader, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(CommandBatchInterval)
	defer ticker.Stop()

	batch := newCommandBatch()
	for {
		select {
		case <-stop:
			if !batch.empty() {
				c.processBatch(batch)
			}
			return

		case <-ticker.C:
			if !batch.empty() {
				c.processBatch(batch)
				batch = newCommandBatch()
			}

		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				continue
			}

			if pc, ok := c.decode(msg); ok {
				batch.add(pc)
			}
			c.commitMessage(reader, msg)
		}
	}
}

// decode parses a command message. Undecodable messages are committed and
// dropped.
func (c *Consumer) decode(msg kafka.Message) (pendingCommand, bool) {
	var req OutletRequest
	if err := c.config.Unmarshal(msg.Value, &req); err != nil {
		logConsumer("Invalid outlet command at offset %d: %v", msg.Offset, err)
		return pendingCommand{}, false
	}
	if req.Unit == "" {
		req.Unit = "0"
	}
	msgTime := msg.Time
	if !req.Timestamp.IsZero() {
		msgTime = req.Timestamp
	}
	return pendingCommand{request: req, messageTime: msgTime, offset: msg.Offset}, true
}

// processBatch answers superseded commands, then executes the rest in
// arrival order.
func (c *Consumer) processBatch(batch *commandBatch) {
	c.mu.RLock()
	handler := c.outletHandler
	c.mu.RUnlock()

	now := c.now()
	maxAge := c.config.GetCommandMaxAge()

	for _, pc := range batch.superseded {
		resp := c.response(pc.request, now)
		resp.Error = "command superseded by a newer command for the same outlet"
		resp.Superseded = true
		c.sendResponse(resp)
	}

	for _, key := range batch.order {
		pc := batch.pending[key]
		req := pc.request
		resp := c.response(req, now)

		age := now.Sub(pc.messageTime)
		switch {
		case !pc.messageTime.IsZero() && age > maxAge:
			resp.Error = fmt.Sprintf("command expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
		case req.Device == "" || req.Outlet == "":
			resp.Error = "device and outlet are required"
		case req.On == nil:
			resp.Error = "on is required"
		case handler == nil:
			resp.Error = "no outlet handler configured"
		default:
			cmd, err := handler(req.Device, req.Unit, req.Outlet, *req.On,
				pduman.FromSource("kafka:"+c.config.Name), pduman.WithRequestID(req.RequestID))
			resp.CommandID = cmd.ID
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Success = true
			}
		}

		logConsumer("Outlet %s %s/%s on=%v -> success=%v %s", req.Device, req.Unit, req.Outlet, resp.On, resp.Success, resp.Error)
		c.sendResponse(resp)
	}
}

func (c *Consumer) response(req OutletRequest, now time.Time) OutletResponse {
	resp := OutletResponse{
		Device:    req.Device,
		Unit:      req.Unit,
		Outlet:    req.Outlet,
		RequestID: req.RequestID,
		Timestamp: now.UTC(),
	}
	if req.On != nil {
		resp.On = *req.On
	}
	return resp
}

// sendResponse produces a response to the response topic.
func (c *Consumer) sendResponse(resp OutletResponse) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := c.config.Marshal(resp)
	if err != nil {
		logConsumer("Failed to encode response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := c.builder.KafkaOutletResponseTopic()
	if err := c.producer.Produce(ctx, topic, []byte(resp.Device), payload); err != nil {
		logConsumer("Failed to publish response to %s: %v", topic, err)
	}
}

func (c *Consumer) commitMessage(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
