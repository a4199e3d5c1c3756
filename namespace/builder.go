// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTReadingTopic returns the topic for a reading: {ns}[/{sel}]/{device}/readings/{id}
// Reading IDs already use "/" between unit, row and metric.
func (b *Builder) MQTTReadingTopic(device, id string) string {
	return b.mqttBase() + "/" + device + "/readings/" + id
}

// MQTTReadingFilter returns a wildcard matching every reading of a device.
func (b *Builder) MQTTReadingFilter(device string) string {
	return b.mqttBase() + "/" + device + "/readings/#"
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{device}/health
func (b *Builder) MQTTHealthTopic(device string) string {
	return b.mqttBase() + "/" + device + "/health"
}

// MQTTOutletTopic returns the topic for outlet commands: {ns}[/{sel}]/{device}/outlet
func (b *Builder) MQTTOutletTopic(device string) string {
	return b.mqttBase() + "/" + device + "/outlet"
}

// MQTTOutletResponseTopic returns the topic for outlet command responses: {ns}[/{sel}]/{device}/outlet/response
func (b *Builder) MQTTOutletResponseTopic(device string) string {
	return b.mqttBase() + "/" + device + "/outlet/response"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyReadingKey returns the key for a reading: {ns}[:{sel}]:{device}:readings:{id}
func (b *Builder) ValkeyReadingKey(device, id string) string {
	return b.valkeyBase() + ":" + device + ":readings:" + id
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{device}:health
func (b *Builder) ValkeyHealthKey(device string) string {
	return b.valkeyBase() + ":" + device + ":health"
}

// ValkeyChangesChannel returns the channel for device changes: {ns}[:{sel}]:{device}:changes
func (b *Builder) ValkeyChangesChannel(device string) string {
	return b.valkeyBase() + ":" + device + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyOutletQueue returns the queue key for outlet commands: {ns}[:{sel}]:outlets
func (b *Builder) ValkeyOutletQueue() string {
	return b.valkeyBase() + ":outlets"
}

// ValkeyOutletResponseChannel returns the channel for outlet responses: {ns}[:{sel}]:outlet:responses
func (b *Builder) ValkeyOutletResponseChannel() string {
	return b.valkeyBase() + ":outlet:responses"
}

// ValkeyFactory returns the factory identifier for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaReadingTopic returns the topic for readings: {ns}[-{sel}]
func (b *Builder) KafkaReadingTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

// KafkaOutletTopic returns the topic for outlet commands: {ns}[-{sel}]-outlets
func (b *Builder) KafkaOutletTopic() string {
	return b.kafkaBase() + "-outlets"
}

// KafkaOutletResponseTopic returns the topic for outlet responses: {ns}[-{sel}]-outlet-responses
func (b *Builder) KafkaOutletResponseTopic() string {
	return b.kafkaBase() + "-outlet-responses"
}

// KafkaReadingKey returns the message key for a reading: {device}/{id}
func KafkaReadingKey(device, id string) string {
	return device + "/" + id
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
