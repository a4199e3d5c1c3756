// Package kafka produces ePDU readings and health to Kafka and consumes
// outlet commands from a command topic.
package kafka

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"pdulink/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Payload encodings.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

const (
	DefaultRequiredAcks  = -1
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = 100 * time.Millisecond
	DefaultCommandMaxAge = 30 * time.Second
)

// Config is a cluster configuration with defaults applied.
type Config struct {
	config.KafkaConfig
}

// NewConfig copies cfg and fills in defaults.
func NewConfig(cfg config.KafkaConfig) *Config {
	c := &Config{KafkaConfig: cfg}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = DefaultRequiredAcks
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Encoding == "" {
		c.Encoding = EncodingJSON
	}
	return c
}

// Validate checks the cluster configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("kafka cluster name is required")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka cluster %s: at least one broker is required", c.Name)
	}
	switch c.Encoding {
	case EncodingJSON, EncodingCBOR:
	default:
		return fmt.Errorf("kafka cluster %s: unknown encoding %q", c.Name, c.Encoding)
	}
	switch SASLMechanism(c.SASLMechanism) {
	case SASLNone, SASLPlain, SASLSCRAMSHA256, SASLSCRAMSHA512:
	default:
		return fmt.Errorf("kafka cluster %s: unknown SASL mechanism %q", c.Name, c.SASLMechanism)
	}
	return nil
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// GetConsumerGroup returns the consumer group for outlet commands.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return "pdulink-" + c.Name + "-outlets"
}

// GetCommandMaxAge returns how old a command may be before it is skipped.
func (c *Config) GetCommandMaxAge() time.Duration {
	if c.CommandMaxAge > 0 {
		return c.CommandMaxAge
	}
	return DefaultCommandMaxAge
}

// AutoCreate reports whether writers may create missing topics.
func (c *Config) AutoCreate() bool {
	return c.AutoCreateTopics == nil || *c.AutoCreateTopics
}

// Marshal encodes v with the configured payload encoding.
func (c *Config) Marshal(v interface{}) ([]byte, error) {
	if c.Encoding == EncodingCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data with the configured payload encoding.
func (c *Config) Unmarshal(data []byte, v interface{}) error {
	if c.Encoding == EncodingCBOR {
		return cbor.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func (c *Config) saslMechanism() sasl.Mechanism {
	if c.Username == "" {
		return nil
	}

	switch SASLMechanism(c.SASLMechanism) {
	case SASLPlain:
		return plain.Mechanism{
			Username: c.Username,
			Password: c.Password,
		}
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, c.Username, c.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, c.Username, c.Password)
		return mechanism
	default:
		return nil
	}
}

func (c *Config) dialer() *kafka.Dialer {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		TLS:       c.GetTLSConfig(),
	}
	if mechanism := c.saslMechanism(); mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer
}

func (c *Config) transport() *kafka.Transport {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         c.GetTLSConfig(),
	}
	if mechanism := c.saslMechanism(); mechanism != nil {
		transport.SASL = mechanism
	}
	return transport
}
