// Package config handles configuration persistence for pdulink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Defaults applied by DefaultConfig and WithDefaults.
const (
	DefaultPollRate     = 60 * time.Second
	DefaultSNMPPort     = 161
	DefaultTimeout      = 10 * time.Second
	DefaultSettleDelay  = 2 * time.Second
	DefaultImplicitUnit = "0"
	DefaultWebPort      = 8080
	DefaultSSHPort      = 2222
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Required: instance namespace for topic/key isolation
	PollRate  time.Duration  `yaml:"poll_rate"` // Default refresh interval for devices
	Devices   []DeviceConfig `yaml:"devices"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	History   HistoryConfig  `yaml:"history"`
	SSH       SSHConfig      `yaml:"ssh,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DeviceConfig describes one ePDU.
type DeviceConfig struct {
	Name           string            `yaml:"name"`
	Enabled        bool              `yaml:"enabled"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port,omitempty"`            // default 161
	Timeout        time.Duration     `yaml:"timeout,omitempty"`         // per request, default 10s
	UpdateInterval time.Duration     `yaml:"update_interval,omitempty"` // 0 = use poll_rate
	SettleDelay    *time.Duration    `yaml:"settle_delay,omitempty"`    // wait after an outlet SET; unset = 2s, 0 = none
	AccuratePower  bool              `yaml:"accurate_power,omitempty"`  // derive watts from V, I and pf
	ImplicitUnit   string            `yaml:"implicit_unit,omitempty"`   // unit index when no unit list is reported
	OutletInputs   map[string]string `yaml:"outlet_inputs,omitempty"`   // "unit.outlet" or "outlet" -> input feed
	Read           CredentialConfig  `yaml:"read"`
	Write          CredentialConfig  `yaml:"write,omitempty"` // version "none" or empty = read-only
}

// CredentialConfig selects an SNMP security scheme.
type CredentialConfig struct {
	Version      string `yaml:"version"` // "1", "2c", "3" or "none"
	Community    string `yaml:"community,omitempty"`
	Username     string `yaml:"username,omitempty"`
	AuthProtocol string `yaml:"auth_protocol,omitempty"`
	AuthKey      string `yaml:"auth_key,omitempty"`
	PrivProtocol string `yaml:"priv_protocol,omitempty"`
	PrivKey      string `yaml:"priv_key,omitempty"`
}

// Credential versions.
const (
	VersionNone = "none"
	Version1    = "1"
	Version2c   = "2c"
	Version3    = "3"
)

// IsNone reports whether the block disables access.
func (c CredentialConfig) IsNone() bool {
	v := strings.ToLower(strings.TrimSpace(c.Version))
	return v == "" || v == VersionNone
}

// IsUSM reports whether the block selects SNMPv3 user-based security.
func (c CredentialConfig) IsUSM() bool {
	return strings.TrimSpace(c.Version) == Version3
}

// Settle returns the settle delay, DefaultSettleDelay when unset.
func (d DeviceConfig) Settle() time.Duration {
	if d.SettleDelay == nil {
		return DefaultSettleDelay
	}
	return *d.SettleDelay
}

// Duration returns a pointer to d, for optional duration fields.
func Duration(d time.Duration) *time.Duration {
	return &d
}

// WithDefaults returns a copy with zero fields replaced by defaults.
// pollRate is used when no update interval is set.
func (d DeviceConfig) WithDefaults(pollRate time.Duration) DeviceConfig {
	if d.Port == 0 {
		d.Port = DefaultSNMPPort
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.UpdateInterval <= 0 {
		d.UpdateInterval = pollRate
		if d.UpdateInterval <= 0 {
			d.UpdateInterval = DefaultPollRate
		}
	}
	if d.SettleDelay == nil {
		d.SettleDelay = Duration(DefaultSettleDelay)
	}
	if d.ImplicitUnit == "" {
		d.ImplicitUnit = DefaultImplicitUnit
	}
	if d.Read.Version == "" {
		d.Read.Version = Version1
	}
	return d
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Host          string       `yaml:"host"`
	Port          int          `yaml:"port"`
	API           WebAPIConfig `yaml:"api"`
	Advertise     bool         `yaml:"advertise,omitempty"` // announce the API over mDNS
	SessionSecret string       `yaml:"session_secret,omitempty"`
	Users         []WebUser    `yaml:"users,omitempty"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebUser represents an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Control  bool   `yaml:"control,omitempty"` // Accept outlet commands
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
	Control        bool          `yaml:"control,omitempty"`         // Consume the outlet command queue
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// Pointer fields distinguish "not set" from an explicit false.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	Encoding         string `yaml:"encoding,omitempty"`           // "json" (default) or "cbor"
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // default true

	Control       bool          `yaml:"control,omitempty"`        // Consume outlet commands
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default: pdulink-{name}-outlets
	CommandMaxAge time.Duration `yaml:"command_max_age,omitempty"`
}

// HistoryConfig controls the SQLite event history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // default: history.db next to the config file
}

// SSHConfig holds the SSH shell server configuration. Password logins
// check the web users; keys listed in AuthorizedKeys log in as admin.
type SSHConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`            // default 2222
	AuthorizedKeys string `yaml:"authorized_keys,omitempty"` // file or directory of authorized_keys files
	HostKey        string `yaml:"host_key,omitempty"`        // default: host_key next to the config file
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Devices:  []DeviceConfig{},
		PollRate: DefaultPollRate,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    DefaultWebPort,
			API: WebAPIConfig{
				Enabled: true,
			},
		},
		MQTT:    []MQTTConfig{},
		Valkey:  []ValkeyConfig{},
		Kafka:   []KafkaConfig{},
		History: HistoryConfig{Enabled: true},
		SSH:     SSHConfig{Port: DefaultSSHPort},
	}
}

// DefaultPath returns the default configuration file path (~/.pdulink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".pdulink", "config.yaml")
}

// HistoryPath resolves the history database path relative to the config file.
func (c *Config) HistoryPath(configPath string) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(filepath.Dir(configPath), "history.db")
}

// HostKeyPath resolves the SSH host key path relative to the config file.
func (c *Config) HostKeyPath(configPath string) string {
	if c.SSH.HostKey != "" {
		return c.SSH.HostKey
	}
	return filepath.Join(filepath.Dir(configPath), "host_key")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are saved along with a generated session secret.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.PollRate <= 0 {
		cfg.PollRate = DefaultPollRate
	}

	// Generate session secret if not already set (needed for API login)
	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	// Call listeners outside the lock to avoid deadlocks
	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
// The file holds SNMP keys, so it is written owner-only.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindDevice returns the device config with the given name, or nil if not found.
func (c *Config) FindDevice(name string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i]
		}
	}
	return nil
}

// AddDevice adds a new device configuration.
func (c *Config) AddDevice(dev DeviceConfig) {
	c.Devices = append(c.Devices, dev)
}

// RemoveDevice removes a device by name.
func (c *Config) RemoveDevice(name string) bool {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateDevice updates an existing device configuration.
func (c *Config) UpdateDevice(name string, updated DeviceConfig) bool {
	for i, d := range c.Devices {
		if d.Name == name {
			c.Devices[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateMQTT updates an existing MQTT configuration.
func (c *Config) UpdateMQTT(name string, updated MQTTConfig) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT[i] = updated
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateValkey updates an existing Valkey configuration.
func (c *Config) UpdateValkey(name string, updated ValkeyConfig) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey[i] = updated
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateKafka updates an existing Kafka configuration.
func (c *Config) UpdateKafka(name string, updated KafkaConfig) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka[i] = updated
			return true
		}
	}
	return false
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
// An empty namespace is allowed; it defaults at startup.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}
	if c.PollRate < 0 {
		return fmt.Errorf("poll_rate must be positive")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if !IsValidNamespace(d.Name) {
			return fmt.Errorf("device %q: name must contain only alphanumeric characters, hyphens, underscores, and dots", d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("device %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}

	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		return fmt.Errorf("web: port %d out of range", c.Web.Port)
	}
	if c.SSH.Enabled && (c.SSH.Port < 0 || c.SSH.Port > 65535) {
		return fmt.Errorf("ssh: port %d out of range", c.SSH.Port)
	}
	return nil
}

// Validate checks a single device entry.
func (d DeviceConfig) Validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range", d.Port)
	}
	if d.Timeout < 0 || d.UpdateInterval < 0 || d.Settle() < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	read := d.Read
	if read.Version == "" {
		read.Version = Version1
	}
	if read.IsNone() {
		return fmt.Errorf("read: credentials are required")
	}
	if err := read.validate(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := d.Write.validate(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c CredentialConfig) validate() error {
	switch strings.TrimSpace(c.Version) {
	case "", VersionNone:
		return nil
	case Version1, Version2c:
		if c.Community == "" {
			return fmt.Errorf("community is required for version %s", c.Version)
		}
	case Version3:
		if c.Username == "" {
			return fmt.Errorf("username is required for version 3")
		}
	default:
		return fmt.Errorf("unsupported version %q", c.Version)
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
