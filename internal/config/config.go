// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	TLS         TLSConfig         `yaml:"tls"`
	Auth        AuthConfig        `yaml:"auth"`
	Storage     StorageConfig     `yaml:"storage"`
	Limits      LimitsConfig      `yaml:"limits"`
	QoS         QoSConfig         `yaml:"qos"`
	Session     SessionConfig     `yaml:"session"`
	Features    FeaturesConfig    `yaml:"features"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Flapping    FlappingConfig    `yaml:"flapping"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	SysTopics   SysTopicsConfig   `yaml:"sys_topics"`
}

// ServerConfig contains server binding and network settings.
type ServerConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	DefaultKeepAlive    time.Duration `yaml:"default_keep_alive"`
	MaxKeepAlive        time.Duration `yaml:"max_keep_alive"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	CleanSessionDefault bool          `yaml:"clean_session_default"`
	MaxConnections      int           `yaml:"max_connections"`
	MaxPacketSize       uint32        `yaml:"max_packet_size"`
	NumWorkers          int           `yaml:"num_workers"`
	MaxTopicLevels      int           `yaml:"max_topic_levels"`
	OutboundChanCap     int           `yaml:"outbound_channel_capacity"`
}

// WebSocketConfig contains the WebSocket listener settings.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Path    string `yaml:"path"`
}

// ProxyConfig contains PROXY-protocol listener settings.
type ProxyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// TLSConfig contains TLS/SSL settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	Enabled              bool   `yaml:"enabled"`
	AllowAnonymous       bool   `yaml:"allow_anonymous"`
	RequireClientCerts   bool   `yaml:"require_client_certs"`
	UsernamePasswordFile string `yaml:"username_password_file"`
}

// StorageConfig contains persistence backend settings.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory" or "bbolt"
	Path    string `yaml:"path"`
}

// LimitsConfig contains connection and message limits.
type LimitsConfig struct {
	MaxClients          int    `yaml:"max_clients"`
	MaxMessageSize      int64  `yaml:"max_message_size"`
	MaxInflightMessages int    `yaml:"max_inflight_messages"`
	RetainedMessages    bool   `yaml:"retained_messages"`
	MaxQueuedMessages   int    `yaml:"max_queued_messages"`
	MaxAwaitingRel      int    `yaml:"max_awaiting_rel"`
	QueueOverflowPolicy string `yaml:"queue_overflow_policy"` // "drop_newest" | "drop_oldest"
}

// QoSConfig contains Quality of Service settings.
type QoSConfig struct {
	MaxQoS          byte          `yaml:"max_qos"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	ReceiveMaximum  uint16        `yaml:"receive_maximum"`
	RetainAvailable bool          `yaml:"retain_available"`
}

// SessionConfig contains session-expiry sweep settings.
type SessionConfig struct {
	ExpiryCheckInterval time.Duration `yaml:"expiry_check_interval"`
}

// FeaturesConfig holds toggles for optional v5 features. They are
// loaded and defaulted here, but none of them is sent in CONNACK or
// enforced by the connection handler.
type FeaturesConfig struct {
	WildcardSubscriptionAvailable    bool   `yaml:"wildcard_subscription_available"`
	SubscriptionIdentifiersAvailable bool   `yaml:"subscription_identifiers_available"`
	SharedSubscriptionsAvailable     bool   `yaml:"shared_subscriptions_available"`
	MaxTopicAlias                    uint16 `yaml:"max_topic_alias"`
}

// AdmissionConfig contains per-IP admission control settings.
type AdmissionConfig struct {
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	RateLimit           float64       `yaml:"rate_limit"`
	RateBurst           float64       `yaml:"rate_burst"`
	BannedIPs           []string      `yaml:"banned_ips"`
	AllowedIPs          []string      `yaml:"allowed_ips"`
	BannedCIDRs         []string      `yaml:"banned_cidrs"`
	AllowedCIDRs        []string      `yaml:"allowed_cidrs"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// FlappingConfig contains flap-detection ban settings.
type FlappingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxCount   int           `yaml:"max_count"`
	WindowTime time.Duration `yaml:"window_time"`
	BanTime    time.Duration `yaml:"ban_time"`
}

// PersistenceConfig contains write-back batching settings.
type PersistenceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// SysTopicsConfig contains $SYS broadcast settings.
type SysTopicsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in default values for missing configuration options.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 1883
	}
	if c.Server.DefaultKeepAlive == 0 {
		c.Server.DefaultKeepAlive = 60 * time.Second
	}
	if c.Server.MaxKeepAlive == 0 {
		c.Server.MaxKeepAlive = 15 * time.Minute
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 10000
	}
	if c.Server.MaxPacketSize == 0 {
		c.Server.MaxPacketSize = 256 * 1024
	}
	if c.Server.NumWorkers == 0 {
		c.Server.NumWorkers = 4
	}
	if c.Server.MaxTopicLevels == 0 {
		c.Server.MaxTopicLevels = 64
	}
	if c.Server.OutboundChanCap == 0 {
		c.Server.OutboundChanCap = 256
	}

	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/mqtt"
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 5 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "bbolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/mqtt.db"
	}

	if c.Limits.MaxClients == 0 {
		c.Limits.MaxClients = 1000
	}
	if c.Limits.MaxMessageSize == 0 {
		c.Limits.MaxMessageSize = 256 * 1024
	}
	if c.Limits.MaxInflightMessages == 0 {
		c.Limits.MaxInflightMessages = 100
	}
	if c.Limits.MaxQueuedMessages == 0 {
		c.Limits.MaxQueuedMessages = 1000
	}
	if c.Limits.MaxAwaitingRel == 0 {
		c.Limits.MaxAwaitingRel = 100
	}
	if c.Limits.QueueOverflowPolicy == "" {
		c.Limits.QueueOverflowPolicy = "drop_newest"
	}

	if c.QoS.MaxQoS == 0 {
		c.QoS.MaxQoS = 2
	}
	if c.QoS.RetryInterval == 0 {
		c.QoS.RetryInterval = 10 * time.Second
	}
	if c.QoS.MaxRetries == 0 {
		c.QoS.MaxRetries = 3
	}
	if c.QoS.ReceiveMaximum == 0 {
		c.QoS.ReceiveMaximum = 100
	}

	if c.Session.ExpiryCheckInterval == 0 {
		c.Session.ExpiryCheckInterval = 30 * time.Second
	}

	if c.Features.MaxTopicAlias == 0 {
		c.Features.MaxTopicAlias = 16
	}

	if c.Admission.CleanupInterval == 0 {
		c.Admission.CleanupInterval = time.Minute
	}
	if c.Admission.RateLimit == 0 {
		c.Admission.RateLimit = 50
	}
	if c.Admission.RateBurst == 0 {
		c.Admission.RateBurst = 100
	}
	if c.Admission.MaxConnectionsPerIP == 0 {
		c.Admission.MaxConnectionsPerIP = 50
	}

	if c.Flapping.MaxCount == 0 {
		c.Flapping.MaxCount = 5
	}
	if c.Flapping.WindowTime == 0 {
		c.Flapping.WindowTime = 60 * time.Second
	}
	if c.Flapping.BanTime == 0 {
		c.Flapping.BanTime = 5 * time.Minute
	}

	if c.Persistence.FlushInterval == 0 {
		c.Persistence.FlushInterval = 100 * time.Millisecond
	}
	if c.Persistence.MaxBatchSize == 0 {
		c.Persistence.MaxBatchSize = 200
	}
	if c.Persistence.QueueCapacity == 0 {
		c.Persistence.QueueCapacity = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.SysTopics.Interval == 0 {
		c.SysTopics.Interval = 10 * time.Second
	}
}

// Validate checks whether the configuration is self-consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert_file or key_file not specified")
		}
	}

	validBackends := map[string]bool{"memory": true, "bbolt": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be memory or bbolt)", c.Storage.Backend)
	}

	if c.QoS.MaxQoS > 2 {
		return fmt.Errorf("invalid max_qos: %d (must be 0, 1, or 2)", c.QoS.MaxQoS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validPolicies := map[string]bool{"drop_newest": true, "drop_oldest": true}
	if !validPolicies[c.Limits.QueueOverflowPolicy] {
		return fmt.Errorf("invalid queue_overflow_policy: %s", c.Limits.QueueOverflowPolicy)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d (must be 1-65535)", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics port cannot be the same as server port")
		}
	}

	return nil
}
