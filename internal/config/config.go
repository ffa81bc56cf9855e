package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/acp-buyer/internal/acp"
	"github.com/ocx/acp-buyer/internal/audit"
)

// Environment variable names.
const (
	EnvPrivateKey    = "WHITELISTED_WALLET_PRIVATE_KEY"
	EnvEntityID      = "BUYER_ENTITY_ID"
	EnvWalletAddress = "BUYER_AGENT_WALLET_ADDRESS"
	EnvConfigFile    = "BUYER_CONFIG_FILE"
)

// Config is read once at startup and never modified afterwards. Pass it by
// pointer; do not mutate it.
type Config struct {
	Buyer   BuyerConfig   `yaml:"-"`
	Audit   AuditConfig   `yaml:"audit"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Events  EventsConfig  `yaml:"events"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BuyerConfig holds the agent identity. It only comes from the environment.
type BuyerConfig struct {
	PrivateKey    string
	EntityIDRaw   string
	EntityID      int64
	WalletAddress string
}

// LogValue keeps the private key out of logs.
func (b BuyerConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("entity_id", b.EntityIDRaw),
		slog.String("wallet", b.WalletAddress),
		slog.Bool("private_key_set", b.PrivateKey != ""),
	)
}

type AuditConfig struct {
	File          string `yaml:"file"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisStream   string `yaml:"redis_stream"`
}

type BridgeConfig struct {
	URL                string `yaml:"url"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	PushIntervalMs int    `yaml:"push_interval_ms"`
	Job            string `yaml:"job"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults.
const (
	DefaultBridgeURL        = "ws://127.0.0.1:8787/acp"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultPushInterval     = 15 * time.Second
	DefaultMetricsJob       = "acp_buyer"
)

// Load reads the optional YAML file named by BUYER_CONFIG_FILE, then applies
// environment overrides and defaults. It does not validate; see Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv(EnvConfigFile); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile decodes a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Buyer.PrivateKey = os.Getenv(EnvPrivateKey)
	c.Buyer.WalletAddress = os.Getenv(EnvWalletAddress)
	c.Buyer.EntityIDRaw = os.Getenv(EnvEntityID)
	if id, err := strconv.ParseInt(strings.TrimSpace(c.Buyer.EntityIDRaw), 10, 64); err == nil {
		c.Buyer.EntityID = id
	}

	override(&c.Audit.File, "AUDIT_FILE")
	override(&c.Audit.RedisAddr, "REDIS_ADDR")
	override(&c.Audit.RedisPassword, "REDIS_PASSWORD")
	override(&c.Audit.RedisStream, "REDIS_STREAM")
	override(&c.Bridge.URL, "ACP_BRIDGE_URL")
	override(&c.Events.PubSubProject, "PUBSUB_PROJECT")
	override(&c.Events.PubSubTopic, "PUBSUB_TOPIC")
	override(&c.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")
	override(&c.Logging.Level, "LOG_LEVEL")
	override(&c.Logging.Format, "LOG_FORMAT")
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Audit.File == "" {
		c.Audit.File = audit.DefaultFile
	}
	if c.Audit.RedisStream == "" {
		c.Audit.RedisStream = audit.DefaultStream
	}
	if c.Bridge.URL == "" {
		c.Bridge.URL = DefaultBridgeURL
	}
	if c.Bridge.HandshakeTimeoutMs <= 0 {
		c.Bridge.HandshakeTimeoutMs = int(DefaultHandshakeTimeout / time.Millisecond)
	}
	if c.Metrics.PushIntervalMs <= 0 {
		c.Metrics.PushIntervalMs = int(DefaultPushInterval / time.Millisecond)
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultMetricsJob
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the buyer identity. The private key prefix is checked
// first so a bad key fails before anything else is inspected.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Buyer.PrivateKey, "0x") {
		return acp.NewError(acp.KindConfig, "private key must start with 0x")
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(c.Buyer.EntityIDRaw), 10, 64); err != nil {
		return acp.NewError(acp.KindConfig, "%s must be an integer, got %q", EnvEntityID, c.Buyer.EntityIDRaw)
	}
	if err := ValidateAddress(c.Buyer.WalletAddress); err != nil {
		return acp.WrapError(acp.KindConfig, err, EnvWalletAddress)
	}
	return nil
}

// Credentials returns the identity handed to the SDK builder.
func (c *Config) Credentials() acp.Credentials {
	return acp.Credentials{
		PrivateKey:    c.Buyer.PrivateKey,
		EntityID:      c.Buyer.EntityID,
		WalletAddress: c.Buyer.WalletAddress,
	}
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Bridge.HandshakeTimeoutMs) * time.Millisecond
}

func (c *Config) PushInterval() time.Duration {
	return time.Duration(c.Metrics.PushIntervalMs) * time.Millisecond
}
