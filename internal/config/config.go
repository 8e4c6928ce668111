package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	JWT      JWTConfig      `yaml:"jwt"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
}

// ServerConfig represents server identity
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the host REST/websocket listener
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ExternalURL is the address the device driver uses to reach back into
	// this host; defaults to http://<host>:<port>.
	ExternalURL string `yaml:"external_url"`
}

// DatabaseConfig represents database configuration. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the event bridge's MQTT target
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	TLS         bool   `yaml:"tls"`
}

// WebhookConfig represents the event bridge's HTTP target
type WebhookConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// JWTConfig represents host token configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	DriverTokenTTL time.Duration `yaml:"driver_token_ttl"`
	AdminTokenTTL  time.Duration `yaml:"admin_token_ttl"`
	// TokenKey is the hex AES key sealing device tokens at rest.
	TokenKey string `yaml:"token_key"`
}

// AdminConfig represents the host API admin login. The password is stored
// bcrypt-hashed, never in the clear.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig holds the engine tunables. Zero values are replaced by the
// defaults below; tests shrink them.
type SyncConfig struct {
	// Handshake
	HandshakeBackoffBase time.Duration `yaml:"handshake_backoff_base"`
	HandshakeBackoffMax  time.Duration `yaml:"handshake_backoff_max"`
	DriverPollInterval   time.Duration `yaml:"driver_poll_interval"`
	DriverPollAttempts   int           `yaml:"driver_poll_attempts"`
	DriverSubscribeWait  time.Duration `yaml:"driver_subscribe_wait"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`

	// Negotiation
	SettleDelay       time.Duration `yaml:"settle_delay"`
	NegotiateRetries  int           `yaml:"negotiate_retries"`

	// Commands
	WakeGracePeriod   time.Duration `yaml:"wake_grace_period"`
	WakeProbeInterval time.Duration `yaml:"wake_probe_interval"`

	// Learning / firmware
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	CapturePollTick time.Duration `yaml:"capture_poll_tick"`
	StallWindow     time.Duration `yaml:"stall_window"`
	UpdatePollTick  time.Duration `yaml:"update_poll_tick"`

	// Polling scheduler
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if mqttURL := os.Getenv("MQTT_URL"); mqttURL != "" {
		c.MQTT.BrokerURL = mqttURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if tokenKey := os.Getenv("TOKEN_KEY"); tokenKey != "" {
		c.JWT.TokenKey = tokenKey
	}

	if adminHash := os.Getenv("ADMIN_PASSWORD_HASH"); adminHash != "" {
		c.Admin.PasswordHash = adminHash
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// applyDefaults fills zero-valued tunables
func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.API.ExternalURL == "" {
		host := c.API.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		c.API.ExternalURL = fmt.Sprintf("http://%s:%d", host, c.API.Port)
	}

	if c.JWT.DriverTokenTTL == 0 {
		c.JWT.DriverTokenTTL = 30 * 24 * time.Hour
	}
	if c.JWT.AdminTokenTTL == 0 {
		c.JWT.AdminTokenTTL = 24 * time.Hour
	}

	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}

	s := &c.Sync
	if s.HandshakeBackoffBase == 0 {
		s.HandshakeBackoffBase = time.Second
	}
	if s.HandshakeBackoffMax == 0 {
		s.HandshakeBackoffMax = 30 * time.Second
	}
	if s.DriverPollInterval == 0 {
		s.DriverPollInterval = time.Second
	}
	if s.DriverPollAttempts == 0 {
		s.DriverPollAttempts = 10
	}
	if s.DriverSubscribeWait == 0 {
		s.DriverSubscribeWait = 30 * time.Second
	}
	if s.ReconnectDelay == 0 {
		s.ReconnectDelay = 30 * time.Second
	}
	if s.SettleDelay == 0 {
		s.SettleDelay = 2 * time.Second
	}
	if s.NegotiateRetries == 0 {
		s.NegotiateRetries = 1
	}
	if s.WakeGracePeriod == 0 {
		s.WakeGracePeriod = 5 * time.Second
	}
	if s.WakeProbeInterval == 0 {
		s.WakeProbeInterval = 500 * time.Millisecond
	}
	if s.CaptureTimeout == 0 {
		s.CaptureTimeout = 30 * time.Second
	}
	if s.CapturePollTick == 0 {
		s.CapturePollTick = time.Second
	}
	if s.StallWindow == 0 {
		s.StallWindow = 30 * time.Second
	}
	if s.UpdatePollTick == 0 {
		s.UpdatePollTick = 2 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = 30 * time.Second
	}
}

// validate rejects configurations that cannot start
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.JWT.TokenKey == "" {
		return fmt.Errorf("jwt.token_key is required")
	}
	if len(c.JWT.TokenKey)%2 != 0 || (len(c.JWT.TokenKey) != 32 && len(c.JWT.TokenKey) != 64) {
		return fmt.Errorf("jwt.token_key must be a hex-encoded 128 or 256 bit key")
	}
	if c.Admin.PasswordHash == "" {
		return fmt.Errorf("admin.password_hash is required")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt is enabled")
	}
	if c.Webhook.Enabled && c.Webhook.Endpoint == "" {
		return fmt.Errorf("webhook.endpoint is required when webhook is enabled")
	}
	return nil
}
