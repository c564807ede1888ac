package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Venus bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance.
type BridgeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// HealthInterval is how often health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// HistoryRetentionDays bounds the snapshot history table. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// DeviceConfig describes one inverter reachable on the LAN.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PollInterval is the periodic status refresh cadence.
	// Default: 5m
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout is the per-attempt reply timeout.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the number of sends per request, including the first.
	// Default: 2
	MaxAttempts int `yaml:"max_attempts"`

	// MinPower and MaxPower bound schedule slot power magnitude in watts.
	// Default: 100 and 800
	MinPower int `yaml:"min_power"`
	MaxPower int `yaml:"max_power"`
}

// DiscoveryConfig contains broadcast discovery settings.
type DiscoveryConfig struct {
	// OnStartup runs one scan when the bridge starts and logs the results.
	OnStartup bool `yaml:"on_startup"`

	Port             int           `yaml:"port"`
	BroadcastAddress string        `yaml:"broadcast_address"`
	ScanWindow       time.Duration `yaml:"scan_window"`
	ResendInterval   time.Duration `yaml:"resend_interval"`
	ReceiveTimeout   time.Duration `yaml:"receive_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// SecurityConfig contains API authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// AccessTokenTTL is the lifetime in minutes of tokens minted by
	// `venusbridge token` when no --ttl is given.
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Device defaults, applied per entry after loading.
const (
	DefaultDevicePort     = 30000
	DefaultPollInterval   = 5 * time.Minute
	DefaultDeviceTimeout  = 10 * time.Second
	DefaultMaxAttempts    = 2
	DefaultMinPower       = 100
	DefaultMaxPower       = 800
	minPollInterval       = 5 * time.Second
	DefaultScanWindow     = 10 * time.Second
	DefaultResendInterval = 2 * time.Second
)

// MinJWTSecretLength is the shortest accepted security.jwt.secret.
const MinJWTSecretLength = 32

// GetTokenTTL returns the default lifetime of minted API tokens.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Per-device defaults for fields left unset
//
// Environment variables follow the pattern: VENUS_SECTION_KEY
// For example: VENUS_DATABASE_PATH, VENUS_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. It is used when no config file exists.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:                   "venus-bridge-01",
			Name:                 "Venus Bridge",
			HealthInterval:       30,
			HistoryRetentionDays: 30,
		},
		Discovery: DiscoveryConfig{
			Port:             DefaultDevicePort,
			BroadcastAddress: "255.255.255.255",
			ScanWindow:       DefaultScanWindow,
			ResendInterval:   DefaultResendInterval,
			ReceiveTimeout:   500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Path:        "./data/venus.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "venus-bridge",
			},
			QoS:         1,
			TopicPrefix: "venus",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 1440,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    10,
				MaxBackups: 5,
				MaxAge:     28,
				Compress:   true,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VENUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("VENUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	// Device: a single-device setup can be configured from the environment alone.
	if v := os.Getenv("VENUS_DEVICE_HOST"); v != "" {
		if len(cfg.Devices) == 0 {
			cfg.Devices = append(cfg.Devices, DeviceConfig{ID: "venus-e"})
		}
		cfg.Devices[0].Host = v
	}

	// Discovery
	if v := envInt("VENUS_DISCOVERY_PORT"); v != 0 {
		cfg.Discovery.Port = v
	}

	// Database
	if v := os.Getenv("VENUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VENUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := envInt("VENUS_MQTT_PORT"); v != 0 {
		cfg.MQTT.Broker.Port = v
	}
	if v := os.Getenv("VENUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VENUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VENUS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := envInt("VENUS_API_PORT"); v != 0 {
		cfg.API.Port = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("VENUS_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// InfluxDB
	if v := os.Getenv("VENUS_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("VENUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("VENUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// envInt reads an integer environment variable, returning 0 if unset or invalid.
func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// applyDeviceDefaults fills unset per-device fields.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Port == 0 {
			d.Port = DefaultDevicePort
		}
		if d.PollInterval == 0 {
			d.PollInterval = DefaultPollInterval
		}
		if d.Timeout == 0 {
			d.Timeout = DefaultDeviceTimeout
		}
		if d.MaxAttempts == 0 {
			d.MaxAttempts = DefaultMaxAttempts
		}
		if d.MinPower == 0 {
			d.MinPower = DefaultMinPower
		}
		if d.MaxPower == 0 {
			d.MaxPower = DefaultMaxPower
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	errs = append(errs, c.validateDevices()...)

	if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
		errs = append(errs, "discovery.port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The API can switch a battery between charging and discharging, so it
	// never runs without token verification.
	if c.API.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set VENUS_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < MinJWTSecretLength {
			errs = append(errs, fmt.Sprintf("security.jwt.secret must be at least %d characters", MinJWTSecretLength))
		}
	}
	if c.Security.JWT.AccessTokenTTL < 0 {
		errs = append(errs, "security.jwt.access_token_ttl must not be negative")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateDevices checks each device entry and ID uniqueness.
func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))

	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)

		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		seen[d.ID] = true

		if d.Host == "" {
			errs = append(errs, prefix+".host is required")
		}
		if d.Port < 1 || d.Port > 65535 {
			errs = append(errs, prefix+".port must be between 1 and 65535")
		}
		if d.PollInterval < minPollInterval {
			errs = append(errs, fmt.Sprintf("%s.poll_interval must be at least %s", prefix, minPollInterval))
		}
		if d.Timeout <= 0 {
			errs = append(errs, prefix+".timeout must be positive")
		}
		if d.MaxAttempts < 1 {
			errs = append(errs, prefix+".max_attempts must be at least 1")
		}
		if d.MinPower < 0 || d.MinPower >= d.MaxPower {
			errs = append(errs, prefix+".min_power must be non-negative and below max_power")
		}
	}

	return errs
}

// Device returns the device with the given ID.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	if c.Bridge.HealthInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
