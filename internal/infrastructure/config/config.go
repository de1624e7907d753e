package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Config is the root configuration structure for knxlink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service    ServiceConfig     `yaml:"service"`
	KNX        KNXConfig         `yaml:"knx"`
	Datapoints []DatapointConfig `yaml:"datapoints"`
	EventBus   EventBusConfig    `yaml:"eventbus"`
	Database   DatabaseConfig    `yaml:"database"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	API        APIConfig         `yaml:"api"`
	WebSocket  WebSocketConfig   `yaml:"websocket"`
	InfluxDB   InfluxDBConfig    `yaml:"influxdb"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// ServiceConfig identifies this instance.
type ServiceConfig struct {
	ID string `yaml:"id"`
}

// KNXConfig contains bus connection and group communication settings.
type KNXConfig struct {
	// Connection is the bus URL: "unix:///run/knxd", "tcp://host:6720" or "sim://".
	Connection string `yaml:"connection"`

	// AutoConnect connects at startup.
	AutoConnect bool `yaml:"auto_connect"`

	// ConnectTimeout bounds one connect attempt (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the default ReadOne timeout (seconds).
	ReadTimeout int `yaml:"read_timeout"`

	// DefaultPriority is system, alarm, high or low.
	DefaultPriority string `yaml:"default_priority"`

	// BulkIntervalMS paces ReadMany/WriteMany (milliseconds).
	BulkIntervalMS int `yaml:"bulk_interval_ms"`

	Reconnect KNXReconnectConfig `yaml:"reconnect"`
	KNXD      KNXDConfig         `yaml:"knxd"`
}

// KNXReconnectConfig contains automatic reconnection settings.
type KNXReconnectConfig struct {
	Enabled      bool `yaml:"enabled"`
	InitialDelay int  `yaml:"initial_delay"`
	MaxDelay     int  `yaml:"max_delay"`
}

// KNXDConfig contains knxd socket timeouts (seconds) and, when Managed is
// set, how knxlink launches knxd itself.
type KNXDConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"`
	WriteTimeout     int `yaml:"write_timeout"`

	Managed      bool     `yaml:"managed"`
	Binary       string   `yaml:"binary"`
	Args         []string `yaml:"args"`
	ReadyTimeout int      `yaml:"ready_timeout"`
	RestartDelay int      `yaml:"restart_delay"`
	MaxRestarts  int      `yaml:"max_restarts"`
}

// DatapointConfig assigns a datapoint type to a group address so values
// can be presented typed.
type DatapointConfig struct {
	GA        string `yaml:"ga"`
	DPT       string `yaml:"dpt"`
	Name      string `yaml:"name"`
	Telemetry *bool  `yaml:"telemetry,omitempty"`
}

// TelemetryEnabled reports whether values of this datapoint go to InfluxDB.
// Default: true.
func (d DatapointConfig) TelemetryEnabled() bool {
	return d.Telemetry == nil || *d.Telemetry
}

// EventBusConfig contains event delivery settings.
type EventBusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	WALMode       bool   `yaml:"wal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	RecordEvents  bool   `yaml:"record_events"`
	RetentionDays int    `yaml:"retention_days"`

	// AuditRetentionDays bounds the operator action log; 0 keeps it forever.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled        bool                `yaml:"enabled"`
	TopicPrefix    string              `yaml:"topic_prefix"`
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	HealthInterval int                 `yaml:"health_interval"`
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
	Auth     APIAuthConfig    `yaml:"auth"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// APIAuthConfig contains bearer token settings. An empty JWTSecret turns
// authentication off.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // minutes
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
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KNXLINK_SECTION_KEY
// For example: KNXLINK_KNX_CONNECTION, KNXLINK_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{ID: "knxlink-01"},
		KNX: KNXConfig{
			Connection:      "unix:///run/knxd",
			AutoConnect:     true,
			ConnectTimeout:  10,
			ReadTimeout:     5,
			DefaultPriority: "high",
			Reconnect: KNXReconnectConfig{
				Enabled:      true,
				InitialDelay: 5,
				MaxDelay:     120,
			},
			KNXD: KNXDConfig{
				HandshakeTimeout: 5,
				WriteTimeout:     5,
				Binary:           "/usr/bin/knxd",
				ReadyTimeout:     10,
				RestartDelay:     5,
				MaxRestarts:      10,
			},
		},
		EventBus: EventBusConfig{QueueSize: 256},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "./data/knxlink.db",
			WALMode:       true,
			BusyTimeout:   5,
			RecordEvents:  true,
			RetentionDays: 30,

			AuditRetentionDays: 90,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "knxlink",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "knxlink",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Auth: APIAuthConfig{TokenTTL: 1440},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: KNXLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// KNX
	if v := os.Getenv("KNXLINK_KNX_CONNECTION"); v != "" {
		cfg.KNX.Connection = v
	}
	if v := os.Getenv("KNXLINK_KNX_AUTO_CONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KNXLINK_KNX_AUTO_CONNECT: %w", err)
		}
		cfg.KNX.AutoConnect = b
	}

	// Database
	if v := os.Getenv("KNXLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("KNXLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KNXLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KNXLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("KNXLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("KNXLINK_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KNXLINK_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("KNXLINK_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("KNXLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("KNXLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	errs = append(errs, c.validateKNX()...)
	errs = append(errs, c.validateDatapoints()...)

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.Database.RetentionDays < 0 || c.Database.AuditRetentionDays < 0 {
		errs = append(errs, "database retention days must not be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			errs = append(errs, "mqtt.topic_prefix must be non-empty and free of wildcards")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// An empty secret disables auth; a short one is a misconfiguration.
		const minJWTSecretLength = 32
		if s := c.API.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLength {
			errs = append(errs, "api.auth.jwt_secret must be at least 32 characters")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "" || c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateKNX() []string {
	var errs []string

	u, err := url.Parse(c.KNX.Connection)
	if err != nil || c.KNX.Connection == "" {
		errs = append(errs, fmt.Sprintf("knx.connection %q is not a valid URL", c.KNX.Connection))
	} else {
		switch u.Scheme {
		case "unix", "tcp", "sim":
		default:
			errs = append(errs, fmt.Sprintf("knx.connection scheme %q is not one of unix, tcp, sim", u.Scheme))
		}
	}

	if _, err := knx.ParsePriority(c.KNX.DefaultPriority); err != nil {
		errs = append(errs, "knx.default_priority must be system, alarm, high or low")
	}
	if c.KNX.ConnectTimeout < 0 || c.KNX.ReadTimeout < 0 || c.KNX.BulkIntervalMS < 0 {
		errs = append(errs, "knx timeouts and intervals must not be negative")
	}
	if r := c.KNX.Reconnect; r.Enabled && (r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay) {
		errs = append(errs, "knx.reconnect needs initial_delay > 0 and max_delay >= initial_delay")
	}
	if d := c.KNX.KNXD; d.Managed {
		if d.Binary == "" {
			errs = append(errs, "knx.knxd.binary is required when knxd is managed")
		}
		if strings.HasPrefix(c.KNX.Connection, "sim:") {
			errs = append(errs, "knx.knxd.managed needs a unix or tcp connection")
		}
		if d.ReadyTimeout < 0 || d.RestartDelay < 0 || d.MaxRestarts < 0 {
			errs = append(errs, "knx.knxd timeouts and limits must not be negative")
		}
	}
	return errs
}

func (c *Config) validateDatapoints() []string {
	var errs []string
	seen := make(map[knx.GroupAddress]bool, len(c.Datapoints))

	for i, dp := range c.Datapoints {
		ga, err := knx.ParseGroupAddress(dp.GA)
		if err != nil {
			errs = append(errs, fmt.Sprintf("datapoints[%d].ga %q is invalid", i, dp.GA))
			continue
		}
		if seen[ga] {
			errs = append(errs, fmt.Sprintf("datapoints[%d].ga %s is listed twice", i, ga))
		}
		seen[ga] = true

		if _, err := knx.NormalizeDPT(dp.DPT); err != nil {
			errs = append(errs, fmt.Sprintf("datapoints[%d].dpt %q is invalid", i, dp.DPT))
		}
	}
	return errs
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

// ConnectTimeoutDuration returns the bus connect timeout.
func (k KNXConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(k.ConnectTimeout) * time.Second
}

// ReadTimeoutDuration returns the default ReadOne timeout.
func (k KNXConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(k.ReadTimeout) * time.Second
}

// BulkInterval returns the pause between bulk operations.
func (k KNXConfig) BulkInterval() time.Duration {
	return time.Duration(k.BulkIntervalMS) * time.Millisecond
}

// DatapointMap builds the datapoint bindings from the datapoints section.
func (c *Config) DatapointMap(conv *knx.Converter) (*knx.DatapointMap, error) {
	m := knx.NewDatapointMap(conv)
	for i, dp := range c.Datapoints {
		ga, err := knx.ParseGroupAddress(dp.GA)
		if err != nil {
			return nil, fmt.Errorf("datapoints[%d]: %w", i, err)
		}
		if err := m.Add(ga, dp.DPT, dp.Name, dp.TelemetryEnabled()); err != nil {
			return nil, fmt.Errorf("datapoints[%d]: %w", i, err)
		}
	}
	return m, nil
}
