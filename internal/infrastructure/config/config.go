package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "[REDACTED]"

// Config is the root configuration structure for the Tuya bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
	Tuya      TuyaConfig      `yaml:"tuya"`
}

// BridgeConfig identifies this bridge instance on the MQTT bus.
type BridgeConfig struct {
	ID             string `yaml:"id"`
	HealthInterval int    `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
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

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT      JWTConfig      `yaml:"jwt"`
	Operator OperatorConfig `yaml:"operator"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// OperatorConfig holds the single operator account allowed to log in to the API.
type OperatorConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` //nolint:gosec // G117: operator credential from config

	// PasswordHash is an Argon2id PHC string; it wins over Password.
	PasswordHash string `yaml:"password_hash"`
}

// String implements fmt.Stringer without exposing credentials.
func (o OperatorConfig) String() string {
	return fmt.Sprintf("OperatorConfig{Username:%s Password:[REDACTED] PasswordHash:[REDACTED]}", o.Username)
}

// TuyaConfig contains the device integration settings.
type TuyaConfig struct {
	Cloud       TuyaCloudConfig      `yaml:"cloud"`
	Gateway     TuyaGatewayConfig    `yaml:"gateway"`
	Supervisor  TuyaSupervisorConfig `yaml:"supervisor"`
	SchemasFile string               `yaml:"schemas_file"`
	Devices     []TuyaDeviceConfig   `yaml:"devices"`
}

// TuyaCloudConfig holds the cloud account credentials.
type TuyaCloudConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url"`
	ClientID    string `yaml:"client_id"`
	AccessToken string `yaml:"access_token"` //nolint:gosec // G117: cloud credential from config
	Region      string `yaml:"region"`
	Timeout     int    `yaml:"timeout"`
}

// Configured reports whether cloud credentials are present.
func (c TuyaCloudConfig) Configured() bool {
	return c.Enabled && c.ClientID != "" && c.AccessToken != ""
}

// String returns a representation safe for logging.
func (c TuyaCloudConfig) String() string {
	token := ""
	if c.AccessToken != "" {
		token = redacted
	}
	return fmt.Sprintf("TuyaCloudConfig{Enabled:%t BaseURL:%s ClientID:%s AccessToken:%s Region:%s}",
		c.Enabled, c.BaseURL, c.ClientID, token, c.Region)
}

// TuyaGatewayConfig configures the local gateway daemon link.
type TuyaGatewayConfig struct {
	TopicPrefix    string `yaml:"topic_prefix"`
	RequestTimeout int    `yaml:"request_timeout"`

	// Daemon runs the gateway daemon as a child process when Managed.
	Daemon GatewayDaemonConfig `yaml:"daemon"`
}

// GatewayDaemonConfig configures a gateway daemon supervised by the bridge.
type GatewayDaemonConfig struct {
	Managed      bool     `yaml:"managed"`
	Binary       string   `yaml:"binary"`
	Args         []string `yaml:"args"`
	RestartDelay int      `yaml:"restart_delay"` // seconds
	MaxRestarts  int      `yaml:"max_restarts"`
}

// TuyaSupervisorConfig configures connection supervision, in seconds.
type TuyaSupervisorConfig struct {
	ConnectTimeout   int `yaml:"connect_timeout"`
	RetryDelay       int `yaml:"retry_delay"`
	LivenessInterval int `yaml:"liveness_interval"`
	GracePeriod      int `yaml:"grace_period"`
}

// TuyaDeviceConfig is one statically configured device.
type TuyaDeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ProductID string `yaml:"product_id"`
	Address   string `yaml:"address"`
	LocalKey  string `yaml:"local_key"` //nolint:gosec // G117: device key from config
	Version   string `yaml:"version"`
}

// String returns a representation safe for logging.
func (d TuyaDeviceConfig) String() string {
	key := ""
	if d.LocalKey != "" {
		key = redacted
	}
	return fmt.Sprintf("TuyaDeviceConfig{ID:%s Name:%s ProductID:%s Address:%s LocalKey:%s Version:%s}",
		d.ID, d.Name, d.ProductID, d.Address, key, d.Version)
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_TUYA_CLOUD_TOKEN
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

	for i := range cfg.Tuya.Devices {
		if cfg.Tuya.Devices[i].Version == "" {
			cfg.Tuya.Devices[i].Version = "3.3"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "tuya-bridge-01",
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/tuyabridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-tuya",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8081,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
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
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Operator: OperatorConfig{
				Username: "operator",
			},
		},
		Tuya: TuyaConfig{
			Cloud: TuyaCloudConfig{
				Timeout: 10,
			},
			Gateway: TuyaGatewayConfig{
				TopicPrefix:    "tuya/gateway",
				RequestTimeout: 20,
				Daemon: GatewayDaemonConfig{
					RestartDelay: 5,
					MaxRestarts:  10,
				},
			},
			Supervisor: TuyaSupervisorConfig{
				ConnectTimeout:   15,
				RetryDelay:       1,
				LivenessInterval: 60,
				GracePeriod:      5,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("GRAYLOGIC_OPERATOR_PASSWORD"); v != "" {
		cfg.Security.Operator.Password = v
	}

	// Tuya cloud
	if v := os.Getenv("GRAYLOGIC_TUYA_CLOUD_CLIENT_ID"); v != "" {
		cfg.Tuya.Cloud.ClientID = v
	}
	if v := os.Getenv("GRAYLOGIC_TUYA_CLOUD_TOKEN"); v != "" {
		cfg.Tuya.Cloud.AccessToken = v
	}
	if v := os.Getenv("GRAYLOGIC_TUYA_CLOUD_BASE_URL"); v != "" {
		cfg.Tuya.Cloud.BaseURL = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Operators can drive physical devices through the API, so a forgeable
	// token is not acceptable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Tuya.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (t *TuyaConfig) validate() []string {
	var errs []string

	if t.Cloud.Enabled {
		if t.Cloud.BaseURL == "" {
			errs = append(errs, "tuya.cloud.base_url is required when the cloud is enabled")
		}
		if t.Cloud.ClientID == "" || t.Cloud.AccessToken == "" {
			errs = append(errs, "tuya.cloud.client_id and access_token are required when the cloud is enabled (set GRAYLOGIC_TUYA_CLOUD_TOKEN)")
		}
	}

	if t.Gateway.TopicPrefix == "" {
		errs = append(errs, "tuya.gateway.topic_prefix is required")
	}
	if t.Gateway.Daemon.Managed && t.Gateway.Daemon.Binary == "" {
		errs = append(errs, "tuya.gateway.daemon.binary is required when the daemon is managed")
	}

	s := t.Supervisor
	if s.ConnectTimeout < 0 || s.RetryDelay < 0 || s.LivenessInterval < 0 || s.GracePeriod < 0 {
		errs = append(errs, "tuya.supervisor durations must not be negative")
	}

	seen := make(map[string]bool, len(t.Devices))
	for i, d := range t.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].address is required", i))
		}
		if d.LocalKey == "" {
			errs = append(errs, fmt.Sprintf("tuya.devices[%d].local_key is required", i))
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

// GetHealthInterval returns the bridge health publish interval.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetAccessTokenTTL returns the operator token lifetime.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}

// GetCloudTimeout returns the cloud request timeout.
func (c *TuyaConfig) GetCloudTimeout() time.Duration {
	return time.Duration(c.Cloud.Timeout) * time.Second
}

// GetGatewayTimeout returns the gateway request timeout.
func (c *TuyaConfig) GetGatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.RequestTimeout) * time.Second
}

// SupervisorDurations returns the supervisor delays as Durations.
func (c *TuyaConfig) SupervisorDurations() (connect, retry, liveness, grace time.Duration) {
	s := c.Supervisor
	return time.Duration(s.ConnectTimeout) * time.Second,
		time.Duration(s.RetryDelay) * time.Second,
		time.Duration(s.LivenessInterval) * time.Second,
		time.Duration(s.GracePeriod) * time.Second
}
