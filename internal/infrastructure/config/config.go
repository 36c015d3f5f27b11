package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for gasflow-core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Channels   map[string]ChannelConfig `yaml:"channels"`
	Controller ControllerConfig         `yaml:"controller"`
	Safety     SafetyConfig             `yaml:"safety"`
	Database   DatabaseConfig           `yaml:"database"`
	MQTT       MQTTConfig               `yaml:"mqtt"`
	API        APIConfig                `yaml:"api"`
	InfluxDB   InfluxDBConfig           `yaml:"influxdb"`
	Logging    LoggingConfig            `yaml:"logging"`
}

// ChannelConfig describes one MFC channel: which physical bus it lives on,
// which unit identifier addresses it, and its flow envelope.
type ChannelConfig struct {
	// UnitID is the single-character device address on the shared bus (A, B, C...).
	UnitID string `yaml:"unit_id"`

	// SerialPort is the device path of the physical bus (e.g. /dev/ttyUSB0).
	// Several channels may share one port; exchanges are serialized per port.
	SerialPort string `yaml:"serial_port"`

	// MaxFlow is the full-scale flow of this device in sccm.
	MaxFlow float64 `yaml:"max_flow"`

	// GasType is the process gas this channel delivers ("Ar", "O2", "N2"...).
	GasType string `yaml:"gas_type"`

	// Enabled controls whether the controller manages this channel at all.
	Enabled bool `yaml:"enabled"`

	// Baud is the serial line rate. Zero means the device default (19200).
	Baud int `yaml:"baud"`
}

// ControllerConfig contains poll-loop and recovery settings.
// Intervals are expressed in seconds so fractional values (0.5) are valid.
type ControllerConfig struct {
	AutoReconnect     bool    `yaml:"auto_reconnect"`
	ReadInterval      float64 `yaml:"read_interval"`
	ReconnectInterval float64 `yaml:"reconnect_interval"`
	CommandTimeout    float64 `yaml:"command_timeout"`
	StopTimeout       float64 `yaml:"stop_timeout"`
}

// SafetyConfig contains the flow admission limits, all in sccm except the
// oxygen percentage (0-100).
type SafetyConfig struct {
	MaxIndividualFlow   float64 `yaml:"max_individual_flow"`
	MaxTotalFlow        float64 `yaml:"max_total_flow"`
	MaxOxygenPercentage float64 `yaml:"max_oxygen_percentage"`
	MinPressureForFlow  float64 `yaml:"min_pressure_for_flow"`
	EmergencyStopFlow   float64 `yaml:"emergency_stop_flow"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for telemetry fan-out.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     APICORSConfig    `yaml:"cors"`
}

// APICORSConfig contains Cross-Origin Resource Sharing settings.
// An empty origins list allows all origins (dev mode).
type APICORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains settings for the optional time-series sink.
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

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern GASFLOW_SECTION_KEY, for example
// GASFLOW_DATABASE_PATH or GASFLOW_MQTT_HOST.
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults. Channel definitions
// have no default; a deployment must declare its own devices.
func defaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			AutoReconnect:     true,
			ReadInterval:      1.0,
			ReconnectInterval: 5.0,
			CommandTimeout:    2.0,
			StopTimeout:       10.0,
		},
		Safety: SafetyConfig{
			MaxIndividualFlow:   200.0,
			MaxTotalFlow:        500.0,
			MaxOxygenPercentage: 50.0,
			MinPressureForFlow:  0.0,
			EmergencyStopFlow:   1000.0,
		},
		Database: DatabaseConfig{
			Path:        "./data/gasflow.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gasflow-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8089,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GASFLOW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GASFLOW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GASFLOW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GASFLOW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("GASFLOW_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GASFLOW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Every problem is collected so an operator sees the full list in one pass
// rather than fixing fields one restart at a time.
func (c *Config) Validate() error {
	var errs []string

	// Iterate channels in name order for stable error output.
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ch := c.Channels[name]
		if ch.UnitID == "" {
			errs = append(errs, fmt.Sprintf("channel %q: unit_id is required", name))
		} else if len(ch.UnitID) != 1 {
			errs = append(errs, fmt.Sprintf("channel %q: unit_id must be a single character", name))
		}
		if ch.SerialPort == "" {
			errs = append(errs, fmt.Sprintf("channel %q: serial_port is required", name))
		}
		if ch.MaxFlow <= 0 {
			errs = append(errs, fmt.Sprintf("channel %q: max_flow must be positive", name))
		}
		if ch.GasType == "" {
			errs = append(errs, fmt.Sprintf("channel %q: gas_type is required", name))
		}
	}

	if c.Controller.ReadInterval <= 0 {
		errs = append(errs, "controller.read_interval must be positive")
	}
	if c.Controller.ReconnectInterval <= 0 {
		errs = append(errs, "controller.reconnect_interval must be positive")
	}
	if c.Controller.CommandTimeout <= 0 {
		errs = append(errs, "controller.command_timeout must be positive")
	}

	if c.Safety.MaxIndividualFlow <= 0 {
		errs = append(errs, "safety.max_individual_flow must be positive")
	}
	if c.Safety.MaxTotalFlow <= 0 {
		errs = append(errs, "safety.max_total_flow must be positive")
	}
	if c.Safety.MaxOxygenPercentage <= 0 || c.Safety.MaxOxygenPercentage > 100 {
		errs = append(errs, "safety.max_oxygen_percentage must be within (0, 100]")
	}
	if c.Safety.EmergencyStopFlow <= 0 {
		errs = append(errs, "safety.emergency_stop_flow must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadInterval returns the poll interval as a Duration.
func (c *Config) GetReadInterval() time.Duration {
	return secondsToDuration(c.Controller.ReadInterval)
}

// GetReconnectInterval returns the reconnect interval as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return secondsToDuration(c.Controller.ReconnectInterval)
}

// GetCommandTimeout returns the per-exchange hardware timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return secondsToDuration(c.Controller.CommandTimeout)
}

// GetStopTimeout returns the bound on the zero-flow shutdown sequence as a Duration.
func (c *Config) GetStopTimeout() time.Duration {
	return secondsToDuration(c.Controller.StopTimeout)
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

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
