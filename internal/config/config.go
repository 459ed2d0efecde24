// Package config provides configuration management for avalond. Runtime
// tuning comes from environment variables with sensible defaults; the
// pool list and persisted operator settings come from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bardlex/avalond/internal/device"
)

// PoolConfig is one upstream pool entry from the config file.
type PoolConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Priority int    `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
}

// fileConfig is the YAML document layout.
type fileConfig struct {
	Pools          []PoolConfig `yaml:"pools"`
	FailoverPolicy string       `yaml:"failover_policy"`
	Frequency      int          `yaml:"frequency"`
	Voltage        int          `yaml:"voltage"`
	FanDuty        int          `yaml:"fan_duty"`
}

// Config holds the global configuration for avalond
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Config file with the pool list and tuning overrides
	ConfigFile string

	// HTTP API
	APIAddr string
	APIPort int

	// Device bus
	DevicePath   string // empty selects the simulator
	ModuleSlots  int
	LegacyFrames bool
	PollInterval time.Duration

	// Hardware tuning (file values win over env)
	Frequency int
	Voltage   int
	FanDuty   int // 0 means automatic fan curve

	// Upstream pools
	Pools          []PoolConfig
	FailoverPolicy string
	UserAgent      string

	// Metrics
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Local state store
	StatePath string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from the environment and then merges the
// YAML config file on top
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "avalond"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "production"),

		ConfigFile: getEnv("CONFIG_FILE", "/etc/avalond/config.yaml"),

		// API defaults
		APIAddr: getEnv("API_ADDR", "0.0.0.0"),
		APIPort: getEnvInt("API_PORT", 8080),

		// Device defaults
		DevicePath:   getEnv("DEVICE_PATH", ""),
		ModuleSlots:  getEnvInt("MODULE_SLOTS", device.ModuleSlots),
		LegacyFrames: getEnvBool("LEGACY_FRAMES", false),
		PollInterval: getEnvDuration("POLL_INTERVAL", 20*time.Millisecond),

		// Tuning defaults
		Frequency: getEnvInt("FREQUENCY", device.FrequencyDefault),
		Voltage:   getEnvInt("VOLTAGE", device.VoltageDefault),
		FanDuty:   getEnvInt("FAN_DUTY", 0),

		FailoverPolicy: getEnv("FAILOVER_POLICY", "failover"),
		UserAgent:      getEnv("USER_AGENT", "avalond/1.0"),

		// Metrics defaults
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "avalond"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		StatePath: getEnv("STATE_PATH", "/var/lib/avalond/state.db"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.mergeFile(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// mergeFile overlays the YAML config file. A missing file is not an
// error; a present but unparseable one is.
func (c *Config) mergeFile() error {
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(fc.Pools) > 0 {
		c.Pools = fc.Pools
	}
	if fc.FailoverPolicy != "" {
		c.FailoverPolicy = fc.FailoverPolicy
	}
	if fc.Frequency > 0 {
		c.Frequency = fc.Frequency
	}
	if fc.Voltage > 0 {
		c.Voltage = fc.Voltage
	}
	if fc.FanDuty > 0 {
		c.FanDuty = fc.FanDuty
	}
	return nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535")
	}

	if c.ModuleSlots < 1 || c.ModuleSlots > 16 {
		return fmt.Errorf("MODULE_SLOTS must be between 1 and 16")
	}

	if c.Frequency < device.FrequencyMin || c.Frequency > device.FrequencyMax {
		return fmt.Errorf("FREQUENCY must be between %d and %d",
			device.FrequencyMin, device.FrequencyMax)
	}

	if c.Voltage < device.VoltageLevelMin || c.Voltage > device.VoltageLevelMax {
		return fmt.Errorf("VOLTAGE must be between %d and %d",
			device.VoltageLevelMin, device.VoltageLevelMax)
	}

	if c.FanDuty != 0 && (c.FanDuty < device.FanMin || c.FanDuty > device.FanMax) {
		return fmt.Errorf("FAN_DUTY must be 0 or between %d and %d",
			device.FanMin, device.FanMax)
	}

	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	for i, p := range c.Pools {
		if p.Host == "" {
			return fmt.Errorf("pool %d: host cannot be empty", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("pool %d: port must be between 1 and 65535", i)
		}
		if p.Username == "" {
			return fmt.Errorf("pool %d: username cannot be empty", i)
		}
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
