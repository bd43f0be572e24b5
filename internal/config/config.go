package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/devsync/internal/device"
)

// Drivers a family can sync through.
const (
	DriverProxy     = "proxy"     // REST proxy in front of the vendor bridges
	DriverHueBridge = "huebridge" // Hue bridge API directly
)

// Config represents the application configuration
type Config struct {
	Log             LogConfig       `yaml:"log"`
	Database        DatabaseConfig  `yaml:"database"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	API             APIConfig       `yaml:"api"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig  `yaml:"influxdb"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	Families        []FamilyConfig  `yaml:"families"`
	Startup         StartupConfig   `yaml:"startup"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	Colors bool   `yaml:"colors"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// APIConfig contains HTTP API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // tcp://host:1883
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB settings
type InfluxDBConfig struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	Token          string   `yaml:"token"`
	Org            string   `yaml:"org"`
	Bucket         string   `yaml:"bucket"`
	BatchSize      int      `yaml:"batch_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	SampleInterval Duration `yaml:"sample_interval"` // Energy sampling interval for smart plugs
}

// SchedulerConfig controls daily scheduled commands
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"` // IANA name, default Local
}

// StartupConfig controls initial device discovery
type StartupConfig struct {
	DiscoveryTimeout Duration `yaml:"discovery_timeout"` // Per-family timeout for the first FetchDevices
	RetryInterval    Duration `yaml:"retry_interval"`    // Delay between failed discovery attempts
}

// FamilyConfig describes one device family and its backend
type FamilyConfig struct {
	Name   string      `yaml:"name"`
	Vendor string      `yaml:"vendor"` // hue, kasa, insteon
	Kind   device.Kind `yaml:"kind"`   // light or smartplug
	Driver string      `yaml:"driver"` // proxy or huebridge

	// proxy driver
	BaseURL  string `yaml:"base_url"`
	ListPath string `yaml:"list_path"` // Path segment of the listing endpoint (default: kind plural)

	// huebridge driver
	Bridge string `yaml:"bridge"`
	Token  string `yaml:"token"`

	Timeout         Duration       `yaml:"timeout"`          // HTTP timeout for backend requests
	CacheTTL        Duration       `yaml:"cache_ttl"`        // Age after which cached state is stale
	PollInterval    Duration       `yaml:"poll_interval"`    // Poll period
	PollConcurrency int            `yaml:"poll_concurrency"` // Parallel state fetches per tick
	RateLimitRPS    *float64       `yaml:"rate_limit_rps"`   // Backend calls per second, 0 = unlimited
	Debounce        DebounceConfig `yaml:"debounce"`
}

// DebounceConfig holds quiet periods per command kind
type DebounceConfig struct {
	Color Duration `yaml:"color"`
	Power Duration `yaml:"power"`
}

// RateLimit returns the configured calls per second. 0 means unlimited.
func (f FamilyConfig) RateLimit() float64 {
	if f.RateLimitRPS == nil {
		return 0
	}
	return *f.RateLimitRPS
}

// Family returns the device family this config describes.
func (f FamilyConfig) Family() device.Family {
	return device.Family{Name: f.Name, Vendor: f.Vendor, Kind: f.Kind}
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./devsync.sqlite"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "devsync"
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "devsync"
	}

	// InfluxDB defaults
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = Duration(10 * time.Second)
	}
	if cfg.InfluxDB.SampleInterval == 0 {
		cfg.InfluxDB.SampleInterval = Duration(time.Minute)
	}

	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Local"
	}

	// Startup defaults
	if cfg.Startup.DiscoveryTimeout == 0 {
		cfg.Startup.DiscoveryTimeout = Duration(15 * time.Second)
	}
	if cfg.Startup.RetryInterval == 0 {
		cfg.Startup.RetryInterval = Duration(10 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	for i := range cfg.Families {
		f := &cfg.Families[i]
		if f.Driver == "" {
			f.Driver = DriverProxy
		}
		if f.Kind == "" {
			f.Kind = device.KindLight
		}
		if f.Vendor == "" {
			f.Vendor = f.Name
		}
		if f.Timeout == 0 {
			f.Timeout = Duration(10 * time.Second)
		}
		if f.CacheTTL == 0 {
			f.CacheTTL = Duration(30 * time.Second)
		}
		if f.PollInterval == 0 {
			f.PollInterval = Duration(30 * time.Second)
		}
		if f.PollConcurrency == 0 {
			f.PollConcurrency = 4
		}
		if f.RateLimitRPS == nil {
			rps := 10.0 // 10 requests per second
			f.RateLimitRPS = &rps
		}
		if f.Debounce.Color == 0 {
			f.Debounce.Color = Duration(250 * time.Millisecond)
		}
		if f.Debounce.Power == 0 {
			f.Debounce.Power = Duration(750 * time.Millisecond)
		}
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Families) == 0 {
		errs = append(errs, errors.New("no families configured"))
	}

	seen := make(map[string]bool, len(c.Families))
	for i, f := range c.Families {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("families[%d]: name is required", i))
			continue
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("families[%d]: duplicate name %q", i, f.Name))
		}
		seen[f.Name] = true

		if !f.Kind.Valid() {
			errs = append(errs, fmt.Errorf("family %s: unknown kind %q", f.Name, f.Kind))
		}
		switch f.Driver {
		case DriverProxy:
			if f.BaseURL == "" {
				errs = append(errs, fmt.Errorf("family %s: base_url is required for the proxy driver", f.Name))
			}
		case DriverHueBridge:
			if f.Bridge == "" {
				errs = append(errs, fmt.Errorf("family %s: bridge is required for the huebridge driver", f.Name))
			}
			if f.Kind != device.KindLight {
				errs = append(errs, fmt.Errorf("family %s: huebridge driver only serves lights", f.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("family %s: unknown driver %q", f.Name, f.Driver))
		}

		prefix := "family " + f.Name + ": "
		errs = appendNonPositive(errs, prefix+"timeout", f.Timeout)
		errs = appendNonPositive(errs, prefix+"cache_ttl", f.CacheTTL)
		errs = appendNonPositive(errs, prefix+"poll_interval", f.PollInterval)
		errs = appendNonPositive(errs, prefix+"debounce.color", f.Debounce.Color)
		errs = appendNonPositive(errs, prefix+"debounce.power", f.Debounce.Power)
		if f.PollConcurrency < 0 {
			errs = append(errs, fmt.Errorf("%spoll_concurrency %d is negative", prefix, f.PollConcurrency))
		}
		if f.RateLimit() < 0 {
			errs = append(errs, fmt.Errorf("%srate_limit_rps %v is negative", prefix, f.RateLimit()))
		}
	}

	errs = appendNonPositive(errs, "ledger: cleanup_interval", c.Ledger.CleanupInterval)
	if c.Ledger.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("ledger: retention_days %d is negative", c.Ledger.RetentionDays))
	}
	if c.InfluxDB.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("influxdb: batch_size %d is negative", c.InfluxDB.BatchSize))
	}
	errs = appendNonPositive(errs, "influxdb: flush_interval", c.InfluxDB.FlushInterval)
	errs = appendNonPositive(errs, "influxdb: sample_interval", c.InfluxDB.SampleInterval)
	errs = appendNonPositive(errs, "startup: discovery_timeout", c.Startup.DiscoveryTimeout)
	errs = appendNonPositive(errs, "startup: retry_interval", c.Startup.RetryInterval)
	errs = appendNonPositive(errs, "shutdown_timeout", c.ShutdownTimeout)

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required when enabled"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt: qos %d outside 0-2", c.MQTT.QoS))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb: url and bucket are required when enabled"))
	}
	if c.Scheduler.Enabled {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

// appendNonPositive rejects durations that are zero or negative after
// defaults have been applied; tickers panic on them.
func appendNonPositive(errs []error, name string, d Duration) []error {
	if d <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %s", name, d.Duration()))
	}
	return errs
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
