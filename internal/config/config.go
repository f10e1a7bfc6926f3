// Package config loads and validates the agent configuration via Viper.
// Defaults are set in code; a YAML config file and VELOCITYPULSE_* environment
// variables override them.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds the agent runtime configuration.
type Config struct {
	ControllerURL string `mapstructure:"controller_url"`
	APIKey        string `mapstructure:"api_key"`

	HeartbeatIntervalSeconds   int `mapstructure:"heartbeat_interval_seconds"`
	StatusCheckIntervalSeconds int `mapstructure:"status_check_interval_seconds"`
	OfflineThreshold           int `mapstructure:"offline_threshold"`
	PingConcurrency            int `mapstructure:"ping_concurrency"`

	EnablePortScan bool   `mapstructure:"enable_port_scan"`
	EnableSNMP     bool   `mapstructure:"enable_snmp"`
	SNMPCommunity  string `mapstructure:"snmp_community"`

	EnableRealtime    bool `mapstructure:"enable_realtime"`
	EnableAutoUpgrade bool `mapstructure:"enable_auto_upgrade"`
	AllowMinorUpgrade bool `mapstructure:"allow_minor_upgrade"`

	UIListenAddr string `mapstructure:"ui_listen_addr"`
	CachePath    string `mapstructure:"cache_path"`

	mu sync.Mutex
}

// heartbeatFloorSeconds is the minimum heartbeat cadence; configuring a
// shorter interval is clamped, never honored.
const heartbeatFloorSeconds = 60

// RuntimeSettings is a consistent snapshot of the fields ApplyUpdate can
// change. Long-running loops take a fresh snapshot each iteration instead of
// reading Config fields directly, so an update_config command takes effect
// without a restart and without racing the writer.
type RuntimeSettings struct {
	HeartbeatInterval   time.Duration
	StatusCheckInterval time.Duration
	OfflineThreshold    int
	PingConcurrency     int

	EnablePortScan    bool
	EnableSNMP        bool
	EnableRealtime    bool
	EnableAutoUpgrade bool
	AllowMinorUpgrade bool
}

// Runtime returns the current values of the remotely updatable fields.
func (c *Config) Runtime() RuntimeSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RuntimeSettings{
		HeartbeatInterval:   time.Duration(c.HeartbeatIntervalSeconds) * time.Second,
		StatusCheckInterval: time.Duration(c.StatusCheckIntervalSeconds) * time.Second,
		OfflineThreshold:    c.OfflineThreshold,
		PingConcurrency:     c.PingConcurrency,
		EnablePortScan:      c.EnablePortScan,
		EnableSNMP:          c.EnableSNMP,
		EnableRealtime:      c.EnableRealtime,
		EnableAutoUpgrade:   c.EnableAutoUpgrade,
		AllowMinorUpgrade:   c.AllowMinorUpgrade,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("controller_url", "http://localhost:3000/api/agent")
	v.SetDefault("api_key", "")
	v.SetDefault("heartbeat_interval_seconds", 60)
	v.SetDefault("status_check_interval_seconds", 30)
	v.SetDefault("offline_threshold", 2)
	v.SetDefault("ping_concurrency", 50)
	v.SetDefault("enable_port_scan", true)
	v.SetDefault("enable_snmp", true)
	v.SetDefault("snmp_community", "public")
	v.SetDefault("enable_realtime", true)
	v.SetDefault("enable_auto_upgrade", false)
	v.SetDefault("allow_minor_upgrade", false)
	v.SetDefault("ui_listen_addr", "127.0.0.1:8090")
	v.SetDefault("cache_path", "velocitypulse.db")
}

// Load reads the configuration from the optional file at path, applying
// defaults and VELOCITYPULSE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VELOCITYPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.HeartbeatIntervalSeconds < heartbeatFloorSeconds {
		c.HeartbeatIntervalSeconds = heartbeatFloorSeconds
	}
}

func (c *Config) validate() error {
	if c.ControllerURL == "" {
		return fmt.Errorf("controller_url is required")
	}
	if c.StatusCheckIntervalSeconds < 5 {
		return fmt.Errorf("status_check_interval_seconds must be >= 5, got %d", c.StatusCheckIntervalSeconds)
	}
	if c.OfflineThreshold < 1 {
		return fmt.Errorf("offline_threshold must be >= 1, got %d", c.OfflineThreshold)
	}
	if c.PingConcurrency < 1 {
		return fmt.Errorf("ping_concurrency must be >= 1, got %d", c.PingConcurrency)
	}
	return nil
}

// ApplyUpdate validates and applies a partial configuration update (the
// update_config command payload). Each field is type- and range-checked
// before any value is applied; an invalid field rejects the whole update.
// Returns the names of the fields that actually changed.
func (c *Config) ApplyUpdate(fields map[string]any) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type setter struct {
		validate func(any) error
		apply    func(any) bool // returns true if the value changed
	}

	intField := func(dst *int, min, max int) setter {
		return setter{
			validate: func(v any) error {
				n, ok := asInt(v)
				if !ok {
					return fmt.Errorf("expected integer, got %T", v)
				}
				if n < min || n > max {
					return fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
				}
				return nil
			},
			apply: func(v any) bool {
				n, _ := asInt(v)
				if *dst == n {
					return false
				}
				*dst = n
				return true
			},
		}
	}
	boolField := func(dst *bool) setter {
		return setter{
			validate: func(v any) error {
				if _, ok := v.(bool); !ok {
					return fmt.Errorf("expected boolean, got %T", v)
				}
				return nil
			},
			apply: func(v any) bool {
				b := v.(bool)
				if *dst == b {
					return false
				}
				*dst = b
				return true
			},
		}
	}

	setters := map[string]setter{
		"heartbeat_interval_seconds":    intField(&c.HeartbeatIntervalSeconds, heartbeatFloorSeconds, 3600),
		"status_check_interval_seconds": intField(&c.StatusCheckIntervalSeconds, 5, 3600),
		"offline_threshold":             intField(&c.OfflineThreshold, 1, 10),
		"ping_concurrency":              intField(&c.PingConcurrency, 1, 256),
		"enable_port_scan":              boolField(&c.EnablePortScan),
		"enable_snmp":                   boolField(&c.EnableSNMP),
		"enable_realtime":               boolField(&c.EnableRealtime),
		"enable_auto_upgrade":           boolField(&c.EnableAutoUpgrade),
		"allow_minor_upgrade":           boolField(&c.AllowMinorUpgrade),
	}

	// Validate everything before applying anything.
	for name, value := range fields {
		s, ok := setters[name]
		if !ok {
			return nil, fmt.Errorf("unknown config field %q", name)
		}
		if err := s.validate(value); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}

	var changed []string
	for name, value := range fields {
		if setters[name].apply(value) {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// asInt accepts the numeric types JSON decoding and YAML loading produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
