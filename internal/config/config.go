package config

// Configuration loading and validation for mbmitm

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tturner/mbmitm/internal/errors"
)

// ProxySection holds the proxy endpoints and upstream dial settings.
type ProxySection struct {
	Listen        string `yaml:"listen"`
	Upstream      string `yaml:"upstream"`
	SourcePortMin int    `yaml:"source_port_min"` // 0..0 lets the kernel pick
	SourcePortMax int    `yaml:"source_port_max"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"` // 0 disables read deadlines
}

// OverrideEntry forces a holding register to a value on the wire.
type OverrideEntry struct {
	Address uint16 `yaml:"address"`
	Value   uint16 `yaml:"value"`
}

// LoggingConfig controls log formatting and verbosity.
type LoggingConfig struct {
	Level          string `yaml:"level"`  // error|info|verbose|debug
	Format         string `yaml:"format"` // text|json
	LogFile        string `yaml:"log_file"`
	LogEveryN      int    `yaml:"log_every_n"`
	IncludeHexDump bool   `yaml:"include_hex_dump"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// CaptureConfig controls the pcap audit file.
type CaptureConfig struct {
	PcapFile string `yaml:"pcap_file"`
}

// SimulatorConfig configures the built-in Modbus device used by `mbmitm sim`.
type SimulatorConfig struct {
	Listen               string `yaml:"listen"`
	UnitID               uint8  `yaml:"unit_id"`
	HoldingRegisterCount int    `yaml:"holding_register_count"`
}

// Config is the top-level mbmitm configuration.
type Config struct {
	Proxy          ProxySection    `yaml:"proxy"`
	Overrides      []OverrideEntry `yaml:"overrides"`
	WatchOverrides bool            `yaml:"watch_overrides"`
	Logging        LoggingConfig   `yaml:"logging"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Capture        CaptureConfig   `yaml:"capture"`
	Simulator      SimulatorConfig `yaml:"simulator"`
}

// CreateDefaultConfig returns the configuration used when no file is given.
func CreateDefaultConfig() *Config {
	return &Config{
		Proxy: ProxySection{
			Listen:        "127.0.0.1:2502",
			Upstream:      "127.0.0.1:502",
			SourcePortMin: 25002,
			SourcePortMax: 25009,
		},
		Overrides: []OverrideEntry{{Address: 2, Value: 0x1000}},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			LogEveryN: 1,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9502",
		},
		Simulator: SimulatorConfig{
			Listen:               "127.0.0.1:502",
			UnitID:               1,
			HoldingRegisterCount: 9999,
		},
	}
}

// WriteDefaultConfig writes the default configuration to path.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(CreateDefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(fmt.Errorf("config file not found: %s", path), path)
		}
		return nil, errors.WrapConfigError(fmt.Errorf("read config file: %w", err), path)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WrapConfigError(err, path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML over the defaults and validates the result.
// Keys missing from data keep their default value; a missing overrides list
// means no overrides.
func ParseConfig(data []byte) (*Config, error) {
	cfg := CreateDefaultConfig()
	cfg.Overrides = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyLoggingDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates a configuration.
func ValidateConfig(cfg *Config) error {
	if err := validateHostPort("proxy.listen", cfg.Proxy.Listen); err != nil {
		return err
	}
	if err := validateHostPort("proxy.upstream", cfg.Proxy.Upstream); err != nil {
		return err
	}
	if err := validatePortRange(cfg.Proxy.SourcePortMin, cfg.Proxy.SourcePortMax); err != nil {
		return err
	}
	if cfg.Proxy.ReadTimeoutMs < 0 {
		return fmt.Errorf("proxy.read_timeout_ms must be >= 0")
	}

	seen := make(map[uint16]bool, len(cfg.Overrides))
	for i, o := range cfg.Overrides {
		if seen[o.Address] {
			return fmt.Errorf("overrides[%d]: duplicate address %d", i, o.Address)
		}
		seen[o.Address] = true
	}

	if cfg.Logging.Level != "" {
		switch strings.ToLower(cfg.Logging.Level) {
		case "silent", "error", "info", "verbose", "debug":
		default:
			return fmt.Errorf("logging.level must be error, info, verbose, or debug")
		}
	}
	if cfg.Logging.Format != "" {
		switch strings.ToLower(cfg.Logging.Format) {
		case "text", "json":
		default:
			return fmt.Errorf("logging.format must be text or json")
		}
	}
	if cfg.Logging.LogEveryN < 0 {
		return fmt.Errorf("logging.log_every_n must be >= 0")
	}

	if cfg.Metrics.Enable {
		if err := validateHostPort("metrics.listen", cfg.Metrics.Listen); err != nil {
			return err
		}
	}

	if cfg.Simulator.HoldingRegisterCount < 0 || cfg.Simulator.HoldingRegisterCount > 65536 {
		return fmt.Errorf("simulator.holding_register_count must be between 0 and 65536")
	}
	return nil
}

// OverrideMap returns the override list as an address -> value map.
func (c *Config) OverrideMap() map[uint16]uint16 {
	out := make(map[uint16]uint16, len(c.Overrides))
	for _, o := range c.Overrides {
		out[o.Address] = o.Value
	}
	return out
}

// SetOverrides replaces the override list from a map, sorted by address.
func (c *Config) SetOverrides(m map[uint16]uint16) {
	c.Overrides = c.Overrides[:0]
	for addr, value := range m {
		c.Overrides = append(c.Overrides, OverrideEntry{Address: addr, Value: value})
	}
	sort.Slice(c.Overrides, func(i, j int) bool {
		return c.Overrides[i].Address < c.Overrides[j].Address
	})
}

// ReadTimeout returns the per-read deadline, zero when disabled.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Proxy.ReadTimeoutMs) * time.Millisecond
}

// ParseOverride parses an "addr=value" flag. Both sides accept decimal or
// 0x-prefixed hex.
func ParseOverride(s string) (OverrideEntry, error) {
	addrStr, valueStr, ok := strings.Cut(s, "=")
	if !ok {
		return OverrideEntry{}, fmt.Errorf("invalid override %q (expected addr=value)", s)
	}
	addr, err := strconv.ParseUint(strings.TrimSpace(addrStr), 0, 16)
	if err != nil {
		return OverrideEntry{}, fmt.Errorf("invalid override address %q: %w", addrStr, err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(valueStr), 0, 16)
	if err != nil {
		return OverrideEntry{}, fmt.Errorf("invalid override value %q: %w", valueStr, err)
	}
	return OverrideEntry{Address: uint16(addr), Value: uint16(value)}, nil
}

func applyLoggingDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.LogEveryN == 0 {
		cfg.Logging.LogEveryN = 1
	}
}

func validateHostPort(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", field)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("%s: invalid port %q", field, port)
	}
	return nil
}

func validatePortRange(min, max int) error {
	if min == 0 && max == 0 {
		return nil
	}
	if min < 1 || max > 65535 {
		return fmt.Errorf("proxy.source_port_min/max must be between 1 and 65535")
	}
	if min > max {
		return fmt.Errorf("proxy.source_port_min (%d) must be <= source_port_max (%d)", min, max)
	}
	return nil
}
