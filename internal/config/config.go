// Package config loads the daemon configuration: built-in defaults, then an
// optional YAML file, then XVCD_* environment variables. Command-line flags
// are applied on top by the caller.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Adapter kinds.
const (
	AdapterFTDI      = "ftdi"
	AdapterSimulator = "simulator"
)

// MaxVectorBits is the hardware ceiling for one shift: 65536 bytes in a
// single MPSSE byte segment.
const MaxVectorBits = 65536 * 8

// Config holds all xvcd configuration.
type Config struct {
	// TCP address the XVC server listens on.
	Listen string `yaml:"listen"`

	Device   DeviceConfig   `yaml:"device"`
	Protocol ProtocolConfig `yaml:"protocol"`

	// Optional byte clocked out on ADBUS5/ADBUS4 before serving, e.g. "0x3A".
	CommandByte string `yaml:"command_byte"`

	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig selects and tunes the JTAG cable.
type DeviceConfig struct {
	Adapter    string `yaml:"adapter"` // ftdi, simulator
	VendorID   uint16 `yaml:"vendor_id"`
	ProductID  uint16 `yaml:"product_id"`
	Serial     string `yaml:"serial"`
	Interface  string `yaml:"interface"` // A, B, C or D
	LatencyMS  int    `yaml:"latency_ms"`
	Divisor    int    `yaml:"divisor"`
	SpeedHz    int    `yaml:"speed_hz"` // overrides divisor when set
	USBTimeout string `yaml:"usb_timeout"`
	Verify     bool   `yaml:"verify"`

	// SimChain lists "IDCODE[/IRLEN]" entries, TDO end first, that the
	// simulator emulates behind the cable. Empty means TDO loops back to TDI.
	SimChain []string `yaml:"sim_chain,omitempty"`
}

// ProtocolConfig tunes request handling.
type ProtocolConfig struct {
	MaxVectorBits int  `yaml:"max_vector_bits"`
	IMPACTIRFix   bool `yaml:"impact_ir_fix"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, console
	Verbosity int    `yaml:"verbosity"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":2542",
		Device: DeviceConfig{
			Adapter:    AdapterFTDI,
			VendorID:   0x0403,
			ProductID:  0x6010,
			Interface:  "A",
			LatencyMS:  1,
			Divisor:    1,
			USBTimeout: "5s",
		},
		Protocol: ProtocolConfig{
			MaxVectorBits: MaxVectorBits,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from path. An empty path or a missing file yields
// the defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies XVCD_* environment variables. Values that do not
// parse are ignored and left to Validate.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("XVCD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("XVCD_ADAPTER"); v != "" {
		c.Device.Adapter = v
	}
	if v := os.Getenv("XVCD_SERIAL"); v != "" {
		c.Device.Serial = v
	}
	if v := os.Getenv("XVCD_VID"); v != "" {
		if id, err := strconv.ParseUint(v, 0, 16); err == nil {
			c.Device.VendorID = uint16(id)
		}
	}
	if v := os.Getenv("XVCD_PID"); v != "" {
		if id, err := strconv.ParseUint(v, 0, 16); err == nil {
			c.Device.ProductID = uint16(id)
		}
	}
	if v := os.Getenv("XVCD_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = n
		}
	}
}

// ValidAdapters lists the supported adapter kinds.
var ValidAdapters = []string{AdapterFTDI, AdapterSimulator}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	validAdapter := false
	for _, a := range ValidAdapters {
		if c.Device.Adapter == a {
			validAdapter = true
			break
		}
	}
	if !validAdapter {
		return fmt.Errorf("invalid adapter: %s (valid: %v)", c.Device.Adapter, ValidAdapters)
	}

	if c.Device.Adapter == AdapterFTDI {
		if c.Device.VendorID == 0 || c.Device.ProductID == 0 {
			return fmt.Errorf("vendor and product id must be set (got %04X:%04X)", c.Device.VendorID, c.Device.ProductID)
		}
	}
	if _, err := c.InterfaceIndex(); err != nil {
		return err
	}
	if c.Device.LatencyMS < 1 || c.Device.LatencyMS > 255 {
		return fmt.Errorf("latency timer %d ms out of range [1, 255]", c.Device.LatencyMS)
	}
	if c.Device.Divisor < 0 || c.Device.Divisor > 0xFFFF {
		return fmt.Errorf("clock divisor %d out of range [0, 65535]", c.Device.Divisor)
	}
	if c.Device.SpeedHz < 0 {
		return fmt.Errorf("speed %d Hz must not be negative", c.Device.SpeedHz)
	}
	if c.Device.USBTimeout != "" {
		if _, err := time.ParseDuration(c.Device.USBTimeout); err != nil {
			return fmt.Errorf("invalid usb timeout %q: %w", c.Device.USBTimeout, err)
		}
	}
	if c.Protocol.MaxVectorBits < 1 || c.Protocol.MaxVectorBits > MaxVectorBits {
		return fmt.Errorf("max vector bits %d out of range [1, %d]", c.Protocol.MaxVectorBits, MaxVectorBits)
	}
	if _, _, err := c.GetCommandByte(); err != nil {
		return err
	}
	if c.Logging.Verbosity < 0 {
		return fmt.Errorf("verbosity %d must not be negative", c.Logging.Verbosity)
	}
	return nil
}

// InterfaceIndex maps the FTDI port letter to its zero-based index.
func (c *Config) InterfaceIndex() (int, error) {
	s := strings.ToUpper(strings.TrimSpace(c.Device.Interface))
	if s == "" {
		return 0, nil
	}
	if len(s) != 1 || s[0] < 'A' || s[0] > 'D' {
		return 0, fmt.Errorf("invalid FTDI interface %q (valid: A, B, C, D)", c.Device.Interface)
	}
	return int(s[0] - 'A'), nil
}

// GetCommandByte parses CommandByte with C integer syntax (42, 0x2A, 052).
// ok is false when none is configured.
func (c *Config) GetCommandByte() (cb byte, ok bool, err error) {
	s := strings.TrimSpace(c.CommandByte)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, false, fmt.Errorf("invalid command byte %q: %w", c.CommandByte, err)
	}
	return byte(v), true, nil
}

// GetUSBTimeout returns the USB timeout as a duration.
func (c *Config) GetUSBTimeout() time.Duration {
	d, err := time.ParseDuration(c.Device.USBTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
