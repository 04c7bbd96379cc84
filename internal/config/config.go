// Package config loads the daemon configuration from a TOML file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sweeney/smlreader/internal/channel"
	"github.com/sweeney/smlreader/internal/frame"
	"github.com/sweeney/smlreader/internal/gpio"
	"github.com/sweeney/smlreader/internal/pulse"
	"github.com/sweeney/smlreader/internal/serial"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/smlreader/smlreader.toml"

// Config is the whole configuration file.
type Config struct {
	Broker           string          `toml:"broker"`
	ClientID         string          `toml:"client_id"`
	HeartbeatSeconds int             `toml:"heartbeat_seconds"`
	PollMs           int             `toml:"poll_ms"`
	Channels         []ChannelConfig `toml:"channel"`
}

// ChannelConfig describes one meter connection and its S0 output.
type ChannelConfig struct {
	ID                     string `toml:"id"`
	SerialDevice           string `toml:"serial_device"`
	Baudrate               int    `toml:"baudrate"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds"`
	BufferSize             int    `toml:"buffer_size"`
	// VerifyChecksum enables the CRC check. Off, the trailer is consumed
	// but not validated.
	VerifyChecksum         bool   `toml:"verify_checksum"`
	PublishIntervalSeconds int    `toml:"publish_interval_seconds"`

	S0Mode      string `toml:"s0_mode"`
	S0PPKWh     int    `toml:"s0_ppkwh"`
	S0Chip      string `toml:"s0_chip"`
	S0Pin       int    `toml:"s0_pin"`
	S0ActiveLow bool   `toml:"s0_active_low"`
}

// Default returns a single-channel configuration.
func Default() *Config {
	return &Config{
		Broker:           "tcp://192.168.1.200:1883",
		ClientID:         "smlreader",
		HeartbeatSeconds: 900,
		PollMs:           1,
		Channels:         []ChannelConfig{DefaultChannel("1")},
	}
}

// DefaultChannel returns the defaults for one channel.
func DefaultChannel(id string) ChannelConfig {
	return ChannelConfig{
		ID:                 id,
		SerialDevice:       "/dev/ttyAMA0",
		Baudrate:           serial.DefaultBaudrate,
		ReadTimeoutSeconds: int(frame.DefaultTimeout / time.Second),
		BufferSize:         frame.DefaultCapacity,
		S0Mode:             string(pulse.ModeDraw),
		S0PPKWh:            1000,
		S0Chip:             gpio.DefaultChip,
		S0Pin:              gpio.DefaultPin,
	}
}

// Load reads the file at path. When the file does not exist the defaults are
// written there and returned, and created is true.
func Load(path string) (cfg *Config, created bool, err error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeFile(path, cfg); err != nil {
			return nil, false, err
		}
		return cfg, true, nil
	}

	cfg, err = decodeFile(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// decodeFile decodes path, then fills defaults for keys the file leaves out.
// Unknown keys are an error.
func decodeFile(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if !meta.IsDefined("heartbeat_seconds") {
		cfg.HeartbeatSeconds = Default().HeartbeatSeconds
	}
	if !meta.IsDefined("poll_ms") {
		cfg.PollMs = Default().PollMs
	}
	if !meta.IsDefined("client_id") {
		cfg.ClientID = Default().ClientID
	}
	for i := range cfg.Channels {
		cfg.Channels[i] = fillChannel(meta, i, cfg.Channels[i])
	}
	return &cfg, nil
}

// fillChannel applies DefaultChannel to the keys channel i does not set.
func fillChannel(meta toml.MetaData, i int, c ChannelConfig) ChannelConfig {
	d := DefaultChannel(c.ID)
	defined := func(key string) bool {
		return isDefinedInArray(meta, "channel", i, key)
	}
	if !defined("serial_device") {
		c.SerialDevice = d.SerialDevice
	}
	if !defined("baudrate") {
		c.Baudrate = d.Baudrate
	}
	if !defined("read_timeout_seconds") {
		c.ReadTimeoutSeconds = d.ReadTimeoutSeconds
	}
	if !defined("buffer_size") {
		c.BufferSize = d.BufferSize
	}
	if !defined("verify_checksum") {
		c.VerifyChecksum = d.VerifyChecksum
	}
	if !defined("s0_mode") {
		c.S0Mode = d.S0Mode
	}
	if !defined("s0_ppkwh") {
		c.S0PPKWh = d.S0PPKWh
	}
	if !defined("s0_chip") {
		c.S0Chip = d.S0Chip
	}
	if !defined("s0_pin") {
		c.S0Pin = d.S0Pin
	}
	return c
}

// isDefinedInArray reports whether key was set in the i-th table of an
// array of tables. MetaData.Keys lists array entries in file order.
func isDefinedInArray(meta toml.MetaData, array string, i int, key string) bool {
	n := -1
	for _, k := range meta.Keys() {
		if len(k) == 1 && k[0] == array {
			n++
			continue
		}
		if n == i && len(k) == 2 && k[0] == array && k[1] == key {
			return true
		}
	}
	return false
}

func writeFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	defer f.Close()
	if err := Encode(f, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Heartbeat returns the heartbeat interval; zero disables it.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Poll returns the control loop period.
func (c *Config) Poll() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// Channel converts the file form into the runtime channel configuration.
func (c ChannelConfig) Channel() channel.Config {
	return channel.Config{
		ID: c.ID,
		Frame: frame.Config{
			Capacity: c.BufferSize,
			Timeout:  time.Duration(c.ReadTimeoutSeconds) * time.Second,
		},
		Pulse: pulse.Config{
			Mode:         pulse.Mode(c.S0Mode),
			PulsesPerKWh: c.S0PPKWh,
		},
		VerifyChecksum:  c.VerifyChecksum,
		PublishInterval: time.Duration(c.PublishIntervalSeconds) * time.Second,
	}
}

// SerialOptions returns the options for opening the channel's port.
func (c ChannelConfig) SerialOptions() serial.Options {
	return serial.Options{Device: c.SerialDevice, Baudrate: uint(c.Baudrate)}
}

// PulseEnabled reports whether the channel drives an S0 line.
func (c ChannelConfig) PulseEnabled() bool {
	return c.S0Mode != string(pulse.ModeOff)
}
