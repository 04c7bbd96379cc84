package config

import (
	"fmt"

	"github.com/sweeney/smlreader/internal/frame"
	"github.com/sweeney/smlreader/internal/pulse"
)

// MaxPPKWh bounds s0_ppkwh; real meters use 1000 or 2000.
const MaxPPKWh = 10000

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.PollMs <= 0 {
		return fmt.Errorf("poll_ms must be positive, got %d", cfg.PollMs)
	}
	if cfg.HeartbeatSeconds < 0 {
		return fmt.Errorf("heartbeat_seconds must not be negative, got %d", cfg.HeartbeatSeconds)
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("at least one [[channel]] is required")
	}

	seen := make(map[string]bool)
	for i, c := range cfg.Channels {
		if c.ID == "" {
			return fmt.Errorf("channel #%d: id is required", i+1)
		}
		if seen[c.ID] {
			return fmt.Errorf("channel %q: duplicate id", c.ID)
		}
		seen[c.ID] = true

		if err := validateChannel(c); err != nil {
			return fmt.Errorf("channel %q: %w", c.ID, err)
		}
	}
	return nil
}

func validateChannel(c ChannelConfig) error {
	if c.SerialDevice == "" {
		return fmt.Errorf("serial_device is required")
	}
	if c.Baudrate <= 0 {
		return fmt.Errorf("baudrate must be positive, got %d", c.Baudrate)
	}
	if c.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("read_timeout_seconds must be positive, got %d", c.ReadTimeoutSeconds)
	}
	if c.BufferSize <= frame.MinCapacity {
		return fmt.Errorf("buffer_size must exceed %d, got %d", frame.MinCapacity, c.BufferSize)
	}
	if c.PublishIntervalSeconds < 0 {
		return fmt.Errorf("publish_interval_seconds must not be negative, got %d", c.PublishIntervalSeconds)
	}

	mode, err := pulse.ParseMode(c.S0Mode)
	if err != nil {
		return fmt.Errorf("s0_mode: %w", err)
	}
	if mode == pulse.ModeOff {
		return nil
	}
	if c.S0PPKWh < 1 || c.S0PPKWh > MaxPPKWh {
		return fmt.Errorf("s0_ppkwh must be in 1..%d, got %d", MaxPPKWh, c.S0PPKWh)
	}
	if c.S0Pin < 0 {
		return fmt.Errorf("s0_pin must not be negative, got %d", c.S0Pin)
	}
	if c.S0Chip == "" {
		return fmt.Errorf("s0_chip is required when s0_mode is %q", mode)
	}
	return nil
}
