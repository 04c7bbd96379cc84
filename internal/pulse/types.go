// Package pulse generates an S0 pulse train whose rate encodes power.
// This package has NO external dependencies; the output pin is an interface
// and time is always injected via time.Time parameters.
package pulse

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects which power direction is turned into pulses.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeDraw   Mode = "draw"
	ModeFeedIn Mode = "feed_in"
	ModeBoth   Mode = "both"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOff, ModeDraw, ModeFeedIn, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("pulse: unknown mode %q (want off, draw, feed_in or both)", s)
}

// Phase is the current half of the duty cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
)

func (p Phase) String() string {
	if p == PhaseActive {
		return "ACTIVE"
	}
	return "IDLE"
}

// S0 timing. The active pulse must lie between 30ms and 120ms.
const (
	DefaultActiveWidth = 75 * time.Millisecond
	DefaultPlaceholder = 60 * time.Second
	MinActiveWidth     = 30 * time.Millisecond
	MaxActiveWidth     = 120 * time.Millisecond
	// MinIdle bounds the pause between pulses when the requested rate
	// saturates the hour.
	MinIdle = 30 * time.Millisecond
)

// Errors reported by the generator.
var (
	ErrDegenerateRate = errors.New("pulse: rate too low for a duty cycle")
	ErrDisabled       = errors.New("pulse: output disabled")
)

// Output drives the pulse line. true is the active level.
type Output interface {
	Set(high bool) error
}

// Config holds generator tunables.
type Config struct {
	Mode         Mode
	PulsesPerKWh int
	// ActiveWidth is the fixed pulse width. Zero means DefaultActiveWidth.
	ActiveWidth time.Duration
	// Placeholder is the idle used before the first reading and whenever
	// the rate is degenerate. Zero means DefaultPlaceholder.
	Placeholder time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActiveWidth == 0 {
		c.ActiveWidth = DefaultActiveWidth
	}
	if c.Placeholder == 0 {
		c.Placeholder = DefaultPlaceholder
	}
	return c
}
