package pulse

import (
	"fmt"
	"math"
	"time"
)

const msPerHour = 3_600_000.0

// maxIdleMs is the longest idle, in milliseconds, a time.Duration can hold.
const maxIdleMs = float64(math.MaxInt64) / float64(time.Millisecond)

// Generator schedules alternating active/idle phases on an Output.
// Not safe for concurrent use.
type Generator struct {
	cfg Config
	out Output

	phase  Phase
	since  time.Time
	target time.Duration
	idle   time.Duration
	// hold keeps the line idle until a usable reading arrives.
	hold bool
	// primed reports that the line has been driven low once.
	primed bool

	pulses uint64
}

// NewGenerator creates a generator in a long, held idle phase. The output is
// driven low on the first tick.
func NewGenerator(cfg Config, out Output, now time.Time) (*Generator, error) {
	cfg = cfg.withDefaults()
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("pulse: nil output")
	}
	if cfg.Mode != ModeOff && cfg.PulsesPerKWh <= 0 {
		return nil, fmt.Errorf("pulse: pulses per kWh must be positive, got %d", cfg.PulsesPerKWh)
	}
	if cfg.ActiveWidth < MinActiveWidth || cfg.ActiveWidth > MaxActiveWidth {
		return nil, fmt.Errorf("pulse: active width %v outside %v..%v", cfg.ActiveWidth, MinActiveWidth, MaxActiveWidth)
	}

	g := &Generator{
		cfg:    cfg,
		out:    out,
		phase:  PhaseIdle,
		since:  now,
		target: cfg.Placeholder,
		idle:   cfg.Placeholder,
		hold:   true,
	}
	return g, nil
}

// Phase returns the current phase.
func (g *Generator) Phase() Phase {
	return g.phase
}

// Idle returns the idle duration currently scheduled.
func (g *Generator) Idle() time.Duration {
	return g.idle
}

// Holding reports whether the generator is parked in idle.
func (g *Generator) Holding() bool {
	return g.hold
}

// Pulses returns the number of completed active pulses.
func (g *Generator) Pulses() uint64 {
	return g.pulses
}

// Retarget recomputes the idle duration for a new power reading in watts.
// While idle the running idle phase is stretched or shortened at once; while
// active only the idle after the current pulse changes.
// It returns the idle duration now scheduled.
func (g *Generator) Retarget(powerW float64) (time.Duration, error) {
	if g.cfg.Mode == ModeOff {
		return 0, ErrDisabled
	}

	pph := g.effective(powerW) * float64(g.cfg.PulsesPerKWh) / 1000
	if math.IsNaN(pph) || math.IsInf(pph, 0) || pph <= 1 {
		g.hold = true
		g.setIdle(g.cfg.Placeholder)
		return g.idle, fmt.Errorf("%w: %.3f pulses/h from %.1f W", ErrDegenerateRate, pph, powerW)
	}

	activeMs := float64(g.cfg.ActiveWidth) / float64(time.Millisecond)
	idleMs := (msPerHour - pph*activeMs) / (pph - 1)
	if math.IsNaN(idleMs) || idleMs >= maxIdleMs {
		// Too long to represent as a Duration; converting would wrap.
		g.hold = true
		g.setIdle(g.cfg.Placeholder)
		return g.idle, fmt.Errorf("%w: %.7f pulses/h from %.7f W", ErrDegenerateRate, pph, powerW)
	}
	idle := time.Duration(idleMs * float64(time.Millisecond))
	if idle < MinIdle {
		idle = MinIdle
	}

	g.hold = false
	g.setIdle(idle)
	return g.idle, nil
}

// setIdle stores a new idle duration. A running idle phase picks it up on
// the next tick; a running pulse is never cut short.
func (g *Generator) setIdle(d time.Duration) {
	g.idle = d
	if g.phase == PhaseIdle {
		g.target = d
	}
}

// effective maps a signed reading to the power that drives pulses.
func (g *Generator) effective(powerW float64) float64 {
	switch g.cfg.Mode {
	case ModeFeedIn:
		return -powerW
	case ModeBoth:
		return math.Abs(powerW)
	}
	return powerW
}

// Tick advances the schedule. It is meant to be called at high frequency.
// A disabled generator only keeps the line low.
func (g *Generator) Tick(now time.Time) error {
	if !g.primed {
		if err := g.out.Set(false); err != nil {
			return fmt.Errorf("pulse: drive output low: %w", err)
		}
		g.primed = true
	}
	if g.cfg.Mode == ModeOff {
		return nil
	}

	if now.Sub(g.since) < g.target {
		return nil
	}

	if g.phase == PhaseActive {
		g.phase = PhaseIdle
		g.since = now
		g.target = g.idle
		g.pulses++
		if err := g.out.Set(false); err != nil {
			return fmt.Errorf("pulse: end pulse: %w", err)
		}
		return nil
	}

	if g.hold {
		// Restart the idle wait instead of pulsing.
		g.since = now
		g.target = g.idle
		return nil
	}

	g.phase = PhaseActive
	g.since = now
	g.target = g.cfg.ActiveWidth
	if err := g.out.Set(true); err != nil {
		return fmt.Errorf("pulse: start pulse: %w", err)
	}
	return nil
}
