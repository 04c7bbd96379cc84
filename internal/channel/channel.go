package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/smlreader/internal/frame"
	"github.com/sweeney/smlreader/internal/pulse"
	"github.com/sweeney/smlreader/internal/serial"
)

// Channel owns one reader and an optional generator.
// Not safe for concurrent use.
type Channel struct {
	cfg    Config
	src    serial.Source
	dec    Decoder
	reader *frame.Reader
	gen    *pulse.Generator

	lastPublish time.Time
	published   bool
	counts      Counts
}

// New creates a channel. out may be nil, in which case the channel has no
// pulse output. dec may be nil; readings then only arrive through Deliver.
func New(cfg Config, src serial.Source, out pulse.Output, dec Decoder, now time.Time) (*Channel, error) {
	if cfg.ID == "" {
		return nil, errors.New("channel: empty id")
	}
	if src == nil {
		return nil, fmt.Errorf("channel %s: nil source", cfg.ID)
	}
	reader, err := frame.NewReader(cfg.Frame, now)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
	}
	c := &Channel{
		cfg:    cfg,
		src:    src,
		dec:    dec,
		reader: reader,
	}
	if out != nil {
		gen, err := pulse.NewGenerator(cfg.Pulse, out, now)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.ID, err)
		}
		c.gen = gen
	}
	return c, nil
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.cfg.ID
}

// Step runs one cooperative pass: timeout check, drain every available byte,
// handle completed frames, then tick the pulse generator.
func (c *Channel) Step(now time.Time) []Event {
	var events []Event

	if ev, ok := c.reader.Expire(now); ok {
		events = append(events, c.abandoned(ev))
	}

	for n := c.src.Available(); n > 0; n-- {
		b, ok := c.src.Next()
		if !ok {
			break
		}
		ev, ok := c.reader.Feed(b, now)
		if !ok {
			continue
		}
		if ev.Kind == frame.KindFrame {
			events = append(events, c.handleFrame(ev.Frame, now)...)
		} else {
			events = append(events, c.abandoned(ev))
		}
	}

	if c.gen != nil {
		if err := c.gen.Tick(now); err != nil {
			c.counts.OutputFailed++
			events = append(events, Event{
				Timestamp: now,
				Channel:   c.cfg.ID,
				Type:      EventOutputFailed,
				Err:       err,
			})
		}
	}

	return events
}

// abandoned converts a reader timeout/overflow into a channel event.
func (c *Channel) abandoned(ev frame.Event) Event {
	out := Event{
		Timestamp: ev.Time,
		Channel:   c.cfg.ID,
		State:     ev.State,
		Err:       ev.Err,
	}
	if ev.Kind == frame.KindOverflow {
		out.Type = EventFrameOverflow
		c.counts.Overflows++
	} else {
		out.Type = EventFrameTimeout
		c.counts.Timeouts++
	}
	return out
}

func (c *Channel) handleFrame(buf []byte, now time.Time) []Event {
	if c.cfg.VerifyChecksum {
		if err := frame.VerifyChecksum(buf); err != nil {
			c.counts.DecodeFailed++
			return []Event{c.decodeFailed(now, err)}
		}
	}

	var events []Event
	c.counts.Frames++
	if !c.published || c.cfg.PublishInterval <= 0 || now.Sub(c.lastPublish) >= c.cfg.PublishInterval {
		c.published = true
		c.lastPublish = now
		events = append(events, Event{
			Timestamp: now,
			Channel:   c.cfg.ID,
			Type:      EventFrameReady,
			Frame:     buf,
			State:     frame.StateComplete,
		})
	}

	if c.dec == nil {
		return events
	}
	readings, err := c.dec.Decode(append([]byte(nil), frame.Payload(buf)...))
	if err != nil {
		c.counts.DecodeFailed++
		return append(events, c.decodeFailed(now, err))
	}
	for _, r := range readings {
		if ev, ok := c.Deliver(now, r); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (c *Channel) decodeFailed(now time.Time, err error) Event {
	return Event{
		Timestamp: now,
		Channel:   c.cfg.ID,
		Type:      EventDecodeFailed,
		Err:       fmt.Errorf("%w: %v", ErrDecode, err),
	}
}

// Deliver retargets the pulse output for a reading. It returns false when
// the channel has no pulse output or the output is disabled.
func (c *Channel) Deliver(now time.Time, r Reading) (Event, bool) {
	c.counts.LastPowerW = r.PowerW
	c.counts.HaveReading = true
	if c.gen == nil {
		return Event{}, false
	}
	idle, err := c.gen.Retarget(r.PowerW)
	if errors.Is(err, pulse.ErrDisabled) {
		return Event{}, false
	}
	c.counts.Retargets++
	if err != nil {
		c.counts.Degenerate++
	}
	return Event{
		Timestamp: now,
		Channel:   c.cfg.ID,
		Type:      EventPulseRetargeted,
		PowerW:    r.PowerW,
		Idle:      idle,
		Err:       err,
	}, true
}

// Counts returns a snapshot of the channel counters.
func (c *Channel) Counts() Counts {
	counts := c.counts
	counts.State = c.reader.State().String()
	if c.gen != nil {
		counts.Pulses = c.gen.Pulses()
		counts.IdleMs = c.gen.Idle().Milliseconds()
		counts.Phase = c.gen.Phase().String()
	}
	return counts
}

// Stop idles the reader; bytes are still drained but ignored.
func (c *Channel) Stop() {
	c.reader.Stop()
}

// Start re-arms a stopped reader.
func (c *Channel) Start(now time.Time) {
	c.reader.Start(now)
}
