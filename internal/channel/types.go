// Package channel wires one framing reader and one optional pulse generator
// to a byte source and a decoder. A Channel is driven by a single control
// loop and reports what happened as Events; it never blocks.
package channel

import (
	"errors"
	"time"

	"github.com/sweeney/smlreader/internal/frame"
	"github.com/sweeney/smlreader/internal/pulse"
)

// EventType identifies a channel event.
type EventType string

const (
	EventFrameReady      EventType = "FRAME_READY"
	EventFrameTimeout    EventType = "FRAME_TIMEOUT"
	EventFrameOverflow   EventType = "FRAME_OVERFLOW"
	EventDecodeFailed    EventType = "DECODE_FAILED"
	EventPulseRetargeted EventType = "PULSE_RETARGETED"
	EventOutputFailed    EventType = "OUTPUT_FAILED"
)

// ErrDecode wraps checksum and decoder failures.
var ErrDecode = errors.New("decode failed")

// Event is something a channel reports to the publisher.
type Event struct {
	Timestamp time.Time
	Channel   string
	Type      EventType
	// Frame is the complete raw frame (FRAME_READY only).
	Frame []byte
	// State is the framing state a frame was abandoned in (timeout/overflow).
	State frame.State
	// PowerW and Idle describe a retarget.
	PowerW float64
	Idle   time.Duration
	Err    error
}

// Reading is one decoded value.
type Reading struct {
	// PowerW is instantaneous power in watts; negative is feed-in.
	PowerW float64
}

// Decoder turns a frame payload into readings. The payload is a copy the
// decoder may keep or modify.
type Decoder interface {
	Decode(payload []byte) ([]Reading, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(payload []byte) ([]Reading, error)

// Decode calls f.
func (f DecoderFunc) Decode(payload []byte) ([]Reading, error) {
	return f(payload)
}

// Config is the immutable per-channel configuration.
type Config struct {
	ID    string
	Frame frame.Config
	Pulse pulse.Config
	// VerifyChecksum rejects frames whose CRC does not match.
	VerifyChecksum bool
	// PublishInterval is the minimum time between FRAME_READY events.
	// Frames in between are still decoded. Zero publishes every frame.
	PublishInterval time.Duration
}

// Counts tracks what a channel has seen since startup.
type Counts struct {
	Frames       int
	Timeouts     int
	Overflows    int
	DecodeFailed int
	Retargets    int
	Degenerate   int
	OutputFailed int
	Pulses       uint64

	HaveReading bool
	LastPowerW  float64
	IdleMs      int64
	Phase       string
	State       string
}
