// Package frame cuts an SML byte stream into frames.
// This package has NO external I/O. Bytes are fed one at a time and time is
// always injectable via time.Time parameters.
package frame

import (
	"errors"
	"time"
)

// Marker is a fixed escape sequence delimiting a frame.
type Marker []byte

// Protocol-fixed markers.
var (
	StartMarker = Marker{0x1B, 0x1B, 0x1B, 0x1B, 0x01, 0x01, 0x01, 0x01}
	EndMarker   = Marker{0x1B, 0x1B, 0x1B, 0x1B, 0x1A}
)

// TrailerLen is the number of bytes following the end marker:
// one fill-byte count and a 2-byte checksum.
const TrailerLen = 3

// MinCapacity is the smallest buffer that can hold an empty frame.
const MinCapacity = 8 + 5 + TrailerLen

// Errors reported by the reader and the checksum helper.
var (
	ErrTimeout    = errors.New("frame: no complete frame within timeout")
	ErrOverflow   = errors.New("frame: buffer overflow")
	ErrChecksum   = errors.New("frame: checksum mismatch")
	ErrShortFrame = errors.New("frame: too short")
)

// State is the framing state machine position.
type State int

const (
	StateIdle State = iota
	StateAwaitingStart
	StateReadingBody
	StateReadingTrailer
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateReadingBody:
		return "READING_BODY"
	case StateReadingTrailer:
		return "READING_TRAILER"
	case StateComplete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// Kind identifies what a reader Event reports.
type Kind int

const (
	KindFrame Kind = iota + 1
	KindTimeout
	KindOverflow
)

// Event is emitted by the reader when a frame completes or is abandoned.
type Event struct {
	Kind Kind
	// Frame holds the complete frame, start marker through trailer.
	// It is a copy owned by the receiver. Set for KindFrame only.
	Frame []byte
	// State is the state the reader was in when the frame was abandoned.
	State State
	Err   error
	Time  time.Time
}

// Config holds reader tunables.
type Config struct {
	// Capacity is the fixed buffer size in bytes.
	Capacity int
	// Timeout bounds the time spent in any state since the last transition.
	Timeout time.Duration
}

// Defaults from the reference hardware: a 400ms datagram at 9600 baud,
// and a 30 second read timeout.
const (
	DefaultCapacity = 3840
	DefaultTimeout  = 30 * time.Second
)
