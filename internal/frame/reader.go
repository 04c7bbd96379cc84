package frame

import (
	"fmt"
	"time"
)

// Reader is the framing state machine for one serial channel.
// Not safe for concurrent use.
type Reader struct {
	cfg   Config
	buf   []byte
	n     int
	state State
	// match is the running position against StartMarker.
	match int
	// trailer counts the trailer bytes still to read.
	trailer int
	// since is the time of the last state transition.
	since time.Time
}

// NewReader creates a reader waiting for a start marker.
func NewReader(cfg Config, now time.Time) (*Reader, error) {
	if cfg.Capacity <= MinCapacity {
		return nil, fmt.Errorf("frame: capacity %d must exceed %d", cfg.Capacity, MinCapacity)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("frame: timeout must be positive, got %v", cfg.Timeout)
	}
	r := &Reader{
		cfg: cfg,
		buf: make([]byte, cfg.Capacity),
	}
	r.reset(now)
	return r, nil
}

// State returns the current state.
func (r *Reader) State() State {
	return r.state
}

// Len returns the number of bytes buffered for the frame in progress.
func (r *Reader) Len() int {
	return r.n
}

// Stop puts the reader into idle. Bytes are ignored and no timeout applies
// until Start is called.
func (r *Reader) Stop() {
	r.state = StateIdle
	r.n = 0
	r.match = 0
	r.trailer = 0
}

// Start re-arms a stopped reader. It is a no-op unless the reader is idle.
func (r *Reader) Start(now time.Time) {
	if r.state == StateIdle {
		r.reset(now)
	}
}

// Expire resets the reader when more than the configured timeout has elapsed
// since the last transition. The returned event carries the abandoned state.
func (r *Reader) Expire(now time.Time) (Event, bool) {
	if r.state == StateIdle {
		return Event{}, false
	}
	if now.Sub(r.since) <= r.cfg.Timeout {
		return Event{}, false
	}
	ev := Event{Kind: KindTimeout, State: r.state, Err: ErrTimeout, Time: now}
	r.reset(now)
	return ev, true
}

// Feed consumes one byte. It returns an event when the byte completes a
// frame or causes one to be abandoned.
func (r *Reader) Feed(b byte, now time.Time) (Event, bool) {
	switch r.state {
	case StateAwaitingStart:
		r.awaitStart(b, now)
	case StateReadingBody:
		return r.readBody(b, now)
	case StateReadingTrailer:
		return r.readTrailer(b, now)
	}
	return Event{}, false
}

func (r *Reader) awaitStart(b byte, now time.Time) {
	switch {
	case b == StartMarker[r.match]:
		r.match++
	case b == StartMarker[0]:
		r.match = 1
	default:
		r.match = 0
	}
	if r.match < len(StartMarker) {
		return
	}
	r.n = copy(r.buf, StartMarker)
	r.match = 0
	r.transition(StateReadingBody, now)
}

func (r *Reader) readBody(b byte, now time.Time) (Event, bool) {
	// Keep room for the fill-byte count and the checksum.
	if r.n+TrailerLen >= len(r.buf) {
		ev := Event{Kind: KindOverflow, State: r.state, Err: ErrOverflow, Time: now}
		r.reset(now)
		return ev, true
	}
	r.buf[r.n] = b
	r.n++
	if r.endsWithEndMarker() {
		r.trailer = TrailerLen
		r.transition(StateReadingTrailer, now)
	}
	return Event{}, false
}

func (r *Reader) readTrailer(b byte, now time.Time) (Event, bool) {
	r.buf[r.n] = b
	r.n++
	r.trailer--
	if r.trailer > 0 {
		return Event{}, false
	}
	r.transition(StateComplete, now)
	out := make([]byte, r.n)
	copy(out, r.buf[:r.n])
	r.reset(now)
	return Event{Kind: KindFrame, Frame: out, State: StateComplete, Time: now}, true
}

// endsWithEndMarker compares the buffer tail with EndMarker from the back.
func (r *Reader) endsWithEndMarker() bool {
	if r.n < len(StartMarker)+len(EndMarker) {
		return false
	}
	for i := 1; i <= len(EndMarker); i++ {
		if r.buf[r.n-i] != EndMarker[len(EndMarker)-i] {
			return false
		}
	}
	return true
}

func (r *Reader) reset(now time.Time) {
	r.n = 0
	r.match = 0
	r.trailer = 0
	r.transition(StateAwaitingStart, now)
}

func (r *Reader) transition(s State, now time.Time) {
	r.state = s
	r.since = now
}
