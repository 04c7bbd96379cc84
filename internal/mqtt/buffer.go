package mqtt

import "log"

// DefaultBufferSize is the number of messages held while disconnected.
const DefaultBufferSize = 1000

// bufferedMsg is a serialized message waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer holds the newest messages until the sender gets to them.
// When full the oldest message is dropped. Not safe for concurrent use.
type ringBuffer struct {
	msgs    []bufferedMsg
	start   int // index of the oldest message
	count   int
	dropped int // since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{msgs: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	size := len(r.msgs)
	if r.count < size {
		r.msgs[(r.start+r.count)%size] = msg
		r.count++
		return
	}
	if r.dropped == 0 {
		log.Printf("mqtt: outbound buffer full (%d messages), dropping oldest", size)
	}
	r.dropped++
	r.msgs[r.start] = msg
	r.start = (r.start + 1) % size
}

// drain returns the buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drain() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	size := len(r.msgs)
	out := make([]bufferedMsg, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.msgs[(r.start+i)%size])
	}
	if r.dropped > 0 {
		log.Printf("mqtt: replaying %d buffered messages, %d dropped", r.count, r.dropped)
	}
	r.start, r.count, r.dropped = 0, 0, 0
	return out
}

// requeue puts msgs back ahead of anything pushed since they were drained.
// If the total exceeds capacity the oldest are dropped as usual.
func (r *ringBuffer) requeue(msgs []bufferedMsg) {
	size := len(r.msgs)
	newer := make([]bufferedMsg, 0, r.count)
	for i := 0; i < r.count; i++ {
		newer = append(newer, r.msgs[(r.start+i)%size])
	}
	r.start, r.count = 0, 0
	for _, m := range msgs {
		r.push(m)
	}
	for _, m := range newer {
		r.push(m)
	}
}

func (r *ringBuffer) len() int {
	return r.count
}
