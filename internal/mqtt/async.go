package mqtt

import (
	"fmt"
	"log"
	"sync"

	"github.com/sweeney/smlreader/internal/channel"
)

// Sender delivers one message, blocking until the broker has it.
type Sender interface {
	Send(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// AsyncPublisher is a Publisher that never waits on the broker. Messages go
// into a drop-oldest buffer that one goroutine drains into the Sender while
// it is connected.
type AsyncPublisher struct {
	sender Sender

	mu  sync.Mutex
	buf *ringBuffer

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewAsyncPublisher starts the delivery goroutine. bufferSize <= 0 means
// DefaultBufferSize.
func NewAsyncPublisher(s Sender, bufferSize int) *AsyncPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	p := &AsyncPublisher{
		sender:  s,
		buf:     newRingBuffer(bufferSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues a channel event (QoS 0, not retained).
func (p *AsyncPublisher) Publish(event channel.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	p.enqueue(bufferedMsg{topic: EventTopic(event.Channel), payload: payload})
	return nil
}

// PublishSystem queues a system lifecycle event (QoS 1).
func (p *AsyncPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	p.enqueue(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
	return nil
}

// IsConnected reports the sender's connection state.
func (p *AsyncPublisher) IsConnected() bool {
	return p.sender.IsConnected()
}

// Buffered returns the number of messages not yet handed to the sender.
func (p *AsyncPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Flush wakes the delivery goroutine, e.g. after a reconnect.
func (p *AsyncPublisher) Flush() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops the delivery goroutine, then delivers what is left if the
// sender is connected.
func (p *AsyncPublisher) Close() error {
	p.once.Do(func() {
		close(p.done)
		<-p.stopped
		p.deliver()
	})
	return nil
}

func (p *AsyncPublisher) enqueue(m bufferedMsg) {
	p.mu.Lock()
	p.buf.push(m)
	p.mu.Unlock()
	p.Flush()
}

func (p *AsyncPublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		p.deliver()
	}
}

// deliver sends buffered messages oldest first until the buffer is empty or
// the connection drops. Unsent messages go back to the buffer.
func (p *AsyncPublisher) deliver() {
	for p.sender.IsConnected() {
		p.mu.Lock()
		pending := p.buf.drain()
		p.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for i, m := range pending {
			if !p.sender.IsConnected() {
				p.mu.Lock()
				p.buf.requeue(pending[i:])
				p.mu.Unlock()
				return
			}
			if err := p.sender.Send(m.topic, m.qos, m.retained, m.payload); err != nil {
				log.Printf("mqtt: %v", err)
			}
		}
	}
}
