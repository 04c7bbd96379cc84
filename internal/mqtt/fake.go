package mqtt

import (
	"sync"

	"github.com/sweeney/smlreader/internal/channel"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains every channel event that was published.
	Events []channel.Event

	// Payloads contains the JSON payloads of Events.
	Payloads [][]byte

	// SystemEvents contains every system event that was published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, is returned by Publish and nothing is recorded.
	PublishError error

	// PublishSystemError, if set, is returned by PublishSystem.
	PublishSystemError error

	Closed    bool
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the channel event.
func (f *FakePublisher) Publish(event channel.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// EventsOfType returns the recorded channel events of type t.
func (f *FakePublisher) EventsOfType(t channel.EventType) []channel.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []channel.Event
	for _, ev := range f.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// SystemEventNames returns the Event field of every recorded system event.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, ev := range f.SystemEvents {
		names[i] = ev.Event
	}
	return names
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports the Connected field.
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SentMessage is one message handed to a FakeSender.
type SentMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeSender is a Sender that records messages. After Hold, every Send
// blocks until Release.
type FakeSender struct {
	mu        sync.Mutex
	connected bool
	hold      chan struct{}
	waiting   int
	sent      []SentMessage

	// SendError, if set, is returned by Send after recording the message.
	SendError error
}

// NewFakeSender creates a connected FakeSender.
func NewFakeSender() *FakeSender {
	return &FakeSender{connected: true}
}

// Send records the message, first blocking while held.
func (s *FakeSender) Send(topic string, qos byte, retained bool, payload []byte) error {
	s.mu.Lock()
	hold := s.hold
	if hold != nil {
		s.waiting++
	}
	s.mu.Unlock()

	if hold != nil {
		<-hold
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hold != nil {
		s.waiting--
	}
	s.sent = append(s.sent, SentMessage{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return s.SendError
}

// IsConnected reports the state set by SetConnected.
func (s *FakeSender) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected changes the reported connection state.
func (s *FakeSender) SetConnected(c bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = c
}

// Hold makes subsequent sends block until Release.
func (s *FakeSender) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

// Release unblocks held sends.
func (s *FakeSender) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Waiting returns the number of sends blocked by Hold.
func (s *FakeSender) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Sent returns a copy of the recorded messages.
func (s *FakeSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
