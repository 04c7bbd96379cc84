package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/smlreader/internal/channel"
)

func sysEvent(name string) SystemEvent {
	return SystemEvent{Timestamp: ts, Event: name}
}

// sentNames joins the event names of system messages in send order.
func sentNames(t *testing.T, sent []SentMessage) string {
	t.Helper()
	var names []string
	for _, m := range sent {
		var p SystemPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("invalid JSON %q: %v", m.Payload, err)
		}
		names = append(names, p.System.Event)
	}
	return strings.Join(names, ",")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAsyncPublishDoesNotWaitForSender(t *testing.T) {
	s := NewFakeSender()
	s.Hold()
	p := NewAsyncPublisher(s, 10)

	p.PublishSystem(sysEvent("a"))
	waitFor(t, "first send", func() bool { return s.Waiting() == 1 })

	done := make(chan struct{})
	go func() {
		for _, name := range []string{"b", "c", "d"} {
			p.PublishSystem(sysEvent(name))
		}
		p.Publish(channel.Event{Timestamp: ts, Channel: "1", Type: channel.EventFrameReady, Frame: []byte{1}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a stalled send")
	}
	if n := p.Buffered(); n != 4 {
		t.Errorf("buffered = %d, want 4", n)
	}

	s.Release()
	p.Close()

	sent := s.Sent()
	if len(sent) != 5 {
		t.Fatalf("sent %d messages, want 5", len(sent))
	}
	if got := sentNames(t, sent[:4]); got != "a,b,c,d" {
		t.Errorf("order = %s", got)
	}
	if sent[4].Topic != EventTopic("1") || sent[4].QoS != 0 {
		t.Errorf("event message: %+v", sent[4])
	}
}

func TestAsyncHoldsWhileDisconnected(t *testing.T) {
	s := NewFakeSender()
	s.SetConnected(false)
	p := NewAsyncPublisher(s, 10)
	defer p.Close()

	for _, name := range []string{"a", "b", "c"} {
		p.PublishSystem(sysEvent(name))
	}
	time.Sleep(20 * time.Millisecond)
	if len(s.Sent()) != 0 {
		t.Fatal("sent while disconnected")
	}
	if n := p.Buffered(); n != 3 {
		t.Errorf("buffered = %d, want 3", n)
	}

	s.SetConnected(true)
	p.Flush()
	waitFor(t, "replay", func() bool { return len(s.Sent()) == 3 })
	if got := sentNames(t, s.Sent()); got != "a,b,c" {
		t.Errorf("order = %s", got)
	}
}

func TestAsyncRequeuesOnDisconnect(t *testing.T) {
	s := NewFakeSender()
	s.Hold()
	p := NewAsyncPublisher(s, 10)
	defer p.Close()

	p.PublishSystem(sysEvent("a"))
	waitFor(t, "first send", func() bool { return s.Waiting() == 1 })
	p.PublishSystem(sysEvent("b"))
	p.PublishSystem(sysEvent("c"))

	// The worker is inside Send("a") with nothing else drained yet, so
	// drop the connection before it comes back.
	s.SetConnected(false)
	p.PublishSystem(sysEvent("d"))
	s.Release()
	waitFor(t, "first send to finish", func() bool { return len(s.Sent()) == 1 })

	time.Sleep(20 * time.Millisecond)
	if n := p.Buffered(); n != 3 {
		t.Fatalf("buffered = %d, want 3", n)
	}

	s.SetConnected(true)
	p.Flush()
	waitFor(t, "replay", func() bool { return len(s.Sent()) == 4 })
	if got := sentNames(t, s.Sent()); got != "a,b,c,d" {
		t.Errorf("order = %s", got)
	}
}

func TestAsyncCloseDeliversPending(t *testing.T) {
	s := NewFakeSender()
	p := NewAsyncPublisher(s, 10)

	p.PublishSystem(SystemEvent{Timestamp: ts, Event: "SHUTDOWN", Reason: "SIGTERM", Retained: true})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Close()

	sent := s.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if m := sent[0]; m.Topic != TopicSystem || m.QoS != 1 || !m.Retained {
		t.Errorf("shutdown message: %+v", m)
	}
}

func TestAsyncSendErrorsDoNotStopDelivery(t *testing.T) {
	s := NewFakeSender()
	s.SendError = errors.New("broker gone")
	p := NewAsyncPublisher(s, 10)

	p.PublishSystem(sysEvent("a"))
	p.PublishSystem(sysEvent("b"))
	p.Close()

	if got := sentNames(t, s.Sent()); got != "a,b" {
		t.Errorf("sent = %s, want a,b", got)
	}
}

func TestAsyncBufferDropsOldest(t *testing.T) {
	s := NewFakeSender()
	s.SetConnected(false)
	p := NewAsyncPublisher(s, 2)

	for _, name := range []string{"a", "b", "c"} {
		p.PublishSystem(sysEvent(name))
	}
	s.SetConnected(true)
	p.Close()

	if got := sentNames(t, s.Sent()); got != "b,c" {
		t.Errorf("sent = %s, want b,c", got)
	}
}
